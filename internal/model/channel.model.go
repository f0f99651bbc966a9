package model

// ChannelStatus mirrors the connection state reported by the channel directory.
type ChannelStatus string

const (
	ChannelStatusConnected    ChannelStatus = "connected"
	ChannelStatusDisconnected ChannelStatus = "disconnected"
	ChannelStatusRevoked      ChannelStatus = "revoked"
)

// Channel is an outbound sending identity, for example a connected phone number.
type Channel struct {
	ID          string        `json:"id"`
	WorkspaceID string        `json:"workspace_id"`
	PhoneNumber string        `json:"phone_number"`
	Status      ChannelStatus `json:"status"`
}

func (c *Channel) Connected() bool {
	return c != nil && c.Status == ChannelStatusConnected
}
