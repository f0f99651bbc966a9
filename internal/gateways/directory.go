package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/nimasrn/message-blast/internal/model"
	"github.com/valyala/fasthttp"
)

var ErrChannelNotFound = errors.New("channel not found")

// Directory answers questions about sender channels.
type Directory struct {
	baseURL string
	timeout time.Duration
	client  *fasthttp.Client
}

func NewDirectory(baseURL string, timeout time.Duration) *Directory {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Directory{
		baseURL: baseURL,
		timeout: timeout,
		client: &fasthttp.Client{
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: 60 * time.Second,
		},
	}
}

func (d *Directory) GetChannel(ctx context.Context, channelID string) (*model.Channel, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(d.baseURL + "/api/v1/channels/" + url.PathEscape(channelID))
	req.Header.SetMethod(fasthttp.MethodGet)

	deadline := time.Now().Add(d.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := d.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("directory request failed: %w", err)
	}

	switch resp.StatusCode() {
	case fasthttp.StatusOK:
	case fasthttp.StatusNotFound:
		return nil, ErrChannelNotFound
	default:
		return nil, fmt.Errorf("directory returned status %d", resp.StatusCode())
	}

	var ch model.Channel
	if err := json.Unmarshal(resp.Body(), &ch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal channel: %w", err)
	}
	return &ch, nil
}

// IsConnected reports whether channelID can send right now. Unknown channels
// are reported as disconnected.
func (d *Directory) IsConnected(ctx context.Context, channelID string) (bool, error) {
	ch, err := d.GetChannel(ctx, channelID)
	if errors.Is(err, ErrChannelNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ch.Connected(), nil
}
