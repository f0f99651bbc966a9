package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/nimasrn/message-blast/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func TestDirectory(t *testing.T) {
	url := startServer(t, func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/api/v1/channels/ch-up":
			writeJSON(ctx, fasthttp.StatusOK, model.Channel{ID: "ch-up", WorkspaceID: "ws-1", Status: model.ChannelStatusConnected})
		case "/api/v1/channels/ch-down":
			writeJSON(ctx, fasthttp.StatusOK, model.Channel{ID: "ch-down", WorkspaceID: "ws-1", Status: model.ChannelStatusDisconnected})
		case "/api/v1/channels/ch-broken":
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	})
	d := NewDirectory(url, time.Second)
	ctx := context.Background()

	t.Run("get channel", func(t *testing.T) {
		ch, err := d.GetChannel(ctx, "ch-up")
		require.NoError(t, err)
		assert.Equal(t, "ws-1", ch.WorkspaceID)
		assert.True(t, ch.Connected())
	})

	t.Run("unknown channel", func(t *testing.T) {
		_, err := d.GetChannel(ctx, "nope")
		assert.ErrorIs(t, err, ErrChannelNotFound)

		ok, err := d.IsConnected(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("connection state", func(t *testing.T) {
		ok, err := d.IsConnected(ctx, "ch-up")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = d.IsConnected(ctx, "ch-down")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("directory failure is an error", func(t *testing.T) {
		_, err := d.IsConnected(ctx, "ch-broken")
		assert.Error(t, err)
	})
}
