package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crickx/trading-engine/internal/metrics"
)

// Handler consumes one raw feed frame. A handler error is logged and the
// read loop moves to the next frame; it never tears down the connection.
type Handler func(ctx context.Context, raw []byte) error

// Client maintains the websocket connection to the live-feed provider.
// Frames arrive ordered per connection; on disconnect the client
// reconnects with bounded exponential backoff. Missed events are
// tolerated, since player prices are recomputed from cumulative state.
type Client struct {
	url        string
	handler    Handler
	minBackoff time.Duration
	maxBackoff time.Duration
	dialer     *websocket.Dialer
}

// NewClient creates a feed client for the provider url.
func NewClient(url string, handler Handler) *Client {
	return &Client{
		url:        url,
		handler:    handler,
		minBackoff: time.Second,
		maxBackoff: time.Minute,
		dialer:     websocket.DefaultDialer,
	}
}

// Run connects and consumes frames until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	backoff := c.minBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			slog.Warn("feed dial failed", "url", c.url, "backoff", backoff, "err", err)
			metrics.FeedReconnects.Inc()
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, c.maxBackoff)
			continue
		}

		slog.Info("feed connected", "url", c.url)
		backoff = c.minBackoff
		c.readLoop(ctx, conn)
		conn.Close()
	}
}

// readLoop consumes frames until the connection drops or ctx ends.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadMessage when the context is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("feed connection lost", "err", err)
			}
			return
		}
		if err := c.handler(ctx, raw); err != nil {
			// Bad messages never crash ingestion.
			slog.Error("feed message rejected", "err", err)
		}
	}
}
