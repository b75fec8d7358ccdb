package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-guard/pkg/cookiestore"
	"github.com/openkcm/session-guard/pkg/token"
)

// Event is a message pushed by the server. Its payload is left to the caller.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type PairSource interface {
	Pair() token.Pair
}

var ErrNoAccessToken = errors.New("no access token to authenticate the channel")

// WebSocketChannel is a Channel over a websocket. The dial carries the current
// access token as a cookie.
type WebSocketChannel struct {
	url     string
	dialer  *websocket.Dialer
	tokens  PairSource
	handler func(Event)

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWebSocketChannel(url string, tokens PairSource, handler func(Event)) *WebSocketChannel {
	if handler == nil {
		handler = func(Event) {}
	}
	dialer := *websocket.DefaultDialer
	return &WebSocketChannel{
		url:     url,
		dialer:  &dialer,
		tokens:  tokens,
		handler: handler,
	}
}

func (c *WebSocketChannel) Connect(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}

	accessToken := c.tokens.Pair().AccessToken
	if accessToken == "" {
		return ErrNoAccessToken
	}

	header := http.Header{}
	header.Set("Cookie", (&http.Cookie{Name: cookiestore.AccessTokenCookie, Value: accessToken}).String())

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dialing realtime channel (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dialing realtime channel: %w", err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readPump(context.WithoutCancel(ctx), conn)
	slogctx.Debug(ctx, "Realtime channel connected", "url", c.url)

	return nil
}

func (c *WebSocketChannel) readPump(ctx context.Context, conn *websocket.Conn) {
	defer c.drop(conn)

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slogctx.Info(ctx, "Realtime channel closed", "error", err)
			}
			return
		}
		c.handler(ev)
	}
}

// drop forgets conn if it is still the current connection.
func (c *WebSocketChannel) drop(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	_ = conn.Close()
}

// Disconnect closes the connection. It is safe to call when not connected.
func (c *WebSocketChannel) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout")
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("closing realtime channel: %w", err)
	}
	return nil
}

func (c *WebSocketChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}
