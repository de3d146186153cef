package distributed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"
)

const defaultWebSocketOrigin = "http://localhost/"

// WebSocketTransport speaks JSON-RPC text frames to a coordinator URL such
// as ws://coordinator:2000.
type WebSocketTransport struct {
	URL    string
	Origin string
}

func NewWebSocketTransport(url string) *WebSocketTransport {
	return &WebSocketTransport{URL: strings.TrimSpace(url)}
}

func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	origin := t.Origin
	if origin == "" {
		origin = defaultWebSocketOrigin
	}
	cfg, err := websocket.NewConfig(t.URL, origin)
	if err != nil {
		return nil, fmt.Errorf("websocket config for %q: %w", t.URL, err)
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial coordinator %q: %w", t.URL, err)
	}
	return &webSocketConn{ws: ws}, nil
}

type webSocketConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *webSocketConn) Send(ctx context.Context, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return translateConnErr(err)
	}
	return translateConnErr(websocket.JSON.Send(c.ws, msg))
}

func (c *webSocketConn) Receive() (Message, error) {
	var frame string
	if err := websocket.Message.Receive(c.ws, &frame); err != nil {
		return Message{}, translateConnErr(err)
	}
	return ParseMessage([]byte(frame))
}

func (c *webSocketConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func translateConnErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	return err
}
