// Package client implements the Chime client engine: the signaling channel
// connection and the two call machines driven from it.
package client

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/finnweber/chime/pkg/protocol"
)

const dialTimeout = 10 * time.Second

// EventHandler is a callback for incoming signaling events.
type EventHandler func(ev *protocol.Event)

// ControlClient manages the WebSocket signaling connection.
type ControlClient struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	handler EventHandler
	done    chan struct{}
}

// NewControlClient connects to the server's signaling endpoint (a ws:// or
// wss:// URL).
func NewControlClient(url string) (*ControlClient, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: connect: %w", err)
	}
	return &ControlClient{
		conn: conn,
		done: make(chan struct{}),
	}, nil
}

// SetEventHandler sets the callback for incoming events.
func (c *ControlClient) SetEventHandler(handler EventHandler) {
	c.handler = handler
}

// Send sends one event to the server. Safe for concurrent use.
func (c *ControlClient) Send(ev *protocol.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(ev)
}

// Authenticate runs the auth-first handshake and returns the server's
// identity confirmation.
func (c *ControlClient) Authenticate(token string) (*protocol.AuthOK, error) {
	if err := c.Send(&protocol.Event{
		Authenticate: &protocol.Authenticate{Token: token},
	}); err != nil {
		return nil, fmt.Errorf("client: send auth: %w", err)
	}

	var ev protocol.Event
	if err := c.conn.ReadJSON(&ev); err != nil {
		return nil, fmt.Errorf("client: read auth response: %w", err)
	}
	if ev.Error != nil {
		return nil, fmt.Errorf("auth failed: %s", ev.Error.Message)
	}
	if ev.AuthOK == nil {
		return nil, fmt.Errorf("client: unexpected response type %q", ev.Name())
	}
	return ev.AuthOK, nil
}

// StartReceiving starts a goroutine that reads incoming events and dispatches
// them to the event handler, one at a time, in arrival order.
func (c *ControlClient) StartReceiving() {
	go func() {
		defer close(c.done)
		for {
			var ev protocol.Event
			if err := c.conn.ReadJSON(&ev); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Debug("signaling read error", "err", err)
				}
				return
			}
			if c.handler != nil {
				c.handler(&ev)
			}
		}
	}()
}

// Close closes the signaling connection.
func (c *ControlClient) Close() error {
	return c.conn.Close()
}

// Done returns a channel that's closed when the connection is lost.
func (c *ControlClient) Done() <-chan struct{} {
	return c.done
}
