package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/finnweber/chime/pkg/model"
	"github.com/finnweber/chime/pkg/protocol"
)

const (
	// Time allowed for the first authenticate frame to arrive.
	authWait = 10 * time.Second

	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer. SDP offers run to tens of KB.
	maxMessageSize = 64 * 1024

	// Outbound buffer per connection; a consumer this far behind is dropped.
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The signaling channel is authenticated by the first frame, not by
	// origin; browser clients connect from arbitrary hosts.
	CheckOrigin: func(*http.Request) bool { return true },
}

// client is one live WebSocket connection. It implements Conn.
//
// The read loop dispatches inbound events serially; outbound events go
// through the buffered send channel drained by a single writer goroutine, so
// any goroutine may call Send without interleaving frames.
type client struct {
	server *Server
	conn   *websocket.Conn

	userID      string
	username    string
	displayName string

	send chan *protocol.Event

	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) UserID() string { return c.userID }

// Send enqueues ev for the writer pump. A full buffer means the consumer
// stopped draining; the connection is torn down rather than blocking the
// sender.
func (c *client) Send(ev *protocol.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		slog.Warn("send buffer full, dropping connection", "user", c.userID)
		c.Close()
		return false
	}
}

// Close tears the connection down. Safe to call from any goroutine, any
// number of times.
func (c *client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// HandleWS upgrades an HTTP request to the signaling WebSocket. The first
// frame must be authenticate; anything else, or a bad token, gets a code-1
// error and the connection closes before any other event is processed.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	s.metrics.TotalConnections.Add(1)

	user, ok := s.authenticateConn(conn)
	if !ok {
		_ = conn.Close()
		return
	}

	c := &client{
		server:      s,
		conn:        conn,
		userID:      user.ID,
		username:    user.Username,
		displayName: user.DisplayName,
		send:        make(chan *protocol.Event, sendBuffer),
		done:        make(chan struct{}),
	}

	// Last login wins: a previous connection for this user is displaced.
	if prev := s.registry.Register(c); prev != nil {
		slog.Info("displacing previous connection", "user", user.Username)
		prev.Close()
	}
	s.metrics.ActiveConnections.Add(1)
	s.metrics.SuccessfulAuths.Add(1)
	slog.Info("client connected", "user", user.Username)

	c.Send(&protocol.Event{AuthOK: &protocol.AuthOK{
		UserID:      user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
	}})
	s.broadcastPresence(user.ID, true)

	go c.writePump()
	c.readPump()
}

// authenticateConn runs the auth-first handshake on a fresh connection.
func (s *Server) authenticateConn(conn *websocket.Conn) (*model.User, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(authWait))
	conn.SetReadLimit(maxMessageSize)

	var ev protocol.Event
	if err := conn.ReadJSON(&ev); err != nil {
		slog.Debug("auth read failed", "remote", conn.RemoteAddr(), "err", err)
		return nil, false
	}
	if ev.Authenticate == nil {
		s.metrics.FailedAuths.Add(1)
		writeDirect(conn, &protocol.Event{Error: &protocol.ErrorEvent{
			Code: protocol.CodeAuthFailed, Message: "first event must be authenticate",
		}})
		return nil, false
	}

	userID, err := s.auth.Verify(ev.Authenticate.Token)
	if err != nil {
		s.metrics.FailedAuths.Add(1)
		slog.Debug("authentication failed", "remote", conn.RemoteAddr(), "err", err)
		writeDirect(conn, &protocol.Event{Error: &protocol.ErrorEvent{
			Code: protocol.CodeAuthFailed, Message: "authentication failed",
		}})
		return nil, false
	}

	user, err := s.store.NonTx().GetUserByID(userID)
	if err != nil || user == nil {
		s.metrics.FailedAuths.Add(1)
		writeDirect(conn, &protocol.Event{Error: &protocol.ErrorEvent{
			Code: protocol.CodeAuthFailed, Message: "authentication failed",
		}})
		return nil, false
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	return user, true
}

// writeDirect writes one event before the writer pump exists (handshake
// errors only).
func writeDirect(conn *websocket.Conn, ev *protocol.Event) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(ev)
}

// readPump reads and dispatches inbound events until the connection dies.
// Events are handled one at a time, in arrival order.
func (c *client) readPump() {
	s := c.server
	defer func() {
		c.Close()
		if s.registry.Unregister(c) {
			s.recordLastSeen(c.userID)
			s.broadcastPresence(c.userID, false)
		}
		s.metrics.ActiveConnections.Add(-1)
		s.metrics.TotalDisconnects.Add(1)
		slog.Info("client disconnected", "user", c.username)
	}()

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		var ev protocol.Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) &&
				websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("read error", "user", c.username, "err", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		c.server.dispatch(c, &ev)
	}
}

// writePump drains the send channel onto the wire and keeps the connection
// alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// dispatch routes one inbound event to its handler. c is any registered
// connection so handler tests can drive the switch with in-process fakes.
func (s *Server) dispatch(c Conn, ev *protocol.Event) {
	switch {
	case ev.SendMessage != nil:
		s.handleSendMessage(c, ev.SendMessage)

	case ev.TypingStart != nil:
		s.handleTyping(c, ev.TypingStart, true)
	case ev.TypingStop != nil:
		s.handleTyping(c, ev.TypingStop, false)
	case ev.RequestStatus != nil:
		s.handleRequestStatus(c, ev.RequestStatus)

	case ev.StartCall != nil:
		s.handleStartCall(c, ev.StartCall)
	case ev.AcceptCall != nil:
		s.handleAcceptCall(c, ev.AcceptCall)
	case ev.RejectCall != nil:
		s.handleRejectCall(c, ev.RejectCall)
	case ev.EndCall != nil:
		s.handleEndCall(c, ev.EndCall)
	case ev.Offer != nil:
		s.handleDescription(c, ev.Offer, true)
	case ev.Answer != nil:
		s.handleDescription(c, ev.Answer, false)
	case ev.IceCandidate != nil:
		s.handleIceCandidate(c, ev.IceCandidate)

	case ev.Authenticate != nil:
		// Already authenticated; a second handshake is a protocol error.
		c.Send(&protocol.Event{Error: &protocol.ErrorEvent{
			Code: protocol.CodeValidation, Message: "already authenticated",
		}})

	default:
		c.Send(&protocol.Event{Error: &protocol.ErrorEvent{
			Code: protocol.CodeValidation, Message: "unknown event",
		}})
	}
}
