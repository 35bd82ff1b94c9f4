package server

import (
	"time"

	"github.com/finnweber/chime/pkg/model"
	"github.com/finnweber/chime/pkg/protocol"
)

// broadcastPresence fans a user's online flip out to every other live
// connection. Presence derives entirely from the registry; there is no
// stored online flag to get out of sync.
func (s *Server) broadcastPresence(userID string, online bool) {
	status := model.PresenceStatus{UserID: userID, Online: online}
	if !online {
		if at, ok := s.lastSeenAt(userID); ok {
			status.LastSeenAt = &at
		}
	}
	s.registry.Broadcast(&protocol.Event{
		UserStatus: &protocol.UserStatus{Status: status},
	}, userID)
}

// handleRequestStatus answers a presence query to the requester only.
func (s *Server) handleRequestStatus(c Conn, req *protocol.RequestStatus) {
	s.metrics.StatusRequests.Add(1)
	status := model.PresenceStatus{
		UserID: req.UserID,
		Online: s.registry.Online(req.UserID),
	}
	if !status.Online {
		if at, ok := s.lastSeenAt(req.UserID); ok {
			status.LastSeenAt = &at
		}
	}
	c.Send(&protocol.Event{UserStatus: &protocol.UserStatus{Status: status}})
}

// handleTyping relays a typing signal to the receiver's live connection.
// Typing is ephemeral: nothing is persisted and an offline receiver simply
// never learns about it.
func (s *Server) handleTyping(c Conn, req *protocol.Typing, start bool) {
	dest, ok := s.registry.Lookup(req.ReceiverID)
	if !ok {
		return
	}
	s.metrics.TypingEvents.Add(1)
	indicator := &protocol.UserTyping{UserID: c.UserID()}
	if start {
		dest.Send(&protocol.Event{UserTyping: indicator})
	} else {
		dest.Send(&protocol.Event{UserStoppedTyping: indicator})
	}
}

func (s *Server) recordLastSeen(userID string) {
	s.seenMu.Lock()
	s.lastSeen[userID] = time.Now().UTC()
	s.seenMu.Unlock()
}

func (s *Server) lastSeenAt(userID string) (time.Time, bool) {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	at, ok := s.lastSeen[userID]
	return at, ok
}
