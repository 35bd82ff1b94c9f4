package server

import (
	"log/slog"

	"github.com/finnweber/chime/pkg/notify"
	"github.com/finnweber/chime/pkg/protocol"
)

// Call signal routing. The server does not track call state: it relays each
// signal to the counterpart's live connection and lets the two call machines
// keep themselves consistent. The one enrichment is start_call, which gains
// the caller's display name and falls back to a push notification when the
// receiver is offline.

func (s *Server) handleStartCall(c Conn, req *protocol.StartCall) {
	if !req.CallType.Valid() {
		c.Send(&protocol.Event{Error: &protocol.ErrorEvent{
			Code: protocol.CodeValidation, Message: "unknown call type",
		}})
		return
	}
	caller, err := s.store.NonTx().GetUserByID(c.UserID())
	if err != nil || caller == nil {
		c.Send(&protocol.Event{Error: &protocol.ErrorEvent{
			Code: protocol.CodeInternal, Message: "internal error",
		}})
		return
	}

	s.metrics.CallsStarted.Add(1)
	incoming := &protocol.Event{IncomingCall: &protocol.IncomingCall{
		RoomID:     req.RoomID,
		CallerID:   c.UserID(),
		CallerName: caller.DisplayName,
		CallType:   req.CallType,
	}}

	if dest, ok := s.registry.Lookup(req.ReceiverID); ok {
		dest.Send(incoming)
		s.metrics.CallSignalsRelayed.Add(1)
		return
	}

	// Offline receiver: the ring becomes a push. The caller keeps ringing
	// until their own timeout; answering from a push reconnects first.
	s.metrics.CallsToPush.Add(1)
	s.dispatcher.Deliver(s.ctx, req.ReceiverID, notify.Payload{
		Title: caller.DisplayName,
		Body:  "Incoming " + string(req.CallType) + " call",
		Data:  map[string]any{"room_id": req.RoomID, "caller_id": c.UserID()},
	})
}

func (s *Server) handleAcceptCall(c Conn, req *protocol.AcceptCall) {
	s.relayCallSignal(c, req.CallerID, &protocol.Event{CallAccepted: &protocol.CallAccepted{
		RoomID:     req.RoomID,
		ReceiverID: c.UserID(),
	}})
}

func (s *Server) handleRejectCall(c Conn, req *protocol.RejectCall) {
	s.relayCallSignal(c, req.CallerID, &protocol.Event{CallRejected: &protocol.CallRejected{
		RoomID:     req.RoomID,
		ReceiverID: c.UserID(),
		Reason:     req.Reason,
	}})
}

func (s *Server) handleEndCall(c Conn, req *protocol.EndCall) {
	s.relayCallSignal(c, req.PeerID, &protocol.Event{EndCall: &protocol.EndCall{
		RoomID: req.RoomID,
		PeerID: c.UserID(),
	}})
}

func (s *Server) handleDescription(c Conn, desc *protocol.Description, offer bool) {
	out := protocol.Description{
		RoomID:      desc.RoomID,
		PeerID:      c.UserID(),
		Description: desc.Description,
	}
	ev := &protocol.Event{}
	if offer {
		ev.Offer = &out
	} else {
		ev.Answer = &out
	}
	s.relayCallSignal(c, desc.PeerID, ev)
}

func (s *Server) handleIceCandidate(c Conn, cand *protocol.IceCandidate) {
	s.relayCallSignal(c, cand.PeerID, &protocol.Event{IceCandidate: &protocol.IceCandidate{
		RoomID:    cand.RoomID,
		PeerID:    c.UserID(),
		Candidate: cand.Candidate,
	}})
}

// relayCallSignal forwards ev to peerID's live connection. A signal to an
// offline peer is dropped: the machines recover via their own timeouts, and
// answering a dead room is indistinguishable from a late signal anyway.
func (s *Server) relayCallSignal(c Conn, peerID string, ev *protocol.Event) {
	dest, ok := s.registry.Lookup(peerID)
	if !ok {
		s.metrics.CallSignalsDropped.Add(1)
		slog.Debug("call signal to offline peer dropped",
			"event", ev.Name(), "from", c.UserID(), "to", peerID)
		return
	}
	dest.Send(ev)
	s.metrics.CallSignalsRelayed.Add(1)
}
