// Package call implements the per-call negotiation state machines.
//
// Each call attempt has two independent machines, a Caller and a Receiver,
// one on each end of the signaling channel. They are kept in logical lockstep
// only by the signals they exchange; either side can fail on its own without
// corrupting the other. The signaling channel itself is abstracted behind
// Signaler so the machines run identically over a live WebSocket or an
// in-process test pipe.
package call

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/finnweber/chime/pkg/protocol"
)

// Phase is the tagged call state. A machine is in exactly one phase; illegal
// combinations (incoming and outgoing at once) are unrepresentable.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseOutgoing
	PhaseIncoming
	PhaseNegotiating
	PhaseConnected
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOutgoing:
		return "outgoing"
	case PhaseIncoming:
		return "incoming"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseConnected:
		return "connected"
	}
	return "unknown"
}

// EndReason records why a call returned to idle.
type EndReason int

const (
	EndNone EndReason = iota
	EndEnded
	EndRejected
	EndFailed
)

func (r EndReason) String() string {
	switch r {
	case EndEnded:
		return "ended"
	case EndRejected:
		return "rejected"
	case EndFailed:
		return "failed"
	}
	return "none"
}

// CallInfo identifies one call attempt. RoomID is the opaque correlation
// token scoping all signals for the attempt.
type CallInfo struct {
	RoomID     string
	CallerID   string
	ReceiverID string
	Type       protocol.CallType
}

// Snapshot is the observer-facing view emitted on every transition.
type Snapshot struct {
	IsIncoming     bool
	IsOutgoing     bool
	IsConnected    bool
	IsMuted        bool
	IsVideoEnabled bool
	Call           *CallInfo
}

// Observer receives a state snapshot after each transition.
type Observer func(Snapshot)

// Signaler carries outbound call signals to the remote party. Implementations
// must not call back into the machine synchronously.
type Signaler interface {
	StartCall(roomID, receiverID string, callType protocol.CallType) error
	AcceptCall(roomID, callerID string) error
	RejectCall(roomID, callerID, reason string) error
	EndCall(roomID, peerID string) error
	SendOffer(roomID, peerID string, desc webrtc.SessionDescription) error
	SendAnswer(roomID, peerID string, desc webrtc.SessionDescription) error
	SendCandidate(roomID, peerID string, cand webrtc.ICECandidateInit) error
}

// Options tunes machine timing. Zero values take the defaults.
type Options struct {
	// RingTimeout bounds how long a caller stays in outgoing without an
	// answer (default 45s).
	RingTimeout time.Duration
	// ConnectedGrace treats a transport loss this soon after connecting as a
	// negotiation hiccup rather than a failed call (default 1s).
	ConnectedGrace time.Duration
}

const (
	defaultRingTimeout    = 45 * time.Second
	defaultConnectedGrace = time.Second
)

func (o Options) ringTimeout() time.Duration {
	if o.RingTimeout > 0 {
		return o.RingTimeout
	}
	return defaultRingTimeout
}

func (o Options) connectedGrace() time.Duration {
	if o.ConnectedGrace > 0 {
		return o.ConnectedGrace
	}
	return defaultConnectedGrace
}
