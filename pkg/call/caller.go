package call

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/finnweber/chime/pkg/protocol"
)

// ErrBusy is returned when a call is initiated while another is in flight.
var ErrBusy = errors.New("call: another call is already in progress")

// ErrCallEnded is returned when an operation loses a race against teardown.
var ErrCallEnded = errors.New("call: call already ended")

// Caller is the outbound side of a call attempt: it rings the receiver,
// sends the offer once accepted, and consumes the answer.
type Caller struct {
	session

	selfID    string
	ringTimer *time.Timer
}

// NewCaller creates an idle caller machine for the local user selfID.
func NewCaller(selfID string, sig Signaler, media MediaProvider, peers PeerFactory, opts Options, log *slog.Logger) *Caller {
	return &Caller{
		session: newSession(sig, media, peers, opts, log),
		selfID:  selfID,
	}
}

// Initiate starts a call to receiverID. Local media for the call type is
// acquired before any state change: acquisition failure keeps the machine
// idle and surfaces a typed *AcquireError. On success the machine moves to
// outgoing and the receiver is rung via the signaling channel; routing to an
// offline receiver (push notification fallback) is the channel's concern, the
// caller stays outgoing until accept, reject, or ring timeout either way.
func (c *Caller) Initiate(ctx context.Context, receiverID string, callType protocol.CallType) error {
	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return ErrBusy
	}
	c.mu.Unlock()

	// Suspended here until media resolves; the machine is still idle so a
	// concurrent hangup has nothing to cancel yet.
	tracks, err := c.media.Acquire(ctx, callType)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.phase != PhaseIdle {
		// Another initiate won the race while we were acquiring.
		c.mu.Unlock()
		stopTracks(tracks)
		return ErrBusy
	}

	c.info = CallInfo{
		RoomID:     uuid.NewString(),
		CallerID:   c.selfID,
		ReceiverID: receiverID,
		Type:       callType,
	}
	c.peerID = receiverID
	if err := c.attachPeerLocked(tracks); err != nil {
		c.info = CallInfo{}
		c.mu.Unlock()
		stopTracks(tracks)
		return err
	}
	c.phase = PhaseOutgoing
	c.lastEnd = EndNone
	c.startRingTimerLocked()
	roomID := c.info.RoomID
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.log.Info("call initiated", "room", roomID, "receiver", receiverID, "type", callType)
	c.notify(snap)
	if err := c.sig.StartCall(roomID, receiverID, callType); err != nil {
		c.log.Warn("start_call signal failed", "room", roomID, "err", err)
		c.teardown(EndFailed, false)
		return err
	}
	return nil
}

// startRingTimerLocked arms the client-side ring timeout. Must hold mu.
func (c *Caller) startRingTimerLocked() {
	roomID := c.info.RoomID
	c.ringTimer = time.AfterFunc(c.opts.ringTimeout(), func() {
		c.mu.Lock()
		expired := c.phase == PhaseOutgoing && c.info.RoomID == roomID
		c.mu.Unlock()
		if expired {
			c.log.Info("call ring timeout", "room", roomID)
			c.teardown(EndFailed, true)
		}
	})
}

func (c *Caller) stopRingTimerLocked() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

// HandleAccepted processes the receiver's accept signal: construct and send
// the session offer. A stale accept (machine not outgoing, or the negotiation
// channel already past its initial condition) is ignored without transition.
func (c *Caller) HandleAccepted(roomID string) {
	c.mu.Lock()
	if c.phase != PhaseOutgoing || c.info.RoomID != roomID {
		c.mu.Unlock()
		c.log.Debug("ignoring stale call_accepted", "room", roomID)
		return
	}
	if c.peer.SignalingState() != webrtc.SignalingStateStable {
		c.mu.Unlock()
		c.log.Debug("ignoring call_accepted outside initial signaling state", "room", roomID)
		return
	}
	c.stopRingTimerLocked()
	peer := c.peer
	peerID := c.peerID
	c.phase = PhaseNegotiating
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)

	offer, err := peer.CreateOffer()
	if err != nil {
		c.log.Error("offer construction failed", "room", roomID, "err", err)
		c.teardown(EndFailed, true)
		return
	}
	if err := c.sig.SendOffer(roomID, peerID, offer); err != nil {
		c.log.Error("offer send failed", "room", roomID, "err", err)
		c.teardown(EndFailed, true)
	}
}

// HandleRejected processes the receiver's reject signal.
func (c *Caller) HandleRejected(roomID, reason string) {
	c.mu.Lock()
	match := c.phase == PhaseOutgoing && c.info.RoomID == roomID
	if match {
		c.stopRingTimerLocked()
	}
	c.mu.Unlock()
	if !match {
		return
	}
	c.log.Info("call rejected by receiver", "room", roomID, "reason", reason)
	c.teardown(EndRejected, false)
}

// HandleAnswer installs the receiver's answer. Only accepted when an offer
// was already sent (the channel is past its initial condition); otherwise the
// event is a duplicate or late delivery and is dropped.
func (c *Caller) HandleAnswer(roomID string, answer webrtc.SessionDescription) {
	c.mu.Lock()
	if c.phase != PhaseNegotiating || c.info.RoomID != roomID {
		c.mu.Unlock()
		c.log.Debug("ignoring answer outside negotiation", "room", roomID)
		return
	}
	peer := c.peer
	if peer.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		c.mu.Unlock()
		c.log.Debug("ignoring answer before local offer", "room", roomID)
		return
	}
	c.mu.Unlock()

	if err := peer.AcceptAnswer(answer); err != nil {
		c.log.Error("answer rejected", "room", roomID, "err", err)
		c.teardown(EndFailed, true)
	}
}

// HandleCandidate applies a remote ICE candidate.
func (c *Caller) HandleCandidate(roomID string, cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	match := c.info.RoomID == roomID
	c.mu.Unlock()
	if match {
		c.applyCandidate(cand)
	}
}

// HandleRemoteHangup processes the remote party ending the call.
func (c *Caller) HandleRemoteHangup(roomID string) {
	c.mu.Lock()
	match := c.phase != PhaseIdle && c.info.RoomID == roomID
	if match {
		c.stopRingTimerLocked()
	}
	c.mu.Unlock()
	if match {
		c.teardown(EndEnded, false)
	}
}

// Hangup ends the call locally from any phase. Idempotent.
func (c *Caller) Hangup() {
	c.mu.Lock()
	c.stopRingTimerLocked()
	c.mu.Unlock()
	c.teardown(EndEnded, true)
}
