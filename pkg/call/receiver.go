package call

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// ErrNoIncomingCall is returned when accept/reject is invoked with no call
// ringing.
var ErrNoIncomingCall = errors.New("call: no incoming call")

// Receiver is the inbound side of a call attempt: it rings locally, acquires
// media on accept, answers the caller's offer, and applies candidates.
type Receiver struct {
	session

	selfID string
}

// NewReceiver creates an idle receiver machine for the local user selfID.
func NewReceiver(selfID string, sig Signaler, media MediaProvider, peers PeerFactory, opts Options, log *slog.Logger) *Receiver {
	return &Receiver{
		session: newSession(sig, media, peers, opts, log),
		selfID:  selfID,
	}
}

// HandleIncoming processes an incoming-call signal: store the call data and
// ring. No media is acquired yet. A second incoming call while not idle is
// rejected back to its caller as busy.
func (r *Receiver) HandleIncoming(info CallInfo) {
	r.mu.Lock()
	if r.phase != PhaseIdle {
		r.mu.Unlock()
		r.log.Info("busy, rejecting incoming call", "room", info.RoomID, "caller", info.CallerID)
		if err := r.sig.RejectCall(info.RoomID, info.CallerID, "busy"); err != nil {
			r.log.Debug("busy reject failed", "room", info.RoomID, "err", err)
		}
		return
	}
	r.info = info
	r.peerID = info.CallerID
	r.phase = PhaseIncoming
	r.lastEnd = EndNone
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.log.Info("incoming call", "room", info.RoomID, "caller", info.CallerID, "type", info.Type)
	r.notify(snap)
}

// Accept acquires local media for the ringing call and signals acceptance.
// Media failure auto-fails the call and sends a reject-equivalent signal so
// the caller does not hang in outgoing; the typed *AcquireError is returned
// for the local UI. An accept that loses a race against remote hangup
// returns ErrNoIncomingCall.
func (r *Receiver) Accept(ctx context.Context) error {
	r.mu.Lock()
	if r.phase != PhaseIncoming {
		r.mu.Unlock()
		return ErrNoIncomingCall
	}
	roomID, callerID, callType := r.info.RoomID, r.info.CallerID, r.info.Type
	r.mu.Unlock()

	// Suspended until media resolves; a hangup or remote end may race this.
	tracks, err := r.media.Acquire(ctx, callType)
	if err != nil {
		r.log.Warn("media acquisition failed on accept", "room", roomID, "err", err)
		r.teardown(EndFailed, false)
		if serr := r.sig.RejectCall(roomID, callerID, "media-failure"); serr != nil {
			r.log.Debug("media-failure reject signal failed", "room", roomID, "err", serr)
		}
		return err
	}

	r.mu.Lock()
	if r.phase != PhaseIncoming || r.info.RoomID != roomID {
		// The call went away while media was resolving.
		r.mu.Unlock()
		stopTracks(tracks)
		return ErrNoIncomingCall
	}
	if err := r.attachPeerLocked(tracks); err != nil {
		r.mu.Unlock()
		stopTracks(tracks)
		r.teardown(EndFailed, false)
		if serr := r.sig.RejectCall(roomID, callerID, "media-failure"); serr != nil {
			r.log.Debug("media-failure reject signal failed", "room", roomID, "err", serr)
		}
		return err
	}
	r.phase = PhaseNegotiating
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.log.Info("call accepted", "room", roomID)
	r.notify(snap)
	if err := r.sig.AcceptCall(roomID, callerID); err != nil {
		r.log.Error("accept signal failed", "room", roomID, "err", err)
		r.teardown(EndFailed, false)
		return err
	}
	return nil
}

// Reject declines the ringing call. No media was acquired, so there is
// nothing to release. Rejecting with no call ringing is a no-op.
func (r *Receiver) Reject(reason string) {
	r.mu.Lock()
	if r.phase != PhaseIncoming {
		r.mu.Unlock()
		return
	}
	roomID, callerID := r.info.RoomID, r.info.CallerID
	r.mu.Unlock()

	r.teardown(EndRejected, false)
	if err := r.sig.RejectCall(roomID, callerID, reason); err != nil {
		r.log.Debug("reject signal failed", "room", roomID, "err", err)
	}
}

// HandleOffer answers the caller's offer. Only accepted while negotiating
// with the channel still in its initial condition; a duplicate or late offer
// is logged and dropped.
func (r *Receiver) HandleOffer(roomID string, offer webrtc.SessionDescription) {
	r.mu.Lock()
	if r.phase != PhaseNegotiating || r.info.RoomID != roomID {
		r.mu.Unlock()
		r.log.Debug("ignoring offer outside negotiation", "room", roomID)
		return
	}
	peer := r.peer
	peerID := r.peerID
	if peer.HasRemoteDescription() {
		r.mu.Unlock()
		r.log.Debug("ignoring duplicate offer", "room", roomID)
		return
	}
	r.mu.Unlock()

	answer, err := peer.CreateAnswer(offer)
	if err != nil {
		r.log.Error("answer construction failed", "room", roomID, "err", err)
		r.teardown(EndFailed, true)
		return
	}
	if err := r.sig.SendAnswer(roomID, peerID, answer); err != nil {
		r.log.Error("answer send failed", "room", roomID, "err", err)
		r.teardown(EndFailed, true)
	}
}

// HandleCandidate applies a remote ICE candidate.
func (r *Receiver) HandleCandidate(roomID string, cand webrtc.ICECandidateInit) {
	r.mu.Lock()
	match := r.info.RoomID == roomID
	r.mu.Unlock()
	if match {
		r.applyCandidate(cand)
	}
}

// HandleRemoteHangup processes the remote party ending the call.
func (r *Receiver) HandleRemoteHangup(roomID string) {
	r.mu.Lock()
	match := r.phase != PhaseIdle && r.info.RoomID == roomID
	r.mu.Unlock()
	if match {
		r.teardown(EndEnded, false)
	}
}

// Hangup ends the call locally from any phase. Idempotent.
func (r *Receiver) Hangup() {
	r.teardown(EndEnded, true)
}
