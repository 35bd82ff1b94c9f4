package call

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// session holds the plumbing shared by both machines: current phase, local
// tracks, the peer session, and observer fan-out. Transition logic lives in
// caller.go and receiver.go; this file only provides the mechanics they use.
//
// Lock discipline: state changes happen under mu; signal emission and
// observer notification happen after unlock so a signaler delivering
// synchronously in tests cannot deadlock a machine against itself.
type session struct {
	mu sync.Mutex

	phase       Phase
	info        CallInfo
	peerID      string // the remote party's user id
	lastEnd     EndReason
	muted       bool
	videoOn     bool
	tracks      []Track
	peer        PeerSession
	connectedAt time.Time

	sig   Signaler
	media MediaProvider
	peers PeerFactory
	opts  Options
	log   *slog.Logger

	obsMu     sync.Mutex
	observers []Observer
}

func newSession(sig Signaler, media MediaProvider, peers PeerFactory, opts Options, log *slog.Logger) session {
	if log == nil {
		log = slog.Default()
	}
	return session{
		phase: PhaseIdle,
		sig:   sig,
		media: media,
		peers: peers,
		opts:  opts,
		log:   log,
	}
}

// Subscribe registers an observer for state snapshots.
func (s *session) Subscribe(obs Observer) {
	s.obsMu.Lock()
	s.observers = append(s.observers, obs)
	s.obsMu.Unlock()
}

// Phase returns the current phase.
func (s *session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// LastEnd returns why the most recent call attempt returned to idle.
func (s *session) LastEnd() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEnd
}

// Info returns the active call attempt, or nil when idle.
func (s *session) Info() *CallInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseIdle {
		return nil
	}
	info := s.info
	return &info
}

func (s *session) snapshotLocked() Snapshot {
	snap := Snapshot{
		IsIncoming:     s.phase == PhaseIncoming,
		IsOutgoing:     s.phase == PhaseOutgoing,
		IsConnected:    s.phase == PhaseConnected,
		IsMuted:        s.muted,
		IsVideoEnabled: s.videoOn,
	}
	if s.phase != PhaseIdle {
		info := s.info
		snap.Call = &info
	}
	return snap
}

func (s *session) notify(snap Snapshot) {
	s.obsMu.Lock()
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	s.obsMu.Unlock()
	for _, obs := range observers {
		obs(snap)
	}
}

// attachPeerLocked creates the peer session, attaches tracks, and wires
// candidate/state callbacks. Must be called with mu held.
func (s *session) attachPeerLocked(tracks []Track) error {
	peer, err := s.peers.NewPeerSession()
	if err != nil {
		return err
	}
	for _, t := range tracks {
		if err := peer.AddTrack(t); err != nil {
			_ = peer.Close()
			return err
		}
	}
	s.tracks = tracks
	s.peer = peer
	s.videoOn = hasVideo(tracks)

	roomID, peerID := s.info.RoomID, s.peerID
	peer.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if err := s.sig.SendCandidate(roomID, peerID, c); err != nil {
			s.log.Debug("candidate send failed", "room", roomID, "err", err)
		}
	})
	peer.OnSessionStateChange(func(state webrtc.PeerConnectionState) {
		s.handlePeerState(state)
	})
	return nil
}

func hasVideo(tracks []Track) bool {
	for _, t := range tracks {
		if t.Kind() == TrackVideo {
			return true
		}
	}
	return false
}

// applyCandidate applies a remote ICE candidate once a remote description
// exists. Earlier candidates are dropped silently rather than queued; see
// DESIGN.md for the buffering question.
func (s *session) applyCandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	if s.phase != PhaseNegotiating && s.phase != PhaseConnected {
		s.mu.Unlock()
		return
	}
	peer := s.peer
	if peer == nil || !peer.HasRemoteDescription() {
		s.mu.Unlock()
		s.log.Debug("dropping early ice candidate", "room", s.info.RoomID)
		return
	}
	s.mu.Unlock()

	if err := peer.AddICECandidate(c); err != nil {
		s.log.Debug("ice candidate rejected", "room", s.info.RoomID, "err", err)
	}
}

// teardown moves the machine to idle, releasing media and the peer session.
// Idempotent: tearing down an idle machine is a no-op. When signalRemote is
// set, a best-effort end_call goes to the remote party; its absence is not an
// error.
func (s *session) teardown(reason EndReason, signalRemote bool) {
	s.mu.Lock()
	if s.phase == PhaseIdle {
		s.mu.Unlock()
		return
	}
	roomID, peerID := s.info.RoomID, s.peerID
	tracks, peer := s.tracks, s.peer
	s.tracks = nil
	s.peer = nil
	s.phase = PhaseIdle
	s.lastEnd = reason
	s.muted = false
	s.videoOn = false
	snap := s.snapshotLocked()
	s.mu.Unlock()

	stopTracks(tracks)
	if peer != nil {
		_ = peer.Close()
	}
	if signalRemote {
		if err := s.sig.EndCall(roomID, peerID); err != nil {
			s.log.Debug("end_call signal failed", "room", roomID, "err", err)
		}
	}
	s.log.Info("call ended", "room", roomID, "reason", reason.String())
	s.notify(snap)
}

// handlePeerState reacts to the peer transport's reported state. Connected is
// driven by the transport itself, not an application message.
func (s *session) handlePeerState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		if s.phase != PhaseNegotiating {
			s.mu.Unlock()
			return
		}
		s.phase = PhaseConnected
		s.connectedAt = time.Now()
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.log.Info("call connected", "room", s.info.RoomID)
		s.notify(snap)

	case webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateClosed:
		s.mu.Lock()
		phase := s.phase
		sinceConnected := time.Since(s.connectedAt)
		s.mu.Unlock()

		switch phase {
		case PhaseConnected:
			if sinceConnected < s.opts.connectedGrace() {
				// Near-instant loss right after connecting: reset quietly so a
				// spurious flap does not read as a formal call end remotely.
				s.log.Debug("transport flap inside grace window", "room", s.info.RoomID)
				s.teardown(EndFailed, false)
				return
			}
			s.teardown(EndFailed, true)
		case PhaseNegotiating:
			s.teardown(EndFailed, true)
		}
	}
}

// ToggleMute flips local audio track enablement. Only meaningful while
// negotiating or connected; elsewhere it reports the current value.
func (s *session) ToggleMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseNegotiating && s.phase != PhaseConnected {
		return s.muted
	}
	s.muted = !s.muted
	for _, t := range s.tracks {
		if t.Kind() == TrackAudio {
			t.SetEnabled(!s.muted)
		}
	}
	return s.muted
}

// ToggleVideo flips local video track enablement. Only meaningful while
// negotiating or connected.
func (s *session) ToggleVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseNegotiating && s.phase != PhaseConnected {
		return s.videoOn
	}
	s.videoOn = !s.videoOn
	for _, t := range s.tracks {
		if t.Kind() == TrackVideo {
			t.SetEnabled(s.videoOn)
		}
	}
	return s.videoOn
}
