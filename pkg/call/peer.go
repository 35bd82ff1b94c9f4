package call

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// PeerSession is the peer-level transport a call machine negotiates over.
// The production implementation wraps a Pion PeerConnection; tests use an
// in-process fake pair.
type PeerSession interface {
	// AddTrack attaches a local track before negotiation.
	AddTrack(t Track) error
	// CreateOffer builds a session offer and installs it as the local
	// description.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer installs the remote offer and builds+installs the answer.
	CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// AcceptAnswer installs the remote answer on the offering side.
	AcceptAnswer(answer webrtc.SessionDescription) error
	// AddICECandidate applies a remote candidate. Callers must check
	// HasRemoteDescription first; candidates arriving earlier are dropped by
	// the machines.
	AddICECandidate(c webrtc.ICECandidateInit) error
	HasRemoteDescription() bool
	SignalingState() webrtc.SignalingState
	// OnICECandidate registers the handler for locally gathered candidates.
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	// OnSessionStateChange registers the handler for peer transport state.
	OnSessionStateChange(fn func(webrtc.PeerConnectionState))
	Close() error
}

// PeerFactory creates one PeerSession per call attempt.
type PeerFactory interface {
	NewPeerSession() (PeerSession, error)
}

// PionFactory creates Pion-backed peer sessions.
type PionFactory struct {
	// ICEServers configures STUN/TURN; empty means host candidates only.
	ICEServers []webrtc.ICEServer
}

// NewPeerSession implements PeerFactory.
func (f *PionFactory) NewPeerSession() (PeerSession, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: f.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("call: new peer connection: %w", err)
	}
	return &pionSession{pc: pc}, nil
}

type pionSession struct {
	pc *webrtc.PeerConnection

	mu     sync.Mutex
	closed bool
}

func (s *pionSession) AddTrack(t Track) error {
	lt, ok := t.(LocalTrack)
	if !ok {
		return fmt.Errorf("call: track %s cannot attach to a pion session", t.Kind())
	}
	if _, err := s.pc.AddTrack(lt.WebRTC()); err != nil {
		return fmt.Errorf("call: add %s track: %w", t.Kind(), err)
	}
	return nil
}

func (s *pionSession) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("call: create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("call: set local offer: %w", err)
	}
	return offer, nil
}

func (s *pionSession) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("call: set remote offer: %w", err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("call: create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("call: set local answer: %w", err)
	}
	return answer, nil
}

func (s *pionSession) AcceptAnswer(answer webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("call: set remote answer: %w", err)
	}
	return nil
}

func (s *pionSession) AddICECandidate(c webrtc.ICECandidateInit) error {
	if err := s.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("call: add ice candidate: %w", err)
	}
	return nil
}

func (s *pionSession) HasRemoteDescription() bool {
	return s.pc.RemoteDescription() != nil
}

func (s *pionSession) SignalingState() webrtc.SignalingState {
	return s.pc.SignalingState()
}

func (s *pionSession) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		fn(c.ToJSON())
	})
}

func (s *pionSession) OnSessionStateChange(fn func(webrtc.PeerConnectionState)) {
	s.pc.OnConnectionStateChange(fn)
}

func (s *pionSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.pc.Close()
}
