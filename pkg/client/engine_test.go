package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/finnweber/chime/pkg/call"
	"github.com/finnweber/chime/pkg/model"
	"github.com/finnweber/chime/pkg/protocol"
)

// fakeLink records everything the engine sends. It satisfies the link
// interface so tests run without a WebSocket server.
type fakeLink struct {
	mu     sync.Mutex
	sent   []*protocol.Event
	done   chan struct{}
	closed bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{done: make(chan struct{})}
}

func (l *fakeLink) Send(ev *protocol.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, ev)
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	return nil
}

func (l *fakeLink) Done() <-chan struct{} { return l.done }

func (l *fakeLink) named(name string) []*protocol.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*protocol.Event
	for _, ev := range l.sent {
		if ev.Name() == name {
			out = append(out, ev)
		}
	}
	return out
}

func (l *fakeLink) count(name string) int { return len(l.named(name)) }

// ----- media / peer fakes -----

type engTrack struct {
	kind    call.TrackKind
	enabled bool
	stops   int
}

func (t *engTrack) Kind() call.TrackKind { return t.kind }
func (t *engTrack) Enabled() bool        { return t.enabled }
func (t *engTrack) SetEnabled(en bool)   { t.enabled = en }
func (t *engTrack) Stop()                { t.stops++ }

type engMedia struct {
	err error
}

func (m *engMedia) Acquire(_ context.Context, callType protocol.CallType) ([]call.Track, error) {
	if m.err != nil {
		return nil, &call.AcquireError{CallType: callType, Err: m.err}
	}
	tracks := []call.Track{&engTrack{kind: call.TrackAudio, enabled: true}}
	if callType == protocol.CallVideo {
		tracks = append(tracks, &engTrack{kind: call.TrackVideo, enabled: true})
	}
	return tracks, nil
}

type engPeer struct {
	mu       sync.Mutex
	local    bool
	remote   bool
	answered bool
	closed   bool
}

func (p *engPeer) AddTrack(call.Track) error { return nil }

func (p *engPeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = true
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *engPeer) CreateAnswer(webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = true
	p.local = true
	p.answered = true
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *engPeer) AcceptAnswer(webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = true
	p.answered = true
	return nil
}

func (p *engPeer) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (p *engPeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *engPeer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.answered {
		return webrtc.SignalingStateStable
	}
	if p.local {
		return webrtc.SignalingStateHaveLocalOffer
	}
	return webrtc.SignalingStateStable
}

func (p *engPeer) OnICECandidate(func(webrtc.ICECandidateInit))           {}
func (p *engPeer) OnSessionStateChange(func(webrtc.PeerConnectionState)) {}

func (p *engPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type engFactory struct {
	mu    sync.Mutex
	peers []*engPeer
}

func (f *engFactory) NewPeerSession() (call.PeerSession, error) {
	p := &engPeer{}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

// newTestEngine returns an engine attached to a fake link as user "alice".
func newTestEngine(t *testing.T) (*Engine, *fakeLink) {
	t.Helper()
	e := NewEngine(Options{Media: &engMedia{}, Peers: &engFactory{}})
	link := newFakeLink()
	e.attach(link, "alice")
	return e, link
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestEngineDeliversMessageCallbacks(t *testing.T) {
	e, _ := newTestEngine(t)

	var gotMsg model.Message
	var gotName, gotRef string
	var gotCode int
	e.OnMessage = func(msg model.Message, senderName string) {
		gotMsg = msg
		gotName = senderName
	}
	e.OnMessageSent = func(msg model.Message, clientRef string) { gotRef = clientRef }
	e.OnMessageError = func(code int, _, _ string) { gotCode = code }

	e.handleEvent(&protocol.Event{NewMessage: &protocol.NewMessage{
		Message:    model.Message{ID: "m1", SenderID: "bob", Content: "hi"},
		SenderName: "Bob",
	}})
	if gotMsg.ID != "m1" || gotName != "Bob" {
		t.Fatalf("OnMessage got id=%q name=%q", gotMsg.ID, gotName)
	}

	e.handleEvent(&protocol.Event{MessageSent: &protocol.MessageSent{
		Message:   model.Message{ID: "m2"},
		ClientRef: "ref-7",
	}})
	if gotRef != "ref-7" {
		t.Fatalf("OnMessageSent clientRef = %q", gotRef)
	}

	e.handleEvent(&protocol.Event{MessageError: &protocol.MessageError{Code: 2, Message: "bad"}})
	if gotCode != 2 {
		t.Fatalf("OnMessageError code = %d", gotCode)
	}
}

func TestSendMessageRequiresConnection(t *testing.T) {
	e := NewEngine(Options{})
	if err := e.SendMessage("bob", "hi", model.MessageText, ""); err == nil {
		t.Fatal("expected error while disconnected")
	}
}

func TestTypingAutoStops(t *testing.T) {
	e, link := newTestEngine(t)
	e.typingDelay = 20 * time.Millisecond

	if err := e.Typing("bob"); err != nil {
		t.Fatalf("Typing: %v", err)
	}
	starts := link.named("typing_start")
	if len(starts) != 1 || starts[0].TypingStart.ReceiverID != "bob" {
		t.Fatalf("expected one typing_start for bob, got %d", len(starts))
	}
	if n := link.count("typing_stop"); n != 0 {
		t.Fatalf("typing_stop sent early: %d", n)
	}

	waitFor(t, func() bool { return link.count("typing_stop") == 1 })
	if link.named("typing_stop")[0].TypingStop.ReceiverID != "bob" {
		t.Fatal("typing_stop for wrong receiver")
	}
}

func TestTypingRepeatKeystrokesEmitOneStart(t *testing.T) {
	e, link := newTestEngine(t)
	e.typingDelay = 30 * time.Millisecond

	for i := 0; i < 5; i++ {
		if err := e.Typing("bob"); err != nil {
			t.Fatalf("Typing: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := link.count("typing_start"); n != 1 {
		t.Fatalf("typing_start count = %d, want 1", n)
	}

	waitFor(t, func() bool { return link.count("typing_stop") == 1 })

	// A keystroke after the stop opens a fresh typing burst.
	if err := e.Typing("bob"); err != nil {
		t.Fatalf("Typing: %v", err)
	}
	if n := link.count("typing_start"); n != 2 {
		t.Fatalf("typing_start count after restart = %d, want 2", n)
	}
}

func TestStopTypingSendsImmediately(t *testing.T) {
	e, link := newTestEngine(t)

	if err := e.Typing("bob"); err != nil {
		t.Fatalf("Typing: %v", err)
	}
	e.StopTyping("bob")
	if n := link.count("typing_stop"); n != 1 {
		t.Fatalf("typing_stop count = %d, want 1", n)
	}

	// No pending timer left, so no second stop arrives later.
	e.StopTyping("bob")
	if n := link.count("typing_stop"); n != 1 {
		t.Fatalf("typing_stop count after redundant stop = %d, want 1", n)
	}
}

func TestTypingEventsReachCallback(t *testing.T) {
	e, _ := newTestEngine(t)

	type seen struct {
		user   string
		typing bool
	}
	var got []seen
	e.OnTyping = func(userID string, typing bool) {
		got = append(got, seen{userID, typing})
	}

	e.handleEvent(&protocol.Event{UserTyping: &protocol.UserTyping{UserID: "bob"}})
	e.handleEvent(&protocol.Event{UserStoppedTyping: &protocol.UserTyping{UserID: "bob"}})

	want := []seen{{"bob", true}, {"bob", false}}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("typing callbacks = %+v", got)
	}
}

func TestUserStatusReachesCallback(t *testing.T) {
	e, link := newTestEngine(t)

	var got model.PresenceStatus
	e.OnUserStatus = func(status model.PresenceStatus) { got = status }

	if err := e.RequestStatus("bob"); err != nil {
		t.Fatalf("RequestStatus: %v", err)
	}
	reqs := link.named("request_status")
	if len(reqs) != 1 || reqs[0].RequestStatus.UserID != "bob" {
		t.Fatal("request_status not sent for bob")
	}

	e.handleEvent(&protocol.Event{UserStatus: &protocol.UserStatus{
		Status: model.PresenceStatus{UserID: "bob", Online: true},
	}})
	if got.UserID != "bob" || !got.Online {
		t.Fatalf("OnUserStatus got %+v", got)
	}
}

func TestOutgoingCallSendsStartCall(t *testing.T) {
	e, link := newTestEngine(t)

	if err := e.Call(context.Background(), "bob", protocol.CallVoice); err != nil {
		t.Fatalf("Call: %v", err)
	}
	starts := link.named("start_call")
	if len(starts) != 1 {
		t.Fatalf("start_call count = %d, want 1", len(starts))
	}
	sc := starts[0].StartCall
	if sc.ReceiverID != "bob" || sc.CallType != protocol.CallVoice || sc.RoomID == "" {
		t.Fatalf("start_call = %+v", sc)
	}
}

func TestCallAcceptedProducesOffer(t *testing.T) {
	e, link := newTestEngine(t)

	var snaps []call.Snapshot
	e.OnCallState = func(snap call.Snapshot) { snaps = append(snaps, snap) }

	if err := e.Call(context.Background(), "bob", protocol.CallVoice); err != nil {
		t.Fatalf("Call: %v", err)
	}
	room := link.named("start_call")[0].StartCall.RoomID

	e.handleEvent(&protocol.Event{CallAccepted: &protocol.CallAccepted{
		RoomID:     room,
		ReceiverID: "bob",
	}})

	offers := link.named("offer")
	if len(offers) != 1 {
		t.Fatalf("offer count = %d, want 1", len(offers))
	}
	if offers[0].Offer.RoomID != room || offers[0].Offer.PeerID != "bob" {
		t.Fatalf("offer routing = %+v", offers[0].Offer)
	}
	if len(snaps) == 0 {
		t.Fatal("no call state snapshots observed")
	}
}

func TestIncomingCallRingsReceiver(t *testing.T) {
	e, link := newTestEngine(t)

	var last call.Snapshot
	e.OnCallState = func(snap call.Snapshot) { last = snap }

	e.handleEvent(&protocol.Event{IncomingCall: &protocol.IncomingCall{
		RoomID:   "room-1",
		CallerID: "bob",
		CallType: protocol.CallVideo,
	}})

	if !last.IsIncoming {
		t.Fatalf("snapshot = %+v, want incoming", last)
	}
	if last.Call == nil || last.Call.CallerID != "bob" || last.Call.ReceiverID != "alice" {
		t.Fatalf("call info = %+v", last.Call)
	}

	if err := e.AcceptCall(context.Background()); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	accepts := link.named("accept_call")
	if len(accepts) != 1 || accepts[0].AcceptCall.RoomID != "room-1" || accepts[0].AcceptCall.CallerID != "bob" {
		t.Fatalf("accept_call = %+v", accepts)
	}
}

func TestRejectCallSendsReason(t *testing.T) {
	e, link := newTestEngine(t)

	e.handleEvent(&protocol.Event{IncomingCall: &protocol.IncomingCall{
		RoomID:   "room-1",
		CallerID: "bob",
		CallType: protocol.CallVoice,
	}})
	e.RejectCall("declined")

	rejects := link.named("reject_call")
	if len(rejects) != 1 {
		t.Fatalf("reject_call count = %d, want 1", len(rejects))
	}
	rj := rejects[0].RejectCall
	if rj.RoomID != "room-1" || rj.CallerID != "bob" || rj.Reason != "declined" {
		t.Fatalf("reject_call = %+v", rj)
	}
}

func TestCallMediaFailureSurfacesTypedError(t *testing.T) {
	media := &engMedia{err: call.ErrPermissionDenied}
	e := NewEngine(Options{Media: media, Peers: &engFactory{}})
	e.attach(newFakeLink(), "alice")

	err := e.Call(context.Background(), "bob", protocol.CallVoice)
	var acq *call.AcquireError
	if !errors.As(err, &acq) || !errors.Is(err, call.ErrPermissionDenied) {
		t.Fatalf("err = %v, want *AcquireError wrapping ErrPermissionDenied", err)
	}
}

func TestToggleMuteNeedsActiveCall(t *testing.T) {
	e, link := newTestEngine(t)

	if e.ToggleMute() {
		t.Fatal("ToggleMute with no call should report unmuted")
	}

	if err := e.Call(context.Background(), "bob", protocol.CallVoice); err != nil {
		t.Fatalf("Call: %v", err)
	}
	room := link.named("start_call")[0].StartCall.RoomID
	e.handleEvent(&protocol.Event{CallAccepted: &protocol.CallAccepted{
		RoomID:     room,
		ReceiverID: "bob",
	}})

	if !e.ToggleMute() {
		t.Fatal("first toggle should mute")
	}
	if e.ToggleMute() {
		t.Fatal("second toggle should unmute")
	}
}

func TestDisconnectHangsUpActiveCall(t *testing.T) {
	peers := &engFactory{}
	e := NewEngine(Options{Media: &engMedia{}, Peers: peers})
	link := newFakeLink()
	e.attach(link, "alice")

	var disconnectReason string
	e.OnDisconnect = func(reason string) { disconnectReason = reason }

	if err := e.Call(context.Background(), "bob", protocol.CallVoice); err != nil {
		t.Fatalf("Call: %v", err)
	}

	e.handleDisconnect("connection lost")

	if e.State() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", e.State())
	}
	if disconnectReason != "connection lost" {
		t.Fatalf("reason = %q", disconnectReason)
	}
	peers.mu.Lock()
	closed := len(peers.peers) == 1 && peers.peers[0].closed
	peers.mu.Unlock()
	if !closed {
		t.Fatal("peer session not closed on disconnect")
	}
}

func TestServerErrorReachesCallback(t *testing.T) {
	e, _ := newTestEngine(t)

	var gotCode int
	var gotMsg string
	e.OnError = func(code int, message string) {
		gotCode = code
		gotMsg = message
	}
	e.handleEvent(&protocol.Event{Error: &protocol.ErrorEvent{Code: 3, Message: "internal error"}})
	if gotCode != 3 || gotMsg != "internal error" {
		t.Fatalf("OnError got code=%d msg=%q", gotCode, gotMsg)
	}
}
