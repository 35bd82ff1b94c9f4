package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/finnweber/chime/pkg/call"
	"github.com/finnweber/chime/pkg/model"
	"github.com/finnweber/chime/pkg/protocol"
)

// State represents the client's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// typingStopDelay is how long after the last keystroke the engine emits
// typing_stop on the user's behalf.
const typingStopDelay = 1500 * time.Millisecond

// link is the transport surface the engine needs. *ControlClient implements
// it; tests substitute an in-process fake.
type link interface {
	Send(ev *protocol.Event) error
	Close() error
	Done() <-chan struct{}
}

// Options configures an Engine. The zero value works for tests; real clients
// set ICEServers for NAT traversal.
type Options struct {
	ICEServers []webrtc.ICEServer
	Media      call.MediaProvider
	Peers      call.PeerFactory
	Call       call.Options
}

// Engine wires the signaling connection to the call machines and surfaces
// everything else through callbacks. All callbacks fire on the receive
// goroutine, so they see events in server order.
type Engine struct {
	mu sync.RWMutex

	state   State
	userID  string
	control link

	caller   *call.Caller
	receiver *call.Receiver
	opts     Options

	typingMu    sync.Mutex
	typing      map[string]*time.Timer // receiverID -> auto-stop timer
	typingDelay time.Duration

	// Callbacks for UI updates
	OnStateChange  func(state State)
	OnMessage      func(msg model.Message, senderName string)
	OnMessageSent  func(msg model.Message, clientRef string)
	OnMessageError func(code int, message, clientRef string)
	OnTyping       func(userID string, typing bool)
	OnUserStatus   func(status model.PresenceStatus)
	OnCallState    func(snap call.Snapshot)
	OnError        func(code int, message string)
	OnDisconnect   func(reason string)
}

// NewEngine creates a disconnected engine.
func NewEngine(opts Options) *Engine {
	if opts.Media == nil {
		opts.Media = call.StaticProvider{}
	}
	if opts.Peers == nil {
		opts.Peers = &call.PionFactory{ICEServers: opts.ICEServers}
	}
	return &Engine{
		state:       StateDisconnected,
		opts:        opts,
		typing:      make(map[string]*time.Timer),
		typingDelay: typingStopDelay,
	}
}

// Connect dials the signaling endpoint and authenticates with token. On
// success the call machines exist and events flow into the callbacks.
func (e *Engine) Connect(url, token string) error {
	e.mu.Lock()
	if e.state != StateDisconnected {
		e.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	e.state = StateConnecting
	e.mu.Unlock()
	e.notifyStateChange(StateConnecting)

	ctrl, err := NewControlClient(url)
	if err != nil {
		e.setState(StateDisconnected)
		return err
	}
	authOK, err := ctrl.Authenticate(token)
	if err != nil {
		_ = ctrl.Close()
		e.setState(StateDisconnected)
		return err
	}
	slog.Info("authenticated", "user", authOK.Username)

	e.attach(ctrl, authOK.UserID)

	ctrl.SetEventHandler(e.handleEvent)
	ctrl.StartReceiving()
	e.notifyStateChange(StateConnected)

	go func() {
		<-ctrl.Done()
		e.handleDisconnect("connection lost")
	}()
	return nil
}

// attach installs the transport and builds the call machines for userID.
// Split from Connect so tests can drive the engine over a fake link.
func (e *Engine) attach(ctrl link, userID string) {
	sig := &wsSignaler{link: ctrl}

	e.mu.Lock()
	e.control = ctrl
	e.userID = userID
	e.caller = call.NewCaller(userID, sig, e.opts.Media, e.opts.Peers, e.opts.Call, nil)
	e.receiver = call.NewReceiver(userID, sig, e.opts.Media, e.opts.Peers, e.opts.Call, nil)
	e.state = StateConnected
	caller, receiver := e.caller, e.receiver
	e.mu.Unlock()

	observer := func(snap call.Snapshot) {
		if e.OnCallState != nil {
			e.OnCallState(snap)
		}
	}
	caller.Subscribe(observer)
	receiver.Subscribe(observer)
}

// Disconnect closes the signaling connection. The engine can Connect again
// afterwards.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	ctrl := e.control
	caller, receiver := e.caller, e.receiver
	e.mu.Unlock()

	if caller != nil {
		caller.Hangup()
	}
	if receiver != nil {
		receiver.Hangup()
	}
	if ctrl != nil {
		_ = ctrl.Close()
	}
	e.setState(StateDisconnected)
}

// UserID returns the authenticated user id, empty while disconnected.
func (e *Engine) UserID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.userID
}

// State returns the connection state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// ----- Messaging -----

// SendMessage sends a chat message. clientRef is echoed back on the
// confirmation so the UI can reconcile its optimistic entry.
func (e *Engine) SendMessage(receiverID, content string, msgType model.MessageType, clientRef string) error {
	return e.send(&protocol.Event{SendMessage: &protocol.SendMessage{
		ReceiverID: receiverID,
		Content:    content,
		Type:       msgType,
		ClientRef:  clientRef,
	}})
}

// Typing reports a keystroke in the conversation with receiverID. The first
// call emits typing_start; the stop signal goes out automatically after
// typingStopDelay without further keystrokes.
func (e *Engine) Typing(receiverID string) error {
	e.typingMu.Lock()
	timer, active := e.typing[receiverID]
	if active {
		timer.Reset(e.typingDelay)
		e.typingMu.Unlock()
		return nil
	}
	e.typing[receiverID] = time.AfterFunc(e.typingDelay, func() {
		e.stopTyping(receiverID)
	})
	e.typingMu.Unlock()

	return e.send(&protocol.Event{TypingStart: &protocol.Typing{ReceiverID: receiverID}})
}

// StopTyping emits typing_stop immediately (message sent, input cleared).
func (e *Engine) StopTyping(receiverID string) {
	e.typingMu.Lock()
	timer, active := e.typing[receiverID]
	if active {
		timer.Stop()
	}
	e.typingMu.Unlock()
	if active {
		e.stopTyping(receiverID)
	}
}

func (e *Engine) stopTyping(receiverID string) {
	e.typingMu.Lock()
	delete(e.typing, receiverID)
	e.typingMu.Unlock()
	_ = e.send(&protocol.Event{TypingStop: &protocol.Typing{ReceiverID: receiverID}})
}

// RequestStatus asks for a user's presence; the answer arrives via
// OnUserStatus.
func (e *Engine) RequestStatus(userID string) error {
	return e.send(&protocol.Event{RequestStatus: &protocol.RequestStatus{UserID: userID}})
}

// ----- Calls -----

// Call starts an outbound call. Media acquisition failures surface as
// *call.AcquireError before anything rings.
func (e *Engine) Call(ctx context.Context, receiverID string, callType protocol.CallType) error {
	caller := e.callerMachine()
	if caller == nil {
		return fmt.Errorf("not connected")
	}
	return caller.Initiate(ctx, receiverID, callType)
}

// AcceptCall answers the ringing incoming call.
func (e *Engine) AcceptCall(ctx context.Context) error {
	receiver := e.receiverMachine()
	if receiver == nil {
		return fmt.Errorf("not connected")
	}
	return receiver.Accept(ctx)
}

// RejectCall declines the ringing incoming call.
func (e *Engine) RejectCall(reason string) {
	if receiver := e.receiverMachine(); receiver != nil {
		receiver.Reject(reason)
	}
}

// HangupCall ends whichever call is active.
func (e *Engine) HangupCall() {
	if caller := e.callerMachine(); caller != nil {
		caller.Hangup()
	}
	if receiver := e.receiverMachine(); receiver != nil {
		receiver.Hangup()
	}
}

// ToggleMute flips the local microphone on the active call.
func (e *Engine) ToggleMute() bool {
	if m := e.activeMachine(); m != nil {
		return m.ToggleMute()
	}
	return false
}

// ToggleVideo flips the local camera on the active call.
func (e *Engine) ToggleVideo() bool {
	if m := e.activeMachine(); m != nil {
		return m.ToggleVideo()
	}
	return false
}

// callControls is the shared control surface of both machines.
type callControls interface {
	ToggleMute() bool
	ToggleVideo() bool
	Phase() call.Phase
}

func (e *Engine) activeMachine() callControls {
	caller := e.callerMachine()
	receiver := e.receiverMachine()
	if caller != nil && caller.Phase() != call.PhaseIdle {
		return caller
	}
	if receiver != nil && receiver.Phase() != call.PhaseIdle {
		return receiver
	}
	return nil
}

func (e *Engine) callerMachine() *call.Caller {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.caller
}

func (e *Engine) receiverMachine() *call.Receiver {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.receiver
}

// ----- Inbound events -----

// handleEvent dispatches one inbound event. Runs on the receive goroutine.
func (e *Engine) handleEvent(ev *protocol.Event) {
	switch {
	case ev.NewMessage != nil:
		if e.OnMessage != nil {
			e.OnMessage(ev.NewMessage.Message, ev.NewMessage.SenderName)
		}
	case ev.MessageSent != nil:
		if e.OnMessageSent != nil {
			e.OnMessageSent(ev.MessageSent.Message, ev.MessageSent.ClientRef)
		}
	case ev.MessageError != nil:
		if e.OnMessageError != nil {
			e.OnMessageError(ev.MessageError.Code, ev.MessageError.Message, ev.MessageError.ClientRef)
		}

	case ev.UserTyping != nil:
		if e.OnTyping != nil {
			e.OnTyping(ev.UserTyping.UserID, true)
		}
	case ev.UserStoppedTyping != nil:
		if e.OnTyping != nil {
			e.OnTyping(ev.UserStoppedTyping.UserID, false)
		}
	case ev.UserStatus != nil:
		if e.OnUserStatus != nil {
			e.OnUserStatus(ev.UserStatus.Status)
		}

	case ev.IncomingCall != nil:
		if receiver := e.receiverMachine(); receiver != nil {
			in := ev.IncomingCall
			receiver.HandleIncoming(call.CallInfo{
				RoomID:     in.RoomID,
				CallerID:   in.CallerID,
				ReceiverID: e.UserID(),
				Type:       in.CallType,
			})
		}
	case ev.CallAccepted != nil:
		if caller := e.callerMachine(); caller != nil {
			caller.HandleAccepted(ev.CallAccepted.RoomID)
		}
	case ev.CallRejected != nil:
		if caller := e.callerMachine(); caller != nil {
			caller.HandleRejected(ev.CallRejected.RoomID, ev.CallRejected.Reason)
		}
	case ev.EndCall != nil:
		if caller := e.callerMachine(); caller != nil {
			caller.HandleRemoteHangup(ev.EndCall.RoomID)
		}
		if receiver := e.receiverMachine(); receiver != nil {
			receiver.HandleRemoteHangup(ev.EndCall.RoomID)
		}
	case ev.Offer != nil:
		if receiver := e.receiverMachine(); receiver != nil {
			receiver.HandleOffer(ev.Offer.RoomID, ev.Offer.Description)
		}
	case ev.Answer != nil:
		if caller := e.callerMachine(); caller != nil {
			caller.HandleAnswer(ev.Answer.RoomID, ev.Answer.Description)
		}
	case ev.IceCandidate != nil:
		if caller := e.callerMachine(); caller != nil {
			caller.HandleCandidate(ev.IceCandidate.RoomID, ev.IceCandidate.Candidate)
		}
		if receiver := e.receiverMachine(); receiver != nil {
			receiver.HandleCandidate(ev.IceCandidate.RoomID, ev.IceCandidate.Candidate)
		}

	case ev.Error != nil:
		slog.Warn("server error", "code", ev.Error.Code, "message", ev.Error.Message)
		if e.OnError != nil {
			e.OnError(ev.Error.Code, ev.Error.Message)
		}

	default:
		slog.Debug("unhandled event", "event", ev.Name())
	}
}

func (e *Engine) handleDisconnect(reason string) {
	e.mu.Lock()
	if e.state == StateDisconnected {
		e.mu.Unlock()
		return
	}
	e.state = StateDisconnected
	caller, receiver := e.caller, e.receiver
	e.mu.Unlock()

	// A dead signaling channel ends any call in flight; the remote side
	// recovers via its own timeouts.
	if caller != nil {
		caller.Hangup()
	}
	if receiver != nil {
		receiver.Hangup()
	}

	e.notifyStateChange(StateDisconnected)
	if e.OnDisconnect != nil {
		e.OnDisconnect(reason)
	}
}

func (e *Engine) send(ev *protocol.Event) error {
	e.mu.RLock()
	ctrl := e.control
	state := e.state
	e.mu.RUnlock()
	if state != StateConnected || ctrl == nil {
		return fmt.Errorf("not connected")
	}
	return ctrl.Send(ev)
}

func (e *Engine) setState(state State) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	e.notifyStateChange(state)
}

func (e *Engine) notifyStateChange(state State) {
	if e.OnStateChange != nil {
		e.OnStateChange(state)
	}
}

// wsSignaler bridges the call machines onto the signaling channel. Outbound
// only; inbound signals come back through handleEvent.
type wsSignaler struct {
	link link
}

func (s *wsSignaler) StartCall(roomID, receiverID string, callType protocol.CallType) error {
	return s.link.Send(&protocol.Event{StartCall: &protocol.StartCall{
		RoomID:     roomID,
		ReceiverID: receiverID,
		CallType:   callType,
	}})
}

func (s *wsSignaler) AcceptCall(roomID, callerID string) error {
	return s.link.Send(&protocol.Event{AcceptCall: &protocol.AcceptCall{
		RoomID:   roomID,
		CallerID: callerID,
	}})
}

func (s *wsSignaler) RejectCall(roomID, callerID, reason string) error {
	return s.link.Send(&protocol.Event{RejectCall: &protocol.RejectCall{
		RoomID:   roomID,
		CallerID: callerID,
		Reason:   reason,
	}})
}

func (s *wsSignaler) EndCall(roomID, peerID string) error {
	return s.link.Send(&protocol.Event{EndCall: &protocol.EndCall{
		RoomID: roomID,
		PeerID: peerID,
	}})
}

func (s *wsSignaler) SendOffer(roomID, peerID string, desc webrtc.SessionDescription) error {
	return s.link.Send(&protocol.Event{Offer: &protocol.Description{
		RoomID:      roomID,
		PeerID:      peerID,
		Description: desc,
	}})
}

func (s *wsSignaler) SendAnswer(roomID, peerID string, desc webrtc.SessionDescription) error {
	return s.link.Send(&protocol.Event{Answer: &protocol.Description{
		RoomID:      roomID,
		PeerID:      peerID,
		Description: desc,
	}})
}

func (s *wsSignaler) SendCandidate(roomID, peerID string, cand webrtc.ICECandidateInit) error {
	return s.link.Send(&protocol.Event{IceCandidate: &protocol.IceCandidate{
		RoomID:    roomID,
		PeerID:    peerID,
		Candidate: cand,
	}})
}
