// Package protocol defines the JSON events exchanged on the signaling channel.
//
// Every frame on the WebSocket is one Event with exactly one field set; the
// JSON key doubles as the event name. SDP and ICE payloads reuse Pion's wire
// types so descriptions pass through the channel untouched.
package protocol

import (
	"github.com/pion/webrtc/v4"

	"github.com/finnweber/chime/pkg/model"
)

// Error codes carried by ErrorEvent. Code 1 is reserved for authentication
// failure so clients know to force re-login.
const (
	CodeAuthFailed = 1
	CodeValidation = 2
	CodeInternal   = 3
)

// CallType selects the media requested for a call.
type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	return t == CallVoice || t == CallVideo
}

// Event wraps all signaling channel events.
type Event struct {
	// Only one of these fields should be set.
	Authenticate *Authenticate `json:"authenticate,omitempty"`
	AuthOK       *AuthOK       `json:"auth_ok,omitempty"`
	Error        *ErrorEvent   `json:"error,omitempty"`

	SendMessage  *SendMessage  `json:"send_message,omitempty"`
	NewMessage   *NewMessage   `json:"new_message,omitempty"`
	MessageSent  *MessageSent  `json:"message_sent,omitempty"`
	MessageError *MessageError `json:"message_error,omitempty"`

	TypingStart       *Typing     `json:"typing_start,omitempty"`
	TypingStop        *Typing     `json:"typing_stop,omitempty"`
	UserTyping        *UserTyping `json:"user_typing,omitempty"`
	UserStoppedTyping *UserTyping `json:"user_stopped_typing,omitempty"`

	RequestStatus *RequestStatus `json:"request_status,omitempty"`
	UserStatus    *UserStatus    `json:"user_status,omitempty"`

	StartCall    *StartCall    `json:"start_call,omitempty"`
	IncomingCall *IncomingCall `json:"incoming_call,omitempty"`
	AcceptCall   *AcceptCall   `json:"accept_call,omitempty"`
	CallAccepted *CallAccepted `json:"call_accepted,omitempty"`
	RejectCall   *RejectCall   `json:"reject_call,omitempty"`
	CallRejected *CallRejected `json:"call_rejected,omitempty"`
	EndCall      *EndCall      `json:"end_call,omitempty"`
	Offer        *Description  `json:"offer,omitempty"`
	Answer       *Description  `json:"answer,omitempty"`
	IceCandidate *IceCandidate `json:"ice_candidate,omitempty"`
}

// Name returns the wire name of the single event set on e, or "" when empty.
// Used for logging and metrics only.
func (e *Event) Name() string {
	switch {
	case e.Authenticate != nil:
		return "authenticate"
	case e.AuthOK != nil:
		return "auth_ok"
	case e.Error != nil:
		return "error"
	case e.SendMessage != nil:
		return "send_message"
	case e.NewMessage != nil:
		return "new_message"
	case e.MessageSent != nil:
		return "message_sent"
	case e.MessageError != nil:
		return "message_error"
	case e.TypingStart != nil:
		return "typing_start"
	case e.TypingStop != nil:
		return "typing_stop"
	case e.UserTyping != nil:
		return "user_typing"
	case e.UserStoppedTyping != nil:
		return "user_stopped_typing"
	case e.RequestStatus != nil:
		return "request_status"
	case e.UserStatus != nil:
		return "user_status"
	case e.StartCall != nil:
		return "start_call"
	case e.IncomingCall != nil:
		return "incoming_call"
	case e.AcceptCall != nil:
		return "accept_call"
	case e.CallAccepted != nil:
		return "call_accepted"
	case e.RejectCall != nil:
		return "reject_call"
	case e.CallRejected != nil:
		return "call_rejected"
	case e.EndCall != nil:
		return "end_call"
	case e.Offer != nil:
		return "offer"
	case e.Answer != nil:
		return "answer"
	case e.IceCandidate != nil:
		return "ice_candidate"
	}
	return ""
}

// ----- Auth -----

type Authenticate struct {
	Token string `json:"token"`
}

type AuthOK struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

type ErrorEvent struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ----- Messaging -----

type SendMessage struct {
	ReceiverID string            `json:"receiver_id"`
	Content    string            `json:"content"`
	Type       model.MessageType `json:"type"`
	FileName   string            `json:"file_name,omitempty"`
	FileSize   int64             `json:"file_size,omitempty"`
	// ClientRef lets the sender correlate the message_sent confirmation with
	// its optimistic UI entry. Opaque to the server.
	ClientRef string `json:"client_ref,omitempty"`
}

type NewMessage struct {
	Message    model.Message `json:"message"`
	SenderName string        `json:"sender_name"`
}

type MessageSent struct {
	Message   model.Message `json:"message"`
	ClientRef string        `json:"client_ref,omitempty"`
}

type MessageError struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	ClientRef string `json:"client_ref,omitempty"`
}

// ----- Typing / presence -----

type Typing struct {
	ReceiverID string `json:"receiver_id"`
}

type UserTyping struct {
	UserID string `json:"user_id"`
}

type RequestStatus struct {
	UserID string `json:"user_id"`
}

type UserStatus struct {
	Status model.PresenceStatus `json:"status"`
}

// ----- Calls -----

type StartCall struct {
	RoomID     string   `json:"room_id"`
	ReceiverID string   `json:"receiver_id"`
	CallType   CallType `json:"call_type"`
}

type IncomingCall struct {
	RoomID     string   `json:"room_id"`
	CallerID   string   `json:"caller_id"`
	CallerName string   `json:"caller_name"`
	CallType   CallType `json:"call_type"`
}

type AcceptCall struct {
	RoomID   string `json:"room_id"`
	CallerID string `json:"caller_id"`
}

type CallAccepted struct {
	RoomID     string `json:"room_id"`
	ReceiverID string `json:"receiver_id"`
}

type RejectCall struct {
	RoomID   string `json:"room_id"`
	CallerID string `json:"caller_id"`
	Reason   string `json:"reason,omitempty"`
}

type CallRejected struct {
	RoomID     string `json:"room_id"`
	ReceiverID string `json:"receiver_id"`
	Reason     string `json:"reason,omitempty"`
}

type EndCall struct {
	RoomID string `json:"room_id"`
	PeerID string `json:"peer_id"`
}

// Description carries an SDP offer or answer; which one is determined by the
// Event field it rides in.
type Description struct {
	RoomID      string                    `json:"room_id"`
	PeerID      string                    `json:"peer_id"`
	Description webrtc.SessionDescription `json:"description"`
}

type IceCandidate struct {
	RoomID    string                  `json:"room_id"`
	PeerID    string                  `json:"peer_id"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}
