package server

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/finnweber/chime/pkg/model"
	"github.com/finnweber/chime/pkg/notify"
	"github.com/finnweber/chime/pkg/protocol"
)

var errUnknownUser = errors.New("server: unknown user")

// relayMessage runs the relay pipeline: validate, persist, then deliver.
// Persistence is the source of truth; live delivery and push are both
// best-effort on top of it, so a dispatcher failure never loses a message.
// On failure the returned code is the wire error code for the caller to
// surface.
func (s *Server) relayMessage(senderID string, req *protocol.SendMessage) (*model.Message, int, error) {
	msg := &model.Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: req.ReceiverID,
		Content:    req.Content,
		Type:       req.Type,
		FileName:   req.FileName,
		FileSize:   req.FileSize,
		CreatedAt:  time.Now().UTC(),
	}
	if msg.Type == "" {
		msg.Type = model.MessageText
	}

	if err := msg.Validate(); err != nil {
		s.metrics.MessagesRejected.Add(1)
		return nil, protocol.CodeValidation, err
	}

	sender, err := s.store.NonTx().GetUserByID(senderID)
	if err != nil || sender == nil {
		return nil, protocol.CodeInternal, errUnknownUser
	}
	if receiver, err := s.store.NonTx().GetUserByID(req.ReceiverID); err != nil || receiver == nil {
		s.metrics.MessagesRejected.Add(1)
		return nil, protocol.CodeValidation, errUnknownUser
	}

	if err := s.store.NonTx().CreateMessage(msg); err != nil {
		slog.Error("message persist failed", "sender", msg.SenderID, "err", err)
		return nil, protocol.CodeInternal, err
	}
	s.metrics.MessagesPersisted.Add(1)

	if dest, ok := s.registry.Lookup(req.ReceiverID); ok {
		dest.Send(&protocol.Event{NewMessage: &protocol.NewMessage{
			Message:    *msg,
			SenderName: sender.DisplayName,
		}})
		s.metrics.MessagesRelayed.Add(1)
	} else {
		s.metrics.MessagesToPush.Add(1)
		result := s.dispatcher.Deliver(s.ctx, req.ReceiverID, notify.Payload{
			Title: sender.DisplayName,
			Body:  pushBody(msg),
			Data:  map[string]any{"sender_id": msg.SenderID, "message_id": msg.ID},
		})
		if result == notify.Failed {
			slog.Warn("push delivery failed", "receiver", req.ReceiverID)
		}
	}
	return msg, 0, nil
}

// handleSendMessage is the realtime send path. The sender always learns the
// outcome: message_sent with the stored message, or message_error carrying
// their client ref.
func (s *Server) handleSendMessage(c Conn, req *protocol.SendMessage) {
	msg, code, err := s.relayMessage(c.UserID(), req)
	if err != nil {
		message := "internal error"
		if code == protocol.CodeValidation {
			message = err.Error()
		}
		c.Send(&protocol.Event{MessageError: &protocol.MessageError{
			Code:      code,
			Message:   message,
			ClientRef: req.ClientRef,
		}})
		return
	}
	c.Send(&protocol.Event{MessageSent: &protocol.MessageSent{
		Message:   *msg,
		ClientRef: req.ClientRef,
	}})
}

// pushBody renders the notification preview for a message.
func pushBody(msg *model.Message) string {
	switch msg.Type {
	case model.MessageImage:
		return "Sent you an image"
	case model.MessageFile:
		return "Sent you a file: " + msg.FileName
	case model.MessageVoice:
		return "Sent you a voice message"
	default:
		return msg.Content
	}
}

// purgeHistory hard-deletes the conversation between two users, both
// directions. There is no tombstone: history fetches afterwards return empty.
func (s *Server) purgeHistory(a, b string) error {
	if err := s.store.NonTx().PurgeMessages(a, b); err != nil {
		return err
	}
	slog.Info("conversation purged", "a", a, "b", b)
	return nil
}
