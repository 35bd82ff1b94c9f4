package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const MessageMaxBodyLength = 4096

var ErrMessageBodyTooLong = fmt.Errorf("message content exceeds %d characters", MessageMaxBodyLength)
var ErrMessageBodyEmpty = errors.New("message content cannot be empty")
var ErrMessageNoReceiver = errors.New("message receiver cannot be empty")
var ErrInvalidMessageType = errors.New("invalid message type: must be text, image, file, or voice")

// MessageType classifies message content.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
	MessageVoice MessageType = "voice"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageVoice:
		return true
	}
	return false
}

// Message is one direct message between two users. Immutable after creation
// except for the IsRead flag.
type Message struct {
	ID         string      `json:"id"`
	SenderID   string      `json:"sender_id"`
	ReceiverID string      `json:"receiver_id"`
	Content    string      `json:"content"`
	Type       MessageType `json:"type"`
	FileName   string      `json:"file_name,omitempty"`
	FileSize   int64       `json:"file_size,omitempty"`
	IsRead     bool        `json:"is_read"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Validate checks the fields a client controls before persistence.
func (m *Message) Validate() error {
	if m.ReceiverID == "" {
		return ErrMessageNoReceiver
	}
	if strings.TrimSpace(m.Content) == "" {
		return ErrMessageBodyEmpty
	}
	if utf8.RuneCountInString(m.Content) > MessageMaxBodyLength {
		return ErrMessageBodyTooLong
	}
	if !m.Type.Valid() {
		return ErrInvalidMessageType
	}
	return nil
}

// MessageFilters narrows history queries.
type MessageFilters struct {
	PageSize *int64
	Offset   *int64
}
