package datastore

import (
	"context"
	"time"

	"github.com/finnweber/chime/pkg/model"
)

// DataProviderFactory hands out plain and transactional stores.
type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
	Close() error
}

// DataStoreTx is a DataStore scoped to one transaction.
type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore defines the persistence interface for all Chime entities.
// Implementations include the default SQLite store and an in-memory store
// for tests.
type DataStore interface {
	UserReadProvider
	UserWriteProvider

	MessageReadProvider
	MessageWriteProvider

	CredentialProvider

	PushDestinationProvider
}

type UserReadProvider interface {
	GetUserByUsername(username string) (*model.User, error)
	GetUserByID(id string) (*model.User, error)
}

type UserWriteProvider interface {
	CreateUser(user *model.User) error
}

type MessageReadProvider interface {
	// ListMessagesBetween returns messages exchanged between a and b in either
	// direction, newest last, honoring pagination filters.
	ListMessagesBetween(a, b string, filters model.MessageFilters) ([]model.Message, error)
	// CountUnread returns how many unread messages readerID has from counterpartID.
	CountUnread(readerID, counterpartID string) (int64, error)
}

type MessageWriteProvider interface {
	CreateMessage(message *model.Message) error
	// MarkMessagesRead flips IsRead on all messages addressed to readerID from
	// counterpartID and returns how many rows changed.
	MarkMessagesRead(readerID, counterpartID string) (int64, error)
	// PurgeMessages removes all messages between a and b in both directions.
	PurgeMessages(a, b string) error
}

// CredentialProvider matches auth.CredentialStore so the token service can
// plug straight into any DataStore.
type CredentialProvider interface {
	CreateCredential(cred *model.Credential) error
	GetCredential(id string) (*model.Credential, error)
	TouchCredential(id string, at time.Time) error
	RevokeCredential(id string) error
}

type PushDestinationProvider interface {
	GetPushDestination(userID string) (*model.PushDestination, error)
	SetPushDestination(userID, token string) error
	DeletePushDestination(userID string) error
}
