package datastore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/finnweber/chime/pkg/model"
)

// Memory is an in-memory DataStore for tests and ephemeral servers.
// All methods are safe for concurrent use.
type Memory struct {
	mu          sync.RWMutex
	users       map[string]*model.User // by id
	messages    []*model.Message
	credentials map[string]*model.Credential
	pushDests   map[string]*model.PushDestination
}

var _ DataProviderFactory = (*Memory)(nil)
var _ DataStore = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:       make(map[string]*model.User),
		messages:    nil,
		credentials: make(map[string]*model.Credential),
		pushDests:   make(map[string]*model.PushDestination),
	}
}

func (m *Memory) NonTx() DataStore { return m }

// Tx returns the store itself behind nop transaction semantics; the memory
// store mutates atomically per call, which is enough for tests.
func (m *Memory) Tx(context.Context) (DataStoreTx, error) {
	return &memoryTx{m}, nil
}

func (m *Memory) Close() error { return nil }

type memoryTx struct{ *Memory }

func (t *memoryTx) Rollback() error { return nil }
func (t *memoryTx) Commit() error   { return nil }

// ----- Users -----

func (m *Memory) CreateUser(user *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == user.Username {
			return fmt.Errorf("datastore: username %q already exists", user.Username)
		}
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *Memory) GetUserByUsername(username string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) GetUserByID(id string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

// ----- Messages -----

func (m *Memory) CreateMessage(msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	cp := *msg
	m.messages = append(m.messages, &cp)
	return nil
}

func between(msg *model.Message, a, b string) bool {
	return (msg.SenderID == a && msg.ReceiverID == b) ||
		(msg.SenderID == b && msg.ReceiverID == a)
}

func (m *Memory) ListMessagesBetween(a, b string, filters model.MessageFilters) ([]model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []model.Message
	for _, msg := range m.messages {
		if between(msg, a, b) {
			result = append(result, *msg)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if filters.Offset != nil {
		off := int(*filters.Offset)
		if off > len(result) {
			off = len(result)
		}
		result = result[off:]
	}
	if filters.PageSize != nil && int64(len(result)) > *filters.PageSize {
		result = result[:*filters.PageSize]
	}
	return result, nil
}

func (m *Memory) CountUnread(readerID, counterpartID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, msg := range m.messages {
		if msg.ReceiverID == readerID && msg.SenderID == counterpartID && !msg.IsRead {
			n++
		}
	}
	return n, nil
}

func (m *Memory) MarkMessagesRead(readerID, counterpartID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, msg := range m.messages {
		if msg.ReceiverID == readerID && msg.SenderID == counterpartID && !msg.IsRead {
			msg.IsRead = true
			n++
		}
	}
	return n, nil
}

func (m *Memory) PurgeMessages(a, b string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.messages[:0]
	for _, msg := range m.messages {
		if !between(msg, a, b) {
			kept = append(kept, msg)
		}
	}
	m.messages = kept
	return nil
}

// ----- Credentials -----

func (m *Memory) CreateCredential(cred *model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cred
	m.credentials[cred.ID] = &cp
	return nil
}

func (m *Memory) GetCredential(id string) (*model.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.credentials[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (m *Memory) TouchCredential(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.credentials[id]; ok {
		c.LastActivity = at
	}
	return nil
}

func (m *Memory) RevokeCredential(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.credentials[id]; ok {
		c.Active = false
	}
	return nil
}

// ----- Push destinations -----

func (m *Memory) GetPushDestination(userID string) (*model.PushDestination, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.pushDests[userID]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, nil
}

func (m *Memory) SetPushDestination(userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushDests[userID] = &model.PushDestination{
		UserID:    userID,
		Token:     token,
		UpdatedAt: time.Now(),
	}
	return nil
}

func (m *Memory) DeletePushDestination(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pushDests, userID)
	return nil
}
