package auth

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/finnweber/chime/pkg/model"
)

type memCredStore struct {
	mu    sync.Mutex
	creds map[string]*model.Credential
}

func newMemCredStore() *memCredStore {
	return &memCredStore{creds: make(map[string]*model.Credential)}
}

func (m *memCredStore) CreateCredential(cred *model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *cred
	m.creds[cred.ID] = &c
	return nil
}

func (m *memCredStore) GetCredential(id string) (*model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memCredStore) TouchCredential(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.creds[id]; ok {
		c.LastActivity = at
	}
	return nil
}

func (m *memCredStore) RevokeCredential(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.creds[id]; ok {
		c.Active = false
	}
	return nil
}

func newTestService(t *testing.T, cfg Config) (*Service, *memCredStore) {
	t.Helper()
	st := newMemCredStore()
	if cfg.Secret == nil {
		cfg.Secret = []byte("test-secret")
	}
	return NewService(cfg, st), st
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	svc, _ := newTestService(t, Config{})

	token, cred, err := svc.Issue("user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if cred.UserID != "user-1" || !cred.Active {
		t.Fatalf("unexpected credential: %+v", cred)
	}

	uid, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if uid != "user-1" {
		t.Fatalf("Verify user = %q, want user-1", uid)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	if _, err := svc.Verify("not-a-token"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("got %v, want ErrTokenInvalid", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	svc1, st := newTestService(t, Config{Secret: []byte("one")})
	token, _, err := svc1.Issue("user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	svc2 := NewService(Config{Secret: []byte("two")}, st)
	if _, err := svc2.Verify(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("got %v, want ErrTokenInvalid", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	svc, _ := newTestService(t, Config{TokenTTL: -time.Minute})
	token, _, err := svc.Issue("user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("got %v, want ErrTokenExpired", err)
	}
}

func TestVerifyRejectsRevoked(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	token, _, err := svc.Issue("user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := svc.Revoke(token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := svc.Verify(token); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("got %v, want ErrTokenRevoked", err)
	}
	// Revoking again is a no-op.
	if err := svc.Revoke(token); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
}

func TestVerifyRejectsIdleCredential(t *testing.T) {
	svc, st := newTestService(t, Config{IdleTimeout: time.Minute})
	token, cred, err := svc.Issue("user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := st.TouchCredential(cred.ID, time.Now().Add(-2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("got %v, want ErrTokenExpired", err)
	}
}

func TestVerifyTouchesActivity(t *testing.T) {
	svc, st := newTestService(t, Config{})
	token, cred, err := svc.Issue("user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := st.TouchCredential(cred.ID, time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Verify(token); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	got, _ := st.GetCredential(cred.ID)
	if time.Since(got.LastActivity) > time.Minute {
		t.Fatalf("LastActivity not touched: %v", got.LastActivity)
	}
}

func TestPasswordHashVerify(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	hash := HashPassword("hunter2", salt)
	if !VerifyPassword("hunter2", salt, hash) {
		t.Fatal("correct password rejected")
	}
	if VerifyPassword("hunter3", salt, hash) {
		t.Fatal("wrong password accepted")
	}
}
