// Package notify delivers best-effort push notifications to users without a
// live connection. One attempt per call, no retry: an undelivered push only
// means the recipient finds the message on next login.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/finnweber/chime/pkg/model"
)

// Result classifies one delivery attempt.
type Result string

const (
	Delivered     Result = "delivered"
	NoDestination Result = "no-destination"
	Failed        Result = "failed"
)

// ErrDestinationGone is returned by a Provider when the push service reports
// the destination token is invalid. The dispatcher clears the stored token so
// future sends short-circuit instead of retrying a dead target.
var ErrDestinationGone = errors.New("notify: destination token invalidated")

// Payload is the notification content handed to the provider.
type Payload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

// Provider is the opaque external push service.
type Provider interface {
	Push(ctx context.Context, destination string, payload Payload) error
}

// DestinationStore is the persistence surface for stored push tokens.
type DestinationStore interface {
	GetPushDestination(userID string) (*model.PushDestination, error)
	DeletePushDestination(userID string) error
}

// Dispatcher resolves a user's stored push destination and attempts delivery.
type Dispatcher struct {
	provider Provider
	store    DestinationStore
	log      *slog.Logger
}

// NewDispatcher creates a dispatcher. provider may be nil, in which case every
// delivery reports NoDestination (push disabled).
func NewDispatcher(provider Provider, store DestinationStore, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{provider: provider, store: store, log: log}
}

// Deliver attempts one push to userID. It never returns an error; the Result
// tells the caller what happened and a failed push must not unwind anything
// upstream.
func (d *Dispatcher) Deliver(ctx context.Context, userID string, payload Payload) Result {
	if d.provider == nil {
		return NoDestination
	}

	dest, err := d.store.GetPushDestination(userID)
	if err != nil {
		d.log.Error("push destination lookup failed", "user", userID, "err", err)
		return Failed
	}
	if dest == nil {
		return NoDestination
	}

	if err := d.provider.Push(ctx, dest.Token, payload); err != nil {
		if errors.Is(err, ErrDestinationGone) {
			if derr := d.store.DeletePushDestination(userID); derr != nil {
				d.log.Error("clearing dead push destination failed", "user", userID, "err", derr)
			} else {
				d.log.Info("cleared invalidated push destination", "user", userID)
			}
			return Failed
		}
		d.log.Warn("push delivery failed", "user", userID, "err", err)
		return Failed
	}
	return Delivered
}
