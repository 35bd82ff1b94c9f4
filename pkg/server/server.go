// Package server implements the Chime signaling and chat server.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/finnweber/chime/pkg/auth"
	"github.com/finnweber/chime/pkg/datastore"
	"github.com/finnweber/chime/pkg/notify"
)

// Config holds server configuration.
type Config struct {
	Addr        string // HTTP bind address for /ws and /api (e.g. ":8440")
	MetricsAddr string // HTTP bind address for /metrics endpoint (empty = disabled)
	DBPath      string // SQLite database path

	TokenSecret string        // HMAC secret for session tokens
	TokenTTL    time.Duration // session token lifetime
	IdleTimeout time.Duration // revoke credentials idle longer than this (0 = never)

	PushGatewayURL string // push gateway base URL (empty = push disabled)
	PushAPIKey     string // bearer key for the push gateway
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store datastore.DataProviderFactory
	// Push overrides the HTTP push provider; nil uses Config.PushGatewayURL.
	Push notify.Provider
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:        ":8440",
		MetricsAddr: ":8442",
		DBPath:      "chime.db",
		TokenTTL:    7 * 24 * time.Hour,
	}
}

// Server is the main Chime server.
type Server struct {
	cfg        Config
	registry   *Registry
	metrics    *Metrics
	store      datastore.DataProviderFactory
	auth       *auth.Service
	dispatcher *notify.Dispatcher
	ctx        context.Context
	cancel     context.CancelFunc

	// lastSeen records when each user last went offline. In-memory only: a
	// restart forgets it, and request_status reports no timestamp until the
	// user has connected once.
	seenMu   sync.Mutex
	lastSeen map[string]time.Time
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		registry: NewRegistry(),
		metrics:  NewMetrics(),
		store:    deps.Store,
		ctx:      ctx,
		cancel:   cancel,
		lastSeen: make(map[string]time.Time),
	}
	if deps.Store != nil {
		s.auth = auth.NewService(auth.Config{
			Secret:      []byte(cfg.TokenSecret),
			TokenTTL:    cfg.TokenTTL,
			IdleTimeout: cfg.IdleTimeout,
		}, deps.Store.NonTx())

		provider := deps.Push
		if provider == nil && cfg.PushGatewayURL != "" {
			provider = notify.NewHTTPProvider(cfg.PushGatewayURL, cfg.PushAPIKey)
		}
		s.dispatcher = notify.NewDispatcher(provider, deps.Store.NonTx(), nil)
	}
	return s
}

// Registry returns the connection registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}
