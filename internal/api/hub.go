package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/systemcmd0122/toramori/internal/auth"
	"github.com/systemcmd0122/toramori/internal/identity/local"
	"github.com/systemcmd0122/toramori/internal/metrics"
	"go.uber.org/zap"
)

// HubConfig holds the collaborators shared by every client session.
type HubConfig struct {
	Directory *local.Directory
	Regions   auth.RegionService
	Profiles  auth.ProfileService

	// IdleTimeout closes sessions not touched for this long. Zero disables
	// reaping.
	IdleTimeout time.Duration

	OnTransition auth.TransitionRecorder
}

// Session is one client's provider client and orchestrator.
type Session struct {
	ID     string
	Client *local.Client
	Auth   *auth.Orchestrator

	lastSeen time.Time
}

// Hub owns the live client sessions.
type Hub struct {
	cfg    HubConfig
	now    func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewHub creates a Hub.
func NewHub(cfg HubConfig, logger *zap.Logger) *Hub {
	return &Hub{cfg: cfg, now: time.Now, logger: logger, sessions: make(map[string]*Session)}
}

// Open starts a new session. A non-empty token restores a previous sign-in.
func (h *Hub) Open(ctx context.Context, token string) (*Session, error) {
	client := h.cfg.Directory.NewClient()
	if token != "" {
		if _, err := client.Restore(ctx, token); err != nil {
			return nil, err
		}
	}
	id := uuid.New().String()
	s := &Session{
		ID:     id,
		Client: client,
		Auth: auth.NewOrchestrator(auth.Config{
			Provider:     client,
			Regions:      h.cfg.Regions,
			Profiles:     h.cfg.Profiles,
			OnTransition: h.cfg.OnTransition,
		}, h.logger.With(zap.String("session_id", id))),
		lastSeen: h.now(),
	}

	h.mu.Lock()
	h.sessions[s.ID] = s
	n := len(h.sessions)
	h.mu.Unlock()

	metrics.SetSessionsActive(n)
	h.logger.Debug("session opened", zap.String("session_id", s.ID))
	return s, nil
}

// Get returns the session and marks it as used.
func (h *Hub) Get(id string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if ok {
		s.lastSeen = h.now()
	}
	return s, ok
}

// Close ends a session. It reports whether the session existed.
func (h *Hub) Close(id string) bool {
	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	n := len(h.sessions)
	h.mu.Unlock()

	if !ok {
		return false
	}
	s.Auth.Close()
	metrics.SetSessionsActive(n)
	h.logger.Debug("session closed", zap.String("session_id", id))
	return true
}

// Len returns the number of live sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Reap closes sessions idle for longer than the configured timeout and
// returns how many were closed.
func (h *Hub) Reap() int {
	if h.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := h.now().Add(-h.cfg.IdleTimeout)

	h.mu.Lock()
	var stale []*Session
	for id, s := range h.sessions {
		if s.lastSeen.Before(cutoff) {
			stale = append(stale, s)
			delete(h.sessions, id)
		}
	}
	n := len(h.sessions)
	h.mu.Unlock()

	for _, s := range stale {
		s.Auth.Close()
	}
	if len(stale) > 0 {
		metrics.SetSessionsActive(n)
		h.logger.Info("reaped idle sessions", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// Run reaps idle sessions until ctx is done, then closes every session.
func (h *Hub) Run(ctx context.Context) {
	interval := h.cfg.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Reap()
		case <-ctx.Done():
			h.CloseAll()
			return
		}
	}
}

// CloseAll ends every session.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	all := h.sessions
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, s := range all {
		s.Auth.Close()
	}
	metrics.SetSessionsActive(0)
}
