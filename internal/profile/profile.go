// Package profile maintains the public user-profile collection that the rest
// of the app (help requests, chat, reviews) reads.
package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/systemcmd0122/toramori/internal/connectivity"
	"github.com/systemcmd0122/toramori/internal/identity"
	"github.com/systemcmd0122/toramori/internal/netcall"
	"github.com/systemcmd0122/toramori/internal/store"
	"go.uber.org/zap"
)

// DefaultTTL is how long a profile read is cached.
const DefaultTTL = 5 * time.Minute

// Profile is a user's public profile.
type Profile struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	Skills      []string  `json:"skills"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	LastLoginAt time.Time `json:"lastLoginAt"`
}

// Service reads and writes profiles.
type Service struct {
	store  store.Store
	reads  *netcall.Executor[*Profile]
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewService creates a Service. opts configure the read executor; the same
// clock, if any, should be passed as now.
func NewService(st store.Store, probe connectivity.Probe, logger *zap.Logger, now func() time.Time, opts ...netcall.Option) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:  st,
		reads:  netcall.NewExecutor[*Profile]("profile", probe, logger, opts...),
		ttl:    DefaultTTL,
		now:    now,
		logger: logger,
	}
}

func cacheKey(uid string) string { return "profile:" + uid }

// Sync records a sign-in. It merges id, display name, email and timestamps
// into the profile. An existing profile keeps its createdAt and skills; a
// missing one is created with an empty skill list.
func (s *Service) Sync(ctx context.Context, u *identity.User) error {
	if u == nil {
		return errors.New("profile sync: no user")
	}
	now := s.now().UTC()
	patch := map[string]any{
		"id":          u.ID,
		"displayName": u.DisplayName,
		"email":       u.Email,
		"updatedAt":   now,
		"lastLoginAt": now,
	}

	var existing Profile
	err := s.store.Get(ctx, store.CollectionUsers, u.ID, &existing)
	switch {
	case errors.Is(err, store.ErrNotFound):
		patch["createdAt"] = now
		patch["skills"] = []string{}
	case err != nil:
		return fmt.Errorf("profile sync read: %w", err)
	}

	if err := s.store.Merge(ctx, store.CollectionUsers, u.ID, patch); err != nil {
		return fmt.Errorf("profile sync: %w", err)
	}
	s.reads.Forget(cacheKey(u.ID))
	s.logger.Debug("profile synced", zap.String("user_id", u.ID))
	return nil
}

// CreateEmpty writes the profile of a freshly registered account with an
// empty display name.
func (s *Service) CreateEmpty(ctx context.Context, u *identity.User) error {
	if u == nil {
		return errors.New("profile create: no user")
	}
	now := s.now().UTC()
	p := Profile{
		ID:          u.ID,
		DisplayName: "",
		Email:       u.Email,
		Skills:      []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
		LastLoginAt: now,
	}
	if err := s.store.Set(ctx, store.CollectionUsers, u.ID, p); err != nil {
		return fmt.Errorf("profile create: %w", err)
	}
	s.reads.Forget(cacheKey(u.ID))
	return nil
}

// UpdateDisplayName sets the profile's display name.
func (s *Service) UpdateDisplayName(ctx context.Context, uid, name string) error {
	patch := map[string]any{"displayName": name, "updatedAt": s.now().UTC()}
	if err := s.store.Merge(ctx, store.CollectionUsers, uid, patch); err != nil {
		return fmt.Errorf("profile update name: %w", err)
	}
	s.reads.Forget(cacheKey(uid))
	return nil
}

// Get reads a profile, serving a cached copy when one is live.
func (s *Service) Get(ctx context.Context, uid string, forceRefresh bool) (*Profile, error) {
	req := netcall.Request{Key: cacheKey(uid), TTL: s.ttl, ForceRefresh: forceRefresh}
	return s.reads.Do(ctx, req, func(ctx context.Context) (*Profile, error) {
		var p Profile
		if err := s.store.Get(ctx, store.CollectionUsers, uid, &p); err != nil {
			return nil, err
		}
		return &p, nil
	})
}
