package region

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/systemcmd0122/toramori/internal/connectivity"
	"github.com/systemcmd0122/toramori/internal/netcall"
	"github.com/systemcmd0122/toramori/internal/store"
	"go.uber.org/zap"
)

const activeRegionsKey = "regions:active"

// DefaultRegionsTTL is how long the active region list is cached.
const DefaultRegionsTTL = 5 * time.Minute

// Service implements region membership lookup, verification and reset.
type Service struct {
	store       store.Store
	memberships *netcall.Executor[*Membership]
	codes       *netcall.Executor[*Data]
	regions     *netcall.Executor[[]Data]
	regionsTTL  time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

type serviceOptions struct {
	regionsTTL time.Duration
	now        func() time.Time
	exec       []netcall.Option
}

// Option configures a Service.
type Option func(*serviceOptions)

// WithRegionsTTL overrides the cache lifetime of ActiveRegions.
func WithRegionsTTL(ttl time.Duration) Option {
	return func(o *serviceOptions) { o.regionsTTL = ttl }
}

// WithClock overrides the time source for timestamps and cache expiry.
func WithClock(now func() time.Time) Option {
	return func(o *serviceOptions) {
		o.now = now
		o.exec = append(o.exec, netcall.WithClock(now))
	}
}

// WithExecutorOptions passes opts to every executor the service owns.
func WithExecutorOptions(opts ...netcall.Option) Option {
	return func(o *serviceOptions) { o.exec = append(o.exec, opts...) }
}

// NewService creates a Service.
func NewService(st store.Store, probe connectivity.Probe, logger *zap.Logger, opts ...Option) *Service {
	o := serviceOptions{regionsTTL: DefaultRegionsTTL, now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return &Service{
		store:       st,
		memberships: netcall.NewExecutor[*Membership]("region_membership", probe, logger, o.exec...),
		codes:       netcall.NewExecutor[*Data]("region_code", probe, logger, o.exec...),
		regions:     netcall.NewExecutor[[]Data]("region_list", probe, logger, o.exec...),
		regionsTTL:  o.regionsTTL,
		now:         o.now,
		logger:      logger,
	}
}

// Membership returns the user's valid membership, or nil when it is absent,
// invalid or could not be read.
func (s *Service) Membership(ctx context.Context, userID string) *Membership {
	m, err := s.memberships.Do(ctx, netcall.Request{}, func(ctx context.Context) (*Membership, error) {
		var m Membership
		if err := s.store.Get(ctx, store.CollectionUserRegions, userID, &m); err != nil {
			return nil, err
		}
		return &m, nil
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("region: membership lookup failed", zap.String("user_id", userID), zap.Error(err))
		}
		return nil
	}
	if !m.Valid() {
		return nil
	}
	return m
}

// Verify redeems code for userID. A user with a valid membership gets that
// membership's region back without touching the usage counter.
func (s *Service) Verify(ctx context.Context, code, userID string) (*Data, error) {
	code = NormalizeCode(code)

	if m := s.Membership(ctx, userID); m != nil {
		return s.dataFor(ctx, m), nil
	}

	d, err := s.codes.Do(ctx, netcall.Request{}, func(ctx context.Context) (*Data, error) {
		return s.findActive(ctx, code)
	})
	if err != nil {
		return nil, err
	}

	m := Membership{
		UserID:       userID,
		RegionCodeID: d.ID,
		RegionName:   d.Name,
		VerifiedAt:   s.now().UTC(),
		Verified:     true,
	}
	if err := s.store.Set(ctx, store.CollectionUserRegions, userID, m); err != nil {
		return nil, fmt.Errorf("write membership: %w", err)
	}

	count, err := s.incrementUsage(ctx, d.ID)
	if err != nil {
		// The membership stays; a retry short-circuits on it.
		s.logger.Error("region: usage increment failed",
			zap.String("user_id", userID),
			zap.String("region_id", d.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("increment usage: %w", err)
	}
	d.CurrentUsageCount = count

	s.logger.Info("region verified",
		zap.String("user_id", userID),
		zap.String("region_id", d.ID),
		zap.String("region", d.Name),
	)
	return d, nil
}

// Reset deletes the user's membership.
func (s *Service) Reset(ctx context.Context, userID string) error {
	if err := s.store.Delete(ctx, store.CollectionUserRegions, userID); err != nil {
		return fmt.Errorf("reset membership: %w", err)
	}
	return nil
}

// ActiveRegions lists active regions ordered by name. The list is served from
// cache for the configured TTL unless forceRefresh is set.
func (s *Service) ActiveRegions(ctx context.Context, forceRefresh bool) ([]Data, error) {
	req := netcall.Request{Key: activeRegionsKey, TTL: s.regionsTTL, ForceRefresh: forceRefresh}
	return s.regions.Do(ctx, req, func(ctx context.Context) ([]Data, error) {
		snaps, err := s.store.Query(ctx, store.CollectionRegionCodes, store.Query{
			Where:   []store.Filter{store.Where("isActive", true)},
			OrderBy: "name",
		})
		if err != nil {
			return nil, err
		}
		out := make([]Data, 0, len(snaps))
		for _, snap := range snaps {
			var d Data
			if err := snap.Decode(&d); err != nil {
				return nil, err
			}
			out = append(out, d)
		}
		return out, nil
	})
}

// Create registers a new active region code.
func (s *Service) Create(ctx context.Context, name, code string) (*Data, error) {
	name = strings.TrimSpace(name)
	code = NormalizeCode(code)
	if name == "" || code == "" {
		return nil, errors.New("region name and code are required")
	}
	existing, err := s.store.Query(ctx, store.CollectionRegionCodes, store.Query{
		Where: []store.Filter{store.Where("code", code)},
		Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("check region code: %w", err)
	}
	if len(existing) > 0 {
		return nil, ErrCodeExists
	}

	d := Data{
		ID:        uuid.New().String(),
		Name:      name,
		Code:      code,
		Active:    true,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.Set(ctx, store.CollectionRegionCodes, d.ID, d); err != nil {
		return nil, fmt.Errorf("create region: %w", err)
	}
	s.logger.Info("region created", zap.String("region_id", d.ID), zap.String("region", d.Name))
	return &d, nil
}

func (s *Service) findActive(ctx context.Context, code string) (*Data, error) {
	snaps, err := s.store.Query(ctx, store.CollectionRegionCodes, store.Query{
		Where: []store.Filter{
			store.Where("code", code),
			store.Where("isActive", true),
		},
		Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("look up region code: %w", err)
	}
	if len(snaps) == 0 {
		return nil, ErrInvalidCode
	}
	var d Data
	if err := snaps[0].Decode(&d); err != nil {
		return nil, err
	}
	if d.ID == "" {
		d.ID = snaps[0].ID
	}
	return &d, nil
}

func (s *Service) incrementUsage(ctx context.Context, id string) (int64, error) {
	var d Data
	if err := s.store.Get(ctx, store.CollectionRegionCodes, id, &d); err != nil {
		return 0, err
	}
	next := d.CurrentUsageCount + 1
	if err := s.store.Merge(ctx, store.CollectionRegionCodes, id, map[string]any{"currentUsageCount": next}); err != nil {
		return 0, err
	}
	return next, nil
}

// dataFor returns the region record behind a membership, or a record built
// from the membership when the region cannot be read.
func (s *Service) dataFor(ctx context.Context, m *Membership) *Data {
	var d Data
	if err := s.store.Get(ctx, store.CollectionRegionCodes, m.RegionCodeID, &d); err == nil {
		if d.ID == "" {
			d.ID = m.RegionCodeID
		}
		return &d
	}
	return &Data{ID: m.RegionCodeID, Name: m.RegionName, Active: true}
}
