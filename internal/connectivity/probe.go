// Package connectivity answers a single question for the call executor:
// is the network reachable right now?
package connectivity

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Probe reports whether network calls are currently worth attempting.
type Probe interface {
	IsOnline(ctx context.Context) bool
}

// Func adapts an ordinary function to the Probe interface.
type Func func(ctx context.Context) bool

// IsOnline implements Probe.
func (f Func) IsOnline(ctx context.Context) bool { return f(ctx) }

// Static is a Probe whose answer is set explicitly. Useful in tests and for
// deployments where the backend is co-located.
type Static struct {
	online atomic.Bool
}

// NewStatic creates a Static probe with the given initial state.
func NewStatic(online bool) *Static {
	s := &Static{}
	s.online.Store(online)
	return s
}

// Set changes the reported state.
func (s *Static) Set(online bool) { s.online.Store(online) }

// IsOnline implements Probe.
func (s *Static) IsOnline(context.Context) bool { return s.online.Load() }

// DialConfig holds DialProbe configuration.
type DialConfig struct {
	Addrs    []string      // host:port targets; any successful dial means online
	Timeout  time.Duration // per-dial timeout, default 2s
	CacheFor time.Duration // how long a result is reused, default 5s
}

// DialProbe considers the network online when a TCP connection to any of the
// configured addresses succeeds. Results are reused for CacheFor to keep the
// probe cheap on hot read paths.
type DialProbe struct {
	cfg    DialConfig
	dialer net.Dialer
	logger *zap.Logger

	mu        sync.Mutex
	last      bool
	checkedAt time.Time
}

// NewDialProbe creates a DialProbe.
func NewDialProbe(cfg DialConfig, logger *zap.Logger) *DialProbe {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.CacheFor == 0 {
		cfg.CacheFor = 5 * time.Second
	}
	return &DialProbe{
		cfg:    cfg,
		dialer: net.Dialer{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// IsOnline implements Probe. With no configured addresses it always reports online.
func (p *DialProbe) IsOnline(ctx context.Context) bool {
	if len(p.cfg.Addrs) == 0 {
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.checkedAt.IsZero() && time.Since(p.checkedAt) < p.cfg.CacheFor {
		return p.last
	}

	online := false
	for _, addr := range p.cfg.Addrs {
		conn, err := p.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			p.logger.Debug("connectivity: dial failed", zap.String("addr", addr), zap.Error(err))
			continue
		}
		conn.Close()
		online = true
		break
	}
	if online != p.last || p.checkedAt.IsZero() {
		p.logger.Info("connectivity changed", zap.Bool("online", online))
	}
	p.last = online
	p.checkedAt = time.Now()
	return online
}
