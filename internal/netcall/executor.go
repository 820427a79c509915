// Package netcall wraps backend reads with an optional time-bounded cache and
// connectivity awareness.
//
// Every call produces a short event sequence on a channel:
//
//	Loading → [Cache] → Success | Error
//
// Cache is emitted when a live cached copy exists and the caller did not force
// a refresh. When the device is offline and a cached copy was emitted, the
// sequence ends right after Cache. Otherwise exactly one terminal event
// (Success or Error) closes the sequence.
//
// Concurrent calls for the same key are not coalesced: each performs its own
// fetch and the last one to succeed owns the cache entry.
package netcall

import (
	"context"
	"fmt"
	"time"

	"github.com/systemcmd0122/toramori/internal/connectivity"
	"go.uber.org/zap"
)

// EventKind tags an Event.
type EventKind int

const (
	EventLoading EventKind = iota
	EventCache
	EventSuccess
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventLoading:
		return "loading"
	case EventCache:
		return "cache"
	case EventSuccess:
		return "success"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one step of a call's progress.
type Event[T any] struct {
	Kind  EventKind
	Value T          // set for EventCache and EventSuccess
	Err   *CallError // set for EventError
}

// Request describes a single call. An empty Key disables caching for the call.
type Request struct {
	Key          string
	TTL          time.Duration
	ForceRefresh bool
}

// FetchFunc performs the actual backend read.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// EventRecorder is an optional callback invoked for every emitted event.
type EventRecorder func(executor string, kind EventKind)

type options struct {
	now      func() time.Time
	recorder EventRecorder
}

// Option configures an Executor.
type Option func(*options)

// WithClock overrides the time source used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithEventRecorder installs a callback observing every emitted event.
func WithEventRecorder(fn EventRecorder) Option {
	return func(o *options) { o.recorder = fn }
}

// Executor runs cached, connectivity-gated reads for values of type T.
// The cache is owned exclusively by the executor instance.
type Executor[T any] struct {
	name   string
	probe  connectivity.Probe
	cache  *ttlCache[T]
	opts   options
	logger *zap.Logger
}

// NewExecutor creates an Executor. name labels log lines and metrics.
func NewExecutor[T any](name string, probe connectivity.Probe, logger *zap.Logger, opts ...Option) *Executor[T] {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return &Executor[T]{
		name:   name,
		probe:  probe,
		cache:  newTTLCache[T](o.now),
		opts:   o,
		logger: logger,
	}
}

// Execute starts the call and returns its event sequence. The channel is
// closed after the last event.
func (e *Executor[T]) Execute(ctx context.Context, req Request, fetch FetchFunc[T]) <-chan Event[T] {
	ch := make(chan Event[T], 3)
	go e.run(ctx, req, fetch, ch)
	return ch
}

// Do runs the call and collapses its sequence with Collect.
func (e *Executor[T]) Do(ctx context.Context, req Request, fetch FetchFunc[T]) (T, error) {
	return Collect(e.Execute(ctx, req, fetch))
}

// Forget drops the cached value for key. Writers call it after changing the
// underlying record.
func (e *Executor[T]) Forget(key string) {
	e.cache.forget(key)
}

func (e *Executor[T]) run(ctx context.Context, req Request, fetch FetchFunc[T], ch chan<- Event[T]) {
	defer close(ch)

	e.emit(ch, Event[T]{Kind: EventLoading})

	cached := false
	if req.Key != "" && !req.ForceRefresh {
		if v, ok := e.cache.get(req.Key); ok {
			e.logger.Debug("netcall: cache hit", zap.String("executor", e.name), zap.String("key", req.Key))
			e.emit(ch, Event[T]{Kind: EventCache, Value: v})
			cached = true
		}
	}

	online := e.probe.IsOnline(ctx)
	if !online {
		if cached {
			return
		}
		e.emit(ch, Event[T]{Kind: EventError, Err: &CallError{
			Kind:    KindNoNetwork,
			Message: ErrNoNetwork.Error(),
			Err:     ErrNoNetwork,
		}})
		return
	}

	v, err := e.safeFetch(ctx, fetch)
	if err != nil {
		callErr := newCallError(err)
		e.logger.Warn("netcall: fetch failed",
			zap.String("executor", e.name),
			zap.String("key", req.Key),
			zap.String("kind", callErr.Kind.String()),
			zap.Error(err),
		)
		e.emit(ch, Event[T]{Kind: EventError, Err: callErr})
		return
	}

	if req.Key != "" {
		e.cache.set(req.Key, v, req.TTL)
	}
	e.emit(ch, Event[T]{Kind: EventSuccess, Value: v})
}

func (e *Executor[T]) safeFetch(ctx context.Context, fetch FetchFunc[T]) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch panicked: %v", r)
		}
	}()
	return fetch(ctx)
}

func (e *Executor[T]) emit(ch chan<- Event[T], ev Event[T]) {
	if e.opts.recorder != nil {
		e.opts.recorder(e.name, ev.Kind)
	}
	ch <- ev
}

// Collect drains a sequence. It returns the Success value when there is one;
// otherwise the Cache value (stale data beats no data); otherwise the error.
func Collect[T any](ch <-chan Event[T]) (T, error) {
	var (
		cachedValue T
		hasCache    bool
		result      T
		hasResult   bool
		callErr     *CallError
	)
	for ev := range ch {
		switch ev.Kind {
		case EventCache:
			cachedValue, hasCache = ev.Value, true
		case EventSuccess:
			result, hasResult = ev.Value, true
		case EventError:
			callErr = ev.Err
		}
	}
	switch {
	case hasResult:
		return result, nil
	case hasCache:
		return cachedValue, nil
	case callErr != nil:
		var zero T
		return zero, callErr
	default:
		var zero T
		return zero, &CallError{Kind: KindUnknown, Message: "call produced no result"}
	}
}
