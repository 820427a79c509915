package netcall_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/systemcmd0122/toramori/internal/connectivity"
	"github.com/systemcmd0122/toramori/internal/netcall"
	"github.com/systemcmd0122/toramori/internal/store"
	"go.uber.org/zap"
)

// ── Helpers ───────────────────────────────────────────────────────────────

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newExecutor(t *testing.T, probe connectivity.Probe, clk *clock) *netcall.Executor[string] {
	t.Helper()
	return netcall.NewExecutor[string]("test", probe, zap.NewNop(), netcall.WithClock(clk.Now))
}

func drain(ch <-chan netcall.Event[string]) []netcall.Event[string] {
	var out []netcall.Event[string]
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func kinds(evs []netcall.Event[string]) []netcall.EventKind {
	out := make([]netcall.EventKind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func assertKinds(t *testing.T, evs []netcall.Event[string], want ...netcall.EventKind) {
	t.Helper()
	got := kinds(evs)
	if len(got) != len(want) {
		t.Fatalf("events: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events: got %v, want %v", got, want)
		}
	}
}

func value(v string) netcall.FetchFunc[string] {
	return func(context.Context) (string, error) { return v, nil }
}

func failing(err error) netcall.FetchFunc[string] {
	return func(context.Context) (string, error) { return "", err }
}

// ── Sequences ─────────────────────────────────────────────────────────────

func TestExecute_NoKeySuccess(t *testing.T) {
	ex := newExecutor(t, connectivity.NewStatic(true), &clock{now: time.Unix(0, 0)})

	evs := drain(ex.Execute(context.Background(), netcall.Request{}, value("v1")))
	assertKinds(t, evs, netcall.EventLoading, netcall.EventSuccess)
	if evs[1].Value != "v1" {
		t.Errorf("success value: got %q", evs[1].Value)
	}
}

func TestExecute_CacheThenSuccess(t *testing.T) {
	clk := &clock{now: time.Unix(0, 0)}
	ex := newExecutor(t, connectivity.NewStatic(true), clk)
	req := netcall.Request{Key: "k", TTL: 5 * time.Minute}

	drain(ex.Execute(context.Background(), req, value("first")))

	evs := drain(ex.Execute(context.Background(), req, value("second")))
	assertKinds(t, evs, netcall.EventLoading, netcall.EventCache, netcall.EventSuccess)
	if evs[1].Value != "first" {
		t.Errorf("cache value: got %q, want %q", evs[1].Value, "first")
	}
	if evs[2].Value != "second" {
		t.Errorf("success value: got %q, want %q", evs[2].Value, "second")
	}

	// The refetch overwrote the entry.
	evs = drain(ex.Execute(context.Background(), req, value("third")))
	if evs[1].Value != "second" {
		t.Errorf("cache after refetch: got %q, want %q", evs[1].Value, "second")
	}
}

func TestExecute_ForceRefreshSkipsCache(t *testing.T) {
	ex := newExecutor(t, connectivity.NewStatic(true), &clock{now: time.Unix(0, 0)})
	drain(ex.Execute(context.Background(), netcall.Request{Key: "k", TTL: time.Minute}, value("a")))

	evs := drain(ex.Execute(context.Background(), netcall.Request{Key: "k", TTL: time.Minute, ForceRefresh: true}, value("b")))
	assertKinds(t, evs, netcall.EventLoading, netcall.EventSuccess)
}

func TestExecute_OfflineWithCacheEndsAfterCache(t *testing.T) {
	probe := connectivity.NewStatic(true)
	ex := newExecutor(t, probe, &clock{now: time.Unix(0, 0)})
	req := netcall.Request{Key: "k", TTL: time.Minute}
	drain(ex.Execute(context.Background(), req, value("stale")))

	probe.Set(false)
	var fetched atomic.Bool
	evs := drain(ex.Execute(context.Background(), req, func(context.Context) (string, error) {
		fetched.Store(true)
		return "fresh", nil
	}))
	assertKinds(t, evs, netcall.EventLoading, netcall.EventCache)
	if fetched.Load() {
		t.Error("fetch must not run while offline")
	}
}

func TestExecute_OfflineWithoutCacheIsNoNetwork(t *testing.T) {
	ex := newExecutor(t, connectivity.NewStatic(false), &clock{now: time.Unix(0, 0)})

	evs := drain(ex.Execute(context.Background(), netcall.Request{Key: "k", TTL: time.Minute}, value("x")))
	assertKinds(t, evs, netcall.EventLoading, netcall.EventError)
	if evs[1].Err.Kind != netcall.KindNoNetwork {
		t.Errorf("kind: got %v, want %v", evs[1].Err.Kind, netcall.KindNoNetwork)
	}
	if !errors.Is(evs[1].Err, netcall.ErrNoNetwork) {
		t.Error("error should wrap ErrNoNetwork")
	}
}

func TestExecute_FailureKeepsValidCache(t *testing.T) {
	ex := newExecutor(t, connectivity.NewStatic(true), &clock{now: time.Unix(0, 0)})
	req := netcall.Request{Key: "k", TTL: time.Minute}
	drain(ex.Execute(context.Background(), req, value("good")))

	evs := drain(ex.Execute(context.Background(), req, failing(errors.New("boom"))))
	assertKinds(t, evs, netcall.EventLoading, netcall.EventCache, netcall.EventError)

	evs = drain(ex.Execute(context.Background(), req, failing(errors.New("boom"))))
	if evs[1].Kind != netcall.EventCache || evs[1].Value != "good" {
		t.Errorf("cache should survive failed fetches, got %v", kinds(evs))
	}
}

func TestExecute_PanicIsUnknownError(t *testing.T) {
	ex := newExecutor(t, connectivity.NewStatic(true), &clock{now: time.Unix(0, 0)})
	evs := drain(ex.Execute(context.Background(), netcall.Request{}, func(context.Context) (string, error) {
		panic("bad fetch")
	}))
	assertKinds(t, evs, netcall.EventLoading, netcall.EventError)
	if evs[1].Err.Kind != netcall.KindUnknown {
		t.Errorf("kind: got %v", evs[1].Err.Kind)
	}
}

// ── TTL property ──────────────────────────────────────────────────────────

func TestExecute_TTLBoundary(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	probe := connectivity.NewStatic(true)
	ex := newExecutor(t, probe, clk)
	req := netcall.Request{Key: "k", TTL: 5 * time.Minute}
	drain(ex.Execute(context.Background(), req, value("t0")))
	probe.Set(false)

	// Before expiry: served from cache while offline.
	clk.Advance(5*time.Minute - time.Second)
	evs := drain(ex.Execute(context.Background(), req, value("unused")))
	assertKinds(t, evs, netcall.EventLoading, netcall.EventCache)
	if evs[1].Value != "t0" {
		t.Errorf("cache value: got %q", evs[1].Value)
	}

	// At t0+ttl: never served as Cache.
	clk.Advance(time.Second)
	evs = drain(ex.Execute(context.Background(), req, value("unused")))
	assertKinds(t, evs, netcall.EventLoading, netcall.EventError)

	probe.Set(true)
	evs = drain(ex.Execute(context.Background(), req, value("t1")))
	assertKinds(t, evs, netcall.EventLoading, netcall.EventSuccess)
}

// ── Concurrency ───────────────────────────────────────────────────────────

func TestExecute_NoCoalescing(t *testing.T) {
	ex := newExecutor(t, connectivity.NewStatic(true), &clock{now: time.Unix(0, 0)})
	req := netcall.Request{Key: "k", TTL: time.Minute}

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (string, error) {
		n := calls.Add(1)
		<-release
		return fmt.Sprintf("v%d", n), nil
	}

	a := ex.Execute(context.Background(), req, fetch)
	b := ex.Execute(context.Background(), req, fetch)

	deadline := time.After(2 * time.Second)
	for calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected both callers to fetch, got %d", calls.Load())
		case <-time.After(time.Millisecond):
		}
	}
	close(release)

	if _, err := netcall.Collect(a); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := netcall.Collect(b); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("fetch calls: got %d, want 2", calls.Load())
	}
}

// ── Collect / Do ──────────────────────────────────────────────────────────

func TestCollect_FallsBackToCacheOnError(t *testing.T) {
	ex := newExecutor(t, connectivity.NewStatic(true), &clock{now: time.Unix(0, 0)})
	req := netcall.Request{Key: "k", TTL: time.Minute}
	if _, err := ex.Do(context.Background(), req, value("cached")); err != nil {
		t.Fatalf("Do: %v", err)
	}

	v, err := ex.Do(context.Background(), req, failing(errors.New("down")))
	if err != nil {
		t.Fatalf("expected stale value without error, got %v", err)
	}
	if v != "cached" {
		t.Errorf("value: got %q", v)
	}
}

func TestCollect_ReturnsCallError(t *testing.T) {
	ex := newExecutor(t, connectivity.NewStatic(true), &clock{now: time.Unix(0, 0)})
	_, err := ex.Do(context.Background(), netcall.Request{}, failing(store.ErrUnavailable))

	var callErr *netcall.CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected *CallError, got %T", err)
	}
	if callErr.Kind != netcall.KindRemoteUnavailable {
		t.Errorf("kind: got %v", callErr.Kind)
	}
	if !errors.Is(err, store.ErrUnavailable) {
		t.Error("CallError should unwrap to the fetch error")
	}
}

func TestEventRecorder(t *testing.T) {
	var mu sync.Mutex
	var seen []netcall.EventKind
	ex := netcall.NewExecutor[string]("rec", connectivity.NewStatic(true), zap.NewNop(),
		netcall.WithEventRecorder(func(name string, kind netcall.EventKind) {
			if name != "rec" {
				t.Errorf("executor name: got %q", name)
			}
			mu.Lock()
			seen = append(seen, kind)
			mu.Unlock()
		}),
	)
	_, _ = ex.Do(context.Background(), netcall.Request{}, value("x"))

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != netcall.EventLoading || seen[1] != netcall.EventSuccess {
		t.Errorf("recorded: got %v", seen)
	}
}

// ── Classification ────────────────────────────────────────────────────────

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want netcall.ErrorKind
	}{
		{"no network", fmt.Errorf("wrap: %w", netcall.ErrNoNetwork), netcall.KindNoNetwork},
		{"store unavailable", fmt.Errorf("get: %w", store.ErrUnavailable), netcall.KindRemoteUnavailable},
		{"deadline", context.DeadlineExceeded, netcall.KindRemoteUnavailable},
		{"dns", &net.DNSError{Err: "no such host", Name: "db.invalid"}, netcall.KindHostUnreachable},
		{"dial", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, netcall.KindHostUnreachable},
		{"other", errors.New("boom"), netcall.KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := netcall.Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v): got %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
