package identity_test

import (
	"context"
	"sync"
	"testing"

	"github.com/systemcmd0122/toramori/internal/identity"
	"go.uber.org/zap"
)

// ── Fake provider ─────────────────────────────────────────────────────────

type fakeProvider struct {
	mu        sync.Mutex
	current   *identity.User
	listeners map[int]func(*identity.User)
	nextID    int
}

func newFakeProvider(current *identity.User) *fakeProvider {
	return &fakeProvider{current: current, listeners: make(map[int]func(*identity.User))}
}

func (f *fakeProvider) emit(u *identity.User) {
	f.mu.Lock()
	f.current = u
	fns := make([]func(*identity.User), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}

func (f *fakeProvider) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

func (f *fakeProvider) SignInWithPassword(context.Context, string, string) (*identity.User, error) {
	return nil, nil
}
func (f *fakeProvider) SignUpWithPassword(context.Context, string, string) (*identity.User, error) {
	return nil, nil
}
func (f *fakeProvider) SignInWithFederatedCredential(context.Context, string) (*identity.User, error) {
	return nil, nil
}
func (f *fakeProvider) SignOut(context.Context) error               { return nil }
func (f *fakeProvider) SendVerificationEmail(context.Context) error { return nil }
func (f *fakeProvider) UpdateDisplayName(context.Context, string) (*identity.User, error) {
	return nil, nil
}

func (f *fakeProvider) CurrentSession() *identity.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeProvider) OnSessionChange(fn func(*identity.User)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

type recorder struct {
	mu     sync.Mutex
	events []identity.SessionEvent
}

func (r *recorder) record(ev identity.SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []identity.SessionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]identity.SessionEvent(nil), r.events...)
}

// ── Tests ─────────────────────────────────────────────────────────────────

func TestStream_ReplaysCurrentSession(t *testing.T) {
	u := &identity.User{ID: "u1", DisplayName: "山田 太郎"}
	p := newFakeProvider(u)
	rec := &recorder{}

	unsub := identity.NewStream(p, zap.NewNop()).Subscribe(rec.record)
	defer unsub()

	evs := rec.snapshot()
	if len(evs) != 1 {
		t.Fatalf("expected 1 replayed event, got %d", len(evs))
	}
	if evs[0].User == nil || evs[0].User.ID != "u1" {
		t.Errorf("replayed user: got %+v", evs[0].User)
	}
}

func TestStream_ReplaysSignedOut(t *testing.T) {
	p := newFakeProvider(nil)
	rec := &recorder{}

	unsub := identity.NewStream(p, zap.NewNop()).Subscribe(rec.record)
	defer unsub()

	evs := rec.snapshot()
	if len(evs) != 1 || evs[0].User != nil {
		t.Fatalf("expected a single nil-user event, got %+v", evs)
	}
}

func TestStream_SuppressesSameIdentityKey(t *testing.T) {
	p := newFakeProvider(nil)
	rec := &recorder{}
	unsub := identity.NewStream(p, zap.NewNop()).Subscribe(rec.record)
	defer unsub()

	u := &identity.User{ID: "u1", DisplayName: "", Email: "a@x.com"}
	p.emit(u)
	p.emit(&identity.User{ID: "u1", DisplayName: "", Email: "a@x.com", EmailVerified: true}) // profile refresh
	p.emit(nil)
	p.emit(nil)

	evs := rec.snapshot()
	if len(evs) != 3 {
		t.Fatalf("expected replay + sign-in + sign-out (3 events), got %d", len(evs))
	}
	if evs[1].User == nil || evs[1].User.ID != "u1" {
		t.Errorf("event 1: got %+v", evs[1].User)
	}
	if evs[2].User != nil {
		t.Errorf("event 2: expected nil user, got %+v", evs[2].User)
	}
}

func TestStream_DisplayNameChangeIsNewKey(t *testing.T) {
	p := newFakeProvider(&identity.User{ID: "u1"})
	rec := &recorder{}
	unsub := identity.NewStream(p, zap.NewNop()).Subscribe(rec.record)
	defer unsub()

	p.emit(&identity.User{ID: "u1", DisplayName: "山田 太郎"})

	evs := rec.snapshot()
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[1].User.DisplayName != "山田 太郎" {
		t.Errorf("display name: got %q", evs[1].User.DisplayName)
	}
}

func TestStream_UnsubscribeDetachesOnce(t *testing.T) {
	p := newFakeProvider(nil)
	rec := &recorder{}
	unsub := identity.NewStream(p, zap.NewNop()).Subscribe(rec.record)

	if p.listenerCount() != 1 {
		t.Fatalf("expected 1 listener, got %d", p.listenerCount())
	}
	unsub()
	unsub()
	if p.listenerCount() != 0 {
		t.Fatalf("expected listener removed, got %d", p.listenerCount())
	}

	p.emit(&identity.User{ID: "u2"})
	if n := len(rec.snapshot()); n != 1 {
		t.Errorf("no events expected after unsubscribe, got %d total", n)
	}
}

func TestStream_DeliversCopies(t *testing.T) {
	u := &identity.User{ID: "u1", DisplayName: "山田 太郎"}
	p := newFakeProvider(u)
	rec := &recorder{}
	unsub := identity.NewStream(p, zap.NewNop()).Subscribe(rec.record)
	defer unsub()

	u.DisplayName = "changed"
	if got := rec.snapshot()[0].User.DisplayName; got != "山田 太郎" {
		t.Errorf("delivered user aliased provider state: %q", got)
	}
}
