package identity

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// SessionEvent is one emission of the session stream. User is nil when no
// session is active. Err is set when the stream could not classify the
// provider's state.
type SessionEvent struct {
	User *User
	Err  error
}

// Stream turns a Provider's change listener into a replaying, de-duplicated
// session subscription.
type Stream struct {
	provider Provider
	logger   *zap.Logger
}

// NewStream creates a Stream over provider.
func NewStream(provider Provider, logger *zap.Logger) *Stream {
	return &Stream{provider: provider, logger: logger}
}

// Subscribe delivers the current session to fn immediately, then every
// subsequent change whose identity key differs from the last delivered one.
// Deliveries to fn are serialized; fn must not call unsubscribe itself.
//
// The returned unsubscribe detaches the provider listener. It is safe to call
// more than once; only the first call has an effect.
func (s *Stream) Subscribe(fn func(SessionEvent)) (unsubscribe func()) {
	sub := &subscription{fn: fn, logger: s.logger}

	sub.mu.Lock()
	detach := s.provider.OnSessionChange(sub.deliver)
	// Read the current session after registering so that no change can fall
	// between the replay and the first listener call.
	sub.deliverLocked(s.safeCurrent(), true)
	sub.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.mu.Lock()
			sub.closed = true
			sub.mu.Unlock()
			detach()
		})
	}
}

func (s *Stream) safeCurrent() (ev SessionEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("identity: current session lookup panicked", zap.Any("panic", r))
			ev = SessionEvent{Err: errPanic{r}}
		}
	}()
	return SessionEvent{User: s.provider.CurrentSession()}
}

type subscription struct {
	mu       sync.Mutex
	fn       func(SessionEvent)
	logger   *zap.Logger
	closed   bool
	started  bool
	lastKey  string
	lastNull bool
}

func (s *subscription) deliver(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliverLocked(SessionEvent{User: u}, false)
}

func (s *subscription) deliverLocked(ev SessionEvent, replay bool) {
	if s.closed {
		return
	}
	if ev.Err == nil && s.started && !replay {
		isNull := ev.User == nil
		if isNull == s.lastNull && ev.User.IdentityKey() == s.lastKey {
			return
		}
	}
	s.started = true
	s.lastNull = ev.User == nil
	s.lastKey = ev.User.IdentityKey()
	if ev.User != nil {
		cp := *ev.User
		ev.User = &cp
	}
	s.fn(ev)
}

type errPanic struct{ v any }

func (e errPanic) Error() string { return fmt.Sprintf("identity provider panicked: %v", e.v) }
