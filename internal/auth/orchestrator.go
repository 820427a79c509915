package auth

import (
	"context"
	"errors"
	"sync"

	"github.com/systemcmd0122/toramori/internal/identity"
	"github.com/systemcmd0122/toramori/internal/region"
	"go.uber.org/zap"
)

// RegionService is the region collaborator consumed by the Orchestrator.
type RegionService interface {
	Membership(ctx context.Context, userID string) *region.Membership
	Verify(ctx context.Context, code, userID string) (*region.Data, error)
	Reset(ctx context.Context, userID string) error
}

// ProfileService is the profile collaborator consumed by the Orchestrator.
type ProfileService interface {
	Sync(ctx context.Context, u *identity.User) error
	CreateEmpty(ctx context.Context, u *identity.User) error
	UpdateDisplayName(ctx context.Context, uid, name string) error
}

// TransitionRecorder observes every change of the derived auth state.
type TransitionRecorder func(from, to Kind)

// Config holds the Orchestrator's collaborators.
type Config struct {
	Provider identity.Provider
	Regions  RegionService
	Profiles ProfileService

	// OnTransition is optional.
	OnTransition TransitionRecorder
}

// Orchestrator is the single owner of one client's authentication state.
type Orchestrator struct {
	provider identity.Provider
	regions  RegionService
	profiles ProfileService
	record   TransitionRecorder
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan func()
	done   chan struct{}

	closeOnce   sync.Once
	unsubscribe func()

	// Loop-owned state.
	user        *identity.User
	streamErr   string
	regionState region.State
	generation  uint64
	current     Snapshot
	subscribers map[int]func(Snapshot)
	nextSubID   int

	// Published copies for concurrent readers.
	mu        sync.RWMutex
	published Snapshot
	lastError string
}

// NewOrchestrator starts an Orchestrator and subscribes it to the provider's
// session stream. Callers must Close it.
func NewOrchestrator(cfg Config, logger *zap.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	initial := NewSnapshot(Loading(), region.NotVerified())
	o := &Orchestrator{
		provider:    cfg.Provider,
		regions:     cfg.Regions,
		profiles:    cfg.Profiles,
		record:      cfg.OnTransition,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		events:      make(chan func(), 16),
		done:        make(chan struct{}),
		regionState: region.NotVerified(),
		current:     initial,
		published:   initial,
		subscribers: make(map[int]func(Snapshot)),
	}
	go o.loop()
	o.unsubscribe = identity.NewStream(cfg.Provider, logger).Subscribe(o.onSessionEvent)
	return o
}

func (o *Orchestrator) loop() {
	for {
		select {
		case fn := <-o.events:
			fn()
		case <-o.done:
			return
		}
	}
}

// post enqueues fn on the loop without waiting. It reports false once closed.
func (o *Orchestrator) post(fn func()) bool {
	select {
	case o.events <- fn:
		return true
	case <-o.done:
		return false
	}
}

// do runs fn on the loop and waits for it to finish.
func (o *Orchestrator) do(fn func()) error {
	finished := make(chan struct{})
	if !o.post(func() { fn(); close(finished) }) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-o.done:
		return ErrClosed
	}
}

// ── Session input ─────────────────────────────────────────────────────────

func (o *Orchestrator) onSessionEvent(ev identity.SessionEvent) {
	o.post(func() { o.applySession(ev) })
}

func (o *Orchestrator) applySession(ev identity.SessionEvent) {
	if ev.Err != nil {
		o.logger.Error("auth: session stream failed", zap.Error(ev.Err))
		o.streamErr = Message(ev.Err)
		o.publish()
		return
	}
	o.streamErr = ""

	if ev.User == nil {
		o.user = nil
		o.resetRegion()
		o.publish()
		return
	}

	prev := o.user
	o.user = ev.User
	switch {
	case prev == nil || prev.ID != ev.User.ID:
		o.resetRegion()
		o.startRegionCheck()
	case o.regionState.Kind == region.StateVerified, o.regionState.Kind == region.StateLoading:
		// Verified is sticky; a loading check already covers this user.
	default:
		o.startRegionCheck()
	}
	o.publish()
}

func (o *Orchestrator) resetRegion() {
	o.regionState = region.NotVerified()
	o.generation++
}

// startRegionCheck moves the region to Loading and looks up the membership
// off the loop. Results for an older generation are discarded.
func (o *Orchestrator) startRegionCheck() {
	if o.regions == nil || o.user == nil {
		return
	}
	o.generation++
	gen, uid := o.generation, o.user.ID
	o.regionState = region.Loading()
	go func() {
		m := o.regions.Membership(o.ctx, uid)
		o.post(func() { o.applyRegionCheck(gen, uid, m) })
	}()
}

func (o *Orchestrator) applyRegionCheck(gen uint64, uid string, m *region.Membership) {
	if gen != o.generation || o.user == nil || o.user.ID != uid {
		o.logger.Debug("auth: dropping stale region check", zap.String("user_id", uid))
		return
	}
	if o.regionState.Kind == region.StateVerified {
		return
	}
	if m != nil {
		o.regionState = region.Verified(membershipData(m))
	} else {
		o.regionState = region.NotVerified()
	}
	o.publish()
}

func membershipData(m *region.Membership) region.Data {
	return region.Data{ID: m.RegionCodeID, Name: m.RegionName, Active: true}
}

// publish recomputes the projection and notifies subscribers on change.
func (o *Orchestrator) publish() {
	if o.user == nil {
		o.regionState = region.NotVerified()
	}
	a := Derive(o.user, o.regionState)
	if o.streamErr != "" {
		a = Failed(o.streamErr)
	}
	next := NewSnapshot(a, o.regionState)
	if sameSnapshot(o.current, next) {
		return
	}
	prev := o.current
	o.current = next

	o.mu.Lock()
	o.published = next
	o.mu.Unlock()

	if prev.Auth.Kind != next.Auth.Kind {
		o.logger.Debug("auth: state transition",
			zap.Stringer("from", prev.Auth.Kind),
			zap.Stringer("to", next.Auth.Kind),
		)
		if o.record != nil {
			o.record(prev.Auth.Kind, next.Auth.Kind)
		}
	}
	for _, fn := range o.subscribers {
		fn(next)
	}
}

func (o *Orchestrator) setLastError(msg string) {
	o.mu.Lock()
	o.lastError = msg
	o.mu.Unlock()
}

// fail records err as the last error and returns its localized form.
func (o *Orchestrator) fail(err error) error {
	if errors.Is(err, ErrClosed) {
		return err
	}
	le := localize(err)
	o.setLastError(le.Message)
	return le
}

// settle waits until every session event queued so far has been applied.
// Provider listeners run synchronously inside the provider call, so after a
// successful call the matching event is already on the loop's queue.
func (o *Orchestrator) settle() error {
	return o.do(func() {})
}

// currentUser returns the loop's view of the signed-in user.
func (o *Orchestrator) currentUser() (*identity.User, error) {
	var u *identity.User
	if err := o.do(func() { u = o.user }); err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrNoSession
	}
	return u, nil
}

// ── Credential operations ─────────────────────────────────────────────────

// SignInWithPassword signs in with email and password and syncs the profile.
func (o *Orchestrator) SignInWithPassword(ctx context.Context, email, password string) error {
	u, err := o.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return o.fail(err)
	}
	return o.afterSignIn(ctx, u)
}

// SignInWithFederated signs in with a federated access token and syncs the
// profile.
func (o *Orchestrator) SignInWithFederated(ctx context.Context, token string) error {
	u, err := o.provider.SignInWithFederatedCredential(ctx, token)
	if err != nil {
		return o.fail(err)
	}
	return o.afterSignIn(ctx, u)
}

// afterSignIn syncs the profile. A failed sync is recorded as the last error
// but does not fail the sign-in.
func (o *Orchestrator) afterSignIn(ctx context.Context, u *identity.User) error {
	if err := o.settle(); err != nil {
		return err
	}
	o.setLastError("")
	if o.profiles == nil {
		return nil
	}
	if err := o.profiles.Sync(ctx, u); err != nil {
		o.logger.Warn("auth: profile sync failed", zap.String("user_id", u.ID), zap.Error(err))
		o.fail(err)
	}
	return nil
}

// SignUpWithPassword registers a new account, creates its profile with an
// empty name and sends the verification mail. A failed mail delivery does not
// fail the sign-up.
func (o *Orchestrator) SignUpWithPassword(ctx context.Context, email, password string) error {
	u, err := o.provider.SignUpWithPassword(ctx, email, password)
	if err != nil {
		return o.fail(err)
	}
	if err := o.settle(); err != nil {
		return err
	}
	o.setLastError("")
	if o.profiles != nil {
		if err := o.profiles.CreateEmpty(ctx, u); err != nil {
			o.logger.Warn("auth: profile create failed", zap.String("user_id", u.ID), zap.Error(err))
			return o.fail(err)
		}
	}
	if err := o.provider.SendVerificationEmail(ctx); err != nil {
		o.logger.Warn("auth: verification email failed", zap.String("user_id", u.ID), zap.Error(err))
	}
	return nil
}

// SignOut ends the session. Auth and region state reset regardless of what
// they were, even when the provider fails to sign out; that failure is
// returned and recorded as the last error.
func (o *Orchestrator) SignOut(ctx context.Context) error {
	perr := o.provider.SignOut(ctx)
	if err := o.do(func() {
		o.user = nil
		o.streamErr = ""
		o.resetRegion()
		o.publish()
	}); err != nil {
		return err
	}
	if perr != nil {
		o.logger.Warn("auth: provider sign-out failed", zap.Error(perr))
		return o.fail(perr)
	}
	o.setLastError("")
	return nil
}

// UpdateDisplayName sets the user's real name. Names failing
// ValidDisplayName are rejected before reaching the provider.
func (o *Orchestrator) UpdateDisplayName(ctx context.Context, name string) error {
	name = NormalizeDisplayName(name)
	if !ValidDisplayName(name) {
		return o.fail(ErrInvalidDisplayName)
	}
	current, err := o.currentUser()
	if err != nil {
		return o.fail(err)
	}
	u, err := o.provider.UpdateDisplayName(ctx, name)
	if err != nil {
		return o.fail(err)
	}
	if err := o.settle(); err != nil {
		return err
	}
	o.setLastError("")
	if o.profiles != nil {
		if err := o.profiles.UpdateDisplayName(ctx, current.ID, u.DisplayName); err != nil {
			o.logger.Warn("auth: profile name update failed", zap.String("user_id", current.ID), zap.Error(err))
			return o.fail(err)
		}
	}
	return nil
}

// ── Region operations ─────────────────────────────────────────────────────

// VerifyRegion redeems a region code for the signed-in user. The user's real
// name must be confirmed first; otherwise ErrDisplayNameRequired is returned
// and the code is not redeemed.
func (o *Orchestrator) VerifyRegion(ctx context.Context, code string) error {
	if o.regions == nil {
		return o.fail(ErrNoRegionService)
	}
	u, err := o.currentUser()
	if err != nil {
		return o.fail(err)
	}
	if !ValidDisplayName(u.DisplayName) {
		return o.fail(ErrDisplayNameRequired)
	}
	d, verr := o.regions.Verify(ctx, code, u.ID)

	var result error
	err = o.do(func() {
		if o.user == nil || o.user.ID != u.ID {
			result = ErrNoSession
			return
		}
		// Supersede any membership check still in flight.
		o.generation++
		if verr != nil {
			o.regionState = region.Failed(Message(verr))
		} else {
			o.regionState = region.Verified(*d)
		}
		o.publish()
	})
	switch {
	case err != nil:
		return err
	case result != nil:
		return o.fail(result)
	case verr != nil:
		o.logger.Info("auth: region verification failed", zap.String("user_id", u.ID), zap.Error(verr))
		return o.fail(verr)
	}
	o.setLastError("")
	return nil
}

// RetryRegionCheck re-reads the membership after an error. It does nothing
// once the region is verified.
func (o *Orchestrator) RetryRegionCheck(ctx context.Context) error {
	if o.regions == nil {
		return o.fail(ErrNoRegionService)
	}
	var (
		uid     string
		gen     uint64
		skipped bool
	)
	err := o.do(func() {
		if o.user == nil {
			return
		}
		if o.regionState.Kind == region.StateVerified {
			skipped = true
			return
		}
		o.generation++
		gen, uid = o.generation, o.user.ID
		o.regionState = region.Loading()
		o.publish()
	})
	if err != nil {
		return err
	}
	if skipped {
		return nil
	}
	if uid == "" {
		return o.fail(ErrNoSession)
	}

	m := o.regions.Membership(ctx, uid)
	return o.do(func() { o.applyRegionCheck(gen, uid, m) })
}

// ResetRegion deletes the user's membership and returns the region to
// NotVerified.
func (o *Orchestrator) ResetRegion(ctx context.Context) error {
	if o.regions == nil {
		return o.fail(ErrNoRegionService)
	}
	u, err := o.currentUser()
	if err != nil {
		return o.fail(err)
	}
	if err := o.regions.Reset(ctx, u.ID); err != nil {
		return o.fail(err)
	}
	return o.do(func() {
		if o.user == nil || o.user.ID != u.ID {
			return
		}
		o.resetRegion()
		o.publish()
	})
}

// ── Observation ───────────────────────────────────────────────────────────

// ClearError clears the last error.
func (o *Orchestrator) ClearError() {
	o.setLastError("")
}

// LastError returns the localized message of the last failed operation, or "".
func (o *Orchestrator) LastError() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastError
}

// Snapshot returns the current complete auth state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.published
}

// Subscribe calls fn with the current snapshot and then with every change.
// fn runs on the orchestrator's loop: it must return quickly and must not call
// back into the Orchestrator.
func (o *Orchestrator) Subscribe(fn func(Snapshot)) (unsubscribe func(), err error) {
	var id int
	if err := o.do(func() {
		id = o.nextSubID
		o.nextSubID++
		o.subscribers[id] = fn
		fn(o.current)
	}); err != nil {
		return func() {}, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			_ = o.do(func() { delete(o.subscribers, id) })
		})
	}, nil
}

// Close stops the loop and detaches the session stream. Results of calls
// still in flight are dropped. Close is idempotent.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.done)
		o.cancel()
		o.unsubscribe()
	})
}

// Closed reports whether Close has been called.
func (o *Orchestrator) Closed() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// IsClosed reports whether err was caused by a closed Orchestrator.
func IsClosed(err error) bool { return errors.Is(err, ErrClosed) }
