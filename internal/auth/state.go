// Package auth merges the identity session and the region verification state
// into one derived authentication state.
//
// The Orchestrator owns both inputs on a single event-loop goroutine and
// recomputes the projection with Derive on every change. Credential, profile
// and region calls run on the caller's goroutine; only their results are
// applied on the loop.
package auth

import (
	"fmt"

	"github.com/systemcmd0122/toramori/internal/identity"
	"github.com/systemcmd0122/toramori/internal/region"
)

// Kind tags a State.
type Kind int

const (
	KindLoading Kind = iota
	KindUnauthenticated
	KindAuthenticated
	KindUserNameVerificationRequired
	KindRegionVerificationRequired
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindLoading:
		return "loading"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindAuthenticated:
		return "authenticated"
	case KindUserNameVerificationRequired:
		return "user_name_verification_required"
	case KindRegionVerificationRequired:
		return "region_verification_required"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	for c := KindLoading; c <= KindError; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("auth: unknown state kind %q", b)
}

// State is the identity-level authentication state. User is set for
// Authenticated and both verification-required kinds; Message for Error.
type State struct {
	Kind    Kind           `json:"kind"`
	User    *identity.User `json:"user,omitempty"`
	Message string         `json:"message,omitempty"`
}

func Loading() State         { return State{Kind: KindLoading} }
func Unauthenticated() State { return State{Kind: KindUnauthenticated} }
func Failed(msg string) State {
	return State{Kind: KindError, Message: msg}
}
func Authenticated(u *identity.User) State {
	return State{Kind: KindAuthenticated, User: u}
}
func UserNameVerificationRequired(u *identity.User) State {
	return State{Kind: KindUserNameVerificationRequired, User: u}
}
func RegionVerificationRequired(u *identity.User) State {
	return State{Kind: KindRegionVerificationRequired, User: u}
}

// Snapshot is the complete auth state exposed to clients.
type Snapshot struct {
	Auth               State        `json:"auth"`
	Region             region.State `json:"region"`
	FullyAuthenticated bool         `json:"fully_authenticated"`
}

// NewSnapshot builds a Snapshot, deriving FullyAuthenticated.
func NewSnapshot(a State, r region.State) Snapshot {
	return Snapshot{
		Auth:               a,
		Region:             r,
		FullyAuthenticated: a.Kind == KindAuthenticated && r.IsVerified(),
	}
}

// Derive computes the auth state for the current user and region state.
// Rules apply in order: no user, invalid display name, verified region,
// loading region, and finally region verification required.
func Derive(u *identity.User, r region.State) State {
	switch {
	case u == nil:
		return Unauthenticated()
	case !ValidDisplayName(u.DisplayName):
		return UserNameVerificationRequired(u)
	case r.Kind == region.StateVerified:
		return Authenticated(u)
	case r.Kind == region.StateLoading:
		return Loading()
	default:
		return RegionVerificationRequired(u)
	}
}

func sameSnapshot(a, b Snapshot) bool {
	if a.Auth.Kind != b.Auth.Kind || a.Auth.Message != b.Auth.Message ||
		a.Auth.User.IdentityKey() != b.Auth.User.IdentityKey() ||
		(a.Auth.User == nil) != (b.Auth.User == nil) {
		return false
	}
	if a.Region.Kind != b.Region.Kind || a.Region.Message != b.Region.Message {
		return false
	}
	if (a.Region.Data == nil) != (b.Region.Data == nil) {
		return false
	}
	if a.Region.Data != nil && (a.Region.Data.ID != b.Region.Data.ID || a.Region.Data.Name != b.Region.Data.Name) {
		return false
	}
	return true
}
