// Package identity defines the identity-provider contract consumed by the
// auth core and the session stream built on top of it.
//
// It provides:
//   - User: the provider-owned account view, never persisted by the core
//   - Provider: credential operations and session change notifications
//   - Error: provider error carrying a stable ErrorCode
//   - Stream: replaying, de-duplicated session subscription
//
// The local subpackage implements Provider over the document store.
package identity

import (
	"context"
	"errors"
	"fmt"
)

// ProviderKind identifies how a user authenticated.
type ProviderKind string

const (
	ProviderPassword  ProviderKind = "password"
	ProviderFederated ProviderKind = "federated"
)

// User is the identity provider's view of the signed-in account.
type User struct {
	ID            string       `json:"id"`
	DisplayName   string       `json:"display_name"`
	Email         string       `json:"email"`
	EmailVerified bool         `json:"email_verified"`
	Provider      ProviderKind `json:"provider"`
}

// IdentityKey is the equality key used to de-duplicate session events.
// Changes to fields outside the key (e.g. email verification) are not
// considered a new effective user.
func (u *User) IdentityKey() string {
	if u == nil {
		return ""
	}
	return u.ID + "\x00" + u.DisplayName
}

// ErrorCode is a provider-specific failure code.
type ErrorCode string

const (
	CodeInvalidEmail    ErrorCode = "invalid-email"
	CodeWrongPassword   ErrorCode = "wrong-password"
	CodeUserNotFound    ErrorCode = "user-not-found"
	CodeEmailInUse      ErrorCode = "email-already-in-use"
	CodeWeakPassword    ErrorCode = "weak-password"
	CodeNetworkFailure  ErrorCode = "network-request-failed"
	CodeTooManyRequests ErrorCode = "too-many-requests"
	CodeUserDisabled    ErrorCode = "user-disabled"
	CodeInvalidToken    ErrorCode = "invalid-credential"
	CodeNoSession       ErrorCode = "no-current-user"
)

// Error is returned by Provider operations that fail for a reason the user
// can act on. Code selects the localized message shown to the user.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("identity: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("identity: %s", e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates an Error with the given code.
func NewError(code ErrorCode, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the ErrorCode from err, or "" if err is not an *Error.
func CodeOf(err error) ErrorCode {
	var idErr *Error
	if errors.As(err, &idErr) {
		return idErr.Code
	}
	return ""
}

// Provider is the identity provider contract.
//
// OnSessionChange registers a listener invoked after every session change
// (sign-in, sign-out, profile update). It does not replay the current state;
// Stream does that. The returned function removes the listener.
type Provider interface {
	SignInWithPassword(ctx context.Context, email, password string) (*User, error)
	SignUpWithPassword(ctx context.Context, email, password string) (*User, error)
	SignInWithFederatedCredential(ctx context.Context, token string) (*User, error)
	SignOut(ctx context.Context) error
	SendVerificationEmail(ctx context.Context) error
	UpdateDisplayName(ctx context.Context, name string) (*User, error)
	CurrentSession() *User
	OnSessionChange(fn func(*User)) (unsubscribe func())
}
