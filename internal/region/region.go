// Package region binds users to a geographic community by redeeming a
// region code.
//
// Region codes live in the regionCodes collection; a user's binding lives in
// the userRegions collection under the user's id. The usage counter on a
// region code is advisory: it is incremented with a read-then-write and can
// under-count under concurrent verification.
package region

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidCode is returned when no active region code matches.
var ErrInvalidCode = errors.New("無効な地域認証コードです")

// ErrCodeExists is returned by Create when the code is already registered.
var ErrCodeExists = errors.New("region code already exists")

// Data is a region code record.
type Data struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Code              string    `json:"code"`
	Active            bool      `json:"isActive"`
	CreatedAt         time.Time `json:"createdAt"`
	CurrentUsageCount int64     `json:"currentUsageCount"`
}

// Membership is a user's binding to a region.
type Membership struct {
	UserID       string    `json:"userId"`
	RegionCodeID string    `json:"regionCodeId"`
	RegionName   string    `json:"regionName"`
	VerifiedAt   time.Time `json:"verifiedAt"`
	Verified     bool      `json:"verified"`
}

// Valid reports whether the membership grants access. An invalid membership
// is treated exactly like an absent one.
func (m *Membership) Valid() bool {
	return m != nil && m.Verified &&
		strings.TrimSpace(m.RegionCodeID) != "" &&
		strings.TrimSpace(m.RegionName) != ""
}

// NormalizeCode trims and upper-cases a user-entered code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// StateKind tags a State.
type StateKind int

const (
	StateNotVerified StateKind = iota
	StateVerified
	StateLoading
	StateError
)

func (k StateKind) String() string {
	switch k {
	case StateNotVerified:
		return "not_verified"
	case StateVerified:
		return "verified"
	case StateLoading:
		return "loading"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

func (k StateKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *StateKind) UnmarshalText(b []byte) error {
	for c := StateNotVerified; c <= StateError; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("region: unknown state kind %q", b)
}

// State is the region verification state of the current user.
// Data is set only for StateVerified, Message only for StateError.
type State struct {
	Kind    StateKind `json:"kind"`
	Data    *Data     `json:"data,omitempty"`
	Message string    `json:"message,omitempty"`
}

// NotVerified returns the initial state.
func NotVerified() State { return State{Kind: StateNotVerified} }

// Verified returns a verified state carrying d.
func Verified(d Data) State { return State{Kind: StateVerified, Data: &d} }

// Loading returns the in-flight state.
func Loading() State { return State{Kind: StateLoading} }

// Failed returns an error state with a user-facing message.
func Failed(message string) State { return State{Kind: StateError, Message: message} }

// IsVerified reports whether s is StateVerified.
func (s State) IsVerified() bool { return s.Kind == StateVerified }
