package netcall

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/systemcmd0122/toramori/internal/store"
)

// ErrNoNetwork is returned when a call is not attempted because the device is offline.
var ErrNoNetwork = errors.New("no network connection")

// ErrorKind classifies a failed call.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNoNetwork
	KindRemoteUnavailable
	KindHostUnreachable
)

func (k ErrorKind) String() string {
	switch k {
	case KindNoNetwork:
		return "no_network"
	case KindRemoteUnavailable:
		return "remote_unavailable"
	case KindHostUnreachable:
		return "host_unreachable"
	default:
		return "unknown"
	}
}

// CallError is the error carried by an Error event.
type CallError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CallError) Unwrap() error { return e.Err }

// Classify maps a fetch error to an ErrorKind.
func Classify(err error) ErrorKind {
	var callErr *CallError
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &callErr):
		return callErr.Kind
	case errors.Is(err, ErrNoNetwork), errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.ENETDOWN):
		return KindNoNetwork
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return KindRemoteUnavailable
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindHostUnreachable
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) {
		return KindHostUnreachable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return KindHostUnreachable
	}
	return KindUnknown
}

// newCallError wraps err into a classified CallError.
func newCallError(err error) *CallError {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr
	}
	return &CallError{Kind: Classify(err), Message: err.Error(), Err: err}
}
