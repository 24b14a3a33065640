package session

import (
	"errors"
	"fmt"
)

// Error kinds (stable for errors.Is).
var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrKeyMismatch          = errors.New("session key mismatch")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrUserBindingConflict  = errors.New("session bound to a different user")
	ErrStorageUnavailable   = errors.New("storage unavailable")
	ErrInvalidInput         = errors.New("invalid input")

	// ErrIDInUse is returned by stores when an insert hits a live or retired id.
	// Repositories retry with a fresh id; callers never see it.
	ErrIDInUse = errors.New("session id in use")
)

var kinds = []error{
	ErrSessionNotFound,
	ErrKeyMismatch,
	ErrAuthenticationFailed,
	ErrUserBindingConflict,
	ErrStorageUnavailable,
	ErrInvalidInput,
	ErrIDInUse,
}

// OpError carries the failing operation, its kind and an optional cause.
// Msg never contains key material.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e *OpError) Error() string {
	s := e.Op + ": " + e.Kind.Error()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s = fmt.Sprintf("%s: %v", s, e.Err)
	}
	return s
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// E builds an *OpError without a cause.
func E(op string, kind error, msg string) error {
	return &OpError{Op: op, Kind: kind, Msg: msg}
}

// Wrap builds an *OpError around cause. A nil cause yields nil.
func Wrap(op string, kind error, cause error) error {
	if cause == nil {
		return nil
	}
	return &OpError{Op: op, Kind: kind, Err: cause}
}

// KindOf returns the session error kind carried by err, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

func IsNotFound(err error) bool { return errors.Is(err, ErrSessionNotFound) }

func IsKeyMismatch(err error) bool { return errors.Is(err, ErrKeyMismatch) }

func IsStorageUnavailable(err error) bool { return errors.Is(err, ErrStorageUnavailable) }
