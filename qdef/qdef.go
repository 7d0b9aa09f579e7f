// Package qdef holds the definitions shared by the qauth packages: the session
// snapshot, the secret store fields, the storage error taxonomy and the
// lifecycle states reported to observers.
package qdef

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoSession is returned when an operation needs a credential but the session is empty.
	ErrNoSession = fmt.Errorf("qauth: no session")

	// ErrIntegrity is wrapped by storage errors whose stored ciphertext no longer verifies
	// against the current master key.
	ErrIntegrity = fmt.Errorf("qauth: storage integrity check failed")

	// ErrKeyNotFound is returned by a key store that holds no master key.
	ErrKeyNotFound = fmt.Errorf("qauth: master key not found")

	// ErrStoreClosed is returned by a container used after Close.
	ErrStoreClosed = fmt.Errorf("qauth: store closed")

	// ErrDegraded is returned when durable storage has been abandoned for this process.
	ErrDegraded = fmt.Errorf("qauth: store degraded to memory")
)

// AuthSession is an immutable snapshot of the current credential triple.
// An empty string means the token is absent. ExpiresAt is epoch milliseconds,
// zero when unknown.
type AuthSession struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
}

// IsZero reports whether no field is set, which models the logged out state.
func (s AuthSession) IsZero() bool {
	return s == AuthSession{}
}

// HasCredential reports whether an access token is present.
func (s AuthSession) HasCredential() bool {
	return s.AccessToken != ""
}

// Expiry returns ExpiresAt as a time, or the zero time when unknown.
func (s AuthSession) Expiry() time.Time {
	if s.ExpiresAt <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.ExpiresAt)
}

// ExpiringWithin reports whether both tokens are present, the expiry is known,
// and less than window remains before it at now.
func (s AuthSession) ExpiringWithin(now time.Time, window time.Duration) bool {
	if s.AccessToken == "" || s.RefreshToken == "" || s.ExpiresAt <= 0 {
		return false
	}
	return s.ExpiresAt-now.UnixMilli() < window.Milliseconds()
}

// String never prints token material.
func (s AuthSession) String() string {
	return fmt.Sprintf("AuthSession{access:%t refresh:%t expiresAt:%d}", s.AccessToken != "", s.RefreshToken != "", s.ExpiresAt)
}

// Field names one entry of the secret store record.
type Field uint8

const (
	FieldAccessToken Field = iota + 1
	FieldRefreshToken
	FieldExpiresAt
)

// Fields lists every field of the record in storage order.
var Fields = []Field{FieldAccessToken, FieldRefreshToken, FieldExpiresAt}

// Key returns the storage key of the field.
func (f Field) Key() string {
	switch f {
	case FieldAccessToken:
		return "auth_token"
	case FieldRefreshToken:
		return "refresh_token"
	case FieldExpiresAt:
		return "expires_at"
	default:
		return "unknown"
	}
}

func (f Field) String() string {
	return f.Key()
}

// StorageErrorKind classifies a storage failure so callers can decide between
// recovery and per-field fallback.
type StorageErrorKind uint8

const (
	// KindIO is a non-corruption failure: file system or encoding.
	KindIO StorageErrorKind = iota + 1
	// KindIntegrity is a cryptographic integrity failure of stored data or key material.
	KindIntegrity
	// KindClosed means the container is no longer usable.
	KindClosed
	// KindBusy means another process holds the container lock.
	KindBusy
)

func (k StorageErrorKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindIntegrity:
		return "integrity"
	case KindClosed:
		return "closed"
	case KindBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// StoreError describes a failed storage operation.
type StoreError struct {
	Op    string // "open", "get", "put", "delete", "wipe"
	Field Field  // Zero when the operation is not field specific.
	Kind  StorageErrorKind
	Err   error
}

func (e *StoreError) Error() string {
	msg := "qauth: store " + e.Op
	if e.Field != 0 {
		msg += " " + e.Field.Key()
	}
	msg += " (" + e.Kind.String() + ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// KindOf returns the storage kind of err. Errors that are not a StoreError are
// classified as KindIntegrity when they wrap ErrIntegrity and KindIO otherwise.
func KindOf(err error) StorageErrorKind {
	if err == nil {
		return 0
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, ErrIntegrity) {
		return KindIntegrity
	}
	if errors.Is(err, ErrStoreClosed) {
		return KindClosed
	}
	return KindIO
}
