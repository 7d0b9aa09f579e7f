package qstore

import "github.com/kardianos/qauth/qdef"

// Container is an opened, encrypted key-value container holding the session fields.
// Every failure is returned as a *qdef.StoreError so the caller can decide between
// recovery and per-field fallback.
type Container interface {
	// Get returns nil, nil when the field is absent.
	Get(f qdef.Field) ([]byte, error)

	// Put durably stores the value before returning.
	Put(f qdef.Field, value []byte) error

	// Delete removes the field. Deleting an absent field is not an error.
	Delete(f qdef.Field) error

	Close() error
}

// Backend opens containers and destroys their persistent state.
type Backend interface {
	// Open opens the container, creating it and its master key if absent.
	// A container that exists but does not verify against the master key
	// returns an error of kind qdef.KindIntegrity.
	Open() (Container, error)

	// Wipe removes the container file and the master key together.
	Wipe() error

	// Path returns the storage location for display purposes.
	Path() string
}

// KeyStore holds the master key outside of the container.
type KeyStore interface {
	// Load returns qdef.ErrKeyNotFound when no key is stored.
	Load() ([]byte, error)
	Save(key []byte) error
	// Delete removes the key. Deleting an absent key is not an error.
	Delete() error
	Path() string
}
