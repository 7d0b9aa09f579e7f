package qstore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kardianos/qauth/qdef"
	"go.etcd.io/bbolt"
)

var (
	bucketSecrets = []byte("secrets")
	keyCheck      = []byte("__check")
	checkPlain    = []byte("qauth-check-v1")
)

// DefaultName is the default container name.
const DefaultName = "auth_prefs"

// DefaultOpenTimeout bounds how long Open waits for the container file lock.
const DefaultOpenTimeout = 1 * time.Second

// BoltBackend stores the container as a bbolt database whose values are sealed
// with a master key held by a separate KeyStore.
type BoltBackend struct {
	path        string
	keys        KeyStore
	openTimeout time.Duration
}

var _ Backend = (*BoltBackend)(nil)

// BoltConfig configures a BoltBackend.
type BoltConfig struct {
	// Dir is the directory holding the container. Defaults to DefaultDir.
	Dir string

	// Name is the container name. Defaults to DefaultName.
	Name string

	// Keys overrides the platform key store.
	Keys KeyStore

	// OpenTimeout bounds the file lock wait. Defaults to DefaultOpenTimeout.
	OpenTimeout time.Duration
}

// NewBoltBackend creates a backend. No file is touched until Open.
func NewBoltBackend(cfg BoltConfig) (*BoltBackend, error) {
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	dir := expandPath(cfg.Dir)
	keys := cfg.Keys
	if keys == nil {
		var err error
		keys, err = DefaultKeyStore(dir, cfg.Name)
		if err != nil {
			return nil, err
		}
	}
	return &BoltBackend{
		path:        filepath.Join(dir, cfg.Name+".db"),
		keys:        keys,
		openTimeout: cfg.OpenTimeout,
	}, nil
}

func (b *BoltBackend) Path() string {
	return b.path
}

// Open opens or creates the container.
func (b *BoltBackend) Open() (Container, error) {
	fail := func(kind qdef.StorageErrorKind, err error) (Container, error) {
		return nil, &qdef.StoreError{Op: "open", Kind: kind, Err: err}
	}

	exists, err := fileExists(b.path)
	if err != nil {
		return fail(qdef.KindIO, err)
	}

	key, err := b.keys.Load()
	switch {
	case errors.Is(err, qdef.ErrKeyNotFound):
		if exists {
			// The data outlived its key; nothing in it can be read again.
			return fail(qdef.KindIntegrity, fmt.Errorf("container present without master key: %w", qdef.ErrIntegrity))
		}
		key, err = NewKey()
		if err != nil {
			return fail(qdef.KindIO, err)
		}
		if err := b.keys.Save(key); err != nil {
			return fail(qdef.KindIO, fmt.Errorf("save master key: %w", err))
		}
	case err != nil:
		return fail(qdef.KindOf(err), fmt.Errorf("load master key: %w", err))
	}
	k, err := keyArray(key)
	if err != nil {
		return fail(qdef.KindIntegrity, err)
	}

	if err := os.MkdirAll(filepath.Dir(b.path), 0700); err != nil {
		return fail(qdef.KindIO, fmt.Errorf("create container directory: %w", err))
	}
	db, err := bbolt.Open(b.path, 0600, &bbolt.Options{Timeout: b.openTimeout})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return fail(qdef.KindBusy, fmt.Errorf("open database: %w", err))
		}
		if errors.Is(err, bbolt.ErrInvalid) || errors.Is(err, bbolt.ErrChecksum) || errors.Is(err, bbolt.ErrVersionMismatch) {
			return fail(qdef.KindIntegrity, fmt.Errorf("open database: %v: %w", err, qdef.ErrIntegrity))
		}
		return fail(qdef.KindIO, fmt.Errorf("open database: %w", err))
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists(bucketSecrets)
		if err != nil {
			return err
		}
		check := bk.Get(keyCheck)
		if check == nil {
			if bk.Stats().KeyN > 0 {
				return fmt.Errorf("container has values but no check record: %w", qdef.ErrIntegrity)
			}
			sealedCheck, err := sealValue(k, string(keyCheck), checkPlain)
			if err != nil {
				return err
			}
			return bk.Put(keyCheck, sealedCheck)
		}
		plain, err := openValue(k, string(keyCheck), check)
		if err != nil {
			return err
		}
		if !bytes.Equal(plain, checkPlain) {
			return fmt.Errorf("check record mismatch: %w", qdef.ErrIntegrity)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return fail(qdef.KindOf(err), err)
	}

	return &boltContainer{db: db, key: k}, nil
}

// Wipe removes the container file and the master key. Both are always
// attempted; removing only one of them reproduces the integrity failure.
func (b *BoltBackend) Wipe() error {
	fileErr := removeFile(b.path)
	keyErr := b.keys.Delete()
	if err := errors.Join(fileErr, keyErr); err != nil {
		return &qdef.StoreError{Op: "wipe", Kind: qdef.KindIO, Err: err}
	}
	return nil
}

type boltContainer struct {
	key *[KeySize]byte

	mu sync.RWMutex
	db *bbolt.DB
}

var _ Container = (*boltContainer)(nil)

func (c *boltContainer) Get(f qdef.Field) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return nil, &qdef.StoreError{Op: "get", Field: f, Kind: qdef.KindClosed, Err: qdef.ErrStoreClosed}
	}

	var raw []byte
	err := c.db.View(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketSecrets)
		if bk == nil {
			return fmt.Errorf("secrets bucket missing: %w", qdef.ErrIntegrity)
		}
		if v := bk.Get([]byte(f.Key())); v != nil {
			raw = bytes.Clone(v)
		}
		return nil
	})
	if err != nil {
		return nil, &qdef.StoreError{Op: "get", Field: f, Kind: qdef.KindOf(err), Err: err}
	}
	if raw == nil {
		return nil, nil
	}
	plain, err := openValue(c.key, f.Key(), raw)
	if err != nil {
		return nil, &qdef.StoreError{Op: "get", Field: f, Kind: qdef.KindIntegrity, Err: err}
	}
	return plain, nil
}

func (c *boltContainer) Put(f qdef.Field, value []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return &qdef.StoreError{Op: "put", Field: f, Kind: qdef.KindClosed, Err: qdef.ErrStoreClosed}
	}

	data, err := sealValue(c.key, f.Key(), value)
	if err != nil {
		return &qdef.StoreError{Op: "put", Field: f, Kind: qdef.KindIO, Err: err}
	}
	err = c.db.Update(func(tx *bbolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists(bucketSecrets)
		if err != nil {
			return err
		}
		return bk.Put([]byte(f.Key()), data)
	})
	if err != nil {
		return &qdef.StoreError{Op: "put", Field: f, Kind: qdef.KindIO, Err: err}
	}
	return nil
}

func (c *boltContainer) Delete(f qdef.Field) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return &qdef.StoreError{Op: "delete", Field: f, Kind: qdef.KindClosed, Err: qdef.ErrStoreClosed}
	}

	err := c.db.Update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketSecrets)
		if bk == nil {
			return nil
		}
		return bk.Delete([]byte(f.Key()))
	})
	if err != nil {
		return &qdef.StoreError{Op: "delete", Field: f, Kind: qdef.KindIO, Err: err}
	}
	return nil
}

func (c *boltContainer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}
