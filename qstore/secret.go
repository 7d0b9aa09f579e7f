// Package qstore persists the session fields in an encrypted container and
// keeps them readable when that container is corrupted or unavailable.
//
// # Recovery
//
// Opening the container runs a ladder: open, and on any failure wipe the
// container file and its master key together and open once more. If that also
// fails the store degrades to memory for the remainder of the process.
// A value that fails to authenticate at runtime runs the wipe-and-open step
// once against the live container. Fields that still verify are carried over
// into the new container.
//
// # Mirror
//
// Every write also lands in an in-memory mirror. Reads prefer the durable
// value and fall back to the mirror field by field, so a failure on one field
// never blocks another.
package qstore

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kardianos/qauth/qdef"
	"github.com/rs/zerolog"
)

// Options configures a SecretStore.
type Options struct {
	Logger   zerolog.Logger
	Observer qdef.Observer
}

// SecretStore is the durable, encrypted key-value store for session fields.
// It is safe for concurrent use.
type SecretStore struct {
	backend Backend
	log     zerolog.Logger
	obs     qdef.Observer

	initMu   sync.Mutex // Serializes Initialize, recovery, Wipe and Close.
	ready    atomic.Bool
	degraded atomic.Bool
	closed   bool // Set by Close, cleared by the next explicit access. Guarded by initMu.

	mu  sync.RWMutex
	c   Container
	gen uint64 // Incremented whenever c is replaced.

	mirrorMu sync.Mutex
	mirror   map[qdef.Field][]byte
}

// New creates a store over backend. Nothing is opened until Warm, Initialize
// or the first access.
func New(backend Backend, opt Options) *SecretStore {
	if opt.Observer == nil {
		opt.Observer = qdef.NopObserver{}
	}
	return &SecretStore{
		backend: backend,
		log:     opt.Logger.With().Str("component", "qstore").Logger(),
		obs:     opt.Observer,
		mirror:  make(map[qdef.Field][]byte, len(qdef.Fields)),
	}
}

// Warm starts Initialize in the background so the first access does not
// wait on key generation. Accesses made before it completes initialize
// synchronously.
func (s *SecretStore) Warm() {
	go func() {
		if err := s.initialize(true); err != nil {
			s.log.Warn().Err(err).Msg("background initialization degraded the store")
			return
		}
		s.log.Debug().Msg("initialized on background goroutine")
	}()
}

// Initialize opens the container, running the recovery ladder when needed.
// It is idempotent. A non-nil error wraps qdef.ErrDegraded: the store is then
// usable, but only in memory.
func (s *SecretStore) Initialize() error {
	return s.initialize(false)
}

// initialize skips a background warm-up that lost the race with Close.
func (s *SecretStore) initialize(warm bool) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if warm && s.closed {
		return nil
	}
	s.closed = false
	if s.ready.Load() || s.degraded.Load() {
		s.ready.Store(true)
		return nil
	}
	err := s.openLadderLocked()
	s.ready.Store(true)
	return err
}

// IsReady reports whether initialization has completed.
func (s *SecretStore) IsReady() bool {
	return s.ready.Load()
}

// IsDegraded reports whether durable storage was abandoned. Once true it stays true.
func (s *SecretStore) IsDegraded() bool {
	return s.degraded.Load()
}

// Path returns the container location for display purposes.
func (s *SecretStore) Path() string {
	return s.backend.Path()
}

// openLadderLocked must be called with initMu held.
func (s *SecretStore) openLadderLocked() error {
	c, err := s.backend.Open()
	if err == nil {
		s.install(c)
		return nil
	}

	kind := qdef.KindOf(err)
	if kind == qdef.KindBusy {
		// The container is live in another process; wiping it would destroy that session.
		s.degrade(err)
		return fmt.Errorf("%w: %w", qdef.ErrDegraded, err)
	}
	if kind == qdef.KindIntegrity {
		s.log.Warn().Err(err).Str("kind", kind.String()).Msg("detected crypto corruption, wiping encrypted storage and retrying")
	} else {
		s.log.Warn().Err(err).Str("kind", kind.String()).Msg("open failed, wiping encrypted storage and retrying")
	}
	return s.wipeAndReopenLocked()
}

// wipeAndReopenLocked must be called with initMu held and no installed container.
func (s *SecretStore) wipeAndReopenLocked() error {
	if err := s.backend.Wipe(); err != nil {
		s.log.Error().Err(err).Msg("error clearing corrupted storage")
	}
	c, err := s.backend.Open()
	if err != nil {
		s.degrade(err)
		return fmt.Errorf("%w: %w", qdef.ErrDegraded, err)
	}
	s.log.Info().Str("path", s.backend.Path()).Msg("recreated encrypted storage")
	s.install(c)
	return nil
}

func (s *SecretStore) install(c Container) {
	s.mu.Lock()
	s.c = c
	s.gen++
	s.mu.Unlock()
}

func (s *SecretStore) detach() Container {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.gen++
	s.mu.Unlock()
	return c
}

func (s *SecretStore) degrade(cause error) {
	if !s.degraded.CompareAndSwap(false, true) {
		return
	}
	if c := s.detach(); c != nil {
		_ = c.Close()
	}
	s.log.Error().Err(cause).Msg("falling back to in-memory storage; credentials will not survive restart")
	s.obs.OnStoreDegraded()
}

// container returns the live container, initializing on first use.
// It returns nil when degraded or while recovery has no container installed.
func (s *SecretStore) container() (Container, uint64) {
	if !s.ready.Load() {
		_ = s.Initialize()
	}
	if s.degraded.Load() {
		return nil, 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c, s.gen
}

// recoverFrom runs the wipe-and-open step once for the container generation
// that reported an integrity failure. It returns the replacement container, or
// nil when the store degraded or another caller already recovered.
func (s *SecretStore) recoverFrom(gen uint64, cause error) Container {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.degraded.Load() {
		return nil
	}
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	old := s.c
	s.c = nil
	s.gen++
	s.mu.Unlock()
	if old != nil {
		s.salvage(old)
		_ = old.Close()
	}

	s.log.Warn().Err(cause).Msg("stored value failed verification, wiping encrypted storage")
	if err := s.wipeAndReopenLocked(); err != nil {
		return nil
	}
	s.mu.RLock()
	c := s.c
	s.mu.RUnlock()
	s.restore(c)
	return c
}

// salvage copies every field still readable from c into the mirror. Values
// already in the mirror are newer and are kept.
func (s *SecretStore) salvage(c Container) {
	for _, f := range qdef.Fields {
		if _, ok := s.mirrorGet(f); ok {
			continue
		}
		v, err := c.Get(f)
		if err != nil {
			s.log.Warn().Err(err).Str("field", f.Key()).Msg("field lost with wiped storage")
			continue
		}
		if v != nil {
			s.mirrorSet(f, v)
		}
	}
}

// restore writes the mirror into a freshly opened container.
func (s *SecretStore) restore(c Container) {
	s.mirrorMu.Lock()
	values := make(map[qdef.Field][]byte, len(s.mirror))
	for f, v := range s.mirror {
		values[f] = v
	}
	s.mirrorMu.Unlock()

	for f, v := range values {
		if err := c.Put(f, v); err != nil {
			s.log.Warn().Err(err).Str("field", f.Key()).Msg("restore after wipe failed, using in-memory value")
		}
	}
}

// failed records a durable failure and decides how to react to it.
func (s *SecretStore) failed(op string, f qdef.Field, err error, gen uint64) Container {
	kind := qdef.KindOf(err)
	s.log.Warn().Err(err).Str("op", op).Str("field", f.Key()).Str("kind", kind.String()).Msg("durable access failed, using in-memory value")
	if kind == qdef.KindIntegrity {
		return s.recoverFrom(gen, err)
	}
	return nil
}

// Get returns the value of f and whether it is present.
func (s *SecretStore) Get(f qdef.Field) ([]byte, bool) {
	c, gen := s.container()
	if c != nil {
		v, err := c.Get(f)
		switch {
		case err != nil:
			s.failed("get", f, err, gen)
		case v != nil:
			return v, true
		}
	}
	return s.mirrorGet(f)
}

// Set stores value under f. A nil error means the value is durable, or the
// store is degraded and the value is held in memory. A non-nil error means the
// durable write failed and only the in-memory mirror holds the value.
func (s *SecretStore) Set(f qdef.Field, value []byte) error {
	s.mirrorSet(f, value)

	c, gen := s.container()
	if c == nil {
		return s.unavailable("put", f)
	}
	err := c.Put(f, value)
	if err == nil {
		return nil
	}
	if next := s.failed("put", f, err, gen); next != nil {
		// Fresh container after recovery; one more attempt.
		if err = next.Put(f, value); err == nil {
			return nil
		}
	}
	return err
}

// Delete removes f from the mirror and the container.
func (s *SecretStore) Delete(f qdef.Field) error {
	s.mirrorDelete(f)

	c, gen := s.container()
	if c == nil {
		return s.unavailable("delete", f)
	}
	if err := c.Delete(f); err != nil {
		s.failed("delete", f, err, gen)
		return err
	}
	return nil
}

// Clear deletes every field. Each field is attempted even when an earlier one fails.
func (s *SecretStore) Clear() error {
	var errs []error
	for _, f := range qdef.Fields {
		if err := s.Delete(f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wipe destroys the container and master key and opens a fresh container.
// The mirror is cleared as well.
func (s *SecretStore) Wipe() error {
	s.mirrorMu.Lock()
	clear(s.mirror)
	s.mirrorMu.Unlock()

	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.degraded.Load() {
		return nil
	}
	if c := s.detach(); c != nil {
		_ = c.Close()
	}
	s.ready.Store(true)
	return s.wipeAndReopenLocked()
}

// Close releases the container. The mirror is kept; a later access reopens the
// container through the recovery ladder.
func (s *SecretStore) Close() error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	c := s.detach()
	s.closed = true
	if !s.degraded.Load() {
		s.ready.Store(false)
	}
	if c == nil {
		return nil
	}
	return c.Close()
}

func (s *SecretStore) unavailable(op string, f qdef.Field) error {
	if s.degraded.Load() {
		return nil
	}
	return &qdef.StoreError{Op: op, Field: f, Kind: qdef.KindClosed, Err: qdef.ErrStoreClosed}
}

func (s *SecretStore) mirrorGet(f qdef.Field) ([]byte, bool) {
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()
	v, ok := s.mirror[f]
	return v, ok
}

func (s *SecretStore) mirrorSet(f qdef.Field, value []byte) {
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()
	s.mirror[f] = append([]byte(nil), value...)
}

func (s *SecretStore) mirrorDelete(f qdef.Field) {
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()
	delete(s.mirror, f)
}

// GetString returns the string value of f, or "" when absent.
func (s *SecretStore) GetString(f qdef.Field) string {
	v, ok := s.Get(f)
	if !ok {
		return ""
	}
	return string(v)
}

// SetString stores a string value.
func (s *SecretStore) SetString(f qdef.Field, value string) error {
	return s.Set(f, []byte(value))
}

// GetInt64 returns the integer value of f, or 0 when absent or unreadable.
func (s *SecretStore) GetInt64(f qdef.Field) int64 {
	v, ok := s.Get(f)
	if !ok {
		return 0
	}
	n, err := DecodeInt64(v)
	if err != nil {
		s.log.Warn().Err(err).Str("field", f.Key()).Msg("stored integer unreadable")
		return 0
	}
	return n
}

// SetInt64 stores an integer value.
func (s *SecretStore) SetInt64(f qdef.Field, value int64) error {
	b, err := EncodeInt64(value)
	if err != nil {
		return &qdef.StoreError{Op: "put", Field: f, Kind: qdef.KindIO, Err: err}
	}
	return s.Set(f, b)
}
