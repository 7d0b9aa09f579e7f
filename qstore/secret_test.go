package qstore_test

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kardianos/qauth/qdef"
	"github.com/kardianos/qauth/qmock"
	"github.com/kardianos/qauth/qstore"
	"github.com/stretchr/testify/require"
)

var errIntegrity = &qdef.StoreError{Op: "open", Kind: qdef.KindIntegrity, Err: qdef.ErrIntegrity}

func TestInitializeIdempotent(t *testing.T) {
	b := qmock.NewMemoryBackend()
	s := qstore.New(b, qstore.Options{})
	require.False(t, s.IsReady())
	require.NoError(t, s.Initialize())
	require.NoError(t, s.Initialize())
	require.True(t, s.IsReady())
	require.Equal(t, 1, b.Opens())
	require.Zero(t, b.Wipes())
}

func TestLazyInitializeOnAccess(t *testing.T) {
	b := qmock.NewMemoryBackend()
	s := qstore.New(b, qstore.Options{})
	require.NoError(t, s.SetString(qdef.FieldAccessToken, "A1"))
	require.True(t, s.IsReady())
	require.Equal(t, "A1", s.GetString(qdef.FieldAccessToken))
	require.Equal(t, 1, b.Opens())
}

func TestWarm(t *testing.T) {
	b := qmock.NewMemoryBackend()
	s := qstore.New(b, qstore.Options{})
	s.Warm()
	require.Eventually(t, s.IsReady, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, b.Opens())
}

// A warm-up that loses the race with Close does not reopen the container.
func TestWarmAfterCloseSkipped(t *testing.T) {
	b := qmock.NewMemoryBackend()
	s := qstore.New(b, qstore.Options{})
	require.NoError(t, s.Initialize())
	require.NoError(t, s.Close())
	s.Warm()
	time.Sleep(20 * time.Millisecond)
	require.False(t, s.IsReady())
	require.Equal(t, 1, b.Opens())

	// An explicit access still reopens.
	require.Equal(t, "", s.GetString(qdef.FieldAccessToken))
	require.Equal(t, 2, b.Opens())
}

// Corruption at open is recovered by wiping and reopening, without surfacing an error.
func TestOpenCorruptionRecovered(t *testing.T) {
	b := qmock.NewMemoryBackend()
	b.QueueOpenError(errIntegrity)
	obs := qmock.NewRecordingObserver(t)
	s := qstore.New(b, qstore.Options{Observer: obs})

	require.NoError(t, s.Initialize())
	require.False(t, s.IsDegraded())
	require.Equal(t, 2, b.Opens())
	require.Equal(t, 1, b.Wipes())
	require.Zero(t, obs.Degraded())

	require.NoError(t, s.SetString(qdef.FieldAccessToken, "A1"))
	v, ok := b.Durable(qdef.FieldAccessToken)
	require.True(t, ok)
	require.Equal(t, "A1", string(v))
}

// Any open failure, not only corruption, runs the wipe step.
func TestOpenIOFailureRecovered(t *testing.T) {
	b := qmock.NewMemoryBackend()
	b.QueueOpenError(errors.New("permission denied"))
	s := qstore.New(b, qstore.Options{})
	require.NoError(t, s.Initialize())
	require.False(t, s.IsDegraded())
	require.Equal(t, 1, b.Wipes())
}

// Two failed opens degrade to memory for good.
func TestDegradedPermanently(t *testing.T) {
	b := qmock.NewMemoryBackend()
	b.FailOpens(errIntegrity)
	obs := qmock.NewRecordingObserver(t)
	s := qstore.New(b, qstore.Options{Observer: obs})

	err := s.Initialize()
	require.ErrorIs(t, err, qdef.ErrDegraded)
	require.True(t, s.IsDegraded())
	require.True(t, s.IsReady())
	require.Equal(t, 1, obs.Degraded())

	require.NoError(t, s.SetString(qdef.FieldAccessToken, "A1"))
	require.NoError(t, s.SetInt64(qdef.FieldExpiresAt, 42))
	require.Equal(t, "A1", s.GetString(qdef.FieldAccessToken))
	require.Equal(t, int64(42), s.GetInt64(qdef.FieldExpiresAt))
	_, ok := b.Durable(qdef.FieldAccessToken)
	require.False(t, ok)

	// The backend heals, but the store never goes back.
	b.FailOpens(nil)
	require.NoError(t, s.Initialize())
	require.NoError(t, s.Close())
	require.NoError(t, s.SetString(qdef.FieldRefreshToken, "R1"))
	require.True(t, s.IsDegraded())
	require.Equal(t, 2, b.Opens())
	require.Equal(t, 1, obs.Degraded())
	require.Equal(t, "R1", s.GetString(qdef.FieldRefreshToken))

	require.NoError(t, s.Delete(qdef.FieldAccessToken))
	require.Equal(t, "", s.GetString(qdef.FieldAccessToken))
}

// A container locked by another process is left alone.
func TestBusyDoesNotWipe(t *testing.T) {
	b := qmock.NewMemoryBackend()
	b.QueueOpenError(&qdef.StoreError{Op: "open", Kind: qdef.KindBusy, Err: errors.New("timeout")})
	s := qstore.New(b, qstore.Options{})

	require.ErrorIs(t, s.Initialize(), qdef.ErrDegraded)
	require.True(t, s.IsDegraded())
	require.Zero(t, b.Wipes())
}

// set, then corrupt so that the next open fails, then read back through the mirror.
func TestMirrorServesAfterCorruption(t *testing.T) {
	b := qmock.NewMemoryBackend()
	s := qstore.New(b, qstore.Options{})
	require.NoError(t, s.SetString(qdef.FieldAccessToken, "A1"))
	require.NoError(t, s.Close())

	b.Corrupt()
	b.FailOpens(errIntegrity) // Also fail the reopen after the wipe.

	require.Equal(t, "A1", s.GetString(qdef.FieldAccessToken))
	require.True(t, s.IsDegraded())
}

// A value that stops verifying at runtime triggers one wipe-and-reopen, the
// read is answered from the mirror and the values are written back.
func TestRuntimeIntegrityRecovery(t *testing.T) {
	b := qmock.NewMemoryBackend()
	obs := qmock.NewRecordingObserver(t)
	s := qstore.New(b, qstore.Options{Observer: obs})
	require.NoError(t, s.SetString(qdef.FieldAccessToken, "A1"))
	require.NoError(t, s.SetString(qdef.FieldRefreshToken, "R1"))

	b.FailGet(qdef.FieldAccessToken, qdef.ErrIntegrity)
	require.Equal(t, "A1", s.GetString(qdef.FieldAccessToken))
	require.Equal(t, 1, b.Wipes())
	require.Equal(t, 2, b.Opens())
	require.False(t, s.IsDegraded())
	require.Zero(t, obs.Degraded())

	v, ok := b.Durable(qdef.FieldRefreshToken)
	require.True(t, ok)
	require.Equal(t, "R1", string(v))
	require.Equal(t, "R1", s.GetString(qdef.FieldRefreshToken))

	b.FailGet(qdef.FieldAccessToken, nil)
	require.NoError(t, s.SetString(qdef.FieldAccessToken, "A2"))
	v, ok = b.Durable(qdef.FieldAccessToken)
	require.True(t, ok)
	require.Equal(t, "A2", string(v))
}

// Fields only ever read from disk survive a wipe caused by another field.
func TestRuntimeIntegrityKeepsHealthyFields(t *testing.T) {
	b := qmock.NewMemoryBackend()
	s := qstore.New(b, qstore.Options{})
	require.NoError(t, s.SetString(qdef.FieldAccessToken, "A1"))
	require.NoError(t, s.SetString(qdef.FieldRefreshToken, "R1"))
	require.NoError(t, s.SetInt64(qdef.FieldExpiresAt, 12345))
	require.NoError(t, s.Close())

	// A new process has an empty mirror.
	s = qstore.New(b, qstore.Options{})
	defer s.Close()
	b.FailGet(qdef.FieldRefreshToken, qdef.ErrIntegrity)

	require.Equal(t, "", s.GetString(qdef.FieldRefreshToken))
	require.Equal(t, 1, b.Wipes())
	b.FailGet(qdef.FieldRefreshToken, nil)

	require.Equal(t, "A1", s.GetString(qdef.FieldAccessToken))
	require.Equal(t, int64(12345), s.GetInt64(qdef.FieldExpiresAt))
	v, ok := b.Durable(qdef.FieldAccessToken)
	require.True(t, ok)
	require.Equal(t, "A1", string(v))
	_, ok = b.Durable(qdef.FieldExpiresAt)
	require.True(t, ok)
	_, ok = b.Durable(qdef.FieldRefreshToken)
	require.False(t, ok)
}

// A write that fails verification recovers and retries once against the new container.
func TestPutIntegrityRetried(t *testing.T) {
	b := qmock.NewMemoryBackend()
	s := qstore.New(b, qstore.Options{})
	require.NoError(t, s.Initialize())

	b.FailPut(qdef.FieldAccessToken, qdef.ErrIntegrity)
	err := s.SetString(qdef.FieldAccessToken, "A1")
	// The fault is on the field, so the retry fails too.
	require.Error(t, err)
	require.Equal(t, 1, b.Wipes())
	require.Equal(t, "A1", s.GetString(qdef.FieldAccessToken))
}

// An I/O failure on one field does not block the others and does not wipe.
func TestPartialFailure(t *testing.T) {
	b := qmock.NewMemoryBackend()
	s := qstore.New(b, qstore.Options{})

	b.FailPut(qdef.FieldRefreshToken, errors.New("disk full"))
	require.NoError(t, s.SetString(qdef.FieldAccessToken, "A1"))
	err := s.SetString(qdef.FieldRefreshToken, "R1")
	require.Error(t, err)
	require.Equal(t, qdef.KindIO, qdef.KindOf(err))
	require.NoError(t, s.SetInt64(qdef.FieldExpiresAt, 9))

	require.Equal(t, "A1", s.GetString(qdef.FieldAccessToken))
	require.Equal(t, "R1", s.GetString(qdef.FieldRefreshToken))
	require.Equal(t, int64(9), s.GetInt64(qdef.FieldExpiresAt))
	require.Zero(t, b.Wipes())

	b.FailGet(qdef.FieldAccessToken, errors.New("read error"))
	require.Equal(t, "A1", s.GetString(qdef.FieldAccessToken))
	require.Zero(t, b.Wipes())
}

func TestClearAttemptsEveryField(t *testing.T) {
	b := qmock.NewMemoryBackend()
	s := qstore.New(b, qstore.Options{})
	for _, f := range qdef.Fields {
		require.NoError(t, s.SetString(f, "v"))
	}
	b.FailDelete(qdef.FieldAccessToken, errors.New("locked"))

	require.Error(t, s.Clear())
	_, ok := b.Durable(qdef.FieldRefreshToken)
	require.False(t, ok)
	_, ok = b.Durable(qdef.FieldExpiresAt)
	require.False(t, ok)
	_, ok = s.Get(qdef.FieldRefreshToken)
	require.False(t, ok)

	// The failed field is still durable and still readable.
	require.Equal(t, "v", s.GetString(qdef.FieldAccessToken))
}

func TestWipe(t *testing.T) {
	b := qmock.NewMemoryBackend()
	s := qstore.New(b, qstore.Options{})
	require.NoError(t, s.SetString(qdef.FieldAccessToken, "A1"))
	require.NoError(t, s.Wipe())
	_, ok := s.Get(qdef.FieldAccessToken)
	require.False(t, ok)
	require.Equal(t, 1, b.Wipes())
	require.NoError(t, s.SetString(qdef.FieldAccessToken, "A2"))
	require.Equal(t, "A2", s.GetString(qdef.FieldAccessToken))
}

func TestConcurrentAccess(t *testing.T) {
	b := qmock.NewMemoryBackend()
	s := qstore.New(b, qstore.Options{})
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				_ = s.SetInt64(qdef.FieldExpiresAt, int64(i*100+j))
				_ = s.GetInt64(qdef.FieldExpiresAt)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, b.Opens())
}

// End to end against bbolt: a key that no longer matches the container is
// recovered by the ladder and the store keeps working durably.
func TestBoltLadder(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "auth_prefs.key")
	newBackend := func() *qstore.BoltBackend {
		b, err := qstore.NewBoltBackend(qstore.BoltConfig{Dir: dir, Keys: qstore.NewFileKeyStore(keyPath)})
		require.NoError(t, err)
		return b
	}

	s := qstore.New(newBackend(), qstore.Options{})
	require.NoError(t, s.SetString(qdef.FieldAccessToken, "A1"))
	require.NoError(t, s.Close())

	s = qstore.New(newBackend(), qstore.Options{})
	require.Equal(t, "A1", s.GetString(qdef.FieldAccessToken))
	require.NoError(t, s.Close())

	key, err := qstore.NewKey()
	require.NoError(t, err)
	require.NoError(t, qstore.NewFileKeyStore(keyPath).Save(key))

	s = qstore.New(newBackend(), qstore.Options{})
	require.NoError(t, s.Initialize())
	require.False(t, s.IsDegraded())
	require.Equal(t, "", s.GetString(qdef.FieldAccessToken))
	require.NoError(t, s.SetString(qdef.FieldAccessToken, "A2"))
	require.NoError(t, s.Close())

	s = qstore.New(newBackend(), qstore.Options{})
	defer s.Close()
	require.Equal(t, "A2", s.GetString(qdef.FieldAccessToken))
}
