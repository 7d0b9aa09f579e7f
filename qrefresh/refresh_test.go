package qrefresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kardianos/qauth/qapi"
	"github.com/kardianos/qauth/qdef"
	"github.com/kardianos/qauth/qmock"
	"github.com/kardianos/qauth/qsession"
	"github.com/kardianos/qauth/qstore"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return baseTime }

type refreshFunc func(ctx context.Context, refreshToken string) (qdef.AuthSession, error)

func (f refreshFunc) Refresh(ctx context.Context, refreshToken string) (qdef.AuthSession, error) {
	return f(ctx, refreshToken)
}

func newController(t *testing.T) (*qsession.Controller, *qmock.MemoryBackend) {
	t.Helper()
	b := qmock.NewMemoryBackend()
	s := qstore.New(b, qstore.Options{})
	require.NoError(t, s.Initialize())
	t.Cleanup(func() { s.Close() })
	return qsession.New(s, qsession.Options{}), b
}

func TestEnsureNotExpiring(t *testing.T) {
	tests := []struct {
		name    string
		session qdef.AuthSession
	}{
		{"logged out", qdef.AuthSession{}},
		{"far from expiry", qdef.AuthSession{AccessToken: "A", RefreshToken: "R", ExpiresAt: baseTime.Add(time.Hour).UnixMilli()}},
		{"unknown expiry", qdef.AuthSession{AccessToken: "A", RefreshToken: "R"}},
		{"no refresh token", qdef.AuthSession{AccessToken: "A", ExpiresAt: baseTime.Add(time.Minute).UnixMilli()}},
		{"no access token", qdef.AuthSession{RefreshToken: "R", ExpiresAt: baseTime.Add(time.Minute).UnixMilli()}},
		{"exactly at window", qdef.AuthSession{AccessToken: "A", RefreshToken: "R", ExpiresAt: baseTime.Add(DefaultWindow).UnixMilli()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl, _ := newController(t)
			ctrl.UpdateSession(tt.session.AccessToken, tt.session.RefreshToken, tt.session.ExpiresAt)
			var calls atomic.Int32
			r := New(Config{
				Sessions: ctrl,
				Refresher: refreshFunc(func(context.Context, string) (qdef.AuthSession, error) {
					calls.Add(1)
					return qdef.AuthSession{}, errors.New("must not be called")
				}),
				Now: fixedNow,
			})
			require.Equal(t, qdef.NotExpiring, r.Ensure(t.Context()))
			require.Zero(t, calls.Load())
			require.Equal(t, tt.session, ctrl.Current())
		})
	}
}

func TestEnsureRefreshesExpiringToken(t *testing.T) {
	ctrl, b := newController(t)
	ctrl.UpdateSession("A1", "R1", baseTime.Add(2*time.Minute).UnixMilli())
	newExp := baseTime.Add(time.Hour).UnixMilli()

	obs := qmock.NewRecordingObserver(t)
	r := New(Config{
		Sessions: ctrl,
		Refresher: refreshFunc(func(_ context.Context, rt string) (qdef.AuthSession, error) {
			require.Equal(t, "R1", rt)
			return qdef.AuthSession{AccessToken: "A2", RefreshToken: "R2", ExpiresAt: newExp}, nil
		}),
		Now:      fixedNow,
		Observer: obs,
	})

	require.Equal(t, qdef.Refreshed, r.Ensure(t.Context()))
	require.Equal(t, qdef.AuthSession{AccessToken: "A2", RefreshToken: "R2", ExpiresAt: newExp}, ctrl.Current())
	v, ok := b.Durable(qdef.FieldRefreshToken)
	require.True(t, ok)
	require.Equal(t, "R2", string(v))
	require.Equal(t, []qdef.RefreshOutcome{qdef.Refreshed}, obs.Refreshes())
}

func TestEnsureFailureLeavesSession(t *testing.T) {
	ctrl, _ := newController(t)
	exp := baseTime.Add(time.Minute).UnixMilli()
	ctrl.UpdateSession("A1", "R1", exp)

	r := New(Config{
		Sessions: ctrl,
		Refresher: refreshFunc(func(context.Context, string) (qdef.AuthSession, error) {
			return qdef.AuthSession{}, &qapi.APIError{Kind: qapi.KindClient, Status: 401}
		}),
		Now: fixedNow,
	})
	require.Equal(t, qdef.RefreshFailed, r.Ensure(t.Context()))
	require.Equal(t, qdef.AuthSession{AccessToken: "A1", RefreshToken: "R1", ExpiresAt: exp}, ctrl.Current())
}

func TestEnsureTimeoutDoesNotPoison(t *testing.T) {
	ctrl, _ := newController(t)
	ctrl.UpdateSession("A1", "R1", baseTime.Add(time.Minute).UnixMilli())

	var slow atomic.Bool
	slow.Store(true)
	lock := &qmock.CountingLocker{}
	r := New(Config{
		Sessions: ctrl,
		Refresher: refreshFunc(func(ctx context.Context, _ string) (qdef.AuthSession, error) {
			if slow.Load() {
				<-ctx.Done()
				return qdef.AuthSession{}, ctx.Err()
			}
			return qdef.AuthSession{AccessToken: "A2", RefreshToken: "R2", ExpiresAt: baseTime.Add(time.Hour).UnixMilli()}, nil
		}),
		Lock:    lock,
		Timeout: 20 * time.Millisecond,
		Now:     fixedNow,
	})

	require.Equal(t, qdef.RefreshFailed, r.Ensure(t.Context()))
	require.Equal(t, "A1", ctrl.Current().AccessToken)

	slow.Store(false)
	require.Equal(t, qdef.Refreshed, r.Ensure(t.Context()))
	require.Equal(t, "A2", ctrl.Current().AccessToken)
	require.Equal(t, 2, lock.Count())
}

// Many concurrent callers with an expiring token cause exactly one refresh.
func TestEnsureSingleFlight(t *testing.T) {
	ctrl, _ := newController(t)
	ctrl.UpdateSession("A1", "R1", baseTime.Add(time.Minute).UnixMilli())

	var calls atomic.Int32
	r := New(Config{
		Sessions: ctrl,
		Refresher: refreshFunc(func(context.Context, string) (qdef.AuthSession, error) {
			calls.Add(1)
			time.Sleep(30 * time.Millisecond)
			return qdef.AuthSession{AccessToken: "A2", RefreshToken: "R2", ExpiresAt: baseTime.Add(time.Hour).UnixMilli()}, nil
		}),
		Now: fixedNow,
	})

	const n = 20
	var wg sync.WaitGroup
	start := make(chan struct{})
	outcomes := make([]qdef.RefreshOutcome, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			outcomes[i] = r.Ensure(context.Background())
		}()
	}
	close(start)
	wg.Wait()

	require.EqualValues(t, 1, calls.Load())
	var refreshed int
	for _, o := range outcomes {
		require.NotEqual(t, qdef.RefreshFailed, o)
		if o == qdef.Refreshed {
			refreshed++
		}
	}
	require.Equal(t, 1, refreshed)
	require.Equal(t, "A2", ctrl.Current().AccessToken)
}

// A peer refresh that completes between the unlocked check and lock
// acquisition must be seen by the re-check.
func TestEnsurePeerRefreshBeforeLock(t *testing.T) {
	ctrl, _ := newController(t)
	ctrl.UpdateSession("A1", "R1", baseTime.Add(time.Minute).UnixMilli())

	lock := &qmock.CountingLocker{
		Acquired: func(n int) {
			if n == 1 {
				ctrl.UpdateSession("P2", "PR2", baseTime.Add(time.Hour).UnixMilli())
			}
		},
	}
	var calls atomic.Int32
	r := New(Config{
		Sessions: ctrl,
		Refresher: refreshFunc(func(context.Context, string) (qdef.AuthSession, error) {
			calls.Add(1)
			return qdef.AuthSession{AccessToken: "A2", RefreshToken: "R2", ExpiresAt: baseTime.Add(time.Hour).UnixMilli()}, nil
		}),
		Lock: lock,
		Now:  fixedNow,
	})

	require.Equal(t, qdef.NotExpiring, r.Ensure(t.Context()))
	require.Zero(t, calls.Load())
	require.Equal(t, "P2", ctrl.Current().AccessToken)
}

// The peer refresh may also have cleared the session entirely.
func TestEnsurePeerLogoutBeforeLock(t *testing.T) {
	ctrl, _ := newController(t)
	ctrl.UpdateSession("A1", "R1", baseTime.Add(time.Minute).UnixMilli())

	lock := &qmock.CountingLocker{Acquired: func(int) { ctrl.Logout() }}
	r := New(Config{
		Sessions: ctrl,
		Refresher: refreshFunc(func(context.Context, string) (qdef.AuthSession, error) {
			t.Error("refresh called after logout")
			return qdef.AuthSession{}, nil
		}),
		Lock: lock,
		Now:  fixedNow,
	})
	require.Equal(t, qdef.NotExpiring, r.Ensure(t.Context()))
	require.True(t, ctrl.Current().IsZero())
}

func TestEnsureAgainstAuthServer(t *testing.T) {
	srv := qmock.NewAuthServer()
	defer srv.Close()
	access, refresh, _ := srv.Issue()

	ctrl, _ := newController(t)
	ctrl.UpdateSession(access, refresh, time.Now().Add(time.Minute).UnixMilli())

	r := New(Config{
		Sessions:  ctrl,
		Refresher: &qapi.Client{BaseURL: srv.BaseURL(), HTTP: srv.Client()},
	})
	require.Equal(t, qdef.Refreshed, r.Ensure(t.Context()))
	require.Equal(t, 1, srv.RefreshCalls())
	require.NotEqual(t, access, ctrl.Current().AccessToken)
	require.Greater(t, ctrl.Current().ExpiresAt, time.Now().Add(30*time.Minute).UnixMilli())

	// The old refresh token was rotated out; a replay fails without logging out.
	ctrl.UpdateSession(access, refresh, time.Now().Add(time.Minute).UnixMilli())
	require.Equal(t, qdef.RefreshFailed, r.Ensure(t.Context()))
	require.Equal(t, access, ctrl.Current().AccessToken)
}

// A logout that lands while the refresh call is in flight wins; the new
// tokens are discarded instead of reviving the session.
func TestEnsureLogoutDuringRefresh(t *testing.T) {
	ctrl, b := newController(t)
	ctrl.UpdateSession("A1", "R1", baseTime.Add(time.Minute).UnixMilli())

	r := New(Config{
		Sessions: ctrl,
		Refresher: refreshFunc(func(context.Context, string) (qdef.AuthSession, error) {
			ctrl.LogoutWithReason(qdef.LogoutUnauthorized)
			return qdef.AuthSession{AccessToken: "A2", RefreshToken: "R2", ExpiresAt: baseTime.Add(time.Hour).UnixMilli()}, nil
		}),
		Now: fixedNow,
	})
	require.Equal(t, qdef.RefreshFailed, r.Ensure(t.Context()))
	require.True(t, ctrl.Current().IsZero())
	_, ok := b.Durable(qdef.FieldAccessToken)
	require.False(t, ok)
}
