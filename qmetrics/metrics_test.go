package qmetrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/kardianos/qauth/qdef"
	"github.com/kardianos/qauth/qmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserverCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := New(reg)
	require.NoError(t, err)

	o.OnRefresh(qdef.Refreshed)
	o.OnRefresh(qdef.Refreshed)
	o.OnRefresh(qdef.RefreshFailed)
	o.OnLogout(qdef.LogoutUnauthorized)
	o.OnRequestState(qdef.RequestNotChecked, qdef.RequestHeaderAttached)
	o.OnRequestState(qdef.RequestHeaderAttached, qdef.RequestSent)

	require.Equal(t, 2.0, testutil.ToFloat64(o.refresh.WithLabelValues("refreshed")))
	require.Equal(t, 1.0, testutil.ToFloat64(o.refresh.WithLabelValues("refresh_failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(o.logout.WithLabelValues("unauthorized")))
	require.Equal(t, 0.0, testutil.ToFloat64(o.degraded))
	require.Equal(t, 1.0, testutil.ToFloat64(o.requestState.WithLabelValues("sent")))

	o.OnStoreDegraded()
	o.OnStoreDegraded()
	require.Equal(t, 1.0, testutil.ToFloat64(o.degraded))
}

func TestDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := New(reg)
	require.NoError(t, err)
	o.OnLogout(qdef.LogoutExplicit)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `qauth_logout_total{reason="explicit"} 1`)
}

func TestMulti(t *testing.T) {
	a := qmock.NewRecordingObserver(t)
	b := qmock.NewRecordingObserver(t)
	m := Multi{a, b}
	m.OnRefresh(qdef.NotExpiring)
	m.OnLogout(qdef.LogoutExplicit)
	m.OnStoreDegraded()
	m.OnRequestState(qdef.RequestSent, qdef.RequestOK)
	for _, o := range []*qmock.RecordingObserver{a, b} {
		require.Equal(t, []qdef.RefreshOutcome{qdef.NotExpiring}, o.Refreshes())
		require.Equal(t, []qdef.LogoutReason{qdef.LogoutExplicit}, o.Logouts())
		require.Equal(t, 1, o.Degraded())
		require.Len(t, o.Transitions(), 1)
	}
}
