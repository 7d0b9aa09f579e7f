// Package qmetrics exports credential lifecycle events as Prometheus metrics.
package qmetrics

import (
	"net/http"

	"github.com/kardianos/qauth/qdef"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Observer implements qdef.Observer by counting events.
type Observer struct {
	refresh      *prometheus.CounterVec
	logout       *prometheus.CounterVec
	degraded     prometheus.Gauge
	requestState *prometheus.CounterVec
}

var _ qdef.Observer = (*Observer)(nil)

// New creates an Observer and registers its collectors with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qauth",
			Name:      "refresh_total",
			Help:      "Refresh protocol evaluations that reached the lock, by outcome.",
		}, []string{"outcome"}),
		logout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qauth",
			Name:      "logout_total",
			Help:      "Sessions cleared, by reason.",
		}, []string{"reason"}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qauth",
			Name:      "store_degraded",
			Help:      "1 when the secret store fell back to memory for this process.",
		}),
		requestState: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qauth",
			Name:      "request_state_total",
			Help:      "Per-request credential state transitions, by entered state.",
		}, []string{"state"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{o.refresh, o.logout, o.degraded, o.requestState} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Observer) OnRefresh(outcome qdef.RefreshOutcome) {
	o.refresh.WithLabelValues(outcome.String()).Inc()
}

func (o *Observer) OnLogout(reason qdef.LogoutReason) {
	o.logout.WithLabelValues(string(reason)).Inc()
}

func (o *Observer) OnStoreDegraded() {
	o.degraded.Set(1)
}

func (o *Observer) OnRequestState(_, to qdef.RequestState) {
	o.requestState.WithLabelValues(to.String()).Inc()
}

// Handler serves the metrics gathered by g in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Multi fans events out to several observers.
type Multi []qdef.Observer

var _ qdef.Observer = Multi(nil)

func (m Multi) OnRefresh(outcome qdef.RefreshOutcome) {
	for _, o := range m {
		o.OnRefresh(outcome)
	}
}

func (m Multi) OnLogout(reason qdef.LogoutReason) {
	for _, o := range m {
		o.OnLogout(reason)
	}
}

func (m Multi) OnStoreDegraded() {
	for _, o := range m {
		o.OnStoreDegraded()
	}
}

func (m Multi) OnRequestState(from, to qdef.RequestState) {
	for _, o := range m {
		o.OnRequestState(from, to)
	}
}
