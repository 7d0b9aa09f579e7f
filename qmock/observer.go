package qmock

import (
	"sync"
	"testing"

	"github.com/kardianos/qauth/qdef"
)

// CountingLocker is a sync.Locker that counts acquisitions and can hold a
// caller between Lock returning and the protected section.
type CountingLocker struct {
	mu    sync.Mutex
	count int
	stat  sync.Mutex

	// Acquired, when set, is called after every successful Lock while the lock is held.
	Acquired func(n int)
}

var _ sync.Locker = (*CountingLocker)(nil)

func (l *CountingLocker) Lock() {
	l.mu.Lock()
	l.stat.Lock()
	l.count++
	n := l.count
	fn := l.Acquired
	l.stat.Unlock()
	if fn != nil {
		fn(n)
	}
}

func (l *CountingLocker) Unlock() {
	l.mu.Unlock()
}

// Count returns how many times the lock was acquired.
func (l *CountingLocker) Count() int {
	l.stat.Lock()
	defer l.stat.Unlock()
	return l.count
}

// Transition is one reported request state change.
type Transition struct {
	From, To qdef.RequestState
}

// RecordingObserver records every event. When T is set events are also logged.
type RecordingObserver struct {
	T testing.TB

	mu          sync.Mutex
	refreshes   []qdef.RefreshOutcome
	logouts     []qdef.LogoutReason
	degraded    int
	transitions []Transition
}

var _ qdef.Observer = (*RecordingObserver)(nil)

// NewRecordingObserver returns an observer that logs to t.
func NewRecordingObserver(t testing.TB) *RecordingObserver {
	return &RecordingObserver{T: t}
}

func (o *RecordingObserver) logf(format string, v ...any) {
	if o.T != nil {
		o.T.Helper()
		o.T.Logf(format, v...)
	}
}

func (o *RecordingObserver) OnRefresh(outcome qdef.RefreshOutcome) {
	o.mu.Lock()
	o.refreshes = append(o.refreshes, outcome)
	o.mu.Unlock()
	o.logf("refresh: %s", outcome)
}

func (o *RecordingObserver) OnLogout(reason qdef.LogoutReason) {
	o.mu.Lock()
	o.logouts = append(o.logouts, reason)
	o.mu.Unlock()
	o.logf("logout: %s", reason)
}

func (o *RecordingObserver) OnStoreDegraded() {
	o.mu.Lock()
	o.degraded++
	o.mu.Unlock()
	o.logf("store degraded")
}

func (o *RecordingObserver) OnRequestState(from, to qdef.RequestState) {
	o.mu.Lock()
	o.transitions = append(o.transitions, Transition{From: from, To: to})
	o.mu.Unlock()
}

func (o *RecordingObserver) Refreshes() []qdef.RefreshOutcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]qdef.RefreshOutcome(nil), o.refreshes...)
}

func (o *RecordingObserver) Logouts() []qdef.LogoutReason {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]qdef.LogoutReason(nil), o.logouts...)
}

func (o *RecordingObserver) Degraded() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.degraded
}

func (o *RecordingObserver) Transitions() []Transition {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Transition(nil), o.transitions...)
}

// States returns the sequence of states visited, starting from the first
// reported source state.
func (o *RecordingObserver) States() []qdef.RequestState {
	tr := o.Transitions()
	if len(tr) == 0 {
		return nil
	}
	out := []qdef.RequestState{tr[0].From}
	for _, t := range tr {
		out = append(out, t.To)
	}
	return out
}
