package qsession

import "github.com/kardianos/qauth/qdef"

// Subscription delivers session snapshots. C receives the value current at
// subscription time and then every later publication in order. A slow reader
// only ever misses intermediate values, never the latest one.
type Subscription struct {
	C <-chan qdef.AuthSession

	c    chan qdef.AuthSession
	ctrl *Controller
}

// Observe subscribes to session changes.
func (c *Controller) Observe() *Subscription {
	ch := make(chan qdef.AuthSession, 1)
	sub := &Subscription{C: ch, c: ch, ctrl: c}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	ch <- *c.cur.Load()
	c.subs[sub] = struct{}{}
	return sub
}

// Close detaches the subscription. C is not closed so pending reads can
// still drain the last value.
func (s *Subscription) Close() {
	s.ctrl.subMu.Lock()
	defer s.ctrl.subMu.Unlock()
	delete(s.ctrl.subs, s)
}

// send must be called with subMu held, which makes it the only sender.
func (s *Subscription) send(v qdef.AuthSession) {
	select {
	case <-s.c:
	default:
	}
	s.c <- v
}
