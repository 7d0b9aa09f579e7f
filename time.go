package qauth

import (
	"sync"
	"time"
)

var (
	clockMu  sync.RWMutex
	fakeTime *time.Time
)

// timeNow is the clock the refresher evaluates expiry against.
func timeNow() time.Time {
	clockMu.RLock()
	defer clockMu.RUnlock()
	if fakeTime != nil {
		return *fakeTime
	}
	return time.Now()
}

// setFakeTime pins timeNow to t. The returned func restores the real clock.
func setFakeTime(t time.Time) func() {
	clockMu.Lock()
	defer clockMu.Unlock()
	fakeTime = &t
	return func() {
		clockMu.Lock()
		defer clockMu.Unlock()
		fakeTime = nil
	}
}

// advanceFakeTime moves the pinned clock forward. It panics without setFakeTime.
func advanceFakeTime(d time.Duration) {
	clockMu.Lock()
	defer clockMu.Unlock()
	if fakeTime == nil {
		panic("advanceFakeTime called without setFakeTime")
	}
	next := fakeTime.Add(d)
	fakeTime = &next
}
