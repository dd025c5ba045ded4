package main

import "time"

// Clock is the time source for every grace window and ticker in the gate.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a handle to a scheduled callback.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// timerSet tracks outstanding timers by name so a session can cancel all of
// them when it reaches a terminal state. Not safe for concurrent use; callers
// hold their own lock.
type timerSet struct {
	timers map[string]Timer
}

func newTimerSet() *timerSet {
	return &timerSet{timers: make(map[string]Timer)}
}

func (ts *timerSet) put(name string, t Timer) {
	if old, ok := ts.timers[name]; ok {
		old.Stop()
	}
	ts.timers[name] = t
}

func (ts *timerSet) stop(name string) {
	if t, ok := ts.timers[name]; ok {
		t.Stop()
		delete(ts.timers, name)
	}
}

// forget drops name if it still refers to t. Fired timers call it so a
// replacement scheduled under the same name is kept.
func (ts *timerSet) forget(name string, t Timer) {
	if cur, ok := ts.timers[name]; ok && cur == t {
		delete(ts.timers, name)
	}
}

func (ts *timerSet) stopAll() int {
	n := 0
	for name, t := range ts.timers {
		if t.Stop() {
			n++
		}
		delete(ts.timers, name)
	}
	return n
}

func (ts *timerSet) len() int {
	return len(ts.timers)
}
