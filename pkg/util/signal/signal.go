// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

// Package signal provides a one-shot pulse primitive. A Signal starts
// unpulsed; the first Pulse records an optional reason and closes the
// channel returned by C, waking every waiter. Later pulses are no-ops, so a
// Signal can safely be pulsed from several teardown paths.
package signal

import "github.com/jisqyv/rethinkdb/pkg/util/syncutil"

// Signal is a level-triggered, single-transition condition.
type Signal struct {
	mu     syncutil.Mutex
	ch     chan struct{}
	pulsed bool
	reason string
}

// New returns an unpulsed Signal.
func New() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Pulsed returns a Signal that is already pulsed with the given reason.
func Pulsed(reason string) *Signal {
	s := New()
	s.Pulse(reason)
	return s
}

// Pulse fires the signal. The first caller's reason is retained; later
// calls have no effect.
func (s *Signal) Pulse(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pulsed {
		return
	}
	s.pulsed = true
	s.reason = reason
	close(s.ch)
}

// C returns a channel that is closed once the signal has been pulsed.
func (s *Signal) C() <-chan struct{} {
	return s.ch
}

// IsPulsed reports whether the signal has fired.
func (s *Signal) IsPulsed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulsed
}

// Reason returns the reason recorded by the pulse that fired the signal. It
// returns the empty string if the signal has not fired.
func (s *Signal) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}
