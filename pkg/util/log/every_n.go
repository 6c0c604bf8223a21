// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

package log

import (
	"time"

	"github.com/jisqyv/rethinkdb/pkg/util/syncutil"
)

// EveryN provides a way to rate limit spammy log messages. It tracks how
// recently a given log message has been emitted so that it can determine
// whether it's worth logging again.
type EveryN struct {
	// N is the minimum duration of time between log messages.
	N time.Duration

	mu      syncutil.Mutex
	lastLog time.Time
	emitted bool
}

// Every is a convenience constructor for an EveryN object that allows a log
// message every n duration.
func Every(n time.Duration) EveryN {
	return EveryN{N: n}
}

// ShouldLog returns whether it's been at least N time since the last event.
func (e *EveryN) ShouldLog() bool {
	return e.shouldLog(time.Now())
}

func (e *EveryN) shouldLog(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.emitted || now.Sub(e.lastLog) >= e.N {
		e.lastLog = now
		e.emitted = true
		return true
	}
	return false
}
