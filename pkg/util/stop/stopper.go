// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

// Package stop provides the Stopper, which manages the lifecycle of a group
// of asynchronous tasks. Components register work with the Stopper; when the
// Stopper is told to stop it first quiesces, refusing new tasks and waiting
// for in-flight tasks to drain, and only then releases anything waiting on
// full shutdown. This is the mechanism by which an outer object outlives
// every operation it accepted.
package stop

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/jisqyv/rethinkdb/pkg/util/syncutil"
)

// ErrUnavailable indicates that the Stopper is quiescing and no new tasks
// are accepted.
var ErrUnavailable = errors.New("node unavailable; try another peer")

// A Stopper provides control over the lifecycle of goroutines started
// through it via its RunTask and RunAsyncTask methods.
//
// When Stop is invoked, the Stopper:
//
//   - it invokes Quiesce, which causes the Stopper to refuse new work,
//     cancels the contexts obtained via WithCancelOnQuiesce, and blocks until
//     all active tasks have completed;
//   - it runs the closers registered via AddCloser.
type Stopper struct {
	quiescer chan struct{}
	stopped  chan struct{}

	mu struct {
		syncutil.Mutex
		quiescing bool
		numTasks  int
		idle      sync.Cond
		cancels   []context.CancelFunc
		closers   []func()
	}
}

// NewStopper returns an instance of Stopper.
func NewStopper() *Stopper {
	s := &Stopper{
		quiescer: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	s.mu.idle.L = &s.mu.Mutex
	return s
}

// RunTask adds one to the count of tasks left to quiesce in the system.
// Any worker that takes a long time to run, or which acquires resources that
// must be released on shutdown, should be launched through this method.
//
// Returns ErrUnavailable if the Stopper is quiescing.
func (s *Stopper) RunTask(ctx context.Context, taskName string, f func(context.Context)) error {
	if !s.runPrelude() {
		return ErrUnavailable
	}
	defer s.runPostlude()
	f(ctx)
	return nil
}

// RunAsyncTask is like RunTask, except the callback f is run in a goroutine.
func (s *Stopper) RunAsyncTask(ctx context.Context, taskName string, f func(context.Context)) error {
	if !s.runPrelude() {
		return ErrUnavailable
	}
	go func() {
		defer s.runPostlude()
		f(ctx)
	}()
	return nil
}

func (s *Stopper) runPrelude() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.quiescing {
		return false
	}
	s.mu.numTasks++
	return true
}

func (s *Stopper) runPostlude() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.numTasks--
	if s.mu.numTasks == 0 {
		s.mu.idle.Broadcast()
	}
}

// NumTasks returns the number of active tasks.
func (s *Stopper) NumTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.numTasks
}

// WithCancelOnQuiesce returns a child context which is canceled when the
// returned cancel function is called or when the Stopper begins to quiesce,
// whichever happens first.
func (s *Stopper) WithCancelOnQuiesce(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.quiescing {
		cancel()
		return ctx, cancel
	}
	s.mu.cancels = append(s.mu.cancels, cancel)
	return ctx, cancel
}

// AddCloser registers a function to run after the Stopper has quiesced.
func (s *Stopper) AddCloser(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopped:
		// Stopper already stopped; run the closer immediately.
		s.mu.Unlock()
		f()
		s.mu.Lock()
	default:
		s.mu.closers = append(s.mu.closers, f)
	}
}

// ShouldQuiesce returns a channel which will be closed when Stop has been
// invoked and outstanding tasks should begin to drain.
func (s *Stopper) ShouldQuiesce() <-chan struct{} {
	return s.quiescer
}

// IsStopped returns a channel which will be closed after Stop has completed.
func (s *Stopper) IsStopped() <-chan struct{} {
	return s.stopped
}

// Quiesce moves the Stopper to the quiescing state, cancels registered
// contexts, and blocks until all active tasks have drained.
func (s *Stopper) Quiesce(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mu.quiescing {
		s.mu.quiescing = true
		close(s.quiescer)
		for _, cancel := range s.mu.cancels {
			cancel()
		}
		s.mu.cancels = nil
	}
	for s.mu.numTasks > 0 {
		s.mu.idle.Wait()
	}
}

// Stop quiesces, runs closers, and marks the Stopper stopped. It is
// idempotent.
func (s *Stopper) Stop(ctx context.Context) {
	s.Quiesce(ctx)

	s.mu.Lock()
	select {
	case <-s.stopped:
		s.mu.Unlock()
		return
	default:
	}
	closers := s.mu.closers
	s.mu.closers = nil
	close(s.stopped)
	s.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}
