// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

// Package semilattice propagates cluster metadata as join-semilattice
// values. A Var holds a value whose type supplies an associative,
// commutative, idempotent Join; every peer that joins in its own view of the
// metadata converges to the same value regardless of delivery order.
//
// Consumers hold views: a ReadView yields snapshots plus a change
// subscription, a ReadWriteView additionally accepts joins. Views compose:
// Field projects a struct field out of a larger value, Member projects one
// key of a map-shaped value. Mutations through a projection join back into
// the parent, so a projection is a true window, not a copy.
package semilattice

import (
	"context"

	"github.com/jisqyv/rethinkdb/pkg/util/syncutil"
)

// Joinable is implemented by semilattice value types. Join must be
// associative, commutative, and idempotent.
type Joinable[T any] interface {
	Join(other T) T
}

// ReadView is a read-only window onto a semilattice value.
type ReadView[T any] interface {
	// Get returns a snapshot of the current value.
	Get() T
	// Changed returns a channel that is closed the next time the value is
	// joined. Obtain the channel before calling Get to avoid missing an
	// update between the snapshot and the wait.
	Changed() <-chan struct{}
}

// ReadWriteView is a window that also accepts joins.
type ReadWriteView[T any] interface {
	ReadView[T]
	// Join merges other into the value and wakes watchers.
	Join(other T)
}

// Var is the root holder of a semilattice value.
type Var[T Joinable[T]] struct {
	mu struct {
		syncutil.Mutex
		value   T
		version uint64
		changed chan struct{}
	}
}

var _ ReadWriteView[dummy] = (*Var[dummy])(nil)

// dummy exists only to state the interface assertion above.
type dummy struct{}

func (dummy) Join(dummy) dummy { return dummy{} }

// NewVar returns a Var holding initial.
func NewVar[T Joinable[T]](initial T) *Var[T] {
	v := &Var[T]{}
	v.mu.value = initial
	v.mu.changed = make(chan struct{})
	return v
}

// Get returns a snapshot of the current value.
func (v *Var[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mu.value
}

// Version returns the number of joins applied so far.
func (v *Var[T]) Version() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mu.version
}

// Changed returns a channel closed at the next join.
func (v *Var[T]) Changed() <-chan struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mu.changed
}

// Join merges other into the value. Every call bumps the version and wakes
// watchers, even when the merge leaves the value unchanged.
func (v *Var[T]) Join(other T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mu.value = v.mu.value.Join(other)
	v.mu.version++
	close(v.mu.changed)
	v.mu.changed = make(chan struct{})
}

// fieldView projects a part out of a parent view. Reads apply get to the
// parent's snapshot; joins lift the part into a parent value carrying the
// join identity everywhere else and join that into the parent.
type fieldView[T, F any] struct {
	parent ReadWriteView[T]
	get    func(T) F
	lift   func(F) T
}

// Field returns a view of the part of parent selected by get. lift must
// embed a part value into a parent value that is the identity outside the
// part, so that joining the lifted value touches only the projected part.
func Field[T, F any](parent ReadWriteView[T], get func(T) F, lift func(F) T) ReadWriteView[F] {
	return &fieldView[T, F]{parent: parent, get: get, lift: lift}
}

func (f *fieldView[T, F]) Get() F                   { return f.get(f.parent.Get()) }
func (f *fieldView[T, F]) Changed() <-chan struct{} { return f.parent.Changed() }
func (f *fieldView[T, F]) Join(other F)             { f.parent.Join(f.lift(other)) }

// Map is a map-shaped semilattice: Join merges keywise. The zero value of V
// is the join identity for absent keys.
type Map[K comparable, V Joinable[V]] map[K]V

// Join merges other into m keywise and returns the result. Neither input is
// mutated.
func (m Map[K, V]) Join(other Map[K, V]) Map[K, V] {
	if len(other) == 0 {
		return m
	}
	out := make(Map[K, V], len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		if cur, ok := out[k]; ok {
			out[k] = cur.Join(v)
		} else {
			out[k] = v
		}
	}
	return out
}

// Member returns a view of one key of a map-shaped parent. An absent key
// reads as the zero V; a join through the view publishes the key.
func Member[K comparable, V Joinable[V]](parent ReadWriteView[Map[K, V]], key K) ReadWriteView[V] {
	return Field(parent,
		func(m Map[K, V]) V { return m[key] },
		func(v V) Map[K, V] { return Map[K, V]{key: v} })
}

// Wait blocks until pred holds for the view's value and returns that value.
// It returns ctx.Err() if the context is done first.
func Wait[T any](ctx context.Context, view ReadView[T], pred func(T) bool) (T, error) {
	for {
		ch := view.Changed()
		cur := view.Get()
		if pred(cur) {
			return cur, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}
