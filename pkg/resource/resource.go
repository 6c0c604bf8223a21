// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

// Package resource lets one peer advertise a service handle (typically a set
// of mailbox addresses) through the semilattice and lets other peers access
// it with a well-defined failure story. An Advertisement publishes the
// handle and withdraws it on Close; an Access captures the handle at
// construction and exposes a failed signal that pulses when the advertiser
// withdraws or its peer dies.
package resource

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jisqyv/rethinkdb/pkg/mailbox"
	"github.com/jisqyv/rethinkdb/pkg/semilattice"
	"github.com/jisqyv/rethinkdb/pkg/util/signal"
	"github.com/jisqyv/rethinkdb/pkg/util/stop"
)

// ErrResourceLost marks failures caused by a referenced resource having been
// torn down or its peer having died. It is surfaced at access time, never
// retried by this package.
var ErrResourceLost = errors.New("resource lost")

// State is the lifecycle phase of an advertised resource. Later phases join
// over earlier ones, so a withdrawal is never un-observed.
type State int

const (
	// Unknown means no advertisement has been seen yet.
	Unknown State = iota
	// Live means the resource is advertised and usable.
	Live
	// Destroyed means the advertiser withdrew the resource.
	Destroyed
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Live:
		return "live"
	case Destroyed:
		return "destroyed"
	default:
		return "invalid"
	}
}

// Metadata is the semilattice value describing one resource.
type Metadata[T any] struct {
	State State
	Peer  mailbox.PeerID
	Value T
}

// Join keeps whichever side is further along the lifecycle.
func (m Metadata[T]) Join(other Metadata[T]) Metadata[T] {
	if other.State > m.State {
		return other
	}
	return m
}

// Advertisement publishes a resource handle. The zero value is not usable;
// construct with Advertise.
type Advertisement[T any] struct {
	view semilattice.ReadWriteView[Metadata[T]]
	peer mailbox.PeerID
}

// Advertise publishes value under view as a live resource owned by peer.
func Advertise[T any](
	view semilattice.ReadWriteView[Metadata[T]], peer mailbox.PeerID, value T,
) *Advertisement[T] {
	view.Join(Metadata[T]{State: Live, Peer: peer, Value: value})
	return &Advertisement[T]{view: view, peer: peer}
}

// Close withdraws the advertisement. Every Access watching it fails.
func (a *Advertisement[T]) Close() {
	a.view.Join(Metadata[T]{State: Destroyed, Peer: a.peer})
}

// Access is a capability to use an advertised resource. The handle value is
// captured at construction; Failed pulses when the resource is withdrawn or
// its peer becomes unreachable.
type Access[T any] struct {
	value  T
	failed *signal.Signal
	view   semilattice.ReadView[Metadata[T]]
	alive  *signal.Signal
}

// NewAccess opens an access to the resource described by view, watching peer
// liveness on n from localPeer's point of view. It fails with ErrResourceLost
// if the resource is not live at construction. The watcher runs under
// stopper and stops pulsing once the stopper quiesces.
func NewAccess[T any](
	ctx context.Context,
	stopper *stop.Stopper,
	n *mailbox.Network,
	localPeer mailbox.PeerID,
	view semilattice.ReadView[Metadata[T]],
) (*Access[T], error) {
	md := view.Get()
	switch md.State {
	case Live:
	case Unknown:
		return nil, errors.Mark(errors.New("resource has not been advertised"), ErrResourceLost)
	default:
		return nil, errors.Mark(errors.New("resource has been destroyed"), ErrResourceLost)
	}

	alive := n.Liveness(localPeer, md.Peer)
	if alive.IsPulsed() {
		return nil, errors.Mark(
			errors.Newf("resource peer unreachable: %s", alive.Reason()), ErrResourceLost)
	}

	a := &Access[T]{value: md.Value, failed: signal.New(), view: view, alive: alive}
	if err := stopper.RunAsyncTask(ctx, "resource-access-watcher", func(ctx context.Context) {
		a.watch(ctx, stopper, view, alive)
	}); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Access[T]) watch(
	ctx context.Context,
	stopper *stop.Stopper,
	view semilattice.ReadView[Metadata[T]],
	alive *signal.Signal,
) {
	for {
		ch := view.Changed()
		if view.Get().State == Destroyed {
			a.failed.Pulse("resource destroyed by advertiser")
			return
		}
		select {
		case <-ch:
		case <-alive.C():
			a.failed.Pulse(alive.Reason())
			return
		case <-stopper.ShouldQuiesce():
			return
		case <-ctx.Done():
			return
		}
	}
}

// Value returns the handle captured at construction. It stays valid to read
// after failure; using it to reach the peer will simply go nowhere.
func (a *Access[T]) Value() T { return a.value }

// Failed returns the signal that pulses when the resource is lost.
func (a *Access[T]) Failed() *signal.Signal { return a.failed }

// Lost reports whether the resource is known lost right now. Unlike Failed,
// which pulses from the watcher, Lost consults the current metadata and peer
// liveness directly, so it observes a withdrawal the instant it is joined.
func (a *Access[T]) Lost() bool {
	if a.failed.IsPulsed() {
		return true
	}
	return a.view.Get().State == Destroyed || a.alive.IsPulsed()
}
