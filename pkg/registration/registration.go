// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

// Package registration implements a lease-like registration protocol. A
// Registrar accepts create and delete messages on two mailboxes and keeps a
// table of live registrations; a Registrant publishes one registration and
// guarantees that exactly one delete is sent for it, no matter how the
// registrant goes away. Deregistration is armed before the create message is
// sent, so even a registrant that fails mid-construction cleans up after
// itself.
package registration

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jisqyv/rethinkdb/pkg/mailbox"
	"github.com/jisqyv/rethinkdb/pkg/resource"
	"github.com/jisqyv/rethinkdb/pkg/semilattice"
	"github.com/jisqyv/rethinkdb/pkg/util/log"
	"github.com/jisqyv/rethinkdb/pkg/util/signal"
	"github.com/jisqyv/rethinkdb/pkg/util/stop"
	"github.com/jisqyv/rethinkdb/pkg/util/syncutil"
)

// RegistrationID identifies one registration. Minted by the registrant.
type RegistrationID uuid.UUID

func (id RegistrationID) String() string { return uuid.UUID(id).String() }

// NewRegistrationID mints a fresh id.
func NewRegistrationID() RegistrationID { return RegistrationID(uuid.New()) }

// BusinessCard is the registrar's advertised handle: where to send creates
// and deletes.
type BusinessCard struct {
	Create mailbox.Address
	Delete mailbox.Address
}

// CreateMessage announces a new registration.
type CreateMessage[T any] struct {
	ID    RegistrationID
	Peer  mailbox.PeerID
	Value T
}

// DeleteMessage withdraws a registration. Deletes for unknown ids are
// ignored; they arise from retransmits and from deletes that outran their
// create.
type DeleteMessage struct {
	ID RegistrationID
}

// Callbacks receive registration lifecycle events. Calls are serialized:
// for a given registrar, at most one callback runs at a time, and OnDelete
// for an id follows its OnCreate.
type Callbacks[T any] interface {
	OnCreate(ctx context.Context, id RegistrationID, peer mailbox.PeerID, value T)
	OnDelete(ctx context.Context, id RegistrationID)
}

// RegistrarConfig carries a Registrar's dependencies.
type RegistrarConfig[T any] struct {
	Stopper   *stop.Stopper
	Network   *mailbox.Network
	Manager   *mailbox.Manager
	Callbacks Callbacks[T]
}

// Registrar keeps the live registration table. A registration leaves the
// table when its delete arrives or when its peer's liveness signal pulses,
// whichever happens first.
type Registrar[T any] struct {
	cfg      RegistrarConfig[T]
	createMB *mailbox.Mailbox[CreateMessage[T]]
	deleteMB *mailbox.Mailbox[DeleteMessage]

	mu struct {
		syncutil.Mutex
		closed bool
		live   map[RegistrationID]mailbox.PeerID
		// deleted remembers ids whose delete has been processed, so a create
		// that arrives after its own delete does not resurrect it.
		deleted map[RegistrationID]struct{}
		// watched marks peers whose liveness is already being observed.
		watched map[mailbox.PeerID]struct{}
	}
}

// NewRegistrar opens the registrar's mailboxes and returns it.
func NewRegistrar[T any](ctx context.Context, cfg RegistrarConfig[T]) (*Registrar[T], error) {
	r := &Registrar[T]{cfg: cfg}
	r.mu.live = make(map[RegistrationID]mailbox.PeerID)
	r.mu.deleted = make(map[RegistrationID]struct{})
	r.mu.watched = make(map[mailbox.PeerID]struct{})

	var err error
	r.createMB, err = mailbox.Open(ctx, cfg.Manager, r.handleCreate)
	if err != nil {
		return nil, errors.Wrap(err, "opening create mailbox")
	}
	r.deleteMB, err = mailbox.Open(ctx, cfg.Manager, r.handleDelete)
	if err != nil {
		r.createMB.Close()
		return nil, errors.Wrap(err, "opening delete mailbox")
	}
	return r, nil
}

// BusinessCard returns the registrar's mailbox addresses.
func (r *Registrar[T]) BusinessCard() BusinessCard {
	return BusinessCard{
		Create: r.createMB.Address(),
		Delete: r.deleteMB.Address(),
	}
}

// NumLive returns the number of live registrations.
func (r *Registrar[T]) NumLive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mu.live)
}

func (r *Registrar[T]) handleCreate(ctx context.Context, msg CreateMessage[T]) {
	r.mu.Lock()
	if r.mu.closed {
		r.mu.Unlock()
		return
	}
	if _, ok := r.mu.deleted[msg.ID]; ok {
		// The delete outran the create.
		r.mu.Unlock()
		return
	}
	if _, ok := r.mu.live[msg.ID]; ok {
		log.Warningf(ctx, "ignoring duplicate registration %s", msg.ID)
		r.mu.Unlock()
		return
	}
	r.mu.live[msg.ID] = msg.Peer
	needWatch := false
	if _, ok := r.mu.watched[msg.Peer]; !ok {
		r.mu.watched[msg.Peer] = struct{}{}
		needWatch = true
	}
	// Held across the callback to serialize lifecycle events.
	defer r.mu.Unlock()

	if needWatch {
		alive := r.cfg.Network.Liveness(r.cfg.Manager.Peer(), msg.Peer)
		peer := msg.Peer
		if err := r.cfg.Stopper.RunAsyncTask(ctx, "registrar-peer-watcher", func(ctx context.Context) {
			select {
			case <-alive.C():
				r.peerLost(ctx, peer)
			case <-r.cfg.Stopper.ShouldQuiesce():
			}
		}); err != nil {
			log.Warningf(ctx, "not watching peer %s: %v", msg.Peer, err)
		}
	}
	r.cfg.Callbacks.OnCreate(ctx, msg.ID, msg.Peer, msg.Value)
}

func (r *Registrar[T]) handleDelete(ctx context.Context, msg DeleteMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteLocked(ctx, msg.ID)
}

// deleteLocked removes id if live and records it as deleted. Idempotent.
func (r *Registrar[T]) deleteLocked(ctx context.Context, id RegistrationID) {
	if _, ok := r.mu.deleted[id]; ok {
		return
	}
	r.mu.deleted[id] = struct{}{}
	if _, ok := r.mu.live[id]; !ok {
		return
	}
	delete(r.mu.live, id)
	if !r.mu.closed {
		r.cfg.Callbacks.OnDelete(ctx, id)
	}
}

// peerLost withdraws every registration owned by peer.
func (r *Registrar[T]) peerLost(ctx context.Context, peer mailbox.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mu.closed {
		return
	}
	var ids []RegistrationID
	for id, p := range r.mu.live {
		if p == peer {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		log.Infof(ctx, "peer %s lost; withdrawing registration %s", peer, id)
		r.deleteLocked(ctx, id)
	}
}

// Close withdraws every live registration, invoking OnDelete for each, and
// closes the mailboxes. Messages delivered afterwards are dropped.
func (r *Registrar[T]) Close(ctx context.Context) {
	r.mu.Lock()
	if r.mu.closed {
		r.mu.Unlock()
		return
	}
	var ids []RegistrationID
	for id := range r.mu.live {
		ids = append(ids, id)
	}
	for _, id := range ids {
		r.deleteLocked(ctx, id)
	}
	r.mu.closed = true
	r.mu.Unlock()

	r.createMB.Close()
	r.deleteMB.Close()
}

// TestingKnobs provide test hooks into the registrant's construction path.
type TestingKnobs struct {
	// PostCreateSend runs after the create message has been sent but before
	// the registrant checks the resource for failure.
	PostCreateSend func()
}

// RegistrantConfig carries a Registrant's dependencies.
type RegistrantConfig[T any] struct {
	Stopper *stop.Stopper
	Network *mailbox.Network
	Manager *mailbox.Manager
	// View describes the registrar's advertised business card.
	View  semilattice.ReadView[resource.Metadata[BusinessCard]]
	Value T
	Knobs TestingKnobs
}

// Registrant is one side of a registration. Construction sends the create;
// Close sends the delete. Exactly one delete is sent per registrant, even
// when construction itself fails after the create went out.
type Registrant[T any] struct {
	id     RegistrationID
	cfg    RegistrantConfig[T]
	access *resource.Access[BusinessCard]

	mu struct {
		syncutil.Mutex
		deregistered bool
	}
}

// NewRegistrant registers cfg.Value with the registrar described by
// cfg.View. It fails with ErrResourceLost if the registrar is gone at
// construction or is observed gone immediately after the create was sent; in
// the latter case the delete has already been dispatched.
func NewRegistrant[T any](ctx context.Context, cfg RegistrantConfig[T]) (*Registrant[T], error) {
	access, err := resource.NewAccess[BusinessCard](
		ctx, cfg.Stopper, cfg.Network, cfg.Manager.Peer(), cfg.View)
	if err != nil {
		return nil, err
	}

	r := &Registrant[T]{
		id:     NewRegistrationID(),
		cfg:    cfg,
		access: access,
	}

	// The deregister path is valid from here on. Anything that goes wrong
	// after the create send is unwound through Close, which fires it.
	mailbox.Send(ctx, cfg.Network, access.Value().Create, CreateMessage[T]{
		ID:    r.id,
		Peer:  cfg.Manager.Peer(),
		Value: cfg.Value,
	})

	if cfg.Knobs.PostCreateSend != nil {
		cfg.Knobs.PostCreateSend()
	}

	if access.Lost() {
		r.Close(ctx)
		return nil, errors.Mark(
			errors.New("registrar lost during registration"), resource.ErrResourceLost)
	}
	return r, nil
}

// ID returns the registration's id.
func (r *Registrant[T]) ID() RegistrationID { return r.id }

// Failed returns the signal that pulses if the registrar goes away.
func (r *Registrant[T]) Failed() *signal.Signal { return r.access.Failed() }

// Close sends the registration's delete. Safe to call more than once; only
// the first call sends.
func (r *Registrant[T]) Close(ctx context.Context) {
	r.mu.Lock()
	if r.mu.deregistered {
		r.mu.Unlock()
		return
	}
	r.mu.deregistered = true
	r.mu.Unlock()

	mailbox.Send(ctx, r.cfg.Network, r.access.Value().Delete, DeleteMessage{ID: r.id})
}
