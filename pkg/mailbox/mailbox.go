// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

// Package mailbox provides the cluster's message fabric. A Manager owns a
// peer's mailboxes; a Mailbox is a typed destination identified by an
// Address; Send delivers a message to an address with at-most-once,
// per-sender-per-address FIFO semantics.
//
// Delivery is best effort. A message to a dead or disconnected peer is
// dropped silently; senders that need to know about peer death watch the
// liveness signal returned by Network.Liveness.
package mailbox

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jisqyv/rethinkdb/pkg/util/log"
	"github.com/jisqyv/rethinkdb/pkg/util/signal"
	"github.com/jisqyv/rethinkdb/pkg/util/stop"
	"github.com/jisqyv/rethinkdb/pkg/util/syncutil"
)

// ErrSchemaMismatch marks deliveries whose payload type does not match the
// destination mailbox's type. It indicates a programming error or a version
// skew between peers, never a transient fault.
var ErrSchemaMismatch = errors.New("mailbox schema mismatch")

// PeerID identifies a Manager within a Network.
type PeerID uuid.UUID

func (p PeerID) String() string { return uuid.UUID(p).String() }

// MailboxID identifies a mailbox within its Manager.
type MailboxID uint64

// Address names a mailbox anywhere in the cluster. The zero Address is nil:
// sends to it are dropped.
type Address struct {
	Peer PeerID
	ID   MailboxID
}

// IsNil reports whether the address names no mailbox.
func (a Address) IsNil() bool { return a == Address{} }

// envelope is a message in flight. The payload keeps its Go type across the
// fabric; the receiving mailbox checks it against its own type on delivery.
type envelope struct {
	payload any
}

// handler consumes one delivered envelope. It reports ErrSchemaMismatch when
// the payload has the wrong type.
type handlerFunc func(ctx context.Context, env envelope) error

// Network connects a set of Managers. It models the cluster's connectivity:
// tests disconnect peers to exercise failure paths, and liveness signals let
// components react to peer death.
type Network struct {
	mu struct {
		syncutil.Mutex
		peers map[PeerID]*Manager
		// liveness[watcher][target] pulses when target becomes unreachable
		// from watcher's point of view.
		liveness map[PeerID]map[PeerID]*signal.Signal
	}
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	n := &Network{}
	n.mu.peers = make(map[PeerID]*Manager)
	n.mu.liveness = make(map[PeerID]map[PeerID]*signal.Signal)
	return n
}

// NewManager creates a Manager joined to the network. The stopper bounds the
// lifetime of every mailbox consumer the manager starts.
func (n *Network) NewManager(stopper *stop.Stopper) *Manager {
	m := &Manager{
		peer:    PeerID(uuid.New()),
		network: n,
		stopper: stopper,
	}
	m.mu.mailboxes = make(map[MailboxID]*mailboxState)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mu.peers[m.peer] = m
	return m
}

// Liveness returns the signal that pulses when target becomes unreachable
// from watcher. The signal is created on first use; if target is already
// down it is returned pre-pulsed.
func (n *Network) Liveness(watcher, target PeerID) *signal.Signal {
	n.mu.Lock()
	defer n.mu.Unlock()
	byTarget := n.mu.liveness[watcher]
	if byTarget == nil {
		byTarget = make(map[PeerID]*signal.Signal)
		n.mu.liveness[watcher] = byTarget
	}
	s := byTarget[target]
	if s == nil {
		if _, ok := n.mu.peers[target]; ok {
			s = signal.New()
		} else {
			s = signal.Pulsed("peer " + target.String() + " is not connected")
		}
		byTarget[target] = s
	}
	return s
}

// Disconnect removes peer from the network. In-flight and future messages to
// it are dropped, every liveness signal watching it pulses, and so does every
// liveness signal it holds on other peers. Used by tests to simulate peer
// death.
func (n *Network) Disconnect(peer PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.mu.peers[peer]; !ok {
		return
	}
	delete(n.mu.peers, peer)
	reason := "peer " + peer.String() + " disconnected"
	for _, byTarget := range n.mu.liveness {
		if s, ok := byTarget[peer]; ok {
			s.Pulse(reason)
		}
	}
	for _, s := range n.mu.liveness[peer] {
		s.Pulse(reason)
	}
}

// lookup returns the manager for peer, or nil if it is unreachable.
func (n *Network) lookup(peer PeerID) *Manager {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mu.peers[peer]
}

// Manager owns the mailboxes of one peer. Each open mailbox runs a consumer
// goroutine under the manager's stopper; deliveries from one sender to one
// mailbox are handled in send order.
type Manager struct {
	peer    PeerID
	network *Network
	stopper *stop.Stopper

	mu struct {
		syncutil.Mutex
		nextID    MailboxID
		mailboxes map[MailboxID]*mailboxState
	}
}

// Peer returns the manager's identity on the network.
func (m *Manager) Peer() PeerID { return m.peer }

// Network returns the network the manager is joined to.
func (m *Manager) Network() *Network { return m.network }

// mailboxState is the untyped core of a mailbox: a buffered queue drained by
// one consumer goroutine.
type mailboxState struct {
	id      MailboxID
	handler handlerFunc

	mu struct {
		syncutil.Mutex
		queue  []envelope
		closed bool
	}
	// nonEmpty is signalled (buffered, capacity 1) when the queue goes from
	// empty to non-empty.
	nonEmpty chan struct{}
}

func (ms *mailboxState) enqueue(env envelope) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.mu.closed {
		return false
	}
	ms.mu.queue = append(ms.mu.queue, env)
	select {
	case ms.nonEmpty <- struct{}{}:
	default:
	}
	return true
}

func (ms *mailboxState) drain() []envelope {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	q := ms.mu.queue
	ms.mu.queue = nil
	return q
}

func (ms *mailboxState) close() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.mu.closed = true
	ms.mu.queue = nil
}

// register installs a new mailbox state and starts its consumer.
func (m *Manager) register(ctx context.Context, h handlerFunc) (*mailboxState, error) {
	m.mu.Lock()
	m.mu.nextID++
	ms := &mailboxState{
		id:       m.mu.nextID,
		handler:  h,
		nonEmpty: make(chan struct{}, 1),
	}
	m.mu.mailboxes[ms.id] = ms
	m.mu.Unlock()

	if err := m.stopper.RunAsyncTask(ctx, "mailbox-consumer", func(ctx context.Context) {
		m.consume(ctx, ms)
	}); err != nil {
		m.unregister(ms.id)
		return nil, err
	}
	return ms, nil
}

func (m *Manager) unregister(id MailboxID) {
	m.mu.Lock()
	ms := m.mu.mailboxes[id]
	delete(m.mu.mailboxes, id)
	m.mu.Unlock()
	if ms != nil {
		ms.close()
	}
}

func (m *Manager) find(id MailboxID) *mailboxState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mu.mailboxes[id]
}

// consume drains the mailbox queue until the stopper quiesces or the mailbox
// closes. Envelopes from one drain are handled in order.
func (m *Manager) consume(ctx context.Context, ms *mailboxState) {
	for {
		select {
		case <-ms.nonEmpty:
		case <-m.stopper.ShouldQuiesce():
			return
		case <-ctx.Done():
			return
		}
		for _, env := range ms.drain() {
			if err := ms.handler(ctx, env); err != nil {
				log.Errorf(ctx, "mailbox %d on %s: dropping message: %v", ms.id, m.peer, err)
			}
		}
	}
}

// Mailbox is a typed destination for messages of type T. Messages are
// handled by the callback passed to Open, one at a time, in per-sender send
// order. Close unregisters the mailbox; messages delivered afterwards are
// dropped.
type Mailbox[T any] struct {
	manager *Manager
	state   *mailboxState
}

// Open creates a mailbox on m that handles each delivered T with h. The
// handler runs on the mailbox's consumer goroutine; it must not block
// indefinitely, or the mailbox stalls.
func Open[T any](ctx context.Context, m *Manager, h func(ctx context.Context, msg T)) (*Mailbox[T], error) {
	ms, err := m.register(ctx, func(ctx context.Context, env envelope) error {
		msg, ok := env.payload.(T)
		if !ok {
			var want T
			return errors.Mark(
				errors.Newf("payload type %T does not match mailbox type %T", env.payload, want),
				ErrSchemaMismatch)
		}
		h(ctx, msg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Mailbox[T]{manager: m, state: ms}, nil
}

// Address returns the mailbox's cluster-wide address.
func (mb *Mailbox[T]) Address() Address {
	return Address{Peer: mb.manager.peer, ID: mb.state.id}
}

// Close unregisters the mailbox. Pending queued messages are discarded.
func (mb *Mailbox[T]) Close() {
	mb.manager.unregister(mb.state.id)
}

// Send delivers msg to addr with at-most-once semantics. It never blocks on
// the receiver: a message to a nil address, an unreachable peer, or a closed
// mailbox is dropped. Messages from one goroutine to one address are
// delivered in send order.
func Send[T any](ctx context.Context, n *Network, addr Address, msg T) {
	if addr.IsNil() {
		return
	}
	m := n.lookup(addr.Peer)
	if m == nil {
		return
	}
	ms := m.find(addr.ID)
	if ms == nil {
		return
	}
	ms.enqueue(envelope{payload: msg})
}
