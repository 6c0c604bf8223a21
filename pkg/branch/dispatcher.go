// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

package branch

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jisqyv/rethinkdb/pkg/mailbox"
	"github.com/jisqyv/rethinkdb/pkg/protocol"
	"github.com/jisqyv/rethinkdb/pkg/registration"
	"github.com/jisqyv/rethinkdb/pkg/util/log"
	"github.com/jisqyv/rethinkdb/pkg/util/signal"
	"github.com/jisqyv/rethinkdb/pkg/util/stop"
	"github.com/jisqyv/rethinkdb/pkg/util/syncutil"
)

// DispatcherConfig carries a MirrorDispatcher's dependencies.
type DispatcherConfig struct {
	Stopper *stop.Stopper
	Network *mailbox.Network
	Manager *mailbox.Manager
	Metrics *Metrics
}

// mirrorEntry is one registered mirror as the dispatcher sees it.
type mirrorEntry struct {
	data  MirrorData
	alive *signal.Signal
}

// MirrorDispatcher broadcasts writes to every registered mirror and routes
// each read to one read-capable mirror. It owns the branch's transition
// clock: every write gets the next timestamp, and because each mirror's
// writes arrive through a single mailbox, every mirror applies them in that
// order.
//
// The dispatcher is the registrar's callback target; its mirror table
// changes only through registration events.
type MirrorDispatcher struct {
	cfg    DispatcherConfig
	branch BranchID

	mu struct {
		syncutil.Mutex
		nextTS  protocol.TransitionTimestamp
		mirrors map[registration.RegistrationID]*mirrorEntry
		// changed is closed and replaced whenever the mirror set changes.
		changed chan struct{}
	}
}

var _ registration.Callbacks[MirrorData] = (*MirrorDispatcher)(nil)

// NewMirrorDispatcher returns a dispatcher for branch whose first write will
// be the transition leaving state at.
func NewMirrorDispatcher(
	cfg DispatcherConfig, branch BranchID, at protocol.StateTimestamp,
) *MirrorDispatcher {
	d := &MirrorDispatcher{cfg: cfg, branch: branch}
	d.mu.nextTS = at.Next()
	d.mu.mirrors = make(map[registration.RegistrationID]*mirrorEntry)
	d.mu.changed = make(chan struct{})
	return d
}

// membershipChanged wakes every WaitForMirrors waiter. Callers must hold
// d.mu.
func (d *MirrorDispatcher) membershipChanged() {
	close(d.mu.changed)
	d.mu.changed = make(chan struct{})
}

// WaitForMirrors blocks until at least n mirrors are registered.
func (d *MirrorDispatcher) WaitForMirrors(ctx context.Context, n int) error {
	for {
		d.mu.Lock()
		if len(d.mu.mirrors) >= n {
			d.mu.Unlock()
			return nil
		}
		ch := d.mu.changed
		d.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return protocol.MarkInterrupted(ctx.Err())
		case <-d.cfg.Stopper.ShouldQuiesce():
			return stop.ErrUnavailable
		}
	}
}

// Branch returns the branch this dispatcher serves.
func (d *MirrorDispatcher) Branch() BranchID { return d.branch }

// CurrentTimestamp returns the state reached by the writes dispatched so
// far.
func (d *MirrorDispatcher) CurrentTimestamp() protocol.StateTimestamp {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mu.nextTS.Before()
}

// NumMirrors returns the size of the live mirror set.
func (d *MirrorDispatcher) NumMirrors() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.mu.mirrors)
}

// OnCreate adds a mirror to the live set.
func (d *MirrorDispatcher) OnCreate(
	ctx context.Context, id registration.RegistrationID, peer mailbox.PeerID, data MirrorData,
) {
	alive := d.cfg.Network.Liveness(d.cfg.Manager.Peer(), peer)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mu.mirrors[id] = &mirrorEntry{data: data, alive: alive}
	d.membershipChanged()
	d.cfg.Metrics.RegisteredMirrors.Inc()
	log.Infof(ctx, "branch %s: mirror %s registered (writeread=%t read=%t)",
		d.branch, data.Mirror, !data.WriteRead.IsNil(), !data.Read.IsNil())
}

// OnDelete removes a mirror from the live set.
func (d *MirrorDispatcher) OnDelete(ctx context.Context, id registration.RegistrationID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.mu.mirrors[id]; ok {
		delete(d.mu.mirrors, id)
		d.membershipChanged()
		d.cfg.Metrics.RegisteredMirrors.Dec()
		log.Infof(ctx, "branch %s: mirror %s deregistered", d.branch, e.data.Mirror)
	}
}

// Read routes op to one read-capable mirror and returns its reply. It fails
// with ErrInsufficientMirrors if no mirror serves reads, and with
// ErrMirrorLost if the chosen mirror dies before replying; it never retries
// on another mirror.
func (d *MirrorDispatcher) Read(
	ctx context.Context, op protocol.ReadOp,
) (protocol.ReadResponse, error) {
	d.mu.Lock()
	var picked *mirrorEntry
	for _, e := range d.mu.mirrors {
		if !e.data.Read.IsNil() && !e.alive.IsPulsed() {
			picked = e
			break
		}
	}
	d.mu.Unlock()
	if picked == nil {
		d.cfg.Metrics.FailedDispatches.Inc()
		return nil, errors.Mark(
			errors.New("no read-capable mirror is registered"), ErrInsufficientMirrors)
	}

	replyCh := make(chan ReadReply, 1)
	replyMB, err := mailbox.Open(ctx, d.cfg.Manager, func(ctx context.Context, r ReadReply) {
		select {
		case replyCh <- r:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer replyMB.Close()

	mailbox.Send(ctx, d.cfg.Network, picked.data.Read, ReadRequest{
		Op:      op,
		ReplyTo: replyMB.Address(),
	})
	d.cfg.Metrics.DispatchedReads.Inc()

	select {
	case r := <-replyCh:
		if r.Err != "" {
			return nil, errors.Newf("mirror %s: %s", picked.data.Mirror, r.Err)
		}
		return r.Response, nil
	case <-picked.alive.C():
		d.cfg.Metrics.FailedDispatches.Inc()
		return nil, errors.Mark(
			errors.Newf("mirror %s died before replying", picked.data.Mirror), ErrMirrorLost)
	case <-ctx.Done():
		return nil, protocol.MarkInterrupted(ctx.Err())
	case <-d.cfg.Stopper.ShouldQuiesce():
		return nil, stop.ErrUnavailable
	}
}

// Write assigns the next transition timestamp and broadcasts op to the whole
// mirror set. Writeread-capable mirrors receive it through their writeread
// mailbox and produce the response; the rest receive it through their write
// mailbox and ack. Write returns once one response has arrived and every
// mirror has acked or been observed lost. It fails with
// ErrInsufficientMirrors when no writeread mirror is registered, and with
// ErrMirrorLost when every writeread mirror dies before responding; acks
// already received stand either way.
func (d *MirrorDispatcher) Write(
	ctx context.Context, op protocol.WriteOp,
) (protocol.WriteResponse, error) {
	d.mu.Lock()
	targets := make([]*mirrorEntry, 0, len(d.mu.mirrors))
	numWriteread := 0
	for _, e := range d.mu.mirrors {
		targets = append(targets, e)
		if !e.data.WriteRead.IsNil() {
			numWriteread++
		}
	}
	if numWriteread == 0 {
		d.mu.Unlock()
		d.cfg.Metrics.FailedDispatches.Inc()
		return nil, errors.Mark(
			errors.New("no writeread-capable mirror is registered"), ErrInsufficientMirrors)
	}
	ts := d.mu.nextTS
	d.mu.nextTS++
	d.mu.Unlock()
	d.cfg.Metrics.DispatchedWrites.Inc()

	respCh := make(chan WriteReadReply, 1)
	done := make(chan error, len(targets))
	for _, e := range targets {
		e := e
		if err := d.cfg.Stopper.RunAsyncTask(ctx, "dispatch-write", func(ctx context.Context) {
			done <- d.writeToMirror(ctx, e, op, ts, respCh)
		}); err != nil {
			done <- err
		}
	}

	var firstErr error
	for range targets {
		if err := <-done; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, protocol.MarkInterrupted(firstErr)
	}

	select {
	case r := <-respCh:
		if r.Err != "" {
			return nil, errors.Newf("writeread mirror: %s", r.Err)
		}
		return r.Response, nil
	default:
		d.cfg.Metrics.FailedDispatches.Inc()
		return nil, errors.Mark(
			errors.New("every writeread-capable mirror died before responding"), ErrMirrorLost)
	}
}

// writeToMirror delivers one write to one mirror and waits for its ack or
// response. A lost mirror is not an error here; the caller decides what the
// losses mean once the whole broadcast has settled.
func (d *MirrorDispatcher) writeToMirror(
	ctx context.Context,
	e *mirrorEntry,
	op protocol.WriteOp,
	ts protocol.TransitionTimestamp,
	respCh chan WriteReadReply,
) error {
	settled := make(chan struct{})
	if !e.data.WriteRead.IsNil() {
		replyMB, err := mailbox.Open(ctx, d.cfg.Manager, func(ctx context.Context, r WriteReadReply) {
			select {
			case respCh <- r:
			default:
			}
			select {
			case <-settled:
			default:
				close(settled)
			}
		})
		if err != nil {
			return err
		}
		defer replyMB.Close()
		mailbox.Send(ctx, d.cfg.Network, e.data.WriteRead, WriteReadRequest{
			Op:      op,
			TS:      ts,
			ReplyTo: replyMB.Address(),
		})
	} else {
		ackMB, err := mailbox.Open(ctx, d.cfg.Manager, func(ctx context.Context, _ WriteAck) {
			select {
			case <-settled:
			default:
				close(settled)
			}
		})
		if err != nil {
			return err
		}
		defer ackMB.Close()
		mailbox.Send(ctx, d.cfg.Network, e.data.Write, WriteRequest{
			Op:    op,
			TS:    ts,
			AckTo: ackMB.Address(),
		})
	}

	select {
	case <-settled:
		return nil
	case <-e.alive.C():
		log.Warningf(ctx, "branch %s: mirror %s lost mid-write at %s",
			d.branch, e.data.Mirror, ts)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.cfg.Stopper.ShouldQuiesce():
		return stop.ErrUnavailable
	}
}
