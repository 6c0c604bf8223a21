// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

package branch

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jisqyv/rethinkdb/pkg/fifo"
	"github.com/jisqyv/rethinkdb/pkg/mailbox"
	"github.com/jisqyv/rethinkdb/pkg/protocol"
	"github.com/jisqyv/rethinkdb/pkg/region"
	"github.com/jisqyv/rethinkdb/pkg/registration"
	"github.com/jisqyv/rethinkdb/pkg/resource"
	"github.com/jisqyv/rethinkdb/pkg/util/log"
	"github.com/jisqyv/rethinkdb/pkg/util/stop"
)

// MasterConfig carries a Master's dependencies.
type MasterConfig struct {
	Stopper *stop.Stopper
	Network *mailbox.Network
	Manager *mailbox.Manager
	Metrics *Metrics
}

// Master owns one branch of a namespace's history. Construction forks a
// fresh branch from a coherent seed store, claims the store by stamping the
// new branch into its metainfo, stands up the branch's registrar and
// dispatcher, and enrolls the seed store as the branch's first mirror. The
// master then advertises client mailboxes through the namespace metadata.
//
// The master pairs with a single client interface. Client requests carry
// tokens from that interface's source; the master admits them through its
// sink in issue order before dispatching, which is what makes operations
// from one origin commit in the order they were issued.
type Master struct {
	cfg    MasterConfig
	branch BranchID

	dispatcher *MirrorDispatcher
	registrar  *registration.Registrar[MirrorData]
	mirror     *Mirror

	sink    *fifo.Sink
	readMB  *mailbox.Mailbox[MasterReadRequest]
	writeMB *mailbox.Mailbox[MasterWriteRequest]

	registrarAd *resource.Advertisement[registration.BusinessCard]
	masterAd    *resource.Advertisement[MasterBusinessCard]
}

// NewMaster forks a new branch seeded by store and publishes it under ns.
// The store must be coherent; an incoherent store is a half-applied state
// that cannot seed a branch.
func NewMaster(
	ctx context.Context, cfg MasterConfig, ns NamespaceView, store protocol.Store,
) (*Master, error) {
	metainfo, err := store.GetMetainfo(ctx, store.NewReadToken())
	if err != nil {
		return nil, err
	}
	decoded, err := DecodeMetainfo(metainfo)
	if err != nil {
		return nil, err
	}
	if !IsCoherent(decoded) {
		return nil, errors.Newf("store is not a coherent snapshot: %s", decoded)
	}
	ts, err := CurrentTimestamp(decoded)
	if err != nil {
		return nil, err
	}

	m := &Master{cfg: cfg, branch: NewBranchID(), sink: fifo.NewSink()}

	// Claim the seed store for the new branch before anything is dispatched,
	// so its metainfo names the branch from the branch's first moment.
	claim := region.NewMap(store.Region(),
		EncodeBranchPoint(BranchPoint{Branch: m.branch, TS: ts}))
	if err := store.SetMetainfo(ctx, claim, store.NewWriteToken()); err != nil {
		return nil, err
	}

	m.dispatcher = NewMirrorDispatcher(DispatcherConfig{
		Stopper: cfg.Stopper,
		Network: cfg.Network,
		Manager: cfg.Manager,
		Metrics: cfg.Metrics,
	}, m.branch, ts)

	m.registrar, err = registration.NewRegistrar(ctx, registration.RegistrarConfig[MirrorData]{
		Stopper:   cfg.Stopper,
		Network:   cfg.Network,
		Manager:   cfg.Manager,
		Callbacks: m.dispatcher,
	})
	if err != nil {
		return nil, err
	}
	m.registrarAd = resource.Advertise(
		RegistrarView(ns, m.branch), cfg.Manager.Peer(), m.registrar.BusinessCard())

	m.mirror, err = NewMirror(ctx, MirrorConfig{
		Stopper:        cfg.Stopper,
		Network:        cfg.Network,
		Manager:        cfg.Manager,
		Store:          store,
		ServeWriteRead: true,
		ServeRead:      true,
		RegistrarView:  RegistrarView(ns, m.branch),
	}, m.branch)
	if err != nil {
		m.teardown(ctx)
		return nil, err
	}
	if err := m.dispatcher.WaitForMirrors(ctx, 1); err != nil {
		m.mirror.Close(ctx)
		m.teardown(ctx)
		return nil, err
	}

	m.readMB, err = mailbox.Open(ctx, cfg.Manager, m.handleRead)
	if err != nil {
		m.mirror.Close(ctx)
		m.teardown(ctx)
		return nil, err
	}
	m.writeMB, err = mailbox.Open(ctx, cfg.Manager, m.handleWrite)
	if err != nil {
		m.readMB.Close()
		m.mirror.Close(ctx)
		m.teardown(ctx)
		return nil, err
	}

	m.masterAd = resource.Advertise(MasterView(ns), cfg.Manager.Peer(), MasterBusinessCard{
		Read:  m.readMB.Address(),
		Write: m.writeMB.Address(),
	})
	log.Infof(ctx, "master for branch %s serving at %s", m.branch, ts)
	return m, nil
}

// Branch returns the branch this master owns.
func (m *Master) Branch() BranchID { return m.branch }

// Dispatcher returns the branch's mirror dispatcher.
func (m *Master) Dispatcher() *MirrorDispatcher { return m.dispatcher }

// BusinessCard returns the master's advertised client addresses.
func (m *Master) BusinessCard() MasterBusinessCard {
	return MasterBusinessCard{Read: m.readMB.Address(), Write: m.writeMB.Address()}
}

// Close withdraws the master's advertisements, deregisters the seed mirror,
// and shuts the registrar down, failing every other mirror's registrant.
func (m *Master) Close(ctx context.Context) {
	m.masterAd.Close()
	m.writeMB.Close()
	m.readMB.Close()
	m.mirror.Close(ctx)
	m.teardown(ctx)
}

// teardown withdraws the registrar half of the master. Safe during partial
// construction.
func (m *Master) teardown(ctx context.Context) {
	m.registrarAd.Close()
	m.registrar.Close(ctx)
}

func (m *Master) handleRead(ctx context.Context, req MasterReadRequest) {
	if req.Token.IsWrite() {
		mailbox.Send(ctx, m.cfg.Network, req.ReplyTo,
			MasterReadReply{Err: "write token on the read mailbox"})
		return
	}
	if err := m.cfg.Stopper.RunAsyncTask(ctx, "master-read", func(ctx context.Context) {
		exit, err := m.sink.ExitRead(ctx, fifo.ReadToken{Token: req.Token})
		if err != nil {
			mailbox.Send(ctx, m.cfg.Network, req.ReplyTo, MasterReadReply{Err: err.Error()})
			return
		}
		resp, err := m.dispatcher.Read(ctx, req.Op)
		exit.Release()
		mailbox.Send(ctx, m.cfg.Network, req.ReplyTo, MasterReadReply{
			Response: resp,
			Err:      errString(err),
		})
	}); err != nil {
		mailbox.Send(ctx, m.cfg.Network, req.ReplyTo, MasterReadReply{Err: err.Error()})
	}
}

func (m *Master) handleWrite(ctx context.Context, req MasterWriteRequest) {
	if !req.Token.IsWrite() {
		mailbox.Send(ctx, m.cfg.Network, req.ReplyTo,
			MasterWriteReply{Err: "read token on the write mailbox"})
		return
	}
	if err := m.cfg.Stopper.RunAsyncTask(ctx, "master-write", func(ctx context.Context) {
		exit, err := m.sink.ExitWrite(ctx, fifo.WriteToken{Token: req.Token})
		if err != nil {
			mailbox.Send(ctx, m.cfg.Network, req.ReplyTo, MasterWriteReply{Err: err.Error()})
			return
		}
		resp, err := m.dispatcher.Write(ctx, req.Op)
		exit.Release()
		mailbox.Send(ctx, m.cfg.Network, req.ReplyTo, MasterWriteReply{
			Response: resp,
			Err:      errString(err),
		})
	}); err != nil {
		mailbox.Send(ctx, m.cfg.Network, req.ReplyTo, MasterWriteReply{Err: err.Error()})
	}
}
