// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

package branch

import (
	"context"

	"github.com/jisqyv/rethinkdb/pkg/mailbox"
	"github.com/jisqyv/rethinkdb/pkg/protocol"
	"github.com/jisqyv/rethinkdb/pkg/region"
	"github.com/jisqyv/rethinkdb/pkg/registration"
	"github.com/jisqyv/rethinkdb/pkg/resource"
	"github.com/jisqyv/rethinkdb/pkg/semilattice"
	"github.com/jisqyv/rethinkdb/pkg/util/log"
	"github.com/jisqyv/rethinkdb/pkg/util/signal"
	"github.com/jisqyv/rethinkdb/pkg/util/stop"
	"github.com/jisqyv/rethinkdb/pkg/util/syncutil"
)

// MirrorConfig carries a Mirror's dependencies and roles. Every mirror
// accepts writes; ServeWriteRead and ServeRead opt it into producing write
// responses and serving reads. A mirror that is still catching up runs
// write-only and joins with a fuller role set once its store is current.
type MirrorConfig struct {
	Stopper *stop.Stopper
	Network *mailbox.Network
	Manager *mailbox.Manager
	Store   protocol.Store

	ServeWriteRead bool
	ServeRead      bool

	// RegistrarView describes the branch registrar to join.
	RegistrarView semilattice.ReadView[resource.Metadata[registration.BusinessCard]]
}

// Mirror binds a local store to a branch. It registers its mailbox addresses
// with the branch's registrar and then serves whatever the dispatcher sends:
// writes are applied to the store at their transition timestamp and acked,
// writeread requests additionally return the write's response, and reads run
// against the store's current state.
//
// Writes arrive through a single mailbox, so the mirror applies them in
// dispatch order without further coordination. Reads are admitted in arrival
// order but run concurrently once admitted.
type Mirror struct {
	cfg    MirrorConfig
	id     MirrorID
	branch BranchID

	// tokenMu makes the token pair of one operation adjacent in the store's
	// issue order, which keeps the metainfo snapshot valid when the second
	// token is admitted.
	tokenMu syncutil.Mutex

	writeMB     *mailbox.Mailbox[WriteRequest]
	writereadMB *mailbox.Mailbox[WriteReadRequest]
	readMB      *mailbox.Mailbox[ReadRequest]

	registrant *registration.Registrant[MirrorData]
}

// NewMirror opens the mirror's mailboxes and registers it with the branch's
// registrar. It fails with resource.ErrResourceLost if the registrar is gone.
func NewMirror(ctx context.Context, cfg MirrorConfig, branch BranchID) (*Mirror, error) {
	m := &Mirror{cfg: cfg, id: NewMirrorID(), branch: branch}

	var err error
	defer func() {
		if err != nil {
			m.closeMailboxes()
		}
	}()

	m.writeMB, err = mailbox.Open(ctx, cfg.Manager, m.handleWrite)
	if err != nil {
		return nil, err
	}
	if cfg.ServeWriteRead {
		m.writereadMB, err = mailbox.Open(ctx, cfg.Manager, m.handleWriteRead)
		if err != nil {
			return nil, err
		}
	}
	if cfg.ServeRead {
		m.readMB, err = mailbox.Open(ctx, cfg.Manager, m.handleRead)
		if err != nil {
			return nil, err
		}
	}

	m.registrant, err = registration.NewRegistrant(ctx, registration.RegistrantConfig[MirrorData]{
		Stopper: cfg.Stopper,
		Network: cfg.Network,
		Manager: cfg.Manager,
		View:    cfg.RegistrarView,
		Value:   m.Data(),
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ID returns the mirror's identity.
func (m *Mirror) ID() MirrorID { return m.id }

// Branch returns the branch the mirror serves.
func (m *Mirror) Branch() BranchID { return m.branch }

// Data returns the registration data the mirror publishes. Addresses for
// roles the mirror does not play are nil.
func (m *Mirror) Data() MirrorData {
	data := MirrorData{Mirror: m.id, Write: m.writeMB.Address()}
	if m.writereadMB != nil {
		data.WriteRead = m.writereadMB.Address()
	}
	if m.readMB != nil {
		data.Read = m.readMB.Address()
	}
	return data
}

// Failed returns the signal that pulses if the branch's registrar goes away.
func (m *Mirror) Failed() *signal.Signal { return m.registrant.Failed() }

// Close deregisters the mirror and closes its mailboxes. The store is the
// caller's to keep.
func (m *Mirror) Close(ctx context.Context) {
	m.registrant.Close(ctx)
	m.closeMailboxes()
}

func (m *Mirror) closeMailboxes() {
	if m.readMB != nil {
		m.readMB.Close()
	}
	if m.writereadMB != nil {
		m.writereadMB.Close()
	}
	if m.writeMB != nil {
		m.writeMB.Close()
	}
}

func (m *Mirror) handleWrite(ctx context.Context, req WriteRequest) {
	if _, err := m.applyWrite(ctx, req.Op, req.TS); err != nil {
		log.Warningf(ctx, "mirror %s: write at %s failed: %v", m.id, req.TS, err)
		return
	}
	mailbox.Send(ctx, m.cfg.Network, req.AckTo, WriteAck{})
}

func (m *Mirror) handleWriteRead(ctx context.Context, req WriteReadRequest) {
	resp, err := m.applyWrite(ctx, req.Op, req.TS)
	mailbox.Send(ctx, m.cfg.Network, req.ReplyTo, WriteReadReply{
		Response: resp,
		Err:      errString(err),
	})
}

func (m *Mirror) handleRead(ctx context.Context, req ReadRequest) {
	m.tokenMu.Lock()
	metaTok := m.cfg.Store.NewReadToken()
	readTok := m.cfg.Store.NewReadToken()
	m.tokenMu.Unlock()

	if err := m.cfg.Stopper.RunAsyncTask(ctx, "mirror-read", func(ctx context.Context) {
		expected, err := m.cfg.Store.GetMetainfo(ctx, metaTok)
		if err != nil {
			mailbox.Send(ctx, m.cfg.Network, req.ReplyTo, ReadReply{Err: err.Error()})
			return
		}
		resp, err := m.cfg.Store.Read(ctx, expected, req.Op, readTok)
		mailbox.Send(ctx, m.cfg.Network, req.ReplyTo, ReadReply{
			Response: resp,
			Err:      errString(err),
		})
	}); err != nil {
		mailbox.Send(ctx, m.cfg.Network, req.ReplyTo, ReadReply{Err: err.Error()})
	}
}

// applyWrite applies op at ts and moves the store's metainfo to the branch
// point after the transition, as one atomic store write.
func (m *Mirror) applyWrite(
	ctx context.Context, op protocol.WriteOp, ts protocol.TransitionTimestamp,
) (protocol.WriteResponse, error) {
	m.tokenMu.Lock()
	metaTok := m.cfg.Store.NewReadToken()
	writeTok := m.cfg.Store.NewWriteToken()
	m.tokenMu.Unlock()

	// GetMetainfo fails only when the store is shutting down; the paired
	// write token then goes unconsumed along with the rest of the sink.
	expected, err := m.cfg.Store.GetMetainfo(ctx, metaTok)
	if err != nil {
		return nil, err
	}
	newMetainfo := region.NewMap(
		m.cfg.Store.Region(),
		EncodeBranchPoint(BranchPoint{Branch: m.branch, TS: ts.After()}))
	return m.cfg.Store.Write(ctx, expected, newMetainfo, op, ts, writeTok)
}

// errString renders an error for a wire reply. Success is the empty string.
func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
