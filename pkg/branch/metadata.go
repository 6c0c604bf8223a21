// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

package branch

import (
	"github.com/jisqyv/rethinkdb/pkg/fifo"
	"github.com/jisqyv/rethinkdb/pkg/mailbox"
	"github.com/jisqyv/rethinkdb/pkg/protocol"
	"github.com/jisqyv/rethinkdb/pkg/registration"
	"github.com/jisqyv/rethinkdb/pkg/resource"
	"github.com/jisqyv/rethinkdb/pkg/semilattice"
)

// MirrorData is what a mirror publishes at registration: the addresses of
// the mailboxes it serves. A nil address means the mirror does not play that
// role; a mirror that is still backfilling registers with only Write set.
type MirrorData struct {
	Mirror    MirrorID
	Write     mailbox.Address
	WriteRead mailbox.Address
	Read      mailbox.Address
}

// DispatcherMetadata is the per-branch entry in the namespace metadata. It
// carries the registrar's advertised business card, which is all a mirror
// needs to join the branch.
type DispatcherMetadata struct {
	Registrar resource.Metadata[registration.BusinessCard]
}

// Join merges field-wise.
func (d DispatcherMetadata) Join(other DispatcherMetadata) DispatcherMetadata {
	return DispatcherMetadata{Registrar: d.Registrar.Join(other.Registrar)}
}

// MasterBusinessCard is the master's advertised handle: where clients send
// reads and writes.
type MasterBusinessCard struct {
	Read  mailbox.Address
	Write mailbox.Address
}

// NamespaceMetadata is the semilattice root for one namespace: every
// dispatcher that has ever served it, keyed by branch, plus the current
// master's advertisement.
type NamespaceMetadata struct {
	Dispatchers semilattice.Map[BranchID, DispatcherMetadata]
	Master      resource.Metadata[MasterBusinessCard]
}

// Join merges field-wise.
func (n NamespaceMetadata) Join(other NamespaceMetadata) NamespaceMetadata {
	return NamespaceMetadata{
		Dispatchers: n.Dispatchers.Join(other.Dispatchers),
		Master:      n.Master.Join(other.Master),
	}
}

// NamespaceView is a read/write window onto a namespace's metadata.
type NamespaceView = semilattice.ReadWriteView[NamespaceMetadata]

// DispatcherView projects one branch's dispatcher metadata out of a
// namespace view.
func DispatcherView(ns NamespaceView, branch BranchID) semilattice.ReadWriteView[DispatcherMetadata] {
	dispatchers := semilattice.Field(ns,
		func(n NamespaceMetadata) semilattice.Map[BranchID, DispatcherMetadata] {
			return n.Dispatchers
		},
		func(m semilattice.Map[BranchID, DispatcherMetadata]) NamespaceMetadata {
			return NamespaceMetadata{Dispatchers: m}
		})
	return semilattice.Member(dispatchers, branch)
}

// RegistrarView projects the registrar resource of one branch out of a
// namespace view.
func RegistrarView(
	ns NamespaceView, branch BranchID,
) semilattice.ReadWriteView[resource.Metadata[registration.BusinessCard]] {
	return semilattice.Field(DispatcherView(ns, branch),
		func(d DispatcherMetadata) resource.Metadata[registration.BusinessCard] {
			return d.Registrar
		},
		func(r resource.Metadata[registration.BusinessCard]) DispatcherMetadata {
			return DispatcherMetadata{Registrar: r}
		})
}

// MasterView projects the master resource out of a namespace view.
func MasterView(ns NamespaceView) semilattice.ReadWriteView[resource.Metadata[MasterBusinessCard]] {
	return semilattice.Field(ns,
		func(n NamespaceMetadata) resource.Metadata[MasterBusinessCard] { return n.Master },
		func(m resource.Metadata[MasterBusinessCard]) NamespaceMetadata {
			return NamespaceMetadata{Master: m}
		})
}

// Wire messages between dispatcher and mirrors. Origin ordering is settled at
// the master before an operation is dispatched, so these carry no order
// tokens; a mirror applies writes in the order its mailbox delivers them.

// ReadRequest asks a mirror to serve one read.
type ReadRequest struct {
	Op      protocol.ReadOp
	ReplyTo mailbox.Address
}

// ReadReply answers a ReadRequest.
type ReadReply struct {
	Response protocol.ReadResponse
	Err      string
}

// WriteRequest tells a mirror to apply one write at a transition timestamp.
// The mirror acks to AckTo once the write has committed.
type WriteRequest struct {
	Op    protocol.WriteOp
	TS    protocol.TransitionTimestamp
	AckTo mailbox.Address
}

// WriteAck acknowledges a WriteRequest.
type WriteAck struct{}

// WriteReadRequest is a WriteRequest that also wants the write's response.
// Writeread-capable mirrors receive their writes through this message in
// place of a plain WriteRequest, so a write is applied once per mirror.
type WriteReadRequest struct {
	Op      protocol.WriteOp
	TS      protocol.TransitionTimestamp
	ReplyTo mailbox.Address
}

// WriteReadReply answers a WriteReadRequest.
type WriteReadReply struct {
	Response protocol.WriteResponse
	Err      string
}

// Client-facing messages at the master boundary. Order tokens issued by the
// client's source ride along; the master admits them through its sink in
// issue order before dispatching. Replies are a sum: either the response
// value or a failure string.

// MasterReadRequest asks the master to route one read.
type MasterReadRequest struct {
	Op      protocol.ReadOp
	Token   fifo.Token
	ReplyTo mailbox.Address
}

// MasterReadReply answers a MasterReadRequest. Err is empty on success.
type MasterReadReply struct {
	Response protocol.ReadResponse
	Err      string
}

// MasterWriteRequest asks the master to route one write.
type MasterWriteRequest struct {
	Op      protocol.WriteOp
	Token   fifo.Token
	ReplyTo mailbox.Address
}

// MasterWriteReply answers a MasterWriteRequest. Err is empty on success.
type MasterWriteReply struct {
	Response protocol.WriteResponse
	Err      string
}
