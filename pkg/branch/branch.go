// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

// Package branch implements the replication coordinator: a master owns a
// branch of history and routes every client operation through a mirror
// dispatcher to the branch's registered mirrors. Writes broadcast to all
// mirrors in transition-timestamp order; reads go to a single read-capable
// mirror. Mirrors join and leave through the registration protocol, and the
// dispatcher surfaces well-defined failures when the mirror set cannot
// satisfy an operation.
package branch

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jisqyv/rethinkdb/pkg/protocol"
	"github.com/jisqyv/rethinkdb/pkg/region"
)

// ErrMirrorLost indicates that a mirror participating in a dispatched
// operation died before acknowledging it. The operation's outcome at other
// mirrors is unknown to the caller until it observes replica state; the
// dispatcher does not retry.
var ErrMirrorLost = errors.New("mirror lost during operation")

// ErrInsufficientMirrors indicates that no registered mirror can play the
// role the operation needs (a reader for reads, a writeread mirror for
// writes).
var ErrInsufficientMirrors = errors.New("insufficient mirrors")

// ErrSchemaMismatch indicates that a metainfo blob did not decode to the
// shape this package writes.
var ErrSchemaMismatch = errors.New("metainfo schema mismatch")

// BranchID names a fork of history owned by one master.
type BranchID uuid.UUID

// NewBranchID mints a fresh branch id.
func NewBranchID() BranchID { return BranchID(uuid.New()) }

func (id BranchID) String() string { return uuid.UUID(id).String() }

// MirrorID names one mirror, minted when the mirror starts.
type MirrorID uuid.UUID

// NewMirrorID mints a fresh mirror id.
func NewMirrorID() MirrorID { return MirrorID(uuid.New()) }

func (id MirrorID) String() string { return uuid.UUID(id).String() }

// BranchPoint is the decoded form of a metainfo blob: which branch a region
// belongs to and how far along that branch its state is.
type BranchPoint struct {
	Branch BranchID
	TS     protocol.StateTimestamp
}

const branchPointLen = 16 + 8

// EncodeBranchPoint renders a branch point as a metainfo blob.
func EncodeBranchPoint(p BranchPoint) []byte {
	out := make([]byte, branchPointLen)
	copy(out, p.Branch[:])
	binary.BigEndian.PutUint64(out[16:], uint64(p.TS))
	return out
}

// DecodeBranchPoint parses a metainfo blob. A nil or empty blob decodes to
// the zero branch point, which is what a store that has never been claimed
// by a branch carries. Anything else of the wrong length fails with
// ErrSchemaMismatch.
func DecodeBranchPoint(blob []byte) (BranchPoint, error) {
	if len(blob) == 0 {
		return BranchPoint{}, nil
	}
	if len(blob) != branchPointLen {
		return BranchPoint{}, errors.Mark(
			errors.Newf("metainfo blob has %d bytes, want %d", len(blob), branchPointLen),
			ErrSchemaMismatch)
	}
	var p BranchPoint
	copy(p.Branch[:], blob[:16])
	p.TS = protocol.StateTimestamp(binary.BigEndian.Uint64(blob[16:]))
	return p, nil
}

// DecodeMetainfo decodes every blob of a store's metainfo.
func DecodeMetainfo(m protocol.Metainfo) (region.Map[BranchPoint], error) {
	var firstErr error
	decoded := region.Transform(m, func(blob []byte) BranchPoint {
		p, err := DecodeBranchPoint(blob)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return p
	})
	if firstErr != nil {
		return region.Map[BranchPoint]{}, firstErr
	}
	return decoded, nil
}

// IsCoherent reports whether every region of the metainfo carries the same
// branch point. A coherent store is a consistent snapshot of one moment on
// one branch; only such a store may seed a new master.
func IsCoherent(m region.Map[BranchPoint]) bool {
	pairs := m.Pairs()
	for i := 1; i < len(pairs); i++ {
		if pairs[i].Value != pairs[0].Value {
			return false
		}
	}
	return true
}

// CurrentTimestamp returns the single state timestamp of a coherent
// metainfo.
func CurrentTimestamp(m region.Map[BranchPoint]) (protocol.StateTimestamp, error) {
	if !IsCoherent(m) {
		return 0, errors.AssertionFailedf("store metainfo is not coherent: %s", m)
	}
	pairs := m.Pairs()
	if len(pairs) == 0 {
		return protocol.ZeroStateTimestamp, nil
	}
	return pairs[0].Value.TS, nil
}
