// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

// Package kvstore supplies a concrete key-value protocol for the replication
// core: point reads and writes, their responses, timestamped backfill
// chunks, and two store engines implementing the store contract. The
// in-memory engine backs tests and fresh mirrors; the pebble engine persists
// data and metainfo across restarts.
package kvstore

import (
	"github.com/jisqyv/rethinkdb/pkg/protocol"
	"github.com/jisqyv/rethinkdb/pkg/region"
)

// GetOp reads the value at one key.
type GetOp struct {
	Key region.Key
}

var _ protocol.ReadOp = GetOp{}

// Region returns the point region of the key.
func (op GetOp) Region() region.Region { return region.Point(op.Key) }

// GetResponse carries the result of a GetOp.
type GetResponse struct {
	Value []byte
	Found bool
}

// SetOp writes a value at one key.
type SetOp struct {
	Key   region.Key
	Value []byte
}

var _ protocol.WriteOp = SetOp{}

// Region returns the point region of the key.
func (op SetOp) Region() region.Region { return region.Point(op.Key) }

// SetResponse acknowledges a SetOp.
type SetResponse struct{}

// DeleteOp removes the value at one key.
type DeleteOp struct {
	Key region.Key
}

var _ protocol.WriteOp = DeleteOp{}

// Region returns the point region of the key.
func (op DeleteOp) Region() region.Region { return region.Point(op.Key) }

// DeleteResponse reports whether a DeleteOp removed anything.
type DeleteResponse struct {
	Deleted bool
}

// Chunk is one key's worth of backfill. Deleted chunks carry tombstones so a
// receiver learns about removals as well as insertions. Chunks from one
// backfill are delivered in ascending timestamp order.
type Chunk struct {
	Key     region.Key
	Value   []byte
	Deleted bool
	TS      protocol.StateTimestamp
}

var _ protocol.BackfillChunk = Chunk{}

// Region returns the point region of the chunk's key.
func (c Chunk) Region() region.Region { return region.Point(c.Key) }

// Timestamp returns the state timestamp at which the chunk's entry became
// current on the source.
func (c Chunk) Timestamp() protocol.StateTimestamp { return c.TS }
