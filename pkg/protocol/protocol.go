// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

// Package protocol describes the relationship between protocol-specific
// logic and the protocol-agnostic logic that routes queries. A protocol
// binds concrete operation, response and backfill-chunk types to the
// interfaces here; the replication core is written against the interfaces
// and never inspects the concrete types.
//
// The query-routing logic provides the following ordering guarantees:
//
//  1. All the replicas of each individual key will see writes in the same
//     order.
//
//  2. Operations sent from the same origin are performed in the order they
//     are sent.
//
//  3. Atomic single-key operations can be performed, as long as they can be
//     expressed as a single WriteOp.
//
//  4. There are no other atomicity or ordering guarantees. Two keys written
//     by the same multi-key operation may be observed in different states by
//     a concurrent reader.
package protocol

import (
	"bytes"

	"github.com/jisqyv/rethinkdb/pkg/region"
)

// ReadOp is a protocol-defined read. It reports the region of keys it
// touches.
type ReadOp interface {
	Region() region.Region
}

// WriteOp is a protocol-defined write. It reports the region of keys it
// touches.
type WriteOp interface {
	Region() region.Region
}

// ReadResponse is the protocol-defined result of a ReadOp.
type ReadResponse interface{}

// WriteResponse is the protocol-defined result of a WriteOp.
type WriteResponse interface{}

// BackfillChunk is one unit of a backfill stream. Chunks carry a state
// timestamp; a stream delivered in non-decreasing timestamp order can be
// applied monotonically by the receiver.
type BackfillChunk interface {
	Region() region.Region
	Timestamp() StateTimestamp
}

// Metainfo is region-keyed opaque metadata, maintained atomically with the
// data it annotates. Every store keeps the invariant that, at rest, its
// metainfo's domain equals the store's region.
type Metainfo = region.Map[[]byte]

// MetainfoEqual reports whether two metainfos describe the same function,
// regardless of fragmentation.
func MetainfoEqual(a, b Metainfo) bool {
	return region.MapsEqualFunc(a, b, bytes.Equal)
}
