// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

package protocol

import (
	"context"

	"github.com/jisqyv/rethinkdb/pkg/fifo"
	"github.com/jisqyv/rethinkdb/pkg/region"
)

// Store is a view onto a region of a key-value store for some protocol. In
// addition to the data itself, a Store is responsible for region-keyed
// metainfo, which it maintains atomically with the data.
//
// Every operation consumes a token issued by the store's own token source;
// the store's sink linearizes tokens in issue order, so operations issued in
// order from one origin commit in order. Every operation that can suspend
// takes a context; cancellation surfaces as an error marked ErrInterrupted
// at the next suspension point, and never rolls back a committed mutation.
type Store interface {
	// Region returns the region this view covers. It is fixed at
	// construction.
	Region() region.Region

	// NewReadToken issues the next read token from the store's source.
	NewReadToken() fifo.ReadToken

	// NewWriteToken issues the next write token from the store's source.
	NewWriteToken() fifo.WriteToken

	// GetMetainfo returns the store's metainfo. The result's domain equals
	// Region().
	GetMetainfo(ctx context.Context, tok fifo.ReadToken) (Metainfo, error)

	// SetMetainfo replaces the metainfo over newMetainfo's domain, which
	// must be contained in Region(). Afterwards GetMetainfo observes
	// newMetainfo over that domain.
	SetMetainfo(ctx context.Context, newMetainfo Metainfo, tok fifo.WriteToken) error

	// Read performs a read. The expected metainfo's domain must be contained
	// in Region() and must contain op's region; stores check expected
	// against their current metainfo when invariant checking is enabled.
	Read(ctx context.Context, expected Metainfo, op ReadOp, tok fifo.ReadToken) (ReadResponse, error)

	// Write applies a write and installs newMetainfo over expected's domain
	// as a single atomic step under the write token. The domains of expected
	// and newMetainfo must be equal, contained in Region(), and contain op's
	// region.
	Write(
		ctx context.Context,
		expected, newMetainfo Metainfo,
		op WriteOp,
		ts TransitionTimestamp,
		tok fifo.WriteToken,
	) (WriteResponse, error)

	// SendBackfill expresses the changes since startPoint as a finite
	// sequence of chunks. It calls shouldBackfill exactly once with the
	// current metainfo; if shouldBackfill returns false, no chunks are
	// produced and SendBackfill returns false. Otherwise every chunk is
	// delivered through chunkFn, in an order the receiver can apply
	// monotonically, and SendBackfill returns true.
	SendBackfill(
		ctx context.Context,
		startPoint region.Map[StateTimestamp],
		shouldBackfill func(Metainfo) bool,
		chunkFn func(BackfillChunk) error,
		tok fifo.ReadToken,
	) (bool, error)

	// ReceiveBackfill applies one chunk produced by a peer's SendBackfill.
	// If it is interrupted, the store's data is undefined until a further
	// full backfill completes, but the metainfo invariant still holds.
	ReceiveBackfill(ctx context.Context, chunk BackfillChunk, tok fifo.WriteToken) error

	// ResetData deletes every key in subregion and installs newMetainfo over
	// its domain. Both subregion and newMetainfo's domain must be contained
	// in Region().
	ResetData(
		ctx context.Context,
		subregion region.Region,
		newMetainfo Metainfo,
		tok fifo.WriteToken,
	) error
}
