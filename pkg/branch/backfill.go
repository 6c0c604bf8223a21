// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

package branch

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jisqyv/rethinkdb/pkg/protocol"
	"github.com/jisqyv/rethinkdb/pkg/region"
)

// Backfill brings dst up to src's current state. The destination's metainfo
// tells the source how far along each of its regions already is; the source
// streams only the entries newer than that, and once the stream is applied
// the source's metainfo is installed on the destination, at which point the
// two stores agree.
//
// shouldBackfill, if non-nil, sees the source's metainfo and may decline the
// transfer; Backfill then returns false with the destination untouched. An
// interrupted backfill leaves the destination's data unspecified, but its
// metainfo still describes what the next backfill should start from.
func Backfill(
	ctx context.Context,
	src, dst protocol.Store,
	shouldBackfill func(protocol.Metainfo) bool,
) (bool, error) {
	if !src.Region().Equal(dst.Region()) {
		return false, errors.Newf(
			"backfill regions differ: source %s, destination %s", src.Region(), dst.Region())
	}

	dstMeta, err := dst.GetMetainfo(ctx, dst.NewReadToken())
	if err != nil {
		return false, err
	}
	decoded, err := DecodeMetainfo(dstMeta)
	if err != nil {
		return false, err
	}
	startPoint := region.Transform(decoded, func(p BranchPoint) protocol.StateTimestamp {
		return p.TS
	})

	var srcMeta protocol.Metainfo
	sent, err := src.SendBackfill(ctx, startPoint,
		func(m protocol.Metainfo) bool {
			srcMeta = m
			return shouldBackfill == nil || shouldBackfill(m)
		},
		func(chunk protocol.BackfillChunk) error {
			return dst.ReceiveBackfill(ctx, chunk, dst.NewWriteToken())
		},
		src.NewReadToken())
	if err != nil || !sent {
		return false, err
	}

	if err := dst.SetMetainfo(ctx, srcMeta, dst.NewWriteToken()); err != nil {
		return false, err
	}
	return true, nil
}
