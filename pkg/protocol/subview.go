// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

package protocol

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jisqyv/rethinkdb/pkg/fifo"
	"github.com/jisqyv/rethinkdb/pkg/region"
)

// Subview restricts a Store to a subregion of its parent. All operations
// delegate to the parent after checking their preconditions against the
// restricted region; GetMetainfo masks the parent's metainfo down to it.
// Tokens come from the parent's source, so a subview shares the parent's
// FIFO discipline.
type Subview struct {
	parent Store
	region region.Region
}

var _ Store = (*Subview)(nil)

// NewSubview returns a view of parent restricted to r, which must be
// contained in the parent's region.
func NewSubview(parent Store, r region.Region) *Subview {
	if !parent.Region().IsSuperset(r) {
		panic(errors.AssertionFailedf(
			"subview region %s escapes parent region %s", r, parent.Region()))
	}
	return &Subview{parent: parent, region: r}
}

// Region returns the restricted region.
func (s *Subview) Region() region.Region {
	return s.region
}

// NewReadToken issues a token from the parent's source.
func (s *Subview) NewReadToken() fifo.ReadToken {
	return s.parent.NewReadToken()
}

// NewWriteToken issues a token from the parent's source.
func (s *Subview) NewWriteToken() fifo.WriteToken {
	return s.parent.NewWriteToken()
}

// GetMetainfo returns the parent's metainfo masked to the subview's region.
func (s *Subview) GetMetainfo(ctx context.Context, tok fifo.ReadToken) (Metainfo, error) {
	metainfo, err := s.parent.GetMetainfo(ctx, tok)
	if err != nil {
		return Metainfo{}, err
	}
	return metainfo.Mask(s.region), nil
}

// SetMetainfo replaces the metainfo over newMetainfo's domain.
func (s *Subview) SetMetainfo(ctx context.Context, newMetainfo Metainfo, tok fifo.WriteToken) error {
	if !s.region.IsSuperset(newMetainfo.Domain()) {
		panic(errors.AssertionFailedf(
			"metainfo domain %s escapes subview region %s", newMetainfo.Domain(), s.region))
	}
	return s.parent.SetMetainfo(ctx, newMetainfo, tok)
}

// Read performs a read through the parent.
func (s *Subview) Read(
	ctx context.Context, expected Metainfo, op ReadOp, tok fifo.ReadToken,
) (ReadResponse, error) {
	if !s.region.IsSuperset(expected.Domain()) {
		panic(errors.AssertionFailedf(
			"expected metainfo domain %s escapes subview region %s", expected.Domain(), s.region))
	}
	return s.parent.Read(ctx, expected, op, tok)
}

// Write performs a write through the parent.
func (s *Subview) Write(
	ctx context.Context,
	expected, newMetainfo Metainfo,
	op WriteOp,
	ts TransitionTimestamp,
	tok fifo.WriteToken,
) (WriteResponse, error) {
	if !s.region.IsSuperset(expected.Domain()) {
		panic(errors.AssertionFailedf(
			"expected metainfo domain %s escapes subview region %s", expected.Domain(), s.region))
	}
	if !s.region.IsSuperset(newMetainfo.Domain()) {
		panic(errors.AssertionFailedf(
			"new metainfo domain %s escapes subview region %s", newMetainfo.Domain(), s.region))
	}
	return s.parent.Write(ctx, expected, newMetainfo, op, ts, tok)
}

// SendBackfill streams changes since startPoint through the parent.
func (s *Subview) SendBackfill(
	ctx context.Context,
	startPoint region.Map[StateTimestamp],
	shouldBackfill func(Metainfo) bool,
	chunkFn func(BackfillChunk) error,
	tok fifo.ReadToken,
) (bool, error) {
	if !s.region.IsSuperset(startPoint.Domain()) {
		panic(errors.AssertionFailedf(
			"backfill start point domain %s escapes subview region %s", startPoint.Domain(), s.region))
	}
	return s.parent.SendBackfill(ctx, startPoint, shouldBackfill, chunkFn, tok)
}

// ReceiveBackfill applies one chunk through the parent.
func (s *Subview) ReceiveBackfill(ctx context.Context, chunk BackfillChunk, tok fifo.WriteToken) error {
	return s.parent.ReceiveBackfill(ctx, chunk, tok)
}

// ResetData deletes subregion and installs newMetainfo through the parent.
func (s *Subview) ResetData(
	ctx context.Context, subregion region.Region, newMetainfo Metainfo, tok fifo.WriteToken,
) error {
	if !s.region.IsSuperset(subregion) {
		panic(errors.AssertionFailedf(
			"reset subregion %s escapes subview region %s", subregion, s.region))
	}
	if !s.region.IsSuperset(newMetainfo.Domain()) {
		panic(errors.AssertionFailedf(
			"new metainfo domain %s escapes subview region %s", newMetainfo.Domain(), s.region))
	}
	return s.parent.ResetData(ctx, subregion, newMetainfo, tok)
}
