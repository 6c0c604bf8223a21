// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

package kvstore

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/jisqyv/rethinkdb/pkg/fifo"
	"github.com/jisqyv/rethinkdb/pkg/protocol"
	"github.com/jisqyv/rethinkdb/pkg/region"
)

const memTreeDegree = 16

// entry is one key's state in the tree. Deletions leave a tombstone behind,
// which is what lets a backfill communicate removals; tombstones are swept
// only by ResetData.
type entry struct {
	key     region.Key
	value   []byte
	deleted bool
	ts      protocol.StateTimestamp
}

func (e *entry) Less(than btree.Item) bool {
	return e.key.Compare(than.(*entry).key) < 0
}

// MemStoreConfig configures a MemStore.
type MemStoreConfig struct {
	// Region is the keyspace the store covers.
	Region region.Region
	// CheckExpected enables verification of the expected metainfo passed to
	// Read and Write against the store's current metainfo. Tests enable it;
	// it turns stale-routing bugs into assertion failures.
	CheckExpected bool
}

// MemStore is an in-memory store backed by a btree. It implements the full
// store contract, including timestamped backfill, and is the engine of
// choice for tests and for mirrors that have not yet been made durable.
type MemStore struct {
	cfg    MemStoreConfig
	source *fifo.Source
	sink   *fifo.Sink

	// tree and metainfo are mutated only while holding a sink occupancy of
	// the right kind, which is what serializes them.
	tree     *btree.BTree
	metainfo protocol.Metainfo
}

var _ protocol.Store = (*MemStore)(nil)

// NewMemStore returns an empty store over cfg.Region with zero-blob
// metainfo.
func NewMemStore(cfg MemStoreConfig) *MemStore {
	if cfg.Region.IsEmpty() {
		panic(errors.AssertionFailedf("store region must be non-empty"))
	}
	return &MemStore{
		cfg:      cfg,
		source:   fifo.NewSource(),
		sink:     fifo.NewSink(),
		tree:     btree.New(memTreeDegree),
		metainfo: region.NewMap[[]byte](cfg.Region, nil),
	}
}

// Region returns the region the store covers.
func (s *MemStore) Region() region.Region { return s.cfg.Region }

// NewReadToken issues the next read token.
func (s *MemStore) NewReadToken() fifo.ReadToken { return s.source.NewReadToken() }

// NewWriteToken issues the next write token.
func (s *MemStore) NewWriteToken() fifo.WriteToken { return s.source.NewWriteToken() }

// GetMetainfo returns the store's metainfo.
func (s *MemStore) GetMetainfo(ctx context.Context, tok fifo.ReadToken) (protocol.Metainfo, error) {
	exit, err := s.sink.ExitRead(ctx, tok)
	if err != nil {
		return protocol.Metainfo{}, protocol.MarkInterrupted(err)
	}
	defer exit.Release()
	return s.metainfo, nil
}

// SetMetainfo replaces the metainfo over newMetainfo's domain.
func (s *MemStore) SetMetainfo(
	ctx context.Context, newMetainfo protocol.Metainfo, tok fifo.WriteToken,
) error {
	if !s.cfg.Region.IsSuperset(newMetainfo.Domain()) {
		panic(errors.AssertionFailedf(
			"metainfo domain %s escapes store region %s", newMetainfo.Domain(), s.cfg.Region))
	}
	exit, err := s.sink.ExitWrite(ctx, tok)
	if err != nil {
		return protocol.MarkInterrupted(err)
	}
	defer exit.Release()
	s.metainfo.Update(newMetainfo)
	return nil
}

// checkExpected verifies expected against the current metainfo over the
// operation's region. Only active when the store was configured for it.
func (s *MemStore) checkExpected(expected protocol.Metainfo, opRegion region.Region) {
	if !s.cfg.CheckExpected {
		return
	}
	cur := s.metainfo.Mask(opRegion)
	want := expected.Mask(opRegion)
	if !protocol.MetainfoEqual(cur, want) {
		panic(errors.AssertionFailedf(
			"expected metainfo %s does not match current %s over %s", want, cur, opRegion))
	}
}

// Read performs a read.
func (s *MemStore) Read(
	ctx context.Context, expected protocol.Metainfo, op protocol.ReadOp, tok fifo.ReadToken,
) (protocol.ReadResponse, error) {
	if !s.cfg.Region.IsSuperset(expected.Domain()) {
		panic(errors.AssertionFailedf(
			"expected metainfo domain %s escapes store region %s", expected.Domain(), s.cfg.Region))
	}
	if !expected.Domain().IsSuperset(op.Region()) {
		panic(errors.AssertionFailedf(
			"read region %s escapes expected metainfo domain %s", op.Region(), expected.Domain()))
	}
	exit, err := s.sink.ExitRead(ctx, tok)
	if err != nil {
		return nil, protocol.MarkInterrupted(err)
	}
	defer exit.Release()
	s.checkExpected(expected, op.Region())

	get, ok := op.(GetOp)
	if !ok {
		return nil, errors.AssertionFailedf("unknown read op %T", op)
	}
	if item := s.tree.Get(&entry{key: get.Key}); item != nil {
		e := item.(*entry)
		if !e.deleted {
			return GetResponse{Value: e.value, Found: true}, nil
		}
	}
	return GetResponse{}, nil
}

// Write applies op and installs newMetainfo as one atomic step.
func (s *MemStore) Write(
	ctx context.Context,
	expected, newMetainfo protocol.Metainfo,
	op protocol.WriteOp,
	ts protocol.TransitionTimestamp,
	tok fifo.WriteToken,
) (protocol.WriteResponse, error) {
	if !s.cfg.Region.IsSuperset(expected.Domain()) {
		panic(errors.AssertionFailedf(
			"expected metainfo domain %s escapes store region %s", expected.Domain(), s.cfg.Region))
	}
	if !expected.Domain().Equal(newMetainfo.Domain()) {
		panic(errors.AssertionFailedf(
			"new metainfo domain %s differs from expected domain %s",
			newMetainfo.Domain(), expected.Domain()))
	}
	if !expected.Domain().IsSuperset(op.Region()) {
		panic(errors.AssertionFailedf(
			"write region %s escapes expected metainfo domain %s", op.Region(), expected.Domain()))
	}
	exit, err := s.sink.ExitWrite(ctx, tok)
	if err != nil {
		return nil, protocol.MarkInterrupted(err)
	}
	defer exit.Release()
	s.checkExpected(expected, op.Region())

	resp, err := s.applyLocked(op, ts.After())
	if err != nil {
		return nil, err
	}
	s.metainfo.Update(newMetainfo)
	return resp, nil
}

func (s *MemStore) applyLocked(
	op protocol.WriteOp, ts protocol.StateTimestamp,
) (protocol.WriteResponse, error) {
	switch w := op.(type) {
	case SetOp:
		s.tree.ReplaceOrInsert(&entry{key: w.Key.Clone(), value: w.Value, ts: ts})
		return SetResponse{}, nil
	case DeleteOp:
		existed := false
		if item := s.tree.Get(&entry{key: w.Key}); item != nil {
			existed = !item.(*entry).deleted
		}
		s.tree.ReplaceOrInsert(&entry{key: w.Key.Clone(), deleted: true, ts: ts})
		return DeleteResponse{Deleted: existed}, nil
	default:
		return nil, errors.AssertionFailedf("unknown write op %T", op)
	}
}

// SendBackfill emits every entry of startPoint's domain whose timestamp is
// newer than the receiver's timestamp for it, in ascending timestamp order.
func (s *MemStore) SendBackfill(
	ctx context.Context,
	startPoint region.Map[protocol.StateTimestamp],
	shouldBackfill func(protocol.Metainfo) bool,
	chunkFn func(protocol.BackfillChunk) error,
	tok fifo.ReadToken,
) (bool, error) {
	if !s.cfg.Region.IsSuperset(startPoint.Domain()) {
		panic(errors.AssertionFailedf(
			"backfill start point domain %s escapes store region %s",
			startPoint.Domain(), s.cfg.Region))
	}
	exit, err := s.sink.ExitRead(ctx, tok)
	if err != nil {
		return false, protocol.MarkInterrupted(err)
	}
	defer exit.Release()

	if !shouldBackfill(s.metainfo) {
		return false, nil
	}

	var chunks []Chunk
	for _, p := range startPoint.Pairs() {
		since := p.Value
		s.tree.AscendRange(&entry{key: p.Region.Key}, &entry{key: p.Region.EndKey},
			func(item btree.Item) bool {
				e := item.(*entry)
				if e.ts > since {
					chunks = append(chunks, Chunk{
						Key:     e.key,
						Value:   e.value,
						Deleted: e.deleted,
						TS:      e.ts,
					})
				}
				return true
			})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].TS < chunks[j].TS })

	for _, c := range chunks {
		if err := chunkFn(c); err != nil {
			return true, protocol.MarkInterrupted(err)
		}
		if err := ctx.Err(); err != nil {
			return true, protocol.MarkInterrupted(err)
		}
	}
	return true, nil
}

// ReceiveBackfill applies one chunk from a peer's backfill.
func (s *MemStore) ReceiveBackfill(
	ctx context.Context, chunk protocol.BackfillChunk, tok fifo.WriteToken,
) error {
	exit, err := s.sink.ExitWrite(ctx, tok)
	if err != nil {
		return protocol.MarkInterrupted(err)
	}
	defer exit.Release()

	c, ok := chunk.(Chunk)
	if !ok {
		return errors.AssertionFailedf("unknown backfill chunk %T", chunk)
	}
	s.tree.ReplaceOrInsert(&entry{
		key:     c.Key.Clone(),
		value:   c.Value,
		deleted: c.Deleted,
		ts:      c.TS,
	})
	return nil
}

// ResetData deletes every entry in subregion, tombstones included, and
// installs newMetainfo over its domain.
func (s *MemStore) ResetData(
	ctx context.Context, subregion region.Region, newMetainfo protocol.Metainfo, tok fifo.WriteToken,
) error {
	if !s.cfg.Region.IsSuperset(subregion) {
		panic(errors.AssertionFailedf(
			"reset subregion %s escapes store region %s", subregion, s.cfg.Region))
	}
	if !s.cfg.Region.IsSuperset(newMetainfo.Domain()) {
		panic(errors.AssertionFailedf(
			"new metainfo domain %s escapes store region %s", newMetainfo.Domain(), s.cfg.Region))
	}
	exit, err := s.sink.ExitWrite(ctx, tok)
	if err != nil {
		return protocol.MarkInterrupted(err)
	}
	defer exit.Release()

	var doomed []*entry
	s.tree.AscendRange(&entry{key: subregion.Key}, &entry{key: subregion.EndKey},
		func(item btree.Item) bool {
			doomed = append(doomed, item.(*entry))
			return true
		})
	for _, e := range doomed {
		s.tree.Delete(e)
	}
	s.metainfo.Update(newMetainfo)
	return nil
}
