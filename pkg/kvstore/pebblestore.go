// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

package kvstore

import (
	"context"
	"encoding/binary"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/jisqyv/rethinkdb/pkg/fifo"
	"github.com/jisqyv/rethinkdb/pkg/protocol"
	"github.com/jisqyv/rethinkdb/pkg/region"
)

// Key layout inside pebble. Data keys and metainfo keys live in separate
// prefixes so range scans over one never see the other.
const (
	dataPrefix = 'd'
	metaPrefix = 'm'
)

// Data record layout: 8-byte big-endian state timestamp, 1 flag byte
// (bit 0 = tombstone), value bytes.
const dataHeaderLen = 9

func dataKey(k region.Key) []byte {
	out := make([]byte, 0, 1+len(k))
	out = append(out, dataPrefix)
	return append(out, k...)
}

func metaKey(start region.Key) []byte {
	out := make([]byte, 0, 1+len(start))
	out = append(out, metaPrefix)
	return append(out, start...)
}

func encodeRecord(value []byte, deleted bool, ts protocol.StateTimestamp) []byte {
	out := make([]byte, dataHeaderLen+len(value))
	binary.BigEndian.PutUint64(out, uint64(ts))
	if deleted {
		out[8] = 1
	}
	copy(out[dataHeaderLen:], value)
	return out
}

func decodeRecord(raw []byte) (value []byte, deleted bool, ts protocol.StateTimestamp, err error) {
	if len(raw) < dataHeaderLen {
		return nil, false, 0, errors.AssertionFailedf("data record too short: %d bytes", len(raw))
	}
	ts = protocol.StateTimestamp(binary.BigEndian.Uint64(raw))
	deleted = raw[8] == 1
	value = append([]byte(nil), raw[dataHeaderLen:]...)
	return value, deleted, ts, nil
}

// Metainfo record layout, keyed by the pair's start key: 2-byte big-endian
// end key length, end key bytes, blob bytes.
func encodeMetaRecord(end region.Key, blob []byte) []byte {
	out := make([]byte, 2+len(end)+len(blob))
	binary.BigEndian.PutUint16(out, uint16(len(end)))
	copy(out[2:], end)
	copy(out[2+len(end):], blob)
	return out
}

func decodeMetaRecord(raw []byte) (end region.Key, blob []byte, err error) {
	if len(raw) < 2 {
		return nil, nil, errors.AssertionFailedf("metainfo record too short: %d bytes", len(raw))
	}
	endLen := int(binary.BigEndian.Uint16(raw))
	if len(raw) < 2+endLen {
		return nil, nil, errors.AssertionFailedf(
			"metainfo record truncated: want %d end key bytes, have %d", endLen, len(raw)-2)
	}
	end = append(region.Key(nil), raw[2:2+endLen]...)
	blob = append([]byte(nil), raw[2+endLen:]...)
	return end, blob, nil
}

// PebbleStoreConfig configures a PebbleStore.
type PebbleStoreConfig struct {
	// Dir is the pebble database directory.
	Dir string
	// Region is the keyspace the store covers.
	Region region.Region
	// CheckExpected enables expected-metainfo verification on Read and
	// Write, as on MemStore.
	CheckExpected bool
	// PebbleOptions override the defaults passed to pebble.Open. Optional.
	PebbleOptions *pebble.Options
}

// PebbleStore is a durable store backed by a pebble database. Data records
// carry their last-modified state timestamp, so the store can serve backfill
// deltas the same way the in-memory engine does; metainfo is persisted under
// its own key prefix and survives restarts.
type PebbleStore struct {
	cfg    PebbleStoreConfig
	db     *pebble.DB
	source *fifo.Source
	sink   *fifo.Sink

	// metainfo mirrors the persisted metainfo records. Write and ResetData
	// rewrite it in the same batch as their data mutation, which is what
	// keeps the two atomic; ReceiveBackfill changes data only.
	metainfo protocol.Metainfo
}

var _ protocol.Store = (*PebbleStore)(nil)

// OpenPebbleStore opens or creates the database in cfg.Dir. A fresh store
// starts with zero-blob metainfo over cfg.Region; an existing store reloads
// the metainfo it persisted.
func OpenPebbleStore(cfg PebbleStoreConfig) (*PebbleStore, error) {
	if cfg.Region.IsEmpty() {
		return nil, errors.AssertionFailedf("store region must be non-empty")
	}
	opts := cfg.PebbleOptions
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(cfg.Dir, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening pebble database in %q", cfg.Dir)
	}
	s := &PebbleStore{
		cfg:    cfg,
		db:     db,
		source: fifo.NewSource(),
		sink:   fifo.NewSink(),
	}
	if err := s.loadMetainfo(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PebbleStore) loadMetainfo() error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{metaPrefix},
		UpperBound: []byte{metaPrefix + 1},
	})
	if err != nil {
		return errors.Wrap(err, "reading persisted metainfo")
	}
	defer func() { _ = iter.Close() }()

	var pairs []region.Pair[[]byte]
	for iter.First(); iter.Valid(); iter.Next() {
		start := append(region.Key(nil), iter.Key()[1:]...)
		end, blob, err := decodeMetaRecord(iter.Value())
		if err != nil {
			return err
		}
		pairs = append(pairs, region.Pair[[]byte]{
			Region: region.New(start, end),
			Value:  blob,
		})
	}
	if len(pairs) == 0 {
		// Fresh store: install and persist the zero metainfo.
		s.metainfo = region.NewMap[[]byte](s.cfg.Region, nil)
		batch := s.db.NewBatch()
		s.writeMetainfo(batch)
		return errors.Wrap(s.db.Apply(batch, pebble.Sync), "persisting initial metainfo")
	}
	s.metainfo = region.MapFromPairs(pairs...)
	if !s.metainfo.Domain().Equal(s.cfg.Region) {
		return errors.AssertionFailedf(
			"persisted metainfo domain %s does not match store region %s",
			s.metainfo.Domain(), s.cfg.Region)
	}
	return nil
}

// writeMetainfo replaces the persisted metainfo records with the current
// in-memory metainfo, inside batch.
func (s *PebbleStore) writeMetainfo(batch *pebble.Batch) {
	_ = batch.DeleteRange([]byte{metaPrefix}, []byte{metaPrefix + 1}, nil)
	for _, p := range s.metainfo.Pairs() {
		_ = batch.Set(metaKey(p.Region.Key), encodeMetaRecord(p.Region.EndKey, p.Value), nil)
	}
}

// Close closes the database. The caller must have drained all in-flight
// operations first.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// Region returns the region the store covers.
func (s *PebbleStore) Region() region.Region { return s.cfg.Region }

// NewReadToken issues the next read token.
func (s *PebbleStore) NewReadToken() fifo.ReadToken { return s.source.NewReadToken() }

// NewWriteToken issues the next write token.
func (s *PebbleStore) NewWriteToken() fifo.WriteToken { return s.source.NewWriteToken() }

// GetMetainfo returns the store's metainfo.
func (s *PebbleStore) GetMetainfo(
	ctx context.Context, tok fifo.ReadToken,
) (protocol.Metainfo, error) {
	exit, err := s.sink.ExitRead(ctx, tok)
	if err != nil {
		return protocol.Metainfo{}, protocol.MarkInterrupted(err)
	}
	defer exit.Release()
	return s.metainfo, nil
}

// SetMetainfo replaces the metainfo over newMetainfo's domain and persists
// it.
func (s *PebbleStore) SetMetainfo(
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
	batch := s.db.NewBatch()
	s.writeMetainfo(batch)
	return errors.Wrap(s.db.Apply(batch, pebble.Sync), "persisting metainfo")
}

func (s *PebbleStore) checkExpected(expected protocol.Metainfo, opRegion region.Region) {
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
func (s *PebbleStore) Read(
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
	raw, closer, err := s.db.Get(dataKey(get.Key))
	if errors.Is(err, pebble.ErrNotFound) {
		return GetResponse{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading key %s", get.Key)
	}
	value, deleted, _, err := decodeRecord(raw)
	_ = closer.Close()
	if err != nil {
		return nil, err
	}
	if deleted {
		return GetResponse{}, nil
	}
	return GetResponse{Value: value, Found: true}, nil
}

// Write applies op and installs newMetainfo in one pebble batch.
func (s *PebbleStore) Write(
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

	batch := s.db.NewBatch()
	var resp protocol.WriteResponse
	switch w := op.(type) {
	case SetOp:
		_ = batch.Set(dataKey(w.Key), encodeRecord(w.Value, false, ts.After()), nil)
		resp = SetResponse{}
	case DeleteOp:
		existed := false
		if raw, closer, err := s.db.Get(dataKey(w.Key)); err == nil {
			_, deleted, _, decErr := decodeRecord(raw)
			_ = closer.Close()
			if decErr != nil {
				return nil, decErr
			}
			existed = !deleted
		} else if !errors.Is(err, pebble.ErrNotFound) {
			return nil, errors.Wrapf(err, "reading key %s", w.Key)
		}
		_ = batch.Set(dataKey(w.Key), encodeRecord(nil, true, ts.After()), nil)
		resp = DeleteResponse{Deleted: existed}
	default:
		return nil, errors.AssertionFailedf("unknown write op %T", op)
	}

	s.metainfo.Update(newMetainfo)
	s.writeMetainfo(batch)
	if err := s.db.Apply(batch, pebble.Sync); err != nil {
		return nil, errors.Wrap(err, "committing write")
	}
	return resp, nil
}

// SendBackfill emits every entry of startPoint's domain whose timestamp is
// newer than the receiver's timestamp for it, in ascending timestamp order.
func (s *PebbleStore) SendBackfill(
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
		iter, err := s.db.NewIter(&pebble.IterOptions{
			LowerBound: dataKey(p.Region.Key),
			UpperBound: dataKey(p.Region.EndKey),
		})
		if err != nil {
			return true, errors.Wrap(err, "scanning backfill range")
		}
		for iter.First(); iter.Valid(); iter.Next() {
			value, deleted, ts, err := decodeRecord(iter.Value())
			if err != nil {
				_ = iter.Close()
				return true, err
			}
			if ts > since {
				chunks = append(chunks, Chunk{
					Key:     append(region.Key(nil), iter.Key()[1:]...),
					Value:   value,
					Deleted: deleted,
					TS:      ts,
				})
			}
		}
		if err := iter.Close(); err != nil {
			return true, errors.Wrap(err, "scanning backfill range")
		}
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
func (s *PebbleStore) ReceiveBackfill(
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
	return errors.Wrap(
		s.db.Set(dataKey(c.Key), encodeRecord(c.Value, c.Deleted, c.TS), pebble.Sync),
		"applying backfill chunk")
}

// ResetData deletes every record in subregion and installs newMetainfo over
// its domain, in one batch.
func (s *PebbleStore) ResetData(
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

	batch := s.db.NewBatch()
	_ = batch.DeleteRange(dataKey(subregion.Key), dataKey(subregion.EndKey), nil)
	s.metainfo.Update(newMetainfo)
	s.writeMetainfo(batch)
	return errors.Wrap(s.db.Apply(batch, pebble.Sync), "committing reset")
}
