// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

package kvstore

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/jisqyv/rethinkdb/pkg/protocol"
	"github.com/jisqyv/rethinkdb/pkg/region"
	"github.com/jisqyv/rethinkdb/pkg/util/leaktest"
	"github.com/stretchr/testify/require"
)

func testRegion() region.Region {
	return region.New(region.Key("a"), region.Key("z"))
}

// engines enumerates the store implementations under test. Every contract
// test runs against each.
func engines(t *testing.T) []struct {
	name string
	make func(t *testing.T) protocol.Store
} {
	return []struct {
		name string
		make func(t *testing.T) protocol.Store
	}{
		{
			name: "mem",
			make: func(t *testing.T) protocol.Store {
				return NewMemStore(MemStoreConfig{Region: testRegion(), CheckExpected: true})
			},
		},
		{
			name: "pebble",
			make: func(t *testing.T) protocol.Store {
				s, err := OpenPebbleStore(PebbleStoreConfig{
					Dir:           t.TempDir(),
					Region:        testRegion(),
					CheckExpected: true,
				})
				require.NoError(t, err)
				t.Cleanup(func() { require.NoError(t, s.Close()) })
				return s
			},
		},
	}
}

func getMeta(t *testing.T, ctx context.Context, s protocol.Store) protocol.Metainfo {
	t.Helper()
	m, err := s.GetMetainfo(ctx, s.NewReadToken())
	require.NoError(t, err)
	return m
}

// writeKV applies op at ts, carrying the current metainfo forward.
func writeKV(
	t *testing.T, ctx context.Context, s protocol.Store,
	op protocol.WriteOp, ts protocol.TransitionTimestamp,
) protocol.WriteResponse {
	t.Helper()
	cur := getMeta(t, ctx, s)
	resp, err := s.Write(ctx, cur, cur, op, ts, s.NewWriteToken())
	require.NoError(t, err)
	return resp
}

func readKV(t *testing.T, ctx context.Context, s protocol.Store, key string) GetResponse {
	t.Helper()
	cur := getMeta(t, ctx, s)
	resp, err := s.Read(ctx, cur, GetOp{Key: region.Key(key)}, s.NewReadToken())
	require.NoError(t, err)
	return resp.(GetResponse)
}

func TestMetainfoRoundTrip(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	for _, eng := range engines(t) {
		t.Run(eng.name, func(t *testing.T) {
			s := eng.make(t)
			m := getMeta(t, ctx, s)
			require.True(t, m.Domain().Equal(s.Region()))

			want := region.NewMap(testRegion(), []byte("blob"))
			require.NoError(t, s.SetMetainfo(ctx, want, s.NewWriteToken()))
			require.True(t, protocol.MetainfoEqual(want, getMeta(t, ctx, s)))

			// A partial set leaves the rest untouched.
			part := region.NewMap(region.New(region.Key("c"), region.Key("f")), []byte("inner"))
			require.NoError(t, s.SetMetainfo(ctx, part, s.NewWriteToken()))
			got := getMeta(t, ctx, s)
			require.True(t, got.Domain().Equal(s.Region()))
			require.True(t, protocol.MetainfoEqual(part, got.Mask(part.Domain())))
		})
	}
}

func TestWriteThenReadObservesEffect(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	for _, eng := range engines(t) {
		t.Run(eng.name, func(t *testing.T) {
			s := eng.make(t)

			resp := writeKV(t, ctx, s, SetOp{Key: region.Key("k"), Value: []byte("v1")}, 0)
			require.IsType(t, SetResponse{}, resp)

			got := readKV(t, ctx, s, "k")
			require.True(t, got.Found)
			require.Equal(t, []byte("v1"), got.Value)

			writeKV(t, ctx, s, SetOp{Key: region.Key("k"), Value: []byte("v2")}, 1)
			require.Equal(t, []byte("v2"), readKV(t, ctx, s, "k").Value)

			del := writeKV(t, ctx, s, DeleteOp{Key: region.Key("k")}, 2)
			require.Equal(t, DeleteResponse{Deleted: true}, del)
			require.False(t, readKV(t, ctx, s, "k").Found)

			// Deleting an absent key reports nothing deleted.
			del = writeKV(t, ctx, s, DeleteOp{Key: region.Key("nope")}, 3)
			require.Equal(t, DeleteResponse{Deleted: false}, del)
		})
	}
}

func TestWriteInstallsMetainfoAtomically(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	for _, eng := range engines(t) {
		t.Run(eng.name, func(t *testing.T) {
			s := eng.make(t)
			cur := getMeta(t, ctx, s)
			next := region.NewMap(testRegion(), []byte("after-write"))
			_, err := s.Write(ctx, cur, next,
				SetOp{Key: region.Key("k"), Value: []byte("v")}, 0, s.NewWriteToken())
			require.NoError(t, err)
			require.True(t, protocol.MetainfoEqual(next, getMeta(t, ctx, s)))
		})
	}
}

func backfillInto(
	t *testing.T, ctx context.Context, src, dst protocol.Store,
	start region.Map[protocol.StateTimestamp],
) bool {
	t.Helper()
	sent, err := src.SendBackfill(ctx, start,
		func(protocol.Metainfo) bool { return true },
		func(c protocol.BackfillChunk) error {
			return dst.ReceiveBackfill(ctx, c, dst.NewWriteToken())
		},
		src.NewReadToken())
	require.NoError(t, err)
	return sent
}

func TestBackfillReproducesSource(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	for _, eng := range engines(t) {
		t.Run(eng.name, func(t *testing.T) {
			src := eng.make(t)
			dst := eng.make(t)

			writeKV(t, ctx, src, SetOp{Key: region.Key("b"), Value: []byte("1")}, 0)
			writeKV(t, ctx, src, SetOp{Key: region.Key("c"), Value: []byte("2")}, 1)
			writeKV(t, ctx, src, SetOp{Key: region.Key("d"), Value: []byte("3")}, 2)
			writeKV(t, ctx, src, DeleteOp{Key: region.Key("c")}, 3)

			start := region.NewMap(testRegion(), protocol.ZeroStateTimestamp)
			require.True(t, backfillInto(t, ctx, src, dst, start))

			require.Equal(t, []byte("1"), readKV(t, ctx, dst, "b").Value)
			require.False(t, readKV(t, ctx, dst, "c").Found, "tombstone must replicate")
			require.Equal(t, []byte("3"), readKV(t, ctx, dst, "d").Value)
		})
	}
}

func TestBackfillDeltaSkipsOldEntries(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	for _, eng := range engines(t) {
		t.Run(eng.name, func(t *testing.T) {
			src := eng.make(t)

			writeKV(t, ctx, src, SetOp{Key: region.Key("b"), Value: []byte("old")}, 0)
			writeKV(t, ctx, src, SetOp{Key: region.Key("c"), Value: []byte("new")}, 1)

			// A receiver already at state 1 only needs the second write.
			start := region.NewMap(testRegion(), protocol.StateTimestamp(1))
			var got []Chunk
			sent, err := src.SendBackfill(ctx, start,
				func(protocol.Metainfo) bool { return true },
				func(c protocol.BackfillChunk) error {
					got = append(got, c.(Chunk))
					return nil
				},
				src.NewReadToken())
			require.NoError(t, err)
			require.True(t, sent)
			require.Len(t, got, 1)
			require.Equal(t, region.Key("c"), got[0].Key)
			require.Equal(t, []byte("new"), got[0].Value)
		})
	}
}

func TestBackfillChunksAscendByTimestamp(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	for _, eng := range engines(t) {
		t.Run(eng.name, func(t *testing.T) {
			src := eng.make(t)
			// Write keys in an order that differs from key order.
			writeKV(t, ctx, src, SetOp{Key: region.Key("q"), Value: []byte("1")}, 0)
			writeKV(t, ctx, src, SetOp{Key: region.Key("b"), Value: []byte("2")}, 1)
			writeKV(t, ctx, src, SetOp{Key: region.Key("m"), Value: []byte("3")}, 2)

			start := region.NewMap(testRegion(), protocol.ZeroStateTimestamp)
			var last protocol.StateTimestamp
			_, err := src.SendBackfill(ctx, start,
				func(protocol.Metainfo) bool { return true },
				func(c protocol.BackfillChunk) error {
					require.GreaterOrEqual(t, c.Timestamp(), last)
					last = c.Timestamp()
					return nil
				},
				src.NewReadToken())
			require.NoError(t, err)
		})
	}
}

func TestSendBackfillDeclined(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	for _, eng := range engines(t) {
		t.Run(eng.name, func(t *testing.T) {
			src := eng.make(t)
			writeKV(t, ctx, src, SetOp{Key: region.Key("b"), Value: []byte("1")}, 0)

			calls := 0
			start := region.NewMap(testRegion(), protocol.ZeroStateTimestamp)
			sent, err := src.SendBackfill(ctx, start,
				func(protocol.Metainfo) bool { calls++; return false },
				func(c protocol.BackfillChunk) error {
					t.Fatal("no chunk expected after decline")
					return nil
				},
				src.NewReadToken())
			require.NoError(t, err)
			require.False(t, sent)
			require.Equal(t, 1, calls, "shouldBackfill must be called exactly once")
		})
	}
}

func TestResetDataClearsSubregion(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	for _, eng := range engines(t) {
		t.Run(eng.name, func(t *testing.T) {
			s := eng.make(t)
			writeKV(t, ctx, s, SetOp{Key: region.Key("b"), Value: []byte("1")}, 0)
			writeKV(t, ctx, s, SetOp{Key: region.Key("m"), Value: []byte("2")}, 1)

			sub := region.New(region.Key("a"), region.Key("h"))
			require.NoError(t, s.ResetData(ctx, sub,
				region.NewMap(sub, []byte("reset")), s.NewWriteToken()))

			require.False(t, readKV(t, ctx, s, "b").Found)
			require.Equal(t, []byte("2"), readKV(t, ctx, s, "m").Value)
			got := getMeta(t, ctx, s)
			require.True(t, got.Domain().Equal(s.Region()))
			require.True(t, protocol.MetainfoEqual(
				region.NewMap(sub, []byte("reset")), got.Mask(sub)))
		})
	}
}

func TestCancelledWritePreservesMetainfoInvariant(t *testing.T) {
	defer leaktest.AfterTest(t)()
	for _, eng := range engines(t) {
		t.Run(eng.name, func(t *testing.T) {
			ctx := context.Background()
			s := eng.make(t)

			cancelled, cancel := context.WithCancel(ctx)
			cancel()
			cur := getMeta(t, ctx, s)
			_, err := s.Write(cancelled, cur, cur,
				SetOp{Key: region.Key("k"), Value: []byte("v")}, 0, s.NewWriteToken())
			require.True(t, errors.Is(err, protocol.ErrInterrupted))

			got := getMeta(t, ctx, s)
			require.True(t, got.Domain().Equal(s.Region()))
		})
	}
}

func TestStaleExpectedMetainfoPanics(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	for _, eng := range engines(t) {
		t.Run(eng.name, func(t *testing.T) {
			s := eng.make(t)
			require.NoError(t, s.SetMetainfo(ctx,
				region.NewMap(testRegion(), []byte("current")), s.NewWriteToken()))

			stale := region.NewMap(testRegion(), []byte("stale"))
			require.Panics(t, func() {
				_, _ = s.Read(ctx, stale, GetOp{Key: region.Key("k")}, s.NewReadToken())
			})
		})
	}
}

func TestPebbleReopenRoundTrip(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	dir := t.TempDir()

	open := func() *PebbleStore {
		s, err := OpenPebbleStore(PebbleStoreConfig{Dir: dir, Region: testRegion()})
		require.NoError(t, err)
		return s
	}

	s := open()
	writeKV(t, ctx, s, SetOp{Key: region.Key("k"), Value: []byte("persisted")}, 0)
	meta := region.NewMap(testRegion(), []byte("meta-blob"))
	require.NoError(t, s.SetMetainfo(ctx, meta, s.NewWriteToken()))
	require.NoError(t, s.Close())

	s = open()
	defer func() { require.NoError(t, s.Close()) }()
	require.True(t, protocol.MetainfoEqual(meta, getMeta(t, ctx, s)))
	got := readKV(t, ctx, s, "k")
	require.True(t, got.Found)
	require.Equal(t, []byte("persisted"), got.Value)
}
