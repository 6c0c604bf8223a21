// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

package branch

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jisqyv/rethinkdb/pkg/kvstore"
	"github.com/jisqyv/rethinkdb/pkg/mailbox"
	"github.com/jisqyv/rethinkdb/pkg/protocol"
	"github.com/jisqyv/rethinkdb/pkg/region"
	"github.com/jisqyv/rethinkdb/pkg/resource"
	"github.com/jisqyv/rethinkdb/pkg/semilattice"
	"github.com/jisqyv/rethinkdb/pkg/util/leaktest"
	"github.com/jisqyv/rethinkdb/pkg/util/stop"
	"github.com/stretchr/testify/require"
)

// cluster is a one-process namespace: a shared network and semilattice, with
// each participant on its own peer.
type cluster struct {
	t       *testing.T
	stopper *stop.Stopper
	network *mailbox.Network
	ns      *semilattice.Var[NamespaceMetadata]
}

func newCluster(t *testing.T) *cluster {
	return &cluster{
		t:       t,
		stopper: stop.NewStopper(),
		network: mailbox.NewNetwork(),
		ns:      semilattice.NewVar(NamespaceMetadata{}),
	}
}

func (c *cluster) node() *mailbox.Manager {
	return c.network.NewManager(c.stopper)
}

func (c *cluster) store() protocol.Store {
	return kvstore.NewMemStore(kvstore.MemStoreConfig{
		Region:        region.New(region.Key("a"), region.Key("z")),
		CheckExpected: true,
	})
}

func (c *cluster) startMaster(ctx context.Context, seed protocol.Store) *Master {
	c.t.Helper()
	m, err := NewMaster(ctx, MasterConfig{
		Stopper: c.stopper,
		Network: c.network,
		Manager: c.node(),
		Metrics: NewMetrics(nil),
	}, c.ns, seed)
	require.NoError(c.t, err)
	return m
}

func (c *cluster) startClient(ctx context.Context) *Client {
	c.t.Helper()
	cl, err := NewClient(ctx, c.stopper, c.network, c.node(), c.ns)
	require.NoError(c.t, err)
	return cl
}

// joinMirror enrolls st in the master's branch with the given roles. Callers
// backfill st first.
func (c *cluster) joinMirror(
	ctx context.Context, m *Master, mgr *mailbox.Manager, st protocol.Store,
	writeread, read bool,
) *Mirror {
	c.t.Helper()
	mir, err := NewMirror(ctx, MirrorConfig{
		Stopper:        c.stopper,
		Network:        c.network,
		Manager:        mgr,
		Store:          st,
		ServeWriteRead: writeread,
		ServeRead:      read,
		RegistrarView:  RegistrarView(c.ns, m.Branch()),
	}, m.Branch())
	require.NoError(c.t, err)
	return mir
}

func TestMasterServesWritesAndReads(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	c := newCluster(t)
	defer c.stopper.Stop(ctx)

	seed := c.store()
	m := c.startMaster(ctx, seed)
	defer m.Close(ctx)
	cl := c.startClient(ctx)

	resp, err := cl.Write(ctx, kvstore.SetOp{Key: region.Key("k"), Value: []byte("v")})
	require.NoError(t, err)
	require.IsType(t, kvstore.SetResponse{}, resp)

	got, err := cl.Read(ctx, kvstore.GetOp{Key: region.Key("k")})
	require.NoError(t, err)
	require.True(t, got.(kvstore.GetResponse).Found)
	require.Equal(t, []byte("v"), got.(kvstore.GetResponse).Value)

	// The seed store's metainfo tracks the branch.
	meta, err := seed.GetMetainfo(ctx, seed.NewReadToken())
	require.NoError(t, err)
	decoded, err := DecodeMetainfo(meta)
	require.NoError(t, err)
	ts, err := CurrentTimestamp(decoded)
	require.NoError(t, err)
	require.Equal(t, protocol.StateTimestamp(1), ts)
	require.Equal(t, m.Branch(), decoded.Pairs()[0].Value.Branch)
	require.Equal(t, ts, m.Dispatcher().CurrentTimestamp())
}

func TestWritesFanOutToEveryMirror(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	c := newCluster(t)
	defer c.stopper.Stop(ctx)

	seed := c.store()
	m := c.startMaster(ctx, seed)
	defer m.Close(ctx)
	cl := c.startClient(ctx)

	_, err := cl.Write(ctx, kvstore.SetOp{Key: region.Key("k1"), Value: []byte("v1")})
	require.NoError(t, err)

	// A new mirror catches up by backfill, then joins write-only.
	st2 := c.store()
	done, err := Backfill(ctx, seed, st2, nil)
	require.NoError(t, err)
	require.True(t, done)
	mir2 := c.joinMirror(ctx, m, c.node(), st2, false, false)
	defer mir2.Close(ctx)
	require.NoError(t, m.Dispatcher().WaitForMirrors(ctx, 2))

	// The write returns only after every mirror acked, so both stores hold
	// the new key the moment the client hears back.
	_, err = cl.Write(ctx, kvstore.SetOp{Key: region.Key("k2"), Value: []byte("v2")})
	require.NoError(t, err)

	for _, st := range []protocol.Store{seed, st2} {
		require.True(t, readKey(t, ctx, st, "k1").Found)
		require.True(t, readKey(t, ctx, st, "k2").Found)
	}

	seedMeta, err := seed.GetMetainfo(ctx, seed.NewReadToken())
	require.NoError(t, err)
	st2Meta, err := st2.GetMetainfo(ctx, st2.NewReadToken())
	require.NoError(t, err)
	require.True(t, protocol.MetainfoEqual(seedMeta, st2Meta))
}

func TestWriteToleratesLostWriteOnlyMirror(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	c := newCluster(t)
	defer c.stopper.Stop(ctx)

	seed := c.store()
	m := c.startMaster(ctx, seed)
	defer m.Close(ctx)
	cl := c.startClient(ctx)

	st2 := c.store()
	done, err := Backfill(ctx, seed, st2, nil)
	require.NoError(t, err)
	require.True(t, done)
	mirrorNode := c.node()
	mir2 := c.joinMirror(ctx, m, mirrorNode, st2, false, false)
	defer mir2.Close(ctx)
	require.NoError(t, m.Dispatcher().WaitForMirrors(ctx, 2))

	// The write-only mirror dies. Writes still succeed on the strength of
	// the writeread mirror's response; the loss is the registrar's to clean
	// up.
	c.network.Disconnect(mirrorNode.Peer())
	_, err = cl.Write(ctx, kvstore.SetOp{Key: region.Key("k"), Value: []byte("v")})
	require.NoError(t, err)
	require.True(t, readKey(t, ctx, seed, "k").Found)

	require.Eventually(t, func() bool {
		return m.Dispatcher().NumMirrors() == 1
	}, 10*time.Second, 10*time.Millisecond)
}

func TestMirrorDeregistersOnClose(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	c := newCluster(t)
	defer c.stopper.Stop(ctx)

	seed := c.store()
	m := c.startMaster(ctx, seed)
	defer m.Close(ctx)

	st2 := c.store()
	done, err := Backfill(ctx, seed, st2, nil)
	require.NoError(t, err)
	require.True(t, done)
	mir2 := c.joinMirror(ctx, m, c.node(), st2, true, true)
	require.NoError(t, m.Dispatcher().WaitForMirrors(ctx, 2))

	mir2.Close(ctx)
	require.Eventually(t, func() bool {
		return m.Dispatcher().NumMirrors() == 1
	}, 10*time.Second, 10*time.Millisecond)
}

func TestClientFailsAfterMasterClose(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	c := newCluster(t)
	defer c.stopper.Stop(ctx)

	m := c.startMaster(ctx, c.store())
	cl := c.startClient(ctx)
	m.Close(ctx)

	_, err := cl.Write(ctx, kvstore.SetOp{Key: region.Key("k"), Value: []byte("v")})
	require.True(t, errors.Is(err, resource.ErrResourceLost))
}

func TestClientBeforeMasterFails(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	c := newCluster(t)
	defer c.stopper.Stop(ctx)

	_, err := NewClient(ctx, c.stopper, c.network, c.node(), c.ns)
	require.True(t, errors.Is(err, resource.ErrResourceLost))
}

func TestMasterRejectsIncoherentSeed(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	c := newCluster(t)
	defer c.stopper.Stop(ctx)

	seed := c.store()
	// Stamp half the region with a different branch point.
	half := region.NewMap(region.New(region.Key("a"), region.Key("m")),
		EncodeBranchPoint(BranchPoint{Branch: NewBranchID(), TS: 5}))
	require.NoError(t, seed.SetMetainfo(ctx, half, seed.NewWriteToken()))

	_, err := NewMaster(ctx, MasterConfig{
		Stopper: c.stopper,
		Network: c.network,
		Manager: c.node(),
		Metrics: NewMetrics(nil),
	}, c.ns, seed)
	require.Error(t, err)
}

func TestSequentialWritesCommitInOrder(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	c := newCluster(t)
	defer c.stopper.Stop(ctx)

	seed := c.store()
	m := c.startMaster(ctx, seed)
	defer m.Close(ctx)
	cl := c.startClient(ctx)

	for i, v := range []string{"v1", "v2", "v3"} {
		_, err := cl.Write(ctx, kvstore.SetOp{Key: region.Key("k"), Value: []byte(v)})
		require.NoError(t, err)
		got, err := cl.Read(ctx, kvstore.GetOp{Key: region.Key("k")})
		require.NoError(t, err)
		require.Equal(t, []byte(v), got.(kvstore.GetResponse).Value, "write %d", i)
	}
	require.Equal(t, protocol.StateTimestamp(3), m.Dispatcher().CurrentTimestamp())
}
