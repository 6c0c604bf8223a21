// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

package resource

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jisqyv/rethinkdb/pkg/mailbox"
	"github.com/jisqyv/rethinkdb/pkg/semilattice"
	"github.com/jisqyv/rethinkdb/pkg/util/leaktest"
	"github.com/jisqyv/rethinkdb/pkg/util/stop"
	"github.com/stretchr/testify/require"
)

func waitPulsed(t *testing.T, s interface {
	C() <-chan struct{}
	Reason() string
}) {
	t.Helper()
	select {
	case <-s.C():
	case <-time.After(10 * time.Second):
		t.Fatal("signal did not pulse")
	}
}

func TestAccessSeesAdvertisedValue(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	stopper := stop.NewStopper()
	defer stopper.Stop(ctx)

	n := mailbox.NewNetwork()
	server := n.NewManager(stopper)
	client := n.NewManager(stopper)

	v := semilattice.NewVar(Metadata[string]{})
	ad := Advertise[string](v, server.Peer(), "handle")
	defer ad.Close()

	acc, err := NewAccess[string](ctx, stopper, n, client.Peer(), v)
	require.NoError(t, err)
	require.Equal(t, "handle", acc.Value())
	require.False(t, acc.Failed().IsPulsed())
}

func TestAccessBeforeAdvertisementFails(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	stopper := stop.NewStopper()
	defer stopper.Stop(ctx)

	n := mailbox.NewNetwork()
	client := n.NewManager(stopper)

	v := semilattice.NewVar(Metadata[string]{})
	_, err := NewAccess[string](ctx, stopper, n, client.Peer(), v)
	require.True(t, errors.Is(err, ErrResourceLost))
}

func TestAccessAfterCloseFails(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	stopper := stop.NewStopper()
	defer stopper.Stop(ctx)

	n := mailbox.NewNetwork()
	server := n.NewManager(stopper)
	client := n.NewManager(stopper)

	v := semilattice.NewVar(Metadata[string]{})
	ad := Advertise[string](v, server.Peer(), "handle")
	ad.Close()

	_, err := NewAccess[string](ctx, stopper, n, client.Peer(), v)
	require.True(t, errors.Is(err, ErrResourceLost))
}

func TestCloseWhileHeldPulsesFailed(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	stopper := stop.NewStopper()
	defer stopper.Stop(ctx)

	n := mailbox.NewNetwork()
	server := n.NewManager(stopper)
	client := n.NewManager(stopper)

	v := semilattice.NewVar(Metadata[string]{})
	ad := Advertise[string](v, server.Peer(), "handle")

	acc, err := NewAccess[string](ctx, stopper, n, client.Peer(), v)
	require.NoError(t, err)

	ad.Close()
	waitPulsed(t, acc.Failed())
	require.Contains(t, acc.Failed().Reason(), "destroyed")
	// The captured handle stays readable.
	require.Equal(t, "handle", acc.Value())
}

func TestPeerDeathPulsesFailed(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	stopper := stop.NewStopper()
	defer stopper.Stop(ctx)

	n := mailbox.NewNetwork()
	server := n.NewManager(stopper)
	client := n.NewManager(stopper)

	v := semilattice.NewVar(Metadata[string]{})
	Advertise[string](v, server.Peer(), "handle")

	acc, err := NewAccess[string](ctx, stopper, n, client.Peer(), v)
	require.NoError(t, err)

	n.Disconnect(server.Peer())
	waitPulsed(t, acc.Failed())
	require.Contains(t, acc.Failed().Reason(), "disconnected")
}

func TestDestroyedJoinsOverLive(t *testing.T) {
	// A late-arriving Live must not resurrect a Destroyed resource.
	dead := Metadata[string]{State: Destroyed}
	live := Metadata[string]{State: Live, Value: "handle"}
	require.Equal(t, Destroyed, dead.Join(live).State)
	require.Equal(t, Destroyed, live.Join(dead).State)
}
