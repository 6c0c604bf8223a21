// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

package semilattice

import (
	"context"
	"testing"
	"time"

	"github.com/jisqyv/rethinkdb/pkg/util/leaktest"
	"github.com/stretchr/testify/require"
)

// maxInt is the test semilattice: join is max.
type maxInt int

func (a maxInt) Join(b maxInt) maxInt {
	if b > a {
		return b
	}
	return a
}

// pair is a struct-shaped semilattice for field projection tests.
type pair struct {
	Left  maxInt
	Right maxInt
}

func (a pair) Join(b pair) pair {
	return pair{Left: a.Left.Join(b.Left), Right: a.Right.Join(b.Right)}
}

func TestJoinIsIdempotentAndCommutative(t *testing.T) {
	a := NewVar(maxInt(3))
	a.Join(7)
	a.Join(5)
	a.Join(7)
	require.Equal(t, maxInt(7), a.Get())

	b := NewVar(maxInt(3))
	b.Join(5)
	b.Join(7)
	require.Equal(t, a.Get(), b.Get(), "join order must not affect the value")
}

func TestEveryJoinBumpsVersion(t *testing.T) {
	v := NewVar(maxInt(10))
	require.Equal(t, uint64(0), v.Version())
	v.Join(1) // no-op at the value level
	v.Join(20)
	require.Equal(t, uint64(2), v.Version())
	require.Equal(t, maxInt(20), v.Get())
}

func TestChangedWakesWatcher(t *testing.T) {
	defer leaktest.AfterTest(t)()
	v := NewVar(maxInt(0))
	ch := v.Changed()
	done := make(chan maxInt, 1)
	go func() {
		<-ch
		done <- v.Get()
	}()
	v.Join(42)
	select {
	case got := <-done:
		require.Equal(t, maxInt(42), got)
	case <-time.After(10 * time.Second):
		t.Fatal("watcher was not woken by join")
	}
}

func TestFieldProjection(t *testing.T) {
	root := NewVar(pair{Left: 1, Right: 2})
	left := Field(root,
		func(p pair) maxInt { return p.Left },
		func(v maxInt) pair { return pair{Left: v} })

	require.Equal(t, maxInt(1), left.Get())

	// A join through the projection touches only the projected field.
	left.Join(9)
	require.Equal(t, pair{Left: 9, Right: 2}, root.Get())

	// A join at the root is visible through the projection.
	root.Join(pair{Left: 11})
	require.Equal(t, maxInt(11), left.Get())
}

func TestMemberProjection(t *testing.T) {
	root := NewVar(Map[string, maxInt]{})
	m := Member(root, "a")

	// Absent keys read as the zero value.
	require.Equal(t, maxInt(0), m.Get())

	m.Join(5)
	require.Equal(t, maxInt(5), root.Get()["a"])

	// Joins to other keys leave the member untouched.
	root.Join(Map[string, maxInt]{"b": 3})
	require.Equal(t, maxInt(5), m.Get())
	require.Equal(t, maxInt(3), root.Get()["b"])
}

func TestMapJoinIsKeywise(t *testing.T) {
	a := Map[string, maxInt]{"x": 1, "y": 5}
	b := Map[string, maxInt]{"y": 2, "z": 7}
	j := a.Join(b)
	require.Equal(t, Map[string, maxInt]{"x": 1, "y": 5, "z": 7}, j)
	// Inputs are not mutated.
	require.Equal(t, Map[string, maxInt]{"x": 1, "y": 5}, a)
	require.Equal(t, Map[string, maxInt]{"y": 2, "z": 7}, b)
}

func TestWaitReturnsWhenPredicateHolds(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	v := NewVar(maxInt(0))

	done := make(chan maxInt, 1)
	go func() {
		got, err := Wait(ctx, v, func(x maxInt) bool { return x >= 10 })
		if err == nil {
			done <- got
		}
	}()
	v.Join(4)
	v.Join(12)
	select {
	case got := <-done:
		require.GreaterOrEqual(t, int(got), 10)
	case <-time.After(10 * time.Second):
		t.Fatal("Wait did not observe the join")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx, cancel := context.WithCancel(context.Background())
	v := NewVar(maxInt(0))
	errCh := make(chan error, 1)
	go func() {
		_, err := Wait(ctx, v, func(maxInt) bool { return false })
		errCh <- err
	}()
	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("Wait did not observe cancellation")
	}
}
