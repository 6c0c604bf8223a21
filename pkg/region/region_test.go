// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

package region

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func span(start, end string) Region {
	return New(Key(start), Key(end))
}

func TestRegionIsEmpty(t *testing.T) {
	testCases := []struct {
		r     Region
		empty bool
	}{
		{Region{}, true},
		{span("a", "a"), true},
		{span("b", "a"), true},
		{span("a", "b"), false},
		{Point(Key("a")), false},
		{Everything(), false},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.empty, tc.r.IsEmpty(), "%s", tc.r)
	}
}

func TestRegionIsSuperset(t *testing.T) {
	testCases := []struct {
		outer, inner Region
		want         bool
	}{
		{span("a", "z"), span("c", "f"), true},
		{span("a", "z"), span("a", "z"), true},
		{span("c", "f"), span("a", "z"), false},
		{span("a", "f"), span("c", "z"), false},
		{span("a", "f"), Empty(), true},
		{Empty(), Empty(), true},
		{Empty(), span("a", "b"), false},
		{Everything(), span("a", "b"), true},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.want, tc.outer.IsSuperset(tc.inner),
			"IsSuperset(%s, %s)", tc.outer, tc.inner)
	}
}

func TestRegionIntersect(t *testing.T) {
	testCases := []struct {
		a, b, want Region
	}{
		{span("a", "f"), span("c", "z"), span("c", "f")},
		{span("a", "c"), span("c", "z"), Empty()},
		{span("a", "c"), span("x", "z"), Empty()},
		{span("a", "z"), span("c", "f"), span("c", "f")},
		{span("a", "z"), Empty(), Empty()},
	}
	for _, tc := range testCases {
		require.True(t, Intersect(tc.a, tc.b).Equal(tc.want),
			"Intersect(%s, %s) = %s, want %s", tc.a, tc.b, Intersect(tc.a, tc.b), tc.want)
		require.True(t, Intersect(tc.b, tc.a).Equal(tc.want), "intersection must commute")
	}
}

func TestRegionJoin(t *testing.T) {
	t.Run("contiguous", func(t *testing.T) {
		joined, err := Join([]Region{span("m", "z"), span("a", "c"), span("c", "m")})
		require.NoError(t, err)
		require.True(t, joined.Equal(span("a", "z")))
	})
	t.Run("empty inputs ignored", func(t *testing.T) {
		joined, err := Join([]Region{Empty(), span("a", "c"), Empty(), span("c", "f")})
		require.NoError(t, err)
		require.True(t, joined.Equal(span("a", "f")))
	})
	t.Run("join of nothing", func(t *testing.T) {
		joined, err := Join(nil)
		require.NoError(t, err)
		require.True(t, joined.IsEmpty())
	})
	t.Run("overlap is a bad join", func(t *testing.T) {
		_, err := Join([]Region{span("a", "f"), span("c", "z")})
		require.ErrorIs(t, err, ErrBadJoin)
	})
	t.Run("gap is a bad region", func(t *testing.T) {
		_, err := Join([]Region{span("a", "c"), span("f", "z")})
		require.ErrorIs(t, err, ErrBadRegion)
	})
}

func TestRegionSubtractMany(t *testing.T) {
	testCases := []struct {
		r    Region
		subs []Region
		want []Region
	}{
		{span("a", "z"), nil, []Region{span("a", "z")}},
		{span("a", "z"), []Region{span("c", "f")}, []Region{span("a", "c"), span("f", "z")}},
		{span("a", "z"), []Region{span("a", "z")}, nil},
		{span("a", "z"), []Region{span("0", "c"), span("x", "~")}, []Region{span("c", "x")}},
		{span("a", "z"), []Region{span("c", "f"), span("p", "q")},
			[]Region{span("a", "c"), span("f", "p"), span("q", "z")}},
		// Overlapping subtrahends collapse.
		{span("a", "z"), []Region{span("c", "m"), span("f", "q")},
			[]Region{span("a", "c"), span("q", "z")}},
		{span("a", "c"), []Region{span("x", "z")}, []Region{span("a", "c")}},
	}
	for _, tc := range testCases {
		got := SubtractMany(tc.r, tc.subs)
		require.Equal(t, len(tc.want), len(got), "SubtractMany(%s, %v) = %v", tc.r, tc.subs, got)
		for i := range got {
			require.True(t, got[i].Equal(tc.want[i]),
				"SubtractMany(%s, %v)[%d] = %s, want %s", tc.r, tc.subs, i, got[i], tc.want[i])
		}
	}
}

func TestMapDisjointness(t *testing.T) {
	// Every mutation of a map must leave its entries pairwise disjoint.
	m := NewMap(span("a", "z"), 0)
	m.Set(span("c", "f"), 1)
	m.Set(span("e", "p"), 2)
	m.Update(MapFromPairs(
		Pair[int]{Region: span("b", "d"), Value: 3},
		Pair[int]{Region: span("q", "s"), Value: 4},
	))
	pairs := m.Pairs()
	for i := range pairs {
		for j := i + 1; j < len(pairs); j++ {
			require.False(t, Overlaps(pairs[i].Region, pairs[j].Region),
				"entries %s and %s overlap", pairs[i].Region, pairs[j].Region)
		}
	}
	require.True(t, m.Domain().Equal(span("a", "z")))
}

func TestMapUpdatePreservesDomain(t *testing.T) {
	// Scenario: m = {([a,z), 0)}, updated with {([c,f), 1), ([p,q), 2)}.
	m := NewMap(span("a", "z"), 0)
	m.Update(MapFromPairs(
		Pair[int]{Region: span("c", "f"), Value: 1},
		Pair[int]{Region: span("p", "q"), Value: 2},
	))
	require.True(t, m.Domain().Equal(span("a", "z")))

	inner := m.Mask(span("c", "f"))
	require.Len(t, inner.Pairs(), 1)
	require.Equal(t, 1, inner.Pairs()[0].Value)

	outer := m.Mask(span("g", "o"))
	require.Len(t, outer.Pairs(), 1)
	require.Equal(t, 0, outer.Pairs()[0].Value)
}

func TestMapUpdateOverride(t *testing.T) {
	m := NewMap(span("a", "z"), "old")
	n := MapFromPairs(
		Pair[string]{Region: span("b", "d"), Value: "x"},
		Pair[string]{Region: span("d", "f"), Value: "y"},
	)
	m.Update(n)
	require.True(t, MapsEqual(m.Mask(n.Domain()), n))
}

func TestMapUpdateDomainViolationPanics(t *testing.T) {
	m := NewMap(span("c", "f"), 0)
	require.Panics(t, func() {
		m.Update(NewMap(span("a", "z"), 1))
	})
}

func TestMapMaskComposition(t *testing.T) {
	m := MapFromPairs(
		Pair[int]{Region: span("a", "g"), Value: 1},
		Pair[int]{Region: span("g", "n"), Value: 2},
		Pair[int]{Region: span("n", "z"), Value: 3},
	)
	a := span("c", "p")
	b := span("e", "x")
	require.True(t, MapsEqual(m.Mask(a).Mask(b), m.Mask(Intersect(a, b))))
}

func TestMapTransformCommutesWithMask(t *testing.T) {
	m := MapFromPairs(
		Pair[int]{Region: span("a", "m"), Value: 10},
		Pair[int]{Region: span("m", "z"), Value: 20},
	)
	f := func(v int) string {
		if v > 15 {
			return "big"
		}
		return "small"
	}
	r := span("f", "q")
	require.True(t, MapsEqual(Transform(m.Mask(r), f), Transform(m, f).Mask(r)))
}

func TestMapEqualityFragmentationInsensitive(t *testing.T) {
	a := MapFromPairs(
		Pair[int]{Region: span("a", "m"), Value: 7},
		Pair[int]{Region: span("m", "z"), Value: 7},
	)
	b := NewMap(span("a", "z"), 7)
	require.True(t, MapsEqual(a, b))
	require.True(t, MapsEqual(b, a))

	c := NewMap(span("a", "z"), 8)
	require.False(t, MapsEqual(a, c))

	// Different domains are never equal, even when values agree.
	d := NewMap(span("a", "m"), 7)
	require.False(t, MapsEqual(a, d))
}

func TestMapFromPairsRejectsOverlap(t *testing.T) {
	require.Panics(t, func() {
		MapFromPairs(
			Pair[int]{Region: span("a", "f"), Value: 1},
			Pair[int]{Region: span("c", "z"), Value: 2},
		)
	})
}

func TestMapGet(t *testing.T) {
	m := NewMap(span("a", "z"), "v")
	got, ok := m.Get(Key("q"))
	require.True(t, ok)
	require.Equal(t, "v", got)
	_, ok = m.Get(Key("~"))
	require.False(t, ok)
}

func TestBadJoinIsNotBadRegion(t *testing.T) {
	_, err := Join([]Region{span("a", "f"), span("c", "z")})
	require.True(t, errors.Is(err, ErrBadJoin))
	require.False(t, errors.Is(err, ErrBadRegion))
}
