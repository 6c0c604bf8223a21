// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

package region

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// A Pair associates a region with a value.
type Pair[V any] struct {
	Region Region
	Value  V
}

// A Map is a piecewise-constant function from a region of the keyspace to
// values of type V, represented as a list of disjoint region/value pairs.
// The zero Map is the map with empty domain.
//
// Maps never store pairs with empty regions. Two maps describing the same
// function compare Equal regardless of how their domains are fragmented
// into pairs.
type Map[V any] struct {
	pairs []Pair[V]
}

// NewMap returns a map defined over r with the constant value v. If r is
// empty, the map has empty domain.
func NewMap[V any](r Region, v V) Map[V] {
	if r.IsEmpty() {
		return Map[V]{}
	}
	return Map[V]{pairs: []Pair[V]{{Region: r, Value: v}}}
}

// MapFromPairs constructs a map from region/value pairs. The regions must be
// pairwise disjoint and their union must be expressible as a region; this is
// checked and violations panic, since callers own the disjointness
// invariant. Pairs with empty regions are dropped.
func MapFromPairs[V any](pairs ...Pair[V]) Map[V] {
	kept := make([]Pair[V], 0, len(pairs))
	for _, p := range pairs {
		if !p.Region.IsEmpty() {
			kept = append(kept, p)
		}
	}
	m := Map[V]{pairs: kept}
	m.Domain() // panics if the pairs are not disjoint
	return m
}

// Pairs returns the map's region/value pairs. The result must not be
// mutated.
func (m Map[V]) Pairs() []Pair[V] {
	return m.pairs
}

// Domain returns the region covered by the map.
func (m Map[V]) Domain() Region {
	regions := make([]Region, len(m.pairs))
	for i, p := range m.pairs {
		regions[i] = p.Region
	}
	return MustJoin(regions)
}

// Mask returns the restriction of m to r: a map whose domain is the
// intersection of r with m's domain and whose values agree with m
// everywhere.
func (m Map[V]) Mask(r Region) Map[V] {
	var masked []Pair[V]
	for _, p := range m.pairs {
		if i := Intersect(p.Region, r); !i.IsEmpty() {
			masked = append(masked, Pair[V]{Region: i, Value: p.Value})
		}
	}
	return Map[V]{pairs: masked}
}

// Update overwrites m with newValues wherever newValues is defined. The
// domain of newValues must be contained in the domain of m; the domain of m
// is unchanged. Callers that violate the domain precondition get a panic,
// as update cannot expand the domain of a region map.
func (m *Map[V]) Update(newValues Map[V]) {
	if !m.Domain().IsSuperset(newValues.Domain()) {
		panic(errors.AssertionFailedf(
			"update cannot expand the domain of a region map: %s does not contain %s",
			m.Domain(), newValues.Domain()))
	}
	overlay := make([]Region, len(newValues.pairs))
	for i, p := range newValues.pairs {
		overlay[i] = p.Region
	}

	updated := make([]Pair[V], 0, len(m.pairs)+len(newValues.pairs))
	for _, old := range m.pairs {
		// Keep the slices of the old pair not covered by the overlay.
		for _, rest := range SubtractMany(old.Region, overlay) {
			updated = append(updated, Pair[V]{Region: rest, Value: old.Value})
		}
	}
	updated = append(updated, newValues.pairs...)
	m.pairs = updated
}

// Set overwrites the slice of m covered by r with the value v. The region r
// must be contained in m's domain.
func (m *Map[V]) Set(r Region, v V) {
	m.Update(NewMap(r, v))
}

// Get returns the value at key k. The second return value is false if k is
// outside the map's domain.
func (m Map[V]) Get(k Key) (V, bool) {
	for _, p := range m.pairs {
		if p.Region.ContainsKey(k) {
			return p.Value, true
		}
	}
	var zero V
	return zero, false
}

// Transform applies f to every value of m, returning a map over the same
// domain with the same fragmentation.
func Transform[V, W any](m Map[V], f func(V) W) Map[W] {
	pairs := make([]Pair[W], len(m.pairs))
	for i, p := range m.pairs {
		pairs[i] = Pair[W]{Region: p.Region, Value: f(p.Value)}
	}
	return Map[W]{pairs: pairs}
}

// MapsEqualFunc reports whether a and b describe the same piecewise
// function, comparing values with eq. The comparison is insensitive to pair
// order and to how the domain is fragmented.
func MapsEqualFunc[V any](a, b Map[V], eq func(V, V) bool) bool {
	if !a.Domain().Equal(b.Domain()) {
		return false
	}
	for _, p := range a.pairs {
		for _, q := range b.Mask(p.Region).pairs {
			if !eq(p.Value, q.Value) {
				return false
			}
		}
	}
	return true
}

// MapsEqual is MapsEqualFunc for comparable value types.
func MapsEqual[V comparable](a, b Map[V]) bool {
	return MapsEqualFunc(a, b, func(x, y V) bool { return x == y })
}

func (m Map[V]) String() string {
	var sb strings.Builder
	sb.WriteString("{")
	for i, p := range m.pairs {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s:%v", p.Region, p.Value)
	}
	sb.WriteString("}")
	return sb.String()
}
