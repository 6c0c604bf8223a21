// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

package region

import (
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"
)

// ErrBadRegion is returned when the result of a region operation cannot be
// expressed as a single region (for example, the join of two regions with a
// gap between them).
var ErrBadRegion = errors.New("set cannot be expressed as a region")

// ErrBadJoin is returned by Join when the input regions are not pairwise
// disjoint.
var ErrBadJoin = errors.New("regions to join must be non-overlapping")

// A Region is a half-open interval of the keyspace: it contains every key k
// with Key <= k < EndKey. The zero Region is empty.
//
// Regions are treated as values; operations return regions that may share
// key storage with their inputs.
type Region struct {
	Key    Key
	EndKey Key
}

// Empty returns an empty region.
func Empty() Region {
	return Region{}
}

// Everything returns the region covering the entire addressable keyspace.
func Everything() Region {
	return Region{Key: KeyMin, EndKey: KeyMax}
}

// New constructs the region [start, end).
func New(start, end Key) Region {
	return Region{Key: start, EndKey: end}
}

// Point returns the region containing exactly the key k.
func Point(k Key) Region {
	return Region{Key: k, EndKey: k.Next()}
}

// IsEmpty reports whether r contains no keys.
func (r Region) IsEmpty() bool {
	return r.Key.Compare(r.EndKey) >= 0
}

// ContainsKey reports whether k is inside r.
func (r Region) ContainsKey(k Key) bool {
	return r.Key.Compare(k) <= 0 && k.Compare(r.EndKey) < 0
}

// IsSuperset reports whether r contains every key of other. An empty region
// is contained in every region.
func (r Region) IsSuperset(other Region) bool {
	if other.IsEmpty() {
		return true
	}
	return r.Key.Compare(other.Key) <= 0 && other.EndKey.Compare(r.EndKey) <= 0
}

// Equal reports whether r and other contain exactly the same keys.
func (r Region) Equal(other Region) bool {
	if r.IsEmpty() || other.IsEmpty() {
		return r.IsEmpty() && other.IsEmpty()
	}
	return r.Key.Equal(other.Key) && r.EndKey.Equal(other.EndKey)
}

// Intersect returns the region of keys contained in both r and other.
func Intersect(r, other Region) Region {
	i := r
	if i.Key.Compare(other.Key) < 0 {
		i.Key = other.Key
	}
	if other.EndKey.Compare(i.EndKey) < 0 {
		i.EndKey = other.EndKey
	}
	if i.IsEmpty() {
		return Empty()
	}
	return i
}

// Overlaps reports whether r and other share at least one key.
func Overlaps(r, other Region) bool {
	return !Intersect(r, other).IsEmpty()
}

// Join unions a set of pairwise-disjoint regions into one region. It returns
// ErrBadJoin if any two inputs overlap and ErrBadRegion if the union has
// gaps and is therefore not expressible as a single region. Empty inputs are
// ignored; the join of nothing is the empty region.
func Join(regions []Region) (Region, error) {
	nonEmpty := make([]Region, 0, len(regions))
	for _, r := range regions {
		if !r.IsEmpty() {
			nonEmpty = append(nonEmpty, r)
		}
	}
	if len(nonEmpty) == 0 {
		return Empty(), nil
	}
	// Sort first on the start key and second on the end key so a single
	// sweep can detect overlaps and gaps.
	sort.Slice(nonEmpty, func(i, j int) bool {
		if c := nonEmpty[i].Key.Compare(nonEmpty[j].Key); c != 0 {
			return c < 0
		}
		return nonEmpty[i].EndKey.Compare(nonEmpty[j].EndKey) < 0
	})
	joined := nonEmpty[0]
	for _, cur := range nonEmpty[1:] {
		c := cur.Key.Compare(joined.EndKey)
		if c < 0 {
			return Empty(), errors.Wrapf(ErrBadJoin, "%s overlaps %s", cur, joined)
		}
		if c > 0 {
			return Empty(), errors.Wrapf(ErrBadRegion, "gap between %s and %s", joined, cur)
		}
		joined.EndKey = cur.EndKey
	}
	return joined, nil
}

// MustJoin is like Join but panics on failure. It is used where the caller
// has already established that the inputs are disjoint and contiguous, such
// as computing the domain of a region map.
func MustJoin(regions []Region) Region {
	joined, err := Join(regions)
	if err != nil {
		panic(err)
	}
	return joined
}

// SubtractMany returns the keys of r not covered by any region in subs, as
// an ordered set of disjoint regions. The subtrahends may overlap each other
// and need not be contained in r.
func SubtractMany(r Region, subs []Region) []Region {
	if r.IsEmpty() {
		return nil
	}
	trimmed := make([]Region, 0, len(subs))
	for _, s := range subs {
		if i := Intersect(r, s); !i.IsEmpty() {
			trimmed = append(trimmed, i)
		}
	}
	if len(trimmed) == 0 {
		return []Region{r}
	}
	sort.Slice(trimmed, func(i, j int) bool {
		return trimmed[i].Key.Compare(trimmed[j].Key) < 0
	})

	var remaining []Region
	cursor := r.Key
	for _, s := range trimmed {
		if cursor.Compare(s.Key) < 0 {
			remaining = append(remaining, Region{Key: cursor, EndKey: s.Key})
		}
		if cursor.Compare(s.EndKey) < 0 {
			cursor = s.EndKey
		}
	}
	if cursor.Compare(r.EndKey) < 0 {
		remaining = append(remaining, Region{Key: cursor, EndKey: r.EndKey})
	}
	return remaining
}

func (r Region) String() string {
	if r.IsEmpty() {
		return "{}"
	}
	return fmt.Sprintf("[%s,%s)", r.Key, r.EndKey)
}
