// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

// Package region implements the keyspace algebra the replication core is
// built on: byte-string keys, half-open key regions closed under
// join/intersection/subtraction, and piecewise-constant maps from regions to
// values.
package region

import (
	"bytes"
	"fmt"
)

// Key is a routing key for the keyspace. Keys compare lexicographically as
// byte strings. KeyMin sorts before every other key; user keys must sort
// strictly below KeyMax.
type Key []byte

var (
	// KeyMin is the lowest possible key.
	KeyMin = Key("")
	// KeyMax is an upper bound past every addressable key.
	KeyMax = Key("\xff\xff")
)

// Compare returns -1, 0 or 1 depending on whether k sorts before, equal to
// or after o.
func (k Key) Compare(o Key) int {
	return bytes.Compare(k, o)
}

// Equal reports whether k and o are byte-wise identical.
func (k Key) Equal(o Key) bool {
	return bytes.Equal(k, o)
}

// Next returns the key immediately after k: k with a zero byte appended.
// The result does not share storage with k.
func (k Key) Next() Key {
	next := make(Key, len(k)+1)
	copy(next, k)
	return next
}

// Clone returns a copy of k that does not share storage with it.
func (k Key) Clone() Key {
	if k == nil {
		return nil
	}
	c := make(Key, len(k))
	copy(c, k)
	return c
}

func (k Key) String() string {
	if k.Equal(KeyMax) {
		return "/Max"
	}
	return fmt.Sprintf("%q", string(k))
}
