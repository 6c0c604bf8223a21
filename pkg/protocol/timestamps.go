// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

package protocol

import "fmt"

// StateTimestamp is the logical clock of a branch: the number of writes that
// have been applied to reach the current state.
type StateTimestamp uint64

// ZeroStateTimestamp is the timestamp of a freshly created store.
const ZeroStateTimestamp StateTimestamp = 0

// Next returns the transition that advances the state from t to t+1.
func (t StateTimestamp) Next() TransitionTimestamp {
	return TransitionTimestamp(t)
}

func (t StateTimestamp) String() string {
	return fmt.Sprintf("st%d", uint64(t))
}

// TransitionTimestamp names a single write's jump between two adjacent
// states. The dispatcher assigns each write the next transition on its
// branch; replicas apply writes in transition order.
type TransitionTimestamp uint64

// Before returns the state timestamp the transition leaves.
func (t TransitionTimestamp) Before() StateTimestamp {
	return StateTimestamp(t)
}

// After returns the state timestamp the transition arrives at.
func (t TransitionTimestamp) After() StateTimestamp {
	return StateTimestamp(t) + 1
}

func (t TransitionTimestamp) String() string {
	return fmt.Sprintf("tt%d", uint64(t))
}
