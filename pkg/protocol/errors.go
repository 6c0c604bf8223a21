// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

package protocol

import (
	"context"

	"github.com/cockroachdb/errors"
)

// ErrInterrupted marks failures caused by a pulsed cancellation signal.
// Interruption is cooperative: it is observed at suspension points, and any
// mutation already committed stays committed.
var ErrInterrupted = errors.New("interrupted")

// MarkInterrupted classifies context cancellation as interruption. Errors
// that are not context errors pass through unchanged; nil stays nil.
func MarkInterrupted(err error) error {
	if err == nil {
		return nil
	}
	if errors.IsAny(err, context.Canceled, context.DeadlineExceeded) {
		return errors.Mark(err, ErrInterrupted)
	}
	return err
}
