// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

// Package log provides context-scoped leveled logging. Messages carry the
// tags attached to the context via logtags, and format arguments pass
// through redact so that unsafe values can be scrubbed from shipped logs.
package log

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
)

// Severity identifies the importance of a log entry.
type Severity int

const (
	// INFO is used for informational messages.
	INFO Severity = iota
	// WARNING is used for messages that need attention but are survivable.
	WARNING
	// ERROR is used for messages about failed operations.
	ERROR
	// FATAL logs the message and terminates the process.
	FATAL
)

func (s Severity) String() string {
	switch s {
	case INFO:
		return "I"
	case WARNING:
		return "W"
	case ERROR:
		return "E"
	case FATAL:
		return "F"
	default:
		return "?"
	}
}

// Sink receives formatted log entries. The default sink writes to stderr.
type Sink func(sev Severity, msg string)

var sinkMu sync.Mutex
var sink Sink = func(sev Severity, msg string) {
	fmt.Fprintf(os.Stderr, "%s%s %s\n", sev, time.Now().UTC().Format("060102 15:04:05.000000"), msg)
}

// SetSink replaces the process-wide log sink and returns the previous one.
// Tests use this to capture output.
func SetSink(s Sink) Sink {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	prev := sink
	sink = s
	return prev
}

func output(ctx context.Context, sev Severity, format string, args ...interface{}) {
	var msg string
	if tags := logtags.FromContext(ctx); tags != nil {
		msg = "[" + tags.String() + "] "
	}
	msg += string(redact.Sprintf(format, args...).StripMarkers())

	sinkMu.Lock()
	s := sink
	sinkMu.Unlock()
	s(sev, msg)

	if sev == FATAL {
		os.Exit(255)
	}
}

// Infof logs an informational message.
func Infof(ctx context.Context, format string, args ...interface{}) {
	output(ctx, INFO, format, args...)
}

// Warningf logs a warning message.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	output(ctx, WARNING, format, args...)
}

// Errorf logs an error message.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	output(ctx, ERROR, format, args...)
}

// Fatalf logs a message and terminates the process.
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	output(ctx, FATAL, format, args...)
}
