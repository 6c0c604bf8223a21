// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

// Package fifo implements the per-origin ordering discipline for store
// operations. A Source issues read and write tokens carrying monotone
// tickets; a Sink admits tokens strictly in issue order. Reads admitted at a
// sink may run concurrently with each other; a write holds the sink
// exclusively. A token abandoned while waiting (cancellation) is skipped so
// that later tokens are not blocked behind it.
package fifo

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jisqyv/rethinkdb/pkg/util/syncutil"
)

// A Token is the wire form of an order ticket: the position in its source's
// issue order and whether the holder intends to write. Tokens are issued by
// a Source and consumed exactly once at a Sink.
type Token struct {
	ticket uint64
	write  bool
	issued bool
}

// Ticket returns the token's position in its source's issue order.
func (t Token) Ticket() uint64 { return t.ticket }

// IsWrite reports whether the token was issued for a write.
func (t Token) IsWrite() bool { return t.write }

// ReadToken is a Token issued for a read.
type ReadToken struct{ Token }

// WriteToken is a Token issued for a write.
type WriteToken struct{ Token }

// A Source issues tokens. All tokens drawn from one Source share a single
// ticket sequence, which is what defines "issue order" at the paired Sink.
type Source struct {
	mu   syncutil.Mutex
	next uint64
}

// NewSource returns a Source whose first token has ticket zero.
func NewSource() *Source {
	return &Source{}
}

func (s *Source) issue(write bool) Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := Token{ticket: s.next, write: write, issued: true}
	s.next++
	return t
}

// NewReadToken issues the next token for a read.
func (s *Source) NewReadToken() ReadToken {
	return ReadToken{s.issue(false)}
}

// NewWriteToken issues the next token for a write.
func (s *Source) NewWriteToken() WriteToken {
	return WriteToken{s.issue(true)}
}

// A Sink linearizes the tokens of one Source. Tokens become active strictly
// in ticket order; once active, reads overlap and writes are exclusive.
// Every Exit must be Released exactly once.
type Sink struct {
	mu          syncutil.Mutex
	nextAdmit   uint64
	activeReads int
	writeActive bool
	abandoned   map[uint64]struct{}
	changed     chan struct{}
}

// NewSink returns a Sink expecting the ticket sequence of a fresh Source.
func NewSink() *Sink {
	return &Sink{
		abandoned: make(map[uint64]struct{}),
		changed:   make(chan struct{}),
	}
}

// broadcast wakes every waiter. Callers must hold s.mu.
func (s *Sink) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// skipAbandoned advances past tickets whose holders gave up while waiting.
// Callers must hold s.mu.
func (s *Sink) skipAbandoned() {
	for {
		if _, ok := s.abandoned[s.nextAdmit]; !ok {
			return
		}
		delete(s.abandoned, s.nextAdmit)
		s.nextAdmit++
	}
}

func (s *Sink) abandon(ticket uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandoned[ticket] = struct{}{}
	s.skipAbandoned()
	s.broadcast()
}

// ExitRead blocks until the read token is at the head of the issue order and
// no write is active, then marks it active. On cancellation the token is
// consumed without becoming active and the context error is returned.
func (s *Sink) ExitRead(ctx context.Context, tok ReadToken) (*ExitRead, error) {
	if !tok.issued {
		panic(errors.AssertionFailedf("use of unissued read token"))
	}
	if err := ctx.Err(); err != nil {
		s.abandon(tok.ticket)
		return nil, err
	}
	for {
		s.mu.Lock()
		s.skipAbandoned()
		if s.nextAdmit == tok.ticket && !s.writeActive {
			s.nextAdmit++
			s.activeReads++
			s.broadcast()
			s.mu.Unlock()
			return &ExitRead{sink: s}, nil
		}
		ch := s.changed
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			s.abandon(tok.ticket)
			return nil, ctx.Err()
		}
	}
}

// ExitWrite blocks until the write token is at the head of the issue order
// and the sink is empty, then takes exclusive occupancy. On cancellation the
// token is consumed without becoming active and the context error is
// returned.
func (s *Sink) ExitWrite(ctx context.Context, tok WriteToken) (*ExitWrite, error) {
	if !tok.issued {
		panic(errors.AssertionFailedf("use of unissued write token"))
	}
	if err := ctx.Err(); err != nil {
		s.abandon(tok.ticket)
		return nil, err
	}
	for {
		s.mu.Lock()
		s.skipAbandoned()
		if s.nextAdmit == tok.ticket && !s.writeActive && s.activeReads == 0 {
			s.nextAdmit++
			s.writeActive = true
			s.broadcast()
			s.mu.Unlock()
			return &ExitWrite{sink: s}, nil
		}
		ch := s.changed
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			s.abandon(tok.ticket)
			return nil, ctx.Err()
		}
	}
}

// ExitRead is an active read occupancy of a Sink.
type ExitRead struct {
	sink *Sink
}

// Release ends the read occupancy. Releasing twice is a programmer error.
func (e *ExitRead) Release() {
	if e.sink == nil {
		panic(errors.AssertionFailedf("release of unheld read token"))
	}
	s := e.sink
	e.sink = nil
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeReads--
	s.broadcast()
}

// ExitWrite is an exclusive write occupancy of a Sink.
type ExitWrite struct {
	sink *Sink
}

// Release ends the write occupancy. Releasing twice is a programmer error.
func (e *ExitWrite) Release() {
	if e.sink == nil {
		panic(errors.AssertionFailedf("release of unheld write token"))
	}
	s := e.sink
	e.sink = nil
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeActive = false
	s.broadcast()
}
