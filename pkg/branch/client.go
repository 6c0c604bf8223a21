// Copyright 2024 The RethinkDB Authors.
//
// Use of this software is governed by the MIT License
// included in the /LICENSE file.

package branch

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jisqyv/rethinkdb/pkg/fifo"
	"github.com/jisqyv/rethinkdb/pkg/mailbox"
	"github.com/jisqyv/rethinkdb/pkg/protocol"
	"github.com/jisqyv/rethinkdb/pkg/resource"
	"github.com/jisqyv/rethinkdb/pkg/util/signal"
	"github.com/jisqyv/rethinkdb/pkg/util/stop"
)

// Client is one origin's interface to a namespace's master. It captures the
// master's advertised addresses at construction and issues every operation a
// token from its own source, so the master commits this origin's operations
// in the order they were issued even when they are in flight concurrently.
type Client struct {
	stopper *stop.Stopper
	network *mailbox.Network
	manager *mailbox.Manager
	source  *fifo.Source
	access  *resource.Access[MasterBusinessCard]
}

// NewClient opens a client interface to the master advertised under ns. It
// fails with resource.ErrResourceLost if no master is live.
func NewClient(
	ctx context.Context,
	stopper *stop.Stopper,
	network *mailbox.Network,
	manager *mailbox.Manager,
	ns NamespaceView,
) (*Client, error) {
	access, err := resource.NewAccess(ctx, stopper, network, manager.Peer(), MasterView(ns))
	if err != nil {
		return nil, err
	}
	return &Client{
		stopper: stopper,
		network: network,
		manager: manager,
		source:  fifo.NewSource(),
		access:  access,
	}, nil
}

// Failed returns the signal that pulses when the master is lost.
func (c *Client) Failed() *signal.Signal { return c.access.Failed() }

// Read routes one read through the master. A failure reported by the master
// comes back as an error carrying the master's failure string.
func (c *Client) Read(ctx context.Context, op protocol.ReadOp) (protocol.ReadResponse, error) {
	tok := c.source.NewReadToken()
	replyCh := make(chan MasterReadReply, 1)
	replyMB, err := mailbox.Open(ctx, c.manager, func(ctx context.Context, r MasterReadReply) {
		select {
		case replyCh <- r:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer replyMB.Close()

	mailbox.Send(ctx, c.network, c.access.Value().Read, MasterReadRequest{
		Op:      op,
		Token:   tok.Token,
		ReplyTo: replyMB.Address(),
	})
	r, err := awaitReply(ctx, c, replyCh)
	if err != nil {
		return nil, err
	}
	if r.Err != "" {
		return nil, errors.Newf("master: %s", r.Err)
	}
	return r.Response, nil
}

// Write routes one write through the master.
func (c *Client) Write(ctx context.Context, op protocol.WriteOp) (protocol.WriteResponse, error) {
	tok := c.source.NewWriteToken()
	replyCh := make(chan MasterWriteReply, 1)
	replyMB, err := mailbox.Open(ctx, c.manager, func(ctx context.Context, r MasterWriteReply) {
		select {
		case replyCh <- r:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer replyMB.Close()

	mailbox.Send(ctx, c.network, c.access.Value().Write, MasterWriteRequest{
		Op:      op,
		Token:   tok.Token,
		ReplyTo: replyMB.Address(),
	})
	r, err := awaitReply(ctx, c, replyCh)
	if err != nil {
		return nil, err
	}
	if r.Err != "" {
		return nil, errors.Newf("master: %s", r.Err)
	}
	return r.Response, nil
}

// awaitReply waits for a reply or for one of the ways a reply can stop being
// possible.
func awaitReply[R any](ctx context.Context, c *Client, replyCh <-chan R) (R, error) {
	var zero R
	select {
	case r := <-replyCh:
		return r, nil
	case <-c.access.Failed().C():
		return zero, errors.Mark(
			errors.Newf("master lost: %s", c.access.Failed().Reason()), resource.ErrResourceLost)
	case <-ctx.Done():
		return zero, protocol.MarkInterrupted(ctx.Err())
	case <-c.stopper.ShouldQuiesce():
		return zero, stop.ErrUnavailable
	}
}
