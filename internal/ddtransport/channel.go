package ddtransport

import (
	"context"
	"fmt"
)

// Channel is an in-process Transport: Call, from a client goroutine, and
// Recv/Send, from the actor loop, rendezvous over an unbuffered channel.
// Used by ddcached's loopback mode and by every test in this module that
// needs a Transport without a real socket.
type Channel struct {
	in chan Envelope
}

// NewChannel returns a ready-to-use in-process Channel.
func NewChannel() *Channel {
	return &Channel{in: make(chan Envelope)}
}

// Recv implements Transport for the actor side.
func (c *Channel) Recv(ctx context.Context) (Envelope, error) {
	select {
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case env := <-c.in:
		return env, nil
	}
}

// Send implements Transport for the actor side. The correlation handle
// must be the chan Reply returned to the matching Call.
func (c *Channel) Send(ctx context.Context, out Outbound) error {
	replyCh, ok := out.Correlation.(chan Reply)
	if !ok {
		return fmt.Errorf("ddtransport: correlation handle is not a reply channel (%T)", out.Correlation)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case replyCh <- out.Reply:
		return nil
	}
}

// Call is the client side: it sends req and blocks for the matching reply
// or ctx cancellation.
func (c *Channel) Call(ctx context.Context, req Request) (Reply, error) {
	replyCh := make(chan Reply, 1)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case c.in <- Envelope{Correlation: replyCh, Request: req}:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply := <-replyCh:
		return reply, nil
	}
}
