package fabric

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fabricrpc/fabric/transport"
)

// ConnectOptions are the optional settings recognized by [Connect].
// A nil *ConnectOptions is ready for use and provides defaults.
type ConnectOptions struct {
	// OnConnectionSetup, if set, runs after the remote proxy is ready and
	// before the final handshake reply is echoed to the responder, so the
	// initiator can preload state over RPC within the handshake. If it
	// reports an error the connection is closed and Connect fails.
	OnConnectionSetup func(ctx context.Context, remote *Remote) error
}

func (o *ConnectOptions) setup() func(ctx context.Context, remote *Remote) error {
	if o == nil {
		return nil
	}
	return o.OnConnectionSetup
}

// Connect performs the initiator (guest) side of the handshake over t: it
// generates a fresh connection ID, decomposes schema, sends a handshake
// request, and blocks until the responder's reply arrives or ctx ends. On
// success the returned connection is serving the schema's methods and its
// [Remote] proxies the responder's schema.
//
// The connection ID is chosen here and flows through every subsequent
// envelope; the responder never generates its own. Replies carrying any
// other connection ID are rejected.
func Connect(ctx context.Context, t transport.Transport, schema Schema, opts *ConnectOptions) (*Connection, error) {
	methods, residual := Decompose(schema)
	resJSON, err := json.Marshal(residual)
	if err != nil {
		return nil, fmt.Errorf("connect: marshal schema: %w", err)
	}

	cid := NewID()
	c := newConnection(t, cid, methods)

	replyCh := make(chan *Envelope, 1)
	off := t.On(func(raw *transport.Envelope) {
		var env Envelope
		if err := env.Decode(raw.Data); err != nil {
			return
		}
		if env.Tag != TagHandshakeReply || env.CID != cid {
			return // not ours; rejected without reply
		}
		select {
		case replyCh <- &env:
		default:
		}
	})

	req := &Envelope{
		Tag:         TagHandshakeRequest,
		CID:         cid,
		MethodNames: methods.Names(),
		Schema:      resJSON,
	}
	if err := c.send(ctx, req, nil); err != nil {
		off()
		return nil, fmt.Errorf("connect: send handshake request: %w", err)
	}

	var reply *Envelope
	select {
	case <-ctx.Done():
		off()
		return nil, fmt.Errorf("connect: awaiting handshake reply: %w", ctx.Err())
	case reply = <-replyCh:
	}
	off()

	remote, err := materializeRemote(c, reply.Schema, reply.MethodNames)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	c.mu.Lock()
	c.remote = remote
	c.mu.Unlock()
	c.start()

	if setup := opts.setup(); setup != nil {
		if err := setup(ctx, remote); err != nil {
			c.Close()
			return nil, fmt.Errorf("connect: connection setup: %w", err)
		}
	}

	// Echo the final reply so the responder can signal readiness.
	echo := &Envelope{
		Tag:         TagHandshakeReply,
		CID:         cid,
		MethodNames: methods.Names(),
		Schema:      resJSON,
	}
	if err := c.send(ctx, echo, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("connect: send handshake echo: %w", err)
	}
	c.metrics.handshakesCompleted.Add(1)
	return c, nil
}

// Accept performs the responder (host) side of the handshake over t: it
// blocks until an initiator's handshake request arrives, registers the
// initiator's methods, replies with its own directory under the same
// connection ID, and resolves once the initiator echoes the final reply.
//
// The handshake listener is a closure over this one pending connection, so
// a reply for any other connection ID is rejected without reply.
func Accept(ctx context.Context, t transport.Transport, schema Schema) (*Connection, error) {
	methods, residual := Decompose(schema)
	resJSON, err := json.Marshal(residual)
	if err != nil {
		return nil, fmt.Errorf("accept: marshal schema: %w", err)
	}

	reqCh := make(chan *Envelope, 1)
	echoCh := make(chan struct{}, 1)
	var pendingCID string // owned by the listener via reqCh ordering
	off := t.On(func(raw *transport.Envelope) {
		var env Envelope
		if err := env.Decode(raw.Data); err != nil {
			return
		}
		switch env.Tag {
		case TagHandshakeRequest:
			select {
			case reqCh <- &env:
				pendingCID = env.CID
			default:
				// A second handshake request while one is pending is dropped.
			}
		case TagHandshakeReply:
			if env.CID != pendingCID {
				return // unknown connection ID; rejected
			}
			select {
			case echoCh <- struct{}{}:
			default:
			}
		}
	})

	var req *Envelope
	select {
	case <-ctx.Done():
		off()
		return nil, fmt.Errorf("accept: awaiting handshake request: %w", ctx.Err())
	case req = <-reqCh:
	}

	c := newConnection(t, req.CID, methods)
	remote, err := materializeRemote(c, req.Schema, req.MethodNames)
	if err != nil {
		off()
		return nil, fmt.Errorf("accept: %w", err)
	}
	c.mu.Lock()
	c.remote = remote
	c.mu.Unlock()

	// Local registration happens before the reply is sent, so a call issued
	// by the initiator immediately after its own registration finds the
	// responder's servers already installed.
	c.start()

	reply := &Envelope{
		Tag:         TagHandshakeReply,
		CID:         req.CID,
		MethodNames: methods.Names(),
		Schema:      resJSON,
	}
	if err := c.send(ctx, reply, nil); err != nil {
		off()
		c.Close()
		return nil, fmt.Errorf("accept: send handshake reply: %w", err)
	}

	select {
	case <-ctx.Done():
		off()
		c.Close()
		return nil, fmt.Errorf("accept: awaiting handshake echo: %w", ctx.Err())
	case <-echoCh:
	}
	off()
	c.metrics.handshakesCompleted.Add(1)
	return c, nil
}
