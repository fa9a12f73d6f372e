package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/creachadair/taskgroup"

	"github.com/fabricrpc/fabric/transport"
)

// ErrConnectionClosed is reported by operations on a connection that has
// been closed.
var ErrConnectionClosed = errors.New("connection is closed")

// An EnvelopeLogger logs an envelope exchanged with the remote peer.
type EnvelopeLogger func(info EnvelopeInfo)

// An EnvelopeInfo combines an envelope and a flag indicating whether the
// envelope was sent or received.
type EnvelopeInfo struct {
	*Envelope      // the envelope being logged
	Sent      bool // whether the envelope was sent (true) or received (false)
}

func (e EnvelopeInfo) dir() string {
	if e.Sent {
		return "send"
	}
	return "recv"
}

func (e EnvelopeInfo) String() string {
	return fmt.Sprintf("%s %s %s %s", e.dir(), e.Tag, e.CID, e.CallName)
}

// A Connection is an established pair of endpoints sharing a connection ID
// over which RPC envelopes flow. It is created by a successful [Accept] or
// [Connect] handshake, serves the local schema's methods to the peer, and
// exposes the peer's methods through its [Remote] proxy.
//
// The methods of a Connection are safe for concurrent use by multiple
// goroutines. Many calls may be in flight simultaneously over one
// connection; each owns an independent pending-table entry and is
// correlated with its response strictly by call ID, never by arrival
// order.
type Connection struct {
	t       transport.Transport
	cid     string
	tasks   *taskgroup.Group
	metrics *connMetrics

	sendMu sync.Mutex // serializes writes to t

	mu      sync.Mutex
	err     error                   // set when the connection is closed
	methods Methods                 // callName → local handler
	ocall   map[string]pendingEntry // callID → pending outbound call
	remote  *Remote
	offs    []func() // listener removals owned by this connection
	elog    EnvelopeLogger
	base    func() context.Context
}

// pendingEntry records one outbound call awaiting its response. The entry is
// removed on the first response whose call ID and call name both match; the
// channel is closed without a value if the connection fails first.
type pendingEntry struct {
	name string
	ch   chan *Envelope
}

func newConnection(t transport.Transport, cid string, methods Methods) *Connection {
	return &Connection{
		t:       t,
		cid:     cid,
		tasks:   taskgroup.New(nil),
		metrics: newConnMetrics(),
		methods: methods,
		ocall:   make(map[string]pendingEntry),
		base:    context.Background,
	}
}

// start installs the connection's envelope dispatcher on its transport. The
// removal is retained so Close can drain it.
func (c *Connection) start() {
	off := c.t.On(c.handleEnvelope)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offs = append(c.offs, off)
}

// CID reports the connection's stable identifier, chosen by the initiator
// during the handshake and carried on every subsequent envelope.
func (c *Connection) CID() string { return c.cid }

// Remote returns the proxy for the peer's schema: its methods invoke the
// peer's handlers, and its non-function entries carry the configuration
// payload the peer sent during the handshake.
func (c *Connection) Remote() *Remote {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// LogEnvelopes registers a callback invoked for each envelope exchanged
// with the remote peer after the handshake, prior to sending or dispatch.
// Passing nil disables envelope logging. It returns c to permit chaining.
func (c *Connection) LogEnvelopes(log EnvelopeLogger) *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.elog = log
	return c
}

// NewContext registers a function called to create the base context for
// inbound method handlers, allowing request-scoped host resources to be
// plumbed into a handler. If it is not set, a background context is used.
// It returns c to permit chaining.
func (c *Connection) NewContext(base func() context.Context) *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if base == nil {
		c.base = context.Background
	} else {
		c.base = base
	}
	return c
}

// Call invokes the named method on the remote peer with the given arguments
// and blocks until the response arrives or ctx ends. Arguments are
// serialized with encoding/json after transferable markers have been
// stripped into the transport's transfer list. An error reported by Call
// has concrete type [*CallError].
//
// Call imposes no timeout of its own: if the peer never responds, Call
// blocks until ctx ends.
func (c *Connection) Call(ctx context.Context, callName string, args ...any) (_ json.RawMessage, err error) {
	c.metrics.callsOut.Add(1)
	defer func() {
		if err != nil {
			c.metrics.callsOutFailed.Add(1)
		}
	}()

	rawArgs, transfer, err := marshalArgs(args)
	if err != nil {
		return nil, &CallError{Err: err, CallName: callName}
	}

	callID := NewID()
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, &CallError{Err: err, CallName: callName}
	}
	pc := make(chan *Envelope, 1)
	c.ocall[callID] = pendingEntry{name: callName, ch: pc}
	c.mu.Unlock()

	c.metrics.callsPending.Add(1)
	defer c.metrics.callsPending.Add(-1)

	err = c.send(ctx, &Envelope{
		Tag:      TagRPCRequest,
		CID:      c.cid,
		CallID:   callID,
		CallName: callName,
		Args:     rawArgs,
	}, transfer)
	if err != nil {
		c.mu.Lock()
		delete(c.ocall, callID)
		c.mu.Unlock()
		return nil, &CallError{Err: err, CallName: callName, CallID: callID}
	}

	select {
	case <-ctx.Done():
		// The protocol has no cancellation envelope; abandon the entry so a
		// late response is silently discarded.
		c.mu.Lock()
		delete(c.ocall, callID)
		c.mu.Unlock()
		return nil, &CallError{Err: ctx.Err(), CallName: callName, CallID: callID}

	case rsp, ok := <-pc:
		if !ok {
			return nil, &CallError{Err: ErrConnectionClosed, CallName: callName, CallID: callID}
		}
		if rsp.Tag == TagRPCReject {
			ce := &CallError{CallName: callName, CallID: callID}
			if rsp.Error != nil {
				ce.ErrorData = *rsp.Error
			} else {
				ce.ErrorData = ErrorData{Message: "call rejected"}
			}
			return nil, ce
		}
		return rsp.Result, nil
	}
}

// handleEnvelope routes one inbound envelope. Envelopes that do not decode,
// carry an unknown tag, or name a different connection are ignored without
// reply.
func (c *Connection) handleEnvelope(raw *transport.Envelope) {
	var env Envelope
	if err := env.Decode(raw.Data); err != nil {
		return
	}
	if env.CID != c.cid {
		return
	}

	c.mu.Lock()
	elog := c.elog
	c.mu.Unlock()
	if elog != nil {
		elog(EnvelopeInfo{Envelope: &env, Sent: false})
	}

	switch env.Tag {
	case TagRPCRequest:
		c.serveRequest(&env)

	case TagRPCResolve, TagRPCReject:
		c.mu.Lock()
		entry, ok := c.ocall[env.CallID]
		if ok && entry.name == env.CallName {
			delete(c.ocall, env.CallID)
			c.mu.Unlock()
			entry.ch <- &env
			close(entry.ch)
			return
		}
		c.mu.Unlock()
		// A response with no matching pending entry is ignored.

	default:
		// Handshake envelopes are owned by the handshake listeners; anything
		// else is an unknown tag and is silently ignored.
	}
}

// serveRequest dispatches an inbound RPC request to its local handler in a
// fresh goroutine owned by the connection's task group.
func (c *Connection) serveRequest(env *Envelope) {
	c.metrics.callsIn.Add(1)

	c.mu.Lock()
	closed := c.err != nil
	handler, ok := c.methods[env.CallName]
	remote := c.remote
	base := c.base
	c.mu.Unlock()

	if closed {
		return
	}
	if !ok {
		c.metrics.callsInFailed.Add(1)
		c.sendReject(env, &ErrorData{
			Name:    "UnknownMethod",
			Message: fmt.Sprintf("no handler for method %q", env.CallName),
		})
		return
	}

	c.metrics.callsActive.Add(1)
	c.tasks.Go(func() error {
		defer c.metrics.callsActive.Add(-1)

		result, err := func() (_ any, err error) {
			// A panic out of a handler is turned into a graceful rejection.
			defer func() {
				if x := recover(); x != nil && err == nil {
					err = fmt.Errorf("handler panicked (recovered): %v", x)
				}
			}()
			return handler(base(), remote, env.Args)
		}()
		if err != nil {
			c.metrics.callsInFailed.Add(1)
			c.sendReject(env, NewErrorData(err))
			return nil
		}

		value, bufs := stripTransferables(result)
		raw, err := json.Marshal(value)
		if err != nil {
			c.metrics.callsInFailed.Add(1)
			c.sendReject(env, NewErrorData(fmt.Errorf("marshal result: %w", err)))
			return nil
		}
		c.send(context.Background(), &Envelope{
			Tag:      TagRPCResolve,
			CID:      c.cid,
			CallID:   env.CallID,
			CallName: env.CallName,
			Result:   raw,
		}, toTransfer(bufs))
		return nil
	})
}

func (c *Connection) sendReject(req *Envelope, ed *ErrorData) {
	c.send(context.Background(), &Envelope{
		Tag:      TagRPCReject,
		CID:      c.cid,
		CallID:   req.CallID,
		CallName: req.CallName,
		Error:    ed,
	}, nil)
}

// send encodes env and delivers it on the connection's transport. A send on
// a closed connection fails without touching the transport.
func (c *Connection) send(ctx context.Context, env *Envelope, transfer []transport.Transferable) error {
	c.mu.Lock()
	err := c.err
	elog := c.elog
	c.mu.Unlock()
	if err != nil {
		return err
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}
	if elog != nil {
		elog(EnvelopeInfo{Envelope: env, Sent: true})
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.t.Send(ctx, &transport.Envelope{Data: data}, transport.SendOptions{Transfer: transfer})
}

// Close tears the connection down: every listener the connection attached
// to its transport is removed, the pending-call table is dropped (calls
// blocked in [Connection.Call] report [ErrConnectionClosed]), and the
// transport endpoint is closed. Close is idempotent; a second call is a
// no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil
	}
	c.err = ErrConnectionClosed
	offs := c.offs
	c.offs = nil
	ocall := c.ocall
	c.ocall = make(map[string]pendingEntry)
	c.mu.Unlock()

	for _, off := range offs {
		off()
	}
	for _, entry := range ocall {
		close(entry.ch)
	}
	return c.t.Close()
}

// Wait blocks until every handler goroutine started by the connection has
// returned. It is intended for use after Close during an orderly shutdown.
func (c *Connection) Wait() { c.tasks.Wait() }

// marshalArgs serializes args for the wire, stripping transferable markers
// and collecting the named buffers into a transfer list.
func marshalArgs(args []any) ([]json.RawMessage, []transport.Transferable, error) {
	raw := make([]json.RawMessage, len(args))
	var transfer []transport.Transferable
	for i, a := range args {
		value, bufs := stripTransferables(a)
		transfer = append(transfer, toTransfer(bufs)...)
		data, err := json.Marshal(value)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal argument %d: %w", i+1, err)
		}
		raw[i] = data
	}
	return raw, transfer, nil
}

func toTransfer(bufs []*Buffer) []transport.Transferable {
	if len(bufs) == 0 {
		return nil
	}
	out := make([]transport.Transferable, len(bufs))
	for i, b := range bufs {
		out[i] = b
	}
	return out
}
