// Package bridge implements the client side of the cross-peer broadcast
// fabric: a [Client] joins a named channel on a relay daemon, exposes a
// schema of methods, and obtains a proxy on which each call runs locally
// and is fanned out to every other peer of the channel so each re-executes
// the same function against its own local state.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fabricrpc/fabric/fabric"
	"github.com/fabricrpc/fabric/transport"
)

// ErrStateNotExposed is reported by the shared-state accessors of a client
// that did not opt in to them at join time.
var ErrStateNotExposed = errors.New("bridge: shared state not exposed; set JoinOptions.ExposeState")

// JoinOptions are the optional settings recognized by [Join]. A nil
// *JoinOptions is ready for use and provides defaults.
type JoinOptions struct {
	// TabID identifies this peer within its channel. If empty, a fresh
	// random identifier is generated.
	TabID string

	// Log receives the client's structured log output. If nil, the standard
	// logrus logger is used.
	Log *logrus.Logger

	// ExposeState enables the shared-state accessors [Client.State] and
	// [Client.SetState]. Shared state is relay-internal unless a consumer
	// explicitly opts in here.
	ExposeState bool
}

func (o *JoinOptions) tabID() string {
	if o == nil || o.TabID == "" {
		return fabric.NewID()
	}
	return o.TabID
}

func (o *JoinOptions) log() *logrus.Logger {
	if o == nil || o.Log == nil {
		return logrus.StandardLogger()
	}
	return o.Log
}

func (o *JoinOptions) exposeState() bool { return o != nil && o.ExposeState }

// A Client is one peer's membership in a bridge channel. Calls issued
// through [Client.Call] run the named local method and broadcast the same
// invocation to every other peer of the channel; inbound relays from other
// peers re-execute their method locally without producing a reply.
type Client struct {
	t       transport.Transport
	channel string
	tabID   string
	methods fabric.Methods
	log     *logrus.Logger
	expose  bool

	sendMu sync.Mutex

	mu      sync.Mutex
	err     error
	joined  bool // the handshake ack has been consumed
	offs    []func()
	tabsCh  chan []string
	stateCh chan State
	state   State // last known shared-state snapshot, if exposed
}

// Join binds a new peer to the named channel over t, which must be an open
// endpoint to a relay daemon. It decomposes schema, performs the bridge
// handshake, and blocks until the relay acknowledges the join or ctx ends.
// A handshake error from the relay, such as a duplicate tab ID, is a fatal
// connect failure.
func Join(ctx context.Context, t transport.Transport, channel string, schema fabric.Schema, opts *JoinOptions) (*Client, error) {
	if channel == "" {
		channel = "default"
	}
	methods, residual := fabric.Decompose(schema)
	resJSON, err := json.Marshal(residual)
	if err != nil {
		return nil, errors.Wrap(err, "marshal schema")
	}

	c := &Client{
		t:       t,
		channel: channel,
		tabID:   opts.tabID(),
		methods: methods,
		log:     opts.log(),
		expose:  opts.exposeState(),
		tabsCh:  make(chan []string, 1),
		stateCh: make(chan State, 1),
	}

	ackCh := make(chan *Envelope, 1)
	// The relay listener is installed before the handshake is sent so a
	// relay delivered immediately after the ack is not lost.
	off := t.On(func(raw *transport.Envelope) { c.handleEnvelope(raw, ackCh) })
	c.mu.Lock()
	c.offs = append(c.offs, off)
	c.mu.Unlock()

	err = c.send(ctx, &Envelope{
		Tag:         TagHandshake,
		TabID:       c.tabID,
		MethodNames: methods.Names(),
		Channel:     channel,
		Schema:      resJSON,
	})
	if err != nil {
		c.teardown()
		return nil, errors.Wrap(err, "send handshake")
	}

	select {
	case <-ctx.Done():
		c.teardown()
		return nil, errors.Wrap(ctx.Err(), "awaiting handshake ack")
	case ack := <-ackCh:
		if ack.Tag == TagHandshakeError {
			c.teardown()
			return nil, &HandshakeError{Code: ack.Code, Detail: ack.Error}
		}
		c.mu.Lock()
		c.joined = true
		if c.expose {
			c.state = ack.SharedState
		}
		c.mu.Unlock()
	}

	c.log.WithFields(logrus.Fields{
		"channel": channel,
		"tab_id":  c.tabID,
	}).Info("Joined bridge channel")
	return c, nil
}

// HandshakeError is the concrete error type reported when the relay
// rejects a bridge handshake.
type HandshakeError struct {
	Code   string
	Detail *fabric.ErrorData
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	if e.Detail != nil {
		return fmt.Sprintf("bridge handshake rejected: %s: %v", e.Code, e.Detail.Error())
	}
	return fmt.Sprintf("bridge handshake rejected: %s", e.Code)
}

// TabID reports the peer's identifier within its channel.
func (c *Client) TabID() string { return c.tabID }

// Channel reports the name of the channel the client is bound to.
func (c *Client) Channel() string { return c.channel }

// handleEnvelope routes one inbound envelope from the relay. Envelopes that
// do not decode or carry an unknown tag are silently ignored.
func (c *Client) handleEnvelope(raw *transport.Envelope, ackCh chan *Envelope) {
	var env Envelope
	if err := env.Decode(raw.Data); err != nil {
		return
	}

	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()

	switch env.Tag {
	case TagHandshakeAck:
		if joined {
			return
		}
		select {
		case ackCh <- &env:
		default:
		}

	case TagHandshakeError:
		if !joined {
			select {
			case ackCh <- &env:
			default:
			}
			return
		}
		// A handshake error after the join means this peer was evicted,
		// typically by a newcomer claiming the same tab ID. The relay has
		// already closed our endpoint, so tear down without a disconnect
		// announcement.
		c.log.WithFields(logrus.Fields{
			"channel": c.channel,
			"tab_id":  c.tabID,
			"code":    env.Code,
		}).Warn("Evicted from bridge channel")
		c.teardown()

	case TagRelay:
		// Relayed invocations reproduce state, they do not exchange results:
		// run the local method and swallow its outcome, logging failures.
		go c.applyRelay(&env)

	case TagTabsResponse:
		select {
		case c.tabsCh <- env.TabIDs:
		default:
		}

	case TagStateResponse:
		select {
		case c.stateCh <- env.State:
		default:
		}

	case TagStateUpdate:
		if !c.expose {
			return
		}
		c.mu.Lock()
		if c.state == nil {
			c.state = make(State)
		}
		c.state[env.Key] = env.Value
		c.mu.Unlock()
	}
}

// applyRelay re-executes a relayed invocation against local state.
func (c *Client) applyRelay(env *Envelope) {
	handler, ok := c.methods[env.MethodName]
	if !ok {
		c.log.WithFields(logrus.Fields{
			"channel": c.channel,
			"method":  env.MethodName,
			"sender":  env.SenderTabID,
		}).Warn("Relay names an unknown method")
		return
	}
	if _, err := invoke(handler, env.Args); err != nil {
		c.log.WithFields(logrus.Fields{
			"channel": c.channel,
			"method":  env.MethodName,
			"sender":  env.SenderTabID,
			"error":   err,
		}).Error("Relayed invocation failed")
	}
}

// invoke runs handler with args, converting a panic into an error. Bridge
// handlers receive no remote proxy; their remote argument is nil.
func invoke(handler fabric.Handler, args []json.RawMessage) (_ any, err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("handler panicked (recovered): %v", x)
		}
	}()
	return handler(context.Background(), nil, args)
}

// Call invokes the named local method with args, then broadcasts the same
// invocation together with its captured result or error to every other
// peer of the channel, and finally returns the local outcome to the
// caller. The caller never receives its own relay; the relay excludes the
// sender from the fan-out.
func (c *Client) Call(ctx context.Context, methodName string, args ...any) (json.RawMessage, error) {
	return c.emit(ctx, methodName, "", args)
}

// Direct returns a peer-targeted proxy: its calls run locally exactly as
// [Client.Call] does, but are relayed only to the single peer identified
// by targetTabID instead of being broadcast.
func (c *Client) Direct(targetTabID string) *DirectProxy {
	return &DirectProxy{c: c, target: targetTabID}
}

// A DirectProxy issues peer-targeted invocations for a single destination
// tab. It is obtained from [Client.Direct].
type DirectProxy struct {
	c      *Client
	target string
}

// Call invokes the named local method and relays the invocation to the
// proxy's target peer only.
func (p *DirectProxy) Call(ctx context.Context, methodName string, args ...any) (json.RawMessage, error) {
	return p.c.emit(ctx, methodName, p.target, args)
}

// emit runs the local method, sends the broadcast or direct-message
// envelope, and returns the local result. target == "" broadcasts.
func (c *Client) emit(ctx context.Context, methodName, target string, args []any) (json.RawMessage, error) {
	handler, ok := c.methods[methodName]
	if !ok {
		return nil, errors.Errorf("no local method %q", methodName)
	}

	rawArgs := make([]json.RawMessage, len(args))
	for i, a := range args {
		data, err := json.Marshal(a)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal argument %d", i+1)
		}
		rawArgs[i] = data
	}

	result, callErr := invoke(handler, rawArgs)

	env := &Envelope{
		SenderTabID: c.tabID,
		Channel:     c.channel,
		MethodName:  methodName,
		Args:        rawArgs,
	}
	if target == "" {
		env.Tag = TagBroadcast
	} else {
		env.Tag = TagDirectMessage
		env.TargetTabID = target
	}

	var rawResult json.RawMessage
	if callErr != nil {
		env.Error = fabric.NewErrorData(callErr)
	} else {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, errors.Wrap(err, "marshal result")
		}
		rawResult = data
		env.Result = data
	}

	if err := c.send(ctx, env); err != nil {
		return nil, errors.Wrap(err, "send")
	}
	return rawResult, callErr
}

// GetConnectedTabs reports the tab IDs currently joined to the client's
// channel, including this client's own.
func (c *Client) GetConnectedTabs(ctx context.Context) ([]string, error) {
	err := c.send(ctx, &Envelope{
		Tag:             TagGetTabs,
		Channel:         c.channel,
		RequestingTabID: c.tabID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "send")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case tabs := <-c.tabsCh:
		return tabs, nil
	}
}

// State reports a snapshot of the channel's shared state. It fails with
// [ErrStateNotExposed] unless the client opted in at join time.
func (c *Client) State(ctx context.Context) (State, error) {
	if !c.expose {
		return nil, ErrStateNotExposed
	}
	err := c.send(ctx, &Envelope{Tag: TagGetState, Channel: c.channel})
	if err != nil {
		return nil, errors.Wrap(err, "send")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case state := <-c.stateCh:
		c.mu.Lock()
		c.state = state
		c.mu.Unlock()
		return state, nil
	}
}

// CachedState reports the client's local snapshot of the channel's shared
// state: the copy delivered with the handshake ack, updated by pushed state
// updates and [Client.State] refreshes. It does not contact the relay. It
// fails with [ErrStateNotExposed] unless the client opted in at join time.
func (c *Client) CachedState() (State, error) {
	if !c.expose {
		return nil, ErrStateNotExposed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(State, len(c.state))
	for k, v := range c.state {
		out[k] = v
	}
	return out, nil
}

// SetState stores value under key in the channel's shared state. The relay
// pushes the update to every peer of the channel. It fails with
// [ErrStateNotExposed] unless the client opted in at join time.
func (c *Client) SetState(ctx context.Context, key string, value any) error {
	if !c.expose {
		return ErrStateNotExposed
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "marshal value")
	}
	return c.send(ctx, &Envelope{
		Tag:     TagSetState,
		Channel: c.channel,
		Key:     key,
		Value:   raw,
	})
}

func (c *Client) send(ctx context.Context, env *Envelope) error {
	c.mu.Lock()
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return err
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.t.Send(ctx, &transport.Envelope{Data: data}, transport.SendOptions{})
}

// Close announces the peer's departure to the relay and closes the
// transport endpoint. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	// Best effort: the endpoint may already be gone if the relay evicted us.
	c.send(context.Background(), &Envelope{
		Tag:     TagDisconnect,
		TabID:   c.tabID,
		Channel: c.channel,
	})
	c.teardown()
	return nil
}

func (c *Client) teardown() {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = errors.New("bridge: client closed")
	offs := c.offs
	c.offs = nil
	c.mu.Unlock()

	for _, off := range offs {
		off()
	}
	c.t.Close()
}
