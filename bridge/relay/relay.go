// Package relay implements the bridge relay daemon: a single long-lived
// process shared across peers that owns per-channel peer directories and
// shared state, routes broadcasts and direct messages, detects duplicate
// identities, and cleans up empty channels.
//
// The relay performs no application logic. It never interprets a method's
// arguments, results, or errors, and treats shared state as opaque
// key/value storage. Channels are created lazily on first reference and
// destroyed eagerly when their last peer disconnects.
package relay

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/fabricrpc/fabric/bridge"
	"github.com/fabricrpc/fabric/transport"
)

// Options configure a [Registry]. The zero value is ready for use.
type Options struct {
	// Log receives the relay's structured log output. If nil, the standard
	// logrus logger is used.
	Log *logrus.Logger

	// BroadcastRate caps the rate of broadcasts accepted from a single
	// endpoint, in broadcasts per second. Zero means unlimited. Broadcasts
	// over the cap are dropped with a log so one runaway peer cannot flood
	// every other member of its channels.
	BroadcastRate rate.Limit

	// BroadcastBurst is the burst size for BroadcastRate. If zero and
	// BroadcastRate is set, a burst of 1 is used.
	BroadcastBurst int
}

func (o *Options) log() *logrus.Logger {
	if o == nil || o.Log == nil {
		return logrus.StandardLogger()
	}
	return o.Log
}

func (o *Options) limiter() func() *rate.Limiter {
	if o == nil || o.BroadcastRate == 0 {
		return func() *rate.Limiter { return nil }
	}
	burst := o.BroadcastBurst
	if burst <= 0 {
		burst = 1
	}
	limit := o.BroadcastRate
	return func() *rate.Limiter { return rate.NewLimiter(limit, burst) }
}

// A Registry is the relay's root state: a mapping from channel name to peer
// directory and shared state. All state is owned by the registry's single
// event loop; endpoints post inbound envelopes to the loop and never touch
// the maps directly, so there is no locking.
type Registry struct {
	log        *logrus.Logger
	newLimiter func() *rate.Limiter
	metrics    *registryMetrics

	events  chan event
	queries chan func()
	done    chan struct{} // closed when Run returns

	// Owned by the Run loop.
	channels map[string]*channel
}

type event struct {
	ep  *endpoint
	env *bridge.Envelope
}

// An endpoint is one attached client connection.
type endpoint struct {
	t   transport.Transport
	off func()
	lim *rate.Limiter
}

func (ep *endpoint) close() {
	if ep.off != nil {
		ep.off()
	}
	ep.t.Close()
}

// send encodes env and writes it to the endpoint.
func (ep *endpoint) send(env *bridge.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return ep.t.Send(context.Background(), &transport.Envelope{Data: data}, transport.SendOptions{})
}

// peerRecord is one member of a channel's peer directory.
type peerRecord struct {
	tabID       string
	ep          *endpoint
	methodNames []string
}

// channel is the relay-side state of one named multi-peer group.
type channel struct {
	name        string
	peers       map[string]*peerRecord
	sharedState bridge.State
}

// New constructs an unstarted registry. Call [Registry.Run] to start its
// event loop before attaching endpoints.
func New(opts *Options) *Registry {
	return &Registry{
		log:        opts.log(),
		newLimiter: opts.limiter(),
		metrics:    newRegistryMetrics(),
		events:     make(chan event, 64),
		queries:    make(chan func()),
		done:       make(chan struct{}),
		channels:   make(map[string]*channel),
	}
}

// Run processes inbound envelopes until ctx ends. All channel and peer
// state is confined to this loop.
func (r *Registry) Run(ctx context.Context) error {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-r.events:
			r.dispatch(ev)
		case q := <-r.queries:
			q()
		}
	}
}

// Attach installs the relay's dispatcher on one inbound client endpoint and
// returns a function that detaches it. Envelopes that do not decode or
// carry an unknown tag are silently ignored.
func (r *Registry) Attach(t transport.Transport) (detach func()) {
	ep := &endpoint{t: t, lim: r.newLimiter()}
	ep.off = t.On(func(raw *transport.Envelope) {
		var env bridge.Envelope
		if err := env.Decode(raw.Data); err != nil {
			return
		}
		if env.Tag == "" {
			return
		}
		select {
		case r.events <- event{ep: ep, env: &env}:
		case <-r.done:
			// The loop has exited; drop the envelope rather than block the
			// transport's receive goroutine.
		}
	})
	return ep.off
}

// Stats summarizes the registry's current occupancy.
type Stats struct {
	Channels int `json:"num_channels"`
	Peers    int `json:"num_peers"`
}

// Stats reports the registry's current channel and peer counts. It fails if
// ctx ends or the event loop has stopped before answering.
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	result := make(chan Stats, 1)
	q := func() {
		var s Stats
		s.Channels = len(r.channels)
		for _, ch := range r.channels {
			s.Peers += len(ch.peers)
		}
		result <- s
	}
	select {
	case r.queries <- q:
	case <-r.done:
		return Stats{}, context.Canceled
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case s := <-result:
		return s, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// dispatch routes one inbound envelope by tag, per the relay's dispatch
// table. Unknown tags are ignored.
func (r *Registry) dispatch(ev event) {
	env := ev.env
	switch env.Tag {
	case bridge.TagHandshake:
		r.handleHandshake(ev.ep, env)
	case bridge.TagBroadcast:
		r.handleBroadcast(ev.ep, env)
	case bridge.TagDirectMessage:
		r.handleDirect(env)
	case bridge.TagGetTabs:
		r.handleGetTabs(ev.ep, env)
	case bridge.TagGetState:
		r.handleGetState(ev.ep, env)
	case bridge.TagSetState:
		r.handleSetState(env)
	case bridge.TagDisconnect:
		r.handleDisconnect(env)
	}
}

func (r *Registry) handleHandshake(ep *endpoint, env *bridge.Envelope) {
	if env.TabID == "" || env.Channel == "" {
		if err := ep.send(&bridge.Envelope{
			Tag:     bridge.TagHandshakeError,
			Code:    bridge.CodeInvalidPayload,
			TabID:   env.TabID,
			Channel: env.Channel,
		}); err != nil {
			r.log.WithFields(logrus.Fields{"error": err}).Error("Error rejecting malformed handshake")
		}
		return
	}

	ch, ok := r.channels[env.Channel]
	if !ok {
		ch = &channel{
			name:        env.Channel,
			peers:       make(map[string]*peerRecord),
			sharedState: make(bridge.State),
		}
		r.channels[env.Channel] = ch
		r.log.WithFields(logrus.Fields{"channel": ch.name}).Info("Channel created")
	}

	// A colliding handshake evicts and notifies the prior holder; the
	// newcomer wins.
	if prior, ok := ch.peers[env.TabID]; ok {
		if err := prior.ep.send(&bridge.Envelope{
			Tag:     bridge.TagHandshakeError,
			Code:    bridge.CodeDuplicateTabID,
			TabID:   env.TabID,
			Channel: ch.name,
		}); err != nil {
			r.log.WithFields(logrus.Fields{
				"channel": ch.name,
				"tab_id":  env.TabID,
				"error":   err,
			}).Error("Error notifying evicted peer")
		}
		prior.ep.close()
		delete(ch.peers, env.TabID)
		r.metrics.peersEvicted.Add(1)
		r.log.WithFields(logrus.Fields{
			"channel": ch.name,
			"tab_id":  env.TabID,
		}).Warn("Evicted peer with duplicate tab ID")
	}

	// The first peer of a channel may seed its shared state.
	if len(ch.peers) == 0 && len(env.Schema) > 0 {
		var seed bridge.State
		if err := json.Unmarshal(env.Schema, &seed); err == nil && len(seed) > 0 {
			ch.sharedState = seed
		}
	}

	ch.peers[env.TabID] = &peerRecord{tabID: env.TabID, ep: ep, methodNames: env.MethodNames}
	r.metrics.peersJoined.Add(1)
	r.log.WithFields(logrus.Fields{
		"channel": ch.name,
		"tab_id":  env.TabID,
		"peers":   len(ch.peers),
	}).Info("Peer joined")

	if err := ep.send(&bridge.Envelope{
		Tag:         bridge.TagHandshakeAck,
		TabID:       env.TabID,
		Channel:     ch.name,
		SharedState: snapshot(ch.sharedState),
	}); err != nil {
		r.log.WithFields(logrus.Fields{
			"channel": ch.name,
			"tab_id":  env.TabID,
			"error":   err,
		}).Error("Error acknowledging handshake")
	}
}

func (r *Registry) handleBroadcast(ep *endpoint, env *bridge.Envelope) {
	ch, ok := r.channels[env.Channel]
	if !ok {
		return
	}
	if ep.lim != nil && !ep.lim.Allow() {
		r.metrics.broadcastsDropped.Add(1)
		r.log.WithFields(logrus.Fields{
			"channel": env.Channel,
			"tab_id":  env.SenderTabID,
			"method":  env.MethodName,
		}).Warn("Broadcast dropped by rate limit")
		return
	}

	relay := &bridge.Envelope{
		Tag:          bridge.TagRelay,
		SenderTabID:  env.SenderTabID,
		MethodName:   env.MethodName,
		Args:         env.Args,
		SenderResult: env.Result,
		SenderError:  env.Error,
	}
	for tabID, peer := range ch.peers {
		if tabID == env.SenderTabID {
			continue // the sender never receives its own relay
		}
		if err := peer.ep.send(relay); err != nil {
			r.metrics.broadcastsDropped.Add(1)
			r.log.WithFields(logrus.Fields{
				"channel": ch.name,
				"tab_id":  tabID,
				"method":  env.MethodName,
				"error":   err,
			}).Error("Error relaying broadcast; skipping peer")
			continue
		}
		r.metrics.broadcastsRelayed.Add(1)
	}
}

func (r *Registry) handleDirect(env *bridge.Envelope) {
	ch, ok := r.channels[env.Channel]
	if !ok {
		return
	}
	peer, ok := ch.peers[env.TargetTabID]
	if !ok {
		r.metrics.directDropped.Add(1)
		r.log.WithFields(logrus.Fields{
			"channel": env.Channel,
			"target":  env.TargetTabID,
			"method":  env.MethodName,
		}).Warn("Direct message to unknown tab; dropped")
		return
	}
	if err := peer.ep.send(&bridge.Envelope{
		Tag:          bridge.TagRelay,
		SenderTabID:  env.SenderTabID,
		MethodName:   env.MethodName,
		Args:         env.Args,
		SenderResult: env.Result,
		SenderError:  env.Error,
	}); err != nil {
		r.log.WithFields(logrus.Fields{
			"channel": env.Channel,
			"target":  env.TargetTabID,
			"error":   err,
		}).Error("Error relaying direct message")
		return
	}
	r.metrics.directMessages.Add(1)
}

func (r *Registry) handleGetTabs(ep *endpoint, env *bridge.Envelope) {
	var tabIDs []string
	if ch, ok := r.channels[env.Channel]; ok {
		tabIDs = make([]string, 0, len(ch.peers))
		for tabID := range ch.peers {
			tabIDs = append(tabIDs, tabID)
		}
	}
	if err := ep.send(&bridge.Envelope{
		Tag:     bridge.TagTabsResponse,
		Channel: env.Channel,
		TabIDs:  tabIDs,
	}); err != nil {
		r.log.WithFields(logrus.Fields{"channel": env.Channel, "error": err}).Error("Error sending tabs response")
	}
}

func (r *Registry) handleGetState(ep *endpoint, env *bridge.Envelope) {
	var state bridge.State
	if ch, ok := r.channels[env.Channel]; ok {
		state = snapshot(ch.sharedState)
	}
	if err := ep.send(&bridge.Envelope{Tag: bridge.TagStateResponse, State: state}); err != nil {
		r.log.WithFields(logrus.Fields{"channel": env.Channel, "error": err}).Error("Error sending state response")
	}
}

func (r *Registry) handleSetState(env *bridge.Envelope) {
	ch, ok := r.channels[env.Channel]
	if !ok {
		return
	}
	ch.sharedState[env.Key] = env.Value
	r.metrics.stateUpdates.Add(1)

	update := &bridge.Envelope{Tag: bridge.TagStateUpdate, Key: env.Key, Value: env.Value}
	for tabID, peer := range ch.peers {
		if err := peer.ep.send(update); err != nil {
			r.log.WithFields(logrus.Fields{
				"channel": ch.name,
				"tab_id":  tabID,
				"error":   err,
			}).Error("Error pushing state update; skipping peer")
		}
	}
}

func (r *Registry) handleDisconnect(env *bridge.Envelope) {
	ch, ok := r.channels[env.Channel]
	if !ok {
		return
	}
	peer, ok := ch.peers[env.TabID]
	if !ok {
		return
	}
	delete(ch.peers, env.TabID)
	peer.ep.close()
	r.metrics.peersLeft.Add(1)
	r.log.WithFields(logrus.Fields{
		"channel": ch.name,
		"tab_id":  env.TabID,
		"peers":   len(ch.peers),
	}).Info("Peer left")

	if len(ch.peers) == 0 {
		delete(r.channels, ch.name)
		r.log.WithFields(logrus.Fields{"channel": ch.name}).Info("Channel destroyed")
	}
}

func snapshot(s bridge.State) bridge.State {
	out := make(bridge.State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
