package relay

import "expvar"

// registryMetrics record relay activity counters.
type registryMetrics struct {
	peersJoined       expvar.Int
	peersLeft         expvar.Int
	peersEvicted      expvar.Int
	broadcastsRelayed expvar.Int
	broadcastsDropped expvar.Int // rate-limited or failed per-peer sends
	directMessages    expvar.Int
	directDropped     expvar.Int // unknown destination
	stateUpdates      expvar.Int

	emap *expvar.Map
}

func newRegistryMetrics() *registryMetrics {
	m := &registryMetrics{emap: new(expvar.Map)}
	m.emap.Set("peers_joined", &m.peersJoined)
	m.emap.Set("peers_left", &m.peersLeft)
	m.emap.Set("peers_evicted", &m.peersEvicted)
	m.emap.Set("broadcasts_relayed", &m.broadcastsRelayed)
	m.emap.Set("broadcasts_dropped", &m.broadcastsDropped)
	m.emap.Set("direct_messages", &m.directMessages)
	m.emap.Set("direct_dropped", &m.directDropped)
	m.emap.Set("state_updates", &m.stateUpdates)
	return m
}

// Metrics returns a metrics map for the registry. It is safe for the caller
// to add additional metrics to the map while the relay is active.
func (r *Registry) Metrics() *expvar.Map { return r.metrics.emap }
