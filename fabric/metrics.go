package fabric

import "expvar"

// connMetrics record per-connection activity counters.
type connMetrics struct {
	handshakesCompleted expvar.Int
	callsOut            expvar.Int
	callsOutFailed      expvar.Int
	callsIn             expvar.Int
	callsInFailed       expvar.Int
	callsPending        expvar.Int // outbound, awaiting response
	callsActive         expvar.Int // inbound, currently executing

	emap *expvar.Map
}

func newConnMetrics() *connMetrics {
	m := &connMetrics{emap: new(expvar.Map)}
	m.emap.Set("handshakes_completed", &m.handshakesCompleted)
	m.emap.Set("calls_out", &m.callsOut)
	m.emap.Set("calls_out_failed", &m.callsOutFailed)
	m.emap.Set("calls_in", &m.callsIn)
	m.emap.Set("calls_in_failed", &m.callsInFailed)
	m.emap.Set("calls_pending", &m.callsPending)
	m.emap.Set("calls_active", &m.callsActive)
	return m
}

// Metrics returns a metrics map for the connection. It is safe for the
// caller to add additional metrics to the map while the connection is
// active.
func (c *Connection) Metrics() *expvar.Map { return c.metrics.emap }
