package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/fabricrpc/fabric/bridge"
	"github.com/fabricrpc/fabric/bridge/relay"
	"github.com/fabricrpc/fabric/fabric"
	"github.com/fabricrpc/fabric/transport/inproc"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// newTestRelay starts a registry event loop that stops at test cleanup.
func newTestRelay(t *testing.T, opts *relay.Options) *relay.Registry {
	t.Helper()
	if opts == nil {
		opts = &relay.Options{}
	}
	if opts.Log == nil {
		opts.Log = quietLogger()
	}
	reg := relay.New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); reg.Run(ctx) }()
	t.Cleanup(func() { cancel(); <-done })
	return reg
}

// joinPeer attaches a fresh in-process endpoint to reg and joins it to the
// named channel.
func joinPeer(t *testing.T, reg *relay.Registry, channel, tabID string, schema fabric.Schema, expose bool) *bridge.Client {
	t.Helper()
	relaySide, clientSide := inproc.Pair()
	reg.Attach(relaySide)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cli, err := bridge.Join(ctx, clientSide, channel, schema, &bridge.JoinOptions{
		TabID:       tabID,
		Log:         quietLogger(),
		ExposeState: expose,
	})
	if err != nil {
		t.Fatalf("Join %q: %v", tabID, err)
	}
	t.Cleanup(func() { cli.Close() })
	return cli
}

// counter is per-peer local state mutated by the shared inc method.
type counter struct {
	value   atomic.Int64
	applied chan int64 // receives the new value after each application
}

func newCounter() *counter {
	return &counter{applied: make(chan int64, 16)}
}

func (c *counter) schema() fabric.Schema {
	return fabric.Schema{
		"inc": fabric.Handler(func(_ context.Context, _ *fabric.Remote, args []json.RawMessage) (any, error) {
			var n int64
			if err := json.Unmarshal(args[0], &n); err != nil {
				return nil, err
			}
			v := c.value.Add(n)
			c.applied <- v
			return v, nil
		}),
	}
}

func (c *counter) awaitValue(t *testing.T, want int64) {
	t.Helper()
	select {
	case got := <-c.applied:
		if got != want {
			t.Errorf("Applied value = %d, want %d", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out waiting for counter to reach %d", want)
	}
}

func (c *counter) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case got := <-c.applied:
		t.Errorf("Unexpected extra application, value now %d", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastFanOut(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // runs after the relay and peer cleanups
	reg := newTestRelay(t, nil)

	ca, cb, cc := newCounter(), newCounter(), newCounter()
	a := joinPeer(t, reg, "x", "A", ca.schema(), false)
	joinPeer(t, reg, "x", "B", cb.schema(), false)
	joinPeer(t, reg, "x", "C", cc.schema(), false)

	raw, err := a.Call(context.Background(), "inc", 5)
	if err != nil {
		t.Fatalf("Call inc: %v", err)
	}
	var got int64
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal result: %v", err)
	}
	if got != 5 {
		t.Errorf("Local inc(5) = %d, want 5", got)
	}

	// The caller executed locally; every other peer re-executes via relay.
	ca.awaitValue(t, 5)
	cb.awaitValue(t, 5)
	cc.awaitValue(t, 5)

	// The relay never echoes a broadcast back to its sender.
	ca.assertQuiet(t)
}

func TestDuplicateTabIDEviction(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // runs after the relay and peer cleanups
	reg := newTestRelay(t, nil)

	c1, c2 := newCounter(), newCounter()
	p1 := joinPeer(t, reg, "y", "t", c1.schema(), false)
	p2 := joinPeer(t, reg, "y", "t", c2.schema(), false)

	// The prior holder is notified and evicted; its client tears down. An
	// evicted client eventually fails its sends.
	deadline := time.After(5 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, err := p1.GetConnectedTabs(ctx)
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Evicted peer still usable after 5s")
		case <-time.After(10 * time.Millisecond):
		}
	}

	tabs, err := p2.GetConnectedTabs(context.Background())
	if err != nil {
		t.Fatalf("GetConnectedTabs: %v", err)
	}
	if diff := cmp.Diff([]string{"t"}, tabs); diff != "" {
		t.Errorf("Connected tabs (-want, +got):\n%s", diff)
	}
}

func TestDirectMessage(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // runs after the relay and peer cleanups
	reg := newTestRelay(t, nil)

	ca, cb, cc := newCounter(), newCounter(), newCounter()
	a := joinPeer(t, reg, "d", "A", ca.schema(), false)
	joinPeer(t, reg, "d", "B", cb.schema(), false)
	joinPeer(t, reg, "d", "C", cc.schema(), false)

	if _, err := a.Direct("B").Call(context.Background(), "inc", 7); err != nil {
		t.Fatalf("Direct call: %v", err)
	}

	ca.awaitValue(t, 7) // local execution on the sender
	cb.awaitValue(t, 7) // the addressed peer
	cc.assertQuiet(t)   // everyone else is left alone

	// A direct message to an absent tab is dropped without an error to the
	// sender.
	if _, err := a.Direct("nobody").Call(context.Background(), "inc", 1); err != nil {
		t.Fatalf("Direct call to absent tab: %v", err)
	}
	ca.awaitValue(t, 8)
}

func TestGetConnectedTabs(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // runs after the relay and peer cleanups
	reg := newTestRelay(t, nil)

	a := joinPeer(t, reg, "tabs", "A", nil, false)
	joinPeer(t, reg, "tabs", "B", nil, false)

	tabs, err := a.GetConnectedTabs(context.Background())
	if err != nil {
		t.Fatalf("GetConnectedTabs: %v", err)
	}
	sort.Strings(tabs)
	if diff := cmp.Diff([]string{"A", "B"}, tabs); diff != "" {
		t.Errorf("Connected tabs (-want, +got):\n%s", diff)
	}
}

func TestSharedState(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // runs after the relay and peer cleanups
	reg := newTestRelay(t, nil)

	// The first peer's residual schema seeds the channel's shared state.
	seed := fabric.Schema{"motd": "welcome"}
	a := joinPeer(t, reg, "s", "A", seed, true)
	b := joinPeer(t, reg, "s", "B", nil, true)

	state, err := b.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	var motd string
	if err := json.Unmarshal(state["motd"], &motd); err != nil || motd != "welcome" {
		t.Errorf("Seeded state motd = %q (err %v), want welcome", motd, err)
	}

	if err := b.SetState(context.Background(), "count", 3); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	// The update is pushed to every peer; poll the other peer's local
	// snapshot for arrival.
	deadline := time.After(5 * time.Second)
	for {
		state, err := a.CachedState()
		if err != nil {
			t.Fatalf("CachedState: %v", err)
		}
		if raw, ok := state["count"]; ok {
			var n int
			if err := json.Unmarshal(raw, &n); err != nil || n != 3 {
				t.Errorf("state count = %q (err %v), want 3", raw, err)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("State update never arrived")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStateNotExposed(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // runs after the relay and peer cleanups
	reg := newTestRelay(t, nil)

	a := joinPeer(t, reg, "ns", "A", nil, false)
	if _, err := a.State(context.Background()); err != bridge.ErrStateNotExposed {
		t.Errorf("State: got %v, want ErrStateNotExposed", err)
	}
	if err := a.SetState(context.Background(), "k", 1); err != bridge.ErrStateNotExposed {
		t.Errorf("SetState: got %v, want ErrStateNotExposed", err)
	}
}

func TestChannelCleanup(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // runs after the relay and peer cleanups
	reg := newTestRelay(t, nil)

	a := joinPeer(t, reg, "gone", "A", nil, false)
	b := joinPeer(t, reg, "gone", "B", nil, false)

	stats, err := reg.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Channels != 1 || stats.Peers != 2 {
		t.Fatalf("Stats = %+v, want 1 channel, 2 peers", stats)
	}

	a.Close()
	b.Close()

	// Channels are destroyed eagerly once their last peer disconnects.
	deadline := time.After(5 * time.Second)
	for {
		stats, err := reg.Stats(context.Background())
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.Channels == 0 && stats.Peers == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Channel not destroyed: %+v", stats)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBroadcastRateLimit(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // runs after the relay and peer cleanups
	reg := newTestRelay(t, &relay.Options{
		Log:            quietLogger(),
		BroadcastRate:  rate.Limit(0.001), // effectively one broadcast, then dry
		BroadcastBurst: 1,
	})

	ca, cb := newCounter(), newCounter()
	a := joinPeer(t, reg, "rl", "A", ca.schema(), false)
	joinPeer(t, reg, "rl", "B", cb.schema(), false)

	ctx := context.Background()
	if _, err := a.Call(ctx, "inc", 1); err != nil {
		t.Fatalf("Call inc: %v", err)
	}
	if _, err := a.Call(ctx, "inc", 1); err != nil {
		t.Fatalf("Call inc: %v", err)
	}

	ca.awaitValue(t, 1)
	ca.awaitValue(t, 2) // both run locally on the caller
	cb.awaitValue(t, 1) // only the first broadcast is relayed
	cb.assertQuiet(t)
}

func TestCloseIdempotent(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // runs after the relay and peer cleanups
	reg := newTestRelay(t, nil)

	a := joinPeer(t, reg, "ci", "A", nil, false)
	for i := 0; i < 3; i++ {
		if err := a.Close(); err != nil {
			t.Errorf("Close %d: %v", i+1, err)
		}
	}
	if _, err := a.Call(context.Background(), "inc", 1); err == nil {
		t.Error("Call after close: got nil, want error")
	}
}
