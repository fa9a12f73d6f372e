package relay_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/sirupsen/logrus"

	"github.com/fabricrpc/fabric/bridge"
	"github.com/fabricrpc/fabric/bridge/relay"
	"github.com/fabricrpc/fabric/fabric"
	"github.com/fabricrpc/fabric/transport"
	"github.com/fabricrpc/fabric/transport/stream"
	"github.com/fabricrpc/fabric/transport/ws"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// echoSchema exposes one method that records the values it was applied
// with.
func echoSchema(applied chan<- string) fabric.Schema {
	return fabric.Schema{
		"note": fabric.Handler(func(_ context.Context, _ *fabric.Remote, args []json.RawMessage) (any, error) {
			var s string
			if err := json.Unmarshal(args[0], &s); err != nil {
				return nil, err
			}
			applied <- s
			return s, nil
		}),
	}
}

func awaitNote(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Errorf("Applied note = %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out waiting for note %q", want)
	}
}

// runRelay starts a registry with both a TCP stream listener and a
// WebSocket listener, returning their addresses.
func runRelay(t *testing.T) (tcpAddr, wsURL string) {
	t.Helper()
	reg := relay.New(&relay.Options{Log: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tcpLst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	wsLst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	done := make(chan struct{}, 3)
	go func() { reg.Run(ctx); done <- struct{}{} }()
	go func() { reg.Serve(ctx, tcpLst); done <- struct{}{} }()
	go func() { reg.ServeWS(ctx, wsLst); done <- struct{}{} }()
	t.Cleanup(func() {
		cancel()
		for i := 0; i < 3; i++ {
			<-done
		}
	})

	return tcpLst.Addr().String(), fmt.Sprintf("ws://%s/", wsLst.Addr().String())
}

func dialStream(t *testing.T, addr string) transport.Transport {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial %s: %v", addr, err)
	}
	return stream.New(conn, conn)
}

func TestServeMixedTransports(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // runs after the relay cleanup
	tcpAddr, wsURL := runRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// One peer over a raw TCP stream, one over WebSocket, one channel.
	aNotes := make(chan string, 4)
	a, err := bridge.Join(ctx, dialStream(t, tcpAddr), "mixed", echoSchema(aNotes), &bridge.JoinOptions{
		TabID: "stream-peer", Log: quietLogger(),
	})
	if err != nil {
		t.Fatalf("Join stream peer: %v", err)
	}
	defer a.Close()

	wst, err := ws.Dial(ctx, wsURL)
	if err != nil {
		t.Fatalf("Dial ws: %v", err)
	}
	bNotes := make(chan string, 4)
	b, err := bridge.Join(ctx, wst, "mixed", echoSchema(bNotes), &bridge.JoinOptions{
		TabID: "ws-peer", Log: quietLogger(),
	})
	if err != nil {
		t.Fatalf("Join ws peer: %v", err)
	}
	defer b.Close()

	if _, err := a.Call(ctx, "note", "from-stream"); err != nil {
		t.Fatalf("Broadcast from stream peer: %v", err)
	}
	awaitNote(t, aNotes, "from-stream") // local execution
	awaitNote(t, bNotes, "from-stream") // relayed across transports

	if _, err := b.Call(ctx, "note", "from-ws"); err != nil {
		t.Fatalf("Broadcast from ws peer: %v", err)
	}
	awaitNote(t, bNotes, "from-ws")
	awaitNote(t, aNotes, "from-ws")
}
