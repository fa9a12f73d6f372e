// Package ws implements a [transport.Transport] over a gorilla/websocket
// connection, the channel family used by peers that are not in a
// parent/child relationship, principally the bridge client's link to the
// relay daemon.
package ws

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/fabricrpc/fabric/transport"
)

// New wraps an established websocket connection as a Transport. The caller
// retains responsibility for the connection's handshake (upgrade or dial);
// New only owns message framing from that point on.
func New(conn *websocket.Conn) transport.Transport {
	t := &wsTransport{conn: conn, ready: make(chan struct{}), done: make(chan struct{})}
	go t.recvLoop()
	return t
}

// Dial connects to the WebSocket endpoint at url (a ws:// or wss:// URL)
// and wraps the resulting connection as a Transport.
func Dial(ctx context.Context, url string) (transport.Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	return New(conn), nil
}

type wsTransport struct {
	conn   *websocket.Conn
	sendMu sync.Mutex

	ready chan struct{} // closed when the first handler registers
	done  chan struct{} // closed when the transport closes

	mu       sync.Mutex
	handlers map[int]func(*transport.Envelope)
	nextID   int
	closed   bool
}

// Send implements a method of the [transport.Transport] interface. A
// websocket connection cannot move memory, so Transfer is always copied;
// [transport.DetachAll] still detaches the caller's buffers to honor the
// move contract observationally.
func (t *wsTransport) Send(ctx context.Context, env *transport.Envelope, opts transport.SendOptions) error {
	defer transport.DetachAll(opts.Transfer)

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if err := t.conn.WriteMessage(websocket.BinaryMessage, env.Data); err != nil {
		return fmt.Errorf("ws: write message: %w", err)
	}
	return nil
}

func (t *wsTransport) recvLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}

		// Hold delivery until the endpoint has at least one listener.
		select {
		case <-t.ready:
		case <-t.done:
			return
		}

		t.mu.Lock()
		hs := make([]func(*transport.Envelope), 0, len(t.handlers))
		for _, h := range t.handlers {
			hs = append(hs, h)
		}
		t.mu.Unlock()

		env := &transport.Envelope{Data: data}
		for _, h := range hs {
			h(env)
		}
	}
}

// On implements a method of the [transport.Transport] interface.
func (t *wsTransport) On(handler func(*transport.Envelope)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handlers == nil {
		t.handlers = make(map[int]func(*transport.Envelope))
		close(t.ready)
	}
	id := t.nextID
	t.nextID++
	t.handlers[id] = handler
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.handlers, id)
	}
}

// Close implements a method of the [transport.Transport] interface. Close
// is idempotent.
func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()
	return t.conn.Close()
}
