// Package inproc implements a [transport.Transport] for a connected pair of
// same-process execution contexts, the analogue of a window or worker
// postMessage channel that never leaves the process.
package inproc

import (
	"context"
	"sync"

	"github.com/fabricrpc/fabric/transport"
)

// Pair constructs a connected pair of in-memory transports. Envelopes sent
// on A are received by B and vice versa, delivered without encoding.
//
// Like messages posted to a worker before its script has run, envelopes
// received before the first [transport.Transport] On registration are held
// and delivered once a handler exists.
func Pair() (A, B transport.Transport) {
	a2b := make(chan *transport.Envelope, 64)
	b2a := make(chan *transport.Envelope, 64)

	a := newDirect(a2b, b2a)
	b := newDirect(b2a, a2b)
	go a.loop()
	go b.loop()
	return a, b
}

type direct struct {
	out chan<- *transport.Envelope
	in  <-chan *transport.Envelope

	ready chan struct{} // closed when the first handler registers
	done  chan struct{} // closed when this endpoint closes

	mu       sync.Mutex
	handlers map[int]func(*transport.Envelope)
	nextID   int
	closed   bool
}

func newDirect(out chan<- *transport.Envelope, in <-chan *transport.Envelope) *direct {
	return &direct{
		out:   out,
		in:    in,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (d *direct) loop() {
	for env := range d.in {
		// Hold delivery until the endpoint has at least one listener.
		select {
		case <-d.ready:
		case <-d.done:
			return
		}

		d.mu.Lock()
		hs := make([]func(*transport.Envelope), 0, len(d.handlers))
		for _, h := range d.handlers {
			hs = append(hs, h)
		}
		d.mu.Unlock()
		for _, h := range hs {
			h(env)
		}
	}
}

// Send implements a method of the [transport.Transport] interface.
func (d *direct) Send(ctx context.Context, env *transport.Envelope, opts transport.SendOptions) (err error) {
	defer transport.DetachAll(opts.Transfer)
	defer safeSendClose(&err)

	select {
	case d.out <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// On implements a method of the [transport.Transport] interface.
func (d *direct) On(handler func(*transport.Envelope)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers == nil {
		d.handlers = make(map[int]func(*transport.Envelope))
		close(d.ready)
	}
	id := d.nextID
	d.nextID++
	d.handlers[id] = handler
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers, id)
	}
}

// Close implements a method of the [transport.Transport] interface. Close
// is idempotent.
func (d *direct) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	close(d.done)
	close(d.out)
	return nil
}

func safeSendClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = errClosed
	}
}

var errClosed = transportClosedError{}

type transportClosedError struct{}

func (transportClosedError) Error() string { return "inproc: transport closed" }
