// Package transport provides uniform send/receive/subscribe/unsubscribe
// over the channel families the fabric RPC engine and bridge client run
// on: an in-process pair (window/worker postMessage within one process), a
// framed byte stream (a worker/port endpoint, a child process, or a raw
// socket), and a duplex event-emitter style endpoint (a WebSocket peer).
package transport

import "context"

// Envelope is the opaque wire unit exchanged by a [Transport]: an encoded
// payload. Values to move rather than copy are not part of the Envelope;
// they are listed in [SendOptions.Transfer]. The fabric RPC engine and the bridge client each define their own typed
// envelope and marshal it into Data before calling Send.
type Envelope struct {
	Data []byte
}

// A Transferable is a value that can be moved, rather than copied, across a
// Transport. [fabric.Buffer] implements this interface.
type Transferable interface {
	// Detach empties the transferable and returns its former contents.
	Detach() []byte
}

// DetachAll detaches every transferable in ts, simulating the move
// semantics a postMessage transfer list gives the values it names. Every
// concrete Transport calls this once a Send has been handed to its peer.
func DetachAll(ts []Transferable) {
	for _, t := range ts {
		t.Detach()
	}
}

// SendOptions configures a single Send call.
type SendOptions struct {
	// Origin is the target origin for a window-family transport; ignored by
	// every other transport.
	Origin string

	// Transfer lists values to move rather than copy to the peer. A
	// transport that cannot move memory degrades to copying instead, but
	// still detaches each value per [DetachAll].
	Transfer []Transferable
}

// Transport hides the three underlying channel families behind one
// interface: the rest of the engine only ever sees this.
type Transport interface {
	// Send delivers env to the peer.
	Send(ctx context.Context, env *Envelope, opts SendOptions) error

	// On registers handler to be invoked for every inbound Envelope and
	// returns a function that removes it. On must be safe to call
	// concurrently with Send and with other On/off calls.
	On(handler func(*Envelope)) (off func())

	// Close closes the transport, causing any blocked Send or receive loop
	// to terminate and report an error. Close must be idempotent.
	Close() error
}
