// Package stream implements a [transport.Transport] over a framed
// io.Reader/io.WriteCloser pair: a worker/port endpoint, a child process's
// stdio pipes, or a raw net.Conn. Each Envelope is written as a
// length-prefixed frame so many envelopes can share one byte stream.
package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/fabricrpc/fabric/packet"
	"github.com/fabricrpc/fabric/transport"
)

// New constructs a Transport that receives frames from r and sends frames
// to wc. Transferables ride out of band in the specification's terms, but a
// byte stream cannot move memory, so New always copies and relies on
// [transport.DetachAll] to detach the sender's originals.
func New(r io.Reader, wc io.WriteCloser) transport.Transport {
	s := &streamTransport{
		r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.recvLoop()
	return s
}

// Pipe constructs a connected pair of stream transports over an in-memory
// full-duplex pipe, for tests and same-process demonstrations of the
// framed-stream channel family.
func Pipe() (A, B transport.Transport) {
	ca, cb := net.Pipe()
	return New(ca, ca), New(cb, cb)
}

type streamTransport struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer

	sendMu sync.Mutex

	ready chan struct{} // closed when the first handler registers
	done  chan struct{} // closed when the transport closes

	mu       sync.Mutex
	handlers map[int]func(*transport.Envelope)
	nextID   int
	closed   bool
}

// Send implements a method of the [transport.Transport] interface.
func (s *streamTransport) Send(ctx context.Context, env *transport.Envelope, opts transport.SendOptions) error {
	defer transport.DetachAll(opts.Transfer)

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	var b packet.Builder
	b.Vint30(uint32(len(env.Data)))
	if _, err := s.w.Write(b.Bytes()); err != nil {
		return fmt.Errorf("stream: write frame header: %w", err)
	}
	if len(env.Data) > 0 {
		if _, err := s.w.Write(env.Data); err != nil {
			return fmt.Errorf("stream: write frame body: %w", err)
		}
	}
	return s.w.Flush()
}

func (s *streamTransport) recvLoop() {
	for {
		data, err := readFrame(s.r)
		if err != nil {
			return
		}

		// Hold delivery until the endpoint has at least one listener, like
		// messages posted to a worker before its script has run.
		select {
		case <-s.ready:
		case <-s.done:
			return
		}

		s.mu.Lock()
		hs := make([]func(*transport.Envelope), 0, len(s.handlers))
		for _, h := range s.handlers {
			hs = append(hs, h)
		}
		s.mu.Unlock()

		env := &transport.Envelope{Data: data}
		for _, h := range hs {
			h(env)
		}
	}
}

// readFrame reads one length-prefixed frame, using the same [packet.Vint30]
// self-framing convention as the fabric RPC engine's own binary skeleton.
func readFrame(r *bufio.Reader) ([]byte, error) {
	first, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	nb := int(first%4) + 1
	buf := make([]byte, nb)
	buf[0] = first
	if nb > 1 {
		if _, err := io.ReadFull(r, buf[1:]); err != nil {
			return nil, fmt.Errorf("short length prefix: %w", err)
		}
	}
	consumed, length := packet.ParseVint30(buf)
	if consumed != nb {
		return nil, fmt.Errorf("stream: invalid length prefix")
	}

	data := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("short frame body: %w", err)
		}
	}
	return data, nil
}

// On implements a method of the [transport.Transport] interface.
func (s *streamTransport) On(handler func(*transport.Envelope)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[int]func(*transport.Envelope))
		close(s.ready)
	}
	id := s.nextID
	s.nextID++
	s.handlers[id] = handler
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

// Close implements a method of the [transport.Transport] interface. Close
// is idempotent.
func (s *streamTransport) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	return s.c.Close()
}
