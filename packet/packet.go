// Portions copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.
// Adapted from the binary packet support in github.com/creachadair/chirp.

// Package packet provides low-level support for encoding and decoding the
// binary envelope framing used by the fabric RPC engine and the stream
// transport. Higher-level payloads (method directories, schemas, call
// arguments, results, error data) are carried as opaque length-prefixed byte
// strings within a packet and are themselves encoded with encoding/json;
// only the envelope skeleton and the length prefixes of stream frames use
// this package directly.
package packet

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/creachadair/mds/value"
)

// A Builder accumulates bytes into a packet. The zero value is ready for use.
type Builder struct {
	buf []byte
}

// Bool appends a Boolean to b as a single byte, 1 for true and 0 for false.
func (b *Builder) Bool(ok bool) { b.Put(value.Cond[byte](ok, 1, 0)) }

// Put appends the given bytes to b in order.
func (b *Builder) Put(vs ...byte) { b.buf = append(b.buf, vs...) }

// VPut appends a length-prefixed byte string to b. The length is encoded as
// a [Vint30].
func (b *Builder) VPut(vs []byte) {
	b.Grow(VLen(len(vs)))
	b.Vint30(uint32(len(vs)))
	b.buf = append(b.buf, vs...)
}

// VPutString appends a length-prefixed string to b. The length is encoded as
// a [Vint30].
func (b *Builder) VPutString(s string) {
	b.Grow(VLen(len(s)))
	b.Vint30(uint32(len(s)))
	b.buf = append(b.buf, s...)
}

// Uint32 appends v to b in big-endian order.
func (b *Builder) Uint32(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }

// Vint30 appends a [Vint30]-encoded value to b.
func (b *Builder) Vint30(v uint32) { b.buf = Vint30(v).Append(b.buf) }

// Len reports the number of bytes currently held by b.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes reports the current contents of b. The builder retains ownership of
// the returned slice; the caller must not modify it unless b is discarded.
func (b *Builder) Bytes() []byte { return b.buf }

// Grow ensures at least n additional bytes can be appended to b without
// triggering another allocation.
func (b *Builder) Grow(n int) {
	want := len(b.buf) + n
	if cap(b.buf) < want {
		r := make([]byte, len(b.buf), max(want, 2*cap(b.buf)))
		copy(r, b.buf)
		b.buf = r
	}
}

// A Scanner reads values encoded by a [Builder] from a fixed input buffer.
// Methods return [io.ErrUnexpectedEOF] when the input is exhausted before a
// complete value can be read.
type Scanner struct {
	rest []byte
}

// NewScanner constructs a Scanner that consumes data from input. The scanner
// retains slices into input and does not copy it; the caller must not modify
// input while the scanner is in use.
func NewScanner(input []byte) *Scanner { return &Scanner{rest: input} }

// Byte scans a single byte from the head of the input.
func (s *Scanner) Byte() (byte, error) {
	if len(s.rest) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	out := s.rest[0]
	s.rest = s.rest[1:]
	return out, nil
}

// Bool scans a single byte and reports whether it is non-zero.
func (s *Scanner) Bool() (bool, error) {
	b, err := s.Byte()
	return b != 0, err
}

// Uint32 parses a big-endian uint32 from the head of the input.
func (s *Scanner) Uint32() (uint32, error) {
	if len(s.rest) < 4 {
		return 0, fmt.Errorf("truncated uint32 (%d < 4 bytes): %w", len(s.rest), io.ErrUnexpectedEOF)
	}
	out := binary.BigEndian.Uint32(s.rest[:4])
	s.rest = s.rest[4:]
	return out, nil
}

// Vint30 parses a single [Vint30] value from the head of the input.
func (s *Scanner) Vint30() (uint32, error) {
	if len(s.rest) == 0 {
		return 0, io.EOF
	}
	nb := int(s.rest[0]%4) + 1
	if len(s.rest) < nb {
		return 0, io.ErrUnexpectedEOF
	}
	var w uint32
	for i := nb - 1; i >= 0; i-- {
		w = (w * 256) + uint32(s.rest[i])
	}
	s.rest = s.rest[nb:]
	return w >> 2, nil
}

// VBytes scans a length-prefixed byte string from the head of the input. The
// returned slice aliases the scanner's input and must not be modified.
func (s *Scanner) VBytes() ([]byte, error) {
	n, err := s.Vint30()
	if err != nil {
		return nil, err
	}
	if uint32(len(s.rest)) < n {
		return nil, fmt.Errorf("truncated value (%d < %d bytes): %w", len(s.rest), n, io.ErrUnexpectedEOF)
	}
	out := s.rest[:n]
	s.rest = s.rest[n:]
	return out, nil
}

// VString scans a length-prefixed string from the head of the input.
func (s *Scanner) VString() (string, error) {
	b, err := s.VBytes()
	return string(b), err
}

// Len reports the number of unconsumed bytes remaining in s.
func (s *Scanner) Len() int { return len(s.rest) }

// Rest returns the remaining unconsumed input of s. The result aliases the
// scanner's input and must not be modified.
func (s *Scanner) Rest() []byte { return s.rest }

// VLen reports the encoded size in bytes of a length-prefixed encoding of an
// n-byte string, where the length is encoded as a [Vint30].
func VLen(n int) int { return Vint30(n).Size() + n }

// Vint30 is an unsigned 30-bit integer using a variable-width encoding from
// 1 to 4 bytes, self-framing so a decoder can determine the length of the
// encoding from its first byte alone.
//
//   - Values v < 64 are encoded as 1 byte.
//   - Values 64 <= v < 16384 are encoded as 2 bytes.
//   - Values 16384 <= v < 4194304 are encoded as 3 bytes.
//   - Values 4194304 <= v < 1073741824 are encoded as 4 bytes.
type Vint30 uint32

// MaxVint30 is the maximum value that can be encoded by a Vint30.
const MaxVint30 = 1<<30 - 1

// Size reports the number of bytes required to encode v, or -1 if v is too
// large to be encoded.
func (v Vint30) Size() int {
	switch {
	case v < (1 << 6):
		return 1
	case v < (1 << 14):
		return 2
	case v < (1 << 22):
		return 3
	case v < (1 << 30):
		return 4
	default:
		return -1
	}
}

// Append appends the encoded form of v to buf and returns the updated slice.
// It panics if v is out of range for Vint30.
func (v Vint30) Append(buf []byte) []byte {
	s := v.Size()
	if s < 0 {
		panic("packet: value out of range for Vint30")
	}
	w := uint32(v)*4 + uint32(s-1)
	var tmp [4]byte
	for i := 0; i < s; i++ {
		tmp[i] = byte(w % 256)
		w /= 256
	}
	return append(buf, tmp[:s]...)
}
