// Portions copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.
// Adapted from the binary packet support in github.com/creachadair/chirp.

// Package packet provides low-level support for encoding and decoding the
// binary envelope framing used by the fabric RPC engine and the stream
// transport.
package packet

import "fmt"

// A Decoder is a value that supports being decoded from binary form.
type Decoder interface {
	// Decode decodes into the receiver from a prefix of buf, and returns the
	// number of bytes consumed. If there is no valid encoding at the front of
	// buf, Decode returns -1.
	Decode(buf []byte) int
}

// ParseVint30 parses a [Vint30] from the head of buf, returning the number
// of bytes consumed and the decoded value. It reports -1 if buf does not
// contain a complete encoding.
func ParseVint30(buf []byte) (nb int, v uint32) {
	if len(buf) == 0 {
		return -1, 0
	}
	n := int(buf[0]%4) + 1
	if len(buf) < n {
		return -1, 0
	}
	var w uint32
	for i := n - 1; i >= 0; i-- {
		w = (w * 256) + uint32(buf[i])
	}
	return n, w >> 2
}

// Decode implements the Decoder interface.
func (v *Vint30) Decode(buf []byte) int {
	nb, z := ParseVint30(buf)
	if nb < 0 {
		return -1
	}
	*v = Vint30(z)
	return nb
}

// Parse parses buf into the specified decoder values in order, returning
// the total number of bytes consumed.
func Parse(buf []byte, into ...Decoder) (int, error) {
	var nr int
	cur := buf
	for i, dec := range into {
		nb := dec.Decode(cur)
		if nb < 0 {
			return nr, fmt.Errorf("arg %d: invalid %T", i+1, dec)
		}
		nr += nb
		cur = cur[nb:]
	}
	return nr, nil
}
