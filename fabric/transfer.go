package fabric

import "encoding/json"

// A Buffer is a movable byte buffer, the analogue of a JS ArrayBuffer. When
// a Buffer is transferred across a call rather than cloned, the sender's
// copy is detached: its contents become empty once the send completes.
type Buffer struct {
	data []byte
}

// NewBuffer wraps b as a Buffer. The Buffer takes ownership of b; the
// caller must not retain a reference to b once it has been wrapped.
func NewBuffer(b []byte) *Buffer { return &Buffer{data: b} }

// Bytes reports the current contents of the buffer. After the buffer has
// been transferred, this returns nil.
func (b *Buffer) Bytes() []byte { return b.data }

// Len reports the number of bytes currently held by the buffer.
func (b *Buffer) Len() int { return len(b.data) }

// Detach empties the buffer and returns its former contents, simulating the
// move semantics of a transferred ArrayBuffer. It implements
// [transport.Transferable].
func (b *Buffer) Detach() []byte {
	d := b.data
	b.data = nil
	return d
}

// MarshalJSON encodes the buffer's current contents as a base64 string, the
// encoding/json convention for byte slices. Serialization happens before a
// transport detaches the buffer, so a transferred buffer still arrives with
// its full contents.
func (b *Buffer) MarshalJSON() ([]byte, error) { return json.Marshal(b.data) }

// UnmarshalJSON decodes a base64 string into the buffer.
func (b *Buffer) UnmarshalJSON(data []byte) error { return json.Unmarshal(data, &b.data) }

// transferWrapper is the hidden marker attached to a value by
// [WithTransferable]. Its unexported type cannot collide with any value a
// caller could construct, satisfying the "hidden marker" requirement for
// the transferables escape hatch without a reserved key name.
type transferWrapper struct {
	Value any
	Bufs  []*Buffer
}

// WithTransferable marks the value returned by f as carrying one or more
// [Buffer]s that must be moved rather than copied across the wire. f
// receives a move function that registers a Buffer for transfer and
// returns it unchanged, so callers can still compose it into the payload
// they are building.
func WithTransferable(f func(move func(*Buffer) *Buffer) any) any {
	var bufs []*Buffer
	move := func(b *Buffer) *Buffer {
		bufs = append(bufs, b)
		return b
	}
	return transferWrapper{Value: f(move), Bufs: bufs}
}

// stripTransferables performs the shallow scan required by the transfer
// contract: it only inspects values reachable by direct property access
// (top-level map values or slice elements) in v, replacing each tagged
// value with its unwrapped contents and collecting the Buffers it names.
// It does not recurse into the unwrapped value.
func stripTransferables(v any) (any, []*Buffer) {
	var bufs []*Buffer
	strip := func(x any) any {
		if w, ok := x.(transferWrapper); ok {
			bufs = append(bufs, w.Bufs...)
			return w.Value
		}
		return x
	}

	switch t := v.(type) {
	case transferWrapper:
		return strip(t), bufs
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = strip(e)
		}
		return out, bufs
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = strip(e)
		}
		return out, bufs
	default:
		return v, nil
	}
}
