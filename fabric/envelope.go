package fabric

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fabricrpc/fabric/packet"
)

// Tag discriminates the protocol step an [Envelope] carries, per the RPC
// envelope tag namespace.
type Tag string

// RPC envelope tags.
const (
	TagHandshakeRequest Tag = "HANDSHAKE_REQUEST"
	TagHandshakeReply   Tag = "HANDSHAKE_REPLY"
	TagRPCRequest       Tag = "RPC_REQUEST"
	TagRPCResolve       Tag = "RPC_RESOLVE"
	TagRPCReject        Tag = "RPC_REJECT"
)

// Envelope is a typed tagged record carrying one step of the RPC protocol.
// All Envelope fields are structured-cloneable; a Handler never appears in
// an Envelope body.
type Envelope struct {
	Tag Tag
	CID string

	// Handshake fields.
	MethodNames Directory
	Schema      json.RawMessage

	// Request/response fields.
	CallID   string
	CallName string
	Args     []json.RawMessage
	Result   json.RawMessage
	Error    *ErrorData
}

// envelopeBody holds every field of an Envelope other than its Tag and CID,
// which are written directly by the binary skeleton so a receiver can route
// an envelope to the right connection without parsing JSON.
type envelopeBody struct {
	MethodNames []string          `json:"methodNames,omitempty"`
	Schema      json.RawMessage   `json:"schema,omitempty"`
	CallID      string            `json:"callID,omitempty"`
	CallName    string            `json:"callName,omitempty"`
	Args        []json.RawMessage `json:"args,omitempty"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       *ErrorData        `json:"error,omitempty"`
}

// Encode encodes e in binary format: a fixed skeleton of tag and cid
// followed by a single length-prefixed JSON blob holding the remaining
// fields. Unknown tags never reach Encode; that silent-ignore rule applies
// only to decoding.
func (e *Envelope) Encode() ([]byte, error) {
	body, err := json.Marshal(envelopeBody{
		MethodNames: []string(e.MethodNames),
		Schema:      e.Schema,
		CallID:      e.CallID,
		CallName:    e.CallName,
		Args:        e.Args,
		Result:      e.Result,
		Error:       e.Error,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope body: %w", err)
	}

	var b packet.Builder
	b.VPutString(string(e.Tag))
	b.VPutString(e.CID)
	b.VPut(body)
	return b.Bytes(), nil
}

// Decode decodes e from its binary format.
func (e *Envelope) Decode(buf []byte) error {
	s := packet.NewScanner(buf)
	tag, err := s.VString()
	if err != nil {
		return fmt.Errorf("decode tag: %w", err)
	}
	cid, err := s.VString()
	if err != nil {
		return fmt.Errorf("decode cid: %w", err)
	}
	bodyBytes, err := s.VBytes()
	if err != nil {
		return fmt.Errorf("decode body: %w", err)
	}

	var body envelopeBody
	if len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, &body); err != nil {
			return fmt.Errorf("unmarshal envelope body: %w", err)
		}
	}

	e.Tag = Tag(tag)
	e.CID = cid
	e.MethodNames = Directory(body.MethodNames)
	e.Schema = body.Schema
	e.CallID = body.CallID
	e.CallName = body.CallName
	e.Args = body.Args
	e.Result = body.Result
	e.Error = body.Error
	return nil
}

// WriteTo writes e to w as a length-prefixed frame, so multiple envelopes
// can be concatenated on a byte stream and recovered by [Envelope.ReadFrom].
func (e *Envelope) WriteTo(w io.Writer) (int64, error) {
	body, err := e.Encode()
	if err != nil {
		return 0, err
	}
	var hdr packet.Builder
	hdr.Vint30(uint32(len(body)))

	n1, err := w.Write(hdr.Bytes())
	if err != nil {
		return int64(n1), err
	}
	n2, err := w.Write(body)
	return int64(n1 + n2), err
}

// ReadFrom reads one length-prefixed envelope frame from r.
func (e *Envelope) ReadFrom(r io.Reader) (int64, error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return 0, err
	}
	nb := int(first[0]%4) + 1
	lenBuf := make([]byte, nb)
	lenBuf[0] = first[0]
	var nr int64 = 1
	if nb > 1 {
		n, err := io.ReadFull(r, lenBuf[1:])
		nr += int64(n)
		if err != nil {
			return nr, fmt.Errorf("short length prefix: %w", err)
		}
	}
	consumed, length := packet.ParseVint30(lenBuf)
	if consumed != nb {
		return nr, fmt.Errorf("invalid length prefix")
	}

	body := make([]byte, length)
	n, err := io.ReadFull(r, body)
	nr += int64(n)
	if err != nil {
		return nr, fmt.Errorf("short envelope body: %w", err)
	}
	return nr, e.Decode(body)
}
