package bridge

import (
	"encoding/json"

	"github.com/fabricrpc/fabric/fabric"
)

// Tag discriminates the protocol step an [Envelope] carries. The bridge tag
// namespace is disjoint from the RPC engine's.
type Tag string

// Bridge envelope tags.
const (
	TagHandshake      Tag = "BRIDGE_HANDSHAKE"
	TagHandshakeAck   Tag = "BRIDGE_HANDSHAKE_ACK"
	TagHandshakeError Tag = "BRIDGE_HANDSHAKE_ERROR"
	TagBroadcast      Tag = "BRIDGE_BROADCAST"
	TagRelay          Tag = "BRIDGE_RELAY"
	TagDirectMessage  Tag = "BRIDGE_DIRECT_MESSAGE"
	TagDisconnect     Tag = "BRIDGE_DISCONNECT"
	TagGetTabs        Tag = "BRIDGE_GET_TABS"
	TagTabsResponse   Tag = "BRIDGE_TABS_RESPONSE"
	TagGetState       Tag = "BRIDGE_GET_STATE"
	TagStateResponse  Tag = "BRIDGE_STATE_RESPONSE"
	TagSetState       Tag = "BRIDGE_SET_STATE"
	TagStateUpdate    Tag = "BRIDGE_STATE_UPDATE"
)

// Error codes carried by a BRIDGE_HANDSHAKE_ERROR envelope.
const (
	CodeDuplicateTabID = "DUPLICATE_TAB_ID"
	CodeInvalidPayload = "INVALID_PAYLOAD"
	CodeUnknownError   = "UNKNOWN_ERROR"
)

// State is the relay-side shared-state dictionary of a channel: opaque
// key/value storage the relay never interprets beyond lookup and update.
type State map[string]json.RawMessage

// Envelope is one bridge protocol message, serialized as JSON on the wire.
// Fields not used by a given tag are omitted. Functions never appear in an
// envelope body.
type Envelope struct {
	Tag Tag `json:"tag"`

	TabID           string `json:"tabID,omitempty"`
	SenderTabID     string `json:"senderTabID,omitempty"`
	TargetTabID     string `json:"targetTabID,omitempty"`
	RequestingTabID string `json:"requestingTabID,omitempty"`
	Channel         string `json:"channel,omitempty"`

	MethodNames []string          `json:"methodNames,omitempty"`
	MethodName  string            `json:"methodName,omitempty"`
	Args        []json.RawMessage `json:"args,omitempty"`
	Schema      json.RawMessage   `json:"schema,omitempty"`

	Result       json.RawMessage   `json:"result,omitempty"`
	Error        *fabric.ErrorData `json:"error,omitempty"`
	SenderResult json.RawMessage   `json:"senderResult,omitempty"`
	SenderError  *fabric.ErrorData `json:"senderError,omitempty"`

	Code string `json:"code,omitempty"` // handshake error code

	SharedState State           `json:"sharedState,omitempty"`
	State       State           `json:"state,omitempty"`
	Key         string          `json:"key,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`

	TabIDs []string `json:"tabIDs,omitempty"`
}

// Encode serializes e for the wire.
func (e *Envelope) Encode() ([]byte, error) { return json.Marshal(e) }

// Decode deserializes e from its wire form.
func (e *Envelope) Decode(data []byte) error { return json.Unmarshal(data, e) }
