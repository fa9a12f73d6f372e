package fabric

import (
	"context"
	"encoding/json"
	"fmt"
)

// A RemoteMethod is a materialized proxy for one method of the peer's
// schema. Invoking it serializes a request over the connection and blocks
// until the matching response arrives or ctx ends.
type RemoteMethod func(ctx context.Context, args ...any) (json.RawMessage, error)

// A Remote is the proxy object materialized for the peer's schema during
// the handshake. It starts from the peer's residual configuration payload
// and has a [RemoteMethod] written at the dotted path of every entry in the
// peer's method directory, so non-function data sent by the peer survives
// as live values alongside the proxies.
type Remote struct {
	conn  *Connection
	names Directory
	data  Schema
}

// materializeRemote builds the Remote for conn from the peer's residual
// schema and method directory as received in a handshake envelope.
// Intermediate maps, or slices for numeric path segments, are created as
// needed.
func materializeRemote(conn *Connection, schemaJSON json.RawMessage, names Directory) (*Remote, error) {
	data := make(Schema)
	if len(schemaJSON) > 0 {
		if err := json.Unmarshal(schemaJSON, &data); err != nil {
			return nil, fmt.Errorf("unmarshal peer schema: %w", err)
		}
	}
	if data == nil { // a JSON null empties the map
		data = make(Schema)
	}
	for _, name := range names {
		path := name // capture per method
		setDotted(data, path, RemoteMethod(func(ctx context.Context, args ...any) (json.RawMessage, error) {
			return conn.Call(ctx, path, args...)
		}))
	}
	return &Remote{conn: conn, names: names, data: data}, nil
}

// Call invokes the proxy method at the dotted path with the given
// arguments. It reports an error of concrete type [*CallError] if the path
// does not name a method of the peer's directory.
func (r *Remote) Call(ctx context.Context, path string, args ...any) (json.RawMessage, error) {
	v, ok := getDotted(r.data, path)
	if !ok {
		return nil, &CallError{Err: fmt.Errorf("no remote method %q", path), CallName: path}
	}
	m, ok := v.(RemoteMethod)
	if !ok {
		return nil, &CallError{Err: fmt.Errorf("remote path %q is not a method", path), CallName: path}
	}
	return m(ctx, args...)
}

// CallUnmarshal invokes the proxy method at path and unmarshals its result
// into out. Passing a nil out discards the result.
func (r *Remote) CallUnmarshal(ctx context.Context, path string, out any, args ...any) error {
	raw, err := r.Call(ctx, path, args...)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Get reads the value at the dotted path of the remote's materialized
// schema, reporting whether the path was present. The value is either a
// [RemoteMethod] proxy or a configuration value sent by the peer.
func (r *Remote) Get(path string) (any, bool) { return getDotted(r.data, path) }

// Methods reports the peer's method directory.
func (r *Remote) Methods() Directory { return r.names }
