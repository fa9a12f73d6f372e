// Package fabric implements the message-passing RPC engine that lets two
// connected peers expose a [Schema] of callable methods to one another and
// invoke them as if they were local.
//
// A Connection is established by a symmetric [Accept]/[Connect] handshake
// over a [transport.Transport]. Each side decomposes its schema into a method
// directory and a residual configuration payload, exchanges them with its
// peer, and materializes a [Remote] proxy through which the peer's methods
// can be called.
package fabric

import (
	"context"
	"encoding/json"
	"sort"
)

// A Handler answers a call from the remote peer. It receives the call's raw
// JSON arguments and the [Remote] proxy for the caller, so a handler can
// call back into its caller without additional setup. The returned value is
// marshaled with encoding/json and sent back as the call's result.
type Handler func(ctx context.Context, remote *Remote, args []json.RawMessage) (any, error)

// A Schema is a user-declared mapping of method names and configuration
// data. A leaf value of concrete type [Handler] is a method definition;
// every other value, including a nested Schema or an empty map, is
// configuration payload that survives decomposition unchanged.
type Schema map[string]any

// Directory is the flat, ordered set of dotted paths naming every function
// reachable from the root of a decomposed [Schema].
type Directory []string

// Methods is the flat path-to-function map produced by decomposing a
// [Schema]: each key is the dotted path of a [Handler] that was removed from
// the schema.
type Methods map[string]Handler

// Names reports the dotted paths of m in lexicographic order.
func (m Methods) Names() Directory {
	out := make(Directory, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Decompose walks schema depth-first, removing every [Handler]-valued leaf
// and recording it under its dotted path (nested maps create path segments
// joined by ".") in the returned [Methods] map. Non-function values,
// including empty maps, are left in place. schema is mutated in place and
// also returned as the residual configuration payload.
//
// Decompose is idempotent: decomposing an already-decomposed schema (one
// with no Handler leaves) returns an empty Methods map and leaves schema
// unchanged.
func Decompose(schema Schema) (Methods, Schema) {
	methods := make(Methods)
	decomposeInto(methods, "", schema)
	return methods, schema
}

func decomposeInto(methods Methods, prefix string, m Schema) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch t := v.(type) {
		case Handler:
			methods[path] = t
			delete(m, k)
		case Schema:
			decomposeInto(methods, path, t)
		case map[string]any:
			decomposeInto(methods, path, Schema(t))
		default:
			// Configuration leaf: arrays and other opaque values are left
			// untouched, per the decomposer's contract.
		}
	}
}

// Clone returns a deep copy of schema suitable for use as the basis of a
// [Remote]'s residual configuration data. Handler values, which should not
// appear in a decomposed schema, are copied by reference.
func (s Schema) Clone() Schema {
	return cloneValue(s).(Schema)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Schema:
		out := make(Schema, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
