// Package frame decorates a [transport.Transport] with the origin
// validation a window-channel handshake listener performs before acting on
// a message: the source and origin of the connection are checked, and an
// invalid peer is dropped silently rather than answered.
//
// A Go process's Transport already corresponds to a single established
// peer rather than a shared, multi-origin window, so Wrap performs the
// check once, at construction, instead of per message: an origin mismatch
// closes the inner transport and reports an error without ever handing
// back a usable decorator, which is the closest analogue of "drop
// silently, no reply" available once the connection itself is the unit of
// trust.
package frame

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/fabricrpc/fabric/transport"
)

// NormalizeOrigin reduces rawURL to scheme://host[:port]. The port is
// omitted when it equals the scheme's default (80 for http, 443 for https),
// and a file:// URL is emitted without a host.
func NormalizeOrigin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("frame: parse origin %q: %w", rawURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "file" {
		return "file://", nil
	}
	host := u.Hostname()
	port := u.Port()
	if port != "" && isDefaultPort(scheme, port) {
		port = ""
	}
	if port == "" {
		return fmt.Sprintf("%s://%s", scheme, host), nil
	}
	return fmt.Sprintf("%s://%s:%s", scheme, host, port), nil
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}

// Transport stamps an outgoing origin on every Send, the analogue of a
// window channel's target-origin argument.
type Transport struct {
	inner       transport.Transport
	localOrigin string
}

// Wrap validates remoteOrigin against expectedOrigin (both normalized with
// NormalizeOrigin) and, on success, returns a decorator around inner that
// stamps localOrigin on every outgoing Send. On a mismatch or an
// unparseable origin, inner is closed and Wrap reports an error — the
// caller must treat this exactly like a silently-dropped handshake
// message: no reply, no connection.
func Wrap(inner transport.Transport, localOrigin, expectedOrigin, remoteOrigin string) (*Transport, error) {
	want, err := NormalizeOrigin(expectedOrigin)
	if err != nil {
		inner.Close()
		return nil, err
	}
	got, err := NormalizeOrigin(remoteOrigin)
	if err != nil {
		inner.Close()
		return nil, fmt.Errorf("frame: unparseable remote origin %q: %w", remoteOrigin, err)
	}
	if got != want {
		inner.Close()
		return nil, fmt.Errorf("frame: origin mismatch: got %q, want %q", got, want)
	}
	return &Transport{inner: inner, localOrigin: localOrigin}, nil
}

// Send implements a method of the [transport.Transport] interface.
func (t *Transport) Send(ctx context.Context, env *transport.Envelope, opts transport.SendOptions) error {
	opts.Origin = t.localOrigin
	return t.inner.Send(ctx, env, opts)
}

// On implements a method of the [transport.Transport] interface.
func (t *Transport) On(handler func(*transport.Envelope)) func() { return t.inner.On(handler) }

// Close implements a method of the [transport.Transport] interface.
func (t *Transport) Close() error { return t.inner.Close() }
