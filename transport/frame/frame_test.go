package frame_test

import (
	"context"
	"testing"

	"github.com/fabricrpc/fabric/transport"
	"github.com/fabricrpc/fabric/transport/frame"
	"github.com/fabricrpc/fabric/transport/inproc"
)

func TestNormalizeOrigin(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"https://a.example", "https://a.example"},
		{"https://a.example/path?q=1", "https://a.example"},
		{"https://a.example:443", "https://a.example"},
		{"https://a.example:8443", "https://a.example:8443"},
		{"http://a.example:80", "http://a.example"},
		{"http://a.example:8080", "http://a.example:8080"},
		{"HTTPS://A.example:443/x", "https://A.example"},
		{"file:///home/user/page.html", "file://"},
	}
	for _, test := range tests {
		got, err := frame.NormalizeOrigin(test.input)
		if err != nil {
			t.Errorf("NormalizeOrigin(%q): %v", test.input, err)
			continue
		}
		if got != test.want {
			t.Errorf("NormalizeOrigin(%q) = %q, want %q", test.input, got, test.want)
		}
	}
}

func TestWrapRejectsMismatchedOrigin(t *testing.T) {
	a, b := inproc.Pair()
	defer b.Close()

	// A peer presenting the wrong origin is dropped without a usable
	// transport; no handshake can ever complete over it.
	wrapped, err := frame.Wrap(a, "https://host.example", "https://a.example", "https://evil.example")
	if err == nil {
		t.Fatal("Wrap: got nil error for mismatched origin")
	}
	if wrapped != nil {
		t.Fatalf("Wrap: got transport %v, want nil", wrapped)
	}

	// The inner transport was closed: sends on it now fail.
	if err := a.Send(context.Background(), &transport.Envelope{Data: []byte("x")}, transport.SendOptions{}); err == nil {
		t.Error("Send on rejected transport: got nil, want error")
	}
}

func TestWrapAcceptsEquivalentOrigin(t *testing.T) {
	a, b := inproc.Pair()
	defer a.Close()
	defer b.Close()

	wrapped, err := frame.Wrap(a, "https://host.example", "https://a.example", "https://a.example:443")
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	got := make(chan []byte, 1)
	off := b.On(func(env *transport.Envelope) { got <- env.Data })
	defer off()

	if err := wrapped.Send(context.Background(), &transport.Envelope{Data: []byte("hello")}, transport.SendOptions{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if data := <-got; string(data) != "hello" {
		t.Errorf("Received %q, want %q", data, "hello")
	}
}
