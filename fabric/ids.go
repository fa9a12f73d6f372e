package fabric

import "math/rand"

const (
	idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	idLength   = 10
)

// NewID returns a fresh random base-62 identifier. Identifiers are used for
// connection IDs, call IDs, and default bridge tab IDs. They are not
// cryptographic; they only need to avoid collision among the identifiers
// generated within one context's lifetime.
func NewID() string {
	buf := make([]byte, idLength)
	for i := range buf {
		buf[i] = idAlphabet[rand.Intn(len(idAlphabet))]
	}
	return string(buf)
}
