package session

import (
	"bytes"
	"strings"
	"testing"
)

const urlSafeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

func TestToken_Length(t *testing.T) {
	ts := NewTokenSource(nil)

	for i := 0; i < 20; i++ {
		token := ts.Token()
		if len(token) != 8 {
			t.Fatalf("token %q has length %d", token, len(token))
		}
		for _, r := range token {
			if !strings.ContainsRune(urlSafeAlphabet, r) {
				t.Fatalf("token %q contains non-URL-safe character %q", token, r)
			}
		}
	}
}

func TestToken_Deterministic(t *testing.T) {
	ts := NewTokenSource(bytes.NewReader([]byte{0, 1, 2, 3, 4, 5}))

	if got := ts.Token(); got != "AAECAwQF" {
		t.Errorf("token = %q", got)
	}
}

func TestToken_DistinctPerCall(t *testing.T) {
	ts := NewTokenSource(&countingReader{})

	a, b := ts.Token(), ts.Token()
	if a == b {
		t.Errorf("consecutive tokens identical: %q", a)
	}
}
