package tokens

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestDeterministic(t *testing.T) {
	t.Run("StableAcrossInstances", func(t *testing.T) {
		a := NewDeterministic("salt-1")
		b := NewDeterministic("salt-1")
		if !bytes.Equal(a.Token("alice@acme.com", Identity), b.Token("alice@acme.com", Identity)) {
			t.Error("same salt and value produced different tokens")
		}
	})

	t.Run("SaltChangesToken", func(t *testing.T) {
		a := NewDeterministic("salt-1")
		b := NewDeterministic("salt-2")
		if bytes.Equal(a.Token("alice@acme.com", Identity), b.Token("alice@acme.com", Identity)) {
			t.Error("different salts produced the same token")
		}
	})

	t.Run("CanonicalizationCollapsesVariants", func(t *testing.T) {
		d := NewDeterministic("salt-1")
		lower := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
		if !bytes.Equal(d.Token("Alice@Acme.com ", lower), d.Token("alice@acme.com", lower)) {
			t.Error("canonicalized variants did not collide")
		}
	})

	t.Run("SaltFingerprint", func(t *testing.T) {
		d := NewDeterministic("salt-1")
		fp := d.SaltFingerprint()
		if len(fp) != 64 {
			t.Fatalf("fingerprint length %d, want 64 hex chars", len(fp))
		}
		if fp != NewDeterministic("salt-1").SaltFingerprint() {
			t.Error("fingerprint differs across instances with the same salt")
		}
		if fp == NewDeterministic("salt-2").SaltFingerprint() {
			t.Error("fingerprint identical for different salts")
		}
	})
}

func TestReversible(t *testing.T) {
	det := NewDeterministic("salt-1")
	strategy, err := NewReversible(det, "encryption-secret")
	if err != nil {
		t.Fatalf("Failed to create reversible strategy: %v", err)
	}

	t.Run("RoundTrip", func(t *testing.T) {
		token := strategy.ReversibleToken("alice@acme.com", Identity)
		value, err := strategy.OriginalValue(token)
		if err != nil {
			t.Fatalf("Failed to reverse token: %v", err)
		}
		if value != "alice@acme.com" {
			t.Errorf("got %q, want alice@acme.com", value)
		}
	})

	t.Run("TokensAreDeterministic", func(t *testing.T) {
		a := strategy.ReversibleToken("alice@acme.com", Identity)
		b := strategy.ReversibleToken("alice@acme.com", Identity)
		if !bytes.Equal(a, b) {
			t.Error("same value produced different reversible tokens")
		}
	})

	t.Run("HashPrefixMatchesDeterministic", func(t *testing.T) {
		token := strategy.ReversibleToken("alice@acme.com", Identity)
		hash := det.Token("alice@acme.com", Identity)
		if !bytes.Equal(token[:HashSize], hash) {
			t.Error("reversible token does not embed the deterministic hash")
		}
	})

	t.Run("TamperedTokenFailsClosed", func(t *testing.T) {
		token := strategy.ReversibleToken("alice@acme.com", Identity)
		token[len(token)-1] ^= 0x01
		if _, err := strategy.OriginalValue(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("got %v, want ErrInvalidToken", err)
		}
	})

	t.Run("TruncatedTokenFailsClosed", func(t *testing.T) {
		if _, err := strategy.OriginalValue([]byte("short")); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("got %v, want ErrInvalidToken", err)
		}
	})

	t.Run("DifferentSecretCannotReverse", func(t *testing.T) {
		other, err := NewReversible(det, "other-secret")
		if err != nil {
			t.Fatalf("Failed to create strategy: %v", err)
		}
		token := strategy.ReversibleToken("alice@acme.com", Identity)
		if _, err := other.OriginalValue(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("got %v, want ErrInvalidToken", err)
		}
	})

	t.Run("EmptySecretRejected", func(t *testing.T) {
		if _, err := NewReversible(det, ""); err == nil {
			t.Error("empty secret was accepted")
		}
	})
}
