package tokens

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Canonicalize normalizes a value before hashing so that equivalent forms
// (eg differently-cased emails) produce the same token.
type Canonicalize func(string) string

// Identity is the canonicalization for values that are already canonical.
func Identity(s string) string { return s }

// HashSize is the byte length of deterministic tokens.
const HashSize = sha256.Size

const gcmNonceSize = 12

// hkdfInfo separates the encryption key from the hash salt in the key
// derivation, so rotating one secret does not silently change the other.
const hkdfInfo = "veilgate/reversible-token/v1"

// saltFingerprintSalt is mixed into the salt fingerprint so a generic
// rainbow table of plain hashes cannot recover the salt. Never change it:
// doing so would make cross-environment salt mismatches undetectable.
const saltFingerprintSalt = "2e1cfa82-7d3f-4a4e-9f2b-6c1d0f6a9b11"

// ErrInvalidToken indicates a reversible token whose ciphertext could not be
// authenticated. Callers must treat this as a client-input error, most
// likely a tampered or cross-environment token, and never retry.
var ErrInvalidToken = errors.New("tokens: token cannot be authenticated")

// Deterministic produces stable keyed hashes: same value + same salt always
// yields the same token, across process restarts.
type Deterministic struct {
	salt string
}

func NewDeterministic(salt string) *Deterministic {
	return &Deterministic{salt: salt}
}

// Token returns the keyed digest of the canonicalized value.
func (d *Deterministic) Token(value string, canonicalize Canonicalize) []byte {
	sum := sha256.Sum256([]byte(canonicalize(value) + d.salt))
	return sum[:]
}

// SaltFingerprint returns a hash of the active salt, safe to expose in
// response headers so operators can detect cross-environment pseudonym
// mismatches without learning the salt itself.
func (d *Deterministic) SaltFingerprint() string {
	sum := sha256.Sum256([]byte(d.salt + saltFingerprintSalt))
	return hex.EncodeToString(sum[:])
}

// Reversible produces tokens that carry both the deterministic hash and an
// AES-GCM ciphertext of the original value. The IV is the leading bytes of
// the hash rather than random: repeated encryption of the same value must
// yield the same token, since tokens double as join keys.
type Reversible struct {
	deterministic *Deterministic
	aead          cipher.AEAD
}

// NewReversible derives a 256-bit AES key from secret via HKDF (salted with
// the hash salt, bound to hkdfInfo) and returns a strategy sharing the given
// deterministic strategy.
func NewReversible(deterministic *Deterministic, secret string) (*Reversible, error) {
	if secret == "" {
		return nil, errors.New("tokens: reversible token secret is empty")
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), []byte(deterministic.salt), []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("tokens: deriving encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("tokens: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("tokens: %w", err)
	}

	return &Reversible{deterministic: deterministic, aead: aead}, nil
}

// Deterministic exposes the shared deterministic strategy.
func (r *Reversible) Deterministic() *Deterministic {
	return r.deterministic
}

// ReversibleToken returns hash || ciphertext. The hash component serves as
// the join key and supplies the IV; the ciphertext reverses back to value.
func (r *Reversible) ReversibleToken(value string, canonicalize Canonicalize) []byte {
	hash := r.deterministic.Token(value, canonicalize)
	ciphertext := r.aead.Seal(nil, hash[:gcmNonceSize], []byte(value), nil)

	token := make([]byte, 0, len(hash)+len(ciphertext))
	token = append(token, hash...)
	token = append(token, ciphertext...)
	return token
}

// OriginalValue decrypts a token produced by ReversibleToken, failing closed
// with ErrInvalidToken if the payload is truncated or fails authentication.
func (r *Reversible) OriginalValue(reversible []byte) (string, error) {
	if len(reversible) < HashSize+r.aead.Overhead() {
		return "", ErrInvalidToken
	}

	iv := reversible[:gcmNonceSize]
	ciphertext := reversible[HashSize:]

	plain, err := r.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", ErrInvalidToken
	}
	return string(plain), nil
}
