package pseudonym

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Prefix marks reversible tokens on the wire. The prefix plus the base64url
// alphabet make encoded tokens unambiguous against ordinary identifiers, so
// scanning free text for tokens never yields false positives.
const Prefix = "p~"

// minReversibleLength is the minimum number of base64url characters after the
// prefix. The reversible payload is always at least hash (32 bytes) plus the
// AEAD tag, so anything shorter is not one of ours.
const minReversibleLength = 43

const domainSeparator = "@"

// ErrInvalidTokenFormat indicates a string that claims to be an encoded token
// but does not parse as one. Distinct from an authentication failure during
// reversal, which the tokenization strategy reports.
var ErrInvalidTokenFormat = errors.New("pseudonym: invalid token format")

var encoding = base64.RawURLEncoding

var tokenPattern = regexp.MustCompile(regexp.QuoteMeta(Prefix) + `[A-Za-z0-9_-]{` + fmt.Sprint(minReversibleLength) + `,}`)

// Reverser recovers the original value from a reversible token payload.
// Implementations fail closed: a payload that cannot be authenticated yields
// an error, never a fabricated value.
type Reverser interface {
	OriginalValue(reversible []byte) (string, error)
}

// Encode renders a Pseudonym in its URL-safe wire form. Reversible pseudonyms
// get the prefix; one-way pseudonyms are the bare base64url hash. A known
// domain is appended in the clear.
func Encode(p Pseudonym) string {
	var encoded string
	if p.IsReversible() {
		encoded = Prefix + encoding.EncodeToString(p.Reversible)
	} else {
		encoded = encoding.EncodeToString(p.Hash)
	}
	if p.Domain != "" {
		encoded += domainSeparator + p.Domain
	}
	return encoded
}

// Decode parses the wire form produced by Encode.
func Decode(s string) (Pseudonym, error) {
	var p Pseudonym

	encoded := s
	if i := strings.Index(s, domainSeparator); i >= 0 {
		encoded = s[:i]
		p.Domain = s[i+len(domainSeparator):]
	}

	if rest, ok := strings.CutPrefix(encoded, Prefix); ok {
		reversible, err := encoding.DecodeString(rest)
		if err != nil {
			return Pseudonym{}, fmt.Errorf("%w: %q", ErrInvalidTokenFormat, s)
		}
		p.Reversible = reversible
		return p, nil
	}

	hash, err := encoding.DecodeString(encoded)
	if err != nil {
		return Pseudonym{}, fmt.Errorf("%w: %q", ErrInvalidTokenFormat, s)
	}
	p.Hash = hash
	return p, nil
}

// ContainsToken reports whether text contains at least one string in encoded
// reversible-token form.
func ContainsToken(text string) bool {
	return tokenPattern.MatchString(text)
}

// ScanAndReverseAll replaces every encoded reversible token found in text
// with its original value, obtained through the reverser. Text without
// tokens, including strings that merely resemble the prefix but fail format
// validation, is returned unchanged. A token that decodes but cannot be
// authenticated aborts the whole scan: forged tokens must not slip through
// to the upstream API half-reversed.
func ScanAndReverseAll(text string, reverser Reverser) (string, error) {
	if !tokenPattern.MatchString(text) {
		return text, nil
	}

	var scanErr error
	reversed := tokenPattern.ReplaceAllStringFunc(text, func(match string) string {
		if scanErr != nil {
			return match
		}
		decoded, err := Decode(match)
		if err != nil {
			scanErr = err
			return match
		}
		original, err := reverser.OriginalValue(decoded.Reversible)
		if err != nil {
			scanErr = err
			return match
		}
		return original
	})
	if scanErr != nil {
		return "", scanErr
	}
	return reversed, nil
}
