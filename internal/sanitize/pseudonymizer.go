package sanitize

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"

	"github.com/veilgate/veilgate/internal/pseudonym"
	"github.com/veilgate/veilgate/internal/rules"
	"github.com/veilgate/veilgate/internal/tokens"
)

// Implementation selects the on-the-wire encoding of pseudonyms.
type Implementation int

const (
	// ImplementationDefault emits prefixed URL-safe tokens.
	ImplementationDefault Implementation = iota
	// ImplementationLegacy emits the older JSON object form, kept so
	// customers whose stored pseudonyms predate the token encoding can
	// still join against new output.
	ImplementationLegacy
)

func (i Implementation) String() string {
	if i == ImplementationLegacy {
		return "legacy"
	}
	return "default"
}

// ParseImplementation maps a client-supplied implementation name; the empty
// string means the configured default.
func ParseImplementation(s string) (Implementation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default", "v0.4":
		return ImplementationDefault, nil
	case "legacy", "v0.3":
		return ImplementationLegacy, nil
	default:
		return 0, fmt.Errorf("sanitize: unknown pseudonym implementation %q", s)
	}
}

// Pseudonymizer turns raw identifier values into encoded pseudonyms using
// the configured tokenization strategy. It is stateless and safe for
// concurrent use.
type Pseudonymizer struct {
	strategy *tokens.Reversible
	impl     Implementation
}

func NewPseudonymizer(strategy *tokens.Reversible, impl Implementation) *Pseudonymizer {
	return &Pseudonymizer{strategy: strategy, impl: impl}
}

func (p *Pseudonymizer) Implementation() Implementation { return p.impl }

// Pseudonymize computes the Pseudonym for a value. Values that parse as
// email addresses are always canonicalized by lowercasing and trimming, and
// keep their domain in the clear so per-organization analysis stays
// possible; other values canonicalize per the transform's flags.
func (p *Pseudonymizer) Pseudonymize(value string, t rules.Transform) pseudonym.Pseudonym {
	out := pseudonym.Pseudonym{}
	canonicalize := canonicalizer(t)

	if addr, ok := parseEmail(value); ok {
		value = addr
		canonicalize = emailCanonicalize
		out.Scope = "email"
		if i := strings.LastIndex(addr, "@"); i >= 0 {
			out.Domain = strings.ToLower(addr[i+1:])
		}
	}

	out.Hash = p.strategy.Deterministic().Token(value, canonicalize)
	if t.Kind() == rules.KindTokenizeReversible {
		out.Reversible = p.strategy.ReversibleToken(value, canonicalize)
	}
	return out
}

// Encode renders a Pseudonym in the implementation's wire form.
func (p *Pseudonymizer) Encode(ps pseudonym.Pseudonym) string {
	if p.impl == ImplementationLegacy {
		return encodeLegacy(ps)
	}
	return pseudonym.Encode(ps)
}

// Apply runs a non-redact transform over a raw string value and returns the
// replacement text.
func (p *Pseudonymizer) Apply(value string, t rules.Transform) (string, error) {
	switch t.Kind() {
	case rules.KindTokenizeReversible, rules.KindPseudonymize:
		return p.Encode(p.Pseudonymize(value, t)), nil
	case rules.KindEmailHeaderPseudonymize:
		return p.pseudonymizeEmailHeader(value, t), nil
	default:
		return "", fmt.Errorf("sanitize: transform %s is not a value transform", t.Kind())
	}
}

// pseudonymizeEmailHeader handles header-style values like
// `"Jane Doe" <jane@acme.com>, bob@acme.com`: each address is
// pseudonymized and every display name is discarded. A value that does not
// parse as an address list is treated as a single opaque identifier, which
// errs on the side of hiding it.
func (p *Pseudonymizer) pseudonymizeEmailHeader(value string, t rules.Transform) string {
	addrs, err := mail.ParseAddressList(value)
	if err != nil || len(addrs) == 0 {
		return p.Encode(p.Pseudonymize(value, t))
	}
	encoded := make([]string, 0, len(addrs))
	for _, a := range addrs {
		encoded = append(encoded, p.Encode(p.Pseudonymize(a.Address, t)))
	}
	return strings.Join(encoded, ", ")
}

// parseEmail duck-types a value as an email address. mail.ParseAddress
// accepts some bare words, so the "@" check keeps plain identifiers out.
func parseEmail(value string) (string, bool) {
	if !strings.Contains(value, "@") {
		return "", false
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(value))
	if err != nil {
		return "", false
	}
	return addr.Address, true
}

func canonicalizer(t rules.Transform) tokens.Canonicalize {
	if !t.Trim && !t.CaseFold {
		return tokens.Identity
	}
	return func(s string) string {
		if t.Trim {
			s = strings.TrimSpace(s)
		}
		if t.CaseFold {
			s = strings.ToLower(s)
		}
		return s
	}
}

func emailCanonicalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// legacyPseudonym is the pre-token JSON wire form.
type legacyPseudonym struct {
	Scope  string `json:"scope,omitempty"`
	Domain string `json:"domain,omitempty"`
	Hash   string `json:"hash"`
}

func encodeLegacy(ps pseudonym.Pseudonym) string {
	out, _ := json.Marshal(legacyPseudonym{
		Scope:  ps.Scope,
		Domain: ps.Domain,
		Hash:   base64.RawURLEncoding.EncodeToString(ps.Hash),
	})
	return string(out)
}
