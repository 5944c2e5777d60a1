package rules

import (
	"fmt"
	"strings"
)

// Kind identifies a transform applied to JSON nodes matched by a rule.
//
// The ordinal order is the precedence order: when several transforms match
// the same JSON node, the lowest Kind wins, so the most destructive
// transform is always the one applied. This order was inferred from how the
// upstream policy processes overlapping rules, not from a written policy;
// confirm with stakeholders before relying on the tail of the ordering.
type Kind int

const (
	// KindRedact replaces the matched value with a fixed marker.
	KindRedact Kind = iota
	// KindTokenizeReversible substitutes a reversible encoded token.
	KindTokenizeReversible
	// KindPseudonymize substitutes a one-way encoded token.
	KindPseudonymize
	// KindEmailHeaderPseudonymize splits an email-header-style value
	// ("Name <addr>"), pseudonymizes the address, and discards the name.
	KindEmailHeaderPseudonymize
)

func (k Kind) String() string {
	switch k {
	case KindRedact:
		return "redact"
	case KindTokenizeReversible:
		return "tokenize"
	case KindPseudonymize:
		return "pseudonymize"
	case KindEmailHeaderPseudonymize:
		return "pseudonymize_email_header"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps the rule-file spelling of a transform to its Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "redact":
		return KindRedact, nil
	case "tokenize", "tokenize_reversible":
		return KindTokenizeReversible, nil
	case "pseudonymize":
		return KindPseudonymize, nil
	case "pseudonymize_email_header", "email_header":
		return KindEmailHeaderPseudonymize, nil
	default:
		return 0, fmt.Errorf("rules: unknown transform kind %q", s)
	}
}

// Transform binds a set of JSON paths (gjson syntax; "#" iterates arrays)
// to a transform kind. Trim and CaseFold control canonicalization of the
// matched value before hashing, so "Foo@Bar.com " and "foo@bar.com" can be
// made to collide deliberately.
type Transform struct {
	Transform string   `mapstructure:"transform" json:"transform"`
	JSONPaths []string `mapstructure:"jsonPaths" json:"jsonPaths"`
	Trim      bool     `mapstructure:"trim" json:"trim,omitempty"`
	CaseFold  bool     `mapstructure:"caseFold" json:"caseFold,omitempty"`

	kind Kind
}

// Kind returns the parsed transform kind; valid only after RuleSet.Compile.
func (t Transform) Kind() Kind { return t.kind }

// Endpoint describes one allowed shape of upstream call. Exactly one of
// PathRegex or PathTemplate must be set; a template like
// /users/{id}/events is compiled to a regex where each variable matches a
// single path segment.
type Endpoint struct {
	PathRegex    string `mapstructure:"pathRegex" json:"pathRegex,omitempty"`
	PathTemplate string `mapstructure:"pathTemplate" json:"pathTemplate,omitempty"`

	// AllowedMethods restricts HTTP methods; empty means any.
	AllowedMethods []string `mapstructure:"allowedMethods" json:"allowedMethods,omitempty"`

	// AllowedQueryParams restricts query parameter names; nil means any.
	AllowedQueryParams []string `mapstructure:"allowedQueryParams" json:"allowedQueryParams,omitempty"`

	// AllowedRequestHeaders lists inbound headers that may be forwarded
	// upstream for this endpoint. Default is none beyond the proxy's own
	// minimal safe set.
	AllowedRequestHeaders []string `mapstructure:"allowedRequestHeaders" json:"allowedRequestHeaders,omitempty"`

	// RequireJSONBody rejects write-method calls whose body is not JSON.
	RequireJSONBody bool `mapstructure:"requireJsonBody" json:"requireJsonBody,omitempty"`

	Transforms []Transform `mapstructure:"transforms" json:"transforms,omitempty"`
}

// RuleSet is an ordered list of endpoints plus the default admission policy.
// A URL not matched by any endpoint is blocked (default-deny) unless
// AllowAllEndpoints is set, which is intended for development only.
type RuleSet struct {
	AllowAllEndpoints bool       `mapstructure:"allowAllEndpoints" json:"allowAllEndpoints,omitempty"`
	Endpoints         []Endpoint `mapstructure:"endpoints" json:"endpoints"`

	compiled    []compiledEndpoint
	fingerprint string
}
