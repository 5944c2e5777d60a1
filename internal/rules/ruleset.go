package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

type compiledEndpoint struct {
	endpoint *Endpoint
	pattern  *regexp.Regexp
	methods  map[string]bool
}

// templateSpecialChars are regex metacharacters escaped when converting a
// path template into a regex; template variables themselves become [^/]+.
var templateSpecialChars = regexp.MustCompile(`[.^$<>*+\[\]()\-=?!|]`)

var templateVariable = regexp.MustCompile(`\{[^}]*\}`)

// Load reads a rule file (YAML) and compiles it.
func Load(path string) (*RuleSet, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("rules: reading %s: %w", path, err)
	}

	var rs RuleSet
	if err := v.Unmarshal(&rs); err != nil {
		return nil, fmt.Errorf("rules: parsing %s: %w", path, err)
	}
	if err := rs.Compile(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// Compile validates the rule set, compiles endpoint patterns, parses
// transform kinds, and computes the fingerprint. Must be called once before
// any query; a compiled RuleSet is immutable and safe for concurrent use.
func (rs *RuleSet) Compile() error {
	rs.compiled = make([]compiledEndpoint, 0, len(rs.Endpoints))

	for i := range rs.Endpoints {
		ep := &rs.Endpoints[i]

		expr, err := effectivePattern(ep)
		if err != nil {
			return err
		}
		pattern, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return fmt.Errorf("rules: endpoint %d: %w", i, err)
		}

		var methods map[string]bool
		if len(ep.AllowedMethods) > 0 {
			methods = make(map[string]bool, len(ep.AllowedMethods))
			for _, m := range ep.AllowedMethods {
				methods[strings.ToUpper(m)] = true
			}
		}

		for j := range ep.Transforms {
			t := &ep.Transforms[j]
			kind, err := ParseKind(t.Transform)
			if err != nil {
				return fmt.Errorf("rules: endpoint %d transform %d: %w", i, j, err)
			}
			t.kind = kind
			if len(t.JSONPaths) == 0 {
				return fmt.Errorf("rules: endpoint %d transform %d: no jsonPaths", i, j)
			}
		}

		// precedence order; stable so equal kinds keep declaration order
		sort.SliceStable(ep.Transforms, func(a, b int) bool {
			return ep.Transforms[a].kind < ep.Transforms[b].kind
		})

		rs.compiled = append(rs.compiled, compiledEndpoint{
			endpoint: ep,
			pattern:  pattern,
			methods:  methods,
		})
	}

	canonical, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("rules: fingerprinting: %w", err)
	}
	sum := sha256.Sum256(canonical)
	rs.fingerprint = hex.EncodeToString(sum[:])

	return nil
}

func effectivePattern(ep *Endpoint) (string, error) {
	switch {
	case ep.PathRegex != "" && ep.PathTemplate != "":
		return "", fmt.Errorf("rules: endpoint declares both pathRegex and pathTemplate")
	case ep.PathRegex != "":
		return ep.PathRegex, nil
	case ep.PathTemplate != "":
		escaped := templateSpecialChars.ReplaceAllString(ep.PathTemplate, `\$0`)
		return "^" + templateVariable.ReplaceAllString(escaped, `[^/]+`) + "$", nil
	default:
		return "", fmt.Errorf("rules: endpoint declares neither pathRegex nor pathTemplate")
	}
}

// Fingerprint is the content hash of the compiled rule set; two responses
// sanitized under identical policy carry identical fingerprints.
func (rs *RuleSet) Fingerprint() string { return rs.fingerprint }

// relativeURL is the portion of u that endpoint patterns are written
// against: path plus query, without scheme or host.
func relativeURL(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Path
	}
	return u.Path + "?" + u.RawQuery
}

func (ce *compiledEndpoint) matches(method string, u *url.URL) bool {
	if ce.methods != nil && !ce.methods[strings.ToUpper(method)] {
		return false
	}
	if ce.endpoint.PathRegex != "" {
		if !ce.pattern.MatchString(relativeURL(u)) {
			return false
		}
	} else if !ce.pattern.MatchString(u.Path) {
		return false
	}
	return ce.allowsQueryParams(u)
}

func (ce *compiledEndpoint) allowsQueryParams(u *url.URL) bool {
	if ce.endpoint.AllowedQueryParams == nil {
		return true
	}
	allowed := make(map[string]bool, len(ce.endpoint.AllowedQueryParams))
	for _, p := range ce.endpoint.AllowedQueryParams {
		allowed[p] = true
	}
	for name := range u.Query() {
		if !allowed[name] {
			return false
		}
	}
	return true
}

// IsAllowed reports whether a call with this method and URL is admitted.
// Rules are evaluated against the original (possibly tokenized) URL, since
// they describe the logical shape of the API.
func (rs *RuleSet) IsAllowed(method string, u *url.URL) bool {
	if rs.AllowAllEndpoints {
		return true
	}
	for i := range rs.compiled {
		if rs.compiled[i].matches(method, u) {
			return true
		}
	}
	return false
}

// Match returns the first endpoint matching the call, or nil.
func (rs *RuleSet) Match(method string, u *url.URL) *Endpoint {
	for i := range rs.compiled {
		if rs.compiled[i].matches(method, u) {
			return rs.compiled[i].endpoint
		}
	}
	return nil
}

// RequiresJSONBody reports whether the matched endpoint constrains write
// bodies to JSON.
func (rs *RuleSet) RequiresJSONBody(method string, u *url.URL) bool {
	ep := rs.Match(method, u)
	return ep != nil && ep.RequireJSONBody
}

// AllowedRequestHeaders returns the set of inbound header names that may be
// forwarded upstream for this call. No match, or a match without declared
// headers, yields nil: nothing beyond the proxy's minimal safe set leaks.
func (rs *RuleSet) AllowedRequestHeaders(method string, u *url.URL) []string {
	ep := rs.Match(method, u)
	if ep == nil {
		return nil
	}
	return ep.AllowedRequestHeaders
}
