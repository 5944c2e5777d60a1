package proxy

import (
	"net/http"
	"regexp"
	"strings"
)

// Control headers clients may send to steer processing.
const (
	// HeaderHealthCheck short-circuits to the health report
	HeaderHealthCheck = "X-Veilgate-Health-Check"
	// HeaderSkipSanitizer bypasses transformation; honored only when
	// development mode is on, rejected otherwise
	HeaderSkipSanitizer = "X-Veilgate-Skip-Sanitizer"
	// HeaderPseudonymImplementation selects the pseudonym wire encoding
	// for this request
	HeaderPseudonymImplementation = "X-Veilgate-Pseudonym-Implementation"
	// HeaderUserToImpersonate is forwarded to connectors that act on
	// behalf of a directory user
	HeaderUserToImpersonate = "X-Veilgate-User-To-Impersonate"
	// HeaderPrefer with value "respond-async" escalates to the queue
	HeaderPrefer       = "Prefer"
	PreferRespondAsync = "respond-async"
)

// Response headers the proxy adds.
const (
	HeaderError           = "X-Veilgate-Error"
	HeaderWarning         = "X-Veilgate-Warning"
	HeaderVersion         = "X-Veilgate-Version"
	HeaderRulesSHA        = "X-Veilgate-Rules-SHA256"
	HeaderSaltSHA         = "X-Veilgate-Salt-SHA256"
	HeaderAsyncOutputPath = "X-Veilgate-Async-Output"
)

// requestHeaderSafeSet is forwarded upstream without per-endpoint
// allowance. Everything else needs an allowedRequestHeaders entry; in
// particular client Authorization never passes.
var requestHeaderSafeSet = map[string]bool{
	"Accept":       true,
	"Content-Type": true,
}

// responseHeaderSafeSet is relayed from upstream responses; rate limit
// headers pass by pattern so callers can self-throttle against the real
// API's quotas.
var (
	responseHeaderSafeSet = map[string]bool{
		"Content-Type":  true,
		"Cache-Control": true,
		"Etag":          true,
		"Expires":       true,
		"Last-Modified": true,
		"Retry-After":   true,
		"Date":          true,
	}
	rateLimitHeaderPattern = regexp.MustCompile(`(?i)^x-ratelimit[-.]`)
)

// filterRequestHeaders keeps the safe set plus the endpoint's allowed
// names.
func filterRequestHeaders(headers map[string][]string, allowed []string) http.Header {
	allowedSet := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		allowedSet[http.CanonicalHeaderKey(name)] = true
	}

	out := http.Header{}
	for name, values := range headers {
		canonical := http.CanonicalHeaderKey(name)
		if !requestHeaderSafeSet[canonical] && !allowedSet[canonical] {
			continue
		}
		for _, v := range values {
			out.Add(canonical, v)
		}
	}
	return out
}

// filterResponseHeaders keeps the safe set and rate limit headers.
func filterResponseHeaders(upstream http.Header) http.Header {
	out := http.Header{}
	for name, values := range upstream {
		canonical := http.CanonicalHeaderKey(name)
		if !responseHeaderSafeSet[canonical] && !rateLimitHeaderPattern.MatchString(canonical) {
			continue
		}
		for _, v := range values {
			out.Add(canonical, v)
		}
	}
	return out
}

// prefersAsync reports the standard respond-async preference.
func prefersAsync(prefer string) bool {
	for _, token := range strings.Split(prefer, ",") {
		if strings.EqualFold(strings.TrimSpace(token), PreferRespondAsync) {
			return true
		}
	}
	return false
}

// headerTruthy interprets a control header's value as a flag.
func headerTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
