package sanitize

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/tidwall/gjson"

	"github.com/veilgate/veilgate/internal/logger"
	"github.com/veilgate/veilgate/internal/pipeline"
	"github.com/veilgate/veilgate/internal/pseudonym"
	"github.com/veilgate/veilgate/internal/rules"
	"github.com/veilgate/veilgate/internal/tokens"
)

func newTestSanitizer(t *testing.T, endpoints []rules.Endpoint) (*Sanitizer, *tokens.Reversible) {
	t.Helper()
	rs := &rules.RuleSet{Endpoints: endpoints}
	if err := rs.Compile(); err != nil {
		t.Fatalf("Failed to compile rules: %v", err)
	}
	strategy, err := tokens.NewReversible(tokens.NewDeterministic("test-salt"), "test-secret")
	if err != nil {
		t.Fatalf("Failed to create strategy: %v", err)
	}
	p := NewPseudonymizer(strategy, ImplementationDefault)
	return NewSanitizer(rs, p, logger.NewNop()), strategy
}

func sanitizeBytes(t *testing.T, s *Sanitizer, method, rawURL string, content *pipeline.ProcessedContent) []byte {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("Failed to parse URL: %v", err)
	}
	out, err := s.Sanitize(method, u, content)
	if err != nil {
		t.Fatalf("Failed to sanitize: %v", err)
	}
	body, err := out.Bytes()
	if err != nil {
		t.Fatalf("Failed to read output: %v", err)
	}
	return body
}

func TestSanitizePseudonymizesEmail(t *testing.T) {
	s, strategy := newTestSanitizer(t, []rules.Endpoint{{
		PathTemplate: "/users/{id}",
		Transforms: []rules.Transform{
			{Transform: "pseudonymize", JSONPaths: []string{"email"}},
		},
	}})

	in := pipeline.NewBytes(pipeline.ContentTypeJSON, []byte(`{"email":"a@b.com","active":true}`))
	out := sanitizeBytes(t, s, "GET", "/users/123", in)

	got := gjson.GetBytes(out, "email").String()
	if got == "a@b.com" {
		t.Fatal("email passed through unsanitized")
	}
	decoded, err := pseudonym.Decode(got)
	if err != nil {
		t.Fatalf("output %q is not an encoded pseudonym: %v", got, err)
	}
	wantHash := strategy.Deterministic().Token("a@b.com", func(v string) string { return strings.ToLower(strings.TrimSpace(v)) })
	if !bytes.Equal(decoded.Hash, wantHash) {
		t.Error("decoded hash does not match the value's deterministic hash")
	}
	if decoded.Domain != "b.com" {
		t.Errorf("got domain %q, want b.com", decoded.Domain)
	}
	if gjson.GetBytes(out, "active").Bool() != true {
		t.Error("untargeted field was altered")
	}
}

func TestSanitizeReversibleToken(t *testing.T) {
	s, strategy := newTestSanitizer(t, []rules.Endpoint{{
		PathTemplate: "/users",
		Transforms: []rules.Transform{
			{Transform: "tokenize", JSONPaths: []string{"accounts.#.id"}},
		},
	}})

	in := pipeline.NewBytes(pipeline.ContentTypeJSON, []byte(`{"accounts":[{"id":"42"},{"id":"43"}]}`))
	out := sanitizeBytes(t, s, "GET", "/users", in)

	for i, want := range []string{"42", "43"} {
		encoded := gjson.GetBytes(out, fmt.Sprintf("accounts.%d.id", i)).String()
		decoded, err := pseudonym.Decode(encoded)
		if err != nil {
			t.Fatalf("account %d: %v", i, err)
		}
		value, err := strategy.OriginalValue(decoded.Reversible)
		if err != nil {
			t.Fatalf("account %d: failed to reverse: %v", i, err)
		}
		if value != want {
			t.Errorf("account %d reversed to %q, want %q", i, value, want)
		}
	}
}

func TestRedactWinsOverlappingPaths(t *testing.T) {
	s, _ := newTestSanitizer(t, []rules.Endpoint{{
		PathTemplate: "/users",
		Transforms: []rules.Transform{
			{Transform: "pseudonymize", JSONPaths: []string{"email"}},
			{Transform: "redact", JSONPaths: []string{"email"}},
		},
	}})

	out := sanitizeBytes(t, s, "GET", "/users",
		pipeline.NewBytes(pipeline.ContentTypeJSON, []byte(`{"email":"a@b.com"}`)))

	if got := gjson.GetBytes(out, "email").String(); got != RedactedMarker {
		t.Errorf("got %q, want the redaction marker", got)
	}
}

func TestSanitizeEmailHeader(t *testing.T) {
	s, _ := newTestSanitizer(t, []rules.Endpoint{{
		PathTemplate: "/mail",
		Transforms: []rules.Transform{
			{Transform: "pseudonymize_email_header", JSONPaths: []string{"from"}},
		},
	}})

	out := sanitizeBytes(t, s, "GET", "/mail",
		pipeline.NewBytes(pipeline.ContentTypeJSON, []byte(`{"from":"\"Jane Doe\" <jane@acme.com>"}`)))

	got := gjson.GetBytes(out, "from").String()
	if strings.Contains(got, "Jane") || strings.Contains(got, "jane@") {
		t.Errorf("display name or address leaked: %q", got)
	}
	if _, err := pseudonym.Decode(got); err != nil {
		t.Errorf("output %q is not an encoded pseudonym: %v", got, err)
	}
}

func TestSanitizeNDJSONStream(t *testing.T) {
	s, _ := newTestSanitizer(t, []rules.Endpoint{{
		PathTemplate: "/export",
		Transforms: []rules.Transform{
			{Transform: "redact", JSONPaths: []string{"name"}},
		},
	}})

	src := strings.NewReader(`{"name":"alice","n":1}` + "\n" + `{"name":"bob","n":2}` + "\n")
	in := pipeline.NewStream(pipeline.ContentTypeNDJSON, src)

	out := sanitizeBytes(t, s, "GET", "/export", in)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d records, want 2", len(lines))
	}
	for i, line := range lines {
		if got := gjson.Get(line, "name").String(); got != RedactedMarker {
			t.Errorf("record %d name = %q, want redacted", i, got)
		}
		if gjson.Get(line, "n").Int() != int64(i+1) {
			t.Errorf("record %d lost untargeted field", i)
		}
	}
}

func TestSanitizeGzipFile(t *testing.T) {
	s, _ := newTestSanitizer(t, []rules.Endpoint{{
		PathTemplate: "/export",
		Transforms: []rules.Transform{
			{Transform: "redact", JSONPaths: []string{"name"}},
		},
	}})

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	io.WriteString(zw, `{"name":"alice"}`+"\n")
	zw.Close()

	in := pipeline.NewBytes(pipeline.ContentTypeGzip, buf.Bytes())
	u, _ := url.Parse("/export")
	out, err := s.Sanitize("GET", u, in)
	if err != nil {
		t.Fatalf("Failed to sanitize: %v", err)
	}
	if out.ContentType != pipeline.ContentTypeNDJSON {
		t.Errorf("content type %q, want %q", out.ContentType, pipeline.ContentTypeNDJSON)
	}
	body, err := out.Bytes()
	if err != nil {
		t.Fatalf("Failed to read output: %v", err)
	}
	if got := gjson.GetBytes(bytes.TrimSpace(body), "name").String(); got != RedactedMarker {
		t.Errorf("got %q, want redacted", got)
	}
}

func TestSanitizeCarriesRulesFingerprint(t *testing.T) {
	s, _ := newTestSanitizer(t, []rules.Endpoint{{PathTemplate: "/users"}})

	u, _ := url.Parse("/users")
	out, err := s.Sanitize("GET", u, pipeline.NewBytes(pipeline.ContentTypeJSON, []byte(`{}`)))
	if err != nil {
		t.Fatalf("Failed to sanitize: %v", err)
	}
	if out.Metadata[pipeline.MetaRulesFingerprint] != s.Rules().Fingerprint() {
		t.Error("output metadata is missing the rule-set fingerprint")
	}
}

func TestSanitizeRejectsMalformedJSON(t *testing.T) {
	s, _ := newTestSanitizer(t, []rules.Endpoint{{
		PathTemplate: "/users",
		Transforms: []rules.Transform{
			{Transform: "redact", JSONPaths: []string{"email"}},
		},
	}})

	u, _ := url.Parse("/users")
	if _, err := s.Sanitize("GET", u, pipeline.NewBytes(pipeline.ContentTypeJSON, []byte(`{"email":`))); err == nil {
		t.Error("malformed JSON sanitized without error")
	}
}

func TestParseImplementation(t *testing.T) {
	cases := []struct {
		in      string
		want    Implementation
		wantErr bool
	}{
		{"", ImplementationDefault, false},
		{"default", ImplementationDefault, false},
		{"legacy", ImplementationLegacy, false},
		{"LEGACY", ImplementationLegacy, false},
		{"v0.3", ImplementationLegacy, false},
		{"bogus", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseImplementation(tc.in)
		if tc.wantErr != (err != nil) {
			t.Errorf("ParseImplementation(%q) error = %v", tc.in, err)
			continue
		}
		if err == nil && got != tc.want {
			t.Errorf("ParseImplementation(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
