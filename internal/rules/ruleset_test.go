package rules

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"
)

func mustCompile(t *testing.T, rs *RuleSet) *RuleSet {
	t.Helper()
	if err := rs.Compile(); err != nil {
		t.Fatalf("Failed to compile rule set: %v", err)
	}
	return rs
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("Failed to parse URL %q: %v", raw, err)
	}
	return u
}

func TestAdmission(t *testing.T) {
	rs := mustCompile(t, &RuleSet{
		Endpoints: []Endpoint{
			{
				PathTemplate:   "/v1/users/{id}/events",
				AllowedMethods: []string{"GET"},
			},
			{
				PathRegex:          `^/v1/reports(\?.*)?$`,
				AllowedQueryParams: []string{"since", "until"},
			},
		},
	})

	t.Run("TemplateMatch", func(t *testing.T) {
		if !rs.IsAllowed("GET", mustParse(t, "/v1/users/42/events")) {
			t.Error("templated path was denied")
		}
	})

	t.Run("TemplateVariableIsSingleSegment", func(t *testing.T) {
		if rs.IsAllowed("GET", mustParse(t, "/v1/users/42/extra/events")) {
			t.Error("multi-segment variable was admitted")
		}
	})

	t.Run("MethodRestriction", func(t *testing.T) {
		if rs.IsAllowed("POST", mustParse(t, "/v1/users/42/events")) {
			t.Error("disallowed method was admitted")
		}
	})

	t.Run("DefaultDeny", func(t *testing.T) {
		if rs.IsAllowed("GET", mustParse(t, "/v1/other")) {
			t.Error("unmatched path was admitted")
		}
	})

	t.Run("QueryParamAllowance", func(t *testing.T) {
		if !rs.IsAllowed("GET", mustParse(t, "/v1/reports?since=2024-01-01")) {
			t.Error("allowed query param was denied")
		}
		if rs.IsAllowed("GET", mustParse(t, "/v1/reports?expand=secrets")) {
			t.Error("undeclared query param was admitted")
		}
	})

	t.Run("AllowAllFlipsDefault", func(t *testing.T) {
		open := mustCompile(t, &RuleSet{AllowAllEndpoints: true})
		if !open.IsAllowed("DELETE", mustParse(t, "/anything/at/all")) {
			t.Error("allow-all rule set denied a call")
		}
	})
}

func TestTransformPrecedence(t *testing.T) {
	rs := mustCompile(t, &RuleSet{
		Endpoints: []Endpoint{
			{
				PathTemplate: "/v1/users/{id}",
				Transforms: []Transform{
					{Transform: "pseudonymize", JSONPaths: []string{"email"}},
					{Transform: "redact", JSONPaths: []string{"email"}},
					{Transform: "tokenize", JSONPaths: []string{"id"}},
				},
			},
		},
	})

	got := rs.Endpoints[0].Transforms
	want := []Kind{KindRedact, KindTokenizeReversible, KindPseudonymize}
	for i, kind := range want {
		if got[i].Kind() != kind {
			t.Fatalf("transform %d has kind %s, want %s", i, got[i].Kind(), kind)
		}
	}
}

func TestFingerprint(t *testing.T) {
	base := func() *RuleSet {
		return &RuleSet{Endpoints: []Endpoint{{PathTemplate: "/v1/users/{id}"}}}
	}

	a := mustCompile(t, base())
	b := mustCompile(t, base())
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical rule sets have different fingerprints")
	}

	c := base()
	c.Endpoints[0].Transforms = []Transform{{Transform: "redact", JSONPaths: []string{"name"}}}
	mustCompile(t, c)
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("different rule sets share a fingerprint")
	}
}

func TestAllowedRequestHeaders(t *testing.T) {
	rs := mustCompile(t, &RuleSet{
		Endpoints: []Endpoint{
			{
				PathTemplate:          "/v1/mail",
				AllowedRequestHeaders: []string{"X-Page-Token"},
			},
			{PathTemplate: "/v1/users"},
		},
	})

	headers := rs.AllowedRequestHeaders("GET", mustParse(t, "/v1/mail"))
	if len(headers) != 1 || headers[0] != "X-Page-Token" {
		t.Errorf("got %v, want [X-Page-Token]", headers)
	}

	if headers := rs.AllowedRequestHeaders("GET", mustParse(t, "/v1/users")); headers != nil {
		t.Errorf("endpoint without declared headers returned %v", headers)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	contents := `
endpoints:
  - pathTemplate: /v1/users/{id}
    allowedMethods: [GET]
    transforms:
      - transform: pseudonymize
        jsonPaths: [email]
        caseFold: true
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("Failed to write rule file: %v", err)
	}

	rs, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load rules: %v", err)
	}
	if !rs.IsAllowed("GET", mustParse(t, "/v1/users/7")) {
		t.Error("loaded rule set denies a declared endpoint")
	}
	tr := rs.Endpoints[0].Transforms[0]
	if tr.Kind() != KindPseudonymize || !tr.CaseFold {
		t.Errorf("transform parsed as %+v", tr)
	}

	t.Run("BadTransformRejected", func(t *testing.T) {
		bad := &RuleSet{Endpoints: []Endpoint{{
			PathTemplate: "/v1/x",
			Transforms:   []Transform{{Transform: "scramble", JSONPaths: []string{"a"}}},
		}}}
		if err := bad.Compile(); err == nil {
			t.Error("unknown transform kind compiled")
		}
	})
}
