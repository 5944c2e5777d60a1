package reversal

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/veilgate/veilgate/internal/pseudonym"
	"github.com/veilgate/veilgate/internal/tokens"
)

func newStrategy(t *testing.T) *tokens.Reversible {
	t.Helper()
	strategy, err := tokens.NewReversible(tokens.NewDeterministic("test-salt"), "test-secret")
	if err != nil {
		t.Fatalf("Failed to create strategy: %v", err)
	}
	return strategy
}

func encodeToken(strategy *tokens.Reversible, value string) string {
	return pseudonym.Encode(pseudonym.Pseudonym{
		Reversible: strategy.ReversibleToken(value, tokens.Identity),
	})
}

func TestReverseURL(t *testing.T) {
	strategy := newStrategy(t)
	token := encodeToken(strategy, "42")

	t.Run("PathToken", func(t *testing.T) {
		original, _ := url.Parse("/users/" + token + "/events")
		urls, err := ReverseURL(original, strategy)
		if err != nil {
			t.Fatalf("Failed to reverse URL: %v", err)
		}
		if urls.Target.Path != "/users/42/events" {
			t.Errorf("target path %q, want /users/42/events", urls.Target.Path)
		}
		if urls.Original.Path != original.Path {
			t.Error("original URL was modified")
		}
		if !urls.HasReversedTokens() {
			t.Error("HasReversedTokens is false after reversal")
		}
	})

	t.Run("QueryToken", func(t *testing.T) {
		original, _ := url.Parse("/mail?from=" + token)
		urls, err := ReverseURL(original, strategy)
		if err != nil {
			t.Fatalf("Failed to reverse URL: %v", err)
		}
		if got := urls.Target.Query().Get("from"); got != "42" {
			t.Errorf("query value %q, want 42", got)
		}
	})

	t.Run("NoTokens", func(t *testing.T) {
		original, _ := url.Parse("/users/42/events")
		urls, err := ReverseURL(original, strategy)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if urls.HasReversedTokens() {
			t.Error("token-free URL reports reversed tokens")
		}
		if urls.Target != original {
			t.Error("token-free URL should pass through unchanged")
		}
	})

	t.Run("ForgedToken", func(t *testing.T) {
		forged := newStrategy(t)
		other, err := tokens.NewReversible(tokens.NewDeterministic("test-salt"), "other-secret")
		if err != nil {
			t.Fatal(err)
		}
		original, _ := url.Parse("/users/" + encodeToken(other, "42"))
		if _, err := ReverseURL(original, forged); !errors.Is(err, tokens.ErrInvalidToken) {
			t.Errorf("got %v, want ErrInvalidToken", err)
		}
	})
}

func TestReverseBody(t *testing.T) {
	strategy := newStrategy(t)
	token := encodeToken(strategy, "42")

	t.Run("JSONStringLeaves", func(t *testing.T) {
		body := []byte(`{"id":"` + token + `","nested":{"ids":["` + token + `"]},"count":7}`)
		out, err := ReverseBody("application/json", body, strategy)
		if err != nil {
			t.Fatalf("Failed to reverse body: %v", err)
		}
		if got := gjson.GetBytes(out, "id").String(); got != "42" {
			t.Errorf("id %q, want 42", got)
		}
		if got := gjson.GetBytes(out, "nested.ids.0").String(); got != "42" {
			t.Errorf("nested id %q, want 42", got)
		}
		if gjson.GetBytes(out, "count").Int() != 7 {
			t.Error("non-string leaf was altered")
		}
	})

	t.Run("FormEncoded", func(t *testing.T) {
		body := []byte("user=" + url.QueryEscape(token) + "&page=2")
		out, err := ReverseBody("application/x-www-form-urlencoded", body, strategy)
		if err != nil {
			t.Fatalf("Failed to reverse body: %v", err)
		}
		values, err := url.ParseQuery(string(out))
		if err != nil {
			t.Fatalf("output is not form-encoded: %v", err)
		}
		if values.Get("user") != "42" {
			t.Errorf("user %q, want 42", values.Get("user"))
		}
		if values.Get("page") != "2" {
			t.Error("untokenized value was altered")
		}
	})

	t.Run("UnsupportedContentTypeWithTokens", func(t *testing.T) {
		body := []byte("<id>" + token + "</id>")
		if _, err := ReverseBody("text/xml", body, strategy); !errors.Is(err, ErrUnsupportedContentType) {
			t.Errorf("got %v, want ErrUnsupportedContentType", err)
		}
	})

	t.Run("UnsupportedContentTypeWithoutTokens", func(t *testing.T) {
		body := []byte("<id>42</id>")
		out, err := ReverseBody("text/xml", body, strategy)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(out) != "<id>42</id>" {
			t.Error("token-free body was altered")
		}
	})

	t.Run("EmptyBody", func(t *testing.T) {
		out, err := ReverseBody("application/json", nil, strategy)
		if err != nil || out != nil {
			t.Errorf("empty body: out=%v err=%v", out, err)
		}
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		if _, err := ReverseBody("application/json", []byte(`{"id":`), strategy); err == nil {
			t.Error("malformed JSON reversed without error")
		}
	})
}

func TestReverseBodyContentTypeParameters(t *testing.T) {
	strategy := newStrategy(t)
	token := encodeToken(strategy, "alice@acme.com")

	body := []byte(`{"email":"` + token + `"}`)
	out, err := ReverseBody("application/json; charset=utf-8", body, strategy)
	if err != nil {
		t.Fatalf("Failed to reverse body: %v", err)
	}
	if got := gjson.GetBytes(out, "email").String(); got != "alice@acme.com" {
		t.Errorf("email %q, want alice@acme.com", got)
	}
	if strings.Contains(string(out), pseudonym.Prefix) {
		t.Error("output still contains an encoded token")
	}
}
