package config

import (
	"strings"
	"testing"
)

func TestMissingRequiredKeys(t *testing.T) {
	t.Run("FreshDefaultsMissEverything", func(t *testing.T) {
		missing := GetDefaults().MissingRequiredKeys()
		want := []string{"pseudonym.salt", "pseudonym.encryption_secret", "upstream.base_url", "rules.path"}
		if len(missing) != len(want) {
			t.Fatalf("missing %v, want %v", missing, want)
		}
		for i := range want {
			if missing[i] != want[i] {
				t.Errorf("missing[%d] = %q, want %q", i, missing[i], want[i])
			}
		}
	})

	t.Run("FullConfigMissesNothing", func(t *testing.T) {
		cfg := GetDefaults()
		cfg.Pseudonym.Salt = "s"
		cfg.Pseudonym.EncryptionSecret = "k"
		cfg.Upstream.BaseURL = "https://api.example.com"
		cfg.Rules.Path = "/etc/veilgate/rules.yaml"
		if missing := cfg.MissingRequiredKeys(); len(missing) != 0 {
			t.Errorf("unexpected missing keys: %v", missing)
		}
	})
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"Defaults", func(*Config) {}, ""},
		{"BadPort", func(c *Config) { c.Server.Port = 0 }, "port"},
		{"BadImplementation", func(c *Config) { c.Pseudonym.Implementation = "v99" }, "implementation"},
		{"LegacyImplementation", func(c *Config) { c.Pseudonym.Implementation = "legacy" }, ""},
		{"BadOutputKind", func(c *Config) {
			c.Outputs.Raw.Enabled = true
			c.Outputs.Raw.Kind = "s3"
		}, "output kind"},
		{"DisabledOutputKindIgnored", func(c *Config) { c.Outputs.Raw.Kind = "s3" }, ""},
		{"AsyncWithoutRedis", func(c *Config) { c.Async.Enabled = true }, "redis_url"},
		{"BadLogLevel", func(c *Config) { c.Logging.Level = "verbose" }, "log level"},
		{"BadLogFormat", func(c *Config) { c.Logging.Format = "xml" }, "log format"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := GetDefaults()
			tc.mutate(cfg)
			err := validateConfig(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}
