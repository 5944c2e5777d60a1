package proxy

import (
	"net/http"
	"net/url"
)

// StatusMisconfigured is returned for a health check that found missing
// required configuration; nonstandard on purpose so infrastructure probes
// can tell it from an upstream 5xx.
const StatusMisconfigured = 512

// HealthStatus is the health check payload. It names missing configuration
// keys and carries the salt fingerprint so two deployments can be checked
// for pseudonym compatibility without revealing the salt.
type HealthStatus struct {
	Status                  string   `json:"status"`
	Version                 string   `json:"version"`
	UpstreamHost            string   `json:"upstreamHost,omitempty"`
	PseudonymImplementation string   `json:"pseudonymImplementation"`
	SaltFingerprint         string   `json:"saltSha256,omitempty"`
	MissingConfig           []string `json:"missingConfig,omitempty"`
}

// HealthCheck reports deploy readiness without touching the upstream.
func (o *Orchestrator) HealthCheck() (HealthStatus, int) {
	status := HealthStatus{
		Status:                  "ok",
		Version:                 o.version,
		PseudonymImplementation: o.defaultImpl.String(),
	}

	if base, err := url.Parse(o.cfg.Upstream.BaseURL); err == nil {
		status.UpstreamHost = base.Host
	}
	if o.cfg.Pseudonym.Salt != "" {
		status.SaltFingerprint = o.strategy.Deterministic().SaltFingerprint()
	}

	status.MissingConfig = o.cfg.MissingRequiredKeys()
	if len(status.MissingConfig) > 0 {
		status.Status = "misconfigured"
		return status, StatusMisconfigured
	}
	return status, http.StatusOK
}
