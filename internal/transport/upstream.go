package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/veilgate/veilgate/internal/logger"
)

// ErrConnect reports a network-level failure reaching the upstream API,
// distinct from an HTTP error response the upstream actually returned.
var ErrConnect = errors.New("transport: upstream connection failed")

const (
	defaultConnectTimeout = 30 * time.Second
	defaultReadTimeout    = 300 * time.Second
)

// Response is an upstream HTTP response. Body must be closed by the
// caller; it streams directly from the connection.
type Response struct {
	StatusCode    int
	Header        http.Header
	ContentLength int64
	Body          io.ReadCloser
}

// Upstream executes calls against the real API on the proxy's own
// authority.
type Upstream interface {
	// Execute sends the request. headers must already be filtered to the
	// endpoint's allowed set; Execute adds the proxy's own authorization
	// and strips any client one.
	Execute(ctx context.Context, method string, target *url.URL, headers http.Header, body io.Reader) (*Response, error)
	// Resolve maps a proxy-relative path and query onto the upstream
	// base URL.
	Resolve(path, rawQuery string) *url.URL
}

// Config describes one upstream API connection.
type Config struct {
	// BaseURL is the upstream origin, e.g. https://api.example.com.
	BaseURL string
	// ConnectTimeout bounds connection establishment; ReadTimeout bounds
	// the whole exchange. Large exports stream for minutes, so the read
	// bound is generous.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// CredentialName is the credential-source key holding the API
	// secret; empty means the upstream needs no authorization.
	CredentialName string
	// AuthScheme prefixes the credential in the Authorization header,
	// e.g. "Bearer". Empty sends the credential verbatim.
	AuthScheme string
	UserAgent  string
}

// HTTPUpstream is the production Upstream over net/http.
type HTTPUpstream struct {
	base        *url.URL
	config      Config
	credentials CredentialSource
	client      *http.Client
	log         *logger.Logger
}

func NewHTTPUpstream(cfg Config, credentials CredentialSource, log *logger.Logger) (*HTTPUpstream, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("transport: invalid upstream base URL %q", cfg.BaseURL)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}

	client := &http.Client{
		Timeout: cfg.ReadTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: cfg.ConnectTimeout,
			}).DialContext,
			TLSHandshakeTimeout: cfg.ConnectTimeout,
		},
	}

	return &HTTPUpstream{
		base:        base,
		config:      cfg,
		credentials: credentials,
		client:      client,
		log:         log.WithComponent("upstream"),
	}, nil
}

func (u *HTTPUpstream) Resolve(path, rawQuery string) *url.URL {
	target := *u.base
	target.Path = strings.TrimSuffix(target.Path, "/") + path
	target.RawQuery = rawQuery
	return &target
}

func (u *HTTPUpstream) Execute(ctx context.Context, method string, target *url.URL, headers http.Header, body io.Reader) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("transport: building upstream request: %w", err)
	}

	for name, values := range headers {
		req.Header[http.CanonicalHeaderKey(name)] = values
	}
	// client authorization never travels upstream
	req.Header.Del("Authorization")
	req.Header.Set("Accept", "application/json")
	if u.config.UserAgent != "" {
		req.Header.Set("User-Agent", u.config.UserAgent)
	}

	if u.config.CredentialName != "" {
		credential, err := u.credentials.Credential(ctx, u.config.CredentialName)
		if err != nil {
			return nil, err
		}
		if u.config.AuthScheme != "" {
			credential = u.config.AuthScheme + " " + credential
		}
		req.Header.Set("Authorization", credential)
	}

	start := time.Now()
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	u.log.Debug("upstream call",
		zap.String("method", method),
		zap.String("host", target.Host),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	return &Response{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Body:          resp.Body,
	}, nil
}
