package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/veilgate/veilgate/internal/config"
	"github.com/veilgate/veilgate/internal/logger"
	"github.com/veilgate/veilgate/internal/monitor"
	"github.com/veilgate/veilgate/internal/pipeline"
	"github.com/veilgate/veilgate/internal/pseudonym"
	"github.com/veilgate/veilgate/internal/reversal"
	"github.com/veilgate/veilgate/internal/rules"
	"github.com/veilgate/veilgate/internal/sanitize"
	"github.com/veilgate/veilgate/internal/tokens"
	"github.com/veilgate/veilgate/internal/transport"
)

// compressThreshold is the smallest buffered body worth gzipping.
const compressThreshold = 2048

// Result is the outcome of processing one request, ready to be written as
// an HTTP response or, on the async path, already persisted to outputs.
type Result struct {
	Status  int
	Cause   ErrorCause
	Message string
	Headers http.Header
	Content *pipeline.ProcessedContent
	// Warnings degrade the response without failing it, e.g. a side
	// output that could not be written.
	Warnings []string
}

// Collaborators are the external systems the orchestrator composes. Any of
// them except Upstream may be nil when not configured.
type Collaborators struct {
	Upstream        transport.Upstream
	Async           pipeline.AsyncHandler
	RawOutput       pipeline.SideOutput
	SanitizedOutput pipeline.SideOutput
	Hub             *monitor.Hub
}

// Orchestrator drives the request lifecycle: validate, admit, reverse
// tokens, call upstream, sanitize, compress, emit. One instance serves all
// requests; per-request state never leaks between them.
type Orchestrator struct {
	cfg         *config.Config
	version     string
	deps        Collaborators
	strategy    *tokens.Reversible
	defaultImpl sanitize.Implementation
	log         *logger.Logger

	// sanitizer is the lazily-built shared default. The mutex guards
	// construction only; post-initialization reads go through the
	// atomic pointer without locking. Request-scoped variants for a
	// different pseudonym implementation are never stored here.
	mu        sync.Mutex
	sanitizer atomic.Pointer[sanitize.Sanitizer]
}

func NewOrchestrator(cfg *config.Config, version string, strategy *tokens.Reversible, deps Collaborators, log *logger.Logger) (*Orchestrator, error) {
	impl, err := sanitize.ParseImplementation(cfg.Pseudonym.Implementation)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:         cfg,
		version:     version,
		deps:        deps,
		strategy:    strategy,
		defaultImpl: impl,
		log:         log.WithComponent("orchestrator"),
	}, nil
}

// Process runs the full lifecycle for one request description. It never
// panics outward and always yields a writable Result.
func (o *Orchestrator) Process(ctx context.Context, req pipeline.RequestDescription, pctx pipeline.ProcessingContext) *Result {
	result, err := o.process(ctx, req, pctx)
	if err == nil {
		return result
	}

	var perr *Error
	if !errors.As(err, &perr) {
		perr = causedBy(CauseUnknown, "unclassified processing failure", err)
	}
	o.log.WithRequestID(pctx.RequestID).Warn("request failed",
		zap.String("cause", string(perr.Cause)),
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Error(perr.Err),
	)
	return &Result{
		Status:  perr.Cause.Status(),
		Cause:   perr.Cause,
		Message: perr.Message,
		Headers: http.Header{},
	}
}

// HandleAsync replays a dequeued request; used as the worker handler. The
// response body goes nowhere, so side outputs are the only place results
// land.
func (o *Orchestrator) HandleAsync(ctx context.Context, req pipeline.RequestDescription, pctx pipeline.ProcessingContext) error {
	result := o.Process(ctx, req, pctx)
	if result.Cause != "" && result.Cause != CauseAPIError {
		return fmt.Errorf("async processing failed: %s: %s", result.Cause, result.Message)
	}
	// drain so streaming sanitization actually runs
	if result.Content != nil {
		if _, err := result.Content.Bytes(); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) process(ctx context.Context, req pipeline.RequestDescription, pctx pipeline.ProcessingContext) (*Result, error) {
	log := o.log.WithRequestID(pctx.RequestID)

	if !req.HTTPS && !o.cfg.Development.Enabled {
		return nil, causedBy(CauseHTTPSRequired, "plaintext requests are not accepted", nil)
	}

	if (req.Method == http.MethodGet || req.Method == http.MethodHead) && len(req.Body) > 0 {
		return nil, causedBy(CauseInvalidRequest, req.Method+" request must not carry a body", nil)
	}

	if err := checkCharset(req.Header("Content-Type")); err != nil {
		return nil, causedBy(CauseInvalidRequest, "unsupported request charset", err)
	}

	skipSanitizer := headerTruthy(req.Header(HeaderSkipSanitizer))
	if skipSanitizer && !o.cfg.Development.Enabled {
		return nil, causedBy(CauseInvalidRequest, "sanitizer skip is a development-mode feature", nil)
	}

	san, err := o.sanitizerForRequest(req.Header(HeaderPseudonymImplementation))
	if err != nil {
		return nil, err
	}

	original := &url.URL{Path: req.Path, RawQuery: req.Query}
	if !san.Rules().IsAllowed(req.Method, original) {
		return nil, causedBy(CauseBlockedByRules, "no endpoint rule admits this call", nil)
	}

	if len(req.Body) > 0 && san.Rules().RequiresJSONBody(req.Method, original) {
		mediaType, _, _ := mime.ParseMediaType(req.Header("Content-Type"))
		if mediaType != pipeline.ContentTypeJSON {
			return nil, causedBy(CauseInvalidRequest, "endpoint requires a JSON body", nil)
		}
	}

	// async escalation happens before authorization: the worker replays
	// the original request through this same path
	if prefersAsync(req.Header(HeaderPrefer)) && !pctx.Async {
		return o.dispatchAsync(ctx, req, pctx, log)
	}

	urls, body, err := o.reverseRequest(req, original)
	if err != nil {
		return nil, err
	}

	if o.deps.Upstream == nil {
		return nil, causedBy(CauseConnectionSetup, "no upstream is configured", nil)
	}
	target := o.deps.Upstream.Resolve(urls.Target.Path, urls.Target.RawQuery)
	headers := filterRequestHeaders(req.Headers, san.Rules().AllowedRequestHeaders(req.Method, original))
	if impersonate := req.Header(HeaderUserToImpersonate); impersonate != "" {
		reversed, err := pseudonym.ScanAndReverseAll(impersonate, o.strategy)
		if err != nil {
			return nil, classifyReversalError(err)
		}
		headers.Set(HeaderUserToImpersonate, reversed)
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	resp, err := o.deps.Upstream.Execute(ctx, req.Method, target, headers, bodyReader)
	if err != nil {
		switch {
		case errors.Is(err, transport.ErrConnect):
			return nil, causedBy(CauseConnectionToSource, "upstream is unreachable", err)
		default:
			return nil, causedBy(CauseConnectionSetup, "could not prepare upstream call", err)
		}
	}
	defer resp.Body.Close()

	// error payloads are operational, not data; they pass through
	// untransformed but with filtered headers
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.LogUpstreamResponse(resp.StatusCode, resp.ContentLength)
		errBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, causedBy(CauseConnectionToSource, "upstream error body truncated", readErr)
		}
		return &Result{
			Status:  resp.StatusCode,
			Cause:   CauseAPIError,
			Headers: filterResponseHeaders(resp.Header),
			Content: pipeline.NewBytes(resp.Header.Get("Content-Type"), errBody),
		}, nil
	}

	content := pipeline.NewStream(resp.Header.Get("Content-Type"), resp.Body)
	content.ContentEncoding = resp.Header.Get("Content-Encoding")

	result := &Result{Status: http.StatusOK, Headers: filterResponseHeaders(resp.Header)}

	if o.deps.RawOutput != nil {
		// materialized so both the archive and the sanitizer see it
		if _, err := content.Bytes(); err != nil {
			return nil, causedBy(CauseConnectionToSource, "reading upstream response", err)
		}
		if err := o.deps.RawOutput.Write(ctx, pctx.RawOutputKey, content); err != nil {
			log.Warn("raw side output failed", zap.Error(err))
			result.Warnings = append(result.Warnings, "raw side output failed")
		}
	}

	sanitized := content
	if skipSanitizer {
		log.Warn("sanitizer skipped by request header")
	} else {
		sanitized, err = san.Sanitize(req.Method, original, content)
		if err != nil {
			return nil, causedBy(CauseConfigurationFailure, "sanitization failed", err)
		}
		o.annotate(sanitized)
		o.broadcastSanitization(pctx, original, san, urls)
	}

	if o.deps.SanitizedOutput != nil && !skipSanitizer {
		if _, err := sanitized.Bytes(); err != nil {
			return nil, causedBy(CauseConfigurationFailure, "materializing sanitized content", err)
		}
		if err := o.deps.SanitizedOutput.Write(ctx, pctx.SanitizedOutputKey, sanitized); err != nil {
			log.Warn("sanitized side output failed", zap.Error(err))
			result.Warnings = append(result.Warnings, "sanitized side output failed")
		}
	}

	result.Content = compressIfWorthwhile(sanitized, req.Header("Accept-Encoding"))
	return result, nil
}

// reverseRequest resolves pseudonym tokens in the URL and, for write
// methods, the body. Failures here are client-input errors.
func (o *Orchestrator) reverseRequest(req pipeline.RequestDescription, original *url.URL) (reversal.RequestUrls, []byte, error) {
	urls, err := reversal.ReverseURL(original, o.strategy)
	if err != nil {
		return reversal.RequestUrls{}, nil, classifyReversalError(err)
	}

	body := req.Body
	if len(body) > 0 && req.Method != http.MethodGet && req.Method != http.MethodHead {
		body, err = reversal.ReverseBody(req.Header("Content-Type"), body, o.strategy)
		if err != nil {
			return reversal.RequestUrls{}, nil, classifyReversalError(err)
		}
	}
	return urls, body, nil
}

func classifyReversalError(err error) error {
	switch {
	case errors.Is(err, tokens.ErrInvalidToken), errors.Is(err, pseudonym.ErrInvalidTokenFormat):
		return causedBy(CauseInvalidToken, "request carries an unverifiable pseudonym token", err)
	case errors.Is(err, reversal.ErrUnsupportedContentType):
		return causedBy(CauseInvalidRequest, "tokens present in an unsupported body format", err)
	default:
		return causedBy(CauseInvalidRequest, "request could not be parsed for token reversal", err)
	}
}

func (o *Orchestrator) dispatchAsync(ctx context.Context, req pipeline.RequestDescription, pctx pipeline.ProcessingContext, log *logger.Logger) (*Result, error) {
	if o.deps.Async == nil {
		return nil, causedBy(CauseAsyncDispatch, "asynchronous handling is not configured", nil)
	}

	asyncCtx := pctx.AsAsync(o.cfg.Async.OutputLocation)
	if err := o.deps.Async.Handle(ctx, req, asyncCtx); err != nil {
		return nil, causedBy(CauseAsyncDispatch, "could not enqueue request", err)
	}

	log.Info("request escalated to async handling",
		zap.String("output_key", asyncCtx.SanitizedOutputKey),
	)

	headers := http.Header{}
	headers.Set("Location", asyncCtx.AsyncOutputLocation)
	headers.Set(HeaderAsyncOutputPath, asyncCtx.AsyncOutputLocation)
	return &Result{Status: http.StatusAccepted, Headers: headers}, nil
}

// sanitizerForRequest returns the shared default sanitizer, or a
// request-scoped variant when the client asked for a different pseudonym
// implementation. The default is built at most once.
func (o *Orchestrator) sanitizerForRequest(implHeader string) (*sanitize.Sanitizer, error) {
	impl, err := sanitize.ParseImplementation(implHeader)
	if err != nil {
		return nil, causedBy(CauseInvalidRequest, "unknown pseudonym implementation", err)
	}

	def, err := o.defaultSanitizer()
	if err != nil {
		return nil, err
	}
	if implHeader == "" || impl == def.Implementation() {
		return def, nil
	}
	// request-scoped: built fresh, owned by this request only
	return o.buildSanitizer(impl)
}

// ReloadRules drops the cached default sanitizer; the next request rebuilds
// it from the rule file. Called on configuration reload.
func (o *Orchestrator) ReloadRules() {
	o.sanitizer.Store(nil)
}

func (o *Orchestrator) defaultSanitizer() (*sanitize.Sanitizer, error) {
	if s := o.sanitizer.Load(); s != nil {
		return s, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if s := o.sanitizer.Load(); s != nil {
		return s, nil
	}

	s, err := o.buildSanitizer(o.defaultImpl)
	if err != nil {
		return nil, err
	}
	o.sanitizer.Store(s)
	return s, nil
}

func (o *Orchestrator) buildSanitizer(impl sanitize.Implementation) (*sanitize.Sanitizer, error) {
	rs, err := rules.Load(o.cfg.Rules.Path)
	if err != nil {
		return nil, causedBy(CauseConfigurationFailure, "rule set could not be loaded", err)
	}
	if rs.AllowAllEndpoints && !o.cfg.Development.Enabled {
		return nil, causedBy(CauseConfigurationFailure, "allow-all rule sets require development mode", nil)
	}
	return sanitize.NewSanitizer(rs, sanitize.NewPseudonymizer(o.strategy, impl), o.log), nil
}

func (o *Orchestrator) annotate(content *pipeline.ProcessedContent) {
	if content.Metadata == nil {
		content.Metadata = map[string]string{}
	}
	content.Metadata[pipeline.MetaProxyVersion] = o.version
	content.Metadata[pipeline.MetaSaltFingerprint] = o.strategy.Deterministic().SaltFingerprint()
}

func (o *Orchestrator) broadcastSanitization(pctx pipeline.ProcessingContext, original *url.URL, san *sanitize.Sanitizer, urls reversal.RequestUrls) {
	if o.deps.Hub == nil {
		return
	}
	o.deps.Hub.Broadcast(monitor.Event{
		Type:      monitor.EventTypeSanitization,
		Timestamp: time.Now(),
		RequestID: pctx.RequestID,
		Data: monitor.SanitizationEvent{
			RequestID:        pctx.RequestID,
			Path:             original.Path,
			RulesFingerprint: san.Rules().Fingerprint(),
			ReversedTokens:   urls.HasReversedTokens(),
		},
	})
}

// compressIfWorthwhile gzips the response when the client accepts it.
// Buffered bodies below the threshold stay uncompressed; streams always
// compress, since NDJSON exports are large by nature.
func compressIfWorthwhile(content *pipeline.ProcessedContent, acceptEncoding string) *pipeline.ProcessedContent {
	if content == nil || content.ContentEncoding != "" || !acceptsGzip(acceptEncoding) {
		return content
	}

	if !content.IsStream() {
		body, err := content.Bytes()
		if err != nil || len(body) < compressThreshold {
			return content
		}
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return content
		}
		if err := zw.Close(); err != nil {
			return content
		}
		out := pipeline.NewBytes(content.ContentType, buf.Bytes())
		out.ContentEncoding = pipeline.ContentEncodingGzip
		out.Charset = content.Charset
		out.Metadata = content.Metadata
		return out
	}

	pr, pw := io.Pipe()
	go func() {
		zw := gzip.NewWriter(pw)
		_, err := io.Copy(zw, content.Stream())
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()
	out := pipeline.NewStream(content.ContentType, pr)
	out.ContentEncoding = pipeline.ContentEncodingGzip
	out.Charset = content.Charset
	out.Metadata = content.Metadata
	return out
}

func acceptsGzip(acceptEncoding string) bool {
	for _, token := range strings.Split(acceptEncoding, ",") {
		name := strings.TrimSpace(strings.SplitN(token, ";", 2)[0])
		if strings.EqualFold(name, "gzip") {
			return true
		}
	}
	return false
}

// checkCharset accepts UTF-8-compatible request charsets only; anything
// else would be silently mis-decoded during token reversal.
func checkCharset(contentType string) error {
	if contentType == "" {
		return nil
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("unparseable content type %q", contentType)
	}
	charset := strings.ToLower(params["charset"])
	switch charset {
	case "", "utf-8", "utf8", "us-ascii", "ascii", "iso-8859-1", "latin1":
		return nil
	default:
		return fmt.Errorf("charset %q is not UTF-8 compatible", charset)
	}
}
