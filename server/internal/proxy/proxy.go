package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhaobenny/tokentracker/internal/model"
	"github.com/zhaobenny/tokentracker/internal/parser"
	"github.com/zhaobenny/tokentracker/internal/pricing"
	"github.com/zhaobenny/tokentracker/server/internal/auth"
	"github.com/zhaobenny/tokentracker/server/internal/metrics"
)

const (
	unknownModel = "unknown"
	relayBufSize = 32 << 10
	// Request bodies larger than this are forwarded but not inspected for a model name.
	maxModelProbe = 1 << 20
)

// Hop-by-hop headers are meaningful only for a single connection and are
// never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Recorder accepts finished usage records.
type Recorder interface {
	Submit(rec *model.UsageRecord) bool
}

// Options configures a Proxy.
type Options struct {
	Upstream              *url.URL
	Provider              string
	CallerHeader          string
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	// ReadTimeout bounds the silence between two reads of the upstream body.
	// Zero disables it.
	ReadTimeout time.Duration
	Vocabulary  parser.Vocabulary
	Pricing               *pricing.Table
	// Transport overrides the upstream transport built from the timeouts.
	Transport http.RoundTripper
}

// Proxy relays requests to the upstream API and records the usage of every
// exchange exactly once.
type Proxy struct {
	upstream     *url.URL
	provider     string
	callerHeader string
	readTimeout  time.Duration
	vocab        parser.Vocabulary
	pricing      *pricing.Table
	transport    http.RoundTripper
	recorder     Recorder
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

// New creates a Proxy. m may be nil.
func New(opts Options, rec Recorder, logger *zap.Logger, m *metrics.Metrics) *Proxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := opts.Transport
	if transport == nil {
		transport = NewTransport(opts.DialTimeout, opts.ResponseHeaderTimeout)
	}
	table := opts.Pricing
	if table == nil {
		table = pricing.Default()
	}
	return &Proxy{
		upstream:     opts.Upstream,
		provider:     opts.Provider,
		callerHeader: opts.CallerHeader,
		readTimeout:  opts.ReadTimeout,
		vocab:        opts.Vocabulary,
		pricing:      table,
		transport:    transport,
		recorder:     rec,
		logger:       logger,
		metrics:      m,
	}
}

// NewTransport returns the upstream transport. There is no overall timeout
// because event streams may legitimately run for many minutes.
func NewTransport(dialTimeout, responseHeaderTimeout time.Duration) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   dialTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
		// Accept-Encoding stays whatever the caller sent.
		DisableCompression: true,
	}
}

// exchange is the per-request state shared with the deferred finalizer.
type exchange struct {
	id           string
	start        time.Time
	method       string
	rec          *model.UsageRecord
	acc          *parser.Accumulator
	tap          *tap
	requestModel string
	diags        []string
}

func (ex *exchange) fail(msg string) {
	ex.diags = append(ex.diags, msg)
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ex := &exchange{
		id:     uuid.NewString(),
		start:  time.Now(),
		method: r.Method,
		rec: &model.UsageRecord{
			Provider:   p.provider,
			Endpoint:   r.URL.Path,
			Caller:     r.Header.Get(p.callerHeader),
			APIKeyHint: auth.HintFromRequest(r),
		},
		acc: parser.NewAccumulator(p.vocab),
	}
	p.metrics.RequestStarted()
	defer p.finish(ex)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		if r.Context().Err() != nil {
			ex.rec.StatusCode = StatusClientClosedRequest
			ex.fail("client disconnected before upstream response")
			return
		}
		ex.rec.StatusCode = http.StatusBadRequest
		ex.fail("read request body: " + err.Error())
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	ex.requestModel = modelFromRequest(body)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	resp, err := p.transport.RoundTrip(p.outboundRequest(ctx, r, body))
	if err != nil {
		if r.Context().Err() != nil {
			ex.rec.StatusCode = StatusClientClosedRequest
			ex.fail("client disconnected before upstream response")
			return
		}
		status, failure := classify(err)
		reason := "unreachable"
		if errors.Is(failure, ErrUpstreamTimeout) {
			reason = "timeout"
		}
		p.metrics.UpstreamFailed(reason)
		p.logger.Warn("Upstream request failed",
			zap.String("proxy_request_id", ex.id),
			zap.String("endpoint", ex.rec.Endpoint),
			zap.Error(failure),
		)
		ex.rec.StatusCode = status
		ex.fail(failure.Error())
		writeError(w, status, failure.Error())
		return
	}
	defer resp.Body.Close()

	if aborted := p.relay(w, r, resp, ex, cancel); aborted {
		// The caller must see the truncation rather than a cleanly ended body.
		panic(http.ErrAbortHandler)
	}
}

// relay copies the upstream response to the caller while the tap observes it.
// It reports whether the upstream body failed while the caller was still there.
func (p *Proxy) relay(w http.ResponseWriter, r *http.Request, resp *http.Response, ex *exchange, cancel context.CancelFunc) bool {
	ex.rec.StatusCode = resp.StatusCode
	ex.rec.RequestID = firstNonEmpty(resp.Header.Get("Request-Id"), resp.Header.Get("X-Request-Id"))

	contentType := resp.Header.Get("Content-Type")
	ex.acc.Begin(resp.StatusCode, contentType)
	ex.tap = newTap(ex.acc, resp.Header.Get("Content-Encoding"))

	removeHopHeaders(resp.Header)
	copyHeader(w.Header(), resp.Header)

	announcedTrailers := len(resp.Trailer)
	if announcedTrailers > 0 {
		keys := make([]string, 0, announcedTrailers)
		for k := range resp.Trailer {
			keys = append(keys, k)
		}
		w.Header().Add("Trailer", strings.Join(keys, ", "))
	}

	w.WriteHeader(resp.StatusCode)

	rc := http.NewResponseController(w)
	flush := parser.ShapeOf(contentType) == parser.ShapeEventStream || resp.ContentLength < 0
	if flush {
		rc.Flush()
	}

	// The idle timer only runs while waiting on the upstream, so a slow caller
	// does not count against it.
	var (
		idle    *time.Timer
		stalled atomic.Bool
	)
	if p.readTimeout > 0 {
		idle = time.AfterFunc(p.readTimeout, func() {
			stalled.Store(true)
			cancel()
		})
		defer idle.Stop()
	}

	buf := make([]byte, relayBufSize)
	for {
		if idle != nil {
			idle.Reset(p.readTimeout)
		}
		n, readErr := resp.Body.Read(buf)
		if idle != nil {
			idle.Stop()
		}
		if n > 0 {
			_, writeErr := w.Write(buf[:n])
			if writeErr == nil && flush {
				rc.Flush()
			}
			ex.tap.Write(buf[:n])
			if writeErr != nil {
				ex.fail("client disconnected")
				cancel()
				return false
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if stalled.Load() {
				ex.fail(fmt.Sprintf("%v: no data for %s", ErrUpstreamTimeout, p.readTimeout))
				return true
			}
			if r.Context().Err() != nil {
				ex.fail("client disconnected")
				return false
			}
			ex.fail("upstream read error: " + readErr.Error())
			return true
		}
	}

	if len(resp.Trailer) == announcedTrailers {
		copyHeader(w.Header(), resp.Trailer)
		return false
	}
	for k, vv := range resp.Trailer {
		k = http.TrailerPrefix + k
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	return false
}

// finish derives the usage record and submits it. It runs exactly once per
// request, whatever path the exchange took.
func (p *Proxy) finish(ex *exchange) {
	ex.tap.close()
	for _, d := range ex.diags {
		ex.acc.Annotate("%s", d)
	}
	res := ex.acc.Finish()

	rec := ex.rec
	rec.Timestamp = time.Now().UTC()
	rec.Usage = res.Usage
	rec.StopReason = res.StopReason
	rec.Model = firstNonEmpty(res.Model, ex.requestModel, unknownModel)
	if rec.RequestID == "" {
		rec.RequestID = res.MessageID
	}
	rec.Error = res.Err
	rec.CostUSD = p.pricing.Cost(rec.Model, rec.Usage)

	elapsed := time.Since(ex.start)
	if p.recorder == nil || !p.recorder.Submit(rec) {
		p.logger.Warn("Usage record not accepted, writer closed",
			zap.String("proxy_request_id", ex.id),
		)
	}
	p.metrics.RequestFinished(rec, elapsed)

	fields := []zap.Field{
		zap.String("proxy_request_id", ex.id),
		zap.String("method", ex.method),
		zap.String("endpoint", rec.Endpoint),
		zap.Int("status", rec.StatusCode),
		zap.String("model", rec.Model),
		zap.Int64("input_tokens", rec.Usage.InputTokens),
		zap.Int64("output_tokens", rec.Usage.OutputTokens),
		zap.Int64("cache_creation_input_tokens", rec.Usage.CacheCreationInputTokens),
		zap.Int64("cache_read_input_tokens", rec.Usage.CacheReadInputTokens),
		zap.Float64("cost_usd", rec.CostUSD),
		zap.Duration("duration", elapsed),
	}
	if rec.Caller != "" {
		fields = append(fields, zap.String("caller", rec.Caller))
	}
	if rec.APIKeyHint != "" {
		fields = append(fields, zap.String("api_key_hint", rec.APIKeyHint))
	}
	if rec.Error != "" {
		fields = append(fields, zap.String("error", rec.Error))
	}
	p.logger.Info("Proxied request", fields...)
}

// outboundRequest builds the upstream request: same method, path, query and
// body, end-to-end headers only, Host set to the upstream.
func (p *Proxy) outboundRequest(ctx context.Context, r *http.Request, body []byte) *http.Request {
	out := r.Clone(ctx)
	out.URL = p.targetURL(r.URL)
	out.Host = p.upstream.Host
	out.RequestURI = ""
	out.Close = false
	out.TransferEncoding = nil

	out.ContentLength = int64(len(body))
	if len(body) == 0 {
		out.Body = http.NoBody
		out.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
	} else {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}

	removeHopHeaders(out.Header)
	out.Header.Del(p.callerHeader)
	if _, ok := out.Header["User-Agent"]; !ok {
		// An empty value stops net/http from adding its own.
		out.Header.Set("User-Agent", "")
	}
	return out
}

func (p *Proxy) targetURL(in *url.URL) *url.URL {
	u := *p.upstream
	u.Path = joinPath(p.upstream.Path, in.Path)
	if p.upstream.RawPath != "" || in.RawPath != "" {
		u.RawPath = joinPath(p.upstream.EscapedPath(), in.EscapedPath())
	} else {
		u.RawPath = ""
	}
	u.RawQuery = in.RawQuery
	u.Fragment = ""
	return &u
}

func joinPath(base, path string) string {
	switch {
	case base == "" || base == "/":
		if path == "" {
			return "/"
		}
		return path
	case strings.HasSuffix(base, "/") && strings.HasPrefix(path, "/"):
		return base + path[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(path, "/"):
		return base + "/" + path
	}
	return base + path
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, sf := range strings.Split(f, ",") {
			if sf = textproto.TrimString(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// modelFromRequest returns the top-level "model" of a JSON request body.
func modelFromRequest(body []byte) string {
	if len(body) == 0 || len(body) > maxModelProbe {
		return ""
	}
	var req struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return ""
	}
	return strings.TrimSpace(req.Model)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
