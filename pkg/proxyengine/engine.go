// Package proxyengine orchestrates the request data path spec.md §4.6
// describes: authenticate, authorize, classify, rate-limit, dispatch to
// upstream, commit a transparency-log entry, bill on success, and
// watermark the response.
package proxyengine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gaasio/transparegate/internal/store"
	"github.com/gaasio/transparegate/internal/telemetry"
	"github.com/gaasio/transparegate/pkg/botclassifier"
	"github.com/gaasio/transparegate/pkg/gwerror"
	"github.com/gaasio/transparegate/pkg/keydirectory"
	"github.com/gaasio/transparegate/pkg/limiter"
	"github.com/gaasio/transparegate/pkg/transparency"
	"github.com/gaasio/transparegate/pkg/watermark"
)

// upstreamTimeout is the overall dispatch deadline spec.md §4.6 step 8 sets.
const upstreamTimeout = 30 * time.Second

// connectTimeout bounds the TCP handshake within upstreamTimeout.
const connectTimeout = 10 * time.Second

// excludedForwardHeaders are stripped from the request before it is
// forwarded upstream, per spec.md §4.6 step 7.
var excludedForwardHeaders = map[string]bool{
	"Host":              true,
	"Content-Length":    true,
	"X-Api-Key":         true,
	"Connection":        true,
	"Transfer-Encoding": true,
}

// Engine wires KeyDirectory, Limiter, BotClassifier, TransparencyLog, and
// Watermarker into the single request pipeline spec.md §4.6 defines.
type Engine struct {
	store   store.Store
	keyDir  *keydirectory.KeyDirectory
	limiter *limiter.Limiter
	bot     *botclassifier.Classifier
	txlog   *transparency.Log
	client  *http.Client
	logger  *slog.Logger
}

// New creates an Engine. The upstream HTTP client enforces the connect and
// overall deadlines spec.md §4.6 step 8 mandates.
func New(s store.Store, keyDir *keydirectory.KeyDirectory, lim *limiter.Limiter, bot *botclassifier.Classifier, txlog *transparency.Log, logger *slog.Logger) *Engine {
	return &Engine{
		store:   s,
		keyDir:  keyDir,
		limiter: lim,
		bot:     bot,
		txlog:   txlog,
		logger:  logger,
		client: &http.Client{
			Timeout: upstreamTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
	}
}

// Routes mounts the data-plane surface on a fresh chi.Router: {GET, POST,
// PUT, DELETE} /{service_id}[/{path...}].
func (e *Engine) Routes() chi.Router {
	r := chi.NewRouter()
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete} {
		r.MethodFunc(method, "/{service_id}", e.ServeHTTP)
		r.MethodFunc(method, "/{service_id}/*", e.ServeHTTP)
	}
	return r
}

// ServeHTTP implements the full pipeline: resolve service, authenticate,
// authorize, classify, rate-limit, dispatch, commit, bill, watermark.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	serviceID, err := strconv.ParseInt(chi.URLParam(r, "service_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown service")
		return
	}

	svc, err := e.store.GetService(ctx, serviceID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "unknown service")
		return
	}
	if err != nil {
		e.logger.Error("resolving service", "error", err, "service_id", serviceID)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to resolve service")
		return
	}

	key, _, authErr := e.keyDir.Authorize(ctx, r.Header.Get("X-API-Key"), serviceID)
	switch {
	case errors.Is(authErr, gwerror.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid API key")
		return
	case errors.Is(authErr, gwerror.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "api key is not scoped to this service")
		return
	case authErr != nil:
		e.logger.Error("resolving api key", "error", authErr)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to resolve api key")
		return
	}

	requestPath := r.URL.Path
	status, body, header := e.dispatch(ctx, svc, key, r)

	e.txlog.Commit(ctx, svc.ID, key.ID, requestPath, status)

	if status >= 200 && status < 300 {
		if err := e.store.RecordSuccessAndBill(ctx, svc.ID, key.ID, key.Secret, key.PricePerRequest); err != nil {
			e.logger.Error("recording usage and billing", "error", err, "service_id", svc.ID, "api_key_id", key.ID)
		}
	}

	if svc.WatermarkingEnabled {
		body, header = e.injectWatermark(svc, key, body, header)
	}

	telemetry.ProxyRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	writeResponse(w, status, body, header)
}

// dispatch runs classification, rate limiting, and the upstream call, and
// always returns a (status, body, header) triple — never an error — since
// every outcome here must still be committed to the transparency log.
func (e *Engine) dispatch(ctx context.Context, svc store.Service, key store.ApiKey, r *http.Request) (int, []byte, http.Header) {
	result := e.bot.Classify(ctx, svc, key.Secret, r.Header)
	telemetry.BotClassificationsTotal.WithLabelValues(string(result.Classification), string(result.Action)).Inc()
	if result.Action == store.ActionBlocked {
		return http.StatusForbidden, errorBody("forbidden", "request classified as bot traffic and blocked"), jsonHeader()
	}

	if !e.limiter.TakeForKey(key.Secret, key.RateLimitRequests, key.RateLimitWindowSeconds) {
		telemetry.RateLimitDeniedTotal.WithLabelValues(strconv.FormatInt(svc.ID, 10)).Inc()
		return http.StatusTooManyRequests, errorBody("rate_limited", "rate limit exceeded"), jsonHeader()
	}

	upstreamURL, err := buildUpstreamURL(svc.TargetURL, chi.URLParam(r, "*"), r.URL.RawQuery)
	if err != nil {
		return http.StatusInternalServerError, errorBody("upstream_misconfigured", "service target URL is invalid"), jsonHeader()
	}

	start := time.Now()
	status, body, header, err := e.forward(ctx, r, upstreamURL)
	telemetry.ProxyUpstreamDuration.WithLabelValues(strconv.FormatInt(svc.ID, 10)).Observe(time.Since(start).Seconds())
	if err != nil {
		return e.mapUpstreamError(err)
	}
	return status, body, header
}

func (e *Engine) mapUpstreamError(err error) (int, []byte, http.Header) {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, errorBody("upstream_timeout", "upstream did not respond in time"), jsonHeader()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout, errorBody("upstream_timeout", "upstream did not respond in time"), jsonHeader()
	}
	return http.StatusBadGateway, errorBody("upstream_unreachable", "upstream service is unreachable"), jsonHeader()
}

// forward builds and sends the outbound request, bounded by upstreamTimeout.
func (e *Engine) forward(ctx context.Context, r *http.Request, upstreamURL string) (int, []byte, http.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, r.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	copyForwardHeaders(req.Header, r.Header)

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}

	header := resp.Header.Clone()
	header.Del("Content-Length")
	header.Del("Connection")
	header.Del("Transfer-Encoding")
	header.Del("Content-Encoding")

	return resp.StatusCode, respBody, header, nil
}

func (e *Engine) injectWatermark(svc store.Service, key store.ApiKey, body []byte, header http.Header) ([]byte, http.Header) {
	wm := watermark.Encode(watermark.Token{
		ServiceID: svc.ID,
		ApiKeyID:  key.ID,
		RequestID: newRequestID(),
		Timestamp: time.Now().UTC(),
	})

	injected, err := watermark.Inject(body, header.Get("Content-Type"), "", wm)
	if err != nil {
		e.logger.Error("injecting watermark", "error", err, "service_id", svc.ID)
		return body, header
	}

	kind := "binary"
	switch {
	case strings.Contains(strings.ToLower(header.Get("Content-Type")), "json"):
		kind = "json"
	case strings.Contains(strings.ToLower(header.Get("Content-Type")), "html"):
		kind = "html"
	case strings.HasPrefix(strings.ToLower(header.Get("Content-Type")), "text/"):
		kind = "text"
	}
	telemetry.WatermarkInjectionsTotal.WithLabelValues(kind).Inc()

	return injected, header
}

func buildUpstreamURL(targetURL, suffix, rawQuery string) (string, error) {
	parsed, err := url.Parse(targetURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", gwerror.ErrUpstreamMisconfigured
	}

	base := strings.TrimSuffix(targetURL, "/")
	path := strings.TrimPrefix(suffix, "/")

	full := base
	if path != "" {
		full = base + "/" + path
	}
	if rawQuery != "" {
		full += "?" + rawQuery
	}
	return full, nil
}

func copyForwardHeaders(dst, src http.Header) {
	for k, vv := range src {
		if excludedForwardHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func newRequestID() string {
	return uuid.New().String()
}

func errorBody(code, message string) []byte {
	out, _ := json.Marshal(map[string]string{"error": code, "message": message})
	return out
}

func jsonHeader() http.Header {
	return http.Header{"Content-Type": []string{"application/json"}}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeResponse(w, status, errorBody(code, message), jsonHeader())
}

func writeResponse(w http.ResponseWriter, status int, body []byte, header http.Header) {
	dst := w.Header()
	for k, vv := range header {
		dst[k] = vv
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
