package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/StricklySoft/stricklysoft-authgate/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/ratelimit"
)

// Header names read or written by the HTTP adapter.
const (
	HeaderAuthorization      = "Authorization"
	HeaderRequestID          = "X-Request-ID"
	HeaderForwardedFor       = "X-Forwarded-For"
	HeaderRealIP             = "X-Real-IP"
	HeaderRetryAfter         = "Retry-After"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
)

// ---------------------------------------------------------------------------
// Pipeline construction
// ---------------------------------------------------------------------------

// Gates holds the shared stages that per-route pipelines are built from.
type Gates struct {
	Auth    *AuthGate
	Limiter ratelimit.Limiter
	Metrics *Metrics
}

// PipelineFor builds the pipeline enforcing p. It panics if p needs a stage
// the Gates cannot provide.
func (g Gates) PipelineFor(p RouteProfile) *Pipeline {
	var stages []Stage
	if p.RateLimited {
		if g.Limiter == nil {
			panic(fmt.Sprintf("gateway: route %s is rate limited but no limiter is configured", p.Path))
		}
		stages = append(stages, NewRateLimitGate(g.Limiter))
	}
	switch {
	case g.Auth != nil:
		stages = append(stages, g.Auth)
	case !p.Public:
		panic(fmt.Sprintf("gateway: route %s is protected but no auth gate is configured", p.Path))
	}
	if len(p.Roles) > 0 {
		stages = append(stages, NewRoleGate(p.RequiredRoles()))
	}
	return NewPipeline(g.Metrics, stages...)
}

// ---------------------------------------------------------------------------
// Handler options
// ---------------------------------------------------------------------------

type handlerOptions struct {
	logger     *slog.Logger
	trustProxy bool
}

// HandlerOption configures [HTTPHandler] and [Router].
type HandlerOption func(*handlerOptions)

// WithLogger sets the logger rejections are reported to. Defaults to
// [slog.Default].
func WithLogger(l *slog.Logger) HandlerOption {
	return func(o *handlerOptions) { o.logger = l }
}

// WithTrustProxyHeaders makes the client key come from X-Forwarded-For or
// X-Real-IP. Enable only behind a proxy that overwrites those headers.
func WithTrustProxyHeaders(trust bool) HandlerOption {
	return func(o *handlerOptions) { o.trustProxy = trust }
}

func newHandlerOptions(opts []HandlerOption) handlerOptions {
	o := handlerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ---------------------------------------------------------------------------
// HTTP adapter
// ---------------------------------------------------------------------------

// HTTPHandler runs p for every request before handing it to next with the
// enriched context. Rejected requests get a JSON error body and never reach
// next.
func HTTPHandler(p *Pipeline, profile RouteProfile, next http.Handler, opts ...HandlerOption) http.Handler {
	o := newHandlerOptions(opts)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, reqID)

		req := &Request{
			Profile:       profile,
			Authorization: r.Header.Get(HeaderAuthorization),
			ClientKey:     ClientKey(r, o.trustProxy),
			RequestID:     reqID,
		}

		ctx, err := p.Run(r.Context(), req)
		if d, ok := RateDecisionFromContext(ctx); ok {
			setRateHeaders(w.Header(), d)
		}
		if err != nil {
			logRejection(ctx, o.logger, req, err)
			writeRejection(w, reqID, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientKey returns the rate-limit key for r: the caller's IP address.
// Proxy headers are consulted only when trustProxy is set.
func ClientKey(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get(HeaderForwardedFor); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get(HeaderRealIP)); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ---------------------------------------------------------------------------
// Router
// ---------------------------------------------------------------------------

// Router binds handlers to paths on a gorilla/mux router, wrapping each in
// the pipeline its profile calls for. Pipelines are built when a handler is
// registered, not per request.
type Router struct {
	mux   *mux.Router
	table *ProfileTable
	gates Gates
	opts  []HandlerOption
}

// NewRouter returns a router enforcing table with gates.
func NewRouter(table *ProfileTable, gates Gates, opts ...HandlerOption) *Router {
	return &Router{
		mux:   mux.NewRouter(),
		table: table,
		gates: gates,
		opts:  opts,
	}
}

// Handle registers h for path. The path must have a profile in the table;
// registering a route without one panics, as mux does for a bad pattern.
func (rt *Router) Handle(path string, h http.Handler) *mux.Route {
	p, ok := rt.table.Lookup(path)
	if !ok {
		panic(fmt.Sprintf("gateway: no route profile for %s", path))
	}
	route := rt.mux.Handle(path, HTTPHandler(rt.gates.PipelineFor(p), p, h, rt.opts...))
	if len(p.Methods) > 0 {
		route = route.Methods(p.Methods...)
	}
	return route
}

// HandleFunc registers f for path. See [Router.Handle].
func (rt *Router) HandleFunc(path string, f func(http.ResponseWriter, *http.Request)) *mux.Route {
	return rt.Handle(path, http.HandlerFunc(f))
}

// Mux returns the underlying router, for routes that bypass the gateway
// such as health checks and metrics.
func (rt *Router) Mux() *mux.Router { return rt.mux }

// ServeHTTP implements [http.Handler].
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

// ErrorBody is the JSON body of every rejection.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// publicError maps an internal failure to what the client may see. Token
// failures all collapse into one code so that verification details are
// never revealed.
func publicError(err error) (int, ErrorBody) {
	e := sserr.FromError(err)
	switch {
	case sserr.IsAuthentication(e):
		msg := "invalid or expired credential"
		if e.Code == sserr.CodeAuthenticationMissingCredential {
			msg = "missing or malformed authorization header"
		}
		return e.HTTPStatus(), ErrorBody{Code: string(sserr.CodeAuthentication), Message: msg}
	case sserr.IsAuthorization(e):
		return e.HTTPStatus(), ErrorBody{Code: string(sserr.CodeAuthorization), Message: "insufficient role"}
	case sserr.IsRateLimited(e):
		return e.HTTPStatus(), ErrorBody{Code: string(sserr.CodeRateLimitExceeded), Message: "too many requests"}
	case sserr.IsServerError(e) && sserr.IsRetryable(e):
		return http.StatusServiceUnavailable, ErrorBody{Code: string(sserr.CodeUnavailable), Message: "service temporarily unavailable"}
	default:
		return http.StatusInternalServerError, ErrorBody{Code: string(sserr.CodeInternal), Message: "internal error"}
	}
}

func writeRejection(w http.ResponseWriter, reqID string, err error) {
	status, body := publicError(err)
	body.RequestID = reqID
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func setRateHeaders(h http.Header, d ratelimit.Decision) {
	h.Set(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(d.Remaining))
	if !d.Allowed && d.RetryAfter > 0 {
		h.Set(HeaderRetryAfter, strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
	}
}

func logRejection(ctx context.Context, logger *slog.Logger, req *Request, err error) {
	e := sserr.FromError(err)
	attrs := []any{
		"code", e.Code,
		"stage", e.Details["stage"],
		"route", req.Profile.Path,
		"request_id", req.RequestID,
		"client", req.ClientKey,
		"error", err,
	}
	if traceID, ok := auth.TraceIDFromContext(ctx); ok {
		attrs = append(attrs, "trace_id", traceID)
	}
	if kid, ok := e.Details["kid"]; ok {
		attrs = append(attrs, "kid", kid)
	}
	level := slog.LevelInfo
	if sserr.IsServerError(e) || (sserr.IsAuthentication(e) && sserr.IsRetryable(e)) {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "gateway: request rejected", attrs...)
}
