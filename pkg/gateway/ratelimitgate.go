package gateway

import (
	"context"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/ratelimit"
)

type decisionKey struct{}

// RateDecisionFromContext returns the limiter decision made for this
// request, if the route is rate limited.
func RateDecisionFromContext(ctx context.Context) (ratelimit.Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(ratelimit.Decision)
	return d, ok
}

// RateLimitGate throttles requests per client key. It runs first on the
// routes that use it so that rejected traffic never reaches token
// validation or the IdP.
type RateLimitGate struct {
	limiter ratelimit.Limiter
}

// NewRateLimitGate returns a gate backed by limiter.
func NewRateLimitGate(limiter ratelimit.Limiter) *RateLimitGate {
	return &RateLimitGate{limiter: limiter}
}

// Name implements [Stage].
func (g *RateLimitGate) Name() string { return "ratelimit" }

// Apply implements [Stage].
func (g *RateLimitGate) Apply(ctx context.Context, req *Request) (context.Context, error) {
	d, err := g.limiter.Take(ctx, req.ClientKey)
	ctx = context.WithValue(ctx, decisionKey{}, d)
	if err != nil {
		return ctx, err
	}
	if !d.Allowed {
		return ctx, sserr.New(sserr.CodeRateLimitExceeded, "gateway: rate limit exceeded").
			WithDetail("client", req.ClientKey).
			WithDetail("retry_after", d.RetryAfter.String())
	}
	return ctx, nil
}
