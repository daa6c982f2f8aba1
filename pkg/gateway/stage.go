// Package gateway composes authentication, role authorization, and rate
// limiting into per-route pipelines and adapts them to HTTP and gRPC.
//
// Each route has a [RouteProfile] loaded at startup. From it a [Pipeline]
// of stages is built once:
//
//	RateLimitGate (rate-limited routes) -> AuthGate -> RoleGate (routes with roles)
//
// A stage either lets the request continue, possibly enriching its context,
// or stops it with a coded error from pkg/errors. Adapters turn that error
// into a transport response with a generic message; the precise code is
// only logged.
package gateway

import (
	"context"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

// Request is the transport-neutral view of an inbound request.
type Request struct {
	// Profile is the security profile of the matched route.
	Profile RouteProfile

	// Authorization is the raw Authorization header or metadata value.
	Authorization string

	// ClientKey identifies the caller for rate limiting, usually its IP.
	ClientKey string

	// RequestID correlates log lines for this request.
	RequestID string
}

// Stage is one step of a [Pipeline]. Apply returns a nil error to continue.
// The returned context is used for the rest of the request either way, so a
// stage can attach information for the adapter even when it rejects.
type Stage interface {
	Name() string
	Apply(ctx context.Context, req *Request) (context.Context, error)
}

// Pipeline runs stages in order and stops at the first error.
// A Pipeline is immutable and safe for concurrent use.
type Pipeline struct {
	stages  []Stage
	metrics *Metrics
}

// NewPipeline returns a pipeline running stages in the given order.
// metrics may be nil.
func NewPipeline(metrics *Metrics, stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages, metrics: metrics}
}

// Run applies every stage to req. On rejection the error is an
// *[sserr.Error] carrying a "stage" detail naming the stage that stopped
// the request.
func (p *Pipeline) Run(ctx context.Context, req *Request) (context.Context, error) {
	for _, s := range p.stages {
		next, err := s.Apply(ctx, req)
		if next != nil {
			ctx = next
		}
		p.metrics.observeDecision(s.Name(), err)
		if err != nil {
			return ctx, sserr.FromError(err).WithDetail("stage", s.Name())
		}
	}
	return ctx, nil
}

// StageNames returns the names of the stages in run order.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}
