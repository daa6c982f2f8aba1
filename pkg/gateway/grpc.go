package gateway

import (
	"context"
	"net"
	"net/http"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// Metadata keys read by the gRPC adapter. gRPC lowercases metadata keys.
const (
	metadataAuthorization = "authorization"
	metadataRequestID     = "x-request-id"
)

// grpcPipelines resolves a full method name to its profile and pipeline.
// Methods absent from the table get an authenticated-only profile.
type grpcPipelines struct {
	byMethod map[string]*Pipeline
	profiles *ProfileTable
	fallback *Pipeline
	opts     handlerOptions
}

func newGRPCPipelines(table *ProfileTable, gates Gates, opts []HandlerOption) *grpcPipelines {
	g := &grpcPipelines{
		byMethod: make(map[string]*Pipeline, table.Len()),
		profiles: table,
		fallback: gates.PipelineFor(RouteProfile{Path: "/"}),
		opts:     newHandlerOptions(opts),
	}
	for _, p := range table.All() {
		g.byMethod[p.Path] = gates.PipelineFor(p)
	}
	return g
}

func (g *grpcPipelines) run(ctx context.Context, fullMethod string) (context.Context, error) {
	pipeline, ok := g.byMethod[fullMethod]
	profile, _ := g.profiles.Lookup(fullMethod)
	if !ok {
		pipeline = g.fallback
		profile = RouteProfile{Path: fullMethod}
	}

	md, _ := metadata.FromIncomingContext(ctx)
	req := &Request{
		Profile:       profile,
		Authorization: firstMetadata(md, metadataAuthorization),
		ClientKey:     peerKey(ctx),
		RequestID:     firstMetadata(md, metadataRequestID),
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	ctx, err := pipeline.Run(ctx, req)
	if err != nil {
		logRejection(ctx, g.opts.logger, req, err)
		return ctx, grpcStatus(err)
	}
	return ctx, nil
}

// UnaryServerInterceptor enforces table on unary calls, matching profiles
// by full method name ("/pkg.Service/Method").
func UnaryServerInterceptor(table *ProfileTable, gates Gates, opts ...HandlerOption) grpc.UnaryServerInterceptor {
	g := newGRPCPipelines(table, gates, opts)
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, err := g.run(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming counterpart of
// [UnaryServerInterceptor]. The pipeline runs once, when the stream opens.
func StreamServerInterceptor(table *ProfileTable, gates Gates, opts ...HandlerOption) grpc.StreamServerInterceptor {
	g := newGRPCPipelines(table, gates, opts)
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, err := g.run(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

// grpcStatus renders a rejection with the same generic messages the HTTP
// adapter uses.
func grpcStatus(err error) error {
	httpStatus, body := publicError(err)
	var code codes.Code
	switch httpStatus {
	case http.StatusUnauthorized:
		code = codes.Unauthenticated
	case http.StatusForbidden:
		code = codes.PermissionDenied
	case http.StatusTooManyRequests:
		code = codes.ResourceExhausted
	case http.StatusServiceUnavailable:
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, body.Message)
}

func firstMetadata(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func peerKey(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// wrappedServerStream carries the context enriched by the pipeline, since
// ServerStream.Context returns the original stream context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
