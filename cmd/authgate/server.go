package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/StricklySoft/stricklysoft-authgate/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/gateway"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/janitor"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/ratelimit"
)

// Headers set on proxied requests from verified claims. Inbound copies are
// always stripped so callers cannot forge them.
const (
	headerSubject = "X-Authgate-Subject"
	headerUserID  = "X-Authgate-User-Id"
	headerRoles   = "X-Authgate-Roles"
	headerNetwork = "X-Authgate-Network-Id"
	headerStation = "X-Authgate-Station-Id"
)

var forwardedClaimHeaders = []string{headerSubject, headerUserID, headerRoles, headerNetwork, headerStation}

// grpcHealthProfiles leaves the standard health service open.
var grpcHealthProfiles = []gateway.RouteProfile{
	{Path: "/grpc.health.v1.Health/Check", Public: true},
	{Path: "/grpc.health.v1.Health/Watch", Public: true},
}

type server struct {
	cfg     GatewayConfig
	logger  *slog.Logger
	handler http.Handler
	grpc    *grpc.Server
	janitor *janitor.Janitor
	redis   *redis.Client
}

func newServer(ctx context.Context, cfg GatewayConfig, logger *slog.Logger) (*server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := gateway.NewMetrics(reg)

	table, err := gateway.LoadProfiles(cfg.Profiles)
	if err != nil {
		return nil, err
	}

	source, err := auth.NewJWKSSource(ctx, cfg.KeySource, logger)
	if err != nil {
		return nil, err
	}
	cache := auth.NewKeyCache(cfg.Auth.KeyValidity)
	metrics.TrackKeyCache(cache)
	validator, err := auth.NewValidator(cfg.Auth, cache, source,
		auth.WithValidatorLogger(logger),
		auth.WithFetchObserver(metrics.ObserveKeyFetch),
	)
	if err != nil {
		return nil, err
	}

	s := &server{cfg: cfg, logger: logger, janitor: janitor.New(logger)}
	if err := s.janitor.AddKeyCache(cfg.Janitor.KeyCacheSchedule, cache); err != nil {
		return nil, err
	}
	limiter, err := s.newLimiter(ctx)
	if err != nil {
		return nil, err
	}

	gates := gateway.Gates{
		Auth:    gateway.NewAuthGate(validator),
		Limiter: limiter,
		Metrics: metrics,
	}
	opts := []gateway.HandlerOption{
		gateway.WithLogger(logger),
		gateway.WithTrustProxyHeaders(cfg.TrustProxyHeaders),
	}

	proxy, err := newUpstreamProxy(cfg.Upstream, logger)
	if err != nil {
		s.close()
		return nil, err
	}
	router := gateway.NewRouter(table, gates, opts...)
	router.Mux().Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.Mux().HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	for _, p := range table.All() {
		router.Handle(p.Path, proxy)
	}
	s.handler = router

	if cfg.GRPCListen != "" {
		grpcTable, err := gateway.NewProfileTable(grpcHealthProfiles...)
		if err != nil {
			s.close()
			return nil, err
		}
		s.grpc = grpc.NewServer(
			grpc.ChainUnaryInterceptor(gateway.UnaryServerInterceptor(grpcTable, gates, opts...)),
			grpc.ChainStreamInterceptor(gateway.StreamServerInterceptor(grpcTable, gates, opts...)),
		)
		healthpb.RegisterHealthServer(s.grpc, health.NewServer())
	}

	logger.InfoContext(ctx, "authgate: configured",
		"routes", table.Len(),
		"jwks_url", source.URL(),
		"issuer", cfg.Auth.Issuer,
		"shared_limiter", s.redis != nil,
	)
	return s, nil
}

// newLimiter returns the Redis-backed limiter when Redis is configured and
// the in-process one otherwise. Only the in-process limiter needs sweeping.
func (s *server) newLimiter(ctx context.Context) (ratelimit.Limiter, error) {
	if s.cfg.Redis.Enabled() {
		rdb, err := ratelimit.NewRedisClient(ctx, s.cfg.Redis)
		if err != nil {
			return nil, err
		}
		s.redis = rdb
		rw, err := ratelimit.NewRedisWindow(rdb, s.cfg.RateLimit, s.cfg.Redis, ratelimit.WithRedisLogger(s.logger))
		if err != nil {
			s.close()
			return nil, err
		}
		return rw, nil
	}

	sw, err := ratelimit.NewSlidingWindow(s.cfg.RateLimit)
	if err != nil {
		return nil, err
	}
	if err := s.janitor.AddLimiter(s.cfg.Janitor.LimiterSchedule, sw); err != nil {
		return nil, err
	}
	return sw, nil
}

// run serves until ctx is canceled or a listener fails, then drains.
func (s *server) run(ctx context.Context) error {
	defer s.close()

	httpLis, grpcLis, err := s.listen()
	if err != nil {
		return err
	}
	if err := s.janitor.Start(ctx); err != nil {
		closeListeners(httpLis, grpcLis)
		return err
	}

	httpSrv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelError),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.InfoContext(gctx, "authgate: serving HTTP", "addr", httpLis.Addr().String())
		if err := httpSrv.Serve(httpLis); !errors.Is(err, http.ErrServerClosed) {
			return sserr.Wrap(err, sserr.CodeInternal, "authgate: HTTP server failed")
		}
		return nil
	})
	if grpcLis != nil {
		g.Go(func() error {
			s.logger.InfoContext(gctx, "authgate: serving gRPC", "addr", grpcLis.Addr().String())
			return s.grpc.Serve(grpcLis)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("authgate: shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if s.grpc != nil {
			s.grpc.GracefulStop()
		}
		err := httpSrv.Shutdown(shutdownCtx)
		return errors.Join(err, s.janitor.Stop(shutdownCtx))
	})
	return g.Wait()
}

// listen binds every configured address before anything starts serving, so
// a bad gRPC address cannot leave the HTTP listener running unattended.
func (s *server) listen() (httpLis, grpcLis net.Listener, err error) {
	httpLis, err = net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return nil, nil, sserr.Wrapf(err, sserr.CodeInternal, "authgate: failed to listen on %s", s.cfg.Listen)
	}
	if s.grpc == nil {
		return httpLis, nil, nil
	}
	grpcLis, err = net.Listen("tcp", s.cfg.GRPCListen)
	if err != nil {
		_ = httpLis.Close()
		return nil, nil, sserr.Wrapf(err, sserr.CodeInternal, "authgate: failed to listen on %s", s.cfg.GRPCListen)
	}
	return httpLis, grpcLis, nil
}

func closeListeners(ls ...net.Listener) {
	for _, l := range ls {
		if l != nil {
			_ = l.Close()
		}
	}
}

func (s *server) close() {
	if s.redis != nil {
		_ = s.redis.Close()
		s.redis = nil
	}
}

// newUpstreamProxy forwards admitted requests to rawURL, passing the
// caller's verified identity in X-Authgate-* headers.
func newUpstreamProxy(rawURL string, logger *slog.Logger) (http.Handler, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, sserr.Wrapf(err, sserr.CodeInternalConfiguration, "authgate: invalid upstream %q", rawURL)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorLog = slog.NewLogLogger(logger.Handler(), slog.LevelError)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, h := range forwardedClaimHeaders {
			r.Header.Del(h)
		}
		if c, ok := auth.ClaimsFromContext(r.Context()); ok {
			r.Header.Set(headerSubject, c.SubjectID)
			r.Header.Set(headerRoles, joinRoles(c.Roles))
			if c.InternalUserID != "" {
				r.Header.Set(headerUserID, c.InternalUserID)
			}
			if c.Tenant.HasNetwork() {
				r.Header.Set(headerNetwork, c.Tenant.NetworkID)
			}
			if c.Tenant.HasStation() {
				r.Header.Set(headerStation, c.Tenant.StationID)
			}
		}
		proxy.ServeHTTP(w, r)
	}), nil
}

func joinRoles(roles auth.RoleSet) string {
	sorted := roles.Sorted()
	names := make([]string, len(sorted))
	for i, r := range sorted {
		names[i] = r.String()
	}
	return strings.Join(names, ",")
}
