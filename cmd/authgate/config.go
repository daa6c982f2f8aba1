package main

import (
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/StricklySoft/stricklysoft-authgate/pkg/auth"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/config"
	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/janitor"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/ratelimit"
)

// envPrefix namespaces every environment variable, e.g. AUTHGATE_AUTH_ISSUER.
const envPrefix = "AUTHGATE"

// GatewayConfig is the complete process configuration.
type GatewayConfig struct {
	// Listen is the HTTP listen address.
	Listen string `json:"listen" yaml:"listen" env:"LISTEN" envDefault:":8080" flag:"listen"`

	// GRPCListen, when set, also serves gRPC health checks behind the same
	// route profiles.
	GRPCListen string `json:"grpc_listen,omitempty" yaml:"grpc_listen" env:"GRPC_LISTEN" flag:"grpc-listen"`

	// Upstream is the service requests are proxied to once admitted.
	Upstream string `json:"upstream" yaml:"upstream" env:"UPSTREAM" flag:"upstream" required:"true"`

	// Profiles is the path of the route profile YAML file.
	Profiles string `json:"profiles" yaml:"profiles" env:"PROFILES" envDefault:"profiles.yaml" flag:"profiles"`

	// TrustProxyHeaders takes the client address from X-Forwarded-For.
	TrustProxyHeaders bool `json:"trust_proxy_headers" yaml:"trust_proxy_headers" env:"TRUST_PROXY_HEADERS"`

	// ShutdownTimeout bounds the graceful drain on SIGTERM.
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	Auth      auth.ValidatorConfig  `json:"auth" yaml:"auth"`
	KeySource auth.KeySourceConfig  `json:"key_source" yaml:"key_source"`
	RateLimit ratelimit.Config      `json:"rate_limit" yaml:"rate_limit"`
	Redis     ratelimit.RedisConfig `json:"redis" yaml:"redis"`
	Janitor   janitor.Config        `json:"janitor" yaml:"janitor"`
	Logging   LoggingConfig         `json:"logging" yaml:"logging"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL" envDefault:"info"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT" envDefault:"json"`
}

// Validate implements [config.Validator].
func (c *GatewayConfig) Validate() error {
	u, err := url.Parse(c.Upstream)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return sserr.Newf(sserr.CodeInternalConfiguration, "authgate: upstream %q is not an absolute URL", c.Upstream)
	}
	if c.KeySource.KeycloakURL != "" && c.Auth.Issuer == "" {
		c.Auth.Issuer = auth.KeycloakIssuer(c.KeySource.KeycloakURL, c.KeySource.Realm)
	}
	if c.KeySource.DiscoveryIssuer == "" && c.KeySource.JWKSURL == "" && c.KeySource.KeycloakURL == "" {
		c.KeySource.DiscoveryIssuer = c.Auth.Issuer
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.KeySource.Validate(); err != nil {
		return err
	}
	return c.RateLimit.Validate()
}

// registerFlags defines the command-line flags. Flags with a matching
// flag tag on [GatewayConfig] override every other layer.
func registerFlags(fs *pflag.FlagSet) *string {
	path := fs.String("config", "", "path to a YAML or JSON config file")
	fs.String("listen", "", "HTTP listen address")
	fs.String("grpc-listen", "", "gRPC listen address (disabled when empty)")
	fs.String("upstream", "", "URL admitted requests are proxied to")
	fs.String("profiles", "", "route profile YAML file")
	return path
}

func loadConfig(fs *pflag.FlagSet, path string) (GatewayConfig, error) {
	loader := config.New().WithEnvPrefix(envPrefix).WithFlags(fs)
	if path != "" {
		loader = loader.WithRequiredFile(path)
	}
	var cfg GatewayConfig
	err := loader.Load(&cfg)
	return cfg, err
}

// newLogger builds the process logger from cfg. Unknown levels fall back
// to info; any format other than "text" logs JSON.
func newLogger(cfg LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
