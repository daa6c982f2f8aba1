package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

// ---------------------------------------------------------------------------
// HTTPClient interface
// ---------------------------------------------------------------------------

// HTTPClient abstracts the HTTP client used for fetching key sets. The
// standard [http.Client] satisfies this interface.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// maxKeySetSize caps how much of a key-set response is read.
const maxKeySetSize = 1 << 20

// ---------------------------------------------------------------------------
// RawKey and KeySource
// ---------------------------------------------------------------------------

// RawKey is one RSA signing key as published by the IdP, still in its
// base64url wire encoding.
type RawKey struct {
	KeyID     string
	Algorithm string
	Modulus   string
	Exponent  string
}

// PublicKey decodes the modulus and exponent into an RSA public key.
func (k RawKey) PublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.Modulus)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to decode RSA modulus for %q: %w", k.KeyID, err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.Exponent)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to decode RSA exponent for %q: %w", k.KeyID, err)
	}
	if len(nBytes) == 0 || len(eBytes) == 0 || len(eBytes) > 4 {
		return nil, fmt.Errorf("auth: RSA key %q has invalid modulus or exponent length", k.KeyID)
	}

	e := new(big.Int).SetBytes(eBytes)
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e.Int64()),
	}, nil
}

// KeySource retrieves the IdP's currently published signing keys.
//
// Errors are returned as *[sserr.Error]; the validator reports any of them
// to callers as an unavailable key source.
type KeySource interface {
	FetchAll(ctx context.Context) ([]RawKey, error)
}

// ---------------------------------------------------------------------------
// KeySourceConfig
// ---------------------------------------------------------------------------

// KeySourceConfig tells [NewJWKSSource] where the key set lives. Exactly one
// way of locating it is used, in this order: JWKSURL, KeycloakURL+Realm,
// then OIDC discovery against DiscoveryIssuer.
type KeySourceConfig struct {
	// JWKSURL is the key-set endpoint, used as is.
	JWKSURL string `json:"jwks_url,omitempty" yaml:"jwks_url" env:"AUTH_JWKS_URL"`

	// KeycloakURL and Realm derive the Keycloak certs endpoint.
	KeycloakURL string `json:"keycloak_url,omitempty" yaml:"keycloak_url" env:"AUTH_KEYCLOAK_URL"`
	Realm       string `json:"realm,omitempty" yaml:"realm" env:"AUTH_KEYCLOAK_REALM"`

	// DiscoveryIssuer enables OIDC discovery of jwks_uri from
	// {issuer}/.well-known/openid-configuration.
	DiscoveryIssuer string `json:"discovery_issuer,omitempty" yaml:"discovery_issuer" env:"AUTH_DISCOVERY_ISSUER"`

	// FetchTimeout bounds every network call made by the source.
	// Defaults to 5 seconds.
	FetchTimeout time.Duration `json:"fetch_timeout" yaml:"fetch_timeout" env:"AUTH_FETCH_TIMEOUT" envDefault:"5s"`

	// HTTPClient overrides the client used for fetches. If nil, an
	// [http.Client] with FetchTimeout is used.
	HTTPClient HTTPClient `json:"-" yaml:"-"`
}

// Validate checks that a key-set location is configured.
func (c *KeySourceConfig) Validate() error {
	if c.JWKSURL == "" && c.DiscoveryIssuer == "" && (c.KeycloakURL == "" || c.Realm == "") {
		return sserr.New(sserr.CodeInternalConfiguration,
			"auth: one of jwks_url, keycloak_url with realm, or discovery_issuer is required")
	}
	if c.FetchTimeout <= 0 {
		return sserr.New(sserr.CodeInternalConfiguration, "auth: fetch timeout must be positive")
	}
	return nil
}

// KeycloakCertsURL returns the key-set endpoint of a Keycloak realm.
func KeycloakCertsURL(baseURL, realm string) string {
	return KeycloakIssuer(baseURL, realm) + "/protocol/openid-connect/certs"
}

// KeycloakIssuer returns the "iss" value Keycloak puts in tokens of a realm.
func KeycloakIssuer(baseURL, realm string) string {
	return strings.TrimRight(baseURL, "/") + "/realms/" + realm
}

// DiscoverJWKSURL reads the issuer's OpenID configuration and returns its
// jwks_uri. The discovery document must name the same issuer.
func DiscoverJWKSURL(ctx context.Context, issuer string, client *http.Client) (string, error) {
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return "", sserr.Wrapf(err, sserr.CodeUnavailableDependency, "auth: OIDC discovery for %s failed", issuer)
	}

	var meta struct {
		JWKSURL string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return "", sserr.Wrap(err, sserr.CodeUnavailableDependency, "auth: failed to decode discovery document")
	}
	if meta.JWKSURL == "" {
		return "", sserr.Newf(sserr.CodeUnavailableDependency, "auth: discovery document for %s has no jwks_uri", issuer)
	}
	return meta.JWKSURL, nil
}

// ---------------------------------------------------------------------------
// JWKSSource
// ---------------------------------------------------------------------------

// JWKSSource fetches a JSON Web Key Set over HTTP. Only RSA keys with a key
// ID are returned; other entries are skipped.
type JWKSSource struct {
	url     string
	client  HTTPClient
	timeout time.Duration
	tracer  trace.Tracer
	logger  *slog.Logger
}

// Compile-time assertion that JWKSSource implements KeySource.
var _ KeySource = (*JWKSSource)(nil)

// NewJWKSSource resolves the key-set URL from cfg and returns a source for
// it. Discovery, when configured, happens here, once.
func NewJWKSSource(ctx context.Context, cfg KeySourceConfig, logger *slog.Logger) (*JWKSSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.FetchTimeout}
	}

	url := cfg.JWKSURL
	switch {
	case url != "":
	case cfg.KeycloakURL != "" && cfg.Realm != "":
		url = KeycloakCertsURL(cfg.KeycloakURL, cfg.Realm)
	default:
		hc, _ := client.(*http.Client)
		dctx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
		defer cancel()
		discovered, err := DiscoverJWKSURL(dctx, cfg.DiscoveryIssuer, hc)
		if err != nil {
			return nil, err
		}
		url = discovered
	}

	logger.Info("auth: key source configured", "jwks_url", url)
	return &JWKSSource{
		url:     url,
		client:  client,
		timeout: cfg.FetchTimeout,
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
	}, nil
}

// URL returns the key-set endpoint this source reads.
func (s *JWKSSource) URL() string { return s.url }

// jwksResponse represents the JSON structure of a JWKS endpoint response.
type jwksResponse struct {
	Keys []jwkKey `json:"keys"`
}

type jwkKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// FetchAll performs one GET against the key-set endpoint. Timeouts, non-200
// responses, and undecodable bodies are all errors.
func (s *JWKSSource) FetchAll(ctx context.Context) ([]RawKey, error) {
	ctx, span := startSpan(ctx, s.tracer, "auth.FetchKeys")
	defer span.End()

	keys, err := s.fetch(ctx)
	if err != nil {
		finishSpan(span, err)
		s.logger.WarnContext(ctx, "auth: key set fetch failed", "jwks_url", s.url, "error", err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("auth.key_count", len(keys)))
	s.logger.DebugContext(ctx, "auth: key set fetched", "jwks_url", s.url, "key_count", len(keys))
	return keys, nil
}

func (s *JWKSSource) fetch(ctx context.Context) ([]RawKey, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "auth: failed to create key set request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, sserr.Wrap(err, sserr.CodeTimeoutDependency, "auth: key set request timed out")
		}
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "auth: key set request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, sserr.Newf(sserr.CodeUnavailableDependency, "auth: key set endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetSize))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, sserr.Wrap(err, sserr.CodeTimeoutDependency, "auth: key set read timed out")
		}
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "auth: failed to read key set")
	}

	var jwks jwksResponse
	if err := json.Unmarshal(body, &jwks); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "auth: key set is not valid JSON")
	}

	keys := make([]RawKey, 0, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kid == "" || k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		keys = append(keys, RawKey{
			KeyID:     k.Kid,
			Algorithm: k.Alg,
			Modulus:   k.N,
			Exponent:  k.E,
		})
	}
	return keys, nil
}
