package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope name for auth spans.
const tracerName = "github.com/StricklySoft/stricklysoft-authgate/pkg/auth"

// maxTokenSize is the maximum accepted size for a JWT token string (8 KB).
const maxTokenSize = 8192

// supportedAlgorithms lists the asymmetric algorithms a JWKS of RSA keys can
// verify. Symmetric algorithms are never accepted.
var supportedAlgorithms = []string{"RS256", "RS384", "RS512"}

// ---------------------------------------------------------------------------
// ValidatorConfig
// ---------------------------------------------------------------------------

// ValidatorConfig holds the process-wide token policy. It is loaded once at
// startup and not changed afterwards.
type ValidatorConfig struct {
	// Issuer is the exact "iss" value tokens must carry.
	Issuer string `json:"issuer" yaml:"issuer" env:"AUTH_ISSUER"`

	// Algorithm is the single signing algorithm the IdP uses. Tokens whose
	// header names any other algorithm are rejected before key lookup.
	// Defaults to RS256.
	Algorithm string `json:"algorithm" yaml:"algorithm" env:"AUTH_ALGORITHM" envDefault:"RS256"`

	// Audience, when set, must appear in the token's "aud" claim.
	Audience string `json:"audience,omitempty" yaml:"audience" env:"AUTH_AUDIENCE"`

	// Leeway is the clock skew tolerated on "exp" and "nbf". Defaults to
	// zero: a token is expired the instant exp passes.
	Leeway time.Duration `json:"leeway" yaml:"leeway" env:"AUTH_LEEWAY" envDefault:"0s"`

	// KeyValidity is how long a fetched key is served from the cache.
	// Defaults to 1 hour.
	KeyValidity time.Duration `json:"key_validity" yaml:"key_validity" env:"AUTH_KEY_VALIDITY" envDefault:"1h"`

	// CoalesceFetches makes concurrent misses for the same key ID share one
	// key-set fetch. Off by default, in which case every miss fetches.
	CoalesceFetches bool `json:"coalesce_fetches" yaml:"coalesce_fetches" env:"AUTH_COALESCE_FETCHES" envDefault:"false"`
}

// Validate checks the configuration and returns a *[sserr.Error] with code
// [sserr.CodeInternalConfiguration] if any field is invalid.
func (c *ValidatorConfig) Validate() error {
	if c.Issuer == "" {
		return sserr.New(sserr.CodeInternalConfiguration, "auth: issuer must not be empty")
	}
	if !slices.Contains(supportedAlgorithms, c.Algorithm) {
		return sserr.Newf(sserr.CodeInternalConfiguration, "auth: algorithm %q is not supported", c.Algorithm)
	}
	if c.Leeway < 0 {
		return sserr.New(sserr.CodeInternalConfiguration, "auth: leeway must be non-negative")
	}
	if c.KeyValidity < 0 {
		return sserr.New(sserr.CodeInternalConfiguration, "auth: key validity must be non-negative")
	}
	return nil
}

// DefaultValidatorConfig returns a configuration for the given issuer with
// every other field at its default.
func DefaultValidatorConfig(issuer string) ValidatorConfig {
	return ValidatorConfig{
		Issuer:      issuer,
		Algorithm:   "RS256",
		KeyValidity: DefaultKeyValidity,
	}
}

// ---------------------------------------------------------------------------
// Validator
// ---------------------------------------------------------------------------

// FetchObserver is told about every key-set fetch the validator performs.
// err is nil on success.
type FetchObserver func(keyCount int, err error)

// Validator turns a raw bearer token into a [ClaimSet]. Key material comes
// from a [KeyCache]; on a miss the validator fetches the whole key set from
// its [KeySource] and caches every key in it.
//
// Validator is safe for concurrent use by multiple goroutines.
type Validator struct {
	cfg      ValidatorConfig
	cache    *KeyCache
	source   KeySource
	clock    clockwork.Clock
	tracer   trace.Tracer
	logger   *slog.Logger
	observer FetchObserver
	group    *singleflight.Group
	opts     []jwt.ParserOption
}

// ValidatorOption configures a [Validator].
type ValidatorOption func(*Validator)

// WithValidatorClock sets the clock used for expiry checks.
func WithValidatorClock(c clockwork.Clock) ValidatorOption {
	return func(v *Validator) { v.clock = c }
}

// WithValidatorLogger sets the logger. Defaults to [slog.Default].
func WithValidatorLogger(l *slog.Logger) ValidatorOption {
	return func(v *Validator) { v.logger = l }
}

// WithValidatorTracerProvider sets the provider spans are created from.
// Defaults to the global provider.
func WithValidatorTracerProvider(tp trace.TracerProvider) ValidatorOption {
	return func(v *Validator) { v.tracer = tp.Tracer(tracerName) }
}

// WithFetchObserver registers a callback invoked after each key-set fetch.
func WithFetchObserver(fn FetchObserver) ValidatorOption {
	return func(v *Validator) { v.observer = fn }
}

// NewValidator returns a Validator for cfg. The cache and source are shared
// with whatever else the caller hands them to.
func NewValidator(cfg ValidatorConfig, cache *KeyCache, source KeySource, opts ...ValidatorOption) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cache == nil || source == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: validator requires a key cache and a key source")
	}

	v := &Validator{
		cfg:    cfg,
		cache:  cache,
		source: source,
		clock:  clockwork.NewRealClock(),
		tracer: otel.Tracer(tracerName),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if cfg.CoalesceFetches {
		v.group = &singleflight.Group{}
	}

	v.opts = []jwt.ParserOption{
		jwt.WithValidMethods([]string{cfg.Algorithm}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithTimeFunc(v.clock.Now),
	}
	if cfg.Audience != "" {
		v.opts = append(v.opts, jwt.WithAudience(cfg.Audience))
	}
	return v, nil
}

// Validate verifies raw and returns its claims. The checks run in a fixed
// order: header, algorithm, key lookup, signature, expiry, issuer. Every
// failure is a *[sserr.Error] whose code names the failing check.
func (v *Validator) Validate(ctx context.Context, raw string) (*ClaimSet, error) {
	ctx, span := startSpan(ctx, v.tracer, "auth.Validate")
	defer span.End()

	fail := func(err *sserr.Error) (*ClaimSet, error) {
		span.SetAttributes(attribute.String("auth.failure_code", err.Code.String()))
		finishSpan(span, err)
		return nil, err
	}

	if raw == "" {
		return fail(sserr.New(sserr.CodeAuthenticationMalformed, "auth: token must not be empty"))
	}
	if len(raw) > maxTokenSize {
		return fail(sserr.New(sserr.CodeAuthenticationMalformed, "auth: token exceeds maximum size"))
	}

	// An unknown alg still yields a decoded header, which the algorithm
	// check below rejects with a more precise code.
	unverified, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil && (unverified == nil || !errors.Is(err, jwt.ErrTokenUnverifiable)) {
		return fail(sserr.Wrap(err, sserr.CodeAuthenticationMalformed, "auth: token is malformed"))
	}

	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return fail(sserr.New(sserr.CodeAuthenticationMissingKeyID, "auth: token header has no kid"))
	}
	span.SetAttributes(attribute.String("auth.kid", kid))

	alg, _ := unverified.Header["alg"].(string)
	if alg != v.cfg.Algorithm {
		return fail(sserr.Newf(sserr.CodeAuthenticationUnsupportedAlgorithm,
			"auth: algorithm %q is not accepted", alg).WithDetail("kid", kid))
	}

	key, hit, keyErr := v.resolveKey(ctx, kid)
	span.SetAttributes(attribute.Bool("auth.cache_hit", hit))
	if keyErr != nil {
		return fail(keyErr)
	}

	// Typed claims are decoded only after the signature holds, so a forged
	// payload fails on its signature whatever its shape.
	verified, err := jwt.ParseWithClaims(raw, jwt.MapClaims{}, func(*jwt.Token) (any, error) { return key, nil }, v.opts...)
	if err != nil {
		return fail(classifyError(err).WithDetail("kid", kid))
	}
	claims, err := decodeTokenClaims(verified)
	if err != nil {
		return fail(sserr.Wrap(err, sserr.CodeAuthenticationMalformed, "auth: token claims are malformed").WithDetail("kid", kid))
	}

	if claims.Issuer != v.cfg.Issuer {
		return fail(sserr.Newf(sserr.CodeAuthenticationIssuerMismatch,
			"auth: issuer %q does not match", claims.Issuer).WithDetail("kid", kid))
	}

	cs := claims.claimSet()
	span.SetAttributes(attribute.String("auth.subject", cs.SubjectID))
	return cs, nil
}

// decodeTokenClaims decodes the payload of a verified token into its wire
// shape.
func decodeTokenClaims(tok *jwt.Token) (*tokenClaims, error) {
	parts := strings.Split(tok.Raw, ".")
	if len(parts) != 3 {
		return nil, jwt.ErrTokenMalformed
	}
	payload, err := jwt.NewParser().DecodeSegment(parts[1])
	if err != nil {
		return nil, err
	}
	claims := &tokenClaims{}
	if err := json.Unmarshal(payload, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// Refresh fetches the key set and caches every key in it. It returns the
// number of keys cached. Validate calls this on a miss; callers may also
// use it to warm the cache at startup.
func (v *Validator) Refresh(ctx context.Context) (int, error) {
	keys, err := v.refresh(ctx)
	return len(keys), err
}

// resolveKey returns the key for kid and whether it came from the cache.
func (v *Validator) resolveKey(ctx context.Context, kid string) (*rsa.PublicKey, bool, *sserr.Error) {
	if entry, ok := v.cache.Get(kid); ok {
		return entry.Material, true, nil
	}

	var (
		fetched map[string]*rsa.PublicKey
		err     error
	)
	if v.group != nil {
		// The shared fetch outlives any one caller; each caller still
		// stops waiting when its own context ends.
		shared := context.WithoutCancel(ctx)
		ch := v.group.DoChan(kid, func() (any, error) { return v.refresh(shared) })
		select {
		case res := <-ch:
			fetched, _ = res.Val.(map[string]*rsa.PublicKey)
			err = res.Err
		case <-ctx.Done():
			err = ctx.Err()
		}
	} else {
		fetched, err = v.refresh(ctx)
	}
	if err != nil {
		return nil, false, sserr.Wrap(err, sserr.CodeAuthenticationKeySourceUnavailable,
			"auth: signing keys are unavailable").WithDetail("kid", kid)
	}

	key, ok := fetched[kid]
	if !ok {
		return nil, false, sserr.Newf(sserr.CodeAuthenticationUnknownKey,
			"auth: key %q is not in the published key set", kid).WithDetail("kid", kid)
	}
	return key, false, nil
}

// refresh fetches and caches all published keys. Keys that fail to decode
// are skipped so one bad entry does not hide the rest.
func (v *Validator) refresh(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	raw, err := v.source.FetchAll(ctx)
	if v.observer != nil {
		v.observer(len(raw), err)
	}
	if err != nil {
		return nil, err
	}

	keys := make(map[string]*rsa.PublicKey, len(raw))
	for _, rk := range raw {
		pub, perr := rk.PublicKey()
		if perr != nil {
			v.logger.WarnContext(ctx, "auth: skipping undecodable key", "kid", rk.KeyID, "error", perr)
			continue
		}
		v.cache.Put(rk.KeyID, pub)
		keys[rk.KeyID] = pub
	}
	v.logger.InfoContext(ctx, "auth: signing keys refreshed", "key_count", len(keys))
	return keys, nil
}

// classifyError maps a jwt parse or validation error to a coded error.
func classifyError(err error) *sserr.Error {
	var ssError *sserr.Error
	if errors.As(err, &ssError) {
		return ssError
	}

	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return sserr.Wrap(err, sserr.CodeAuthenticationSignatureInvalid, "auth: token signature is invalid")
	case errors.Is(err, jwt.ErrTokenExpired):
		return sserr.Wrap(err, sserr.CodeAuthenticationExpired, "auth: token has expired")
	case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return sserr.Wrap(err, sserr.CodeAuthenticationMalformed, "auth: token is malformed")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return sserr.Wrap(err, sserr.CodeAuthentication, "auth: token audience is invalid")
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return sserr.Wrap(err, sserr.CodeAuthentication, "auth: token is not yet valid")
	default:
		return sserr.Wrap(err, sserr.CodeAuthentication, "auth: token validation failed")
	}
}

// ---------------------------------------------------------------------------
// Tracing helpers
// ---------------------------------------------------------------------------

func startSpan(ctx context.Context, tracer trace.Tracer, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// finishSpan records err on the span and marks it failed. No-op for nil err.
func finishSpan(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
