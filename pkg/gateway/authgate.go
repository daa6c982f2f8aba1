package gateway

import (
	"context"
	"strings"

	"github.com/StricklySoft/stricklysoft-authgate/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

// bearerPrefix is the only accepted Authorization scheme. Matching is
// case-sensitive.
const bearerPrefix = "Bearer "

// TokenValidator turns a raw bearer token into verified claims.
// [*auth.Validator] is the production implementation.
type TokenValidator interface {
	Validate(ctx context.Context, raw string) (*auth.ClaimSet, error)
}

var _ TokenValidator = (*auth.Validator)(nil)

// ExtractBearerToken returns the token from an Authorization value of the
// form "Bearer <token>". It reports false for any other scheme, a missing
// value, or an empty token.
func ExtractBearerToken(header string) (string, bool) {
	token, ok := strings.CutPrefix(header, bearerPrefix)
	if !ok {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// AuthGate authenticates requests on protected routes and attaches the
// verified claims to the context. Requests on public routes pass through
// untouched.
type AuthGate struct {
	validator TokenValidator
}

// NewAuthGate returns an AuthGate that validates tokens with v.
func NewAuthGate(v TokenValidator) *AuthGate {
	return &AuthGate{validator: v}
}

// Name implements [Stage].
func (g *AuthGate) Name() string { return "auth" }

// Apply implements [Stage].
func (g *AuthGate) Apply(ctx context.Context, req *Request) (context.Context, error) {
	if req.Profile.Public {
		return ctx, nil
	}

	token, ok := ExtractBearerToken(req.Authorization)
	if !ok {
		return ctx, sserr.New(sserr.CodeAuthenticationMissingCredential,
			"gateway: missing or malformed authorization header")
	}

	claims, err := g.validator.Validate(ctx, token)
	if err != nil {
		if e, ok := sserr.AsError(err); ok && sserr.IsAuthentication(e) {
			return ctx, e
		}
		return ctx, sserr.Wrap(err, sserr.CodeAuthentication, "gateway: token validation failed")
	}
	return auth.ContextWithClaims(ctx, claims), nil
}
