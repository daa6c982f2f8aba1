package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-authgate/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/ratelimit"
)

// stubValidator accepts the tokens it knows and rejects everything else
// with err, or a signature failure when err is nil.
type stubValidator struct {
	tokens map[string]*auth.ClaimSet
	err    error
}

func (s *stubValidator) Validate(_ context.Context, raw string) (*auth.ClaimSet, error) {
	if c, ok := s.tokens[raw]; ok {
		return c, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, sserr.New(sserr.CodeAuthenticationSignatureInvalid, "auth: signature verification failed")
}

func claimsWithRoles(subject string, roles ...string) *auth.ClaimSet {
	return &auth.ClaimSet{SubjectID: subject, Roles: auth.ParseRoles(roles...)}
}

// fixedValidator knows three callers: an admin, a plain user, and a
// caller with no roles at all.
func fixedValidator() *stubValidator {
	return &stubValidator{tokens: map[string]*auth.ClaimSet{
		"admin-token": claimsWithRoles("u-admin", "admin"),
		"user-token":  claimsWithRoles("u-user", "user"),
		"bare-token":  claimsWithRoles("u-bare"),
	}}
}

func newTestLimiter(t *testing.T, limit int) (*ratelimit.SlidingWindow, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	cfg := ratelimit.DefaultConfig()
	cfg.Limit = limit
	cfg.Window = time.Minute
	sw, err := ratelimit.NewSlidingWindow(cfg, ratelimit.WithClock(clock))
	require.NoError(t, err)
	return sw, clock
}

// recordingStage records that it ran and returns err.
type recordingStage struct {
	name string
	err  error
	ran  *[]string
}

func (s recordingStage) Name() string { return s.name }

func (s recordingStage) Apply(ctx context.Context, _ *Request) (context.Context, error) {
	*s.ran = append(*s.ran, s.name)
	return ctx, s.err
}
