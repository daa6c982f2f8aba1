package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleSet_Intersects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		have     RoleSet
		required RoleSet
		want     bool
	}{
		{"single match", NewRoleSet(RoleAdmin), NewRoleSet(RoleAdmin), true},
		{"any of", NewRoleSet(RoleUser, RoleOperator), NewRoleSet(RoleAdmin, RoleOperator), true},
		{"order irrelevant", NewRoleSet(RoleOperator, RoleUser), NewRoleSet(RoleOperator, RoleAdmin), true},
		{"disjoint", NewRoleSet(RoleUser), NewRoleSet(RoleAdmin, RolePartner), false},
		{"empty held", NewRoleSet(), NewRoleSet(RoleAdmin), false},
		{"nil held", nil, NewRoleSet(RoleAdmin), false},
		{"empty required", NewRoleSet(RoleAdmin), NewRoleSet(), false},
		{"unknown role exact match", ParseRoles("auditor"), ParseRoles("auditor"), true},
		{"case sensitive", ParseRoles("Admin"), NewRoleSet(RoleAdmin), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.have.Intersects(tt.required))
		})
	}
}

func TestParseRoles_DropsEmptyAndDuplicates(t *testing.T) {
	t.Parallel()
	rs := ParseRoles("user", "", "admin", "user")

	assert.Equal(t, 2, rs.Len())
	assert.Equal(t, []Role{RoleAdmin, RoleUser}, rs.Sorted())
}

func TestTokenClaims_ClaimSet(t *testing.T) {
	t.Parallel()
	iat := time.Unix(1_700_000_000, 0)
	exp := iat.Add(time.Hour)

	tc := &tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "kc-123",
			Issuer:    "https://idp/realms/everest",
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		UserID:    "u-9",
		Roles:     []string{"user"},
		NetworkID: "net-1",
		Email:     "op@example.com",
	}
	tc.RealmAccess.Roles = []string{"operator", "user"}

	cs := tc.claimSet()

	assert.Equal(t, "kc-123", cs.SubjectID)
	assert.Equal(t, "u-9", cs.InternalUserID)
	assert.Equal(t, []Role{RoleOperator, RoleUser}, cs.Roles.Sorted())
	assert.Equal(t, TenantScope{NetworkID: "net-1"}, cs.Tenant)
	assert.True(t, cs.Tenant.HasNetwork())
	assert.False(t, cs.Tenant.HasStation())
	assert.True(t, cs.IssuedAt.Equal(iat))
	assert.True(t, cs.ExpiresAt.Equal(exp))
	assert.Equal(t, "op@example.com", cs.Email)
}

func TestTokenClaims_AbsentOptionalsDefaultEmpty(t *testing.T) {
	t.Parallel()
	cs := (&tokenClaims{}).claimSet()

	require.NotNil(t, cs.Roles)
	assert.Equal(t, 0, cs.Roles.Len())
	assert.Equal(t, TenantScope{}, cs.Tenant)
	assert.True(t, cs.IssuedAt.IsZero())
}

// ---------------------------------------------------------------------------
// Context helpers
// ---------------------------------------------------------------------------

func TestClaimsContext_RoundTrip(t *testing.T) {
	t.Parallel()
	cs := &ClaimSet{SubjectID: "s", Roles: NewRoleSet(RoleUser)}
	ctx := ContextWithClaims(context.Background(), cs)

	got, ok := ClaimsFromContext(ctx)
	require.True(t, ok)
	assert.Same(t, cs, got)
	assert.Same(t, cs, MustClaimsFromContext(ctx))
}

func TestClaimsFromContext_Empty(t *testing.T) {
	t.Parallel()
	got, ok := ClaimsFromContext(context.Background())
	assert.False(t, ok)
	assert.Nil(t, got)

	_, ok = ClaimsFromContext(ContextWithClaims(context.Background(), nil))
	assert.False(t, ok, "a nil ClaimSet must not count as present")
}

func TestMustClaimsFromContext_Panics(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { MustClaimsFromContext(context.Background()) })
}

func TestTraceIDFromContext_NoSpan(t *testing.T) {
	t.Parallel()
	_, ok := TraceIDFromContext(context.Background())
	assert.False(t, ok)
}
