package gateway

import (
	"context"
	"fmt"

	"github.com/StricklySoft/stricklysoft-authgate/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

// RoleGate admits a request when the caller holds at least one of the
// required roles. It must run after [AuthGate]; a request reaching it
// without claims makes it panic.
type RoleGate struct {
	required auth.RoleSet
}

// NewRoleGate returns a gate requiring any one of required.
func NewRoleGate(required auth.RoleSet) *RoleGate {
	return &RoleGate{required: required}
}

// Name implements [Stage].
func (g *RoleGate) Name() string { return "role" }

// Apply implements [Stage].
func (g *RoleGate) Apply(ctx context.Context, _ *Request) (context.Context, error) {
	claims := auth.MustClaimsFromContext(ctx)
	if claims.HasAnyRole(g.required) {
		return ctx, nil
	}
	return ctx, sserr.New(sserr.CodeAuthorizationInsufficientRole, "gateway: caller lacks a required role").
		WithDetail("subject", claims.SubjectID).
		WithDetail("roles", fmt.Sprint(claims.Roles.Sorted())).
		WithDetail("required", fmt.Sprint(g.required.Sorted()))
}
