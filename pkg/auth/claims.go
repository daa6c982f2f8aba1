package auth

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ---------------------------------------------------------------------------
// Role and RoleSet
// ---------------------------------------------------------------------------

// Role is a single role name as issued by the identity provider. Roles are
// an open set: any string the IdP emits is a valid Role, and two roles are
// equal only if their names match exactly.
type Role string

// Roles the gateway's own routes refer to.
const (
	RoleAdmin    Role = "admin"
	RolePartner  Role = "partner"
	RoleOperator Role = "operator"
	RoleUser     Role = "user"
)

// String returns the role name.
func (r Role) String() string { return string(r) }

// RoleSet is an unordered set of roles. The zero value is an empty set and
// is ready to use for lookups.
type RoleSet map[Role]struct{}

// NewRoleSet returns a set containing the given roles.
func NewRoleSet(roles ...Role) RoleSet {
	s := make(RoleSet, len(roles))
	for _, r := range roles {
		s[r] = struct{}{}
	}
	return s
}

// ParseRoles converts role names from a token into a RoleSet. Empty names
// are dropped.
func ParseRoles(names ...string) RoleSet {
	s := make(RoleSet, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		s[Role(n)] = struct{}{}
	}
	return s
}

// Has reports whether r is a member of s.
func (s RoleSet) Has(r Role) bool {
	_, ok := s[r]
	return ok
}

// Intersects reports whether s and other share at least one role. An empty
// set intersects nothing.
func (s RoleSet) Intersects(other RoleSet) bool {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	for r := range small {
		if large.Has(r) {
			return true
		}
	}
	return false
}

// Len returns the number of roles in s.
func (s RoleSet) Len() int { return len(s) }

// Sorted returns the roles in lexical order, for logging and stable output.
func (s RoleSet) Sorted() []Role {
	out := make([]Role, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

// ---------------------------------------------------------------------------
// ClaimSet
// ---------------------------------------------------------------------------

// TenantScope narrows a principal to a network and, optionally, a station
// within it. An empty field means the token did not carry that attribute.
type TenantScope struct {
	NetworkID string
	StationID string
}

// HasNetwork reports whether the token carried a network_id claim.
func (s TenantScope) HasNetwork() bool { return s.NetworkID != "" }

// HasStation reports whether the token carried a station_id claim.
func (s TenantScope) HasStation() bool { return s.StationID != "" }

// ClaimSet is the verified content of a bearer token. A ClaimSet is
// produced by [Validator.Validate] only after the signature, expiry, and
// issuer checks succeed, and it belongs to the single request that
// validated it.
type ClaimSet struct {
	// SubjectID is the IdP-side identity (the "sub" claim).
	SubjectID string

	// InternalUserID is the application-side user ID ("user_id"). Empty when
	// the user has not been provisioned yet.
	InternalUserID string

	// Roles is the union of the top-level "roles" claim and
	// "realm_access.roles". Never nil.
	Roles RoleSet

	Tenant TenantScope

	IssuedAt  time.Time
	ExpiresAt time.Time
	Issuer    string

	Email             string
	PreferredUsername string
}

// HasRole reports whether the principal holds r.
func (c *ClaimSet) HasRole(r Role) bool {
	return c.Roles.Has(r)
}

// HasAnyRole reports whether the principal holds at least one of required.
func (c *ClaimSet) HasAnyRole(required RoleSet) bool {
	return c.Roles.Intersects(required)
}

// tokenClaims is the wire shape of the payload as issued by a Keycloak-style
// IdP. It is decoded by jwt and converted into a ClaimSet once verified.
type tokenClaims struct {
	jwt.RegisteredClaims

	UserID      string   `json:"user_id,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	RealmAccess struct {
		Roles []string `json:"roles,omitempty"`
	} `json:"realm_access,omitempty"`
	NetworkID         string `json:"network_id,omitempty"`
	StationID         string `json:"station_id,omitempty"`
	Email             string `json:"email,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
}

// claimSet converts verified wire claims into a ClaimSet. Absent optional
// claims become zero values.
func (tc *tokenClaims) claimSet() *ClaimSet {
	roles := ParseRoles(tc.Roles...)
	for _, r := range tc.RealmAccess.Roles {
		if r != "" {
			roles[Role(r)] = struct{}{}
		}
	}

	cs := &ClaimSet{
		SubjectID:      tc.Subject,
		InternalUserID: tc.UserID,
		Roles:          roles,
		Tenant: TenantScope{
			NetworkID: tc.NetworkID,
			StationID: tc.StationID,
		},
		Issuer:            tc.Issuer,
		Email:             tc.Email,
		PreferredUsername: tc.PreferredUsername,
	}
	if tc.IssuedAt != nil {
		cs.IssuedAt = tc.IssuedAt.Time
	}
	if tc.ExpiresAt != nil {
		cs.ExpiresAt = tc.ExpiresAt.Time
	}
	return cs
}
