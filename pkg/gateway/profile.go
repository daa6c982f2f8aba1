package gateway

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/StricklySoft/stricklysoft-authgate/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

// RouteProfile declares how one route is protected. Path is the route
// template for HTTP ("/api/networks/{id}") or the full method name for
// gRPC ("/everest.v1.Stations/Get").
type RouteProfile struct {
	Path        string   `yaml:"path" json:"path"`
	Methods     []string `yaml:"methods,omitempty" json:"methods,omitempty"`
	Public      bool     `yaml:"public" json:"public"`
	Roles       []string `yaml:"roles,omitempty" json:"roles,omitempty"`
	RateLimited bool     `yaml:"rate_limited" json:"rate_limited"`
}

// RequiredRoles returns Roles as a set.
func (p RouteProfile) RequiredRoles() auth.RoleSet {
	return auth.ParseRoles(p.Roles...)
}

// Validate rejects profiles that cannot be enforced as written.
func (p RouteProfile) Validate() error {
	if p.Path == "" || !strings.HasPrefix(p.Path, "/") {
		return sserr.Newf(sserr.CodeValidation, "gateway: route path %q must start with /", p.Path)
	}
	if p.Public && len(p.Roles) > 0 {
		return sserr.Newf(sserr.CodeValidation, "gateway: public route %s cannot require roles", p.Path)
	}
	for _, r := range p.Roles {
		if r == "" {
			return sserr.Newf(sserr.CodeValidation, "gateway: route %s lists an empty role", p.Path)
		}
	}
	return nil
}

// ProfileTable is the immutable set of route profiles, keyed by path.
type ProfileTable struct {
	byPath map[string]RouteProfile
	order  []string
}

// NewProfileTable validates profiles and indexes them by path. Duplicate
// paths are an error.
func NewProfileTable(profiles ...RouteProfile) (*ProfileTable, error) {
	t := &ProfileTable{byPath: make(map[string]RouteProfile, len(profiles))}
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := t.byPath[p.Path]; dup {
			return nil, sserr.Newf(sserr.CodeValidation, "gateway: route %s is declared twice", p.Path)
		}
		p.Methods = slices.Clone(p.Methods)
		p.Roles = slices.Clone(p.Roles)
		t.byPath[p.Path] = p
		t.order = append(t.order, p.Path)
	}
	return t, nil
}

// Lookup returns the profile for path.
func (t *ProfileTable) Lookup(path string) (RouteProfile, bool) {
	p, ok := t.byPath[path]
	return p, ok
}

// All returns every profile in declaration order.
func (t *ProfileTable) All() []RouteProfile {
	out := make([]RouteProfile, 0, len(t.order))
	for _, path := range t.order {
		out = append(out, t.byPath[path])
	}
	return out
}

// Len returns the number of profiles.
func (t *ProfileTable) Len() int { return len(t.order) }

// profileFile is the YAML layout of a profile file:
//
//	routes:
//	  - path: /auth/login
//	    methods: [POST]
//	    public: true
//	    rate_limited: true
//	  - path: /api/networks
//	    roles: [admin, partner]
type profileFile struct {
	Routes []RouteProfile `yaml:"routes"`
}

// ParseProfiles decodes a YAML profile document. Unknown fields are
// rejected.
func ParseProfiles(data []byte) (*ProfileTable, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f profileFile
	if err := dec.Decode(&f); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "gateway: failed to parse route profiles")
	}
	t, err := NewProfileTable(f.Routes...)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "gateway: invalid route profiles")
	}
	return t, nil
}

// LoadProfiles reads and parses the profile file at path.
func LoadProfiles(path string) (*ProfileTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration,
			fmt.Sprintf("gateway: failed to read route profiles %s", path))
	}
	return ParseProfiles(data)
}
