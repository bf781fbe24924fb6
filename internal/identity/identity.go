// Package identity resolves bearer tokens to principals.
//
// The exchange does not manage accounts itself; it consumes an identity
// capability. Resolver is the seam, and the static resolver (token map from
// config) is the default implementation for development and tests.
package identity

import (
	"context"
	"errors"
)

// Role names a capability a principal holds.
const (
	RoleTrader = "trader"
	RoleAdmin  = "admin"
)

// Principal is an authenticated caller.
type Principal struct {
	ID    string
	Roles []string
}

// IsAdmin reports whether the principal holds the admin role.
func (p *Principal) IsAdmin() bool {
	for _, r := range p.Roles {
		if r == RoleAdmin {
			return true
		}
	}
	return false
}

// ErrUnknownToken is returned when a token resolves to no principal.
var ErrUnknownToken = errors.New("unknown token")

// Resolver maps a bearer token to a principal.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*Principal, error)
}

// StaticResolver resolves tokens from a fixed map. Good enough for
// development and tests; production deployments plug in their own Resolver.
type StaticResolver struct {
	principals map[string]string // token -> principal ID
	admins     map[string]bool   // principal ID -> has admin role
}

// NewStaticResolver builds a resolver from token->principal and admin maps.
func NewStaticResolver(principals map[string]string, admins map[string]bool) *StaticResolver {
	if principals == nil {
		principals = make(map[string]string)
	}
	if admins == nil {
		admins = make(map[string]bool)
	}
	return &StaticResolver{principals: principals, admins: admins}
}

var _ Resolver = (*StaticResolver)(nil)

func (r *StaticResolver) Resolve(_ context.Context, token string) (*Principal, error) {
	id, ok := r.principals[token]
	if !ok {
		return nil, ErrUnknownToken
	}
	roles := []string{RoleTrader}
	if r.admins[id] {
		roles = append(roles, RoleAdmin)
	}
	return &Principal{ID: id, Roles: roles}, nil
}
