package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Role is the kind of profile a principal acts as.
type Role string

const (
	RoleProvider Role = "provider"
	RoleClient   Role = "client"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleProvider || r == RoleClient
}

// Principal is the authenticated caller: a provider or client profile id.
type Principal struct {
	ID   uuid.UUID
	Role Role
}

func (p Principal) String() string {
	return fmt.Sprintf("%s:%s", p.Role, p.ID)
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the principal set by the auth middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// ParsePrincipal builds a Principal from its wire form.
func ParsePrincipal(id, role string) (Principal, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return Principal{}, fmt.Errorf("invalid principal id %q: %w", id, err)
	}
	r := Role(role)
	if !r.Valid() {
		return Principal{}, fmt.Errorf("invalid role %q", role)
	}
	return Principal{ID: uid, Role: r}, nil
}
