package identity

import (
	"context"
	"strings"
)

// Role is the caller's role as resolved by the auth layer.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// ParseRole normalises a role claim; unknown values yield false.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RolePatient:
		return RolePatient, true
	case RoleDoctor:
		return RoleDoctor, true
	case RoleAdmin:
		return RoleAdmin, true
	}
	return "", false
}

// Actor is the authenticated caller. For doctors ID is the doctor id.
type Actor struct {
	ID   string
	Role Role
}

func (a Actor) IsAdmin() bool   { return a.Role == RoleAdmin }
func (a Actor) IsDoctor() bool  { return a.Role == RoleDoctor }
func (a Actor) IsPatient() bool { return a.Role == RolePatient }

// Valid reports whether the actor carries an id and a known role.
func (a Actor) Valid() bool {
	if strings.TrimSpace(a.ID) == "" {
		return false
	}
	_, ok := ParseRole(string(a.Role))
	return ok
}

type ctxKey string

const actorKey ctxKey = "clinic.actor"

// WithActor stores the caller in context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext extracts the caller if present and valid.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok && actor.Valid()
}
