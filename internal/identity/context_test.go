package identity

import (
	"context"
	"testing"
)

func TestWithActorAndActorFromContext(t *testing.T) {
	ctx := WithActor(context.Background(), Actor{ID: "user-1", Role: RolePatient})

	got, ok := ActorFromContext(ctx)
	if !ok {
		t.Fatalf("expected actor to be present")
	}
	if got.ID != "user-1" || !got.IsPatient() {
		t.Fatalf("unexpected actor %+v", got)
	}
}

func TestActorFromContext_EmptyOrMissing(t *testing.T) {
	if _, ok := ActorFromContext(context.Background()); ok {
		t.Fatalf("expected missing actor to return false")
	}

	ctx := context.WithValue(context.Background(), actorKey, "admin")
	if _, ok := ActorFromContext(ctx); ok {
		t.Fatalf("expected non-actor value to return false")
	}

	ctx = WithActor(context.Background(), Actor{ID: "", Role: RoleAdmin})
	if _, ok := ActorFromContext(ctx); ok {
		t.Fatalf("expected actor without id to return false")
	}

	ctx = WithActor(context.Background(), Actor{ID: "x", Role: "nurse"})
	if _, ok := ActorFromContext(ctx); ok {
		t.Fatalf("expected unknown role to return false")
	}
}

func TestParseRole(t *testing.T) {
	cases := map[string]Role{" Admin ": RoleAdmin, "doctor": RoleDoctor, "PATIENT": RolePatient}
	for raw, want := range cases {
		got, ok := ParseRole(raw)
		if !ok || got != want {
			t.Fatalf("ParseRole(%q) = %q, %v", raw, got, ok)
		}
	}
	if _, ok := ParseRole("receptionist"); ok {
		t.Fatal("expected unknown role to fail")
	}
}
