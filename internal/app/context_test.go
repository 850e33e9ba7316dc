package app_test

import (
	"context"
	"strings"
	"testing"

	"interlock/internal/app"
	"interlock/internal/db"
	"interlock/internal/engine"
	"interlock/internal/migrate"
)

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return engine.New(conn, nil)
}

func TestResolveOwnerEmptyWorkspace(t *testing.T) {
	e := newTestEngine(t)
	_, _, err := app.ResolveOwner(context.Background(), e, "")
	if err == nil || !strings.Contains(err.Error(), "--owner") {
		t.Fatalf("err = %v, want hint to pass --owner", err)
	}
}

func TestResolveOwnerOverrideSeeds(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	ownerID, cfg, err := app.ResolveOwner(ctx, e, "own_1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ownerID != "own_1" {
		t.Fatalf("owner = %q", ownerID)
	}
	if cfg.Resolution.HorizonDays != 30 {
		t.Fatalf("seeded horizon = %d, want default 30", cfg.Resolution.HorizonDays)
	}
	if _, err := e.Repo.GetOwner(ctx, "own_1"); err != nil {
		t.Fatalf("owner not persisted: %v", err)
	}

	// A single-owner workspace resolves without the flag.
	ownerID, _, err = app.ResolveOwner(ctx, e, "")
	if err != nil {
		t.Fatalf("implicit resolve: %v", err)
	}
	if ownerID != "own_1" {
		t.Fatalf("implicit owner = %q", ownerID)
	}
}

func TestResolveOwnerAmbiguous(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	for _, id := range []string{"own_1", "own_2"} {
		if _, err := e.EnsureOwner(ctx, id, ""); err != nil {
			t.Fatalf("ensure %s: %v", id, err)
		}
	}
	_, _, err := app.ResolveOwner(ctx, e, "")
	if err == nil || !strings.Contains(err.Error(), "2 owners") {
		t.Fatalf("err = %v, want ambiguity error", err)
	}
}
