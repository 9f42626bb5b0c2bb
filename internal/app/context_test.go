package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/migrate"
	"stageline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, repo.DialectSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.New(conn, repo.DialectSQLite)
}

func TestResolveProject(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	if _, err := ResolveProject(ctx, "", "", r); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on empty db, got %v", err)
	}
	if err := r.InsertProject(ctx, domain.Project{ID: "a", Name: "A", CreatedAt: "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	id, err := ResolveProject(ctx, "", "", r)
	if err != nil || id != "a" {
		t.Fatalf("expected single project a, got %q %v", id, err)
	}
	if err := r.InsertProject(ctx, domain.Project{ID: "b", Name: "B", CreatedAt: "2024-01-02T00:00:00Z"}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	if _, err := ResolveProject(ctx, "", "", r); err == nil {
		t.Fatalf("expected ambiguity error with two projects")
	}
	if id, _ := ResolveProject(ctx, "", "b", r); id != "b" {
		t.Fatalf("expected workspace default b, got %q", id)
	}
	if id, _ := ResolveProject(ctx, " a ", "b", r); id != "a" {
		t.Fatalf("expected override a, got %q", id)
	}
}

func TestEnvValueRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if v, err := ReadEnvValue(path, DefaultProjectEnv); err != nil || v != "" {
		t.Fatalf("missing file should read empty, got %q %v", v, err)
	}
	if err := os.WriteFile(path, []byte("OTHER=1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := SetEnvValue(path, DefaultProjectEnv, "acme"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := SetEnvValue(path, DefaultProjectEnv, "globex"); err != nil {
		t.Fatalf("set again: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "OTHER=1\n"+DefaultProjectEnv+"=globex\n" {
		t.Fatalf("unexpected file %q", string(data))
	}
	if v, _ := ReadEnvValue(path, DefaultProjectEnv); v != "globex" {
		t.Fatalf("expected globex, got %q", v)
	}
}
