package migrate

import (
	"testing"

	"stageline/internal/db"
)

func TestMigrationsLoadForBothDialects(t *testing.T) {
	for _, dialect := range []string{"sqlite", "postgres"} {
		migrations, err := loadMigrations(dialect)
		if err != nil {
			t.Fatalf("%s: %v", dialect, err)
		}
		if len(migrations) == 0 || migrations[0].Version != 1 {
			t.Fatalf("%s: unexpected migrations %+v", dialect, migrations)
		}
	}
	if _, err := loadMigrations("oracle"); err == nil {
		t.Fatalf("expected error for unknown dialect")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	for i := 0; i < 2; i++ {
		if err := Migrate(conn, "sqlite"); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
	}
	v, err := Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 2 {
		t.Fatalf("expected version 2, got %d", v)
	}
	if _, err := conn.Exec(`INSERT INTO projects(id,name,created_at) VALUES ('p','n','t')`); err != nil {
		t.Fatalf("schema missing projects: %v", err)
	}
}
