package migrate

import (
	"testing"

	"desitarget/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	v, err := MigrateVersion(conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if v < 1 {
		t.Fatalf("version = %d", v)
	}
	again, err := MigrateVersion(conn)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if again != v {
		t.Fatalf("version changed %d -> %d", v, again)
	}
	for _, table := range []string{"runs", "targets", "events"} {
		var name string
		if err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s: %v", table, err)
		}
	}
}
