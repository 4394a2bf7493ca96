package migrate

import (
	"testing"

	"teamplan/internal/db"
)

func TestMigrateAppliesAllStepsOnce(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := Migrate(conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second run must be a no-op: %v", err)
	}

	var v int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&v); err != nil {
		t.Fatal(err)
	}
	if v != 2 {
		t.Fatalf("expected schema version 2, got %d", v)
	}
	for _, table := range []string{"accounts", "tasks", "task_assignees", "activity_log", "files", "processed_updates", "api_keys"} {
		var n int
		if err := conn.QueryRow(`SELECT count(*) FROM ` + table).Scan(&n); err != nil {
			t.Fatalf("table %s should exist: %v", table, err)
		}
	}
}
