package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"teamplan/internal/db"
	"teamplan/internal/domain"
	"teamplan/internal/migrate"
	"teamplan/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, context.Background()
}

func mustTx(t *testing.T, r repo.Repo) *sql.Tx {
	t.Helper()
	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	return tx
}

func seedAccount(t *testing.T, r repo.Repo, ctx context.Context, externalID, status, role string) domain.Account {
	t.Helper()
	tx := mustTx(t, r)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	id, err := r.CreateAccount(ctx, tx, domain.Account{
		ExternalID: externalID,
		Status:     status,
		Role:       role,
		CreatedAt:  ts,
		LastSeen:   ts,
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	a, err := r.GetAccount(ctx, id)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return a
}

func TestAccountLookup(t *testing.T) {
	r, ctx := newTestRepo(t)
	a := seedAccount(t, r, ctx, "1001", domain.StatusPending, domain.RoleOther)

	got, err := r.GetAccountByExternalID(ctx, "1001")
	if err != nil {
		t.Fatalf("get by external id: %v", err)
	}
	if got.ID != a.ID || got.Status != domain.StatusPending {
		t.Fatalf("unexpected account: %+v", got)
	}
	if _, err := r.GetAccountByExternalID(ctx, "9999"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateAccountStatus(t *testing.T) {
	r, ctx := newTestRepo(t)
	a := seedAccount(t, r, ctx, "1001", domain.StatusPending, domain.RoleOther)

	tx := mustTx(t, r)
	if err := r.UpdateAccountStatus(ctx, tx, a.ID, domain.StatusActive, domain.RoleTechnician); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusActive || got.Role != domain.RoleTechnician {
		t.Fatalf("unexpected account after update: %+v", got)
	}

	tx = mustTx(t, r)
	err = r.UpdateAccountStatus(ctx, tx, 12345, domain.StatusActive, domain.RoleOther)
	tx.Rollback()
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing account, got %v", err)
	}
}

func TestDuplicateExternalIDRejected(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedAccount(t, r, ctx, "1001", domain.StatusPending, domain.RoleOther)

	tx := mustTx(t, r)
	defer tx.Rollback()
	_, err := r.CreateAccount(ctx, tx, domain.Account{
		ExternalID: "1001",
		Status:     domain.StatusPending,
		Role:       domain.RoleOther,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		LastSeen:   time.Now().UTC().Format(time.RFC3339),
	})
	if err == nil {
		t.Fatal("expected unique constraint violation")
	}
}

func TestTaskCodeUnique(t *testing.T) {
	r, ctx := newTestRepo(t)
	a := seedAccount(t, r, ctx, "1001", domain.StatusActive, domain.RoleTechnician)
	ts := time.Now().UTC().Format(time.RFC3339)

	tx := mustTx(t, r)
	if _, err := r.InsertTask(ctx, tx, domain.Task{
		Code: "TA001", Description: "first", Status: domain.TaskToDo,
		Priority: domain.PriorityNormal, CreatedBy: a.ID, CreatedAt: ts,
	}); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx = mustTx(t, r)
	defer tx.Rollback()
	_, err := r.InsertTask(ctx, tx, domain.Task{
		Code: "TA001", Description: "dup", Status: domain.TaskToDo,
		Priority: domain.PriorityNormal, CreatedBy: a.ID, CreatedAt: ts,
	})
	if err == nil {
		t.Fatal("expected unique constraint violation on code")
	}
}

func TestListTasksForAccount(t *testing.T) {
	r, ctx := newTestRepo(t)
	owner := seedAccount(t, r, ctx, "1001", domain.StatusActive, domain.RoleTechnician)
	other := seedAccount(t, r, ctx, "1002", domain.StatusActive, domain.RoleTechnician)

	for i, code := range []string{"TA001", "TA002", "TA003"} {
		tx := mustTx(t, r)
		ts := time.Date(2024, 1, 1+i, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
		id, err := r.InsertTask(ctx, tx, domain.Task{
			Code: code, Description: code, Status: domain.TaskToDo,
			Priority: domain.PriorityNormal, CreatedBy: owner.ID, CreatedAt: ts,
		})
		if err != nil {
			t.Fatalf("insert %s: %v", code, err)
		}
		if err := r.AssignAccount(ctx, tx, id, owner.ID, true); err != nil {
			t.Fatalf("assign %s: %v", code, err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	}

	tasks, err := r.ListTasksForAccount(ctx, owner.ID, 2)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].Code != "TA003" || tasks[1].Code != "TA002" {
		t.Fatalf("expected newest first, got %s, %s", tasks[0].Code, tasks[1].Code)
	}

	tasks, err = r.ListTasksForAccount(ctx, other.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks for unrelated account, got %d", len(tasks))
	}
}

func TestMarkUpdateProcessed(t *testing.T) {
	r, ctx := newTestRepo(t)
	now := time.Now()

	seen, err := r.MarkUpdateProcessed(ctx, 42, now)
	if err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if seen {
		t.Fatal("first delivery should not be seen")
	}
	seen, err = r.MarkUpdateProcessed(ctx, 42, now)
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if !seen {
		t.Fatal("redelivery should be seen")
	}

	pruned, err := r.PruneProcessedUpdates(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned row, got %d", pruned)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	r, ctx := newTestRepo(t)
	hash := repo.HashAPIKey("secret-value")
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k1", ActorID: "7", Name: "ci", KeyHash: hash}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	key, err := r.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if key.ActorID != "7" || key.Name != "ci" {
		t.Fatalf("unexpected key: %+v", key)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, hash); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
