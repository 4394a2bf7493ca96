package activity

import (
	"context"
	"database/sql"
	"time"
)

// Writer appends activity_log rows. Mutating operations pass their
// transaction so the entry commits or rolls back with the change it
// describes; tx may be nil for standalone entries.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, kind string, accountID int64, taskID *int64, description string) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return w.DB.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT INTO activity_log(account_id,kind,task_id,description,created_at) VALUES (?,?,?,?,?)`,
		accountID, kind, nullableInt64(taskID), description, ts)
	return err
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
