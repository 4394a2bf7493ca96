package repo

import (
	"context"
	"database/sql"

	"teamplan/internal/domain"
)

const activityCols = `id,account_id,kind,task_id,description,created_at`

func scanActivity(row interface{ Scan(...any) error }) (domain.ActivityEntry, error) {
	var e domain.ActivityEntry
	var taskID sql.NullInt64
	err := row.Scan(&e.ID, &e.AccountID, &e.Kind, &taskID, &e.Description, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if taskID.Valid {
		e.TaskID = &taskID.Int64
	}
	return e, nil
}

type ActivityFilters struct {
	AccountID int64
	TaskID    int64
	Kind      string
	Limit     int
	Before    int64
}

// ListActivity returns entries newest first. Before, when non-zero, pages
// backwards by entry id.
func (r Repo) ListActivity(ctx context.Context, f ActivityFilters) ([]domain.ActivityEntry, error) {
	query := `SELECT ` + activityCols + ` FROM activity_log WHERE 1=1`
	var args []any
	if f.AccountID != 0 {
		query += ` AND account_id=?`
		args = append(args, f.AccountID)
	}
	if f.TaskID != 0 {
		query += ` AND task_id=?`
		args = append(args, f.TaskID)
	}
	if f.Kind != "" {
		query += ` AND kind=?`
		args = append(args, f.Kind)
	}
	if f.Before != 0 {
		query += ` AND id<?`
		args = append(args, f.Before)
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEntry
	for rows.Next() {
		e, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountActivity counts entries, scoped to one account when accountID is
// non-zero.
func (r Repo) CountActivity(ctx context.Context, accountID int64) (int64, error) {
	query := `SELECT COUNT(*) FROM activity_log`
	var args []any
	if accountID != 0 {
		query += ` WHERE account_id=?`
		args = append(args, accountID)
	}
	var n int64
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}
