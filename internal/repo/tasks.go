package repo

import (
	"context"
	"database/sql"
	"time"

	"teamplan/internal/domain"
)

const taskCols = `id,code,COALESCE(category,''),description,COALESCE(customer_name,''),COALESCE(customer_city,''),status,priority,created_by,created_at,completed_at,estimated_hours,actual_hours`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var completedAt sql.NullString
	var est, act sql.NullFloat64
	err := row.Scan(&t.ID, &t.Code, &t.Category, &t.Description, &t.CustomerName, &t.CustomerCity,
		&t.Status, &t.Priority, &t.CreatedBy, &t.CreatedAt, &completedAt, &est, &act)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	if est.Valid {
		v := est.Float64
		t.EstimatedHours = &v
	}
	if act.Valid {
		v := act.Float64
		t.ActualHours = &v
	}
	return t, nil
}

// CountTasks returns the number of tasks visible to the given transaction.
// The task-code counter is derived from this inside the same transaction
// that inserts the new row.
func (r Repo) CountTasks(ctx context.Context, tx *sql.Tx) (int64, error) {
	var n int64
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n)
	return n, err
}

// InsertTask inserts a task and returns its generated id. The UNIQUE
// constraint on code is the backstop against duplicate code generation.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(code,category,description,customer_name,customer_city,status,priority,created_by,created_at,estimated_hours,actual_hours)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.Code, nullable(t.Category), t.Description, nullable(t.CustomerName), nullable(t.CustomerCity),
		t.Status, t.Priority, t.CreatedBy, t.CreatedAt, nullableFloatPtr(t.EstimatedHours), nullableFloatPtr(t.ActualHours))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AssignAccount links an account to a task. The partial unique index on
// task_assignees keeps at most one primary assignee per task.
func (r Repo) AssignAccount(ctx context.Context, tx *sql.Tx, taskID, accountID int64, primary bool) error {
	p := 0
	if primary {
		p = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_assignees(task_id,account_id,is_primary) VALUES (?,?,?)`, taskID, accountID, p)
	return err
}

func (r Repo) ListAssignments(ctx context.Context, taskID int64) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id,account_id,is_primary FROM task_assignees WHERE task_id=?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		var a domain.Assignment
		var p int
		if err := rows.Scan(&a.TaskID, &a.AccountID, &p); err != nil {
			return nil, err
		}
		a.Primary = p == 1
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) GetTaskByCode(ctx context.Context, code string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE code=?`, code))
}

func (r Repo) GetTaskByCodeTx(ctx context.Context, tx *sql.Tx, code string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE code=?`, code))
}

// ListTasksForAccount returns the account's tasks (created or assigned),
// most recent first, bounded by limit.
func (r Repo) ListTasksForAccount(ctx context.Context, accountID int64, limit int) ([]domain.Task, error) {
	query := `SELECT DISTINCT t.id,t.code,COALESCE(t.category,''),t.description,COALESCE(t.customer_name,''),COALESCE(t.customer_city,''),t.status,t.priority,t.created_by,t.created_at,t.completed_at,t.estimated_hours,t.actual_hours FROM tasks t
LEFT JOIN task_assignees ta ON ta.task_id = t.id
WHERE t.created_by=? OR ta.account_id=?
ORDER BY t.created_at DESC, t.id DESC`
	args := []any{accountID, accountID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

type TaskFilters struct {
	Status    string
	AccountID int64
	Limit     int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	if f.AccountID != 0 {
		return r.ListTasksForAccount(ctx, f.AccountID, f.Limit)
	}
	query := `SELECT ` + taskCols + ` FROM tasks`
	var args []any
	if f.Status != "" {
		query += ` WHERE status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateTaskStatus transitions a task; completed tasks get completed_at set.
func (r Repo) UpdateTaskStatus(ctx context.Context, tx *sql.Tx, id int64, status string, now time.Time) error {
	var err error
	if status == domain.TaskCompleted {
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET status=?, completed_at=? WHERE id=?`, status, now.UTC().Format(time.RFC3339), id)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET status=?, completed_at=NULL WHERE id=?`, status, id)
	}
	return err
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
