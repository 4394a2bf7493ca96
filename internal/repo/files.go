package repo

import (
	"context"
	"database/sql"

	"teamplan/internal/domain"
)

const fileCols = `id,stored_name,original_name,COALESCE(media_type,''),size_bytes,method,account_id,task_id,COALESCE(description,''),COALESCE(tag,''),created_at`

func scanFile(row interface{ Scan(...any) error }) (domain.FileRecord, error) {
	var f domain.FileRecord
	var taskID sql.NullInt64
	err := row.Scan(&f.ID, &f.StoredName, &f.OriginalName, &f.MediaType, &f.SizeBytes,
		&f.Method, &f.AccountID, &taskID, &f.Description, &f.Tag, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	if taskID.Valid {
		f.TaskID = &taskID.Int64
	}
	return f, nil
}

func (r Repo) InsertFileRecord(ctx context.Context, tx *sql.Tx, f domain.FileRecord) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO files(stored_name,original_name,media_type,size_bytes,method,account_id,task_id,description,tag,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		f.StoredName, f.OriginalName, nullable(f.MediaType), f.SizeBytes, f.Method,
		f.AccountID, nullableInt64Ptr(f.TaskID), nullable(f.Description), nullable(f.Tag), f.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type FileFilters struct {
	AccountID int64
	TaskID    int64
	Limit     int
}

func (r Repo) ListFiles(ctx context.Context, f FileFilters) ([]domain.FileRecord, error) {
	query := `SELECT ` + fileCols + ` FROM files WHERE 1=1`
	var args []any
	if f.AccountID != 0 {
		query += ` AND account_id=?`
		args = append(args, f.AccountID)
	}
	if f.TaskID != 0 {
		query += ` AND task_id=?`
		args = append(args, f.TaskID)
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
	var res []domain.FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) GetFile(ctx context.Context, id int64) (domain.FileRecord, error) {
	return scanFile(r.DB.QueryRowContext(ctx, `SELECT `+fileCols+` FROM files WHERE id=?`, id))
}

func (r Repo) SetFileTag(ctx context.Context, id int64, tag string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE files SET tag=? WHERE id=?`, nullable(tag), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
