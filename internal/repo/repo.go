package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"teamplan/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const accountCols = `id,COALESCE(external_id,''),COALESCE(username,''),full_name,status,COALESCE(role,''),created_at,COALESCE(last_seen,'')`

func scanAccount(row interface{ Scan(...any) error }) (domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.ExternalID, &a.Username, &a.FullName, &a.Status, &a.Role, &a.CreatedAt, &a.LastSeen)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// GetAccountByExternalID looks up an account by its platform user id.
func (r Repo) GetAccountByExternalID(ctx context.Context, externalID string) (domain.Account, error) {
	return scanAccount(r.DB.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE external_id=?`, externalID))
}

// GetAccountByExternalIDTx is the transactional variant of GetAccountByExternalID.
func (r Repo) GetAccountByExternalIDTx(ctx context.Context, tx *sql.Tx, externalID string) (domain.Account, error) {
	return scanAccount(tx.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE external_id=?`, externalID))
}

func (r Repo) GetAccount(ctx context.Context, id int64) (domain.Account, error) {
	return scanAccount(r.DB.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id=?`, id))
}

func (r Repo) GetAccountTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Account, error) {
	return scanAccount(tx.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id=?`, id))
}

// CreateAccount inserts a new account and returns its generated id. The
// UNIQUE constraint on external_id is the backstop against duplicate
// registrations racing through the check-then-act path.
func (r Repo) CreateAccount(ctx context.Context, tx *sql.Tx, a domain.Account) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO accounts(external_id,username,full_name,status,role,created_at,last_seen) VALUES (?,?,?,?,?,?,?)`,
		nullable(a.ExternalID), nullable(a.Username), a.FullName, a.Status, nullable(a.Role), a.CreatedAt, nullable(a.LastSeen))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateAccountStatus sets status and, when role is non-empty, role.
func (r Repo) UpdateAccountStatus(ctx context.Context, tx *sql.Tx, id int64, status, role string) error {
	var res sql.Result
	var err error
	if role != "" {
		res, err = tx.ExecContext(ctx, `UPDATE accounts SET status=?, role=? WHERE id=?`, status, role, id)
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE accounts SET status=? WHERE id=?`, status, id)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastSeen records login bookkeeping for a resolved account.
func (r Repo) TouchLastSeen(ctx context.Context, id int64, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE accounts SET last_seen=? WHERE id=?`, now.UTC().Format(time.RFC3339), id)
	return err
}

type AccountFilters struct {
	Status string
	Role   string
	Limit  int
}

func (r Repo) ListAccounts(ctx context.Context, f AccountFilters) ([]domain.Account, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Role != "" {
		clauses = append(clauses, "role=?")
		args = append(args, f.Role)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + accountCols + ` FROM accounts ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListAccountsByRole returns active accounts, filtered by role when role is
// non-empty. Broadcast cohorts are built from this.
func (r Repo) ListAccountsByRole(ctx context.Context, role string) ([]domain.Account, error) {
	return r.ListAccounts(ctx, AccountFilters{Status: domain.StatusActive, Role: role})
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
