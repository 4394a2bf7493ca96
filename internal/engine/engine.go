package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"teamplan/internal/activity"
	"teamplan/internal/config"
	"teamplan/internal/domain"
	"teamplan/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity activity.Writer
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Activity: activity.Writer{DB: db},
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ProfileHints carry whatever the chat platform knows about the sender.
// They are only used when the account does not exist yet.
type ProfileHints struct {
	Username string
	FullName string
}

// ResolveAccount maps an external chat identity to an account, creating a
// pending one on first contact. The second return reports whether the
// account was created by this call. Resolving an existing account only
// refreshes last_seen; repeated calls are safe.
func (e Engine) ResolveAccount(ctx context.Context, externalID string, hints ProfileHints) (domain.Account, bool, error) {
	if externalID == "" {
		return domain.Account{}, false, InvalidArgumentError{Reason: "external id required"}
	}
	a, err := e.Repo.GetAccountByExternalID(ctx, externalID)
	if err == nil {
		if err := e.Repo.TouchLastSeen(ctx, a.ID, e.now()); err != nil {
			return domain.Account{}, false, err
		}
		return a, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Account{}, false, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Account{}, false, err
	}
	defer tx.Rollback()

	ts := e.now().UTC().Format(time.RFC3339)
	a = domain.Account{
		ExternalID: externalID,
		Username:   hints.Username,
		FullName:   hints.FullName,
		Status:     domain.StatusPending,
		Role:       domain.RoleOther,
		CreatedAt:  ts,
		LastSeen:   ts,
	}
	id, err := e.Repo.CreateAccount(ctx, tx, a)
	if err != nil {
		// Lost a race against a concurrent first contact; the UNIQUE
		// constraint on external_id makes the existing row authoritative.
		tx.Rollback()
		if existing, getErr := e.Repo.GetAccountByExternalID(ctx, externalID); getErr == nil {
			return existing, false, nil
		}
		return domain.Account{}, false, fmt.Errorf("create account: %w", err)
	}
	a.ID = id
	if err := e.Activity.Append(ctx, tx, domain.ActivityRegistration, a.ID, nil,
		fmt.Sprintf("registered, awaiting approval (external id %s)", externalID)); err != nil {
		return domain.Account{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Account{}, false, err
	}
	return a, true, nil
}

// requireManager checks that the actor may administer accounts.
func requireManager(actor domain.Account, action string) error {
	if actor.Status != domain.StatusActive || actor.Role != domain.RoleManager {
		return ForbiddenError{Action: action}
	}
	return nil
}

// Approve activates a pending account with the given role.
func (e Engine) Approve(ctx context.Context, actor domain.Account, accountID int64, role string) (domain.Account, error) {
	if err := requireManager(actor, "approve accounts"); err != nil {
		return domain.Account{}, err
	}
	if !domain.ValidRole(role) {
		return domain.Account{}, InvalidRoleError{Role: role}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Account{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAccountTx(ctx, tx, accountID)
	if err != nil {
		return domain.Account{}, err
	}
	if a.Status != domain.StatusPending {
		return domain.Account{}, InvalidStateError{AccountID: a.ID, Status: a.Status}
	}
	if err := e.Repo.UpdateAccountStatus(ctx, tx, a.ID, domain.StatusActive, role); err != nil {
		return domain.Account{}, err
	}
	a.Status = domain.StatusActive
	a.Role = role
	if err := e.Activity.Append(ctx, tx, domain.ActivityApproval, a.ID, nil,
		fmt.Sprintf("approved as %s by account %d", role, actor.ID)); err != nil {
		return domain.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Account{}, err
	}
	return a, nil
}

// Reject marks a pending account inactive. The reason, when given, is kept
// in the activity log rather than on the account row.
func (e Engine) Reject(ctx context.Context, actor domain.Account, accountID int64, reason string) (domain.Account, error) {
	if err := requireManager(actor, "reject accounts"); err != nil {
		return domain.Account{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Account{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAccountTx(ctx, tx, accountID)
	if err != nil {
		return domain.Account{}, err
	}
	if a.Status != domain.StatusPending {
		return domain.Account{}, InvalidStateError{AccountID: a.ID, Status: a.Status}
	}
	if err := e.Repo.UpdateAccountStatus(ctx, tx, a.ID, domain.StatusInactive, a.Role); err != nil {
		return domain.Account{}, err
	}
	a.Status = domain.StatusInactive
	desc := fmt.Sprintf("rejected by account %d", actor.ID)
	if reason != "" {
		desc += ": " + reason
	}
	if err := e.Activity.Append(ctx, tx, domain.ActivityRejection, a.ID, nil, desc); err != nil {
		return domain.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Account{}, err
	}
	return a, nil
}

// Commands that work for any account, whatever its status.
var openCommands = map[string]bool{
	"help":     true,
	"start":    true,
	"register": true,
}

// CanAct reports whether the account may run the named command. Pending and
// inactive accounts are restricted to the open set.
func CanAct(a domain.Account, command string) bool {
	if a.Status == domain.StatusActive {
		return true
	}
	return openCommands[command]
}

// RecordDenied writes the single activity entry for a refused command.
func (e Engine) RecordDenied(ctx context.Context, accountID int64, command string) error {
	return e.Activity.Append(ctx, nil, domain.ActivityDenied, accountID, nil,
		fmt.Sprintf("denied command /%s", command))
}

// RecordCommand writes a generic command entry outside any transaction.
func (e Engine) RecordCommand(ctx context.Context, accountID int64, description string) error {
	return e.Activity.Append(ctx, nil, domain.ActivityCommand, accountID, nil, description)
}
