package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"teamplan/internal/domain"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	Description    string
	Category       string
	CustomerName   string
	CustomerCity   string
	Priority       string
	EstimatedHours *float64
	CreatedBy      int64
}

// CreateTask creates a task with a generated sequential code. The counter
// read, the insert and the activity entry share one transaction, so two
// concurrent creations cannot both commit the same code: the UNIQUE
// constraint on tasks.code rejects the loser.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	desc := strings.TrimSpace(opts.Description)
	if desc == "" {
		return domain.Task{}, InvalidArgumentError{Reason: "task description required"}
	}
	priority := opts.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	if !domain.ValidPriority(priority) {
		return domain.Task{}, InvalidArgumentError{Reason: fmt.Sprintf("unknown priority %q", opts.Priority)}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	n, err := e.Repo.CountTasks(ctx, tx)
	if err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		Code:           fmt.Sprintf("%s%0*d", e.Config.Tasks.CodePrefix, e.Config.Tasks.CodeWidth, n+1),
		Category:       opts.Category,
		Description:    desc,
		CustomerName:   opts.CustomerName,
		CustomerCity:   opts.CustomerCity,
		Status:         domain.TaskToDo,
		Priority:       priority,
		CreatedBy:      opts.CreatedBy,
		CreatedAt:      e.now().UTC().Format(time.RFC3339),
		EstimatedHours: opts.EstimatedHours,
	}
	id, err := e.Repo.InsertTask(ctx, tx, t)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	t.ID = id
	if err := e.Repo.AssignAccount(ctx, tx, t.ID, opts.CreatedBy, true); err != nil {
		return domain.Task{}, err
	}
	if err := e.Activity.Append(ctx, tx, domain.ActivityTaskCreation, opts.CreatedBy, &t.ID,
		fmt.Sprintf("created task %s: %s", t.Code, t.Description)); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ListAccountTasks returns the account's most recent tasks, bounded by the
// configured list limit.
func (e Engine) ListAccountTasks(ctx context.Context, accountID int64) ([]domain.Task, error) {
	limit := e.Config.Tasks.ListLimit
	if limit <= 0 {
		limit = 10
	}
	return e.Repo.ListTasksForAccount(ctx, accountID, limit)
}

// SetTaskStatus transitions a task by code. Re-applying the current status
// is a no-op rather than an error.
func (e Engine) SetTaskStatus(ctx context.Context, actorID int64, code, status string) (domain.Task, error) {
	if !domain.ValidTaskStatus(status) {
		return domain.Task{}, InvalidArgumentError{Reason: fmt.Sprintf("unknown status %q", status)}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskByCodeTx(ctx, tx, code)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status == status {
		return t, tx.Commit()
	}
	prev := t.Status
	if err := e.Repo.UpdateTaskStatus(ctx, tx, t.ID, status, e.now()); err != nil {
		return domain.Task{}, err
	}
	t.Status = status
	if status == domain.TaskCompleted {
		ts := e.now().UTC().Format(time.RFC3339)
		t.CompletedAt = &ts
	} else {
		t.CompletedAt = nil
	}
	if err := e.Activity.Append(ctx, tx, domain.ActivityStatusChange, actorID, &t.ID,
		fmt.Sprintf("task %s: %s -> %s", t.Code, prev, status)); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// AddNote attaches a free-form note to a task through the activity log.
func (e Engine) AddNote(ctx context.Context, actorID int64, code, note string) (domain.Task, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return domain.Task{}, InvalidArgumentError{Reason: "note text required"}
	}
	t, err := e.Repo.GetTaskByCode(ctx, code)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Activity.Append(ctx, nil, domain.ActivityNote, actorID, &t.ID, note); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// RecordFile persists metadata for an already-downloaded file. The caller
// guarantees the bytes are durable before this runs; the record and its
// activity entry commit together.
func (e Engine) RecordFile(ctx context.Context, f domain.FileRecord) (domain.FileRecord, error) {
	if f.StoredName == "" {
		return domain.FileRecord{}, InvalidArgumentError{Reason: "stored name required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FileRecord{}, err
	}
	defer tx.Rollback()

	if f.CreatedAt == "" {
		f.CreatedAt = e.now().UTC().Format(time.RFC3339)
	}
	id, err := e.Repo.InsertFileRecord(ctx, tx, f)
	if err != nil {
		return domain.FileRecord{}, fmt.Errorf("insert file record: %w", err)
	}
	f.ID = id
	if err := e.Activity.Append(ctx, tx, domain.ActivityFileUpload, f.AccountID, f.TaskID,
		fmt.Sprintf("uploaded %s (%d bytes)", f.OriginalName, f.SizeBytes)); err != nil {
		return domain.FileRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FileRecord{}, err
	}
	return f, nil
}
