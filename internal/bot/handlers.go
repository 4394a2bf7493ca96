package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"teamplan/internal/domain"
	"teamplan/internal/engine"
)

const helpText = `Commands:
/help - this message
/register - request access
/newtask <description> - create a task
/tasks - your recent tasks
/status <code> <to_do|in_progress|pending|blocked|completed> - move a task
/note <code> <text> - add a note to a task
/file - how to attach files
/broadcast [role] <text> - message the team (managers)
/approve <account id> <role> - activate an account (managers)
/reject <account id> [reason] - decline an account (managers)`

func (r *Router) handleHelp(ctx context.Context, acct domain.Account, args string) (string, error) {
	return helpText, nil
}

func (r *Router) handleStart(ctx context.Context, acct domain.Account, args string) (string, error) {
	switch acct.Status {
	case domain.StatusActive:
		return fmt.Sprintf("Welcome back. You are active as %s. Send /help for commands.", acct.Role), nil
	case domain.StatusInactive:
		return "Your registration was declined. Contact a manager if you believe this is a mistake.", nil
	default:
		return "Your registration is awaiting approval by a manager.", nil
	}
}

func (r *Router) handleRegister(ctx context.Context, acct domain.Account, args string) (string, error) {
	switch acct.Status {
	case domain.StatusActive:
		return fmt.Sprintf("You are already active as %s.", acct.Role), nil
	case domain.StatusInactive:
		return "Your registration was declined. Contact a manager if you believe this is a mistake.", nil
	}
	r.notifyManagers(ctx, acct)
	return "Your registration is awaiting approval by a manager.", nil
}

func (r *Router) handleNewTask(ctx context.Context, acct domain.Account, args string) (string, error) {
	if strings.TrimSpace(args) == "" {
		return "", engine.InvalidArgumentError{Reason: "Usage: /newtask <description>"}
	}
	t, err := r.Engine.CreateTask(ctx, taskOptionsFromArgs(acct.ID, args))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Created task %s: %s", t.Code, t.Description), nil
}

// taskOptionsFromArgs recognizes an optional trailing priority marker,
// e.g. "/newtask Fix pump !high".
func taskOptionsFromArgs(accountID int64, args string) engine.TaskCreateOptions {
	opts := engine.TaskCreateOptions{Description: strings.TrimSpace(args), CreatedBy: accountID}
	fields := strings.Fields(opts.Description)
	if len(fields) > 1 {
		last := fields[len(fields)-1]
		if strings.HasPrefix(last, "!") && domain.ValidPriority(last[1:]) {
			opts.Priority = last[1:]
			opts.Description = strings.TrimSpace(strings.TrimSuffix(opts.Description, last))
		}
	}
	return opts
}

func (r *Router) handleTasks(ctx context.Context, acct domain.Account, args string) (string, error) {
	tasks, err := r.Engine.ListAccountTasks(ctx, acct.ID)
	if err != nil {
		return "", err
	}
	if len(tasks) == 0 {
		return "No tasks yet. Create one with /newtask <description>.", nil
	}
	var b strings.Builder
	b.WriteString("Your tasks:\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "%s [%s] %s\n", t.Code, t.Status, t.Description)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (r *Router) handleStatus(ctx context.Context, acct domain.Account, args string) (string, error) {
	code, status, ok := splitTwo(args)
	if !ok {
		return "", engine.InvalidArgumentError{Reason: "Usage: /status <code> <to_do|in_progress|pending|blocked|completed>"}
	}
	t, err := r.Engine.SetTaskStatus(ctx, acct.ID, code, strings.ToLower(status))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Task %s is now %s.", t.Code, t.Status), nil
}

func (r *Router) handleNote(ctx context.Context, acct domain.Account, args string) (string, error) {
	code, note, ok := splitTwo(args)
	if !ok {
		return "", engine.InvalidArgumentError{Reason: "Usage: /note <code> <text>"}
	}
	t, err := r.Engine.AddNote(ctx, acct.ID, code, note)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Note added to %s.", t.Code), nil
}

func (r *Router) handleFile(ctx context.Context, acct domain.Account, args string) (string, error) {
	return "Send a document or photo as an attachment. Put a task code first in the caption to link it, e.g. \"TA004 wiring diagram\".", nil
}

func (r *Router) handleBroadcast(ctx context.Context, acct domain.Account, args string) (string, error) {
	if acct.Role != domain.RoleManager {
		return "", engine.ForbiddenError{Action: "broadcast"}
	}
	text := strings.TrimSpace(args)
	if text == "" {
		return "", engine.InvalidArgumentError{Reason: "Usage: /broadcast [role] <text>"}
	}
	role := ""
	if first, rest, ok := strings.Cut(text, " "); ok && domain.ValidRole(strings.ToLower(first)) {
		role = strings.ToLower(first)
		text = strings.TrimSpace(rest)
	}
	cohort, err := r.Engine.Repo.ListAccountsByRole(ctx, role)
	if err != nil {
		return "", err
	}
	res := r.Notify.Broadcast(ctx, cohort, text)
	desc := fmt.Sprintf("broadcast to %d accounts: sent %d, failed %d", len(cohort), res.Sent, res.Failed)
	if role != "" {
		desc = fmt.Sprintf("broadcast to %d %s accounts: sent %d, failed %d", len(cohort), role, res.Sent, res.Failed)
	}
	if err := r.Engine.Activity.Append(ctx, nil, domain.ActivityBroadcast, acct.ID, nil, desc); err != nil {
		return "", err
	}
	return fmt.Sprintf("Broadcast done: %d sent, %d failed.", res.Sent, res.Failed), nil
}

func (r *Router) handleApprove(ctx context.Context, acct domain.Account, args string) (string, error) {
	idStr, role, ok := splitTwo(args)
	if !ok {
		return "", engine.InvalidArgumentError{Reason: "Usage: /approve <account id> <manager|technician|commercial|other>"}
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return "", engine.InvalidArgumentError{Reason: "Usage: /approve <account id> <manager|technician|commercial|other>"}
	}
	target, err := r.Engine.Approve(ctx, acct, id, strings.ToLower(role))
	if err != nil {
		return "", err
	}
	r.notifyAccount(ctx, target, fmt.Sprintf("Your account was approved. You are now active as %s.", target.Role))
	return fmt.Sprintf("Account %d approved as %s.", target.ID, target.Role), nil
}

func (r *Router) handleReject(ctx context.Context, acct domain.Account, args string) (string, error) {
	idStr, reason, _ := splitTwo(args)
	if idStr == "" {
		idStr = strings.TrimSpace(args)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return "", engine.InvalidArgumentError{Reason: "Usage: /reject <account id> [reason]"}
	}
	target, err := r.Engine.Reject(ctx, acct, id, reason)
	if err != nil {
		return "", err
	}
	r.notifyAccount(ctx, target, "Your registration was declined.")
	return fmt.Sprintf("Account %d rejected.", target.ID), nil
}

// splitTwo splits args into the first token and the verbatim remainder.
func splitTwo(args string) (string, string, bool) {
	args = strings.TrimSpace(args)
	first, rest, found := strings.Cut(args, " ")
	rest = strings.TrimSpace(rest)
	if first == "" || !found || rest == "" {
		return first, "", false
	}
	return first, rest, true
}
