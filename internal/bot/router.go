package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"teamplan/internal/config"
	"teamplan/internal/domain"
	"teamplan/internal/engine"
	"teamplan/internal/notify"
	"teamplan/internal/repo"
	"teamplan/internal/telegram"
)

// Callbacks acknowledges inline keyboard presses.
type Callbacks interface {
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

type handlerFunc func(ctx context.Context, acct domain.Account, args string) (string, error)

// Router drives one inbound update through dedup, identity resolution, the
// approval gate and the matching handler. It never propagates errors to the
// webhook: every failure ends in a logged, user-facing reply.
type Router struct {
	Engine    engine.Engine
	Notify    notify.Notifier
	Callbacks Callbacks
	Ingest    *Ingestor
	Config    *config.Config

	handlers map[string]handlerFunc
}

func NewRouter(eng engine.Engine, n notify.Notifier, cb Callbacks, ing *Ingestor, cfg *config.Config) *Router {
	r := &Router{Engine: eng, Notify: n, Callbacks: cb, Ingest: ing, Config: cfg}
	r.handlers = map[string]handlerFunc{
		"help":      r.handleHelp,
		"start":     r.handleStart,
		"register":  r.handleRegister,
		"newtask":   r.handleNewTask,
		"tasks":     r.handleTasks,
		"status":    r.handleStatus,
		"note":      r.handleNote,
		"file":      r.handleFile,
		"broadcast": r.handleBroadcast,
		"approve":   r.handleApprove,
		"reject":    r.handleReject,
	}
	return r
}

// Route processes one update. Redelivered update ids are dropped.
func (r *Router) Route(ctx context.Context, u telegram.Update) {
	if u.UpdateID != 0 {
		seen, err := r.Engine.Repo.MarkUpdateProcessed(ctx, u.UpdateID, r.Engine.Now())
		if err != nil {
			log.Printf("bot: dedup check for update %d: %v", u.UpdateID, err)
			return
		}
		if seen {
			return
		}
	}
	switch {
	case u.CallbackQuery != nil:
		r.routeCallback(ctx, u.CallbackQuery)
	case u.Message != nil:
		r.routeMessage(ctx, u.Message)
	}
}

func (r *Router) routeMessage(ctx context.Context, msg *telegram.Message) {
	if msg.From == nil {
		return
	}
	acct, created, err := r.resolveSender(ctx, msg.From)
	if err != nil {
		log.Printf("bot: resolve sender %d: %v", msg.From.ID, err)
		return
	}
	if created {
		r.notifyAccount(ctx, acct, "Welcome. Your registration is awaiting approval by a manager.")
		r.notifyManagers(ctx, acct)
	}

	if msg.Document != nil || len(msg.Photo) > 0 {
		r.routeFile(ctx, acct, msg)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		// Plain text is acknowledged by the resolve above; nothing else to do.
		return
	}
	name, args := parseCommand(text)
	if created && name == "register" {
		// The resolve above already announced the registration and pinged
		// the managers; running the handler would ping them twice.
		return
	}
	h, known := r.handlers[name]
	if !known {
		r.notifyAccount(ctx, acct, "Unrecognized command. Send /help for the list.")
		return
	}
	if !engine.CanAct(acct, name) {
		if err := r.Engine.RecordDenied(ctx, acct.ID, name); err != nil {
			log.Printf("bot: record denied command for account %d: %v", acct.ID, err)
		}
		r.notifyAccount(ctx, acct, "Your account is not active yet. A manager has to approve it first.")
		return
	}
	reply, err := h(ctx, acct, args)
	if err != nil {
		r.replyError(ctx, acct, name, err)
		return
	}
	if !selfRecorded[name] {
		if err := r.Engine.RecordCommand(ctx, acct.ID, fmt.Sprintf("command /%s", name)); err != nil {
			log.Printf("bot: record command for account %d: %v", acct.ID, err)
		}
	}
	if reply != "" {
		r.notifyAccount(ctx, acct, reply)
	}
}

// selfRecorded commands append their own kind-specific entry inside the
// engine transaction; the router records the rest, so every invocation
// leaves exactly one activity entry.
var selfRecorded = map[string]bool{
	"newtask":   true,
	"status":    true,
	"note":      true,
	"broadcast": true,
	"approve":   true,
	"reject":    true,
}

func (r *Router) routeFile(ctx context.Context, acct domain.Account, msg *telegram.Message) {
	if !engine.CanAct(acct, "file") {
		if err := r.Engine.RecordDenied(ctx, acct.ID, "file"); err != nil {
			log.Printf("bot: record denied file for account %d: %v", acct.ID, err)
		}
		r.notifyAccount(ctx, acct, "Your account is not active yet. A manager has to approve it first.")
		return
	}
	reply, err := r.Ingest.Ingest(ctx, acct, msg)
	if err != nil {
		r.replyError(ctx, acct, "file", err)
		return
	}
	r.notifyAccount(ctx, acct, reply)
}

// routeCallback handles the approve/reject inline keyboard. The data is
// "approve:<account id>:<role>" or "reject:<account id>".
func (r *Router) routeCallback(ctx context.Context, cq *telegram.CallbackQuery) {
	ack := func(text string) {
		if err := r.Callbacks.AnswerCallback(ctx, cq.ID, text); err != nil {
			log.Printf("bot: answer callback %s: %v", cq.ID, err)
		}
	}
	if cq.From == nil {
		ack("")
		return
	}
	actor, _, err := r.resolveSender(ctx, cq.From)
	if err != nil {
		log.Printf("bot: resolve callback sender %d: %v", cq.From.ID, err)
		ack("Something went wrong.")
		return
	}

	parts := strings.Split(cq.Data, ":")
	var target domain.Account
	switch {
	case len(parts) == 3 && parts[0] == "approve":
		id, perr := strconv.ParseInt(parts[1], 10, 64)
		if perr != nil {
			ack("Malformed action.")
			return
		}
		target, err = r.Engine.Approve(ctx, actor, id, parts[2])
	case len(parts) == 2 && parts[0] == "reject":
		id, perr := strconv.ParseInt(parts[1], 10, 64)
		if perr != nil {
			ack("Malformed action.")
			return
		}
		target, err = r.Engine.Reject(ctx, actor, id, "")
	default:
		ack("Malformed action.")
		return
	}
	if err != nil {
		ack(friendlyError(err))
		return
	}
	if target.Status == domain.StatusActive {
		ack(fmt.Sprintf("Approved as %s.", target.Role))
		r.notifyAccount(ctx, target, fmt.Sprintf("Your account was approved. You are now active as %s.", target.Role))
	} else {
		ack("Rejected.")
		r.notifyAccount(ctx, target, "Your registration was declined.")
	}
	if err := r.Engine.Activity.Append(ctx, nil, domain.ActivityCallback, actor.ID, nil,
		fmt.Sprintf("callback %q on account %d", parts[0], target.ID)); err != nil {
		log.Printf("bot: record callback activity: %v", err)
	}
}

func (r *Router) resolveSender(ctx context.Context, u *telegram.User) (domain.Account, bool, error) {
	return r.Engine.ResolveAccount(ctx, strconv.FormatInt(u.ID, 10), engine.ProfileHints{
		Username: u.Username,
		FullName: u.FullName(),
	})
}

// replyError records the generic command entry and sends a friendly message.
func (r *Router) replyError(ctx context.Context, acct domain.Account, command string, err error) {
	if recErr := r.Engine.RecordCommand(ctx, acct.ID,
		fmt.Sprintf("command /%s failed: %v", command, err)); recErr != nil {
		log.Printf("bot: record failed command for account %d: %v", acct.ID, recErr)
	}
	r.notifyAccount(ctx, acct, friendlyError(err))
}

func friendlyError(err error) string {
	var invalidArg engine.InvalidArgumentError
	var invalidRole engine.InvalidRoleError
	var invalidState engine.InvalidStateError
	var forbidden engine.ForbiddenError
	var upstream engine.UpstreamError
	switch {
	case errors.As(err, &invalidArg):
		return invalidArg.Reason
	case errors.As(err, &invalidRole):
		return fmt.Sprintf("Unknown role %q. Roles: manager, technician, commercial, other.", invalidRole.Role)
	case errors.As(err, &invalidState):
		return fmt.Sprintf("Account %d is %s, not pending.", invalidState.AccountID, invalidState.Status)
	case errors.As(err, &forbidden):
		return "You are not allowed to do that."
	case errors.As(err, &upstream):
		return "The file service is unavailable right now. Please try again."
	case errors.Is(err, repo.ErrNotFound):
		return "Not found. Check the code or id and try again."
	default:
		return "Something went wrong. Please try again."
	}
}

// notifyAccount sends to one account's chat, logging delivery failures.
func (r *Router) notifyAccount(ctx context.Context, a domain.Account, text string) {
	if err := r.Notify.Send(ctx, a, text); err != nil {
		log.Printf("bot: send to account %d: %v", a.ID, err)
	}
}

// notifyManagers offers the approve/reject keyboard for a pending account
// to every active manager.
func (r *Router) notifyManagers(ctx context.Context, pending domain.Account) {
	managers, err := r.Engine.Repo.ListAccountsByRole(ctx, domain.RoleManager)
	if err != nil {
		log.Printf("bot: list managers: %v", err)
		return
	}
	name := pending.FullName
	if name == "" {
		name = pending.Username
	}
	text := fmt.Sprintf("Registration request from %s (account %d).", name, pending.ID)
	kb := &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{
		{
			{Text: "Technician", CallbackData: fmt.Sprintf("approve:%d:%s", pending.ID, domain.RoleTechnician)},
			{Text: "Commercial", CallbackData: fmt.Sprintf("approve:%d:%s", pending.ID, domain.RoleCommercial)},
			{Text: "Manager", CallbackData: fmt.Sprintf("approve:%d:%s", pending.ID, domain.RoleManager)},
		},
		{
			{Text: "Reject", CallbackData: fmt.Sprintf("reject:%d", pending.ID)},
		},
	}}
	for _, m := range managers {
		chatID, perr := strconv.ParseInt(m.ExternalID, 10, 64)
		if perr != nil {
			continue
		}
		if err := r.Notify.Transport.SendMessage(ctx, chatID, text, kb); err != nil {
			log.Printf("bot: notify manager %d: %v", m.ID, err)
		}
	}
}

// parseCommand splits "/status TA004 blocked" into ("status", "TA004 blocked"),
// tolerating the "/status@botname" addressing form.
func parseCommand(text string) (string, string) {
	name, args, _ := strings.Cut(text, " ")
	name = strings.TrimPrefix(name, "/")
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at]
	}
	return strings.ToLower(name), strings.TrimSpace(args)
}
