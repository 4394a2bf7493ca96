package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	"teamplan/internal/config"
	"teamplan/internal/db"
	"teamplan/internal/domain"
	"teamplan/internal/engine"
	"teamplan/internal/migrate"
	"teamplan/internal/notify"
	"teamplan/internal/repo"
	"teamplan/internal/telegram"
)

type sentMessage struct {
	ChatID   int64
	Text     string
	Keyboard *telegram.InlineKeyboardMarkup
}

// fakeChat implements the transport, callback and file surfaces of the
// platform client.
type fakeChat struct {
	messages     []sentMessage
	answers      []string
	failFor      map[int64]bool
	files        map[string][]byte
	failDownload bool
}

func (f *fakeChat) SendMessage(ctx context.Context, chatID int64, text string, kb *telegram.InlineKeyboardMarkup) error {
	if f.failFor[chatID] {
		return errors.New("delivery failed")
	}
	f.messages = append(f.messages, sentMessage{ChatID: chatID, Text: text, Keyboard: kb})
	return nil
}

func (f *fakeChat) AnswerCallback(ctx context.Context, callbackID, text string) error {
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeChat) GetFile(ctx context.Context, fileID string) (telegram.File, error) {
	if _, ok := f.files[fileID]; !ok {
		return telegram.File{}, errors.New("file not found")
	}
	return telegram.File{FileID: fileID, FilePath: "documents/" + fileID}, nil
}

func (f *fakeChat) Download(ctx context.Context, filePath string, w io.Writer) (int64, error) {
	if f.failDownload {
		return 0, errors.New("connection reset")
	}
	fileID := strings.TrimPrefix(filePath, "documents/")
	data, ok := f.files[fileID]
	if !ok {
		return 0, errors.New("file not found")
	}
	n, err := w.Write(data)
	return int64(n), err
}

func (f *fakeChat) textsFor(chatID int64) []string {
	var out []string
	for _, m := range f.messages {
		if m.ChatID == chatID {
			out = append(out, m.Text)
		}
	}
	return out
}

type botEnv struct {
	Router *Router
	Engine engine.Engine
	Chat   *fakeChat
	Ctx    context.Context

	nextUpdateID int64
}

func newBotEnv(t *testing.T) *botEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Activity.Now = eng.Now

	chat := &fakeChat{failFor: map[int64]bool{}, files: map[string][]byte{}}
	ing := &Ingestor{
		Engine:  eng,
		Files:   chat,
		Dir:     t.TempDir(),
		MaxSize: cfg.Files.MaxSizeBytes,
		Now:     eng.Now,
	}
	router := NewRouter(eng, notify.Notifier{Transport: chat}, chat, ing, cfg)
	return &botEnv{Router: router, Engine: eng, Chat: chat, Ctx: context.Background(), nextUpdateID: 1}
}

func (env *botEnv) send(chatID int64, text string) {
	env.nextUpdateID++
	env.Router.Route(env.Ctx, telegram.Update{
		UpdateID: env.nextUpdateID,
		Message: &telegram.Message{
			MessageID: env.nextUpdateID,
			From:      &telegram.User{ID: chatID, Username: fmt.Sprintf("user%d", chatID), FirstName: "User"},
			Chat:      telegram.Chat{ID: chatID},
			Text:      text,
		},
	})
}

// seedActive creates an account for chatID and activates it with the role.
func (env *botEnv) seedActive(t *testing.T, chatID int64, role string) domain.Account {
	t.Helper()
	a, _, err := env.Engine.ResolveAccount(env.Ctx, strconv.FormatInt(chatID, 10), engine.ProfileHints{})
	if err != nil {
		t.Fatal(err)
	}
	tx, err := env.Engine.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.UpdateAccountStatus(env.Ctx, tx, a.ID, domain.StatusActive, role); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	a.Status = domain.StatusActive
	a.Role = role
	return a
}

func lastText(t *testing.T, env *botEnv, chatID int64) string {
	t.Helper()
	texts := env.Chat.textsFor(chatID)
	if len(texts) == 0 {
		t.Fatalf("no messages sent to chat %d", chatID)
	}
	return texts[len(texts)-1]
}

func TestPendingCommandDenied(t *testing.T) {
	env := newBotEnv(t)
	env.send(555, "/newtask Fix pump")

	acct, err := env.Engine.Repo.GetAccountByExternalID(env.Ctx, "555")
	if err != nil {
		t.Fatalf("account should exist after first contact: %v", err)
	}
	if acct.Status != domain.StatusPending {
		t.Fatalf("expected pending account, got %s", acct.Status)
	}

	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("denied command must not create tasks, got %d", len(tasks))
	}

	denied, err := env.Engine.Repo.ListActivity(env.Ctx, repo.ActivityFilters{AccountID: acct.ID, Kind: domain.ActivityDenied})
	if err != nil {
		t.Fatal(err)
	}
	if len(denied) != 1 {
		t.Fatalf("expected exactly one denied entry, got %d", len(denied))
	}
	if got := lastText(t, env, 555); !strings.Contains(got, "not active") {
		t.Fatalf("expected denial reply, got %q", got)
	}
}

func TestDuplicateUpdateDropped(t *testing.T) {
	env := newBotEnv(t)
	env.seedActive(t, 10, domain.RoleTechnician)

	u := telegram.Update{
		UpdateID: 77,
		Message: &telegram.Message{
			From: &telegram.User{ID: 10},
			Chat: telegram.Chat{ID: 10},
			Text: "/help",
		},
	}
	env.Router.Route(env.Ctx, u)
	env.Router.Route(env.Ctx, u)

	if got := len(env.Chat.textsFor(10)); got != 1 {
		t.Fatalf("redelivered update must be processed once, got %d replies", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	env := newBotEnv(t)
	env.seedActive(t, 10, domain.RoleTechnician)
	env.send(10, "/frobnicate now")
	if got := lastText(t, env, 10); !strings.Contains(got, "Unrecognized") {
		t.Fatalf("expected unrecognized reply, got %q", got)
	}
}

func TestPlainTextIgnored(t *testing.T) {
	env := newBotEnv(t)
	env.seedActive(t, 10, domain.RoleTechnician)
	env.send(10, "just chatting")
	if got := len(env.Chat.textsFor(10)); got != 0 {
		t.Fatalf("plain text should not trigger replies, got %d", got)
	}
}

func TestFirstContactNotifiesManagers(t *testing.T) {
	env := newBotEnv(t)
	env.seedActive(t, 1, domain.RoleManager)
	env.send(555, "hello")

	mgrMsgs := env.Chat.textsFor(1)
	if len(mgrMsgs) != 1 || !strings.Contains(mgrMsgs[0], "Registration request") {
		t.Fatalf("manager should get a registration request, got %v", mgrMsgs)
	}
	var kb *telegram.InlineKeyboardMarkup
	for _, m := range env.Chat.messages {
		if m.ChatID == 1 {
			kb = m.Keyboard
		}
	}
	if kb == nil || len(kb.InlineKeyboard) != 2 {
		t.Fatalf("manager message should carry the approve/reject keyboard, got %+v", kb)
	}
}

func TestCallbackApprove(t *testing.T) {
	env := newBotEnv(t)
	env.seedActive(t, 1, domain.RoleManager)
	env.send(555, "/register")

	target, err := env.Engine.Repo.GetAccountByExternalID(env.Ctx, "555")
	if err != nil {
		t.Fatal(err)
	}
	env.Router.Route(env.Ctx, telegram.Update{
		UpdateID: 500,
		CallbackQuery: &telegram.CallbackQuery{
			ID:   "cb1",
			From: &telegram.User{ID: 1},
			Data: fmt.Sprintf("approve:%d:%s", target.ID, domain.RoleTechnician),
		},
	})

	got, err := env.Engine.Repo.GetAccount(env.Ctx, target.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusActive || got.Role != domain.RoleTechnician {
		t.Fatalf("callback should activate the account, got %+v", got)
	}
	if got := lastText(t, env, 555); !strings.Contains(got, "approved") {
		t.Fatalf("target should be told about the approval, got %q", got)
	}

	// Pressing the button again hits the state check.
	env.Router.Route(env.Ctx, telegram.Update{
		UpdateID: 501,
		CallbackQuery: &telegram.CallbackQuery{
			ID:   "cb2",
			From: &telegram.User{ID: 1},
			Data: fmt.Sprintf("approve:%d:%s", target.ID, domain.RoleTechnician),
		},
	})
	last := env.Chat.answers[len(env.Chat.answers)-1]
	if !strings.Contains(last, "not pending") {
		t.Fatalf("second press should report the state conflict, got %q", last)
	}
}

func TestCallbackFromNonManagerDenied(t *testing.T) {
	env := newBotEnv(t)
	env.seedActive(t, 2, domain.RoleTechnician)
	env.send(555, "hello")
	target, err := env.Engine.Repo.GetAccountByExternalID(env.Ctx, "555")
	if err != nil {
		t.Fatal(err)
	}

	env.Router.Route(env.Ctx, telegram.Update{
		UpdateID: 600,
		CallbackQuery: &telegram.CallbackQuery{
			ID:   "cb1",
			From: &telegram.User{ID: 2},
			Data: fmt.Sprintf("approve:%d:%s", target.ID, domain.RoleTechnician),
		},
	})

	got, err := env.Engine.Repo.GetAccount(env.Ctx, target.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusPending {
		t.Fatalf("non-manager callback must not change status, got %s", got.Status)
	}
}

func TestEndToEndRegistrationAndTask(t *testing.T) {
	env := newBotEnv(t)
	mgr := env.seedActive(t, 1, domain.RoleManager)

	// Three earlier tasks so the next code is TA004.
	for i := 0; i < 3; i++ {
		if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
			Description: fmt.Sprintf("earlier %d", i+1),
			CreatedBy:   mgr.ID,
		}); err != nil {
			t.Fatal(err)
		}
	}

	env.send(555, "/newtask Fix pump")
	acct, err := env.Engine.Repo.GetAccountByExternalID(env.Ctx, "555")
	if err != nil {
		t.Fatal(err)
	}
	if acct.Status != domain.StatusPending {
		t.Fatalf("expected pending account, got %s", acct.Status)
	}
	if tasks, _ := env.Engine.Repo.ListTasksForAccount(env.Ctx, acct.ID, 10); len(tasks) != 0 {
		t.Fatalf("pending account must not create tasks, got %d", len(tasks))
	}

	if _, err := env.Engine.Approve(env.Ctx, mgr, acct.ID, domain.RoleTechnician); err != nil {
		t.Fatalf("approve: %v", err)
	}

	env.send(555, "/newtask Fix pump")
	if got := lastText(t, env, 555); !strings.Contains(got, "TA004") {
		t.Fatalf("expected TA004 in the reply, got %q", got)
	}
	task, err := env.Engine.Repo.GetTaskByCode(env.Ctx, "TA004")
	if err != nil {
		t.Fatalf("task TA004 should exist: %v", err)
	}
	if task.Description != "Fix pump" || task.CreatedBy != acct.ID {
		t.Fatalf("unexpected task: %+v", task)
	}
	assignments, err := env.Engine.Repo.ListAssignments(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(assignments) != 1 || assignments[0].AccountID != acct.ID || !assignments[0].Primary {
		t.Fatalf("creator should be primary assignee, got %+v", assignments)
	}
}

func TestEveryCommandLeavesOneActivityEntry(t *testing.T) {
	env := newBotEnv(t)
	acct := env.seedActive(t, 10, domain.RoleTechnician)
	count := func() []domain.ActivityEntry {
		t.Helper()
		entries, err := env.Engine.Repo.ListActivity(env.Ctx, repo.ActivityFilters{AccountID: acct.ID})
		if err != nil {
			t.Fatal(err)
		}
		return entries
	}
	base := len(count()) // the registration entry from seeding

	env.send(10, "/tasks")
	entries := count()
	if len(entries) != base+1 {
		t.Fatalf("successful /tasks should add exactly one entry, got %d new", len(entries)-base)
	}
	if entries[0].Kind != domain.ActivityCommand {
		t.Fatalf("read-only command should be audited as %s, got %s", domain.ActivityCommand, entries[0].Kind)
	}

	env.send(10, "/newtask Fix pump")
	entries = count()
	if len(entries) != base+2 {
		t.Fatalf("/newtask should add exactly one entry, got %d new", len(entries)-base)
	}
	if entries[0].Kind != domain.ActivityTaskCreation {
		t.Fatalf("task creation should not gain a duplicate generic entry, got %s", entries[0].Kind)
	}

	env.send(10, "/help")
	entries = count()
	if len(entries) != base+3 {
		t.Fatalf("/help should add exactly one entry, got %d new", len(entries)-base)
	}
}

func TestRegisterPingsManagersOnce(t *testing.T) {
	env := newBotEnv(t)
	env.seedActive(t, 1, domain.RoleManager)

	env.send(555, "/register")
	if got := env.Chat.textsFor(1); len(got) != 1 {
		t.Fatalf("first contact should ping the manager exactly once, got %v", got)
	}

	// A repeat from the still-pending account is a fresh reminder.
	env.send(555, "/register")
	if got := env.Chat.textsFor(1); len(got) != 2 {
		t.Fatalf("repeated /register should ping again, got %v", got)
	}
}

func TestBroadcastCommand(t *testing.T) {
	env := newBotEnv(t)
	env.seedActive(t, 1, domain.RoleManager)
	env.seedActive(t, 2, domain.RoleTechnician)
	env.seedActive(t, 3, domain.RoleTechnician)
	env.seedActive(t, 4, domain.RoleCommercial)
	env.Chat.failFor[3] = true

	env.send(1, "/broadcast Maintenance window at noon")

	if got := lastText(t, env, 1); !strings.Contains(got, "3 sent, 1 failed") {
		t.Fatalf("expected delivery summary, got %q", got)
	}
	entries, err := env.Engine.Repo.ListActivity(env.Ctx, repo.ActivityFilters{Kind: domain.ActivityBroadcast})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one broadcast entry, got %d", len(entries))
	}
}

func TestBroadcastRoleCohort(t *testing.T) {
	env := newBotEnv(t)
	env.seedActive(t, 1, domain.RoleManager)
	env.seedActive(t, 2, domain.RoleTechnician)
	env.seedActive(t, 3, domain.RoleCommercial)

	env.send(1, "/broadcast technician Check your vans")

	if texts := env.Chat.textsFor(2); len(texts) != 1 || !strings.Contains(texts[0], "Check your vans") {
		t.Fatalf("technician should get the broadcast, got %v", texts)
	}
	if texts := env.Chat.textsFor(3); len(texts) != 0 {
		t.Fatalf("commercial must not get a technician broadcast, got %v", texts)
	}
}

func TestBroadcastRequiresManager(t *testing.T) {
	env := newBotEnv(t)
	env.seedActive(t, 2, domain.RoleTechnician)
	env.send(2, "/broadcast hey all")
	if got := lastText(t, env, 2); !strings.Contains(got, "not allowed") {
		t.Fatalf("expected forbidden reply, got %q", got)
	}
}

func TestNewTaskMissingDescription(t *testing.T) {
	env := newBotEnv(t)
	acct := env.seedActive(t, 10, domain.RoleTechnician)
	env.send(10, "/newtask")

	if got := lastText(t, env, 10); !strings.Contains(got, "Usage") {
		t.Fatalf("expected usage hint, got %q", got)
	}
	if tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{}); len(tasks) != 0 {
		t.Fatalf("no task should be created, got %d", len(tasks))
	}
	entries, err := env.Engine.Repo.ListActivity(env.Ctx, repo.ActivityFilters{AccountID: acct.ID, Kind: domain.ActivityCommand})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one generic command entry, got %d", len(entries))
	}
}

func TestStatusAndTasksCommands(t *testing.T) {
	env := newBotEnv(t)
	acct := env.seedActive(t, 10, domain.RoleTechnician)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Description: "Fix pump", CreatedBy: acct.ID})
	if err != nil {
		t.Fatal(err)
	}

	env.send(10, "/status "+task.Code+" in_progress")
	if got := lastText(t, env, 10); !strings.Contains(got, "in_progress") {
		t.Fatalf("expected status confirmation, got %q", got)
	}

	env.send(10, "/tasks")
	if got := lastText(t, env, 10); !strings.Contains(got, task.Code) || !strings.Contains(got, "in_progress") {
		t.Fatalf("expected task listing, got %q", got)
	}

	env.send(10, "/status TA999 blocked")
	if got := lastText(t, env, 10); !strings.Contains(got, "Not found") {
		t.Fatalf("expected not-found reply, got %q", got)
	}
}
