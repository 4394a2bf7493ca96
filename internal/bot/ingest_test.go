package bot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"teamplan/internal/domain"
	"teamplan/internal/engine"
	"teamplan/internal/repo"
	"teamplan/internal/telegram"
)

func sendDocument(env *botEnv, chatID int64, fileID, fileName, caption string) {
	env.nextUpdateID++
	env.Router.Route(env.Ctx, telegram.Update{
		UpdateID: env.nextUpdateID,
		Message: &telegram.Message{
			From:     &telegram.User{ID: chatID},
			Chat:     telegram.Chat{ID: chatID},
			Caption:  caption,
			Document: &telegram.Document{FileID: fileID, FileName: fileName, MimeType: "application/pdf"},
		},
	})
}

func TestIngestDocument(t *testing.T) {
	env := newBotEnv(t)
	acct := env.seedActive(t, 10, domain.RoleTechnician)
	env.Chat.files["f1"] = []byte("pdf-content")

	sendDocument(env, 10, "f1", "wiring diagram.pdf", "")

	files, err := env.Engine.Repo.ListFiles(env.Ctx, repo.FileFilters{AccountID: acct.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("expected one file record, got %d", len(files))
	}
	rec := files[0]
	if rec.OriginalName != "wiring diagram.pdf" || rec.SizeBytes != int64(len("pdf-content")) {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if strings.Contains(rec.StoredName, " ") {
		t.Fatalf("stored name must be sanitized, got %q", rec.StoredName)
	}
	data, err := os.ReadFile(filepath.Join(env.Router.Ingest.Dir, rec.StoredName))
	if err != nil {
		t.Fatalf("stored file missing: %v", err)
	}
	if string(data) != "pdf-content" {
		t.Fatalf("stored bytes differ: %q", data)
	}
	if got := lastText(t, env, 10); !strings.Contains(got, "Stored") {
		t.Fatalf("expected confirmation, got %q", got)
	}
}

func TestIngestLinksTaskFromCaption(t *testing.T) {
	env := newBotEnv(t)
	acct := env.seedActive(t, 10, domain.RoleTechnician)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Description: "Fix pump", CreatedBy: acct.ID})
	if err != nil {
		t.Fatal(err)
	}
	env.Chat.files["f1"] = []byte("photo")

	sendDocument(env, 10, "f1", "pump.jpg", task.Code+" before repair")

	files, err := env.Engine.Repo.ListFiles(env.Ctx, repo.FileFilters{TaskID: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("file should be linked to the task, got %d records", len(files))
	}
	if files[0].Description != "before repair" {
		t.Fatalf("caption remainder should become the description, got %q", files[0].Description)
	}
}

func TestIngestDownloadFailureLeavesNoRecord(t *testing.T) {
	env := newBotEnv(t)
	acct := env.seedActive(t, 10, domain.RoleTechnician)
	env.Chat.files["f1"] = []byte("pdf-content")
	env.Chat.failDownload = true

	sendDocument(env, 10, "f1", "diagram.pdf", "")

	files, err := env.Engine.Repo.ListFiles(env.Ctx, repo.FileFilters{AccountID: acct.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Fatalf("failed download must not leave a record, got %d", len(files))
	}
	entries, err := os.ReadDir(env.Router.Ingest.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("partial download must be removed, got %d files", len(entries))
	}
	if got := lastText(t, env, 10); !strings.Contains(got, "unavailable") {
		t.Fatalf("expected upstream failure reply, got %q", got)
	}
}

func TestIngestRejectsOversizedDeclaredFile(t *testing.T) {
	env := newBotEnv(t)
	env.seedActive(t, 10, domain.RoleTechnician)
	env.Router.Ingest.MaxSize = 4

	env.nextUpdateID++
	env.Router.Route(env.Ctx, telegram.Update{
		UpdateID: env.nextUpdateID,
		Message: &telegram.Message{
			From:     &telegram.User{ID: 10},
			Chat:     telegram.Chat{ID: 10},
			Document: &telegram.Document{FileID: "f1", FileName: "big.bin", FileSize: 100},
		},
	})
	if got := lastText(t, env, 10); !strings.Contains(got, "exceeds") {
		t.Fatalf("expected size limit reply, got %q", got)
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"wiring diagram.pdf":   "wiring_diagram.pdf",
		"../../etc/passwd":     "passwd",
		`..\..\windows\sys.db`: "sys.db",
		"":                     "file",
		"...":                  "file",
	}
	for in, want := range cases {
		if got := sanitizeName(in); got != want {
			t.Errorf("sanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}
