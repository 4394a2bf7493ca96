package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"teamplan/internal/domain"
	"teamplan/internal/engine"
	"teamplan/internal/repo"
	"teamplan/internal/telegram"
)

// FileAPI is the slice of the chat platform client the ingestor needs.
type FileAPI interface {
	GetFile(ctx context.Context, fileID string) (telegram.File, error)
	Download(ctx context.Context, filePath string, w io.Writer) (int64, error)
}

// Ingestor downloads attachments into the upload directory and records
// their metadata. A FileRecord is only written once the bytes are durable
// on disk.
type Ingestor struct {
	Engine  engine.Engine
	Files   FileAPI
	Dir     string
	MaxSize int64
	Now     func() time.Time
}

func (in *Ingestor) now() time.Time {
	if in.Now != nil {
		return in.Now()
	}
	return time.Now()
}

// Ingest stores the attachment carried by msg for the given account and
// returns the confirmation text to send back.
func (in *Ingestor) Ingest(ctx context.Context, acct domain.Account, msg *telegram.Message) (string, error) {
	fileID, originalName, mediaType, declaredSize, method := describeAttachment(msg)
	if fileID == "" {
		return "", engine.InvalidArgumentError{Reason: "no attachment in message"}
	}
	if in.MaxSize > 0 && declaredSize > in.MaxSize {
		return "", engine.InvalidArgumentError{Reason: fmt.Sprintf("file exceeds the %d byte limit", in.MaxSize)}
	}

	// The caption's first token may name a task to attach the file to.
	var taskID *int64
	caption := strings.TrimSpace(msg.Caption)
	description := caption
	if code, rest, ok := strings.Cut(caption, " "); ok || code != "" {
		if t, err := in.Engine.Repo.GetTaskByCode(ctx, code); err == nil {
			taskID = &t.ID
			description = strings.TrimSpace(rest)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return "", err
		}
	}

	meta, err := in.Files.GetFile(ctx, fileID)
	if err != nil {
		return "", engine.UpstreamError{Op: "resolve file", Err: err}
	}
	if err := os.MkdirAll(in.Dir, 0o755); err != nil {
		return "", err
	}
	storedName := fmt.Sprintf("%s_%s_%s",
		in.now().UTC().Format("20060102T150405"), uuid.NewString()[:8], sanitizeName(originalName))
	dest := filepath.Join(in.Dir, storedName)

	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	size, err := in.Files.Download(ctx, meta.FilePath, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return "", engine.UpstreamError{Op: "download file", Err: err}
	}
	if in.MaxSize > 0 && size > in.MaxSize {
		os.Remove(dest)
		return "", engine.InvalidArgumentError{Reason: fmt.Sprintf("file exceeds the %d byte limit", in.MaxSize)}
	}

	rec, err := in.Engine.RecordFile(ctx, domain.FileRecord{
		StoredName:   storedName,
		OriginalName: originalName,
		MediaType:    mediaType,
		SizeBytes:    size,
		Method:       method,
		AccountID:    acct.ID,
		TaskID:       taskID,
		Description:  description,
	})
	if err != nil {
		os.Remove(dest)
		return "", err
	}
	reply := fmt.Sprintf("Stored %s (%d bytes).", rec.OriginalName, rec.SizeBytes)
	if taskID != nil {
		reply = fmt.Sprintf("Stored %s (%d bytes) against the task named in the caption.", rec.OriginalName, rec.SizeBytes)
	}
	return reply, nil
}

// describeAttachment picks the document, or the largest photo size.
func describeAttachment(msg *telegram.Message) (fileID, name, mediaType string, size int64, method string) {
	if msg.Document != nil {
		d := msg.Document
		name = d.FileName
		if name == "" {
			name = "document"
		}
		return d.FileID, name, d.MimeType, d.FileSize, "document"
	}
	if len(msg.Photo) > 0 {
		best := msg.Photo[0]
		for _, p := range msg.Photo[1:] {
			if p.Width*p.Height > best.Width*best.Height {
				best = p
			}
		}
		return best.FileID, "photo.jpg", "image/jpeg", best.FileSize, "photo"
	}
	return "", "", "", 0, ""
}

// sanitizeName strips path components and characters unsafe for local
// filenames from a client-supplied name.
func sanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		out = "file"
	}
	return out
}
