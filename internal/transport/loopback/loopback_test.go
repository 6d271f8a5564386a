package loopback

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/0xdsaini/telegramdrive/internal/remote"
	"github.com/0xdsaini/telegramdrive/internal/storage/local"
	"github.com/0xdsaini/telegramdrive/internal/transport"
	"github.com/0xdsaini/telegramdrive/pkg/protocol"
)

const chatID = -1001

func newChat(t *testing.T, cfg Config) (*Chat, *remote.Client) {
	t.Helper()
	blobs, err := local.New(local.Config{RootPath: filepath.Join(t.TempDir(), "blobs"), CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}
	cfg.ChatID = chatID
	chat := New(cfg, blobs)
	return chat, remote.New(chat, chatID)
}

func TestTextMessages(t *testing.T) {
	ctx := context.Background()
	_, rc := newChat(t, Config{})

	first, err := rc.SendText(ctx, "hello world")
	if err != nil {
		t.Fatal(err)
	}
	second, _ := rc.SendText(ctx, "METADATA_STORAGE\n{}")
	if second.ID <= first.ID {
		t.Errorf("message ids not increasing: %d then %d", first.ID, second.ID)
	}

	edited, err := rc.EditText(ctx, first.ID, "changed")
	if err != nil || edited.PlainText() != "changed" {
		t.Fatalf("EditText = %v, %v", edited, err)
	}
	got, _ := rc.Message(ctx, first.ID)
	if got.PlainText() != "changed" {
		t.Errorf("Message after edit = %q", got.PlainText())
	}

	found, err := rc.Search(ctx, "metadata_storage", 0, 5)
	if err != nil || len(found.Messages) != 1 || found.Messages[0].ID != second.ID {
		t.Errorf("Search = %+v, %v", found, err)
	}

	if _, err := rc.Message(ctx, 12345); !transport.IsNotFound(err) {
		t.Errorf("Message(missing) err = %v, want 404", err)
	}
}

func TestHistoryPaging(t *testing.T) {
	ctx := context.Background()
	_, rc := newChat(t, Config{})
	for i := 0; i < 5; i++ {
		rc.SendText(ctx, "m")
	}

	page, err := rc.History(ctx, 0, 2)
	if err != nil || len(page.Messages) != 2 {
		t.Fatalf("History(0, 2) = %+v, %v", page, err)
	}
	next, _ := rc.History(ctx, page.Messages[1].ID, 10)
	if len(next.Messages) != 3 {
		t.Errorf("second page has %d messages, want 3", len(next.Messages))
	}
	if next.Messages[0].ID >= page.Messages[1].ID {
		t.Error("history should be strictly older than from_message_id")
	}
}

func TestDocumentDownload(t *testing.T) {
	ctx := context.Background()
	chat, rc := newChat(t, Config{DownloadStep: 4, Base64Parts: true})
	data := []byte("0123456789")

	msg, err := rc.SendDocument(ctx, "a.txt", "text/plain", data)
	if err != nil {
		t.Fatal(err)
	}
	doc, err := rc.Document(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	fileID := doc.File.ID

	if _, err := rc.ReadPart(ctx, fileID, 0, 4); err == nil {
		t.Error("reading before download should fail")
	}

	if _, err := rc.StartDownload(ctx, fileID, 0); err != nil {
		t.Fatal(err)
	}
	var f *protocol.File
	for i := 0; i < 5; i++ {
		f, _ = rc.File(ctx, fileID)
		if f.Local.IsDownloadingCompleted {
			break
		}
	}
	if !f.Local.IsDownloadingCompleted || f.Local.DownloadedPrefixSize != 10 {
		t.Fatalf("download did not complete: %+v", f.Local)
	}

	part, err := rc.ReadPart(ctx, fileID, 3, 4)
	if err != nil || string(part) != "3456" {
		t.Errorf("ReadPart = %q, %v", part, err)
	}
	if chat.Calls("readFilePart") != 2 {
		t.Errorf("readFilePart calls = %d, want 2", chat.Calls("readFilePart"))
	}

	if err := rc.Delete(ctx, msg.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := rc.File(ctx, fileID); !transport.IsNotFound(err) {
		t.Errorf("File after delete err = %v, want 404", err)
	}
}

func TestStalledDownload(t *testing.T) {
	ctx := context.Background()
	chat, rc := newChat(t, Config{DownloadStep: 100})
	msg, _ := rc.SendDocument(ctx, "b.bin", "", make([]byte, 300))
	doc, _ := rc.Document(ctx, msg.ID)

	chat.StallDownloads(2)
	rc.StartDownload(ctx, doc.File.ID, 0)
	for i := 0; i < 2; i++ {
		f, _ := rc.File(ctx, doc.File.ID)
		if f.Local.DownloadedPrefixSize != 0 {
			t.Fatalf("stalled poll %d advanced to %d", i, f.Local.DownloadedPrefixSize)
		}
	}
	f, _ := rc.File(ctx, doc.File.ID)
	if f.Local.DownloadedPrefixSize != 100 {
		t.Errorf("prefix after stall = %d, want 100", f.Local.DownloadedPrefixSize)
	}
}

func TestLimitsAndErrors(t *testing.T) {
	ctx := context.Background()
	_, rc := newChat(t, Config{MaxDocumentSize: 4})
	if _, err := rc.SendDocument(ctx, "big", "", []byte("12345")); err == nil {
		t.Error("oversized document should be rejected")
	}
	wrong := remote.New(rc.Transport(), 42)
	if _, err := wrong.SendText(ctx, "x"); err == nil {
		t.Error("unknown chat should be rejected")
	}
}
