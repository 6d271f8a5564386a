package metastore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/0xdsaini/telegramdrive/internal/remote"
	"github.com/0xdsaini/telegramdrive/internal/settings"
	"github.com/0xdsaini/telegramdrive/internal/storage/local"
	"github.com/0xdsaini/telegramdrive/internal/transport"
	"github.com/0xdsaini/telegramdrive/internal/transport/loopback"
	"github.com/0xdsaini/telegramdrive/pkg/errs"
	"github.com/0xdsaini/telegramdrive/pkg/protocol"
	"github.com/0xdsaini/telegramdrive/pkg/tree"
)

const chatID = -100

func newChat(t *testing.T) *loopback.Chat {
	t.Helper()
	blobs, err := local.New(local.Config{RootPath: filepath.Join(t.TempDir(), "blobs"), CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}
	return loopback.New(loopback.Config{ChatID: chatID}, blobs)
}

// failing rejects the listed request types with a network-style error.
func failing(next transport.Transport, types ...string) transport.Transport {
	return transport.Func(func(ctx context.Context, req protocol.Request) (protocol.Response, error) {
		for _, typ := range types {
			if req.TypeName() == typ {
				return nil, errors.New("connection reset")
			}
		}
		return next.Send(ctx, req)
	})
}

func TestCommitCreatesThenEdits(t *testing.T) {
	ctx := context.Background()
	chat := newChat(t)
	st := settings.NewMemoryStore()
	s := New(remote.New(chat, chatID), st, Config{})

	root, _ := tree.CreateFolder(tree.New(), "/", "Docs")
	if err := s.Commit(ctx, root); err != nil {
		t.Fatal(err)
	}
	id, ok, _ := settings.Locator(ctx, st)
	if !ok {
		t.Fatal("locator not cached after create")
	}

	root, _ = tree.CreateFolder(root, "/", "Music")
	if err := s.Commit(ctx, root); err != nil {
		t.Fatal(err)
	}
	if chat.Calls("sendMessage") != 1 || chat.Calls("editMessageText") != 1 {
		t.Errorf("sendMessage=%d editMessageText=%d, want 1 and 1",
			chat.Calls("sendMessage"), chat.Calls("editMessageText"))
	}
	if got, _ := s.Locator(); got != id {
		t.Errorf("locator changed from %d to %d", id, got)
	}

	loaded, err := New(remote.New(chat, chatID), st, Config{}).Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !tree.Equal(loaded, root) {
		t.Error("loaded tree differs from committed tree")
	}
}

func TestLoadEmptyChat(t *testing.T) {
	s := New(remote.New(newChat(t), chatID), settings.NewMemoryStore(), Config{})
	root, err := s.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !tree.Equal(root, tree.New()) {
		t.Error("empty chat should load an empty tree")
	}
}

func TestLocateBySearch(t *testing.T) {
	ctx := context.Background()
	chat := newChat(t)
	rc := remote.New(chat, chatID)
	rc.SendText(ctx, "unrelated")
	rec, _ := rc.SendText(ctx, tree.Encode(tree.New()))
	rc.SendText(ctx, "more chatter")

	st := settings.NewMemoryStore()
	id, found, err := New(rc, st, Config{}).Locate(ctx)
	if err != nil || !found || id != rec.ID {
		t.Fatalf("Locate = (%d, %v, %v), want %d", id, found, err, rec.ID)
	}
	if chat.Calls("getChatHistory") != 0 {
		t.Error("search hit should not scan history")
	}
	if cached, _, _ := settings.Locator(ctx, st); cached != rec.ID {
		t.Errorf("cached locator = %d, want %d", cached, rec.ID)
	}
}

func TestLocateByHistoryWhenSearchFails(t *testing.T) {
	ctx := context.Background()
	chat := newChat(t)
	rc := remote.New(chat, chatID)
	rec, _ := rc.SendText(ctx, tree.Encode(tree.New()))
	for i := 0; i < 3; i++ {
		rc.SendText(ctx, "noise")
	}

	s := New(remote.New(failing(chat, "searchChatMessages"), chatID), settings.NewMemoryStore(),
		Config{HistoryPageSize: 2, HistoryMaxPages: 3})
	id, found, err := s.Locate(ctx)
	if err != nil || !found || id != rec.ID {
		t.Fatalf("Locate = (%d, %v, %v), want %d", id, found, err, rec.ID)
	}
}

func TestHistoryScanIsBounded(t *testing.T) {
	ctx := context.Background()
	chat := newChat(t)
	rc := remote.New(chat, chatID)
	rc.SendText(ctx, tree.Encode(tree.New()))
	for i := 0; i < 5; i++ {
		rc.SendText(ctx, "noise")
	}

	s := New(remote.New(failing(chat, "searchChatMessages"), chatID), settings.NewMemoryStore(),
		Config{HistoryPageSize: 2, HistoryMaxPages: 2})
	_, found, err := s.Locate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("record beyond the scan bound should not be found")
	}
	if got := chat.Calls("getChatHistory"); got != 2 {
		t.Errorf("getChatHistory calls = %d, want 2", got)
	}
}

func TestStaleLocator(t *testing.T) {
	ctx := context.Background()
	chat := newChat(t)
	rc := remote.New(chat, chatID)
	rec, _ := rc.SendText(ctx, tree.Encode(tree.New()))
	other, _ := rc.SendText(ctx, "not a record")

	st := settings.NewMemoryStore()
	settings.SetLocator(ctx, st, other.ID)

	id, found, err := New(rc, st, Config{}).Locate(ctx)
	if err != nil || !found || id != rec.ID {
		t.Fatalf("Locate = (%d, %v, %v), want %d", id, found, err, rec.ID)
	}

	rc.Delete(ctx, rec.ID)
	_, found, err = New(rc, st, Config{}).Locate(ctx)
	if err != nil || found {
		t.Errorf("Locate after delete = (%v, %v), want not found", found, err)
	}
}

func TestCommitRecreatesDeletedRecord(t *testing.T) {
	ctx := context.Background()
	chat := newChat(t)
	rc := remote.New(chat, chatID)
	s := New(rc, settings.NewMemoryStore(), Config{})
	if err := s.Commit(ctx, tree.New()); err != nil {
		t.Fatal(err)
	}
	first, _ := s.Locator()
	rc.Delete(ctx, first)

	if err := s.Commit(ctx, tree.New()); err != nil {
		t.Fatal(err)
	}
	second, _ := s.Locator()
	if second == first || second == 0 {
		t.Errorf("locator after recreate = %d (was %d)", second, first)
	}
}

func TestCommitTransportFailure(t *testing.T) {
	ctx := context.Background()
	chat := newChat(t)
	s := New(remote.New(failing(chat, "sendMessage"), chatID), settings.NewMemoryStore(), Config{})
	err := s.Commit(ctx, tree.New())
	if !errs.Is(err, errs.KindTransport) {
		t.Errorf("Commit err = %v, want transport", err)
	}
	if _, ok := s.Locator(); ok {
		t.Error("failed create should not set a locator")
	}
}

func TestLoadCorruptRecord(t *testing.T) {
	ctx := context.Background()
	chat := newChat(t)
	rc := remote.New(chat, chatID)
	rec, _ := rc.SendText(ctx, tree.RecordTag+"\n{not json")

	s := New(rc, settings.NewMemoryStore(), Config{})
	root, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !tree.Equal(root, tree.New()) {
		t.Error("corrupt record should load as an empty tree")
	}

	next, _ := tree.CreateFolder(root, "/", "Fresh")
	if err := s.Commit(ctx, next); err != nil {
		t.Fatal(err)
	}
	msg, _ := rc.Message(ctx, rec.ID)
	if fixed, err := tree.Decode(msg.PlainText()); err != nil || tree.FindByPath(fixed, "/Fresh") == nil {
		t.Error("commit should overwrite the corrupt record in place")
	}
}
