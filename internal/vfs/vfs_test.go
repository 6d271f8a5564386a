package vfs

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/0xdsaini/telegramdrive/internal/metastore"
	"github.com/0xdsaini/telegramdrive/internal/remote"
	"github.com/0xdsaini/telegramdrive/internal/settings"
	"github.com/0xdsaini/telegramdrive/internal/storage/local"
	"github.com/0xdsaini/telegramdrive/internal/transfer"
	"github.com/0xdsaini/telegramdrive/internal/transport"
	"github.com/0xdsaini/telegramdrive/internal/transport/loopback"
	"github.com/0xdsaini/telegramdrive/pkg/cache"
	"github.com/0xdsaini/telegramdrive/pkg/errs"
	"github.com/0xdsaini/telegramdrive/pkg/models"
	"github.com/0xdsaini/telegramdrive/pkg/protocol"
	"github.com/0xdsaini/telegramdrive/pkg/tree"
)

const chatID = -100

type env struct {
	chat     *loopback.Chat
	rc       *remote.Client
	settings *settings.MemoryStore
	store    *metastore.Store
	engine   *transfer.Engine
	fs       *FS
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	blobs, err := local.New(local.Config{RootPath: filepath.Join(t.TempDir(), "blobs"), CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}
	chat := loopback.New(loopback.Config{ChatID: chatID}, blobs)
	return newEnvOn(t, chat, chat, settings.NewMemoryStore(), opts)
}

func newEnvOn(t *testing.T, chat *loopback.Chat, tr transport.Transport, st *settings.MemoryStore, opts Options) *env {
	t.Helper()
	rc := remote.New(tr, chatID)
	store := metastore.New(rc, st, metastore.Config{})
	engine := transfer.New(rc, transfer.Config{UploadRate: 1000, PollInterval: time.Millisecond})
	return &env{
		chat:     chat,
		rc:       rc,
		settings: st,
		store:    store,
		engine:   engine,
		fs:       New(store, engine, st, opts),
	}
}

func (e *env) exists(t *testing.T, ref models.RemoteRef) bool {
	t.Helper()
	_, err := e.rc.Message(context.Background(), int64(ref))
	if err != nil && !transport.IsNotFound(err) {
		t.Fatal(err)
	}
	return err == nil
}

// must fails the test on a facade error and returns the result.
func must(t *testing.T) func(*Result, error) *Result {
	return func(res *Result, err error) *Result {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		return res
	}
}

// flakyStore fails commits while fail is set.
type flakyStore struct {
	MetadataStore
	fail    bool
	commits int
}

func (s *flakyStore) Commit(ctx context.Context, root *models.Folder) error {
	s.commits++
	if s.fail {
		return errs.Transport("commit metadata", errors.New("connection reset"))
	}
	return s.MetadataStore.Commit(ctx, root)
}

func TestUploadDownloadAndReload(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})

	must(t)(e.fs.CreateFolder(ctx, "/", "Docs"))
	content := []byte("hello, drive")
	res := must(t)(e.fs.UploadFiles(ctx, "/Docs", []Blob{{Name: "a.txt", Data: content}}))
	if len(res.Failed) != 0 {
		t.Fatalf("upload failures: %v", res.Failed)
	}

	entry, err := e.fs.Stat(ctx, "/Docs", "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Type != "text/plain" || entry.Size != int64(len(content)) {
		t.Errorf("Stat(a.txt) = type %q size %d, want text/plain %d", entry.Type, entry.Size, len(content))
	}

	got, _, err := e.fs.DownloadFile(ctx, "/Docs", "a.txt", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("DownloadFile = %q, want %q", got, content)
	}

	// A fresh session on the same chat sees the committed tree.
	fresh := newEnvOn(t, e.chat, e.chat, settings.NewMemoryStore(), Options{})
	root, err := fresh.fs.Tree(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !tree.FileExists(root, "/Docs", "a.txt") {
		t.Error("reloaded tree is missing /Docs/a.txt")
	}
	got, _, err = fresh.fs.DownloadFile(ctx, "/Docs", "a.txt", nil)
	if err != nil || !bytes.Equal(got, content) {
		t.Errorf("DownloadFile after reload = %q, %v", got, err)
	}
}

func TestDryRunUnsetKeepsBlobs(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	must(t)(e.fs.UploadFiles(ctx, "/", []Blob{{Name: "a.bin", Data: []byte{1, 2, 3}}}))
	entry, _ := e.fs.Stat(ctx, "/", "a.bin")

	res := must(t)(e.fs.DeleteFile(ctx, "/", "a.bin"))
	if !res.DryRun {
		t.Error("result should report dry run")
	}
	if !e.exists(t, entry.RemoteRef) {
		t.Error("dry run deleted the remote blob")
	}
	if v, ok, _ := e.settings.Get(ctx, settings.KeyDryRun); !ok || v != "true" {
		t.Errorf("dry-run setting = %q, %v, want persisted \"true\"", v, ok)
	}
	if _, err := e.fs.Stat(ctx, "/", "a.bin"); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("Stat after delete err = %v, want not found", err)
	}
}

func TestDryRunValues(t *testing.T) {
	tests := []struct {
		stored     string
		wantDelete bool
	}{
		{"false", true},
		{"true", false},
		{"False", false},
		{"0", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.stored, func(t *testing.T) {
			ctx := context.Background()
			e := newEnv(t, Options{})
			e.settings.Set(ctx, settings.KeyDryRun, tt.stored)
			must(t)(e.fs.UploadFiles(ctx, "/", []Blob{{Name: "x", Data: []byte("x")}}))
			entry, _ := e.fs.Stat(ctx, "/", "x")

			must(t)(e.fs.DeleteFile(ctx, "/", "x"))
			if deleted := !e.exists(t, entry.RemoteRef); deleted != tt.wantDelete {
				t.Errorf("stored %q: blob deleted = %v, want %v", tt.stored, deleted, tt.wantDelete)
			}
			if v, _, _ := e.settings.Get(ctx, settings.KeyDryRun); v != tt.stored {
				t.Errorf("stored value changed from %q to %q", tt.stored, v)
			}
		})
	}
}

func TestDeleteFolderCollectsBlobFailures(t *testing.T) {
	ctx := context.Background()
	base := newEnv(t, Options{})

	var failRef int64
	tr := transport.Func(func(ctx context.Context, req protocol.Request) (protocol.Response, error) {
		if r, ok := req.(protocol.DeleteMessages); ok && len(r.MessageIDs) == 1 && r.MessageIDs[0] == failRef {
			return nil, errors.New("connection reset")
		}
		return base.chat.Send(ctx, req)
	})
	e := newEnvOn(t, base.chat, tr, settings.NewMemoryStore(), Options{})
	e.fs.SetDryRun(ctx, false)

	must(t)(e.fs.CreateFolder(ctx, "/", "Docs"))
	must(t)(e.fs.CreateFolder(ctx, "/Docs", "Work"))
	must(t)(e.fs.UploadFiles(ctx, "/Docs", []Blob{{Name: "a.txt", Data: []byte("a")}}))
	must(t)(e.fs.UploadFiles(ctx, "/Docs/Work", []Blob{{Name: "b.txt", Data: []byte("b")}}))
	a, _ := e.fs.Stat(ctx, "/Docs", "a.txt")
	b, _ := e.fs.Stat(ctx, "/Docs/Work", "b.txt")
	failRef = int64(a.RemoteRef)

	res := must(t)(e.fs.DeleteFolder(ctx, "/Docs"))
	if len(res.Failed) != 1 || res.Failed[0] != "/Docs/a.txt" {
		t.Errorf("Failed = %v, want [/Docs/a.txt]", res.Failed)
	}
	if e.exists(t, b.RemoteRef) {
		t.Error("blob of /Docs/Work/b.txt should be deleted")
	}
	root, _ := e.fs.Tree(ctx)
	if tree.FindByPath(root, "/Docs") != nil {
		t.Error("folder still present after delete")
	}
}

func TestCommitFailureKeepsTree(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	flaky := &flakyStore{MetadataStore: e.store}
	fs := New(flaky, e.engine, e.settings, Options{})

	must(t)(fs.CreateFolder(ctx, "/", "Docs"))
	before, _ := fs.Tree(ctx)

	flaky.fail = true
	_, err := fs.CreateFolder(ctx, "/", "Music")
	if !errs.Is(err, errs.KindTransport) {
		t.Fatalf("CreateFolder err = %v, want transport", err)
	}
	after, _ := fs.Tree(ctx)
	if !tree.Equal(before, after) {
		t.Error("tree changed after a failed commit")
	}

	_, err = fs.UploadFiles(ctx, "/Docs", []Blob{{Name: "a.txt", Data: []byte("a")}})
	if err == nil {
		t.Fatal("upload should fail when its commit fails")
	}
	if e.chat.Calls("deleteMessages") != 1 {
		t.Error("unreferenced upload should be removed")
	}
}

func TestValidationNeverCommits(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	flaky := &flakyStore{MetadataStore: e.store}
	fs := New(flaky, e.engine, e.settings, Options{})
	must(t)(fs.CreateFolder(ctx, "/", "Docs"))
	must(t)(fs.CreateFolder(ctx, "/Docs", "Work"))
	commits := flaky.commits

	tests := []struct {
		name string
		do   func() error
		kind errs.Kind
	}{
		{"empty folder name", func() error { _, err := fs.CreateFolder(ctx, "/", ""); return err }, errs.KindValidation},
		{"duplicate folder", func() error { _, err := fs.CreateFolder(ctx, "/", "Docs"); return err }, errs.KindValidation},
		{"missing parent", func() error { _, err := fs.CreateFolder(ctx, "/Nope", "x"); return err }, errs.KindNotFound},
		{"move into descendant", func() error { _, err := fs.MoveFolder(ctx, "/Docs", "/Docs/Work"); return err }, errs.KindValidation},
		{"move onto itself", func() error { _, err := fs.MoveFolder(ctx, "/Docs", "/Docs"); return err }, errs.KindValidation},
		{"delete root", func() error { _, err := fs.DeleteFolder(ctx, "/"); return err }, errs.KindValidation},
		{"delete missing file", func() error { _, err := fs.DeleteFile(ctx, "/Docs", "nope"); return err }, errs.KindNotFound},
		{"move missing file", func() error { _, err := fs.MoveFile(ctx, "/Docs", "nope", "/"); return err }, errs.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.do(); !errs.Is(err, tt.kind) {
				t.Errorf("err = %v, want kind %v", err, tt.kind)
			}
		})
	}
	if flaky.commits != commits {
		t.Errorf("rejected intents committed %d times", flaky.commits-commits)
	}
}

func TestMoveNoOps(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	flaky := &flakyStore{MetadataStore: e.store}
	fs := New(flaky, e.engine, e.settings, Options{})
	must(t)(fs.CreateFolder(ctx, "/", "Docs"))
	must(t)(fs.UploadFiles(ctx, "/Docs", []Blob{{Name: "a.txt", Data: []byte("a")}}))
	commits := flaky.commits

	must(t)(fs.MoveFolder(ctx, "/Docs", "/"))
	must(t)(fs.MoveFile(ctx, "/Docs", "a.txt", "/Docs/"))
	if flaky.commits != commits {
		t.Errorf("no-op moves committed %d times", flaky.commits-commits)
	}
}

func TestMoveFileConfirmsReplace(t *testing.T) {
	ctx := context.Background()
	allow := false
	e := newEnv(t, Options{Confirm: ConfirmFunc(func(string) bool { return allow })})
	e.fs.SetDryRun(ctx, false)
	must(t)(e.fs.CreateFolder(ctx, "/", "Docs"))
	must(t)(e.fs.UploadFiles(ctx, "/", []Blob{{Name: "a.txt", Data: []byte("new")}}))
	must(t)(e.fs.UploadFiles(ctx, "/Docs", []Blob{{Name: "a.txt", Data: []byte("old")}}))
	old, _ := e.fs.Stat(ctx, "/Docs", "a.txt")

	if _, err := e.fs.MoveFile(ctx, "/", "a.txt", "/Docs"); !errs.Is(err, errs.KindValidation) {
		t.Fatalf("declined replace err = %v, want validation", err)
	}

	allow = true
	must(t)(e.fs.MoveFile(ctx, "/", "a.txt", "/Docs"))
	got, _, err := e.fs.DownloadFile(ctx, "/Docs", "a.txt", nil)
	if err != nil || string(got) != "new" {
		t.Errorf("DownloadFile after replace = %q, %v, want \"new\"", got, err)
	}
	if e.exists(t, old.RemoteRef) {
		t.Error("replaced blob should be deleted")
	}
	if root, _ := e.fs.Tree(ctx); tree.FileExists(root, "/", "a.txt") {
		t.Error("moved file still present in source folder")
	}
}

func TestUploadContinuesAfterFailures(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	must(t)(e.fs.UploadFiles(ctx, "/", []Blob{{Name: "dup.txt", Data: []byte("v1")}}))

	res := must(t)(e.fs.UploadFiles(ctx, "/", []Blob{
		{Name: "empty.txt"},
		{Name: "dup.txt", Data: []byte("v2")},
		{Name: "bad/name", Data: []byte("x")},
		{Name: "ok.png", Data: []byte("png")},
	}))
	want := []string{"/empty.txt", "/dup.txt", "/bad/name"}
	if len(res.Failed) != len(want) {
		t.Fatalf("Failed = %v, want %v", res.Failed, want)
	}
	for i := range want {
		if res.Failed[i] != want[i] {
			t.Errorf("Failed[%d] = %q, want %q", i, res.Failed[i], want[i])
		}
	}
	if entry, err := e.fs.Stat(ctx, "/", "ok.png"); err != nil || entry.Type != "image/png" {
		t.Errorf("Stat(ok.png) = %+v, %v", entry, err)
	}
	got, _, _ := e.fs.DownloadFile(ctx, "/", "dup.txt", nil)
	if string(got) != "v1" {
		t.Errorf("declined replace changed content to %q", got)
	}
}

func TestDownloadUsesCache(t *testing.T) {
	ctx := context.Background()
	c, err := cache.New(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	e := newEnv(t, Options{Cache: c})
	must(t)(e.fs.UploadFiles(ctx, "/", []Blob{{Name: "a.txt", Data: []byte("cached")}}))

	for i := 0; i < 2; i++ {
		if _, _, err := e.fs.DownloadFile(ctx, "/", "a.txt", nil); err != nil {
			t.Fatal(err)
		}
	}
	if got := e.chat.Calls("readFilePart"); got != 1 {
		t.Errorf("readFilePart calls = %d, want 1", got)
	}

	entry, _ := e.fs.Stat(ctx, "/", "a.txt")
	must(t)(e.fs.DeleteFile(ctx, "/", "a.txt"))
	if c.IsCached(cache.Key(entry.RemoteRef)) {
		t.Error("deleted file still cached")
	}
}

func TestRenameAndMoveFolder(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	must(t)(e.fs.CreateFolder(ctx, "/", "Docs"))
	must(t)(e.fs.CreateFolder(ctx, "/", "Archive"))
	must(t)(e.fs.UploadFiles(ctx, "/Docs", []Blob{{Name: "a.txt", Data: []byte("a")}}))

	must(t)(e.fs.MoveFolder(ctx, "/Docs", "/Archive"))
	must(t)(e.fs.RenameFolder(ctx, "/Archive/Docs", "Papers"))
	must(t)(e.fs.RenameFile(ctx, "/Archive/Papers", "a.txt", "b.txt"))

	root, _ := e.fs.Tree(ctx)
	if !tree.FileExists(root, "/Archive/Papers", "b.txt") {
		t.Error("file not found at /Archive/Papers/b.txt")
	}
	if tree.FindByPath(root, "/Docs") != nil {
		t.Error("moved folder still at old path")
	}
	list, err := e.fs.List(ctx, "/Archive")
	if err != nil || len(list.Subfolders) != 1 || list.Subfolders[0].Name != "Papers" {
		t.Errorf("List(/Archive) = %+v, %v", list, err)
	}
}

func TestMutationsRespectContext(t *testing.T) {
	e := newEnv(t, Options{})
	if err := e.fs.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	e.fs.sem <- struct{}{}
	defer e.fs.release()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := e.fs.CreateFolder(ctx, "/", "Docs"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("CreateFolder while busy err = %v, want deadline exceeded", err)
	}
}

func TestUploadNeverReplacesFileAddedDuringTransfer(t *testing.T) {
	tests := []struct {
		name     string
		existing bool // /Docs/a.txt exists and the replace is confirmed
	}{
		{"target appears", false},
		{"confirmed target swapped", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			base := newEnv(t, Options{})

			started, release := make(chan struct{}), make(chan struct{})
			tr := transport.Func(func(ctx context.Context, req protocol.Request) (protocol.Response, error) {
				if r, ok := req.(protocol.SendMessage); ok && r.Document != nil && string(r.Document.Data) == "late" {
					close(started)
					<-release
				}
				return base.chat.Send(ctx, req)
			})
			var opts Options
			if tt.existing {
				opts.Confirm = ConfirmFunc(func(string) bool { return true })
			}
			e := newEnvOn(t, base.chat, tr, settings.NewMemoryStore(), opts)
			e.fs.SetDryRun(ctx, false)

			must(t)(e.fs.CreateFolder(ctx, "/", "Docs"))
			must(t)(e.fs.UploadFiles(ctx, "/", []Blob{{Name: "a.txt", Data: []byte("moved")}}))
			if tt.existing {
				must(t)(e.fs.UploadFiles(ctx, "/Docs", []Blob{{Name: "a.txt", Data: []byte("old")}}))
			}
			moved, _ := e.fs.Stat(ctx, "/", "a.txt")

			done := make(chan error, 1)
			go func() {
				_, err := e.fs.UploadFiles(ctx, "/Docs", []Blob{{Name: "a.txt", Data: []byte("late")}})
				done <- err
			}()
			<-started
			must(t)(e.fs.MoveFile(ctx, "/", "a.txt", "/Docs"))
			deletes := e.chat.Calls("deleteMessages")
			close(release)

			if err := <-done; !errs.Is(err, errs.KindValidation) {
				t.Fatalf("upload err = %v, want validation", err)
			}
			got, err := e.fs.Stat(ctx, "/Docs", "a.txt")
			if err != nil || got.RemoteRef != moved.RemoteRef {
				t.Errorf("/Docs/a.txt = %+v, %v, want ref %d", got, err, moved.RemoteRef)
			}
			if !e.exists(t, moved.RemoteRef) {
				t.Error("blob of the moved file was deleted")
			}
			if n := e.chat.Calls("deleteMessages") - deletes; n != 1 {
				t.Errorf("deleteMessages after rejected upload = %d, want 1 for the unreferenced upload", n)
			}
		})
	}
}

func TestReplaceRecheckedAfterConfirm(t *testing.T) {
	tests := []struct {
		name string
		run  func(ctx context.Context, fs *FS) (*Result, error)
	}{
		{"move", func(ctx context.Context, fs *FS) (*Result, error) {
			return fs.MoveFile(ctx, "/", "a.txt", "/Docs")
		}},
		{"rename", func(ctx context.Context, fs *FS) (*Result, error) {
			return fs.RenameFile(ctx, "/Docs", "b.txt", "a.txt")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			var fs *FS
			var asked bool
			// While the user is being asked, the target is replaced by a
			// different file.
			confirm := ConfirmFunc(func(string) bool {
				if !asked {
					asked = true
					must(t)(fs.DeleteFile(ctx, "/Docs", "a.txt"))
					must(t)(fs.UploadFiles(ctx, "/Docs", []Blob{{Name: "a.txt", Data: []byte("newer")}}))
				}
				return true
			})
			e := newEnv(t, Options{Confirm: confirm})
			fs = e.fs
			must(t)(fs.CreateFolder(ctx, "/", "Docs"))
			must(t)(fs.UploadFiles(ctx, "/", []Blob{{Name: "a.txt", Data: []byte("src")}}))
			must(t)(fs.UploadFiles(ctx, "/Docs", []Blob{
				{Name: "a.txt", Data: []byte("old")},
				{Name: "b.txt", Data: []byte("src")},
			}))

			if _, err := tt.run(ctx, fs); !errs.Is(err, errs.KindValidation) {
				t.Fatalf("err = %v, want validation", err)
			}
			got, _, err := fs.DownloadFile(ctx, "/Docs", "a.txt", nil)
			if err != nil || string(got) != "newer" {
				t.Errorf("/Docs/a.txt = %q, %v, want \"newer\"", got, err)
			}
		})
	}
}

func TestMoveUploadedFileBackToRoot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	must(t)(e.fs.CreateFolder(ctx, "/", "Docs"))
	must(t)(e.fs.UploadFiles(ctx, "/Docs", []Blob{{Name: "a.txt", Data: []byte("a")}}))
	ref, _ := e.fs.Stat(ctx, "/Docs", "a.txt")

	must(t)(e.fs.MoveFile(ctx, "/Docs", "a.txt", "/"))
	root, _ := e.fs.Tree(ctx)
	if got := tree.FindFile(root, "/", "a.txt"); got == nil || got.RemoteRef != ref.RemoteRef {
		t.Errorf("/a.txt = %+v, want ref %d", got, ref.RemoteRef)
	}
	if docs := tree.FindByPath(root, "/Docs"); docs == nil || len(docs.Files) != 0 {
		t.Errorf("/Docs = %+v, want no files", docs)
	}
}
