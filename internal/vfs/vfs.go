// Package vfs is the drive facade. It owns the committed tree and turns
// every intent into compute, commit, swap: the new tree is computed from the
// current one, written to the metadata record, and only then made current.
package vfs

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/0xdsaini/telegramdrive/internal/logging"
	"github.com/0xdsaini/telegramdrive/internal/metrics"
	"github.com/0xdsaini/telegramdrive/internal/settings"
	"github.com/0xdsaini/telegramdrive/internal/transfer"
	"github.com/0xdsaini/telegramdrive/pkg/cache"
	"github.com/0xdsaini/telegramdrive/pkg/errs"
	"github.com/0xdsaini/telegramdrive/pkg/models"
	"github.com/0xdsaini/telegramdrive/pkg/tree"
)

// MetadataStore persists the tree.
type MetadataStore interface {
	Load(ctx context.Context) (*models.Folder, error)
	Commit(ctx context.Context, root *models.Folder) error
}

// BlobStore moves file content.
type BlobStore interface {
	Upload(ctx context.Context, name, mimeType string, data []byte) (*transfer.UploadResult, error)
	Get(ctx context.Context, ref models.RemoteRef, progress transfer.ProgressFunc) ([]byte, error)
	Delete(ctx context.Context, ref models.RemoteRef) error
}

// Confirmer decides whether an existing file may be replaced.
type Confirmer interface {
	ConfirmReplace(path string) bool
}

// ConfirmFunc adapts a function to the Confirmer interface.
type ConfirmFunc func(path string) bool

// ConfirmReplace implements Confirmer.
func (f ConfirmFunc) ConfirmReplace(path string) bool {
	return f(path)
}

// Options configures optional collaborators.
type Options struct {
	// Cache keeps downloaded content; nil disables caching.
	Cache *cache.Cache
	// Confirm is asked before a file is replaced; nil never replaces.
	Confirm Confirmer
}

// Result describes the outcome of an operation.
type Result struct {
	Message string
	// Failed lists paths whose part of the operation did not complete.
	Failed []string
	// DryRun is set when remote deletions were skipped.
	DryRun bool
}

// Blob is a file to upload.
type Blob struct {
	Name string
	Data []byte
	// Type is the MIME type; empty infers it from Name.
	Type string
}

// FS is the drive facade. It is safe for concurrent use; mutations are
// applied one at a time.
type FS struct {
	store    MetadataStore
	blobs    BlobStore
	settings settings.Store
	opts     Options

	// sem admits one mutating intent at a time.
	sem chan struct{}

	mu     sync.RWMutex
	root   *models.Folder
	loaded bool
}

// New creates a facade. The tree is loaded on first use.
func New(store MetadataStore, blobs BlobStore, st settings.Store, opts Options) *FS {
	return &FS{
		store:    store,
		blobs:    blobs,
		settings: st,
		opts:     opts,
		sem:      make(chan struct{}, 1),
	}
}

func (f *FS) acquire(ctx context.Context) error {
	select {
	case f.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FS) release() {
	<-f.sem
}

func (f *FS) current() (*models.Folder, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.root, f.loaded
}

func (f *FS) swap(root *models.Folder) {
	f.mu.Lock()
	f.root = root
	f.loaded = true
	f.mu.Unlock()
}

// loadLocked loads the tree if needed. The caller holds the semaphore.
func (f *FS) loadLocked(ctx context.Context) (*models.Folder, error) {
	if root, ok := f.current(); ok {
		return root, nil
	}
	root, err := f.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	f.swap(root)
	logging.Info("drive tree loaded", zap.Int("nodes", tree.CountNodes(root)))
	return root, nil
}

// snapshot returns the committed tree, loading it on first use. The result
// must not be modified.
func (f *FS) snapshot(ctx context.Context) (*models.Folder, error) {
	if root, ok := f.current(); ok {
		return root, nil
	}
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.release()
	return f.loadLocked(ctx)
}

// mutate computes a new tree with fn and commits it. The committed tree is
// replaced only when the commit succeeds. fn returning its input unchanged
// skips the commit. prev is the tree fn was applied to.
func (f *FS) mutate(ctx context.Context, fn func(root *models.Folder) (*models.Folder, error)) (prev, next *models.Folder, err error) {
	if err := f.acquire(ctx); err != nil {
		return nil, nil, err
	}
	defer f.release()

	prev, err = f.loadLocked(ctx)
	if err != nil {
		return nil, nil, err
	}
	next, err = fn(prev)
	if err != nil {
		return prev, prev, err
	}
	if next == prev {
		return prev, prev, nil
	}
	if err := f.store.Commit(ctx, next); err != nil {
		logging.Warn("commit failed, keeping last committed tree", zap.Error(err))
		return prev, prev, err
	}
	f.swap(next)
	return prev, next, nil
}

// Load fetches the tree from the metadata record if it is not loaded yet.
func (f *FS) Load(ctx context.Context) error {
	_, err := f.snapshot(ctx)
	return err
}

// Reload discards the in-memory tree and fetches it again.
func (f *FS) Reload(ctx context.Context) error {
	if err := f.acquire(ctx); err != nil {
		return err
	}
	defer f.release()
	root, err := f.store.Load(ctx)
	if err != nil {
		return err
	}
	f.swap(root)
	return nil
}

// Tree returns a copy of the committed tree.
func (f *FS) Tree(ctx context.Context) (*models.Folder, error) {
	root, err := f.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return tree.Clone(root), nil
}

// List returns a copy of the folder at path.
func (f *FS) List(ctx context.Context, path string) (*models.Folder, error) {
	root, err := f.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	folder := tree.FindByPath(root, path)
	if folder == nil {
		return nil, errs.New(errs.KindNotFound, "list", fmt.Sprintf("folder %s not found", tree.Clean(path)))
	}
	return tree.Clone(folder), nil
}

// Stat returns a copy of the entry for filename in folderPath.
func (f *FS) Stat(ctx context.Context, folderPath, filename string) (*models.FileEntry, error) {
	root, err := f.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	entry := tree.FindFile(root, folderPath, filename)
	if entry == nil {
		return nil, errs.New(errs.KindNotFound, "stat", fmt.Sprintf("file %s not found", tree.Join(folderPath, filename)))
	}
	e := *entry
	return &e, nil
}

// DryRun reports whether remote deletions are currently skipped.
func (f *FS) DryRun(ctx context.Context) (bool, error) {
	return settings.DryRun(ctx, f.settings)
}

// SetDryRun switches the deletion mode.
func (f *FS) SetDryRun(ctx context.Context, dryRun bool) error {
	if err := settings.SetDryRun(ctx, f.settings, dryRun); err != nil {
		return err
	}
	logging.Info("deletion mode changed", zap.Bool("dry_run", dryRun))
	return nil
}

// CreateFolder adds a folder named name under parentPath.
func (f *FS) CreateFolder(ctx context.Context, parentPath, name string) (*Result, error) {
	_, _, err := f.mutate(ctx, func(root *models.Folder) (*models.Folder, error) {
		return tree.CreateFolder(root, parentPath, name)
	})
	if err != nil {
		return nil, err
	}
	logging.Info("folder created", zap.String("path", tree.Join(parentPath, name)))
	return &Result{Message: "Folder created successfully"}, nil
}

// DeleteFolder removes the folder at path with everything under it. Remote
// blobs of the removed files go through the deletion gate once the new tree
// is committed.
func (f *FS) DeleteFolder(ctx context.Context, path string) (*Result, error) {
	var files []tree.FileRef
	_, next, err := f.mutate(ctx, func(root *models.Folder) (*models.Folder, error) {
		var err error
		if files, err = tree.FilesUnder(root, path); err != nil {
			return root, err
		}
		return tree.DeleteFolder(root, path)
	})
	if err != nil {
		return nil, err
	}
	logging.Info("folder deleted", zap.String("path", tree.Clean(path)), zap.Int("files", len(files)))

	res := f.releaseBlobs(ctx, next, files)
	res.Message = "Folder deleted successfully" + res.Message
	return res, nil
}

// MoveFolder moves the folder at src into the folder at dest.
func (f *FS) MoveFolder(ctx context.Context, src, dest string) (*Result, error) {
	prev, next, err := f.mutate(ctx, func(root *models.Folder) (*models.Folder, error) {
		return tree.MoveFolder(root, src, dest)
	})
	if err != nil {
		return nil, err
	}
	if prev == next {
		return &Result{Message: "Folder is already in this location"}, nil
	}
	logging.Info("folder moved", zap.String("src", tree.Clean(src)), zap.String("dest", tree.Clean(dest)))
	return &Result{Message: "Folder moved successfully"}, nil
}

// RenameFolder renames the folder at path.
func (f *FS) RenameFolder(ctx context.Context, path, newName string) (*Result, error) {
	_, _, err := f.mutate(ctx, func(root *models.Folder) (*models.Folder, error) {
		return tree.RenameFolder(root, path, newName)
	})
	if err != nil {
		return nil, err
	}
	return &Result{Message: "Folder renamed successfully"}, nil
}

// AddFile records an already uploaded blob as filename in folderPath,
// replacing an existing entry of that name.
func (f *FS) AddFile(ctx context.Context, folderPath, filename string, ref models.RemoteRef, attrs tree.FileAttrs) (*Result, error) {
	var replaced []tree.FileRef
	_, next, err := f.mutate(ctx, func(root *models.Folder) (*models.Folder, error) {
		replaced = replacedAt(root, folderPath, filename, ref)
		return tree.AddFile(root, folderPath, filename, ref, attrs)
	})
	if err != nil {
		return nil, err
	}
	res := f.releaseBlobs(ctx, next, replaced)
	res.Message = "File added successfully" + res.Message
	return res, nil
}

// DeleteFile removes filename from folderPath and its blob, subject to the
// deletion gate.
func (f *FS) DeleteFile(ctx context.Context, folderPath, filename string) (*Result, error) {
	var removed []tree.FileRef
	_, next, err := f.mutate(ctx, func(root *models.Folder) (*models.Folder, error) {
		if entry := tree.FindFile(root, folderPath, filename); entry != nil {
			removed = []tree.FileRef{{Folder: tree.Clean(folderPath), Entry: entry}}
		}
		return tree.DeleteFile(root, folderPath, filename)
	})
	if err != nil {
		return nil, err
	}
	logging.Info("file deleted", zap.String("path", tree.Join(folderPath, filename)))
	res := f.releaseBlobs(ctx, next, removed)
	res.Message = "File deleted successfully" + res.Message
	return res, nil
}

// MoveFile moves filename from srcFolder into destFolder. A file of the same
// name in destFolder is replaced only if the confirmer agrees.
func (f *FS) MoveFile(ctx context.Context, srcFolder, filename, destFolder string) (*Result, error) {
	srcFolder, destFolder = tree.Clean(srcFolder), tree.Clean(destFolder)
	var guard replaceGuard
	if srcFolder != destFolder {
		root, err := f.snapshot(ctx)
		if err != nil {
			return nil, err
		}
		if guard, err = f.approveReplace(root, "move file", destFolder, filename); err != nil {
			return nil, err
		}
	}

	var replaced []tree.FileRef
	prev, next, err := f.mutate(ctx, func(root *models.Folder) (*models.Folder, error) {
		if srcFolder != destFolder {
			if err := guard.check(root); err != nil {
				return nil, err
			}
			if moving := tree.FindFile(root, srcFolder, filename); moving != nil {
				replaced = replacedAt(root, destFolder, filename, moving.RemoteRef)
			}
		}
		return tree.MoveFile(root, srcFolder, filename, destFolder)
	})
	if err != nil {
		return nil, err
	}
	if prev == next {
		return &Result{Message: "File is already in this location"}, nil
	}
	logging.Info("file moved",
		zap.String("file", filename),
		zap.String("src", srcFolder),
		zap.String("dest", destFolder))
	res := f.releaseBlobs(ctx, next, replaced)
	res.Message = "File moved successfully" + res.Message
	return res, nil
}

// RenameFile renames a file within its folder. An existing file called
// newName is replaced only if the confirmer agrees.
func (f *FS) RenameFile(ctx context.Context, folderPath, filename, newName string) (*Result, error) {
	var guard replaceGuard
	if filename != newName {
		root, err := f.snapshot(ctx)
		if err != nil {
			return nil, err
		}
		if guard, err = f.approveReplace(root, "rename file", folderPath, newName); err != nil {
			return nil, err
		}
	}

	var replaced []tree.FileRef
	_, next, err := f.mutate(ctx, func(root *models.Folder) (*models.Folder, error) {
		if filename == newName {
			return tree.RenameFile(root, folderPath, filename, newName)
		}
		if err := guard.check(root); err != nil {
			return nil, err
		}
		if moving := tree.FindFile(root, folderPath, filename); moving != nil {
			replaced = replacedAt(root, folderPath, newName, moving.RemoteRef)
		}
		return tree.RenameFile(root, folderPath, filename, newName)
	})
	if err != nil {
		return nil, err
	}
	res := f.releaseBlobs(ctx, next, replaced)
	res.Message = "File renamed successfully" + res.Message
	return res, nil
}

// DownloadFile returns the content of filename in folderPath.
func (f *FS) DownloadFile(ctx context.Context, folderPath, filename string, progress transfer.ProgressFunc) ([]byte, *Result, error) {
	entry, err := f.Stat(ctx, folderPath, filename)
	if err != nil {
		return nil, nil, err
	}
	key := cache.Key(entry.RemoteRef)
	if f.opts.Cache != nil {
		if data, ok := f.opts.Cache.ReadFile(key); ok {
			logging.Debug("serving download from cache", zap.String("path", tree.Join(folderPath, filename)))
			return data, &Result{Message: "File downloaded successfully"}, nil
		}
	}

	data, err := f.blobs.Get(ctx, entry.RemoteRef, progress)
	if err != nil {
		return nil, nil, err
	}
	if f.opts.Cache != nil {
		if _, err := f.opts.Cache.Put(key, bytes.NewReader(data), int64(len(data))); err != nil {
			logging.Warn("failed to cache download", zap.String("key", key), zap.Error(err))
		}
	}
	return data, &Result{Message: "File downloaded successfully"}, nil
}

// UploadFiles uploads blobs into folderPath one by one. A failure on one
// blob is recorded in the result and does not stop the others. Each upload
// is committed to the tree as soon as its transfer succeeds.
func (f *FS) UploadFiles(ctx context.Context, folderPath string, blobs []Blob) (*Result, error) {
	folderPath = tree.Clean(folderPath)
	root, err := f.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if tree.FindByPath(root, folderPath) == nil {
		return nil, errs.New(errs.KindNotFound, "upload", fmt.Sprintf("folder %s not found", folderPath))
	}

	res := &Result{}
	var uploaded int
	var lastErr error
	for _, b := range blobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := f.uploadOne(ctx, folderPath, b, res); err != nil {
			p := tree.Join(folderPath, b.Name)
			logging.Warn("upload failed", zap.String("path", p), zap.Error(err))
			res.Failed = append(res.Failed, p)
			lastErr = err
			continue
		}
		uploaded++
	}

	if uploaded == 0 && lastErr != nil {
		return res, lastErr
	}
	res.Message = fmt.Sprintf("Uploaded %d of %d files", uploaded, len(blobs)) + res.Message
	return res, nil
}

func (f *FS) uploadOne(ctx context.Context, folderPath string, b Blob, res *Result) error {
	const op = "upload"
	p := tree.Join(folderPath, b.Name)
	if err := tree.ValidateName(b.Name); err != nil {
		return errs.New(errs.KindValidation, op, err.Error())
	}
	if len(b.Data) == 0 {
		return errs.New(errs.KindValidation, op, fmt.Sprintf("cannot upload empty file %s", p))
	}

	root, err := f.snapshot(ctx)
	if err != nil {
		return err
	}
	guard, err := f.approveReplace(root, op, folderPath, b.Name)
	if err != nil {
		return err
	}

	mimeType := b.Type
	if mimeType == "" {
		mimeType = tree.MimeType(b.Name)
	}
	up, err := f.blobs.Upload(ctx, b.Name, mimeType, b.Data)
	if err != nil {
		return err
	}

	var replaced []tree.FileRef
	_, next, err := f.mutate(ctx, func(root *models.Folder) (*models.Folder, error) {
		if err := guard.check(root); err != nil {
			return nil, err
		}
		replaced = replacedAt(root, folderPath, b.Name, up.Ref)
		return tree.AddFile(root, folderPath, b.Name, up.Ref, tree.FileAttrs{Size: up.Size, Type: mimeType})
	})
	if err != nil {
		// The blob was never referenced by a committed tree.
		if derr := f.blobs.Delete(ctx, up.Ref); derr != nil {
			logging.Warn("failed to remove unreferenced upload",
				zap.Int64("message_id", int64(up.Ref)), zap.Error(derr))
		}
		return err
	}
	logging.Info("file uploaded", zap.String("path", p), zap.Int64("size", up.Size))

	released := f.releaseBlobs(ctx, next, replaced)
	res.Failed = append(res.Failed, released.Failed...)
	res.DryRun = res.DryRun || released.DryRun
	return nil
}

// replaceGuard remembers which existing entry, if any, the confirmer agreed
// to replace. The target is checked again under the writer lock, so an entry
// that appeared or changed in between is never replaced unasked.
type replaceGuard struct {
	op, folder, name string
	ref              models.RemoteRef
	agreed           bool
}

func (f *FS) approveReplace(root *models.Folder, op, folderPath, filename string) (replaceGuard, error) {
	g := replaceGuard{op: op, folder: folderPath, name: filename}
	if e := tree.FindFile(root, folderPath, filename); e != nil {
		if !f.confirm(tree.Join(folderPath, filename)) {
			return g, g.exists()
		}
		g.ref, g.agreed = e.RemoteRef, true
	}
	return g, nil
}

func (g replaceGuard) check(root *models.Folder) error {
	e := tree.FindFile(root, g.folder, g.name)
	if e == nil || (g.agreed && e.RemoteRef == g.ref) {
		return nil
	}
	return g.exists()
}

func (g replaceGuard) exists() error {
	return errs.New(errs.KindValidation, g.op, fmt.Sprintf("%s already exists", tree.Join(g.folder, g.name)))
}

func (f *FS) confirm(path string) bool {
	if f.opts.Confirm == nil {
		return false
	}
	return f.opts.Confirm.ConfirmReplace(path)
}

// replacedAt returns the entry that adding filename with ref to folderPath
// would displace, if any.
func replacedAt(root *models.Folder, folderPath, filename string, ref models.RemoteRef) []tree.FileRef {
	entry := tree.FindFile(root, folderPath, filename)
	if entry == nil || entry.RemoteRef == ref {
		return nil
	}
	return []tree.FileRef{{Folder: tree.Clean(folderPath), Entry: entry}}
}

// releaseBlobs drops files that left the committed tree root: cached
// content is evicted and remote blobs are deleted unless dry run is on.
// Blob deletion failures are collected, never returned.
func (f *FS) releaseBlobs(ctx context.Context, root *models.Folder, files []tree.FileRef) *Result {
	res := &Result{}
	if len(files) == 0 {
		return res
	}

	dryRun, err := settings.DryRun(ctx, f.settings)
	if err != nil {
		logging.Warn("failed to read deletion mode, keeping remote blobs", zap.Error(err))
		dryRun = true
	}
	res.DryRun = dryRun

	live := referencedRefs(root)
	var deleted int
	for _, file := range files {
		ref := file.Entry.RemoteRef
		if live[ref] {
			continue
		}
		if f.opts.Cache != nil {
			f.opts.Cache.Forget(cache.Key(ref))
		}
		if dryRun {
			logging.Info("dry run: keeping remote blob",
				zap.String("path", file.Path()), zap.Int64("message_id", int64(ref)))
			metrics.RecordBlobDelete("dry_run")
			continue
		}
		if err := f.blobs.Delete(ctx, ref); err != nil {
			logging.Warn("failed to delete remote blob",
				zap.String("path", file.Path()), zap.Int64("message_id", int64(ref)), zap.Error(err))
			metrics.RecordBlobDelete("failed")
			res.Failed = append(res.Failed, file.Path())
			continue
		}
		metrics.RecordBlobDelete("deleted")
		deleted++
	}

	switch {
	case dryRun:
		res.Message = " (dry run: remote content kept)"
	case len(res.Failed) > 0:
		res.Message = fmt.Sprintf(" (%d remote deletions failed)", len(res.Failed))
	}
	return res
}

func referencedRefs(root *models.Folder) map[models.RemoteRef]bool {
	refs := make(map[models.RemoteRef]bool)
	tree.Walk(root, func(_ string, folder *models.Folder) error {
		for _, file := range folder.Files {
			refs[file.RemoteRef] = true
		}
		return nil
	})
	return refs
}
