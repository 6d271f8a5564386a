// Package webdav provides a WebDAV interface to the drive.
package webdav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"github.com/0xdsaini/telegramdrive/internal/logging"
	"github.com/0xdsaini/telegramdrive/internal/transfer"
	"github.com/0xdsaini/telegramdrive/internal/vfs"
	"github.com/0xdsaini/telegramdrive/pkg/errs"
	"github.com/0xdsaini/telegramdrive/pkg/models"
	"github.com/0xdsaini/telegramdrive/pkg/tree"
)

// Drive is the subset of the VFS facade served over WebDAV.
type Drive interface {
	List(ctx context.Context, path string) (*models.Folder, error)
	Stat(ctx context.Context, folderPath, filename string) (*models.FileEntry, error)
	CreateFolder(ctx context.Context, parentPath, name string) (*vfs.Result, error)
	DeleteFolder(ctx context.Context, path string) (*vfs.Result, error)
	MoveFolder(ctx context.Context, src, dest string) (*vfs.Result, error)
	RenameFolder(ctx context.Context, path, newName string) (*vfs.Result, error)
	DeleteFile(ctx context.Context, folderPath, filename string) (*vfs.Result, error)
	MoveFile(ctx context.Context, srcFolder, filename, destFolder string) (*vfs.Result, error)
	RenameFile(ctx context.Context, folderPath, filename, newName string) (*vfs.Result, error)
	DownloadFile(ctx context.Context, folderPath, filename string, progress transfer.ProgressFunc) ([]byte, *vfs.Result, error)
	UploadFiles(ctx context.Context, folderPath string, blobs []vfs.Blob) (*vfs.Result, error)
}

// FS implements webdav.FileSystem over a Drive.
type FS struct {
	drive   Drive
	started time.Time
}

var _ webdav.FileSystem = (*FS)(nil)

// NewFS creates a WebDAV filesystem over drive.
func NewFS(drive Drive) *FS {
	return &FS{drive: drive, started: time.Now()}
}

func normalizePath(name string) string {
	return tree.Clean(path.Clean("/" + name))
}

// pathError converts drive errors into the os errors the WebDAV handler
// maps onto status codes.
func pathError(op, name string, err error) error {
	switch {
	case err == nil:
		return nil
	case errs.Is(err, errs.KindNotFound):
		return &os.PathError{Op: op, Path: name, Err: os.ErrNotExist}
	case errs.Is(err, errs.KindValidation):
		return &os.PathError{Op: op, Path: name, Err: fmt.Errorf("%w: %v", os.ErrInvalid, err)}
	}
	return &os.PathError{Op: op, Path: name, Err: err}
}

// Mkdir creates a folder.
func (fs *FS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	name = normalizePath(name)
	if name == tree.RootName {
		return &os.PathError{Op: "mkdir", Path: name, Err: os.ErrExist}
	}
	parent, base := tree.Split(name)
	if _, err := fs.drive.List(ctx, parent); err != nil {
		return pathError("mkdir", name, err)
	}
	_, err := fs.drive.CreateFolder(ctx, parent, base)
	return pathError("mkdir", name, err)
}

// OpenFile opens a folder or file. Files opened for writing are uploaded
// when closed.
func (fs *FS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	name = normalizePath(name)
	writable := flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC) != 0

	if folder, err := fs.drive.List(ctx, name); err == nil {
		if writable {
			return nil, &os.PathError{Op: "open", Path: name, Err: errors.New("is a folder")}
		}
		return &File{fs: fs, ctx: ctx, name: name, folder: folder}, nil
	}

	parent, base := tree.Split(name)
	if writable {
		if _, err := fs.drive.List(ctx, parent); err != nil {
			return nil, pathError("open", name, err)
		}
		return &File{fs: fs, ctx: ctx, name: name, writable: true, buf: &bytes.Buffer{}}, nil
	}

	entry, err := fs.drive.Stat(ctx, parent, base)
	if err != nil {
		return nil, pathError("open", name, err)
	}
	return &File{fs: fs, ctx: ctx, name: name, entry: entry}, nil
}

// RemoveAll removes a file, or a folder with everything under it.
func (fs *FS) RemoveAll(ctx context.Context, name string) error {
	name = normalizePath(name)
	if name == tree.RootName {
		return &os.PathError{Op: "remove", Path: name, Err: errors.New("cannot remove root")}
	}
	if _, err := fs.drive.List(ctx, name); err == nil {
		_, err := fs.drive.DeleteFolder(ctx, name)
		return pathError("remove", name, err)
	}
	parent, base := tree.Split(name)
	_, err := fs.drive.DeleteFile(ctx, parent, base)
	return pathError("remove", name, err)
}

// Rename moves oldName to newName. A change of both folder and name is done
// as a move followed by a rename.
func (fs *FS) Rename(ctx context.Context, oldName, newName string) error {
	oldName, newName = normalizePath(oldName), normalizePath(newName)
	srcDir, name := tree.Split(oldName)
	destDir, newBase := tree.Split(newName)

	_, err := fs.drive.List(ctx, oldName)
	isDir := err == nil

	if srcDir != destDir {
		if isDir {
			_, err = fs.drive.MoveFolder(ctx, oldName, destDir)
		} else {
			_, err = fs.drive.MoveFile(ctx, srcDir, name, destDir)
		}
		if err != nil {
			return pathError("rename", oldName, err)
		}
	}
	if name == newBase {
		return nil
	}
	if isDir {
		_, err = fs.drive.RenameFolder(ctx, tree.Join(destDir, name), newBase)
	} else {
		_, err = fs.drive.RenameFile(ctx, destDir, name, newBase)
	}
	return pathError("rename", oldName, err)
}

// Stat returns file info for a path. It never downloads content.
func (fs *FS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	name = normalizePath(name)
	if _, err := fs.drive.List(ctx, name); err == nil {
		return fs.folderInfo(name), nil
	}
	parent, base := tree.Split(name)
	entry, err := fs.drive.Stat(ctx, parent, base)
	if err != nil {
		return nil, pathError("stat", name, err)
	}
	return fs.fileInfo(entry), nil
}

func (fs *FS) folderInfo(name string) *fileInfo {
	return &fileInfo{name: path.Base(name), isDir: true, modTime: fs.started}
}

func (fs *FS) fileInfo(entry *models.FileEntry) *fileInfo {
	return &fileInfo{name: entry.Filename, size: entry.Size, modTime: fs.started, contentType: entry.Type}
}

// File implements webdav.File.
type File struct {
	fs   *FS
	ctx  context.Context
	name string

	folder *models.Folder
	listed int

	entry  *models.FileEntry
	mu     sync.Mutex
	data   []byte
	loaded bool
	offset int64

	writable bool
	buf      *bytes.Buffer
}

var _ webdav.File = (*File)(nil)

// Close uploads the written content. Empty files are rejected by the drive.
func (f *File) Close() error {
	if !f.writable {
		return nil
	}
	parent, base := tree.Split(f.name)
	res, err := f.fs.drive.UploadFiles(f.ctx, parent, []vfs.Blob{{Name: base, Data: f.buf.Bytes()}})
	if err != nil {
		return pathError("write", f.name, err)
	}
	logging.Debug("webdav file written",
		zap.String("path", f.name),
		zap.Int("size", f.buf.Len()),
		zap.String("result", res.Message))
	return nil
}

func (f *File) load() error {
	if f.loaded {
		return nil
	}
	parent, base := tree.Split(f.name)
	data, _, err := f.fs.drive.DownloadFile(f.ctx, parent, base, nil)
	if err != nil {
		return pathError("read", f.name, err)
	}
	f.data = data
	f.loaded = true
	return nil
}

func (f *File) Read(p []byte) (int, error) {
	if f.writable || f.entry == nil {
		return 0, &os.PathError{Op: "read", Path: f.name, Err: os.ErrInvalid}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(); err != nil {
		return 0, err
	}
	if f.offset >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[f.offset:])
	f.offset += int64(n)
	return n, nil
}

func (f *File) Write(p []byte) (int, error) {
	if !f.writable {
		return 0, &os.PathError{Op: "write", Path: f.name, Err: os.ErrPermission}
	}
	return f.buf.Write(p)
}

// Seek moves the read offset. The size comes from the tree, so seeking to
// the end does not download anything.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var size int64
	if f.entry != nil {
		size = f.entry.Size
	}
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = f.offset + offset
	case io.SeekEnd:
		next = size + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("negative seek position")
	}
	f.offset = next
	return next, nil
}

// Readdir lists subfolders followed by files. A positive count pages
// through the listing.
func (f *File) Readdir(count int) ([]os.FileInfo, error) {
	if f.folder == nil {
		return nil, &os.PathError{Op: "readdir", Path: f.name, Err: errors.New("not a folder")}
	}
	infos := make([]os.FileInfo, 0, len(f.folder.Subfolders)+len(f.folder.Files))
	for _, sub := range f.folder.Subfolders {
		infos = append(infos, f.fs.folderInfo(sub.Name))
	}
	for _, file := range f.folder.Files {
		infos = append(infos, f.fs.fileInfo(file))
	}

	if count <= 0 {
		return infos, nil
	}
	if f.listed >= len(infos) {
		return nil, io.EOF
	}
	end := min(f.listed+count, len(infos))
	page := infos[f.listed:end]
	f.listed = end
	return page, nil
}

func (f *File) Stat() (os.FileInfo, error) {
	switch {
	case f.folder != nil:
		return f.fs.folderInfo(f.name), nil
	case f.entry != nil:
		return f.fs.fileInfo(f.entry), nil
	}
	return &fileInfo{name: path.Base(f.name), size: int64(f.buf.Len()), modTime: time.Now()}, nil
}

// fileInfo implements os.FileInfo and webdav.ContentTyper.
type fileInfo struct {
	name        string
	size        int64
	isDir       bool
	modTime     time.Time
	contentType string
}

var _ webdav.ContentTyper = (*fileInfo)(nil)

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.size }
func (fi *fileInfo) IsDir() bool        { return fi.isDir }
func (fi *fileInfo) ModTime() time.Time { return fi.modTime }
func (fi *fileInfo) Sys() interface{}   { return nil }

func (fi *fileInfo) Mode() os.FileMode {
	if fi.isDir {
		return os.ModeDir | 0755
	}
	return 0644
}

// ContentType returns the stored MIME type so listings never sniff content.
func (fi *fileInfo) ContentType(ctx context.Context) (string, error) {
	if fi.contentType == "" {
		return "", webdav.ErrNotImplemented
	}
	return fi.contentType, nil
}
