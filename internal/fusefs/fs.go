// Package fusefs exposes the drive as a FUSE filesystem.
//
// Every node resolves its path by walking its parents and asks the drive for
// fresh metadata, so a mount never serves a tree older than the last commit.
package fusefs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/0xdsaini/telegramdrive/internal/logging"
	"github.com/0xdsaini/telegramdrive/internal/transfer"
	"github.com/0xdsaini/telegramdrive/internal/vfs"
	"github.com/0xdsaini/telegramdrive/pkg/errs"
	"github.com/0xdsaini/telegramdrive/pkg/models"
	"github.com/0xdsaini/telegramdrive/pkg/tree"
)

// renameNoReplace is RENAME_NOREPLACE from renameat2(2).
const renameNoReplace = 1

// Drive is the subset of the VFS facade the mount needs.
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

var _ Drive = (*vfs.FS)(nil)

// Config holds mount options.
type Config struct {
	Name        string
	AllowOther  bool
	Debug       bool
	AttrTimeout time.Duration
}

// Stats holds filesystem counters.
type Stats struct {
	Reads         atomic.Int64
	BytesRead     atomic.Int64
	Uploads       atomic.Int64
	BytesUploaded atomic.Int64
	FilesDeleted  atomic.Int64
	DirsCreated   atomic.Int64
	DirsDeleted   atomic.Int64
	Renames       atomic.Int64
	Errors        atomic.Int64
}

// FS is a FUSE view of a Drive.
type FS struct {
	drive   Drive
	cfg     Config
	mounted time.Time
	uid     uint32
	gid     uint32

	// mu guards node names and parent links.
	mu    sync.RWMutex
	stats Stats
}

// New creates a filesystem over drive.
func New(drive Drive, cfg Config) *FS {
	if cfg.Name == "" {
		cfg.Name = "tgdrive"
	}
	return &FS{
		drive:   drive,
		cfg:     cfg,
		mounted: time.Now(),
		uid:     uint32(os.Getuid()),
		gid:     uint32(os.Getgid()),
	}
}

// Root returns the node for the drive root.
func (f *FS) Root() *Node {
	return &Node{fsys: f, dir: true}
}

// Mount mounts the filesystem at mountPoint.
func (f *FS) Mount(mountPoint string) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	timeout := f.cfg.AttrTimeout
	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: f.cfg.AllowOther,
			Debug:      f.cfg.Debug,
			FsName:     f.cfg.Name,
			Name:       f.cfg.Name,
		},
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
		UID:          f.uid,
		GID:          f.gid,
	}

	server, err := fs.Mount(mountPoint, f.Root(), opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	logging.Info("drive mounted", zap.String("mount_point", mountPoint))
	return server, nil
}

// GetStats returns the filesystem counters.
func (f *FS) GetStats() *Stats {
	return &f.stats
}

// Node is a folder or a file in the mounted tree.
type Node struct {
	fs.Inode

	fsys   *FS
	parent *Node
	name   string
	dir    bool
}

var _ fs.InodeEmbedder = (*Node)(nil)
var _ fs.NodeGetattrer = (*Node)(nil)
var _ fs.NodeLookuper = (*Node)(nil)
var _ fs.NodeReaddirer = (*Node)(nil)
var _ fs.NodeOpener = (*Node)(nil)
var _ fs.NodeReader = (*Node)(nil)
var _ fs.NodeCreater = (*Node)(nil)
var _ fs.NodeMkdirer = (*Node)(nil)
var _ fs.NodeUnlinker = (*Node)(nil)
var _ fs.NodeRmdirer = (*Node)(nil)
var _ fs.NodeSetattrer = (*Node)(nil)
var _ fs.NodeRenamer = (*Node)(nil)

// path returns the drive path of the node.
func (n *Node) path() string {
	n.fsys.mu.RLock()
	defer n.fsys.mu.RUnlock()
	return n.pathLocked()
}

func (n *Node) pathLocked() string {
	if n.parent == nil {
		return tree.RootName
	}
	return buildChildPath(n.parent.pathLocked(), n.name)
}

// location splits a file node's path into folder and filename.
func (n *Node) location() (folder, name string) {
	n.fsys.mu.RLock()
	defer n.fsys.mu.RUnlock()
	return n.parent.pathLocked(), n.name
}

func (n *Node) child(name string, dir bool) *Node {
	return &Node{fsys: n.fsys, parent: n, name: name, dir: dir}
}

func (n *Node) fail(op string, err error) syscall.Errno {
	errno := toErrno(err)
	n.fsys.stats.Errors.Add(1)
	logging.Warn("fuse operation failed",
		zap.String("op", op), zap.String("path", n.path()), zap.Error(err))
	return errno
}

// Getattr never downloads content; sizes come from the metadata tree.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	if n.dir {
		if _, err := n.fsys.drive.List(ctx, n.path()); err != nil {
			return toErrno(err)
		}
		n.fsys.fillAttr(&out.Attr, true, 0)
		return 0
	}

	if h, ok := fh.(*FileHandle); ok && h.writable {
		n.fsys.fillAttr(&out.Attr, false, h.length())
		return 0
	}
	folder, name := n.location()
	entry, err := n.fsys.drive.Stat(ctx, folder, name)
	if err != nil {
		return toErrno(err)
	}
	n.fsys.fillAttr(&out.Attr, false, entry.Size)
	return 0
}

// Lookup finds a child by name.
func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if !n.dir {
		return nil, syscall.ENOTDIR
	}
	folder, err := n.fsys.drive.List(ctx, n.path())
	if err != nil {
		return nil, toErrno(err)
	}

	var child *Node
	switch {
	case folder.Subfolder(name) != nil:
		child = n.child(name, true)
		n.fsys.fillAttr(&out.Attr, true, 0)
	case folder.File(name) != nil:
		child = n.child(name, false)
		n.fsys.fillAttr(&out.Attr, false, folder.File(name).Size)
	default:
		return nil, syscall.ENOENT
	}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: out.Mode & syscall.S_IFMT}), 0
}

// Readdir lists subfolders followed by files.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	if !n.dir {
		return nil, syscall.ENOTDIR
	}
	folder, err := n.fsys.drive.List(ctx, n.path())
	if err != nil {
		return nil, toErrno(err)
	}
	return fs.NewListDirStream(dirEntries(folder)), 0
}

// Open reads the whole file through the drive cache. Opening for write
// starts from the current content unless O_TRUNC is set.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if n.dir {
		return nil, 0, syscall.EISDIR
	}
	writable := flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0
	if writable && flags&syscall.O_TRUNC != 0 {
		return &FileHandle{node: n, writable: true, dirty: true}, 0, 0
	}

	folder, name := n.location()
	data, _, err := n.fsys.drive.DownloadFile(ctx, folder, name, nil)
	if err != nil {
		return nil, 0, n.fail("open", err)
	}
	n.fsys.stats.Reads.Add(1)
	if writable {
		return &FileHandle{node: n, writable: true, data: data}, 0, 0
	}
	return &FileHandle{node: n, data: data}, gofuse.FOPEN_KEEP_CACHE, 0
}

// Read serves from the handle's buffer.
func (n *Node) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	h, ok := fh.(*FileHandle)
	if !ok {
		return nil, syscall.EIO
	}
	got := h.readAt(dest, off)
	n.fsys.stats.BytesRead.Add(int64(len(got)))
	return gofuse.ReadResultData(got), 0
}

// Create starts a new file. Nothing reaches the drive until the handle is
// flushed with content.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if !n.dir {
		return nil, nil, 0, syscall.ENOTDIR
	}
	if err := tree.ValidateName(name); err != nil {
		return nil, nil, 0, syscall.EINVAL
	}
	folder, err := n.fsys.drive.List(ctx, n.path())
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	if folder.Subfolder(name) != nil {
		return nil, nil, 0, syscall.EISDIR
	}

	child := n.child(name, false)
	n.fsys.fillAttr(&out.Attr, false, 0)
	inode := n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFREG})
	return inode, &FileHandle{node: child, writable: true, dirty: true}, 0, 0
}

// Mkdir creates a folder.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if !n.dir {
		return nil, syscall.ENOTDIR
	}
	if _, err := n.fsys.drive.CreateFolder(ctx, n.path(), name); err != nil {
		return nil, n.fail("mkdir", err)
	}
	n.fsys.stats.DirsCreated.Add(1)

	n.fsys.fillAttr(&out.Attr, true, 0)
	return n.NewInode(ctx, n.child(name, true), fs.StableAttr{Mode: syscall.S_IFDIR}), 0
}

// Unlink removes a file and releases its remote content.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	if !n.dir {
		return syscall.ENOTDIR
	}
	folder, err := n.fsys.drive.List(ctx, n.path())
	if err != nil {
		return toErrno(err)
	}
	if folder.Subfolder(name) != nil {
		return syscall.EISDIR
	}
	if _, err := n.fsys.drive.DeleteFile(ctx, n.path(), name); err != nil {
		return n.fail("unlink", err)
	}
	n.fsys.stats.FilesDeleted.Add(1)
	return 0
}

// Rmdir removes an empty folder.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	if !n.dir {
		return syscall.ENOTDIR
	}
	p := buildChildPath(n.path(), name)
	target, err := n.fsys.drive.List(ctx, p)
	if err != nil {
		return toErrno(err)
	}
	if len(target.Subfolders) > 0 || len(target.Files) > 0 {
		return syscall.ENOTEMPTY
	}
	if _, err := n.fsys.drive.DeleteFolder(ctx, p); err != nil {
		return n.fail("rmdir", err)
	}
	n.fsys.stats.DirsDeleted.Add(1)
	return 0
}

// Setattr handles truncation of open handles. Other attributes are not
// stored in the tree and are ignored.
func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	if sz, ok := in.GetSize(); ok {
		h, ok := fh.(*FileHandle)
		if !ok || !h.writable {
			return syscall.EPERM
		}
		h.truncate(int64(sz))
	}
	return n.Getattr(ctx, fh, out)
}

// Rename moves and renames folders and files. A change of both parent and
// name is done as a move followed by a rename.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dest, ok := newParent.(*Node)
	if !ok || !dest.dir {
		return syscall.EIO
	}
	srcDir, destDir := n.path(), dest.path()

	src, err := n.fsys.drive.List(ctx, srcDir)
	if err != nil {
		return toErrno(err)
	}
	isDir := src.Subfolder(name) != nil
	if !isDir && src.File(name) == nil {
		return syscall.ENOENT
	}

	if flags&renameNoReplace != 0 {
		target, err := n.fsys.drive.List(ctx, destDir)
		if err != nil {
			return toErrno(err)
		}
		if target.Subfolder(newName) != nil || target.File(newName) != nil {
			return syscall.EEXIST
		}
	}

	if err := n.fsys.rename(ctx, isDir, srcDir, name, destDir, newName); err != nil {
		return n.fail("rename", err)
	}

	if ch := n.GetChild(name); ch != nil {
		if moved, ok := ch.Operations().(*Node); ok {
			n.fsys.mu.Lock()
			moved.parent = dest
			moved.name = newName
			n.fsys.mu.Unlock()
		}
	}
	n.fsys.stats.Renames.Add(1)
	return 0
}

func (f *FS) rename(ctx context.Context, isDir bool, srcDir, name, destDir, newName string) error {
	if srcDir != destDir {
		var err error
		if isDir {
			_, err = f.drive.MoveFolder(ctx, buildChildPath(srcDir, name), destDir)
		} else {
			_, err = f.drive.MoveFile(ctx, srcDir, name, destDir)
		}
		if err != nil {
			return err
		}
	}
	if name == newName {
		return nil
	}
	if isDir {
		_, err := f.drive.RenameFolder(ctx, buildChildPath(destDir, name), newName)
		return err
	}
	_, err := f.drive.RenameFile(ctx, destDir, name, newName)
	return err
}

func (f *FS) fillAttr(out *gofuse.Attr, dir bool, size int64) {
	if dir {
		out.Mode = 0755 | syscall.S_IFDIR
	} else {
		out.Mode = 0644 | syscall.S_IFREG
		out.Size = uint64(size)
	}
	out.Mtime = uint64(f.mounted.Unix())
	out.Atime = out.Mtime
	out.Ctime = out.Mtime
	out.Uid = f.uid
	out.Gid = f.gid
}

func dirEntries(folder *models.Folder) []gofuse.DirEntry {
	entries := make([]gofuse.DirEntry, 0, len(folder.Subfolders)+len(folder.Files))
	for _, sub := range folder.Subfolders {
		entries = append(entries, gofuse.DirEntry{Name: sub.Name, Mode: syscall.S_IFDIR})
	}
	for _, file := range folder.Files {
		entries = append(entries, gofuse.DirEntry{Name: file.Filename, Mode: syscall.S_IFREG})
	}
	return entries
}

// toErrno maps drive errors onto errno values.
func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return syscall.EINTR
	}
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		return syscall.ENOENT
	case errs.KindValidation:
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}

func buildChildPath(parentPath, name string) string {
	if parentPath == tree.RootName {
		return "/" + name
	}
	return parentPath + "/" + name
}
