// Package tree provides pure functions over the drive's folder/file tree.
//
// Mutators never modify their input. They return a new tree on success, or
// the unchanged input together with an *Error describing why the change was
// rejected.
package tree

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/0xdsaini/telegramdrive/pkg/errs"
	"github.com/0xdsaini/telegramdrive/pkg/models"
)

// RootName is the name of the root folder.
const RootName = "/"

// Error is a rejected tree operation.
type Error struct {
	Kind errs.Kind
	Op   string
	Path string
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Msg)
}

// ErrorKind implements errs.Kinded.
func (e *Error) ErrorKind() errs.Kind {
	return e.Kind
}

func invalid(op, p, msg string) error {
	return &Error{Kind: errs.KindValidation, Op: op, Path: p, Msg: msg}
}

func notFound(op, p, msg string) error {
	return &Error{Kind: errs.KindNotFound, Op: op, Path: p, Msg: msg}
}

// New returns an empty tree.
func New() *models.Folder {
	return &models.Folder{
		Name:       RootName,
		Subfolders: []*models.Folder{},
		Files:      []*models.FileEntry{},
	}
}

var lastInode atomic.Int64

// NewInode returns a "file_<unix-millis>" token. Tokens handed out by one
// process are strictly increasing even within the same millisecond.
func NewInode() string {
	for {
		now := time.Now().UnixMilli()
		last := lastInode.Load()
		next := now
		if next <= last {
			next = last + 1
		}
		if lastInode.CompareAndSwap(last, next) {
			return "file_" + strconv.FormatInt(next, 10)
		}
	}
}

// Clean normalizes a folder path: leading slash, no repeated or trailing
// slashes. The empty string is the root.
func Clean(p string) string {
	if p == "" {
		return RootName
	}
	return path.Clean("/" + p)
}

// Join constructs a child path from parent + name.
func Join(parentPath, name string) string {
	parentPath = Clean(parentPath)
	if parentPath == RootName {
		return "/" + name
	}
	return parentPath + "/" + name
}

// Split returns the parent path and final segment of p. The root has no
// parent and yields ("/", "").
func Split(p string) (parent, name string) {
	p = Clean(p)
	if p == RootName {
		return RootName, ""
	}
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return RootName, p[1:]
	}
	return p[:i], p[i+1:]
}

// IsWithin reports whether p is base or lies beneath it. Both paths are
// compared with trailing separators so "/ab" is not within "/a".
func IsWithin(p, base string) bool {
	p, base = Clean(p), Clean(base)
	if base == RootName {
		return true
	}
	return strings.HasPrefix(p+"/", base+"/")
}

func segments(p string) []string {
	p = Clean(p)
	if p == RootName {
		return nil
	}
	return strings.Split(p[1:], "/")
}

// FindByPath resolves a folder path. It returns nil if any segment is missing.
func FindByPath(root *models.Folder, p string) *models.Folder {
	if root == nil {
		return nil
	}
	cur := root
	for _, seg := range segments(p) {
		cur = cur.Subfolder(seg)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// FindFile returns the named file inside the folder at folderPath.
func FindFile(root *models.Folder, folderPath, filename string) *models.FileEntry {
	folder := FindByPath(root, folderPath)
	if folder == nil {
		return nil
	}
	return folder.File(filename)
}

// FileExists reports whether folderPath contains filename.
func FileExists(root *models.Folder, folderPath, filename string) bool {
	return FindFile(root, folderPath, filename) != nil
}

// Clone returns a deep copy of the tree.
func Clone(f *models.Folder) *models.Folder {
	if f == nil {
		return nil
	}
	out := &models.Folder{
		Name:       f.Name,
		Subfolders: make([]*models.Folder, 0, len(f.Subfolders)),
		Files:      make([]*models.FileEntry, 0, len(f.Files)),
	}
	for _, sub := range f.Subfolders {
		out.Subfolders = append(out.Subfolders, Clone(sub))
	}
	for _, file := range f.Files {
		cp := *file
		out.Files = append(out.Files, &cp)
	}
	return out
}

// Equal reports structural equality, treating nil and empty sequences alike.
func Equal(a, b *models.Folder) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Name != b.Name || len(a.Subfolders) != len(b.Subfolders) || len(a.Files) != len(b.Files) {
		return false
	}
	for i := range a.Files {
		if *a.Files[i] != *b.Files[i] {
			return false
		}
	}
	for i := range a.Subfolders {
		if !Equal(a.Subfolders[i], b.Subfolders[i]) {
			return false
		}
	}
	return true
}

// CountNodes counts all folders and files in a tree.
func CountNodes(root *models.Folder) int {
	if root == nil {
		return 0
	}
	count := 1 + len(root.Files)
	for _, sub := range root.Subfolders {
		count += CountNodes(sub)
	}
	return count
}

// Walk calls fn for every folder in depth-first pre-order.
func Walk(root *models.Folder, fn func(folderPath string, f *models.Folder) error) error {
	return walk(root, RootName, fn)
}

func walk(f *models.Folder, p string, fn func(string, *models.Folder) error) error {
	if err := fn(p, f); err != nil {
		return err
	}
	for _, sub := range f.Subfolders {
		if err := walk(sub, Join(p, sub.Name), fn); err != nil {
			return err
		}
	}
	return nil
}

// FileRef is a file together with the folder that contains it.
type FileRef struct {
	Folder string
	Entry  *models.FileEntry
}

// Path returns the full path of the file.
func (r FileRef) Path() string {
	return Join(r.Folder, r.Entry.Filename)
}

// FilesUnder enumerates every file transitively under folderPath, depth first.
func FilesUnder(root *models.Folder, folderPath string) ([]FileRef, error) {
	start := FindByPath(root, folderPath)
	if start == nil {
		return nil, notFound("list files", Clean(folderPath), "folder not found")
	}
	var refs []FileRef
	walk(start, Clean(folderPath), func(p string, f *models.Folder) error {
		for _, file := range f.Files {
			refs = append(refs, FileRef{Folder: p, Entry: file})
		}
		return nil
	})
	return refs, nil
}

// ValidateName checks that name can be used as a folder or file name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("name is empty")
	case strings.Contains(name, "/"):
		return fmt.Errorf("name %q contains '/'", name)
	case name == "." || name == "..":
		return fmt.Errorf("name %q is reserved", name)
	}
	return nil
}

// CreateFolder adds an empty folder named name under parentPath.
func CreateFolder(root *models.Folder, parentPath, name string) (*models.Folder, error) {
	const op = "create folder"
	if err := ValidateName(name); err != nil {
		return root, invalid(op, Join(parentPath, name), err.Error())
	}
	if FindByPath(root, parentPath) == nil {
		return root, notFound(op, Clean(parentPath), "parent folder not found")
	}
	next := Clone(root)
	parent := FindByPath(next, parentPath)
	if parent.Subfolder(name) != nil {
		return root, invalid(op, Join(parentPath, name), "folder already exists")
	}
	parent.Subfolders = append(parent.Subfolders, &models.Folder{
		Name:       name,
		Subfolders: []*models.Folder{},
		Files:      []*models.FileEntry{},
	})
	return next, nil
}

// DeleteFolder removes the folder at p and its whole subtree. It does not
// touch remote blobs; callers use FilesUnder beforehand for that.
func DeleteFolder(root *models.Folder, p string) (*models.Folder, error) {
	const op = "delete folder"
	p = Clean(p)
	if p == RootName {
		return root, invalid(op, p, "cannot delete root folder")
	}
	if FindByPath(root, p) == nil {
		return root, notFound(op, p, "folder not found")
	}
	parentPath, name := Split(p)
	next := Clone(root)
	removeSubfolder(FindByPath(next, parentPath), name)
	return next, nil
}

// MoveFolder moves the folder at src into the folder at dest.
// Moving a folder into its current parent succeeds without changes.
func MoveFolder(root *models.Folder, src, dest string) (*models.Folder, error) {
	const op = "move folder"
	src, dest = Clean(src), Clean(dest)
	switch {
	case src == RootName:
		return root, invalid(op, src, "cannot move root folder")
	case src == dest:
		return root, invalid(op, src, "folder is already in this location")
	case IsWithin(dest, src):
		return root, invalid(op, src, fmt.Sprintf("cannot move a folder into its own subfolder %s", dest))
	}
	moving := FindByPath(root, src)
	if moving == nil {
		return root, notFound(op, src, "folder not found")
	}
	destFolder := FindByPath(root, dest)
	if destFolder == nil {
		return root, notFound(op, dest, "destination folder not found")
	}
	srcParent, name := Split(src)
	if srcParent == dest {
		return root, nil
	}
	if destFolder.Subfolder(name) != nil {
		return root, invalid(op, src, fmt.Sprintf("folder %q already exists in %s", name, dest))
	}

	next := Clone(root)
	moved := removeSubfolder(FindByPath(next, srcParent), name)
	target := FindByPath(next, dest)
	target.Subfolders = append(target.Subfolders, moved)
	return next, nil
}

// RenameFolder gives the folder at p a new name within the same parent.
func RenameFolder(root *models.Folder, p, newName string) (*models.Folder, error) {
	const op = "rename folder"
	p = Clean(p)
	if p == RootName {
		return root, invalid(op, p, "cannot rename root folder")
	}
	if err := ValidateName(newName); err != nil {
		return root, invalid(op, p, err.Error())
	}
	if FindByPath(root, p) == nil {
		return root, notFound(op, p, "folder not found")
	}
	parentPath, name := Split(p)
	if name == newName {
		return root, nil
	}
	if FindByPath(root, parentPath).Subfolder(newName) != nil {
		return root, invalid(op, p, fmt.Sprintf("folder %q already exists", newName))
	}
	next := Clone(root)
	FindByPath(next, p).Name = newName
	return next, nil
}

// FileAttrs carries optional attributes recorded with a file entry.
type FileAttrs struct {
	Size int64
	Type string
}

// AddFile inserts filename into folderPath, replacing an existing entry of the
// same name. The entry always receives a fresh inode.
func AddFile(root *models.Folder, folderPath, filename string, ref models.RemoteRef, attrs FileAttrs) (*models.Folder, error) {
	const op = "add file"
	if err := ValidateName(filename); err != nil {
		return root, invalid(op, Join(folderPath, filename), err.Error())
	}
	if FindByPath(root, folderPath) == nil {
		return root, notFound(op, Clean(folderPath), "folder not found")
	}
	next := Clone(root)
	folder := FindByPath(next, folderPath)
	entry := &models.FileEntry{
		Inode:     NewInode(),
		Filename:  filename,
		RemoteRef: ref,
		Size:      attrs.Size,
		Type:      attrs.Type,
	}
	for i, f := range folder.Files {
		if f.Filename == filename {
			folder.Files[i] = entry
			return next, nil
		}
	}
	folder.Files = append(folder.Files, entry)
	return next, nil
}

// DeleteFile removes filename from folderPath.
func DeleteFile(root *models.Folder, folderPath, filename string) (*models.Folder, error) {
	const op = "delete file"
	if FindByPath(root, folderPath) == nil {
		return root, notFound(op, Clean(folderPath), "folder not found")
	}
	if !FileExists(root, folderPath, filename) {
		return root, notFound(op, Join(folderPath, filename), "file not found")
	}
	next := Clone(root)
	removeFile(FindByPath(next, folderPath), filename)
	return next, nil
}

// MoveFile moves filename from srcFolder to destFolder. An existing file of
// the same name in destFolder is replaced. Moving to the same folder succeeds
// without changes.
func MoveFile(root *models.Folder, srcFolder, filename, destFolder string) (*models.Folder, error) {
	const op = "move file"
	srcFolder, destFolder = Clean(srcFolder), Clean(destFolder)
	if FindByPath(root, srcFolder) == nil {
		return root, notFound(op, srcFolder, "source folder not found")
	}
	if !FileExists(root, srcFolder, filename) {
		return root, notFound(op, Join(srcFolder, filename), "file not found")
	}
	if srcFolder == destFolder {
		return root, nil
	}
	if FindByPath(root, destFolder) == nil {
		return root, notFound(op, destFolder, "destination folder not found")
	}

	next := Clone(root)
	moved := removeFile(FindByPath(next, srcFolder), filename)
	dest := FindByPath(next, destFolder)
	for i, f := range dest.Files {
		if f.Filename == filename {
			dest.Files[i] = moved
			return next, nil
		}
	}
	dest.Files = append(dest.Files, moved)
	return next, nil
}

// RenameFile renames a file within its folder, replacing any file already
// called newName.
func RenameFile(root *models.Folder, folderPath, filename, newName string) (*models.Folder, error) {
	const op = "rename file"
	if err := ValidateName(newName); err != nil {
		return root, invalid(op, Join(folderPath, filename), err.Error())
	}
	if !FileExists(root, folderPath, filename) {
		return root, notFound(op, Join(folderPath, filename), "file not found")
	}
	if filename == newName {
		return root, nil
	}
	next := Clone(root)
	folder := FindByPath(next, folderPath)
	removeFile(folder, newName)
	folder.File(filename).Filename = newName
	return next, nil
}

// removeSubfolder detaches a child folder by name and returns it.
func removeSubfolder(parent *models.Folder, name string) *models.Folder {
	for i, sub := range parent.Subfolders {
		if sub.Name == name {
			parent.Subfolders = append(parent.Subfolders[:i], parent.Subfolders[i+1:]...)
			return sub
		}
	}
	return nil
}

// removeFile detaches a file by name and returns it.
func removeFile(folder *models.Folder, filename string) *models.FileEntry {
	for i, f := range folder.Files {
		if f.Filename == filename {
			folder.Files = append(folder.Files[:i], folder.Files[i+1:]...)
			return f
		}
	}
	return nil
}
