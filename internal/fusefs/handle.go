package fusefs

import (
	"context"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"go.uber.org/zap"

	"github.com/0xdsaini/telegramdrive/internal/logging"
	"github.com/0xdsaini/telegramdrive/internal/vfs"
)

// FileHandle buffers a whole file in memory. Writable handles upload their
// buffer on flush.
type FileHandle struct {
	node     *Node
	writable bool

	mu    sync.Mutex
	data  []byte
	dirty bool
}

var _ fs.FileHandle = (*FileHandle)(nil)
var _ fs.FileWriter = (*FileHandle)(nil)
var _ fs.FileFlusher = (*FileHandle)(nil)
var _ fs.FileReleaser = (*FileHandle)(nil)

func (h *FileHandle) length() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(len(h.data))
}

func (h *FileHandle) readAt(dest []byte, off int64) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if off >= int64(len(h.data)) {
		return nil
	}
	n := copy(dest, h.data[off:])
	return dest[:n]
}

func (h *FileHandle) truncate(size int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if size <= int64(len(h.data)) {
		h.data = h.data[:size]
	} else {
		h.data = append(h.data, make([]byte, size-int64(len(h.data)))...)
	}
	h.dirty = true
}

// Write writes data into the buffer, growing it as needed.
func (h *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if !h.writable {
		return 0, syscall.EBADF
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	end := off + int64(len(data))
	if end > int64(len(h.data)) {
		h.data = append(h.data, make([]byte, end-int64(len(h.data)))...)
	}
	copy(h.data[off:], data)
	h.dirty = true
	return uint32(len(data)), 0
}

// Flush uploads the buffer if it changed. Empty files are never uploaded.
func (h *FileHandle) Flush(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty {
		return 0
	}
	folder, name := h.node.location()
	if len(h.data) == 0 {
		logging.Debug("skipping upload of empty file", zap.String("path", buildChildPath(folder, name)))
		h.dirty = false
		return 0
	}

	if _, err := h.node.fsys.drive.UploadFiles(ctx, folder, []vfs.Blob{{Name: name, Data: h.data}}); err != nil {
		return h.node.fail("flush", err)
	}

	h.dirty = false
	h.node.fsys.stats.Uploads.Add(1)
	h.node.fsys.stats.BytesUploaded.Add(int64(len(h.data)))
	logging.Info("uploaded from mount", zap.String("path", buildChildPath(folder, name)), zap.Int("size", len(h.data)))
	return 0
}

// Release drops the buffer.
func (h *FileHandle) Release(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data = nil
	return 0
}
