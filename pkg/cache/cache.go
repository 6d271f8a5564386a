// Package cache keeps downloaded file content on local disk, keyed by the
// remote reference of the blob.
package cache

import (
	"container/list"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/0xdsaini/telegramdrive/pkg/models"
)

const (
	pinsFile  = "pins.json"
	blobExt   = ".blob"
	tmpSuffix = ".tmp"
)

// Cache is a size-bounded LRU of blob files. Pinned blobs are never evicted
// and may push the cache over its bound.
type Cache struct {
	dir   string
	limit int64

	mu    sync.Mutex
	index map[string]*list.Element // values are *models.CacheEntry
	lru   *list.List               // front is most recently used
	used  int64
}

// Key returns the cache key for a remote reference.
func Key(ref models.RemoteRef) string {
	return ref.String()
}

// New opens the cache in dir, picking up blobs left by a previous run.
func New(dir string, maxSize int64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	c := &Cache{
		dir:   dir,
		limit: maxSize,
		index: make(map[string]*list.Element),
		lru:   list.New(),
	}
	if err := c.scan(); err != nil {
		return nil, err
	}
	return c, nil
}

// scan rebuilds the index from disk, ordering recency by modification time,
// and removes temp files of interrupted writes.
func (c *Cache) scan() error {
	des, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}
	var found []*models.CacheEntry
	for _, de := range des {
		name := de.Name()
		switch {
		case de.IsDir():
		case strings.HasSuffix(name, tmpSuffix):
			os.Remove(filepath.Join(c.dir, name))
		case strings.HasSuffix(name, blobExt):
			info, err := de.Info()
			if err != nil {
				continue
			}
			found = append(found, &models.CacheEntry{
				Key:        strings.TrimSuffix(name, blobExt),
				LocalPath:  filepath.Join(c.dir, name),
				Size:       info.Size(),
				LastAccess: info.ModTime(),
			})
		}
	}
	slices.SortFunc(found, func(a, b *models.CacheEntry) int {
		return b.LastAccess.Compare(a.LastAccess)
	})
	for _, e := range found {
		c.index[e.Key] = c.lru.PushBack(e)
		c.used += e.Size
	}
	return nil
}

func validKey(key string) bool {
	return key != "" && key != "." && key != ".." && !strings.ContainsAny(key, `/\`)
}

// Get returns the local path of a cached blob and marks it recently used.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	if !ok {
		return "", false
	}
	c.lru.MoveToFront(el)
	e := el.Value.(*models.CacheEntry)
	e.LastAccess = time.Now()
	return e.LocalPath, true
}

// ReadFile returns the cached content for key. A blob whose file vanished is
// dropped from the index.
func (c *Cache) ReadFile(key string) ([]byte, bool) {
	path, ok := c.Get(key)
	if !ok {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		c.Forget(key)
		return nil, false
	}
	return data, true
}

// Put stores size bytes from r under key, replacing earlier content and
// evicting least recently used blobs to stay within the bound. The file is
// written to a temp name and renamed into place.
func (c *Cache) Put(key string, r io.Reader, size int64) (string, error) {
	if !validKey(key) {
		return "", fmt.Errorf("invalid cache key %q", key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.dropLocked(el)
	}
	for c.used+size > c.limit && c.evictLocked() {
	}

	dst := filepath.Join(c.dir, key+blobExt)
	n, err := writeAtomic(dst, r)
	if err != nil {
		return "", err
	}
	c.index[key] = c.lru.PushFront(&models.CacheEntry{
		Key:        key,
		LocalPath:  dst,
		Size:       n,
		LastAccess: time.Now(),
	})
	c.used += n
	return dst, nil
}

func writeAtomic(dst string, r io.Reader) (int64, error) {
	tmp := dst + tmpSuffix
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, dst)
	}
	if err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("store %s: %w", filepath.Base(dst), err)
	}
	return n, nil
}

// Evict removes an unpinned blob.
func (c *Cache) Evict(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	if !ok {
		return nil
	}
	if el.Value.(*models.CacheEntry).Pinned {
		return fmt.Errorf("cannot evict pinned blob: %s", key)
	}
	c.dropLocked(el)
	return nil
}

// Forget removes a blob even if pinned. It is used once the remote blob
// itself is gone.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.dropLocked(el)
	}
}

func (c *Cache) dropLocked(el *list.Element) {
	e := c.lru.Remove(el).(*models.CacheEntry)
	os.Remove(e.LocalPath)
	c.used -= e.Size
	delete(c.index, e.Key)
}

// evictLocked drops the least recently used unpinned blob and reports
// whether there was one.
func (c *Cache) evictLocked() bool {
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		if !el.Value.(*models.CacheEntry).Pinned {
			c.dropLocked(el)
			return true
		}
	}
	return false
}

// Pin keeps a cached blob from being evicted.
func (c *Cache) Pin(key string) error { return c.setPinned(key, true) }

// Unpin makes a blob evictable again.
func (c *Cache) Unpin(key string) error { return c.setPinned(key, false) }

func (c *Cache) setPinned(key string, pinned bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	if !ok {
		return fmt.Errorf("blob not cached: %s", key)
	}
	el.Value.(*models.CacheEntry).Pinned = pinned
	return nil
}

// Stats returns bytes used, the size bound and the number of blobs.
func (c *Cache) Stats() (size, maxSize int64, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used, c.limit, len(c.index)
}

func (c *Cache) IsCached(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[key]
	return ok
}

func (c *Cache) IsPinned(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	return ok && el.Value.(*models.CacheEntry).Pinned
}

// Clear removes every unpinned blob and returns how many went.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for el := c.lru.Front(); el != nil; {
		next := el.Next()
		if !el.Value.(*models.CacheEntry).Pinned {
			c.dropLocked(el)
			n++
		}
		el = next
	}
	return n
}

func (c *Cache) Dir() string { return c.dir }

// SavePins writes the pinned keys to pins.json in the cache directory.
func (c *Cache) SavePins() error {
	c.mu.Lock()
	pins := make([]string, 0)
	for el := c.lru.Front(); el != nil; el = el.Next() {
		if e := el.Value.(*models.CacheEntry); e.Pinned {
			pins = append(pins, e.Key)
		}
	}
	c.mu.Unlock()

	data, err := json.Marshal(pins)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.dir, pinsFile), data, 0644)
}

// LoadPins restores pins saved by SavePins. Keys no longer cached are
// ignored.
func (c *Cache) LoadPins() error {
	data, err := os.ReadFile(filepath.Join(c.dir, pinsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var pins []string
	if err := json.Unmarshal(data, &pins); err != nil {
		return fmt.Errorf("parse %s: %w", pinsFile, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range pins {
		if el, ok := c.index[key]; ok {
			el.Value.(*models.CacheEntry).Pinned = true
		}
	}
	return nil
}
