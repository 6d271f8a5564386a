// Package settings persists the small key/value state the drive keeps
// locally: the metadata record locator and the deletion mode.
package settings

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/0xdsaini/telegramdrive/internal/logging"
)

// Keys used by the drive.
const (
	KeyDryRun   = "telegram-dry-mode"
	KeyLocator  = "telegram-metadata-message-id"
	dryRunTrue  = "true"
	dryRunFalse = "false"
)

// Store is a string key/value store.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// DryRun reports whether remote deletions must be skipped.
//
// An absent value is initialised to "true". "true" and "false" are honoured.
// Any other stored value is treated as dry run and left untouched.
func DryRun(ctx context.Context, s Store) (bool, error) {
	v, ok, err := s.Get(ctx, KeyDryRun)
	if err != nil {
		return true, err
	}
	if !ok {
		if err := s.Set(ctx, KeyDryRun, dryRunTrue); err != nil {
			return true, err
		}
		return true, nil
	}
	switch v {
	case dryRunTrue:
		return true, nil
	case dryRunFalse:
		return false, nil
	default:
		logging.Warn("unrecognised dry-run setting, treating as dry run", zap.String("value", v))
		return true, nil
	}
}

// SetDryRun stores the deletion mode.
func SetDryRun(ctx context.Context, s Store, dryRun bool) error {
	return s.Set(ctx, KeyDryRun, strconv.FormatBool(dryRun))
}

// Locator returns the cached message id of the metadata record.
func Locator(ctx context.Context, s Store) (int64, bool, error) {
	v, ok, err := s.Get(ctx, KeyLocator)
	if err != nil || !ok {
		return 0, false, err
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id == 0 {
		logging.Warn("ignoring invalid metadata locator", zap.String("value", v))
		return 0, false, nil
	}
	return id, true, nil
}

// SetLocator caches the message id of the metadata record.
func SetLocator(ctx context.Context, s Store, id int64) error {
	return s.Set(ctx, KeyLocator, strconv.FormatInt(id, 10))
}

// ClearLocator forgets the cached locator.
func ClearLocator(ctx context.Context, s Store) error {
	return s.Delete(ctx, KeyLocator)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// Set implements Store.
func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
