// Package metastore keeps the drive tree in a single tagged text message.
//
// The record is found by, in order: the locator cached in settings, a
// content search for the tag, and a bounded scan of recent chat history.
// Commits edit the record in place, or create it when none exists.
package metastore

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/0xdsaini/telegramdrive/internal/logging"
	"github.com/0xdsaini/telegramdrive/internal/metrics"
	"github.com/0xdsaini/telegramdrive/internal/remote"
	"github.com/0xdsaini/telegramdrive/internal/settings"
	"github.com/0xdsaini/telegramdrive/internal/transport"
	"github.com/0xdsaini/telegramdrive/pkg/errs"
	"github.com/0xdsaini/telegramdrive/pkg/models"
	"github.com/0xdsaini/telegramdrive/pkg/protocol"
	"github.com/0xdsaini/telegramdrive/pkg/tree"
)

// Config bounds the record lookup.
type Config struct {
	SearchLimit     int `yaml:"search_limit"`
	HistoryPageSize int `yaml:"history_page_size"`
	HistoryMaxPages int `yaml:"history_max_pages"`
}

// DefaultConfig returns the lookup bounds used by the drive.
func DefaultConfig() Config {
	return Config{
		SearchLimit:     5,
		HistoryPageSize: 100,
		HistoryMaxPages: 10,
	}
}

// Lookup sources reported to metrics.
const (
	sourceCache   = "cache"
	sourceSearch  = "search"
	sourceHistory = "history"
	sourceNone    = "none"
)

// Store reads and writes the metadata record.
type Store struct {
	rc       *remote.Client
	settings settings.Store
	cfg      Config

	mu      sync.Mutex
	locator int64
	located bool
}

// New creates a Store. Zero config fields take their defaults.
func New(rc *remote.Client, st settings.Store, cfg Config) *Store {
	def := DefaultConfig()
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = def.SearchLimit
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = def.HistoryPageSize
	}
	if cfg.HistoryMaxPages <= 0 {
		cfg.HistoryMaxPages = def.HistoryMaxPages
	}
	return &Store{rc: rc, settings: st, cfg: cfg}
}

// Locate returns the message id of the record. found is false when the
// chat holds no record within the lookup bounds.
func (s *Store) Locate(ctx context.Context) (id int64, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, err := s.locateLocked(ctx)
	if err != nil || msg == nil {
		return 0, false, err
	}
	return msg.ID, true, nil
}

// Load fetches and decodes the tree. A missing record yields an empty tree.
// A corrupt record also yields an empty tree; the next commit overwrites it.
func (s *Store) Load(ctx context.Context) (*models.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, err := s.locateLocked(ctx)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		logging.Info("no metadata record found, starting with an empty tree")
		return tree.New(), nil
	}
	root, err := tree.Decode(msg.PlainText())
	if err != nil {
		logging.Warn("metadata record is corrupt, using an empty tree",
			zap.Int64("message_id", msg.ID), zap.Error(err))
	}
	metrics.SetTreeSize(tree.CountNodes(root))
	return root, nil
}

// Commit writes root to the record.
func (s *Store) Commit(ctx context.Context, root *models.Folder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	text := tree.Encode(root)

	if !s.located {
		if _, err := s.locateLocked(ctx); err != nil {
			return err
		}
	}

	if s.locator != 0 {
		_, err := s.rc.EditText(ctx, s.locator, text)
		switch {
		case err == nil:
			metrics.RecordCommit("edit", true)
			metrics.SetTreeSize(tree.CountNodes(root))
			return nil
		case transport.IsNotFound(err):
			logging.Warn("metadata record disappeared, creating a new one", zap.Int64("message_id", s.locator))
			s.forgetLocked(ctx)
		default:
			metrics.RecordCommit("edit", false)
			return errs.Transport("commit metadata", err)
		}
	}

	msg, err := s.rc.SendText(ctx, text)
	if err != nil {
		metrics.RecordCommit("create", false)
		return errs.Transport("create metadata record", err)
	}
	metrics.RecordCommit("create", true)
	metrics.SetTreeSize(tree.CountNodes(root))
	s.rememberLocked(ctx, msg.ID)
	logging.Info("created metadata record", zap.Int64("message_id", msg.ID))
	return nil
}

// Locator returns the in-memory locator, if known.
func (s *Store) Locator() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locator, s.locator != 0
}

func (s *Store) rememberLocked(ctx context.Context, id int64) {
	s.locator = id
	s.located = true
	if err := settings.SetLocator(ctx, s.settings, id); err != nil {
		logging.Warn("failed to cache metadata locator", zap.Error(err))
	}
}

func (s *Store) forgetLocked(ctx context.Context) {
	s.locator = 0
	if err := settings.ClearLocator(ctx, s.settings); err != nil {
		logging.Warn("failed to clear metadata locator", zap.Error(err))
	}
}

// locateLocked resolves the record message, or nil when there is none.
func (s *Store) locateLocked(ctx context.Context) (*protocol.Message, error) {
	msg, err := s.fromCache(ctx)
	if err != nil {
		return nil, err
	}
	source := sourceCache

	if msg == nil {
		source = sourceSearch
		msg, err = s.fromSearch(ctx)
		if err != nil {
			logging.Warn("metadata search failed, scanning history", zap.Error(err))
		}
	}
	if msg == nil {
		source = sourceHistory
		msg, err = s.fromHistory(ctx)
		if err != nil {
			return nil, errs.Transport("scan history", err)
		}
	}

	s.located = true
	if msg == nil {
		metrics.RecordLocate(sourceNone)
		return nil, nil
	}
	metrics.RecordLocate(source)
	if source != sourceCache || s.locator != msg.ID {
		s.rememberLocked(ctx, msg.ID)
	}
	return msg, nil
}

func (s *Store) fromCache(ctx context.Context) (*protocol.Message, error) {
	id, ok, err := settings.Locator(ctx, s.settings)
	if err != nil {
		logging.Warn("failed to read metadata locator", zap.Error(err))
	}
	if !ok {
		return nil, nil
	}
	msg, err := s.rc.Message(ctx, id)
	if err != nil {
		if transport.IsNotFound(err) {
			logging.Info("cached metadata locator is stale", zap.Int64("message_id", id))
			s.forgetLocked(ctx)
			return nil, nil
		}
		return nil, errs.Transport("fetch metadata record", err)
	}
	if _, err := tree.Decode(msg.PlainText()); err != nil {
		logging.Info("cached metadata locator does not point at a valid record",
			zap.Int64("message_id", id), zap.Error(err))
		s.forgetLocked(ctx)
		return nil, nil
	}
	s.locator = id
	return msg, nil
}

func (s *Store) fromSearch(ctx context.Context) (*protocol.Message, error) {
	found, err := s.rc.Search(ctx, tree.RecordTag, 0, s.cfg.SearchLimit)
	if err != nil {
		return nil, err
	}
	for _, m := range found.Messages {
		if tree.IsRecord(m.PlainText()) {
			return m, nil
		}
	}
	return nil, nil
}

func (s *Store) fromHistory(ctx context.Context) (*protocol.Message, error) {
	var from int64
	for page := 0; page < s.cfg.HistoryMaxPages; page++ {
		batch, err := s.rc.History(ctx, from, s.cfg.HistoryPageSize)
		if err != nil {
			return nil, err
		}
		for _, m := range batch.Messages {
			if tree.IsRecord(m.PlainText()) {
				return m, nil
			}
		}
		if len(batch.Messages) == 0 {
			return nil, nil
		}
		from = batch.Messages[len(batch.Messages)-1].ID
	}
	logging.Warn("history scan limit reached without finding the metadata record",
		zap.Int("pages", s.cfg.HistoryMaxPages),
		zap.Int("page_size", s.cfg.HistoryPageSize))
	return nil, nil
}
