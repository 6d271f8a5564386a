// Package transfer moves file content to and from the chat.
//
// Downloads are split into chunks read in parallel through readFilePart,
// each chunk retried with backoff, failed chunks re-queued in further sweeps,
// and the result reassembled in index order. Before reading, the engine makes
// sure the service has the file locally, resuming stalled downloads from the
// last reported offset.
package transfer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/0xdsaini/telegramdrive/internal/logging"
	"github.com/0xdsaini/telegramdrive/internal/metrics"
	"github.com/0xdsaini/telegramdrive/internal/remote"
	"github.com/0xdsaini/telegramdrive/internal/transport"
	"github.com/0xdsaini/telegramdrive/pkg/errs"
	"github.com/0xdsaini/telegramdrive/pkg/models"
	"github.com/0xdsaini/telegramdrive/pkg/protocol"
	"github.com/0xdsaini/telegramdrive/pkg/retry"
)

const (
	KiB = 1 << 10
	MiB = 1 << 20
)

// Concurrency bounds.
const (
	MinConcurrency = 3
	MaxConcurrency = 10
)

// Config holds transfer tuning.
type Config struct {
	// ChunkSize forces a fixed chunk size; 0 picks one from the file size.
	ChunkSize    int64 `yaml:"chunk_size"`
	MinChunkSize int64 `yaml:"min_chunk_size"`
	MaxChunkSize int64 `yaml:"max_chunk_size"`
	TargetChunks int   `yaml:"target_chunks"`

	Concurrency   int          `yaml:"concurrency"`
	Retry         retry.Config `yaml:"-"`
	MaxSweeps     int          `yaml:"max_sweeps"`
	AssembleBatch int          `yaml:"assemble_batch"`

	ProgressInterval time.Duration `yaml:"progress_interval"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	MaxPolls         int           `yaml:"max_polls"`
	MaxRestarts      int           `yaml:"max_restarts"`

	MaxUploadSize int64   `yaml:"max_upload_size"`
	UploadRate    float64 `yaml:"upload_rate"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MinChunkSize: 64 * KiB,
		MaxChunkSize: 2 * MiB,
		TargetChunks: 32,
		Concurrency:  6,
		Retry: retry.Config{
			MaxAttempts:    3,
			InitialWait:    500 * time.Millisecond,
			MaxWait:        5 * time.Second,
			Multiplier:     2,
			Jitter:         0.2,
			AttemptTimeout: 30 * time.Second,
		},
		MaxSweeps:        3,
		AssembleBatch:    64,
		ProgressInterval: 250 * time.Millisecond,
		PollInterval:     500 * time.Millisecond,
		MaxPolls:         60,
		MaxRestarts:      5,
		MaxUploadSize:    2000 * MiB,
		UploadRate:       1,
	}
}

// withDefaults fills zero fields from DefaultConfig and clamps concurrency.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MinChunkSize <= 0 {
		c.MinChunkSize = def.MinChunkSize
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = def.MaxChunkSize
	}
	if c.MaxChunkSize < c.MinChunkSize {
		c.MaxChunkSize = c.MinChunkSize
	}
	if c.TargetChunks <= 0 {
		c.TargetChunks = def.TargetChunks
	}
	if c.Concurrency == 0 {
		c.Concurrency = def.Concurrency
	}
	c.Concurrency = min(max(c.Concurrency, MinConcurrency), MaxConcurrency)
	if c.Retry.MaxAttempts == 0 && c.Retry.InitialWait == 0 {
		c.Retry = def.Retry
	}
	if c.MaxSweeps <= 0 {
		c.MaxSweeps = def.MaxSweeps
	}
	if c.AssembleBatch <= 0 {
		c.AssembleBatch = def.AssembleBatch
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = def.ProgressInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = def.MaxPolls
	}
	if c.MaxRestarts < 0 {
		c.MaxRestarts = 0
	}
	if c.MaxUploadSize <= 0 {
		c.MaxUploadSize = def.MaxUploadSize
	}
	if c.UploadRate <= 0 {
		c.UploadRate = def.UploadRate
	}
	return c
}

// Engine performs uploads and downloads for one chat.
type Engine struct {
	rc      *remote.Client
	cfg     Config
	limiter *rate.Limiter
}

// New creates an Engine.
func New(rc *remote.Client, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		rc:      rc,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.UploadRate), 1),
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// UploadResult describes a stored document.
type UploadResult struct {
	Ref    models.RemoteRef
	FileID int32
	Size   int64
}

// Upload stores data as a single document message. Calls are paced by the
// engine's upload rate limiter.
func (e *Engine) Upload(ctx context.Context, name, mimeType string, data []byte) (*UploadResult, error) {
	size := int64(len(data))
	if size > e.cfg.MaxUploadSize {
		return nil, errs.New(errs.KindValidation, "upload "+name,
			fmt.Sprintf("file is %d bytes, limit is %d", size, e.cfg.MaxUploadSize))
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	msg, err := retry.DoWithResult(ctx, e.cfg.Retry, func() (*protocol.Message, error) {
		m, err := e.rc.SendDocument(ctx, name, mimeType, data)
		if err != nil {
			// Only retry when the service said so; a lost response to a
			// send may already have created the message.
			if re, ok := transport.AsRemoteError(err); ok && re.Temporary() {
				return nil, retry.Retryable(err)
			}
			return nil, err
		}
		return m, nil
	})
	if err != nil {
		metrics.RecordContentUpload(0, false)
		return nil, errs.Transport("upload "+name, err)
	}
	metrics.RecordContentUpload(size, true)

	res := &UploadResult{Ref: models.RemoteRef(msg.ID), Size: size}
	if msg.Content.Document != nil {
		res.FileID = msg.Content.Document.File.ID
	}
	logging.Debug("uploaded document",
		zap.String("name", name),
		zap.Int64("size", size),
		zap.Int64("message_id", msg.ID),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

// Get downloads the content of the document referenced by ref.
func (e *Engine) Get(ctx context.Context, ref models.RemoteRef, progress ProgressFunc) ([]byte, error) {
	doc, err := e.rc.Document(ctx, int64(ref))
	if err != nil {
		if transport.IsNotFound(err) {
			return nil, errs.Wrap(errs.KindNotFound, "download", err)
		}
		return nil, errs.Transport("download", err)
	}
	return e.Fetch(ctx, doc.File.ID, progress)
}

// Delete removes the document message referenced by ref.
func (e *Engine) Delete(ctx context.Context, ref models.RemoteRef) error {
	if err := e.rc.Delete(ctx, int64(ref)); err != nil {
		return errs.Transport("delete blob", err)
	}
	return nil
}
