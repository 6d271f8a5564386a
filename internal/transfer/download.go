package transfer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/0xdsaini/telegramdrive/internal/logging"
	"github.com/0xdsaini/telegramdrive/internal/metrics"
	"github.com/0xdsaini/telegramdrive/internal/transport"
	"github.com/0xdsaini/telegramdrive/pkg/errs"
	"github.com/0xdsaini/telegramdrive/pkg/retry"
)

// chunkAlign is the granularity adaptive chunk sizes are rounded up to.
const chunkAlign = 16 * KiB

type chunk struct {
	index  int
	offset int64
	length int64
}

// ChunkPlan returns the chunk size and chunk count used for a file of total
// bytes. A fixed ChunkSize wins; otherwise the size aims at TargetChunks
// chunks within [MinChunkSize, MaxChunkSize].
func (c Config) ChunkPlan(total int64) (size int64, count int) {
	if total <= 0 {
		return 0, 0
	}
	c = c.withDefaults()
	size = c.ChunkSize
	if size <= 0 {
		size = (total + int64(c.TargetChunks) - 1) / int64(c.TargetChunks)
		size = (size + chunkAlign - 1) / chunkAlign * chunkAlign
		size = min(max(size, c.MinChunkSize), c.MaxChunkSize)
	}
	count = int((total + size - 1) / size)
	return size, count
}

func plan(total, size int64, count int) []chunk {
	chunks := make([]chunk, count)
	for i := range chunks {
		off := int64(i) * size
		chunks[i] = chunk{index: i, offset: off, length: min(size, total-off)}
	}
	return chunks
}

// Download reads total bytes of a locally available file in parallel chunks
// and returns them in order. Chunks that still fail after their retries are
// re-queued for another sweep; when sweeps stop making progress the error is
// an *errs.PartialTransferError listing the missing chunk indices.
func (e *Engine) Download(ctx context.Context, fileID int32, total int64, progress ProgressFunc) ([]byte, error) {
	tr := newTracker(PhaseRead, total, e.cfg.ProgressInterval, progress)
	size, count := e.cfg.ChunkPlan(total)
	if count == 0 {
		tr.finish()
		return []byte{}, nil
	}

	start := time.Now()
	chunks := plan(total, size, count)
	parts := make([][]byte, count)
	pending := chunks

	for sweep := 1; ; sweep++ {
		failed, last := e.sweep(ctx, fileID, pending, parts, tr)
		if len(failed) == 0 {
			break
		}
		indices := make([]int, len(failed))
		for i, c := range failed {
			indices[i] = c.index
		}
		if ctx.Err() != nil {
			metrics.RecordContentDownload(0, false)
			return nil, errs.NewPartialTransfer(indices, count, ctx.Err())
		}
		if sweep >= e.cfg.MaxSweeps || len(failed) >= len(pending) {
			metrics.RecordContentDownload(0, false)
			logging.Warn("download incomplete",
				zap.Int32("file_id", fileID),
				zap.Int("failed_chunks", len(failed)),
				zap.Int("chunks", count),
				zap.Int("sweeps", sweep),
				zap.Error(last))
			return nil, errs.NewPartialTransfer(indices, count, last)
		}
		logging.Info("re-queueing failed chunks",
			zap.Int32("file_id", fileID),
			zap.Int("failed_chunks", len(failed)),
			zap.Int("sweep", sweep))
		pending = failed
	}

	data, err := e.assemble(ctx, parts, total)
	if err != nil {
		metrics.RecordContentDownload(0, false)
		return nil, err
	}
	tr.finish()
	metrics.RecordContentDownload(total, true)
	logging.Debug("download complete",
		zap.Int32("file_id", fileID),
		zap.Int64("size", total),
		zap.Int("chunks", count),
		zap.Int64("chunk_size", size),
		zap.Duration("duration", time.Since(start)))
	return data, nil
}

// sweep reads every pending chunk with at most cfg.Concurrency in flight and
// returns the chunks that failed, ordered by index, with the last error seen.
// One chunk failing does not cancel the others.
func (e *Engine) sweep(ctx context.Context, fileID int32, pending []chunk, parts [][]byte, tr *tracker) ([]chunk, error) {
	var (
		mu     sync.Mutex
		failed []chunk
		last   error
	)

	var g errgroup.Group
	g.SetLimit(min(e.cfg.Concurrency, len(pending)))
	for _, c := range pending {
		g.Go(func() error {
			data, err := e.readChunk(ctx, fileID, c)
			if err != nil {
				mu.Lock()
				failed = append(failed, c)
				last = err
				mu.Unlock()
				return nil
			}
			parts[c.index] = data
			tr.add(c.length)
			return nil
		})
	}
	g.Wait()

	sort.Slice(failed, func(i, j int) bool { return failed[i].index < failed[j].index })
	return failed, last
}

func (e *Engine) readChunk(ctx context.Context, fileID int32, c chunk) ([]byte, error) {
	cfg := e.cfg.Retry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		logging.Debug("chunk read failed, retrying",
			zap.Int32("file_id", fileID),
			zap.Int("chunk", c.index),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	start := time.Now()
	data, err := retry.Attempt(ctx, cfg, func(ctx context.Context, _ int) ([]byte, error) {
		b, err := e.rc.ReadPart(ctx, fileID, c.offset, c.length)
		if err != nil {
			metrics.RecordChunkAttempt(false)
			return nil, transport.MarkRetryable(err)
		}
		if int64(len(b)) != c.length {
			metrics.RecordChunkAttempt(false)
			return nil, retry.Retryable(fmt.Errorf("chunk %d: short read of %d bytes, want %d", c.index, len(b), c.length))
		}
		metrics.RecordChunkAttempt(true)
		return b, nil
	})
	metrics.RecordChunkDuration(time.Since(start))
	return data, err
}

// assemble concatenates parts in batches, releasing each part once copied.
func (e *Engine) assemble(ctx context.Context, parts [][]byte, total int64) ([]byte, error) {
	out := make([]byte, 0, total)
	for i := 0; i < len(parts); i += e.cfg.AssembleBatch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(i+e.cfg.AssembleBatch, len(parts))
		for j := i; j < end; j++ {
			out = append(out, parts[j]...)
			parts[j] = nil
		}
	}
	if int64(len(out)) != total {
		return nil, errs.New(errs.KindTransport, "assemble download",
			fmt.Sprintf("assembled %d bytes, want %d", len(out), total))
	}
	return out, nil
}
