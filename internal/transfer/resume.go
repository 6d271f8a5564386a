package transfer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/0xdsaini/telegramdrive/internal/logging"
	"github.com/0xdsaini/telegramdrive/internal/metrics"
	"github.com/0xdsaini/telegramdrive/internal/transport"
	"github.com/0xdsaini/telegramdrive/pkg/errs"
	"github.com/0xdsaini/telegramdrive/pkg/protocol"
)

// Fetch makes sure the service holds fileID locally and then reads it.
func (e *Engine) Fetch(ctx context.Context, fileID int32, progress ProgressFunc) ([]byte, error) {
	f, err := e.rc.File(ctx, fileID)
	if err != nil {
		if transport.IsNotFound(err) {
			return nil, errs.Wrap(errs.KindNotFound, "download", err)
		}
		return nil, errs.Transport("download", err)
	}
	total := fileSize(f)

	if !f.Local.IsDownloadingCompleted {
		if err := e.ensureLocal(ctx, fileID, total, f.Local.DownloadedPrefixSize, progress); err != nil {
			return nil, err
		}
	}
	return e.Download(ctx, fileID, total, progress)
}

func fileSize(f *protocol.File) int64 {
	if f.Size > 0 {
		return f.Size
	}
	return f.ExpectedSize
}

// ensureLocal starts the service-side download and polls until it completes.
// A download that makes no headway for MaxPolls polls is cancelled and
// restarted from the last offset it reported.
func (e *Engine) ensureLocal(ctx context.Context, fileID int32, total, offset int64, progress ProgressFunc) error {
	tr := newTracker(PhaseDownload, total, e.cfg.ProgressInterval, progress)
	tr.set(offset)

	for restart := 0; ; restart++ {
		f, err := e.rc.StartDownload(ctx, fileID, offset)
		if err != nil {
			return errs.Transport("start download", err)
		}
		if f.Local.IsDownloadingCompleted {
			tr.finish()
			return nil
		}

		done, reached, err := e.poll(ctx, fileID, tr)
		if err != nil {
			return err
		}
		if done {
			tr.finish()
			return nil
		}
		offset = max(offset, reached)

		if restart >= e.cfg.MaxRestarts {
			return errs.New(errs.KindTransport, "download",
				fmt.Sprintf("stalled at %d of %d bytes after %d restarts", offset, total, restart))
		}
		if err := e.rc.CancelDownload(ctx, fileID); err != nil {
			logging.Warn("cancel stalled download failed", zap.Int32("file_id", fileID), zap.Error(err))
		}
		metrics.RecordDownloadRestart()
		logging.Warn("download stalled, restarting",
			zap.Int32("file_id", fileID),
			zap.Int64("offset", offset),
			zap.Int64("size", total),
			zap.Int("restart", restart+1))
	}
}

// poll checks the download state every PollInterval, up to MaxPolls times.
// It reports whether the download completed and the furthest prefix seen.
func (e *Engine) poll(ctx context.Context, fileID int32, tr *tracker) (bool, int64, error) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	var reached int64
	for i := 0; i < e.cfg.MaxPolls; i++ {
		select {
		case <-ctx.Done():
			return false, reached, ctx.Err()
		case <-ticker.C:
		}

		f, err := e.rc.File(ctx, fileID)
		if err != nil {
			if re, ok := transport.AsRemoteError(err); ok && !re.Temporary() {
				return false, reached, errs.Transport("poll download", err)
			}
			logging.Debug("download poll failed", zap.Int32("file_id", fileID), zap.Error(err))
			continue
		}
		reached = max(reached, f.Local.DownloadedPrefixSize)
		tr.set(reached)
		if f.Local.IsDownloadingCompleted {
			return true, reached, nil
		}
	}
	return false, reached, nil
}
