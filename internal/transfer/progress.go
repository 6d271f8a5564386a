package transfer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Phases reported in Progress.
const (
	PhaseDownload = "download" // service is fetching the file
	PhaseRead     = "read"     // chunks are being read and assembled
)

// Progress is a snapshot of a transfer.
type Progress struct {
	Phase   string
	Done    int64
	Total   int64
	Percent float64
}

// ProgressFunc receives progress snapshots. It is called from worker
// goroutines but never concurrently.
type ProgressFunc func(Progress)

// tracker throttles progress callbacks to one per interval, plus a final
// report when the phase completes.
type tracker struct {
	phase    string
	total    int64
	interval time.Duration
	fn       ProgressFunc

	done atomic.Int64

	mu   sync.Mutex
	last time.Time
}

func newTracker(phase string, total int64, interval time.Duration, fn ProgressFunc) *tracker {
	return &tracker{phase: phase, total: total, interval: interval, fn: fn}
}

func (t *tracker) add(n int64) {
	t.report(t.done.Add(n), false)
}

func (t *tracker) set(n int64) {
	t.done.Store(n)
	t.report(n, false)
}

func (t *tracker) finish() {
	t.done.Store(t.total)
	t.report(t.total, true)
}

func (t *tracker) report(done int64, force bool) {
	if t == nil || t.fn == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if !force && now.Sub(t.last) < t.interval {
		return
	}
	t.last = now
	t.fn(Progress{Phase: t.phase, Done: done, Total: t.total, Percent: percent(done, t.total)})
}

func percent(done, total int64) float64 {
	if total <= 0 {
		return 100
	}
	p := float64(done) * 100 / float64(total)
	if p > 100 {
		p = 100
	}
	return p
}
