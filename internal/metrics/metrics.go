// Package metrics provides Prometheus metrics for the drive.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Metadata record metrics
	metadataCommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgdrive_metadata_commits_total",
			Help: "Metadata record commits by mode (edit, create) and status",
		},
		[]string{"mode", "status"},
	)

	metadataLocateTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgdrive_metadata_locate_total",
			Help: "Metadata record lookups by resolution source",
		},
		[]string{"source"},
	)

	metadataTreeSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tgdrive_metadata_tree_size",
			Help: "Number of folders and files in the committed tree",
		},
	)

	// Chunk transfer metrics
	chunkAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgdrive_chunk_attempts_total",
			Help: "Chunk read attempts by outcome",
		},
		[]string{"status"},
	)

	chunkDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tgdrive_chunk_duration_seconds",
			Help:    "Time to fetch one chunk including retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	downloadRestartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tgdrive_download_restarts_total",
			Help: "Stalled remote downloads cancelled and resumed",
		},
	)

	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tgdrive_content_bytes_downloaded_total",
			Help: "Total bytes downloaded",
		},
	)

	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tgdrive_content_bytes_uploaded_total",
			Help: "Total bytes uploaded",
		},
	)

	contentDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgdrive_content_downloads_total",
			Help: "Total number of file downloads",
		},
		[]string{"status"},
	)

	contentUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgdrive_content_uploads_total",
			Help: "Total number of file uploads",
		},
		[]string{"status"},
	)

	blobDeletesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgdrive_blob_deletes_total",
			Help: "Remote blob deletions by outcome (deleted, skipped, error)",
		},
		[]string{"status"},
	)

	// Gateway metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgdrive_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tgdrive_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	rpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgdrive_rpc_requests_total",
			Help: "Messaging service requests by type and status",
		},
		[]string{"type", "status"},
	)

	// Blob store metrics, labelled by backend type
	blobOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgdrive_blob_store_ops_total",
			Help: "Blob store calls by backend, operation and status",
		},
		[]string{"backend", "op", "status"},
	)

	blobOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tgdrive_blob_store_op_duration_seconds",
			Help:    "Blob store call latency",
			Buckets: []float64{.001, .005, .025, .1, .5, 1, 5, 30},
		},
		[]string{"backend", "op"},
	)

	settingsQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tgdrive_settings_query_duration_seconds",
			Help:    "Settings database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)
)

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// RecordCommit records a metadata record commit.
func RecordCommit(mode string, success bool) {
	metadataCommitsTotal.WithLabelValues(mode, status(success)).Inc()
}

// RecordLocate records how the metadata record was found.
func RecordLocate(source string) {
	metadataLocateTotal.WithLabelValues(source).Inc()
}

// SetTreeSize sets the node count of the committed tree.
func SetTreeSize(size int) {
	metadataTreeSize.Set(float64(size))
}

// RecordChunkAttempt records one chunk read attempt.
func RecordChunkAttempt(success bool) {
	chunkAttemptsTotal.WithLabelValues(status(success)).Inc()
}

// RecordChunkDuration records the time spent on one chunk.
func RecordChunkDuration(duration time.Duration) {
	chunkDuration.Observe(duration.Seconds())
}

// RecordDownloadRestart records a cancelled and resumed remote download.
func RecordDownloadRestart() {
	downloadRestartsTotal.Inc()
}

// RecordContentDownload records a file download.
func RecordContentDownload(bytes int64, success bool) {
	contentBytesDownloaded.Add(float64(bytes))
	contentDownloadsTotal.WithLabelValues(status(success)).Inc()
}

// RecordContentUpload records a file upload.
func RecordContentUpload(bytes int64, success bool) {
	contentBytesUploaded.Add(float64(bytes))
	contentUploadsTotal.WithLabelValues(status(success)).Inc()
}

// RecordBlobDelete records the outcome of a remote blob deletion.
func RecordBlobDelete(outcome string) {
	blobDeletesTotal.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRPC records a messaging service request.
func RecordRPC(requestType string, success bool) {
	rpcRequestsTotal.WithLabelValues(requestType, status(success)).Inc()
}

// RecordBlobOp records one call into a blob store backend.
func RecordBlobOp(backend, op string, d time.Duration, success bool) {
	blobOpDuration.WithLabelValues(backend, op).Observe(d.Seconds())
	blobOpsTotal.WithLabelValues(backend, op, status(success)).Inc()
}

// RecordSettingsQuery records a settings database query duration.
func RecordSettingsQuery(query string, duration time.Duration) {
	settingsQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

type codeWriter struct {
	http.ResponseWriter
	code int
}

func (c *codeWriter) WriteHeader(code int) {
	c.code = code
	c.ResponseWriter.WriteHeader(code)
}

// Middleware counts requests and their latency per method, route and status.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cw := &codeWriter{ResponseWriter: w, code: http.StatusOK}
		defer func(start time.Time) {
			RecordHTTPRequest(r.Method, routeOf(r.URL.Path), cw.code, time.Since(start))
		}(time.Now())
		next.ServeHTTP(cw, r)
	})
}

// routeOf keeps the first path segment so WebDAV file paths do not become
// label values.
func routeOf(p string) string {
	if i := strings.IndexByte(strings.TrimPrefix(p, "/"), '/'); i >= 0 {
		return p[:i+1]
	}
	return p
}
