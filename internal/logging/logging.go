// Package logging wraps a process-wide zap logger and carries per-request
// loggers through contexts.
package logging

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RequestIDHeader is read from and echoed on HTTP requests.
const RequestIDHeader = "X-Request-ID"

type ctxKey struct{}

var global atomic.Pointer[zap.Logger]

// Config selects level, encoding and destination of log output.
type Config struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json or console
	OutputPath string `yaml:"output_path"` // stdout, stderr or a file path
}

// Init replaces the process logger according to cfg. An unknown level falls
// back to info.
func Init(cfg Config) error {
	out, err := openOutput(cfg.OutputPath)
	if err != nil {
		return err
	}
	global.Store(build(cfg, out))
	return nil
}

// build assembles a logger writing to out. Callers log through the package
// helpers, hence the caller skip.
func build(cfg Config, out zapcore.WriteSyncer) *zap.Logger {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level = zapcore.InfoLevel
		}
	}

	var enc zapcore.Encoder
	if cfg.Format == "console" {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		ec.EncodeTime = zapcore.TimeEncoderOfLayout(time.TimeOnly)
		enc = zapcore.NewConsoleEncoder(ec)
	} else {
		ec := zap.NewProductionEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(ec)
	}

	core := zapcore.NewCore(enc, out, level)
	return zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
}

func openOutput(path string) (zapcore.WriteSyncer, error) {
	switch path {
	case "", "stderr":
		return zapcore.Lock(os.Stderr), nil
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log output %s: %w", path, err)
	}
	return zapcore.Lock(f), nil
}

// SetOutput points the process logger at w; tests use it to capture lines.
func SetOutput(cfg Config, w io.Writer) {
	global.Store(build(cfg, zapcore.AddSync(w)))
}

// Sync flushes buffered entries.
func Sync() error {
	if l := global.Load(); l != nil {
		return l.Sync()
	}
	return nil
}

// L returns the process logger. Before Init it logs warnings and above to
// stderr.
func L() *zap.Logger {
	if l := global.Load(); l != nil {
		return l
	}
	l := build(Config{Level: "warn", Format: "console"}, zapcore.Lock(os.Stderr))
	if global.CompareAndSwap(nil, l) {
		return l
	}
	return global.Load()
}

// WithContext returns the logger stored in ctx, or the process logger.
func WithContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		return l
	}
	return L()
}

// WithRequestID stores a logger tagged with id in the returned context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, WithContext(ctx).With(zap.String("request_id", id)))
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { L().Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { L().Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	n, err := s.ResponseWriter.Write(b)
	s.written += int64(n)
	return n, err
}

// Middleware tags each request with an id, taken from the X-Request-ID
// header or generated, and logs one line when the handler returns.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		r = r.WithContext(WithRequestID(r.Context(), id))

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		WithContext(r.Context()).Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Int64("size", rec.written),
			zap.Duration("duration", time.Since(start)))
	})
}
