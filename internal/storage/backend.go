// Package storage holds the bytes of documents posted to the loopback chat.
// Each object is keyed "<chat>/<message>".
package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/0xdsaini/telegramdrive/internal/storage/local"
	s3backend "github.com/0xdsaini/telegramdrive/internal/storage/s3"
)

// Backend is raw object I/O against a local directory or an S3 bucket.
type Backend interface {
	// GetObject streams length bytes of key from offset, or the rest of the
	// object when length is zero, and returns the streamed size.
	GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error)
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error
	// DeleteObject succeeds for keys that do not exist.
	DeleteObject(ctx context.Context, key string) error
	ObjectExists(ctx context.Context, key string) (bool, error)
	// Type is "local" or "s3".
	Type() string
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Type  string           `yaml:"type"`
	Local local.Config     `yaml:"local"`
	S3    s3backend.Config `yaml:"s3"`
}

// New opens the backend named by cfg.Type; an empty type means local.
func New(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Type {
	case "", "local":
		return local.New(cfg.Local)
	case "s3":
		return s3backend.New(ctx, cfg.S3)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Type)
}
