// Package config loads configuration from environment variables and an
// optional YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/0xdsaini/telegramdrive/internal/logging"
	"github.com/0xdsaini/telegramdrive/internal/metastore"
	"github.com/0xdsaini/telegramdrive/internal/storage"
	"github.com/0xdsaini/telegramdrive/internal/storage/local"
	s3backend "github.com/0xdsaini/telegramdrive/internal/storage/s3"
	"github.com/0xdsaini/telegramdrive/internal/transfer"
)

// Transports.
const (
	TransportLoopback = "loopback"
	TransportGateway  = "gateway"
)

// Settings backends.
const (
	SettingsFile     = "file"
	SettingsPostgres = "postgres"
)

// Config holds the drive configuration shared by the CLI and the gateway.
type Config struct {
	// Chat holding the drive
	ChatID int64 `yaml:"chat_id"`

	// Transport ("loopback" or "gateway")
	Transport    string `yaml:"transport"`
	GatewayURL   string `yaml:"gateway_url"`
	GatewayToken string `yaml:"gateway_token"`

	// Gateway server
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	JWTSecret   string `yaml:"jwt_secret"`

	// Settings store ("file" or "postgres")
	Settings          string `yaml:"settings"`
	SettingsPath      string `yaml:"settings_path"`
	DatabaseURL       string `yaml:"database_url"`
	SettingsNamespace string `yaml:"settings_namespace"`

	// Download cache
	CacheDir     string `yaml:"cache_dir"`
	CacheMaxSize int64  `yaml:"cache_max_size"`

	// Loopback chat simulation
	DownloadStep int64 `yaml:"download_step"`

	Logging   logging.Config   `yaml:"logging"`
	Storage   storage.Config   `yaml:"storage"`
	Transfer  transfer.Config  `yaml:"transfer"`
	Metastore metastore.Config `yaml:"metastore"`
}

// Load reads configuration from environment variables with defaults, then
// overlays the YAML file at path. An empty path falls back to TGDRIVE_CONFIG.
func Load(path string) (*Config, error) {
	dataDir := envOr("TGDRIVE_DATA_DIR", defaultDataDir())
	def := transfer.DefaultConfig()

	cfg := &Config{
		ChatID:            envInt64("TGDRIVE_CHAT_ID", 0),
		Transport:         envOr("TGDRIVE_TRANSPORT", TransportLoopback),
		GatewayURL:        envOr("TGDRIVE_GATEWAY_URL", "http://localhost:8080"),
		GatewayToken:      envOr("TGDRIVE_GATEWAY_TOKEN", ""),
		ListenAddr:        envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:       envOr("METRICS_ADDR", ""),
		JWTSecret:         envOr("JWT_SECRET", ""),
		Settings:          envOr("TGDRIVE_SETTINGS", SettingsFile),
		SettingsPath:      envOr("TGDRIVE_SETTINGS_PATH", filepath.Join(dataDir, "settings.json")),
		DatabaseURL:       envOr("DATABASE_URL", ""),
		SettingsNamespace: envOr("TGDRIVE_SETTINGS_NAMESPACE", "default"),
		CacheDir:          envOr("TGDRIVE_CACHE_DIR", filepath.Join(dataDir, "cache")),
		CacheMaxSize:      envInt64("TGDRIVE_CACHE_MAX_SIZE", 1<<30), // 1GB default
		DownloadStep:      envInt64("TGDRIVE_DOWNLOAD_STEP", 0),
		Logging: logging.Config{
			Level:      envOr("LOG_LEVEL", "info"),
			Format:     envOr("LOG_FORMAT", "console"),
			OutputPath: envOr("LOG_OUTPUT", "stderr"),
		},
		Storage: storage.Config{
			Type: envOr("STORAGE_BACKEND", "local"),
			Local: local.Config{
				RootPath:   envOr("LOCAL_STORAGE_PATH", filepath.Join(dataDir, "blobs")),
				CreateDirs: true,
			},
			S3: s3backend.Config{
				Endpoint:  envOr("S3_ENDPOINT", "http://localhost:9000"),
				Bucket:    envOr("S3_BUCKET", "tgdrive"),
				AccessKey: envOr("S3_ACCESS_KEY", "minioadmin"),
				SecretKey: envOr("S3_SECRET_KEY", "minioadmin"),
				Region:    envOr("S3_REGION", "us-east-1"),
				Prefix:    envOr("S3_PREFIX", ""),
			},
		},
		Transfer: transfer.Config{
			ChunkSize:        envInt64("TGDRIVE_CHUNK_SIZE", 0), // 0 = adaptive
			MinChunkSize:     def.MinChunkSize,
			MaxChunkSize:     def.MaxChunkSize,
			TargetChunks:     def.TargetChunks,
			Concurrency:      envInt("TGDRIVE_CONCURRENCY", def.Concurrency),
			Retry:            def.Retry,
			MaxSweeps:        def.MaxSweeps,
			AssembleBatch:    def.AssembleBatch,
			ProgressInterval: def.ProgressInterval,
			PollInterval:     envDuration("TGDRIVE_POLL_INTERVAL", def.PollInterval),
			MaxPolls:         envInt("TGDRIVE_MAX_POLLS", def.MaxPolls),
			MaxRestarts:      envInt("TGDRIVE_MAX_RESTARTS", def.MaxRestarts),
			MaxUploadSize:    envInt64("MAX_UPLOAD_SIZE", def.MaxUploadSize),
			UploadRate:       envFloat("TGDRIVE_UPLOAD_RATE", def.UploadRate),
		},
		Metastore: metastore.DefaultConfig(),
	}

	if path == "" {
		path = os.Getenv("TGDRIVE_CONFIG")
	}
	if path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the settings needed to open a drive.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportLoopback:
	case TransportGateway:
		if c.GatewayURL == "" {
			return fmt.Errorf("gateway_url is required for the gateway transport")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	switch c.Settings {
	case SettingsFile:
		if c.SettingsPath == "" {
			return fmt.Errorf("settings_path is required for file settings")
		}
	case SettingsPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for postgres settings")
		}
	default:
		return fmt.Errorf("unknown settings backend %q", c.Settings)
	}
	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tgdrive")
	}
	return ".tgdrive"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
