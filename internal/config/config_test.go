package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TGDRIVE_CONFIG", "")
	t.Setenv("TGDRIVE_DATA_DIR", "/tmp/tgd")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport != TransportLoopback || cfg.Settings != SettingsFile {
		t.Errorf("transport/settings = %q/%q, want loopback/file", cfg.Transport, cfg.Settings)
	}
	if cfg.SettingsPath != "/tmp/tgd/settings.json" {
		t.Errorf("SettingsPath = %q", cfg.SettingsPath)
	}
	if cfg.Metastore.HistoryPageSize != 100 || cfg.Metastore.HistoryMaxPages != 10 {
		t.Errorf("Metastore = %+v, want 100/10", cfg.Metastore)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TGDRIVE_CONFIG", "")
	t.Setenv("TGDRIVE_CHAT_ID", "-1001234")
	t.Setenv("TGDRIVE_CONCURRENCY", "8")
	t.Setenv("TGDRIVE_POLL_INTERVAL", "2s")
	t.Setenv("TGDRIVE_UPLOAD_RATE", "0.5")
	t.Setenv("TGDRIVE_MAX_POLLS", "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"ChatID", cfg.ChatID, int64(-1001234)},
		{"Concurrency", cfg.Transfer.Concurrency, 8},
		{"PollInterval", cfg.Transfer.PollInterval, 2 * time.Second},
		{"UploadRate", cfg.Transfer.UploadRate, 0.5},
		{"MaxPolls fallback", cfg.Transfer.MaxPolls, 60},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestYAMLOverlay(t *testing.T) {
	t.Setenv("TGDRIVE_CHAT_ID", "1")
	path := filepath.Join(t.TempDir(), "tgdrive.yaml")
	yml := `
chat_id: 42
transport: gateway
gateway_url: http://gw:8080
settings: postgres
database_url: postgres://localhost/tgdrive
logging:
  level: debug
storage:
  type: s3
  s3:
    bucket: drive
transfer:
  concurrency: 4
  poll_interval: 250ms
`
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ChatID != 42 || cfg.Transport != TransportGateway || cfg.Logging.Level != "debug" {
		t.Errorf("overlay not applied: %+v", cfg)
	}
	if cfg.Storage.Type != "s3" || cfg.Storage.S3.Bucket != "drive" || cfg.Storage.S3.Region != "us-east-1" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Transfer.Concurrency != 4 || cfg.Transfer.PollInterval != 250*time.Millisecond {
		t.Errorf("Transfer = %+v", cfg.Transfer)
	}
	if cfg.Transfer.MaxPolls != 60 {
		t.Errorf("unset transfer field lost its default: MaxPolls = %d", cfg.Transfer.MaxPolls)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"loopback file", Config{Transport: "loopback", Settings: "file", SettingsPath: "s.json"}, false},
		{"unknown transport", Config{Transport: "carrier-pigeon", Settings: "file", SettingsPath: "s.json"}, true},
		{"gateway without url", Config{Transport: "gateway", Settings: "file", SettingsPath: "s.json"}, true},
		{"postgres without url", Config{Transport: "loopback", Settings: "postgres"}, true},
		{"unknown settings", Config{Transport: "loopback", Settings: "etcd"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load of a missing file should fail")
	}
}
