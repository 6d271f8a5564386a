package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestDryRunTriState(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name      string
		stored    *string
		want      bool
		wantAfter string
	}{
		{"unset", nil, true, "true"},
		{"true", strPtr("true"), true, "true"},
		{"false", strPtr("false"), false, "false"},
		{"garbage", strPtr("yes"), true, "yes"},
		{"quoted", strPtr(`"false"`), true, `"false"`},
		{"uppercase", strPtr("FALSE"), true, "FALSE"},
	}
	for _, tt := range tests {
		s := NewMemoryStore()
		if tt.stored != nil {
			s.Set(ctx, KeyDryRun, *tt.stored)
		}
		got, err := DryRun(ctx, s)
		if err != nil {
			t.Fatalf("%s: DryRun err = %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%s: DryRun = %v, want %v", tt.name, got, tt.want)
		}
		after, _, _ := s.Get(ctx, KeyDryRun)
		if after != tt.wantAfter {
			t.Errorf("%s: stored value after DryRun = %q, want %q", tt.name, after, tt.wantAfter)
		}
	}
}

func strPtr(s string) *string { return &s }

func TestLocator(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, ok, _ := Locator(ctx, s); ok {
		t.Error("Locator on empty store should report not found")
	}
	SetLocator(ctx, s, 3145728)
	if id, ok, _ := Locator(ctx, s); !ok || id != 3145728 {
		t.Errorf("Locator = %d, %v", id, ok)
	}
	s.Set(ctx, KeyLocator, "not-a-number")
	if _, ok, _ := Locator(ctx, s); ok {
		t.Error("invalid locator should be ignored")
	}
	ClearLocator(ctx, s)
	if _, ok, _ := s.Get(ctx, KeyLocator); ok {
		t.Error("ClearLocator did not remove the key")
	}
}

func TestFileStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "settings.json")

	fs, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := SetDryRun(ctx, fs, false); err != nil {
		t.Fatal(err)
	}
	if err := SetLocator(ctx, fs, 42); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if dry, _ := DryRun(ctx, reopened); dry {
		t.Error("DryRun after reopen = true, want false")
	}
	if id, ok, _ := Locator(ctx, reopened); !ok || id != 42 {
		t.Errorf("Locator after reopen = %d, %v", id, ok)
	}

	if err := reopened.Delete(ctx, KeyLocator); err != nil {
		t.Fatal(err)
	}
	again, _ := OpenFile(path)
	if _, ok, _ := again.Get(ctx, KeyLocator); ok {
		t.Error("deleted key still persisted")
	}
}

func TestFileStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	os.WriteFile(path, []byte("{broken"), 0600)
	if _, err := OpenFile(path); err == nil {
		t.Error("OpenFile on corrupt JSON should fail")
	}
}
