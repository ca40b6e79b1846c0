package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CUSTODY_CONFIG", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDriver != "postgres" || cfg.StoreRetries != 3 || cfg.StoreRetryBackoff != 50*time.Millisecond {
		t.Fatalf("unexpected store defaults: %+v", cfg)
	}
	if cfg.OverdueRecheck != 24*time.Hour || cfg.ThumbWidth != 320 {
		t.Fatalf("unexpected worker defaults: %+v", cfg)
	}
	if len(cfg.UploadTypes) != 3 || cfg.UploadTypes[1] != "image/png" {
		t.Fatalf("unexpected upload types %v", cfg.UploadTypes)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CUSTODY_CONFIG", "")
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("SQLITE_PATH", "/tmp/custody-test.db")
	t.Setenv("STORE_RETRY_BACKOFF", "250ms")
	t.Setenv("SCAN_RATE_REFILL_PER_SEC", "0.5")
	t.Setenv("UPLOAD_CONTENT_TYPES", " image/jpeg , ,image/webp ")
	t.Setenv("BLOB_BASE_URL", "https://cdn.example.com/custody/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDriver != "sqlite" || cfg.SQLitePath != "/tmp/custody-test.db" {
		t.Fatalf("store overrides not applied: %+v", cfg)
	}
	if cfg.StoreRetryBackoff != 250*time.Millisecond || cfg.ScanRateRefill != 0.5 {
		t.Fatalf("numeric overrides not applied: %+v", cfg)
	}
	if len(cfg.UploadTypes) != 2 || cfg.UploadTypes[0] != "image/jpeg" || cfg.UploadTypes[1] != "image/webp" {
		t.Fatalf("unexpected list %v", cfg.UploadTypes)
	}
	if cfg.BlobBaseURL != "https://cdn.example.com/custody" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.BlobBaseURL)
	}
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custody.yaml")
	body := "HTTP_PORT: \"9000\"\nWORKER_CONCURRENCY: 4\nUPLOAD_CONTENT_TYPES:\n  - image/png\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CUSTODY_CONFIG", path)
	t.Setenv("WORKER_CONCURRENCY", "8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPPort != "9000" {
		t.Fatalf("expected file value, got %q", cfg.HTTPPort)
	}
	if cfg.WorkerConcurrency != 8 {
		t.Fatalf("expected env to win over file, got %d", cfg.WorkerConcurrency)
	}
	if len(cfg.UploadTypes) != 1 || cfg.UploadTypes[0] != "image/png" {
		t.Fatalf("unexpected list from file %v", cfg.UploadTypes)
	}
}

func TestLoadRejectsBadDrivers(t *testing.T) {
	t.Setenv("CUSTODY_CONFIG", "")
	t.Setenv("STORE_DRIVER", "mysql")
	if _, err := Load(); err == nil {
		t.Fatal("expected unknown store driver to fail")
	}

	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("BLOB_DRIVER", "s3")
	if _, err := Load(); err == nil {
		t.Fatal("expected s3 without bucket to fail")
	}
	t.Setenv("S3_BUCKET", "custody-photos")
	if _, err := Load(); err != nil {
		t.Fatalf("expected s3 with bucket to load, got %v", err)
	}
}
