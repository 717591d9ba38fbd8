package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRequiresDatabaseAndSecret(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load() with no DATABASE_URL should fail")
	}

	t.Setenv("DATABASE_URL", "postgres://localhost/firefly")
	if _, err := Load(); err == nil {
		t.Fatal("Load() with no JWT_SECRET should fail")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/firefly")
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.DownloadTokenTTL != 5*time.Minute {
		t.Errorf("DownloadTokenTTL = %v, want 5m", cfg.DownloadTokenTTL)
	}
	if cfg.DownloadTokenMaxUsage != 2 {
		t.Errorf("DownloadTokenMaxUsage = %d, want 2", cfg.DownloadTokenMaxUsage)
	}
	if cfg.StatsCacheTTL != 5*time.Minute {
		t.Errorf("StatsCacheTTL = %v, want 5m", cfg.StatsCacheTTL)
	}
	if cfg.DatabaseDriver != "postgres" {
		t.Errorf("DatabaseDriver = %q, want postgres", cfg.DatabaseDriver)
	}
	if cfg.PickupCodeSecret != "secret" {
		t.Errorf("PickupCodeSecret = %q, want the JWT secret", cfg.PickupCodeSecret)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "firefly.yaml")
	content := []byte("database_url: file.db\ndatabase_driver: sqlite\njwt_secret: from-file\nlisten_addr: \":7000\"\ndownload_token_ttl: 90s\n")
	if err := os.WriteFile(file, content, 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CONFIG_FILE", file)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("LISTEN_ADDR", ":7100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ListenAddr != ":7100" {
		t.Errorf("ListenAddr = %q, want env value :7100", cfg.ListenAddr)
	}
	if cfg.DatabaseDriver != "sqlite" {
		t.Errorf("DatabaseDriver = %q, want sqlite", cfg.DatabaseDriver)
	}
	if cfg.DownloadTokenTTL != 90*time.Second {
		t.Errorf("DownloadTokenTTL = %v, want 90s", cfg.DownloadTokenTTL)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("DATABASE_URL", "x")
	t.Setenv("JWT_SECRET", "y")
	t.Setenv("DATABASE_DRIVER", "mysql")
	if _, err := Load(); err == nil {
		t.Fatal("Load() with DATABASE_DRIVER=mysql should fail")
	}
}

func TestLoadRejectsNonPositiveTokenSettings(t *testing.T) {
	tests := []struct {
		env   string
		value string
	}{
		{"DOWNLOAD_TOKEN_MAX_USAGE", "0"},
		{"DOWNLOAD_TOKEN_TTL", "0s"},
		{"TOKEN_PURGE_INTERVAL", "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "x")
			t.Setenv("JWT_SECRET", "y")
			t.Setenv(tt.env, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%s should fail", tt.env, tt.value)
			}
		})
	}
}
