package backends

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fireflycloud/fireflycloud/internal/models"
	"github.com/fireflycloud/fireflycloud/internal/storage"
	"github.com/fireflycloud/fireflycloud/internal/storage/local"
	"github.com/fireflycloud/fireflycloud/internal/storage/s3"
)

func TestDecode(t *testing.T) {
	cfg, err := Decode(models.StrategyS3Compatible, map[string]any{
		"bucket":            "files",
		"access_key_id":     "ak",
		"secret_access_key": "sk",
		"presign_ttl":       "10m",
		"create_bucket":     "true",
	})
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	c, ok := cfg.(*s3.Config)
	if !ok {
		t.Fatalf("Decode() returned %T, want *s3.Config", cfg)
	}
	if c.Bucket != "files" || c.PresignTTL != 10*time.Minute || !c.CreateBucket {
		t.Errorf("decoded config = %+v", c)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		kind models.StrategyType
		raw  map[string]any
	}{
		{"unknown key", models.StrategyLocal, map[string]any{"root_path": "/data", "rot_path": "/x"}},
		{"wrong type", models.StrategyS3Compatible, map[string]any{"bucket": []string{"a"}}},
		{"bad duration", models.StrategyOneDrive, map[string]any{"access_token": "a", "timeout": "soon"}},
		{"unknown kind", models.StrategyType("ftp"), map[string]any{}},
	}
	for _, tt := range tests {
		if _, err := Decode(tt.kind, tt.raw); !errors.Is(err, storage.ErrInvalidConfig) {
			t.Errorf("%s: Decode() error = %v, want ErrInvalidConfig", tt.name, err)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		kind    models.StrategyType
		raw     map[string]any
		wantErr bool
	}{
		{"local ok", models.StrategyLocal, map[string]any{"root_path": "/data"}, false},
		{"local missing root", models.StrategyLocal, map[string]any{}, true},
		{"webdav ok", models.StrategyWebDAV, map[string]any{"url": "https://dav.example.com"}, false},
		{"webdav bad url", models.StrategyWebDAV, map[string]any{"url": "dav"}, true},
		{"onedrive no credentials", models.StrategyOneDrive, map[string]any{"client_id": "c"}, true},
		{"s3 missing bucket", models.StrategyS3Compatible, map[string]any{"access_key_id": "a", "secret_access_key": "s"}, true},
	}
	for _, tt := range tests {
		err := Validate(tt.kind, tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, storage.ErrInvalidConfig) {
			t.Errorf("%s: Validate() error = %v, want ErrInvalidConfig", tt.name, err)
		}
	}
}

func TestConstructLocal(t *testing.T) {
	root := t.TempDir()
	b, err := Construct(context.Background(), models.StrategyLocal, map[string]any{"root_path": root})
	if err != nil {
		t.Fatalf("Construct() error: %v", err)
	}
	defer b.Close()
	if _, ok := b.(*local.Backend); !ok {
		t.Errorf("Construct() returned %T, want *local.Backend", b)
	}
	if b.Kind() != models.StrategyLocal {
		t.Errorf("Kind() = %s", b.Kind())
	}

	if _, err := Construct(context.Background(), models.StrategyLocal, map[string]any{"root_path": "rel"}); !errors.Is(err, storage.ErrInvalidConfig) {
		t.Errorf("Construct(relative root) error = %v, want ErrInvalidConfig", err)
	}
}

func TestRedactAndMergeSecrets(t *testing.T) {
	stored := map[string]any{"bucket": "files", "access_key_id": "ak", "secret_access_key": "sk"}

	shown := Redact(models.StrategyS3Compatible, stored)
	if shown["secret_access_key"] != redacted || shown["access_key_id"] != "ak" {
		t.Errorf("Redact() = %v", shown)
	}
	if stored["secret_access_key"] != "sk" {
		t.Error("Redact() modified its input")
	}

	edited := map[string]any{"bucket": "other", "access_key_id": "ak", "secret_access_key": redacted}
	merged := MergeSecrets(models.StrategyS3Compatible, stored, edited)
	if merged["secret_access_key"] != "sk" || merged["bucket"] != "other" {
		t.Errorf("MergeSecrets() = %v", merged)
	}

	rotated := map[string]any{"bucket": "files", "access_key_id": "ak2", "secret_access_key": "sk2"}
	if got := MergeSecrets(models.StrategyS3Compatible, stored, rotated); got["secret_access_key"] != "sk2" {
		t.Errorf("MergeSecrets(new secret) = %v", got)
	}
}
