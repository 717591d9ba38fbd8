// Package tokens issues and redeems the capabilities that gate file
// content: bounded-use download tokens, public share links and per-file
// direct links.
package tokens

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
	"gorm.io/gorm"

	"github.com/fireflycloud/fireflycloud/internal/files"
	"github.com/fireflycloud/fireflycloud/internal/logging"
	"github.com/fireflycloud/fireflycloud/internal/metrics"
	"github.com/fireflycloud/fireflycloud/internal/models"
)

// Download token errors.
var (
	ErrTokenNotFound  = errors.New("download token not found")
	ErrTokenExpired   = errors.New("download token expired")
	ErrTokenExhausted = errors.New("download token usage limit reached")
)

const (
	DefaultTTL      = 5 * time.Minute
	DefaultMaxUsage = 2

	tokenBytes = 32
)

// FileAccessor is the part of the routing facade the token service needs.
type FileAccessor interface {
	GetFile(ctx context.Context, fileID string) (*models.FileRecord, error)
	GetOwned(ctx context.Context, fileID, userID string) (*models.FileRecord, error)
	AccessByCapability(ctx context.Context, fileID string, opts files.Options) (*files.Access, error)
}

// Config holds token defaults.
type Config struct {
	TTL      time.Duration
	MaxUsage int
	// PickupSecret keys the pickup code index. When empty a random key is
	// used, and codes issued before a restart stop matching.
	PickupSecret []byte
}

// Service issues and redeems download tokens and share links.
type Service struct {
	db        *gorm.DB
	files     FileAccessor
	cfg       Config
	pickupKey []byte
	now       func() time.Time
}

// pickupKey derives the pickup code HMAC key, so a secret shared with
// token signing never keys both.
func pickupKey(secret []byte) []byte {
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("fireflycloud pickup code")), key); err != nil {
		panic(fmt.Sprintf("tokens: derive pickup key: %v", err))
	}
	return key
}

// NewService creates a token service. Zero config values take the defaults.
func NewService(db *gorm.DB, files FileAccessor, cfg Config) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxUsage <= 0 {
		cfg.MaxUsage = DefaultMaxUsage
	}
	if len(cfg.PickupSecret) == 0 {
		cfg.PickupSecret = make([]byte, tokenBytes)
		if _, err := rand.Read(cfg.PickupSecret); err != nil {
			panic(fmt.Sprintf("tokens: generate pickup secret: %v", err))
		}
		logging.Warn("no pickup code secret configured, using a random key")
	}
	return &Service{db: db, files: files, cfg: cfg, pickupKey: pickupKey(cfg.PickupSecret), now: time.Now}
}

func randomToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// Issue creates a download token for a file userID owns. Zero ttl or
// maxUsage take the configured defaults.
func (s *Service) Issue(ctx context.Context, fileID, userID string, ttl time.Duration, maxUsage int) (*models.DownloadToken, error) {
	if _, err := s.files.GetOwned(ctx, fileID, userID); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}
	if maxUsage <= 0 {
		maxUsage = s.cfg.MaxUsage
	}

	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	now := s.clock()
	t := &models.DownloadToken{
		Token:          token,
		FileID:         fileID,
		IssuedToUserID: userID,
		UsageCount:     0,
		MaxUsage:       maxUsage,
		ExpiresAt:      now.Add(ttl),
		CreatedAt:      now,
	}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, fmt.Errorf("create download token: %w", err)
	}
	return t, nil
}

// Redeem consumes one use of token and resolves access to its file. The
// use is counted by one conditional update, so concurrent redemptions can
// never exceed the token's limit. A use is consumed even if the backend
// then fails to serve the file.
func (s *Service) Redeem(ctx context.Context, token string, opts files.Options) (*files.Access, error) {
	now := s.clock()
	res := s.db.WithContext(ctx).Model(&models.DownloadToken{}).
		Where("token = ? AND usage_count < max_usage AND expires_at > ?", token, now).
		UpdateColumn("usage_count", gorm.Expr("usage_count + ?", 1))
	if res.Error != nil {
		metrics.RecordTokenRedemption("error")
		return nil, fmt.Errorf("redeem download token: %w", res.Error)
	}

	var row models.DownloadToken
	err := s.db.WithContext(ctx).First(&row, "token = ?", token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.RecordTokenRedemption("not_found")
		return nil, ErrTokenNotFound
	}
	if err != nil {
		metrics.RecordTokenRedemption("error")
		return nil, fmt.Errorf("read download token: %w", err)
	}

	if res.RowsAffected == 0 {
		switch {
		case !now.Before(row.ExpiresAt):
			metrics.RecordTokenRedemption("expired")
			return nil, ErrTokenExpired
		default:
			metrics.RecordTokenRedemption("exhausted")
			return nil, ErrTokenExhausted
		}
	}

	metrics.RecordTokenRedemption("success")
	logging.WithContext(ctx).Debug("download token redeemed",
		zap.String("file_id", row.FileID),
		zap.Int("usage_count", row.UsageCount),
		zap.Int("max_usage", row.MaxUsage))
	return s.files.AccessByCapability(ctx, row.FileID, opts)
}

// PurgeExpired deletes expired download tokens and returns how many were
// removed.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", s.clock()).Delete(&models.DownloadToken{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge download tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}
