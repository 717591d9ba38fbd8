package tokens

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fireflycloud/fireflycloud/internal/files"
	"github.com/fireflycloud/fireflycloud/internal/logging"
	"github.com/fireflycloud/fireflycloud/internal/metrics"
	"github.com/fireflycloud/fireflycloud/internal/models"
)

// Share link errors.
var (
	ErrShareNotFound       = errors.New("share link not found")
	ErrShareUnavailable    = errors.New("share link is unavailable")
	ErrDownloadForbidden   = errors.New("downloads are disabled for this share")
	ErrInvalidPickupCode   = errors.New("invalid pickup code")
	ErrMalformedPickupCode = errors.New("pickup code must be 6 digits")
	ErrLoginRequired       = errors.New("login required to download this share")
	ErrInvalidShareOptions = errors.New("invalid share options")
)

const (
	pickupCodeDigits = 6
	// Codes share a small space, so a colliding code is redrawn.
	pickupCodeAttempts = 8
)

// ShareOptions configures a new share link.
type ShareOptions struct {
	GeneratePickupCode  bool
	RequireLogin        bool
	Gatekeeper          bool
	ExpiresAt           *time.Time
	CustomFileName      string
	CustomFileExtension string
	CustomFileSize      *int64
}

// ShareMetadata is what an anonymous visitor may learn about a share. For
// gatekeeper shares the custom display fields replace the real ones.
type ShareMetadata struct {
	ShareToken    string     `json:"share_token"`
	FileName      string     `json:"file_name"`
	FileSize      int64      `json:"file_size"`
	MimeType      string     `json:"mime_type,omitempty"`
	RequireLogin  bool       `json:"require_login"`
	Gatekeeper    bool       `json:"gatekeeper"`
	HasPickupCode bool       `json:"has_pickup_code"`
	AccessCount   int64      `json:"access_count"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func pickupCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate pickup code: %w", err)
	}
	return fmt.Sprintf("%0*d", pickupCodeDigits, n.Int64()), nil
}

func validPickupCode(code string) bool {
	if len(code) != pickupCodeDigits {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// pickupHash is the keyed digest stored for a pickup code. Being
// deterministic, it doubles as the lookup key for LookupPickupCode.
func (s *Service) pickupHash(code string) string {
	mac := hmac.New(sha256.New, s.pickupKey)
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

// CreateShare creates a share link for a file ownerID owns. When a pickup
// code is generated it is returned here once and only its keyed digest is
// kept. Codes are unique across shares.
func (s *Service) CreateShare(ctx context.Context, ownerID, fileID string, opts ShareOptions) (*models.ShareLink, string, error) {
	if _, err := s.files.GetOwned(ctx, fileID, ownerID); err != nil {
		return nil, "", err
	}
	now := s.clock()
	if opts.ExpiresAt != nil && !opts.ExpiresAt.After(now) {
		return nil, "", fmt.Errorf("%w: expiry must be in the future", ErrInvalidShareOptions)
	}
	if opts.CustomFileSize != nil && *opts.CustomFileSize < 0 {
		return nil, "", fmt.Errorf("%w: custom file size must not be negative", ErrInvalidShareOptions)
	}
	if strings.ContainsAny(opts.CustomFileName+opts.CustomFileExtension, "/\\") {
		return nil, "", fmt.Errorf("%w: custom names must not contain path separators", ErrInvalidShareOptions)
	}

	token, err := randomToken()
	if err != nil {
		return nil, "", err
	}
	share := &models.ShareLink{
		ShareToken:          token,
		FileID:              fileID,
		OwnerID:             ownerID,
		RequireLogin:        opts.RequireLogin,
		Gatekeeper:          opts.Gatekeeper,
		Enabled:             true,
		CustomFileName:      opts.CustomFileName,
		CustomFileExtension: strings.TrimPrefix(opts.CustomFileExtension, "."),
		CustomFileSize:      opts.CustomFileSize,
		CreatedAt:           now,
	}
	if opts.ExpiresAt != nil {
		exp := opts.ExpiresAt.UTC()
		share.ExpiresAt = &exp
	}

	var code string
	for attempt := 1; ; attempt++ {
		if opts.GeneratePickupCode {
			if code, err = pickupCode(); err != nil {
				return nil, "", err
			}
			share.PickupCodeHash = s.pickupHash(code)
		}
		err = s.db.WithContext(ctx).Create(share).Error
		if err == nil {
			break
		}
		if !opts.GeneratePickupCode || !errors.Is(err, gorm.ErrDuplicatedKey) || attempt == pickupCodeAttempts {
			return nil, "", fmt.Errorf("create share link: %w", err)
		}
	}
	logging.WithContext(ctx).Info("share link created",
		zap.String("file_id", fileID),
		zap.String("owner_id", ownerID),
		zap.Bool("gatekeeper", share.Gatekeeper),
		zap.Bool("pickup_code", share.HasPickupCode()))
	return share, code, nil
}

func (s *Service) getShare(ctx context.Context, shareToken string) (*models.ShareLink, error) {
	var share models.ShareLink
	err := s.db.WithContext(ctx).First(&share, "share_token = ?", shareToken).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrShareNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get share link: %w", err)
	}
	return &share, nil
}

// available loads a share and fails with ErrShareUnavailable when it is
// missing, disabled or expired.
func (s *Service) available(ctx context.Context, shareToken string) (*models.ShareLink, error) {
	share, err := s.getShare(ctx, shareToken)
	if errors.Is(err, ErrShareNotFound) {
		return nil, ErrShareUnavailable
	}
	if err != nil {
		return nil, err
	}
	if !share.Enabled || (share.ExpiresAt != nil && !s.clock().Before(*share.ExpiresAt)) {
		return nil, ErrShareUnavailable
	}
	return share, nil
}

func displayName(share *models.ShareLink, original string) string {
	name := original
	if share.CustomFileName != "" {
		name = share.CustomFileName
	}
	if share.CustomFileExtension != "" {
		name = strings.TrimSuffix(name, path.Ext(name)) + "." + share.CustomFileExtension
	}
	return name
}

// ShareInfo returns the public metadata of an available share.
func (s *Service) ShareInfo(ctx context.Context, shareToken string) (*ShareMetadata, error) {
	share, err := s.available(ctx, shareToken)
	if err != nil {
		return nil, err
	}
	return s.metadata(ctx, share)
}

// LookupPickupCode finds the enabled share a pickup code belongs to and
// returns its public metadata, including the share token to download with.
func (s *Service) LookupPickupCode(ctx context.Context, code string) (*ShareMetadata, error) {
	if !validPickupCode(code) {
		return nil, ErrMalformedPickupCode
	}
	var share models.ShareLink
	err := s.db.WithContext(ctx).
		First(&share, "pickup_code_hash = ? AND enabled = ?", s.pickupHash(code), true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrShareNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("look up pickup code: %w", err)
	}
	if share.ExpiresAt != nil && !s.clock().Before(*share.ExpiresAt) {
		return nil, ErrShareUnavailable
	}
	return s.metadata(ctx, &share)
}

func (s *Service) metadata(ctx context.Context, share *models.ShareLink) (*ShareMetadata, error) {
	rec, err := s.files.GetFile(ctx, share.FileID)
	if errors.Is(err, files.ErrFileNotFound) {
		return nil, ErrShareUnavailable
	}
	if err != nil {
		return nil, err
	}

	meta := &ShareMetadata{
		ShareToken:    share.ShareToken,
		FileName:      rec.OriginalName,
		FileSize:      rec.Size,
		MimeType:      rec.MimeType,
		RequireLogin:  share.RequireLogin,
		Gatekeeper:    share.Gatekeeper,
		HasPickupCode: share.HasPickupCode(),
		AccessCount:   share.AccessCount,
		ExpiresAt:     share.ExpiresAt,
		CreatedAt:     share.CreatedAt,
	}
	if share.Gatekeeper {
		meta.FileName = displayName(share, rec.OriginalName)
		if share.CustomFileSize != nil {
			meta.FileSize = *share.CustomFileSize
		}
		if share.CustomFileExtension != "" {
			meta.MimeType = "application/" + share.CustomFileExtension
		}
	}
	return meta, nil
}

// RedeemShare resolves access to a share's file. Checks run in a fixed
// order: availability, gatekeeper, pickup code, login. A failed check never
// changes the access counter.
func (s *Service) RedeemShare(ctx context.Context, shareToken, code string, authenticated bool, opts files.Options) (*files.Access, error) {
	share, err := s.available(ctx, shareToken)
	if err != nil {
		metrics.RecordShareRedemption("unavailable")
		return nil, err
	}
	if share.Gatekeeper {
		metrics.RecordShareRedemption("forbidden")
		return nil, ErrDownloadForbidden
	}
	if share.HasPickupCode() {
		if !hmac.Equal([]byte(share.PickupCodeHash), []byte(s.pickupHash(code))) {
			metrics.RecordShareRedemption("invalid_code")
			return nil, ErrInvalidPickupCode
		}
	}
	if share.RequireLogin && !authenticated {
		metrics.RecordShareRedemption("login_required")
		return nil, ErrLoginRequired
	}

	// Re-check availability in the same statement so a share disabled
	// after the read above is not counted.
	res := s.db.WithContext(ctx).Model(&models.ShareLink{}).
		Where("share_token = ? AND enabled = ? AND (expires_at IS NULL OR expires_at > ?)", shareToken, true, s.clock()).
		UpdateColumn("access_count", gorm.Expr("access_count + ?", 1))
	if res.Error != nil {
		metrics.RecordShareRedemption("error")
		return nil, fmt.Errorf("count share access: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		metrics.RecordShareRedemption("unavailable")
		return nil, ErrShareUnavailable
	}

	metrics.RecordShareRedemption("success")
	return s.files.AccessByCapability(ctx, share.FileID, opts)
}

// ListShares returns the owner's share links, newest first.
func (s *Service) ListShares(ctx context.Context, ownerID string) ([]models.ShareLink, error) {
	var rows []models.ShareLink
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list share links: %w", err)
	}
	return rows, nil
}

// DisableShare turns off a share link the owner created.
func (s *Service) DisableShare(ctx context.Context, ownerID, shareToken string) error {
	res := s.db.WithContext(ctx).Model(&models.ShareLink{}).
		Where("share_token = ? AND owner_id = ?", shareToken, ownerID).
		UpdateColumn("enabled", false)
	if res.Error != nil {
		return fmt.Errorf("disable share link: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrShareNotFound
	}
	return nil
}
