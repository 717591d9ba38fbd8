package tokens

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fireflycloud/fireflycloud/internal/files"
	"github.com/fireflycloud/fireflycloud/internal/logging"
	"github.com/fireflycloud/fireflycloud/internal/metrics"
	"github.com/fireflycloud/fireflycloud/internal/models"
)

// Direct link errors.
var (
	ErrDirectLinkNotFound = errors.New("direct link not found")
	ErrDirectLinkDisabled = errors.New("direct link is disabled")
)

// maxDirectNameAttempts bounds the name_N suffixes tried for one file name.
const maxDirectNameAttempts = 100

// directName is the n-th candidate name for a file: the original name, then
// name_1.ext, name_2.ext and so on. A leading dot is not an extension.
func directName(original string, n int) string {
	if n == 0 {
		return original
	}
	if i := strings.LastIndex(original, "."); i > 0 {
		return fmt.Sprintf("%s_%d%s", original[:i], n, original[i:])
	}
	return fmt.Sprintf("%s_%d", original, n)
}

func (s *Service) directLinkWhere(ctx context.Context, query string, args ...any) (*models.DirectLink, error) {
	var link models.DirectLink
	err := s.db.WithContext(ctx).Where(query, args...).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDirectLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get direct link: %w", err)
	}
	return &link, nil
}

// DirectLink returns the direct link of a file ownerID owns, creating it on
// first use. Names are unique across all users; a taken name gets a numeric
// suffix.
func (s *Service) DirectLink(ctx context.Context, ownerID, fileID string) (*models.DirectLink, error) {
	rec, err := s.files.GetOwned(ctx, fileID, ownerID)
	if err != nil {
		return nil, err
	}
	link, err := s.directLinkWhere(ctx, "file_id = ?", fileID)
	if !errors.Is(err, ErrDirectLinkNotFound) {
		return link, err
	}

	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	now := s.clock()
	link = &models.DirectLink{
		ID:        uuid.NewString(),
		FileID:    fileID,
		OwnerID:   ownerID,
		Token:     token,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for n := 0; n < maxDirectNameAttempts; n++ {
		link.DirectName = directName(rec.OriginalName, n)
		err := s.db.WithContext(ctx).Create(link).Error
		if err == nil {
			logging.WithContext(ctx).Info("direct link created",
				zap.String("file_id", fileID),
				zap.String("owner_id", ownerID),
				zap.String("direct_name", link.DirectName))
			return link, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("create direct link: %w", err)
		}
		// Either the name is taken or a concurrent call created this
		// file's link first.
		if existing, err := s.directLinkWhere(ctx, "file_id = ?", fileID); err == nil {
			return existing, nil
		}
	}
	return nil, fmt.Errorf("create direct link: no free name for %q", rec.OriginalName)
}

// ListDirectLinks returns the owner's direct links, newest first.
func (s *Service) ListDirectLinks(ctx context.Context, ownerID string) ([]models.DirectLink, error) {
	var rows []models.DirectLink
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list direct links: %w", err)
	}
	return rows, nil
}

// SetDirectLinkEnabled turns the owner's direct link on or off. The name
// and token survive, so re-enabling restores the same URL.
func (s *Service) SetDirectLinkEnabled(ctx context.Context, ownerID, linkID string, enabled bool) (*models.DirectLink, error) {
	res := s.db.WithContext(ctx).Model(&models.DirectLink{}).
		Where("id = ? AND owner_id = ?", linkID, ownerID).
		Updates(map[string]any{"enabled": enabled, "updated_at": s.clock()})
	if res.Error != nil {
		return nil, fmt.Errorf("update direct link: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrDirectLinkNotFound
	}
	return s.directLinkWhere(ctx, "id = ?", linkID)
}

// DeleteDirectLink destroys the owner's direct link. A later DirectLink
// call for the same file creates a new name and token.
func (s *Service) DeleteDirectLink(ctx context.Context, ownerID, linkID string) error {
	res := s.db.WithContext(ctx).Delete(&models.DirectLink{}, "id = ? AND owner_id = ?", linkID, ownerID)
	if res.Error != nil {
		return fmt.Errorf("delete direct link: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrDirectLinkNotFound
	}
	return nil
}

// RedeemDirectLink resolves access through a direct link name and token.
// A wrong token reads as a missing link. Each successful redemption adds
// one to the access count.
func (s *Service) RedeemDirectLink(ctx context.Context, name, token string, opts files.Options) (*files.Access, error) {
	link, err := s.directLinkWhere(ctx, "direct_name = ?", name)
	if err != nil {
		metrics.RecordDirectLinkRedemption("not_found")
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(link.Token), []byte(token)) != 1 {
		metrics.RecordDirectLinkRedemption("not_found")
		return nil, ErrDirectLinkNotFound
	}

	res := s.db.WithContext(ctx).Model(&models.DirectLink{}).
		Where("id = ? AND enabled = ?", link.ID, true).
		UpdateColumn("access_count", gorm.Expr("access_count + ?", 1))
	if res.Error != nil {
		metrics.RecordDirectLinkRedemption("error")
		return nil, fmt.Errorf("count direct link access: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		metrics.RecordDirectLinkRedemption("disabled")
		return nil, ErrDirectLinkDisabled
	}

	metrics.RecordDirectLinkRedemption("success")
	return s.files.AccessByCapability(ctx, link.FileID, opts)
}
