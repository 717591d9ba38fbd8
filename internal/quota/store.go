// Package quota provides the upload quota gate and per-user rate limiting.
package quota

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fireflycloud/fireflycloud/internal/metrics"
	"github.com/fireflycloud/fireflycloud/internal/models"
)

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow is the permitting decision.
var Allow = Decision{Allowed: true}

// Deny returns a refusing decision with reason.
func Deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Gate decides whether a user may store incomingBytes more.
type Gate interface {
	CheckQuota(ctx context.Context, userID string, incomingBytes int64) (Decision, error)
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, userID string, incomingBytes int64) (Decision, error)

// CheckQuota calls f.
func (f GateFunc) CheckQuota(ctx context.Context, userID string, incomingBytes int64) (Decision, error) {
	return f(ctx, userID, incomingBytes)
}

// Unlimited is a Gate that allows everything.
var Unlimited = GateFunc(func(context.Context, string, int64) (Decision, error) { return Allow, nil })

// Store manages user quotas. It is the default Gate: usage is the sum of
// the user's file record sizes, and a zero limit means unlimited.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new quota store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// GetQuota returns the quota for a user. Returns a zero-value quota if none
// is set.
func (s *Store) GetQuota(ctx context.Context, userID string) (*models.UserQuota, error) {
	q := &models.UserQuota{UserID: userID}
	err := s.db.WithContext(ctx).First(q, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.UserQuota{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get quota: %w", err)
	}
	return q, nil
}

// SetQuota sets or updates the quota for a user.
func (s *Store) SetQuota(ctx context.Context, q *models.UserQuota) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"max_storage_bytes", "max_upload_size_bytes", "max_requests_per_minute", "updated_at",
		}),
	}).Create(q).Error
	if err != nil {
		return fmt.Errorf("set quota: %w", err)
	}
	return nil
}

// GetStorageUsed returns the total size of the files a user owns.
func (s *Store) GetStorageUsed(ctx context.Context, userID string) (int64, error) {
	var used int64
	err := s.db.WithContext(ctx).Model(&models.FileRecord{}).
		Select("COALESCE(SUM(size), 0)").
		Where("owner_id = ?", userID).
		Scan(&used).Error
	if err != nil {
		return 0, fmt.Errorf("get storage used: %w", err)
	}
	return used, nil
}

// CheckQuota implements Gate. The per-upload limit is checked before total
// storage.
func (s *Store) CheckQuota(ctx context.Context, userID string, incomingBytes int64) (Decision, error) {
	q, err := s.GetQuota(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	if incomingBytes < 0 {
		incomingBytes = 0
	}

	if q.MaxUploadSizeBytes > 0 && incomingBytes > q.MaxUploadSizeBytes {
		metrics.RecordQuotaRejection()
		return Deny(fmt.Sprintf("file of %d bytes exceeds the upload limit of %d bytes", incomingBytes, q.MaxUploadSizeBytes)), nil
	}
	if q.MaxStorageBytes == 0 {
		return Allow, nil
	}

	used, err := s.GetStorageUsed(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	if used+incomingBytes > q.MaxStorageBytes {
		metrics.RecordQuotaRejection()
		return Deny(fmt.Sprintf("storage quota of %d bytes exceeded (%d used)", q.MaxStorageBytes, used)), nil
	}
	return Allow, nil
}
