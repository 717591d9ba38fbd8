// Package files is the routing facade: it places uploads on the backend the
// mount resolver picks and serves stored files from their frozen strategy.
package files

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/fireflycloud/fireflycloud/internal/models"
)

// ErrFileNotFound is returned for missing files and for files the caller
// does not own.
var ErrFileNotFound = errors.New("file not found")

// Store persists file records.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Create inserts a file record.
func (s *Store) Create(ctx context.Context, rec *models.FileRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("create file record: %w", err)
	}
	return nil
}

// Get returns a file record by id.
func (s *Store) Get(ctx context.Context, id string) (*models.FileRecord, error) {
	var rec models.FileRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get file record: %w", err)
	}
	return &rec, nil
}

// ListByOwner returns the owner's files ordered by logical path.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]models.FileRecord, error) {
	var rows []models.FileRecord
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("logical_path, created_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return rows, nil
}

// Delete removes a file record together with its download tokens, share
// links and direct link.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("file_id = ?", id).Delete(&models.DownloadToken{}).Error; err != nil {
			return fmt.Errorf("delete download tokens: %w", err)
		}
		if err := tx.Where("file_id = ?", id).Delete(&models.ShareLink{}).Error; err != nil {
			return fmt.Errorf("delete share links: %w", err)
		}
		if err := tx.Where("file_id = ?", id).Delete(&models.DirectLink{}).Error; err != nil {
			return fmt.Errorf("delete direct link: %w", err)
		}
		res := tx.Delete(&models.FileRecord{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("delete file record: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrFileNotFound, id)
		}
		return nil
	})
}
