package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fireflycloud/fireflycloud/internal/models"
)

// StrategyStore provides CRUD operations for storage_strategies.
type StrategyStore struct {
	db *gorm.DB
}

// NewStrategyStore creates a new StrategyStore.
func NewStrategyStore(db *gorm.DB) *StrategyStore {
	return &StrategyStore{db: db}
}

// List returns all strategies ordered by id.
func (s *StrategyStore) List(ctx context.Context) ([]models.StorageStrategy, error) {
	var rows []models.StorageStrategy
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	return rows, nil
}

// Get returns a strategy by id.
func (s *StrategyStore) Get(ctx context.Context, id string) (*models.StorageStrategy, error) {
	var row models.StorageStrategy
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get strategy: %w", err)
	}
	return &row, nil
}

// Create inserts a new strategy at version 1.
func (s *StrategyStore) Create(ctx context.Context, st *models.StorageStrategy) error {
	if st.ID == "" || st.Name == "" {
		return fmt.Errorf("strategy id and name are required")
	}
	st.Version = 1
	if st.Config == nil {
		st.Config = datatypes.JSONMap{}
	}
	if err := s.db.WithContext(ctx).Create(st).Error; err != nil {
		return fmt.Errorf("create strategy: %w", err)
	}
	return nil
}

// StrategyUpdate holds the editable fields of a strategy. Nil fields are
// left unchanged.
type StrategyUpdate struct {
	Name     *string
	Config   map[string]any
	IsActive *bool
}

// Update applies u and bumps the version.
func (s *StrategyStore) Update(ctx context.Context, id string, u StrategyUpdate) (*models.StorageStrategy, error) {
	var out *models.StorageStrategy
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.StorageStrategy
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
			}
			return err
		}
		if u.Name != nil {
			row.Name = *u.Name
		}
		if u.Config != nil {
			row.Config = datatypes.JSONMap(u.Config)
		}
		if u.IsActive != nil {
			row.IsActive = *u.IsActive
		}
		row.Version++
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		out = &row
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update strategy: %w", err)
	}
	return out, nil
}

// Delete removes a strategy that nothing references. The system default
// strategy can never be deleted.
func (s *StrategyStore) Delete(ctx context.Context, id string) error {
	if id == models.DefaultStrategyID {
		return fmt.Errorf("%w: %s is the system default", ErrStrategyInUse, id)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		refs := []struct {
			model  any
			column string
		}{
			{&models.FileRecord{}, "strategy_id"},
			{&models.MountPoint{}, "strategy_id"},
			{&models.UserStorageAssignment{}, "strategy_id"},
			{&models.RoleStorageDefault{}, "strategy_id"},
		}
		for _, ref := range refs {
			var n int64
			if err := tx.Model(ref.model).Where(ref.column+" = ?", id).Count(&n).Error; err != nil {
				return fmt.Errorf("count references: %w", err)
			}
			if n > 0 {
				return fmt.Errorf("%w: %d references in %T", ErrStrategyInUse, n, ref.model)
			}
		}
		res := tx.Delete(&models.StorageStrategy{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("delete strategy: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
		}
		return nil
	})
}

// EnsureDefault creates the system local strategy rooted at localRoot if it
// does not exist yet.
func (s *StrategyStore) EnsureDefault(ctx context.Context, localRoot string) (*models.StorageStrategy, bool, error) {
	row, err := s.Get(ctx, models.DefaultStrategyID)
	if err == nil {
		return row, false, nil
	}
	if !errors.Is(err, ErrStrategyNotFound) {
		return nil, false, err
	}
	row = &models.StorageStrategy{
		ID:       models.DefaultStrategyID,
		Name:     "Local Storage",
		Type:     models.StrategyLocal,
		Config:   datatypes.JSONMap{"root_path": localRoot},
		IsActive: true,
	}
	if err := s.Create(ctx, row); err != nil {
		return nil, false, err
	}
	return row, true, nil
}

// RecordStats returns how many file records, and how many bytes, reference a
// strategy.
func (s *StrategyStore) RecordStats(ctx context.Context, id string) (fileCount int64, totalSize int64, err error) {
	var out struct {
		Count int64
		Total int64
	}
	err = s.db.WithContext(ctx).Model(&models.FileRecord{}).
		Select("COUNT(*) AS count, COALESCE(SUM(size), 0) AS total").
		Where("strategy_id = ?", id).
		Scan(&out).Error
	if err != nil {
		return 0, 0, fmt.Errorf("strategy record stats: %w", err)
	}
	return out.Count, out.Total, nil
}
