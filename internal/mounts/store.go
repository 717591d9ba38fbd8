// Package mounts stores mount points and default storage assignments and
// resolves which strategy and backend prefix serve a user's folder.
package mounts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fireflycloud/fireflycloud/internal/logging"
	"github.com/fireflycloud/fireflycloud/internal/models"
	"github.com/fireflycloud/fireflycloud/internal/storage"
)

var (
	ErrMountNotFound      = errors.New("mount point not found")
	ErrMountConflict      = errors.New("an enabled mount point already exists for this folder")
	ErrAssignmentNotFound = errors.New("storage assignment not found")
	ErrInvalidRole        = errors.New("invalid role")
)

// Store persists mount points, user assignments and role defaults.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// UserFolder is the default root folder of a user on their default backend.
func UserFolder(userID string) (string, error) {
	return storage.CleanKey("users/" + userID)
}

func strategyExists(tx *gorm.DB, id string) error {
	var n int64
	if err := tx.Model(&models.StorageStrategy{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("check strategy: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrStrategyNotFound, id)
	}
	return nil
}

func enabledConflict(tx *gorm.DB, userID, folder, exceptID string) error {
	var n int64
	q := tx.Model(&models.MountPoint{}).
		Where("user_id = ? AND folder_path = ? AND enabled = ?", userID, folder, true)
	if exceptID != "" {
		q = q.Where("id <> ?", exceptID)
	}
	if err := q.Count(&n).Error; err != nil {
		return fmt.Errorf("check mount conflict: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: %s", ErrMountConflict, folder)
	}
	return nil
}

// NewMount holds the fields of a mount point to create.
type NewMount struct {
	UserID      string
	FolderPath  string
	StrategyID  string
	BackendPath string
	Enabled     bool
}

// CreateMount validates and inserts a mount point. Folder and backend paths
// are normalized.
func (s *Store) CreateMount(ctx context.Context, in NewMount) (*models.MountPoint, error) {
	if in.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	folder, err := storage.CleanLogical(in.FolderPath)
	if err != nil {
		return nil, err
	}
	backendPath, err := storage.CleanPrefix(in.BackendPath)
	if err != nil {
		return nil, err
	}

	m := &models.MountPoint{
		ID:          uuid.NewString(),
		UserID:      in.UserID,
		FolderPath:  folder,
		StrategyID:  in.StrategyID,
		BackendPath: backendPath,
		Enabled:     in.Enabled,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := strategyExists(tx, m.StrategyID); err != nil {
			return err
		}
		if m.Enabled {
			if err := enabledConflict(tx, m.UserID, m.FolderPath, ""); err != nil {
				return err
			}
		}
		return tx.Create(m).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// A concurrent create won the race past the conflict check.
		err = fmt.Errorf("%w: %s", ErrMountConflict, m.FolderPath)
	}
	if err != nil {
		return nil, fmt.Errorf("create mount: %w", err)
	}

	logging.Info("mount point created",
		zap.String("mount_id", m.ID),
		zap.String("user_id", m.UserID),
		zap.String("folder_path", m.FolderPath),
		zap.String("strategy_id", m.StrategyID))
	return m, nil
}

// GetMount returns a mount point by id.
func (s *Store) GetMount(ctx context.Context, id string) (*models.MountPoint, error) {
	var m models.MountPoint
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrMountNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get mount: %w", err)
	}
	return &m, nil
}

// ListMounts returns the mounts of userID, or every mount when userID is
// empty, ordered by user and folder.
func (s *Store) ListMounts(ctx context.Context, userID string) ([]models.MountPoint, error) {
	q := s.db.WithContext(ctx).Order("user_id, folder_path, id")
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var rows []models.MountPoint
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list mounts: %w", err)
	}
	return rows, nil
}

// MountUpdate holds the editable fields of a mount point. Nil fields are
// left unchanged.
type MountUpdate struct {
	FolderPath  *string
	StrategyID  *string
	BackendPath *string
	Enabled     *bool
}

// UpdateMount applies u. Existing file records keep their frozen strategy;
// only new uploads follow the changed mount.
func (s *Store) UpdateMount(ctx context.Context, id string, u MountUpdate) (*models.MountPoint, error) {
	var out models.MountPoint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&out, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrMountNotFound, id)
			}
			return err
		}
		if u.FolderPath != nil {
			folder, err := storage.CleanLogical(*u.FolderPath)
			if err != nil {
				return err
			}
			out.FolderPath = folder
		}
		if u.BackendPath != nil {
			bp, err := storage.CleanPrefix(*u.BackendPath)
			if err != nil {
				return err
			}
			out.BackendPath = bp
		}
		if u.StrategyID != nil {
			if err := strategyExists(tx, *u.StrategyID); err != nil {
				return err
			}
			out.StrategyID = *u.StrategyID
		}
		if u.Enabled != nil {
			out.Enabled = *u.Enabled
		}
		if out.Enabled {
			if err := enabledConflict(tx, out.UserID, out.FolderPath, out.ID); err != nil {
				return err
			}
		}
		return tx.Save(&out).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		err = fmt.Errorf("%w: %s", ErrMountConflict, out.FolderPath)
	}
	if err != nil {
		return nil, fmt.Errorf("update mount: %w", err)
	}
	return &out, nil
}

// SetMountEnabled enables or disables a mount point.
func (s *Store) SetMountEnabled(ctx context.Context, id string, enabled bool) (*models.MountPoint, error) {
	return s.UpdateMount(ctx, id, MountUpdate{Enabled: &enabled})
}

// DeleteMount removes a mount point. Files stored through it stay readable
// because they carry their own strategy and storage path.
func (s *Store) DeleteMount(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.MountPoint{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete mount: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrMountNotFound, id)
	}
	return nil
}

// enabledAncestors returns the user's enabled mounts rooted at any of folders.
func (s *Store) enabledAncestors(ctx context.Context, userID string, folders []string) ([]models.MountPoint, error) {
	var rows []models.MountPoint
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND enabled = ? AND folder_path IN ?", userID, true, folders).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("find mounts: %w", err)
	}
	return rows, nil
}

// AssignUser sets the user's default strategy and root folder. An empty
// userFolder means users/{userID}.
func (s *Store) AssignUser(ctx context.Context, userID, strategyID, userFolder string) (*models.UserStorageAssignment, error) {
	var folder string
	var err error
	if userFolder == "" {
		folder, err = UserFolder(userID)
	} else {
		folder, err = storage.CleanKey(userFolder)
	}
	if err != nil {
		return nil, err
	}

	a := &models.UserStorageAssignment{UserID: userID, StrategyID: strategyID, UserFolder: folder}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := strategyExists(tx, strategyID); err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"strategy_id", "user_folder", "updated_at"}),
		}).Create(a).Error
	})
	if err != nil {
		return nil, fmt.Errorf("assign user storage: %w", err)
	}
	logging.Info("user storage assigned",
		zap.String("user_id", userID),
		zap.String("strategy_id", strategyID),
		zap.String("user_folder", folder))
	return a, nil
}

// GetAssignment returns the user's explicit assignment.
func (s *Store) GetAssignment(ctx context.Context, userID string) (*models.UserStorageAssignment, error) {
	var a models.UserStorageAssignment
	err := s.db.WithContext(ctx).First(&a, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAssignmentNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	return &a, nil
}

// SetRoleDefault sets the default strategy of every user of role that has
// no explicit assignment.
func (s *Store) SetRoleDefault(ctx context.Context, role models.Role, strategyID string) (*models.RoleStorageDefault, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	d := &models.RoleStorageDefault{Role: role, StrategyID: strategyID}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := strategyExists(tx, strategyID); err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "role"}},
			DoUpdates: clause.AssignmentColumns([]string{"strategy_id", "updated_at"}),
		}).Create(d).Error
	})
	if err != nil {
		return nil, fmt.Errorf("set role default: %w", err)
	}
	return d, nil
}

// roleDefault returns the role's default, or nil when none is set.
func (s *Store) roleDefault(ctx context.Context, role models.Role) (*models.RoleStorageDefault, error) {
	var d models.RoleStorageDefault
	err := s.db.WithContext(ctx).First(&d, "role = ?", role).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get role default: %w", err)
	}
	return &d, nil
}

// SeedUser creates the assignment of a new user from their role default,
// falling back to the system strategy. An existing assignment is kept.
func (s *Store) SeedUser(ctx context.Context, userID string, role models.Role) (*models.UserStorageAssignment, bool, error) {
	a, err := s.GetAssignment(ctx, userID)
	if err == nil {
		return a, false, nil
	}
	if !errors.Is(err, ErrAssignmentNotFound) {
		return nil, false, err
	}

	strategyID := models.DefaultStrategyID
	d, err := s.roleDefault(ctx, role)
	if err != nil {
		return nil, false, err
	}
	if d != nil {
		strategyID = d.StrategyID
	}
	a, err = s.AssignUser(ctx, userID, strategyID, "")
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}
