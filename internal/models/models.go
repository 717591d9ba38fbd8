// Package models defines the persisted entities of the storage core.
package models

import (
	"time"

	"gorm.io/datatypes"
)

// Role is a user role as asserted by the auth layer.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}

// StrategyType is the closed set of backend kinds.
type StrategyType string

const (
	StrategyLocal        StrategyType = "local"
	StrategyS3Compatible StrategyType = "s3compatible"
	StrategyOneDrive     StrategyType = "onedrive"
	StrategyWebDAV       StrategyType = "webdav"
)

// DefaultStrategyID is the system strategy used when a user has neither an
// assignment nor a role default.
const DefaultStrategyID = "local-default"

// StorageStrategy is a named, typed, configured storage backend.
type StorageStrategy struct {
	ID        string            `gorm:"primaryKey;size:64" json:"id"`
	Name      string            `gorm:"size:255;not null" json:"name"`
	Type      StrategyType      `gorm:"size:32;not null;index" json:"type"`
	Config    datatypes.JSONMap `json:"config"`
	IsActive  bool              `gorm:"not null" json:"is_active"`
	Version   int64             `gorm:"not null" json:"version"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// MountPoint binds a folder subtree of one user to a strategy and prefix.
// At most one enabled mount may exist per user and folder.
type MountPoint struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	UserID      string    `gorm:"size:64;not null;index:idx_mount_user_folder;uniqueIndex:idx_mount_enabled_folder,where:enabled" json:"user_id"`
	FolderPath  string    `gorm:"size:1024;not null;index:idx_mount_user_folder;uniqueIndex:idx_mount_enabled_folder,where:enabled" json:"folder_path"`
	StrategyID  string    `gorm:"size:64;not null;index" json:"strategy_id"`
	BackendPath string    `gorm:"size:1024;not null" json:"backend_path"`
	Enabled     bool      `gorm:"not null" json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UserStorageAssignment is a user's explicit default strategy and root folder.
type UserStorageAssignment struct {
	UserID     string    `gorm:"primaryKey;size:64" json:"user_id"`
	StrategyID string    `gorm:"size:64;not null;index" json:"strategy_id"`
	UserFolder string    `gorm:"size:1024;not null" json:"user_folder"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RoleStorageDefault is the default strategy for every user of a role.
type RoleStorageDefault struct {
	Role       Role      `gorm:"primaryKey;size:16" json:"role"`
	StrategyID string    `gorm:"size:64;not null;index" json:"strategy_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// FileRecord is a stored file. StrategyID is frozen at upload time.
type FileRecord struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	OwnerID      string    `gorm:"size:64;not null;index" json:"owner_id"`
	LogicalPath  string    `gorm:"size:1024;not null" json:"logical_path"`
	OriginalName string    `gorm:"size:255;not null" json:"original_name"`
	Size         int64     `gorm:"not null" json:"size"`
	MimeType     string    `gorm:"size:255" json:"mime_type"`
	StoragePath  string    `gorm:"size:1024;not null" json:"storage_path"`
	StrategyID   string    `gorm:"size:64;not null;index" json:"strategy_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// DownloadToken is a bounded-use capability for one file.
type DownloadToken struct {
	Token          string    `gorm:"primaryKey;size:64" json:"token"`
	FileID         string    `gorm:"size:36;not null;index" json:"file_id"`
	IssuedToUserID string    `gorm:"size:64;not null" json:"issued_to_user_id"`
	UsageCount     int       `gorm:"not null" json:"usage_count"`
	MaxUsage       int       `gorm:"not null" json:"max_usage"`
	ExpiresAt      time.Time `gorm:"not null;index" json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// ShareLink is a public capability for one file.
type ShareLink struct {
	ShareToken          string     `gorm:"primaryKey;size:64" json:"share_token"`
	FileID              string     `gorm:"size:36;not null;index" json:"file_id"`
	OwnerID             string     `gorm:"size:64;not null;index" json:"owner_id"`
	PickupCodeHash      string     `gorm:"size:64;uniqueIndex:idx_share_pickup_code,where:pickup_code_hash <> ''" json:"-"`
	RequireLogin        bool       `gorm:"not null" json:"require_login"`
	Gatekeeper          bool       `gorm:"not null" json:"gatekeeper"`
	Enabled             bool       `gorm:"not null" json:"enabled"`
	AccessCount         int64      `gorm:"not null" json:"access_count"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	CustomFileName      string     `gorm:"size:255" json:"custom_file_name,omitempty"`
	CustomFileExtension string     `gorm:"size:32" json:"custom_file_extension,omitempty"`
	CustomFileSize      *int64     `json:"custom_file_size,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// HasPickupCode reports whether the share is gated by a pickup code.
func (s *ShareLink) HasPickupCode() bool {
	return s.PickupCodeHash != ""
}

// DirectLink is a permanent public URL for one file, addressed by a unique
// name and guarded by a token. It stays valid until disabled or deleted.
type DirectLink struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	FileID      string    `gorm:"size:36;not null;uniqueIndex" json:"file_id"`
	OwnerID     string    `gorm:"size:64;not null;index" json:"owner_id"`
	DirectName  string    `gorm:"size:255;not null;uniqueIndex" json:"direct_name"`
	Token       string    `gorm:"size:64;not null" json:"token"`
	Enabled     bool      `gorm:"not null" json:"enabled"`
	AccessCount int64     `gorm:"not null" json:"access_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UserQuota holds per-user limits. Zero means unlimited.
type UserQuota struct {
	UserID             string    `gorm:"primaryKey;size:64" json:"user_id"`
	MaxStorageBytes    int64     `gorm:"not null" json:"max_storage_bytes"`
	MaxUploadSizeBytes int64     `gorm:"not null" json:"max_upload_size_bytes"`
	MaxRequestsPerMin  int       `gorm:"column:max_requests_per_minute;not null" json:"max_requests_per_minute"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// All lists every model for migration.
func All() []any {
	return []any{
		&StorageStrategy{},
		&MountPoint{},
		&UserStorageAssignment{},
		&RoleStorageDefault{},
		&FileRecord{},
		&DownloadToken{},
		&ShareLink{},
		&DirectLink{},
		&UserQuota{},
	}
}
