// Package protocol defines the API request/response types.
package protocol

import (
	"time"

	"github.com/fireflycloud/fireflycloud/internal/models"
	"github.com/fireflycloud/fireflycloud/internal/storage"
)

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// FileListResponse is returned by GET /api/v1/files
type FileListResponse struct {
	Files []models.FileRecord `json:"files"`
}

// DownloadTokenResponse is returned by GET /api/v1/files/{id}/download
type DownloadTokenResponse struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
	MaxUsage  int       `json:"max_usage"`
}

// CreateShareRequest is the body for POST /api/v1/files/{id}/share
type CreateShareRequest struct {
	GeneratePickupCode  bool       `json:"generate_pickup_code"`
	RequireLogin        bool       `json:"require_login"`
	Gatekeeper          bool       `json:"gatekeeper"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	ExpiresInSeconds    int64      `json:"expires_in_seconds,omitempty"`
	CustomFileName      string     `json:"custom_file_name,omitempty"`
	CustomFileExtension string     `json:"custom_file_extension,omitempty"`
	CustomFileSize      *int64     `json:"custom_file_size,omitempty"`
}

// ShareResponse describes a share link. PickupCode is only set in the
// response that created the share.
type ShareResponse struct {
	Share      models.ShareLink `json:"share"`
	URL        string           `json:"url"`
	PickupCode string           `json:"pickup_code,omitempty"`
}

// ShareListResponse is returned by GET /api/v1/shares
type ShareListResponse struct {
	Shares []models.ShareLink `json:"shares"`
}

// ShareDownloadRequest is the body for POST /api/v1/share/{token}/download
type ShareDownloadRequest struct {
	PickupCode string `json:"pickup_code"`
}

// DirectLinkResponse is a direct link with its public URL.
type DirectLinkResponse struct {
	models.DirectLink
	URL string `json:"url"`
}

// DirectLinkListResponse is returned by GET /api/v1/direct-links
type DirectLinkListResponse struct {
	DirectLinks []DirectLinkResponse `json:"direct_links"`
}

// SetEnabledRequest is the body for PUT /api/v1/files/{id}/direct-link and
// PUT /api/v1/direct-links/{id}
type SetEnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// StrategyRequest is the body for POST and PUT /api/v1/admin/strategies
type StrategyRequest struct {
	ID       string              `json:"id"`
	Name     string              `json:"name"`
	Type     models.StrategyType `json:"type"`
	Config   map[string]any      `json:"config"`
	IsActive *bool               `json:"is_active,omitempty"`
}

// StrategyResponse is a strategy with its config redacted and the state of
// its constructed backend.
type StrategyResponse struct {
	models.StorageStrategy
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// StrategyListResponse is returned by GET /api/v1/admin/strategies
type StrategyListResponse struct {
	Strategies []StrategyResponse `json:"strategies"`
}

// StrategyTestResponse is returned by POST /api/v1/admin/strategies/{id}/test
type StrategyTestResponse struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// StrategyStatsResponse is returned by GET /api/v1/admin/strategies/{id}/stats
type StrategyStatsResponse struct {
	StrategyID  string         `json:"strategy_id"`
	Backend     *storage.Usage `json:"backend,omitempty"`
	RecordCount int64          `json:"record_count"`
	RecordBytes int64          `json:"record_bytes"`
}

// MountRequest is the body for POST and PUT /api/v1/admin/mounts
type MountRequest struct {
	UserID      string  `json:"user_id"`
	FolderPath  *string `json:"folder_path,omitempty"`
	StrategyID  *string `json:"strategy_id,omitempty"`
	BackendPath *string `json:"backend_path,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"`
}

// MountListResponse is returned by GET /api/v1/admin/mounts
type MountListResponse struct {
	Mounts []models.MountPoint `json:"mounts"`
}

// AssignmentRequest is the body for PUT /api/v1/admin/users/{id}/storage
// and PUT /api/v1/admin/roles/{role}/storage
type AssignmentRequest struct {
	StrategyID string `json:"strategy_id"`
	UserFolder string `json:"user_folder,omitempty"`
}

// SeedRequest is the body for POST /api/v1/admin/users/{id}/seed
type SeedRequest struct {
	Role models.Role `json:"role"`
}

// SeedResponse is returned by POST /api/v1/admin/users/{id}/seed
type SeedResponse struct {
	Assignment models.UserStorageAssignment `json:"assignment"`
	Created    bool                         `json:"created"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status     string            `json:"status"`
	Strategies map[string]string `json:"strategies"`
}
