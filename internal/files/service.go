package files

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fireflycloud/fireflycloud/internal/auth"
	"github.com/fireflycloud/fireflycloud/internal/logging"
	"github.com/fireflycloud/fireflycloud/internal/metrics"
	"github.com/fireflycloud/fireflycloud/internal/models"
	"github.com/fireflycloud/fireflycloud/internal/mounts"
	"github.com/fireflycloud/fireflycloud/internal/quota"
	"github.com/fireflycloud/fireflycloud/internal/storage"
)

const cleanupTimeout = 30 * time.Second

// Resolver picks the strategy and backend path for a user's folder.
type Resolver interface {
	Resolve(ctx context.Context, userID string, role models.Role, folderPath string) (*mounts.Resolution, error)
}

// Invalidator drops cached usage statistics of a strategy.
type Invalidator interface {
	Invalidate(strategyID string)
}

// Options controls how content is delivered.
type Options struct {
	// ForceProxy turns a redirect into a server-side stream.
	ForceProxy bool
}

// Access is a file together with the way to deliver its content. The
// caller must Close the descriptor.
type Access struct {
	File       *models.FileRecord
	Descriptor *storage.AccessDescriptor
}

// Config holds facade settings.
type Config struct {
	// ProxyDownloads streams every download through the server.
	ProxyDownloads bool
}

// Service is the single entry point for storing and serving file content.
type Service struct {
	store    *Store
	resolver Resolver
	registry *storage.Registry
	stats    Invalidator
	gate     quota.Gate
	cfg      Config
}

// NewService creates the facade.
func NewService(store *Store, resolver Resolver, registry *storage.Registry, stats Invalidator, gate quota.Gate, cfg Config) *Service {
	return &Service{
		store:    store,
		resolver: resolver,
		registry: registry,
		stats:    stats,
		gate:     gate,
		cfg:      cfg,
	}
}

// countingReader records how many bytes were read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Store uploads content to the backend resolved for the parent folder of
// logicalPath and records it. size may be -1 when unknown, in which case the
// quota check sees zero incoming bytes. There is no fallback backend: any
// failure is returned to the caller.
func (s *Service) Store(ctx context.Context, p auth.Principal, logicalPath string, content io.Reader, size int64, mimeType string) (*models.FileRecord, error) {
	clean, err := storage.CleanLogical(logicalPath)
	if err != nil {
		return nil, err
	}
	if clean == "/" {
		return nil, fmt.Errorf("%w: missing file name", storage.ErrInvalidPath)
	}
	folder, name := path.Dir(clean), path.Base(clean)

	res, err := s.resolver.Resolve(ctx, p.UserID, p.Role, folder)
	if err != nil {
		return nil, err
	}

	decision, err := s.gate.CheckQuota(ctx, p.UserID, size)
	if err != nil {
		return nil, fmt.Errorf("check quota: %w", err)
	}
	if !decision.Allowed {
		return nil, fmt.Errorf("%w: %s", storage.ErrQuotaExceeded, decision.Reason)
	}

	entry, err := s.registry.Writable(res.StrategyID)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	dest := storage.JoinKey(res.BackendPath, id+"_"+name)
	counter := &countingReader{r: content}
	storagePath, err := entry.Backend.Upload(ctx, counter, size, dest, p.UserID)
	if err != nil {
		metrics.RecordContentUpload(counter.n, false)
		return nil, storage.Normalize("upload", err)
	}

	rec := &models.FileRecord{
		ID:           id,
		OwnerID:      p.UserID,
		LogicalPath:  clean,
		OriginalName: name,
		Size:         counter.n,
		MimeType:     mimeType,
		StoragePath:  storagePath,
		StrategyID:   res.StrategyID,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		metrics.RecordContentUpload(counter.n, false)
		s.discard(ctx, entry.Backend, res.StrategyID, storagePath)
		return nil, err
	}

	s.stats.Invalidate(res.StrategyID)
	metrics.RecordContentUpload(counter.n, true)
	logging.WithContext(ctx).Info("file stored",
		zap.String("file_id", rec.ID),
		zap.String("owner_id", rec.OwnerID),
		zap.String("strategy_id", rec.StrategyID),
		zap.String("source", string(res.Source)),
		zap.Int64("size", rec.Size))
	return rec, nil
}

// discard removes an uploaded object whose record could not be persisted.
func (s *Service) discard(ctx context.Context, b storage.Backend, strategyID, storagePath string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := b.Delete(cctx, storagePath); err != nil {
		logging.WithContext(ctx).Error("failed to remove orphaned object",
			zap.String("strategy_id", strategyID),
			zap.String("storage_path", storagePath),
			zap.Error(err))
	}
}

// GetFile returns a file record by id without an ownership check.
func (s *Service) GetFile(ctx context.Context, fileID string) (*models.FileRecord, error) {
	return s.store.Get(ctx, fileID)
}

// GetOwned returns the file if userID owns it. Files of other users are
// reported as not found.
func (s *Service) GetOwned(ctx context.Context, fileID, userID string) (*models.FileRecord, error) {
	rec, err := s.store.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != userID {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	}
	return rec, nil
}

// ListFiles returns the owner's files.
func (s *Service) ListFiles(ctx context.Context, ownerID string) ([]models.FileRecord, error) {
	return s.store.ListByOwner(ctx, ownerID)
}

// AccessFile resolves delivery of a file owned by requestingUserID. The
// file's frozen strategy is used; mounts are not consulted.
func (s *Service) AccessFile(ctx context.Context, fileID, requestingUserID string, opts Options) (*Access, error) {
	rec, err := s.GetOwned(ctx, fileID, requestingUserID)
	if err != nil {
		return nil, err
	}
	return s.access(ctx, rec, opts)
}

// AccessByCapability resolves delivery without an ownership check. Only a
// redeemed download token or share link may lead here.
func (s *Service) AccessByCapability(ctx context.Context, fileID string, opts Options) (*Access, error) {
	rec, err := s.store.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return s.access(ctx, rec, opts)
}

func (s *Service) access(ctx context.Context, rec *models.FileRecord, opts Options) (*Access, error) {
	entry, err := s.registry.Get(rec.StrategyID)
	if err != nil {
		return nil, err
	}

	if opts.ForceProxy || s.cfg.ProxyDownloads {
		rc, size, err := entry.Backend.RawRead(ctx, rec.StoragePath)
		if err != nil {
			return nil, storage.Normalize("read", err)
		}
		return &Access{File: rec, Descriptor: storage.StreamOf(rc, size)}, nil
	}

	desc, err := entry.Backend.ResolveAccess(ctx, rec.StoragePath, storage.AccessHints{
		FileName: rec.OriginalName,
		MimeType: rec.MimeType,
	})
	if err != nil {
		return nil, storage.Normalize("resolve access", err)
	}
	return &Access{File: rec, Descriptor: desc}, nil
}

// DeleteFile removes the object from its backend, then the record with its
// tokens and shares. If the backend delete fails the record is kept so the
// delete can be retried. Deletion is allowed on inactive strategies.
func (s *Service) DeleteFile(ctx context.Context, fileID, requestingUserID string) error {
	rec, err := s.GetOwned(ctx, fileID, requestingUserID)
	if err != nil {
		return err
	}
	entry, err := s.registry.Get(rec.StrategyID)
	if err != nil {
		return err
	}
	if err := entry.Backend.Delete(ctx, rec.StoragePath); err != nil {
		return storage.Normalize("delete", err)
	}
	if err := s.store.Delete(ctx, rec.ID); err != nil {
		return err
	}

	s.stats.Invalidate(rec.StrategyID)
	logging.WithContext(ctx).Info("file deleted",
		zap.String("file_id", rec.ID),
		zap.String("strategy_id", rec.StrategyID))
	return nil
}
