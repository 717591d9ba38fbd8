// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fireflycloud/fireflycloud/internal/auth"
	"github.com/fireflycloud/fireflycloud/internal/files"
	"github.com/fireflycloud/fireflycloud/internal/logging"
	"github.com/fireflycloud/fireflycloud/internal/metrics"
	"github.com/fireflycloud/fireflycloud/internal/mounts"
	"github.com/fireflycloud/fireflycloud/internal/protocol"
	"github.com/fireflycloud/fireflycloud/internal/quota"
	"github.com/fireflycloud/fireflycloud/internal/retry"
	"github.com/fireflycloud/fireflycloud/internal/storage"
	"github.com/fireflycloud/fireflycloud/internal/tokens"
)

const apiPrefix = "/api/v1"

var errStrategyExists = errors.New("storage strategy already exists")

// Config holds route-layer settings.
type Config struct {
	// PublicBaseURL is prepended to download and share URLs. When empty
	// the request's own scheme and host are used.
	PublicBaseURL string
	// MaxUploadSize caps upload bodies. Zero means unlimited.
	MaxUploadSize int64
	// RetryMaxAttempts bounds retries of idempotent calls to unavailable
	// backends.
	RetryMaxAttempts int
	// PickupLookupsPerMinute limits pickup code lookups per client address.
	// Zero takes the default; negative disables the limit.
	PickupLookupsPerMinute int
}

// Deps bundles the services the handlers use.
type Deps struct {
	Files       *files.Service
	Tokens      *tokens.Service
	Strategies  *storage.StrategyStore
	Registry    *storage.Registry
	Stats       *storage.StatsCache
	Mounts      *mounts.Store
	Quotas      *quota.Store
	RateLimiter *quota.RateLimiter
	Auth        *auth.Authenticator
}

// Server is the HTTP server.
type Server struct {
	files      *files.Service
	tokens     *tokens.Service
	strategies *storage.StrategyStore
	registry   *storage.Registry
	stats      *storage.StatsCache
	mounts     *mounts.Store
	quotas     *quota.Store
	limiter    *quota.RateLimiter
	auth       *auth.Authenticator
	cfg        Config
	retry      retry.Config
}

// NewServer creates a new server.
func NewServer(d Deps, cfg Config) *Server {
	rc := retry.DefaultConfig(func(err error) bool {
		return errors.Is(err, storage.ErrBackendUnavailable)
	})
	if cfg.RetryMaxAttempts > 0 {
		rc.MaxAttempts = cfg.RetryMaxAttempts
	}
	if cfg.PickupLookupsPerMinute == 0 {
		cfg.PickupLookupsPerMinute = defaultPickupLookupsPerMinute
	}
	rc.OnRetry = func(ctx context.Context, attempt int, err error, wait time.Duration) {
		logging.WithContext(ctx).Warn("backend unavailable, retrying",
			zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	return &Server{
		files:      d.Files,
		tokens:     d.Tokens,
		strategies: d.Strategies,
		registry:   d.Registry,
		stats:      d.Stats,
		mounts:     d.Mounts,
		quotas:     d.Quotas,
		limiter:    d.RateLimiter,
		auth:       d.Auth,
		cfg:        cfg,
		retry:      rc,
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	authed := func(h http.HandlerFunc) http.Handler {
		var next http.Handler = h
		if s.limiter != nil && s.quotas != nil {
			next = quota.RateLimitMiddleware(s.limiter, s.quotas, auth.UserIDFrom)(next)
		}
		return s.auth.Middleware(next)
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return s.auth.Middleware(auth.RequireAdmin(h))
	}

	// Public endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET "+apiPrefix+"/share/{token}", s.handleShareInfo)
	mux.Handle("POST "+apiPrefix+"/share/{token}/download", s.auth.Optional(http.HandlerFunc(s.handleShareDownload)))
	mux.HandleFunc("GET "+apiPrefix+"/pickup/{code}", s.handlePickup)
	mux.HandleFunc("GET "+apiPrefix+"/dl/{name}", s.handleRedeemDirectLink)

	// Files
	mux.Handle("POST "+apiPrefix+"/files", authed(s.handleUpload))
	mux.Handle("GET "+apiPrefix+"/files", authed(s.handleListFiles))
	mux.Handle("GET "+apiPrefix+"/files/{id}", authed(s.handleGetFile))
	// One pattern serves the public /files/download/{token} redemption and
	// the owner's /files/{id}/content, /files/{id}/download and
	// /files/{id}/direct-link, which ServeMux cannot register side by side.
	mux.Handle("GET "+apiPrefix+"/files/{id}/{action}", s.fileAction(authed))
	mux.Handle("DELETE "+apiPrefix+"/files/{id}", authed(s.handleDeleteFile))

	// Share management
	mux.Handle("POST "+apiPrefix+"/files/{id}/share", authed(s.handleCreateShare))
	mux.Handle("GET "+apiPrefix+"/shares", authed(s.handleListShares))
	mux.Handle("DELETE "+apiPrefix+"/shares/{token}", authed(s.handleDisableShare))

	// Direct links
	mux.Handle("PUT "+apiPrefix+"/files/{id}/direct-link", authed(s.handleSetFileDirectLink))
	mux.Handle("GET "+apiPrefix+"/direct-links", authed(s.handleListDirectLinks))
	mux.Handle("PUT "+apiPrefix+"/direct-links/{id}", authed(s.handleSetDirectLink))
	mux.Handle("DELETE "+apiPrefix+"/direct-links/{id}", authed(s.handleDeleteDirectLink))

	// Admin storage strategies
	mux.Handle("GET "+apiPrefix+"/admin/strategies", admin(s.handleListStrategies))
	mux.Handle("POST "+apiPrefix+"/admin/strategies", admin(s.handleCreateStrategy))
	mux.Handle("GET "+apiPrefix+"/admin/strategies/{id}", admin(s.handleGetStrategy))
	mux.Handle("PUT "+apiPrefix+"/admin/strategies/{id}", admin(s.handleUpdateStrategy))
	mux.Handle("DELETE "+apiPrefix+"/admin/strategies/{id}", admin(s.handleDeleteStrategy))
	mux.Handle("POST "+apiPrefix+"/admin/strategies/{id}/test", admin(s.handleTestStrategy))
	mux.Handle("GET "+apiPrefix+"/admin/strategies/{id}/stats", admin(s.handleStrategyStats))

	// Admin mounts and assignments
	mux.Handle("GET "+apiPrefix+"/admin/mounts", admin(s.handleListMounts))
	mux.Handle("POST "+apiPrefix+"/admin/mounts", admin(s.handleCreateMount))
	mux.Handle("PUT "+apiPrefix+"/admin/mounts/{id}", admin(s.handleUpdateMount))
	mux.Handle("DELETE "+apiPrefix+"/admin/mounts/{id}", admin(s.handleDeleteMount))
	mux.Handle("GET "+apiPrefix+"/admin/users/{id}/storage", admin(s.handleGetAssignment))
	mux.Handle("PUT "+apiPrefix+"/admin/users/{id}/storage", admin(s.handleAssignUser))
	mux.Handle("POST "+apiPrefix+"/admin/users/{id}/seed", admin(s.handleSeedUser))
	mux.Handle("PUT "+apiPrefix+"/admin/roles/{role}/storage", admin(s.handleSetRoleDefault))

	// Admin quotas
	mux.Handle("GET "+apiPrefix+"/admin/quotas/{userID}", admin(s.handleGetQuota))
	mux.Handle("PUT "+apiPrefix+"/admin/quotas/{userID}", admin(s.handleSetQuota))

	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := protocol.HealthResponse{Status: "ok", Strategies: make(map[string]string)}
	for _, e := range s.registry.Entries() {
		switch {
		case e.Err != nil:
			resp.Strategies[e.Strategy.ID] = "unavailable"
			resp.Status = "degraded"
		case !e.Strategy.IsActive:
			resp.Strategies[e.Strategy.ID] = "inactive"
		default:
			resp.Strategies[e.Strategy.ID] = "ok"
		}
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// baseURL is the externally visible origin of the API.
func (s *Server) baseURL(r *http.Request) string {
	if s.cfg.PublicBaseURL != "" {
		return s.cfg.PublicBaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}

// deliver writes content resolved by the facade: a 302 to the native URL or
// a proxied stream. The stream copy stops when the client goes away.
func (s *Server) deliver(w http.ResponseWriter, r *http.Request, a *files.Access) {
	desc := a.Descriptor
	defer desc.Close()

	if desc.Kind == storage.AccessRedirect {
		metrics.RecordContentDownload("redirect", 0, true)
		http.Redirect(w, r, desc.URL, http.StatusFound)
		return
	}

	contentType := a.File.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.File.OriginalName}))
	if desc.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(desc.Size, 10))
	}
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, storage.WithContext(r.Context(), desc.Stream))
	if err != nil {
		logging.WithContext(r.Context()).Warn("content transfer error",
			zap.String("file_id", a.File.ID), zap.Int64("bytes", n), zap.Error(err))
	}
	metrics.RecordContentDownload("proxy", n, err == nil)
}

func wantsProxy(r *http.Request) bool {
	v := strings.ToLower(r.URL.Query().Get("proxy"))
	return v == "1" || v == "true"
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFrom(r.Context())
	return p
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", name)
	}
	return nil
}
