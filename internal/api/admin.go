package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/fireflycloud/fireflycloud/internal/logging"
	"github.com/fireflycloud/fireflycloud/internal/models"
	"github.com/fireflycloud/fireflycloud/internal/mounts"
	"github.com/fireflycloud/fireflycloud/internal/protocol"
	"github.com/fireflycloud/fireflycloud/internal/retry"
	"github.com/fireflycloud/fireflycloud/internal/storage"
	"github.com/fireflycloud/fireflycloud/internal/storage/backends"
)

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// strategyView redacts a strategy's secrets and attaches the state of its
// constructed backend.
func (s *Server) strategyView(st models.StorageStrategy) protocol.StrategyResponse {
	st.Config = datatypes.JSONMap(backends.Redact(st.Type, map[string]any(st.Config)))
	resp := protocol.StrategyResponse{StorageStrategy: st}
	if _, err := s.registry.Get(st.ID); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Available = true
	}
	return resp
}

// handleListStrategies lists every strategy, or with ?type= only the active
// and healthy ones of that kind.
func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	if kind := r.URL.Query().Get("type"); kind != "" {
		entries := s.registry.ActiveOfType(models.StrategyType(kind))
		resp := protocol.StrategyListResponse{Strategies: make([]protocol.StrategyResponse, 0, len(entries))}
		for _, e := range entries {
			resp.Strategies = append(resp.Strategies, s.strategyView(e.Strategy))
		}
		s.sendJSON(w, http.StatusOK, resp)
		return
	}

	rows, err := s.strategies.List(r.Context())
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	resp := protocol.StrategyListResponse{Strategies: make([]protocol.StrategyResponse, 0, len(rows))}
	for _, row := range rows {
		resp.Strategies = append(resp.Strategies, s.strategyView(row))
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	row, err := s.strategies.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, s.strategyView(*row))
}

func (s *Server) handleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	var req protocol.StrategyRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := requireField("id", req.ID); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := requireField("name", req.Name); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Config == nil {
		req.Config = map[string]any{}
	}
	if err := backends.Validate(req.Type, req.Config); err != nil {
		s.sendErr(w, r, err)
		return
	}
	if _, err := s.strategies.Get(r.Context(), req.ID); err == nil {
		s.sendErr(w, r, fmt.Errorf("%w: %s", errStrategyExists, req.ID))
		return
	} else if !errors.Is(err, storage.ErrStrategyNotFound) {
		s.sendErr(w, r, err)
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	row := &models.StorageStrategy{
		ID:       req.ID,
		Name:     req.Name,
		Type:     req.Type,
		Config:   datatypes.JSONMap(req.Config),
		IsActive: active,
	}
	if err := s.strategies.Create(r.Context(), row); err != nil {
		s.sendErr(w, r, err)
		return
	}
	// A backend that fails to build stays registered as unavailable; the
	// response reports why.
	_ = s.registry.Reconfigure(r.Context(), row.ID)
	logging.WithContext(r.Context()).Info("storage strategy created",
		zap.String("strategy_id", row.ID), zap.String("type", string(row.Type)))
	s.sendJSON(w, http.StatusCreated, s.strategyView(*row))
}

func (s *Server) handleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	current, err := s.strategies.Get(r.Context(), id)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	var req protocol.StrategyRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Type != "" && req.Type != current.Type {
		s.sendError(w, http.StatusBadRequest, "strategy type cannot be changed")
		return
	}

	update := storage.StrategyUpdate{IsActive: req.IsActive}
	if req.Name != "" {
		update.Name = &req.Name
	}
	if req.Config != nil {
		merged := backends.MergeSecrets(current.Type, map[string]any(current.Config), req.Config)
		if err := backends.Validate(current.Type, merged); err != nil {
			s.sendErr(w, r, err)
			return
		}
		update.Config = merged
	}

	row, err := s.strategies.Update(r.Context(), id, update)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	_ = s.registry.Reconfigure(r.Context(), id)
	s.stats.Invalidate(id)
	logging.WithContext(r.Context()).Info("storage strategy updated",
		zap.String("strategy_id", id), zap.Int64("version", row.Version))
	s.sendJSON(w, http.StatusOK, s.strategyView(*row))
}

func (s *Server) handleDeleteStrategy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.strategies.Delete(r.Context(), id); err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.registry.Remove(id)
	s.stats.Invalidate(id)
	logging.WithContext(r.Context()).Info("storage strategy deleted", zap.String("strategy_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTestStrategy(w http.ResponseWriter, r *http.Request) {
	entry, err := s.registry.Get(r.PathValue("id"))
	if errors.Is(err, storage.ErrStrategyNotFound) {
		s.sendErr(w, r, err)
		return
	}
	if err != nil {
		s.sendJSON(w, http.StatusOK, protocol.StrategyTestResponse{OK: false, Error: err.Error()})
		return
	}
	prober, ok := storage.Unwrap(entry.Backend).(storage.Prober)
	if !ok {
		s.sendJSON(w, http.StatusOK, protocol.StrategyTestResponse{OK: true})
		return
	}

	start := time.Now()
	err = retry.Do(r.Context(), s.retry, func() error {
		return prober.Probe(r.Context())
	})
	resp := protocol.StrategyTestResponse{OK: err == nil, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		resp.Error = err.Error()
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStrategyStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.strategies.Get(r.Context(), id); err != nil {
		s.sendErr(w, r, err)
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	resp := protocol.StrategyStatsResponse{StrategyID: id}
	usage, err := s.stats.Usage(r.Context(), id, force)
	switch {
	case err == nil:
		resp.Backend = usage
	case errors.Is(err, storage.ErrStatsUnsupported):
	default:
		s.sendErr(w, r, err)
		return
	}
	resp.RecordCount, resp.RecordBytes, err = s.strategies.RecordStats(r.Context(), id)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListMounts(w http.ResponseWriter, r *http.Request) {
	list, err := s.mounts.ListMounts(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.MountListResponse{Mounts: list})
}

func (s *Server) handleCreateMount(w http.ResponseWriter, r *http.Request) {
	var req protocol.MountRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.FolderPath == nil || req.StrategyID == nil {
		s.sendError(w, http.StatusBadRequest, "user_id, folder_path and strategy_id are required")
		return
	}
	in := mounts.NewMount{
		UserID:     req.UserID,
		FolderPath: *req.FolderPath,
		StrategyID: *req.StrategyID,
		Enabled:    true,
	}
	if req.BackendPath != nil {
		in.BackendPath = *req.BackendPath
	}
	if req.Enabled != nil {
		in.Enabled = *req.Enabled
	}
	m, err := s.mounts.CreateMount(r.Context(), in)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, m)
}

func (s *Server) handleUpdateMount(w http.ResponseWriter, r *http.Request) {
	var req protocol.MountRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := s.mounts.UpdateMount(r.Context(), r.PathValue("id"), mounts.MountUpdate{
		FolderPath:  req.FolderPath,
		StrategyID:  req.StrategyID,
		BackendPath: req.BackendPath,
		Enabled:     req.Enabled,
	})
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteMount(w http.ResponseWriter, r *http.Request) {
	if err := s.mounts.DeleteMount(r.Context(), r.PathValue("id")); err != nil {
		s.sendErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	a, err := s.mounts.GetAssignment(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, a)
}

func (s *Server) handleAssignUser(w http.ResponseWriter, r *http.Request) {
	var req protocol.AssignmentRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := requireField("strategy_id", req.StrategyID); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := s.mounts.AssignUser(r.Context(), r.PathValue("id"), req.StrategyID, req.UserFolder)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, a)
}

func (s *Server) handleSetRoleDefault(w http.ResponseWriter, r *http.Request) {
	var req protocol.AssignmentRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := requireField("strategy_id", req.StrategyID); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := s.mounts.SetRoleDefault(r.Context(), models.Role(r.PathValue("role")), req.StrategyID)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, d)
}

func (s *Server) handleSeedUser(w http.ResponseWriter, r *http.Request) {
	var req protocol.SeedRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Role.Valid() {
		s.sendErr(w, r, fmt.Errorf("%w: %q", mounts.ErrInvalidRole, req.Role))
		return
	}
	a, created, err := s.mounts.SeedUser(r.Context(), r.PathValue("id"), req.Role)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	s.sendJSON(w, code, protocol.SeedResponse{Assignment: *a, Created: created})
}

func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	q, err := s.quotas.GetQuota(r.Context(), r.PathValue("userID"))
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, q)
}

func (s *Server) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	var q models.UserQuota
	if err := decodeBody(r, &q); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.MaxStorageBytes < 0 || q.MaxUploadSizeBytes < 0 || q.MaxRequestsPerMin < 0 {
		s.sendError(w, http.StatusBadRequest, "quota limits must not be negative")
		return
	}
	q.UserID = r.PathValue("userID")
	if err := s.quotas.SetQuota(r.Context(), &q); err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, q)
}
