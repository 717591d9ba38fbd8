package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fireflycloud/fireflycloud/internal/files"
	"github.com/fireflycloud/fireflycloud/internal/logging"
	"github.com/fireflycloud/fireflycloud/internal/mounts"
	"github.com/fireflycloud/fireflycloud/internal/protocol"
	"github.com/fireflycloud/fireflycloud/internal/storage"
	"github.com/fireflycloud/fireflycloud/internal/tokens"
)

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, files.ErrFileNotFound),
		errors.Is(err, storage.ErrObjectNotFound),
		errors.Is(err, storage.ErrStrategyNotFound),
		errors.Is(err, tokens.ErrTokenNotFound),
		errors.Is(err, tokens.ErrShareNotFound),
		errors.Is(err, tokens.ErrDirectLinkNotFound),
		errors.Is(err, mounts.ErrMountNotFound),
		errors.Is(err, mounts.ErrAssignmentNotFound):
		return http.StatusNotFound

	case errors.Is(err, storage.ErrQuotaExceeded):
		return http.StatusPaymentRequired

	case errors.Is(err, storage.ErrInvalidPath),
		errors.Is(err, storage.ErrInvalidConfig),
		errors.Is(err, mounts.ErrInvalidRole),
		errors.Is(err, tokens.ErrInvalidShareOptions),
		errors.Is(err, tokens.ErrMalformedPickupCode):
		return http.StatusBadRequest

	case errors.Is(err, storage.ErrStrategyInactive),
		errors.Is(err, storage.ErrStrategyInUse),
		errors.Is(err, mounts.ErrMountConflict),
		errors.Is(err, tokens.ErrTokenExhausted),
		errors.Is(err, errStrategyExists):
		return http.StatusConflict

	case errors.Is(err, storage.ErrBackendUnavailable):
		return http.StatusBadGateway

	case errors.Is(err, tokens.ErrTokenExpired),
		errors.Is(err, tokens.ErrShareUnavailable):
		return http.StatusGone

	case errors.Is(err, tokens.ErrInvalidPickupCode),
		errors.Is(err, tokens.ErrDownloadForbidden),
		errors.Is(err, tokens.ErrDirectLinkDisabled):
		return http.StatusForbidden

	case errors.Is(err, tokens.ErrLoginRequired):
		return http.StatusUnauthorized

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout

	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// sendErr writes err with the status statusFor picks. Unclassified errors
// are logged and answered without their details.
func (s *Server) sendErr(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
		s.sendError(w, code, "internal server error")
		return
	}
	if code == http.StatusBadGateway {
		logging.WithContext(r.Context()).Warn("storage backend unavailable",
			zap.String("path", r.URL.Path), zap.Error(err))
	}
	s.sendError(w, code, err.Error())
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
