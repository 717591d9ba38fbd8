package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fireflycloud/fireflycloud/internal/auth"
	"github.com/fireflycloud/fireflycloud/internal/files"
	"github.com/fireflycloud/fireflycloud/internal/protocol"
	"github.com/fireflycloud/fireflycloud/internal/tokens"
)

func (s *Server) shareURL(r *http.Request, token string) string {
	return s.baseURL(r) + apiPrefix + "/share/" + token
}

func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateShareRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.sendError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	opts := tokens.ShareOptions{
		GeneratePickupCode:  req.GeneratePickupCode,
		RequireLogin:        req.RequireLogin,
		Gatekeeper:          req.Gatekeeper,
		ExpiresAt:           req.ExpiresAt,
		CustomFileName:      req.CustomFileName,
		CustomFileExtension: req.CustomFileExtension,
		CustomFileSize:      req.CustomFileSize,
	}
	if req.ExpiresInSeconds > 0 {
		exp := time.Now().Add(time.Duration(req.ExpiresInSeconds) * time.Second)
		opts.ExpiresAt = &exp
	}

	share, code, err := s.tokens.CreateShare(r.Context(), principal(r).UserID, r.PathValue("id"), opts)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, protocol.ShareResponse{
		Share:      *share,
		URL:        s.shareURL(r, share.ShareToken),
		PickupCode: code,
	})
}

func (s *Server) handleListShares(w http.ResponseWriter, r *http.Request) {
	shares, err := s.tokens.ListShares(r.Context(), principal(r).UserID)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.ShareListResponse{Shares: shares})
}

func (s *Server) handleDisableShare(w http.ResponseWriter, r *http.Request) {
	if err := s.tokens.DisableShare(r.Context(), principal(r).UserID, r.PathValue("token")); err != nil {
		s.sendErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleShareInfo reports an unavailable share as not found so anonymous
// visitors cannot tell a disabled share from one that never existed.
func (s *Server) handleShareInfo(w http.ResponseWriter, r *http.Request) {
	meta, err := s.tokens.ShareInfo(r.Context(), r.PathValue("token"))
	if errors.Is(err, tokens.ErrShareUnavailable) {
		s.sendError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, meta)
}

func (s *Server) handleShareDownload(w http.ResponseWriter, r *http.Request) {
	var req protocol.ShareDownloadRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.sendError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	} else {
		req.PickupCode = r.FormValue("pickup_code")
	}

	_, authenticated := auth.PrincipalFrom(r.Context())
	a, err := s.tokens.RedeemShare(r.Context(), r.PathValue("token"), req.PickupCode, authenticated,
		files.Options{ForceProxy: wantsProxy(r)})
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.deliver(w, r, a)
}
