package api

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/fireflycloud/fireflycloud/internal/files"
	"github.com/fireflycloud/fireflycloud/internal/metrics"
	"github.com/fireflycloud/fireflycloud/internal/models"
	"github.com/fireflycloud/fireflycloud/internal/protocol"
)

const defaultPickupLookupsPerMinute = 30

func (s *Server) directURL(r *http.Request, link *models.DirectLink) string {
	return s.baseURL(r) + apiPrefix + "/dl/" + url.PathEscape(link.DirectName) + "?token=" + url.QueryEscape(link.Token)
}

func (s *Server) directLinkResponse(r *http.Request, link *models.DirectLink) protocol.DirectLinkResponse {
	return protocol.DirectLinkResponse{DirectLink: *link, URL: s.directURL(r, link)}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handlePickup resolves a pickup code to its share. Codes are short, so
// lookups are limited per client address.
func (s *Server) handlePickup(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && s.cfg.PickupLookupsPerMinute > 0 {
		key, rpm := "pickup:"+clientIP(r), s.cfg.PickupLookupsPerMinute
		if !s.limiter.Allow(key, rpm) {
			metrics.RecordRateLimitHit()
			w.Header().Set("Retry-After", strconv.Itoa(s.limiter.RetryAfter(key, rpm)))
			s.sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}
	meta, err := s.tokens.LookupPickupCode(r.Context(), r.PathValue("code"))
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, meta)
}

// handleDirectLink returns the file's direct link, creating it on first use.
func (s *Server) handleDirectLink(w http.ResponseWriter, r *http.Request) {
	link, err := s.tokens.DirectLink(r.Context(), principal(r).UserID, r.PathValue("id"))
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, s.directLinkResponse(r, link))
}

func decodeEnabled(r *http.Request) (bool, bool) {
	var req protocol.SetEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		return false, false
	}
	return *req.Enabled, true
}

// handleSetFileDirectLink toggles the direct link of a file by file id.
func (s *Server) handleSetFileDirectLink(w http.ResponseWriter, r *http.Request) {
	enabled, ok := decodeEnabled(r)
	if !ok {
		s.sendError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	userID := principal(r).UserID
	link, err := s.tokens.DirectLink(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	if link, err = s.tokens.SetDirectLinkEnabled(r.Context(), userID, link.ID, enabled); err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, s.directLinkResponse(r, link))
}

func (s *Server) handleListDirectLinks(w http.ResponseWriter, r *http.Request) {
	links, err := s.tokens.ListDirectLinks(r.Context(), principal(r).UserID)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	resp := protocol.DirectLinkListResponse{DirectLinks: make([]protocol.DirectLinkResponse, 0, len(links))}
	for i := range links {
		resp.DirectLinks = append(resp.DirectLinks, s.directLinkResponse(r, &links[i]))
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetDirectLink(w http.ResponseWriter, r *http.Request) {
	enabled, ok := decodeEnabled(r)
	if !ok {
		s.sendError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	link, err := s.tokens.SetDirectLinkEnabled(r.Context(), principal(r).UserID, r.PathValue("id"), enabled)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, s.directLinkResponse(r, link))
}

func (s *Server) handleDeleteDirectLink(w http.ResponseWriter, r *http.Request) {
	if err := s.tokens.DeleteDirectLink(r.Context(), principal(r).UserID, r.PathValue("id")); err != nil {
		s.sendErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRedeemDirectLink serves a file through its permanent link. It is
// not retried because each attempt counts an access.
func (s *Server) handleRedeemDirectLink(w http.ResponseWriter, r *http.Request) {
	a, err := s.tokens.RedeemDirectLink(r.Context(), r.PathValue("name"), r.URL.Query().Get("token"),
		files.Options{ForceProxy: wantsProxy(r)})
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.deliver(w, r, a)
}
