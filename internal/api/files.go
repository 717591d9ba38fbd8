package api

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path"

	"github.com/fireflycloud/fireflycloud/internal/files"
	"github.com/fireflycloud/fireflycloud/internal/protocol"
	"github.com/fireflycloud/fireflycloud/internal/retry"
)

const multipartMemory = 32 << 20

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxUploadSize > 0 {
		if r.ContentLength > s.cfg.MaxUploadSize {
			s.sendError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file too large: max %d bytes", s.cfg.MaxUploadSize))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file too large: max %d bytes", tooLarge.Limit))
			return
		}
		s.sendError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "file field required")
		return
	}
	defer file.Close()

	logicalPath := r.FormValue("path")
	if logicalPath == "" {
		logicalPath = "/" + header.Filename
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(path.Ext(logicalPath)); byExt != "" {
			mimeType = byExt
		}
	}

	rec, err := s.files.Store(r.Context(), principal(r), logicalPath, file, header.Size, mimeType)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	recs, err := s.files.ListFiles(r.Context(), principal(r).UserID)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.FileListResponse{Files: recs})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	rec, err := s.files.GetOwned(r.Context(), r.PathValue("id"), principal(r).UserID)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, rec)
}

// handleContent serves a file directly to its owner.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	id, userID := r.PathValue("id"), principal(r).UserID
	opts := files.Options{ForceProxy: wantsProxy(r)}
	a, err := retry.DoWithResult(r.Context(), s.retry, func() (*files.Access, error) {
		return s.files.AccessFile(r.Context(), id, userID, opts)
	})
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.deliver(w, r, a)
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	tok, err := s.tokens.Issue(r.Context(), r.PathValue("id"), principal(r).UserID, 0, 0)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.DownloadTokenResponse{
		Token:     tok.Token,
		URL:       s.baseURL(r) + apiPrefix + "/files/download/" + tok.Token,
		ExpiresAt: tok.ExpiresAt,
		MaxUsage:  tok.MaxUsage,
	})
}

// fileAction dispatches GET /files/{id}/{action}. An id of "download"
// means the action segment is a download token, redeemed without login.
func (s *Server) fileAction(authed func(http.HandlerFunc) http.Handler) http.Handler {
	content := authed(s.handleContent)
	issue := authed(s.handleIssueToken)
	direct := authed(s.handleDirectLink)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "download" {
			s.handleRedeemToken(w, r, r.PathValue("action"))
			return
		}
		switch r.PathValue("action") {
		case "content":
			content.ServeHTTP(w, r)
		case "download":
			issue.ServeHTTP(w, r)
		case "direct-link":
			direct.ServeHTTP(w, r)
		default:
			s.sendError(w, http.StatusNotFound, "not found")
		}
	})
}

// handleRedeemToken consumes one use of a download token. It is not retried:
// every attempt would consume another use.
func (s *Server) handleRedeemToken(w http.ResponseWriter, r *http.Request, token string) {
	a, err := s.tokens.Redeem(r.Context(), token, files.Options{ForceProxy: wantsProxy(r)})
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.deliver(w, r, a)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id, userID := r.PathValue("id"), principal(r).UserID
	err := retry.Do(r.Context(), s.retry, func() error {
		return s.files.DeleteFile(r.Context(), id, userID)
	})
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
