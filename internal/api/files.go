package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/filevault/filevault/internal/events"
	"github.com/filevault/filevault/internal/logging"
	"github.com/filevault/filevault/internal/metadata/postgres"
	"github.com/filevault/filevault/internal/storage"
)

// providerKeyFor resolves the cache key owning a file: the local provider
// when the row has no account reference, the referenced account otherwise.
func (s *Server) providerKeyFor(r *http.Request, f *postgres.FileRow) (storage.Key, error) {
	if f.StorageAccountID == nil {
		return storage.LocalKey, nil
	}
	acct, err := s.accounts.Get(r.Context(), *f.StorageAccountID)
	if err != nil {
		return storage.Key{}, err
	}
	if acct == nil {
		return storage.Key{}, fmt.Errorf("account %s: %w", *f.StorageAccountID, storage.ErrNotConfigured)
	}
	return storage.Key{Type: acct.Type, AccountID: acct.ID}, nil
}

func (s *Server) fileFromPath(w http.ResponseWriter, r *http.Request) *postgres.FileRow {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid file id")
		return nil
	}
	f, err := s.metadata.GetFile(r.Context(), id)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to look up file")
		return nil
	}
	if f == nil {
		s.sendError(w, http.StatusNotFound, "file not found")
		return nil
	}
	return f
}

// ─── Listing ────────────────────────────────────────────────────────────────

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	files, err := s.metadata.ListFiles(r.Context(), r.URL.Query().Get("folder"), limit)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to list files")
		return
	}

	type fileInfo struct {
		ID        int64     `json:"id"`
		Name      string    `json:"name"`
		Type      string    `json:"type"`
		MimeType  string    `json:"mimeType"`
		Size      int64     `json:"size"`
		Folder    string    `json:"folder,omitempty"`
		HasThumb  bool      `json:"hasThumbnail"`
		Width     int       `json:"width,omitempty"`
		Height    int       `json:"height,omitempty"`
		Source    string    `json:"source"`
		CreatedAt time.Time `json:"createdAt"`
	}

	out := make([]fileInfo, 0, len(files))
	for _, f := range files {
		fi := fileInfo{
			ID: f.ID, Name: f.Name, Type: f.Type, MimeType: f.MimeType,
			Size: f.Size, Source: f.Source, CreatedAt: f.CreatedAt,
			HasThumb: f.ThumbnailPath != nil,
		}
		if f.Folder != nil {
			fi.Folder = *f.Folder
		}
		if f.Width != nil {
			fi.Width = *f.Width
		}
		if f.Height != nil {
			fi.Height = *f.Height
		}
		out = append(out, fi)
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"files": out})
}

// ─── Links ──────────────────────────────────────────────────────────────────

// handleFileLink returns a time-limited URL for one file: the provider's own
// preview URL when it has one, otherwise a signed streaming URL served by
// this process.
func (s *Server) handleFileLink(w http.ResponseWriter, r *http.Request) {
	f := s.fileFromPath(w, r)
	if f == nil {
		return
	}

	key, err := s.providerKeyFor(r, f)
	if err != nil {
		s.sendError(w, http.StatusConflict, "owning storage account is gone")
		return
	}
	provider, err := s.manager.GetProviderFor(r.Context(), key)
	if err != nil {
		s.sendError(w, http.StatusServiceUnavailable, "storage provider unavailable")
		return
	}

	url, err := provider.GetPreviewURL(r.Context(), f.Path)
	if err != nil {
		if errors.Is(err, storage.ErrAuthExpired) {
			s.sendError(w, http.StatusBadGateway, "storage account needs re-authorization")
			return
		}
		s.sendError(w, http.StatusBadGateway, "failed to build preview URL")
		return
	}

	if url == "" {
		token, err := s.signer.Sign(streamResource(f.ID))
		if err != nil {
			s.sendError(w, http.StatusInternalServerError, "failed to sign URL")
			return
		}
		url = fmt.Sprintf("/files/%d/stream?token=%s", f.ID, token)
	}

	s.sendJSON(w, http.StatusOK, map[string]any{
		"url":       url,
		"expiresIn": int(s.config.SignedURLTTL.Seconds()),
	})
}

func streamResource(fileID int64) string {
	return fmt.Sprintf("files/%d/stream", fileID)
}

// handleSignedStream serves file bytes to holders of a valid token. No API
// key: the token is the credential.
func (s *Server) handleSignedStream(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid file id")
		return
	}

	resource, err := s.signer.Verify(r.URL.Query().Get("token"))
	if err != nil || resource != streamResource(id) {
		s.sendError(w, http.StatusForbidden, "invalid or expired token")
		return
	}

	f, err := s.metadata.GetFile(r.Context(), id)
	if err != nil || f == nil {
		s.sendError(w, http.StatusNotFound, "file not found")
		return
	}
	key, err := s.providerKeyFor(r, f)
	if err != nil {
		s.sendError(w, http.StatusConflict, "owning storage account is gone")
		return
	}
	provider, err := s.manager.GetProviderFor(r.Context(), key)
	if err != nil {
		s.sendError(w, http.StatusServiceUnavailable, "storage provider unavailable")
		return
	}

	stream, err := provider.GetFileStream(r.Context(), f.Path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "file content not found")
			return
		}
		s.sendError(w, http.StatusBadGateway, "failed to open file stream")
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", f.MimeType)
	if f.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", f.Name))
	if _, err := io.Copy(w, stream); err != nil {
		logging.Debug("stream interrupted", zap.Int64("file_id", id), zap.Error(err))
	}
}

// ─── Share links ────────────────────────────────────────────────────────────

type shareLinkRequest struct {
	Password       string `json:"password"`
	ExpiresInHours int    `json:"expiresInHours"`
}

func (s *Server) handleCreateShareLink(w http.ResponseWriter, r *http.Request) {
	f := s.fileFromPath(w, r)
	if f == nil {
		return
	}

	var req shareLinkRequest
	if r.Body != nil {
		// Body is optional; an empty one means a plain non-expiring link.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			s.sendError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	key, err := s.providerKeyFor(r, f)
	if err != nil {
		s.sendError(w, http.StatusConflict, "owning storage account is gone")
		return
	}
	provider, err := s.manager.GetProviderFor(r.Context(), key)
	if err != nil {
		s.sendError(w, http.StatusServiceUnavailable, "storage provider unavailable")
		return
	}

	linker, ok := provider.(storage.ShareLinker)
	if !ok {
		s.sendError(w, http.StatusUnprocessableEntity,
			fmt.Sprintf("%s storage does not support share links", provider.Type()))
		return
	}

	var expiresIn time.Duration
	if req.ExpiresInHours > 0 {
		expiresIn = time.Duration(req.ExpiresInHours) * time.Hour
	}
	link, err := linker.CreateShareLink(r.Context(), f.Path, req.Password, expiresIn)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrShareUnsupported):
			s.sendError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, storage.ErrAuthExpired):
			s.sendError(w, http.StatusBadGateway, "storage account needs re-authorization")
		case errors.Is(err, storage.ErrNotFound):
			s.sendError(w, http.StatusNotFound, "file content not found")
		default:
			s.sendError(w, http.StatusBadGateway, "failed to create share link")
		}
		return
	}

	s.sendJSON(w, http.StatusCreated, link)
}

// ─── Delete ─────────────────────────────────────────────────────────────────

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	f := s.fileFromPath(w, r)
	if f == nil {
		return
	}

	key, err := s.providerKeyFor(r, f)
	if err == nil {
		provider, perr := s.manager.GetProviderFor(r.Context(), key)
		if perr == nil {
			if derr := provider.DeleteFile(r.Context(), f.Path); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
				s.sendError(w, http.StatusBadGateway, "failed to delete file content")
				return
			}
		} else {
			s.sendError(w, http.StatusServiceUnavailable, "storage provider unavailable")
			return
		}
	} else {
		// Orphaned row: the owning account is gone, the bytes are
		// unreachable. Drop the record.
		logging.Warn("deleting orphaned file record", zap.Int64("file_id", f.ID))
	}

	if f.ThumbnailPath != nil {
		os.Remove(*f.ThumbnailPath)
	}
	if err := s.metadata.DeleteFile(r.Context(), f.ID); err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to delete file record")
		return
	}

	s.broadcaster.Publish(events.Event{
		Type:   events.EventFileDeleted,
		FileID: f.ID,
		Name:   f.Name,
	})
	w.WriteHeader(http.StatusNoContent)
}
