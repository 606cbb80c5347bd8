package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/filevault/filevault/internal/events"
	"github.com/filevault/filevault/internal/logging"
	"github.com/filevault/filevault/internal/metadata/postgres"
	"github.com/filevault/filevault/internal/thumbs"
	"github.com/filevault/filevault/internal/upload"
)

// maxChunkSize caps a single chunk body. Large files go through more chunks,
// not bigger ones.
const maxChunkSize = 64 << 20

// ─── Init Upload ────────────────────────────────────────────────────────────

type initUploadRequest struct {
	Filename    string `json:"filename"`
	TotalChunks int    `json:"totalChunks"`
	MimeType    string `json:"mimeType"`
	TotalSize   int64  `json:"totalSize"`
	Folder      string `json:"folder"`
}

type initUploadResponse struct {
	UploadID string `json:"uploadId"`
}

func (s *Server) handleInitUpload(w http.ResponseWriter, r *http.Request) {
	var req initUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Filename == "" || req.TotalChunks < 1 {
		s.sendError(w, http.StatusBadRequest, "filename and totalChunks are required")
		return
	}
	if req.MimeType == "" {
		req.MimeType = "application/octet-stream"
	}

	uploadID, err := s.sessions.Init(req.Filename, req.TotalChunks, req.MimeType, req.TotalSize, req.Folder)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.sendJSON(w, http.StatusCreated, initUploadResponse{UploadID: uploadID})
}

// ─── Upload Chunk ───────────────────────────────────────────────────────────

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("uploadId")
	index, err := strconv.Atoi(r.PathValue("chunkIndex"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid chunk index")
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxChunkSize)
	if err := s.sessions.AcceptChunk(uploadID, index, body); err != nil {
		switch {
		case errors.Is(err, upload.ErrSessionNotFound):
			s.sendError(w, http.StatusNotFound, "upload session not found")
		case strings.Contains(err.Error(), "out of range"):
			s.sendError(w, http.StatusBadRequest, err.Error())
		default:
			s.sendError(w, http.StatusInternalServerError, "failed to store chunk")
		}
		return
	}

	status, err := s.sessions.Status(uploadID)
	if err != nil {
		s.sendError(w, http.StatusNotFound, "upload session not found")
		return
	}
	s.sendJSON(w, http.StatusOK, status)
}

// ─── Complete Upload ────────────────────────────────────────────────────────

type completeUploadResponse struct {
	FileID     int64  `json:"fileId"`
	Name       string `json:"name"`
	StoredPath string `json:"storedPath"`
	Size       int64  `json:"size"`
}

func (s *Server) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("uploadId")

	sess := s.sessions.Session(uploadID)
	if sess == nil {
		s.sendError(w, http.StatusNotFound, "upload session not found")
		return
	}

	assembled, err := s.sessions.Complete(uploadID)
	if err != nil {
		var inc *upload.IncompleteError
		switch {
		case errors.As(err, &inc):
			s.sendError(w, http.StatusConflict, err.Error())
		case errors.Is(err, upload.ErrSessionNotFound):
			s.sendError(w, http.StatusNotFound, "upload session not found")
		default:
			s.sendError(w, http.StatusInternalServerError, "failed to assemble upload")
		}
		return
	}
	defer os.Remove(assembled)

	info, err := os.Stat(assembled)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to read assembled file")
		return
	}

	ctx := r.Context()
	provider, err := s.manager.GetProvider(ctx)
	if err != nil {
		s.sendError(w, http.StatusServiceUnavailable, "storage provider unavailable: "+err.Error())
		return
	}
	storedPath, err := provider.SaveFile(ctx, assembled, sess.Filename, sess.MimeType)
	if err != nil {
		s.sendError(w, http.StatusBadGateway, "failed to store file: "+err.Error())
		return
	}

	row := &postgres.FileRow{
		Name:       sess.Filename,
		StoredName: filepath.Base(storedPath),
		Type:       fileTypeOf(sess.MimeType),
		MimeType:   sess.MimeType,
		Size:       info.Size(),
		Path:       storedPath,
		Source:     "web",
	}
	if sess.Folder != "" {
		folder := sess.Folder
		row.Folder = &folder
	}
	if id := s.manager.GetActiveAccountID(); id != "" {
		row.StorageAccountID = &id
	}

	// The assembled file still exists until the deferred remove; thumbnail
	// from it rather than round-tripping through the provider.
	if s.thumbs != nil && thumbs.IsImage(sess.MimeType) {
		thumbPath, width, height, err := s.thumbs.Generate(assembled, row.StoredName)
		if err != nil {
			logging.Warn("thumbnail generation failed",
				zap.String("file", sess.Filename), zap.Error(err))
		} else {
			row.ThumbnailPath = &thumbPath
			row.Width = &width
			row.Height = &height
		}
	}

	fileID, err := s.metadata.InsertFile(ctx, row)
	if err != nil {
		if derr := provider.DeleteFile(ctx, storedPath); derr != nil {
			logging.Warn("orphaned stored file after metadata failure",
				zap.String("path", storedPath), zap.Error(derr))
		}
		s.sendError(w, http.StatusInternalServerError, "failed to record file")
		return
	}

	s.broadcaster.Publish(events.Event{
		Type:   events.EventFileCreated,
		FileID: fileID,
		Name:   sess.Filename,
	})

	s.sendJSON(w, http.StatusCreated, completeUploadResponse{
		FileID:     fileID,
		Name:       sess.Filename,
		StoredPath: storedPath,
		Size:       info.Size(),
	})
}

// ─── Status / Abort ─────────────────────────────────────────────────────────

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.sessions.Status(r.PathValue("uploadId"))
	if err != nil {
		s.sendError(w, http.StatusNotFound, "upload session not found")
		return
	}
	s.sendJSON(w, http.StatusOK, status)
}

func (s *Server) handleAbortUpload(w http.ResponseWriter, r *http.Request) {
	s.sessions.Cancel(r.PathValue("uploadId"))
	w.WriteHeader(http.StatusNoContent)
}

func fileTypeOf(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	case strings.HasPrefix(mimeType, "text/"), mimeType == "application/pdf":
		return "document"
	default:
		return "file"
	}
}
