// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/filevault/filevault/internal/account"
	"github.com/filevault/filevault/internal/config"
	"github.com/filevault/filevault/internal/events"
	"github.com/filevault/filevault/internal/logging"
	"github.com/filevault/filevault/internal/metadata/postgres"
	"github.com/filevault/filevault/internal/metrics"
	"github.com/filevault/filevault/internal/signing"
	"github.com/filevault/filevault/internal/storage"
	"github.com/filevault/filevault/internal/tasks"
	"github.com/filevault/filevault/internal/thumbs"
	"github.com/filevault/filevault/internal/upload"
)

// Server is the HTTP server.
type Server struct {
	metadata    *postgres.Store
	accounts    *account.Store
	settings    *account.SettingsStore
	manager     *storage.Manager
	sessions    *upload.Store
	queue       *tasks.Queue
	signer      *signing.Signer
	thumbs      *thumbs.Generator
	broadcaster *events.Broadcaster
	config      *config.Config

	keyHashes [][]byte
}

// NewServer creates a new server.
func NewServer(
	metadata *postgres.Store,
	accounts *account.Store,
	settings *account.SettingsStore,
	manager *storage.Manager,
	sessions *upload.Store,
	queue *tasks.Queue,
	signer *signing.Signer,
	gen *thumbs.Generator,
	broadcaster *events.Broadcaster,
	cfg *config.Config,
) *Server {
	s := &Server{
		metadata:    metadata,
		accounts:    accounts,
		settings:    settings,
		manager:     manager,
		sessions:    sessions,
		queue:       queue,
		signer:      signer,
		thumbs:      gen,
		broadcaster: broadcaster,
		config:      cfg,
	}
	for _, h := range strings.Split(cfg.APIKeyHashes, ",") {
		if h = strings.TrimSpace(h); h != "" {
			s.keyHashes = append(s.keyHashes, []byte(h))
		}
	}
	return s
}

// Handler returns the HTTP handler with auth, logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Signed-URL endpoints: the token is the credential
	mux.HandleFunc("GET /files/{id}/stream", s.handleSignedStream)

	// Protected endpoints
	protected := http.NewServeMux()

	// Chunked upload endpoints
	protected.HandleFunc("POST /api/v1/uploads", s.handleInitUpload)
	protected.HandleFunc("PUT /api/v1/uploads/{uploadId}/chunks/{chunkIndex}", s.handleUploadChunk)
	protected.HandleFunc("POST /api/v1/uploads/{uploadId}/complete", s.handleCompleteUpload)
	protected.HandleFunc("GET /api/v1/uploads/{uploadId}", s.handleUploadStatus)
	protected.HandleFunc("DELETE /api/v1/uploads/{uploadId}", s.handleAbortUpload)

	// Account endpoints
	protected.HandleFunc("GET /api/v1/accounts", s.handleListAccounts)
	protected.HandleFunc("POST /api/v1/accounts/{id}/activate", s.handleActivateAccount)
	protected.HandleFunc("POST /api/v1/accounts/local/activate", s.handleActivateLocal)
	protected.HandleFunc("PUT /api/v1/accounts/onedrive", s.handleConfigureOneDrive)
	protected.HandleFunc("DELETE /api/v1/accounts/{id}", s.handleDeleteAccount)

	// Download task endpoints
	protected.HandleFunc("POST /api/v1/tasks", s.handleEnqueueTask)
	protected.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	protected.HandleFunc("GET /api/v1/tasks/{id}", s.handleTaskStatus)

	// File endpoints
	protected.HandleFunc("GET /api/v1/files", s.handleListFiles)
	protected.HandleFunc("GET /api/v1/files/{id}/link", s.handleFileLink)
	protected.HandleFunc("POST /api/v1/files/{id}/share", s.handleCreateShareLink)
	protected.HandleFunc("DELETE /api/v1/files/{id}", s.handleDeleteFile)

	// Settings endpoints
	protected.HandleFunc("GET /api/v1/settings/{key}", s.handleGetSetting)
	protected.HandleFunc("PUT /api/v1/settings/{key}", s.handleSetSetting)

	// SSE endpoint
	protected.HandleFunc("GET /api/v1/events", s.handleEvents)

	mux.Handle("/api/v1/", s.authMiddleware(protected))

	return metrics.Middleware(logging.Middleware(mux))
}

// authMiddleware checks the X-API-Key header against the configured bcrypt
// hashes. An empty hash list disables the check (single-user deployments
// behind a trusted network).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.keyHashes) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			s.sendError(w, http.StatusUnauthorized, "API key required")
			return
		}
		for _, hash := range s.keyHashes {
			if bcrypt.CompareHashAndPassword(hash, []byte(key)) == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		s.sendError(w, http.StatusUnauthorized, "invalid API key")
	})
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": "1.0"})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
