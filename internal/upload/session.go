// Package upload manages chunked upload sessions: per-session scratch
// directories of chunk files, reassembly on completion, and TTL-based
// reaping of abandoned sessions.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/filevault/filevault/internal/logging"
	"github.com/filevault/filevault/internal/metrics"
)

// ErrSessionNotFound is returned for unknown or expired upload IDs.
var ErrSessionNotFound = errors.New("upload session not found")

// IncompleteError is returned by Complete when chunks are missing.
type IncompleteError struct {
	Received int
	Total    int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("incomplete upload: received %d/%d chunks", e.Received, e.Total)
}

// Session is the bookkeeping for one chunked upload.
type Session struct {
	ID          string
	Filename    string
	TotalChunks int
	MimeType    string
	TotalSize   int64
	Folder      string
	CreatedAt   time.Time

	received map[int]struct{}
}

// Status is the progress view of a session.
type Status struct {
	Filename        string `json:"filename"`
	TotalChunks     int    `json:"totalChunks"`
	ReceivedCount   int    `json:"receivedCount"`
	ProgressPercent int    `json:"progressPercent"`
}

// Store holds all open upload sessions. Sessions live in memory only; a
// restart loses them and the reaper collects their scratch directories.
type Store struct {
	mu       sync.Mutex
	dir      string
	ttl      time.Duration
	sessions map[string]*Session
}

// NewStore creates a session store with scratch space under dir.
func NewStore(dir string, ttl time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk dir %s: %w", dir, err)
	}
	return &Store{
		dir:      dir,
		ttl:      ttl,
		sessions: make(map[string]*Session),
	}, nil
}

func (s *Store) scratchDir(uploadID string) string {
	return filepath.Join(s.dir, uploadID)
}

func chunkFile(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("chunk_%d", index))
}

// Init allocates a session and its scratch directory, returning the upload ID.
func (s *Store) Init(filename string, totalChunks int, mimeType string, totalSize int64, folder string) (string, error) {
	if filename == "" {
		return "", fmt.Errorf("filename is required")
	}
	if totalChunks < 1 {
		return "", fmt.Errorf("totalChunks must be >= 1, got %d", totalChunks)
	}

	uploadID := uuid.NewString()
	if err := os.MkdirAll(s.scratchDir(uploadID), 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}

	sess := &Session{
		ID:          uploadID,
		Filename:    filename,
		TotalChunks: totalChunks,
		MimeType:    mimeType,
		TotalSize:   totalSize,
		Folder:      folder,
		CreatedAt:   time.Now(),
		received:    make(map[int]struct{}, totalChunks),
	}

	s.mu.Lock()
	s.sessions[uploadID] = sess
	count := len(s.sessions)
	s.mu.Unlock()

	metrics.SetActiveUploadSessions(count)
	logging.Info("chunked upload initiated",
		zap.String("upload_id", uploadID),
		zap.String("filename", filename),
		zap.Int64("size", totalSize),
		zap.Int("chunks", totalChunks))
	return uploadID, nil
}

// AcceptChunk writes one chunk to the scratch directory and records its
// index. Re-sending an index overwrites the chunk file and counts once.
func (s *Store) AcceptChunk(uploadID string, index int, r io.Reader) error {
	s.mu.Lock()
	sess, ok := s.sessions[uploadID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", uploadID, ErrSessionNotFound)
	}
	total := sess.TotalChunks
	s.mu.Unlock()

	if index < 0 || index >= total {
		return fmt.Errorf("chunk index %d out of range [0,%d)", index, total)
	}

	path := chunkFile(s.scratchDir(uploadID), index)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create chunk file: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("write chunk %d: %w", index, err)
	}

	s.mu.Lock()
	// The session may have been cancelled or reaped while the chunk was
	// being written; its scratch dir is gone then, nothing to record.
	if sess, ok := s.sessions[uploadID]; ok {
		sess.received[index] = struct{}{}
	}
	s.mu.Unlock()

	logging.Debug("chunk accepted",
		zap.String("upload_id", uploadID),
		zap.Int("index", index),
		zap.Int64("bytes", n))
	return nil
}

// Complete concatenates all chunks in index order into a single file,
// removes the session and its scratch directory, and returns the assembled
// path. The assembled file is the caller's to hand to a provider and delete.
func (s *Store) Complete(uploadID string) (string, error) {
	s.mu.Lock()
	sess, ok := s.sessions[uploadID]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%s: %w", uploadID, ErrSessionNotFound)
	}
	received := len(sess.received)
	total := sess.TotalChunks
	s.mu.Unlock()

	if received != total {
		return "", &IncompleteError{Received: received, Total: total}
	}

	scratch := s.scratchDir(uploadID)
	assembled := filepath.Join(s.dir, uploadID+".assembled")

	out, err := os.Create(assembled)
	if err != nil {
		return "", fmt.Errorf("create assembled file: %w", err)
	}

	var size int64
	for i := 0; i < total; i++ {
		in, err := os.Open(chunkFile(scratch, i))
		if err != nil {
			out.Close()
			os.Remove(assembled)
			return "", fmt.Errorf("open chunk %d: %w", i, err)
		}
		n, err := io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			os.Remove(assembled)
			return "", fmt.Errorf("append chunk %d: %w", i, err)
		}
		size += n
	}
	if err := out.Close(); err != nil {
		os.Remove(assembled)
		return "", fmt.Errorf("close assembled file: %w", err)
	}

	s.mu.Lock()
	delete(s.sessions, uploadID)
	count := len(s.sessions)
	s.mu.Unlock()
	os.RemoveAll(scratch)

	metrics.SetActiveUploadSessions(count)
	metrics.RecordUpload(size, true)
	logging.Info("chunked upload assembled",
		zap.String("upload_id", uploadID),
		zap.String("filename", sess.Filename),
		zap.Int64("size", size))
	return assembled, nil
}

// Cancel removes a session and its scratch directory. Idempotent.
func (s *Store) Cancel(uploadID string) {
	s.mu.Lock()
	_, existed := s.sessions[uploadID]
	delete(s.sessions, uploadID)
	count := len(s.sessions)
	s.mu.Unlock()

	os.RemoveAll(s.scratchDir(uploadID))
	metrics.SetActiveUploadSessions(count)
	if existed {
		logging.Info("chunked upload cancelled", zap.String("upload_id", uploadID))
	}
}

// Status reports progress for a session.
func (s *Store) Status(uploadID string) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[uploadID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", uploadID, ErrSessionNotFound)
	}
	return &Status{
		Filename:        sess.Filename,
		TotalChunks:     sess.TotalChunks,
		ReceivedCount:   len(sess.received),
		ProgressPercent: len(sess.received) * 100 / sess.TotalChunks,
	}, nil
}

// Session returns a copy of a session's fixed fields, or nil if absent.
func (s *Store) Session(uploadID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[uploadID]
	if !ok {
		return nil
	}
	cp := *sess
	cp.received = nil
	return &cp
}

// StartReaper launches the background goroutine that drops sessions older
// than the TTL and sweeps scratch directories with no live session (left
// over from a crash).
func (s *Store) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reap()
			}
		}
	}()
}

func (s *Store) reap() {
	cutoff := time.Now().Add(-s.ttl)

	s.mu.Lock()
	var expired []string
	for id, sess := range s.sessions {
		if sess.CreatedAt.Before(cutoff) {
			expired = append(expired, id)
			delete(s.sessions, id)
		}
	}
	live := make(map[string]struct{}, len(s.sessions))
	for id := range s.sessions {
		live[id] = struct{}{}
	}
	count := len(s.sessions)
	s.mu.Unlock()

	for _, id := range expired {
		os.RemoveAll(s.scratchDir(id))
		logging.Info("reaped expired upload session", zap.String("upload_id", id))
	}

	// Orphaned scratch dirs from a previous process.
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, ok := live[e.Name()]; ok {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		os.RemoveAll(filepath.Join(s.dir, e.Name()))
		logging.Info("reaped orphaned scratch dir", zap.String("dir", e.Name()))
	}

	metrics.SetActiveUploadSessions(count)
}
