package upload

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), 24*time.Hour)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestInitValidation(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Init("", 3, "video/mp4", 300, ""); err == nil {
		t.Error("expected error for empty filename")
	}
	if _, err := s.Init("a.bin", 0, "", 10, ""); err == nil {
		t.Error("expected error for totalChunks=0")
	}
	if _, err := s.Init("a.bin", -1, "", 10, ""); err == nil {
		t.Error("expected error for negative totalChunks")
	}
}

func TestChunkedUploadLifecycle(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Init("video.mp4", 3, "video/mp4", 300, "")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	chunk := func(b byte) *bytes.Reader {
		return bytes.NewReader(bytes.Repeat([]byte{b}, 100))
	}

	// One chunk in: 33% progress and completion refused.
	if err := s.AcceptChunk(id, 0, chunk('a')); err != nil {
		t.Fatalf("AcceptChunk(0): %v", err)
	}
	st, err := s.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.ReceivedCount != 1 || st.ProgressPercent != 33 {
		t.Errorf("status after 1 chunk = %d/%d%%, want 1/33%%", st.ReceivedCount, st.ProgressPercent)
	}

	if _, err := s.Complete(id); err == nil {
		t.Fatal("Complete succeeded with missing chunks")
	} else {
		var inc *IncompleteError
		if !errors.As(err, &inc) {
			t.Fatalf("Complete error = %v, want IncompleteError", err)
		}
		if inc.Received != 1 || inc.Total != 3 {
			t.Errorf("IncompleteError = %d/%d, want 1/3", inc.Received, inc.Total)
		}
	}

	// Remaining chunks out of order.
	if err := s.AcceptChunk(id, 2, chunk('c')); err != nil {
		t.Fatalf("AcceptChunk(2): %v", err)
	}
	if err := s.AcceptChunk(id, 1, chunk('b')); err != nil {
		t.Fatalf("AcceptChunk(1): %v", err)
	}

	assembled, err := s.Complete(id)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	data, err := os.ReadFile(assembled)
	if err != nil {
		t.Fatalf("read assembled file: %v", err)
	}
	if len(data) != 300 {
		t.Fatalf("assembled size = %d, want 300", len(data))
	}
	want := strings.Repeat("a", 100) + strings.Repeat("b", 100) + strings.Repeat("c", 100)
	if string(data) != want {
		t.Error("assembled content not in index order")
	}

	// Session and scratch dir are gone.
	if _, err := s.Status(id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Status after Complete = %v, want ErrSessionNotFound", err)
	}
	if _, err := os.Stat(filepath.Join(s.dir, id)); !os.IsNotExist(err) {
		t.Error("scratch dir still present after Complete")
	}
}

func TestAcceptChunkIdempotent(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Init("doc.pdf", 2, "application/pdf", 8, "")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := s.AcceptChunk(id, 0, strings.NewReader("aaaa")); err != nil {
			t.Fatalf("AcceptChunk attempt %d: %v", i, err)
		}
	}

	st, _ := s.Status(id)
	if st.ReceivedCount != 1 {
		t.Errorf("ReceivedCount after resends = %d, want 1", st.ReceivedCount)
	}

	if err := s.AcceptChunk(id, 1, strings.NewReader("bbbb")); err != nil {
		t.Fatalf("AcceptChunk(1): %v", err)
	}
	assembled, err := s.Complete(id)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	data, _ := os.ReadFile(assembled)
	if string(data) != "aaaabbbb" {
		t.Errorf("assembled = %q, want aaaabbbb", data)
	}
}

func TestAcceptChunkErrors(t *testing.T) {
	s := newTestStore(t)

	if err := s.AcceptChunk("nope", 0, strings.NewReader("x")); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown session error = %v, want ErrSessionNotFound", err)
	}

	id, _ := s.Init("a.bin", 2, "", 2, "")
	if err := s.AcceptChunk(id, 2, strings.NewReader("x")); err == nil {
		t.Error("expected error for out-of-range index")
	}
	if err := s.AcceptChunk(id, -1, strings.NewReader("x")); err == nil {
		t.Error("expected error for negative index")
	}
}

func TestCancelIdempotent(t *testing.T) {
	s := newTestStore(t)

	id, _ := s.Init("a.bin", 1, "", 1, "")
	if err := s.AcceptChunk(id, 0, strings.NewReader("x")); err != nil {
		t.Fatalf("AcceptChunk: %v", err)
	}

	s.Cancel(id)
	s.Cancel(id) // second cancel is a no-op

	if _, err := s.Status(id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Status after Cancel = %v, want ErrSessionNotFound", err)
	}
	if _, err := os.Stat(filepath.Join(s.dir, id)); !os.IsNotExist(err) {
		t.Error("scratch dir still present after Cancel")
	}
}

func TestReapExpiredSessions(t *testing.T) {
	s := newTestStore(t)

	oldID, _ := s.Init("old.bin", 1, "", 1, "")
	freshID, _ := s.Init("fresh.bin", 1, "", 1, "")

	s.mu.Lock()
	s.sessions[oldID].CreatedAt = time.Now().Add(-25 * time.Hour)
	s.mu.Unlock()

	s.reap()

	if _, err := s.Status(oldID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expired session survived reap: %v", err)
	}
	if _, err := s.Status(freshID); err != nil {
		t.Errorf("fresh session reaped: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.dir, oldID)); !os.IsNotExist(err) {
		t.Error("expired scratch dir survived reap")
	}
}

func TestReapOrphanedScratchDirs(t *testing.T) {
	s := newTestStore(t)

	orphan := filepath.Join(s.dir, "leftover-from-crash")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatalf("mkdir orphan: %v", err)
	}
	past := time.Now().Add(-25 * time.Hour)
	if err := os.Chtimes(orphan, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	s.reap()

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphaned scratch dir survived reap")
	}
}
