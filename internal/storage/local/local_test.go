package local

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/filevault/filevault/internal/storage"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "incoming.bin")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewValidation(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty root path")
	}

	file := writeTemp(t, "x")
	if _, err := New(file); err == nil {
		t.Error("expected error when root path is a file")
	}

	root := filepath.Join(t.TempDir(), "vault")
	if _, err := New(root); err != nil {
		t.Fatalf("New: %v", err)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		t.Error("root dir not created")
	}
}

func TestSaveAndStreamRoundTrip(t *testing.T) {
	p, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	src := writeTemp(t, "hello vault")
	stored, err := p.SaveFile(ctx, src, "greeting.txt", "text/plain")
	if err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	if stored != "greeting.txt" {
		t.Errorf("stored name = %q, want greeting.txt", stored)
	}

	// Source is consumed by the move.
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source file still present after save")
	}

	rc, err := p.GetFileStream(ctx, stored)
	if err != nil {
		t.Fatalf("GetFileStream: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if string(data) != "hello vault" {
		t.Errorf("content = %q, want hello vault", data)
	}
}

func TestSaveFileCollisionGetsSuffix(t *testing.T) {
	p, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	first, err := p.SaveFile(ctx, writeTemp(t, "one"), "photo.jpg", "image/jpeg")
	if err != nil {
		t.Fatalf("first SaveFile: %v", err)
	}
	second, err := p.SaveFile(ctx, writeTemp(t, "two"), "photo.jpg", "image/jpeg")
	if err != nil {
		t.Fatalf("second SaveFile: %v", err)
	}

	if second == first {
		t.Fatal("collision not resolved, both saves share a name")
	}
	if !strings.HasPrefix(second, "photo_") || !strings.HasSuffix(second, ".jpg") {
		t.Errorf("suffixed name = %q, want photo_<token>.jpg", second)
	}

	// Both files readable with their own content.
	for name, want := range map[string]string{first: "one", second: "two"} {
		rc, err := p.GetFileStream(ctx, name)
		if err != nil {
			t.Fatalf("GetFileStream(%s): %v", name, err)
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		if string(data) != want {
			t.Errorf("%s content = %q, want %q", name, data, want)
		}
	}
}

func TestSaveFileSanitizesName(t *testing.T) {
	root := t.TempDir()
	p, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stored, err := p.SaveFile(context.Background(), writeTemp(t, "x"), "../../etc/passwd", "")
	if err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	if stored != "passwd" {
		t.Errorf("stored name = %q, want passwd", stored)
	}
	if _, err := os.Stat(filepath.Join(root, "passwd")); err != nil {
		t.Error("sanitized file not inside the root")
	}
}

func TestGetFileStreamNotFound(t *testing.T) {
	p, _ := New(t.TempDir())

	_, err := p.GetFileStream(context.Background(), "missing.bin")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteFile(t *testing.T) {
	p, _ := New(t.TempDir())
	ctx := context.Background()

	stored, err := p.SaveFile(ctx, writeTemp(t, "bye"), "doomed.txt", "")
	if err != nil {
		t.Fatalf("SaveFile: %v", err)
	}

	if err := p.DeleteFile(ctx, stored); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if err := p.DeleteFile(ctx, stored); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}

func TestPreviewURLEmpty(t *testing.T) {
	p, _ := New(t.TempDir())

	url, err := p.GetPreviewURL(context.Background(), "anything")
	if err != nil {
		t.Fatalf("GetPreviewURL: %v", err)
	}
	if url != "" {
		t.Errorf("preview URL = %q, want empty", url)
	}
}
