package webdav

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/filevault/filevault/internal/storage"
)

// davServer is a minimal in-memory WebDAV endpoint.
type davServer struct {
	mu    sync.Mutex
	files map[string][]byte
	mkcol []string
	auths []string
}

func newDavServer() *davServer {
	return &davServer{files: make(map[string][]byte)}
}

func (d *davServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if user, _, ok := r.BasicAuth(); ok {
		d.auths = append(d.auths, user)
	}

	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		d.files[r.URL.Path] = body
		w.WriteHeader(http.StatusCreated)
	case http.MethodGet:
		body, ok := d.files[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(body)
	case http.MethodDelete:
		if _, ok := d.files[r.URL.Path]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(d.files, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	case "MKCOL":
		d.mkcol = append(d.mkcol, r.URL.Path)
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestProvider(t *testing.T, d *davServer, rootPath string) *Provider {
	t.Helper()
	srv := httptest.NewServer(d)
	t.Cleanup(srv.Close)

	p, err := New(storage.WebDAVCredentials{
		BaseURL:  srv.URL,
		Username: "vault",
		Password: "secret",
		RootPath: rootPath,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.bin")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewValidation(t *testing.T) {
	if _, err := New(storage.WebDAVCredentials{}); err == nil {
		t.Error("expected error for empty base URL")
	}
}

func TestSaveGetDeleteRoundTrip(t *testing.T) {
	d := newDavServer()
	p := newTestProvider(t, d, "vault")
	ctx := context.Background()

	stored, err := p.SaveFile(ctx, writeTemp(t, "dav payload"), "report.pdf", "application/pdf")
	if err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	if stored != "report.pdf" {
		t.Errorf("stored path = %q, want report.pdf", stored)
	}
	if len(d.mkcol) == 0 || d.mkcol[0] != "/vault" {
		t.Errorf("MKCOL calls = %v, want [/vault]", d.mkcol)
	}

	rc, err := p.GetFileStream(ctx, stored)
	if err != nil {
		t.Fatalf("GetFileStream: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if string(body) != "dav payload" {
		t.Errorf("content = %q, want dav payload", body)
	}

	if err := p.DeleteFile(ctx, stored); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if _, err := p.GetFileStream(ctx, stored); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetFileStream after delete = %v, want ErrNotFound", err)
	}
}

func TestBasicAuthSent(t *testing.T) {
	d := newDavServer()
	p := newTestProvider(t, d, "")

	if _, err := p.SaveFile(context.Background(), writeTemp(t, "x"), "a.bin", ""); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	if len(d.auths) == 0 || d.auths[0] != "vault" {
		t.Errorf("basic auth users = %v, want [vault]", d.auths)
	}
}

func TestResourceURLEscaping(t *testing.T) {
	p, err := New(storage.WebDAVCredentials{BaseURL: "https://dav.example.com/remote.php", RootPath: "vault"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got := p.resourceURL("my file#1.txt")
	want := "https://dav.example.com/remote.php/vault/my%20file%231.txt"
	if got != want {
		t.Errorf("resourceURL = %q, want %q", got, want)
	}
}

func TestDeleteNotFound(t *testing.T) {
	p := newTestProvider(t, newDavServer(), "")

	err := p.DeleteFile(context.Background(), "ghost.bin")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("DeleteFile = %v, want ErrNotFound", err)
	}
}

func TestPreviewURLEmpty(t *testing.T) {
	p := newTestProvider(t, newDavServer(), "")

	url, err := p.GetPreviewURL(context.Background(), "anything")
	if err != nil || url != "" {
		t.Errorf("GetPreviewURL = (%q, %v), want empty, nil", url, err)
	}
}
