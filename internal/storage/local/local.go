// Package local provides the local-disk storage provider.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/filevault/filevault/internal/storage"
)

// Provider implements storage.Provider on the local filesystem.
type Provider struct {
	rootPath string
}

// New creates a local provider rooted at rootPath, creating it if needed.
func New(rootPath string) (*Provider, error) {
	if rootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}

	info, err := os.Stat(rootPath)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(rootPath, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", rootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", rootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", rootPath)
	}

	return &Provider{rootPath: rootPath}, nil
}

func (p *Provider) fullPath(storedPath string) string {
	return filepath.Join(p.rootPath, filepath.FromSlash(storedPath))
}

// SaveFile moves the temp file into the vault root. The stored name gets a
// short random suffix when desiredName is already taken. On any failure the
// source file is left in place for the caller to retry or clean up.
func (p *Provider) SaveFile(_ context.Context, localPath, desiredName, _ string) (string, error) {
	storedName := sanitizeName(desiredName)
	dest := p.fullPath(storedName)

	if _, err := os.Stat(dest); err == nil {
		storedName = uniqueName(storedName)
		dest = p.fullPath(storedName)
	}

	// Rename is atomic on the same filesystem; fall back to a copy through
	// a temp file when the scratch dir lives on another device.
	if err := os.Rename(localPath, dest); err == nil {
		return storedName, nil
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(p.rootPath, ".filevault-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp for %s: %w", storedName, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write %s: %w", storedName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close temp for %s: %w", storedName, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("rename temp to %s: %w", storedName, err)
	}

	// The copy succeeded; the source is now the caller's to delete.
	return storedName, nil
}

// GetFileStream opens a stored file for reading.
func (p *Provider) GetFileStream(_ context.Context, storedPath string) (io.ReadCloser, error) {
	f, err := os.Open(p.fullPath(storedPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", storedPath, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", storedPath, err)
	}
	return f, nil
}

// GetPreviewURL returns "" — local files have no direct link and are served
// through GetFileStream behind a signed URL minted by the API layer.
func (p *Provider) GetPreviewURL(_ context.Context, _ string) (string, error) {
	return "", nil
}

// DeleteFile removes a stored file.
func (p *Provider) DeleteFile(_ context.Context, storedPath string) error {
	err := os.Remove(p.fullPath(storedPath))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", storedPath, storage.ErrNotFound)
		}
		return fmt.Errorf("delete %s: %w", storedPath, err)
	}
	return nil
}

// Type returns "local".
func (p *Provider) Type() storage.ProviderType { return storage.TypeLocal }

// Close is a no-op for local providers.
func (p *Provider) Close() error { return nil }

// sanitizeName strips path components so a stored name can't escape the root.
func sanitizeName(name string) string {
	name = filepath.Base(filepath.Clean(name))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "unnamed"
	}
	return name
}

// uniqueName inserts a short random token before the extension.
func uniqueName(name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return base + "_" + uuid.NewString()[:8] + ext
}
