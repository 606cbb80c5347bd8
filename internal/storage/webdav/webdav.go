// Package webdav provides a WebDAV storage provider. WebDAV has no concept
// of a shareable URL, so previews always fall back to streaming.
package webdav

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/filevault/filevault/internal/metrics"
	"github.com/filevault/filevault/internal/storage"
)

// Provider implements storage.Provider against a WebDAV server.
type Provider struct {
	client   *http.Client
	baseURL  string
	rootPath string
	username string
	password string
}

// New creates a WebDAV provider from account credentials.
func New(creds storage.WebDAVCredentials) (*Provider, error) {
	if creds.BaseURL == "" {
		return nil, fmt.Errorf("base_url is required")
	}
	if _, err := url.Parse(creds.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base_url: %w", err)
	}

	return &Provider{
		client:   &http.Client{Timeout: 5 * time.Minute},
		baseURL:  strings.TrimSuffix(creds.BaseURL, "/"),
		rootPath: strings.Trim(creds.RootPath, "/"),
		username: creds.Username,
		password: creds.Password,
	}, nil
}

func (p *Provider) resourceURL(storedPath string) string {
	parts := []string{p.baseURL}
	if p.rootPath != "" {
		parts = append(parts, p.rootPath)
	}
	for _, seg := range strings.Split(storedPath, "/") {
		parts = append(parts, url.PathEscape(seg))
	}
	return strings.Join(parts, "/")
}

func (p *Provider) do(req *http.Request) (*http.Response, error) {
	if p.username != "" {
		req.SetBasicAuth(p.username, p.password)
	}
	return p.client.Do(req)
}

// SaveFile PUTs the local file under desiredName, creating the root
// collection first if the server does not have it yet.
func (p *Provider) SaveFile(ctx context.Context, localPath, desiredName, mimeType string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", localPath, err)
	}

	if p.rootPath != "" {
		p.ensureCollection(ctx)
	}

	storedPath := path.Base(desiredName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.resourceURL(storedPath), f)
	if err != nil {
		return "", err
	}
	req.ContentLength = info.Size()
	if mimeType != "" {
		req.Header.Set("Content-Type", mimeType)
	}

	start := time.Now()
	resp, err := p.do(req)
	if err != nil {
		metrics.RecordProviderOp("webdav", "save_file", time.Since(start), false)
		return "", fmt.Errorf("put %s: %w", storedPath, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		metrics.RecordProviderOp("webdav", "save_file", time.Since(start), false)
		return "", fmt.Errorf("put %s: server returned %s", storedPath, resp.Status)
	}

	metrics.RecordProviderOp("webdav", "save_file", time.Since(start), true)
	return storedPath, nil
}

// ensureCollection issues a MKCOL for the root path. 405 means it already
// exists, which is fine.
func (p *Provider) ensureCollection(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, "MKCOL",
		p.baseURL+"/"+p.rootPath, nil)
	if err != nil {
		return
	}
	resp, err := p.do(req)
	if err != nil {
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// GetFileStream GETs the stored file.
func (p *Provider) GetFileStream(ctx context.Context, storedPath string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.resourceURL(storedPath), nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", storedPath, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("%s: %w", storedPath, storage.ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("get %s: server returned %s", storedPath, resp.Status)
	}
	return resp.Body, nil
}

// GetPreviewURL returns "" — WebDAV resources need authentication, so the
// caller must stream instead.
func (p *Provider) GetPreviewURL(_ context.Context, _ string) (string, error) {
	return "", nil
}

// DeleteFile removes the stored file.
func (p *Provider) DeleteFile(ctx context.Context, storedPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.resourceURL(storedPath), nil)
	if err != nil {
		return err
	}

	resp, err := p.do(req)
	if err != nil {
		return fmt.Errorf("delete %s: %w", storedPath, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", storedPath, storage.ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("delete %s: server returned %s", storedPath, resp.Status)
	}
	return nil
}

// Type returns "webdav".
func (p *Provider) Type() storage.ProviderType { return storage.TypeWebDAV }

// Close is a no-op.
func (p *Provider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
