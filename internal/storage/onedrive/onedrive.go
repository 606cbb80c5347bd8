// Package onedrive provides the OneDrive storage provider on the Microsoft
// Graph API. Access tokens are refreshed transparently from the stored
// refresh token; a rejected refresh token surfaces as storage.ErrAuthExpired.
package onedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/filevault/filevault/internal/metrics"
	"github.com/filevault/filevault/internal/storage"
)

const (
	graphBase = "https://graph.microsoft.com/v1.0"

	// Files above this size go through an upload session in fragments.
	simpleUploadLimit = 4 * 1024 * 1024
	uploadFragment    = 10 * 1024 * 1024 // must be a multiple of 320 KiB
)

// Provider implements storage.Provider and storage.ShareLinker on OneDrive.
type Provider struct {
	client     *http.Client
	rootFolder string
}

// New creates a OneDrive provider from account credentials.
func New(ctx context.Context, creds storage.OneDriveCredentials) (*Provider, error) {
	if creds.ClientID == "" || creds.RefreshToken == "" {
		return nil, fmt.Errorf("client_id and refresh_token are required")
	}

	tenant := creds.TenantID
	if tenant == "" {
		tenant = "common"
	}

	cfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: "https://login.microsoftonline.com/" + tenant + "/oauth2/v2.0/token",
		},
		Scopes: []string{"Files.ReadWrite.All", "offline_access"},
	}

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
	src = oauth2.ReuseTokenSource(nil, &refreshSource{src: src, provider: "onedrive"})

	return &Provider{
		client:     oauth2.NewClient(ctx, src),
		rootFolder: strings.Trim(creds.RootFolder, "/"),
	}, nil
}

// refreshSource wraps a TokenSource to record refresh metrics and translate
// revoked-grant failures into storage.ErrAuthExpired.
type refreshSource struct {
	src      oauth2.TokenSource
	provider string
}

func (s *refreshSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		metrics.RecordTokenRefresh(s.provider, false)
		if isPermanentRefreshError(err) {
			return nil, fmt.Errorf("%s token refresh: %w", s.provider, storage.ErrAuthExpired)
		}
		return nil, err
	}
	metrics.RecordTokenRefresh(s.provider, true)
	return tok, nil
}

// isPermanentRefreshError reports whether a refresh failure means the grant
// is gone (revoked/expired) rather than a transient network problem.
func isPermanentRefreshError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"invalid_grant", "invalid_client", "unauthorized_client", "revoked"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (p *Provider) itemPath(storedPath string) string {
	full := storedPath
	if p.rootFolder != "" {
		full = p.rootFolder + "/" + storedPath
	}
	segs := strings.Split(full, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return "/me/drive/root:/" + strings.Join(segs, "/")
}

// SaveFile uploads a local file. Small files go in a single PUT; larger ones
// through an upload session in fragments.
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

	storedPath := path.Base(desiredName)
	start := time.Now()

	if info.Size() <= simpleUploadLimit {
		err = p.simpleUpload(ctx, storedPath, f, info.Size(), mimeType)
	} else {
		err = p.sessionUpload(ctx, storedPath, f, info.Size())
	}
	if err != nil {
		metrics.RecordProviderOp("onedrive", "save_file", time.Since(start), false)
		return "", err
	}

	metrics.RecordProviderOp("onedrive", "save_file", time.Since(start), true)
	return storedPath, nil
}

func (p *Provider) simpleUpload(ctx context.Context, storedPath string, body io.Reader, size int64, mimeType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		graphBase+p.itemPath(storedPath)+":/content", body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	if mimeType != "" {
		req.Header.Set("Content-Type", mimeType)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", storedPath, err)
	}
	defer resp.Body.Close()
	return p.checkStatus(resp, storedPath)
}

func (p *Provider) sessionUpload(ctx context.Context, storedPath string, f *os.File, size int64) error {
	sessionBody := strings.NewReader(`{"item":{"@microsoft.graph.conflictBehavior":"rename"}}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		graphBase+p.itemPath(storedPath)+":/createUploadSession", sessionBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("create upload session for %s: %w", storedPath, err)
	}
	defer resp.Body.Close()
	if err := p.checkStatus(resp, storedPath); err != nil {
		return err
	}

	var session struct {
		UploadURL string `json:"uploadUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return fmt.Errorf("decode upload session: %w", err)
	}

	// The session URL is pre-authenticated; fragments go over a plain client.
	buf := make([]byte, uploadFragment)
	var offset int64
	for offset < size {
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			return fmt.Errorf("read fragment at %d: %w", offset, err)
		}

		fragReq, err := http.NewRequestWithContext(ctx, http.MethodPut, session.UploadURL,
			bytes.NewReader(buf[:n]))
		if err != nil {
			return err
		}
		fragReq.ContentLength = int64(n)
		fragReq.Header.Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(n)-1, size))

		fragResp, err := http.DefaultClient.Do(fragReq)
		if err != nil {
			return fmt.Errorf("upload fragment at %d: %w", offset, err)
		}
		io.Copy(io.Discard, fragResp.Body)
		fragResp.Body.Close()
		if fragResp.StatusCode >= 400 {
			return fmt.Errorf("upload fragment at %d: graph returned %s", offset, fragResp.Status)
		}

		offset += int64(n)
	}
	return nil
}

// GetFileStream downloads the stored file's content.
func (p *Provider) GetFileStream(ctx context.Context, storedPath string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		graphBase+p.itemPath(storedPath)+":/content", nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", storedPath, err)
	}
	if err := p.checkStatus(resp, storedPath); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// GetPreviewURL returns the item's pre-authenticated download URL. Graph
// issues these with a short lifetime, which suits preview use.
func (p *Provider) GetPreviewURL(ctx context.Context, storedPath string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		graphBase+p.itemPath(storedPath)+"?select=content.downloadUrl,id", nil)
	if err != nil {
		return "", err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get item %s: %w", storedPath, err)
	}
	defer resp.Body.Close()
	if err := p.checkStatus(resp, storedPath); err != nil {
		return "", err
	}

	var item struct {
		DownloadURL string `json:"@microsoft.graph.downloadUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return "", fmt.Errorf("decode item %s: %w", storedPath, err)
	}
	return item.DownloadURL, nil
}

// DeleteFile removes the stored file.
func (p *Provider) DeleteFile(ctx context.Context, storedPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		graphBase+p.itemPath(storedPath), nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete %s: %w", storedPath, err)
	}
	defer resp.Body.Close()
	return p.checkStatus(resp, storedPath)
}

// CreateShareLink creates an anonymous view link, optionally protected by a
// password and an expiration.
func (p *Provider) CreateShareLink(ctx context.Context, storedPath, password string, expiresIn time.Duration) (*storage.ShareLink, error) {
	body := map[string]interface{}{
		"type":  "view",
		"scope": "anonymous",
	}
	var expiresAt *time.Time
	if password != "" {
		body["password"] = password
	}
	if expiresIn > 0 {
		t := time.Now().Add(expiresIn).UTC()
		expiresAt = &t
		body["expirationDateTime"] = t.Format(time.RFC3339)
	}

	payload, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		graphBase+p.itemPath(storedPath)+":/createLink", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create link for %s: %w", storedPath, err)
	}
	defer resp.Body.Close()
	if err := p.checkStatus(resp, storedPath); err != nil {
		return nil, err
	}

	var result struct {
		Link struct {
			WebURL string `json:"webUrl"`
		} `json:"link"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode link for %s: %w", storedPath, err)
	}

	return &storage.ShareLink{URL: result.Link.WebURL, ExpiresAt: expiresAt}, nil
}

// checkStatus maps Graph HTTP failures onto the storage error taxonomy.
func (p *Provider) checkStatus(resp *http.Response, storedPath string) error {
	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", storedPath, storage.ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", storedPath, storage.ErrAuthExpired)
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: graph returned %s: %s", storedPath, resp.Status, strings.TrimSpace(string(detail)))
	}
}

// Type returns "onedrive".
func (p *Provider) Type() storage.ProviderType { return storage.TypeOneDrive }

// Close is a no-op; the OAuth client holds no connections worth reclaiming.
func (p *Provider) Close() error { return nil }
