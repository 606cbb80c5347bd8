// Package googledrive provides the Google Drive storage provider on the
// Drive v3 REST API. Drive addresses files by ID, so the stored path for
// this provider is the Drive file ID.
package googledrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/filevault/filevault/internal/metrics"
	"github.com/filevault/filevault/internal/storage"
)

const (
	driveBase  = "https://www.googleapis.com/drive/v3"
	uploadBase = "https://www.googleapis.com/upload/drive/v3"
)

// Provider implements storage.Provider and storage.ShareLinker on Google Drive.
type Provider struct {
	client   *http.Client
	folderID string
}

// New creates a Google Drive provider from account credentials.
func New(ctx context.Context, creds storage.GoogleDriveCredentials) (*Provider, error) {
	if creds.ClientID == "" || creds.RefreshToken == "" {
		return nil, fmt.Errorf("client_id and refresh_token are required")
	}

	cfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: "https://oauth2.googleapis.com/token",
		},
		Scopes: []string{"https://www.googleapis.com/auth/drive.file"},
	}

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
	src = oauth2.ReuseTokenSource(nil, &refreshSource{src: src})

	return &Provider{
		client:   oauth2.NewClient(ctx, src),
		folderID: creds.FolderID,
	}, nil
}

// refreshSource records refresh metrics and maps revoked grants onto
// storage.ErrAuthExpired.
type refreshSource struct {
	src oauth2.TokenSource
}

func (s *refreshSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		metrics.RecordTokenRefresh("google_drive", false)
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "invalid_grant") || strings.Contains(msg, "revoked") {
			return nil, fmt.Errorf("google drive token refresh: %w", storage.ErrAuthExpired)
		}
		return nil, err
	}
	metrics.RecordTokenRefresh("google_drive", true)
	return tok, nil
}

// SaveFile uploads the local file via a multipart request and returns the
// Drive file ID as the stored path.
func (p *Provider) SaveFile(ctx context.Context, localPath, desiredName, mimeType string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	meta := map[string]interface{}{"name": path.Base(desiredName)}
	if p.folderID != "" {
		meta["parents"] = []string{p.folderID}
	}
	metaJSON, _ := json.Marshal(meta)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=UTF-8")
	metaPart, _ := mw.CreatePart(metaHeader)
	metaPart.Write(metaJSON)

	contentHeader := textproto.MIMEHeader{}
	if mimeType != "" {
		contentHeader.Set("Content-Type", mimeType)
	} else {
		contentHeader.Set("Content-Type", "application/octet-stream")
	}
	contentPart, _ := mw.CreatePart(contentHeader)
	if _, err := io.Copy(contentPart, f); err != nil {
		return "", fmt.Errorf("read %s: %w", localPath, err)
	}
	mw.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		uploadBase+"/files?uploadType=multipart&fields=id", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "multipart/related; boundary="+mw.Boundary())

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		metrics.RecordProviderOp("google_drive", "save_file", time.Since(start), false)
		return "", fmt.Errorf("upload %s: %w", desiredName, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, desiredName); err != nil {
		metrics.RecordProviderOp("google_drive", "save_file", time.Since(start), false)
		return "", err
	}
	metrics.RecordProviderOp("google_drive", "save_file", time.Since(start), true)

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	return created.ID, nil
}

// GetFileStream downloads the file content by ID.
func (p *Provider) GetFileStream(ctx context.Context, fileID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		driveBase+"/files/"+fileID+"?alt=media", nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", fileID, err)
	}
	if err := checkStatus(resp, fileID); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// GetPreviewURL returns the file's browser view link.
func (p *Provider) GetPreviewURL(ctx context.Context, fileID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		driveBase+"/files/"+fileID+"?fields=webViewLink", nil)
	if err != nil {
		return "", err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get file %s: %w", fileID, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, fileID); err != nil {
		return "", err
	}

	var file struct {
		WebViewLink string `json:"webViewLink"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		return "", fmt.Errorf("decode file %s: %w", fileID, err)
	}
	return file.WebViewLink, nil
}

// DeleteFile removes the file by ID.
func (p *Provider) DeleteFile(ctx context.Context, fileID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		driveBase+"/files/"+fileID, nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete %s: %w", fileID, err)
	}
	defer resp.Body.Close()
	return checkStatus(resp, fileID)
}

// CreateShareLink grants anyone-with-the-link read access and returns the
// view link. Drive has no link passwords; the password argument is ignored.
func (p *Provider) CreateShareLink(ctx context.Context, fileID, _ string, expiresIn time.Duration) (*storage.ShareLink, error) {
	perm := map[string]interface{}{
		"role": "reader",
		"type": "anyone",
	}
	var expiresAt *time.Time
	if expiresIn > 0 {
		t := time.Now().Add(expiresIn).UTC()
		expiresAt = &t
		perm["expirationTime"] = t.Format(time.RFC3339)
	}

	payload, _ := json.Marshal(perm)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		driveBase+"/files/"+fileID+"/permissions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("share %s: %w", fileID, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("share %s: drive returned %s", fileID, resp.Status)
	}

	link, err := p.GetPreviewURL(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return &storage.ShareLink{URL: link, ExpiresAt: expiresAt}, nil
}

func checkStatus(resp *http.Response, fileID string) error {
	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", fileID, storage.ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", fileID, storage.ErrAuthExpired)
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: drive returned %s: %s", fileID, resp.Status, strings.TrimSpace(string(detail)))
	}
}

// Type returns "google_drive".
func (p *Provider) Type() storage.ProviderType { return storage.TypeGoogleDrive }

// Close is a no-op.
func (p *Provider) Close() error { return nil }
