package onedrive

import (
	"context"
	"errors"
	"testing"

	"github.com/filevault/filevault/internal/storage"
)

func TestNewValidation(t *testing.T) {
	ctx := context.Background()

	if _, err := New(ctx, storage.OneDriveCredentials{}); err == nil {
		t.Error("expected error without client_id")
	}
	if _, err := New(ctx, storage.OneDriveCredentials{ClientID: "cid"}); err == nil {
		t.Error("expected error without refresh_token")
	}

	p, err := New(ctx, storage.OneDriveCredentials{
		ClientID: "cid", ClientSecret: "secret", RefreshToken: "rt",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Type() != storage.TypeOneDrive {
		t.Errorf("Type = %s, want onedrive", p.Type())
	}
}

func TestIsPermanentRefreshError(t *testing.T) {
	permanent := []string{
		`oauth2: "invalid_grant" "AADSTS70000: refresh token has expired"`,
		`oauth2: "invalid_client"`,
		`oauth2: "unauthorized_client"`,
		"token has been revoked",
	}
	for _, msg := range permanent {
		if !isPermanentRefreshError(errors.New(msg)) {
			t.Errorf("isPermanentRefreshError(%q) = false, want true", msg)
		}
	}

	transient := []string{
		"dial tcp: connection refused",
		"context deadline exceeded",
		"oauth2: cannot fetch token: 503 Service Unavailable",
	}
	for _, msg := range transient {
		if isPermanentRefreshError(errors.New(msg)) {
			t.Errorf("isPermanentRefreshError(%q) = true, want false", msg)
		}
	}
}

func TestItemPath(t *testing.T) {
	p := &Provider{rootFolder: "vault"}
	if got := p.itemPath("photo.jpg"); got != "/me/drive/root:/vault/photo.jpg" {
		t.Errorf("itemPath with root = %q", got)
	}

	p = &Provider{}
	if got := p.itemPath("my photo.jpg"); got != "/me/drive/root:/my%20photo.jpg" {
		t.Errorf("itemPath escaping = %q", got)
	}
}
