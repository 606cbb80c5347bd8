// Package factory instantiates storage providers from account rows. It is
// the one place that knows every backend package; the Manager takes it as an
// injected BuildFunc so tests can substitute stubs.
package factory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/filevault/filevault/internal/storage"
	"github.com/filevault/filevault/internal/storage/googledrive"
	"github.com/filevault/filevault/internal/storage/onedrive"
	s3provider "github.com/filevault/filevault/internal/storage/s3"
	webdavprovider "github.com/filevault/filevault/internal/storage/webdav"
)

// Build creates a Provider for an external storage account from its
// credential blob. The local provider is built separately at startup.
func Build(ctx context.Context, acct *storage.Account) (storage.Provider, error) {
	switch acct.Type {
	case storage.TypeOneDrive:
		var creds storage.OneDriveCredentials
		if err := json.Unmarshal(acct.Credentials, &creds); err != nil {
			return nil, fmt.Errorf("parse onedrive credentials: %w", err)
		}
		return onedrive.New(ctx, creds)

	case storage.TypeGoogleDrive:
		var creds storage.GoogleDriveCredentials
		if err := json.Unmarshal(acct.Credentials, &creds); err != nil {
			return nil, fmt.Errorf("parse google drive credentials: %w", err)
		}
		return googledrive.New(ctx, creds)

	case storage.TypeS3:
		var creds storage.S3Credentials
		if err := json.Unmarshal(acct.Credentials, &creds); err != nil {
			return nil, fmt.Errorf("parse s3 credentials: %w", err)
		}
		return s3provider.New(ctx, creds)

	case storage.TypeWebDAV:
		var creds storage.WebDAVCredentials
		if err := json.Unmarshal(acct.Credentials, &creds); err != nil {
			return nil, fmt.Errorf("parse webdav credentials: %w", err)
		}
		return webdavprovider.New(creds)

	default:
		return nil, fmt.Errorf("unknown provider type: %s", acct.Type)
	}
}
