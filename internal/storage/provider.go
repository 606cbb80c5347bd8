// Package storage defines the Provider interface for file storage backends
// and the Manager that routes reads and writes to the active account.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ProviderType identifies a storage backend implementation.
type ProviderType string

const (
	TypeLocal       ProviderType = "local"
	TypeOneDrive    ProviderType = "onedrive"
	TypeS3          ProviderType = "s3"
	TypeWebDAV      ProviderType = "webdav"
	TypeGoogleDrive ProviderType = "google_drive"
)

// Valid reports whether t is a known provider type.
func (t ProviderType) Valid() bool {
	switch t {
	case TypeLocal, TypeOneDrive, TypeS3, TypeWebDAV, TypeGoogleDrive:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when a stored file does not exist on the backend.
	ErrNotFound = errors.New("file not found on storage backend")

	// ErrAuthExpired is returned when an OAuth refresh token has been revoked
	// and the account needs re-authorization.
	ErrAuthExpired = errors.New("storage authorization expired")

	// ErrNotConfigured is returned when a provider is requested for an
	// account that has no usable credentials.
	ErrNotConfigured = errors.New("storage provider not configured")

	// ErrShareUnsupported is returned by providers without share-link support.
	ErrShareUnsupported = errors.New("share links not supported by this provider")
)

// Provider is the interface for a single storage backend bound to one account.
// Implementations handle raw file I/O; metadata is handled separately by
// the postgres store.
type Provider interface {
	// SaveFile uploads the file at localPath under desiredName and returns
	// the backend path it was stored at. On failure the local file is left
	// untouched; on success deleting it is the caller's responsibility.
	SaveFile(ctx context.Context, localPath, desiredName, mimeType string) (string, error)

	// GetFileStream opens the stored file for reading. Used when a backend
	// has no directly shareable URL.
	GetFileStream(ctx context.Context, storedPath string) (io.ReadCloser, error)

	// GetPreviewURL returns a time-limited or direct link to the stored file.
	// An empty string means the backend has none and the caller must use
	// GetFileStream instead.
	GetPreviewURL(ctx context.Context, storedPath string) (string, error)

	// DeleteFile removes the stored file. A missing file is ErrNotFound.
	DeleteFile(ctx context.Context, storedPath string) error

	// Type returns the backend type identifier.
	Type() ProviderType

	// Close releases any resources held by the provider.
	Close() error
}

// ShareLink is the result of creating a shareable link.
type ShareLink struct {
	URL       string     `json:"url"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// ShareLinker is an optional Provider capability. Only OneDrive and
// Google Drive implement it.
type ShareLinker interface {
	CreateShareLink(ctx context.Context, storedPath, password string, expiresIn time.Duration) (*ShareLink, error)
}

// Key identifies a cached provider handle: a backend type plus the account
// it is bound to. The local provider has an empty AccountID.
type Key struct {
	Type      ProviderType
	AccountID string
}

// LocalKey is the cache key for the local-disk provider.
var LocalKey = Key{Type: TypeLocal}

// String renders the key as "type:accountID", or "local".
func (k Key) String() string {
	if k.Type == TypeLocal {
		return string(TypeLocal)
	}
	return string(k.Type) + ":" + k.AccountID
}

// ParseKey parses "type:accountID" (or bare "local") into a Key.
func ParseKey(s string) (Key, error) {
	if s == string(TypeLocal) {
		return LocalKey, nil
	}
	typ, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Key{}, fmt.Errorf("invalid provider key %q", s)
	}
	t := ProviderType(typ)
	if !t.Valid() || t == TypeLocal {
		return Key{}, fmt.Errorf("invalid provider type in key %q", s)
	}
	return Key{Type: t, AccountID: id}, nil
}

// Account is one row of the account registry. Credentials is an opaque blob
// whose shape depends on Type; it never leaves the storage layer.
type Account struct {
	ID          string          `json:"id"`
	Type        ProviderType    `json:"type"`
	Name        string          `json:"name"`
	Credentials json.RawMessage `json:"-"`
	IsActive    bool            `json:"isActive"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// AccountInfo is the secret-free view of an Account returned to callers.
type AccountInfo struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Type     ProviderType `json:"type"`
	IsActive bool         `json:"isActive"`
}

// Registry is the persistence interface for storage accounts. Implemented by
// account.Store; tests inject in-memory fakes.
type Registry interface {
	// List returns all accounts.
	List(ctx context.Context) ([]Account, error)

	// Get returns an account by ID, or nil if absent.
	Get(ctx context.Context, id string) (*Account, error)

	// Active returns the account with is_active=true, or nil meaning local.
	Active(ctx context.Context) (*Account, error)

	// SetActive marks the given account active and clears the flag on all
	// others. An empty id clears every active flag (local storage).
	SetActive(ctx context.Context, id string) error

	// Upsert inserts or updates an account row.
	Upsert(ctx context.Context, acct *Account) error

	// UpdateCredentials replaces the credential blob of an account.
	UpdateCredentials(ctx context.Context, id string, credentials json.RawMessage) error
}
