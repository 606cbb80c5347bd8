// Package account provides the PostgreSQL-backed storage account registry
// and the generic key-value settings store.
package account

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/filevault/filevault/internal/logging"
	"github.com/filevault/filevault/internal/storage"
)

// ErrAccountActive is returned when deleting the currently active account.
var ErrAccountActive = fmt.Errorf("cannot delete the active storage account")

// Store implements storage.Registry on PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new account store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const accountColumns = `id, type, name, credentials, is_active, created_at, updated_at`

// List returns all storage accounts.
func (s *Store) List(ctx context.Context) ([]storage.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM storage_accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []storage.Account
	for rows.Next() {
		var a storage.Account
		if err := rows.Scan(&a.ID, &a.Type, &a.Name, &a.Credentials,
			&a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// Get returns an account by ID, or nil if absent.
func (s *Store) Get(ctx context.Context, id string) (*storage.Account, error) {
	var a storage.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM storage_accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Type, &a.Name, &a.Credentials,
			&a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// Active returns the account with is_active=true, or nil meaning local.
func (s *Store) Active(ctx context.Context) (*storage.Account, error) {
	var a storage.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM storage_accounts WHERE is_active = TRUE`).
		Scan(&a.ID, &a.Type, &a.Name, &a.Credentials,
			&a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active account: %w", err)
	}
	return &a, nil
}

// SetActive marks one account active and clears the flag on all others, in a
// single transaction so the at-most-one-active invariant holds throughout.
// An empty id clears every flag (local storage).
func (s *Store) SetActive(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE storage_accounts SET is_active = FALSE, updated_at = NOW() WHERE is_active = TRUE`); err != nil {
		return fmt.Errorf("clear active flags: %w", err)
	}

	if id != "" {
		res, err := tx.ExecContext(ctx,
			`UPDATE storage_accounts SET is_active = TRUE, updated_at = NOW() WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("set active flag: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("account %s not found", id)
		}
	}

	return tx.Commit()
}

// Upsert inserts or updates an account row.
func (s *Store) Upsert(ctx context.Context, acct *storage.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO storage_accounts (id, type, name, credentials, is_active)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET type = $2, name = $3, credentials = $4, updated_at = NOW()`,
		acct.ID, acct.Type, acct.Name, acct.Credentials, acct.IsActive)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// UpdateCredentials replaces the credential blob of an account.
func (s *Store) UpdateCredentials(ctx context.Context, id string, credentials json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE storage_accounts SET credentials = $2, updated_at = NOW() WHERE id = $1`,
		id, credentials)
	if err != nil {
		return fmt.Errorf("update credentials: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s not found", id)
	}
	return nil
}

// Delete removes an account. The active account cannot be deleted. File rows
// referencing the account keep their content records but lose the account
// reference, so they become orphans served read-only through explicit keys.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var isActive bool
	err = tx.QueryRowContext(ctx,
		`SELECT is_active FROM storage_accounts WHERE id = $1`, id).Scan(&isActive)
	if err == sql.ErrNoRows {
		return fmt.Errorf("account %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("look up account: %w", err)
	}
	if isActive {
		return ErrAccountActive
	}

	orphaned, err := tx.ExecContext(ctx,
		`UPDATE files SET storage_account_id = NULL WHERE storage_account_id = $1`, id)
	if err != nil {
		return fmt.Errorf("detach files: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM storage_accounts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if n, _ := orphaned.RowsAffected(); n > 0 {
		logging.Info("orphaned files after account removal",
			zap.String("account_id", id), zap.Int64("files", n))
	}
	return nil
}

// SettingsStore is a generic key-value settings store.
type SettingsStore struct {
	db *sql.DB
}

// NewSettingsStore creates a settings store.
func NewSettingsStore(db *sql.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

// Get returns a setting value, or "" when the key is absent.
func (s *SettingsStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

// Set stores a setting value.
func (s *SettingsStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = NOW()`,
		key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}
