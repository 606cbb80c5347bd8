// Package postgres provides the PostgreSQL-backed file metadata store.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"

	"github.com/filevault/filevault/internal/logging"
	"go.uber.org/zap"
)

// Store is a PostgreSQL file metadata store.
type Store struct {
	db *sql.DB
}

// FileRow maps to the files table. StorageAccountID is NULL for files held
// by the local provider, and becomes NULL again when the owning account is
// removed (orphaned files).
type FileRow struct {
	ID               int64
	Name             string
	StoredName       string
	Type             string // "image", "video", "document", ...
	MimeType         string
	Size             int64
	Path             string
	ThumbnailPath    *string
	Width            *int
	Height           *int
	Source           string // "web", "api", "url"
	Folder           *string
	StorageAccountID *string
	CreatedAt        time.Time
}

// New creates a new PostgreSQL metadata store.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for use by other packages.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate runs SQL migration files.
func (s *Store) Migrate(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

// InsertFile persists a file record and returns its ID. Called once per
// successfully stored file; never retried here.
func (s *Store) InsertFile(ctx context.Context, f *FileRow) (int64, error) {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO files (name, stored_name, type, mime_type, size, path,
		                    thumbnail_path, width, height, source, folder, storage_account_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id`,
		f.Name, f.StoredName, f.Type, f.MimeType, f.Size, f.Path,
		f.ThumbnailPath, f.Width, f.Height, f.Source, f.Folder, f.StorageAccountID).
		Scan(&f.ID)
	if err != nil {
		return 0, fmt.Errorf("insert file record: %w", err)
	}
	return f.ID, nil
}

// GetFile returns a file record by ID, or nil if absent.
func (s *Store) GetFile(ctx context.Context, id int64) (*FileRow, error) {
	var f FileRow
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, stored_name, type, mime_type, size, path,
		        thumbnail_path, width, height, source, folder, storage_account_id, created_at
		 FROM files WHERE id = $1`, id).
		Scan(&f.ID, &f.Name, &f.StoredName, &f.Type, &f.MimeType, &f.Size, &f.Path,
			&f.ThumbnailPath, &f.Width, &f.Height, &f.Source, &f.Folder,
			&f.StorageAccountID, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file record: %w", err)
	}
	return &f, nil
}

// ListFiles returns the newest file records, optionally filtered by folder.
func (s *Store) ListFiles(ctx context.Context, folder string, limit int) ([]FileRow, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, name, stored_name, type, mime_type, size, path,
	                 thumbnail_path, width, height, source, folder, storage_account_id, created_at
	          FROM files`
	args := []interface{}{}
	if folder != "" {
		query += ` WHERE folder = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, folder, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list file records: %w", err)
	}
	defer rows.Close()

	var files []FileRow
	for rows.Next() {
		var f FileRow
		if err := rows.Scan(&f.ID, &f.Name, &f.StoredName, &f.Type, &f.MimeType, &f.Size,
			&f.Path, &f.ThumbnailPath, &f.Width, &f.Height, &f.Source, &f.Folder,
			&f.StorageAccountID, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan file record: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// DeleteFile removes a file record.
func (s *Store) DeleteFile(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete file record: %w", err)
	}
	return nil
}
