package tasks

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/filevault/filevault/internal/events"
	"github.com/filevault/filevault/internal/fetch"
	"github.com/filevault/filevault/internal/logging"
	"github.com/filevault/filevault/internal/metadata/postgres"
	"github.com/filevault/filevault/internal/metrics"
	"github.com/filevault/filevault/internal/storage"
	"github.com/filevault/filevault/internal/thumbs"
)

// providerSource is the slice of the storage manager the pipeline needs.
type providerSource interface {
	GetProvider(ctx context.Context) (storage.Provider, error)
	GetActiveAccountID() string
}

// fileStore is the slice of the metadata store the pipeline needs.
type fileStore interface {
	InsertFile(ctx context.Context, f *postgres.FileRow) (int64, error)
}

// Pipeline turns a fetched URL into a stored, indexed file: download to a
// scratch dir, optional thumbnail, hand off to the active provider, record
// metadata.
type Pipeline struct {
	fetcher     *fetch.Fetcher
	providers   providerSource
	files       fileStore
	thumbs      *thumbs.Generator
	broadcaster *events.Broadcaster
	fetchDir    string
}

// NewPipeline wires the download pipeline.
func NewPipeline(fetcher *fetch.Fetcher, providers providerSource, files fileStore,
	gen *thumbs.Generator, broadcaster *events.Broadcaster, fetchDir string) *Pipeline {
	return &Pipeline{
		fetcher:     fetcher,
		providers:   providers,
		files:       files,
		thumbs:      gen,
		broadcaster: broadcaster,
		fetchDir:    fetchDir,
	}
}

// Run executes one task end to end. It satisfies the queue's Runner.
func (p *Pipeline) Run(ctx context.Context, task Task, report func(fetch.Progress)) (*Result, error) {
	scratch := filepath.Join(p.fetchDir, task.ID)
	defer os.RemoveAll(scratch)

	progress := make(chan fetch.Progress, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for pr := range progress {
			report(pr)
		}
	}()

	localPath, err := p.fetcher.Fetch(ctx, task.URL, scratch, progress)
	<-done
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("stat fetched file: %w", err)
	}
	metrics.RecordFetchBytes(info.Size())

	name := filepath.Base(localPath)
	mimeType := mime.TypeByExtension(filepath.Ext(localPath))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	provider, err := p.providers.GetProvider(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve active provider: %w", err)
	}
	storedPath, err := provider.SaveFile(ctx, localPath, name, mimeType)
	if err != nil {
		return nil, fmt.Errorf("store fetched file: %w", err)
	}

	row := &postgres.FileRow{
		Name:       name,
		StoredName: filepath.Base(storedPath),
		Type:       fileType(mimeType),
		MimeType:   mimeType,
		Size:       info.Size(),
		Path:       storedPath,
		Source:     "url",
	}
	if task.Folder != "" {
		row.Folder = &task.Folder
	}
	if id := p.providers.GetActiveAccountID(); id != "" {
		row.StorageAccountID = &id
	}

	if p.thumbs != nil && thumbs.IsImage(mimeType) {
		thumbPath, w, h, err := p.thumbs.Generate(localPath, row.StoredName)
		if err != nil {
			logging.Warn("thumbnail generation failed",
				zap.String("file", name), zap.Error(err))
		} else {
			row.ThumbnailPath = &thumbPath
			row.Width = &w
			row.Height = &h
		}
	}

	fileID, err := p.files.InsertFile(ctx, row)
	if err != nil {
		// The bytes are already with the provider; roll back so a failed
		// task leaves no half-registered file behind.
		if derr := provider.DeleteFile(ctx, storedPath); derr != nil {
			logging.Warn("orphaned stored file after metadata failure",
				zap.String("path", storedPath), zap.Error(derr))
		}
		return nil, fmt.Errorf("record fetched file: %w", err)
	}

	if p.broadcaster != nil {
		p.broadcaster.Publish(events.Event{
			Type:   events.EventFileCreated,
			FileID: fileID,
			Name:   name,
		})
	}
	return &Result{FileID: fileID, Name: name}, nil
}

func fileType(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	case strings.HasPrefix(mimeType, "text/"), mimeType == "application/pdf":
		return "document"
	default:
		return "file"
	}
}
