// Package watcher observes a drop folder for new PDF documents and feeds
// them into the fax pipeline. A file is ingested only once its size has held
// steady across a settle window, so partially written files are never picked
// up. Ingested files are moved out of the watch folder to prevent
// reprocessing after a restart.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mcfax/faxpipe/internal/worker/domain"
)

// Sink is the pipeline entry point the watcher hands bundles to
type Sink interface {
	Ingest(ctx context.Context, bundle *domain.DocumentBundle) (*domain.JobRecord, error)
}

// Config holds watcher settings, including the job defaults applied to every
// folder-ingested document
type Config struct {
	Dir            string
	ProcessedDir   string
	SettleInterval time.Duration

	SenderName           string
	RecipientName        string
	RecipientFaxNumber   string
	Priority             string
	MaxAttempts          int
	RetryIntervalSeconds int
}

// candidate is a file waiting out its settle window
type candidate struct {
	size      int64
	stableFor int
}

// Watcher monitors one folder and ingests stable PDF files
type Watcher struct {
	cfg    *Config
	sink   Sink
	logger *slog.Logger

	mu         sync.Mutex
	candidates map[string]*candidate
}

// New creates a watcher. The watch and processed directories must exist or
// be creatable.
func New(cfg *Config, sink Sink, logger *slog.Logger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("watch directory is required")
	}
	if !domain.IsDialableNumber(cfg.RecipientFaxNumber) {
		return nil, fmt.Errorf("default recipient fax number %q is not dialable", cfg.RecipientFaxNumber)
	}

	if cfg.ProcessedDir == "" {
		cfg.ProcessedDir = filepath.Join(cfg.Dir, "processed")
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create watch directory: %w", err)
	}
	if err := os.MkdirAll(cfg.ProcessedDir, 0o755); err != nil {
		return nil, fmt.Errorf("create processed directory: %w", err)
	}

	if cfg.SettleInterval <= 0 {
		cfg.SettleInterval = 2 * time.Second
	}

	return &Watcher{
		cfg:        cfg,
		sink:       sink,
		logger:     logger,
		candidates: make(map[string]*candidate),
	}, nil
}

// Run watches until ctx is canceled. Filesystem notifications surface new
// files quickly; a periodic rescan on the settle ticker backstops missed
// events and performs the size-stability check.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.cfg.Dir, err)
	}

	w.logger.Info("Folder watcher started",
		slog.String("dir", w.cfg.Dir),
		slog.Duration("settle_interval", w.cfg.SettleInterval),
	)

	// pick up files that were already in the folder before we started
	w.rescan()

	ticker := time.NewTicker(w.cfg.SettleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Folder watcher stopped")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) {
				w.track(event.Name)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Folder watcher error",
				slog.Any("error", err),
			)

		case <-ticker.C:
			w.rescan()
			w.settle(ctx)
		}
	}
}

// track registers a path as a settle candidate if it looks like a fax
// document
func (w *Watcher) track(path string) {
	if !strings.EqualFold(filepath.Ext(path), ".pdf") {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.candidates[path]; !exists {
		w.candidates[path] = &candidate{size: -1}
	}
}

// rescan walks the watch folder so files missed by notifications (or present
// before startup) still become candidates
func (w *Watcher) rescan() {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		w.logger.Warn("Failed to scan watch directory",
			slog.String("dir", w.cfg.Dir),
			slog.Any("error", err),
		)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.track(filepath.Join(w.cfg.Dir, entry.Name()))
	}
}

// settle advances each candidate's stability check and ingests the ones
// whose size held across a full interval
func (w *Watcher) settle(ctx context.Context) {
	w.mu.Lock()
	paths := make([]string, 0, len(w.candidates))
	for path := range w.candidates {
		paths = append(paths, path)
	}
	w.mu.Unlock()

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			// vanished or unreadable: skip and log, never block the folder
			w.logger.Warn("Dropping unreadable candidate",
				slog.String("path", path),
				slog.Any("error", err),
			)
			w.forget(path)
			continue
		}

		w.mu.Lock()
		c := w.candidates[path]
		if c == nil {
			w.mu.Unlock()
			continue
		}
		if info.Size() > 0 && info.Size() == c.size {
			c.stableFor++
		} else {
			c.size = info.Size()
			c.stableFor = 0
		}
		stable := c.stableFor >= 1
		w.mu.Unlock()

		if stable {
			w.ingest(ctx, path)
		}
	}
}

// ingest moves the stable file out of the watch folder and hands it to the
// pipeline. Per-file failures are logged and skipped so one bad file never
// blocks ingestion of the rest.
func (w *Watcher) ingest(ctx context.Context, path string) {
	defer w.forget(path)

	processedPath := filepath.Join(w.cfg.ProcessedDir, filepath.Base(path))
	if err := os.Rename(path, processedPath); err != nil {
		w.logger.Warn("Failed to move ingested file, skipping",
			slog.String("path", path),
			slog.Any("error", err),
		)
		return
	}

	bundle := &domain.DocumentBundle{
		Path:                 processedPath,
		SenderName:           w.cfg.SenderName,
		RecipientName:        w.cfg.RecipientName,
		RecipientFaxNumber:   w.cfg.RecipientFaxNumber,
		Priority:             w.cfg.Priority,
		MaxAttempts:          w.cfg.MaxAttempts,
		RetryIntervalSeconds: w.cfg.RetryIntervalSeconds,
	}

	job, err := w.sink.Ingest(ctx, bundle)
	if err != nil {
		w.logger.Error("Failed to ingest document, skipping",
			slog.String("path", processedPath),
			slog.Any("error", err),
		)
		return
	}

	w.logger.Info("Document handed to pipeline",
		slog.String("path", processedPath),
		slog.String("job_id", job.JobID),
	)
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.candidates, path)
}
