package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"logcollector/internal/logging"
	"logcollector/internal/source"
	"logcollector/internal/store"
)

// fileTimeLayout names batch files after their flush time.
const fileTimeLayout = "2006-01-02-15-04-05"

// indexFile lists every batch file written to a folder.
const indexFile = "index.json"

// IndexEntry describes one batch file in a folder index.
type IndexEntry struct {
	Filename         string    `json:"filename"`
	Timestamp        time.Time `json:"timestamp"`
	Count            int       `json:"count"`
	Compressed       bool      `json:"compressed,omitempty"`
	CompressionLevel int       `json:"compression_level,omitempty"`
}

// Index is the persisted folder index.
type Index struct {
	Files []IndexEntry `json:"files"`
}

// FolderSink writes batches as newline-delimited JSON files and keeps a
// per-folder index. Writes to the same folder are serialized so sources
// sharing a folder cannot corrupt its index.
type FolderSink struct {
	mu      sync.Mutex
	folders map[string]*sync.Mutex

	now    func() time.Time
	logger *slog.Logger
}

// FolderConfig configures a FolderSink.
type FolderConfig struct {
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// NewFolderSink creates a FolderSink.
func NewFolderSink(cfg FolderConfig) *FolderSink {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &FolderSink{
		folders: make(map[string]*sync.Mutex),
		now:     cfg.Now,
		logger:  logging.Default(cfg.Logger).With("component", "sink"),
	}
}

// Deliver writes the batch to a timestamped file in the source's folder and
// records it in the folder index.
func (s *FolderSink) Deliver(ctx context.Context, src source.Source, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	folder := src.FolderPath
	if err := os.MkdirAll(folder, 0o750); err != nil {
		return fmt.Errorf("create folder: %w", err)
	}

	var buf bytes.Buffer
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	mu := s.folderMu(folder)
	mu.Lock()
	defer mu.Unlock()

	now := s.now()
	name, f, err := createBatchFile(folder, now, src.CompressionEnabled)
	if err != nil {
		return err
	}
	path := filepath.Join(folder, name)

	var w io.Writer = f
	var gz *gzip.Writer
	if src.CompressionEnabled {
		gz, err = gzip.NewWriterLevel(f, src.CompressionLevel)
		if err != nil {
			f.Close()
			os.Remove(path)
			return fmt.Errorf("init compression: %w", err)
		}
		w = gz
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write batch file: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			f.Close()
			os.Remove(path)
			return fmt.Errorf("finish compression: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("close batch file: %w", err)
	}

	if err := s.appendIndexLocked(folder, IndexEntry{
		Filename:         name,
		Timestamp:        now,
		Count:            len(events),
		Compressed:       src.CompressionEnabled,
		CompressionLevel: src.CompressionLevel,
	}); err != nil {
		return err
	}

	s.logger.Debug("batch written",
		"source", src.Name, "file", name, "events", len(events))
	return nil
}

// folderMu returns the mutex guarding one folder, creating it on first use.
func (s *FolderSink) folderMu(folder string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.folders[folder]
	if !ok {
		mu = &sync.Mutex{}
		s.folders[folder] = mu
	}
	return mu
}

// appendIndexLocked adds an entry to the folder index. Caller holds the
// folder mutex. An unreadable index is replaced rather than allowed to
// block every future delivery.
func (s *FolderSink) appendIndexLocked(folder string, entry IndexEntry) error {
	path := filepath.Join(folder, indexFile)
	var idx Index
	if _, err := store.Load(path, &idx); err != nil {
		s.logger.Warn("folder index unreadable, starting fresh",
			"folder", folder, "error", err)
		idx = Index{}
	}
	idx.Files = append(idx.Files, entry)
	if err := store.Save(path, idx); err != nil {
		return fmt.Errorf("update folder index: %w", err)
	}
	return nil
}

// createBatchFile opens a new file named after the flush time. Flushes
// landing in the same second get a numeric suffix instead of clobbering
// the earlier file.
func createBatchFile(folder string, ts time.Time, compressed bool) (string, *os.File, error) {
	ext := ".json"
	if compressed {
		ext = ".json.gz"
	}
	base := ts.Format(fileTimeLayout)
	for i := 0; ; i++ {
		name := base + ext
		if i > 0 {
			name = fmt.Sprintf("%s-%d%s", base, i, ext)
		}
		f, err := os.OpenFile(filepath.Join(folder, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if err == nil {
			return name, f, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", nil, fmt.Errorf("create batch file: %w", err)
		}
	}
}
