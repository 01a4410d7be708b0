package threatintel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SubmitFunc hands one update to the ingestion queue.
type SubmitFunc func(ctx context.Context, u ThreatUpdate) error

// DirectoryFeed ingests ThreatUpdates dropped as *.json files into a
// directory. A file holds one update object or an array of them. Producers
// should write elsewhere and rename into the directory. Processed files get a
// .done suffix, unparseable ones .bad.
type DirectoryFeed struct {
	dir    string
	submit SubmitFunc
	logger zerolog.Logger
}

// NewDirectoryFeed creates a feed reading from dir.
func NewDirectoryFeed(dir string, submit SubmitFunc, logger zerolog.Logger) *DirectoryFeed {
	return &DirectoryFeed{
		dir:    dir,
		submit: submit,
		logger: logger.With().Str("component", "directory_feed").Str("dir", dir).Logger(),
	}
}

// Run processes files already present and then watches for new ones until
// ctx is done.
func (f *DirectoryFeed) Run(ctx context.Context) error {
	if err := os.MkdirAll(f.dir, 0o750); err != nil {
		return fmt.Errorf("failed to create feed directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create feed watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(f.dir); err != nil {
		return fmt.Errorf("failed to watch feed directory: %w", err)
	}
	f.logger.Info().Msg("Watching feed directory")

	existing, err := filepath.Glob(filepath.Join(f.dir, "*.json"))
	if err != nil {
		return err
	}
	sort.Strings(existing)
	for _, path := range existing {
		f.processFile(ctx, path)
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				if strings.HasSuffix(event.Name, ".json") {
					f.processFile(ctx, event.Name)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Error().Err(err).Msg("Feed watcher error")
		case <-ctx.Done():
			f.logger.Info().Msg("Feed watcher stopped")
			return nil
		}
	}
}

func (f *DirectoryFeed) processFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			f.logger.Error().Err(err).Str("file", path).Msg("Failed to read feed file")
		}
		return
	}

	updates, err := decodeUpdates(data)
	if err != nil {
		f.logger.Warn().Err(err).Str("file", path).Msg("Unparseable feed file")
		f.rename(path, ".bad")
		return
	}

	source := "file:" + strings.TrimSuffix(filepath.Base(path), ".json")
	submitted := 0
	for _, u := range updates {
		if u.ID == "" {
			u.ID = uuid.NewString()
		}
		if u.Source == "" {
			u.Source = source
		}
		if err := f.submit(ctx, u); err != nil {
			f.logger.Warn().Err(err).Str("file", path).Str("update_id", u.ID).Msg("Feed update not accepted")
			continue
		}
		submitted++
	}
	f.logger.Info().Str("file", path).Int("updates", len(updates)).Int("submitted", submitted).Msg("Feed file processed")
	f.rename(path, ".done")
}

func (f *DirectoryFeed) rename(path, suffix string) {
	if err := os.Rename(path, path+suffix); err != nil {
		f.logger.Error().Err(err).Str("file", path).Msg("Failed to mark feed file")
	}
}

func decodeUpdates(data []byte) ([]ThreatUpdate, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty feed file")
	}
	if data[0] == '[' {
		var list []ThreatUpdate
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var u ThreatUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, err
	}
	return []ThreatUpdate{u}, nil
}
