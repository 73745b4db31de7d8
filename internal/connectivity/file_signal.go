package connectivity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FileSignal follows a state file maintained by an OS network hook, for
// example a NetworkManager dispatcher script writing "up" or "down".
type FileSignal struct {
	Path    string
	Default State
}

func NewFileSignal(path string, fallback State) *FileSignal {
	return &FileSignal{Path: filepath.Clean(path), Default: fallback}
}

// Read returns the state in the file, or Default when the file is missing.
func (f *FileSignal) Read() (State, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return f.Default, nil
		}
		return f.Default, err
	}
	if len(data) == 0 {
		return f.Default, nil
	}
	return ParseState(string(data))
}

func (f *FileSignal) Probe(ctx context.Context) (State, error) {
	return f.Read()
}

// Watch reports the file's state to m on every change until ctx is done.
// The parent directory is watched so that atomic replacements are seen.
func (f *FileSignal) Watch(ctx context.Context, m *Monitor) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(f.Path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	f.report(m)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != f.Path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				f.report(m)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("signal file watcher error", "path", f.Path, "error", err)
		}
	}
}

func (f *FileSignal) report(m *Monitor) {
	state, err := f.Read()
	if err != nil {
		// half-written content is ignored until the next event
		m.logger.Debug("unreadable signal file", "path", f.Path, "error", err)
		return
	}
	m.Report(state, "file")
}
