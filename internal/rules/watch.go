package rules

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes a rule file on disk.
type Watcher struct {
	watcher *fsnotify.Watcher
}

// Watch calls onChange whenever the rule file at path is rewritten. The
// containing directory is watched rather than the file itself, since
// editors and config mounts replace the file instead of writing in place.
func Watch(path string, onChange func()) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("rules: resolving %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("rules: creating watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("rules: watching %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		for {
			select {
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					onChange()
				}
			case _, ok := <-fw.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return &Watcher{watcher: fw}, nil
}

// Close stops watching; the callback is never invoked afterwards.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
