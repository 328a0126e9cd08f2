// Package watchshim adapts a filesystem watch into a stream of ImageEvents
// feeding the orchestrator's process_one path — a folder-scanning
// supplement beyond the "file scanning ... is an external collaborator"
// boundary drawn in §1. Structure (recursive directory add, a per-path
// debounce timer map, the events/errors select loop) generalizes from
// "re-index this source file" to "emit this new image path downstream".
package watchshim

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kraklabs/embedpipe/internal/logging"
)

// ImageEvent is a settled (debounced) filesystem change for one image path.
type ImageEvent struct {
	Path     string
	FileSize int64
}

var supportedExt = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".webp": true, ".gif": true,
}

// IsSupportedImage reports whether path's extension is one the image
// preprocessor can decode (internal/preprocess).
func IsSupportedImage(path string) bool {
	return supportedExt[strings.ToLower(filepath.Ext(path))]
}

// Watcher watches a directory tree for new or modified image files and
// emits one debounced ImageEvent per settled path.
type Watcher struct {
	fw     *fsnotify.Watcher
	events chan ImageEvent
	log    *logging.Logger
}

// New constructs a Watcher. Call Watch to start consuming filesystem
// events; read Events() concurrently or events will back up.
func New() (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watchshim: %w", err)
	}
	return &Watcher{fw: fw, events: make(chan ImageEvent, 256), log: logging.New("watchshim")}, nil
}

// Events returns the channel of settled image events.
func (w *Watcher) Events() <-chan ImageEvent { return w.events }

// Watch adds rootDir (and all subdirectories) to the watch list and
// processes events until ctx is cancelled, at which point it closes the
// events channel and releases the underlying watcher.
func (w *Watcher) Watch(ctx context.Context, rootDir string) error {
	defer close(w.events)
	defer w.fw.Close()

	if err := w.addDirRecursive(rootDir); err != nil {
		return err
	}

	const debounce = 500 * time.Millisecond
	pending := make(map[string]*time.Timer)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	emit := func(path string) {
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		select {
		case w.events <- ImageEvent{Path: path, FileSize: info.Size()}:
		case <-ctx.Done():
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			path := event.Name

			if event.Has(fsnotify.Create) {
				if fi, err := os.Stat(path); err == nil && fi.IsDir() {
					_ = w.addDirRecursive(path)
					continue
				}
			}
			if !IsSupportedImage(path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if t, ok := pending[path]; ok {
				t.Stop()
			}
			pending[path] = time.AfterFunc(debounce, func() { emit(path) })

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warnf("watch error: %v", err)
		}
	}
}

func (w *Watcher) addDirRecursive(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("watchshim: read %s: %w", dir, err)
	}
	if err := w.fw.Add(dir); err != nil {
		return fmt.Errorf("watchshim: watch %s: %w", dir, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if e.IsDir() {
			if err := w.addDirRecursive(filepath.Join(dir, e.Name())); err != nil {
				w.log.Warnf("skip dir: %v", err)
			}
		}
	}
	return nil
}
