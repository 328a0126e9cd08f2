package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kraklabs/embedpipe/internal/logging"
)

// OnReload is invoked after a successful hot-reload with the whole reloaded
// Config, whose encoder sections are carried over unchanged from the prior
// config (model/vocab paths are fixed at construction per §4.4/§6).
type OnReload func(*Config)

// Watcher hot-reloads the non-critical knobs in a config file: session
// memory mode/limit, thread counts, and scheduler batching — never the
// encoder model/vocab/merges paths, which stay pinned to whatever was
// loaded at orchestrator construction. Uses a directory watch + debounce
// to survive editors' atomic-save rename dance.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	filePath  string
	callbacks []OnReload
	mu        sync.Mutex
	done      chan struct{}
	log       *logging.Logger
}

// Watch starts watching path for changes and hot-reloading it.
func Watch(path string) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config watcher: file path must not be empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config watcher: resolving path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: creating fsnotify watcher: %w", err)
	}

	// Watch the containing directory, not the file itself: editors that
	// save atomically (write tmp + rename) change the inode, which a
	// file-level watch misses.
	dir := filepath.Dir(absPath)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config watcher: watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fsw,
		filePath:  absPath,
		done:      make(chan struct{}),
		log:       logging.New("config"),
	}
	go w.loop()
	return w, nil
}

// OnChange registers a callback invoked after each successful reload.
func (w *Watcher) OnChange(fn OnReload) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	const debounce = 100 * time.Millisecond
	var timer *time.Timer

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.filePath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, w.reload)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warnf("watch error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	prior := Get()
	next, err := Load(w.filePath)
	if err != nil {
		w.log.Warnf("reload failed: %v (keeping previous config)", err)
		return
	}

	// Encoder paths and devices are pinned for the orchestrator's lifetime
	// (§4.9 "EncoderSession ... held for the orchestrator's lifetime");
	// only the knobs below are allowed to move underneath a running
	// pipeline.
	next.Semantic, next.ClipL, next.ClipG, next.Vision = prior.Semantic, prior.ClipL, prior.ClipG, prior.Vision
	current.Store(next)

	w.log.Infof("config reloaded from %s", w.filePath)

	w.mu.Lock()
	cbs := make([]OnReload, len(w.callbacks))
	copy(cbs, w.callbacks)
	w.mu.Unlock()
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.log.Warnf("reload callback panicked: %v", r)
				}
			}()
			cb(next)
		}()
	}
}
