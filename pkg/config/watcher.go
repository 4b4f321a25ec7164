// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher monitors a config file, or a directory of YAML files, and reloads
// the whole configuration after writes settle.
type Watcher struct {
	path     string
	isDir    bool
	onChange func(*Config, string)
	logger   *zap.Logger
	debounce time.Duration

	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for path. onChange is called with the
// reloaded config and the name of the changed file; it is not called when
// the new config fails to load or validate.
func NewWatcher(path string, onChange func(*Config, string), logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger.Named("config"),
		debounce: defaultDebounce,
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching for changes.
func (w *Watcher) Start(ctx context.Context) error {
	fi, err := os.Stat(w.path)
	if err != nil {
		return err
	}
	w.isDir = fi.IsDir()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw

	// A single file is watched through its directory so that editors that
	// replace the file by rename keep being seen.
	dir := w.path
	if !w.isDir {
		dir = filepath.Dir(w.path)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return err
	}

	go w.loop(ctx)
	w.logger.Info("config watcher started", zap.String("path", w.path))
	return nil
}

// Stop shuts down the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

func (w *Watcher) relevant(name string) bool {
	if !w.isDir {
		return filepath.Clean(name) == filepath.Clean(w.path)
	}
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

func (w *Watcher) loop(ctx context.Context) {
	var debounceTimer *time.Timer
	stopTimer := func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			file := filepath.Base(event.Name)
			w.logger.Debug("config file changed", zap.String("file", file))

			stopTimer()
			debounceTimer = time.AfterFunc(w.debounce, func() {
				w.reload(file)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-ctx.Done():
			stopTimer()
			return

		case <-w.stopCh:
			stopTimer()
			return
		}
	}
}

func (w *Watcher) reload(changedFile string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var (
		cfg *Config
		err error
	)
	if w.isDir {
		cfg, err = LoadDir(w.path)
	} else {
		cfg, err = Load(w.path)
	}
	if err != nil {
		w.logger.Error("config reload failed", zap.String("file", changedFile), zap.Error(err))
		return
	}

	w.logger.Info("config reloaded", zap.String("trigger", changedFile))
	w.onChange(cfg, changedFile)
}
