package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/popper/internal/logging"
	"github.com/asheshgoplani/popper/internal/platform"
)

var configLog = logging.ForComponent(logging.CompConfig)

// debounceDelay coalesces the burst of events an editor produces on save.
const debounceDelay = 150 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands the new
// config to a callback. The directory is watched rather than the file so
// editors that save through rename are still seen.
type Watcher struct {
	dir      string
	file     string
	watcher  *fsnotify.Watcher
	onChange func(*Config, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for the config file. Call Start to begin.
func NewWatcher(onChange func(*Config, error)) (*Watcher, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		dir:      filepath.Dir(path),
		file:     filepath.Base(path),
		watcher:  fw,
		onChange: onChange,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins watching. It returns an error if the directory cannot be watched.
func (w *Watcher) Start() error {
	if warning := platform.WatchWarning(w.dir); warning != "" {
		configLog.Warn("config_watch_unreliable",
			slog.String("dir", w.dir),
			slog.String("warning", warning))
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	w.wg.Add(1)
	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != w.file {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceDelay, w.reload)
			timerMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			configLog.Warn("config_watcher_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	if w.ctx.Err() != nil {
		return
	}
	cfg, err := Reload()
	if err != nil {
		configLog.Warn("config_reload_failed", slog.String("error", err.Error()))
	} else {
		configLog.Info("config_reloaded", slog.String("dir", w.dir))
	}
	if w.onChange != nil {
		w.onChange(cfg, err)
	}
}

// Stop shuts down the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.cancel()
	_ = w.watcher.Close()
	w.wg.Wait()
}
