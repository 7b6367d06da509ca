package fxmonitor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchConfig reloads the config file whenever it is written or replaced.
// Editors often replace files, so the containing directory is watched.
func (m *Monitor) watchConfig(ctx context.Context) error {
	if m.configPath == "" {
		return nil
	}
	abs, err := filepath.Abs(m.configPath)
	if err != nil {
		return fmt.Errorf("unable to resolve config path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	dir := filepath.Dir(abs)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}
	m.log.Info("Watching config file", slog.String("file", abs))

	var mu sync.Mutex
	var timer *time.Timer
	debounce := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceDelay, func() {
			if ctx.Err() == nil {
				m.Reload()
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				m.log.Debug("Config file event detected", slog.String("op", event.Op.String()))
				debounce()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.log.Error("Watcher error", slog.String("err", err.Error()))
		case <-ctx.Done():
			return nil
		}
	}
}
