// Package watcher turns on-disk source changes into restart requests.
// After a self-improvement applies changes that need a new process, the
// watcher is what closes the loop: it sees the mutated targets and asks
// the orchestrator to shut down gracefully so the supervisor restarts it
// and the startup reconciler can validate.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds the improve.watch_* settings.
type Config struct {
	Enabled  bool
	Debounce time.Duration
}

// ConfigFromViper reads the improve.watch_* settings.
func ConfigFromViper() Config {
	return Config{
		Enabled:  viper.GetBool("improve.watch_restart"),
		Debounce: viper.GetDuration("improve.watch_debounce"),
	}
}

// RestartFunc receives the path whose change triggered the request.
type RestartFunc func(path string)

// Watcher watches a fixed set of files and fires the restart callback
// once, after writes settle for the debounce window. Watching the parent
// directories instead of the files themselves survives atomic
// write-and-rename editors.
type Watcher struct {
	paths     map[string]bool
	debounce  time.Duration
	onRestart RestartFunc
	logger    *slog.Logger

	mu    sync.Mutex
	fired bool
}

// New builds a watcher over the given files. Paths are resolved to
// absolute form so events match regardless of how they were spelled.
func New(paths []string, onRestart RestartFunc, cfg Config, logger *slog.Logger) (*Watcher, error) {
	if onRestart == nil {
		return nil, errors.New("watcher needs a restart callback")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	resolved := make(map[string]bool, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		resolved[abs] = true
	}
	return &Watcher{
		paths:     resolved,
		debounce:  cfg.Debounce,
		onRestart: onRestart,
		logger:    logger,
	}, nil
}

// Start watches until ctx is cancelled or the restart fires. Blocks.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dirs := make(map[string]bool)
	for p := range w.paths {
		dirs[filepath.Dir(p)] = true
	}
	for d := range dirs {
		if err := fw.Add(d); err != nil {
			w.logger.Warn("failed to watch directory", "dir", d, "error", err)
		}
	}
	w.logger.Info("restart watcher started",
		"files", len(w.paths), "directories", len(dirs), "debounce", w.debounce)

	var pending string
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			pending = ev.Name
			// Restart the window: editors often write in bursts.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(w.debounce)
			}

		case <-fire:
			w.fire(pending)
			return nil

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	abs, err := filepath.Abs(ev.Name)
	if err != nil {
		return false
	}
	return w.paths[abs]
}

// fire invokes the callback at most once for the watcher's lifetime.
func (w *Watcher) fire(path string) {
	w.mu.Lock()
	if w.fired {
		w.mu.Unlock()
		return
	}
	w.fired = true
	w.mu.Unlock()

	w.logger.Info("watched file changed, requesting restart", "path", path)
	w.onRestart(path)
}
