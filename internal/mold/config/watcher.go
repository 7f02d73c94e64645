package config

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a stream-set YAML file for changes and re-parses it on
// every write/create/rename event, handing the result (or the parse error)
// to onChange. Many editors and config-management tools replace a file via
// rename rather than an in-place write, so the directory is watched rather
// than the file itself, and events are filtered down to the target path.
type Watcher struct {
	path     string
	fsw      *fsnotify.Watcher
	logger   *slog.Logger
	onChange func(*FileConfig, error)

	closeOnce sync.Once
	done      chan struct{}
}

// NewWatcher starts watching path's parent directory. onChange is invoked
// from the watcher's own goroutine on every relevant filesystem event; it
// must not block for long.
func NewWatcher(path string, onChange func(*FileConfig, error), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		fsw:      fsw,
		logger:   logger,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Error("config: reload failed, keeping previous configuration", "path", w.path, "err", err)
			} else {
				w.logger.Info("config: reloaded stream configuration", "path", w.path, "streams", len(cfg.Streams))
			}
			w.onChange(cfg, err)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config: watcher error", "path", w.path, "err", err)
		}
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.fsw.Close()
	})
	<-w.done
	return err
}
