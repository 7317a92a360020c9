package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher holds the live Config and reloads it whenever the backing file
// changes; callers of Current see the reloaded values. Components built
// from an earlier snapshot keep the values they were built with.
type Watcher struct {
	mu     sync.RWMutex
	path   string
	config *Config
	logger *logrus.Logger
	fsw    *fsnotify.Watcher
}

// NewWatcher loads path once and starts watching it for writes.
func NewWatcher(path string, logger *logrus.Logger) (*Watcher, error) {
	config, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{path: path, config: config, logger: logger, fsw: fsw}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			reloaded, err := Load(w.path)
			if err != nil {
				w.logger.WithError(err).Warn("config reload failed, keeping previous configuration")
				continue
			}
			w.mu.Lock()
			w.config = reloaded
			w.mu.Unlock()
			w.logger.Info("configuration reloaded")
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("config watcher error")
		}
	}
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Close stops the underlying filesystem watch.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
