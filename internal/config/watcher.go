package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("objectd.config")

// debounce absorbs the burst of events editors emit for one save.
const debounce = 200 * time.Millisecond

// ChangeFunc is called with the old and new configuration after a
// successful reload.
type ChangeFunc func(old, updated *Config)

// Watcher reloads a configuration file when it changes on disk. Reloads
// that fail to parse or validate keep the previous configuration.
type Watcher struct {
	path string
	fsw  *fsnotify.Watcher

	mu        sync.RWMutex
	current   *Config
	callbacks []ChangeFunc

	wg sync.WaitGroup
}

// NewWatcher loads path and prepares a watcher over it.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create filesystem watcher: %w", err)
	}
	return &Watcher{path: path, fsw: fsw, current: cfg}, nil
}

// Current returns the most recently loaded valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback invoked after each successful reload.
// Register before Start.
func (w *Watcher) OnChange(fn ChangeFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start begins watching until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fsw.Add(w.path); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop closes the watcher and waits for its goroutine.
func (w *Watcher) Stop() error {
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var pending *time.Timer
	for {
		select {
		case <-ctx.Done():
			if pending != nil {
				pending.Stop()
			}
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			switch {
			case event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create):
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(debounce, w.reload)
			case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
				// Editors often replace the file; re-add once it reappears.
				logger.Debugf("config file %s moved away", w.path)
				time.AfterFunc(time.Second, func() {
					if err := w.fsw.Add(w.path); err != nil {
						logger.Warningf("re-watch %s: %v", w.path, err)
					}
				})
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warningf("config watcher: %v", err)
		}
	}
}

// Reload re-reads the file immediately, bypassing debounce.
func (w *Watcher) Reload() error {
	updated, err := Load(w.path)
	if err != nil {
		return err
	}
	w.swap(updated)
	return nil
}

func (w *Watcher) reload() {
	if err := w.Reload(); err != nil {
		logger.Warningf("reload %s rejected, keeping previous config: %v", w.path, err)
		return
	}
	logger.Infof("configuration reloaded from %s", w.path)
}

func (w *Watcher) swap(updated *Config) {
	w.mu.Lock()
	old := w.current
	w.current = updated
	callbacks := make([]ChangeFunc, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, fn := range callbacks {
		fn(old, updated)
	}
}
