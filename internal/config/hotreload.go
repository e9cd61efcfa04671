package config

import (
	"crypto/sha256"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeHandler receives each newly loaded config.
type ChangeHandler func(cfg *Config)

const defaultReloadDebounce = 300 * time.Millisecond

// Watcher reloads the config file when it changes on disk. Bursts of events
// are debounced, saves that leave the bytes unchanged are ignored, and a
// file that fails to load or validate keeps the previous settings.
type Watcher struct {
	path     string
	fsw      *fsnotify.Watcher
	debounce time.Duration

	mu       sync.Mutex
	handlers []ChangeHandler
	lastSum  [sha256.Size]byte

	done     chan struct{}
	stopOnce sync.Once
}

func NewWatcher(configPath string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     filepath.Clean(configPath),
		fsw:      fsw,
		debounce: defaultReloadDebounce,
		done:     make(chan struct{}),
	}
	if data, err := os.ReadFile(w.path); err == nil {
		w.lastSum = sha256.Sum256(data)
	}
	return w, nil
}

func (w *Watcher) OnChange(handler ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, handler)
}

// Start watches the parent directory, so editors that save by replacing
// the file are still seen.
func (w *Watcher) Start() error {
	if err := w.fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.loop()
	slog.Info("config watcher started", "path", w.path)
	return nil
}

func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.fsw.Close()
		slog.Info("config watcher stopped")
	})
}

func (w *Watcher) loop() {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		slog.Warn("config reload: read failed", "path", w.path, "error", err)
		return
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	if sum == w.lastSum {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("config reload failed, keeping previous config", "error", err)
		return
	}

	w.mu.Lock()
	w.lastSum = sum
	handlers := append([]ChangeHandler(nil), w.handlers...)
	w.mu.Unlock()

	slog.Info("config file changed, reloading", "path", w.path)
	for _, h := range handlers {
		h(cfg)
	}
}
