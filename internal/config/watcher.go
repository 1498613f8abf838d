package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 1500 * time.Millisecond

// Watcher reloads a file through loader whenever it changes and hands the
// fresh value to every registered handler. It watches the parent directory
// so editors that save by rename-and-replace are still seen.
type Watcher[T any] struct {
	path     string
	loader   func(path string) (T, error)
	logger   *slog.Logger
	debounce time.Duration
	onError  func(error)

	mu       sync.Mutex
	handlers map[int]func(T)
	nextID   int

	fs   *fsnotify.Watcher
	stop chan struct{}
	done chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption[T any] func(*Watcher[T])

// WithDebounce coalesces bursts of writes into one reload.
func WithDebounce[T any](d time.Duration) WatcherOption[T] {
	return func(w *Watcher[T]) { w.debounce = d }
}

// WithErrorHandler is called when a reload fails; handlers are skipped.
func WithErrorHandler[T any](fn func(error)) WatcherOption[T] {
	return func(w *Watcher[T]) { w.onError = fn }
}

// NewWatcher creates a watcher that runs loader on path after each change.
func NewWatcher[T any](path string, loader func(string) (T, error), logger *slog.Logger, opts ...WatcherOption[T]) *Watcher[T] {
	w := &Watcher[T]{
		path:     filepath.Clean(path),
		loader:   loader,
		logger:   logger,
		debounce: defaultDebounce,
		handlers: make(map[int]func(T)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnReload registers fn and returns its unsubscribe function.
func (w *Watcher[T]) OnReload(fn func(T)) func() {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.handlers[id] = fn
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.handlers, id)
		w.mu.Unlock()
	}
}

// Start begins watching the file's directory.
func (w *Watcher[T]) Start() error {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fs.Add(filepath.Dir(w.path)); err != nil {
		fs.Close()
		return err
	}

	w.fs = fs
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.logger.Info("Watching config file", "path", w.path, "debounce", w.debounce)

	go w.loop()
	return nil
}

// Stop ends watching and waits for the loop to exit. Pending reloads are
// dropped.
func (w *Watcher[T]) Stop() error {
	if w.fs == nil {
		return nil
	}
	close(w.stop)
	<-w.done
	err := w.fs.Close()
	w.fs = nil
	return err
}

func (w *Watcher[T]) loop() {
	defer close(w.done)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("Config file event", "op", ev.Op.String())
			timer.Reset(w.debounce)

		case <-timer.C:
			w.reload()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "error", err)
		}
	}
}

func (w *Watcher[T]) reload() {
	value, err := w.loader(w.path)
	if err != nil {
		w.logger.Warn("Config reload failed, keeping previous values", "path", w.path, "error", err)
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	w.mu.Lock()
	handlers := make([]func(T), 0, len(w.handlers))
	for _, fn := range w.handlers {
		handlers = append(handlers, fn)
	}
	w.mu.Unlock()

	w.logger.Info("Config reloaded", "path", w.path, "handlers", len(handlers))
	for _, fn := range handlers {
		fn(value)
	}
}
