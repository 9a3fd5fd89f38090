package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeCallback is invoked with a freshly loaded and validated File each
// time the watched file changes. It runs synchronously on the watcher's
// own goroutine: a panicking callback is recovered and logged without
// stopping the watcher loop, but a slow one blocks the loop and delays
// the next reload.
type ChangeCallback func(File)

// Watcher republishes a new, fully validated File every time the backing
// path changes, reacting to real filesystem write/create events via
// fsnotify rather than polling a checksum.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu        sync.Mutex
	callbacks []ChangeCallback

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewWatcher creates the underlying fsnotify watcher for path; nothing is
// watched until Start. The watch is placed on path itself, not on its
// containing directory, so a file replaced via rename (as some editors
// save) is not followed after the replacement. A nil logger is replaced
// with zap.NewNop().
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Watcher{path: path, watcher: fw, logger: logger, stopCh: make(chan struct{})}
	return w, nil
}

// OnChange registers a callback. Safe to call before or after Start.
func (w *Watcher) OnChange(cb ChangeCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start begins watching in a background goroutine. It returns once the
// underlying fsnotify watch is registered; reload events are delivered
// asynchronously.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.path); err != nil {
		return err
	}
	go w.loop()
	return nil
}

// Stop releases the underlying fsnotify watch. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config: watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	f, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config: reload failed, keeping previous config", zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.Lock()
	callbacks := w.callbacks
	w.mu.Unlock()

	for _, cb := range callbacks {
		w.safeInvoke(cb, f)
	}
}

func (w *Watcher) safeInvoke(cb ChangeCallback, f File) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Warn("config: change callback panicked", zap.Any("recovered", r))
		}
	}()
	cb(f)
}
