// Package watcher re-reads script files when they change on disk.
package watcher

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period after the last write before a change
// is reported.
const DefaultDebounce = 500 * time.Millisecond

// ChangeCallback is called with the new contents of a watched script.
type ChangeCallback func(sessionID, path string, contents []byte)

// Watcher monitors one script file per session.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*sessionWatcher // sessionID → watcher
	debounce time.Duration
	callback ChangeCallback
	logger   *slog.Logger
}

type sessionWatcher struct {
	sessionID string
	path      string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu   sync.Mutex
	last []byte
}

// New creates a new script watcher. A zero debounce selects
// DefaultDebounce.
func New(debounce time.Duration, callback ChangeCallback, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Watcher{
		watchers: make(map[string]*sessionWatcher),
		debounce: debounce,
		callback: callback,
		logger:   logger,
	}
}

// Watch starts watching path for a session, replacing any script the
// session was already watching.
func (w *Watcher) Watch(sessionID, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	contents, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", path, err)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Editors often replace files by rename, which drops a watch on the
	// file itself. Watch the directory and filter by name.
	if err := fsW.Add(filepath.Dir(abs)); err != nil {
		fsW.Close()
		return err
	}

	sw := &sessionWatcher{
		sessionID: sessionID,
		path:      abs,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		last:      contents,
	}

	w.Unwatch(sessionID)
	w.mu.Lock()
	w.watchers[sessionID] = sw
	w.mu.Unlock()

	go w.watchLoop(sw)
	w.logger.Info("watching script", "session", sessionID, "path", abs)
	return nil
}

// Watching returns the script path watched for a session, or "".
func (w *Watcher) Watching(sessionID string) string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if sw, ok := w.watchers[sessionID]; ok {
		return sw.path
	}
	return ""
}

// Unwatch stops watching a session's script.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	sw, ok := w.watchers[sessionID]
	if ok {
		delete(w.watchers, sessionID)
	}
	w.mu.Unlock()

	if ok {
		close(sw.cancel)
		sw.fsWatcher.Close()
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(sw *sessionWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-sw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-sw.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != sw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.reload(sw)
			})

		case err, ok := <-sw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "session", sw.sessionID, "error", err)
		}
	}
}

// reload re-reads the script and notifies if its contents changed.
func (w *Watcher) reload(sw *sessionWatcher) {
	select {
	case <-sw.cancel:
		return
	default:
	}

	contents, err := os.ReadFile(sw.path)
	if err != nil {
		// The file may be mid-replace; the next event retries.
		w.logger.Debug("script not readable", "session", sw.sessionID, "path", sw.path, "error", err)
		return
	}

	sw.mu.Lock()
	if bytes.Equal(contents, sw.last) {
		sw.mu.Unlock()
		return
	}
	sw.last = contents
	sw.mu.Unlock()

	w.logger.Debug("script changed", "session", sw.sessionID, "path", sw.path)
	if w.callback != nil {
		w.callback(sw.sessionID, sw.path, contents)
	}
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
}
