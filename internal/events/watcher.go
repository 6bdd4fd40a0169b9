package events

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DirWatcher observes one directory, non-recursively, for changes to .json
// files. Raw notifications are coalesced per filename with a short debounce
// window, and the underlying fsnotify watcher is restarted after a fixed
// delay whenever it fails, for as long as the watcher is running.
type DirWatcher struct {
	dir          string
	debounce     time.Duration
	restartDelay time.Duration
	onChange     func(name string) // called with the base filename, post-debounce
	onError      func(err error)

	mu      sync.Mutex
	timers  map[string]*time.Timer
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewDirWatcher creates a watcher for dir. onChange receives debounced base
// filenames; the callback must look at the filesystem itself to distinguish
// create, modify, and delete.
func NewDirWatcher(dir string, debounce, restartDelay time.Duration, onChange func(string), onError func(error)) *DirWatcher {
	return &DirWatcher{
		dir:          dir,
		debounce:     debounce,
		restartDelay: restartDelay,
		onChange:     onChange,
		onError:      onError,
		timers:       make(map[string]*time.Timer),
	}
}

// Start creates the directory if needed and begins watching. Idempotent.
func (w *DirWatcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}

	go w.run()
	return nil
}

// Stop tears the watcher down and cancels all pending debounce timers.
// Safe to call if Start was never called.
func (w *DirWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	for name, t := range w.timers {
		t.Stop()
		delete(w.timers, name)
	}
	done := w.doneCh
	w.mu.Unlock()

	<-done
}

// run keeps a watch session alive, restarting it after restartDelay on
// failure until Stop is called.
func (w *DirWatcher) run() {
	defer close(w.doneCh)

	for {
		err := w.watch()
		if w.stopped() {
			return
		}
		if w.onError != nil {
			w.onError(err)
		}
		select {
		case <-w.stopCh:
			return
		case <-time.After(w.restartDelay):
		}
	}
}

// watch runs one fsnotify session: scan existing files, then stream events
// until failure or Stop. Returns the failure that ended the session.
func (w *DirWatcher) watch() error {
	// Recreate the directory on every session start so a restart heals a
	// deleted watch dir without waiting for an external writer.
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return err
	}

	// Files already present are treated as changed, so triggers that exist at
	// boot (or across a watcher restart) are honored regardless of the watch
	// mechanism's own startup race.
	w.scan()

	for {
		select {
		case <-w.stopCh:
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("watch event channel closed")
			}
			// Deletion of the watched directory itself arrives as a plain
			// Remove event for the dir path, not on the error channel. The
			// inotify watch is dead at that point; end the session so the
			// restart loop can rebuild it.
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && filepath.Clean(ev.Name) == filepath.Clean(w.dir) {
				return errors.New("watched directory removed")
			}
			w.handleEvent(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("watch error channel closed")
			}
			return err
		}
	}
}

func (w *DirWatcher) scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		slog.Warn("events: initial scan failed", "dir", w.dir, "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !isEventFile(e.Name()) {
			continue
		}
		w.notify(e.Name())
	}
}

func (w *DirWatcher) handleEvent(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if !isEventFile(name) {
		return
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	w.notify(name)
}

// notify arms (or re-arms) the debounce timer for name. Rapid successive
// events for the same file collapse into one onChange call.
func (w *DirWatcher) notify(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if t, ok := w.timers[name]; ok {
		t.Stop()
	}
	w.timers[name] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		if !w.running {
			w.mu.Unlock()
			return
		}
		delete(w.timers, name)
		w.mu.Unlock()
		w.onChange(name)
	})
}

func (w *DirWatcher) stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.running
}

func isEventFile(name string) bool {
	return strings.HasSuffix(name, ".json")
}
