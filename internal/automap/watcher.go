package automap

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow: editors save rule files in bursts; a change is reported
// once the file has been quiet for this long.
const debounceWindow = 250 * time.Millisecond

// Watcher reloads rule files as they change on disk and reports the
// affected rule names. The server drains Changes() inside its tick, so
// rule updates enter the single-threaded processing path like any other
// event.
type Watcher struct {
	store   *Store
	fs      *fsnotify.Watcher
	changes chan string

	mu      sync.Mutex
	pending map[string]*time.Timer
	done    chan struct{}
	wg      sync.WaitGroup
}

// Watch starts watching dir for rule file changes, reloading into store.
func Watch(dir string, store *Store) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return nil, err
	}

	w := &Watcher{
		store:   store,
		fs:      fs,
		changes: make(chan string, 64),
		pending: make(map[string]*time.Timer),
		done:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Changes reports names of rules reloaded from disk.
func (w *Watcher) Changes() <-chan string {
	return w.changes
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()

	w.mu.Lock()
	for _, t := range w.pending {
		t.Stop()
	}
	w.pending = nil
	w.mu.Unlock()
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !isRuleFile(ev.Name) {
				continue
			}
			w.debounce(ev.Name)
		case _, ok := <-w.fs.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) debounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending == nil {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Reset(debounceWindow)
		return
	}
	w.pending[path] = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.reload(path)
	})
}

func (w *Watcher) reload(path string) {
	rule, err := ParseFile(path)
	if err != nil {
		return
	}
	w.store.Put(rule)
	select {
	case w.changes <- rule.Name:
	case <-w.done:
	default:
		// Channel full: the server is behind; the rule is already in the
		// store, only the notification is dropped.
	}
}

func isRuleFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
