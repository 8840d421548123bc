package trace

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"netopsy/pkg/logger"
)

// Watcher follows a recording folder written by another process and feeds
// new and growing session files into a RecordingTrace.
type Watcher struct {
	dir   string
	trace *RecordingTrace

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex

	// files whose start line has been indexed; later writes only append body
	seen map[string]bool

	debounce time.Duration
}

func NewWatcher(dir string) *Watcher {
	return &Watcher{
		dir:      dir,
		trace:    NewRecordingTrace(dir),
		seen:     make(map[string]bool),
		debounce: 100 * time.Millisecond,
	}
}

// Trace is the live index the watcher maintains.
func (w *Watcher) Trace() *RecordingTrace {
	return w.trace
}

// Start indexes what is already in the folder, then watches for changes.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	entries, err := os.ReadDir(w.dir)
	if err == nil {
		for _, e := range entries {
			w.index(filepath.Join(w.dir, e.Name()))
		}
	}

	logger.TraceLog().Str("dir", w.dir).Msg("Started watching trace folder")

	go w.watch(watcher, w.stopCh, w.doneCh)
	return nil
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher == nil {
		return
	}
	close(w.stopCh)
	w.watcher.Close()
	<-w.doneCh
	w.watcher = nil
	logger.TraceLog().Str("dir", w.dir).Msg("Stopped watching trace folder")
}

func (w *Watcher) watch(watcher *fsnotify.Watcher, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	pending := make(map[string]bool)
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !folderEntryPattern.MatchString(filepath.Base(event.Name)) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			pending[event.Name] = true
			timer.Reset(w.debounce)

		case <-timer.C:
			for path := range pending {
				w.index(path)
			}
			pending = make(map[string]bool)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error("trace").Err(err).Msg("Watcher error")
		}
	}
}

// index adds one file to the trace. Files whose start line has not been
// written yet are retried on the next event.
func (w *Watcher) index(path string) {
	name := filepath.Base(path)
	m := folderEntryPattern.FindStringSubmatch(name)
	if m == nil || w.seen[path] {
		return
	}

	portion, err := folderSource{dir: w.dir}.fileData(path, true)
	if err != nil || len(portion) == 0 {
		return
	}

	number, ft, idx, ok := w.trace.parseEntry(name, m[1], m[2], path, portion)
	if !ok {
		return
	}
	w.trace.AddSessionFile(number, ft, idx)
	w.seen[path] = true
}
