package trace

import "sync"

// Observer hears about a live recording as the writer fills it in.
// Callbacks run on the writer's goroutine and must not block.
type Observer interface {
	SessionAdded(number int)
	SessionUpdated(number int)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Added   func(number int)
	Updated func(number int)
}

func (o ObserverFuncs) SessionAdded(number int) {
	if o.Added != nil {
		o.Added(number)
	}
}

func (o ObserverFuncs) SessionUpdated(number int) {
	if o.Updated != nil {
		o.Updated(number)
	}
}

// Indexer receives index entries for files a Writer creates.
type Indexer interface {
	AddSessionFile(number int, ft FileType, idx MessageIndex)
}

// RecordingTrace is a Trace that grows while the proxy runs.
type RecordingTrace struct {
	*Trace

	obsMu     sync.RWMutex
	observers []Observer
}

// NewRecordingTrace returns an empty live trace backed by files in dir.
func NewRecordingTrace(dir string) *RecordingTrace {
	return &RecordingTrace{Trace: newTrace(folderSource{dir: dir})}
}

// Observe registers o for add/update notifications.
func (r *RecordingTrace) Observe(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, o)
}

// AddSessionFile updates the session when it already exists and appends a
// new one otherwise, then tells observers which happened.
func (r *RecordingTrace) AddSessionFile(number int, ft FileType, idx MessageIndex) {
	r.mu.Lock()
	r.addSessionFileLocked(number, ft, idx)

	i, exists := r.position(number)
	if !exists {
		r.sessions = append(r.sessions, SessionIndex{})
		copy(r.sessions[i+1:], r.sessions[i:])
		r.sessions[i] = SessionIndex{Number: number}
	}
	switch v := idx.(type) {
	case *RequestIndex:
		r.sessions[i].Request = v
	case *ResponseIndex:
		r.sessions[i].Response = v
	}
	r.mu.Unlock()

	r.obsMu.RLock()
	observers := r.observers
	r.obsMu.RUnlock()

	for _, o := range observers {
		if exists {
			o.SessionUpdated(number)
		} else {
			o.SessionAdded(number)
		}
	}
}
