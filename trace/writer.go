package trace

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"netopsy/pkg/logger"
)

var (
	ErrSessionEnded   = errors.New("trace: session already ended")
	ErrUnknownSession = errors.New("trace: unknown session")
	ErrSessionExists  = errors.New("trace: session already started")
)

// SessionRecorder is what the proxy listener feeds. Writer implements it.
type SessionRecorder interface {
	StartSession(number int, method string, u *url.URL) error
	StartResponse(number int, code int, text string) error
	WriteRequest(number int, data []byte) error
	WriteResponse(number int, data []byte) error
	EndSession(number int) error
}

// ========================================
// sessionWriter
// ========================================

// sessionWriter serializes one session's appends on its own goroutine, so
// writes of one session stay ordered while sessions proceed in parallel.
type sessionWriter struct {
	number   int
	reqPath  string
	respPath string

	mu     sync.Mutex
	closed bool
	ops    chan func() error
	done   chan struct{}

	// owned by the run goroutine until done is closed
	req  *os.File
	resp *os.File
	err  error
}

func newSessionWriter(basePath string, number int) *sessionWriter {
	sw := &sessionWriter{
		number:   number,
		reqPath:  filepath.Join(basePath, FileName(number, FileRequest)),
		respPath: filepath.Join(basePath, FileName(number, FileResponse)),
		ops:      make(chan func() error, 64),
		done:     make(chan struct{}),
	}
	go sw.run()
	return sw
}

func (sw *sessionWriter) run() {
	defer close(sw.done)
	for op := range sw.ops {
		if err := op(); err != nil && sw.err == nil {
			sw.err = err
			logger.Error("trace").Err(err).Int("session", sw.number).Msg("Session write failed")
		}
	}
	for _, f := range []*os.File{sw.req, sw.resp} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && sw.err == nil {
			sw.err = err
		}
	}
}

func (sw *sessionWriter) enqueue(op func() error) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return ErrSessionEnded
	}
	sw.ops <- op
	return nil
}

// appendTo opens *f on first use; the file only exists once data arrives.
func appendTo(f **os.File, path string, data []byte) error {
	if *f == nil {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("create %s: %w", filepath.Base(path), err)
		}
		*f = file
	}
	if _, err := (*f).Write(data); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (sw *sessionWriter) writeRequest(data []byte) error {
	return sw.enqueue(func() error { return appendTo(&sw.req, sw.reqPath, data) })
}

func (sw *sessionWriter) writeResponse(data []byte) error {
	return sw.enqueue(func() error { return appendTo(&sw.resp, sw.respPath, data) })
}

// shutdown drains pending writes, closes the files and reports the first error.
func (sw *sessionWriter) shutdown() error {
	sw.mu.Lock()
	if !sw.closed {
		sw.closed = true
		close(sw.ops)
	}
	sw.mu.Unlock()

	<-sw.done
	return sw.err
}

// ========================================
// Writer
// ========================================

// Writer persists sessions as NNN_c.txt / NNN_s.txt under one directory and
// reports each new file to an Indexer.
type Writer struct {
	basePath string
	indexer  Indexer

	mu       sync.Mutex
	sessions map[int]*sessionWriter
	ended    spanSet
}

// NewWriter creates dir (or a fresh directory under the system temp dir when
// dir is empty). indexer may be nil.
func NewWriter(dir string, indexer Indexer) (*Writer, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), uuid.New().String())
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}

	logger.TraceLog().Str("dir", dir).Msg("Recording session")

	return &Writer{
		basePath: dir,
		indexer:  indexer,
		sessions: make(map[int]*sessionWriter),
	}, nil
}

// Dir is where session files are written.
func (w *Writer) Dir() string {
	return w.basePath
}

func (w *Writer) lookup(number int) (*sessionWriter, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if sw, ok := w.sessions[number]; ok {
		return sw, nil
	}
	if w.ended.contains(number) {
		return nil, fmt.Errorf("session %d: %w", number, ErrSessionEnded)
	}
	return nil, fmt.Errorf("session %d: %w", number, ErrUnknownSession)
}

func contractViolation(err error, op string, number int) error {
	logger.Error("trace").Err(err).Str("op", op).Int("session", number).Msg("Trace writer misuse")
	return err
}

// StartSession opens session number and indexes its request file.
func (w *Writer) StartSession(number int, method string, u *url.URL) error {
	w.mu.Lock()
	if _, ok := w.sessions[number]; ok || w.ended.contains(number) {
		w.mu.Unlock()
		return contractViolation(fmt.Errorf("session %d: %w", number, ErrSessionExists), "start", number)
	}
	sw := newSessionWriter(w.basePath, number)
	w.sessions[number] = sw
	w.mu.Unlock()

	if w.indexer != nil {
		w.indexer.AddSessionFile(number, FileRequest, &RequestIndex{Method: method, URL: u, Path: sw.reqPath})
	}
	return nil
}

// StartResponse indexes the response file of a started session.
func (w *Writer) StartResponse(number int, code int, text string) error {
	sw, err := w.lookup(number)
	if err != nil {
		return contractViolation(err, "start_response", number)
	}
	if w.indexer != nil {
		w.indexer.AddSessionFile(number, FileResponse, &ResponseIndex{StatusCode: code, StatusText: text, Path: sw.respPath})
	}
	return nil
}

// WriteRequest appends to the request file. data is copied.
func (w *Writer) WriteRequest(number int, data []byte) error {
	sw, err := w.lookup(number)
	if err != nil {
		return contractViolation(err, "write_request", number)
	}
	if err := sw.writeRequest(append([]byte(nil), data...)); err != nil {
		return contractViolation(fmt.Errorf("session %d: %w", number, err), "write_request", number)
	}
	return nil
}

// WriteResponse appends to the response file. data is copied.
func (w *Writer) WriteResponse(number int, data []byte) error {
	sw, err := w.lookup(number)
	if err != nil {
		return contractViolation(err, "write_response", number)
	}
	if err := sw.writeResponse(append([]byte(nil), data...)); err != nil {
		return contractViolation(fmt.Errorf("session %d: %w", number, err), "write_response", number)
	}
	return nil
}

// EndSession waits for the session's queued writes, closes its files and
// returns the first write error. Later writes fail with ErrSessionEnded.
func (w *Writer) EndSession(number int) error {
	w.mu.Lock()
	sw, ok := w.sessions[number]
	if ok {
		delete(w.sessions, number)
		w.ended.add(number)
	}
	w.mu.Unlock()

	if !ok {
		if w.isEnded(number) {
			return nil
		}
		return contractViolation(fmt.Errorf("session %d: %w", number, ErrUnknownSession), "end", number)
	}
	return sw.shutdown()
}

func (w *Writer) isEnded(number int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ended.contains(number)
}

// Close ends every open session.
func (w *Writer) Close() error {
	w.mu.Lock()
	numbers := make([]int, 0, len(w.sessions))
	for n := range w.sessions {
		numbers = append(numbers, n)
	}
	w.mu.Unlock()

	var first error
	for _, n := range numbers {
		if err := w.EndSession(n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ========================================
// Ended numbers
// ========================================

type span struct{ lo, hi int }

// spanSet holds ended session numbers as sorted runs, merged as they touch.
// Numbers end in roughly the order they start, so its size follows the
// sessions still open rather than the length of the recording.
type spanSet []span

// search returns the first run whose hi is at least n.
func (s spanSet) search(n int) int {
	return sort.Search(len(s), func(i int) bool { return s[i].hi >= n })
}

func (s spanSet) contains(n int) bool {
	i := s.search(n)
	return i < len(s) && s[i].lo <= n
}

func (s *spanSet) add(n int) {
	runs := *s
	i := runs.search(n)
	if i < len(runs) && runs[i].lo <= n {
		return
	}
	prev := i > 0 && runs[i-1].hi == n-1
	next := i < len(runs) && runs[i].lo == n+1
	switch {
	case prev && next:
		runs[i-1].hi = runs[i].hi
		runs = slices.Delete(runs, i, i+1)
	case prev:
		runs[i-1].hi = n
	case next:
		runs[i].lo = n
	default:
		runs = slices.Insert(runs, i, span{n, n})
	}
	*s = runs
}
