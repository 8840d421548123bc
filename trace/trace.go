// Package trace records proxied sessions to disk and reads recordings back.
//
// A recording is a flat set of files named NNN_c.txt (raw request bytes) and
// NNN_s.txt (raw response bytes), either in a folder or under raw/ in a zip.
package trace

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"netopsy/parsing"
	"netopsy/pkg/logger"
)

// PortionSize is how much of a file is read to build its index entry.
const PortionSize = 1000

var (
	folderEntryPattern = regexp.MustCompile(`^(\d+)_(\w)\.(\w+)$`)
	zipEntryPattern    = regexp.MustCompile(`^raw/(\d+)_(\w)\.(\w+)$`)

	ErrMissingFile = errors.New("trace: file not in recording")
	ErrNoSession   = errors.New("trace: session has no such message")
)

type source interface {
	fileData(path string, portion bool) ([]byte, error)
	Close() error
}

// ========================================
// Trace
// ========================================

// Trace is an index over one recording. Safe for concurrent use.
type Trace struct {
	src    source
	reader Reader

	mu       sync.RWMutex
	info     map[int]map[FileType]MessageIndex
	sessions []SessionIndex
}

func newTrace(src source) *Trace {
	return &Trace{src: src, info: make(map[int]map[FileType]MessageIndex)}
}

// Sessions returns a snapshot of all sessions ordered by number.
func (t *Trace) Sessions() []SessionIndex {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]SessionIndex, len(t.sessions))
	copy(out, t.sessions)
	return out
}

func (t *Trace) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Session looks a session up by number.
func (t *Trace) Session(number int) (SessionIndex, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.position(number)
	if !ok {
		return SessionIndex{}, false
	}
	return t.sessions[i], true
}

// position must be called with t.mu held.
func (t *Trace) position(number int) (int, bool) {
	i := sort.Search(len(t.sessions), func(i int) bool { return t.sessions[i].Number >= number })
	return i, i < len(t.sessions) && t.sessions[i].Number == number
}

// FileData reads a stored file. With portion set only the leading bytes
// needed for indexing are returned.
func (t *Trace) FileData(path string, portion bool) ([]byte, error) {
	return t.src.fileData(path, portion)
}

// Request loads and parses the full request of a session.
func (t *Trace) Request(s SessionIndex) (*parsing.RequestMessage, error) {
	if s.Request == nil {
		return nil, fmt.Errorf("session %d request: %w", s.Number, ErrNoSession)
	}
	data, err := t.FileData(s.Request.Path, false)
	if err != nil {
		return nil, err
	}
	return t.reader.Request(data)
}

// Response loads and parses the full response of a session.
func (t *Trace) Response(s SessionIndex) (*parsing.ResponseMessage, error) {
	if s.Response == nil {
		return nil, fmt.Errorf("session %d response: %w", s.Number, ErrNoSession)
	}
	data, err := t.FileData(s.Response.Path, false)
	if err != nil {
		return nil, err
	}
	return t.reader.Response(data)
}

func (t *Trace) Close() error {
	return t.src.Close()
}

// addSessionFile records a file in the raw index; updateSessions publishes it.
func (t *Trace) addSessionFile(number int, ft FileType, idx MessageIndex) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addSessionFileLocked(number, ft, idx)
}

func (t *Trace) addSessionFileLocked(number int, ft FileType, idx MessageIndex) {
	session, ok := t.info[number]
	if !ok {
		session = make(map[FileType]MessageIndex)
		t.info[number] = session
	}
	session[ft] = idx
}

func (t *Trace) updateSessions() {
	t.mu.Lock()
	defer t.mu.Unlock()

	sessions := make([]SessionIndex, 0, len(t.info))
	for number, files := range t.info {
		s := SessionIndex{Number: number}
		s.Request, _ = files[FileRequest].(*RequestIndex)
		s.Response, _ = files[FileResponse].(*ResponseIndex)
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Number < sessions[j].Number })
	t.sessions = sessions
}

// parseEntry builds the index entry for one matched file from its portion.
func (t *Trace) parseEntry(name, numStr, typeStr, path string, portion []byte) (int, FileType, MessageIndex, bool) {
	number, err := strconv.Atoi(numStr)
	if err != nil {
		logger.Error("parse").Str("file", name).Msg("Unable to get session number for portion")
		return 0, FileUnknown, nil, false
	}

	switch ft := ParseFileType(typeStr); ft {
	case FileRequest:
		method, u, err := t.reader.RequestIndex(portion)
		if err != nil {
			logger.ParseLog().Err(err).Str("file", name).Msg("Skipping unreadable request")
			return 0, ft, nil, false
		}
		return number, ft, &RequestIndex{Method: method, URL: u, Path: path}, true
	case FileResponse:
		code, text, err := t.reader.ResponseIndex(portion)
		if err != nil {
			logger.ParseLog().Err(err).Str("file", name).Msg("Skipping unreadable response")
			return 0, ft, nil, false
		}
		return number, ft, &ResponseIndex{StatusCode: code, StatusText: text, Path: path}, true
	default:
		logger.ParseLog().Str("file", name).Str("type", typeStr).Msg("Ignoring portion")
		return 0, ft, nil, false
	}
}

func (t *Trace) indexEntry(name, numStr, typeStr, path string, portion []byte) {
	if number, ft, idx, ok := t.parseEntry(name, numStr, typeStr, path, portion); ok {
		t.addSessionFile(number, ft, idx)
	}
}

// ========================================
// Folder recordings
// ========================================

type folderSource struct {
	dir string
}

func (f folderSource) fileData(path string, portion bool) ([]byte, error) {
	if !portion {
		return os.ReadFile(path)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	buf := make([]byte, PortionSize)
	n, err := io.ReadFull(file, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("read portion of %s: %w", path, err)
	}
	buf = buf[:n]
	if n > 0 && !bytes.Contains(buf, parsing.LineSeparator) {
		logger.ParseLog().Str("file", path).Int("bytes", n).Msg("No line separator found in first portion")
	}
	return buf, nil
}

func (folderSource) Close() error { return nil }

// OpenFolder indexes a recording directory.
func OpenFolder(dir string) (*Trace, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("open trace folder: %w", err)
	}

	t := newTrace(folderSource{dir: dir})
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name[0] == '.' {
			continue
		}
		m := folderEntryPattern.FindStringSubmatch(name)
		if m == nil {
			logger.ParseLog().Str("file", name).Msg("Ignoring unmatched portion")
			continue
		}

		path := filepath.Join(dir, name)
		portion, err := t.src.fileData(path, true)
		if err != nil {
			logger.Error("parse").Err(err).Str("file", name).Msg("Unable to fetch data for portion")
			continue
		}
		t.indexEntry(name, m[1], m[2], path, portion)
	}
	t.updateSessions()

	logger.TraceLog().Str("dir", dir).Int("sessions", t.Len()).Msg("Opened trace folder")
	return t, nil
}

// ========================================
// Zip recordings
// ========================================

type zipSource struct {
	archive *zip.ReadCloser
	files   map[string]*zip.File
}

func (z *zipSource) fileData(path string, portion bool) ([]byte, error) {
	f, ok := z.files[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrMissingFile)
	}
	return readZipEntry(f, portion)
}

// readZipEntry reads PortionSize chunks until one holds a line separator
// when portion is set, otherwise the whole entry.
func readZipEntry(f *zip.File, portion bool) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	if !portion {
		return io.ReadAll(rc)
	}

	var data []byte
	buf := make([]byte, PortionSize)
	for {
		n, err := io.ReadFull(rc, buf)
		data = append(data, buf[:n]...)
		if n > 0 && bytes.Contains(buf[:n], parsing.LineSeparator) {
			break
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (z *zipSource) Close() error {
	return z.archive.Close()
}

// OpenZip indexes a zipped recording whose entries live under raw/.
func OpenZip(path string) (*Trace, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open trace zip: %w", err)
	}
	if len(archive.File) == 0 {
		archive.Close()
		logger.Error("parse").Str("path", path).Msg("Unable to find first session in trace")
		return nil, fmt.Errorf("open trace zip %s: no entries", path)
	}

	src := &zipSource{archive: archive, files: make(map[string]*zip.File, len(archive.File))}
	t := newTrace(src)
	for _, f := range archive.File {
		src.files[f.Name] = f

		m := zipEntryPattern.FindStringSubmatch(f.Name)
		if m == nil {
			logger.ParseLog().Str("file", f.Name).Msg("Ignoring unmatched portion")
			continue
		}

		portion, err := readZipEntry(f, true)
		if err != nil {
			logger.Error("parse").Err(err).Str("file", f.Name).Msg("Unable to fetch data for portion")
			continue
		}
		t.indexEntry(f.Name, m[1], m[2], f.Name, portion)
	}
	t.updateSessions()

	logger.TraceLog().Str("path", path).Int("sessions", t.Len()).Msg("Opened trace zip")
	return t, nil
}

// Open picks OpenFolder or OpenZip depending on what path is.
func Open(path string) (*Trace, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	if st.IsDir() {
		return OpenFolder(path)
	}
	return OpenZip(path)
}
