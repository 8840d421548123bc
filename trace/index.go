package trace

import (
	"fmt"
	"net/url"
)

// FileType is the role of one file in a recording, taken from the letter in
// its name: NNN_c.txt is the client request, NNN_s.txt the server response.
type FileType int

const (
	FileUnknown FileType = iota
	FileRequest
	FileResponse
	FileMeta
)

func ParseFileType(s string) FileType {
	switch s {
	case "c":
		return FileRequest
	case "s":
		return FileResponse
	case "m":
		return FileMeta
	}
	return FileUnknown
}

// Letter is the single-letter code used in file names.
func (t FileType) Letter() string {
	switch t {
	case FileRequest:
		return "c"
	case FileResponse:
		return "s"
	case FileMeta:
		return "m"
	}
	return "?"
}

func (t FileType) String() string {
	switch t {
	case FileRequest:
		return "request"
	case FileResponse:
		return "response"
	case FileMeta:
		return "meta"
	}
	return "unknown"
}

// FileName is the base name of the file holding one side of a session.
func FileName(number int, t FileType) string {
	return fmt.Sprintf("%03d_%s.txt", number, t.Letter())
}

// MessageIndex locates one stored message.
type MessageIndex interface {
	FilePath() string
}

// RequestIndex is what a listing needs from a request without reading it all.
type RequestIndex struct {
	Method string
	URL    *url.URL
	Path   string
}

func (r *RequestIndex) FilePath() string { return r.Path }

func (r *RequestIndex) String() string {
	if r.URL == nil {
		return r.Method
	}
	return r.Method + " " + r.URL.String()
}

type ResponseIndex struct {
	StatusCode int
	StatusText string
	Path       string
}

func (r *ResponseIndex) FilePath() string { return r.Path }

func (r *ResponseIndex) String() string {
	return fmt.Sprintf("%d %s", r.StatusCode, r.StatusText)
}

// SessionIndex is one numbered exchange. It carries no reference to the
// trace that owns it; resolve message bodies through that Trace.
type SessionIndex struct {
	Number   int
	Request  *RequestIndex
	Response *ResponseIndex
}

// IsTunnel reports whether the session is a CONNECT tunnel.
func (s SessionIndex) IsTunnel() bool {
	return s.Request != nil && s.Request.Method == "CONNECT"
}

// Host is the request target's host, or "" when unknown.
func (s SessionIndex) Host() string {
	if s.Request == nil || s.Request.URL == nil {
		return ""
	}
	return s.Request.URL.Host
}
