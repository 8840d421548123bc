package parsing

import (
	"bytes"
	"net/url"
	"strings"
)

// Header is a single header line as it appeared on the wire.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list. Lookups ignore case; iteration keeps
// insertion order and original casing. Duplicate names from the wire are
// kept as separate entries.
type Headers struct {
	list []Header
}

func NewHeaders(list ...Header) Headers {
	return Headers{list: append([]Header(nil), list...)}
}

// Get returns the first value whose name matches key case-insensitively.
func (h Headers) Get(key string) (string, bool) {
	for _, hd := range h.list {
		if strings.EqualFold(hd.Name, key) {
			return hd.Value, true
		}
	}
	return "", false
}

// Value is Get without the presence flag.
func (h Headers) Value(key string) string {
	v, _ := h.Get(key)
	return v
}

func (h Headers) Has(key string) bool {
	_, ok := h.Get(key)
	return ok
}

// Values returns every value for key in wire order.
func (h Headers) Values(key string) []string {
	var out []string
	for _, hd := range h.list {
		if strings.EqualFold(hd.Name, key) {
			out = append(out, hd.Value)
		}
	}
	return out
}

// Set removes all entries matching key and appends key: value.
func (h *Headers) Set(key, value string) {
	h.Del(key)
	h.list = append(h.list, Header{Name: key, Value: value})
}

// Add appends without touching existing entries.
func (h *Headers) Add(key, value string) {
	h.list = append(h.list, Header{Name: key, Value: value})
}

// Del removes all entries matching key.
func (h *Headers) Del(key string) {
	kept := make([]Header, 0, len(h.list))
	for _, hd := range h.list {
		if !strings.EqualFold(hd.Name, key) {
			kept = append(kept, hd)
		}
	}
	h.list = kept
}

func (h Headers) Len() int { return len(h.list) }

func (h Headers) At(i int) Header { return h.list[i] }

// All returns a copy of the entries in order.
func (h Headers) All() []Header {
	return append([]Header(nil), h.list...)
}

func (h Headers) Clone() Headers {
	return NewHeaders(h.list...)
}

// Bytes serialises the headers as "Name: Value\r\n" lines.
func (h Headers) Bytes() []byte {
	var buf bytes.Buffer
	for _, hd := range h.list {
		buf.WriteString(hd.Name)
		buf.WriteString(": ")
		buf.WriteString(hd.Value)
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}

// Message is a raw HTTP message split at the header boundary.
type Message struct {
	StartLine string
	Headers   Headers
	Body      []byte
}

// RequestStart is a parsed request line.
type RequestStart struct {
	Method  string
	Target  string // request-target exactly as received
	URL     *url.URL
	Version string
}

// IsConnect reports whether this is a CONNECT tunnel request.
func (s RequestStart) IsConnect() bool {
	return strings.EqualFold(s.Method, "CONNECT")
}

// ResponseStart is a parsed status line.
type ResponseStart struct {
	Version    string
	StatusCode int
	StatusText string
}

// HTTPMessage is implemented by RequestMessage and ResponseMessage.
type HTTPMessage interface {
	MessageHeaders() Headers
	RawBody() []byte
}

type RequestMessage struct {
	Start   RequestStart
	Headers Headers
	Body    []byte
}

func (m *RequestMessage) MessageHeaders() Headers { return m.Headers }
func (m *RequestMessage) RawBody() []byte         { return m.Body }
func (m *RequestMessage) Method() string          { return m.Start.Method }
func (m *RequestMessage) URL() *url.URL           { return m.Start.URL }

type ResponseMessage struct {
	Start   ResponseStart
	Headers Headers
	Body    []byte
}

func (m *ResponseMessage) MessageHeaders() Headers { return m.Headers }
func (m *ResponseMessage) RawBody() []byte         { return m.Body }
