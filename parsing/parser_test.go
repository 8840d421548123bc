package parsing

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

// ==================== Unchunk ====================

func TestUnchunk_Wikipedia(t *testing.T) {
	input := []byte("4\r\nWiki\r\n5\r\npedia\r\nE\r\n in\r\n\r\nchunks.\r\n0\r\n\r\n")
	want := "Wikipedia in\r\n\r\nchunks."

	got, err := Unchunk(input)
	if err != nil {
		t.Fatalf("Unchunk returned error: %v", err)
	}
	if string(got) != want {
		t.Errorf("Unchunk() = %q, want %q", got, want)
	}
}

func TestUnchunk_Failures(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"chunk longer than data", "45\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n", ErrInvalidChunkLength},
		{"plain text", "just some text without framing", ErrExpectedNewline},
		{"empty input", "", ErrExpectedNewline},
		{"empty size line", "\r\nWiki\r\n0\r\n\r\n", ErrExpectedPositiveNumber},
		{"non-hex size", "zz\r\nWiki\r\n0\r\n\r\n", ErrExpectedPositiveNumber},
		{"missing trailing CRLF", "4\r\nWikiXX5\r\npedia\r\n0\r\n\r\n", ErrExpectedNewline},
		{"truncated after chunk", "4\r\nWiki", ErrInvalidChunkLength},
		{"no terminating chunk", "4\r\nWiki\r\n", ErrExpectedNewline},
	}

	for _, tt := range tests {
		got, err := Unchunk([]byte(tt.input))
		if err == nil {
			t.Errorf("%s: Unchunk() = %q, want error %v", tt.name, got, tt.want)
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: Unchunk() error = %v, want %v", tt.name, err, tt.want)
		}
		if got != nil {
			t.Errorf("%s: Unchunk() returned partial data %q alongside error", tt.name, got)
		}
	}
}

func TestUnchunk_ErrorCarriesPartial(t *testing.T) {
	_, err := Unchunk([]byte("4\r\nWiki\r\nzz\r\n"))

	var ue *UnchunkError
	if !errors.As(err, &ue) {
		t.Fatalf("Expected *UnchunkError, got %T", err)
	}
	if string(ue.Partial) != "Wiki" {
		t.Errorf("Partial = %q, want %q", ue.Partial, "Wiki")
	}
	if ue.Position != 9 {
		t.Errorf("Position = %d, want 9", ue.Position)
	}
}

func TestUnchunk_Extensions(t *testing.T) {
	got, err := Unchunk([]byte("4;name=value\r\nWiki\r\n0\r\nTrailer: x\r\n\r\n"))
	if err != nil {
		t.Fatalf("Unchunk returned error: %v", err)
	}
	if string(got) != "Wiki" {
		t.Errorf("Unchunk() = %q, want %q", got, "Wiki")
	}
}

func TestUnchunk_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		body := make([]byte, rng.Intn(4096))
		rng.Read(body)
		size := 1 + rng.Intn(512)

		got, err := Unchunk(Chunk(body, size))
		if err != nil {
			t.Fatalf("round %d: Unchunk(Chunk(body, %d)) error: %v", i, size, err)
		}
		if !bytes.Equal(got, body) {
			t.Fatalf("round %d: round trip mismatch for %d bytes, chunk size %d", i, len(body), size)
		}
	}
}

// ==================== Parse ====================

func TestParse(t *testing.T) {
	raw := []byte("POST /submit HTTP/1.1\r\nHost: example.com\r\nX-Time: 12:30:00\r\nBad line\r\nContent-Length:  4 \r\n\r\nbody")

	msg, ok := Parse(raw)
	if !ok {
		t.Fatal("Parse() returned false")
	}
	if msg.StartLine != "POST /submit HTTP/1.1" {
		t.Errorf("StartLine = %q", msg.StartLine)
	}
	if msg.Headers.Len() != 3 {
		t.Fatalf("Headers.Len() = %d, want 3", msg.Headers.Len())
	}
	if v := msg.Headers.Value("x-time"); v != "12:30:00" {
		t.Errorf("X-Time = %q, want %q", v, "12:30:00")
	}
	if v := msg.Headers.Value("CONTENT-LENGTH"); v != "4" {
		t.Errorf("Content-Length = %q, want %q", v, "4")
	}
	if string(msg.Body) != "body" {
		t.Errorf("Body = %q, want %q", msg.Body, "body")
	}
}

func TestParse_NoBoundary(t *testing.T) {
	if _, ok := Parse([]byte("GET / HTTP/1.1\r\nHost: a.com\r\n")); ok {
		t.Error("Parse() should fail without CRLFCRLF")
	}
}

func TestParse_EmptyBody(t *testing.T) {
	msg, ok := Parse([]byte("HTTP/1.1 204 No Content\r\n\r\n"))
	if !ok {
		t.Fatal("Parse() returned false")
	}
	if len(msg.Body) != 0 {
		t.Errorf("Body = %q, want empty", msg.Body)
	}
}

// ==================== Headers ====================

func TestHeaders_CaseInsensitive(t *testing.T) {
	var h Headers
	h.Add("Set-Cookie", "a=1")
	h.Add("set-cookie", "b=2")
	h.Add("Content-Type", "text/plain")

	if got := h.Values("SET-COOKIE"); len(got) != 2 {
		t.Errorf("Values(SET-COOKIE) = %v, want 2 entries", got)
	}

	h.Set("content-type", "application/json")
	if h.Len() != 3 {
		t.Errorf("Len() = %d, want 3", h.Len())
	}
	last := h.At(h.Len() - 1)
	if last.Name != "content-type" || last.Value != "application/json" {
		t.Errorf("Set should append with caller casing, got %+v", last)
	}

	h.Del("SET-cookie")
	if h.Has("Set-Cookie") {
		t.Error("Del should remove every matching entry")
	}
}

func TestHeaders_CloneIsIndependent(t *testing.T) {
	h := NewHeaders(Header{"A", "1"}, Header{"B", "2"})
	c := h.Clone()
	c.Del("A")
	c.Set("B", "3")

	if h.Value("A") != "1" || h.Value("B") != "2" {
		t.Errorf("Original modified through clone: %+v", h.All())
	}
}

func TestHeaders_Bytes(t *testing.T) {
	h := NewHeaders(Header{"Host", "a.com"}, Header{"Accept", "*/*"})
	want := "Host: a.com\r\nAccept: */*\r\n"
	if got := string(h.Bytes()); got != want {
		t.Errorf("Bytes() = %q, want %q", got, want)
	}
}

// ==================== ParseRequestStart ====================

func TestParseRequestStart(t *testing.T) {
	tests := []struct {
		line     string
		method   string
		hostname string
		port     string
		path     string
		query    string
	}{
		{"GET http://a.com/x?y=1 HTTP/1.1", "GET", "a.com", "", "/x", "y=1"},
		{"CONNECT a.com:443 HTTP/1.1", "CONNECT", "a.com", "443", "", ""},
		{"CONNECT [::1]:8443 HTTP/1.1", "CONNECT", "::1", "8443", "", ""},
		{"GET /local?q={x} HTTP/1.1", "GET", "", "", "/local", "q=%7Bx%7D"},
		{"POST http://b.org:8080/a|b HTTP/1.0", "POST", "b.org", "8080", "/a|b", ""},
		{"GET http://[::1]:8080/x HTTP/1.1", "GET", "::1", "8080", "/x", ""},
		{"GET http://[2001:db8::1]/a?b[]=1 HTTP/1.1", "GET", "2001:db8::1", "", "/a", "b%5B%5D=1"},
		{"GET http://[::1]:8080 HTTP/1.1", "GET", "::1", "8080", "", ""},
		{"GET /go?to=http://[::1]/{x} HTTP/1.1", "GET", "", "", "/go", "to=http://%5B::1%5D/%7Bx%7D"},
	}

	for _, tt := range tests {
		got, err := ParseRequestStart(tt.line)
		if err != nil {
			t.Errorf("ParseRequestStart(%q) error: %v", tt.line, err)
			continue
		}
		if got.Method != tt.method {
			t.Errorf("ParseRequestStart(%q).Method = %q, want %q", tt.line, got.Method, tt.method)
		}
		if got.URL.Hostname() != tt.hostname {
			t.Errorf("ParseRequestStart(%q) host = %q, want %q", tt.line, got.URL.Hostname(), tt.hostname)
		}
		if got.URL.Port() != tt.port {
			t.Errorf("ParseRequestStart(%q) port = %q, want %q", tt.line, got.URL.Port(), tt.port)
		}
		if got.URL.Path != tt.path {
			t.Errorf("ParseRequestStart(%q) path = %q, want %q", tt.line, got.URL.Path, tt.path)
		}
		if got.URL.RawQuery != tt.query {
			t.Errorf("ParseRequestStart(%q) query = %q, want %q", tt.line, got.URL.RawQuery, tt.query)
		}
	}
}

func TestParseRequestStart_Malformed(t *testing.T) {
	lines := []string{
		"",
		"GET",
		"GET /",
		"GET / HTTP/1.1 extra",
	}

	for _, line := range lines {
		if _, err := ParseRequestStart(line); !errors.Is(err, ErrMalformedStartLine) {
			t.Errorf("ParseRequestStart(%q) error = %v, want ErrMalformedStartLine", line, err)
		}
	}
}

func TestRelativePath(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"GET http://a.com HTTP/1.1", "/"},
		{"GET http://a.com/x/y?z=1&w=2 HTTP/1.1", "/x/y?z=1&w=2"},
		{"GET /only/path HTTP/1.1", "/only/path"},
	}

	for _, tt := range tests {
		start, err := ParseRequestStart(tt.line)
		if err != nil {
			t.Fatalf("ParseRequestStart(%q) error: %v", tt.line, err)
		}
		if got := RelativePath(start.URL); got != tt.want {
			t.Errorf("RelativePath(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

// ==================== ParseResponseStart ====================

func TestParseResponseStart(t *testing.T) {
	tests := []struct {
		line string
		code int
		text string
	}{
		{"HTTP/1.1 404 Not Found", 404, "Not Found"},
		{"HTTP/1.1 200 OK", 200, "OK"},
		{"HTTP/1.0 500 Internal  Server   Error", 500, "Internal Server Error"},
		{"HTTP/1.1 abc Weird", 0, "Weird"},
	}

	for _, tt := range tests {
		got, err := ParseResponseStart(tt.line)
		if err != nil {
			t.Errorf("ParseResponseStart(%q) error: %v", tt.line, err)
			continue
		}
		if got.StatusCode != tt.code || got.StatusText != tt.text {
			t.Errorf("ParseResponseStart(%q) = %d %q, want %d %q", tt.line, got.StatusCode, got.StatusText, tt.code, tt.text)
		}
	}

	if _, err := ParseResponseStart("HTTP/1.1 200"); !errors.Is(err, ErrMalformedStartLine) {
		t.Errorf("ParseResponseStart with 2 tokens error = %v, want ErrMalformedStartLine", err)
	}
}

func TestParseRequestAndResponse(t *testing.T) {
	req, err := ParseRequest([]byte("GET http://a.com/ HTTP/1.1\r\nHost: a.com\r\n\r\n"))
	if err != nil {
		t.Fatalf("ParseRequest error: %v", err)
	}
	if req.Method() != "GET" || req.URL().Host != "a.com" {
		t.Errorf("ParseRequest = %s %s", req.Method(), req.URL())
	}

	if _, err := ParseResponse([]byte("HTTP/1.1 200 OK\r\n")); !errors.Is(err, ErrNoHeaderBoundary) {
		t.Errorf("ParseResponse without boundary error = %v, want ErrNoHeaderBoundary", err)
	}
}
