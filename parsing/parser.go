package parsing

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"netopsy/pkg/logger"
)

var (
	LineSeparator       = []byte("\r\n")
	DoubleLineSeparator = []byte("\r\n\r\n")
)

var (
	ErrNoHeaderBoundary   = errors.New("no header boundary found")
	ErrMalformedStartLine = errors.New("malformed start line")
	ErrInvalidURL         = errors.New("invalid request target")
)

// Parse splits data at the first CRLFCRLF into start line, headers and body.
// It returns false when the boundary has not arrived yet.
func Parse(data []byte) (*Message, bool) {
	idx := bytes.Index(data, DoubleLineSeparator)
	if idx < 0 {
		logger.ParseLog().Msg("No double line separator found")
		return nil, false
	}

	startLine, headers := ParseHeaders(data[:idx])
	var body []byte
	if rest := data[idx+len(DoubleLineSeparator):]; len(rest) > 0 {
		body = append([]byte(nil), rest...)
	}

	return &Message{StartLine: startLine, Headers: headers, Body: body}, true
}

// ParseHeaders splits a header block into its start line and headers.
// A trailing CRLFCRLF on the block is tolerated.
func ParseHeaders(block []byte) (string, Headers) {
	text := strings.TrimSuffix(string(block), "\r\n\r\n")
	lines := strings.Split(text, "\r\n")

	var headers Headers
	for _, line := range lines[1:] {
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	return lines[0], headers
}

// ParseRequest parses a complete raw request.
func ParseRequest(data []byte) (*RequestMessage, error) {
	msg, ok := Parse(data)
	if !ok {
		return nil, ErrNoHeaderBoundary
	}
	start, err := ParseRequestStart(msg.StartLine)
	if err != nil {
		return nil, err
	}
	return &RequestMessage{Start: start, Headers: msg.Headers, Body: msg.Body}, nil
}

// ParseResponse parses a complete raw response.
func ParseResponse(data []byte) (*ResponseMessage, error) {
	msg, ok := Parse(data)
	if !ok {
		return nil, ErrNoHeaderBoundary
	}
	start, err := ParseResponseStart(msg.StartLine)
	if err != nil {
		return nil, err
	}
	return &ResponseMessage{Start: start, Headers: msg.Headers, Body: msg.Body}, nil
}

// illegalURLChars are escaped before the request target is handed to url.Parse.
const illegalURLChars = "{[|]}\\\""

// escapeTarget escapes illegalURLChars outside the authority, which keeps
// IPv6 literals such as http://[::1]:8080/ intact.
func escapeTarget(target string) string {
	var b strings.Builder
	start := 0
	if i := strings.Index(target, "://"); i > 0 && !strings.ContainsAny(target[:i], "/?#") {
		start = i + 3
		if end := strings.IndexAny(target[start:], "/?#"); end >= 0 {
			start += end
		} else {
			start = len(target)
		}
		b.WriteString(target[:start])
	}
	for i := start; i < len(target); i++ {
		c := target[i]
		if strings.IndexByte(illegalURLChars, c) >= 0 {
			fmt.Fprintf(&b, "%%%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// ParseRequestStart parses "<METHOD> <target> <version>".
//
// Targets without a host (CONNECT authority form, for example "a.com:443")
// are recovered by splitting on the last colon.
func ParseRequestStart(line string) (RequestStart, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		logger.ParseLog().Int("count", len(fields)).Msg("Wrong number of components in request line")
		return RequestStart{}, fmt.Errorf("%w: want 3 components, got %d", ErrMalformedStartLine, len(fields))
	}

	method, target, version := fields[0], fields[1], fields[2]

	u, err := url.Parse(escapeTarget(target))
	if err != nil || u.Host == "" {
		if authority, ok := splitAuthority(target); ok {
			u = authority
		} else if err != nil {
			logger.ParseLog().Str("target", target).Err(err).Msg("Invalid URL")
			return RequestStart{}, fmt.Errorf("%w: %q: %v", ErrInvalidURL, target, err)
		}
	}

	return RequestStart{Method: method, Target: target, URL: u, Version: version}, nil
}

// splitAuthority handles "host:port" targets. The port must be numeric.
func splitAuthority(target string) (*url.URL, bool) {
	i := strings.LastIndex(target, ":")
	if i <= 0 || i == len(target)-1 {
		return nil, false
	}
	host, portStr := target[:i], target[i+1:]
	if _, err := strconv.ParseUint(portStr, 10, 16); err != nil {
		return nil, false
	}
	if strings.ContainsAny(host, "/?#") {
		return nil, false
	}
	return &url.URL{Host: host + ":" + portStr}, true
}

// ParseResponseStart parses "<version> <code> <reason...>". A non-numeric
// code yields StatusCode 0; the reason may contain spaces.
func ParseResponseStart(line string) (ResponseStart, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		logger.ParseLog().Int("count", len(fields)).Msg("Not enough components in status line")
		return ResponseStart{}, fmt.Errorf("%w: want at least 3 components, got %d", ErrMalformedStartLine, len(fields))
	}

	code, _ := strconv.Atoi(fields[1])
	return ResponseStart{
		Version:    fields[0],
		StatusCode: code,
		StatusText: strings.Join(fields[2:], " "),
	}, nil
}

// RelativePath is the origin-form target for u: path (or "/") plus query.
func RelativePath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}
