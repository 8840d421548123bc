package parsing

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// Unchunk failure kinds. Match them with errors.Is.
var (
	ErrExpectedNewline        = errors.New("expected CRLF")
	ErrExpectedPositiveNumber = errors.New("expected hex chunk size")
	ErrInvalidChunkLength     = errors.New("chunk length exceeds data")
)

// UnchunkError reports where chunk decoding stopped and what had been
// decoded up to that point.
type UnchunkError struct {
	Kind     error
	Position int
	Partial  []byte
}

func (e *UnchunkError) Error() string {
	return fmt.Sprintf("unchunk at offset %d: %v", e.Position, e.Kind)
}

func (e *UnchunkError) Unwrap() error { return e.Kind }

// Unchunk decodes a Transfer-Encoding: chunked body. A zero-size chunk ends
// decoding and everything before it is returned; trailers are ignored.
func Unchunk(data []byte) ([]byte, error) {
	out := []byte{}
	pos := 0

	fail := func(kind error) ([]byte, error) {
		return nil, &UnchunkError{Kind: kind, Position: pos, Partial: out}
	}

	for {
		eol := bytes.Index(data[pos:], LineSeparator)
		if eol < 0 {
			return fail(ErrExpectedNewline)
		}

		sizeLine := data[pos : pos+eol]
		if i := bytes.IndexByte(sizeLine, ';'); i >= 0 {
			sizeLine = sizeLine[:i]
		}
		sizeLine = bytes.TrimSpace(sizeLine)
		if len(sizeLine) == 0 {
			return fail(ErrExpectedPositiveNumber)
		}

		size, err := strconv.ParseUint(string(sizeLine), 16, 63)
		if err != nil {
			return fail(ErrExpectedPositiveNumber)
		}
		if size == 0 {
			return out, nil
		}

		chunkStart := pos + eol + len(LineSeparator)
		remaining := uint64(len(data) - chunkStart)
		if size+uint64(len(LineSeparator)) > remaining {
			return fail(ErrInvalidChunkLength)
		}
		chunkEnd := chunkStart + int(size)

		if !bytes.Equal(data[chunkEnd:chunkEnd+len(LineSeparator)], LineSeparator) {
			pos = chunkEnd
			return fail(ErrExpectedNewline)
		}

		out = append(out, data[chunkStart:chunkEnd]...)
		pos = chunkEnd + len(LineSeparator)
	}
}

// Chunk encodes body with chunks of at most size bytes followed by the
// terminating zero chunk.
func Chunk(body []byte, size int) []byte {
	if size <= 0 {
		size = len(body)
	}
	var buf bytes.Buffer
	for len(body) > 0 {
		n := size
		if n > len(body) {
			n = len(body)
		}
		fmt.Fprintf(&buf, "%X\r\n", n)
		buf.Write(body[:n])
		buf.WriteString("\r\n")
		body = body[n:]
	}
	buf.WriteString("0\r\n\r\n")
	return buf.Bytes()
}
