// Package body turns a recorded message body into the representations a
// viewer offers: raw, query items, unchunked, inflated, image, JSON and
// protobuf.
package body

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"netopsy/parsing"
	"netopsy/pkg/logger"
)

type ContentEncoding int

const (
	EncodingIdentity ContentEncoding = iota
	EncodingGzip
	EncodingDeflate
	EncodingBrotli
	EncodingZstd
	EncodingUnknown
)

func (e ContentEncoding) String() string {
	switch e {
	case EncodingIdentity:
		return "identity"
	case EncodingGzip:
		return "gzip"
	case EncodingDeflate:
		return "deflate"
	case EncodingBrotli:
		return "br"
	case EncodingZstd:
		return "zstd"
	}
	return "unknown"
}

type TransferEncoding int

const (
	TransferIdentity TransferEncoding = iota
	TransferChunked
	TransferUnknown
)

func (t TransferEncoding) String() string {
	switch t {
	case TransferIdentity:
		return "identity"
	case TransferChunked:
		return "chunked"
	}
	return "unknown"
}

var (
	ErrUnsupportedTransfer = errors.New("unsupported transfer encoding")
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")
)

// ========================================
// MessageView
// ========================================

// MessageView answers content questions about one request or response.
// Decoded bodies are computed once.
type MessageView struct {
	msg parsing.HTTPMessage

	unchunkOnce sync.Once
	unchunked   []byte
	unchunkErr  error

	inflateOnce sync.Once
	inflated    []byte
	inflateErr  error
}

func NewMessageView(msg parsing.HTTPMessage) *MessageView {
	return &MessageView{msg: msg}
}

func (v *MessageView) Message() parsing.HTTPMessage { return v.msg }

// Request is the underlying request, or nil for a response.
func (v *MessageView) Request() *parsing.RequestMessage {
	req, _ := v.msg.(*parsing.RequestMessage)
	return req
}

func (v *MessageView) header(name string) (string, bool) {
	return v.msg.MessageHeaders().Get(name)
}

// ContentEncoding looks at the first Content-Encoding header only.
func (v *MessageView) ContentEncoding() ContentEncoding {
	value, ok := v.header("Content-Encoding")
	if !ok {
		return EncodingIdentity
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "gzip", "x-gzip":
		return EncodingGzip
	case "deflate":
		return EncodingDeflate
	case "br":
		return EncodingBrotli
	case "zstd":
		return EncodingZstd
	case "identity", "":
		return EncodingIdentity
	}
	return EncodingUnknown
}

func (v *MessageView) TransferEncoding() TransferEncoding {
	value, ok := v.header("Transfer-Encoding")
	if !ok {
		return TransferIdentity
	}
	if strings.EqualFold(strings.TrimSpace(value), "chunked") {
		return TransferChunked
	}
	return TransferUnknown
}

func (v *MessageView) contentType() string {
	return strings.ToLower(v.msg.MessageHeaders().Value("Content-Type"))
}

// IsJSON is true when Content-Type mentions json anywhere.
func (v *MessageView) IsJSON() bool {
	return strings.Contains(v.contentType(), "json")
}

// IsImage is true when Content-Type starts with image/.
func (v *MessageView) IsImage() bool {
	return strings.HasPrefix(strings.TrimSpace(v.contentType()), "image/")
}

func (v *MessageView) IsProtobuf() bool {
	return isProtobufContentType(v.contentType())
}

// Unchunked is the body with chunk framing removed. Identity bodies are
// returned as is; other transfer encodings are an error.
func (v *MessageView) Unchunked() ([]byte, error) {
	v.unchunkOnce.Do(func() {
		raw := v.msg.RawBody()
		switch v.TransferEncoding() {
		case TransferChunked:
			v.unchunked, v.unchunkErr = parsing.Unchunk(raw)
		case TransferIdentity:
			v.unchunked = raw
		default:
			v.unchunkErr = ErrUnsupportedTransfer
		}
	})
	return v.unchunked, v.unchunkErr
}

// Inflated is the unchunked body decoded per Content-Encoding.
func (v *MessageView) Inflated() ([]byte, error) {
	v.inflateOnce.Do(func() {
		data, err := v.Unchunked()
		if err != nil {
			v.inflateErr = err
			return
		}
		v.inflated, v.inflateErr = Decode(v.ContentEncoding(), data)
		if v.inflateErr != nil {
			logger.Debug("body").Err(v.inflateErr).Str("encoding", v.ContentEncoding().String()).Msg("Unable to inflate body")
		}
	})
	return v.inflated, v.inflateErr
}

// ========================================
// Decoders
// ========================================

// Decode reverses a content encoding. Identity returns data unchanged.
func Decode(enc ContentEncoding, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	switch enc {
	case EncodingIdentity:
		return data, nil

	case EncodingGzip:
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer gr.Close()
		return readAll("gzip", gr)

	case EncodingDeflate:
		// zlib framing is what servers send for "deflate"; some send raw deflate
		if zr, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
			defer zr.Close()
			if out, err := io.ReadAll(zr); err == nil {
				return out, nil
			}
		}
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		return readAll("deflate", fr)

	case EncodingBrotli:
		return readAll("br", brotli.NewReader(bytes.NewReader(data)))

	case EncodingZstd:
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer dec.Close()
		return readAll("zstd", dec)
	}
	return nil, ErrUnsupportedEncoding
}

func readAll(name string, r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}
