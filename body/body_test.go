package body

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"netopsy/parsing"
)

// ==================== helpers ====================

func response(t *testing.T, raw string) *MessageView {
	t.Helper()
	msg, err := parsing.ParseResponse([]byte(raw))
	require.NoError(t, err)
	return NewMessageView(msg)
}

func responseWith(t *testing.T, headers string, body []byte) *MessageView {
	t.Helper()
	return response(t, "HTTP/1.1 200 OK\r\n"+headers+"\r\n"+string(body))
}

func request(t *testing.T, raw string) *parsing.RequestMessage {
	t.Helper()
	msg, err := parsing.ParseRequest([]byte(raw))
	require.NoError(t, err)
	return msg
}

func compress(t *testing.T, enc ContentEncoding, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	switch enc {
	case EncodingGzip:
		w := gzip.NewWriter(&buf)
		w.Write(data)
		require.NoError(t, w.Close())
	case EncodingDeflate:
		w := zlib.NewWriter(&buf)
		w.Write(data)
		require.NoError(t, w.Close())
	case EncodingBrotli:
		w := brotli.NewWriter(&buf)
		w.Write(data)
		require.NoError(t, w.Close())
	case EncodingZstd:
		w, err := zstd.NewWriter(&buf)
		require.NoError(t, err)
		w.Write(data)
		require.NoError(t, w.Close())
	default:
		return data
	}
	return buf.Bytes()
}

// ==================== MessageView ====================

func TestMessageView_Encodings(t *testing.T) {
	tests := []struct {
		headers  string
		content  ContentEncoding
		transfer TransferEncoding
	}{
		{"", EncodingIdentity, TransferIdentity},
		{"Content-Encoding: GZIP\r\n", EncodingGzip, TransferIdentity},
		{"content-encoding: deflate\r\nTransfer-Encoding: chunked\r\n", EncodingDeflate, TransferChunked},
		{"Content-Encoding: br\r\n", EncodingBrotli, TransferIdentity},
		{"Content-Encoding: zstd\r\n", EncodingZstd, TransferIdentity},
		{"Content-Encoding: compress\r\nTransfer-Encoding: gzip\r\n", EncodingUnknown, TransferUnknown},
	}

	for _, tt := range tests {
		v := responseWith(t, tt.headers, nil)
		assert.Equal(t, tt.content, v.ContentEncoding(), "headers %q", tt.headers)
		assert.Equal(t, tt.transfer, v.TransferEncoding(), "headers %q", tt.headers)
	}
}

func TestMessageView_ContentTypes(t *testing.T) {
	tests := []struct {
		contentType string
		json        bool
		image       bool
		protobuf    bool
	}{
		{"application/json; charset=utf-8", true, false, false},
		{"application/vnd.api+JSON", true, false, false},
		{"image/png", false, true, false},
		{"IMAGE/jpeg", false, true, false},
		{"text/html; image/png", false, false, false},
		{"application/x-protobuf", false, false, true},
		{"application/grpc+proto", false, false, true},
		{"text/plain", false, false, false},
	}

	for _, tt := range tests {
		v := responseWith(t, "Content-Type: "+tt.contentType+"\r\n", nil)
		assert.Equal(t, tt.json, v.IsJSON(), tt.contentType)
		assert.Equal(t, tt.image, v.IsImage(), tt.contentType)
		assert.Equal(t, tt.protobuf, v.IsProtobuf(), tt.contentType)
	}
}

func TestMessageView_Unchunked(t *testing.T) {
	chunked := responseWith(t, "Transfer-Encoding: chunked\r\n", parsing.Chunk([]byte("hello world"), 4))
	data, err := chunked.Unchunked()
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	plain := responseWith(t, "", []byte("as is"))
	data, err = plain.Unchunked()
	require.NoError(t, err)
	assert.Equal(t, "as is", string(data))

	other := responseWith(t, "Transfer-Encoding: gzip\r\n", []byte("x"))
	_, err = other.Unchunked()
	assert.ErrorIs(t, err, ErrUnsupportedTransfer)

	broken := responseWith(t, "Transfer-Encoding: chunked\r\n", []byte("zz\r\nnope"))
	_, err = broken.Unchunked()
	var uerr *parsing.UnchunkError
	assert.True(t, errors.As(err, &uerr))
}

func TestMessageView_Inflated(t *testing.T) {
	original := []byte(`{"message":"compressed content","n":42}`)

	for _, enc := range []ContentEncoding{EncodingIdentity, EncodingGzip, EncodingDeflate, EncodingBrotli, EncodingZstd} {
		t.Run(enc.String(), func(t *testing.T) {
			body := compress(t, enc, original)
			headers := "Transfer-Encoding: chunked\r\n"
			if enc != EncodingIdentity {
				headers += "Content-Encoding: " + enc.String() + "\r\n"
			}
			v := responseWith(t, headers, parsing.Chunk(body, 7))

			data, err := v.Inflated()
			require.NoError(t, err)
			assert.Equal(t, original, data)
		})
	}
}

func TestDecode_RawDeflate(t *testing.T) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	w.Write([]byte("raw deflate stream"))
	require.NoError(t, w.Close())

	out, err := Decode(EncodingDeflate, buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "raw deflate stream", string(out))
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode(EncodingGzip, []byte("definitely not gzip"))
	assert.Error(t, err)

	_, err = Decode(EncodingUnknown, []byte("x"))
	assert.ErrorIs(t, err, ErrUnsupportedEncoding)

	out, err := Decode(EncodingUnknown, nil)
	assert.NoError(t, err)
	assert.Empty(t, out)
}

// ==================== Representations ====================

func TestAvailable(t *testing.T) {
	tests := []struct {
		name string
		view *MessageView
		want []Kind
	}{
		{
			name: "plain text",
			view: responseWith(t, "Content-Type: text/plain\r\n", []byte("hi")),
			want: []Kind{KindRaw},
		},
		{
			name: "chunked gzip json",
			view: responseWith(t, "Content-Type: application/json\r\nContent-Encoding: gzip\r\nTransfer-Encoding: chunked\r\n", nil),
			want: []Kind{KindRaw, KindUnchunked, KindInflated, KindJSON},
		},
		{
			name: "image",
			view: responseWith(t, "Content-Type: image/png\r\n", nil),
			want: []Kind{KindRaw, KindImage},
		},
		{
			name: "grpc",
			view: responseWith(t, "Content-Type: application/grpc\r\n", nil),
			want: []Kind{KindRaw, KindProtobuf},
		},
		{
			name: "request with query",
			view: NewMessageView(request(t, "GET /search?q=go&page=2 HTTP/1.1\r\nHost: example.com\r\n\r\n")),
			want: []Kind{KindRaw, KindQuery},
		},
		{
			name: "request without query",
			view: NewMessageView(request(t, "GET /search HTTP/1.1\r\nHost: example.com\r\n\r\n")),
			want: []Kind{KindRaw},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Available(tt.view))
		})
	}
}

func TestRender_Query(t *testing.T) {
	v := NewMessageView(request(t, "GET http://example.com/s?q=hello%20world&tag=a&tag=b&empty= HTTP/1.1\r\n\r\n"))

	out, err := Render(KindQuery, v)
	require.NoError(t, err)
	assert.Equal(t, KindQuery, out.Kind)
	assert.Equal(t, []QueryItem{
		{"q", "hello world"},
		{"tag", "a"},
		{"tag", "b"},
		{"empty", ""},
	}, out.Query)
	assert.Contains(t, out.Text, "q = hello world\n")
}

func TestRender_JSON(t *testing.T) {
	body := compress(t, EncodingGzip, []byte(`{"a":1,"b":[true,null]}`))
	v := responseWith(t, "Content-Type: application/json\r\nContent-Encoding: gzip\r\n", body)

	out, err := Render(KindJSON, v)
	require.NoError(t, err)
	assert.Contains(t, out.Text, "\n")
	assert.Contains(t, out.Text, `"a": 1`)

	bad := responseWith(t, "Content-Type: application/json\r\n", []byte(`{"a":`))
	_, err = Render(KindJSON, bad)
	assert.ErrorIs(t, err, ErrInvalidJSON)
}

func TestRender_Image(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	v := responseWith(t, "Content-Type: image/png\r\n", buf.Bytes())
	out, err := Render(KindImage, v)
	require.NoError(t, err)
	require.NotNil(t, out.Image)
	assert.Equal(t, ImageInfo{Format: "png", Width: 3, Height: 2}, *out.Image)
}

func TestRender_Protobuf(t *testing.T) {
	var msg []byte
	msg = protowire.AppendTag(msg, 1, protowire.VarintType)
	msg = protowire.AppendVarint(msg, 150)
	msg = protowire.AppendTag(msg, 2, protowire.BytesType)
	msg = protowire.AppendString(msg, "testing")
	msg = protowire.AppendTag(msg, 3, protowire.VarintType)
	msg = protowire.AppendVarint(msg, 1)
	msg = protowire.AppendTag(msg, 3, protowire.VarintType)
	msg = protowire.AppendVarint(msg, 2)

	// gRPC frame: not compressed, 4-byte big-endian length
	frame := append([]byte{0, 0, 0, 0, byte(len(msg))}, msg...)
	v := responseWith(t, "Content-Type: application/grpc\r\n", frame)

	out, err := Render(KindProtobuf, v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"1":150,"2":"testing","3":[1,2]}`, out.Text)

	_, err = DecodeProtobuf([]byte{0xff, 0xff, 0xff}, "application/x-protobuf")
	assert.ErrorIs(t, err, ErrNotProtobuf)
}

func TestDecodeProtobuf_GRPCFrames(t *testing.T) {
	frame := func(flag byte, msg []byte) []byte {
		return append([]byte{flag, 0, 0, 0, byte(len(msg))}, msg...)
	}
	one := protowire.AppendVarint(protowire.AppendTag(nil, 1, protowire.VarintType), 7)
	two := protowire.AppendString(protowire.AppendTag(nil, 2, protowire.BytesType), "hi")

	out, err := DecodeProtobuf(append(frame(0, one), frame(0, two)...), "application/grpc+proto")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"1":7},{"2":"hi"}]`, out)

	out, err = DecodeProtobuf(nil, "application/grpc")
	require.NoError(t, err)
	assert.Equal(t, "[]", out)

	var wireErr *WireError
	_, err = DecodeProtobuf(append(frame(0, one), 0, 0, 0), "application/grpc")
	require.ErrorAs(t, err, &wireErr)
	assert.ErrorIs(t, err, ErrTruncatedFrame)
	assert.ErrorIs(t, err, ErrNotProtobuf)
	assert.Equal(t, len(one)+5, wireErr.Offset)

	_, err = DecodeProtobuf(frame(1, one), "application/grpc")
	assert.ErrorIs(t, err, ErrCompressedFrame)
}

func TestDecodeWire_ReportsOffset(t *testing.T) {
	var msg []byte
	msg = protowire.AppendTag(msg, 1, protowire.VarintType)
	msg = protowire.AppendVarint(msg, 1)
	msg = protowire.AppendTag(msg, 4, protowire.BytesType)
	msg = append(msg, 10, 'a', 'b') // length 10, only two bytes follow

	_, err := DecodeWire(msg)
	var wireErr *WireError
	require.ErrorAs(t, err, &wireErr)
	assert.Equal(t, 3, wireErr.Offset)
	assert.Equal(t, protowire.Number(4), wireErr.Number)
	assert.ErrorIs(t, err, ErrNotProtobuf)
	assert.Contains(t, err.Error(), "field 4 at offset 3")

	_, err = DecodeWire([]byte{0x08, 0x96, 0x01, 0xff})
	require.ErrorAs(t, err, &wireErr)
	assert.Equal(t, 3, wireErr.Offset)
	assert.Zero(t, wireErr.Number)
}

func TestDecodeWire_Values(t *testing.T) {
	var inner []byte
	inner = protowire.AppendTag(inner, 1, protowire.VarintType)
	inner = protowire.AppendVarint(inner, 5)

	var msg []byte
	msg = protowire.AppendTag(msg, 1, protowire.BytesType)
	msg = protowire.AppendBytes(msg, inner)
	msg = protowire.AppendTag(msg, 2, protowire.Fixed64Type)
	msg = protowire.AppendFixed64(msg, math.Float64bits(2.5))
	msg = protowire.AppendTag(msg, 3, protowire.BytesType)
	msg = protowire.AppendBytes(msg, []byte{0x00, 0x01, 0xfe})
	msg = protowire.AppendTag(msg, 4, protowire.VarintType)
	msg = protowire.AppendVarint(msg, math.MaxUint64)

	fields, err := DecodeWire(msg)
	require.NoError(t, err)
	require.Len(t, fields, 4)
	assert.Equal(t, []Field{{Number: 1, Type: protowire.VarintType, Value: int64(5)}}, fields[0].Value)
	assert.Equal(t, 2.5, fields[1].Value)
	assert.Equal(t, "0x0001fe", fields[2].Value)
	assert.Equal(t, uint64(math.MaxUint64), fields[3].Value)
}

func TestRender_NotApplicable(t *testing.T) {
	v := responseWith(t, "Content-Type: text/plain\r\n", []byte("hi"))
	for _, kind := range []Kind{KindQuery, KindUnchunked, KindInflated, KindImage, KindJSON, KindProtobuf} {
		_, err := Render(kind, v)
		assert.ErrorIs(t, err, ErrNotApplicable, kind.String())
	}

	raw, err := Render(KindRaw, v)
	require.NoError(t, err)
	assert.Equal(t, "hi", raw.Text)
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{KindRaw, KindQuery, KindUnchunked, KindInflated, KindImage, KindJSON, KindProtobuf} {
		got, ok := ParseKind(k.String())
		assert.True(t, ok)
		assert.Equal(t, k, got)
	}
	got, ok := ParseKind("json")
	assert.True(t, ok)
	assert.Equal(t, KindJSON, got)

	_, ok = ParseKind("xml")
	assert.False(t, ok)
}

// ==================== CurlCommand ====================

func TestCurlCommand(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "absolute form GET",
			raw:  "GET http://example.com/a?b=1 HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\n",
			want: `curl -XGET -H 'Accept:*/*' 'http://example.com/a?b=1'`,
		},
		{
			name: "origin form resolved against Host",
			raw:  "POST /v1/items HTTP/1.1\r\nHost: api.example.com\r\nContent-Type: application/json\r\n\r\n{\"name\":\"x\"}",
			want: `curl -XPOST -H 'Content-Type:application/json' --data-raw '{"name":"x"}' 'https://api.example.com/v1/items'`,
		},
		{
			name: "header with single quote uses double quotes",
			raw:  "GET http://example.com/ HTTP/1.1\r\nX-Note: it's fine\r\n\r\n",
			want: `curl -XGET -H "X-Note:it's fine" 'http://example.com/'`,
		},
		{
			name: "body with single quote is escaped",
			raw:  "PUT http://example.com/ HTTP/1.1\r\n\r\ndon't",
			want: `curl -XPUT --data-raw 'don'\''t' 'http://example.com/'`,
		},
		{
			name: "binary body is left out",
			raw:  "PUT http://example.com/ HTTP/1.1\r\n\r\n\xff\xfe",
			want: `curl -XPUT 'http://example.com/'`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CurlCommand(request(t, tt.raw)))
		})
	}
}
