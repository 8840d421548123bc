package body

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"netopsy/parsing"
)

var (
	ErrNotProtobuf     = errors.New("body is not protobuf wire format")
	ErrTruncatedFrame  = errors.New("truncated gRPC frame")
	ErrCompressedFrame = errors.New("compressed gRPC frame")
)

// WireError locates the first malformed byte of a protobuf or gRPC body.
// It matches ErrNotProtobuf with errors.Is.
type WireError struct {
	Offset int
	Number protowire.Number // field being decoded, 0 while reading a tag or frame
	Err    error
}

func (e *WireError) Error() string {
	if e.Number != 0 {
		return fmt.Sprintf("protobuf field %d at offset %d: %v", e.Number, e.Offset, e.Err)
	}
	return fmt.Sprintf("protobuf at offset %d: %v", e.Offset, e.Err)
}

func (e *WireError) Unwrap() error { return e.Err }

func (e *WireError) Is(target error) bool { return target == ErrNotProtobuf }

func isProtobufContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "application/x-protobuf") ||
		strings.Contains(ct, "application/protobuf") ||
		strings.Contains(ct, "application/grpc") ||
		strings.Contains(ct, "application/vnd.google.protobuf")
}

func isGRPCContentType(ct string) bool {
	return strings.Contains(strings.ToLower(ct), "application/grpc")
}

// Field is one decoded field in wire order. Value is int64 or uint64 for
// varints, float64 or uint64 for fixed64, float32 or uint32 for fixed32,
// and []Field, string or a byte summary for length-delimited fields.
type Field struct {
	Number protowire.Number
	Type   protowire.Type
	Value  interface{}
}

// DecodeProtobuf renders a protobuf body as indented JSON keyed by field
// number. gRPC bodies are split into their frames; several frames render
// as a JSON array.
func DecodeProtobuf(data []byte, contentType string) (string, error) {
	messages := [][]byte{data}
	if isGRPCContentType(contentType) {
		var err error
		if messages, err = grpcMessages(data); err != nil {
			return "", err
		}
	}

	out := make([]map[string]interface{}, 0, len(messages))
	for _, msg := range messages {
		fields, err := DecodeWire(msg)
		if err != nil {
			return "", err
		}
		out = append(out, fieldsJSON(fields))
	}

	var v interface{} = out
	if len(out) == 1 {
		v = out[0]
	}
	text, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(text), nil
}

// grpcMessages splits length-prefixed gRPC frames: a flag byte then a
// big-endian uint32 length.
func grpcMessages(data []byte) ([][]byte, error) {
	r := parsing.NewByteReader(data)
	var messages [][]byte
	for !r.Empty() {
		start := r.Offset()
		flag, ok := r.NextUint8()
		if !ok {
			return nil, &WireError{Offset: start, Err: ErrTruncatedFrame}
		}
		payload, ok := r.NextVarBytes(parsing.Uint32Length)
		if !ok {
			return nil, &WireError{Offset: start, Err: ErrTruncatedFrame}
		}
		if flag != 0 {
			return nil, &WireError{Offset: start, Err: ErrCompressedFrame}
		}
		messages = append(messages, payload)
	}
	return messages, nil
}

// DecodeWire decodes one message without a schema.
func DecodeWire(data []byte) ([]Field, error) {
	r := parsing.NewByteReader(data)
	var fields []Field

	for !r.Empty() {
		num, typ, n := protowire.ConsumeTag(r.Remaining())
		if n < 0 {
			return nil, &WireError{Offset: r.Offset(), Err: protowire.ParseError(n)}
		}
		r.Skip(n)

		at := r.Offset()
		size := protowire.ConsumeFieldValue(num, typ, r.Remaining())
		if size < 0 {
			return nil, &WireError{Offset: at, Number: num, Err: protowire.ParseError(size)}
		}
		raw, _ := r.NextBytes(size)

		field := Field{Number: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			v, _ := protowire.ConsumeVarint(raw)
			field.Value = varintValue(v)
		case protowire.Fixed64Type:
			v, _ := protowire.ConsumeFixed64(raw)
			field.Value = fixed64Value(v)
		case protowire.Fixed32Type:
			v, _ := protowire.ConsumeFixed32(raw)
			field.Value = fixed32Value(v)
		case protowire.BytesType:
			v, _ := protowire.ConsumeBytes(raw)
			field.Value = bytesValue(v)
		case protowire.StartGroupType:
			field.Value = fmt.Sprintf("[group: %d bytes]", len(raw))
		default:
			return nil, &WireError{Offset: at, Number: num, Err: fmt.Errorf("unexpected wire type %d", typ)}
		}
		fields = append(fields, field)
	}
	return fields, nil
}

func varintValue(v uint64) interface{} {
	if v > math.MaxInt64 {
		return v
	}
	return int64(v)
}

// Fixed-width fields are shown as floats only when the bits look like an
// ordinary number; otherwise they stay integers.
func fixed64Value(v uint64) interface{} {
	if f := math.Float64frombits(v); plausibleFloat(f, 1e-10, 1e15) {
		return f
	}
	return v
}

func fixed32Value(v uint32) interface{} {
	if f := math.Float32frombits(v); plausibleFloat(float64(f), 1e-6, 1e10) {
		return f
	}
	return v
}

func plausibleFloat(f, min, max float64) bool {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return false
	}
	abs := math.Abs(f)
	return abs > min && abs < max
}

// bytesValue tries a nested message, then text, then a hex preview.
func bytesValue(b []byte) interface{} {
	if len(b) == 0 {
		return ""
	}
	if nested, err := DecodeWire(b); err == nil {
		return nested
	}
	if isText(b) {
		return string(b)
	}
	if len(b) <= 32 {
		return "0x" + hex.EncodeToString(b)
	}
	return fmt.Sprintf("[bytes: %d]", len(b))
}

func isText(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}
	for _, r := range string(b) {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return false
		}
	}
	return true
}

// fieldsJSON keys fields by number; repeated numbers collect into an array.
func fieldsJSON(fields []Field) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		value := f.Value
		if nested, ok := value.([]Field); ok {
			value = fieldsJSON(nested)
		}

		key := strconv.Itoa(int(f.Number))
		switch prev := out[key].(type) {
		case nil:
			out[key] = value
		case repeated:
			out[key] = append(prev, value)
		default:
			out[key] = repeated{prev, value}
		}
	}
	return out
}

type repeated []interface{}
