package parsing

import (
	"encoding/binary"

	"golang.org/x/crypto/cryptobyte"
)

// Endianness selects how multi-byte integers are decoded.
type Endianness int

const (
	BigEndian Endianness = iota
	LittleEndian
)

// LengthSize is the width of a length prefix in bytes.
type LengthSize int

const (
	Uint8Length  LengthSize = 1
	Uint16Length LengthSize = 2
	Uint24Length LengthSize = 3
	Uint32Length LengthSize = 4
)

// ByteReader is a cursor over an immutable byte slice.
//
// Every Next accessor either advances the cursor and returns ok=true, or
// returns ok=false and leaves the cursor untouched. Running out of input is
// an expected condition, not an error.
type ByteReader struct {
	data  []byte
	s     cryptobyte.String
	order Endianness
}

// NewByteReader returns a big-endian reader over b.
func NewByteReader(b []byte) *ByteReader {
	return NewByteReaderOrder(b, BigEndian)
}

func NewByteReaderOrder(b []byte, order Endianness) *ByteReader {
	return &ByteReader{data: b, s: cryptobyte.String(b), order: order}
}

// Len is the number of unread bytes.
func (r *ByteReader) Len() int { return len(r.s) }

// Offset is the number of bytes consumed so far.
func (r *ByteReader) Offset() int { return len(r.data) - len(r.s) }

func (r *ByteReader) Empty() bool { return r.s.Empty() }

// Reset rewinds the cursor to the start.
func (r *ByteReader) Reset() { r.s = cryptobyte.String(r.data) }

// Remaining returns the unread bytes without consuming them.
func (r *ByteReader) Remaining() []byte { return []byte(r.s) }

// attempt runs f and restores the cursor when it fails.
func (r *ByteReader) attempt(f func(s *cryptobyte.String) bool) bool {
	saved := r.s
	if !f(&r.s) {
		r.s = saved
		return false
	}
	return true
}

// Try runs f and rewinds the cursor when f reports failure, so composite
// reads keep the all-or-nothing contract.
func (r *ByteReader) Try(f func(r *ByteReader) bool) bool {
	saved := r.s
	if !f(r) {
		r.s = saved
		return false
	}
	return true
}

func (r *ByteReader) Skip(n int) bool {
	if n < 0 {
		return false
	}
	return r.attempt(func(s *cryptobyte.String) bool { return s.Skip(n) })
}

func (r *ByteReader) NextUint8() (uint8, bool) {
	var v uint8
	ok := r.attempt(func(s *cryptobyte.String) bool { return s.ReadUint8(&v) })
	return v, ok
}

func (r *ByteReader) NextUint16() (uint16, bool) {
	var v uint16
	ok := r.attempt(func(s *cryptobyte.String) bool {
		if r.order == LittleEndian {
			var b []byte
			if !s.ReadBytes(&b, 2) {
				return false
			}
			v = binary.LittleEndian.Uint16(b)
			return true
		}
		return s.ReadUint16(&v)
	})
	return v, ok
}

func (r *ByteReader) NextUint24() (uint32, bool) {
	var v uint32
	ok := r.attempt(func(s *cryptobyte.String) bool {
		if r.order == LittleEndian {
			var b []byte
			if !s.ReadBytes(&b, 3) {
				return false
			}
			v = uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
			return true
		}
		return s.ReadUint24(&v)
	})
	return v, ok
}

func (r *ByteReader) NextUint32() (uint32, bool) {
	var v uint32
	ok := r.attempt(func(s *cryptobyte.String) bool {
		if r.order == LittleEndian {
			var b []byte
			if !s.ReadBytes(&b, 4) {
				return false
			}
			v = binary.LittleEndian.Uint32(b)
			return true
		}
		return s.ReadUint32(&v)
	})
	return v, ok
}

// NextBytes returns the next n bytes. The slice aliases the reader's buffer.
func (r *ByteReader) NextBytes(n int) ([]byte, bool) {
	if n < 0 {
		return nil, false
	}
	var b []byte
	ok := r.attempt(func(s *cryptobyte.String) bool { return s.ReadBytes(&b, n) })
	return b, ok
}

func (r *ByteReader) nextLength(size LengthSize) (int, bool) {
	switch size {
	case Uint8Length:
		n, ok := r.NextUint8()
		return int(n), ok
	case Uint16Length:
		n, ok := r.NextUint16()
		return int(n), ok
	case Uint24Length:
		n, ok := r.NextUint24()
		return int(n), ok
	case Uint32Length:
		n, ok := r.NextUint32()
		return int(n), ok
	}
	return 0, false
}

// NextVarBytes reads a length prefix of the given size followed by that many bytes.
func (r *ByteReader) NextVarBytes(size LengthSize) ([]byte, bool) {
	saved := r.s
	n, ok := r.nextLength(size)
	if !ok {
		return nil, false
	}
	b, ok := r.NextBytes(n)
	if !ok {
		r.s = saved
		return nil, false
	}
	return b, true
}

// SubReader carves a child reader over the next n bytes and advances past them.
func (r *ByteReader) SubReader(n int) (*ByteReader, bool) {
	b, ok := r.NextBytes(n)
	if !ok {
		return nil, false
	}
	return NewByteReaderOrder(b, r.order), true
}

// SubReaderVar reads a length prefix and returns a child reader over that many bytes.
func (r *ByteReader) SubReaderVar(size LengthSize) (*ByteReader, bool) {
	b, ok := r.NextVarBytes(size)
	if !ok {
		return nil, false
	}
	return NewByteReaderOrder(b, r.order), true
}
