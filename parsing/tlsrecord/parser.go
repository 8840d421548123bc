// Package tlsrecord decodes TLS record and handshake structures for display.
// It never takes part in a real handshake and never decrypts anything.
package tlsrecord

import (
	"fmt"
	"strings"

	"netopsy/parsing"
)

// RecordKind discriminates RecordContent.
type RecordKind int

const (
	RecordUnassigned RecordKind = iota
	RecordChangeCipherSpec
	RecordAlert
	RecordHandshake
	RecordApplicationData
	RecordHeartbeat
)

// RecordContent is one decoded record. Alert is set for RecordAlert,
// Handshake for RecordHandshake; Code carries the raw content type and Data
// the body of a record left RecordUnassigned.
type RecordContent struct {
	Kind      RecordKind
	Header    Record
	Code      uint8
	Data      []byte
	Alert     *Alert
	Handshake *HandshakeContent
}

// HandshakeContent is the first handshake message of a record. Unknown is
// true when the message type is not decoded here or its body was malformed;
// Type still carries the raw code and Raw the message body as received.
type HandshakeContent struct {
	Type               HandshakeType
	Unknown            bool
	Raw                []byte
	ClientHello        *ClientHello
	ServerHello        *ServerHello
	Certificate        *Certificate
	CertificateRequest *CertificateRequest
}

// ParseRecords decodes consecutive records from data. Parsing stops at the
// first incomplete record header or body; each body is decoded only from its
// own bytes so a malformed field cannot leak into the next record.
func ParseRecords(data []byte) []RecordContent {
	var records []RecordContent

	r := parsing.NewByteReader(data)
	for {
		rec, ok := nextRecord(r)
		if !ok {
			break
		}
		body, ok := r.SubReader(int(rec.Length))
		if !ok {
			break
		}
		records = append(records, recordContent(rec, body))
	}

	return records
}

func nextVersion(r *parsing.ByteReader) (ProtocolVersion, bool) {
	b, ok := r.NextBytes(2)
	if !ok {
		return ProtocolVersion{}, false
	}
	return ProtocolVersion{Major: b[0], Minor: b[1]}, true
}

func nextRecord(r *parsing.ByteReader) (Record, bool) {
	var rec Record
	ok := r.Try(func(r *parsing.ByteReader) bool {
		typ, ok := r.NextUint8()
		if !ok {
			return false
		}
		version, ok := nextVersion(r)
		if !ok {
			return false
		}
		length, ok := r.NextUint16()
		if !ok {
			return false
		}
		rec = Record{Type: ContentType(typ), Version: version, Length: length}
		return true
	})
	return rec, ok
}

func recordContent(rec Record, r *parsing.ByteReader) RecordContent {
	content := RecordContent{Kind: RecordUnassigned, Header: rec, Code: uint8(rec.Type)}
	data := append([]byte(nil), r.Remaining()...)

	switch rec.Type {
	case ContentHandshake:
		if hs, ok := nextHandshake(r); ok {
			content.Kind = RecordHandshake
			content.Handshake = handshakeContent(hs, r)
		}
	case ContentAlert:
		if alert, ok := nextAlert(r); ok {
			content.Kind = RecordAlert
			content.Alert = &alert
		}
	case ContentChangeCipherSpec:
		content.Kind = RecordChangeCipherSpec
	case ContentApplicationData:
		content.Kind = RecordApplicationData
	case ContentHeartbeat:
		content.Kind = RecordHeartbeat
	}

	if content.Kind == RecordUnassigned {
		content.Data = data
	}
	return content
}

func nextAlert(r *parsing.ByteReader) (Alert, bool) {
	b, ok := r.NextBytes(2)
	if !ok {
		return Alert{}, false
	}
	level, desc := AlertLevel(b[0]), AlertDescription(b[1])
	if level != AlertWarning && level != AlertFatal {
		return Alert{}, false
	}
	if !desc.Known() {
		return Alert{}, false
	}
	return Alert{Level: level, Description: desc}, true
}

func nextHandshake(r *parsing.ByteReader) (Handshake, bool) {
	var hs Handshake
	ok := r.Try(func(r *parsing.ByteReader) bool {
		typ, ok := r.NextUint8()
		if !ok {
			return false
		}
		length, ok := r.NextUint24()
		if !ok {
			return false
		}
		hs = Handshake{Type: HandshakeType(typ), Length: length}
		return true
	})
	return hs, ok
}

func handshakeContent(hs Handshake, r *parsing.ByteReader) *HandshakeContent {
	content := &HandshakeContent{Type: hs.Type}

	// A handshake message may be fragmented across records; decode what this
	// record holds when the declared length runs past it.
	body, ok := r.SubReader(int(hs.Length))
	if !ok {
		body = r
	}
	content.Raw = append([]byte(nil), body.Remaining()...)

	switch hs.Type {
	case HandshakeHelloRequest, HandshakeClientKeyExchange:
		return content
	case HandshakeClientHello:
		if hello, ok := nextClientHello(body); ok {
			content.ClientHello = &hello
			return content
		}
	case HandshakeServerHello:
		if hello, ok := nextServerHello(body); ok {
			content.ServerHello = &hello
			return content
		}
	case HandshakeCertificate:
		if cert, ok := nextCertificate(body); ok {
			content.Certificate = &cert
			return content
		}
	case HandshakeCertificateRequest:
		if req, ok := nextCertificateRequest(body); ok {
			content.CertificateRequest = &req
			return content
		}
	}

	content.Unknown = true
	return content
}

func nextRandom(r *parsing.ByteReader) (Random, bool) {
	var random Random
	ok := r.Try(func(r *parsing.ByteReader) bool {
		t, ok := r.NextUint32()
		if !ok {
			return false
		}
		b, ok := r.NextBytes(28)
		if !ok {
			return false
		}
		random.GMTUnixTime = t
		copy(random.Bytes[:], b)
		return true
	})
	return random, ok
}

func nextCipherSuites(r *parsing.ByteReader) ([]CipherSuite, bool) {
	list, ok := r.SubReaderVar(parsing.Uint16Length)
	if !ok {
		return nil, false
	}
	suites := []CipherSuite{}
	for {
		v, ok := list.NextUint16()
		if !ok {
			break
		}
		suites = append(suites, CipherSuite(v))
	}
	return suites, true
}

func nextCompressionMethods(r *parsing.ByteReader) ([]CompressionMethod, bool) {
	b, ok := r.NextVarBytes(parsing.Uint8Length)
	if !ok {
		return nil, false
	}
	methods := make([]CompressionMethod, 0, len(b))
	for _, m := range b {
		methods = append(methods, CompressionMethod(m))
	}
	return methods, true
}

func nextClientHello(r *parsing.ByteReader) (ClientHello, bool) {
	var hello ClientHello
	ok := r.Try(func(r *parsing.ByteReader) bool {
		var ok bool
		if hello.Version, ok = nextVersion(r); !ok {
			return false
		}
		if hello.Random, ok = nextRandom(r); !ok {
			return false
		}
		if hello.SessionID, ok = r.NextVarBytes(parsing.Uint8Length); !ok {
			return false
		}
		if hello.CipherSuites, ok = nextCipherSuites(r); !ok {
			return false
		}
		if hello.CompressionMethods, ok = nextCompressionMethods(r); !ok {
			return false
		}
		hello.Extensions = nextExtensions(r)
		return true
	})
	return hello, ok
}

func nextServerHello(r *parsing.ByteReader) (ServerHello, bool) {
	var hello ServerHello
	ok := r.Try(func(r *parsing.ByteReader) bool {
		var ok bool
		if hello.Version, ok = nextVersion(r); !ok {
			return false
		}
		if hello.Random, ok = nextRandom(r); !ok {
			return false
		}
		if hello.SessionID, ok = r.NextVarBytes(parsing.Uint8Length); !ok {
			return false
		}
		suite, ok := r.NextUint16()
		if !ok {
			return false
		}
		hello.CipherSuite = CipherSuite(suite)
		method, ok := r.NextUint8()
		if !ok {
			return false
		}
		hello.CompressionMethod = CompressionMethod(method)
		hello.Extensions = nextExtensions(r)
		return true
	})
	return hello, ok
}

func nextCertificate(r *parsing.ByteReader) (Certificate, bool) {
	list, ok := r.SubReaderVar(parsing.Uint24Length)
	if !ok {
		return Certificate{}, false
	}
	var cert Certificate
	for {
		der, ok := list.NextVarBytes(parsing.Uint24Length)
		if !ok {
			break
		}
		cert.Certificates = append(cert.Certificates, der)
	}
	return cert, true
}

func nextCertificateRequest(r *parsing.ByteReader) (CertificateRequest, bool) {
	var req CertificateRequest
	ok := r.Try(func(r *parsing.ByteReader) bool {
		types, ok := r.NextVarBytes(parsing.Uint8Length)
		if !ok {
			return false
		}
		for _, t := range types {
			req.CertificateTypes = append(req.CertificateTypes, ClientCertificateType(t))
		}

		algos, ok := r.SubReaderVar(parsing.Uint16Length)
		if !ok {
			return false
		}
		for {
			pair, ok := algos.NextBytes(2)
			if !ok {
				break
			}
			req.SignatureAlgorithms = append(req.SignatureAlgorithms, SignatureAndHash{
				Hash:      HashAlgorithm(pair[0]),
				Signature: SignatureAlgorithm(pair[1]),
			})
		}

		names, ok := r.SubReaderVar(parsing.Uint16Length)
		if !ok {
			return false
		}
		for {
			dn, ok := names.NextVarBytes(parsing.Uint16Length)
			if !ok {
				break
			}
			req.Authorities = append(req.Authorities, dn)
		}
		return true
	})
	return req, ok
}

// ServerName returns the SNI host from the first ClientHello in records.
func ServerName(records []RecordContent) (string, bool) {
	for _, rec := range records {
		if rec.Handshake == nil || rec.Handshake.ClientHello == nil {
			continue
		}
		for _, ext := range rec.Handshake.ClientHello.Extensions {
			if ext.Kind == ExtensionServerName && ext.NameType == NameTypeHostName {
				return ext.ServerName, true
			}
		}
	}
	return "", false
}

// Summary is a one-line description of a record for listings.
func (c RecordContent) Summary() string {
	prefix := fmt.Sprintf("%s %s len=%d", c.Header.Version, c.Header.Type, c.Header.Length)

	switch c.Kind {
	case RecordAlert:
		return fmt.Sprintf("%s: %s %s", prefix, c.Alert.Level, c.Alert.Description)
	case RecordHandshake:
		return prefix + ": " + c.Handshake.Summary()
	}
	return prefix
}

func (h *HandshakeContent) Summary() string {
	switch {
	case h.ClientHello != nil:
		ch := h.ClientHello
		var exts []string
		for _, e := range ch.Extensions {
			exts = append(exts, e.String())
		}
		return fmt.Sprintf("client_hello %s suites=%d ext=[%s]", ch.Version, len(ch.CipherSuites), strings.Join(exts, ", "))
	case h.ServerHello != nil:
		sh := h.ServerHello
		return fmt.Sprintf("server_hello %s %s", sh.Version, sh.CipherSuite)
	case h.Certificate != nil:
		return fmt.Sprintf("certificate chain=%d", len(h.Certificate.Certificates))
	case h.CertificateRequest != nil:
		return fmt.Sprintf("certificate_request types=%d authorities=%d", len(h.CertificateRequest.CertificateTypes), len(h.CertificateRequest.Authorities))
	case h.Unknown:
		return fmt.Sprintf("unknown(%d) %d bytes", uint8(h.Type), len(h.Raw))
	}
	return h.Type.String()
}
