package tlsrecord

import (
	"crypto/tls"
	"fmt"
	"time"
)

// ProtocolVersion is the (major, minor) pair carried in records and hellos.
type ProtocolVersion struct {
	Major uint8
	Minor uint8
}

func (v ProtocolVersion) String() string {
	switch {
	case v.Major == 3 && v.Minor == 0:
		return "SSL 3.0"
	case v.Major == 3 && v.Minor >= 1 && v.Minor <= 4:
		return fmt.Sprintf("TLS 1.%d", v.Minor-1)
	}
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// ==================== Record ====================

type ContentType uint8

const (
	ContentChangeCipherSpec ContentType = 20
	ContentAlert            ContentType = 21
	ContentHandshake        ContentType = 22
	ContentApplicationData  ContentType = 23
	ContentHeartbeat        ContentType = 24
)

var contentTypeNames = map[ContentType]string{
	ContentChangeCipherSpec: "change_cipher_spec",
	ContentAlert:            "alert",
	ContentHandshake:        "handshake",
	ContentApplicationData:  "application_data",
	ContentHeartbeat:        "heartbeat",
}

// Known reports whether the code is an assigned content type.
func (c ContentType) Known() bool {
	_, ok := contentTypeNames[c]
	return ok
}

func (c ContentType) String() string {
	if name, ok := contentTypeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("unassigned(%d)", uint8(c))
}

// Record is the 5-byte record header.
type Record struct {
	Type    ContentType
	Version ProtocolVersion
	Length  uint16
}

// ==================== Handshake ====================

type HandshakeType uint8

const (
	HandshakeHelloRequest       HandshakeType = 0
	HandshakeClientHello        HandshakeType = 1
	HandshakeServerHello        HandshakeType = 2
	HandshakeHelloVerifyRequest HandshakeType = 3
	HandshakeNewSessionTicket   HandshakeType = 4
	HandshakeCertificate        HandshakeType = 11
	HandshakeServerKeyExchange  HandshakeType = 12
	HandshakeCertificateRequest HandshakeType = 13
	HandshakeServerHelloDone    HandshakeType = 14
	HandshakeCertificateVerify  HandshakeType = 15
	HandshakeClientKeyExchange  HandshakeType = 16
	HandshakeFinished           HandshakeType = 20
	HandshakeCertificateURL     HandshakeType = 21
	HandshakeCertificateStatus  HandshakeType = 22
	HandshakeSupplementalData   HandshakeType = 23
)

var handshakeTypeNames = map[HandshakeType]string{
	HandshakeHelloRequest:       "hello_request",
	HandshakeClientHello:        "client_hello",
	HandshakeServerHello:        "server_hello",
	HandshakeHelloVerifyRequest: "hello_verify_request",
	HandshakeNewSessionTicket:   "new_session_ticket",
	HandshakeCertificate:        "certificate",
	HandshakeServerKeyExchange:  "server_key_exchange",
	HandshakeCertificateRequest: "certificate_request",
	HandshakeServerHelloDone:    "server_hello_done",
	HandshakeCertificateVerify:  "certificate_verify",
	HandshakeClientKeyExchange:  "client_key_exchange",
	HandshakeFinished:           "finished",
	HandshakeCertificateURL:     "certificate_url",
	HandshakeCertificateStatus:  "certificate_status",
	HandshakeSupplementalData:   "supplemental_data",
}

func (h HandshakeType) Known() bool {
	_, ok := handshakeTypeNames[h]
	return ok
}

func (h HandshakeType) String() string {
	if name, ok := handshakeTypeNames[h]; ok {
		return name
	}
	return fmt.Sprintf("unassigned(%d)", uint8(h))
}

// Handshake is the 4-byte handshake message header.
type Handshake struct {
	Type   HandshakeType
	Length uint32
}

// ==================== Alert ====================

type AlertLevel uint8

const (
	AlertWarning AlertLevel = 1
	AlertFatal   AlertLevel = 2
)

func (l AlertLevel) String() string {
	switch l {
	case AlertWarning:
		return "warning"
	case AlertFatal:
		return "fatal"
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

type AlertDescription uint8

var alertDescriptionNames = map[AlertDescription]string{
	0:   "close_notify",
	10:  "unexpected_message",
	20:  "bad_record_mac",
	21:  "decryption_failed_RESERVED",
	22:  "record_overflow",
	30:  "decompression_failure",
	40:  "handshake_failure",
	41:  "no_certificate_RESERVED",
	42:  "bad_certificate",
	43:  "unsupported_certificate",
	44:  "certificate_revoked",
	45:  "certificate_expired",
	46:  "certificate_unknown",
	47:  "illegal_parameter",
	48:  "unknown_ca",
	49:  "access_denied",
	50:  "decode_error",
	51:  "decrypt_error",
	60:  "export_restriction_RESERVED",
	70:  "protocol_version",
	71:  "insufficient_security",
	80:  "internal_error",
	90:  "user_canceled",
	100: "no_renegotiation",
	110: "unsupported_extension",
	111: "certificate_unobtainable",
	112: "unrecognized_name",
	113: "bad_certificate_status_response",
	114: "bad_certificate_hash_value",
}

func (d AlertDescription) Known() bool {
	_, ok := alertDescriptionNames[d]
	return ok
}

func (d AlertDescription) String() string {
	if name, ok := alertDescriptionNames[d]; ok {
		return name
	}
	return fmt.Sprintf("description(%d)", uint8(d))
}

type Alert struct {
	Level       AlertLevel
	Description AlertDescription
}

// ==================== Hello ====================

// Random is the 32-byte hello random: a timestamp plus 28 random bytes.
type Random struct {
	GMTUnixTime uint32
	Bytes       [28]byte
}

func (r Random) Time() time.Time {
	return time.Unix(int64(r.GMTUnixTime), 0).UTC()
}

type CipherSuite uint16

func (c CipherSuite) String() string {
	return tls.CipherSuiteName(uint16(c))
}

// CompressionMethod is either null (0) or something this parser does not name.
type CompressionMethod uint8

const CompressionNull CompressionMethod = 0

func (m CompressionMethod) String() string {
	if m == CompressionNull {
		return "null"
	}
	return fmt.Sprintf("unknown(%d)", uint8(m))
}

type ClientHello struct {
	Version            ProtocolVersion
	Random             Random
	SessionID          []byte
	CipherSuites       []CipherSuite
	CompressionMethods []CompressionMethod
	Extensions         []ExtensionContent
}

type ServerHello struct {
	Version           ProtocolVersion
	Random            Random
	SessionID         []byte
	CipherSuite       CipherSuite
	CompressionMethod CompressionMethod
	Extensions        []ExtensionContent
}

// ==================== Certificate ====================

type Certificate struct {
	Certificates [][]byte // DER, leaf first
}

type ClientCertificateType uint8

var clientCertificateTypeNames = map[ClientCertificateType]string{
	0x01: "rsa_sign",
	0x02: "dss_sign",
	0x03: "rsa_fixed_dh",
	0x04: "dss_fixed_dh",
	0x05: "rsa_ephemeral_dh_RESERVED",
	0x06: "dss_ephemeral_dh_RESERVED",
	0x14: "fortezza_dms_RESERVED",
	0x40: "ecdsa_sign",
	0x41: "rsa_fixed_ecdh",
	0x42: "ecdsa_fixed_ecdh",
}

func (c ClientCertificateType) String() string {
	if name, ok := clientCertificateTypeNames[c]; ok {
		return name
	}
	if c >= 224 {
		return "reserved_private"
	}
	return fmt.Sprintf("unassigned(%d)", uint8(c))
}

type HashAlgorithm uint8

var hashAlgorithmNames = []string{"none", "md5", "sha1", "sha224", "sha256", "sha384", "sha512"}

func (h HashAlgorithm) String() string {
	if int(h) < len(hashAlgorithmNames) {
		return hashAlgorithmNames[h]
	}
	return fmt.Sprintf("hash(%d)", uint8(h))
}

type SignatureAlgorithm uint8

var signatureAlgorithmNames = []string{"anonymous", "rsa", "dsa", "ecdsa"}

func (s SignatureAlgorithm) String() string {
	if int(s) < len(signatureAlgorithmNames) {
		return signatureAlgorithmNames[s]
	}
	return fmt.Sprintf("signature(%d)", uint8(s))
}

type SignatureAndHash struct {
	Hash      HashAlgorithm
	Signature SignatureAlgorithm
}

type CertificateRequest struct {
	CertificateTypes    []ClientCertificateType
	SignatureAlgorithms []SignatureAndHash
	Authorities         [][]byte // distinguished names, DER
}
