package tlsrecord

import (
	"fmt"

	"netopsy/parsing"
)

type ExtensionType uint16

const (
	ExtServerName        ExtensionType = 0
	ExtMaxFragmentLength ExtensionType = 1
)

var extensionTypeNames = map[ExtensionType]string{
	0:     "server_name",
	1:     "max_fragment_length",
	2:     "client_certificate_url",
	3:     "trusted_ca_keys",
	4:     "truncated_hmac",
	5:     "status_request",
	6:     "user_mapping",
	7:     "client_authz",
	8:     "server_authz",
	9:     "cert_type",
	10:    "supported_groups",
	11:    "ec_point_formats",
	12:    "srp",
	13:    "signature_algorithms",
	14:    "use_srtp",
	15:    "heartbeat",
	16:    "application_layer_protocol_negotiation",
	17:    "status_request_v2",
	18:    "signed_certificate_timestamp",
	19:    "client_certificate_type",
	20:    "server_certificate_type",
	21:    "padding",
	22:    "encrypt_then_mac",
	23:    "extended_master_secret",
	24:    "token_binding",
	25:    "cached_info",
	35:    "session_ticket",
	65281: "renegotiation_info",
}

func (e ExtensionType) Known() bool {
	_, ok := extensionTypeNames[e]
	return ok
}

func (e ExtensionType) String() string {
	if name, ok := extensionTypeNames[e]; ok {
		return name
	}
	return fmt.Sprintf("unassigned(%d)", uint16(e))
}

// Extension is a raw {type, opaque data} pair as read off the wire.
type Extension struct {
	Type ExtensionType
	Data []byte
}

// NameType is the server_name entry type. Only host_name (0) is assigned.
type NameType uint8

const NameTypeHostName NameType = 0

func (n NameType) String() string {
	if n == NameTypeHostName {
		return "host_name"
	}
	return fmt.Sprintf("unassigned(%d)", uint8(n))
}

// MaxFragmentLength codes 1-4 select 2^9..2^12 bytes.
type MaxFragmentLength uint8

// Bytes returns the fragment size in bytes, or 0 for unassigned codes.
func (m MaxFragmentLength) Bytes() int {
	if m >= 1 && m <= 4 {
		return 1 << (8 + int(m))
	}
	return 0
}

func (m MaxFragmentLength) String() string {
	if n := m.Bytes(); n > 0 {
		return fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("unassigned(%d)", uint8(m))
}

// ExtensionKind discriminates the decoded extension variants.
type ExtensionKind int

const (
	ExtensionUnknown ExtensionKind = iota
	ExtensionServerName
	ExtensionMaxFragmentLength
)

// ExtensionContent is a decoded extension. Raw is always set; the typed
// fields are set according to Kind.
type ExtensionContent struct {
	Kind              ExtensionKind
	Raw               Extension
	NameType          NameType
	ServerName        string
	MaxFragmentLength MaxFragmentLength
}

func (e ExtensionContent) String() string {
	switch e.Kind {
	case ExtensionServerName:
		return fmt.Sprintf("server_name(%s: %s)", e.NameType, e.ServerName)
	case ExtensionMaxFragmentLength:
		return fmt.Sprintf("max_fragment_length(%s)", e.MaxFragmentLength)
	}
	return fmt.Sprintf("%s (%d bytes)", e.Raw.Type, len(e.Raw.Data))
}

func decodeExtension(ext Extension) ExtensionContent {
	content := ExtensionContent{Kind: ExtensionUnknown, Raw: ext}

	switch ext.Type {
	case ExtServerName:
		r := parsing.NewByteReader(ext.Data)
		list, ok := r.SubReaderVar(parsing.Uint16Length)
		if !ok {
			break
		}
		nameType, ok := list.NextUint8()
		if !ok {
			break
		}
		name, ok := list.NextVarBytes(parsing.Uint16Length)
		if !ok {
			break
		}
		content.Kind = ExtensionServerName
		content.NameType = NameType(nameType)
		content.ServerName = string(name)
	case ExtMaxFragmentLength:
		r := parsing.NewByteReader(ext.Data)
		if code, ok := r.NextUint8(); ok {
			content.Kind = ExtensionMaxFragmentLength
			content.MaxFragmentLength = MaxFragmentLength(code)
		}
	}

	return content
}

func nextExtension(r *parsing.ByteReader) (Extension, bool) {
	var ext Extension
	ok := r.Try(func(r *parsing.ByteReader) bool {
		typ, ok := r.NextUint16()
		if !ok {
			return false
		}
		data, ok := r.NextVarBytes(parsing.Uint16Length)
		if !ok {
			return false
		}
		ext = Extension{Type: ExtensionType(typ), Data: data}
		return true
	})
	return ext, ok
}

// nextExtensions reads the optional u16-prefixed extension block. A hello
// without one yields nil.
func nextExtensions(r *parsing.ByteReader) []ExtensionContent {
	block, ok := r.SubReaderVar(parsing.Uint16Length)
	if !ok {
		return nil
	}
	var out []ExtensionContent
	for {
		ext, ok := nextExtension(block)
		if !ok {
			break
		}
		out = append(out, decodeExtension(ext))
	}
	return out
}
