package proxy

import "testing"

// ==================== MatchHost ====================

func TestMatchHost(t *testing.T) {
	tests := []struct {
		host    string
		pattern string
		want    bool
	}{
		// Match all
		{"api.example.com", "*", true},
		{"", "*", false},

		// Exact host
		{"example.com", "example.com", true},
		{"Example.COM.", "example.com", true},
		{"www.example.com", "example.com", false},
		{"example.com", "example.org", false},

		// Domain and everything below it
		{"cdn.example.com", "*.example.com", true},
		{"a.b.example.com", "*.example.com", true},
		{"example.com", "*.example.com", true},
		{"example.com", ".example.com", true},
		{"api.example.com", ".example.com", true},
		{"badexample.com", "*.example.com", false},
		{"example.com.evil.net", "*.example.com", false},

		// Ports and IPv6 literals
		{"img.cdn.example.com:443", "*.cdn.example.com", true},
		{"example.com:8443", "example.com:443", true},
		{"[::1]:443", "::1", true},
		{"[2001:db8::1]:443", "[2001:db8::2]", false},

		// Other wildcards stay inside the name
		{"static.example.com", "static.*", true},
		{"img.example.com", "static.*", false},
		{"img-cdn.example.com", "*cdn*", true},
		{"a248.akamai.net", "*akamai*", true},
		{"example.com", "*cdn*", false},
		{"v1.api.example.com", "*.api.*.com", true},
		{"v1.web.example.com", "*.api.*.com", false},

		// Malformed patterns never match
		{"example.com", "[example.com", false},
		{"example.com", "", false},
	}

	for _, tt := range tests {
		if got := MatchHost(tt.host, tt.pattern); got != tt.want {
			t.Errorf("MatchHost(%q, %q) = %v, want %v", tt.host, tt.pattern, got, tt.want)
		}
	}
}

func TestValidateHostPattern(t *testing.T) {
	for _, p := range []string{"*", "*.apple.com", ".apple.com", "pinned.example", "*akamai*", "::1"} {
		if err := ValidateHostPattern(p); err != nil {
			t.Errorf("ValidateHostPattern(%q) = %v", p, err)
		}
	}
	for _, p := range []string{"", "  ", "[bank", "bank/login", "a?b"} {
		if err := ValidateHostPattern(p); err == nil {
			t.Errorf("ValidateHostPattern(%q) = nil, want error", p)
		}
	}
}

// ==================== bypass ====================

func TestRelay_Bypassed(t *testing.T) {
	r := &Relay{opts: RelayOptions{Bypass: []string{"*.CDN.example.com", "*akamai*"}}}

	tests := []struct {
		addr string
		want bool
	}{
		{"img.cdn.example.com:443", true},
		{"IMG.CDN.EXAMPLE.COM:443", true},
		{"cdn.example.com:443", true},
		{"a248.akamai.net:443", true},
		{"api.example.com:443", false},
		{"xcdn.example.com:443", false},
	}

	for _, tt := range tests {
		if got := r.bypassed(tt.addr); got != tt.want {
			t.Errorf("bypassed(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}
