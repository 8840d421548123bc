package proxy

import (
	"fmt"
	"net"
	"path"
	"strings"
)

// MatchHost reports whether a tunnel host matches a bypass pattern.
//
// Host and pattern compare case-insensitively, ignoring a port, IPv6
// brackets and a trailing dot. "*.example.com" and ".example.com" match
// example.com and every name below it. A pattern without wildcards matches
// that host only. Any other "*" matches within the host name, so "*akamai*"
// matches a248.akamai.net and "*.api.*.com" matches v1.api.example.com.
func MatchHost(host, pattern string) bool {
	host = canonicalHost(host)
	pattern = canonicalHost(pattern)
	if pattern == "" || host == "" {
		return false
	}
	if pattern == "*" {
		return true
	}

	if suffix, ok := domainSuffix(pattern); ok {
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	if !strings.Contains(pattern, "*") {
		return host == pattern
	}
	ok, err := path.Match(pattern, host)
	return err == nil && ok
}

// ValidateHostPattern rejects patterns MatchHost could never match.
func ValidateHostPattern(pattern string) error {
	p := canonicalHost(pattern)
	if p == "" {
		return fmt.Errorf("host pattern %q is empty", pattern)
	}
	if strings.ContainsAny(p, "/?[]\\") {
		return fmt.Errorf("host pattern %q: unexpected character", pattern)
	}
	return nil
}

// domainSuffix returns the domain of "*.d" or ".d" when d has no
// further wildcard.
func domainSuffix(pattern string) (string, bool) {
	var rest string
	switch {
	case strings.HasPrefix(pattern, "*."):
		rest = pattern[2:]
	case strings.HasPrefix(pattern, "."):
		rest = pattern[1:]
	default:
		return "", false
	}
	if rest == "" || strings.Contains(rest, "*") {
		return "", false
	}
	return rest, true
}

func canonicalHost(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	s = strings.TrimSuffix(strings.Trim(s, "[]"), ".")
	return s
}
