package body

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"netopsy/parsing"
)

// CurlCommand writes a curl invocation that replays req. Host is implied by
// the URL and left out of the -H list.
func CurlCommand(req *parsing.RequestMessage) string {
	parts := []string{"curl", "-X" + req.Start.Method}

	for _, h := range req.Headers.All() {
		if strings.EqualFold(h.Name, "Host") {
			continue
		}
		header := h.Name + ":" + h.Value
		if strings.Contains(header, "'") {
			parts = append(parts, fmt.Sprintf("-H %q", header))
		} else {
			parts = append(parts, "-H '"+header+"'")
		}
	}

	if len(req.Body) > 0 && utf8.Valid(req.Body) {
		parts = append(parts, "--data-raw "+shellQuote(string(req.Body)))
	}

	parts = append(parts, shellQuote(requestURL(req)))
	return strings.Join(parts, " ")
}

// requestURL is the absolute URL of req. Origin-form targets are resolved
// against Host; with no scheme to go on they are assumed to be https,
// which is how decrypted tunnel requests arrive.
func requestURL(req *parsing.RequestMessage) string {
	u := req.Start.URL
	if u != nil && u.Host != "" && u.Scheme != "" {
		return u.String()
	}

	host := req.Headers.Value("Host")
	if host == "" && u != nil {
		host = u.Host
	}
	target := req.Start.Target
	if u != nil && u.Host != "" {
		target = parsing.RelativePath(u)
	}
	return "https://" + host + target
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
