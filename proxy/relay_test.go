package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"netopsy/parsing"
)

// ==================== readHead ====================

func TestReadHead(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		limit    int
		want     string
		wantErr  error
		leftover string
	}{
		{
			name:     "complete head leaves body buffered",
			input:    "GET / HTTP/1.1\r\nHost: a\r\n\r\nbody",
			want:     "GET / HTTP/1.1\r\nHost: a\r\n\r\n",
			leftover: "body",
		},
		{
			name:    "empty connection",
			input:   "",
			wantErr: io.EOF,
		},
		{
			name:    "connection ends mid head",
			input:   "GET / HTTP/1.1\r\nHost: a\r\n",
			wantErr: io.ErrUnexpectedEOF,
		},
		{
			name:    "over limit",
			input:   "GET / HTTP/1.1\r\nX-Long: " + strings.Repeat("a", 100) + "\r\n\r\n",
			limit:   64,
			wantErr: ErrHeaderTooLarge,
		},
		{
			name:  "line longer than the read buffer",
			input: "GET / HTTP/1.1\r\nX-Long: " + strings.Repeat("b", 5000) + "\r\n\r\n",
			want:  "GET / HTTP/1.1\r\nX-Long: " + strings.Repeat("b", 5000) + "\r\n\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			br := bufio.NewReaderSize(strings.NewReader(tt.input), 16)
			arms := 0
			got, err := readHead(br, tt.limit, func() { arms++ })
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("head = %q, want %q", got, tt.want)
			}
			if arms == 0 {
				t.Error("idle timeout was never armed")
			}
			rest, _ := io.ReadAll(br)
			if string(rest) != tt.leftover {
				t.Errorf("leftover = %q, want %q", rest, tt.leftover)
			}
		})
	}
}

// ==================== target ====================

func mustRequest(t *testing.T, raw string) *request {
	t.Helper()
	line, headers := parsing.ParseHeaders([]byte(raw))
	start, err := parsing.ParseRequestStart(line)
	if err != nil {
		t.Fatalf("ParseRequestStart(%q): %v", line, err)
	}
	return &request{raw: []byte(raw), start: start, headers: headers}
}

func TestRelay_Target(t *testing.T) {
	tests := []struct {
		name       string
		tunnel     string
		raw        string
		wantAddr   string
		wantHost   string
		wantTLS    bool
		wantErr    error
		wantTarget string
	}{
		{
			name:       "absolute form defaults to port 80",
			raw:        "GET http://example.com/a?b=1 HTTP/1.1\r\nHost: example.com\r\n\r\n",
			wantAddr:   "example.com:80",
			wantHost:   "example.com",
			wantTarget: "/a?b=1",
		},
		{
			name:       "absolute form with explicit port",
			raw:        "GET http://example.com:8080/ HTTP/1.1\r\n\r\n",
			wantAddr:   "example.com:8080",
			wantHost:   "example.com:8080",
			wantTarget: "/",
		},
		{
			name:       "https absolute form",
			raw:        "GET https://example.com/x HTTP/1.1\r\n\r\n",
			wantAddr:   "example.com:443",
			wantHost:   "example.com",
			wantTLS:    true,
			wantTarget: "/x",
		},
		{
			name:       "origin form falls back to Host header over TLS",
			raw:        "GET /path HTTP/1.1\r\nHost: secure.example.com\r\n\r\n",
			wantAddr:   "secure.example.com:443",
			wantHost:   "secure.example.com",
			wantTLS:    true,
			wantTarget: "/path",
		},
		{
			name:       "Host header port is kept",
			raw:        "GET /path HTTP/1.1\r\nHost: secure.example.com:9443\r\n\r\n",
			wantAddr:   "secure.example.com:9443",
			wantHost:   "secure.example.com:9443",
			wantTLS:    true,
			wantTarget: "/path",
		},
		{
			name:       "decrypted tunnel uses the CONNECT target",
			tunnel:     "api.example.com:443",
			raw:        "POST /v1 HTTP/1.1\r\nHost: api.example.com\r\n\r\n",
			wantAddr:   "api.example.com:443",
			wantHost:   "api.example.com",
			wantTLS:    true,
			wantTarget: "/v1",
		},
		{
			name:    "no host anywhere",
			raw:     "GET /path HTTP/1.1\r\n\r\n",
			wantErr: ErrNoTarget,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Relay{tunnelHost: tt.tunnel}
			req := mustRequest(t, tt.raw)

			addr, host, useTLS, err := r.target(req)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if addr != tt.wantAddr || host != tt.wantHost || useTLS != tt.wantTLS {
				t.Errorf("target = (%q, %q, %v), want (%q, %q, %v)", addr, host, useTLS, tt.wantAddr, tt.wantHost, tt.wantTLS)
			}
			if got := targetPath(req.start); got != tt.wantTarget {
				t.Errorf("targetPath = %q, want %q", got, tt.wantTarget)
			}
		})
	}
}

func TestTunnelAddr(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"CONNECT example.com:443 HTTP/1.1\r\n\r\n", "example.com:443"},
		{"CONNECT example.com:8443 HTTP/1.1\r\n\r\n", "example.com:8443"},
		{"CONNECT 127.0.0.1:9000 HTTP/1.1\r\n\r\n", "127.0.0.1:9000"},
	}
	for _, tt := range tests {
		if got := tunnelAddr(mustRequest(t, tt.raw)); got != tt.want {
			t.Errorf("tunnelAddr(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

// ==================== State / Phase ====================

func TestStateAndPhaseNames(t *testing.T) {
	states := map[State]string{
		StateAwaitingRequestHeaders: "awaiting_request_headers",
		StatePlainRelay:             "plain_relay",
		StateTunnelEstablishing:     "tunnel_establishing",
		StateTLSRelay:               "tls_relay",
		StateClosed:                 "closed",
		State(42):                   "unknown",
	}
	for s, want := range states {
		if s.String() != want {
			t.Errorf("State(%d) = %q, want %q", int(s), s.String(), want)
		}
	}

	phases := map[Phase]string{
		PhaseRequestHeaders:  "request_headers",
		PhaseRequestBody:     "request_body",
		PhaseResponseHeaders: "response_headers",
		PhaseResponseBody:    "response_body",
		PhaseShutdown:        "shutdown",
	}
	for p, want := range phases {
		if p.String() != want {
			t.Errorf("Phase(%d) = %q, want %q", int(p), p.String(), want)
		}
	}
}

// ==================== throttling ====================

func TestLimits_Set(t *testing.T) {
	var l Limits
	if l.Upload() != nil || l.Download() != nil {
		t.Fatal("zero Limits should be unlimited")
	}

	l.Set(1024, 0)
	if l.Upload() == nil || l.Upload().Burst() != burstSize {
		t.Errorf("upload limiter = %v, want burst %d", l.Upload(), burstSize)
	}
	if l.Download() != nil {
		t.Error("download should stay unlimited")
	}

	l.Set(0, -1)
	if l.Upload() != nil || l.Download() != nil {
		t.Error("non-positive speeds should disable limits")
	}
}

func TestTransfer_ObservesEveryChunk(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 10000)

	var dst bytes.Buffer
	var seen bytes.Buffer
	err := transfer(context.Background(), &dst, bytes.NewReader(payload), nil, func(b []byte) {
		seen.Write(b)
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if !bytes.Equal(dst.Bytes(), payload) {
		t.Error("destination differs from source")
	}
	if !bytes.Equal(seen.Bytes(), payload) {
		t.Error("observed bytes differ from source")
	}
}

func TestTransfer_Throttled(t *testing.T) {
	var l Limits
	l.Set(burstSize*4, 0) // four bursts per second

	payload := make([]byte, burstSize*6)
	start := time.Now()
	if err := transfer(context.Background(), io.Discard, bytes.NewReader(payload), l.Upload(), nil); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	// first burst is free, the other five take 1.25s at 4 bursts/s
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("throttled transfer took %v, want >= 1s", elapsed)
	}
}

func TestTransfer_CancelledContext(t *testing.T) {
	var l Limits
	l.Set(1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := transfer(ctx, io.Discard, bytes.NewReader(make([]byte, 100)), l.Upload(), nil)
	if err == nil {
		t.Fatal("expected an error from a cancelled limiter wait")
	}
}

func TestRateLimitedReader(t *testing.T) {
	var l Limits
	l.Set(1<<20, 0)

	r := NewRateLimitedReader(context.Background(), strings.NewReader("hello world"), l.Upload())
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("got %q", got)
	}
}
