package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"netopsy/parsing"
	"netopsy/pkg/logger"
)

// State is where a relay is in its connection lifecycle.
type State int

const (
	StateAwaitingRequestHeaders State = iota
	StatePlainRelay
	StateTunnelEstablishing
	StateTLSRelay
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingRequestHeaders:
		return "awaiting_request_headers"
	case StatePlainRelay:
		return "plain_relay"
	case StateTunnelEstablishing:
		return "tunnel_establishing"
	case StateTLSRelay:
		return "tls_relay"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Phase tags a relay event.
type Phase int

const (
	PhaseRequestHeaders Phase = iota
	PhaseRequestBody
	PhaseResponseHeaders
	PhaseResponseBody
	PhaseShutdown
)

func (p Phase) String() string {
	switch p {
	case PhaseRequestHeaders:
		return "request_headers"
	case PhaseRequestBody:
		return "request_body"
	case PhaseResponseHeaders:
		return "response_headers"
	case PhaseResponseBody:
		return "response_body"
	case PhaseShutdown:
		return "shutdown"
	}
	return "unknown"
}

var (
	ErrHeaderTooLarge = errors.New("header block exceeds limit")
	ErrNoTarget       = errors.New("request names no target host")
	ErrBadChunk       = errors.New("malformed chunked request body")
)

const (
	okHeader           = "HTTP/1.1 200 OK\r\n\r\n"
	defaultDialTimeout = 30 * time.Second
)

// Event is one observable step of a relay. Data is owned by the receiver.
type Event struct {
	Socket int
	Phase  Phase
	Data   []byte

	// PhaseRequestHeaders
	Request *parsing.RequestStart
	// PhaseResponseHeaders
	Response *parsing.ResponseStart
	// PhaseRequestHeaders and PhaseResponseHeaders
	Headers parsing.Headers

	// PhaseShutdown; nil on a clean close
	Err error
}

// EventSink receives every phase of every relay in wire order. Calls for
// one socket never overlap.
type EventSink interface {
	RelayEvent(ev Event) error
}

// Issuer supplies the leaf a relay presents to clients of a MITM tunnel.
// *certs.Authority implements it.
type Issuer interface {
	CertificateForHost(host string) (*tls.Certificate, error)
	TLSConfig(host string) *tls.Config
}

// RelayOptions are the per-connection knobs copied from the listener config.
type RelayOptions struct {
	MITM           bool
	Bypass         []string
	VerifyUpstream bool
	IdleTimeout    time.Duration
	MaxHeaderBytes int
}

// ========================================
// Relay
// ========================================

// Relay drives one accepted client connection: a single plain request, or a
// CONNECT tunnel that is either decrypted or spliced.
type Relay struct {
	id     int
	opts   RelayOptions
	issuer Issuer
	dialer *Dialer
	limits *Limits
	sink   EventSink

	mu      sync.Mutex
	state   State
	client  net.Conn
	origin  net.Conn
	closed  bool
	aborted bool

	br *bufio.Reader
	// host:port of the decrypted tunnel, set in StateTLSRelay
	tunnelHost string

	emitMu sync.Mutex
}

func NewRelay(id int, conn net.Conn, opts RelayOptions, issuer Issuer, dialer *Dialer, limits *Limits, sink EventSink) *Relay {
	if limits == nil {
		limits = &Limits{}
	}
	if dialer == nil {
		dialer, _ = NewDialer("", defaultDialTimeout)
	}
	return &Relay{
		id:     id,
		opts:   opts,
		issuer: issuer,
		dialer: dialer,
		limits: limits,
		sink:   sink,
		client: conn,
		br:     bufio.NewReader(conn),
	}
}

func (r *Relay) ID() int { return r.id }

func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Relay) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Serve runs the relay until either side closes or ctx is cancelled, then
// emits PhaseShutdown once.
func (r *Relay) Serve(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { r.Close() })
	defer stop()

	err := r.run(ctx)
	if err != nil && r.wasAborted() {
		// torn down from outside; the socket error is a consequence
		err = nil
	}
	r.teardown()
	r.setState(StateClosed)

	if err != nil {
		logger.Debug("proxy").Int("socket", r.id).Err(err).Msg("Relay ended with error")
	}
	r.emit(Event{Phase: PhaseShutdown, Err: err})
}

// Close aborts the relay from outside. Safe to call more than once.
func (r *Relay) Close() error {
	r.mu.Lock()
	r.aborted = true
	r.mu.Unlock()
	return r.teardown()
}

// teardown closes both sides.
func (r *Relay) teardown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var err error
	if r.client != nil {
		err = r.client.Close()
	}
	if r.origin != nil {
		r.origin.Close()
	}
	return err
}

func (r *Relay) wasAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

func (r *Relay) emit(ev Event) {
	ev.Socket = r.id
	if ev.Data != nil {
		ev.Data = append([]byte(nil), ev.Data...)
	}

	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.sink == nil {
		return
	}
	if err := r.sink.RelayEvent(ev); err != nil {
		logger.Error("proxy").Err(err).Int("socket", r.id).Str("phase", ev.Phase.String()).Msg("Event rejected")
	}
}

// setOrigin records the origin connection so Close reaches it.
func (r *Relay) setOrigin(conn net.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		conn.Close()
		return net.ErrClosed
	}
	r.origin = conn
	return nil
}

func (r *Relay) setClient(conn net.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		conn.Close()
		return net.ErrClosed
	}
	r.client = conn
	return nil
}

// armRead applies the idle timeout to the next read on conn.
func (r *Relay) armRead(conn net.Conn) {
	if r.opts.IdleTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(r.opts.IdleTimeout))
	}
}

// deadlineReader re-arms the idle timeout before every read.
type deadlineReader struct {
	r    io.Reader
	conn net.Conn
	arm  func(net.Conn)
}

func (d deadlineReader) Read(p []byte) (int, error) {
	d.arm(d.conn)
	return d.r.Read(p)
}

type request struct {
	raw     []byte
	start   parsing.RequestStart
	headers parsing.Headers
}

func (r *Relay) run(ctx context.Context) error {
	var req *request
	for {
		switch r.State() {
		case StateAwaitingRequestHeaders:
			client := r.client
			raw, err := readHead(r.br, r.opts.MaxHeaderBytes, func() { r.armRead(client) })
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read request headers: %w", err)
			}

			startLine, headers := parsing.ParseHeaders(raw)
			start, err := parsing.ParseRequestStart(startLine)
			if err != nil {
				return err
			}
			req = &request{raw: raw, start: start, headers: headers}
			r.emit(Event{Phase: PhaseRequestHeaders, Data: raw, Request: &start, Headers: headers.Clone()})

			logger.Debug("proxy").Int("socket", r.id).Str("method", start.Method).Str("target", start.Target).Msg("Request")

			if start.IsConnect() && r.tunnelHost == "" {
				r.setState(StateTunnelEstablishing)
			} else {
				r.setState(StatePlainRelay)
			}

		case StatePlainRelay:
			return r.relayPlain(ctx, req)

		case StateTunnelEstablishing:
			decrypted, err := r.establishTunnel(ctx, req)
			if err != nil || !decrypted {
				return err
			}
			r.setState(StateTLSRelay)

		case StateTLSRelay:
			r.setState(StateAwaitingRequestHeaders)

		default:
			return nil
		}
	}
}

// readHead reads through the first CRLFCRLF, calling arm (if set) before
// every read. A connection that ends before sending anything yields io.EOF.
func readHead(br *bufio.Reader, limit int, arm func()) ([]byte, error) {
	var head []byte
	for {
		if arm != nil {
			arm()
		}
		line, err := br.ReadSlice('\n')
		head = append(head, line...)
		if limit > 0 && len(head) > limit {
			return nil, fmt.Errorf("%w (%d bytes)", ErrHeaderTooLarge, limit)
		}
		if bytes.HasSuffix(head, parsing.DoubleLineSeparator) {
			return head, nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && len(head) == 0 {
			return nil, io.EOF
		}
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		if err != nil {
			return nil, err
		}
	}
}

// ========================================
// Plain relay
// ========================================

// target resolves where a request goes and whether the hop is TLS.
func (r *Relay) target(req *request) (addr, hostHeader string, useTLS bool, err error) {
	if r.tunnelHost != "" {
		host := req.headers.Value("Host")
		if host == "" {
			host = r.tunnelHost
		}
		return r.tunnelHost, host, true, nil
	}

	if u := req.start.URL; u != nil && u.Host != "" {
		port := u.Port()
		useTLS = strings.EqualFold(u.Scheme, "https")
		if port == "" {
			port = "80"
			if useTLS {
				port = "443"
			}
		}
		return net.JoinHostPort(u.Hostname(), port), u.Host, useTLS, nil
	}

	host := req.headers.Value("Host")
	if host == "" {
		return "", "", false, ErrNoTarget
	}
	h, port, splitErr := net.SplitHostPort(host)
	if splitErr != nil {
		h, port = strings.Trim(host, "[]"), "443"
	}
	return net.JoinHostPort(h, port), host, true, nil
}

func (r *Relay) dialOrigin(ctx context.Context, addr string, useTLS bool) (net.Conn, error) {
	conn, err := r.dialer.DialContext(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial origin %s: %w", addr, err)
	}
	if !useTLS {
		return conn, nil
	}

	host, _, _ := net.SplitHostPort(addr)
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: !r.opts.VerifyUpstream,
		NextProtos:         []string{"http/1.1"},
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("origin handshake %s: %w", addr, err)
	}
	return tlsConn, nil
}

func (r *Relay) relayPlain(ctx context.Context, req *request) error {
	addr, hostHeader, useTLS, err := r.target(req)
	if err != nil {
		return err
	}

	headers := req.headers.Clone()
	headers.Del("Proxy-Connection")
	headers.Set("Connection", "close")
	headers.Set("Host", hostHeader)

	origin, err := r.dialOrigin(ctx, addr, useTLS)
	if err != nil {
		return err
	}
	if err := r.setOrigin(origin); err != nil {
		return err
	}

	var head bytes.Buffer
	fmt.Fprintf(&head, "%s %s HTTP/1.1\r\n", req.start.Method, targetPath(req.start))
	head.Write(headers.Bytes())
	head.WriteString("\r\n")
	if _, err := origin.Write(head.Bytes()); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	if err := r.forwardRequestBody(ctx, req, origin); err != nil {
		return err
	}

	originReader := bufio.NewReader(origin)
	raw, err := readHead(originReader, r.opts.MaxHeaderBytes, func() { r.armRead(origin) })
	if err != nil {
		return fmt.Errorf("read response headers: %w", err)
	}
	statusLine, respHeaders := parsing.ParseHeaders(raw)
	status, err := parsing.ParseResponseStart(statusLine)
	if err != nil {
		return err
	}
	r.emit(Event{Phase: PhaseResponseHeaders, Data: raw, Response: &status, Headers: respHeaders})
	if _, err := r.client.Write(raw); err != nil {
		return fmt.Errorf("write response headers: %w", err)
	}

	err = transfer(ctx, r.client, deadlineReader{originReader, origin, r.armRead}, r.limits.Download(), func(b []byte) {
		r.emit(Event{Phase: PhaseResponseBody, Data: b})
	})
	if err != nil {
		return fmt.Errorf("relay response body: %w", err)
	}
	return nil
}

// targetPath is the origin-form target sent upstream.
func targetPath(start parsing.RequestStart) string {
	if start.URL == nil || start.URL.Host == "" {
		return start.Target
	}
	return parsing.RelativePath(start.URL)
}

func (r *Relay) forwardRequestBody(ctx context.Context, req *request, origin net.Conn) error {
	src := deadlineReader{r.br, r.client, r.armRead}
	up := r.limits.Upload()

	if cl, ok := req.headers.Get("Content-Length"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err == nil && n > 0 {
			body := NewRateLimitedReader(ctx, io.LimitReader(src, n), up)
			var buf bytes.Buffer
			if _, err := io.Copy(io.MultiWriter(origin, &buf), body); err != nil {
				return fmt.Errorf("relay request body: %w", err)
			}
			if int64(buf.Len()) != n {
				return fmt.Errorf("relay request body: %w", io.ErrUnexpectedEOF)
			}
			r.emit(Event{Phase: PhaseRequestBody, Data: buf.Bytes()})
			return nil
		}
		if err == nil {
			return nil
		}
	}

	if strings.Contains(strings.ToLower(req.headers.Value("Transfer-Encoding")), "chunked") {
		return r.forwardChunked(ctx, origin)
	}
	return nil
}

// forwardChunked passes a chunked request body through unchanged, one
// event per chunk, up to and including the trailer section.
func (r *Relay) forwardChunked(ctx context.Context, origin net.Conn) error {
	src := r.br
	up := r.limits.Upload()

	send := func(b []byte) error {
		if err := waitN(ctx, up, len(b)); err != nil {
			return err
		}
		r.emit(Event{Phase: PhaseRequestBody, Data: b})
		_, err := origin.Write(b)
		return err
	}

	for {
		r.armRead(r.client)
		line, err := src.ReadBytes('\n')
		if err != nil {
			return fmt.Errorf("relay chunked body: %w", err)
		}
		sizeField, _, _ := strings.Cut(strings.TrimSpace(string(line)), ";")
		size, err := strconv.ParseUint(sizeField, 16, 63)
		if err != nil {
			return fmt.Errorf("%w: size %q", ErrBadChunk, sizeField)
		}

		if size == 0 {
			chunk := line
			for {
				trailer, err := src.ReadBytes('\n')
				if err != nil {
					return fmt.Errorf("relay chunked trailer: %w", err)
				}
				chunk = append(chunk, trailer...)
				if string(trailer) == "\r\n" {
					break
				}
			}
			return send(chunk)
		}

		chunk := make([]byte, len(line)+int(size)+2)
		copy(chunk, line)
		if _, err := io.ReadFull(src, chunk[len(line):]); err != nil {
			return fmt.Errorf("relay chunked body: %w", err)
		}
		if err := send(chunk); err != nil {
			return fmt.Errorf("relay chunked body: %w", err)
		}
	}
}

// ========================================
// Tunnels
// ========================================

func tunnelAddr(req *request) string {
	host := req.start.Target
	if req.start.URL != nil && req.start.URL.Host != "" {
		host = req.start.URL.Host
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(strings.Trim(host, "[]"), "443")
	}
	return host
}

func (r *Relay) bypassed(addr string) bool {
	for _, pattern := range r.opts.Bypass {
		if MatchHost(addr, pattern) {
			return true
		}
	}
	return false
}

// establishTunnel answers the CONNECT and then either decrypts the client
// stream (returning true) or splices bytes until one side closes.
func (r *Relay) establishTunnel(ctx context.Context, req *request) (bool, error) {
	addr := tunnelAddr(req)

	if _, err := r.client.Write([]byte(okHeader)); err != nil {
		return false, fmt.Errorf("answer CONNECT: %w", err)
	}
	status := parsing.ResponseStart{Version: "HTTP/1.1", StatusCode: 200, StatusText: "OK"}
	r.emit(Event{Phase: PhaseResponseHeaders, Data: []byte(okHeader), Response: &status})

	if !r.opts.MITM || r.bypassed(addr) {
		logger.Debug("proxy").Int("socket", r.id).Str("host", addr).Msg("Tunnel pass-through")
		return false, r.splice(ctx, addr)
	}

	host, _, _ := net.SplitHostPort(addr)
	if _, err := r.issuer.CertificateForHost(host); err != nil {
		return false, fmt.Errorf("leaf for %s: %w", host, err)
	}

	tlsConn := tls.Server(&bufferedConn{Conn: r.client, r: r.br}, r.issuer.TLSConfig(host))
	r.armRead(r.client)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return false, fmt.Errorf("client handshake for %s: %w", host, err)
	}
	if err := r.setClient(tlsConn); err != nil {
		return false, err
	}
	r.br = bufio.NewReader(tlsConn)
	r.tunnelHost = addr

	logger.Debug("proxy").Int("socket", r.id).Str("host", addr).Msg("Tunnel decrypted")
	return true, nil
}

// splice copies both directions untouched. Either direction ending closes
// both sides.
func (r *Relay) splice(ctx context.Context, addr string) error {
	origin, err := r.dialOrigin(ctx, addr, false)
	if err != nil {
		return err
	}
	if err := r.setOrigin(origin); err != nil {
		return err
	}

	client := &bufferedConn{Conn: r.client, r: r.br}
	errCh := make(chan error, 2)

	go func() {
		errCh <- transfer(ctx, origin, client, r.limits.Upload(), func(b []byte) {
			r.emit(Event{Phase: PhaseRequestBody, Data: b})
		})
		r.teardown()
	}()
	go func() {
		errCh <- transfer(ctx, client, deadlineReader{origin, origin, r.armRead}, r.limits.Download(), func(b []byte) {
			r.emit(Event{Phase: PhaseResponseBody, Data: b})
		})
		r.teardown()
	}()

	first := <-errCh
	<-errCh
	if first != nil && !errors.Is(first, net.ErrClosed) {
		return fmt.Errorf("tunnel %s: %w", addr, first)
	}
	return nil
}

// bufferedConn reads through r first so bytes already buffered from the
// client are not lost when the connection changes hands.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
