// Package proxy implements the intercepting listener and the per-connection
// relay that forwards plain HTTP, decrypts CONNECT tunnels and reports every
// step to a session recorder.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"netopsy/pkg/logger"
	"netopsy/trace"
)

var (
	ErrUnknownSocket  = errors.New("proxy: unknown socket")
	ErrAlreadyStarted = errors.New("proxy: listener already started")
)

// Config is the listener and relay configuration.
type Config struct {
	ListenAddr     string
	FirstSession   int
	MITM           bool
	Bypass         []string
	VerifyUpstream bool
	UpstreamProxy  string
	DialTimeout    time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
	UploadLimit    int
	DownloadLimit  int
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:     "127.0.0.1:8888",
		FirstSession:   1,
		MITM:           true,
		VerifyUpstream: true,
		DialTimeout:    defaultDialTimeout,
		MaxHeaderBytes: 64 * 1024,
	}
}

// Listener accepts client connections, runs one Relay per connection and
// maps relay events onto numbered trace sessions.
type Listener struct {
	cfg      Config
	issuer   Issuer
	recorder trace.SessionRecorder
	dialer   *Dialer
	limits   *Limits

	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	nextSession int
	nextSocket  int
	sessions    map[int]int // socket -> current session
	relays      map[int]*Relay
	closed      bool
}

// NewListener validates cfg and prepares the dialer. Nothing is bound until
// Start.
func NewListener(cfg Config, issuer Issuer, recorder trace.SessionRecorder) (*Listener, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultConfig().ListenAddr
	}
	if cfg.FirstSession <= 0 {
		cfg.FirstSession = 1
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.MITM && issuer == nil {
		return nil, fmt.Errorf("MITM enabled without a certificate authority")
	}

	dialer, err := NewDialer(cfg.UpstreamProxy, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		cfg:         cfg,
		issuer:      issuer,
		recorder:    recorder,
		dialer:      dialer,
		limits:      &Limits{},
		nextSession: cfg.FirstSession,
		sessions:    make(map[int]int),
		relays:      make(map[int]*Relay),
	}
	l.limits.Set(cfg.UploadLimit, cfg.DownloadLimit)
	return l, nil
}

// Start binds the listen address and accepts in the background until ctx is
// cancelled or Close is called.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil || l.closed {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", l.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.cfg.ListenAddr, err)
	}
	l.ln = ln

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.wg.Add(1)
	go l.serve(ctx, ln)

	logger.ProxyLog().
		Str("addr", ln.Addr().String()).
		Bool("mitm", l.cfg.MITM).
		Str("upstream", l.dialer.Upstream()).
		Msg("Proxy listening")
	return nil
}

func (l *Listener) serve(ctx context.Context, ln net.Listener) {
	defer l.wg.Done()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else if backoff *= 2; backoff > time.Second {
					backoff = time.Second
				}
				logger.Warn("proxy").Err(err).Dur("retry_in", backoff).Msg("Accept error")
				time.Sleep(backoff)
				continue
			}
			logger.Error("proxy").Err(err).Msg("Accept failed")
			return
		}
		backoff = 0

		relay, ok := l.track(conn)
		if !ok {
			conn.Close()
			continue
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			relay.Serve(ctx)
		}()
	}
}

func (l *Listener) track(conn net.Conn) (*Relay, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, false
	}
	l.nextSocket++
	opts := RelayOptions{
		MITM:           l.cfg.MITM,
		Bypass:         l.cfg.Bypass,
		VerifyUpstream: l.cfg.VerifyUpstream,
		IdleTimeout:    l.cfg.IdleTimeout,
		MaxHeaderBytes: l.cfg.MaxHeaderBytes,
	}
	relay := NewRelay(l.nextSocket, conn, opts, l.issuer, l.dialer, l.limits, l)
	l.relays[relay.ID()] = relay
	return relay, true
}

// Addr is the bound address, nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// ActiveRelays is the number of connections currently being served.
func (l *Listener) ActiveRelays() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.relays)
}

// SetLimits changes throttling for all current and future relays.
func (l *Listener) SetLimits(uploadSpeed, downloadSpeed int) {
	l.limits.Set(uploadSpeed, downloadSpeed)
}

// Close stops accepting, aborts every relay and waits for them to finish.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	relays := make([]*Relay, 0, len(l.relays))
	for _, r := range l.relays {
		relays = append(relays, r)
	}
	cancel := l.cancel
	ln := l.ln
	l.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}
	if cancel != nil {
		cancel()
	}
	for _, r := range relays {
		r.Close()
	}
	l.wg.Wait()

	logger.ProxyLog().Msg("Proxy stopped")
	return err
}

// ========================================
// Session mapping
// ========================================

// RelayEvent routes one relay event to the recorder under the socket's
// current session number.
func (l *Listener) RelayEvent(ev Event) error {
	switch ev.Phase {
	case PhaseRequestHeaders:
		return l.startSession(ev)
	case PhaseShutdown:
		return l.endSocket(ev)
	}

	n, err := l.sessionFor(ev.Socket)
	if err != nil {
		return err
	}
	if l.recorder == nil {
		return nil
	}

	switch ev.Phase {
	case PhaseRequestBody:
		return l.recorder.WriteRequest(n, ev.Data)
	case PhaseResponseHeaders:
		if ev.Response != nil {
			if err := l.recorder.StartResponse(n, ev.Response.StatusCode, ev.Response.StatusText); err != nil {
				return err
			}
		}
		return l.recorder.WriteResponse(n, ev.Data)
	case PhaseResponseBody:
		return l.recorder.WriteResponse(n, ev.Data)
	}
	return fmt.Errorf("unexpected phase %s", ev.Phase)
}

func (l *Listener) sessionFor(socket int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.sessions[socket]
	if !ok {
		return 0, fmt.Errorf("socket %d: %w", socket, ErrUnknownSocket)
	}
	return n, nil
}

// startSession allocates the next session number. A request arriving on a
// socket that already has a session (the decrypted request inside a
// CONNECT) ends the earlier session first.
func (l *Listener) startSession(ev Event) error {
	l.mu.Lock()
	n := l.nextSession
	l.nextSession++
	prev, hadPrev := l.sessions[ev.Socket]
	l.sessions[ev.Socket] = n
	l.mu.Unlock()

	log := logger.ProxyLog().Int("socket", ev.Socket).Int("session", n)
	if ev.Request != nil {
		log = log.Str("method", ev.Request.Method).Str("target", ev.Request.Target)
	}
	log.Msg("Session started")

	if l.recorder == nil {
		return nil
	}
	if hadPrev {
		if err := l.recorder.EndSession(prev); err != nil {
			logger.Error("proxy").Err(err).Int("session", prev).Msg("Failed to end session")
		}
	}

	var (
		method string
		u      *url.URL
	)
	if ev.Request != nil {
		method, u = ev.Request.Method, ev.Request.URL
	}
	if err := l.recorder.StartSession(n, method, u); err != nil {
		return err
	}
	return l.recorder.WriteRequest(n, ev.Data)
}

func (l *Listener) endSocket(ev Event) error {
	l.mu.Lock()
	n, ok := l.sessions[ev.Socket]
	delete(l.sessions, ev.Socket)
	delete(l.relays, ev.Socket)
	l.mu.Unlock()

	if ev.Err != nil {
		logger.Warn("proxy").Err(ev.Err).Int("socket", ev.Socket).Int("session", n).Msg("Relay failed")
	}
	if !ok || l.recorder == nil {
		return nil
	}
	return l.recorder.EndSession(n)
}
