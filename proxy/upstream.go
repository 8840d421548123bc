package proxy

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/elazarl/goproxy"
)

// Dialer opens origin connections, either directly or through an upstream
// HTTP proxy with CONNECT.
type Dialer struct {
	upstream string
	timeout  time.Duration
	direct   *net.Dialer
	viaProxy func(network, addr string) (net.Conn, error)
}

// NewDialer returns a direct dialer when upstreamProxy is empty.
func NewDialer(upstreamProxy string, timeout time.Duration) (*Dialer, error) {
	d := &Dialer{
		upstream: upstreamProxy,
		timeout:  timeout,
		direct:   &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second},
	}
	if upstreamProxy == "" {
		return d, nil
	}

	u, err := url.Parse(upstreamProxy)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream proxy %q", upstreamProxy)
	}

	gp := goproxy.NewProxyHttpServer()
	gp.Verbose = false
	gp.Tr.DialContext = d.direct.DialContext
	d.viaProxy = gp.NewConnectDialToProxy(upstreamProxy)
	if d.viaProxy == nil {
		return nil, fmt.Errorf("unsupported upstream proxy scheme %q", u.Scheme)
	}
	return d, nil
}

// Upstream is the configured upstream proxy URL, or "".
func (d *Dialer) Upstream() string {
	return d.upstream
}

// DialContext connects to addr ("host:port").
func (d *Dialer) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	if d.viaProxy == nil {
		return d.direct.DialContext(ctx, "tcp", addr)
	}

	ch := make(chan dialResult, 1)
	go func() {
		conn, err := d.viaProxy("tcp", addr)
		ch <- dialResult{conn, err}
	}()

	var timeout <-chan time.Time
	if d.timeout > 0 {
		timer := time.NewTimer(d.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("dial %s via %s: %w", addr, d.upstream, res.err)
		}
		return res.conn, nil
	case <-ctx.Done():
		go discardLate(ch)
		return nil, ctx.Err()
	case <-timeout:
		go discardLate(ch)
		return nil, fmt.Errorf("dial %s via %s: timeout", addr, d.upstream)
	}
}

type dialResult struct {
	conn net.Conn
	err  error
}

// discardLate closes a connection that completes after its caller gave up.
func discardLate(ch <-chan dialResult) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}
