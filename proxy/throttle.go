package proxy

import (
	"context"
	"io"
	"sync"

	"golang.org/x/time/rate"
)

// Low burst so even small bodies feel the throttle; 4KB means the limiter
// is consulted every 4KB.
const burstSize = 4 * 1024

const copyBufferSize = 32 * 1024

// Limits holds the upload and download limiters shared by every relay of a
// listener. A nil limiter means unlimited.
type Limits struct {
	mu   sync.Mutex
	up   *rate.Limiter
	down *rate.Limiter
}

// Set replaces both limits, in bytes per second. Zero or less disables one.
func (l *Limits) Set(uploadSpeed, downloadSpeed int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if uploadSpeed > 0 {
		l.up = rate.NewLimiter(rate.Limit(uploadSpeed), burstSize)
	} else {
		l.up = nil
	}

	if downloadSpeed > 0 {
		l.down = rate.NewLimiter(rate.Limit(downloadSpeed), burstSize)
	} else {
		l.down = nil
	}
}

func (l *Limits) Upload() *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.up
}

func (l *Limits) Download() *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.down
}

// waitN blocks until limiter admits n bytes, taking at most one burst at a time.
func waitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	if limiter == nil {
		return nil
	}
	burst := limiter.Burst()
	remaining := n
	for remaining > 0 {
		take := remaining
		if take > burst {
			take = burst
		}
		if err := limiter.WaitN(ctx, take); err != nil {
			return err
		}
		remaining -= take
	}
	return nil
}

// RateLimitedReader throttles reads from r through limiter.
type RateLimitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func NewRateLimitedReader(ctx context.Context, r io.Reader, limiter *rate.Limiter) *RateLimitedReader {
	return &RateLimitedReader{ctx: ctx, r: r, limiter: limiter}
}

func (r *RateLimitedReader) Read(p []byte) (n int, err error) {
	n, err = r.r.Read(p)
	if n > 0 {
		if wErr := waitN(r.ctx, r.limiter, n); wErr != nil {
			return n, wErr
		}
	}
	return
}

// transfer copies src to dst until src ends, throttled by limiter. Every
// chunk is handed to observe (if set) before it is written. A clean EOF
// returns nil.
func transfer(ctx context.Context, dst io.Writer, src io.Reader, limiter *rate.Limiter, observe func([]byte)) error {
	buf := make([]byte, copyBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if wErr := waitN(ctx, limiter, n); wErr != nil {
				return wErr
			}
			if observe != nil {
				observe(buf[:n])
			}
			if _, wErr := dst.Write(buf[:n]); wErr != nil {
				return wErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
