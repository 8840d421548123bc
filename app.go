package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"netopsy/certs"
	"netopsy/pkg/config"
	"netopsy/pkg/logger"
	"netopsy/proxy"
	"netopsy/trace"
)

// App owns one proxy run: the certificate authority, the trace being
// recorded and the listener feeding it.
type App struct {
	cfg     *config.Config
	version string

	authority *certs.Authority
	recording *trace.RecordingTrace
	writer    *trace.Writer
	listener  *proxy.Listener

	mu      sync.Mutex
	started bool
}

func NewApp(cfg *config.Config, version string) *App {
	return &App{cfg: cfg, version: version}
}

// traceDir is the configured recording folder, or a fresh one under the
// system temp dir.
func (a *App) traceDir() string {
	if a.cfg.TraceDir != "" {
		return a.cfg.TraceDir
	}
	return filepath.Join(os.TempDir(), "netopsy-"+uuid.New().String())
}

// Start opens the authority and the trace, then begins accepting
// connections. It returns once the listener is bound.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return errors.New("app already started")
	}
	logger.LogAppState(logger.StateStarting, map[string]interface{}{
		"version": a.version,
		"listen":  a.cfg.ListenAddr,
	})

	authority, err := certs.Open(a.cfg.Certs())
	if err != nil {
		return fmt.Errorf("open certificate authority: %w", err)
	}

	dir := a.traceDir()
	recording := trace.NewRecordingTrace(dir)
	recording.Observe(trace.ObserverFuncs{
		Added: func(number int) {
			logger.Debug("app").Int("session", number).Msg("Session added")
		},
	})
	writer, err := trace.NewWriter(dir, recording)
	if err != nil {
		authority.Close()
		return err
	}

	var issuer proxy.Issuer
	if a.cfg.MITM {
		issuer = authority
	}
	listener, err := proxy.NewListener(a.cfg.Proxy(), issuer, writer)
	if err != nil {
		writer.Close()
		authority.Close()
		return err
	}
	if err := listener.Start(ctx); err != nil {
		writer.Close()
		authority.Close()
		return err
	}

	a.authority = authority
	a.recording = recording
	a.writer = writer
	a.listener = listener
	a.started = true

	logger.LogAppState(logger.StateReady, map[string]interface{}{
		"addr":      listener.Addr().String(),
		"trace_dir": dir,
		"mitm":      a.cfg.MITM,
		"ca":        authority.RootPath(),
	})
	return nil
}

// Addr is the bound listen address, nil before Start.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil || a.listener.Addr() == nil {
		return ""
	}
	return a.listener.Addr().String()
}

func (a *App) TraceDir() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.writer == nil {
		return ""
	}
	return a.writer.Dir()
}

// Recording is the live trace, nil before Start.
func (a *App) Recording() *trace.RecordingTrace {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recording
}

// Shutdown stops accepting, aborts open relays and flushes the trace.
func (a *App) Shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil
	}
	a.started = false
	logger.LogAppState(logger.StateShuttingDown, nil)

	var errs []error
	if err := a.listener.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.authority.Close(); err != nil {
		errs = append(errs, err)
	}

	logger.LogAppState(logger.StateStopped, map[string]interface{}{
		"sessions": a.recording.Len(),
	})
	return errors.Join(errs...)
}
