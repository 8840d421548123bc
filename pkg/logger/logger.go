package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// ========================================
// Structured Logger
// ========================================

// Logger is the process-wide logger. The zero value discards everything until Init runs.
var Logger zerolog.Logger

var persistentLogger *PersistentLogger

// Level is the configured verbosity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level. Unknown strings fall back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config controls where log output goes.
type Config struct {
	Level      Level
	Console    bool   // write to stderr with colors
	File       bool   // write to FilePath with rotation
	FilePath   string // log file path
	MaxSizeMB  int    // rotate after this many MB
	MaxAgeDays int    // delete rotated files older than this
	MaxBackups int    // keep at most this many rotated files
	Compress   bool   // gzip rotated files
}

// DefaultConfig logs info and above to the console only.
func DefaultConfig() Config {
	return Config{
		Level:      LevelInfo,
		Console:    true,
		File:       false,
		MaxSizeMB:  10,
		MaxAgeDays: 7,
		MaxBackups: 5,
		Compress:   true,
	}
}

// PersistentConfig logs to the console and to <dataDir>/logs/netopsy.log.
func PersistentConfig(dataDir string) Config {
	cfg := DefaultConfig()
	cfg.File = true
	cfg.FilePath = filepath.Join(dataDir, "logs", "netopsy.log")
	return cfg
}

// ========================================
// PersistentLogger
// ========================================

// PersistentLogger is an io.Writer that rotates and prunes its log files.
type PersistentLogger struct {
	mu          sync.Mutex
	config      Config
	currentFile *os.File
	currentSize int64
	logDir      string
	done        chan struct{}
}

// NewPersistentLogger opens (or creates) the log file named by config.FilePath.
func NewPersistentLogger(config Config) (*PersistentLogger, error) {
	logDir := filepath.Dir(config.FilePath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	pl := &PersistentLogger{
		config: config,
		logDir: logDir,
		done:   make(chan struct{}),
	}

	if err := pl.openFile(); err != nil {
		return nil, err
	}

	go pl.cleanupRoutine()

	return pl, nil
}

// Write implements io.Writer.
func (pl *PersistentLogger) Write(p []byte) (n int, err error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.currentFile == nil {
		return 0, os.ErrClosed
	}

	if pl.config.MaxSizeMB > 0 && pl.currentSize+int64(len(p)) > int64(pl.config.MaxSizeMB)*1024*1024 {
		if err := pl.rotate(); err != nil {
			return 0, err
		}
	}

	n, err = pl.currentFile.Write(p)
	pl.currentSize += int64(n)
	return n, err
}

func (pl *PersistentLogger) openFile() error {
	file, err := os.OpenFile(pl.config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	pl.currentFile = file
	pl.currentSize = info.Size()
	return nil
}

func (pl *PersistentLogger) rotate() error {
	if pl.currentFile != nil {
		pl.currentFile.Close()
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05.000")
	rotatedPath := filepath.Join(pl.logDir, fmt.Sprintf("netopsy_%s.log", timestamp))

	if err := os.Rename(pl.config.FilePath, rotatedPath); err != nil {
		return pl.openFile()
	}

	if pl.config.Compress {
		go compressFile(rotatedPath)
	}

	return pl.openFile()
}

func compressFile(filePath string) {
	src, err := os.Open(filePath)
	if err != nil {
		return
	}
	defer src.Close()

	dst, err := os.Create(filePath + ".gz")
	if err != nil {
		return
	}
	defer dst.Close()

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		os.Remove(filePath + ".gz")
		return
	}
	if err := gz.Close(); err != nil {
		os.Remove(filePath + ".gz")
		return
	}

	os.Remove(filePath)
}

func (pl *PersistentLogger) cleanupRoutine() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	pl.cleanup()

	for {
		select {
		case <-ticker.C:
			pl.cleanup()
		case <-pl.done:
			return
		}
	}
}

func (pl *PersistentLogger) cleanup() {
	files, err := filepath.Glob(filepath.Join(pl.logDir, "netopsy_*.log*"))
	if err != nil {
		return
	}

	type fileInfo struct {
		path    string
		modTime time.Time
	}
	var fileInfos []fileInfo

	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		fileInfos = append(fileInfos, fileInfo{path: f, modTime: info.ModTime()})
	}

	sort.Slice(fileInfos, func(i, j int) bool {
		return fileInfos[i].modTime.After(fileInfos[j].modTime)
	})

	now := time.Now()
	for i, fi := range fileInfos {
		if pl.config.MaxAgeDays > 0 && now.Sub(fi.modTime) > time.Duration(pl.config.MaxAgeDays)*24*time.Hour {
			os.Remove(fi.path)
			continue
		}

		if pl.config.MaxBackups > 0 && i >= pl.config.MaxBackups {
			os.Remove(fi.path)
		}
	}
}

// Close stops the cleanup goroutine and closes the current file.
func (pl *PersistentLogger) Close() error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	select {
	case <-pl.done:
	default:
		close(pl.done)
	}

	if pl.currentFile != nil {
		err := pl.currentFile.Close()
		pl.currentFile = nil
		return err
	}
	return nil
}

// ========================================
// Init
// ========================================

// Init replaces the global Logger according to config.
func Init(config Config) error {
	var writers []io.Writer

	if config.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
	}

	if config.File && config.FilePath != "" {
		pl, err := NewPersistentLogger(config)
		if err != nil {
			return err
		}
		CloseLogger()
		persistentLogger = pl
		writers = append(writers, pl)
	}

	if len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
	}

	Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(config.Level.zerolog()).
		With().
		Timestamp().
		Logger()

	return nil
}

// SetOutput points the global Logger at w. Tests use it to capture output.
func SetOutput(w io.Writer, level Level) {
	Logger = zerolog.New(w).Level(level.zerolog()).With().Timestamp().Logger()
}

// CloseLogger flushes and closes the rotating file writer, if any.
func CloseLogger() {
	if persistentLogger != nil {
		persistentLogger.Close()
		persistentLogger = nil
	}
}

// ========================================
// Level helpers
// ========================================

func Debug(module string) *zerolog.Event {
	return Logger.Debug().Str("module", module)
}

func Info(module string) *zerolog.Event {
	return Logger.Info().Str("module", module)
}

func Warn(module string) *zerolog.Event {
	return Logger.Warn().Str("module", module)
}

func Error(module string) *zerolog.Event {
	return Logger.Error().Str("module", module)
}

// ========================================
// Module loggers
// ========================================

// ProxyLog is for listener and relay events.
func ProxyLog() *zerolog.Event {
	return Logger.Info().Str("module", "proxy")
}

// CertLog is for root bootstrap and leaf issuance.
func CertLog() *zerolog.Event {
	return Logger.Info().Str("module", "certs")
}

// TraceLog is for recording and trace loading.
func TraceLog() *zerolog.Event {
	return Logger.Info().Str("module", "trace")
}

// ParseLog is for parser diagnostics. Debug level, since malformed input is routine.
func ParseLog() *zerolog.Event {
	return Logger.Debug().Str("module", "parse")
}

// ========================================
// App state
// ========================================

// AppState is a lifecycle marker written by the CLI.
type AppState string

const (
	StateStarting     AppState = "starting"
	StateReady        AppState = "ready"
	StateShuttingDown AppState = "shutting_down"
	StateStopped      AppState = "stopped"
)

// LogAppState records a lifecycle transition with optional details.
func LogAppState(state AppState, details map[string]interface{}) {
	event := Logger.Info().
		Str("category", "app_state").
		Str("state", string(state))

	for k, v := range details {
		switch val := v.(type) {
		case string:
			event.Str(k, val)
		case int:
			event.Int(k, val)
		case bool:
			event.Bool(k, val)
		case error:
			event.Err(val)
		default:
			event.Interface(k, val)
		}
	}

	event.Msg("App state changed")
}
