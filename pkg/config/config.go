// Package config loads and saves the netopsy YAML configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"netopsy/certs"
	"netopsy/pkg/logger"
	"netopsy/proxy"
)

const appDirName = "Netopsy"

// Config is the on-disk configuration file.
type Config struct {
	ListenAddr     string   `yaml:"listen_addr"`
	DataDir        string   `yaml:"data_dir"`
	TraceDir       string   `yaml:"trace_dir"`
	MITM           bool     `yaml:"mitm"`
	MITMBypass     []string `yaml:"mitm_bypass"`
	VerifyUpstream bool     `yaml:"verify_upstream"`
	UpstreamProxy  string   `yaml:"upstream_proxy"`
	IdleTimeout    Duration `yaml:"idle_timeout"`
	MaxHeaderBytes int      `yaml:"max_header_bytes"`
	UploadLimit    int      `yaml:"upload_limit"`   // bytes per second, 0 = unlimited
	DownloadLimit  int      `yaml:"download_limit"` // bytes per second, 0 = unlimited
	FirstSession   int      `yaml:"first_session"`

	Log struct {
		Level      string `yaml:"level"`
		Console    bool   `yaml:"console"`
		File       bool   `yaml:"file"`
		Path       string `yaml:"path"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxAgeDays int    `yaml:"max_age_days"`
		MaxBackups int    `yaml:"max_backups"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"log"`

	CA struct {
		ValidityDays     int `yaml:"validity_days"`
		LeafValidityDays int `yaml:"leaf_validity_days"`
	} `yaml:"ca"`
}

// Duration is a time.Duration written as "30s", "5m" and so on.
type Duration time.Duration

func (d Duration) MarshalYAML() (interface{}, error) {
	if d == 0 {
		return "0s", nil
	}
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// DefaultDataDir is <user config dir>/Netopsy, or ./Netopsy when the user
// config dir is unknown.
func DefaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return appDirName
	}
	return filepath.Join(dir, appDirName)
}

// DefaultPath is the config file inside the default data dir.
func DefaultPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

func Default() *Config {
	pc := proxy.DefaultConfig()
	lc := logger.DefaultConfig()
	cc := certs.DefaultConfig("")

	cfg := &Config{
		ListenAddr:     pc.ListenAddr,
		DataDir:        DefaultDataDir(),
		MITM:           pc.MITM,
		VerifyUpstream: pc.VerifyUpstream,
		IdleTimeout:    Duration(pc.IdleTimeout),
		MaxHeaderBytes: pc.MaxHeaderBytes,
		FirstSession:   pc.FirstSession,
	}
	cfg.Log.Level = lc.Level.String()
	cfg.Log.Console = lc.Console
	cfg.Log.File = lc.File
	cfg.Log.MaxSizeMB = lc.MaxSizeMB
	cfg.Log.MaxAgeDays = lc.MaxAgeDays
	cfg.Log.MaxBackups = lc.MaxBackups
	cfg.Log.Compress = lc.Compress
	cfg.CA.ValidityDays = int(cc.RootValidity / (24 * time.Hour))
	cfg.CA.LeafValidityDays = int(cc.LeafValidity / (24 * time.Hour))
	return cfg
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr %q: %w", c.ListenAddr, err)
	}
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if c.FirstSession < 1 {
		return fmt.Errorf("first_session must be at least 1, got %d", c.FirstSession)
	}
	if c.MaxHeaderBytes < 0 || c.UploadLimit < 0 || c.DownloadLimit < 0 || c.IdleTimeout < 0 {
		return errors.New("limits and timeouts must not be negative")
	}
	if c.CA.ValidityDays <= 0 || c.CA.LeafValidityDays <= 0 {
		return errors.New("ca validity must be positive")
	}
	for _, pattern := range c.MITMBypass {
		if err := proxy.ValidateHostPattern(pattern); err != nil {
			return fmt.Errorf("mitm_bypass: %w", err)
		}
	}
	if c.UpstreamProxy != "" {
		if _, err := proxy.NewDialer(c.UpstreamProxy, 0); err != nil {
			return fmt.Errorf("upstream_proxy: %w", err)
		}
	}
	return nil
}

// ========================================
// Converters
// ========================================

func (c *Config) Proxy() proxy.Config {
	pc := proxy.DefaultConfig()
	pc.ListenAddr = c.ListenAddr
	pc.FirstSession = c.FirstSession
	pc.MITM = c.MITM
	pc.Bypass = append([]string(nil), c.MITMBypass...)
	pc.VerifyUpstream = c.VerifyUpstream
	pc.UpstreamProxy = c.UpstreamProxy
	pc.IdleTimeout = time.Duration(c.IdleTimeout)
	if c.MaxHeaderBytes > 0 {
		pc.MaxHeaderBytes = c.MaxHeaderBytes
	}
	pc.UploadLimit = c.UploadLimit
	pc.DownloadLimit = c.DownloadLimit
	return pc
}

func (c *Config) Certs() certs.Config {
	cc := certs.DefaultConfig(c.DataDir)
	cc.RootValidity = time.Duration(c.CA.ValidityDays) * 24 * time.Hour
	cc.LeafValidity = time.Duration(c.CA.LeafValidityDays) * 24 * time.Hour
	return cc
}

// Logger puts the log file under <data_dir>/logs unless log.path is set.
func (c *Config) Logger() logger.Config {
	lc := logger.PersistentConfig(c.DataDir)
	lc.Level = logger.ParseLevel(c.Log.Level)
	lc.Console = c.Log.Console
	lc.File = c.Log.File
	if c.Log.Path != "" {
		lc.FilePath = c.Log.Path
	}
	lc.MaxSizeMB = c.Log.MaxSizeMB
	lc.MaxAgeDays = c.Log.MaxAgeDays
	lc.MaxBackups = c.Log.MaxBackups
	lc.Compress = c.Log.Compress
	return lc
}
