package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"netopsy/certs"
	"netopsy/pkg/config"
	"netopsy/pkg/logger"
)

var version = "dev"

var (
	configPath string
	dataDir    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "netopsy",
	Short:         "Intercepting HTTP/HTTPS proxy that records every exchange",
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func main() {
	defer logger.CloseLogger()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", config.DefaultPath(), "config file")
	pf.StringVar(&dataDir, "data-dir", "", "directory for the CA and logs (overrides data_dir)")
	pf.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides log.level)")

	rootCmd.AddCommand(serveCmd, caCmd, traceCmd)
	caCmd.AddCommand(caExportCmd, caPathCmd, caStatusCmd)
	traceCmd.AddCommand(traceLsCmd, traceShowCmd, traceExportCmd, traceWatchCmd, traceCurlCmd)

	f := serveCmd.Flags()
	f.String("listen", "", "listen address")
	f.String("trace-dir", "", "recording folder (default: a new folder under the temp dir)")
	f.Bool("mitm", true, "decrypt CONNECT tunnels")
	f.StringSlice("bypass", nil, "host patterns to tunnel without decrypting, e.g. *.apple.com")
	f.String("upstream", "", "forward through this http(s) proxy")
	f.Bool("verify-upstream", true, "verify origin certificates")
	f.Duration("idle-timeout", 0, "close connections idle this long (0 disables)")
	f.Int("upload-limit", 0, "client to origin bytes per second (0 = unlimited)")
	f.Int("download-limit", 0, "origin to client bytes per second (0 = unlimited)")
	f.Int("first-session", 0, "number of the first recorded session")

	caExportCmd.Flags().StringP("output", "o", "", "write the PEM here instead of stdout")
	traceShowCmd.Flags().String("as", "", "render the body as Raw, Query, Unchunked, Inflated, Image, JSON or Protobuf")
	traceShowCmd.Flags().Bool("response", false, "show the response instead of the request")
}

// loadConfig reads the config file and applies the persistent flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := logger.Init(cfg.Logger()); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}

// applyServeFlags overrides file values with flags the user set.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	var err error
	set := func(name string, apply func() error) {
		if err == nil && f.Changed(name) {
			err = apply()
		}
	}

	set("listen", func() (e error) { cfg.ListenAddr, e = f.GetString("listen"); return })
	set("trace-dir", func() (e error) { cfg.TraceDir, e = f.GetString("trace-dir"); return })
	set("mitm", func() (e error) { cfg.MITM, e = f.GetBool("mitm"); return })
	set("bypass", func() (e error) { cfg.MITMBypass, e = f.GetStringSlice("bypass"); return })
	set("upstream", func() (e error) { cfg.UpstreamProxy, e = f.GetString("upstream"); return })
	set("verify-upstream", func() (e error) { cfg.VerifyUpstream, e = f.GetBool("verify-upstream"); return })
	set("idle-timeout", func() error {
		d, e := f.GetDuration("idle-timeout")
		cfg.IdleTimeout = config.Duration(d)
		return e
	})
	set("upload-limit", func() (e error) { cfg.UploadLimit, e = f.GetInt("upload-limit"); return })
	set("download-limit", func() (e error) { cfg.DownloadLimit, e = f.GetInt("download-limit"); return })
	set("first-session", func() (e error) { cfg.FirstSession, e = f.GetInt("first-session"); return })
	if err != nil {
		return err
	}
	return cfg.Validate()
}

// ========================================
// serve
// ========================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy and record sessions until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := applyServeFlags(cmd, cfg); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app := NewApp(cfg, version)
		if err := app.Start(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s, recording to %s\n", app.Addr(), app.TraceDir())

		<-ctx.Done()
		return app.Shutdown()
	},
}

// ========================================
// ca
// ========================================

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Inspect the root certificate clients must trust",
}

func withAuthority(fn func(cmd *cobra.Command, a *certs.Authority) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := certs.Open(cfg.Certs())
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a)
	}
}

var caExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the root certificate as PEM",
	Args:  cobra.NoArgs,
	RunE: withAuthority(func(cmd *cobra.Command, a *certs.Authority) error {
		out, _ := cmd.Flags().GetString("output")
		if out == "" {
			_, err := cmd.OutOrStdout().Write(a.RootPEM())
			return err
		}
		return os.WriteFile(out, a.RootPEM(), 0644)
	}),
}

var caPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print where the root certificate is stored",
	Args:  cobra.NoArgs,
	RunE: withAuthority(func(cmd *cobra.Command, a *certs.Authority) error {
		fmt.Fprintln(cmd.OutOrStdout(), a.RootPath())
		return nil
	}),
}

var caStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the root certificate and the leaves issued so far",
	Args:  cobra.NoArgs,
	RunE: withAuthority(func(cmd *cobra.Command, a *certs.Authority) error {
		ids, err := a.Identities()
		if err != nil {
			return err
		}
		writeCAStatus(cmd.OutOrStdout(), a.RootCertificate(), ids, time.Now())
		return nil
	}),
}
