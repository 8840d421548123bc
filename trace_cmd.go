package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"netopsy/body"
	"netopsy/pkg/logger"
	"netopsy/trace"
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Read recorded traces (folders or zip exports)",
}

// withTrace opens args[0] as a folder or zip trace.
func withTrace(fn func(cmd *cobra.Command, t *trace.Trace, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}
		t, err := trace.Open(args[0])
		if err != nil {
			return err
		}
		defer t.Close()
		return fn(cmd, t, args)
	}
}

func sessionArg(t *trace.Trace, arg string) (trace.SessionIndex, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return trace.SessionIndex{}, fmt.Errorf("session number %q: %w", arg, err)
	}
	s, ok := t.Session(n)
	if !ok {
		return trace.SessionIndex{}, fmt.Errorf("session %d not in trace", n)
	}
	return s, nil
}

var traceLsCmd = &cobra.Command{
	Use:   "ls <trace>",
	Short: "List sessions",
	Args:  cobra.ExactArgs(1),
	RunE: withTrace(func(cmd *cobra.Command, t *trace.Trace, args []string) error {
		writeSessionList(cmd.OutOrStdout(), t.Sessions())
		return nil
	}),
}

var traceShowCmd = &cobra.Command{
	Use:   "show <trace> <session>",
	Short: "Show one message and the body representations it supports",
	Args:  cobra.ExactArgs(2),
	RunE: withTrace(func(cmd *cobra.Command, t *trace.Trace, args []string) error {
		s, err := sessionArg(t, args[1])
		if err != nil {
			return err
		}
		response, _ := cmd.Flags().GetBool("response")
		as, _ := cmd.Flags().GetString("as")

		kind := body.KindRaw
		if as != "" {
			k, ok := body.ParseKind(as)
			if !ok {
				return fmt.Errorf("unknown representation %q", as)
			}
			kind = k
		}
		return writeSession(cmd.OutOrStdout(), t, s, response, kind, as != "")
	}),
}

var traceExportCmd = &cobra.Command{
	Use:   "export <trace> <out.zip>",
	Short: "Write a trace as a zip that netopsy can reopen",
	Args:  cobra.ExactArgs(2),
	RunE: withTrace(func(cmd *cobra.Command, t *trace.Trace, args []string) error {
		if err := trace.ExportZipFile(t, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d sessions to %s\n", t.Len(), args[1])
		return nil
	}),
}

var traceCurlCmd = &cobra.Command{
	Use:   "curl <trace> <session>",
	Short: "Print a curl command replaying the request",
	Args:  cobra.ExactArgs(2),
	RunE: withTrace(func(cmd *cobra.Command, t *trace.Trace, args []string) error {
		s, err := sessionArg(t, args[1])
		if err != nil {
			return err
		}
		req, err := t.Request(s)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), body.CurlCommand(req))
		return nil
	}),
}

var traceWatchCmd = &cobra.Command{
	Use:   "watch <folder>",
	Short: "Follow a recording folder and print sessions as they complete",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}
		w := trace.NewWatcher(args[0])
		live := w.Trace()
		out := cmd.OutOrStdout()

		// a session prints once both of its files are indexed
		complete := func(number int) {
			if s, ok := live.Session(number); ok && s.Request != nil && s.Response != nil {
				writeSessionLine(out, s)
			}
		}
		live.Observe(trace.ObserverFuncs{Added: complete, Updated: complete})
		if err := w.Start(); err != nil {
			return err
		}
		defer w.Stop()
		logger.TraceLog().Str("dir", args[0]).Int("sessions", live.Len()).Msg("Watching trace folder")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		return nil
	},
}
