package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/orbitmgr/internal/supervisor"
)

// createBackendCommand groups commands that drive a running serve process.
func createBackendCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ControlFlags{}
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Control the supervised backend through the control API",
		Long: `Control the backend supervised by "orbitmgr serve".

Examples:
  orbitmgr backend status
  orbitmgr backend restart
  orbitmgr backend logs --stream stderr --tail 20
  orbitmgr backend logs --follow
  orbitmgr backend status --server-url http://127.0.0.1:8765/api/v1`,
	}
	cmd.PersistentFlags().StringVar(&flags.ServerURL, "server-url", "", "control API URL (default from [server] config)")
	cmd.PersistentFlags().StringVar(&flags.Token, "token", "", "control API bearer token (default from [server] config)")
	cmd.PersistentFlags().DurationVar(&flags.Timeout, "timeout", 30*time.Second, "request timeout")
	cmd.PersistentFlags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate for an https control API (default from [server.tls])")
	cmd.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification")

	connect := func() (*ControlClient, error) { return newControlClient(globalFlags, flags) }
	cmd.AddCommand(
		createBackendStatusCommand(connect),
		createBackendActionCommand("start", "Start the backend", connect),
		createBackendActionCommand("stop", "Stop the backend", connect),
		createBackendActionCommand("restart", "Stop, wait the restart delay, then start the backend", connect),
		createBackendLogsCommand(connect),
		createBackendHistoryCommand(connect),
		createBackendResourcesCommand(connect),
	)
	return cmd
}

func newControlClient(g *GlobalFlags, f *ControlFlags) (*ControlClient, error) {
	url, token, caCert := f.ServerURL, f.Token, f.CACert
	if url == "" || token == "" {
		cfg, err := loadConfig(g.ConfigPath)
		if err != nil {
			return nil, err
		}
		if url == "" {
			url = cfg.Server.URL()
			if caCert == "" {
				caCert = cfg.Server.CACertPath()
			}
		}
		if token == "" {
			token = cfg.Server.Token
		}
	}
	tlsCfg, err := controlTLS(caCert, f.Insecure)
	if err != nil {
		return nil, err
	}
	return NewControlClient(url, token, f.Timeout, tlsCfg), nil
}

func createBackendStatusCommand(connect func() (*ControlClient, error)) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show backend state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			snap, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				printJSON(cmd.OutOrStdout(), snap)
				return nil
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full snapshot as JSON")
	return cmd
}

func createBackendActionCommand(action, short string, connect func() (*ControlClient, error)) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			snap, err := c.Action(cmd.Context(), action)
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func createBackendLogsCommand(connect func() (*ControlClient, error)) *cobra.Command {
	flags := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print captured backend output",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.Stream != string(supervisor.Stdout) && flags.Stream != string(supervisor.Stderr) {
				return fmt.Errorf("--stream must be stdout or stderr, got %q", flags.Stream)
			}
			c, err := connect()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			lines, err := c.Output(cmd.Context(), flags.Stream, flags.Tail)
			if err != nil {
				return err
			}
			for _, l := range lines {
				_, _ = fmt.Fprintln(out, l)
			}
			if !flags.Follow {
				return nil
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return followOutput(ctx, c, supervisor.Stream(flags.Stream), out)
		},
	}
	cmd.Flags().StringVar(&flags.Stream, "stream", "stdout", "stdout or stderr")
	cmd.Flags().IntVar(&flags.Tail, "tail", 0, "only the last N lines (0 = all buffered)")
	cmd.Flags().BoolVarP(&flags.Follow, "follow", "f", false, "keep printing new lines")
	return cmd
}

// followOutput prints output events of one stream until ctx is done.
func followOutput(ctx context.Context, c *ControlClient, stream supervisor.Stream, w io.Writer) error {
	return c.Events(ctx, func(name string, data []byte) error {
		if name != string(supervisor.EventOutput) {
			return nil
		}
		var e supervisor.Event
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		if e.Stream == stream {
			_, _ = fmt.Fprintln(w, e.Line)
		}
		return nil
	})
}

func createBackendHistoryCommand(connect func() (*ControlClient, error)) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			events, err := c.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range events {
				line := fmt.Sprintf("%s  %-12s pid=%d starts=%d state=%s",
					e.OccurredAt.Local().Format(time.DateTime), e.Type, e.PID, e.StartCount, e.State)
				if e.Error != "" {
					line += "  error=" + e.Error
				}
				_, _ = fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of events")
	return cmd
}

func createBackendResourcesCommand(connect func() (*ControlClient, error)) *cobra.Command {
	var minutes int
	cmd := &cobra.Command{
		Use:   "resources",
		Short: "Show sampled CPU and memory of the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			samples, err := c.Resources(cmd.Context(), minutes)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), samples)
			return nil
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", 10, "look back this many minutes")
	return cmd
}

func printSnapshot(w io.Writer, s *supervisor.Snapshot) {
	if s == nil {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", s.Name, s.State)
	if s.Running {
		fmt.Fprintf(&b, " (pid %d, %s)", s.PID, s.Addr)
	}
	fmt.Fprintf(&b, " starts=%d", s.StartCount)
	if !s.StartedAt.IsZero() && s.Running {
		fmt.Fprintf(&b, " up=%s", time.Since(s.StartedAt).Truncate(time.Second))
	}
	if s.LastError != "" {
		fmt.Fprintf(&b, " last_error=%q", s.LastError)
	}
	_, _ = fmt.Fprintln(w, b.String())
}
