package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/orbitmgr/pkg/client"
)

// createAPICommand groups direct calls to the backend HTTP API.
func createAPICommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Query the backend HTTP API directly",
		Long: `Call the backend's own HTTP API. When --username is given the
command logs in first and reuses the session cookie.

Examples:
  orbitmgr api status
  orbitmgr api services --username admin --password secret
  orbitmgr api control bot restart
  orbitmgr api metrics bot --hours 6
  orbitmgr api health --base-url http://127.0.0.1:8080`,
	}
	cmd.PersistentFlags().StringVar(&flags.BaseURL, "base-url", "", "backend API URL (default from [api] config)")
	cmd.PersistentFlags().DurationVar(&flags.Timeout, "timeout", 0, "request timeout (default from [api] config)")
	cmd.PersistentFlags().StringVar(&flags.Username, "username", "", "log in with this user first")
	cmd.PersistentFlags().StringVar(&flags.Password, "password", "", "password for --username")
	cmd.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification")
	cmd.PersistentFlags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate file for https")

	connect := func(ctx context.Context) (*client.Client, error) {
		return newAPIClient(ctx, globalFlags, flags)
	}
	cmd.AddCommand(
		createAPILoginCommand(globalFlags, flags),
		createAPIGetCommand("status", "System status", connect, func(ctx context.Context, c *client.Client, w io.Writer, _ []string) error {
			st, err := c.FetchSystemStatus(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(w, "health=%s uptime=%s services=%d/%d\n", st.HealthStatus,
				(time.Duration(st.Uptime) * time.Second).String(), st.ServicesRunning, st.ServicesTotal)
			return nil
		}),
		createAPIGetCommand("services", "List managed services", connect, func(ctx context.Context, c *client.Client, w io.Writer, _ []string) error {
			services, err := c.FetchServices(ctx)
			if err != nil {
				return err
			}
			printServices(w, services)
			return nil
		}),
		createAPIControlCommand(connect),
		createAPIGetCommand("users", "User statistics", connect, func(ctx context.Context, c *client.Client, w io.Writer, _ []string) error {
			st, err := c.FetchUserStats(ctx)
			if err != nil {
				return err
			}
			printJSON(w, st)
			return nil
		}),
		createAPIGetCommand("instances", "List Marzban instances", connect, func(ctx context.Context, c *client.Client, w io.Writer, _ []string) error {
			list, err := c.FetchMarzbanInstances(ctx)
			if err != nil {
				return err
			}
			for _, in := range list {
				printInstance(w, in)
			}
			return nil
		}),
		createAPIInstanceCommand(connect),
		createAPIMetricsCommand(connect),
		createAPIHealthCommand(connect),
	)
	return cmd
}

func newAPIClient(ctx context.Context, g *GlobalFlags, f *APIFlags) (*client.Client, error) {
	cfgValues := client.Config{BaseURL: f.BaseURL, Timeout: f.Timeout, Insecure: f.Insecure, Jar: client.NewCookieJar()}
	if f.BaseURL == "" || f.Timeout == 0 {
		cfg, err := loadConfig(g.ConfigPath)
		if err != nil {
			return nil, err
		}
		if cfgValues.BaseURL == "" {
			cfgValues.BaseURL = cfg.API.BaseURL
		}
		if cfgValues.Timeout == 0 {
			cfgValues.Timeout = cfg.API.Timeout
		}
		cfgValues.Insecure = cfgValues.Insecure || cfg.API.Insecure
		if f.CACert == "" {
			f.CACert = cfg.API.CACert
		}
	}
	if f.CACert != "" {
		cfgValues.TLS = &client.TLSClientConfig{CACert: f.CACert}
	}
	c := client.New(cfgValues)
	if f.Username != "" {
		ok, err := c.Login(ctx, f.Username, f.Password)
		if err != nil {
			return nil, fmt.Errorf("login: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("login rejected for %q", f.Username)
		}
	}
	return c, nil
}

type apiRunFunc func(ctx context.Context, c *client.Client, w io.Writer, args []string) error

func createAPIGetCommand(use, short string, connect func(context.Context) (*client.Client, error), run apiRunFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			return run(cmd.Context(), c, cmd.OutOrStdout(), args)
		},
	}
}

func createAPILoginCommand(g *GlobalFlags, f *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Check credentials against the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Username == "" {
				return fmt.Errorf("--username is required")
			}
			c, err := newAPIClient(cmd.Context(), g, f)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s\n", f.Username)
			if err := c.Logout(cmd.Context()); err != nil {
				return fmt.Errorf("logout: %w", err)
			}
			return nil
		},
	}
}

func createAPIControlCommand(connect func(context.Context) (*client.Client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "control <service> <start|stop|restart>",
		Short: "Start, stop or restart a backend-managed service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := client.ParseServiceAction(args[1])
			if err != nil {
				return err
			}
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			res, err := c.ControlService(cmd.Context(), args[0], action)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s: success=%t\n", res.Service, res.Action, res.Success)
			return nil
		},
	}
}

func createAPIInstanceCommand(connect func(context.Context) (*client.Client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "instance <id>",
		Short: "Show one Marzban instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			in, err := c.FetchMarzbanInstance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printInstance(cmd.OutOrStdout(), in)
			return nil
		},
	}
}

func createAPIMetricsCommand(connect func(context.Context) (*client.Client, error)) *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "metrics <service>",
		Short: "Metrics history of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			points, err := c.FetchMetricsHistory(cmd.Context(), args[0], hours)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), points)
			return nil
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "look back this many hours")
	return cmd
}

func createAPIHealthCommand(connect func(context.Context) (*client.Client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the backend API; exits non-zero when unhealthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			if !c.CheckHealth(cmd.Context()) {
				return fmt.Errorf("backend API at %s is unhealthy", c.BaseURL())
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
}

func printServices(w io.Writer, services map[string]client.ServiceInfo) {
	names := make([]string, 0, len(services))
	for n := range services {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		s := services[n]
		pid := "-"
		if s.PID != nil {
			pid = strconv.Itoa(*s.PID)
		}
		line := fmt.Sprintf("%-20s %-8s pid=%s restarts=%d", n, s.Status, pid, s.RestartCount)
		if s.LastError != nil {
			line += "  error=" + *s.LastError
		}
		_, _ = fmt.Fprintln(w, line)
	}
}

func printInstance(w io.Writer, in client.MarzbanInstance) {
	health := client.HealthUnknown
	if in.Health != nil {
		health = *in.Health
	}
	line := fmt.Sprintf("%-10s %-16s active=%t health=%s", in.ID, in.Name, in.IsActive, health)
	if in.Traffic != nil {
		line += fmt.Sprintf(" traffic=%.2fGB", in.Traffic.TotalGB())
	}
	_, _ = fmt.Fprintln(w, line)
}
