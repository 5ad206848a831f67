package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/orbitmgr/internal/logger"
	"github.com/loykin/orbitmgr/internal/stub"
)

// createStubCommand serves canned backend API responses for development.
func createStubCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &StubFlags{}
	cmd := &cobra.Command{
		Use:   "stub",
		Short: "Serve a fake backend API with fixture data",
		Long: `Serve the backend HTTP API with built-in fixture data so the client
and "orbitmgr api" can be exercised without a real backend.

Examples:
  orbitmgr stub
  orbitmgr stub --listen 127.0.0.1:18080 --auth`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			fl := cmd.Flags()
			if !fl.Changed("listen") {
				flags.Listen = cfg.Stub.Listen
			}
			if !fl.Changed("username") {
				flags.Username = cfg.Stub.Username
			}
			if !fl.Changed("password") {
				flags.Password = cfg.Stub.Password
			}
			if !fl.Changed("auth") {
				flags.Auth = cfg.Stub.Auth
			}
			log, closer, err := logger.New(cfg.Log, nil)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			s := stub.New(stub.Config{
				Username:    flags.Username,
				Password:    flags.Password,
				AuthEnabled: flags.Auth,
				Logger:      log,
			}, stub.DefaultFixtures())
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			log.Info("stub backend API listening", "addr", flags.Listen, "auth", flags.Auth)
			return s.Run(ctx, flags.Listen)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "listen address (default from [stub] config)")
	cmd.Flags().StringVar(&flags.Username, "username", "", "accepted username")
	cmd.Flags().StringVar(&flags.Password, "password", "", "accepted password")
	cmd.Flags().BoolVar(&flags.Auth, "auth", false, "require login for data endpoints")
	return cmd
}
