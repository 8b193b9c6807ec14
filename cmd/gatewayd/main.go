// Command gatewayd runs the WebSocket gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/gatekit/bus"
	"github.com/vinayprograms/gatekit/config"
	"github.com/vinayprograms/gatekit/gateway"
	"github.com/vinayprograms/gatekit/identity"
	"github.com/vinayprograms/gatekit/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "gatewayd",
	Short:         "WebSocket gateway with rate limiting and capability checks",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept WebSocket connections until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app, err := gateway.Build(ctx, cfg, registerBuiltins)
		if err != nil {
			return err
		}
		return app.Run(ctx)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		source := "identity service"
		if cfg.StaticIdentities() {
			source = fmt.Sprintf("%d static identities", len(cfg.Identities))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config ok: listen %s%s, %d msgs/%s per identity, %d connections, capabilities from %s\n",
			cfg.Server.Addr, cfg.Server.WebSocketPath,
			cfg.RateLimit.Rule().Max(), cfg.RateLimit.Window.Std(),
			cfg.Connections.MaxPerIdentity, source)
		return nil
	},
}

// identityCmd answers capability lookups from the [identities] table, for
// deployments without a dedicated identity service.
var identityCmd = &cobra.Command{
	Use:   "identity-service",
	Short: "Answer capability lookups on the bus from the configured identities",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.StaticIdentities() {
			return fmt.Errorf("no [identities] configured")
		}
		if cfg.NATS.URL == "" {
			return fmt.Errorf("nats.url is required")
		}

		logger := logging.New()
		logger.SetLevel(logging.ParseLevel(cfg.Logging.Level))

		nc := bus.DefaultNATSConfig()
		nc.URL = cfg.NATS.URL
		nc.Name = cfg.NATS.Name + "-identity"
		b, err := bus.NewNATSBus(nc)
		if err != nil {
			return err
		}
		defer b.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info("serving capability lookups", map[string]interface{}{
			"subject":    cfg.NATS.IdentitySubject,
			"identities": len(cfg.Identities),
		})
		return identity.Serve(ctx, b, cfg.NATS.IdentitySubject,
			identity.NewStaticProvider(cfg.IdentityCapabilities()), logger)
	},
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to TOML configuration (default: built-in defaults)")
	rootCmd.AddCommand(serveCmd, checkCmd, identityCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayd: %v\n", err)
		os.Exit(1)
	}
}
