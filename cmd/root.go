package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Shugur-Network/pubsub-relay/internal/application"
	"github.com/Shugur-Network/pubsub-relay/internal/config"
	"github.com/Shugur-Network/pubsub-relay/internal/constants"
	"github.com/Shugur-Network/pubsub-relay/internal/identity"
	"github.com/Shugur-Network/pubsub-relay/internal/logger"
	"github.com/Shugur-Network/pubsub-relay/internal/metrics"
	"go.uber.org/zap"

	"github.com/spf13/cobra"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// rootCmd defines the main CLI command for the relay
var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Pubsub relay is a JSON-RPC publish/subscribe relay for wallet sessions",
	Long:  `Authenticated WebSocket relay that stores and forwards encrypted payloads between wallet clients over shared topics.`,
	Example: `
  relay start --store-url redis://localhost:6379/0
  relay start --log-level debug --metrics-port 9090
  relay start --config /path/to/config.yaml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for version command
		if cmd.Name() == "version" {
			return nil
		}

		if cfgFile != "" {
			absPath, err := filepath.Abs(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to resolve config path: %w", err)
			}
			cfgFile = absPath
		}

		// Load configuration (use nil logger, the logger needs the node id first)
		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		// Override config with command line flags if specified
		flags := cmd.Flags()
		if flags.Changed("name") {
			cfg.General.Name, _ = flags.GetString("name")
		}
		if flags.Changed("ws-addr") {
			cfg.Server.WSAddr, _ = flags.GetString("ws-addr")
		}
		if flags.Changed("store-url") {
			cfg.Store.URL, _ = flags.GetString("store-url")
		}
		if flags.Changed("log-level") {
			cfg.Logging.Level, _ = flags.GetString("log-level")
		}
		if flags.Changed("log-file") {
			cfg.Logging.FilePath, _ = flags.GetString("log-file")
		}
		if flags.Changed("log-format") {
			cfg.Logging.Format, _ = flags.GetString("log-format")
		}
		if flags.Changed("metrics-port") {
			cfg.Metrics.Port, _ = flags.GetInt("metrics-port")
		}

		// flags bypass the loader, so check the result again
		return config.Validate(cfg)
	},
	Run: func(cmd *cobra.Command, args []string) {
		// Default behavior: show help when no subcommand is provided
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printWelcomeBanner() {
	fmt.Println("  ____        _                 _       ____      _             ")
	fmt.Println(" |  _ \\ _   _| |__  ___ _   _| |__   |  _ \\ ___| | __ _ _   _ ")
	fmt.Println(" | |_) | | | | '_ \\/ __| | | | '_ \\  | |_) / _ \\ |/ _` | | | |")
	fmt.Println(" |  __/| |_| | |_) \\__ \\ |_| | |_) | |  _ <  __/ | (_| | |_| |")
	fmt.Println(" |_|    \\__,_|_.__/|___/\\__,_|_.__/  |_| \\_\\___|_|\\__,_|\\__, |")
	fmt.Println("                                                        |___/ ")
	fmt.Println()
	fmt.Println("Welcome to Pubsub Relay - topic relay for wallet sessions!")
}

// runStart boots a node and blocks until ctx is cancelled or the node stops
// on its own.
func runStart(cmd *cobra.Command, args []string) error {
	printWelcomeBanner()

	id, err := identity.LoadOrCreate(cfg.General.IdentityFile)
	if err != nil {
		return fmt.Errorf("failed to load node identity: %w", err)
	}
	if err := config.InitLogger(cfg.Logging, id.NodeID); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Shutdown() }()

	logger.Info("Using config file", zap.String("config_file", cfgFile))

	// Use the context passed down from main.go
	ctx := cmd.Context()

	// Initialize metrics
	metrics.RegisterMetrics()

	logger.Info("Starting relay...", zap.String("node_id", id.NodeID))
	app, err := application.New(ctx, cfg, id)
	if err != nil {
		logger.Error("Failed to initialize the relay", zap.Error(err))
		return err
	}

	if err := app.Start(ctx); err != nil {
		logger.Error("Failed to start the relay", zap.Error(err))
		_ = app.Shutdown(context.Background())
		return err
	}
	logger.Info("Relay started successfully!", zap.String("ws_addr", cfg.Server.WSAddr))

	go reloadOnHangup(ctx)

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
	case <-app.Done():
		logger.Warn("Relay stopped unexpectedly, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownGracePeriod)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("Node has shut down successfully.")
	return nil
}

// reloadOnHangup applies a new log level from the config file on SIGHUP.
func reloadOnHangup(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			level, err := config.ReloadLogLevel(cfgFile)
			if err != nil {
				logger.Warn("Config reload failed", zap.Error(err))
				continue
			}
			logger.Info("Log level reloaded", zap.String("level", level))
		}
	}
}

// init is automatically called before main(), sets up flags and subcommands
func init() {
	// Add persistent flags (inherited by all subcommands)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")

	// CLI flags for relay configuration
	rootCmd.PersistentFlags().String("name", "", "Name of the relay")
	rootCmd.PersistentFlags().String("ws-addr", "0.0.0.0:8080", "WebSocket listen address")
	rootCmd.PersistentFlags().String("store-url", "", "Message store URL (redis://, postgres:// or memory://)")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-file", "", "Path to the log file")
	rootCmd.PersistentFlags().String("log-format", "console", "Log output format (console or json)")
	rootCmd.PersistentFlags().Int("metrics-port", 8181, "Port for Prometheus metrics server")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of the relay",
		Long:  "Print the version number of the relay along with build information",
		Run: func(cmd *cobra.Command, args []string) {
			// Check if detailed flag is provided
			if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
				fmt.Println(GetFullVersionInfo())
			} else {
				fmt.Println(GetVersionWithPrefix())
			}
		},
	}
	versionCmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")
	rootCmd.AddCommand(versionCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the relay server",
		Long:  "Start the relay server with the specified configuration",
		RunE:  runStart,
	})
}
