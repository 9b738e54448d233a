package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"agentbridge/internal/config"
	"agentbridge/internal/logging"
	"agentbridge/internal/server"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	// Global flags
	configPath string
	port       int
	logLevel   string
	spawnAgent bool

	cfg *config.Config
)

// rootCmd represents the base command. Running it bare serves the bridge.
var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "bridge - WebSocket relay and dispatcher for a headless coding agent",
	Long: `bridge sits between one coding-assistant subprocess and any number of
WebSocket clients.

It spawns and supervises the agent process, relays newline-delimited JSON
both ways, enriches user messages with assembled context before they reach
the agent, correlates tool requests with remote executors, and dispatches
autonomous work-item sessions into isolated git worktrees.

Run without arguments to start serving.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Root().PersistentFlags().Changed("port") {
			cfg.Server.Port = port
		}
		if cmd.Root().PersistentFlags().Changed("log-level") {
			cfg.Logging.Level = logLevel
		}

		// Inspection commands own stdout; keep log output away from them.
		if cmd.Name() == "version" || cmd.Name() == "config" {
			return nil
		}
		if err := logging.Initialize(cfg.Logging.Level, cfg.Logging.Format == "json"); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
	},
	RunE: runServe,
}

// serveCmd runs the bridge server until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge server",
	Long: `Starts the WebSocket listener and HTTP surface and serves until
SIGINT or SIGTERM. With --spawn the agent subprocess is started
immediately instead of waiting for a /spawn call or client connect.`,
	RunE: runServe,
}

// versionCmd prints the configured bridge name and version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the bridge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s %s\n", cfg.Name, cfg.Version)
	},
}

// configCmd prints the effective configuration after file, env, and flag
// overrides have been applied.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (or set BRIDGE_CONFIG env)")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "Listen port (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&spawnAgent, "spawn", false, "Spawn the agent subprocess at startup")

	// Add commands to root
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runServe wires the full bridge from configuration and serves until a
// shutdown signal arrives.
func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Boot("received shutdown signal")
		cancel()
	}()

	logging.Boot("%s %s starting on port %d", cfg.Name, cfg.Version, cfg.Server.Port)

	srv, err := server.New(cfg, server.Collaborators{}, nil)
	if err != nil {
		return err
	}

	if spawnAgent {
		if _, err := srv.Spawn(); err != nil {
			return fmt.Errorf("spawn agent: %w", err)
		}
	}

	return srv.Run(ctx)
}
