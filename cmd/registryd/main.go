package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/shardline/registry/internal/config"
	"github.com/shardline/registry/internal/console"
	"github.com/shardline/registry/internal/service"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	root := &cobra.Command{
		Use:   "registryd",
		Short: "Central registry coordinating proxies and game-server backends",
		Long: `registryd is the coordination point of the server fleet. Proxies and
backends register over the message bus; the registry assigns identities,
tracks heartbeats, maintains the slot catalog, provisions game slots,
and routes players.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, debug)
		},
		SilenceUsage: true,
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&configPath, "config", envOrDefault("REGISTRY_CONFIG", ""), "Path to the YAML configuration file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Force debug logging regardless of configuration")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("registryd %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, configPath string, debug bool) error {
	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		cfg = loaded
	}
	if debug || cfg.Registry.Debug {
		cfg.Logging.Level = "debug"
	}

	prompt := console.NewPromptWriter(os.Stdout, console.Prompt)
	levelVar := config.SetupLogging(prompt, cfg.Logging.Level)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := service.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}

	slog.Info("[Main] Registry online", "version", version, "transport", svc.TransportKind)

	// The console owns stdin; a stop command or signal ends the process.
	repl := console.New(svc, os.Stdin, os.Stdout, prompt, levelVar, cancel)
	done := make(chan struct{})
	go func() {
		repl.Run(ctx)
		close(done)
	}()

	select {
	case <-ctx.Done():
	case <-done:
		cancel()
	}

	svc.Stop()
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
