// Package cmd implements the botlink CLI.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/botlink/internal/backend"
	"github.com/nextlevelbuilder/botlink/internal/channel"
	"github.com/nextlevelbuilder/botlink/internal/config"
	"github.com/nextlevelbuilder/botlink/internal/coordinator"
	"github.com/nextlevelbuilder/botlink/internal/credentials"
	"github.com/nextlevelbuilder/botlink/internal/surface"
	"github.com/nextlevelbuilder/botlink/internal/tracing"
)

var cfgPath string

// Execute runs the CLI.
func Execute() error {
	return rootCmd().Execute()
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "botlink",
		Short:         "Device pairing coordinator for the bot dashboard",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "path to config file")
	cmd.AddCommand(pairCmd())
	cmd.AddCommand(statusCmd())
	cmd.AddCommand(unlinkCmd())
	return cmd
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "botlink.yaml"
	}
	return filepath.Join(home, ".botlink", "config.yaml")
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	applyLogLevel(cfg)
	return cfg
}

func applyLogLevel(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// watchConfig applies config file edits while a long-lived command runs.
// Only the log level is safe to change mid-flight; connection settings are
// picked up on the next invocation. Returns a stop func; a watch failure is
// not fatal.
func watchConfig(path string) func() {
	w, err := config.NewWatcher(path)
	if err != nil {
		slog.Debug("config watch unavailable", "path", path, "error", err)
		return func() {}
	}
	w.OnChange(applyLogLevel)
	if err := w.Start(); err != nil {
		slog.Debug("config watch unavailable", "path", path, "error", err)
		return func() {}
	}
	return w.Stop
}

// stack is the wired component graph behind every command.
type stack struct {
	cfg      *config.Config
	creds    *credentials.Provider
	gateway  *backend.Client
	coord    *coordinator.Coordinator
	surf     *surface.Surface
	shutdown func(ctx context.Context)
}

func buildStack(ctx context.Context, cfg *config.Config) *stack {
	creds := credentials.NewProvider(
		credentials.NewHTTPFetcher(cfg.Identity.URL, cfg.IdentityTimeout()),
		cfg.TokenCacheTTL(),
	)
	gateway := backend.New(cfg.Backend.BaseURL, creds, backend.Options{
		StatusCacheTTL: cfg.StatusCacheTTL(),
		ReadsPerMinute: cfg.Backend.StatusReadsPerMinute,
	})
	channels := channel.NewManager(cfg.Channel.URL, channel.Options{
		Debounce: cfg.OpenDebounce(),
	})

	tracerCfg := tracing.Config{}
	if cfg.Telemetry.Enabled {
		tracerCfg = tracing.Config{
			Endpoint:    cfg.Telemetry.Endpoint,
			Protocol:    cfg.Telemetry.Protocol,
			Insecure:    cfg.Telemetry.Insecure,
			ServiceName: cfg.Telemetry.ServiceName,
			Headers:     cfg.Telemetry.Headers,
		}
	}
	tracer, stopTracing, err := tracing.Init(ctx, tracerCfg)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		tracer, stopTracing, _ = tracing.Init(ctx, tracing.Config{})
	}

	coord := coordinator.New(gateway, creds, channels, coordinator.Options{
		CodeTTL:    cfg.CodeTTL(),
		MaxRetries: cfg.Pairing.MaxRetries,
		Tracer:     tracer,
	})

	return &stack{
		cfg:     cfg,
		creds:   creds,
		gateway: gateway,
		coord:   coord,
		surf:    surface.New(coord),
		shutdown: func(ctx context.Context) {
			if err := stopTracing(ctx); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		},
	}
}

func requireSubject(raw string) string {
	subject := config.NormalizeSubjectID(raw)
	if subject == "" {
		fmt.Fprintln(os.Stderr, "Error: --subject is required")
		os.Exit(1)
	}
	return subject
}
