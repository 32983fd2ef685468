// Package main provides the sitesync binary entry point.
// Sitesync crawls customer websites and turns them into chunked, optionally
// embedded knowledge for a support assistant.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	// Register embedding providers via init()
	_ "github.com/c360studio/sitesync/llm/providers"

	"github.com/c360studio/sitesync/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "sitesync"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalOptions are the flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
	logger     *slog.Logger
}

// load reads the layered configuration.
func (o *globalOptions) load() (*config.Config, error) {
	cfg, err := config.NewLoader(o.logger).Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func rootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Website knowledge ingestion",
		Long: `Sitesync crawls customer websites breadth-first, records an audit
entry for every URL it visits, and stores chunked (optionally embedded)
page content for retrieval.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			opts.logger = newLogger(opts.logLevel)
			slog.SetDefault(opts.logger)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(opts),
		ingestCmd(opts),
		enqueueCmd(opts),
		chunkCmd(),
		validateCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func serveCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync API and the ingestion consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(contextOrBackground(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app := NewApp(cfg, opts.logger)
			if err := app.Start(ctx); err != nil {
				_ = app.Shutdown(cfg.HTTP.ShutdownTimeout)
				return err
			}

			opts.logger.Info("Sitesync ready", "version", Version, "addr", app.Addr())

			<-ctx.Done()
			opts.logger.Info("Received shutdown signal")
			return app.Shutdown(cfg.HTTP.ShutdownTimeout)
		},
	}
}

// contextOrBackground guards commands executed without a context.
func contextOrBackground(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
