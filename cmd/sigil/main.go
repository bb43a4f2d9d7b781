// Package main provides the sigil binary entry point. Sigil is a
// contract registry: it serves a codebase's behavioral contracts to
// coding agents over HTTP and validates them in CI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dcrn/sigil/config"
	"github.com/dcrn/sigil/engine"
	"github.com/dcrn/sigil/server"
)

const (
	Version = "0.1.0"
	appName = "sigil"
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

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Contract registry for coding agents",
		Long: `Sigil stores a codebase's behavioral contracts as YAML documents,
indexes them, and serves discovery, retrieval, and mutation operations
to coding agents over HTTP. The same validation runs in CI via the
check subcommand.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(&configPath, &logLevel))
	cmd.AddCommand(checkCmd(&configPath, &logLevel))
	cmd.AddCommand(listCmd(&configPath, &logLevel))
	cmd.AddCommand(healthCmd(&configPath, &logLevel))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	})

	return cmd
}

// setup loads the configuration and builds the process logger.
func setup(configPath, logLevel string) (config.Config, *slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var cfg config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logger, nil
}

func serveCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the contract registry over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			publisher, err := server.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
			if err != nil {
				return err
			}
			defer publisher.Close()

			var events engine.Publisher
			if publisher != nil {
				events = publisher
			}

			e, err := engine.New(cfg, logger, events)
			if err != nil {
				return fmt.Errorf("load registry: %w", err)
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.New(cfg, e, logger).Run(ctx)
			})
			if cfg.Contracts.Watch {
				g.Go(func() error {
					return server.WatchContracts(ctx, cfg.Contracts.Dir, e, logger)
				})
			}
			return g.Wait()
		},
	}
}

func checkCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate all contracts; exits non-zero on failure",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}

			e, err := engine.New(cfg, logger, nil)
			if err != nil {
				return fmt.Errorf("load registry: %w", err)
			}

			report := e.ValidateAll()
			if err := printJSON(report); err != nil {
				return err
			}
			if !report.Pass {
				return fmt.Errorf("validation failed: %d defects", len(report.Defects))
			}
			return nil
		},
	}
}

func listCmd(configPath, logLevel *string) *cobra.Command {
	var domain string
	var tags []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}

			e, err := engine.New(cfg, logger, nil)
			if err != nil {
				return fmt.Errorf("load registry: %w", err)
			}

			res := e.List("cli", engine.ListFilter{Domain: domain, Tags: tags})
			for _, c := range res.Contracts {
				fmt.Printf("%-30s %-10s %-8s %-10s %s\n", c.ID, c.Version, c.Priority, c.Status, c.Name)
			}
			for _, warn := range res.Warnings {
				fmt.Fprintf(os.Stderr, "warning: %s\n", warn)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&domain, "domain", "", "Only contracts in this domain")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Only contracts with at least one of these tags")
	return cmd
}

func healthCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print the full health report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}

			e, err := engine.New(cfg, logger, nil)
			if err != nil {
				return fmt.Errorf("load registry: %w", err)
			}
			return printJSON(e.Health())
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
