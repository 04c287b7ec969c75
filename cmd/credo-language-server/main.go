// Package main is the entry point for the Credo language server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/CoderDennis/credo-language-server/internal/analysis"
	"github.com/CoderDennis/credo-language-server/internal/config"
	"github.com/CoderDennis/credo-language-server/internal/diagnostics"
	"github.com/CoderDennis/credo-language-server/internal/rpc"
	"github.com/CoderDennis/credo-language-server/internal/runtime"
	"github.com/CoderDennis/credo-language-server/internal/session"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "credo-language-server",
		Short:        "Language server exposing Credo analysis over LSP",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to TOML config file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("credo-language-server %s (%s)\n", version, commit)
		},
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// serve runs the language server over stdio until the client exits.
func serve(ctx context.Context, configPath string) error {
	// stdout carries the protocol; all logging goes to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	transport := rpc.NewTransport(os.Stdin, os.Stdout, nil)

	launcher := &runtime.ProcessLauncher{
		Command: cfg.Runtime.Command,
		Args:    cfg.Runtime.Args,
		Env:     cfg.Runtime.Env,
	}
	manager := runtime.NewManager(launcher, runtime.Config{
		PollAttempts: cfg.Runtime.PollAttempts,
		PollInterval: cfg.Runtime.PollInterval,
	}, logger)

	cache := diagnostics.NewCache()
	publisher := diagnostics.NewPublisher(transport, logger)
	engine := analysis.NewCredoEngine(manager)
	coordinator := session.NewCoordinator(engine, cache, publisher, cfg.Docs.BaseURL, logger)

	sess := session.New(transport, manager, coordinator, cache, publisher, session.Options{
		ServerVersion: version,
		WorkDir:       cfg.Runtime.WorkDir,
		Logger:        logger,
	})

	code := sess.Run(ctx)
	transport.Close()
	os.Exit(code)
	return nil
}
