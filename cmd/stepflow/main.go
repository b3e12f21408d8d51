package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/stepflow/pkg/cmd"
	"github.com/dukex/stepflow/pkg/config"
	"github.com/dukex/stepflow/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func main() {
	defaults := config.Default()

	root := &cli.Command{
		Name:                  "stepflow",
		Usage:                 "Run multi-step HTTP workflows",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Start the API, workers and repair job",
				Flags: serveFlags(defaults),
				Action: func(ctx context.Context, command *cli.Command) error {
					cfg, err := loadConfig(command)
					if err != nil {
						return err
					}

					log.Setup(cfg.Log.Level, cfg.Log.Format)
					logger := log.WithModule("stepflow")

					ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
					defer stop()

					logger.InfoContext(ctx, "Initializing stepflow")

					server, err := NewServer(ctx, cfg, logger)
					if err != nil {
						return err
					}

					return server.Run(ctx)
				},
			},
			{
				Name:  "migrate",
				Usage: "Apply SQL migrations for the configured database",
				Flags: append([]cli.Flag{configFlag()}, databaseFlags(defaults)...),
				Action: func(ctx context.Context, command *cli.Command) error {
					cfg, err := loadConfig(command)
					if err != nil {
						return err
					}

					log.Setup(cfg.Log.Level, cfg.Log.Format)

					return cmd.Migrate(ctx, log.WithModule("migrate"), cfg.DatabaseURL)
				},
			},
		},
	}

	err := root.Run(context.Background(), os.Args)
	if err != nil {
		log.WithModule("stepflow").Error("stepflow failed", "error", err)
		os.Exit(1)
	}
}
