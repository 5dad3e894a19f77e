package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	cli "github.com/urfave/cli/v3"

	"github.com/LeventeLantos/lead-sequencer/internal/config"
	"github.com/LeventeLantos/lead-sequencer/internal/logging"
	"github.com/LeventeLantos/lead-sequencer/internal/repo"
)

func main() {
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:  "sequencer",
		Usage: "Lead follow-up sequence engine",
		Commands: []*cli.Command{
			newServeCommand(),
			newProcessQueueCommand(),
			newMigrateCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadAll()
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.Log.Level)
	return cfg, nil
}

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API and the periodic queue processor",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "no-scheduler",
				Usage: "Start with the queue processor stopped",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if command.Bool("no-scheduler") {
				cfg.Scheduler.Enabled = false
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.Serve(ctx)
		},
	}
}

func newProcessQueueCommand() *cli.Command {
	return &cli.Command{
		Name:  "process-queue",
		Usage: "Run one due-check pass, print the report and exit",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "at",
				Usage: "Evaluate due steps at this RFC3339 time instead of now",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			at := time.Now().UTC()
			if raw := command.String("at"); raw != "" {
				at, err = time.Parse(time.RFC3339, raw)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.engine.ProcessQueue(ctx, at)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}

func newMigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations and exit",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Postgres connection URL",
				Required: true,
				Sources:  cli.EnvVars("POSTGRES_URL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			logging.Setup(command.String("log-level"))
			log := logging.WithModule("migrate")

			if err := repo.Migrate(command.String("database-url")); err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		},
	}
}
