package main

import (
	"os"

	"github.com/fjod/go_cart/order-core/internal/config"
	"github.com/fjod/go_cart/order-core/internal/repository"
	"github.com/fjod/go_cart/order-core/pkg/logger"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "order-core",
		Usage: "order and payment transaction core",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "optional .env files loaded before the environment",
				Value: cli.NewStringSlice(".env"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API, gRPC health server, outbox poller and reservation sweeper",
				Action: serveAction,
			},
			{
				Name:   "migrate",
				Usage:  "apply PostgreSQL migrations and exit",
				Action: migrateAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.L().WithError(err).Fatal("order-core failed")
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.StringSlice("env-file")...)
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.ServiceName, cfg.LogLevel, os.Stdout)
	return cfg, nil
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	return serve(c.Context, cfg)
}

func migrateAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	cred := cfg.Credentials()
	store, err := repository.NewPostgresStore(cred)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.RunMigrations(cred); err != nil {
		return errors.Wrap(err, "migrate")
	}
	logger.L().WithField("db", cred.DBName).Info("migrations applied")
	return nil
}
