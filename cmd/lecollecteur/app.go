package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/urfave/cli"

	"github.com/ivannde/lecollecteur/internal/cache"
	"github.com/ivannde/lecollecteur/internal/config"
	"github.com/ivannde/lecollecteur/internal/logging"
	"github.com/ivannde/lecollecteur/internal/service"
	"github.com/ivannde/lecollecteur/internal/sshclient"
	"github.com/ivannde/lecollecteur/internal/store"
)

var (
	dbPath    string
	logLevel  string
	logFormat string

	globalFlags = []cli.Flag{
		cli.StringFlag{
			Name:        "db",
			Usage:       "path of the SQLite database",
			EnvVar:      "COLLECTEUR_DB",
			Value:       "data/lecollecteur.db",
			Destination: &dbPath,
		},
		cli.StringFlag{
			Name:        "log-level",
			Usage:       "trace, debug, info, warn or error",
			EnvVar:      "LOG_LEVEL",
			Value:       "info",
			Destination: &logLevel,
		},
		cli.StringFlag{
			Name:        "log-format",
			Usage:       "console or json",
			EnvVar:      "LOG_FORMAT",
			Value:       "console",
			Destination: &logFormat,
		},
	}
)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "lecollecteur"
	app.HelpName = "lecollecteur"
	app.Usage = "run and schedule shell scripts on remote hosts over SSH"
	app.UsageText = "lecollecteur [global options] <command> [arguments...]"
	app.Version = version
	app.Flags = globalFlags
	app.Commands = []cli.Command{
		serveCommand,
		execCommand,
		serversCommand,
		tasksCommand,
		logsCommand,
		alertsCommand,
	}
	return app
}

// env is the state shared by one-shot commands.
type env struct {
	cfg   config.Config
	log   zerolog.Logger
	db    *sql.DB
	stores
}

type stores struct {
	servers *store.ServerStore
	tasks   *store.TaskStore
	logs    *store.LogStore
}

// setup loads the environment configuration, applies the global flags on
// top and opens the database.
func setup(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	cfg.DBPath = dbPath
	cfg.LogLevel = logLevel
	cfg.LogFormat = logFormat

	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	st := stores{
		servers: store.NewServerStore(db),
		tasks:   store.NewTaskStore(db),
		logs:    store.NewLogStore(db),
	}
	return &env{cfg: cfg, log: log, db: db, stores: st}, nil
}

func (e *env) newService(runner sshclient.Runner, c *cache.MemCache) *service.Service {
	if runner == nil {
		runner = sshclient.New(e.cfg.SSH, afero.NewOsFs())
	}
	return service.New(service.Deps{
		Servers: e.servers,
		Tasks:   e.tasks,
		Logs:    e.logs,
		Runner:  runner,
		Cache:   c,
		Log:     e.log,
	})
}

func (e *env) Close() { _ = e.db.Close() }

// withService wraps a command action with setup and teardown.
func withService(fn func(c *cli.Context, svc *service.Service) error) func(*cli.Context) error {
	return func(c *cli.Context) error {
		e, err := setup(context.Background())
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		defer e.Close()
		if err := fn(c, e.newService(nil, nil)); err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		return nil
	}
}
