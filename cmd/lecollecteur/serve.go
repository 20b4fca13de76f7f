package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/urfave/cli"
	"golang.org/x/time/rate"

	"github.com/ivannde/lecollecteur/internal/cache"
	"github.com/ivannde/lecollecteur/internal/httpapi"
	"github.com/ivannde/lecollecteur/internal/inventory"
	"github.com/ivannde/lecollecteur/internal/metrics"
	"github.com/ivannde/lecollecteur/internal/retention"
	"github.com/ivannde/lecollecteur/internal/scheduler"
	"github.com/ivannde/lecollecteur/internal/sshclient"
	"github.com/ivannde/lecollecteur/internal/store"
)

var (
	listen    string
	invPath   string
	noWatch   bool
	workers   int
	dispRate  float64
	serveFlgs = []cli.Flag{
		cli.StringFlag{
			Name:        "listen, l",
			Usage:       "HTTP listen address",
			EnvVar:      "COLLECTEUR_LISTEN",
			Value:       ":8080",
			Destination: &listen,
		},
		cli.StringFlag{
			Name:        "inventory, i",
			Usage:       "YAML inventory synced into the server registry",
			EnvVar:      "INVENTORY_FILE",
			Destination: &invPath,
		},
		cli.BoolFlag{
			Name:        "no-watch",
			Usage:       "sync the inventory once at startup only",
			Destination: &noWatch,
		},
		cli.IntFlag{
			Name:        "workers, w",
			Usage:       "number of task workers",
			EnvVar:      "SCHEDULER_WORKERS",
			Value:       4,
			Destination: &workers,
		},
		cli.Float64Flag{
			Name:        "dispatch-rate",
			Usage:       "maximum SSH sessions started per second by workers (0 = unlimited)",
			EnvVar:      "DISPATCH_RATE",
			Destination: &dispRate,
		},
	}

	serveCommand = cli.Command{
		Name:   "serve",
		Usage:  "run the scheduler and the HTTP API",
		Flags:  serveFlgs,
		Action: serve,
	}
)

func serve(c *cli.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, err := setup(ctx)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer e.Close()

	cfg := e.cfg
	cfg.Listen = listen
	cfg.InventoryFile = invPath
	cfg.Workers = workers
	cfg.DispatchRate = dispRate
	if err := cfg.Validate(); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	log := e.log

	log.Info().
		Str("db", cfg.DBPath).
		Str("listen", cfg.Listen).
		Str("inventory", cfg.InventoryFile).
		Dur("interval", cfg.Interval).
		Int("workers", cfg.Workers).
		Str("missing_server", string(cfg.MissingServer)).
		Bool("halt_on_error", cfg.HaltRecurrenceOnError).
		Dur("shutdown_grace", cfg.ShutdownGrace).
		Msg("config")

	var wg sync.WaitGroup

	// 1) inventory
	if cfg.InventoryFile != "" {
		syncer := &inventory.Syncer{Path: cfg.InventoryFile, FS: afero.NewOsFs(), Store: e.servers, Log: log}
		if err := syncer.Sync(ctx); err != nil {
			return cli.NewExitError("load inventory: "+err.Error(), 1)
		}
		if !noWatch {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = syncer.Watch(ctx)
			}()
		}
	}

	// 2) cache + executor + workers
	runCache := cache.NewMemCache()
	runner := sshclient.New(cfg.SSH, afero.NewOsFs())
	svc := e.newService(runner, runCache)

	exec := scheduler.NewExecutor(scheduler.ExecutorDeps{
		Tasks:    e.tasks,
		Servers:  e.servers,
		Runner:   runner,
		Recorder: store.NewRecorder(e.db),
		Logs:     e.logs,
		Cache:    runCache,
		Policy: scheduler.Policy{
			MissingServer:         cfg.MissingServer,
			HaltRecurrenceOnError: cfg.HaltRecurrenceOnError,
		},
		Log: log,
	})

	var limiter *rate.Limiter
	if cfg.DispatchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), 1)
	}

	jobCh := make(chan scheduler.Job, cfg.QueueSize)
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			scheduler.StartWorker(ctx, id, jobCh, exec, limiter)
		}(i)
	}

	sched := scheduler.NewScheduler(scheduler.Options{
		Interval: cfg.Interval,
		Jitter:   cfg.Jitter,
		JobCh:    jobCh,
		Tasks:    e.tasks,
		Log:      log,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	// 3) retention
	if cfg.RetentionDays > 0 {
		job, err := retention.New(retention.Options{
			MaxAge:   time.Duration(cfg.RetentionDays) * 24 * time.Hour,
			Schedule: cfg.RetentionSchedule,
			Logs:     e.logs,
			Log:      log,
		})
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		job.Start()
		defer job.Stop()
	}

	// 4) HTTP
	r := metrics.NewRenderer(runCache)
	r.Tasks = e.tasks
	r.Alerts = svc
	r.Scheduler = sched

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           httpapi.New(svc, r, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Listen).Msg("lecollecteur listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	var runErr error
	select {
	case s := <-ch:
		log.Info().Str("signal", s.String()).Msg("shutdown...")
	case err := <-errCh:
		log.Error().Err(err).Msg("listen")
		runErr = cli.NewExitError("listen: "+err.Error(), 1)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	// workers record in-flight runs before the database closes
	if !waitTimeout(&wg, cfg.ShutdownGrace) {
		log.Warn().Dur("grace", cfg.ShutdownGrace).Msg("runs still in progress, closing anyway")
	}
	return runErr
}

// waitTimeout reports whether wg finished within d.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
