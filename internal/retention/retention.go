// Package retention prunes old execution logs on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type Pruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type Options struct {
	// MaxAge of logs kept; must be positive.
	MaxAge time.Duration
	// Schedule is a 5-field cron expression or descriptor such as "@daily".
	Schedule string
	Logs     Pruner
	Now      func() time.Time
	Log      zerolog.Logger
}

type Job struct {
	maxAge time.Duration
	logs   Pruner
	now    func() time.Time
	log    zerolog.Logger
	c      *cron.Cron
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New validates opts and registers the prune run; call Start to begin.
func New(opts Options) (*Job, error) {
	if opts.MaxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive")
	}
	if opts.Logs == nil {
		return nil, fmt.Errorf("retention needs a log store")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	j := &Job{
		maxAge: opts.MaxAge,
		logs:   opts.Logs,
		now:    opts.Now,
		log:    opts.Log.With().Str("component", "retention").Logger(),
		c:      cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
	}
	if _, err := j.c.AddFunc(opts.Schedule, func() { _, _ = j.Prune(context.Background()) }); err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", opts.Schedule, err)
	}
	return j, nil
}

// Prune deletes logs older than the configured age.
func (j *Job) Prune(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.maxAge)
	n, err := j.logs.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.log.Error().Err(err).Msg("prune execution logs")
		return 0, err
	}
	j.log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("execution logs pruned")
	return n, nil
}

func (j *Job) Start() { j.c.Start() }

// Stop halts the schedule and waits for a running prune to finish.
func (j *Job) Stop() {
	<-j.c.Stop().Done()
}
