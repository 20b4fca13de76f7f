package scheduler

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ivannde/lecollecteur/internal/model"
)

// TaskSource is the part of the task store the loop needs.
type TaskSource interface {
	ListDue(ctx context.Context, now time.Time) ([]model.Task, error)
	Claim(ctx context.Context, id int64, dueAt time.Time) (bool, error)
	Release(ctx context.Context, id int64) error
}

// claimResetter is implemented by sources whose claims outlive the process,
// such as the SQLite task store.
type claimResetter interface {
	ReleaseAll(ctx context.Context) (int64, error)
}

type Scheduler struct {
	interval time.Duration
	jitter   time.Duration

	jobCh chan<- Job
	tasks TaskSource
	now   func() time.Time
	log   zerolog.Logger

	ticks      uint64
	tickErrors uint64
	enqueued   uint64
	dropped    uint64
	conflicts  uint64
	lastTick   atomic.Int64
}

type Options struct {
	Interval time.Duration
	Jitter   time.Duration
	JobCh    chan<- Job
	Tasks    TaskSource
	Now      func() time.Time
	Log      zerolog.Logger
}

// NewScheduler creates a scheduler that periodically claims due tasks and
// pushes them into JobCh.
//   - Interval: polling period (default 1m)
//   - Jitter: random delay added each cycle (0..Jitter)
func NewScheduler(opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		interval: opts.Interval,
		jitter:   opts.Jitter,
		jobCh:    opts.JobCh,
		tasks:    opts.Tasks,
		now:      opts.Now,
		log:      opts.Log.With().Str("component", "scheduler").Logger(),
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().Dur("interval", s.interval).Dur("jitter", s.jitter).Msg("scheduler started")
	defer s.log.Info().Msg("scheduler stopped")

	// Claims left by a previous process would hide their occurrences forever.
	if r, ok := s.tasks.(claimResetter); ok {
		if n, err := r.ReleaseAll(ctx); err != nil {
			s.log.Error().Err(err).Msg("release stale claims")
		} else if n > 0 {
			s.log.Warn().Int64("claims", n).Msg("released claims left by a previous run")
		}
	}

	// Kick once immediately
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.jitter > 0 {
				delay := time.Duration(rand.Int63n(int64(s.jitter)))
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			s.tick(ctx)
		}
	}
}

// tick claims every due occurrence and hands it to the workers. It never
// blocks on the job channel: an occurrence that does not fit is released so
// the next tick can retry it. A failing query only skips this tick.
func (s *Scheduler) tick(ctx context.Context) int {
	atomic.AddUint64(&s.ticks, 1)
	now := s.now()
	s.lastTick.Store(now.UnixMilli())

	due, err := s.tasks.ListDue(ctx, now)
	if err != nil {
		atomic.AddUint64(&s.tickErrors, 1)
		s.log.Error().Err(err).Msg("list due tasks")
		return 0
	}

	sent := 0
	for _, t := range due {
		if ctx.Err() != nil {
			return sent
		}

		ok, err := s.tasks.Claim(ctx, t.ID, t.DueAt)
		if err != nil {
			s.log.Warn().Err(err).Int64("task", t.ID).Msg("claim task")
			continue
		}
		if !ok {
			atomic.AddUint64(&s.conflicts, 1)
			continue
		}

		job := Job{TaskID: t.ID, ServerID: t.ServerID, DueAt: t.DueAt}
		select {
		case s.jobCh <- job:
			atomic.AddUint64(&s.enqueued, 1)
			sent++
		default:
			atomic.AddUint64(&s.dropped, 1)
			if err := s.tasks.Release(ctx, t.ID); err != nil {
				s.log.Error().Err(err).Int64("task", t.ID).Msg("release dropped task")
			}
			s.log.Warn().Int64("task", t.ID).Msg("job queue full, task deferred to next tick")
		}
	}

	if sent > 0 {
		s.log.Debug().Int("dispatched", sent).Int("due", len(due)).Msg("tick")
	}
	return sent
}

func (s *Scheduler) Stats() Stats {
	st := Stats{
		Ticks:      atomic.LoadUint64(&s.ticks),
		TickErrors: atomic.LoadUint64(&s.tickErrors),
		Enqueued:   atomic.LoadUint64(&s.enqueued),
		Dropped:    atomic.LoadUint64(&s.dropped),
		Conflicts:  atomic.LoadUint64(&s.conflicts),
	}
	if ms := s.lastTick.Load(); ms > 0 {
		st.LastTick = time.UnixMilli(ms).UTC()
	}
	return st
}
