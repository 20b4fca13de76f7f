package scheduler

import (
	"context"

	"golang.org/x/time/rate"
)

// StartWorker executes jobs until ctx ends or jobs is closed. limiter, when
// non-nil, throttles how fast workers open SSH sessions.
//
// Cancelling ctx stops the worker from taking new jobs but does not abort a
// run in progress: the remote command finishes and is recorded. Jobs still
// queued at shutdown are released so the next start picks them up again.
func StartWorker(ctx context.Context, id int, jobs <-chan Job, exec *Executor, limiter *rate.Limiter) {
	log := exec.log.With().Int("worker", id).Logger()
	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	for {
		select {
		case <-ctx.Done():
			drain(jobs, exec)
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				exec.Abandon(job)
				drain(jobs, exec)
				return
			}
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					exec.Abandon(job)
					continue
				}
			}
			if _, err := exec.Execute(context.WithoutCancel(ctx), job); err != nil {
				log.Error().Err(err).Int64("task", job.TaskID).Msg("execute task")
			}
		}
	}
}

func drain(jobs <-chan Job, exec *Executor) {
	for {
		select {
		case job, ok := <-jobs:
			if !ok {
				return
			}
			exec.Abandon(job)
		default:
			return
		}
	}
}
