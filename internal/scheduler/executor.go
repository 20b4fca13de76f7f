package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ivannde/lecollecteur/internal/cache"
	"github.com/ivannde/lecollecteur/internal/model"
	"github.com/ivannde/lecollecteur/internal/sshclient"
	"github.com/ivannde/lecollecteur/internal/store"
)

type TaskStore interface {
	Get(ctx context.Context, id int64) (model.Task, error)
	Update(ctx context.Context, t model.Task) error
	Release(ctx context.Context, id int64) error
}

type ServerLookup interface {
	Get(ctx context.Context, id int64) (model.Server, error)
}

type RunRecorder interface {
	RecordRun(ctx context.Context, entry *model.ExecutionLog, t model.Task) error
}

type LogAppender interface {
	Append(ctx context.Context, e *model.ExecutionLog) error
}

// Policy holds the tunable transition rules.
type Policy struct {
	MissingServer MissingServerPolicy
	// HaltRecurrenceOnError keeps a failed recurring task in error instead
	// of re-arming it for its next occurrence.
	HaltRecurrenceOnError bool
}

type ExecutorDeps struct {
	Tasks    TaskStore
	Servers  ServerLookup
	Runner   sshclient.Runner
	Recorder RunRecorder
	Logs     LogAppender
	Cache    cache.Cache // optional
	Policy   Policy
	Now      func() time.Time
	Log      zerolog.Logger
}

// Executor runs one claimed occurrence and applies the status transition.
type Executor struct {
	tasks    TaskStore
	servers  ServerLookup
	runner   sshclient.Runner
	recorder RunRecorder
	logs     LogAppender
	cache    cache.Cache
	policy   Policy
	now      func() time.Time
	log      zerolog.Logger
}

func NewExecutor(d ExecutorDeps) *Executor {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Policy.MissingServer == "" {
		d.Policy.MissingServer = MissingServerSkip
	}
	return &Executor{
		tasks:    d.Tasks,
		servers:  d.Servers,
		runner:   d.Runner,
		recorder: d.Recorder,
		logs:     d.Logs,
		cache:    d.Cache,
		policy:   d.Policy,
		now:      d.Now,
		log:      d.Log.With().Str("component", "executor").Logger(),
	}
}

// Advance returns t after one run finished at now.
//
// A failure sets error first; daily and weekly recurrence then re-arm the
// task for its next occurrence regardless of the outcome, unless halt is
// set. A one-shot task ends done on success and stays error on failure.
func Advance(t model.Task, failed bool, now time.Time, halt bool) model.Task {
	ran := now.UTC()
	t.LastRunAt = &ran
	if failed {
		t.Status = model.StatusError
		if halt {
			return t
		}
	}

	switch t.Recurrence {
	case model.RecurrenceDaily:
		t.DueAt = t.DueAt.Add(24 * time.Hour)
		t.Status = model.StatusActive
	case model.RecurrenceWeekly:
		t.DueAt = t.DueAt.Add(7 * 24 * time.Hour)
		t.Status = model.StatusActive
	case model.RecurrenceNone:
		if !failed {
			t.Status = model.StatusDone
		}
	}
	return t
}

// Execute runs job. Remote failures are recorded, not returned; the error
// return is reserved for storage problems.
func (e *Executor) Execute(ctx context.Context, job Job) (Outcome, error) {
	log := e.log.With().Int64("task", job.TaskID).Logger()

	t, err := e.tasks.Get(ctx, job.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug().Msg("task deleted before execution")
		return OutcomeSkipped, nil
	}
	if err != nil {
		e.Abandon(job)
		return OutcomeSkipped, err
	}
	if t.Status != model.StatusActive || !t.DueAt.Equal(job.DueAt) {
		log.Debug().Str("status", string(t.Status)).Msg("task changed since claim")
		return OutcomeSkipped, nil
	}

	srv, err := e.servers.Get(ctx, t.ServerID)
	if errors.Is(err, store.ErrNotFound) {
		return e.missingServer(ctx, t, log)
	}
	if err != nil {
		e.Abandon(job)
		return OutcomeSkipped, err
	}

	start := e.now()
	res := e.runner.Run(ctx, sshclient.TargetFor(srv), t.Script)
	now := e.now()

	// The remote command has run: everything below must be persisted even if
	// ctx was cancelled meanwhile.
	pctx := context.WithoutCancel(ctx)

	entry := model.ExecutionLog{
		ServerID:   t.ServerID,
		Script:     t.Script,
		ExecutedAt: now,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		Origin:     model.OriginAutomatic,
	}
	outcome := OutcomeSucceeded
	if res.Failed() {
		entry.Error = model.AutomaticErrorPrefix + res.Err
		outcome = OutcomeFailed
	}
	next := Advance(t, res.Failed(), now, e.policy.HaltRecurrenceOnError)

	err = e.recorder.RecordRun(pctx, &entry, next)
	if errors.Is(err, store.ErrNotFound) {
		// Deleted while running: keep the log, there is no task to update.
		err = e.logs.Append(pctx, &entry)
	}
	if err != nil {
		log.Error().Err(err).Msg("record run")
		return outcome, err
	}

	if e.cache != nil {
		e.cache.Set(srv.Name, cache.Run{
			At:       now,
			TaskID:   t.ID,
			Labels:   map[string]string{"server": srv.Name, "address": srv.Address},
			Duration: now.Sub(start),
			Err:      res.Err,
		})
	}

	ev := log.Info()
	if outcome == OutcomeFailed {
		ev = log.Warn().Str("err", res.Err)
	}
	ev.Str("server", srv.Name).
		Str("outcome", outcome.String()).
		Str("status", string(next.Status)).
		Time("next_due", next.DueAt).
		Msg("task executed")
	return outcome, nil
}

func (e *Executor) missingServer(ctx context.Context, t model.Task, log zerolog.Logger) (Outcome, error) {
	switch e.policy.MissingServer {
	case MissingServerError:
		t.Status = model.StatusError
		if err := e.tasks.Update(ctx, t); err != nil {
			return OutcomeSkipped, err
		}
		log.Warn().Int64("server", t.ServerID).Msg("server missing, task marked error")
	default:
		log.Warn().Int64("server", t.ServerID).Msg("server missing, task skipped")
	}
	return OutcomeSkipped, nil
}

// Abandon releases the claim of a job that will not be executed.
func (e *Executor) Abandon(job Job) {
	if err := e.tasks.Release(context.Background(), job.TaskID); err != nil {
		e.log.Error().Err(err).Int64("task", job.TaskID).Msg("release claim")
	}
}
