package metrics

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/ivannde/lecollecteur/internal/cache"
	"github.com/ivannde/lecollecteur/internal/model"
	"github.com/ivannde/lecollecteur/internal/scheduler"
)

type TaskCounter interface {
	CountByStatus(ctx context.Context) (map[model.Status]int, error)
}

type AlertCounter interface {
	CountRecentAutomaticFailures(ctx context.Context, window time.Duration) (int, error)
}

type StatsSource interface {
	Stats() scheduler.Stats
}

// Renderer writes the Prometheus text exposition. Every source is optional.
type Renderer struct {
	Cache     cache.Cache
	Tasks     TaskCounter
	Alerts    AlertCounter
	Scheduler StatsSource
	Now       func() time.Time
}

func NewRenderer(c cache.Cache) *Renderer {
	return &Renderer{Cache: c, Now: time.Now}
}

func header(w io.Writer, name, typ, help string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
}

// Write renders all metrics. A failing store query drops its family and is
// returned after the rest has been written.
func (r *Renderer) Write(ctx context.Context, w io.Writer) error {
	start := time.Now()
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	var firstErr error

	header(w, MetricCollectorUp, "gauge", "1 if the collector process is running.")
	fmt.Fprintf(w, "%s 1\n", MetricCollectorUp)

	if r.Tasks != nil {
		counts, err := r.Tasks.CountByStatus(ctx)
		if err != nil {
			firstErr = fmt.Errorf("count tasks: %w", err)
		} else {
			header(w, MetricTasks, "gauge", "Scheduled tasks per status.")
			for _, st := range []model.Status{model.StatusActive, model.StatusDone, model.StatusError} {
				fmt.Fprintf(w, "%s%s %d\n", MetricTasks, formatLabels(map[string]string{"status": string(st)}), counts[st])
			}
		}
	}

	if r.Alerts != nil {
		n, err := r.Alerts.CountRecentAutomaticFailures(ctx, 0)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("count failures: %w", err)
		}
		if err == nil {
			header(w, MetricRecentAutomaticFailures, "gauge", "Failed automatic runs in the last 24h.")
			fmt.Fprintf(w, "%s %d\n", MetricRecentAutomaticFailures, n)
		}
	}

	if r.Scheduler != nil {
		st := r.Scheduler.Stats()
		counters := []struct {
			name, help string
			v          uint64
		}{
			{MetricSchedulerTicks, "Scheduler ticks.", st.Ticks},
			{MetricSchedulerTickErrors, "Ticks that failed to list due tasks.", st.TickErrors},
			{MetricSchedulerEnqueued, "Occurrences handed to workers.", st.Enqueued},
			{MetricSchedulerDropped, "Occurrences deferred because the queue was full.", st.Dropped},
			{MetricSchedulerConflicts, "Occurrences already claimed elsewhere.", st.Conflicts},
		}
		for _, c := range counters {
			header(w, c.name, "counter", c.help)
			fmt.Fprintf(w, "%s %d\n", c.name, c.v)
		}
		header(w, MetricSchedulerLastTick, "gauge", "Unix timestamp of the last tick.")
		var ts float64
		if !st.LastTick.IsZero() {
			ts = float64(st.LastTick.UnixMilli()) / 1000
		}
		fmt.Fprintf(w, "%s %.3f\n", MetricSchedulerLastTick, ts)
	}

	if r.Cache != nil {
		header(w, MetricServerLastRunOK, "gauge", "1 if the last automatic run on the server succeeded.")
		header(w, MetricServerLastRunDuration, "gauge", "Duration of the last automatic run.")
		header(w, MetricServerLastRunTs, "gauge", "Unix timestamp of the last automatic run.")
		header(w, MetricServerLastRunAge, "gauge", "Seconds since the last automatic run.")

		snap := r.Cache.Snapshot()
		servers := make([]string, 0, len(snap))
		for s := range snap {
			servers = append(servers, s)
		}
		sort.Strings(servers)

		for _, s := range servers {
			run := snap[s]
			labels := map[string]string{"server": s}
			for k, v := range run.Labels {
				labels[k] = v
			}
			l := formatLabels(labels)

			ok := 1
			if run.Failed() {
				ok = 0
			}
			fmt.Fprintf(w, "%s%s %d\n", MetricServerLastRunOK, l, ok)
			fmt.Fprintf(w, "%s%s %.3f\n", MetricServerLastRunDuration, l, run.Duration.Seconds())
			fmt.Fprintf(w, "%s%s %.3f\n", MetricServerLastRunTs, l, float64(run.At.UnixMilli())/1000)
			fmt.Fprintf(w, "%s%s %.3f\n", MetricServerLastRunAge, l, now.Sub(run.At).Seconds())
		}
	}

	header(w, MetricRenderDurationSeconds, "gauge", "Time spent rendering /metrics.")
	fmt.Fprintf(w, "%s %.6f\n", MetricRenderDurationSeconds, time.Since(start).Seconds())
	return firstErr
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func formatLabels(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `%s="%s"`, k, labelEscaper.Replace(m[k]))
	}
	b.WriteString("}")
	return b.String()
}
