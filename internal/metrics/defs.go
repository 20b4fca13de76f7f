package metrics

const (
	// process health
	MetricCollectorUp           = "lecollecteur_up"
	MetricRenderDurationSeconds = "lecollecteur_render_duration_seconds"

	// task store
	MetricTasks = "lecollecteur_tasks"

	// alerting
	MetricRecentAutomaticFailures = "lecollecteur_automatic_failures_recent"

	// scheduler loop
	MetricSchedulerTicks      = "lecollecteur_scheduler_ticks_total"
	MetricSchedulerTickErrors = "lecollecteur_scheduler_tick_errors_total"
	MetricSchedulerEnqueued   = "lecollecteur_scheduler_enqueued_total"
	MetricSchedulerDropped    = "lecollecteur_scheduler_dropped_total"
	MetricSchedulerConflicts  = "lecollecteur_scheduler_claim_conflicts_total"
	MetricSchedulerLastTick   = "lecollecteur_scheduler_last_tick_timestamp_seconds"

	// per server, last automatic run
	MetricServerLastRunOK       = "lecollecteur_server_last_run_success"
	MetricServerLastRunDuration = "lecollecteur_server_last_run_duration_seconds"
	MetricServerLastRunTs       = "lecollecteur_server_last_run_timestamp_seconds"
	MetricServerLastRunAge      = "lecollecteur_server_last_run_age_seconds"
)
