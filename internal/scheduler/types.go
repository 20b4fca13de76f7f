package scheduler

import "time"

// Job is one claimed occurrence of a task, identified by the due time it was
// claimed at.
type Job struct {
	TaskID   int64
	ServerID int64
	DueAt    time.Time
}

// MissingServerPolicy decides what happens to a due task whose server no
// longer exists.
type MissingServerPolicy string

const (
	// MissingServerSkip leaves the task untouched and writes no log.
	MissingServerSkip MissingServerPolicy = "skip"
	// MissingServerError marks the task as error.
	MissingServerError MissingServerPolicy = "error"
)

func ParseMissingServerPolicy(s string) (MissingServerPolicy, bool) {
	switch MissingServerPolicy(s) {
	case "", MissingServerSkip:
		return MissingServerSkip, true
	case MissingServerError:
		return MissingServerError, true
	default:
		return MissingServerSkip, false
	}
}

type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeSucceeded
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// Stats are cumulative scheduler counters.
type Stats struct {
	Ticks      uint64
	TickErrors uint64
	Enqueued   uint64
	Dropped    uint64
	Conflicts  uint64
	LastTick   time.Time
}
