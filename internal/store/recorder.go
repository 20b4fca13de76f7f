package store

import (
	"context"
	"database/sql"

	"github.com/ivannde/lecollecteur/internal/model"
)

// Recorder persists the outcome of one task run.
type Recorder struct {
	db *sql.DB
}

func NewRecorder(db *sql.DB) *Recorder { return &Recorder{db: db} }

// RecordRun appends entry and then writes t in the same transaction, so a
// reader never sees the task's new last_run_at without its log.
func (r *Recorder) RecordRun(ctx context.Context, entry *model.ExecutionLog, t model.Task) error {
	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := insertLog(ctx, tx, entry); err != nil {
			return err
		}
		return updateTask(ctx, tx, t)
	})
}
