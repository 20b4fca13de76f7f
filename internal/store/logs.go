package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ivannde/lecollecteur/internal/model"
)

// LogStore is the append-only execution log.
type LogStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewLogStore(db *sql.DB) *LogStore { return &LogStore{db: db, now: time.Now} }

const logColumns = `id, server_id, executed_at, script, stdout, stderr, COALESCE(error,''), origin`

func scanLog(row interface{ Scan(...any) error }) (model.ExecutionLog, error) {
	var (
		l      model.ExecutionLog
		at     int64
		origin string
	)
	if err := row.Scan(&l.ID, &l.ServerID, &at, &l.Script, &l.Stdout, &l.Stderr, &l.Error, &origin); err != nil {
		return model.ExecutionLog{}, err
	}
	l.ExecutedAt = fromMillis(at)
	l.Origin = model.Origin(origin)
	return l, nil
}

// Append inserts e, defaulting ExecutedAt to now and Origin to manual.
func (r *LogStore) Append(ctx context.Context, e *model.ExecutionLog) error {
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = r.now()
	}
	return insertLog(ctx, r.db, e)
}

func insertLog(ctx context.Context, q querier, e *model.ExecutionLog) error {
	if e.ServerID <= 0 {
		return fmt.Errorf("%w: log server id is required", ErrInvalid)
	}
	if strings.TrimSpace(e.Script) == "" {
		return fmt.Errorf("%w: log script is required", ErrInvalid)
	}
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = time.Now()
	}
	if e.Origin == "" {
		e.Origin = model.OriginManual
	}
	e.ExecutedAt = e.ExecutedAt.UTC()
	res, err := q.ExecContext(ctx,
		`INSERT INTO execution_logs(server_id, executed_at, script, stdout, stderr, error, origin) VALUES (?,?,?,?,?,?,?)`,
		e.ServerID, toMillis(e.ExecutedAt), e.Script, e.Stdout, e.Stderr, nullStr(e.Error), string(e.Origin))
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

func (r *LogStore) queryLogs(ctx context.Context, query string, args ...any) ([]model.ExecutionLog, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.ExecutionLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, l)
	}
	return list, rows.Err()
}

// ListByServer returns the logs of one server, newest first.
func (r *LogStore) ListByServer(ctx context.Context, serverID int64) ([]model.ExecutionLog, error) {
	return r.queryLogs(ctx,
		`SELECT `+logColumns+` FROM execution_logs WHERE server_id = ? ORDER BY executed_at DESC, id DESC`, serverID)
}

// Recent returns the latest limit logs across all servers.
func (r *LogStore) Recent(ctx context.Context, limit int) ([]model.ExecutionLog, error) {
	if limit <= 0 {
		limit = 5
	}
	return r.queryLogs(ctx,
		`SELECT `+logColumns+` FROM execution_logs ORDER BY executed_at DESC, id DESC LIMIT ?`, limit)
}

func (r *LogStore) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM execution_logs`).Scan(&n)
	return n, err
}

// CountRecentErrors counts logs executed strictly after since whose error
// contains marker (ASCII case-insensitive).
func (r *LogStore) CountRecentErrors(ctx context.Context, marker string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM execution_logs
		 WHERE error IS NOT NULL AND instr(lower(error), lower(?)) > 0 AND executed_at > ?`,
		marker, toMillis(since)).Scan(&n)
	return n, err
}

// DeleteOlderThan prunes logs executed before cutoff. It is an
// administrative operation; nothing in the execution path calls it.
func (r *LogStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM execution_logs WHERE executed_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune logs: %w", err)
	}
	return res.RowsAffected()
}
