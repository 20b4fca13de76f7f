package retention

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ivannde/lecollecteur/internal/model"
	"github.com/ivannde/lecollecteur/internal/store"
)

func TestPruneDeletesOldLogs(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, store.MemoryPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	logs := store.NewLogStore(db)

	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for _, age := range []time.Duration{40 * 24 * time.Hour, 31 * 24 * time.Hour, 2 * time.Hour} {
		e := model.ExecutionLog{ServerID: 1, Script: "ls", ExecutedAt: now.Add(-age)}
		if err := logs.Append(ctx, &e); err != nil {
			t.Fatal(err)
		}
	}

	j, err := New(Options{MaxAge: 30 * 24 * time.Hour, Schedule: "@daily", Logs: logs, Now: func() time.Time { return now }, Log: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	n, err := j.Prune(ctx)
	if err != nil || n != 2 {
		t.Fatalf("pruned %d (%v)", n, err)
	}
	if left, _ := logs.Count(ctx); left != 1 {
		t.Fatalf("expected 1 log left, got %d", left)
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		opts Options
	}{
		{"no age", Options{Schedule: "@daily", Logs: nopPruner{}}},
		{"bad schedule", Options{MaxAge: time.Hour, Schedule: "every day", Logs: nopPruner{}}},
		{"no store", Options{MaxAge: time.Hour, Schedule: "@daily"}},
	}
	for _, tc := range cases {
		if _, err := New(tc.opts); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}

	j, err := New(Options{MaxAge: time.Hour, Schedule: "30 3 * * *", Logs: nopPruner{}, Log: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	j.Start()
	j.Stop()
}

type nopPruner struct{}

func (nopPruner) DeleteOlderThan(context.Context, time.Time) (int64, error) { return 0, nil }
