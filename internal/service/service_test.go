package service

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ivannde/lecollecteur/internal/cache"
	"github.com/ivannde/lecollecteur/internal/model"
	"github.com/ivannde/lecollecteur/internal/sshclient"
	"github.com/ivannde/lecollecteur/internal/store"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *sshclient.MockRunner, *store.LogStore) {
	t.Helper()
	db, err := store.Open(context.Background(), store.MemoryPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	runner := sshclient.NewMockRunner()
	logs := store.NewLogStore(db)
	svc := New(Deps{
		Servers: store.NewServerStore(db),
		Tasks:   store.NewTaskStore(db),
		Logs:    logs,
		Runner:  runner,
		Cache:   cache.NewMemCache(),
		Now:     func() time.Time { return testNow },
		Log:     zerolog.Nop(),
	})
	return svc, runner, logs
}

func mustServer(t *testing.T, svc *Service, name string) model.Server {
	t.Helper()
	srv, err := svc.CreateServer(context.Background(), model.Server{Name: name, Address: "192.0.2.1", User: "root", Password: "pw"})
	if err != nil {
		t.Fatal(err)
	}
	return srv
}

func TestRunManualScript(t *testing.T) {
	svc, runner, logs := newTestService(t)
	ctx := context.Background()
	srv := mustServer(t, svc, "web")

	runner.Set("uptime", sshclient.MockResult{Result: sshclient.Result{Stdout: "up\n", Stderr: "w\n"}})
	res, err := svc.RunManualScript(ctx, srv.ID, "uptime")
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "up\n" || res.Stderr != "w\n" || res.Failed() {
		t.Fatalf("unexpected result %+v", res)
	}

	runner.Set("down", sshclient.MockResult{Result: sshclient.Result{Err: "dial 192.0.2.1:22: i/o timeout", ExitCode: -1}})
	res, err = svc.RunManualScript(ctx, srv.ID, "down")
	if err != nil {
		t.Fatalf("remote failure must not be an error: %v", err)
	}
	if res.Stdout != "" || res.Stderr != "" || res.Err == "" {
		t.Fatalf("unexpected result %+v", res)
	}

	got, err := logs.ListByServer(ctx, srv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(got))
	}
	for _, l := range got {
		if l.Origin != model.OriginManual || !l.ExecutedAt.Equal(testNow) {
			t.Fatalf("unexpected log %+v", l)
		}
	}

	// Manual failures never count as automatic alerts.
	if n, err := svc.CountRecentAutomaticFailures(ctx, 0); err != nil || n != 0 {
		t.Fatalf("alerts: %d %v", n, err)
	}
}

func TestRunManualScriptInputErrors(t *testing.T) {
	svc, runner, _ := newTestService(t)
	ctx := context.Background()
	srv := mustServer(t, svc, "web")

	if _, err := svc.RunManualScript(ctx, srv.ID, "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.RunManualScript(ctx, 999, "ls"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(runner.Calls()) != 0 {
		t.Fatal("runner must not be called")
	}
}

func TestCreateScheduledTask(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	srv := mustServer(t, svc, "db")

	tk, err := svc.CreateScheduledTask(ctx, srv.ID, "backup.sh", "2024-03-11T02:30", "weekly")
	if err != nil {
		t.Fatal(err)
	}
	if !tk.DueAt.Equal(time.Date(2024, 3, 11, 2, 30, 0, 0, time.UTC)) {
		t.Fatalf("due parsed as %v", tk.DueAt)
	}
	if tk.Status != model.StatusActive || tk.Recurrence != model.RecurrenceWeekly {
		t.Fatalf("unexpected task %+v", tk)
	}

	cases := []struct {
		name     string
		serverID int64
		script   string
		due      string
		rec      string
		want     error
	}{
		{"bad recurrence", srv.ID, "ls", "2024-03-11T02:30", "monthly", ErrInvalidInput},
		{"bad due", srv.ID, "ls", "tomorrow", "", ErrInvalidInput},
		{"empty script", srv.ID, "", "2024-03-11T02:30", "", ErrInvalidInput},
		{"unknown server", 42, "ls", "2024-03-11T02:30", "", store.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.CreateScheduledTask(ctx, tc.serverID, tc.script, tc.due, tc.rec); !errors.Is(err, tc.want) {
				t.Fatalf("got %v want %v", err, tc.want)
			}
		})
	}

	list, err := svc.ListScheduledTasks(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %v", list, err)
	}
}

func TestListAndDeleteScheduledTasks(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	srv := mustServer(t, svc, "db")

	late, _ := svc.CreateScheduledTask(ctx, srv.ID, "b", "2024-03-12T00:00", "")
	early, _ := svc.CreateScheduledTask(ctx, srv.ID, "a", "2024-03-11T00:00", "daily")

	list, err := svc.ListScheduledTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != early.ID || list[1].ID != late.ID {
		t.Fatalf("unexpected order %+v", list)
	}

	if err := svc.DeleteScheduledTask(ctx, early.ID); err != nil {
		t.Fatal(err)
	}
	if err := svc.DeleteScheduledTask(ctx, early.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCountRecentAutomaticFailuresWindow(t *testing.T) {
	svc, _, logs := newTestService(t)
	ctx := context.Background()
	srv := mustServer(t, svc, "db")

	add := func(age time.Duration, errMsg string, origin model.Origin) {
		t.Helper()
		e := model.ExecutionLog{ServerID: srv.ID, Script: "x", ExecutedAt: testNow.Add(-age), Error: errMsg, Origin: origin}
		if err := logs.Append(ctx, &e); err != nil {
			t.Fatal(err)
		}
	}
	add(24*time.Hour, model.AutomaticErrorPrefix+"old", model.OriginAutomatic)
	add(23*time.Hour+59*time.Minute, model.AutomaticErrorPrefix+"recent", model.OriginAutomatic)
	add(time.Hour, "", model.OriginAutomatic)
	add(time.Hour, "dial: refused", model.OriginManual)

	n, err := svc.CountRecentAutomaticFailures(ctx, 0)
	if err != nil || n != 1 {
		t.Fatalf("got %d %v", n, err)
	}
	n, err = svc.CountRecentAutomaticFailures(ctx, 48*time.Hour)
	if err != nil || n != 2 {
		t.Fatalf("48h window: got %d %v", n, err)
	}
}

func TestDashboard(t *testing.T) {
	svc, _, logs := newTestService(t)
	ctx := context.Background()
	srv := mustServer(t, svc, "db")
	mustServer(t, svc, "web")

	for i := 0; i < 7; i++ {
		e := model.ExecutionLog{ServerID: srv.ID, Script: "s" + strconv.Itoa(i), ExecutedAt: testNow.Add(-time.Duration(i) * time.Minute)}
		if i == 3 {
			e.Error = model.AutomaticErrorPrefix + "boom"
			e.Origin = model.OriginAutomatic
		}
		if err := logs.Append(ctx, &e); err != nil {
			t.Fatal(err)
		}
	}

	d, err := svc.Dashboard(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if d.Servers != 2 || d.Executions != 7 || len(d.RecentLogs) != 5 || d.Alerts != 1 {
		t.Fatalf("unexpected dashboard %+v", d)
	}
	if d.RecentLogs[0].Script != "s0" {
		t.Fatalf("recent logs not newest first: %+v", d.RecentLogs[0])
	}
	if !strings.Contains(d.AlertMessage, "1 scheduled task") {
		t.Fatalf("alert message %q", d.AlertMessage)
	}
}

func TestServerLifecycle(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateServer(ctx, model.Server{Name: "x"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	srv := mustServer(t, svc, "web")
	if _, err := svc.CreateServer(ctx, model.Server{Name: "web", Address: "a", User: "u"}); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	srv.Address = "192.0.2.99"
	srv.Password = ""
	got, err := svc.UpdateServer(ctx, srv)
	if err != nil {
		t.Fatal(err)
	}
	if got.Address != "192.0.2.99" || got.Password != "pw" {
		t.Fatalf("update lost data: %+v", got)
	}

	if _, err := svc.ServerLogs(ctx, srv.ID); err != nil {
		t.Fatal(err)
	}
	if err := svc.DeleteServer(ctx, srv.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetServer(ctx, srv.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.ServerLogs(ctx, srv.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPing(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	up, err := svc.CreateServer(ctx, model.Server{Name: "up", Address: "127.0.0.1", Port: port, User: "u"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := svc.Ping(ctx, up.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.LatencyMS == nil || res.Address != ln.Addr().String() {
		t.Fatalf("unexpected ping %+v", res)
	}

	svc.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("connect: connection refused")
	}
	res, err = svc.Ping(ctx, up.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.LatencyMS != nil || res.Error == "" {
		t.Fatalf("unexpected ping %+v", res)
	}

	if _, err := svc.Ping(ctx, 999); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindServer(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	web := mustServer(t, svc, "web")
	numeric := mustServer(t, svc, "2024")

	cases := []struct {
		ref  string
		want int64
	}{
		{"web", web.ID},
		{strconv.FormatInt(web.ID, 10), web.ID},
		{"2024", numeric.ID},
	}
	for _, tc := range cases {
		got, err := svc.FindServer(ctx, tc.ref)
		if err != nil || got.ID != tc.want {
			t.Fatalf("%q: got %+v %v", tc.ref, got, err)
		}
	}
	if _, err := svc.FindServer(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.FindServer(ctx, " "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
