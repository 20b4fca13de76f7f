package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/urfave/cli"
)

func init() {
	// ExitCoder errors would otherwise terminate the test binary.
	cli.OsExiter = func(int) {}
}

func run(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	full := append([]string{"lecollecteur", "--db", db, "--log-level", "error"}, args...)
	err := app.Run(full)
	return out.String(), err
}

func TestServersAndTasksCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "test.db")

	out, err := run(t, db, "servers", "add", "--address", "192.0.2.3", "--user", "ops", "--password", "pw", "web-1")
	if err != nil {
		t.Fatalf("servers add: %v", err)
	}
	if !strings.Contains(out, "server web-1 registered") {
		t.Fatalf("unexpected output %q", out)
	}

	out, err = run(t, db, "servers", "list")
	if err != nil || !strings.Contains(out, "192.0.2.3:22") || !strings.Contains(out, "password") {
		t.Fatalf("servers list: %q %v", out, err)
	}

	out, err = run(t, db, "tasks", "add", "--at", "2030-01-01T03:00", "--every", "weekly", "web-1", "df", "-h")
	if err != nil || !strings.Contains(out, "task 1 scheduled on web-1") {
		t.Fatalf("tasks add: %q %v", out, err)
	}
	if _, err := run(t, db, "tasks", "add", "--at", "2030-01-01T03:00", "--every", "hourly", "web-1", "ls"); err == nil {
		t.Fatal("expected invalid recurrence to fail")
	}

	if _, err := run(t, db, "tasks", "add", "--at", "2030-02-01T03:00", "web-1", "uptime"); err != nil {
		t.Fatalf("tasks add once: %v", err)
	}

	out, err = run(t, db, "tasks", "list")
	if err != nil || !strings.Contains(out, "2030-01-01T03:00") || !strings.Contains(out, "weekly") || !strings.Contains(out, "df -h") {
		t.Fatalf("tasks list: %q %v", out, err)
	}
	if !strings.Contains(out, "once") || strings.Contains(out, "none") {
		t.Fatalf("one-shot task should list as once: %q", out)
	}

	if _, err := run(t, db, "tasks", "rm", "1"); err != nil {
		t.Fatalf("tasks rm: %v", err)
	}
	if _, err := run(t, db, "tasks", "rm", "1"); err == nil {
		t.Fatal("expected second delete to fail")
	}

	out, err = run(t, db, "alerts", "--window", "1h")
	if err != nil || !strings.Contains(out, "0 failed automatic run(s) in the last 1h0m0s") {
		t.Fatalf("alerts: %q %v", out, err)
	}

	if _, err := run(t, db, "logs", "missing"); err == nil {
		t.Fatal("expected unknown server to fail")
	}
	if _, err := run(t, db, "servers", "rm", "web-1"); err != nil {
		t.Fatalf("servers rm: %v", err)
	}
}

func TestWaitTimeout(t *testing.T) {
	var wg sync.WaitGroup
	if !waitTimeout(&wg, time.Second) {
		t.Fatal("idle group should finish at once")
	}

	wg.Add(1)
	if waitTimeout(&wg, 20*time.Millisecond) {
		t.Fatal("busy group reported done")
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		wg.Done()
	}()
	if !waitTimeout(&wg, 5*time.Second) {
		t.Fatal("group did not finish within the grace")
	}
}
