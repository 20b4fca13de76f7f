// Package service exposes the operations callers (HTTP, CLI) invoke on the
// collector: manual runs, task scheduling, server registry and dashboard.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ivannde/lecollecteur/internal/cache"
	"github.com/ivannde/lecollecteur/internal/model"
	"github.com/ivannde/lecollecteur/internal/sshclient"
	"github.com/ivannde/lecollecteur/internal/store"
)

// ErrInvalidInput is returned for malformed caller input.
var ErrInvalidInput = errors.New("invalid input")

// DefaultAlertWindow is the trailing window of the failure alert.
const DefaultAlertWindow = 24 * time.Hour

const recentLogsOnDashboard = 5

type Deps struct {
	Servers *store.ServerStore
	Tasks   *store.TaskStore
	Logs    *store.LogStore
	Runner  sshclient.Runner
	Cache   *cache.MemCache // optional
	Now     func() time.Time
	Log     zerolog.Logger

	// PingTimeout bounds the TCP probe of Ping (default 3s).
	PingTimeout time.Duration
}

type Service struct {
	servers *store.ServerStore
	tasks   *store.TaskStore
	logs    *store.LogStore
	runner  sshclient.Runner
	cache   *cache.MemCache
	now     func() time.Time
	log     zerolog.Logger

	pingTimeout time.Duration
	dial        func(ctx context.Context, network, addr string) (net.Conn, error)
}

func New(d Deps) *Service {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.PingTimeout <= 0 {
		d.PingTimeout = 3 * time.Second
	}
	var dialer net.Dialer
	return &Service{
		servers:     d.Servers,
		tasks:       d.Tasks,
		logs:        d.Logs,
		runner:      d.Runner,
		cache:       d.Cache,
		now:         d.Now,
		log:         d.Log.With().Str("component", "service").Logger(),
		pingTimeout: d.PingTimeout,
		dial:        dialer.DialContext,
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// RunManualScript executes script on the server synchronously and records a
// manual log. Remote failures are reported in the result, not as an error.
func (s *Service) RunManualScript(ctx context.Context, serverID int64, script string) (sshclient.Result, error) {
	if strings.TrimSpace(script) == "" {
		return sshclient.Result{}, invalid("script is required")
	}
	srv, err := s.servers.Get(ctx, serverID)
	if err != nil {
		return sshclient.Result{}, err
	}

	res := s.runner.Run(ctx, sshclient.TargetFor(srv), script)

	entry := model.ExecutionLog{
		ServerID:   srv.ID,
		Script:     script,
		ExecutedAt: s.now(),
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		Error:      res.Err,
		Origin:     model.OriginManual,
	}
	if err := s.logs.Append(context.WithoutCancel(ctx), &entry); err != nil {
		return res, err
	}

	ev := s.log.Info()
	if res.Failed() {
		ev = s.log.Warn().Str("err", res.Err)
	}
	ev.Str("server", srv.Name).Int("exit", res.ExitCode).Msg("manual script executed")
	return res, nil
}

// CreateScheduledTask registers a task. dueAt is a naive timestamp
// ("2006-01-02T15:04") interpreted as UTC.
func (s *Service) CreateScheduledTask(ctx context.Context, serverID int64, script, dueAt, recurrence string) (model.Task, error) {
	if strings.TrimSpace(script) == "" {
		return model.Task{}, invalid("script is required")
	}
	due, err := model.ParseDueAt(dueAt)
	if err != nil {
		return model.Task{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	rec, err := model.ParseRecurrence(recurrence)
	if err != nil {
		return model.Task{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if _, err := s.servers.Get(ctx, serverID); err != nil {
		return model.Task{}, err
	}

	t := model.Task{ServerID: serverID, Script: script, DueAt: due, Recurrence: rec, Status: model.StatusActive}
	if err := s.tasks.Create(ctx, &t); err != nil {
		return model.Task{}, err
	}
	s.log.Info().Int64("task", t.ID).Int64("server", serverID).
		Time("due", t.DueAt).Str("recurrence", rec.String()).Msg("task scheduled")
	return t, nil
}

func (s *Service) DeleteScheduledTask(ctx context.Context, id int64) error {
	if err := s.tasks.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info().Int64("task", id).Msg("task deleted")
	return nil
}

// ListScheduledTasks returns every task, earliest due first.
func (s *Service) ListScheduledTasks(ctx context.Context) ([]model.Task, error) {
	return s.tasks.ListAllByDue(ctx)
}

// CountRecentAutomaticFailures counts failed automatic runs within the
// trailing window ending now. window <= 0 means DefaultAlertWindow.
func (s *Service) CountRecentAutomaticFailures(ctx context.Context, window time.Duration) (int, error) {
	if window <= 0 {
		window = DefaultAlertWindow
	}
	return s.logs.CountRecentErrors(ctx, model.AutomaticMarker, s.now().Add(-window))
}

func (s *Service) CreateServer(ctx context.Context, srv model.Server) (model.Server, error) {
	if err := s.servers.Create(ctx, &srv); err != nil {
		return model.Server{}, mapValidation(err)
	}
	s.log.Info().Int64("server", srv.ID).Str("name", srv.Name).Msg("server registered")
	return srv, nil
}

func (s *Service) GetServer(ctx context.Context, id int64) (model.Server, error) {
	return s.servers.Get(ctx, id)
}

// FindServer resolves ref as a numeric id first, then as a name.
func (s *Service) FindServer(ctx context.Context, ref string) (model.Server, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return model.Server{}, invalid("server reference is required")
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		srv, err := s.servers.Get(ctx, id)
		if !errors.Is(err, store.ErrNotFound) {
			return srv, err
		}
	}
	return s.servers.GetByName(ctx, ref)
}

func (s *Service) ListServers(ctx context.Context) ([]model.Server, error) {
	return s.servers.List(ctx)
}

// UpdateServer replaces the server's fields. An empty password keeps the
// stored one, so callers that never saw it do not erase it.
func (s *Service) UpdateServer(ctx context.Context, srv model.Server) (model.Server, error) {
	old, err := s.servers.Get(ctx, srv.ID)
	if err != nil {
		return model.Server{}, err
	}
	if srv.Password == "" {
		srv.Password = old.Password
	}
	if err := s.servers.Update(ctx, srv); err != nil {
		return model.Server{}, mapValidation(err)
	}
	if s.cache != nil && old.Name != srv.Name {
		s.cache.Forget(old.Name)
	}
	return s.servers.Get(ctx, srv.ID)
}

// DeleteServer removes the server. Its tasks and logs are kept; due tasks
// that reference it are handled by the scheduler's missing-server policy.
func (s *Service) DeleteServer(ctx context.Context, id int64) error {
	srv, err := s.servers.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.servers.Delete(ctx, id); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Forget(srv.Name)
	}
	s.log.Info().Int64("server", id).Str("name", srv.Name).Msg("server deleted")
	return nil
}

// ServerLogs returns the server's execution logs, newest first.
func (s *Service) ServerLogs(ctx context.Context, serverID int64) ([]model.ExecutionLog, error) {
	if _, err := s.servers.Get(ctx, serverID); err != nil {
		return nil, err
	}
	return s.logs.ListByServer(ctx, serverID)
}

type Dashboard struct {
	Servers      int                  `json:"servers"`
	Executions   int                  `json:"executions"`
	RecentLogs   []model.ExecutionLog `json:"recent_logs"`
	Alerts       int                  `json:"alerts"`
	AlertMessage string               `json:"alert_message,omitempty"`
}

func (s *Service) Dashboard(ctx context.Context) (Dashboard, error) {
	var d Dashboard
	var err error
	if d.Servers, err = s.servers.Count(ctx); err != nil {
		return d, err
	}
	if d.Executions, err = s.logs.Count(ctx); err != nil {
		return d, err
	}
	if d.RecentLogs, err = s.logs.Recent(ctx, recentLogsOnDashboard); err != nil {
		return d, err
	}
	if d.Alerts, err = s.CountRecentAutomaticFailures(ctx, DefaultAlertWindow); err != nil {
		return d, err
	}
	if d.Alerts > 0 {
		d.AlertMessage = fmt.Sprintf("%d scheduled task(s) failed in the last 24h.", d.Alerts)
	}
	return d, nil
}

type PingResult struct {
	Success   bool   `json:"success"`
	Address   string `json:"address"`
	LatencyMS *int64 `json:"latency_ms"`
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
}

// Ping probes the server's SSH port with a TCP connect.
func (s *Service) Ping(ctx context.Context, serverID int64) (PingResult, error) {
	srv, err := s.servers.Get(ctx, serverID)
	if err != nil {
		return PingResult{}, err
	}
	port := srv.Port
	if port == 0 {
		port = model.DefaultSSHPort
	}
	addr := net.JoinHostPort(srv.Address, strconv.Itoa(port))

	dctx, cancel := context.WithTimeout(ctx, s.pingTimeout)
	defer cancel()

	start := time.Now()
	conn, err := s.dial(dctx, "tcp", addr)
	if err != nil {
		return PingResult{Address: addr, Message: "timeout or host unreachable", Error: err.Error()}, nil
	}
	_ = conn.Close()

	ms := time.Since(start).Milliseconds()
	return PingResult{
		Success:   true,
		Address:   addr,
		LatencyMS: &ms,
		Message:   fmt.Sprintf("reply in %d ms", ms),
	}, nil
}

func mapValidation(err error) error {
	if errors.Is(err, store.ErrInvalid) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return err
}
