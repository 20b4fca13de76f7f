// Package httpapi serves the JSON API, health and metrics endpoints.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ivannde/lecollecteur/internal/metrics"
	"github.com/ivannde/lecollecteur/internal/model"
	"github.com/ivannde/lecollecteur/internal/service"
	"github.com/ivannde/lecollecteur/internal/store"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	svc     *service.Service
	metrics *metrics.Renderer
	log     zerolog.Logger
}

// New returns the router. r may be nil, in which case /metrics is not served.
func New(svc *service.Service, r *metrics.Renderer, log zerolog.Logger) http.Handler {
	h := &Handler{svc: svc, metrics: r, log: log.With().Str("component", "http").Logger()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	if r != nil {
		mux.HandleFunc("GET /metrics", h.renderMetrics)
	}

	mux.HandleFunc("GET /api/servers", h.listServers)
	mux.HandleFunc("POST /api/servers", h.createServer)
	mux.HandleFunc("GET /api/servers/{id}", h.getServer)
	mux.HandleFunc("PUT /api/servers/{id}", h.updateServer)
	mux.HandleFunc("DELETE /api/servers/{id}", h.deleteServer)
	mux.HandleFunc("POST /api/servers/{id}/exec", h.execScript)
	mux.HandleFunc("GET /api/servers/{id}/logs", h.serverLogs)
	mux.HandleFunc("GET /api/servers/{id}/ping", h.ping)

	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.deleteTask)

	mux.HandleFunc("GET /api/dashboard", h.dashboard)
	mux.HandleFunc("GET /api/alerts", h.alerts)

	return h.logRequests(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", rec.status).Dur("took", time.Since(start)).Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, service.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, store.ErrDuplicate):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	default:
		h.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: id must be a positive integer", service.ErrInvalidInput)
	}
	return id, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", service.ErrInvalidInput, err)
	}
	return nil
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) renderMetrics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var buf bytes.Buffer
	if err := h.metrics.Write(ctx, &buf); err != nil {
		h.log.Warn().Err(err).Msg("partial metrics")
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// serverInput carries a password for writes; model.Server never exposes it.
type serverInput struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	User     string `json:"user"`
	Port     int    `json:"port"`
	KeyPath  string `json:"key_path"`
	Password string `json:"password"`
}

func (in serverInput) server(id int64) model.Server {
	return model.Server{
		ID:       id,
		Name:     in.Name,
		Address:  in.Address,
		User:     in.User,
		Port:     in.Port,
		KeyPath:  in.KeyPath,
		Password: in.Password,
	}
}

func (h *Handler) listServers(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListServers(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.Server{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) createServer(w http.ResponseWriter, r *http.Request) {
	var in serverInput
	if err := decode(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	srv, err := h.svc.CreateServer(r.Context(), in.server(0))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, srv)
}

func (h *Handler) getServer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	srv, err := h.svc.GetServer(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (h *Handler) updateServer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var in serverInput
	if err := decode(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	srv, err := h.svc.UpdateServer(r.Context(), in.server(id))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (h *Handler) deleteServer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.DeleteServer(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type execRequest struct {
	Script string `json:"script"`
}

type execResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

func (h *Handler) execScript(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req execRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.RunManualScript(r.Context(), id, req.Script)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, execResponse{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode, Error: res.Err})
}

func (h *Handler) serverLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logs, err := h.svc.ServerLogs(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []model.ExecutionLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *Handler) ping(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.Ping(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type taskRequest struct {
	ServerID   int64  `json:"server_id"`
	Script     string `json:"script"`
	DueAt      string `json:"due_at"`
	Recurrence string `json:"recurrence"`
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListScheduledTasks(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.Task{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) createTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	t, err := h.svc.CreateScheduledTask(r.Context(), req.ServerID, req.Script, req.DueAt, req.Recurrence)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) deleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.DeleteScheduledTask(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Dashboard(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if d.RecentLogs == nil {
		d.RecentLogs = []model.ExecutionLog{}
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) alerts(w http.ResponseWriter, r *http.Request) {
	window := service.DefaultAlertWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			h.writeError(w, r, fmt.Errorf("%w: window must be a positive duration", service.ErrInvalidInput))
			return
		}
		window = d
	}
	n, err := h.svc.CountRecentAutomaticFailures(r.Context(), window)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": n, "window": window.String()})
}
