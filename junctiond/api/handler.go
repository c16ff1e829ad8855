// Package api serves the orchestrator's control plane over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rgesrger/jdmodeltests/junctiond/history"
	"github.com/rgesrger/jdmodeltests/junctiond/processes"
)

const (
	defaultCollectTimeout = 30 * time.Second
	defaultRemoveTimeout  = 10 * time.Second
	defaultHistoryLimit   = 50
	maxBodyBytes          = 1 << 20
)

// Orchestrator is the subset of *processes.Orchestrator the handlers use.
type Orchestrator interface {
	Spawn(ctx context.Context, spec processes.FunctionSpec) error
	Remove(ctx context.Context, name string) error
	List() []processes.InstanceStatus
	Collect(ctx context.Context, name string) (processes.JobResult, error)
	Invoke(ctx context.Context, name string, input []byte, closeInput bool) (processes.JobResult, error)
	Logs(name string) (*processes.LogBuffer, error)
}

// HistoryReader serves GET /jobs. *history.Store implements it.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Event, error)
	ByInstance(ctx context.Context, instance string, limit int) ([]history.Event, error)
}

type Options struct {
	History        HistoryReader       // Optional, /jobs answers 503 without it
	Gatherer       prometheus.Gatherer // Optional, /metrics is not mounted without it
	CollectTimeout time.Duration       // Optional, defaults to 30s
	RemoveTimeout  time.Duration       // Optional, SIGTERM grace before SIGKILL, defaults to 10s
	Logger         *slog.Logger        // Optional, defaults to slog.Default()
}

type Handler struct {
	orc            Orchestrator
	history        HistoryReader
	gatherer       prometheus.Gatherer
	collectTimeout time.Duration
	removeTimeout  time.Duration
	logger         *slog.Logger
}

func New(orc Orchestrator, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collectTimeout := opts.CollectTimeout
	if collectTimeout <= 0 {
		collectTimeout = defaultCollectTimeout
	}
	removeTimeout := opts.RemoveTimeout
	if removeTimeout <= 0 {
		removeTimeout = defaultRemoveTimeout
	}
	return &Handler{
		orc:            orc,
		history:        opts.History,
		gatherer:       opts.Gatherer,
		collectTimeout: collectTimeout,
		removeTimeout:  removeTimeout,
		logger:         logger.With("component", "ControlAPI"),
	}
}

// Mount registers the spawn/remove/list pass-through routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/spawn", h.Spawn)
	r.Post("/remove", h.Remove)
	r.Get("/list", h.List)
}

// Router returns the full control-plane router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	h.Mount(r)
	r.Post("/collect", h.Collect)
	r.Post("/invoke", h.Invoke)
	r.Get("/logs/{name}", h.Logs)
	r.Get("/jobs", h.Jobs)
	r.Get("/healthz", Health)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

type statusReply struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type instanceSummary struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	PID     int    `json:"pid"`
}

func (h *Handler) Spawn(w http.ResponseWriter, r *http.Request) {
	var spec processes.FunctionSpec
	if err := decodeJSON(r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if spec.Name == "" || spec.ExecPath == "" {
		writeError(w, http.StatusBadRequest, "name and execpath are required")
		return
	}

	h.logger.Info("Received spawn request", "instance", spec.Name, "exec", spec.ExecPath)
	err := h.orc.Spawn(r.Context(), spec)
	switch {
	case errors.Is(err, processes.ErrInvalidSpec):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeJSON(w, http.StatusOK, statusReply{Success: false, Message: "Failed to spawn", Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, statusReply{Success: true, Message: "Spawned"})
	}
}

func (h *Handler) Remove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	h.logger.Info("Received remove request", "instance", req.Name)
	ctx, cancel := context.WithTimeout(r.Context(), h.removeTimeout)
	defer cancel()
	if err := h.orc.Remove(ctx, req.Name); err != nil {
		writeJSON(w, http.StatusOK, statusReply{Success: false, Message: "Failed to remove", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statusReply{Success: true, Message: "Removed"})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	list := h.orc.List()
	out := make([]instanceSummary, 0, len(list))
	for _, st := range list {
		out = append(out, instanceSummary{Name: st.Name, Running: st.Running, PID: st.PID})
	}
	writeJSON(w, http.StatusOK, out)
}

type collectRequest struct {
	Name       string `json:"name"`
	Input      string `json:"input,omitempty"`
	CloseInput *bool  `json:"close_input,omitempty"`
	TimeoutMS  int    `json:"timeout_ms,omitempty"`
}

func (h *Handler) collectContext(parent context.Context, timeoutMS int) (context.Context, context.CancelFunc) {
	timeout := h.collectTimeout
	if timeoutMS > 0 {
		timeout = time.Duration(timeoutMS) * time.Millisecond
	}
	return context.WithTimeout(parent, timeout)
}

func (h *Handler) Collect(w http.ResponseWriter, r *http.Request) {
	var req collectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	ctx, cancel := h.collectContext(r.Context(), req.TimeoutMS)
	defer cancel()
	res, err := h.orc.Collect(ctx, req.Name)
	h.writeResult(w, res, err)
}

func (h *Handler) Invoke(w http.ResponseWriter, r *http.Request) {
	var req collectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	closeInput := true
	if req.CloseInput != nil {
		closeInput = *req.CloseInput
	}

	ctx, cancel := h.collectContext(r.Context(), req.TimeoutMS)
	defer cancel()
	res, err := h.orc.Invoke(ctx, req.Name, []byte(req.Input), closeInput)
	h.writeResult(w, res, err)
}

func (h *Handler) writeResult(w http.ResponseWriter, res processes.JobResult, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, processes.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		// Partial output is still useful to the caller.
		writeJSON(w, http.StatusGatewayTimeout, res)
	default:
		h.logger.Error("Collect failed", "instance", res.Name, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// Logs serves the stderr ring of an instance. ?tail=N returns the newest N
// entries and takes precedence over ?since=<id>.
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var since int64
	if s := r.URL.Query().Get("since"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an integer")
			return
		}
		since = n
	}
	tail := -1
	if s := r.URL.Query().Get("tail"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "tail must be a non-negative integer")
			return
		}
		tail = n
	}

	logs, err := h.orc.Logs(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	entries := []processes.LogEntry{}
	switch {
	case logs == nil:
	case tail >= 0:
		entries = logs.Latest(tail)
	default:
		entries = logs.Since(since)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instance": name,
		"entries":  entries,
	})
}

func (h *Handler) Jobs(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "job history is disabled")
		return
	}
	limit := defaultHistoryLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	var (
		events []history.Event
		err    error
	)
	if name := r.URL.Query().Get("name"); name != "" {
		events, err = h.history.ByInstance(r.Context(), name, limit)
	} else {
		events, err = h.history.Recent(r.Context(), limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
	})
}

// Health answers liveness probes.
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func decodeJSON(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
