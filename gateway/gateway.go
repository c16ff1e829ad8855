// Package gateway routes inference requests either to a fresh launcher run per
// request (cold path) or to a long-lived service instance started once through
// the orchestrator and reached over HTTP (warm path).
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rgesrger/jdmodeltests/junctiond/api"
	"github.com/rgesrger/jdmodeltests/junctiond/history"
	"github.com/rgesrger/jdmodeltests/junctiond/launchcfg"
	"github.com/rgesrger/jdmodeltests/junctiond/processes"
)

const (
	WarmInstanceName = "distilbert-warm"

	warmCPU                   = 2
	warmMemoryMB              = 512
	defaultWarmStartupTimeout = 30 * time.Second
	maxRequestBytes           = 1 << 20
)

// Orchestrator is what the gateway needs from *processes.Orchestrator.
type Orchestrator interface {
	api.Orchestrator
	Status(name string) (processes.InstanceStatus, error)
	MarkReady(name string) error
}

type Config struct {
	ModelPath   string // Required
	HandlerPath string // Required, cold path executable
	ServicePath string // Required, warm path executable
	Launcher    string // Required, path to junction_run

	WarmHost string                 // Optional, defaults to the runtime host address
	WarmPort int                    // Port of the warm service, 0 allocates from Ports
	Ports    *processes.PortManager // Required when WarmPort is 0

	ConfigDir          string             // Optional, defaults to os.TempDir()
	Runtime            *launchcfg.Runtime // Optional, defaults to launchcfg.DefaultRuntime()
	ColdTimeout        time.Duration      // Optional, 0 leaves cold runs unbounded
	WarmStartupTimeout time.Duration      // Optional, defaults to 30s

	Orchestrator Orchestrator            // Required
	Exec         processes.Launcher      // Optional, starts cold runs, defaults to processes.ExecLauncher
	History      processes.EventRecorder // Optional
	Metrics      *Metrics                // Optional
	Gatherer     prometheus.Gatherer     // Optional, serves /metrics when set
	Logger       *slog.Logger            // Optional, defaults to slog.Default()
}

type Gateway struct {
	cfg     Config
	runtime launchcfg.Runtime
	orc     Orchestrator
	control *api.Handler
	exec    processes.Launcher
	proxy   *http.Transport
	logger  *slog.Logger

	warm warmState
}

func New(cfg Config) (*Gateway, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if cfg.ModelPath == "" {
		return nil, errors.New("model path is required")
	}
	if cfg.HandlerPath == "" || cfg.ServicePath == "" || cfg.Launcher == "" {
		return nil, errors.New("handler, service and launcher paths are required")
	}
	if cfg.WarmPort == 0 && cfg.Ports == nil {
		return nil, errors.New("warm port 0 needs a port manager")
	}
	if cfg.WarmPort < 0 || cfg.WarmPort > 65535 {
		return nil, fmt.Errorf("invalid warm port %d", cfg.WarmPort)
	}

	rt := launchcfg.DefaultRuntime()
	if cfg.Runtime != nil {
		rt = *cfg.Runtime
	}
	if err := rt.Validate(); err != nil {
		return nil, fmt.Errorf("invalid runtime descriptor: %w", err)
	}
	if cfg.WarmHost == "" {
		cfg.WarmHost = rt.HostAddr
	}
	if cfg.ConfigDir == "" {
		cfg.ConfigDir = os.TempDir()
	}
	if cfg.WarmStartupTimeout <= 0 {
		cfg.WarmStartupTimeout = defaultWarmStartupTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	exec := cfg.Exec
	if exec == nil {
		exec = processes.ExecLauncher{}
	}

	return &Gateway{
		cfg:     cfg,
		runtime: rt,
		orc:     cfg.Orchestrator,
		control: api.New(cfg.Orchestrator, api.Options{Logger: logger}),
		exec:    exec,
		proxy:   newWarmTransport(),
		logger:  logger.With("component", "Gateway"),
	}, nil
}

// InferRequest is the body of /infer and /infer_warm.
type InferRequest struct {
	InputIDs      []int64 `json:"input_ids"`
	AttentionMask []int64 `json:"attention_mask"`
}

// InferResponse is what the handler executables print and the warm service
// returns.
type InferResponse struct {
	Logits []float64 `json:"logits"`
	Probs  []float64 `json:"probs"`
	Label  string    `json:"label"`
}

var (
	errMissingInputs = errors.New("input_ids and attention_mask required")
	errBadLengths    = errors.New("input_ids and attention_mask length mismatch or empty")
)

func (req InferRequest) Validate() error {
	if req.InputIDs == nil || req.AttentionMask == nil {
		return errMissingInputs
	}
	if len(req.InputIDs) != len(req.AttentionMask) || len(req.InputIDs) == 0 {
		return errBadLengths
	}
	return nil
}

// decodeInferRequest reads and validates the request body. Any error means 400.
func decodeInferRequest(r *http.Request) (InferRequest, error) {
	var req InferRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		return req, fmt.Errorf("failed to read request body: %w", err)
	}
	if err := json.Unmarshal(body, &req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return req, errors.New("input_ids and attention_mask must be integer arrays")
		}
		return req, fmt.Errorf("invalid JSON body: %w", err)
	}
	return req, req.Validate()
}

func (g *Gateway) recordEvent(ctx context.Context, e history.Event) {
	if g.cfg.History == nil {
		return
	}
	if err := g.cfg.History.Record(context.WithoutCancel(ctx), e); err != nil {
		g.logger.Warn("Failed to record history event", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
