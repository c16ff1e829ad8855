package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/rgesrger/jdmodeltests/junctiond/history"
	"github.com/rgesrger/jdmodeltests/junctiond/launchcfg"
	"github.com/rgesrger/jdmodeltests/junctiond/processes"
)

// ColdRunError reports a launcher run that exited non-zero.
type ColdRunError struct {
	ExitCode int
	Stderr   string
	Stdout   string
}

func (e *ColdRunError) Error() string {
	return fmt.Sprintf("junction_run failed (code %d): %s%s", e.ExitCode, e.Stderr, e.Stdout)
}

type coldResult struct {
	stdout   []byte
	stderr   []byte
	status   processes.ExitStatus
	duration time.Duration
}

// InferCold handles POST /infer: one launcher run per request.
func (g *Gateway) InferCold(w http.ResponseWriter, r *http.Request) {
	req, err := decodeInferRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if g.cfg.ColdTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.ColdTimeout)
		defer cancel()
	}

	resp, err := g.RunCold(ctx, req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// RunCold writes a transient descriptor, runs the handler under the launcher
// and parses its stdout. The descriptor is deleted on every path.
func (g *Gateway) RunCold(ctx context.Context, req InferRequest) (InferResponse, error) {
	name := "infer-" + uuid.New().String()
	cfgPath := filepath.Join(g.cfg.ConfigDir, "junction_"+name+".config")
	if err := launchcfg.WriteFile(cfgPath, g.runtime); err != nil {
		return InferResponse{}, err
	}
	defer func() {
		if err := os.Remove(cfgPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			g.logger.Warn("Failed to remove cold config", "path", cfgPath, "error", err)
		}
	}()

	cmd := processes.Command{
		Path: g.cfg.Launcher,
		Args: []string{
			cfgPath,
			"--",
			g.cfg.HandlerPath,
			g.cfg.ModelPath,
			joinInts(req.InputIDs),
			joinInts(req.AttentionMask),
			"--json",
		},
		Env: os.Environ(),
	}

	res, err := g.runCommand(ctx, cmd)
	if err != nil {
		g.logger.Error("Cold run failed to start", "instance", name, "error", err)
		return InferResponse{}, err
	}

	g.recordEvent(ctx, history.NewEvent(history.EventColdRun, name, 0).
		WithExitCode(res.status.Code).
		WithDetail(fmt.Sprintf("%.3fs", res.duration.Seconds())))
	g.logger.Info("Cold run finished",
		"instance", name,
		"exit_code", res.status.Code,
		"duration", res.duration)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return InferResponse{}, fmt.Errorf("cold run %s aborted: %w", name, ctxErr)
	}
	if res.status.Code != 0 {
		return InferResponse{}, &ColdRunError{
			ExitCode: res.status.Code,
			Stderr:   string(res.stderr),
			Stdout:   string(res.stdout),
		}
	}

	var out InferResponse
	if err := json.Unmarshal(res.stdout, &out); err != nil {
		return InferResponse{}, fmt.Errorf("invalid handler output: %w", err)
	}
	return out, nil
}

// runCommand starts cmd with stdin closed, captures both output streams and
// waits for exit. When ctx ends first the process group is killed.
func (g *Gateway) runCommand(ctx context.Context, cmd processes.Command) (coldResult, error) {
	start := time.Now()
	h, err := g.exec.Launch(cmd)
	if err != nil {
		return coldResult{}, err
	}
	defer h.Close()
	h.CloseInput()

	var stdout, stderr bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdout, h.Output())
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderr, h.Stderr())
	}()

	status, err := h.Wait(ctx)
	if err != nil {
		if sigErr := h.Signal(syscall.SIGKILL); sigErr != nil && !errors.Is(sigErr, os.ErrProcessDone) {
			g.logger.Warn("Failed to kill cold run", "pid", h.PID(), "error", sigErr)
		}
		status, _ = h.Wait(context.Background())
	}
	wg.Wait()

	return coldResult{
		stdout:   stdout.Bytes(),
		stderr:   stderr.Bytes(),
		status:   status,
		duration: time.Since(start),
	}, nil
}

func joinInts(values []int64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return strings.Join(parts, " ")
}
