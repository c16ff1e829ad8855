package processes

import (
	"bufio"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rgesrger/jdmodeltests/junctiond/history"
	"github.com/rgesrger/jdmodeltests/junctiond/launchcfg"
)

const (
	defaultMonitorInterval = 500 * time.Millisecond
	maxStderrLine          = 1024 * 1024
)

// EventRecorder receives lifecycle events. *history.Store implements it.
type EventRecorder interface {
	Record(ctx context.Context, e history.Event) error
}

// Config holds configuration options for the Orchestrator.
type Config struct {
	LauncherPath    string             // Required, path to junction_run
	WorkspaceRoot   string             // Optional, defaults to current directory
	Runtime         *launchcfg.Runtime // Optional, defaults to launchcfg.DefaultRuntime()
	Launcher        Launcher           // Optional, defaults to ExecLauncher
	MonitorInterval time.Duration      // Optional, defaults to 500ms
	LogCapacity     int                // Optional, stderr lines kept per instance, defaults to 1000
	Logger          *slog.Logger       // Optional, defaults to slog.Default()
	History         EventRecorder      // Optional
	Metrics         *Metrics           // Optional
}

// Orchestrator owns the Status Table: every instance spawned through it, the
// job records used for latency accounting, and the monitor that notices exits.
type Orchestrator struct {
	mu    sync.Mutex
	table map[string]*instance
	jobs  []*JobRecord

	launcher        Launcher
	launcherPath    string
	workspaceRoot   string
	runtime         launchcfg.Runtime
	monitorInterval time.Duration
	logCapacity     int
	logger          *slog.Logger
	history         EventRecorder
	metrics         *Metrics

	closed    bool
	closeOnce sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup // monitor
	streams   sync.WaitGroup // stdout and stderr readers
}

// New creates an Orchestrator and starts its lifecycle monitor. Close stops it.
func New(config Config) (*Orchestrator, error) {
	if config.LauncherPath == "" {
		return nil, fmt.Errorf("launcher path is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rt := launchcfg.DefaultRuntime()
	if config.Runtime != nil {
		rt = *config.Runtime
	}
	if err := rt.Validate(); err != nil {
		return nil, fmt.Errorf("invalid runtime descriptor: %w", err)
	}

	launcher := config.Launcher
	if launcher == nil {
		launcher = ExecLauncher{}
	}

	interval := config.MonitorInterval
	if interval <= 0 {
		interval = defaultMonitorInterval
	}

	root := config.WorkspaceRoot
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current working directory: %w", err)
		}
		root = wd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	o := &Orchestrator{
		table:           make(map[string]*instance),
		launcher:        launcher,
		launcherPath:    config.LauncherPath,
		workspaceRoot:   root,
		runtime:         rt,
		monitorInterval: interval,
		logCapacity:     config.LogCapacity,
		logger:          logger.With("component", "Orchestrator"),
		history:         config.History,
		metrics:         config.Metrics,
		stopChan:        make(chan struct{}),
	}

	o.wg.Add(1)
	go o.monitorLoop()

	return o, nil
}

// WorkspaceRoot returns the absolute directory holding instance workspaces.
func (o *Orchestrator) WorkspaceRoot() string {
	return o.workspaceRoot
}

// Spawn writes the descriptor for spec and starts it under the launcher.
// Success means the launcher started; a failing target shows up later as an
// exited instance.
func (o *Orchestrator) Spawn(ctx context.Context, spec FunctionSpec) error {
	if err := spec.Validate(); err != nil {
		o.metrics.spawned(err)
		return err
	}
	spec = spec.withDefaults()
	spec.Env = maps.Clone(spec.Env)
	name := spec.Name

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.metrics.spawned(ErrClosed)
		return ErrClosed
	}
	var stale *instance
	if existing, ok := o.table[name]; ok {
		if existing.pending || existing.running || existing.removing {
			o.mu.Unlock()
			o.metrics.spawned(ErrInstanceExists)
			return fmt.Errorf("%w: %s", ErrInstanceExists, name)
		}
		stale = existing
		o.deleteLocked(existing)
	}
	placeholder := &instance{
		spec:       spec,
		pending:    true,
		collectSem: make(chan struct{}, 1),
	}
	o.table[name] = placeholder
	o.mu.Unlock()

	if stale != nil {
		o.logger.Info("Replacing exited instance", "instance", name, "pid", stale.pid)
		o.release(stale)
	}

	workspace := WorkspaceDir(o.workspaceRoot, name)
	configPath, err := emitConfig(o.workspaceRoot, name, o.runtime)
	if err != nil {
		o.abortSpawn(ctx, placeholder, "", workspace, err)
		return err
	}

	args := append([]string{configPath, "--", spec.ExecPath}, strings.Fields(spec.Args)...)
	handle, err := o.launcher.Launch(Command{
		Path: o.launcherPath,
		Args: args,
		Env:  buildEnv(spec.Env),
		Dir:  o.workspaceRoot,
	})
	if err != nil {
		err = fmt.Errorf("failed to launch %s: %w", name, err)
		o.abortSpawn(ctx, placeholder, configPath, workspace, err)
		return err
	}

	pid := handle.PID()
	logs := NewLogBuffer(o.logCapacity)
	var out *outputStream
	if handle.Output() != nil {
		out = newOutputStream()
	}
	now := time.Now()

	o.mu.Lock()
	if o.closed || o.table[name] != placeholder {
		o.deleteLocked(placeholder)
		o.mu.Unlock()
		handle.Signal(syscall.SIGKILL)
		handle.Wait(context.Background())
		handle.Close()
		removeArtifacts(configPath, workspace)
		o.metrics.spawned(ErrClosed)
		return ErrClosed
	}
	placeholder.handle = handle
	placeholder.pid = pid
	placeholder.running = true
	placeholder.pending = false
	placeholder.configPath = configPath
	placeholder.workspace = workspace
	placeholder.startedAt = now
	placeholder.logs = logs
	placeholder.stdout = out
	o.jobs = append(o.jobs, &JobRecord{Name: name, PID: pid, StartTime: now})
	o.streams.Add(1)
	if out != nil {
		o.streams.Add(1)
	}
	running, exited := o.countsLocked()
	o.mu.Unlock()

	go o.streamStderr(name, pid, handle.Stderr(), logs)
	if out != nil {
		go o.streamStdout(name, handle, out)
	}

	o.logger.Info("Instance spawned", "instance", name, "pid", pid, "exec", spec.ExecPath, "config", configPath, "cpu", spec.CPU, "memoryMB", spec.MemoryMB)
	o.record(ctx, history.NewEvent(history.EventSpawn, name, pid).WithDetail(spec.ExecPath))
	o.metrics.spawned(nil)
	o.metrics.setInstances(running, exited)
	return nil
}

// abortSpawn releases a reserved name after a failed spawn.
func (o *Orchestrator) abortSpawn(ctx context.Context, placeholder *instance, configPath, workspace string, cause error) {
	o.mu.Lock()
	o.deleteLocked(placeholder)
	o.mu.Unlock()

	if err := removeArtifacts(configPath, workspace); err != nil {
		o.logger.Warn("Failed to clean up after spawn failure", "instance", placeholder.spec.Name, "error", err)
	}
	o.logger.Error("Failed to spawn instance", "instance", placeholder.spec.Name, "error", cause)
	o.record(ctx, history.NewEvent(history.EventSpawnFailed, placeholder.spec.Name, 0).WithDetail(cause.Error()))
	o.metrics.spawned(cause)
}

func (o *Orchestrator) streamStderr(name string, pid int, r io.Reader, logs *LogBuffer) {
	defer o.streams.Done()
	if r == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStderrLine)
	for scanner.Scan() {
		line := scanner.Text()
		logs.Add("stderr", line, pid)
		o.logger.Info("Subprocess stderr", "instance", name, "pid", pid, "output", line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		o.logger.Error("Error reading stderr from subprocess", "instance", name, "pid", pid, "error", err)
	}
}

// Remove terminates the instance's process group and forgets it. A process
// that ignores SIGTERM is killed once ctx ends.
func (o *Orchestrator) Remove(ctx context.Context, name string) error {
	o.mu.Lock()
	inst, ok := o.table[name]
	if !ok || inst.pending || inst.removing {
		o.mu.Unlock()
		o.metrics.removed(ErrNotFound)
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	inst.removing = true
	handle := inst.handle
	o.mu.Unlock()

	status := o.terminate(ctx, name, handle)

	o.mu.Lock()
	var notices []exitNotice
	if inst.running {
		notices = append(notices, o.markExitedLocked(inst, status))
	}
	o.deleteLocked(inst)
	running, exited := o.countsLocked()
	o.mu.Unlock()

	o.release(inst)
	o.publishExits(notices)

	o.logger.Info("Instance removed", "instance", name, "pid", inst.pid, "exit_code", status.Code)
	o.record(ctx, history.NewEvent(history.EventRemove, name, inst.pid).WithExitCode(status.Code))
	o.metrics.removed(nil)
	o.metrics.setInstances(running, exited)
	return nil
}

// terminate sends SIGTERM to the process group and waits, escalating to
// SIGKILL when ctx ends first.
func (o *Orchestrator) terminate(ctx context.Context, name string, handle Handle) ExitStatus {
	if err := handle.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		o.logger.Warn("Failed to send SIGTERM", "instance", name, "pid", handle.PID(), "error", err)
	}
	status, err := handle.Wait(ctx)
	if err == nil {
		return status
	}

	o.logger.Warn("Instance did not exit after SIGTERM, sending SIGKILL", "instance", name, "pid", handle.PID())
	if err := handle.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		o.logger.Error("Failed to send SIGKILL", "instance", name, "pid", handle.PID(), "error", err)
	}
	status, _ = handle.Wait(context.Background())
	return status
}

// release closes the pipes of a deleted entry and removes its descriptor.
func (o *Orchestrator) release(inst *instance) {
	if inst.handle != nil {
		if err := inst.handle.Close(); err != nil {
			o.logger.Debug("Error closing instance pipes", "instance", inst.spec.Name, "error", err)
		}
	}
	if err := removeArtifacts(inst.configPath, inst.workspace); err != nil {
		o.logger.Warn("Failed to remove instance config", "instance", inst.spec.Name, "config", inst.configPath, "error", err)
	}
}

// deleteLocked drops inst and its job record from the table.
func (o *Orchestrator) deleteLocked(inst *instance) {
	name := inst.spec.Name
	if o.table[name] == inst {
		delete(o.table, name)
	}
	if inst.pending {
		return
	}
	o.jobs = slices.DeleteFunc(o.jobs, func(j *JobRecord) bool {
		return j.Name == name && j.PID == inst.pid
	})
}

func (o *Orchestrator) countsLocked() (running, exited int) {
	for _, inst := range o.table {
		switch {
		case inst.pending:
		case inst.running:
			running++
		default:
			exited++
		}
	}
	return running, exited
}

// jobLocked returns the job record of inst, nil if none.
func (o *Orchestrator) jobLocked(inst *instance) *JobRecord {
	for _, j := range o.jobs {
		if j.Name == inst.spec.Name && j.PID == inst.pid {
			return j
		}
	}
	return nil
}

// lookup returns the live entry for name.
func (o *Orchestrator) lookup(name string) (*instance, Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	inst, ok := o.table[name]
	if !ok || inst.pending {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return inst, inst.handle, nil
}

// List returns a snapshot of every instance, sorted by name.
func (o *Orchestrator) List() []InstanceStatus {
	o.mu.Lock()
	out := make([]InstanceStatus, 0, len(o.table))
	for _, inst := range o.table {
		if inst.pending {
			continue
		}
		out = append(out, inst.snapshot())
	}
	o.mu.Unlock()

	slices.SortFunc(out, func(a, b InstanceStatus) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

// Status returns the snapshot of one instance.
func (o *Orchestrator) Status(name string) (InstanceStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	inst, ok := o.table[name]
	if !ok || inst.pending {
		return InstanceStatus{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return inst.snapshot(), nil
}

// Job returns a copy of the job record for name.
func (o *Orchestrator) Job(name string) (JobRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	inst, ok := o.table[name]
	if !ok || inst.pending {
		return JobRecord{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	job := o.jobLocked(inst)
	if job == nil {
		return JobRecord{}, fmt.Errorf("%w: no job record for %s", ErrNotFound, name)
	}
	return *job, nil
}

// Logs returns the stderr ring of an instance.
func (o *Orchestrator) Logs(name string) (*LogBuffer, error) {
	inst, _, err := o.lookup(name)
	if err != nil {
		return nil, err
	}
	return inst.logs, nil
}

// MarkReady stamps the startup latency of an instance whose readiness was
// detected outside its stdout. Later calls are no-ops.
func (o *Orchestrator) MarkReady(name string) error {
	now := time.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	inst, ok := o.table[name]
	if !ok || inst.pending {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if job := o.jobLocked(inst); job != nil {
		stampReady(job, now)
	}
	return nil
}

func stampReady(job *JobRecord, at time.Time) {
	if job.StartupCaptured {
		return
	}
	job.StartupCaptured = true
	job.StartupLatency = at.Sub(job.StartTime)
}

// Close stops the monitor and removes every instance. Instances still running
// when ctx ends are killed.
func (o *Orchestrator) Close(ctx context.Context) error {
	var errs []error
	o.closeOnce.Do(func() {
		o.logger.Info("Stopping orchestrator...")
		o.mu.Lock()
		o.closed = true
		names := make([]string, 0, len(o.table))
		for name, inst := range o.table {
			if !inst.pending && !inst.removing {
				names = append(names, name)
			}
		}
		o.mu.Unlock()

		close(o.stopChan)
		o.wg.Wait()

		for _, name := range names {
			if err := o.Remove(ctx, name); err != nil && !errors.Is(err, ErrNotFound) {
				errs = append(errs, err)
			}
		}
		o.streams.Wait()
		o.logger.Info("Orchestrator stopped.", "removed", len(names))
	})
	return errors.Join(errs...)
}

func (o *Orchestrator) record(ctx context.Context, e history.Event) {
	if o.history == nil {
		return
	}
	if err := o.history.Record(context.WithoutCancel(ctx), e); err != nil {
		o.logger.Warn("Failed to record history event", "instance", e.Instance, "event", e.EventType, "error", err)
	}
}

// buildEnv returns the host environment plus extra, in a stable order.
func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		env = append(env, k+"="+extra[k])
	}
	return env
}
