package processes

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

const (
	defaultCPU      = 1
	defaultMemoryMB = 128
)

var (
	ErrNotFound       = errors.New("instance not found")
	ErrInstanceExists = errors.New("instance already running")
	ErrInvalidSpec    = errors.New("invalid function spec")
	ErrNoOutput       = errors.New("instance has no output stream")
	ErrClosed         = errors.New("orchestrator is closed")
)

var instanceNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// FunctionSpec describes one function to run under the launcher. It is owned by
// the caller and only read during Spawn.
type FunctionSpec struct {
	Name     string            `json:"name" yaml:"name"`
	ExecPath string            `json:"execpath" yaml:"execpath"`
	Args     string            `json:"args,omitempty" yaml:"args,omitempty"`
	CPU      int               `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	MemoryMB int               `json:"memoryMB,omitempty" yaml:"memoryMB,omitempty"`
	Env      map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Validate checks the fields Spawn depends on. The name doubles as a path
// component for the instance workspace, so it is restricted to a safe charset.
func (s FunctionSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}
	if s.Name == "." || s.Name == ".." || !instanceNamePattern.MatchString(s.Name) {
		return fmt.Errorf("%w: name %q may only contain letters, digits, '.', '_' and '-'", ErrInvalidSpec, s.Name)
	}
	if s.ExecPath == "" {
		return fmt.Errorf("%w: execpath is required", ErrInvalidSpec)
	}
	if s.CPU < 0 || s.MemoryMB < 0 {
		return fmt.Errorf("%w: cpu and memoryMB must not be negative", ErrInvalidSpec)
	}
	return nil
}

// withDefaults fills the declared resource hints. They are recorded on the
// instance but not enforced or written into the descriptor.
func (s FunctionSpec) withDefaults() FunctionSpec {
	if s.CPU <= 0 {
		s.CPU = defaultCPU
	}
	if s.MemoryMB <= 0 {
		s.MemoryMB = defaultMemoryMB
	}
	return s
}

// InstanceStatus is a point-in-time snapshot of one Status Table entry.
type InstanceStatus struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	ExitCode  int       `json:"exit_code"` // -1 while running or when unknown
	StartedAt time.Time `json:"started_at"`
	CPU       int       `json:"cpu"`
	MemoryMB  int       `json:"memoryMB"`
}

// JobRecord carries the timing metadata of a spawned instance.
type JobRecord struct {
	Name            string
	PID             int
	StartTime       time.Time
	StartupCaptured bool
	StartupLatency  time.Duration
}

// JobResult is returned by Collect. Latencies are in seconds, -1 when unavailable.
type JobResult struct {
	Name           string  `json:"name"`
	Output         string  `json:"output"`
	Stderr         string  `json:"stderr,omitempty"`
	ExitCode       int     `json:"exit_code"`
	StartupSeconds float64 `json:"startup_seconds"`
	TotalSeconds   float64 `json:"total_seconds"`
}

func emptyResult(name string) JobResult {
	return JobResult{
		Name:           name,
		ExitCode:       -1,
		StartupSeconds: -1,
		TotalSeconds:   -1,
	}
}

// instance is the Status Table entry. Fields are guarded by Orchestrator.mu
// except collectSem, which serialises collects.
type instance struct {
	spec       FunctionSpec
	handle     Handle
	pid        int
	running    bool
	pending    bool // name reserved, launch in progress
	removing   bool
	exit       ExitStatus
	configPath string
	workspace  string
	startedAt  time.Time
	logs       *LogBuffer
	stdout     *outputStream // nil when the handle has no output stream

	collectSem chan struct{}
}

func (inst *instance) snapshot() InstanceStatus {
	exitCode := -1
	if !inst.running {
		exitCode = inst.exit.Code
	}
	return InstanceStatus{
		Name:      inst.spec.Name,
		Running:   inst.running,
		PID:       inst.pid,
		ExitCode:  exitCode,
		StartedAt: inst.startedAt,
		CPU:       inst.spec.CPU,
		MemoryMB:  inst.spec.MemoryMB,
	}
}
