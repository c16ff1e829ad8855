package processes

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rgesrger/jdmodeltests/junctiond/history"
)

// fakeLauncherScript stands in for junction_run: it checks the descriptor
// exists, drops "<config> --" and execs the target.
const fakeLauncherScript = `cfg="$1"
shift
[ "$1" = "--" ] && shift
[ -f "$cfg" ] || { echo "missing config $cfg" >&2; exit 97; }
exec "$@"
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatalf("failed to write script %s: %v", name, err)
	}
	return path
}

type testEnv struct {
	dir string
	orc *Orchestrator
	rec *recordingHistory
}

func (e *testEnv) script(t *testing.T, name, body string) string {
	return writeScript(t, e.dir, name, body)
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	rec := &recordingHistory{}
	cfg := Config{
		LauncherPath:    writeScript(t, dir, "junction_run", fakeLauncherScript),
		WorkspaceRoot:   filepath.Join(dir, "workspace"),
		MonitorInterval: 20 * time.Millisecond,
		Logger:          discardLogger(),
		History:         rec,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	orc, err := New(cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orc.Close(ctx)
	})
	return &testEnv{dir: dir, orc: orc, rec: rec}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type recordingHistory struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *recordingHistory) Record(_ context.Context, e history.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingHistory) types(instance string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Instance == instance {
			out = append(out, e.EventType)
		}
	}
	return out
}

func (r *recordingHistory) count(instance, eventType string) int {
	n := 0
	for _, t := range r.types(instance) {
		if t == eventType {
			n++
		}
	}
	return n
}

// fakeHandle is an in-memory Handle whose exit is driven by the test.
type fakeHandle struct {
	pid     int
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter

	mu      sync.Mutex
	signals []syscall.Signal
	done    chan struct{}
	status  ExitStatus
	once    sync.Once
}

func newFakeHandle(pid int) *fakeHandle {
	outR, outW := io.Pipe()
	inR, inW := io.Pipe()
	return &fakeHandle{
		pid:     pid,
		stdoutR: outR,
		stdoutW: outW,
		stdinR:  inR,
		stdinW:  inW,
		done:    make(chan struct{}),
	}
}

func (h *fakeHandle) exit(code int) {
	h.once.Do(func() {
		h.status = ExitStatus{Code: code, ExitedAt: time.Now()}
		close(h.done)
	})
}

func (h *fakeHandle) PID() int          { return h.pid }
func (h *fakeHandle) Input() io.Writer  { return h.stdinW }
func (h *fakeHandle) CloseInput() error { return h.stdinW.Close() }
func (h *fakeHandle) Output() io.Reader { return h.stdoutR }
func (h *fakeHandle) Stderr() io.Reader { return nil }

func (h *fakeHandle) Signal(sig syscall.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()
	select {
	case <-h.done:
		return os.ErrProcessDone
	default:
	}
	if sig == syscall.SIGTERM || sig == syscall.SIGKILL {
		h.exit(128 + int(sig))
	}
	return nil
}

func (h *fakeHandle) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-h.done:
		return h.status, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

func (h *fakeHandle) TryWait() (ExitStatus, bool) {
	select {
	case <-h.done:
		return h.status, true
	default:
		return ExitStatus{}, false
	}
}

func (h *fakeHandle) Close() error {
	h.stdoutR.Close()
	h.stdinW.Close()
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	commands []Command
	handles  []*fakeHandle
	err      error
}

func (l *fakeLauncher) Launch(c Command) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.commands = append(l.commands, c)
	h := newFakeHandle(1000 + len(l.handles))
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLauncher) last() (Command, *fakeHandle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commands[len(l.commands)-1], l.handles[len(l.handles)-1]
}
