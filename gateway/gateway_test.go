package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgesrger/jdmodeltests/junctiond/history"
	"github.com/rgesrger/jdmodeltests/junctiond/processes"
)

const warmServiceEnv = "GATEWAY_TEST_WARM_SERVICE"

// The warm service used in tests is this test binary re-executed with
// warmServiceEnv set.
func TestMain(m *testing.M) {
	if os.Getenv(warmServiceEnv) == "1" {
		runWarmService(os.Args[1:])
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runWarmService(args []string) {
	fs := flag.NewFlagSet("warm-service", flag.ExitOnError)
	fs.String("model-path", "", "")
	host := fs.String("host", "0.0.0.0", "")
	port := fs.Int("port", 0, "")
	fs.Parse(args)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /infer", func(w http.ResponseWriter, r *http.Request) {
		var req InferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.InputIDs) > 0 && req.InputIDs[0] < 0 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, InferResponse{
			Logits: []float64{float64(len(req.InputIDs)), 0},
			Probs:  []float64{0.25, 0.75},
			Label:  "POSITIVE",
		})
	})
	http.ListenAndServe(net.JoinHostPort(*host, strconv.Itoa(*port)), mux)
}

const fakeLauncherScript = `#!/bin/sh
cfg="$1"
shift
[ "$1" = "--" ] && shift
[ -f "$cfg" ] || { echo "missing config $cfg" >&2; exit 97; }
export ` + warmServiceEnv + `=1
exec "$@"
`

type countingOrchestrator struct {
	*processes.Orchestrator
	spawns atomic.Int32
}

func (c *countingOrchestrator) Spawn(ctx context.Context, spec processes.FunctionSpec) error {
	c.spawns.Add(1)
	return c.Orchestrator.Spawn(ctx, spec)
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

func (r *recordingHistory) ofType(t history.EventType) []history.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []history.Event
	for _, e := range r.events {
		if e.EventType == string(t) {
			out = append(out, e)
		}
	}
	return out
}

// refusingLauncher fails the test if a cold run is attempted.
type refusingLauncher struct {
	t *testing.T
}

func (l refusingLauncher) Launch(processes.Command) (processes.Handle, error) {
	l.t.Errorf("unexpected launch")
	return nil, errors.New("launch refused")
}

type testGateway struct {
	gw        *Gateway
	orc       *countingOrchestrator
	rec       *recordingHistory
	reg       *prometheus.Registry
	metrics   *Metrics
	dir       string
	configDir string
	server    *httptest.Server
}

func newTestGateway(t *testing.T, handlerBody string, mutate ...func(*Config)) *testGateway {
	t.Helper()
	dir := t.TempDir()
	launcher := filepath.Join(dir, "junction_run")
	require.NoError(t, os.WriteFile(launcher, []byte(fakeLauncherScript), 0755))
	handler := filepath.Join(dir, "distilbert_infer")
	require.NoError(t, os.WriteFile(handler, []byte("#!/bin/sh\n"+handlerBody), 0755))
	configDir := filepath.Join(dir, "cfg")
	require.NoError(t, os.MkdirAll(configDir, 0755))

	self, err := os.Executable()
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := &recordingHistory{}
	inner, err := processes.New(processes.Config{
		LauncherPath:    launcher,
		WorkspaceRoot:   filepath.Join(dir, "workspace"),
		MonitorInterval: 20 * time.Millisecond,
		Logger:          logger,
		History:         rec,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		inner.Close(ctx)
	})
	orc := &countingOrchestrator{Orchestrator: inner}

	ports, err := processes.NewPortManager(38100, 38199)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	cfg := Config{
		ModelPath:          "/models/distilbert.onnx",
		HandlerPath:        handler,
		ServicePath:        self,
		Launcher:           launcher,
		WarmHost:           "127.0.0.1",
		Ports:              ports,
		ConfigDir:          configDir,
		WarmStartupTimeout: 10 * time.Second,
		Orchestrator:       orc,
		History:            rec,
		Metrics:            metrics,
		Gatherer:           reg,
		Logger:             logger,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	gw, err := New(cfg)
	require.NoError(t, err)

	server := httptest.NewServer(gw.Router())
	t.Cleanup(server.Close)

	return &testGateway{
		gw:        gw,
		orc:       orc,
		rec:       rec,
		reg:       reg,
		metrics:   metrics,
		dir:       dir,
		configDir: configDir,
		server:    server,
	}
}

func (tg *testGateway) post(t *testing.T, path, body string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(tg.server.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &out), "body: %s", data)
	return resp.StatusCode, out
}

func (tg *testGateway) assertConfigDirEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(tg.configDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "cold descriptors must be removed")
}

const okHandler = `[ "$1" = "/models/distilbert.onnx" ] || { echo "bad model $1" >&2; exit 3; }
[ "$2" = "101 2023 102" ] || { echo "bad ids $2" >&2; exit 3; }
[ "$3" = "1 1 1" ] || { echo "bad mask $3" >&2; exit 3; }
[ "$4" = "--json" ] || { echo "missing --json" >&2; exit 3; }
printf '{"logits":[-1.5,2.5],"probs":[0.02,0.98],"label":"POSITIVE"}'
`

const sampleBody = `{"input_ids":[101,2023,102],"attention_mask":[1,1,1]}`

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no orchestrator", Config{ModelPath: "m", HandlerPath: "h", ServicePath: "s", Launcher: "l", WarmPort: 9000}},
		{"no model", Config{Orchestrator: &countingOrchestrator{}, HandlerPath: "h", ServicePath: "s", Launcher: "l", WarmPort: 9000}},
		{"no launcher", Config{Orchestrator: &countingOrchestrator{}, ModelPath: "m", HandlerPath: "h", ServicePath: "s", WarmPort: 9000}},
		{"port zero without manager", Config{Orchestrator: &countingOrchestrator{}, ModelPath: "m", HandlerPath: "h", ServicePath: "s", Launcher: "l"}},
		{"bad port", Config{Orchestrator: &countingOrchestrator{}, ModelPath: "m", HandlerPath: "h", ServicePath: "s", Launcher: "l", WarmPort: 70000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestInvalidRequestsNeverLaunch(t *testing.T) {
	tg := newTestGateway(t, okHandler, func(c *Config) {
		c.Exec = refusingLauncher{t: t}
	})

	bodies := map[string]string{
		"length mismatch": `{"input_ids":[1,2,3],"attention_mask":[1,1]}`,
		"empty":           `{"input_ids":[],"attention_mask":[]}`,
		"missing mask":    `{"input_ids":[1]}`,
		"not arrays":      `{"input_ids":"1 2","attention_mask":"1 1"}`,
		"malformed":       `{"input_ids":[1`,
	}
	for _, path := range []string{"/infer", "/infer_warm"} {
		for name, body := range bodies {
			t.Run(path+" "+name, func(t *testing.T) {
				status, out := tg.post(t, path, body)
				assert.Equal(t, http.StatusBadRequest, status)
				assert.NotEmpty(t, out["error"])
			})
		}
	}

	assert.Zero(t, tg.orc.spawns.Load(), "validation failures must not spawn")
	assert.Empty(t, tg.orc.List())
	tg.assertConfigDirEmpty(t)
	assert.Equal(t, float64(10), testutil.ToFloat64(tg.metrics.requests.WithLabelValues("/infer", "rejected"))+
		testutil.ToFloat64(tg.metrics.requests.WithLabelValues("/infer_warm", "rejected")))
}

func TestColdInferSuccess(t *testing.T) {
	tg := newTestGateway(t, okHandler)

	status, out := tg.post(t, "/infer", sampleBody)
	require.Equal(t, http.StatusOK, status, "response: %v", out)
	assert.Equal(t, "POSITIVE", out["label"])
	assert.Equal(t, []interface{}{0.02, 0.98}, out["probs"])

	tg.assertConfigDirEmpty(t)
	assert.Empty(t, tg.orc.List(), "cold runs never enter the status table")

	runs := tg.rec.ofType(history.EventColdRun)
	require.Len(t, runs, 1)
	assert.True(t, strings.HasPrefix(runs[0].Instance, "infer-"))
	require.NotNil(t, runs[0].ExitCode)
	assert.Equal(t, 0, *runs[0].ExitCode)
	assert.Equal(t, float64(1), testutil.ToFloat64(tg.metrics.requests.WithLabelValues("/infer", "success")))
}

func TestColdInferFailureReportsExitCodeAndOutput(t *testing.T) {
	tg := newTestGateway(t, "echo boom >&2\necho partial\nexit 4\n")

	status, out := tg.post(t, "/infer", sampleBody)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "junction_run failed (code 4): boom\npartial\n", out["error"])
	tg.assertConfigDirEmpty(t)
}

func TestColdInferBadOutput(t *testing.T) {
	tg := newTestGateway(t, "echo not-json\n")

	status, out := tg.post(t, "/infer", sampleBody)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Contains(t, out["error"], "invalid handler output")
	tg.assertConfigDirEmpty(t)
}

func TestColdInferTimeoutKillsRun(t *testing.T) {
	tg := newTestGateway(t, "sleep 30\n", func(c *Config) {
		c.ColdTimeout = 200 * time.Millisecond
	})

	start := time.Now()
	status, out := tg.post(t, "/infer", sampleBody)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Contains(t, out["error"], "aborted")
	assert.Less(t, time.Since(start), 10*time.Second)
	tg.assertConfigDirEmpty(t)
}

func TestWarmConcurrentRequestsSpawnOnce(t *testing.T) {
	tg := newTestGateway(t, okHandler)

	const n = 8
	var wg sync.WaitGroup
	statuses := make([]int, n)
	labels := make([]interface{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := http.Post(tg.server.URL+"/infer_warm", "application/json", strings.NewReader(sampleBody))
			if !assert.NoError(t, err) {
				return
			}
			defer resp.Body.Close()
			var out map[string]interface{}
			json.NewDecoder(resp.Body).Decode(&out)
			statuses[i] = resp.StatusCode
			labels[i] = out["label"]
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.Equal(t, http.StatusOK, statuses[i])
		assert.Equal(t, "POSITIVE", labels[i])
	}
	assert.Equal(t, int32(1), tg.orc.spawns.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(tg.metrics.warmSpawns))

	st, err := tg.orc.Status(WarmInstanceName)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, warmCPU, st.CPU)
	assert.Equal(t, warmMemoryMB, st.MemoryMB)

	job, err := tg.orc.Job(WarmInstanceName)
	require.NoError(t, err)
	assert.True(t, job.StartupCaptured, "readiness should stamp startup latency")
}

func TestWarmAdoptsInstanceSpawnedThroughControlRoutes(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	tg := newTestGateway(t, okHandler, func(c *Config) { c.WarmPort = port })
	self, err := os.Executable()
	require.NoError(t, err)
	require.NoError(t, tg.orc.Orchestrator.Spawn(t.Context(), processes.FunctionSpec{
		Name:     WarmInstanceName,
		ExecPath: self,
		Args:     "--host 127.0.0.1 --port " + strconv.Itoa(port),
	}))

	status, out := tg.post(t, "/infer_warm", sampleBody)
	require.Equal(t, http.StatusOK, status, "response: %v", out)
	assert.Equal(t, "POSITIVE", out["label"])
	assert.Zero(t, testutil.ToFloat64(tg.metrics.warmSpawns), "adopting an instance is not a spawn")

	status, _ = tg.post(t, "/infer_warm", sampleBody)
	assert.Equal(t, http.StatusOK, status)
	assert.Zero(t, testutil.ToFloat64(tg.metrics.warmSpawns))
}

func TestWarmRespawnsAfterExit(t *testing.T) {
	tg := newTestGateway(t, okHandler)

	status, out := tg.post(t, "/infer_warm", sampleBody)
	require.Equal(t, http.StatusOK, status, "response: %v", out)

	st, err := tg.orc.Status(WarmInstanceName)
	require.NoError(t, err)
	require.NoError(t, syscall.Kill(st.PID, syscall.SIGKILL))
	require.Eventually(t, func() bool {
		st, err := tg.orc.Status(WarmInstanceName)
		return err == nil && !st.Running
	}, 5*time.Second, 10*time.Millisecond)

	status, out = tg.post(t, "/infer_warm", sampleBody)
	require.Equal(t, http.StatusOK, status, "response: %v", out)
	assert.Equal(t, int32(2), tg.orc.spawns.Load())

	st2, err := tg.orc.Status(WarmInstanceName)
	require.NoError(t, err)
	assert.True(t, st2.Running)
	assert.NotEqual(t, st.PID, st2.PID)
}

func TestWarmServiceErrorStatus(t *testing.T) {
	tg := newTestGateway(t, okHandler)

	status, out := tg.post(t, "/infer_warm", `{"input_ids":[-1],"attention_mask":[1]}`)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "warm service error status 503", out["error"])
	assert.Equal(t, float64(1), testutil.ToFloat64(tg.metrics.requests.WithLabelValues("/infer_warm", "error")))
}

func TestWarmInstanceThatNeverListens(t *testing.T) {
	tg := newTestGateway(t, okHandler, func(c *Config) {
		c.ServicePath = filepath.Join(t.TempDir(), "missing-service")
	})

	status, out := tg.post(t, "/infer_warm", sampleBody)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Contains(t, out["error"], "exited before listening")

	_, err := tg.orc.Status(WarmInstanceName)
	assert.ErrorIs(t, err, processes.ErrNotFound, "a failed warm start is cleaned up")
}

func TestPassThroughRoutes(t *testing.T) {
	tg := newTestGateway(t, okHandler)

	status, out := tg.post(t, "/spawn", `{"name":"sleeper","execpath":"/bin/sleep","args":"30"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["success"])

	resp, err := http.Get(tg.server.URL + "/list")
	require.NoError(t, err)
	var list []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list, 1)
	assert.Equal(t, "sleeper", list[0]["name"])

	status, out = tg.post(t, "/remove", `{"name":"sleeper"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["success"])

	resp, err = http.Get(tg.server.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	tg.post(t, "/infer", `{}`)
	resp, err = http.Get(tg.server.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, bytes.Contains(body, []byte(`gateway_requests_total{outcome="rejected",path="/infer"} 1`)), "metrics: %s", body)
}
