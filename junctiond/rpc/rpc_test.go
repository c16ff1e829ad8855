package rpc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rgesrger/jdmodeltests/junctiond/processes"
)

type memOrchestrator struct {
	mu    sync.Mutex
	table map[string]processes.FunctionSpec
}

func (m *memOrchestrator) Spawn(_ context.Context, spec processes.FunctionSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.table[spec.Name]; ok {
		return fmt.Errorf("%w: %s", processes.ErrInstanceExists, spec.Name)
	}
	m.table[spec.Name] = spec
	return nil
}

func (m *memOrchestrator) Remove(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.table[name]; !ok {
		return fmt.Errorf("%w: %s", processes.ErrNotFound, name)
	}
	delete(m.table, name)
	return nil
}

func (m *memOrchestrator) List() []processes.InstanceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []processes.InstanceStatus
	for name, spec := range m.table {
		out = append(out, processes.InstanceStatus{Name: name, Running: true, PID: spec.CPU})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func newBufconnClient(t *testing.T, orc Orchestrator) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(NewService(orc, time.Second, logger), logger)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client, err := NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestSpawnRemoveListRoundTrip(t *testing.T) {
	orc := &memOrchestrator{table: map[string]processes.FunctionSpec{}}
	client := newBufconnClient(t, orc)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := client.Spawn(ctx, &FunctionData{Name: "fn-b", ExecPath: "/bin/b", CPU: 7, Env: map[string]string{"K": "V"}})
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Equal(t, "Spawned", reply.Message)
	orc.mu.Lock()
	assert.Equal(t, "V", orc.table["fn-b"].Env["K"])
	orc.mu.Unlock()

	_, err = client.Spawn(ctx, &FunctionData{Name: "fn-a", ExecPath: "/bin/a", CPU: 3})
	require.NoError(t, err)

	list, err := client.List(ctx)
	require.NoError(t, err)
	require.Len(t, list.Functions, 2)
	assert.Equal(t, FunctionInfo{Name: "fn-a", Running: true, PID: 3}, list.Functions[0])
	assert.Equal(t, "fn-b", list.Functions[1].Name)

	reply, err = client.Remove(ctx, "fn-a")
	require.NoError(t, err)
	assert.True(t, reply.Success)

	reply, err = client.Remove(ctx, "fn-a")
	require.NoError(t, err)
	assert.False(t, reply.Success)

	list, err = client.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list.Functions, 1)
}

func TestDuplicateSpawnReportsFailure(t *testing.T) {
	orc := &memOrchestrator{table: map[string]processes.FunctionSpec{}}
	client := newBufconnClient(t, orc)
	ctx := context.Background()

	_, err := client.Spawn(ctx, &FunctionData{Name: "dup", ExecPath: "/bin/x"})
	require.NoError(t, err)
	reply, err := client.Spawn(ctx, &FunctionData{Name: "dup", ExecPath: "/bin/x"})
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.Contains(t, reply.Message, "already running")
}

func TestSpawnInvalidArgument(t *testing.T) {
	client := newBufconnClient(t, &memOrchestrator{table: map[string]processes.FunctionSpec{}})
	ctx := context.Background()

	_, err := client.Spawn(ctx, &FunctionData{Name: "no-exec"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Spawn(ctx, &FunctionData{Name: "bad/name", ExecPath: "/bin/x"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Remove(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestListenUnixReplacesStaleSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "jd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "j.sock")

	first, err := ListenUnix(path)
	require.NoError(t, err)
	// Leave the socket file behind the way a crashed daemon would.
	first.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, first.Close())

	second, err := ListenUnix(path)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "plain"), []byte("x"), 0644))
	_, err = ListenUnix(filepath.Join(dir, "plain"))
	assert.Error(t, err, "regular files must not be replaced")
}

func TestServeOverUnixSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "jd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "junctiond.sock")

	lis, err := ListenUnix(path)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orc := &memOrchestrator{table: map[string]processes.FunctionSpec{}}
	srv := NewServer(NewService(orc, time.Second, logger), logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, srv, lis) }()

	client, err := Dial(path)
	require.NoError(t, err)
	defer client.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()
	reply, err := client.Spawn(callCtx, &FunctionData{Name: "sock", ExecPath: "/bin/x"})
	require.NoError(t, err)
	assert.True(t, reply.Success)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}
