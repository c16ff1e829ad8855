package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/rgesrger/jdmodeltests/junctiond/processes"
)

const (
	warmConnectTimeout = 2 * time.Second
	warmWriteTimeout   = 10 * time.Second
	warmReadTimeout    = 10 * time.Second
	readyPollInterval  = 50 * time.Millisecond
)

// warmState tracks the single warm instance. mu is held across the whole
// ensure step so concurrent first requests spawn once.
type warmState struct {
	mu        sync.Mutex
	started   bool
	port      int
	allocated bool
}

// InferWarm handles POST /infer_warm.
func (g *Gateway) InferWarm(w http.ResponseWriter, r *http.Request) {
	req, err := decodeInferRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	port, err := g.EnsureWarm(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(payload))
	r.ContentLength = int64(len(payload))
	r.Header.Set("Content-Type", "application/json")

	g.warmProxy(port).ServeHTTP(w, r)
}

// EnsureWarm starts the warm instance if it is not running and returns the
// port it serves on. An instance that exited or was removed is replaced.
func (g *Gateway) EnsureWarm(ctx context.Context) (int, error) {
	g.warm.mu.Lock()
	defer g.warm.mu.Unlock()

	if g.warm.started {
		st, err := g.orc.Status(WarmInstanceName)
		if err == nil && st.Running {
			return g.warm.port, nil
		}
		g.logger.Warn("Warm instance is gone, respawning", "instance", WarmInstanceName, "error", err)
		g.resetWarmLocked(ctx)
	}

	port, err := g.warmPortLocked()
	if err != nil {
		return 0, err
	}

	spec := processes.FunctionSpec{
		Name:     WarmInstanceName,
		ExecPath: g.cfg.ServicePath,
		Args:     fmt.Sprintf("--model-path %s --host 0.0.0.0 --port %d", g.cfg.ModelPath, port),
		CPU:      warmCPU,
		MemoryMB: warmMemoryMB,
	}
	adopted := false
	err = g.orc.Spawn(ctx, spec)
	if errors.Is(err, processes.ErrInstanceExists) {
		// Spawned through the control routes; adopt it if it is up.
		if st, stErr := g.orc.Status(WarmInstanceName); stErr == nil && st.Running {
			err, adopted = nil, true
		}
	}
	if err != nil {
		g.releaseWarmPortLocked()
		return 0, fmt.Errorf("failed to spawn warm instance: %w", err)
	}
	if adopted {
		g.logger.Info("Adopting existing warm instance", "instance", WarmInstanceName, "port", port)
	} else {
		g.cfg.Metrics.warmSpawned()
	}

	if err := g.waitReady(ctx, port); err != nil {
		g.resetWarmLocked(ctx)
		return 0, err
	}
	if err := g.orc.MarkReady(WarmInstanceName); err != nil {
		g.logger.Warn("Failed to mark warm instance ready", "error", err)
	}

	g.warm.started = true
	g.logger.Info("Warm instance ready", "instance", WarmInstanceName, "port", port)
	return port, nil
}

func (g *Gateway) warmPortLocked() (int, error) {
	if g.cfg.WarmPort != 0 {
		g.warm.port = g.cfg.WarmPort
		return g.warm.port, nil
	}
	if g.warm.allocated {
		return g.warm.port, nil
	}
	port, err := g.cfg.Ports.AllocatePort()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate warm port: %w", err)
	}
	g.warm.port = port
	g.warm.allocated = true
	return port, nil
}

func (g *Gateway) releaseWarmPortLocked() {
	if g.warm.allocated {
		g.cfg.Ports.ReleasePort(g.warm.port)
		g.warm.allocated = false
	}
}

// resetWarmLocked removes whatever is left of the warm instance.
func (g *Gateway) resetWarmLocked(ctx context.Context) {
	if err := g.orc.Remove(ctx, WarmInstanceName); err != nil && !errors.Is(err, processes.ErrNotFound) {
		g.logger.Warn("Failed to remove stale warm instance", "error", err)
	}
	g.releaseWarmPortLocked()
	g.warm.started = false
}

// waitReady polls the warm service port until it accepts connections, the
// instance exits, or WarmStartupTimeout passes.
func (g *Gateway) waitReady(ctx context.Context, port int) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.WarmStartupTimeout)
	defer cancel()

	addr := net.JoinHostPort(g.cfg.WarmHost, strconv.Itoa(port))
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		conn, err := net.DialTimeout("tcp", addr, warmConnectTimeout)
		if err == nil {
			conn.Close()
			return nil
		}
		if st, stErr := g.orc.Status(WarmInstanceName); stErr != nil || !st.Running {
			return fmt.Errorf("warm instance exited before listening on %s", addr)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("warm instance not ready on %s: %w", addr, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (g *Gateway) warmProxy(port int) *httputil.ReverseProxy {
	host := net.JoinHostPort(g.cfg.WarmHost, strconv.Itoa(port))
	return &httputil.ReverseProxy{
		Transport: g.proxy,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = "http"
			pr.Out.URL.Host = host
			pr.Out.URL.Path = "/infer"
			pr.Out.URL.RawPath = ""
			pr.Out.URL.RawQuery = ""
			pr.Out.Host = host
			pr.SetXForwarded()
			if id := middleware.GetReqID(pr.In.Context()); id != "" {
				pr.Out.Header.Set(middleware.RequestIDHeader, id)
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("warm service error status %d", resp.StatusCode)
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			var netErr net.Error
			msg := err.Error()
			if errors.As(err, &netErr) || errors.Is(err, net.ErrClosed) {
				msg = "warm service unreachable: " + msg
			}
			g.logger.Error("Warm proxy failed", "target", host, "error", err)
			writeError(w, http.StatusInternalServerError, msg)
		},
	}
}

// newWarmTransport bounds each phase of a warm call: connect, writing the
// request and waiting for the response headers.
func newWarmTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: warmConnectTimeout}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &writeDeadlineConn{Conn: conn, timeout: warmWriteTimeout}, nil
		},
		ResponseHeaderTimeout: warmReadTimeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}

// writeDeadlineConn arms a fresh write deadline before every Write.
type writeDeadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *writeDeadlineConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}
