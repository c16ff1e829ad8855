package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
)

// DefaultSocket is where junctiond listens unless configured otherwise.
const DefaultSocket = "/run/junctiond.sock"

// ListenUnix binds a unix socket at path, replacing a stale socket file left
// by a previous run.
func ListenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if fi, err := os.Stat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("%s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove stale socket %s: %w", path, err)
		}
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	return l, nil
}

// NewServer builds a gRPC server with the junction service registered and
// unary calls logged.
func NewServer(svc JunctionServiceServer, logger *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	s := grpc.NewServer(opts...)
	RegisterJunctionServiceServer(s, svc)
	return s
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("RPC handled", "method", info.FullMethod, "duration", time.Since(start), "error", err)
		return resp, err
	}
}

// Serve runs s on l until ctx ends, then stops it gracefully.
func Serve(ctx context.Context, s *grpc.Server, l net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(l)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.GracefulStop()
		<-errCh
		return nil
	}
}
