package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rgesrger/jdmodeltests/junctiond/api"
	"github.com/rgesrger/jdmodeltests/junctiond/config"
	"github.com/rgesrger/jdmodeltests/junctiond/history"
	"github.com/rgesrger/jdmodeltests/junctiond/manifest"
	"github.com/rgesrger/jdmodeltests/junctiond/processes"
	"github.com/rgesrger/jdmodeltests/junctiond/rpc"
)

const shutdownTimeout = 15 * time.Second

func main() {
	defaults := config.DefaultDaemon()
	configPath := flag.String("config", "", "TOML config file")
	httpAddr := flag.String("http-addr", defaults.HTTPAddr, "HTTP control-plane listen address")
	rpcSocket := flag.String("rpc-socket", defaults.RPCSocket, "gRPC unix socket, empty disables RPC")
	launcher := flag.String("launcher", defaults.Launcher, "Path to junction_run")
	workspace := flag.String("workspace", defaults.Workspace, "Root directory for instance workspaces")
	historyDB := flag.String("history-db", defaults.HistoryDB, "sqlite job history, relative to the workspace; empty disables")
	functions := flag.String("functions", "", "YAML manifest of functions to spawn at boot")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	cfg, err := config.LoadDaemon(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	var flagErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http-addr":
			cfg.HTTPAddr = *httpAddr
		case "rpc-socket":
			cfg.RPCSocket = *rpcSocket
		case "launcher":
			cfg.Launcher = *launcher
		case "workspace":
			cfg.Workspace = *workspace
		case "history-db":
			cfg.HistoryDB = *historyDB
		case "functions":
			cfg.Functions = *functions
		case "log-level":
			cfg.LogLevel, flagErr = config.ParseLevel(*logLevel)
		}
	})
	if flagErr != nil {
		fmt.Fprintln(os.Stderr, flagErr)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, cfg, logger)
	stop()
	os.Exit(code)
}

// run serves the daemon until ctx ends or a server fails, then removes every
// instance. It returns the process exit code.
func run(ctx context.Context, cfg config.Daemon, logger *slog.Logger) int {
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	logger.Info("Starting junctiond",
		"http_addr", cfg.HTTPAddr,
		"rpc_socket", cfg.RPCSocket,
		"launcher", cfg.Launcher,
		"workspace", cfg.Workspace)

	if _, err := os.Stat(cfg.Launcher); err != nil {
		logger.Error("Launcher not found", "path", cfg.Launcher, "error", err)
		return 1
	}
	if err := os.MkdirAll(cfg.Workspace, 0755); err != nil {
		logger.Error("Failed to create workspace", "path", cfg.Workspace, "error", err)
		return 1
	}

	var store *history.Store
	if cfg.HistoryDB != "" {
		dbPath := cfg.HistoryDB
		if !filepath.IsAbs(dbPath) {
			dbPath = filepath.Join(cfg.Workspace, dbPath)
		}
		var err error
		store, err = history.Open(dbPath)
		if err != nil {
			logger.Error("Failed to open job history", "path", dbPath, "error", err)
			return 1
		}
		defer store.Close()
		if cfg.HistoryRetention > 0 {
			if n, err := store.DeleteOlderThan(ctx, cfg.HistoryRetention); err != nil {
				logger.Warn("Failed to prune job history", "error", err)
			} else if n > 0 {
				logger.Info("Pruned job history", "deleted", n)
			}
		}
		logger.Info("Job history initialized", "path", dbPath)
	}

	metrics := processes.NewMetrics("junctiond")
	orcConfig := processes.Config{
		LauncherPath:    cfg.Launcher,
		WorkspaceRoot:   cfg.Workspace,
		Runtime:         &cfg.Runtime,
		MonitorInterval: cfg.MonitorInterval,
		Logger:          logger,
		Metrics:         metrics,
	}
	if store != nil {
		orcConfig.History = store
	}
	orc, err := processes.New(orcConfig)
	if err != nil {
		logger.Error("Failed to create orchestrator", "error", err)
		return 1
	}

	apiOpts := api.Options{
		Gatherer:       metrics.Registry(),
		CollectTimeout: cfg.CollectTimeout,
		RemoveTimeout:  cfg.RemoveTimeout,
		Logger:         logger,
	}
	if store != nil {
		apiOpts.History = store
	}
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(orc, apiOpts).Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 3)
	if cfg.Functions != "" {
		if m, err := manifest.Load(cfg.Functions); err != nil {
			errCh <- fmt.Errorf("load function manifest %s: %w", cfg.Functions, err)
		} else {
			if err := m.Apply(ctx, orc); err != nil {
				logger.Warn("Some manifest functions failed to spawn", "error", err)
			}
			logger.Info("Function manifest applied", "path", cfg.Functions, "functions", len(m.Functions))
		}
	}

	go func() {
		logger.Info("Starting HTTP control plane", "address", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.RPCSocket != "" {
		if lis, err := rpc.ListenUnix(cfg.RPCSocket); err != nil {
			errCh <- fmt.Errorf("rpc listen: %w", err)
		} else {
			grpcServer := rpc.NewServer(rpc.NewService(orc, cfg.RemoveTimeout, logger), logger)
			go func() {
				logger.Info("Starting RPC server", "socket", cfg.RPCSocket)
				if err := rpc.Serve(ctx, grpcServer, lis); err != nil {
					errCh <- fmt.Errorf("rpc server: %w", err)
				}
			}()
		}
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("Received signal, initiating graceful shutdown...")
	case err := <-errCh:
		logger.Error("Server failed", "error", err)
		exitCode = 1
	}
	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", "error", err)
	}
	if err := orc.Close(shutdownCtx); err != nil {
		logger.Error("Error stopping orchestrator", "error", err)
	}
	logger.Info("junctiond stopped")
	return exitCode
}
