package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rgesrger/jdmodeltests/gateway"
	"github.com/rgesrger/jdmodeltests/junctiond/config"
	"github.com/rgesrger/jdmodeltests/junctiond/history"
	"github.com/rgesrger/jdmodeltests/junctiond/processes"
)

func main() {
	binDir := "."
	if exe, err := os.Executable(); err == nil {
		binDir = filepath.Dir(exe)
	}
	defaults := config.DefaultGateway(binDir)

	configPath := flag.String("config", "", "TOML config file")
	modelPath := flag.String("model-path", "", "Path to the model file (required)")
	host := flag.String("host", defaults.Host, "Listen host")
	port := flag.Int("port", defaults.Port, "Listen port")
	handlerPath := flag.String("handler-path", defaults.HandlerPath, "Cold path executable")
	servicePath := flag.String("service-path", defaults.ServicePath, "Warm path service executable")
	junctionRun := flag.String("junction-run", defaults.Launcher, "Path to junction_run")
	warmHost := flag.String("warm-host", defaults.WarmHost, "Address the warm service is reached on")
	warmPort := flag.Int("warm-port", defaults.WarmPort, "Warm service port, 0 picks one from the warm port range")
	historyDB := flag.String("history-db", "", "sqlite job history; empty disables")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"Usage: %s --model-path /path/to/distilbert.onnx [--host 0.0.0.0] [--port 8080]"+
				" [--handler-path /path/to/distilbert_infer] [--service-path /path/to/distilbert_service]"+
				" [--junction-run /path/to/junction_run] [--warm-port 9000]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.LoadGateway(*configPath, binDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	var flagErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "model-path":
			cfg.ModelPath = *modelPath
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		case "handler-path":
			cfg.HandlerPath = *handlerPath
		case "service-path":
			cfg.ServicePath = *servicePath
		case "junction-run":
			cfg.Launcher = *junctionRun
		case "warm-host":
			cfg.WarmHost = *warmHost
		case "warm-port":
			cfg.WarmPort = *warmPort
		case "log-level":
			cfg.LogLevel, flagErr = config.ParseLevel(*logLevel)
		}
	})
	if flagErr != nil {
		fmt.Fprintln(os.Stderr, flagErr)
		os.Exit(1)
	}

	if err := checkPaths(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		flag.Usage()
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	logger.Info("Gateway config",
		"model", cfg.ModelPath,
		"handler", cfg.HandlerPath,
		"service", cfg.ServicePath,
		"junction_run", cfg.Launcher,
		"host", cfg.Host,
		"port", cfg.Port,
		"warm_host", cfg.WarmHost,
		"warm_port", cfg.WarmPort)

	var store *history.Store
	if *historyDB != "" {
		store, err = history.Open(*historyDB)
		if err != nil {
			logger.Error("Failed to open job history", "path", *historyDB, "error", err)
			os.Exit(1)
		}
		defer store.Close()
	}

	metrics := processes.NewMetrics("junctiond")
	orcConfig := processes.Config{
		LauncherPath:  cfg.Launcher,
		WorkspaceRoot: cfg.Workspace,
		Runtime:       &cfg.Runtime,
		Logger:        logger,
		Metrics:       metrics,
	}
	gwConfig := gateway.Config{
		ModelPath:          cfg.ModelPath,
		HandlerPath:        cfg.HandlerPath,
		ServicePath:        cfg.ServicePath,
		Launcher:           cfg.Launcher,
		WarmHost:           cfg.WarmHost,
		WarmPort:           cfg.WarmPort,
		ConfigDir:          cfg.ConfigDir,
		Runtime:            &cfg.Runtime,
		ColdTimeout:        cfg.ColdTimeout,
		WarmStartupTimeout: cfg.WarmStartupTimeout,
		Metrics:            gateway.NewMetrics(metrics.Registry()),
		Gatherer:           metrics.Registry(),
		Logger:             logger,
	}
	if store != nil {
		orcConfig.History = store
		gwConfig.History = store
	}
	if cfg.WarmPort == 0 {
		gwConfig.Ports, err = processes.NewPortManager(cfg.WarmPortMin, cfg.WarmPortMax)
		if err != nil {
			logger.Error("Failed to create PortManager", "error", err)
			os.Exit(1)
		}
	}

	orc, err := processes.New(orcConfig)
	if err != nil {
		logger.Error("Failed to create orchestrator", "error", err)
		os.Exit(1)
	}
	gwConfig.Orchestrator = orc
	gw, err := gateway.New(gwConfig)
	if err != nil {
		logger.Error("Failed to create gateway", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Gateway listening", "address", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("Received signal, initiating graceful shutdown...")
	case err := <-errCh:
		logger.Error("Gateway server failed", "error", err)
		exitCode = 1
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", "error", err)
	}
	if err := orc.Close(shutdownCtx); err != nil {
		logger.Error("Error stopping orchestrator", "error", err)
	}
	logger.Info("Gateway stopped")

	if exitCode != 0 {
		if store != nil {
			store.Close()
		}
		os.Exit(exitCode)
	}
}

// checkPaths verifies the model path is set and every executable exists.
func checkPaths(cfg config.Gateway) error {
	if cfg.ModelPath == "" {
		return errors.New("--model-path is required")
	}
	for name, path := range map[string]string{
		"distilbert_infer":   cfg.HandlerPath,
		"distilbert_service": cfg.ServicePath,
		"junction_run":       cfg.Launcher,
	} {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("%s not found at %s", name, path)
		}
	}
	return nil
}
