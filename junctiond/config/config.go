// Package config holds the settings for the junctiond daemon and the
// inference gateway. Defaults come from DefaultDaemon/DefaultGateway; a TOML
// file may override any subset of keys, and command line flags that were set
// explicitly win over both.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/rgesrger/jdmodeltests/junctiond/launchcfg"
)

const (
	DefaultHTTPAddr  = "127.0.0.1:9000"
	DefaultRPCSocket = "/run/junctiond.sock"
	DefaultHistoryDB = "junctiond-history.db"
)

// Daemon configures cmd/junctiond.
type Daemon struct {
	HTTPAddr         string
	RPCSocket        string
	Launcher         string
	Workspace        string
	HistoryDB        string
	HistoryRetention time.Duration
	Functions        string
	LogLevel         slog.Level
	MonitorInterval  time.Duration
	CollectTimeout   time.Duration
	RemoveTimeout    time.Duration
	Runtime          launchcfg.Runtime
}

// Gateway configures cmd/gateway.
type Gateway struct {
	ModelPath          string
	Host               string
	Port               int
	HandlerPath        string
	ServicePath        string
	Launcher           string
	WarmHost           string
	WarmPort           int
	WarmPortMin        int
	WarmPortMax        int
	ConfigDir          string
	Workspace          string
	LogLevel           slog.Level
	ColdTimeout        time.Duration
	WarmStartupTimeout time.Duration
	Runtime            launchcfg.Runtime
}

// DefaultLauncher is junction_run under the user's home directory.
func DefaultLauncher() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "/root"
	}
	return filepath.Join(home, "junction", "build", "junction", "junction_run")
}

func DefaultDaemon() Daemon {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return Daemon{
		HTTPAddr:         DefaultHTTPAddr,
		RPCSocket:        DefaultRPCSocket,
		Launcher:         DefaultLauncher(),
		Workspace:        wd,
		HistoryDB:        DefaultHistoryDB,
		HistoryRetention: 30 * 24 * time.Hour,
		LogLevel:         slog.LevelInfo,
		MonitorInterval:  500 * time.Millisecond,
		CollectTimeout:   30 * time.Second,
		RemoveTimeout:    10 * time.Second,
		Runtime:          launchcfg.DefaultRuntime(),
	}
}

// DefaultGateway resolves the handler and service binaries next to binDir,
// normally the directory holding the running gateway executable.
func DefaultGateway(binDir string) Gateway {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return Gateway{
		Host:               "0.0.0.0",
		Port:               8080,
		HandlerPath:        filepath.Join(binDir, "distilbert_infer"),
		ServicePath:        filepath.Join(binDir, "distilbert_service"),
		Launcher:           DefaultLauncher(),
		WarmHost:           "192.168.127.7",
		WarmPort:           9000,
		WarmPortMin:        9100,
		WarmPortMax:        9199,
		ConfigDir:          os.TempDir(),
		Workspace:          wd,
		LogLevel:           slog.LevelInfo,
		WarmStartupTimeout: 30 * time.Second,
		Runtime:            launchcfg.DefaultRuntime(),
	}
}

// runtimeFile mirrors launchcfg.Runtime with every key optional.
type runtimeFile struct {
	HostAddr           string `toml:"host_addr"`
	HostNetmask        string `toml:"host_netmask"`
	HostGateway        string `toml:"host_gateway"`
	KThreads           int    `toml:"runtime_kthreads"`
	SpinningKThreads   int    `toml:"runtime_spinning_kthreads"`
	GuaranteedKThreads int    `toml:"runtime_guaranteed_kthreads"`
	Priority           string `toml:"runtime_priority"`
	QuantumUS          int    `toml:"runtime_quantum_us"`
}

type daemonFile struct {
	HTTPAddr         string      `toml:"http_addr"`
	RPCSocket        string      `toml:"rpc_socket"`
	Launcher         string      `toml:"launcher"`
	Workspace        string      `toml:"workspace"`
	HistoryDB        string      `toml:"history_db"`
	HistoryRetention string      `toml:"history_retention"`
	Functions        string      `toml:"functions"`
	LogLevel         string      `toml:"log_level"`
	MonitorInterval  string      `toml:"monitor_interval"`
	CollectTimeout   string      `toml:"collect_timeout"`
	RemoveTimeout    string      `toml:"remove_timeout"`
	Runtime          runtimeFile `toml:"runtime"`
}

type gatewayFile struct {
	ModelPath          string      `toml:"model_path"`
	Host               string      `toml:"host"`
	Port               int         `toml:"port"`
	HandlerPath        string      `toml:"handler_path"`
	ServicePath        string      `toml:"service_path"`
	Launcher           string      `toml:"launcher"`
	WarmHost           string      `toml:"warm_host"`
	WarmPort           int         `toml:"warm_port"`
	WarmPortMin        int         `toml:"warm_port_min"`
	WarmPortMax        int         `toml:"warm_port_max"`
	ConfigDir          string      `toml:"config_dir"`
	Workspace          string      `toml:"workspace"`
	LogLevel           string      `toml:"log_level"`
	ColdTimeout        string      `toml:"cold_timeout"`
	WarmStartupTimeout string      `toml:"warm_startup_timeout"`
	Runtime            runtimeFile `toml:"runtime"`
}

// LoadDaemon overlays the TOML file at path on DefaultDaemon. An empty path
// returns the defaults.
func LoadDaemon(path string) (Daemon, error) {
	cfg := DefaultDaemon()
	if path == "" {
		return cfg, nil
	}

	var raw daemonFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Daemon{}, fmt.Errorf("load daemon config: %w", err)
	}

	setString(meta, "http_addr", raw.HTTPAddr, &cfg.HTTPAddr)
	// An empty socket or history path disables that feature, so these are
	// taken even when blank.
	if meta.IsDefined("rpc_socket") {
		cfg.RPCSocket = strings.TrimSpace(raw.RPCSocket)
	}
	if meta.IsDefined("history_db") {
		cfg.HistoryDB = strings.TrimSpace(raw.HistoryDB)
	}
	setString(meta, "launcher", raw.Launcher, &cfg.Launcher)
	setString(meta, "workspace", raw.Workspace, &cfg.Workspace)
	setString(meta, "functions", raw.Functions, &cfg.Functions)

	if meta.IsDefined("log_level") {
		if cfg.LogLevel, err = ParseLevel(raw.LogLevel); err != nil {
			return Daemon{}, err
		}
	}
	if err := setDuration(meta, "history_retention", raw.HistoryRetention, &cfg.HistoryRetention); err != nil {
		return Daemon{}, err
	}
	if err := setDuration(meta, "monitor_interval", raw.MonitorInterval, &cfg.MonitorInterval); err != nil {
		return Daemon{}, err
	}
	if err := setDuration(meta, "collect_timeout", raw.CollectTimeout, &cfg.CollectTimeout); err != nil {
		return Daemon{}, err
	}
	if err := setDuration(meta, "remove_timeout", raw.RemoveTimeout, &cfg.RemoveTimeout); err != nil {
		return Daemon{}, err
	}
	overlayRuntime(meta, raw.Runtime, &cfg.Runtime)

	if err := cfg.Runtime.Validate(); err != nil {
		return Daemon{}, fmt.Errorf("load daemon config: %w", err)
	}
	return cfg, nil
}

// LoadGateway overlays the TOML file at path on DefaultGateway(binDir).
func LoadGateway(path, binDir string) (Gateway, error) {
	cfg := DefaultGateway(binDir)
	if path == "" {
		return cfg, nil
	}

	var raw gatewayFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Gateway{}, fmt.Errorf("load gateway config: %w", err)
	}

	setString(meta, "model_path", raw.ModelPath, &cfg.ModelPath)
	setString(meta, "host", raw.Host, &cfg.Host)
	setString(meta, "handler_path", raw.HandlerPath, &cfg.HandlerPath)
	setString(meta, "service_path", raw.ServicePath, &cfg.ServicePath)
	setString(meta, "launcher", raw.Launcher, &cfg.Launcher)
	setString(meta, "warm_host", raw.WarmHost, &cfg.WarmHost)
	setString(meta, "config_dir", raw.ConfigDir, &cfg.ConfigDir)
	setString(meta, "workspace", raw.Workspace, &cfg.Workspace)
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("warm_port") {
		cfg.WarmPort = raw.WarmPort
	}
	if meta.IsDefined("warm_port_min") {
		cfg.WarmPortMin = raw.WarmPortMin
	}
	if meta.IsDefined("warm_port_max") {
		cfg.WarmPortMax = raw.WarmPortMax
	}
	if meta.IsDefined("log_level") {
		if cfg.LogLevel, err = ParseLevel(raw.LogLevel); err != nil {
			return Gateway{}, err
		}
	}
	if err := setDuration(meta, "cold_timeout", raw.ColdTimeout, &cfg.ColdTimeout); err != nil {
		return Gateway{}, err
	}
	if err := setDuration(meta, "warm_startup_timeout", raw.WarmStartupTimeout, &cfg.WarmStartupTimeout); err != nil {
		return Gateway{}, err
	}
	overlayRuntime(meta, raw.Runtime, &cfg.Runtime)

	if err := cfg.Runtime.Validate(); err != nil {
		return Gateway{}, fmt.Errorf("load gateway config: %w", err)
	}
	return cfg, nil
}

// ParseLevel accepts debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("parse log_level %q: %w", s, err)
	}
	return level, nil
}

func setString(meta toml.MetaData, key, value string, dst *string) {
	if !meta.IsDefined(key) {
		return
	}
	if v := strings.TrimSpace(value); v != "" {
		*dst = v
	}
}

func setDuration(meta toml.MetaData, key, value string, dst *time.Duration) error {
	if !meta.IsDefined(key) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return fmt.Errorf("parse %s: negative duration %s", key, d)
	}
	*dst = d
	return nil
}

func overlayRuntime(meta toml.MetaData, raw runtimeFile, rt *launchcfg.Runtime) {
	if meta.IsDefined("runtime", "host_addr") {
		rt.HostAddr = strings.TrimSpace(raw.HostAddr)
	}
	if meta.IsDefined("runtime", "host_netmask") {
		rt.HostNetmask = strings.TrimSpace(raw.HostNetmask)
	}
	if meta.IsDefined("runtime", "host_gateway") {
		rt.HostGateway = strings.TrimSpace(raw.HostGateway)
	}
	if meta.IsDefined("runtime", "runtime_kthreads") {
		rt.KThreads = raw.KThreads
	}
	if meta.IsDefined("runtime", "runtime_spinning_kthreads") {
		rt.SpinningKThreads = raw.SpinningKThreads
	}
	if meta.IsDefined("runtime", "runtime_guaranteed_kthreads") {
		rt.GuaranteedKThreads = raw.GuaranteedKThreads
	}
	if meta.IsDefined("runtime", "runtime_priority") {
		rt.Priority = strings.TrimSpace(raw.Priority)
	}
	if meta.IsDefined("runtime", "runtime_quantum_us") {
		rt.QuantumUS = raw.QuantumUS
	}
}
