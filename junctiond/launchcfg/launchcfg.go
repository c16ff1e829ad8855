// Package launchcfg renders the runtime descriptor consumed by junction_run.
//
// The descriptor is a small line-oriented "key value" text file. The launcher
// parses it directly, so Render must stay byte-compatible with the format below:
//
//	host_addr 192.168.127.7
//	host_netmask 255.255.255.0
//	host_gateway 192.168.127.1
//	runtime_kthreads 10
//	runtime_spinning_kthreads 0
//	runtime_guaranteed_kthreads 0
//	runtime_priority lc
//	runtime_quantum_us 0
package launchcfg

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
)

// Canonical descriptor keys, in render order.
const (
	KeyHostAddr           = "host_addr"
	KeyHostNetmask        = "host_netmask"
	KeyHostGateway        = "host_gateway"
	KeyKThreads           = "runtime_kthreads"
	KeySpinningKThreads   = "runtime_spinning_kthreads"
	KeyGuaranteedKThreads = "runtime_guaranteed_kthreads"
	KeyPriority           = "runtime_priority"
	KeyQuantumUS          = "runtime_quantum_us"
)

// Scheduling priority classes understood by the launcher.
const (
	PriorityLatencyCritical = "lc"
	PriorityBestEffort      = "be"
)

// Keys returns the descriptor keys in the order Render writes them.
func Keys() []string {
	return []string{
		KeyHostAddr,
		KeyHostNetmask,
		KeyHostGateway,
		KeyKThreads,
		KeySpinningKThreads,
		KeyGuaranteedKThreads,
		KeyPriority,
		KeyQuantumUS,
	}
}

// Runtime holds the values written into a descriptor.
type Runtime struct {
	HostAddr           string `toml:"host_addr" json:"host_addr"`
	HostNetmask        string `toml:"host_netmask" json:"host_netmask"`
	HostGateway        string `toml:"host_gateway" json:"host_gateway"`
	KThreads           int    `toml:"runtime_kthreads" json:"runtime_kthreads"`
	SpinningKThreads   int    `toml:"runtime_spinning_kthreads" json:"runtime_spinning_kthreads"`
	GuaranteedKThreads int    `toml:"runtime_guaranteed_kthreads" json:"runtime_guaranteed_kthreads"`
	Priority           string `toml:"runtime_priority" json:"runtime_priority"`
	QuantumUS          int    `toml:"runtime_quantum_us" json:"runtime_quantum_us"`
}

// DefaultRuntime returns the descriptor used when nothing else is configured.
func DefaultRuntime() Runtime {
	return Runtime{
		HostAddr:           "192.168.127.7",
		HostNetmask:        "255.255.255.0",
		HostGateway:        "192.168.127.1",
		KThreads:           10,
		SpinningKThreads:   0,
		GuaranteedKThreads: 0,
		Priority:           PriorityLatencyCritical,
		QuantumUS:          0,
	}
}

// Validate checks that every value can be parsed by the launcher.
func (rt Runtime) Validate() error {
	for key, addr := range map[string]string{
		KeyHostAddr:    rt.HostAddr,
		KeyHostNetmask: rt.HostNetmask,
		KeyHostGateway: rt.HostGateway,
	} {
		ip := net.ParseIP(addr)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("%s: %q is not an IPv4 address", key, addr)
		}
	}
	if rt.KThreads <= 0 {
		return fmt.Errorf("%s must be positive, got %d", KeyKThreads, rt.KThreads)
	}
	if rt.SpinningKThreads < 0 || rt.GuaranteedKThreads < 0 || rt.QuantumUS < 0 {
		return fmt.Errorf("runtime thread counts and quantum must not be negative")
	}
	if rt.SpinningKThreads > rt.KThreads || rt.GuaranteedKThreads > rt.KThreads {
		return fmt.Errorf("spinning/guaranteed kthreads cannot exceed %s (%d)", KeyKThreads, rt.KThreads)
	}
	switch rt.Priority {
	case PriorityLatencyCritical, PriorityBestEffort:
	default:
		return fmt.Errorf("%s must be %q or %q, got %q", KeyPriority, PriorityLatencyCritical, PriorityBestEffort, rt.Priority)
	}
	return nil
}

// values returns the rendered value for each key.
func (rt Runtime) values() map[string]string {
	return map[string]string{
		KeyHostAddr:           rt.HostAddr,
		KeyHostNetmask:        rt.HostNetmask,
		KeyHostGateway:        rt.HostGateway,
		KeyKThreads:           strconv.Itoa(rt.KThreads),
		KeySpinningKThreads:   strconv.Itoa(rt.SpinningKThreads),
		KeyGuaranteedKThreads: strconv.Itoa(rt.GuaranteedKThreads),
		KeyPriority:           rt.Priority,
		KeyQuantumUS:          strconv.Itoa(rt.QuantumUS),
	}
}

// Render writes the descriptor for rt to w.
func Render(w io.Writer, rt Runtime) error {
	vals := rt.values()
	bw := bufio.NewWriter(w)
	for _, key := range Keys() {
		if _, err := fmt.Fprintf(bw, "%s %s\n", key, vals[key]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Bytes returns the rendered descriptor.
func (rt Runtime) Bytes() []byte {
	var buf bytes.Buffer
	_ = Render(&buf, rt) // bytes.Buffer writes cannot fail
	return buf.Bytes()
}

// WriteFile renders rt into path, replacing any existing file.
func WriteFile(path string, rt Runtime) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	if err := Render(f, rt); err != nil {
		f.Close()
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return f.Close()
}

// Parse reads a descriptor back into a key/value map. Blank lines are
// skipped; duplicate keys and lines without a value are errors.
func Parse(r io.Reader) (map[string]string, error) {
	out := make(map[string]string)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, " ")
		value = strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("line %d: expected \"key value\", got %q", lineNo, line)
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("line %d: duplicate key %q", lineNo, key)
		}
		out[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
