// junctionctl talks to a running junctiond over its RPC socket.
//
//	junctionctl [--socket path] spawn --name fn --exec /path/to/bin [--args "..."] [--cpu N] [--memory MB] [--env K=V]...
//	junctionctl [--socket path] remove NAME
//	junctionctl [--socket path] list
//	junctionctl render-config [--config daemon.toml]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rgesrger/jdmodeltests/junctiond/config"
	"github.com/rgesrger/jdmodeltests/junctiond/launchcfg"
	"github.com/rgesrger/jdmodeltests/junctiond/rpc"
)

const callTimeout = 30 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type envFlag map[string]string

func (e envFlag) String() string { return fmt.Sprint(map[string]string(e)) }

func (e envFlag) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected KEY=VALUE, got %q", v)
	}
	e[k] = val
	return nil
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: junctionctl [--socket path] <spawn|remove|list|render-config> [flags]")
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("junctionctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	socket := global.String("socket", config.DefaultRPCSocket, "junctiond RPC socket")
	jsonOut := global.Bool("json", false, "Print replies as JSON")
	if err := global.Parse(args); err != nil {
		return 2
	}
	rest := global.Args()
	if len(rest) == 0 {
		usage(stderr)
		return 2
	}

	cmd, cmdArgs := rest[0], rest[1:]
	if cmd == "render-config" {
		return renderConfig(cmdArgs, stdout, stderr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	var req func(*rpc.Client) (interface{}, error)
	switch cmd {
	case "spawn":
		fs := flag.NewFlagSet("spawn", flag.ContinueOnError)
		fs.SetOutput(stderr)
		name := fs.String("name", "", "Instance name")
		execPath := fs.String("exec", "", "Target executable")
		fnArgs := fs.String("args", "", "Whitespace-separated arguments")
		cpu := fs.Int("cpu", 0, "CPU hint")
		mem := fs.Int("memory", 0, "Memory hint in MB")
		env := envFlag{}
		fs.Var(env, "env", "KEY=VALUE, repeatable")
		if err := fs.Parse(cmdArgs); err != nil {
			return 2
		}
		data := &rpc.FunctionData{Name: *name, ExecPath: *execPath, Args: *fnArgs, CPU: *cpu, MemoryMB: *mem}
		if len(env) > 0 {
			data.Env = env
		}
		req = func(c *rpc.Client) (interface{}, error) { return c.Spawn(ctx, data) }
	case "remove":
		if len(cmdArgs) != 1 {
			fmt.Fprintln(stderr, "Usage: junctionctl remove NAME")
			return 2
		}
		req = func(c *rpc.Client) (interface{}, error) { return c.Remove(ctx, cmdArgs[0]) }
	case "list":
		req = func(c *rpc.Client) (interface{}, error) { return c.List(ctx) }
	default:
		usage(stderr)
		return 2
	}

	client, err := rpc.Dial(*socket)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer client.Close()

	reply, err := req(client)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	if *jsonOut {
		json.NewEncoder(stdout).Encode(reply)
		return exitCodeFor(reply)
	}
	switch r := reply.(type) {
	case *rpc.StatusReply:
		fmt.Fprintln(stdout, r.Message)
	case *rpc.FunctionList:
		for _, fn := range r.Functions {
			state := "exited"
			if fn.Running {
				state = "running"
			}
			fmt.Fprintf(stdout, "%s\t%d\t%s\n", fn.Name, fn.PID, state)
		}
	}
	return exitCodeFor(reply)
}

func exitCodeFor(reply interface{}) int {
	if r, ok := reply.(*rpc.StatusReply); ok && !r.Success {
		return 1
	}
	return 0
}

// renderConfig prints the descriptor junctiond would write for its runtime
// section.
func renderConfig(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("render-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "", "Daemon TOML config")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := config.LoadDaemon(*path)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := launchcfg.Render(stdout, cfg.Runtime); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}
