// Package manifest reads the YAML list of functions junctiond spawns at boot.
//
//	functions:
//	  - name: echo
//	    execpath: /usr/local/bin/echo-fn
//	    args: "--port 7000"
//	    cpu: 2
//	    memoryMB: 256
//	    env:
//	      LOG_LEVEL: debug
package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rgesrger/jdmodeltests/junctiond/processes"
)

type Manifest struct {
	Functions []processes.FunctionSpec `yaml:"functions"`
}

// Spawner is satisfied by *processes.Orchestrator.
type Spawner interface {
	Spawn(ctx context.Context, spec processes.FunctionSpec) error
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes a manifest and rejects entries without a valid name or
// execpath, and names that appear twice. Unknown keys are errors.
func Parse(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return &m, nil
		}
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	seen := make(map[string]int, len(m.Functions))
	for i, spec := range m.Functions {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("manifest entry %d: %w", i, err)
		}
		if j, dup := seen[spec.Name]; dup {
			return nil, fmt.Errorf("manifest entry %d: name %q already used by entry %d", i, spec.Name, j)
		}
		seen[spec.Name] = i
	}
	return &m, nil
}

// Apply spawns every function in order. A failed spawn does not stop the
// rest; all failures are returned joined.
func (m *Manifest) Apply(ctx context.Context, s Spawner) error {
	var errs []error
	for _, spec := range m.Functions {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.Spawn(ctx, spec); err != nil {
			errs = append(errs, fmt.Errorf("spawn %s: %w", spec.Name, err))
		}
	}
	return errors.Join(errs...)
}
