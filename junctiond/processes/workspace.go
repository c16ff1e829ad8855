package processes

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rgesrger/jdmodeltests/junctiond/launchcfg"
)

// WorkspaceDir is the per-instance directory under root.
func WorkspaceDir(root, name string) string {
	return filepath.Join(root, "junction_"+name)
}

// emitConfig writes the descriptor for name into its workspace, creating the
// workspace if needed, and returns the descriptor path.
func emitConfig(root, name string, rt launchcfg.Runtime) (string, error) {
	dir := WorkspaceDir(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create workspace %s: %w", dir, err)
	}
	path := filepath.Join(dir, name+".config")
	if err := launchcfg.WriteFile(path, rt); err != nil {
		return "", err
	}
	return path, nil
}

// removeArtifacts deletes the descriptor and then the workspace if it is
// empty. A workspace the function wrote into is left alone.
func removeArtifacts(configPath, workspace string) error {
	var errs []error
	if configPath != "" {
		if err := os.Remove(configPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if workspace != "" {
		entries, err := os.ReadDir(workspace)
		if err == nil && len(entries) == 0 {
			if err := os.Remove(workspace); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
