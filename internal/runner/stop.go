package runner

import (
	"fmt"
	"os"
	"path/filepath"
)

// StopFile is the graceful-stop sentinel. Its presence tells the
// scheduler to finish the in-flight round and exit instead of starting
// another one.
const StopFile = ".forge/stop"

// RequestStop creates the stop sentinel.
func RequestStop(projectDir string) error {
	path := filepath.Join(projectDir, StopFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating sentinel dir: %w", err)
	}
	if err := os.WriteFile(path, []byte("stop requested\n"), 0o644); err != nil {
		return fmt.Errorf("writing stop sentinel: %w", err)
	}
	return nil
}

// ClearStop removes the stop sentinel if present.
func ClearStop(projectDir string) error {
	err := os.Remove(filepath.Join(projectDir, StopFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stop sentinel: %w", err)
	}
	return nil
}

// StopRequested reports whether the stop sentinel exists.
func StopRequested(projectDir string) bool {
	_, err := os.Stat(filepath.Join(projectDir, StopFile))
	return err == nil
}
