package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the task list file at the project root. It is shared with
// agent subprocesses and may be edited concurrently, so every load
// revalidates the graph and every save is an atomic rewrite.
const FileName = "tasks.json"

type listFile struct {
	Tasks []*Task `json:"tasks"`
}

// Load reads and validates tasks.json from the project directory.
func Load(projectDir string) (*Graph, error) {
	path := filepath.Join(projectDir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", FileName, err)
	}

	var lf listFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", FileName, err)
	}
	for _, t := range lf.Tasks {
		if t.Priority == 0 {
			t.Priority = 1
		}
		if t.Status == "" {
			t.Status = StatusPending
		}
	}

	g, err := NewGraph(lf.Tasks)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", FileName, err)
	}
	return g, nil
}

// Save writes the graph back to tasks.json atomically: the content is
// written to a temp file in the same directory and renamed over the
// original, so concurrent readers never observe a partial write.
func Save(projectDir string, g *Graph) error {
	data, err := json.MarshalIndent(listFile{Tasks: g.Tasks()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", FileName, err)
	}
	data = append(data, '\n')

	path := filepath.Join(projectDir, FileName)
	tmp, err := os.CreateTemp(projectDir, FileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing %s: %w", FileName, err)
	}
	return nil
}
