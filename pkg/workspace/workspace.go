// Package workspace manages the runtime's user data directory.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Workspace is a process-owned directory holding the flow definitions file
type Workspace struct {
	dir      string
	flowFile string
}

// EnsureResult reports what Ensure had to create
type EnsureResult struct {
	CreatedDir      bool
	CreatedFlowFile bool
}

// Wrote reports whether Ensure touched the filesystem
func (r EnsureResult) Wrote() bool {
	return r.CreatedDir || r.CreatedFlowFile
}

// New creates a Workspace for dir with the given flow file name
func New(dir, flowFile string) *Workspace {
	return &Workspace{dir: dir, flowFile: flowFile}
}

// Dir returns the workspace directory
func (w *Workspace) Dir() string {
	return w.dir
}

// FlowFile returns the flow file name
func (w *Workspace) FlowFile() string {
	return w.flowFile
}

// FlowFilePath returns the full path to the flow file
func (w *Workspace) FlowFilePath() string {
	return filepath.Join(w.dir, w.flowFile)
}

// Ensure creates the directory and an empty flow file when they are missing.
// It is a no-op when both already exist.
func (w *Workspace) Ensure() (EnsureResult, error) {
	var result EnsureResult

	// Create the directory if it doesn't exist
	info, err := os.Stat(w.dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(w.dir, 0755); err != nil {
			return result, fmt.Errorf("failed to create workspace directory: %w", err)
		}
		result.CreatedDir = true
	case err != nil:
		return result, fmt.Errorf("failed to stat workspace directory: %w", err)
	case !info.IsDir():
		return result, fmt.Errorf("workspace path %s is not a directory", w.dir)
	}

	// Create an empty flows file if it doesn't exist
	path := w.FlowFilePath()
	if _, err := os.Stat(path); err == nil {
		return result, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return result, fmt.Errorf("failed to stat flow file: %w", err)
	}

	data, err := json.MarshalIndent([]json.RawMessage{}, "", "  ")
	if err != nil {
		return result, fmt.Errorf("failed to marshal empty flows: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return result, fmt.Errorf("failed to write flow file: %w", err)
	}
	result.CreatedFlowFile = true

	return result, nil
}

// Flows returns the raw flow definition records stored in the flow file
func (w *Workspace) Flows() ([]json.RawMessage, error) {
	data, err := os.ReadFile(w.FlowFilePath())
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file: %w", err)
	}

	var flows []json.RawMessage
	if err := json.Unmarshal(data, &flows); err != nil {
		return nil, fmt.Errorf("failed to parse flow file: %w", err)
	}
	return flows, nil
}

// Remove deletes the workspace directory and everything in it. Removing a
// workspace that no longer exists succeeds.
func (w *Workspace) Remove() error {
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	return nil
}
