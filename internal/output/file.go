// Package output implements side outputs: write-only sinks that archive raw
// or sanitized payloads for audit. Side outputs are best-effort; a failure
// degrades the response with a warning, never blocks it.
package output

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/veilgate/veilgate/internal/pipeline"
)

// FileOutput archives content under a base directory, one file per output
// key. Keys are slash-separated and date-partitioned, so the directory
// layout mirrors an object-store prefix scheme.
type FileOutput struct {
	baseDir string
}

func NewFileOutput(baseDir string) (*FileOutput, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("output: file output needs a base directory")
	}
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("output: creating base directory: %w", err)
	}
	return &FileOutput{baseDir: baseDir}, nil
}

func (f *FileOutput) Write(_ context.Context, key string, content *pipeline.ProcessedContent) error {
	clean := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return fmt.Errorf("output: key %q escapes the base directory", key)
	}
	path := filepath.Join(f.baseDir, clean)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("output: creating key directory: %w", err)
	}

	body, err := content.Bytes()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, body, 0o640); err != nil {
		return fmt.Errorf("output: writing %s: %w", path, err)
	}
	return nil
}
