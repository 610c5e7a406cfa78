// Package tasks reads and rewrites the Markdown task list that seeds the
// task-check and morning flows. The file is a plain bullet list, one task
// per line.
package tasks

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DefaultFileName is the task list filename inside the state directory.
const DefaultFileName = "current_task.md"

// Source loads and persists the current task list.
type Source struct {
	path string
}

// Opts holds configuration for the task source.
type Opts struct {
	Path string
}

// Option configures the task source.
type Option func(*Opts)

// WithPath sets the task list file path.
func WithPath(path string) Option {
	return func(o *Opts) { o.Path = path }
}

// NewSource creates a task source. The path is required.
func NewSource(opts ...Option) (*Source, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Path == "" {
		slog.Error("Source.NewSource: task file path not set")
		return nil, fmt.Errorf("task file path not set")
	}
	slog.Debug("Source.NewSource: configured", "path", cfg.Path)
	return &Source{path: cfg.Path}, nil
}

// Path reports the configured task file location.
func (s *Source) Path() string { return s.path }

// Load reads the task list. A missing file yields an empty list rather than
// an error so flows can start with nothing carried over.
func (s *Source) Load() ([]string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		slog.Debug("Source.Load: task file missing, treating as empty", "path", s.path)
		return nil, nil
	}
	if err != nil {
		slog.Error("Source.Load: read failed", "error", err, "path", s.path)
		return nil, fmt.Errorf("failed to read task file %s: %w", s.path, err)
	}

	tasks := ParseList(string(data))
	slog.Debug("Source.Load: tasks loaded", "path", s.path, "count", len(tasks))
	return tasks, nil
}

// Rewrite replaces the task list with the given tasks, one bullet per line.
// Empty task names are skipped.
func (s *Source) Rewrite(tasks []string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		slog.Error("Source.Rewrite: directory creation failed", "error", err, "path", s.path)
		return fmt.Errorf("failed to create task file directory: %w", err)
	}

	var b strings.Builder
	for _, task := range tasks {
		if task == "" {
			continue
		}
		b.WriteString("- ")
		b.WriteString(task)
		b.WriteString("\n")
	}

	if err := os.WriteFile(s.path, []byte(b.String()), 0644); err != nil {
		slog.Error("Source.Rewrite: write failed", "error", err, "path", s.path)
		return fmt.Errorf("failed to write task file %s: %w", s.path, err)
	}
	slog.Info("Source.Rewrite: task file updated", "path", s.path, "count", len(tasks))
	return nil
}

// ParseList extracts task names from a Markdown bullet list. Bullet markers
// are stripped; blank lines are skipped.
func ParseList(content string) []string {
	var tasks []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var task string
		if strings.HasPrefix(line, "- ") {
			task = strings.TrimSpace(line[2:])
		} else {
			task = strings.Trim(line, "- ")
		}
		if task != "" {
			tasks = append(tasks, task)
		}
	}
	return tasks
}
