// Package sandbox confines worker file and command access to the
// repository root.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	colonyerrors "colony/internal/errors"
	"colony/internal/logging"
)

// ErrPathEscape is wrapped by every containment rejection.
var ErrPathEscape = fmt.Errorf("path escapes sandbox root")

// ExecResult is the outcome of one command execution.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timed_out"`
}

// Entry describes one directory listing row.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// Sandbox exposes file and process operations rooted at a repository
// checkout. Every path, relative or absolute, is resolved and rejected
// when it lands outside the root.
type Sandbox struct {
	root   string
	logger logging.Logger
	// maxOutput caps captured stdout/stderr per stream.
	maxOutput int
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithLogger sets the sandbox logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Sandbox) { s.logger = l }
}

// New creates a sandbox rooted at root. The root must exist.
func New(root string, opts ...Option) (*Sandbox, error) {
	abs, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("sandbox root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox root %s is not a directory", abs)
	}
	s := &Sandbox{root: abs, logger: logging.Nop(), maxOutput: 1 << 20}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger)
	return s, nil
}

// Root returns the absolute sandbox root.
func (s *Sandbox) Root() string {
	return s.root
}

// Resolve turns a caller path into an absolute path inside the root, or
// fails with ErrPathEscape.
func (s *Sandbox) Resolve(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathEscape)
	}
	candidate := trimmed
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.root, candidate)
	}
	resolved, err := filepath.Abs(filepath.Clean(candidate))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, raw)
	}
	if !pathWithinBase(s.root, resolved) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, raw)
	}
	return resolved, nil
}

// pathWithinBase reports whether target sits at or below base.
func pathWithinBase(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ReadFile returns the contents of a file inside the root.
func (s *Sandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	resolved, err := s.Resolve(path)
	if err != nil {
		return nil, colonyerrors.NewPermanentError(err, "read outside sandbox")
	}
	return os.ReadFile(resolved)
}

// WriteFile writes data to a file inside the root, creating parent
// directories as needed.
func (s *Sandbox) WriteFile(ctx context.Context, path string, data []byte) error {
	resolved, err := s.Resolve(path)
	if err != nil {
		return colonyerrors.NewPermanentError(err, "write outside sandbox")
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return err
	}
	return os.WriteFile(resolved, data, 0o644)
}

// ListDir lists a directory inside the root, sorted by name.
func (s *Sandbox) ListDir(ctx context.Context, path string) ([]Entry, error) {
	resolved, err := s.Resolve(path)
	if err != nil {
		return nil, colonyerrors.NewPermanentError(err, "list outside sandbox")
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		row := Entry{Name: e.Name(), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil {
			row.Size = info.Size()
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Execute runs a shell command with cwd inside the root, bounded by
// timeout. A non-zero exit code is reported in the result, not as an
// error; errors mean the command could not run at all.
func (s *Sandbox) Execute(ctx context.Context, command, cwd string, timeout time.Duration) (*ExecResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, colonyerrors.NewPermanentError(fmt.Errorf("empty command"), "nothing to execute")
	}
	workdir := s.root
	if cwd != "" {
		resolved, err := s.Resolve(cwd)
		if err != nil {
			return nil, colonyerrors.NewPermanentError(err, "cwd outside sandbox")
		}
		workdir = resolved
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = workdir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &stdout, max: s.maxOutput}
	cmd.Stderr = &limitedWriter{buf: &stderr, max: s.maxOutput}

	err := cmd.Run()
	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: execCtx.Err() == context.DeadlineExceeded,
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if result.TimedOut {
			result.ExitCode = -1
			return result, nil
		}
		return nil, err
	}
	return result, nil
}

// limitedWriter drops bytes past max so a runaway command cannot exhaust
// memory.
type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	remaining := w.max - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	return w.buf.Write(p)
}
