// Package sshfiles provides file operations on a remote device implemented
// as plain shell commands over SSH exec channels.
//
// Files are uploaded with "cat > path" and the file bytes streamed as the
// command's stdin, so binary content needs no encoding and each file costs
// a single round trip.
package sshfiles

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/dmplugins/plugin-manager/internal/logutil"
	"github.com/dmplugins/plugin-manager/internal/sshexec"
)

// FileWriter is the remote filesystem used by the deployment orchestrator.
// Paths are slash-separated and relative to the login user's home unless
// absolute.
type FileWriter interface {
	MakeDir(ctx context.Context, dir string) error
	WriteFile(ctx context.Context, path string, data []byte) error
	RemoveAll(ctx context.Context, path string) error
	List(ctx context.Context, dir string) ([]string, error)
}

// ShellFiles implements FileWriter with POSIX shell commands.
type ShellFiles struct {
	runner sshexec.Runner
}

// New wraps a command runner, typically an *sshsession.Session.
func New(runner sshexec.Runner) *ShellFiles {
	return &ShellFiles{runner: runner}
}

var _ FileWriter = (*ShellFiles)(nil)

// MakeDir creates dir and any missing parents.
func (f *ShellFiles) MakeDir(ctx context.Context, dir string) error {
	if strings.TrimSpace(dir) == "" {
		return errors.New("create directory: empty path")
	}
	if _, err := f.runner.Run(ctx, "mkdir -p "+shellQuote(dir), nil); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

// WriteFile creates or truncates path and writes data to it. The parent
// directory must exist.
func (f *ShellFiles) WriteFile(ctx context.Context, path string, data []byte) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("write file: empty path")
	}
	start := time.Now()
	if _, err := f.runner.Run(ctx, "cat > "+shellQuote(path), data); err != nil {
		return fmt.Errorf("write file %s: %w", path, err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		log.Printf("[sshfiles] WriteFile %s (%d bytes) took %s", logutil.SanitizeForLog(path), len(data), elapsed)
	}
	return nil
}

// RemoveAll deletes path recursively. A missing path is not an error.
func (f *ShellFiles) RemoveAll(ctx context.Context, path string) error {
	p := strings.TrimRight(strings.TrimSpace(path), "/")
	if p == "" || p == "." || p == ".." || p == "~" {
		return fmt.Errorf("refusing to remove %q", path)
	}
	if _, err := f.runner.Run(ctx, "rm -rf "+shellQuote(p), nil); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// List returns the entry names of dir, one per line of "ls -1".
func (f *ShellFiles) List(ctx context.Context, dir string) ([]string, error) {
	out, err := f.runner.Run(ctx, "ls -1 "+shellQuote(dir), nil)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// shellQuote wraps s in single quotes, escaping embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}
