package sandbox

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// waitDelay bounds how long Wait keeps draining output after the process is
// killed, in case a grandchild still holds the pipes open.
const waitDelay = 2 * time.Second

// Compile-time interface satisfaction check.
var _ Sandbox = (*ProcessSandbox)(nil)

// ProcessOptions configures a ProcessSandbox.
type ProcessOptions struct {
	// WorkDir is the parent of the per-run work directories. Empty means
	// the OS temp dir.
	WorkDir        string
	MaxOutputBytes int
}

// ProcessSandbox runs code as a child process of the server using the
// toolchains installed on the host. Each run executes in its own process
// group so a timeout kills everything the program spawned.
type ProcessSandbox struct {
	opts   ProcessOptions
	logger *slog.Logger
}

// NewProcessSandbox creates a host-process sandbox.
func NewProcessSandbox(opts ProcessOptions, logger *slog.Logger) *ProcessSandbox {
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return &ProcessSandbox{opts: opts, logger: logger}
}

// Run executes req on the host.
func (s *ProcessSandbox) Run(ctx context.Context, req Request) (Result, error) {
	res, err := runRecipe(ctx, s.opts.WorkDir, s.opts.MaxOutputBytes, req, s.command)
	s.logger.Debug("process run finished",
		"job_id", req.JobID,
		"language", req.Language,
		"exit_code", res.ExitCode,
		"duration_ms", res.Duration.Milliseconds(),
		"error", err,
	)
	return res, err
}

func (s *ProcessSandbox) command(ctx context.Context, _ string, dir string, argv []string) *exec.Cmd {
	name := argv[0]
	if strings.HasPrefix(name, "./") {
		name = filepath.Join(dir, name)
	}
	cmd := exec.CommandContext(ctx, name, argv[1:]...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)
	return cmd
}

// Capabilities reports the languages this sandbox has recipes for.
func (s *ProcessSandbox) Capabilities() Capabilities {
	return Capabilities{
		Name:           "process",
		Isolation:      "process",
		Languages:      Languages(),
		MaxOutputBytes: s.opts.MaxOutputBytes,
	}
}
