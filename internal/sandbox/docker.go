package sandbox

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/coderoom/internal/model"
)

// Compile-time interface satisfaction check.
var _ Sandbox = (*DockerSandbox)(nil)

// DockerOptions configures a DockerSandbox.
type DockerOptions struct {
	Binary         string
	WorkDir        string
	MaxOutputBytes int

	Memory    string
	CPUs      string
	PidsLimit int

	// Images overrides the per-language image from the recipe table.
	Images map[string]string

	// KillTimeout bounds the docker kill issued when a step times out.
	// Zero means 5s.
	KillTimeout time.Duration
}

// DockerSandbox runs each recipe step in a throwaway container with no
// network, bounded memory, CPU and process count. The work directory is
// bind-mounted at /code. It drives the docker CLI.
type DockerSandbox struct {
	opts   DockerOptions
	logger *slog.Logger
}

// NewDockerSandbox creates a container sandbox.
func NewDockerSandbox(opts DockerOptions, logger *slog.Logger) *DockerSandbox {
	if opts.Binary == "" {
		opts.Binary = "docker"
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if abs, err := filepath.Abs(opts.WorkDir); err == nil {
		opts.WorkDir = abs
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if opts.Memory == "" {
		opts.Memory = "256m"
	}
	if opts.CPUs == "" {
		opts.CPUs = "1"
	}
	if opts.PidsLimit <= 0 {
		opts.PidsLimit = 64
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = 5 * time.Second
	}
	return &DockerSandbox{opts: opts, logger: logger}
}

// Run executes req in containers.
func (s *DockerSandbox) Run(ctx context.Context, req Request) (Result, error) {
	res, err := runRecipe(ctx, s.opts.WorkDir, s.opts.MaxOutputBytes, req, s.command(req.Language))
	s.logger.Debug("docker run finished",
		"job_id", req.JobID,
		"language", req.Language,
		"exit_code", res.ExitCode,
		"duration_ms", res.Duration.Milliseconds(),
		"error", err,
	)
	return res, err
}

func (s *DockerSandbox) command(language string) stepCommand {
	return func(ctx context.Context, step string, dir string, argv []string) *exec.Cmd {
		name := "coderoom-" + strings.ToLower(model.NewID()) + "-" + step
		cmd := exec.CommandContext(ctx, s.opts.Binary, s.args(name, dir, s.image(language), argv)...)
		cmd.WaitDelay = waitDelay
		cmd.Cancel = func() error {
			// Killing the CLI client does not stop the container.
			if err := s.kill(name); err != nil {
				s.logger.Warn("kill container", "container", name, "error", err)
			}
			return cmd.Process.Kill()
		}
		return cmd
	}
}

// kill stops a container by name, giving up after KillTimeout so an
// unresponsive daemon cannot stall the timed-out step.
func (s *DockerSandbox) kill(name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.KillTimeout)
	defer cancel()
	return exec.CommandContext(ctx, s.opts.Binary, "kill", name).Run()
}

func (s *DockerSandbox) image(language string) string {
	tag := NormalizeLanguage(language)
	if img, ok := s.opts.Images[tag]; ok {
		return img
	}
	return recipes[tag].Image
}

func (s *DockerSandbox) args(name, dir, image string, argv []string) []string {
	args := []string{
		"run", "--rm", "-i",
		"--name", name,
		"--network", "none",
		"--memory", s.opts.Memory,
		"--cpus", s.opts.CPUs,
		"--pids-limit", strconv.Itoa(s.opts.PidsLimit),
		"-v", dir + ":/code",
		"-w", "/code",
		image,
	}
	return append(args, argv...)
}

// Capabilities reports the languages this sandbox has recipes for.
func (s *DockerSandbox) Capabilities() Capabilities {
	return Capabilities{
		Name:           "docker",
		Isolation:      "container",
		Languages:      Languages(),
		MaxOutputBytes: s.opts.MaxOutputBytes,
	}
}
