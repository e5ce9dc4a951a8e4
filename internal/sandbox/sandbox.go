// Package sandbox runs submitted source code in an isolated process or
// container and captures what it printed. A sandbox keeps no state between
// runs: every run gets a fresh work directory that is removed afterwards.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Sentinel errors returned by Run. Run wraps them with detail, so compare
// with errors.Is.
var (
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrTimeout             = errors.New("execution timed out")
	ErrCompile             = errors.New("compilation failed")
	ErrNonZeroExit         = errors.New("process exited with non-zero status")
)

// DefaultMaxOutputBytes caps each captured stream when no cap is configured.
const DefaultMaxOutputBytes = 64 << 10

// Request describes one run.
type Request struct {
	JobID    string
	Language string
	Source   string
	Stdin    string

	// Timeout bounds compile and run together. Zero means no bound beyond ctx.
	Timeout time.Duration
}

// Result holds the captured output of a run. It is filled in as far as the
// run got, including on error.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	Truncated bool
}

// Capabilities describes what a sandbox can run.
type Capabilities struct {
	Name           string   `json:"name"`
	Isolation      string   `json:"isolation"`
	Languages      []string `json:"languages"`
	MaxOutputBytes int      `json:"max_output_bytes"`
}

// Sandbox is implemented by every execution environment.
type Sandbox interface {
	// Run compiles (if the language needs it) and runs req.Source. Compile
	// failures, non-zero exits and timeouts return the partial Result along
	// with ErrCompile, ErrNonZeroExit or ErrTimeout.
	Run(ctx context.Context, req Request) (Result, error)

	Capabilities() Capabilities
}

// stepCommand builds the command for one recipe step run inside dir.
type stepCommand func(ctx context.Context, step string, dir string, argv []string) *exec.Cmd

// runRecipe is the compile-then-run sequence shared by every sandbox.
func runRecipe(ctx context.Context, workDir string, maxOutput int, req Request, command stepCommand) (res Result, err error) {
	recipe, err := LookupRecipe(req.Language)
	if err != nil {
		return res, err
	}

	dir, err := os.MkdirTemp(workDir, "job-")
	if err != nil {
		return res, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err = os.WriteFile(filepath.Join(dir, recipe.File), []byte(req.Source), 0o644); err != nil {
		return res, fmt.Errorf("write source: %w", err)
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	if len(recipe.Compile) > 0 {
		out, err := runStep(ctx, command(ctx, "compile", dir, recipe.Compile), "", maxOutput)
		if err != nil {
			res = out
			if errors.Is(err, ErrTimeout) {
				return res, timeoutError(req.Timeout)
			}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				// Compiler diagnostics are the user-facing error, whichever
				// stream the toolchain wrote them to.
				res.Stderr = strings.TrimSpace(joinOutput(out.Stdout, out.Stderr))
				res.Stdout = ""
				return res, fmt.Errorf("%w: %s exited with status %d", ErrCompile, recipe.Compile[0], out.ExitCode)
			}
			return res, fmt.Errorf("compile %s: %w", recipe.Language, err)
		}
	}

	out, err := runStep(ctx, command(ctx, "run", dir, recipe.Run), req.Stdin, maxOutput)
	res = out
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return res, timeoutError(req.Timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, fmt.Errorf("%w: process exited with status %d", ErrNonZeroExit, out.ExitCode)
		}
		return res, fmt.Errorf("run %s: %w", recipe.Language, err)
	}
	return res, nil
}

func timeoutError(d time.Duration) error {
	if d <= 0 {
		return ErrTimeout
	}
	return fmt.Errorf("%w after %s", ErrTimeout, d)
}

func joinOutput(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n" + b
	}
}

// runStep runs cmd to completion, capturing both streams up to maxOutput
// bytes each. A context deadline is reported as ErrTimeout; a non-zero exit
// returns the *exec.ExitError.
func runStep(ctx context.Context, cmd *exec.Cmd, stdin string, maxOutput int) (Result, error) {
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}
	stdout := &cappedBuffer{max: maxOutput}
	stderr := &cappedBuffer{max: maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Stdin = strings.NewReader(stdin)

	err := cmd.Run()

	res := Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, ErrTimeout
	}
	if err != nil && ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, err
}

// cappedBuffer keeps the first max bytes written to it and discards the rest
// without failing the writer.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = len(p) > 0 || b.truncated
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
