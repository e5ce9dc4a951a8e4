// testserver starts a coderoom server with a stub sandbox for E2E testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/seantiz/coderoom/internal/app"
	"github.com/seantiz/coderoom/internal/config"
	"github.com/seantiz/coderoom/internal/sandbox"
)

const stubName = "stub"

// stubSandbox echoes the source back after a fixed delay. Sources
// containing "fail" exit non-zero with the source on stderr.
type stubSandbox struct {
	delay time.Duration
}

func (s *stubSandbox) Run(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
	if _, err := sandbox.LookupRecipe(req.Language); err != nil {
		return sandbox.Result{}, err
	}
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return sandbox.Result{}, fmt.Errorf("%w: %v", sandbox.ErrTimeout, ctx.Err())
	}

	if strings.Contains(req.Source, "fail") {
		return sandbox.Result{Stderr: req.Source, ExitCode: 1, Duration: s.delay}, sandbox.ErrNonZeroExit
	}
	return sandbox.Result{Stdout: req.Source, Duration: s.delay}, nil
}

func (s *stubSandbox) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{
		Name:      stubName,
		Isolation: "none",
		Languages: sandbox.Languages(),
	}
}

func main() {
	cfg := config.Load()
	cfg.Sandbox = stubName
	if os.Getenv("CODEROOM_DB_PATH") == "" {
		cfg.DBPath = ":memory:"
	}

	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, app.WithSandbox(stubName, &stubSandbox{delay: 200 * time.Millisecond}))
	if err != nil {
		log.Fatalf("testserver: %v", err)
	}
	defer a.Close()

	logger.Info("testserver: starting", "addr", cfg.ListenAddr)
	if err := a.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
