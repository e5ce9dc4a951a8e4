package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func newTestSandbox(t *testing.T, maxOutput int) (*ProcessSandbox, string) {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewProcessSandbox(ProcessOptions{WorkDir: dir, MaxOutputBytes: maxOutput}, logger), dir
}

func TestProcessRunPython(t *testing.T) {
	requireTool(t, "python3")
	s, _ := newTestSandbox(t, 0)

	res, err := s.Run(context.Background(), Request{Language: "python", Source: `print("hi")`, Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Run: %v (stderr %q)", err, res.Stderr)
	}
	if res.Stdout != "hi\n" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "hi\n")
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if res.Duration <= 0 {
		t.Error("Duration should be measured")
	}
}

func TestProcessRunStdin(t *testing.T) {
	requireTool(t, "python3")
	s, _ := newTestSandbox(t, 0)

	res, err := s.Run(context.Background(), Request{
		Language: "Python",
		Source:   "name = input()\nprint('hello ' + name)",
		Stdin:    "ada\n",
		Timeout:  10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run: %v (stderr %q)", err, res.Stderr)
	}
	if res.Stdout != "hello ada\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
}

func TestProcessNonZeroExit(t *testing.T) {
	requireTool(t, "python3")
	s, _ := newTestSandbox(t, 0)

	res, err := s.Run(context.Background(), Request{
		Language: "python",
		Source:   "import sys\nprint('bad', file=sys.stderr)\nsys.exit(3)",
		Timeout:  10 * time.Second,
	})
	if !errors.Is(err, ErrNonZeroExit) {
		t.Fatalf("err = %v, want ErrNonZeroExit", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "bad") {
		t.Errorf("Stderr = %q, want to contain 'bad'", res.Stderr)
	}
	if !strings.Contains(err.Error(), "status 3") {
		t.Errorf("err = %q, want to mention status 3", err)
	}
}

func TestProcessPythonSyntaxError(t *testing.T) {
	requireTool(t, "python3")
	s, _ := newTestSandbox(t, 0)

	res, err := s.Run(context.Background(), Request{Language: "python", Source: "print(", Timeout: 10 * time.Second})
	if !errors.Is(err, ErrNonZeroExit) {
		t.Fatalf("err = %v, want ErrNonZeroExit", err)
	}
	if !strings.Contains(res.Stderr, "SyntaxError") {
		t.Errorf("Stderr = %q, want SyntaxError", res.Stderr)
	}
}

func TestProcessCompileError(t *testing.T) {
	requireTool(t, "g++")
	s, _ := newTestSandbox(t, 0)

	res, err := s.Run(context.Background(), Request{Language: "cpp", Source: "int main( {", Timeout: 30 * time.Second})
	if !errors.Is(err, ErrCompile) {
		t.Fatalf("err = %v, want ErrCompile", err)
	}
	if res.Stderr == "" {
		t.Error("compile failure should carry compiler diagnostics")
	}
}

func TestProcessRunCpp(t *testing.T) {
	requireTool(t, "g++")
	s, _ := newTestSandbox(t, 0)

	src := "#include <iostream>\nint main() { std::cout << \"hi\" << std::endl; return 0; }\n"
	res, err := s.Run(context.Background(), Request{Language: "cpp", Source: src, Timeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("Run: %v (stderr %q)", err, res.Stderr)
	}
	if res.Stdout != "hi\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
}

func TestProcessTimeoutCppInfiniteLoop(t *testing.T) {
	requireTool(t, "g++")
	s, _ := newTestSandbox(t, 0)

	src := "int main() { volatile int x = 0; for (;;) { x++; } }\n"
	start := time.Now()
	_, err := s.Run(context.Background(), Request{Language: "cpp", Source: src, Timeout: 5 * time.Second})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if !strings.Contains(err.Error(), "timed out after 5s") {
		t.Errorf("err = %q, want to mention the bound", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second+waitDelay+time.Second {
		t.Errorf("Run took %s, process was not killed promptly", elapsed)
	}
}

func TestProcessTimeoutPython(t *testing.T) {
	requireTool(t, "python3")
	s, _ := newTestSandbox(t, 0)

	_, err := s.Run(context.Background(), Request{
		Language: "python",
		Source:   "while True:\n    pass\n",
		Timeout:  500 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestProcessUnsupportedLanguage(t *testing.T) {
	s, dir := newTestSandbox(t, 0)

	_, err := s.Run(context.Background(), Request{Language: "cobol", Source: "DISPLAY 'HI'."})
	if !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("err = %v, want ErrUnsupportedLanguage", err)
	}
	if !strings.Contains(err.Error(), "cobol") {
		t.Errorf("err = %q, want to name the language", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("work dir has %d entries, want none", len(entries))
	}
}

func TestProcessOutputCap(t *testing.T) {
	requireTool(t, "python3")
	s, _ := newTestSandbox(t, 100)

	res, err := s.Run(context.Background(), Request{Language: "python", Source: "print('x' * 10000)", Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Stdout) != 100 {
		t.Errorf("len(Stdout) = %d, want 100", len(res.Stdout))
	}
	if !res.Truncated {
		t.Error("Truncated should be set")
	}
}

func TestProcessRemovesWorkDir(t *testing.T) {
	requireTool(t, "python3")
	s, dir := newTestSandbox(t, 0)

	if _, err := s.Run(context.Background(), Request{Language: "python", Source: "print(1)", Timeout: 10 * time.Second}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("work dir has %d entries after run, want none", len(entries))
	}
}

func TestProcessCapabilities(t *testing.T) {
	s, _ := newTestSandbox(t, 0)
	caps := s.Capabilities()
	if caps.Name != "process" {
		t.Errorf("Name = %q", caps.Name)
	}
	if caps.MaxOutputBytes != DefaultMaxOutputBytes {
		t.Errorf("MaxOutputBytes = %d, want %d", caps.MaxOutputBytes, DefaultMaxOutputBytes)
	}
	if len(caps.Languages) != len(recipes) {
		t.Errorf("Languages = %v", caps.Languages)
	}
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{max: 5}

	n, err := b.Write([]byte("abc"))
	if n != 3 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	n, err = b.Write([]byte("defgh"))
	if n != 5 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if got := b.String(); got != "abcde" {
		t.Errorf("String = %q, want %q", got, "abcde")
	}
	if !b.truncated {
		t.Error("truncated should be set")
	}
}
