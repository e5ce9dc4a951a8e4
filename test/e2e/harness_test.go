package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
	jobTimeout     = 10 * time.Second
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "coderoom-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "testserver")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/testserver")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func startServer(t *testing.T, env ...string) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	stdout := &lockedBuffer{}
	cmd := exec.Command(getBinary(t))
	cmd.Env = append(os.Environ(),
		"CODEROOM_LISTEN_ADDR="+addr,
		"CODEROOM_DB_PATH="+filepath.Join(t.TempDir(), "test.db"),
		"CODEROOM_LOG_LEVEL=info",
		"CODEROOM_POLL_INTERVAL=50ms",
	)
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:    cmd,
		stdout: stdout,
		url:    "http://" + addr,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

func (sp *serverProc) wsURL() string {
	return "ws" + strings.TrimPrefix(sp.url, "http") + "/ws"
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// submitRun posts to /v1/run and returns the job id.
func submitRun(t *testing.T, sp *serverProc, body string) string {
	t.Helper()
	resp := postJSON(t, sp.url+"/v1/run", body)
	if resp.StatusCode != http.StatusAccepted {
		resp.Body.Close()
		t.Fatalf("POST /v1/run status = %d, want 202", resp.StatusCode)
	}
	var out struct {
		JobID string `json:"jobId"`
	}
	decodeJSON(t, resp, &out)
	if out.JobID == "" {
		t.Fatal("empty jobId")
	}
	return out.JobID
}

type runStatus struct {
	JobID  string `json:"jobId"`
	State  string `json:"state"`
	Result *struct {
		Output              string `json:"output"`
		Error               string `json:"error"`
		ExecutionTimeMillis int64  `json:"executionTimeMillis"`
	} `json:"result"`
}

// pollUntilTerminal polls the status endpoint until the job completes or fails.
func pollUntilTerminal(t *testing.T, sp *serverProc, id string) runStatus {
	t.Helper()
	deadline := time.Now().Add(jobTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/v1/run/status/" + id)
		if err != nil {
			t.Fatalf("GET status: %v", err)
		}
		var st runStatus
		decodeJSON(t, resp, &st)
		if st.State == "completed" || st.State == "failed" {
			return st
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("job %s did not finish within %v", id, jobTimeout)
	return runStatus{}
}
