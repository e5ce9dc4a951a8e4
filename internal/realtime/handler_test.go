package realtime_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seantiz/coderoom/internal/broadcast"
	"github.com/seantiz/coderoom/internal/engine"
	"github.com/seantiz/coderoom/internal/queue"
	"github.com/seantiz/coderoom/internal/realtime"
	"github.com/seantiz/coderoom/internal/sandbox"
	"github.com/seantiz/coderoom/internal/session"
	"github.com/seantiz/coderoom/internal/status"
)

const readTimeout = 5 * time.Second

// echoSandbox "runs" a program by printing its source.
type echoSandbox struct{}

func (echoSandbox) Run(_ context.Context, req sandbox.Request) (sandbox.Result, error) {
	return sandbox.Result{Stdout: req.Source, Duration: time.Millisecond}, nil
}

func (echoSandbox) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{Name: "echo", Isolation: "none"}
}

type testEnv struct {
	server  *httptest.Server
	handler *realtime.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	q, err := queue.NewSQLiteQueue(":memory:", queue.Options{})
	if err != nil {
		t.Fatalf("NewSQLiteQueue: %v", err)
	}
	bus := broadcast.NewLocalBus()
	pool := engine.NewPool(q, echoSandbox{}, bus, engine.Options{
		Workers:      2,
		PollInterval: 20 * time.Millisecond,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = pool.Run(ctx)
		close(done)
	}()

	h := realtime.NewHandler(session.NewRegistry(bus, logger), bus, pool, status.NewFacade(q, 0, 0), logger)
	srv := httptest.NewServer(h)

	t.Cleanup(func() {
		h.Close()
		srv.Close()
		cancel()
		<-done
		pool.Wait()
		bus.Close()
		q.Close()
	})
	return &testEnv{server: srv, handler: h}
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func (e *testEnv) dial(t *testing.T) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return &client{t: t, ws: ws}
}

func (c *client) send(v map[string]any) {
	c.t.Helper()
	if err := c.ws.WriteJSON(v); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) next() map[string]any {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		c.t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

// expect reads frames until one of the given type arrives.
func (c *client) expect(typ string) map[string]any {
	c.t.Helper()
	for {
		m := c.next()
		if m["type"] == typ {
			return m
		}
	}
}

// expectPresence reads presence lists until one with count n arrives.
func (c *client) expectPresence(n int) map[string]any {
	c.t.Helper()
	for {
		m := c.expect(session.EventPresenceList)
		if int(m["count"].(float64)) == n {
			return m
		}
	}
}

func (c *client) join(room, name string) map[string]any {
	c.t.Helper()
	c.send(map[string]any{"type": "join", "roomId": room, "displayName": name})
	return c.expect(session.EventPresenceList)
}

func TestJoinSendsPresenceToEveryone(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t)
	b := env.dial(t)

	if got := a.join("r1", "Ada"); got["count"] != float64(1) {
		t.Fatalf("a's presence = %v, want count 1", got)
	}

	presence := b.join("r1", "Bob")
	if presence["count"] != float64(2) {
		t.Fatalf("b's presence = %v, want count 2", presence)
	}
	names := []string{}
	for _, p := range presence["participants"].([]any) {
		names = append(names, p.(map[string]any)["displayName"].(string))
	}
	if strings.Join(names, ",") != "Ada,Bob" {
		t.Errorf("participants = %v, want join order", names)
	}

	joined := a.expect(session.EventUserJoined)
	if joined["displayName"] != "Bob" || joined["roomId"] != "r1" {
		t.Errorf("userJoined = %v", joined)
	}
	a.expectPresence(2)
}

func TestCodeChangeReachesOthersOnly(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t)
	b := env.dial(t)
	a.join("r1", "Ada")
	b.join("r1", "Bob")
	a.expectPresence(2)

	a.send(map[string]any{"type": "codeChange", "roomId": "r1", "text": "from a"})
	if got := b.expect(session.EventCodeUpdate); got["text"] != "from a" {
		t.Fatalf("b codeUpdate = %v", got)
	}

	b.send(map[string]any{"type": "codeChange", "roomId": "r1", "text": "from b"})
	// a never sees its own change, so its first codeUpdate is b's.
	if got := a.expect(session.EventCodeUpdate); got["text"] != "from b" {
		t.Errorf("a codeUpdate = %v, want b's change", got)
	}
}

func TestLateJoinerReceivesDocumentAndCursors(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t)
	a.join("r1", "Ada")
	a.send(map[string]any{"type": "codeChange", "roomId": "r1", "text": "int main() {}"})
	a.send(map[string]any{"type": "cursorMove", "roomId": "r1", "position": map[string]any{"line": 3, "column": 7}})
	a.send(map[string]any{"type": "ping"})
	a.expect("pong")

	b := env.dial(t)
	b.join("r1", "Bob")
	if got := b.expect(session.EventCodeUpdate); got["text"] != "int main() {}" {
		t.Errorf("document = %v", got)
	}
	cursor := b.expect(session.EventCursorUpdate)
	pos := cursor["position"].(map[string]any)
	if cursor["displayName"] != "Ada" || pos["line"] != float64(3) || pos["column"] != float64(7) {
		t.Errorf("cursorUpdate = %v", cursor)
	}
}

func TestCursorMoveBroadcast(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t)
	b := env.dial(t)
	a.join("r1", "Ada")
	b.join("r1", "Bob")
	a.expectPresence(2)

	b.send(map[string]any{
		"type":      "cursorMove",
		"roomId":    "r1",
		"position":  map[string]any{"line": 1, "column": 2},
		"selection": map[string]any{"start": map[string]any{"line": 1, "column": 0}, "end": map[string]any{"line": 1, "column": 2}},
	})
	got := a.expect(session.EventCursorUpdate)
	if got["displayName"] != "Bob" || got["selection"] == nil {
		t.Errorf("cursorUpdate = %v", got)
	}
	if ts, ok := got["timestamp"].(float64); !ok || ts <= 0 {
		t.Errorf("timestamp = %v", got["timestamp"])
	}
}

func TestDisconnectLeavesRoom(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t)
	b := env.dial(t)
	a.join("r1", "Ada")
	b.join("r1", "Bob")
	a.expectPresence(2)

	b.ws.Close()

	left := a.expect(session.EventUserLeft)
	if left["displayName"] != "Bob" || left["count"] != float64(1) {
		t.Errorf("userLeft = %v", left)
	}
	a.expectPresence(1)
}

func TestLeaveThenRejoin(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t)
	b := env.dial(t)
	a.join("r1", "Ada")
	b.join("r1", "Bob")
	a.expectPresence(2)

	b.send(map[string]any{"type": "leave", "roomId": "r1"})
	a.expectPresence(1)

	b.join("r1", "Bob")
	a.expectPresence(2)
}

func TestRunWithoutRoom(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)

	c.send(map[string]any{"type": "run", "code": "print(42)", "language": "python"})
	queued := c.expect("jobQueued")
	jobID, _ := queued["jobId"].(string)
	if jobID == "" {
		t.Fatalf("jobQueued = %v", queued)
	}

	result := c.expect(engine.EventJobResult)
	if result["jobId"] != jobID || result["state"] != "completed" || result["output"] != "print(42)" {
		t.Errorf("jobResult = %v", result)
	}
}

func TestRunInRoomReachesEveryMember(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t)
	b := env.dial(t)
	a.join("r1", "Ada")
	b.join("r1", "Bob")
	a.expectPresence(2)

	a.send(map[string]any{"type": "run", "roomId": "r1", "code": "shared", "language": "python"})
	jobID := a.expect("jobQueued")["jobId"]

	for name, c := range map[string]*client{"a": a, "b": b} {
		got := c.expect(engine.EventJobResult)
		if got["jobId"] != jobID || got["output"] != "shared" || got["roomId"] != "r1" {
			t.Errorf("%s jobResult = %v", name, got)
		}
	}
}

func TestRunInUnjoinedRoomIsRejected(t *testing.T) {
	env := newTestEnv(t)
	member := env.dial(t)
	outsider := env.dial(t)
	member.join("r1", "Ada")

	outsider.send(map[string]any{"type": "run", "roomId": "r1", "code": "intrusion", "language": "python"})
	if got := outsider.expect("error"); got["message"] != session.ErrNotJoined.Error() {
		t.Errorf("error = %v", got)
	}

	// The member's next result is its own run, not the outsider's.
	member.send(map[string]any{"type": "run", "roomId": "r1", "code": "mine", "language": "python"})
	jobID := member.expect("jobQueued")["jobId"]
	got := member.expect(engine.EventJobResult)
	if got["jobId"] != jobID || got["output"] != "mine" {
		t.Errorf("jobResult = %v", got)
	}
}

func TestProtocolErrors(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)

	tests := []struct {
		name string
		msg  map[string]any
		want string
	}{
		{"unknown type", map[string]any{"type": "dance"}, `unknown message type "dance"`},
		{"join without room", map[string]any{"type": "join"}, session.ErrInvalidRoom.Error()},
		{"cursor before join", map[string]any{"type": "cursorMove", "roomId": "r9", "position": map[string]any{"line": 0}}, session.ErrNotJoined.Error()},
		{"cursor without position", map[string]any{"type": "cursorMove", "roomId": "r9"}, "position is required"},
		{"run without code", map[string]any{"type": "run", "language": "python"}, "code is required"},
		{"run without language", map[string]any{"type": "run", "code": "x"}, "language is required"},
		{"run in unjoined room", map[string]any{"type": "run", "roomId": "r9", "code": "x", "language": "python"}, session.ErrNotJoined.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.t = t
			c.send(tt.msg)
			got := c.expect("error")
			if got["message"] != tt.want {
				t.Errorf("message = %v, want %q", got["message"], tt.want)
			}
		})
	}
}

func TestInvalidJSON(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)

	if err := c.ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := c.expect("error"); got["message"] != "invalid JSON message" {
		t.Errorf("error = %v", got)
	}

	// The connection stays usable.
	c.send(map[string]any{"type": "ping"})
	c.expect("pong")
}

func TestCloseDisconnectsClients(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	c.join("r1", "Ada")

	env.handler.Close()

	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
				t.Errorf("read error = %v, want going-away close", err)
			}
			return
		}
	}
}
