// Package realtime serves the WebSocket endpoint. Each socket is one
// connection id: it joins rooms through the session registry, receives the
// room's broadcast events, and can submit runs whose results are pushed back
// over the same socket.
package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/seantiz/coderoom/internal/broadcast"
	"github.com/seantiz/coderoom/internal/model"
	"github.com/seantiz/coderoom/internal/session"
	"github.com/seantiz/coderoom/internal/status"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20 // 1 MB
	sendQueueSize  = 64
)

// Submitter accepts run requests.
type Submitter interface {
	Submit(ctx context.Context, nj model.NewJob) (*model.Job, error)
}

// Poller reads the current status of a job.
type Poller interface {
	Poll(ctx context.Context, jobID string) (status.Status, error)
}

// Handler upgrades requests to WebSocket connections.
type Handler struct {
	sessions *session.Registry
	bus      broadcast.Bus
	jobs     Submitter
	status   Poller
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
}

// NewHandler creates a WebSocket handler.
func NewHandler(sessions *session.Registry, bus broadcast.Bus, jobs Submitter, st Poller, logger *slog.Logger) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		sessions: sessions,
		bus:      bus,
		jobs:     jobs,
		status:   st,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// ServeHTTP upgrades the request and serves the connection until either side
// closes it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn("websocket upgrade", "error", err)
		return
	}

	h.conns.Add(1)
	defer h.conns.Done()

	newConn(h, ws).serve()
}

// Close disconnects every client and waits until each has left its rooms.
func (h *Handler) Close() {
	h.cancel()
	h.conns.Wait()
}

func newConn(h *Handler, ws *websocket.Conn) *conn {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(h.ctx)
	return &conn{
		h:      h,
		id:     id,
		ws:     ws,
		send:   make(chan []byte, sendQueueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: h.logger.With("connection_id", id),
		rooms:  make(map[string]*roomFeed),
	}
}
