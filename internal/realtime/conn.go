package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seantiz/coderoom/internal/broadcast"
	"github.com/seantiz/coderoom/internal/engine"
	"github.com/seantiz/coderoom/internal/model"
	"github.com/seantiz/coderoom/internal/queue"
	"github.com/seantiz/coderoom/internal/session"
	"github.com/seantiz/coderoom/internal/status"
)

// markerWait bounds how long a new room feed waits for its own join event
// before flushing held events.
const markerWait = 2 * time.Second

var (
	errPositionRequired = errors.New("position is required")
	errCodeRequired     = errors.New("code is required")
	errLanguageRequired = errors.New("language is required")
	errQueueFull        = errors.New("run queue is full, try again later")
	errQueueUnavailable = errors.New("run queue is unavailable")
)

type conn struct {
	h      *Handler
	id     string
	ws     *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	// rooms is owned by the read loop.
	rooms map[string]*roomFeed
	feeds sync.WaitGroup
}

type roomFeed struct {
	unsub    func()
	snapshot chan session.Snapshot
}

func (c *conn) serve() {
	connectionsGauge.Inc()
	defer connectionsGauge.Dec()
	c.logger.Info("websocket connected")

	written := make(chan struct{})
	go func() {
		c.writePump()
		close(written)
	}()

	c.readPump()
	c.cancel()
	<-written

	for _, f := range c.rooms {
		f.unsub()
	}
	c.feeds.Wait()

	left := c.h.sessions.OnDisconnect(context.Background(), c.id)
	c.logger.Info("websocket disconnected", "rooms_left", left)
}

func (c *conn) readPump() {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("websocket read", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid JSON message")
			continue
		}
		if err := c.dispatch(msg); err != nil {
			c.sendError(err.Error())
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *conn) dispatch(msg inbound) error {
	switch msg.Type {
	case typeJoin:
		return c.join(msg.RoomID, msg.DisplayName)
	case typeLeave:
		c.leave(msg.RoomID)
		return nil
	case typeCodeChange:
		return c.h.sessions.ChangeCode(c.ctx, msg.RoomID, c.id, msg.Text)
	case typeCursorMove:
		if msg.Position == nil {
			return errPositionRequired
		}
		return c.h.sessions.UpdateCursor(c.ctx, msg.RoomID, c.id, session.Cursor{
			Position:  *msg.Position,
			Selection: msg.Selection,
		})
	case typeRun:
		return c.run(msg)
	case typePing:
		c.sendFrame(pongFrame{Type: typePong})
		return nil
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

// join subscribes to the room before joining it so no event after the
// snapshot is missed. The first join in a room hands the snapshot to the
// room's forwarder, which orders it against the events already in flight.
func (c *conn) join(roomID, displayName string) error {
	if strings.TrimSpace(roomID) == "" {
		return session.ErrInvalidRoom
	}

	feed, subscribed := c.rooms[roomID]
	if !subscribed {
		ch, unsub := c.h.bus.Subscribe(broadcast.RoomTopic(roomID))
		feed = &roomFeed{unsub: unsub, snapshot: make(chan session.Snapshot, 1)}
		c.rooms[roomID] = feed
		c.feeds.Add(1)
		go c.forwardRoom(ch, feed.snapshot)
	}

	snap, err := c.h.sessions.Join(c.ctx, roomID, c.id, displayName)
	if err != nil {
		if !subscribed {
			c.dropFeed(roomID)
		}
		return err
	}

	if subscribed {
		c.sendSnapshot(snap)
	} else {
		feed.snapshot <- snap
	}
	return nil
}

func (c *conn) leave(roomID string) {
	c.h.sessions.Leave(c.ctx, roomID, c.id)
	c.dropFeed(roomID)
}

func (c *conn) dropFeed(roomID string) {
	if f, ok := c.rooms[roomID]; ok {
		f.unsub()
		delete(c.rooms, roomID)
	}
}

// forwardRoom relays room events to the socket. Until the snapshot has been
// sent, events are held back; those published before this connection's own
// join are already reflected in the snapshot and are discarded.
func (c *conn) forwardRoom(ch <-chan broadcast.Message, snapCh <-chan session.Snapshot) {
	defer c.feeds.Done()

	var (
		pending []broadcast.Message
		snap    *session.Snapshot
		marked  bool
		expired <-chan time.Time
	)
	for snap == nil || !marked {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if !marked && msg.Type == session.EventPresenceList && msg.Exclude == c.id {
				marked = true
				pending = pending[:0]
				continue
			}
			pending = append(pending, msg)
		case s := <-snapCh:
			snap = &s
			expired = time.After(markerWait)
		case <-expired:
			marked = true
		case <-c.ctx.Done():
			return
		}
	}

	c.sendSnapshot(*snap)
	for _, msg := range pending {
		c.forward(msg)
	}

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.forward(msg)
		case <-c.ctx.Done():
			return
		}
	}
}

// sendSnapshot brings the socket up to date with a room: membership, the
// current document and every other participant's cursor.
func (c *conn) sendSnapshot(snap session.Snapshot) {
	members := make([]session.Member, len(snap.Participants))
	for i, p := range snap.Participants {
		members[i] = session.Member{ConnectionID: p.ConnectionID, DisplayName: p.DisplayName}
	}
	c.sendEvent(session.EventPresenceList, session.PresenceList{
		RoomID:       snap.RoomID,
		Participants: members,
		Count:        snap.Count,
	})

	if snap.Document != "" {
		c.sendEvent(session.EventCodeUpdate, session.CodeUpdate{RoomID: snap.RoomID, Text: snap.Document})
	}

	for _, p := range snap.Participants {
		if p.ConnectionID == c.id || p.Cursor == nil {
			continue
		}
		c.sendEvent(session.EventCursorUpdate, session.CursorUpdate{
			RoomID:       snap.RoomID,
			ConnectionID: p.ConnectionID,
			DisplayName:  p.DisplayName,
			Position:     p.Cursor.Position,
			Selection:    p.Cursor.Selection,
			Timestamp:    time.Now().UnixMilli(),
		})
	}
}

func (c *conn) run(msg inbound) error {
	if strings.TrimSpace(msg.Code) == "" {
		return errCodeRequired
	}
	if strings.TrimSpace(msg.Language) == "" {
		return errLanguageRequired
	}
	if _, joined := c.rooms[msg.RoomID]; msg.RoomID != "" && !joined {
		return session.ErrNotJoined
	}

	job, err := c.h.jobs.Submit(c.ctx, model.NewJob{
		Language: msg.Language,
		Source:   msg.Code,
		Stdin:    msg.Stdin,
		RoomID:   msg.RoomID,
	})
	if errors.Is(err, queue.ErrQueueFull) {
		return errQueueFull
	}
	if err != nil {
		c.logger.Error("submit run", "error", err)
		return errQueueUnavailable
	}

	c.sendFrame(jobQueuedFrame{Type: typeJobQueued, JobID: job.ID, RoomID: job.RoomID})

	// Members of the job's room get the result on the room feed.
	if job.RoomID != "" {
		return nil
	}
	c.watchJob(job.ID)
	return nil
}

// watchJob delivers one job's result to this socket.
func (c *conn) watchJob(jobID string) {
	ch, unsub := c.h.bus.Subscribe(broadcast.JobTopic(jobID))
	c.feeds.Add(1)
	go func() {
		defer c.feeds.Done()
		defer unsub()

		// The job may have finished before the subscription existed.
		st, err := c.h.status.Poll(c.ctx, jobID)
		if err != nil && c.ctx.Err() == nil {
			c.logger.Warn("poll job status", "job_id", jobID, "error", err)
		}
		if err == nil && model.IsTerminal(st.State) {
			c.sendEvent(engine.EventJobResult, resultEvent(st))
			return
		}

		select {
		case msg, ok := <-ch:
			if ok {
				c.forward(msg)
			}
		case <-c.ctx.Done():
		}
	}()
}

func resultEvent(st status.Status) engine.ResultEvent {
	ev := engine.ResultEvent{JobID: st.JobID, State: st.State}
	if st.Result != nil {
		ev.Output = st.Result.Output
		ev.Error = st.Result.Error
		ev.ExecutionTimeMillis = st.Result.ExecutionTimeMillis
	}
	return ev
}

// forward relays a bus message unless this connection sent it.
func (c *conn) forward(msg broadcast.Message) {
	if msg.Exclude == c.id {
		return
	}
	b, err := frame(msg.Type, msg.Payload)
	if err != nil {
		c.logger.Error("encode frame", "type", msg.Type, "error", err)
		return
	}
	c.enqueue(b)
}

func (c *conn) sendEvent(eventType string, payload any) {
	b, err := encodeFrame(eventType, payload)
	if err != nil {
		c.logger.Error("encode frame", "type", eventType, "error", err)
		return
	}
	c.enqueue(b)
}

func (c *conn) sendFrame(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("encode frame", "error", err)
		return
	}
	c.enqueue(b)
}

func (c *conn) sendError(message string) {
	c.sendFrame(errorFrame{Type: typeError, Message: message})
}

// enqueue hands a frame to the writer, dropping it if the socket has fallen
// too far behind.
func (c *conn) enqueue(b []byte) {
	select {
	case c.send <- b:
	case <-c.ctx.Done():
	default:
		framesDropped.Inc()
		c.logger.Warn("send queue full, frame dropped")
	}
}
