// Package session tracks who is in which room. It owns room membership,
// display names, cursors and the latest document text, and publishes every
// change on the room's broadcast topic.
//
// Each room has its own mutex. All mutations of a room, and the events
// they produce, happen under that mutex, so subscribers see a room's events
// in the order its state changed.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/coderoom/internal/broadcast"
)

// DefaultDisplayName is used when a participant joins without a name.
const DefaultDisplayName = "Guest"

// Sentinel errors.
var (
	ErrInvalidRoom       = errors.New("room id is required")
	ErrInvalidConnection = errors.New("connection id is required")
	ErrNotJoined         = errors.New("connection has not joined the room")
)

// Participant is one live connection in a room.
type Participant struct {
	ConnectionID string    `json:"connectionId"`
	DisplayName  string    `json:"displayName"`
	Cursor       *Cursor   `json:"cursor,omitempty"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// Snapshot is the state of a room at one instant.
type Snapshot struct {
	RoomID       string        `json:"roomId"`
	Participants []Participant `json:"participants"`
	Count        int           `json:"count"`
	Document     string        `json:"document"`
}

// Stats counts rooms and participants.
type Stats struct {
	Rooms        int `json:"rooms"`
	Participants int `json:"participants"`
}

type participant struct {
	Participant
	seq uint64
}

type room struct {
	id string

	mu           sync.Mutex
	participants map[string]*participant
	nextSeq      uint64
	document     string

	// closed is set when the room is removed from the registry. A caller
	// that locked a closed room must look it up again.
	closed bool
}

// Registry is the process-wide room table.
type Registry struct {
	bus    broadcast.Bus
	logger *slog.Logger

	// mu guards rooms and conns. Lock order is room.mu, then mu.
	mu    sync.Mutex
	rooms map[string]*room
	conns map[string]map[string]struct{}
}

// NewRegistry creates an empty registry publishing on bus.
func NewRegistry(bus broadcast.Bus, logger *slog.Logger) *Registry {
	return &Registry{
		bus:    bus,
		logger: logger,
		rooms:  make(map[string]*room),
		conns:  make(map[string]map[string]struct{}),
	}
}

// lockRoom returns the room locked, creating it if create is set. It
// returns nil when the room does not exist and create is false.
func (r *Registry) lockRoom(id string, create bool) *room {
	for {
		r.mu.Lock()
		rm, ok := r.rooms[id]
		if !ok {
			if !create {
				r.mu.Unlock()
				return nil
			}
			rm = &room{id: id, participants: make(map[string]*participant)}
			r.rooms[id] = rm
			roomsGauge.Inc()
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if !rm.closed {
			return rm
		}
		rm.mu.Unlock()
	}
}

// Join adds connID to the room, creating the room if needed, and returns the
// room snapshot. Other members receive userJoined and presenceList. Joining
// again with the same connection id only updates the display name.
func (r *Registry) Join(ctx context.Context, roomID, connID, displayName string) (Snapshot, error) {
	if err := validate(roomID, connID); err != nil {
		return Snapshot{}, err
	}
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = DefaultDisplayName
	}

	rm := r.lockRoom(roomID, true)
	defer rm.mu.Unlock()

	p, existed := rm.participants[connID]
	if existed {
		p.DisplayName = name
	} else {
		rm.nextSeq++
		p = &participant{
			Participant: Participant{
				ConnectionID: connID,
				DisplayName:  name,
				JoinedAt:     time.Now().UTC(),
			},
			seq: rm.nextSeq,
		}
		rm.participants[connID] = p
		participantsGauge.Inc()

		r.mu.Lock()
		rooms, ok := r.conns[connID]
		if !ok {
			rooms = make(map[string]struct{})
			r.conns[connID] = rooms
		}
		rooms[roomID] = struct{}{}
		r.mu.Unlock()

		r.publish(ctx, roomID, EventUserJoined, connID, MembershipChange{
			RoomID:       roomID,
			ConnectionID: connID,
			DisplayName:  name,
			Count:        len(rm.participants),
		})
	}

	r.publish(ctx, roomID, EventPresenceList, connID, rm.presence())

	r.logger.Info("participant joined",
		"room_id", roomID,
		"connection_id", connID,
		"display_name", name,
		"count", len(rm.participants),
	)
	return rm.snapshot(), nil
}

// Leave removes connID from the room and reports whether it was there.
// Leaving a room twice, or a room that does not exist, is a no-op. The
// room is deleted when its last participant leaves.
func (r *Registry) Leave(ctx context.Context, roomID, connID string) bool {
	rm := r.lockRoom(roomID, false)
	if rm == nil {
		return false
	}
	defer rm.mu.Unlock()

	p, ok := rm.participants[connID]
	if !ok {
		return false
	}
	delete(rm.participants, connID)
	participantsGauge.Dec()

	r.mu.Lock()
	if rooms, ok := r.conns[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(r.conns, connID)
		}
	}
	r.mu.Unlock()

	r.publish(ctx, roomID, EventUserLeft, connID, MembershipChange{
		RoomID:       roomID,
		ConnectionID: connID,
		DisplayName:  p.DisplayName,
		Count:        len(rm.participants),
	})
	r.publish(ctx, roomID, EventPresenceList, connID, rm.presence())

	// The room leaves the table only after its last events are out, so a
	// joiner racing this call waits on rm.mu and then starts a fresh room.
	if len(rm.participants) == 0 {
		rm.closed = true
		r.mu.Lock()
		delete(r.rooms, roomID)
		r.mu.Unlock()
		roomsGauge.Dec()
	}

	r.logger.Info("participant left",
		"room_id", roomID,
		"connection_id", connID,
		"count", len(rm.participants),
	)
	return true
}

// OnDisconnect leaves every room connID had joined and returns how many
// rooms it left.
func (r *Registry) OnDisconnect(ctx context.Context, connID string) int {
	r.mu.Lock()
	roomIDs := make([]string, 0, len(r.conns[connID]))
	for id := range r.conns[connID] {
		roomIDs = append(roomIDs, id)
	}
	r.mu.Unlock()

	left := 0
	for _, id := range roomIDs {
		if r.Leave(ctx, id, connID) {
			left++
		}
	}
	return left
}

// UpdateCursor stores the participant's cursor and sends it to every other
// member of the room.
func (r *Registry) UpdateCursor(ctx context.Context, roomID, connID string, cursor Cursor) error {
	if err := validate(roomID, connID); err != nil {
		return err
	}
	rm := r.lockRoom(roomID, false)
	if rm == nil {
		return ErrNotJoined
	}
	defer rm.mu.Unlock()

	p, ok := rm.participants[connID]
	if !ok {
		return ErrNotJoined
	}
	c := cursor
	p.Cursor = &c

	r.publish(ctx, roomID, EventCursorUpdate, connID, CursorUpdate{
		RoomID:       roomID,
		ConnectionID: connID,
		DisplayName:  p.DisplayName,
		Position:     cursor.Position,
		Selection:    cursor.Selection,
		Timestamp:    time.Now().UnixMilli(),
	})
	return nil
}

// ChangeCode replaces the room's document with text and sends it to every
// other member. The last change received wins.
func (r *Registry) ChangeCode(ctx context.Context, roomID, connID, text string) error {
	if err := validate(roomID, connID); err != nil {
		return err
	}
	rm := r.lockRoom(roomID, false)
	if rm == nil {
		return ErrNotJoined
	}
	defer rm.mu.Unlock()

	if _, ok := rm.participants[connID]; !ok {
		return ErrNotJoined
	}
	rm.document = text

	r.publish(ctx, roomID, EventCodeUpdate, connID, CodeUpdate{
		RoomID:       roomID,
		ConnectionID: connID,
		Text:         text,
	})
	return nil
}

// Snapshot returns the current state of a room, or false if it does not
// exist.
func (r *Registry) Snapshot(roomID string) (Snapshot, bool) {
	rm := r.lockRoom(roomID, false)
	if rm == nil {
		return Snapshot{}, false
	}
	defer rm.mu.Unlock()
	return rm.snapshot(), true
}

// Stats counts rooms and participants.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	st := Stats{Rooms: len(rooms)}
	for _, rm := range rooms {
		rm.mu.Lock()
		st.Participants += len(rm.participants)
		rm.mu.Unlock()
	}
	return st
}

func (r *Registry) publish(ctx context.Context, roomID, eventType, exclude string, payload any) {
	msg, err := broadcast.NewMessage(broadcast.RoomTopic(roomID), eventType, payload)
	if err != nil {
		r.logger.Error("encode room event", "room_id", roomID, "type", eventType, "error", err)
		return
	}
	msg.Exclude = exclude
	if err := r.bus.Publish(ctx, msg); err != nil {
		r.logger.Warn("publish room event", "room_id", roomID, "type", eventType, "error", err)
	}
}

func validate(roomID, connID string) error {
	if strings.TrimSpace(roomID) == "" {
		return ErrInvalidRoom
	}
	if connID == "" {
		return ErrInvalidConnection
	}
	return nil
}

// ordered returns the participants in join order. Callers hold rm.mu.
func (rm *room) ordered() []*participant {
	ps := make([]*participant, 0, len(rm.participants))
	for _, p := range rm.participants {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].seq < ps[j].seq })
	return ps
}

func (rm *room) presence() PresenceList {
	ps := rm.ordered()
	members := make([]Member, len(ps))
	for i, p := range ps {
		members[i] = Member{ConnectionID: p.ConnectionID, DisplayName: p.DisplayName}
	}
	return PresenceList{RoomID: rm.id, Participants: members, Count: len(members)}
}

func (rm *room) snapshot() Snapshot {
	ps := rm.ordered()
	out := make([]Participant, len(ps))
	for i, p := range ps {
		out[i] = p.Participant
		if p.Cursor != nil {
			c := *p.Cursor
			out[i].Cursor = &c
		}
	}
	return Snapshot{
		RoomID:       rm.id,
		Participants: out,
		Count:        len(out),
		Document:     rm.document,
	}
}
