package session

// Room event types published on broadcast.RoomTopic.
const (
	EventPresenceList = "presenceList"
	EventUserJoined   = "userJoined"
	EventUserLeft     = "userLeft"
	EventCursorUpdate = "cursorUpdate"
	EventCodeUpdate   = "codeUpdate"
)

// Position is a zero-based location in the document.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Selection is a range in the document.
type Selection struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Cursor is a participant's latest caret position and optional selection.
type Cursor struct {
	Position  Position   `json:"position"`
	Selection *Selection `json:"selection,omitempty"`
}

// Member identifies a participant in presence events.
type Member struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
}

// PresenceList is the full membership of a room, in join order.
type PresenceList struct {
	RoomID       string   `json:"roomId"`
	Participants []Member `json:"participants"`
	Count        int      `json:"count"`
}

// MembershipChange announces one participant joining or leaving.
type MembershipChange struct {
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
	Count        int    `json:"count"`
}

// CursorUpdate carries one participant's cursor to the rest of the room.
// Timestamp is the server time in Unix milliseconds.
type CursorUpdate struct {
	RoomID       string     `json:"roomId"`
	ConnectionID string     `json:"connectionId"`
	DisplayName  string     `json:"displayName"`
	Position     Position   `json:"position"`
	Selection    *Selection `json:"selection,omitempty"`
	Timestamp    int64      `json:"timestamp"`
}

// CodeUpdate carries the entire current document text.
type CodeUpdate struct {
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId,omitempty"`
	Text         string `json:"text"`
}
