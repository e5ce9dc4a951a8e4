package realtime

import (
	"encoding/json"

	"github.com/seantiz/coderoom/internal/session"
)

// Client to server message types.
const (
	typeJoin       = "join"
	typeLeave      = "leave"
	typeCodeChange = "codeChange"
	typeCursorMove = "cursorMove"
	typeRun        = "run"
	typePing       = "ping"
)

// Server to client message types not carried on the broadcast bus.
const (
	typeJobQueued = "jobQueued"
	typeError     = "error"
	typePong      = "pong"
)

// inbound is the union of every client message. Fields not used by a type
// are ignored.
type inbound struct {
	Type        string             `json:"type"`
	RoomID      string             `json:"roomId"`
	DisplayName string             `json:"displayName"`
	Text        string             `json:"text"`
	Position    *session.Position  `json:"position"`
	Selection   *session.Selection `json:"selection"`
	Code        string             `json:"code"`
	Language    string             `json:"language"`
	Stdin       string             `json:"stdin"`
}

type jobQueuedFrame struct {
	Type   string `json:"type"`
	JobID  string `json:"jobId"`
	RoomID string `json:"roomId,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type pongFrame struct {
	Type string `json:"type"`
}

// frame renders an event as a flat JSON object: the type field followed by
// the fields of payload. payload must encode as a JSON object.
func frame(eventType string, payload json.RawMessage) ([]byte, error) {
	head, err := json.Marshal(struct {
		Type string `json:"type"`
	}{eventType})
	if err != nil {
		return nil, err
	}

	body := payload
	if len(body) < 2 || body[0] != '{' {
		return head, nil
	}
	inner := body[1 : len(body)-1]
	if len(inner) == 0 {
		return head, nil
	}

	out := make([]byte, 0, len(head)+len(inner)+1)
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, inner...)
	out = append(out, '}')
	return out, nil
}

// encodeFrame renders v, which must encode as a JSON object, under eventType.
func encodeFrame(eventType string, v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return frame(eventType, raw)
}
