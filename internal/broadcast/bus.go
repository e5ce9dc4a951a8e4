// Package broadcast is the realtime publish/subscribe channel. Topics are
// per room or per job; delivery is best-effort and at-most-once per
// subscriber, and messages from one publisher reach each subscriber in
// publish order.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	roomTopicPrefix = "room:"
	jobTopicPrefix  = "job:"
)

// Message is one event on a topic.
type Message struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	// Exclude is the connection id of the sender, if the sender must not
	// receive its own event. Subscribers filter on it.
	Exclude   string          `json:"exclude,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Bus is implemented by every broadcast transport.
type Bus interface {
	// Publish delivers msg to every current subscriber of msg.Topic. It never
	// blocks on slow subscribers.
	Publish(ctx context.Context, msg Message) error

	// Subscribe returns a channel of messages for topic and an unsubscribe
	// function. The channel is closed when the bus is closed.
	Subscribe(topic string) (<-chan Message, func())

	Close() error
}

// RoomTopic returns the topic carrying presence, cursor and code events for a room.
func RoomTopic(roomID string) string {
	return roomTopicPrefix + roomID
}

// JobTopic returns the topic carrying the completion event for a job.
func JobTopic(jobID string) string {
	return jobTopicPrefix + jobID
}

// NewMessage builds a message with a JSON-encoded payload and the current time.
func NewMessage(topic, eventType string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Message{
		Topic:     topic,
		Type:      eventType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}
