package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the common schema for a structured log event record.
//
// An event carries a small set of typed attributes that most rules route on
// (timestamp, channel, event type) plus a free-form Fields bag for
// provider-specific data. RawData holds the original payload; field lookups
// fall back to it for fields that were never promoted into Fields (see
// FieldResolver).
//
// Events are never mutated by the engine. Derived lookups are cached by
// EventID, so callers must treat an event as frozen once it has been handed
// to a matcher.
type Event struct {
	EventID   string                 `json:"event_id"`
	Timestamp time.Time              `json:"timestamp"`
	Channel   string                 `json:"channel,omitempty"`
	Provider  string                 `json:"provider,omitempty"`
	Computer  string                 `json:"computer,omitempty"`
	EventType string                 `json:"event_type,omitempty"`
	RawData   string                 `json:"raw_data,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// NewEvent creates an Event with a generated ID and an empty field bag.
func NewEvent() *Event {
	return &Event{
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Fields:    make(map[string]interface{}),
	}
}

// ParseEventJSON decodes one JSON event record. Keys matching the typed
// attributes are promoted; everything else lands in Fields. The original
// document is retained as RawData so keyword and fallback lookups still see
// fields the promotion pass never touched.
func ParseEventJSON(data []byte) (*Event, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}

	ev := NewEvent()
	ev.RawData = string(data)
	for key, value := range raw {
		switch key {
		case "event_id", "EventID":
			if s, ok := value.(string); ok && s != "" {
				ev.EventID = s
				continue
			}
		case "timestamp", "Timestamp":
			if s, ok := value.(string); ok {
				if ts, err := time.Parse(time.RFC3339, s); err == nil {
					ev.Timestamp = ts
					continue
				}
			}
		case "channel", "Channel":
			if s, ok := value.(string); ok {
				ev.Channel = s
				continue
			}
		case "provider", "Provider":
			if s, ok := value.(string); ok {
				ev.Provider = s
				continue
			}
		case "computer", "Computer":
			if s, ok := value.(string); ok {
				ev.Computer = s
				continue
			}
		case "event_type", "EventType":
			if s, ok := value.(string); ok {
				ev.EventType = s
				continue
			}
		}
		ev.Fields[key] = value
	}
	return ev, nil
}

// RouteKey returns the discriminating key used to bucket events during batch
// matching: the channel when present, otherwise the event type. The key is
// not part of pattern matching itself, only routing.
func (e *Event) RouteKey() string {
	if e.Channel != "" {
		return e.Channel
	}
	return e.EventType
}
