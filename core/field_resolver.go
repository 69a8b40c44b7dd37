package core

import (
	"encoding/json"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultFieldCacheSize bounds the number of events whose parsed RawData is
// kept around. One entry per event, keyed by event identity, so a batch over
// N events needs at most N entries; the bound only matters for hosts that
// keep one resolver alive across many batches.
const DefaultFieldCacheSize = 4096

// FieldResolver resolves rule field names against events.
//
// Lookup is a fixed priority list, checked in order:
//
//  1. typed event attributes (Channel, Provider, Computer, EventType, EventID)
//  2. the Fields bag, by exact name
//  3. the Fields bag, by canonical alias (see FieldAliases)
//  4. the RawData payload, parsed as JSON on first access and cached by
//     event identity
//
// A nil value at any layer is treated as absent: it does not satisfy the
// lookup and the next layer is not consulted for it. Repeated lookups
// against the same event are O(1) after the first RawData parse.
//
// The resolver owns its cache; two resolver instances never share state.
// Populating the cache is write-once-per-event, so concurrent reads after a
// single-writer warm-up are safe, matching the engine's concurrency model.
type FieldResolver struct {
	rawCache *lru.Cache[string, map[string]interface{}]
}

// NewFieldResolver creates a resolver with a bounded RawData parse cache.
// size <= 0 selects DefaultFieldCacheSize.
func NewFieldResolver(size int) *FieldResolver {
	if size <= 0 {
		size = DefaultFieldCacheSize
	}
	cache, err := lru.New[string, map[string]interface{}](size)
	if err != nil {
		// lru.New only fails for size <= 0, which is handled above.
		panic(err)
	}
	return &FieldResolver{rawCache: cache}
}

// Resolve returns the value of the named field on the event, walking the
// layered priority list. The second return is false when the field is absent
// or null at every layer.
func (r *FieldResolver) Resolve(ev *Event, field string) (interface{}, bool) {
	if ev == nil || field == "" {
		return nil, false
	}

	if v, ok := typedAttribute(ev, field); ok {
		return v, true
	}

	if ev.Fields != nil {
		if v, ok := ev.Fields[field]; ok && v != nil {
			return v, true
		}
		canonical := CanonicalFieldName(field)
		if canonical != field {
			if v, ok := ev.Fields[canonical]; ok && v != nil {
				return v, true
			}
		}
	}

	raw := r.rawFields(ev)
	if raw != nil {
		if v, ok := raw[field]; ok && v != nil {
			return v, true
		}
		canonical := CanonicalFieldName(field)
		if canonical != field {
			if v, ok := raw[canonical]; ok && v != nil {
				return v, true
			}
		}
	}

	return nil, false
}

// typedAttribute checks the small set of first-class event attributes.
// Matching is case-insensitive so both "Channel" and "channel" hit.
func typedAttribute(ev *Event, field string) (interface{}, bool) {
	switch strings.ToLower(field) {
	case "channel":
		if ev.Channel != "" {
			return ev.Channel, true
		}
	case "provider", "provider_name":
		if ev.Provider != "" {
			return ev.Provider, true
		}
	case "computer", "hostname":
		if ev.Computer != "" {
			return ev.Computer, true
		}
	case "eventtype", "event_type":
		if ev.EventType != "" {
			return ev.EventType, true
		}
	case "eventid", "event_id":
		// EventID here is the record identity, not the provider event code;
		// the code lives in Fields["EventID"] when the decoder supplies it.
		if ev.Fields != nil {
			if v, ok := ev.Fields["EventID"]; ok && v != nil {
				return v, true
			}
		}
	}
	return nil, false
}

// RawFields returns the event's RawData parsed as a JSON object, or nil for
// empty and non-JSON payloads. The parse is cached; callers must not mutate
// the returned map.
func (r *FieldResolver) RawFields(ev *Event) map[string]interface{} {
	if ev == nil {
		return nil
	}
	return r.rawFields(ev)
}

// rawFields parses the event's RawData as a JSON object, caching the result
// by event identity. Non-JSON payloads resolve to nil and are also cached so
// the parse is attempted only once per event.
func (r *FieldResolver) rawFields(ev *Event) map[string]interface{} {
	if ev.RawData == "" {
		return nil
	}
	if cached, ok := r.rawCache.Get(ev.EventID); ok {
		return cached
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(ev.RawData), &parsed); err != nil {
		parsed = nil
	}
	r.rawCache.Add(ev.EventID, parsed)
	return parsed
}
