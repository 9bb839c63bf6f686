package eventstore

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEventType marks a stored event whose type has no registered
// deserializer. Readers skip these with a warning, never crash.
var ErrUnknownEventType = errors.New("event store: unknown event type")

// Deserializer rebuilds one concrete domain event from its stored JSON.
// Money fields declared as decimal types are re-parsed from their string
// form by the decoder.
type Deserializer func(data []byte) (any, error)

// Registry maps event types to deserializers. Populated once at startup
// (see domain/order registration in the application wiring); read-only
// afterwards.
type Registry struct {
	byType map[string]Deserializer
}

func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Deserializer)}
}

// Register binds an event type tag to its deserializer.
func (r *Registry) Register(eventType string, d Deserializer) {
	r.byType[eventType] = d
}

// RegisterAs registers a typed JSON deserializer for eventType.
func RegisterAs[T any](r *Registry, eventType string) {
	r.Register(eventType, func(data []byte) (any, error) {
		var e T
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("deserialize %s: %w", eventType, err)
		}
		return e, nil
	})
}

// Deserialize rebuilds the domain event of one log entry.
func (r *Registry) Deserialize(evt Event) (any, error) {
	d, ok := r.byType[evt.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, evt.EventType)
	}
	return d(evt.EventData)
}

// serializeEvent serializes a domain event and extracts its base fields.
func serializeEvent(event BaseFieldsProvider) ([]byte, BaseFields, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, BaseFields{}, fmt.Errorf("serialize event: %w", err)
	}

	base := event.GetBaseEvent()
	if base.EventID == "" || base.AggregateID == "" || base.EventType == "" {
		return nil, BaseFields{}, errors.New("event is missing base fields")
	}

	return data, base, nil
}
