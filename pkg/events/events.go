package events

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// EventTypeStart to EventTypeFinal describe one streamed exchange
	EventTypeStart             EventType = "start"
	EventTypePartialCompletion EventType = "partial"
	EventTypeFinal             EventType = "final"
	EventTypeError             EventType = "error"
	// EventTypeInterrupt is published when the caller cancels an exchange
	EventTypeInterrupt EventType = "interrupt"

	// Persistent connection events
	EventTypeConnectionState EventType = "connection-state"
	EventTypeEnvelope        EventType = "envelope"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

// EventMetadata is passed along with every watermill message.
type EventMetadata struct {
	ID             uuid.UUID `json:"message_id" yaml:"message_id" mapstructure:"message_id"`
	ExchangeID     string    `json:"exchange_id,omitempty" yaml:"exchange_id,omitempty" mapstructure:"exchange_id"`
	ConversationID string    `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty" mapstructure:"conversation_id"`
	ConnectionID   string    `json:"connection_id,omitempty" yaml:"connection_id,omitempty" mapstructure:"connection_id"`
	// Extra carries transport specific values
	Extra map[string]interface{} `json:"extra,omitempty" yaml:"extra,omitempty" mapstructure:"extra"`
}

func NewEventMetadata() EventMetadata {
	return EventMetadata{ID: uuid.New()}
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("message_id", em.ID.String())
	if em.ExchangeID != "" {
		e.Str("exchange_id", em.ExchangeID)
	}
	if em.ConversationID != "" {
		e.Str("conversation_id", em.ConversationID)
	}
	if em.ConnectionID != "" {
		e.Str("connection_id", em.ConnectionID)
	}
	if len(em.Extra) > 0 {
		e.Interface("extra", em.Extra)
	}
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// store payload if the event was deserialized from JSON (see NewEventFromJson), not further used
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

var _ Event = &EventImpl{}

type EventPartialCompletionStart struct {
	EventImpl
}

func NewStartEvent(metadata EventMetadata) *EventPartialCompletionStart {
	return &EventPartialCompletionStart{
		EventImpl: EventImpl{
			Type_:     EventTypeStart,
			Metadata_: metadata,
		},
	}
}

var _ Event = &EventPartialCompletionStart{}

type EventPartialCompletion struct {
	EventImpl
	Delta string `json:"delta"`
	// Completion is the accumulated text so far, delta included
	Completion string `json:"completion"`
}

func NewPartialCompletionEvent(metadata EventMetadata, delta string, completion string) *EventPartialCompletion {
	return &EventPartialCompletion{
		EventImpl: EventImpl{
			Type_:     EventTypePartialCompletion,
			Metadata_: metadata,
		},
		Delta:      delta,
		Completion: completion,
	}
}

var _ Event = &EventPartialCompletion{}

type EventFinal struct {
	EventImpl
	Text string `json:"text"`
}

func NewFinalEvent(metadata EventMetadata, text string) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{
			Type_:     EventTypeFinal,
			Metadata_: metadata,
		},
		Text: text,
	}
}

var _ Event = &EventFinal{}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
	// Text is the visible content at the time of the failure, error message included
	Text string `json:"text,omitempty"`
}

func NewErrorEvent(metadata EventMetadata, err error, text string) *EventError {
	return &EventError{
		EventImpl: EventImpl{
			Type_:     EventTypeError,
			Metadata_: metadata,
		},
		ErrorString: err.Error(),
		Text:        text,
	}
}

var _ Event = &EventError{}

type EventInterrupt struct {
	EventImpl
	Text string `json:"text"`
}

func NewInterruptEvent(metadata EventMetadata, text string) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{
			Type_:     EventTypeInterrupt,
			Metadata_: metadata,
		},
		Text: text,
	}
}

var _ Event = &EventInterrupt{}

// EventConnectionState mirrors a connection state transition. Delay and
// Attempt are set when a reconnect is scheduled.
type EventConnectionState struct {
	EventImpl
	From     string `json:"from"`
	To       string `json:"to"`
	Attempt  int    `json:"attempt,omitempty"`
	DelayMs  int64  `json:"delay_ms,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
	Terminal bool   `json:"terminal,omitempty"`
}

func NewConnectionStateEvent(metadata EventMetadata, from, to string) *EventConnectionState {
	return &EventConnectionState{
		EventImpl: EventImpl{
			Type_:     EventTypeConnectionState,
			Metadata_: metadata,
		},
		From: from,
		To:   to,
	}
}

var _ Event = &EventConnectionState{}

// EventEnvelope carries an envelope that was delivered to a handler.
type EventEnvelope struct {
	EventImpl
	EnvelopeType string          `json:"envelope_type"`
	Data         json.RawMessage `json:"data,omitempty"`
	Timestamp    string          `json:"timestamp,omitempty"`
}

func NewEnvelopeEvent(metadata EventMetadata, envelopeType string, data []byte, timestamp string) *EventEnvelope {
	return &EventEnvelope{
		EventImpl: EventImpl{
			Type_:     EventTypeEnvelope,
			Metadata_: metadata,
		},
		EnvelopeType: envelopeType,
		Data:         data,
		Timestamp:    timestamp,
	}
}

var _ Event = &EventEnvelope{}

func NewEventFromJson(b []byte) (Event, error) {
	var e *EventImpl
	err := json.Unmarshal(b, &e)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("event is null")
	}

	e.payload = b

	switch e.Type_ {
	case EventTypeStart:
		return toTyped[EventPartialCompletionStart](e, b)
	case EventTypePartialCompletion:
		return toTyped[EventPartialCompletion](e, b)
	case EventTypeFinal:
		return toTyped[EventFinal](e, b)
	case EventTypeError:
		return toTyped[EventError](e, b)
	case EventTypeInterrupt:
		return toTyped[EventInterrupt](e, b)
	case EventTypeConnectionState:
		return toTyped[EventConnectionState](e, b)
	case EventTypeEnvelope:
		return toTyped[EventEnvelope](e, b)
	}

	return e, nil
}

func toTyped[T any](e Event, b []byte) (Event, error) {
	ret, ok := ToTypedEvent[T](e)
	if !ok || ret == nil {
		return nil, fmt.Errorf("could not cast event to %T", *new(T))
	}
	ev, ok := any(ret).(Event)
	if !ok {
		return nil, fmt.Errorf("%T is not an event", ret)
	}
	if setter, ok := ev.(interface{ setPayload([]byte) }); ok {
		setter.setPayload(b)
	}
	return ev, nil
}

func (e *EventImpl) setPayload(b []byte) {
	e.payload = b
}

func ToTypedEvent[T any](e Event) (*T, bool) {
	var ret *T
	err := json.Unmarshal(e.Payload(), &ret)
	if err != nil {
		return nil, false
	}

	return ret, true
}
