package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type EnvelopeType string

const (
	// Liveness and session bookkeeping
	TypeConnection        EnvelopeType = "connection"
	TypeHeartbeat         EnvelopeType = "heartbeat"
	TypeHeartbeatResponse EnvelopeType = "heartbeat_response"
	TypePing              EnvelopeType = "ping"
	TypePong              EnvelopeType = "pong"

	// Application traffic pushed by the backend
	TypeChat             EnvelopeType = "chat"
	TypeWorkflowProgress EnvelopeType = "workflow_progress"
	TypeCopilot          EnvelopeType = "copilot"
	TypeVaultSync        EnvelopeType = "vault_sync"
	TypeIntentDebug      EnvelopeType = "intent_debug"
	TypeStatus           EnvelopeType = "status"
	TypeError            EnvelopeType = "error"

	// Sent by the client only, the server answers with a status envelope.
	TypeRequestStatus EnvelopeType = "request_status"
)

var knownTypes = map[EnvelopeType]struct{}{
	TypeConnection:        {},
	TypeHeartbeat:         {},
	TypeHeartbeatResponse: {},
	TypePing:              {},
	TypePong:              {},
	TypeChat:              {},
	TypeWorkflowProgress:  {},
	TypeCopilot:           {},
	TypeVaultSync:         {},
	TypeIntentDebug:       {},
	TypeStatus:            {},
	TypeError:             {},
}

// IsKnown reports whether t belongs to the closed set of protocol types.
// Application-defined types are valid envelopes but not known ones.
func (t EnvelopeType) IsKnown() bool {
	_, ok := knownTypes[t]
	return ok
}

// IsLiveness reports whether an inbound envelope of this type proves the peer is alive.
func (t EnvelopeType) IsLiveness() bool {
	return t == TypeHeartbeat || t == TypePong || t == TypeHeartbeatResponse
}

// KnownTypes returns the closed set in a stable order.
func KnownTypes() []EnvelopeType {
	return []EnvelopeType{
		TypeConnection,
		TypeHeartbeat,
		TypeHeartbeatResponse,
		TypePing,
		TypePong,
		TypeChat,
		TypeWorkflowProgress,
		TypeCopilot,
		TypeVaultSync,
		TypeIntentDebug,
		TypeStatus,
		TypeError,
	}
}

// Envelope is the unit exchanged over the persistent connection, in both directions.
type Envelope struct {
	Type EnvelopeType    `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	// Timestamp is kept as the raw string the server sent; the backend emits
	// ISO timestamps without a zone, which time.Time cannot parse as RFC 3339.
	Timestamp string `json:"timestamp,omitempty"`
}

func (e Envelope) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type))
	if e.Timestamp != "" {
		ev.Str("timestamp", e.Timestamp)
	}
	ev.Int("data_size", len(e.Data))
}

var _ zerolog.LogObjectMarshaler = Envelope{}

// NewEnvelope marshals payload into the data field. A nil payload leaves data empty.
func NewEnvelope(t EnvelopeType, payload interface{}) (*Envelope, error) {
	e := &Envelope{
		Type:      t,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if payload == nil {
		return e, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "could not marshal %s payload", t)
	}
	e.Data = b
	return e, nil
}

// DecodeData unmarshals the envelope payload into v.
func (e *Envelope) DecodeData(v interface{}) error {
	if len(e.Data) == 0 {
		return &DecodeError{Type: e.Type, Reason: "missing data"}
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return &DecodeError{Type: e.Type, Reason: "invalid data", Raw: e.Data, Err: err}
	}
	return nil
}

// DecodeError describes an envelope or payload that could not be decoded.
type DecodeError struct {
	Type   EnvelopeType
	Reason string
	Raw    []byte
	Err    error
}

func (e *DecodeError) Error() string {
	prefix := "malformed envelope"
	if e.Type != "" {
		prefix = fmt.Sprintf("malformed %s envelope", e.Type)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func Encode(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, errors.New("cannot encode nil envelope")
	}
	if e.Type == "" {
		return nil, errors.New("cannot encode envelope without type")
	}
	return json.Marshal(e)
}

// Decode parses a raw frame. Unknown types decode fine; a frame that is not
// a JSON object or has no type is a *DecodeError.
func Decode(b []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, &DecodeError{Reason: "invalid JSON", Raw: b, Err: err}
	}
	if e.Type == "" {
		return nil, &DecodeError{Reason: "missing type", Raw: b}
	}
	return &e, nil
}
