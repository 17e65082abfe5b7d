package protocol

// Payload shapes follow the backend's pydantic models. Fields the server may
// leave out are omitempty; everything else is required by the schemas in schema.go.

// ConnectionPayload is the welcome message sent right after the socket opens.
type ConnectionPayload struct {
	Status       string `json:"status"`
	ConnectionID string `json:"connection_id,omitempty"`
	VaultID      string `json:"vault_id,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`
}

// HeartbeatPayload is used for both the server's heartbeat request and the
// client's heartbeat_response, which must echo the connection id.
type HeartbeatPayload struct {
	ConnectionID string `json:"connection_id,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`
}

// PingPayload is carried by ping and pong.
type PingPayload struct {
	Timestamp string `json:"timestamp,omitempty"`
}

type ChatPayload struct {
	ConversationID string                 `json:"conversation_id"`
	Response       string                 `json:"response"`
	Agent          string                 `json:"agent,omitempty"`
	Timestamp      string                 `json:"timestamp,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

type WorkflowProgressPayload struct {
	WorkflowID string  `json:"workflow_id,omitempty"`
	Step       string  `json:"step"`
	Progress   float64 `json:"progress" jsonschema:"minimum=0,maximum=1"`
	Status     string  `json:"status"`
	Goal       string  `json:"goal,omitempty"`
	Result     string  `json:"result,omitempty"`
	Details    string  `json:"details,omitempty"`
}

type CopilotPayload struct {
	Completion  string   `json:"completion"`
	Confidence  float64  `json:"confidence,omitempty" jsonschema:"minimum=0,maximum=1"`
	Suggestions []string `json:"suggestions,omitempty"`
}

type VaultSyncPayload struct {
	Action    string   `json:"action"`
	Files     []string `json:"files,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

type IntentDebugPayload struct {
	Intent     string             `json:"intent"`
	Confidence float64            `json:"confidence,omitempty"`
	Reasoning  string             `json:"reasoning,omitempty"`
	Features   map[string]float64 `json:"features,omitempty"`
}

type StatusPayload struct {
	VaultID     string `json:"vault_id,omitempty"`
	Connections int    `json:"connections,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

type ErrorPayload struct {
	Message   string `json:"message"`
	Code      int    `json:"code,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// payloadFor returns a fresh pointer to the payload struct of a known type.
func payloadFor(t EnvelopeType) (interface{}, bool) {
	switch t {
	case TypeConnection:
		return &ConnectionPayload{}, true
	case TypeHeartbeat, TypeHeartbeatResponse:
		return &HeartbeatPayload{}, true
	case TypePing, TypePong:
		return &PingPayload{}, true
	case TypeChat:
		return &ChatPayload{}, true
	case TypeWorkflowProgress:
		return &WorkflowProgressPayload{}, true
	case TypeCopilot:
		return &CopilotPayload{}, true
	case TypeVaultSync:
		return &VaultSyncPayload{}, true
	case TypeIntentDebug:
		return &IntentDebugPayload{}, true
	case TypeStatus:
		return &StatusPayload{}, true
	case TypeError:
		return &ErrorPayload{}, true
	default:
		return nil, false
	}
}

// DecodePayload decodes the data of a known envelope type into its payload struct.
func DecodePayload(e *Envelope) (interface{}, error) {
	p, ok := payloadFor(e.Type)
	if !ok {
		return nil, &DecodeError{Type: e.Type, Reason: "no payload type registered"}
	}
	if err := e.DecodeData(p); err != nil {
		return nil, err
	}
	return p, nil
}
