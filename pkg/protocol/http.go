package protocol

import (
	"encoding/json"
	"fmt"
)

type ChatMode string

const (
	ChatModeAsk   ChatMode = "ask"
	ChatModeAgent ChatMode = "agent"
)

// ChatRequest is the body of both the plain and the streaming chat endpoints.
type ChatRequest struct {
	Message        string   `json:"message" yaml:"message"`
	ConversationID string   `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty"`
	VaultContext   string   `json:"vault_context,omitempty" yaml:"vault_context,omitempty"`
	AgentID        string   `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Mode           ChatMode `json:"mode,omitempty" yaml:"mode,omitempty"`
}

func (r *ChatRequest) Validate() error {
	if r.Message == "" {
		return fmt.Errorf("chat message must not be empty")
	}
	switch r.Mode {
	case "", ChatModeAsk, ChatModeAgent:
		return nil
	default:
		return fmt.Errorf("unknown chat mode %q", r.Mode)
	}
}

type ChatResponse struct {
	Response       string                 `json:"response" yaml:"response"`
	ConversationID string                 `json:"conversation_id" yaml:"conversation_id"`
	AgentUsed      string                 `json:"agent_used,omitempty" yaml:"agent_used,omitempty"`
	Timestamp      string                 `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type HealthResponse struct {
	Status    string            `json:"status" yaml:"status"`
	Version   string            `json:"version,omitempty" yaml:"version,omitempty"`
	Timestamp string            `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	Services  map[string]string `json:"services,omitempty" yaml:"services,omitempty"`
}

// APIResponse is the wrapper the backend puts around most JSON answers.
// Success is nil when a body is not wrapped at all.
type APIResponse struct {
	Success   *bool           `json:"success,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

func (r *APIResponse) Wrapped() bool {
	return r.Success != nil
}

// FailureMessage is the best description of an unsuccessful response.
func (r *APIResponse) FailureMessage() string {
	switch {
	case r.Error != "":
		return r.Error
	case r.Message != "":
		return r.Message
	default:
		return "request was not successful"
	}
}

// ErrorResponse covers both the backend's own error body and FastAPI's
// default {"detail": ...} shape.
type ErrorResponse struct {
	Error   string      `json:"error,omitempty"`
	Code    int         `json:"code,omitempty"`
	Details string      `json:"details,omitempty"`
	Detail  interface{} `json:"detail,omitempty"`
}

func (e *ErrorResponse) Message() string {
	switch {
	case e.Error != "" && e.Details != "":
		return e.Error + ": " + e.Details
	case e.Error != "":
		return e.Error
	case e.Detail != nil:
		if s, ok := e.Detail.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", e.Detail)
	default:
		return ""
	}
}
