package connection

import (
	"time"

	"github.com/rs/zerolog"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosing      State = "closing"
	StateReconnecting State = "reconnecting"
)

// StateChange describes one transition. Attempt and Delay are set when a
// reconnect gets scheduled, Terminal when the connection will never dial again.
type StateChange struct {
	From     State
	To       State
	Attempt  int
	Delay    time.Duration
	Reason   string
	Err      error
	Terminal bool
}

func (s StateChange) MarshalZerologObject(e *zerolog.Event) {
	e.Str("from", string(s.From)).Str("to", string(s.To))
	if s.Attempt > 0 {
		e.Int("attempt", s.Attempt)
	}
	if s.Delay > 0 {
		e.Dur("delay", s.Delay)
	}
	if s.Reason != "" {
		e.Str("reason", s.Reason)
	}
	if s.Err != nil {
		e.Err(s.Err)
	}
	if s.Terminal {
		e.Bool("terminal", true)
	}
}

var _ zerolog.LogObjectMarshaler = StateChange{}
