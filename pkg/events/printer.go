package events

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// StreamPrinterFunc writes deltas as they arrive and errors inline after the
// partial text, the way a chat panel would show them.
func StreamPrinterFunc(name string, w io.Writer) func(msg *message.Message) error {
	isFirst := true
	lastText := ""

	return func(msg *message.Message) error {
		defer msg.Ack()

		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Msg("Could not parse stream event")
			return nil
		}

		switch p_ := e.(type) {
		case *EventPartialCompletion:
			if isFirst && name != "" {
				isFirst = false
				if _, err := fmt.Fprintf(w, "\n%s: \n", name); err != nil {
					return err
				}
			}
			lastText = p_.Completion
			if _, err := fmt.Fprintf(w, "%s", p_.Delta); err != nil {
				return err
			}

		case *EventFinal:
			if !strings.HasSuffix(p_.Text, "\n") {
				if _, err := fmt.Fprintf(w, "\n"); err != nil {
					return err
				}
			}

		case *EventError:
			// Text already holds the partial content, only print what was appended
			suffix := strings.TrimPrefix(p_.Text, lastText)
			if suffix == "" {
				suffix = "Error: " + p_.ErrorString
			}
			if _, err := fmt.Fprintf(w, "%s\n", suffix); err != nil {
				return err
			}

		case *EventInterrupt:
			if _, err := fmt.Fprintf(w, "\n[cancelled]\n"); err != nil {
				return err
			}

		case *EventPartialCompletionStart:
		}

		return nil
	}
}

// ConnectionPrinterFunc prints connection state changes as status lines and
// delivered envelopes as YAML.
func ConnectionPrinterFunc(w io.Writer) func(msg *message.Message) error {
	return func(msg *message.Message) error {
		defer msg.Ack()

		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Msg("Could not parse connection event")
			return nil
		}

		switch p_ := e.(type) {
		case *EventConnectionState:
			_, err := fmt.Fprintln(w, FormatConnectionState(p_))
			return err

		case *EventEnvelope:
			v := map[string]interface{}{
				"type": p_.EnvelopeType,
			}
			if p_.Timestamp != "" {
				v["timestamp"] = p_.Timestamp
			}
			if len(p_.Data) > 0 {
				var data interface{}
				if err := json.Unmarshal(p_.Data, &data); err != nil {
					v["data"] = string(p_.Data)
				} else {
					v["data"] = data
				}
			}
			v_, err := yaml.Marshal(v)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(w, "---\n%s", v_)
			return err
		}

		return nil
	}
}

// FormatConnectionState renders a state change as a user facing status line.
func FormatConnectionState(e *EventConnectionState) string {
	switch {
	case e.To == "reconnecting":
		s := fmt.Sprintf("[reconnecting, attempt %d", e.Attempt)
		if e.DelayMs > 0 {
			s += fmt.Sprintf(" in %dms", e.DelayMs)
		}
		s += "]"
		if e.Error != "" {
			s += " " + e.Error
		}
		return s
	case e.To == "disconnected" && e.Terminal:
		s := "[disconnected] connection closed"
		if e.Reason != "" {
			s += ": " + e.Reason
		}
		if e.Error != "" {
			s += " (" + e.Error + ")"
		}
		return s + ", reconnect manually to continue"
	default:
		return fmt.Sprintf("[%s]", e.To)
	}
}
