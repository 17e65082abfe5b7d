// Package dispatcher routes envelopes received on a connection to handlers
// registered per envelope type.
//
// Unknown types are never an error: they go to the catch-all handler when one
// is registered and are logged and dropped otherwise. Everything that cannot
// be decoded, as well as explicit error envelopes from the server, is reported
// through the error handler.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/vaultlink/pkg/connection"
	"github.com/go-go-golems/vaultlink/pkg/protocol"
)

type Handler func(ctx context.Context, e *protocol.Envelope) error

type ErrorKind string

const (
	// ErrorKindMalformed is a frame or payload that could not be decoded
	ErrorKindMalformed ErrorKind = "malformed"
	// ErrorKindInvalid is a payload that decoded but violates its schema
	ErrorKindInvalid ErrorKind = "invalid"
	// ErrorKindServer is an explicit error envelope sent by the backend
	ErrorKindServer ErrorKind = "server"
)

// ErrorReport is what the error handler receives.
type ErrorReport struct {
	Kind   ErrorKind
	Type   protocol.EnvelopeType
	Reason string
	Raw    []byte
	Err    error
}

func (r ErrorReport) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Reason, r.Err)
	}
	return r.Reason
}

func (r ErrorReport) MarshalZerologObject(e *zerolog.Event) {
	e.Str("kind", string(r.Kind)).Str("reason", r.Reason)
	if r.Type != "" {
		e.Str("type", string(r.Type))
	}
	if r.Err != nil {
		e.Err(r.Err)
	}
}

type ErrorHandler func(ctx context.Context, report ErrorReport)

type registration struct {
	h  Handler
	id uint64
}

type Dispatcher struct {
	mu        sync.RWMutex
	handlers  map[protocol.EnvelopeType]registration
	nextID    uint64
	unknown   Handler
	onError   ErrorHandler
	validator *protocol.Validator
	logger    zerolog.Logger
}

type Option func(*Dispatcher)

// WithValidator checks payloads of known types against their JSON schema
// before dispatching. Violations are reported as ErrorKindInvalid.
func WithValidator(v *protocol.Validator) Option {
	return func(d *Dispatcher) {
		d.validator = v
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func New(options ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: map[protocol.EnvelopeType]registration{},
		logger:   log.Logger,
	}
	for _, o := range options {
		o(d)
	}
	d.logger = d.logger.With().Str("component", "dispatcher").Logger()
	return d
}

var _ connection.Handler = (*Dispatcher)(nil)

// On registers h for t, replacing any previous handler. A nil h removes it.
func (d *Dispatcher) On(t protocol.EnvelopeType, h Handler) *Dispatcher {
	if h == nil {
		d.mu.Lock()
		delete(d.handlers, t)
		d.mu.Unlock()
		return d
	}
	d.Register(t, h)
	return d
}

// Register installs h for t like On. The returned function removes h again,
// unless it has been replaced in the meantime.
func (d *Dispatcher) Register(t protocol.EnvelopeType, h Handler) (unregister func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.handlers[t] = registration{h: h, id: id}

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if r, ok := d.handlers[t]; ok && r.id == id {
			delete(d.handlers, t)
		}
	}
}

// OnUnknown registers the catch-all for types without a handler of their own.
func (d *Dispatcher) OnUnknown(h Handler) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unknown = h
	return d
}

func (d *Dispatcher) OnError(h ErrorHandler) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onError = h
	return d
}

func (d *Dispatcher) OnConnection(h func(ctx context.Context, p *protocol.ConnectionPayload) error) *Dispatcher {
	return d.On(protocol.TypeConnection, typed(d, h))
}

func (d *Dispatcher) OnChat(h func(ctx context.Context, p *protocol.ChatPayload) error) *Dispatcher {
	return d.On(protocol.TypeChat, typed(d, h))
}

func (d *Dispatcher) OnWorkflowProgress(h func(ctx context.Context, p *protocol.WorkflowProgressPayload) error) *Dispatcher {
	return d.On(protocol.TypeWorkflowProgress, typed(d, h))
}

func (d *Dispatcher) OnCopilot(h func(ctx context.Context, p *protocol.CopilotPayload) error) *Dispatcher {
	return d.On(protocol.TypeCopilot, typed(d, h))
}

func (d *Dispatcher) OnVaultSync(h func(ctx context.Context, p *protocol.VaultSyncPayload) error) *Dispatcher {
	return d.On(protocol.TypeVaultSync, typed(d, h))
}

func (d *Dispatcher) OnIntentDebug(h func(ctx context.Context, p *protocol.IntentDebugPayload) error) *Dispatcher {
	return d.On(protocol.TypeIntentDebug, typed(d, h))
}

func (d *Dispatcher) OnStatus(h func(ctx context.Context, p *protocol.StatusPayload) error) *Dispatcher {
	return d.On(protocol.TypeStatus, typed(d, h))
}

// typed decodes the payload before calling h. Decode failures go to the error
// handler and h is not called.
func typed[T any](d *Dispatcher, h func(ctx context.Context, p *T) error) Handler {
	return func(ctx context.Context, e *protocol.Envelope) error {
		p := new(T)
		if err := e.DecodeData(p); err != nil {
			d.reportError(ctx, ErrorReport{
				Kind:   ErrorKindMalformed,
				Type:   e.Type,
				Reason: fmt.Sprintf("could not decode %s payload", e.Type),
				Raw:    e.Data,
				Err:    err,
			})
			return nil
		}
		return h(ctx, p)
	}
}

// HandleEnvelope routes e to at most one handler.
func (d *Dispatcher) HandleEnvelope(ctx context.Context, e *protocol.Envelope) {
	if e.Type == protocol.TypeError {
		d.handleServerError(ctx, e)
		return
	}

	if d.validator != nil {
		if err := d.validator.Validate(e); err != nil {
			d.reportError(ctx, ErrorReport{
				Kind:   ErrorKindInvalid,
				Type:   e.Type,
				Reason: fmt.Sprintf("%s payload does not match its schema", e.Type),
				Raw:    e.Data,
				Err:    err,
			})
			return
		}
	}

	d.mu.RLock()
	r, ok := d.handlers[e.Type]
	unknown := d.unknown
	d.mu.RUnlock()
	h := r.h

	if !ok {
		if e.Type.IsKnown() {
			d.logger.Trace().Str("type", string(e.Type)).Msg("No handler registered")
			return
		}
		if unknown == nil {
			d.logger.Warn().Object("envelope", e).Msg("Dropping envelope of unknown type")
			return
		}
		h = unknown
	}

	if err := h(ctx, e); err != nil {
		d.logger.Error().Err(err).Str("type", string(e.Type)).Msg("Envelope handler failed")
	}
}

// HandleMalformed reports a frame that was not an envelope at all.
func (d *Dispatcher) HandleMalformed(ctx context.Context, raw []byte, err error) {
	d.reportError(ctx, ErrorReport{
		Kind:   ErrorKindMalformed,
		Reason: "could not decode envelope",
		Raw:    raw,
		Err:    err,
	})
}

func (d *Dispatcher) handleServerError(ctx context.Context, e *protocol.Envelope) {
	var p protocol.ErrorPayload
	report := ErrorReport{
		Kind: ErrorKindServer,
		Type: e.Type,
		Raw:  e.Data,
	}
	if err := e.DecodeData(&p); err != nil {
		report.Reason = "server reported an unreadable error"
		report.Err = err
	} else {
		report.Reason = p.Message
		report.Err = errors.Errorf("server error: %s", p.Message)
	}
	d.reportError(ctx, report)
}

func (d *Dispatcher) reportError(ctx context.Context, report ErrorReport) {
	d.mu.RLock()
	h := d.onError
	d.mu.RUnlock()

	if h == nil {
		d.logger.Warn().Object("report", report).Msg("Unhandled protocol error")
		return
	}
	d.logger.Debug().Object("report", report).Msg("Reporting protocol error")
	h(ctx, report)
}
