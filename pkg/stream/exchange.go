// Package stream turns a sequence of "data:" prefixed JSON records into one
// growing text message.
//
// An Exchange does not care where its bytes come from. They arrive through
// Write, in chunks that need not line up with record boundaries, and the end
// of input is signalled with Finish or Fail. Run wires an io.ReadCloser to
// both. Records are applied strictly in order; once the exchange is complete,
// failed or cancelled nothing else is appended.
//
// There is no built-in timeout. A stream that stays idle without a terminal
// record or EOF waits forever unless the caller cancels the context passed to
// Run or calls Cancel.
package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/vaultlink/pkg/events"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

var (
	ErrCancelled = errors.New("stream cancelled")
	ErrFinished  = errors.New("stream already finished")
)

// UnexpectedEndMessage is the failure reported when input ends without a terminal record.
const UnexpectedEndMessage = "stream ended unexpectedly"

// StreamError is a failed exchange. Partial is the text accumulated before the
// failure, without the appended error message.
type StreamError struct {
	Message string
	Partial string
}

func (e *StreamError) Error() string {
	return "stream failed: " + e.Message
}

// Update is emitted for every change of the visible message.
type Update struct {
	Delta       string
	Accumulated string
	Status      Status
}

type Exchange struct {
	id       string
	onUpdate func(Update)
	sinks    []events.EventSink
	logger   zerolog.Logger

	// serializes Write, Finish, Fail and Feed
	wmu        sync.Mutex
	buf        []byte
	discarding bool

	mu             sync.Mutex
	status         Status
	acc            strings.Builder
	conversationID string
	err            error
	reader         io.Closer

	cancelled atomic.Bool
	doneOnce  sync.Once
	done      chan struct{}
}

type Option func(*Exchange)

// WithUpdateHandler registers f for incremental updates. f runs on the
// goroutine feeding the exchange and may call Cancel.
func WithUpdateHandler(f func(Update)) Option {
	return func(x *Exchange) {
		x.onUpdate = f
	}
}

func WithEventSink(sinks ...events.EventSink) Option {
	return func(x *Exchange) {
		x.sinks = append(x.sinks, sinks...)
	}
}

// WithConversationID presets the conversation id, a complete record may override it.
func WithConversationID(id string) Option {
	return func(x *Exchange) {
		x.conversationID = id
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(x *Exchange) {
		x.logger = logger
	}
}

// New creates a pending exchange. id correlates events and may be empty.
func New(id string, options ...Option) *Exchange {
	x := &Exchange{
		id:     id,
		status: StatusPending,
		logger: log.Logger,
		done:   make(chan struct{}),
	}
	for _, o := range options {
		o(x)
	}
	x.logger = x.logger.With().Str("component", "stream").Str("exchange_id", id).Logger()
	return x
}

func (x *Exchange) ID() string {
	return x.id
}

func (x *Exchange) Status() Status {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.status
}

func (x *Exchange) Accumulated() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.acc.String()
}

func (x *Exchange) ConversationID() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.conversationID
}

// Err is nil unless the exchange failed (*StreamError) or was cancelled (ErrCancelled).
func (x *Exchange) Err() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.err
}

// Done is closed when the exchange reaches a terminal status.
func (x *Exchange) Done() <-chan struct{} {
	return x.done
}

// Wait blocks until the exchange is terminal and returns Err.
func (x *Exchange) Wait() error {
	<-x.done
	return x.Err()
}

// Write feeds raw bytes. It must not be called concurrently with itself.
func (x *Exchange) Write(p []byte) (int, error) {
	x.wmu.Lock()
	defer x.wmu.Unlock()

	if err := x.closedErr(); err != nil {
		return 0, err
	}

	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			x.bufferFragment(p)
			break
		}
		line := p[:i]
		p = p[i+1:]

		if x.discarding {
			x.discarding = false
			x.buf = x.buf[:0]
			continue
		}
		if len(x.buf)+len(line) > MaxRecordSize {
			x.logger.Warn().Int("size", len(x.buf)+len(line)).Msg("Skipping oversized stream record")
			x.buf = x.buf[:0]
			continue
		}
		if len(x.buf) > 0 {
			x.buf = append(x.buf, line...)
			line = x.buf
		}
		stop := x.processLine(line)
		x.buf = x.buf[:0]
		if stop {
			break
		}
	}
	return n, nil
}

func (x *Exchange) bufferFragment(p []byte) {
	if x.discarding {
		return
	}
	if len(x.buf)+len(p) > MaxRecordSize {
		x.logger.Warn().Int("size", len(x.buf)+len(p)).Msg("Skipping oversized stream record")
		x.discarding = true
		x.buf = x.buf[:0]
		return
	}
	x.buf = append(x.buf, p...)
}

// Feed applies an already decoded record, for transports that frame records themselves.
func (x *Exchange) Feed(r *Record) error {
	x.wmu.Lock()
	defer x.wmu.Unlock()

	if err := x.closedErr(); err != nil {
		return err
	}
	x.apply(r)
	return nil
}

// Finish signals the end of input. A trailing line without newline is still
// processed. Input that ends before a terminal record fails the exchange.
func (x *Exchange) Finish() error {
	x.wmu.Lock()
	defer x.wmu.Unlock()

	if x.Status().Terminal() {
		return x.Err()
	}
	if len(x.buf) > 0 && !x.discarding {
		x.processLine(x.buf)
	}
	x.buf = x.buf[:0]
	x.discarding = false

	x.fail(UnexpectedEndMessage)
	return x.Err()
}

// Fail ends the exchange because the transport failed. A nil err is
// reported as a generic transport failure.
func (x *Exchange) Fail(err error) error {
	x.wmu.Lock()
	defer x.wmu.Unlock()

	if err == nil {
		err = errors.New("transport failed")
	}
	x.fail(err.Error())
	return x.Err()
}

// Cancel stops the exchange: the reader handed to Run is closed, the status
// becomes cancelled and no further update or event is emitted. Cancelling a
// terminal exchange is a no-op.
func (x *Exchange) Cancel() {
	x.mu.Lock()
	if x.status.Terminal() {
		x.mu.Unlock()
		return
	}
	x.cancelled.Store(true)
	x.status = StatusCancelled
	x.err = ErrCancelled
	r := x.reader
	x.reader = nil
	x.mu.Unlock()

	x.logger.Debug().Msg("Stream cancelled")
	if r != nil {
		if err := r.Close(); err != nil {
			x.logger.Debug().Err(err).Msg("Error closing stream reader")
		}
	}
	x.markDone()
}

// Run reads r until a terminal record, EOF, a read error or cancellation of
// ctx, and always closes r before returning. Sinks attached to ctx with
// events.WithEventSinks receive the exchange events too.
func (x *Exchange) Run(ctx context.Context, r io.ReadCloser) error {
	if ctxSinks := events.GetEventSinks(ctx); len(ctxSinks) > 0 {
		x.wmu.Lock()
		x.sinks = append(append([]events.EventSink{}, x.sinks...), ctxSinks...)
		x.wmu.Unlock()
	}

	x.mu.Lock()
	if x.status.Terminal() {
		err := x.err
		x.mu.Unlock()
		_ = r.Close()
		return err
	}
	x.reader = r
	x.mu.Unlock()
	defer x.release()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			x.Cancel()
		case <-stop:
		}
	}()

	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := x.Write(buf[:n]); werr != nil {
				break
			}
		}
		if x.Status().Terminal() {
			break
		}
		if err != nil {
			if x.cancelled.Load() || ctx.Err() != nil {
				x.Cancel()
				break
			}
			if err == io.EOF {
				_ = x.Finish()
			} else {
				_ = x.Fail(errors.Wrap(err, "stream read failed"))
			}
			break
		}
	}

	return x.Err()
}

func (x *Exchange) release() {
	x.mu.Lock()
	r := x.reader
	x.reader = nil
	x.mu.Unlock()

	if r != nil {
		if err := r.Close(); err != nil {
			x.logger.Debug().Err(err).Msg("Error closing stream reader")
		}
	}
}

func (x *Exchange) closedErr() error {
	if x.cancelled.Load() {
		return ErrCancelled
	}
	if x.Status().Terminal() {
		return ErrFinished
	}
	return nil
}

func (x *Exchange) processLine(line []byte) (stop bool) {
	rec, ok, err := ParseLine(line)
	if err != nil {
		x.logger.Warn().Err(err).Int("size", len(line)).Msg("Skipping malformed stream record")
		return false
	}
	if !ok {
		return false
	}
	return x.apply(rec)
}

// apply returns true once the exchange is terminal.
func (x *Exchange) apply(r *Record) bool {
	switch r.Type {
	case RecordChunk:
		return x.appendChunk(r.Content)
	case RecordComplete:
		x.complete(r.ConversationID)
		return true
	case RecordError:
		msg := r.Error
		if msg == "" {
			msg = "unknown error"
		}
		x.fail(msg)
		return true
	}
	return false
}

func (x *Exchange) appendChunk(content string) bool {
	x.mu.Lock()
	if x.status.Terminal() {
		x.mu.Unlock()
		return true
	}
	prev := x.status
	if content == "" && prev == StatusActive {
		x.mu.Unlock()
		return false
	}
	x.acc.WriteString(content)
	x.status = StatusActive
	acc := x.acc.String()
	meta := x.metadataLocked()
	x.mu.Unlock()

	x.logger.Trace().Int("delta", len(content)).Int("accumulated", len(acc)).Msg("Chunk applied")
	if prev == StatusPending {
		x.publish(events.NewStartEvent(meta))
	}
	x.emit(Update{Delta: content, Accumulated: acc, Status: StatusActive})
	if content != "" {
		x.publish(events.NewPartialCompletionEvent(meta, content, acc))
	}
	return false
}

func (x *Exchange) complete(conversationID string) {
	x.mu.Lock()
	if x.status.Terminal() {
		x.mu.Unlock()
		return
	}
	x.status = StatusComplete
	if conversationID != "" {
		x.conversationID = conversationID
	}
	acc := x.acc.String()
	meta := x.metadataLocked()
	x.mu.Unlock()

	x.logger.Debug().Int("accumulated", len(acc)).Msg("Stream complete")
	x.emit(Update{Accumulated: acc, Status: StatusComplete})
	x.publish(events.NewFinalEvent(meta, acc))
	x.markDone()
}

// fail appends the message to the visible content so a renderer shows the
// failure below whatever was already streamed.
func (x *Exchange) fail(message string) {
	x.mu.Lock()
	if x.status.Terminal() {
		x.mu.Unlock()
		return
	}
	partial := x.acc.String()
	delta := "Error: " + message
	if partial != "" {
		delta = "\n\n" + delta
	}
	x.acc.WriteString(delta)
	x.status = StatusFailed
	x.err = &StreamError{Message: message, Partial: partial}
	acc := x.acc.String()
	meta := x.metadataLocked()
	x.mu.Unlock()

	x.logger.Warn().Str("error", message).Msg("Stream failed")
	x.emit(Update{Delta: delta, Accumulated: acc, Status: StatusFailed})
	x.publish(events.NewErrorEvent(meta, fmt.Errorf("%s", message), acc))
	x.markDone()
}

func (x *Exchange) emit(u Update) {
	if x.onUpdate == nil || x.cancelled.Load() {
		return
	}
	x.onUpdate(u)
}

func (x *Exchange) publish(e events.Event) {
	if len(x.sinks) == 0 || x.cancelled.Load() {
		return
	}
	events.PublishAll(x.sinks, e)
}

func (x *Exchange) metadataLocked() events.EventMetadata {
	meta := events.NewEventMetadata()
	meta.ExchangeID = x.id
	meta.ConversationID = x.conversationID
	return meta
}

func (x *Exchange) markDone() {
	x.doneOnce.Do(func() {
		close(x.done)
	})
}
