// Package connection keeps a single long lived websocket to the backend
// alive across network failures.
//
// Every state mutation happens on one loop goroutine fed by a mailbox. Reads,
// dials and timers run elsewhere and post their results back to the loop, so
// handlers invoked from the loop may call Send, Connect or Close freely.
// Envelopes are delivered to the Handler in arrival order and only while the
// connection is connected.
package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/vaultlink/pkg/backoff"
	"github.com/go-go-golems/vaultlink/pkg/events"
	"github.com/go-go-golems/vaultlink/pkg/heartbeat"
	"github.com/go-go-golems/vaultlink/pkg/protocol"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrClosed           = errors.New("connection closed")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	ErrAttemptsExceeded = errors.New("max reconnect attempts exceeded")
)

// Handler receives inbound traffic. It is called from the connection's loop,
// one envelope at a time.
type Handler interface {
	HandleEnvelope(ctx context.Context, e *protocol.Envelope)
	HandleMalformed(ctx context.Context, raw []byte, err error)
}

// HandlerFunc adapts a function to Handler. Malformed frames are only logged.
type HandlerFunc func(ctx context.Context, e *protocol.Envelope)

func (f HandlerFunc) HandleEnvelope(ctx context.Context, e *protocol.Envelope) {
	f(ctx, e)
}

func (f HandlerFunc) HandleMalformed(ctx context.Context, raw []byte, err error) {
	log.Ctx(ctx).Warn().Err(err).Int("size", len(raw)).Msg("Dropping malformed frame")
}

type Connection struct {
	url             string
	dialer          Dialer
	handler         Handler
	policy          backoff.Policy
	heartbeatConfig heartbeat.Config
	listener        func(StateChange)
	sinks           []events.EventSink
	logger          zerolog.Logger

	// owned by the loop goroutine
	state           State
	attempt         int
	shouldReconnect bool
	gen             uint64
	transport       Transport
	monitor         *heartbeat.Monitor
	reconnectTimer  *time.Timer
	terminal        bool
	ctx             context.Context
	cancel          context.CancelFunc

	// snapshots readable from any goroutine
	stateV        atomic.Value
	attemptV      atomic.Int64
	connectionIDV atomic.Value
	monitorV      atomic.Pointer[heartbeat.Monitor]
	closeCalled   atomic.Bool
	errV          atomic.Value

	writeMu sync.Mutex
	out     Transport

	mu      sync.Mutex
	ops     []func()
	stopped bool
	notify  chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

type Option func(*Connection)

func WithDialer(d Dialer) Option {
	return func(c *Connection) {
		c.dialer = d
	}
}

func WithHandler(h Handler) Option {
	return func(c *Connection) {
		c.handler = h
	}
}

func WithBackoff(p backoff.Policy) Option {
	return func(c *Connection) {
		c.policy = p
	}
}

func WithHeartbeat(config heartbeat.Config) Option {
	return func(c *Connection) {
		c.heartbeatConfig = config
	}
}

// WithStateListener registers a callback for every transition. It runs on
// the connection loop and must not block.
func WithStateListener(f func(StateChange)) Option {
	return func(c *Connection) {
		c.listener = f
	}
}

// WithEventSink publishes connection-state and envelope events to sinks.
func WithEventSink(sinks ...events.EventSink) Option {
	return func(c *Connection) {
		c.sinks = append(c.sinks, sinks...)
	}
}

// WithReconnect sets the initial value of the reconnect kill switch.
func WithReconnect(reconnect bool) Option {
	return func(c *Connection) {
		c.shouldReconnect = reconnect
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Connection) {
		c.logger = logger
	}
}

// New creates a disconnected connection to url. Nothing is dialed until Connect.
func New(url string, options ...Option) *Connection {
	c := &Connection{
		url:             url,
		policy:          backoff.DefaultPolicy(),
		heartbeatConfig: heartbeat.DefaultConfig(),
		state:           StateDisconnected,
		shouldReconnect: true,
		logger:          log.Logger,
		notify:          make(chan struct{}, 1),
		done:            make(chan struct{}),
	}
	for _, o := range options {
		o(c)
	}
	if c.dialer == nil {
		c.dialer = NewWebSocketDialer(10*time.Second, nil)
	}
	if c.handler == nil {
		c.handler = HandlerFunc(func(ctx context.Context, e *protocol.Envelope) {})
	}
	c.logger = c.logger.With().Str("component", "connection").Str("url", url).Logger()
	c.stateV.Store(StateDisconnected)
	c.connectionIDV.Store("")

	return c
}

func (c *Connection) State() State {
	return c.stateV.Load().(State)
}

func (c *Connection) Attempts() int {
	return int(c.attemptV.Load())
}

// ConnectionID is the id assigned by the server, empty until the welcome
// envelope arrived.
func (c *Connection) ConnectionID() string {
	return c.connectionIDV.Load().(string)
}

// LastHeartbeatAt is the time of the last liveness signal, zero before the
// first connection.
func (c *Connection) LastHeartbeatAt() time.Time {
	if m := c.monitorV.Load(); m != nil {
		return m.LastHeartbeatAt()
	}
	return time.Time{}
}

// Done is closed once the connection reached its terminal state.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the connection is terminal or ctx is done.
func (c *Connection) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns why the connection ended: nil after a caller initiated Close,
// the failure that exhausted the reconnect budget otherwise.
func (c *Connection) Err() error {
	if v, ok := c.errV.Load().(error); ok {
		return v
	}
	return nil
}

// Connect starts dialing and returns immediately; observe progress through the
// state listener. The first ctx bounds the lifetime of the connection, its
// cancellation closes it, and event sinks stored in it with
// events.WithEventSinks are added to the configured ones. Connecting an
// already active connection is a no-op.
func (c *Connection) Connect(ctx context.Context) error {
	if c.closeCalled.Load() || c.isDone() {
		return ErrClosed
	}
	c.startLoop()
	if !c.post(func() { c.connect(ctx) }) {
		return ErrClosed
	}
	return nil
}

// Close stops the heartbeat, cancels any pending reconnect and closes the
// transport with a normal closure. Only the first call has an effect.
func (c *Connection) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.closeCalled.Store(true)
		c.startLoop()
		c.post(func() { c.close(reason) })
	})
	return nil
}

// Send writes e to the transport. The returned error reports the write, not delivery.
func (c *Connection) Send(e *protocol.Envelope) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	b, err := protocol.Encode(e)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.out == nil {
		return ErrNotConnected
	}
	if err := c.out.WriteMessage(b); err != nil {
		return errors.Wrapf(err, "could not write %s envelope", e.Type)
	}
	c.logger.Trace().Object("envelope", e).Msg("Sent envelope")
	return nil
}

// RequestStatus asks the server for a status envelope describing the session.
func (c *Connection) RequestStatus() error {
	return c.SendType(protocol.TypeRequestStatus, struct{}{})
}

func (c *Connection) SendType(t protocol.EnvelopeType, payload interface{}) error {
	e, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	return c.Send(e)
}

func (c *Connection) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connection) startLoop() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// post queues op for the loop. It returns false once the loop has stopped.
func (c *Connection) post(op func()) bool {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return false
	}
	c.ops = append(c.ops, op)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

func (c *Connection) next() func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ops) == 0 {
		return nil
	}
	op := c.ops[0]
	c.ops[0] = nil
	c.ops = c.ops[1:]
	return op
}

func (c *Connection) run() {
	defer close(c.done)

	for range c.notify {
		for op := c.next(); op != nil; op = c.next() {
			op()
			if c.terminal {
				return
			}
		}
	}
}

func (c *Connection) connect(ctx context.Context) {
	if c.terminal {
		return
	}
	if c.ctx == nil {
		c.sinks = append(c.sinks, events.GetEventSinks(ctx)...)
		c.ctx, c.cancel = context.WithCancel(c.logger.WithContext(ctx))
		go func() {
			select {
			case <-c.ctx.Done():
				_ = c.Close("context cancelled")
			case <-c.done:
			}
		}()
	}

	switch c.state {
	case StateDisconnected:
		c.dial()
	default:
		c.logger.Debug().Str("state", string(c.state)).Msg("Connect ignored, connection already active")
	}
}

func (c *Connection) dial() {
	c.gen++
	gen := c.gen
	ctx := c.ctx

	c.transition(StateConnecting, StateChange{Attempt: c.attempt})

	go func() {
		t, err := c.dialer.Dial(ctx, c.url)
		if !c.post(func() { c.onDialResult(gen, t, err) }) && t != nil {
			_ = t.Close(CloseGoingAway, "connection closed")
		}
	}()
}

func (c *Connection) onDialResult(gen uint64, t Transport, err error) {
	if gen != c.gen || c.state != StateConnecting {
		if t != nil {
			_ = t.Close(CloseGoingAway, "stale dial")
		}
		return
	}
	if err != nil {
		c.handleFailure(CloseAbnormalClosure, err)
		return
	}
	c.open(t)
}

func (c *Connection) open(t Transport) {
	gen := c.gen
	c.transport = t
	c.writeMu.Lock()
	c.out = t
	c.writeMu.Unlock()

	c.attempt = 0
	c.attemptV.Store(0)
	c.transition(StateConnected, StateChange{})

	c.monitor = heartbeat.New(
		c.heartbeatConfig,
		func() error {
			return c.SendType(protocol.TypePing, &protocol.PingPayload{Timestamp: now()})
		},
		func() {
			c.post(func() { c.onHeartbeatTimeout(gen) })
		},
		heartbeat.WithLogger(c.logger),
	)
	c.monitorV.Store(c.monitor)
	c.monitor.Start()

	go c.readLoop(gen, t)
}

func (c *Connection) readLoop(gen uint64, t Transport) {
	for {
		b, err := t.ReadMessage()
		if err != nil {
			c.post(func() { c.onTransportError(gen, err) })
			return
		}
		if !c.post(func() { c.onFrame(gen, b) }) {
			return
		}
	}
}

func (c *Connection) onFrame(gen uint64, b []byte) {
	if gen != c.gen || c.state != StateConnected {
		c.logger.Debug().Str("state", string(c.state)).Int("size", len(b)).Msg("Discarding frame received while not connected")
		return
	}

	e, err := protocol.Decode(b)
	if err != nil {
		c.logger.Warn().Err(err).Int("size", len(b)).Msg("Received malformed frame")
		c.handler.HandleMalformed(c.ctx, b, err)
		return
	}
	c.logger.Trace().Object("envelope", e).Msg("Received envelope")

	switch e.Type {
	case protocol.TypeConnection:
		var p protocol.ConnectionPayload
		if err := e.DecodeData(&p); err == nil && p.ConnectionID != "" {
			c.connectionIDV.Store(p.ConnectionID)
			c.logger.Debug().Str("connection_id", p.ConnectionID).Msg("Connection id assigned")
		}
	case protocol.TypeHeartbeat:
		c.monitor.Touch()
		c.answerHeartbeat(e)
	case protocol.TypePing:
		if err := c.SendType(protocol.TypePong, &protocol.PingPayload{Timestamp: now()}); err != nil {
			c.logger.Warn().Err(err).Msg("Could not answer ping")
		}
	case protocol.TypePong, protocol.TypeHeartbeatResponse:
		c.monitor.Touch()
	}

	if !e.Type.IsLiveness() && len(c.sinks) > 0 {
		events.PublishAll(c.sinks, events.NewEnvelopeEvent(c.metadata(), string(e.Type), e.Data, e.Timestamp))
	}

	c.handler.HandleEnvelope(c.ctx, e)
}

func (c *Connection) answerHeartbeat(e *protocol.Envelope) {
	var p protocol.HeartbeatPayload
	if len(e.Data) > 0 {
		if err := e.DecodeData(&p); err != nil {
			c.logger.Debug().Err(err).Msg("Could not decode heartbeat payload")
		}
	}
	id := p.ConnectionID
	if id == "" {
		id = c.ConnectionID()
	}
	err := c.SendType(protocol.TypeHeartbeatResponse, &protocol.HeartbeatPayload{
		ConnectionID: id,
		Timestamp:    now(),
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("Could not answer heartbeat")
	}
}

func (c *Connection) onTransportError(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	code := CloseCode(err)
	c.logger.Debug().Err(err).Int("code", code).Msg("Transport closed")
	c.handleFailure(code, err)
}

func (c *Connection) onHeartbeatTimeout(gen uint64) {
	if gen != c.gen || c.state != StateConnected {
		return
	}
	c.handleFailure(CloseHeartbeatTimeout, ErrHeartbeatTimeout)
}

// handleFailure is the single failure path for dial errors, transport drops
// and heartbeat timeouts.
func (c *Connection) handleFailure(code int, err error) {
	c.teardown(code, "connection failed")

	if !c.shouldReconnect || code == CloseNormalClosure {
		reason := "connection lost"
		if code == CloseNormalClosure {
			reason = "connection closed by peer"
		}
		c.terminate(reason, err)
		return
	}

	next := c.attempt + 1
	if c.policy.Exhausted(next) {
		c.terminate(ErrAttemptsExceeded.Error(), errors.Wrapf(ErrAttemptsExceeded, "last error: %v", err))
		return
	}

	delay := c.policy.Delay(next)
	from := c.state
	c.storeState(StateReconnecting)
	c.attempt = next
	c.attemptV.Store(int64(next))
	c.emit(StateChange{From: from, To: StateReconnecting, Attempt: next, Delay: delay, Err: err})

	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.post(c.onReconnectTimer)
	})
}

func (c *Connection) onReconnectTimer() {
	if c.terminal || c.state != StateReconnecting {
		return
	}
	c.reconnectTimer = nil
	c.dial()
}

func (c *Connection) close(reason string) {
	c.shouldReconnect = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.state == StateConnected {
		c.transition(StateClosing, StateChange{Reason: reason})
	}
	c.teardown(CloseNormalClosure, reason)
	c.terminate(reason, nil)
}

// teardown drops the current transport. Bumping the generation turns late
// reads, dial results and heartbeat callbacks of that transport into no-ops.
func (c *Connection) teardown(code int, reason string) {
	c.gen++
	if c.monitor != nil {
		c.monitor.Stop()
		c.monitor = nil
	}

	c.writeMu.Lock()
	c.out = nil
	c.writeMu.Unlock()

	if c.transport != nil {
		if err := c.transport.Close(code, reason); err != nil {
			c.logger.Debug().Err(err).Msg("Error closing transport")
		}
		c.transport = nil
	}
}

func (c *Connection) terminate(reason string, err error) {
	c.terminal = true
	c.shouldReconnect = false
	if err != nil {
		c.errV.Store(err)
	}

	c.mu.Lock()
	c.stopped = true
	c.ops = nil
	c.mu.Unlock()

	c.transition(StateDisconnected, StateChange{Reason: reason, Err: err, Terminal: true})

	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Connection) storeState(s State) {
	c.state = s
	c.stateV.Store(s)
}

func (c *Connection) transition(to State, change StateChange) {
	change.From = c.state
	change.To = to
	c.storeState(to)
	c.emit(change)
}

func (c *Connection) emit(change StateChange) {
	ev := c.logger.Debug()
	if change.Terminal || change.To == StateReconnecting {
		ev = c.logger.Info()
	}
	ev.Object("change", change).Msg("Connection state changed")

	if c.listener != nil {
		c.listener(change)
	}

	if len(c.sinks) > 0 {
		e := events.NewConnectionStateEvent(c.metadata(), string(change.From), string(change.To))
		e.Attempt = change.Attempt
		e.DelayMs = change.Delay.Milliseconds()
		e.Reason = change.Reason
		e.Terminal = change.Terminal
		if change.Err != nil {
			e.Error = change.Err.Error()
		}
		events.PublishAll(c.sinks, e)
	}
}

func (c *Connection) metadata() events.EventMetadata {
	meta := events.NewEventMetadata()
	meta.ConnectionID = c.ConnectionID()
	return meta
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
