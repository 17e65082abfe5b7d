package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/vaultlink/pkg/backoff"
	"github.com/go-go-golems/vaultlink/pkg/events"
	"github.com/go-go-golems/vaultlink/pkg/heartbeat"
	"github.com/go-go-golems/vaultlink/pkg/protocol"
)

type captureHandler struct {
	mu        sync.Mutex
	conn      *Connection
	envelopes []*protocol.Envelope
	states    []State
	malformed []error
}

func (h *captureHandler) HandleEnvelope(ctx context.Context, e *protocol.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.envelopes = append(h.envelopes, e)
	h.states = append(h.states, h.conn.State())
}

func (h *captureHandler) HandleMalformed(ctx context.Context, raw []byte, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.malformed = append(h.malformed, err)
}

func (h *captureHandler) types() []protocol.EnvelopeType {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ret []protocol.EnvelopeType
	for _, e := range h.envelopes {
		ret = append(ret, e.Type)
	}
	return ret
}

func quietHeartbeat() heartbeat.Config {
	return heartbeat.Config{Interval: time.Hour, Timeout: time.Hour}
}

func TestConnection_ReconnectsUntilOpenAndResetsAttempts(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{results: []interface{}{
		errors.New("refused"),
		errors.New("refused"),
		tr,
	}}
	rec := &recorder{}

	var c *Connection
	var mu sync.Mutex
	var attemptsAtConnected []int
	c = New("ws://test/ws",
		WithDialer(d),
		WithBackoff(fastBackoff(10)),
		WithHeartbeat(quietHeartbeat()),
		WithStateListener(func(sc StateChange) {
			if sc.To == StateConnected {
				mu.Lock()
				attemptsAtConnected = append(attemptsAtConnected, c.Attempts())
				mu.Unlock()
			}
			rec.listen(sc)
		}),
	)
	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(rec.all()) == 6 }, 2*time.Second, time.Millisecond)

	assert.Equal(t, []State{
		StateConnecting, StateReconnecting,
		StateConnecting, StateReconnecting,
		StateConnecting, StateConnected,
	}, rec.states())

	changes := rec.all()
	assert.Equal(t, 1, changes[1].Attempt)
	assert.Equal(t, time.Millisecond, changes[1].Delay)
	assert.Equal(t, 2, changes[3].Attempt)
	mu.Lock()
	assert.Equal(t, []int{0}, attemptsAtConnected)
	mu.Unlock()
	assert.Equal(t, 0, c.Attempts())
	assert.Equal(t, 3, d.Dials())

	require.NoError(t, c.Close("done"))
	waitDone(t, c)
}

func TestConnection_ConnectIsNoOpWhileActive(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{results: []interface{}{tr}}
	c := New("ws://test/ws", WithDialer(d), WithHeartbeat(quietHeartbeat()))

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	waitState(t, c, StateConnected)
	require.NoError(t, c.Connect(context.Background()))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.Dials())

	require.NoError(t, c.Close("done"))
	waitDone(t, c)
}

func TestConnection_DeliversOnlyWhileConnected(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{results: []interface{}{tr}}
	h := &captureHandler{}
	c := New("ws://test/ws",
		WithDialer(d),
		WithHandler(h),
		WithHeartbeat(quietHeartbeat()),
		// stay in reconnecting once dropped
		WithBackoff(backoff.Policy{Base: time.Hour, Cap: time.Hour, Decay: 1.5, MaxAttempts: 3}),
	)
	h.conn = c

	require.NoError(t, c.Connect(context.Background()))
	waitState(t, c, StateConnected)

	tr.push(t, protocol.TypeChat, &protocol.ChatPayload{ConversationID: "c", Response: "one"})
	tr.push(t, protocol.TypeVaultSync, &protocol.VaultSyncPayload{Action: "updated"})
	require.Eventually(t, func() bool { return len(h.types()) == 2 }, time.Second, time.Millisecond)

	tr.drop(CloseGoingAway)
	waitState(t, c, StateReconnecting)

	// a frame that arrives late from the dropped transport is discarded
	b, err := protocol.Encode(&protocol.Envelope{Type: protocol.TypeChat, Data: []byte(`{"conversation_id":"c","response":"late"}`)})
	require.NoError(t, err)
	processed := make(chan struct{})
	c.post(func() {
		c.onFrame(c.gen, b)
		close(processed)
	})
	<-processed

	assert.Equal(t, []protocol.EnvelopeType{protocol.TypeChat, protocol.TypeVaultSync}, h.types())
	h.mu.Lock()
	for _, s := range h.states {
		assert.Equal(t, StateConnected, s)
	}
	h.mu.Unlock()

	require.NoError(t, c.Close("done"))
	waitDone(t, c)
}

func TestConnection_SendRequiresConnected(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{results: []interface{}{tr}}
	c := New("ws://test/ws", WithDialer(d), WithHeartbeat(quietHeartbeat()))

	err := c.SendType(protocol.TypeChat, &protocol.ChatRequest{Message: "hi"})
	assert.True(t, errors.Is(err, ErrNotConnected))

	require.NoError(t, c.Connect(context.Background()))
	waitState(t, c, StateConnected)
	require.NoError(t, c.SendType("chat_request", &protocol.ChatRequest{Message: "hi"}))

	sent := tr.sentOfType("chat_request")
	require.Len(t, sent, 1)
	var req protocol.ChatRequest
	require.NoError(t, sent[0].DecodeData(&req))
	assert.Equal(t, "hi", req.Message)

	require.NoError(t, c.Close("done"))
	waitDone(t, c)
	assert.True(t, errors.Is(c.SendType(protocol.TypePing, nil), ErrNotConnected))
}

func TestConnection_AnswersHeartbeatAndPing(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{results: []interface{}{tr}}
	h := &captureHandler{}
	c := New("ws://test/ws", WithDialer(d), WithHandler(h), WithHeartbeat(quietHeartbeat()))
	h.conn = c

	require.NoError(t, c.Connect(context.Background()))
	waitState(t, c, StateConnected)
	started := c.LastHeartbeatAt()
	require.False(t, started.IsZero())

	tr.push(t, protocol.TypeConnection, &protocol.ConnectionPayload{Status: "connected", ConnectionID: "conn-7"})
	require.Eventually(t, func() bool { return c.ConnectionID() == "conn-7" }, time.Second, time.Millisecond)

	time.Sleep(2 * time.Millisecond)
	tr.push(t, protocol.TypeHeartbeat, &protocol.HeartbeatPayload{ConnectionID: "server-side-id"})
	tr.push(t, protocol.TypeHeartbeat, nil)
	tr.push(t, protocol.TypePing, nil)

	require.Eventually(t, func() bool {
		return len(tr.sentOfType(protocol.TypeHeartbeatResponse)) == 2 && len(tr.sentOfType(protocol.TypePong)) == 1
	}, time.Second, time.Millisecond)

	responses := tr.sentOfType(protocol.TypeHeartbeatResponse)
	var p protocol.HeartbeatPayload
	require.NoError(t, responses[0].DecodeData(&p))
	assert.Equal(t, "server-side-id", p.ConnectionID)
	require.NoError(t, responses[1].DecodeData(&p))
	assert.Equal(t, "conn-7", p.ConnectionID)

	assert.True(t, c.LastHeartbeatAt().After(started))

	require.NoError(t, c.Close("done"))
	waitDone(t, c)
}

func TestConnection_SendsPingsOnInterval(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{results: []interface{}{tr}}
	c := New("ws://test/ws", WithDialer(d), WithHeartbeat(heartbeat.Config{Interval: 5 * time.Millisecond, Timeout: time.Hour}))

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(tr.sentOfType(protocol.TypePing)) >= 2 }, time.Second, time.Millisecond)

	require.NoError(t, c.Close("done"))
	waitDone(t, c)
}

func TestConnection_HeartbeatTimeoutReconnects(t *testing.T) {
	first, second := newFakeTransport(), newFakeTransport()
	d := &fakeDialer{results: []interface{}{first, second}}
	rec := &recorder{}
	c := New("ws://test/ws",
		WithDialer(d),
		WithBackoff(fastBackoff(10)),
		WithHeartbeat(heartbeat.Config{Interval: time.Hour, Timeout: 30 * time.Millisecond}),
		WithStateListener(rec.listen),
	)

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return first.closedWith() == CloseHeartbeatTimeout }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return d.Dials() >= 2 }, 2*time.Second, time.Millisecond)

	var reconnecting *StateChange
	for _, sc := range rec.all() {
		sc := sc
		if sc.To == StateReconnecting {
			reconnecting = &sc
			break
		}
	}
	require.NotNil(t, reconnecting)
	assert.Equal(t, StateConnected, reconnecting.From)
	assert.Equal(t, 1, reconnecting.Attempt)
	assert.True(t, errors.Is(reconnecting.Err, ErrHeartbeatTimeout))

	require.NoError(t, c.Close("done"))
	waitDone(t, c)
}

func TestConnection_FailuresWithoutReconnectAreTerminal(t *testing.T) {
	tests := []struct {
		name string
		fail func(tr *fakeTransport)
		opts []Option
		err  error
	}{
		{
			name: "heartbeat timeout",
			fail: func(tr *fakeTransport) {},
			opts: []Option{
				WithReconnect(false),
				WithHeartbeat(heartbeat.Config{Interval: time.Hour, Timeout: 20 * time.Millisecond}),
			},
			err: ErrHeartbeatTimeout,
		},
		{
			name: "transport drop",
			fail: func(tr *fakeTransport) { tr.drop(CloseGoingAway) },
			opts: []Option{WithReconnect(false), WithHeartbeat(quietHeartbeat())},
		},
		{
			name: "peer normal closure",
			fail: func(tr *fakeTransport) { tr.drop(CloseNormalClosure) },
			opts: []Option{WithHeartbeat(quietHeartbeat())},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport()
			d := &fakeDialer{results: []interface{}{tr}}
			rec := &recorder{}
			opts := append([]Option{WithDialer(d), WithStateListener(rec.listen), WithBackoff(fastBackoff(10))}, tt.opts...)
			c := New("ws://test/ws", opts...)

			require.NoError(t, c.Connect(context.Background()))
			waitState(t, c, StateConnected)
			tt.fail(tr)
			waitDone(t, c)

			assert.Equal(t, StateDisconnected, c.State())
			assert.Equal(t, 1, d.Dials())
			terminal := rec.terminal()
			require.Len(t, terminal, 1)
			assert.Equal(t, StateConnected, terminal[0].From)
			require.Error(t, c.Err())
			if tt.err != nil {
				assert.True(t, errors.Is(c.Err(), tt.err))
			}
			assert.True(t, errors.Is(c.Connect(context.Background()), ErrClosed))
		})
	}
}

func TestConnection_MaxAttemptsIsTerminal(t *testing.T) {
	d := &fakeDialer{}
	rec := &recorder{}
	c := New("ws://test/ws", WithDialer(d), WithBackoff(fastBackoff(2)), WithStateListener(rec.listen))

	require.NoError(t, c.Connect(context.Background()))
	waitDone(t, c)

	assert.Equal(t, []State{
		StateConnecting, StateReconnecting,
		StateConnecting, StateReconnecting,
		StateConnecting, StateDisconnected,
	}, rec.states())
	assert.Equal(t, 3, d.Dials())
	assert.True(t, errors.Is(c.Err(), ErrAttemptsExceeded))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, d.Dials())
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{results: []interface{}{tr}}
	rec := &recorder{}
	c := New("ws://test/ws", WithDialer(d), WithHeartbeat(quietHeartbeat()), WithStateListener(rec.listen))

	require.NoError(t, c.Connect(context.Background()))
	waitState(t, c, StateConnected)

	require.NoError(t, c.Close("user quit"))
	require.NoError(t, c.Close("user quit again"))
	waitDone(t, c)
	require.NoError(t, c.Close("after done"))

	assert.Equal(t, []State{StateConnecting, StateConnected, StateClosing, StateDisconnected}, rec.states())
	terminal := rec.terminal()
	require.Len(t, terminal, 1)
	assert.Equal(t, "user quit", terminal[0].Reason)
	assert.Equal(t, CloseNormalClosure, tr.closedWith())
	assert.NoError(t, c.Err())
	assert.True(t, errors.Is(c.Connect(context.Background()), ErrClosed))
}

func TestConnection_CloseCancelsPendingReconnect(t *testing.T) {
	d := &fakeDialer{}
	rec := &recorder{}
	c := New("ws://test/ws",
		WithDialer(d),
		WithBackoff(backoff.Policy{Base: 50 * time.Millisecond, Cap: time.Second, Decay: 1.5, MaxAttempts: 10}),
		WithStateListener(rec.listen),
	)

	require.NoError(t, c.Connect(context.Background()))
	waitState(t, c, StateReconnecting)
	require.NoError(t, c.Close("stop"))
	waitDone(t, c)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, d.Dials())
	assert.Equal(t, []State{StateConnecting, StateReconnecting, StateDisconnected}, rec.states())
}

func TestConnection_CloseBeforeConnect(t *testing.T) {
	rec := &recorder{}
	c := New("ws://test/ws", WithDialer(&fakeDialer{}), WithStateListener(rec.listen))
	require.NoError(t, c.Close("never mind"))
	waitDone(t, c)

	require.Len(t, rec.terminal(), 1)
	assert.True(t, errors.Is(c.Connect(context.Background()), ErrClosed))
}

func TestConnection_ContextCancellationCloses(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{results: []interface{}{tr}}
	c := New("ws://test/ws", WithDialer(d), WithHeartbeat(quietHeartbeat()))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Connect(ctx))
	waitState(t, c, StateConnected)

	cancel()
	waitDone(t, c)
	assert.Equal(t, CloseNormalClosure, tr.closedWith())
	assert.NoError(t, c.Err())
}

func TestConnection_MalformedFrameKeepsConnection(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{results: []interface{}{tr}}
	h := &captureHandler{}
	c := New("ws://test/ws", WithDialer(d), WithHandler(h), WithHeartbeat(quietHeartbeat()))
	h.conn = c

	require.NoError(t, c.Connect(context.Background()))
	waitState(t, c, StateConnected)

	tr.incoming <- []byte(`{not json`)
	tr.push(t, protocol.TypeStatus, &protocol.StatusPayload{Connections: 1})

	require.Eventually(t, func() bool { return len(h.types()) == 1 }, time.Second, time.Millisecond)
	h.mu.Lock()
	require.Len(t, h.malformed, 1)
	var de *protocol.DecodeError
	assert.True(t, errors.As(h.malformed[0], &de))
	h.mu.Unlock()
	assert.Equal(t, StateConnected, c.State())

	require.NoError(t, c.Close("done"))
	waitDone(t, c)
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *sinkRecorder) PublishEvent(e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func TestConnection_PublishesEvents(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{results: []interface{}{tr}}
	sink := &sinkRecorder{}
	c := New("ws://test/ws", WithDialer(d), WithHeartbeat(quietHeartbeat()), WithEventSink(sink))

	require.NoError(t, c.Connect(context.Background()))
	waitState(t, c, StateConnected)
	tr.push(t, protocol.TypeHeartbeat, nil)
	tr.push(t, protocol.TypeCopilot, &protocol.CopilotPayload{Completion: "x"})
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		for _, e := range sink.events {
			if e.Type() == events.EventTypeEnvelope {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	require.NoError(t, c.Close("done"))
	waitDone(t, c)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	var envelopes []string
	var states []string
	for _, e := range sink.events {
		switch ev := e.(type) {
		case *events.EventEnvelope:
			envelopes = append(envelopes, ev.EnvelopeType)
		case *events.EventConnectionState:
			states = append(states, ev.To)
		}
	}
	assert.Equal(t, []string{"copilot"}, envelopes)
	assert.Equal(t, []string{"connecting", "connected", "closing", "disconnected"}, states)
}

func TestConnection_PublishesToContextSinks(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{results: []interface{}{tr}}
	configured, fromCtx := &sinkRecorder{}, &sinkRecorder{}
	c := New("ws://test/ws", WithDialer(d), WithHeartbeat(quietHeartbeat()), WithEventSink(configured))

	ctx := events.WithEventSinks(context.Background(), fromCtx)
	require.NoError(t, c.Connect(ctx))
	waitState(t, c, StateConnected)
	require.NoError(t, c.Close("done"))
	waitDone(t, c)

	states := func(s *sinkRecorder) []string {
		s.mu.Lock()
		defer s.mu.Unlock()
		var ret []string
		for _, e := range s.events {
			if ev, ok := e.(*events.EventConnectionState); ok {
				ret = append(ret, ev.To)
			}
		}
		return ret
	}
	expected := []string{"connecting", "connected", "closing", "disconnected"}
	assert.Equal(t, expected, states(configured))
	assert.Equal(t, expected, states(fromCtx))
}

func TestConnection_RequestStatus(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{results: []interface{}{tr}}
	c := New("ws://test/ws", WithDialer(d), WithHeartbeat(quietHeartbeat()))

	assert.True(t, errors.Is(c.RequestStatus(), ErrNotConnected))

	require.NoError(t, c.Connect(context.Background()))
	waitState(t, c, StateConnected)
	require.NoError(t, c.RequestStatus())

	sent := tr.sentOfType(protocol.TypeRequestStatus)
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{}`, string(sent[0].Data))

	require.NoError(t, c.Close("done"))
	waitDone(t, c)
}

func TestCloseCode(t *testing.T) {
	assert.Equal(t, 4000, CloseCode(&CloseError{Code: 4000}))
	assert.Equal(t, 1001, CloseCode(errors.Wrap(&websocket.CloseError{Code: 1001}, "read")))
	assert.Equal(t, CloseAbnormalClosure, CloseCode(errors.New("EOF")))
}

func TestConnection_WebSocketEndToEnd(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan []byte, 4)
	closeCodes := make(chan int, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		welcome, _ := json.Marshal(map[string]interface{}{
			"type":      "connection",
			"data":      map[string]interface{}{"status": "connected", "connection_id": "srv-1", "vault_id": "notes"},
			"timestamp": "2025-07-03T22:30:00.000001",
		})
		if err := conn.WriteMessage(websocket.TextMessage, welcome); err != nil {
			return
		}
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				if ce, ok := err.(*websocket.CloseError); ok {
					closeCodes <- ce.Code
				}
				return
			}
			received <- b
		}
	}))
	defer srv.Close()

	h := &captureHandler{}
	c := New("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/notes",
		WithDialer(NewWebSocketDialer(time.Second, nil)),
		WithHandler(h),
		WithHeartbeat(quietHeartbeat()),
	)
	h.conn = c

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return c.ConnectionID() == "srv-1" }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []protocol.EnvelopeType{protocol.TypeConnection}, h.types())

	require.NoError(t, c.SendType(protocol.TypeChat, &protocol.ChatRequest{Message: "hello"}))
	select {
	case b := <-received:
		e, err := protocol.Decode(b)
		require.NoError(t, err)
		assert.Equal(t, protocol.TypeChat, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive the envelope")
	}

	require.NoError(t, c.Close("bye"))
	waitDone(t, c)
	select {
	case code := <-closeCodes:
		assert.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not see a close frame")
	}
}
