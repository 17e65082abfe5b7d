package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/vaultlink/pkg/backoff"
	"github.com/go-go-golems/vaultlink/pkg/protocol"
)

type fakeTransport struct {
	incoming chan []byte
	closed   chan struct{}

	mu        sync.Mutex
	written   [][]byte
	closeCode int
	dropCode  int
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case b := <-f.incoming:
		return b, nil
	case <-f.closed:
		f.mu.Lock()
		defer f.mu.Unlock()
		code := f.dropCode
		if code == 0 {
			code = f.closeCode
		}
		return nil, &CloseError{Code: code}
	}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	select {
	case <-f.closed:
		return errors.New("write on closed transport")
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeCode = code
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

// drop simulates the peer going away with code.
func (f *fakeTransport) drop(code int) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.dropCode = code
		f.mu.Unlock()
		close(f.closed)
	})
}

func (f *fakeTransport) push(t *testing.T, typ protocol.EnvelopeType, payload interface{}) {
	e, err := protocol.NewEnvelope(typ, payload)
	require.NoError(t, err)
	b, err := protocol.Encode(e)
	require.NoError(t, err)
	f.incoming <- b
}

func (f *fakeTransport) sent() []*protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	ret := make([]*protocol.Envelope, 0, len(f.written))
	for _, b := range f.written {
		e, err := protocol.Decode(b)
		if err == nil {
			ret = append(ret, e)
		}
	}
	return ret
}

func (f *fakeTransport) sentOfType(t protocol.EnvelopeType) []*protocol.Envelope {
	var ret []*protocol.Envelope
	for _, e := range f.sent() {
		if e.Type == t {
			ret = append(ret, e)
		}
	}
	return ret
}

func (f *fakeTransport) closedWith() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

// fakeDialer hands out scripted results, then refuses.
type fakeDialer struct {
	mu      sync.Mutex
	results []interface{}
	dials   int
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	r := d.results[0]
	d.results = d.results[1:]
	switch v := r.(type) {
	case *fakeTransport:
		return v, nil
	case error:
		return nil, v
	}
	return nil, errors.New("bad script")
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type recorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func (r *recorder) listen(c StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) all() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StateChange(nil), r.changes...)
}

func (r *recorder) states() []State {
	var ret []State
	for _, c := range r.all() {
		ret = append(ret, c.To)
	}
	return ret
}

func (r *recorder) terminal() []StateChange {
	var ret []StateChange
	for _, c := range r.all() {
		if c.Terminal {
			ret = append(ret, c)
		}
	}
	return ret
}

func fastBackoff(maxAttempts int) backoff.Policy {
	return backoff.Policy{
		Base:        time.Millisecond,
		Cap:         5 * time.Millisecond,
		Decay:       1.5,
		MaxAttempts: maxAttempts,
	}
}

func waitState(t *testing.T, c *Connection, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == s }, 2*time.Second, time.Millisecond, "waiting for %s, at %s", s, c.State())
}

func waitDone(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("connection did not terminate, state %s", c.State())
	}
}
