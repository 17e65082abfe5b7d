// Package heartbeat detects connections that are open at the transport level
// but no longer answer at the application level.
//
// A Monitor sends a ping every Interval and declares the peer stale when no
// liveness signal (see Touch) arrives within Timeout. The two timers are
// independent: sending a ping never resets the timeout, only the peer does.
package heartbeat

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 60 * time.Second
)

type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: DefaultInterval,
		Timeout:  DefaultTimeout,
	}
}

type Monitor struct {
	config    Config
	send      func() error
	onTimeout func()
	now       func() time.Time
	logger    zerolog.Logger

	mu           sync.Mutex
	running      bool
	pingGen      uint64
	timeoutGen   uint64
	pingTimer    *time.Timer
	timeoutTimer *time.Timer
	last         time.Time
}

type Option func(*Monitor)

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithClock replaces time.Now for the recorded heartbeat timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// New creates a stopped monitor. send is called on every ping tick and
// onTimeout once per stale period. Both run outside the monitor's lock.
func New(config Config, send func() error, onTimeout func(), options ...Option) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	m := &Monitor{
		config:    config,
		send:      send,
		onTimeout: onTimeout,
		now:       time.Now,
		logger:    log.Logger,
	}
	for _, o := range options {
		o(m)
	}
	m.logger = m.logger.With().Str("component", "heartbeat").Logger()

	return m
}

// Start records a heartbeat and arms both timers. Starting a running monitor
// restarts it.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()
	m.running = true
	m.last = m.now()
	m.schedulePingLocked()
	m.armTimeoutLocked()

	m.logger.Debug().
		Dur("interval", m.config.Interval).
		Dur("timeout", m.config.Timeout).
		Msg("Heartbeat monitor started")
}

// Touch records a liveness signal from the peer and resets the timeout.
func (m *Monitor) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.last = m.now()
	m.armTimeoutLocked()
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.stopLocked()
	m.logger.Debug().Msg("Heartbeat monitor stopped")
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// LastHeartbeatAt returns the time of the last liveness signal, or the zero
// time if the monitor was never started.
func (m *Monitor) LastHeartbeatAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Monitor) stopLocked() {
	m.running = false
	m.pingGen++
	m.timeoutGen++
	if m.pingTimer != nil {
		m.pingTimer.Stop()
		m.pingTimer = nil
	}
	if m.timeoutTimer != nil {
		m.timeoutTimer.Stop()
		m.timeoutTimer = nil
	}
}

func (m *Monitor) schedulePingLocked() {
	gen := m.pingGen
	m.pingTimer = time.AfterFunc(m.config.Interval, func() {
		m.ping(gen)
	})
}

func (m *Monitor) armTimeoutLocked() {
	m.timeoutGen++
	gen := m.timeoutGen
	if m.timeoutTimer != nil {
		m.timeoutTimer.Stop()
	}
	m.timeoutTimer = time.AfterFunc(m.config.Timeout, func() {
		m.expire(gen)
	})
}

func (m *Monitor) ping(gen uint64) {
	m.mu.Lock()
	if !m.running || gen != m.pingGen {
		m.mu.Unlock()
		return
	}
	m.schedulePingLocked()
	m.mu.Unlock()

	if err := m.send(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to send heartbeat ping")
		return
	}
	m.logger.Trace().Msg("Heartbeat ping sent")
}

func (m *Monitor) expire(gen uint64) {
	m.mu.Lock()
	if !m.running || gen != m.timeoutGen {
		m.mu.Unlock()
		return
	}
	last := m.last
	m.stopLocked()
	m.mu.Unlock()

	m.logger.Warn().
		Time("last_heartbeat_at", last).
		Dur("timeout", m.config.Timeout).
		Msg("Heartbeat timeout, connection is stale")
	m.onTimeout()
}
