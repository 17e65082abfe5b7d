package settings

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/vaultlink/pkg/backoff"
)

func TestNewSettings_Defaults(t *testing.T) {
	s := NewSettings()
	require.NotNil(t, s.Server)
	require.NotNil(t, s.Connection)

	assert.Equal(t, "http://localhost:8000", s.Server.BaseURL)
	assert.Equal(t, "/ws", s.Server.WebSocketPath)
	assert.Equal(t, "/api/obsidian/chat/stream", s.Server.ChatStreamPath)
	assert.Equal(t, time.Duration(0), s.Server.RequestTimeoutDuration())

	p := s.Connection.BackoffPolicy()
	def := backoff.DefaultPolicy()
	assert.Equal(t, def.Base, p.Base)
	assert.Equal(t, def.Cap, p.Cap)
	assert.Equal(t, def.Decay, p.Decay)
	assert.Equal(t, def.MaxAttempts, p.MaxAttempts)
	assert.Zero(t, p.Jitter)

	hb := s.Connection.HeartbeatConfig()
	assert.Equal(t, 30*time.Second, hb.Interval)
	assert.Equal(t, 60*time.Second, hb.Timeout)
	assert.Equal(t, 10*time.Second, s.Connection.HandshakeTimeoutDuration())

	require.NoError(t, s.Validate())
}

func TestLoadFromYAML_OverlaysDefaults(t *testing.T) {
	s, err := LoadFromYAML([]byte(`
server:
  base_url: https://vault.example.com
  vault_id: notes
connection:
  max_reconnect_attempts: 0
`))
	require.NoError(t, err)
	assert.Equal(t, "https://vault.example.com", s.Server.BaseURL)
	assert.Equal(t, "notes", s.Server.VaultID)
	assert.Equal(t, "/health", s.Server.HealthPath)
	assert.Equal(t, 0, s.Connection.MaxReconnectAttempts)
	assert.Equal(t, 1000, s.Connection.ReconnectInterval)

	_, err = LoadFromYAML([]byte("server: [1, 2"))
	assert.Error(t, err)
}

func TestUpdateFromViper(t *testing.T) {
	v := viper.New()
	require.NoError(t, RegisterDefaults(v))
	v.Set("connection.reconnect_interval", 250)
	v.Set("server.vault_id", "work")

	s := NewSettings()
	require.NoError(t, s.UpdateFromViper(v))
	assert.Equal(t, 250, s.Connection.ReconnectInterval)
	assert.Equal(t, "work", s.Server.VaultID)
	assert.Equal(t, 30000, s.Connection.MaxReconnectInterval)
	assert.Equal(t, "/api/obsidian/chat", s.Server.ChatPath)
}

func TestClone_IsDeep(t *testing.T) {
	s := NewSettings()
	s.Server.Headers = map[string]string{"X-Vault": "a"}
	c := s.Clone()
	c.Server.Headers["X-Vault"] = "b"
	c.Connection.HeartbeatInterval = 1

	assert.Equal(t, "a", s.Server.Headers["X-Vault"])
	assert.Equal(t, 30000, s.Connection.HeartbeatInterval)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Settings)
		errMsg string
	}{
		{"zero reconnect interval", func(s *Settings) { s.Connection.ReconnectInterval = 0 }, "reconnect_interval must be positive"},
		{"cap below base", func(s *Settings) { s.Connection.MaxReconnectInterval = 500 }, "below reconnect_interval"},
		{"decay below one", func(s *Settings) { s.Connection.ReconnectDecay = 0.5 }, "reconnect_decay"},
		{"negative attempts", func(s *Settings) { s.Connection.MaxReconnectAttempts = -1 }, "max_reconnect_attempts"},
		{"jitter out of range", func(s *Settings) { s.Connection.ReconnectJitter = 1 }, "reconnect_jitter"},
		{"timeout not above interval", func(s *Settings) { s.Connection.HeartbeatTimeout = 30000 }, "must exceed heartbeat_interval"},
		{"missing base url", func(s *Settings) { s.Server.BaseURL = "" }, "base_url is required"},
		{"negative request timeout", func(s *Settings) { s.Server.RequestTimeout = -1 }, "request_timeout"},
		{"missing section", func(s *Settings) { s.Connection = nil }, "required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSettings()
			tt.mutate(s)
			err := s.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestToYAML_RoundTrip(t *testing.T) {
	s := NewSettings()
	s.Server.VaultID = "notes"
	b, err := s.ToYAML()
	require.NoError(t, err)

	loaded, err := LoadFromYAML(b)
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
}
