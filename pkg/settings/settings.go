package settings

import (
	_ "embed"
	"time"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/vaultlink/pkg/backoff"
	"github.com/go-go-golems/vaultlink/pkg/heartbeat"
)

//go:embed "defaults.yaml"
var defaultsYAML []byte

type Settings struct {
	Server     *ServerSettings     `yaml:"server,omitempty" mapstructure:"server"`
	Connection *ConnectionSettings `yaml:"connection,omitempty" mapstructure:"connection"`
}

// ServerSettings locates the backend. Paths are joined onto BaseURL.
type ServerSettings struct {
	BaseURL        string `yaml:"base_url" mapstructure:"base_url"`
	WebSocketPath  string `yaml:"websocket_path" mapstructure:"websocket_path"`
	ChatPath       string `yaml:"chat_path" mapstructure:"chat_path"`
	ChatStreamPath string `yaml:"chat_stream_path" mapstructure:"chat_stream_path"`
	HealthPath     string `yaml:"health_path" mapstructure:"health_path"`
	// VaultID selects the per-vault websocket route when set.
	VaultID string `yaml:"vault_id,omitempty" mapstructure:"vault_id"`
	// RequestTimeout in milliseconds for non-streaming requests. 0 disables it.
	RequestTimeout     int               `yaml:"request_timeout" mapstructure:"request_timeout"`
	AllowHTTP          bool              `yaml:"allow_http" mapstructure:"allow_http"`
	AllowLocalNetworks bool              `yaml:"allow_local_networks" mapstructure:"allow_local_networks"`
	Headers            map[string]string `yaml:"headers,omitempty" mapstructure:"headers"`
}

// ConnectionSettings holds the reconnect and liveness parameters. All
// intervals are in milliseconds.
type ConnectionSettings struct {
	ReconnectInterval    int     `yaml:"reconnect_interval" mapstructure:"reconnect_interval"`
	MaxReconnectInterval int     `yaml:"max_reconnect_interval" mapstructure:"max_reconnect_interval"`
	ReconnectDecay       float64 `yaml:"reconnect_decay" mapstructure:"reconnect_decay"`
	MaxReconnectAttempts int     `yaml:"max_reconnect_attempts" mapstructure:"max_reconnect_attempts"`
	ReconnectJitter      float64 `yaml:"reconnect_jitter" mapstructure:"reconnect_jitter"`
	HeartbeatInterval    int     `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	HeartbeatTimeout     int     `yaml:"heartbeat_timeout" mapstructure:"heartbeat_timeout"`
	HandshakeTimeout     int     `yaml:"handshake_timeout" mapstructure:"handshake_timeout"`
}

func NewSettings() *Settings {
	ret := &Settings{}
	// the embedded defaults are part of the binary, a failure here is a build defect
	if err := yaml.Unmarshal(defaultsYAML, ret); err != nil {
		panic(errors.Wrap(err, "invalid embedded defaults"))
	}
	return ret
}

// LoadFromYAML overlays b onto the defaults.
func LoadFromYAML(b []byte) (*Settings, error) {
	ret := NewSettings()
	if err := yaml.Unmarshal(b, ret); err != nil {
		return nil, errors.Wrap(err, "could not parse settings")
	}
	ret.ensure()
	return ret, nil
}

// UpdateFromViper overlays every key viper knows about, from config file,
// environment or bound flags.
func (s *Settings) UpdateFromViper(v *viper.Viper) error {
	if err := v.Unmarshal(s); err != nil {
		return errors.Wrap(err, "could not unmarshal settings")
	}
	s.ensure()
	return nil
}

// RegisterDefaults makes every settings key known to v, so that environment
// variables are picked up by UpdateFromViper even without a config file.
func RegisterDefaults(v *viper.Viper) error {
	var sections map[string]map[string]interface{}
	if err := yaml.Unmarshal(defaultsYAML, &sections); err != nil {
		return errors.Wrap(err, "invalid embedded defaults")
	}
	for section, values := range sections {
		for key, value := range values {
			v.SetDefault(section+"."+key, value)
		}
	}
	return nil
}

func (s *Settings) ensure() {
	defaults := NewSettings()
	if s.Server == nil {
		s.Server = defaults.Server
	}
	if s.Connection == nil {
		s.Connection = defaults.Connection
	}
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}

func (s *Settings) Validate() error {
	if s.Server == nil || s.Connection == nil {
		return errors.New("server and connection settings are required")
	}
	if err := s.Server.Validate(); err != nil {
		return errors.Wrap(err, "server")
	}
	if err := s.Connection.Validate(); err != nil {
		return errors.Wrap(err, "connection")
	}
	return nil
}

func (s *Settings) ToYAML() ([]byte, error) {
	return yaml.Marshal(s)
}

func (ss *ServerSettings) Validate() error {
	if ss.BaseURL == "" {
		return errors.New("base_url is required")
	}
	if ss.RequestTimeout < 0 {
		return errors.Errorf("request_timeout must not be negative, got %d", ss.RequestTimeout)
	}
	return nil
}

func (ss *ServerSettings) RequestTimeoutDuration() time.Duration {
	return time.Duration(ss.RequestTimeout) * time.Millisecond
}

func (cs *ConnectionSettings) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"reconnect_interval", cs.ReconnectInterval},
		{"max_reconnect_interval", cs.MaxReconnectInterval},
		{"heartbeat_interval", cs.HeartbeatInterval},
		{"heartbeat_timeout", cs.HeartbeatTimeout},
		{"handshake_timeout", cs.HandshakeTimeout},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errors.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}
	if cs.MaxReconnectInterval < cs.ReconnectInterval {
		return errors.Errorf("max_reconnect_interval %d is below reconnect_interval %d",
			cs.MaxReconnectInterval, cs.ReconnectInterval)
	}
	if cs.ReconnectDecay < 1 {
		return errors.Errorf("reconnect_decay must be at least 1, got %v", cs.ReconnectDecay)
	}
	if cs.MaxReconnectAttempts < 0 {
		return errors.Errorf("max_reconnect_attempts must not be negative, got %d", cs.MaxReconnectAttempts)
	}
	if cs.ReconnectJitter < 0 || cs.ReconnectJitter >= 1 {
		return errors.Errorf("reconnect_jitter must be in [0, 1), got %v", cs.ReconnectJitter)
	}
	if cs.HeartbeatTimeout <= cs.HeartbeatInterval {
		return errors.Errorf("heartbeat_timeout %d must exceed heartbeat_interval %d",
			cs.HeartbeatTimeout, cs.HeartbeatInterval)
	}
	return nil
}

func (cs *ConnectionSettings) BackoffPolicy() backoff.Policy {
	return backoff.Policy{
		Base:        ms(cs.ReconnectInterval),
		Cap:         ms(cs.MaxReconnectInterval),
		Decay:       cs.ReconnectDecay,
		MaxAttempts: cs.MaxReconnectAttempts,
		Jitter:      cs.ReconnectJitter,
	}
}

func (cs *ConnectionSettings) HeartbeatConfig() heartbeat.Config {
	return heartbeat.Config{
		Interval: ms(cs.HeartbeatInterval),
		Timeout:  ms(cs.HeartbeatTimeout),
	}
}

func (cs *ConnectionSettings) HandshakeTimeoutDuration() time.Duration {
	return ms(cs.HandshakeTimeout)
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
