package cmds

import (
	"github.com/spf13/viper"

	"github.com/go-go-golems/vaultlink/pkg/settings"
)

// loadSettings builds the effective settings from defaults, config file,
// environment and flags, in that order of increasing precedence.
func loadSettings() (*settings.Settings, error) {
	s := settings.NewSettings()
	if err := s.UpdateFromViper(viper.GetViper()); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
