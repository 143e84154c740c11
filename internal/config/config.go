package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

type Config struct {
	LogLevel      string        `mapstructure:"loglevel"`
	LogFile       string        `mapstructure:"logfile"`
	ListenAddress string        `mapstructure:"listenaddress"`
	Store         StoreConfig   `mapstructure:"store"`
	SignalingURL  string        `mapstructure:"signalingurl"`
	ICEServers    []string      `mapstructure:"iceservers"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("loglevel", "info")
	v.SetDefault("logfile", "")
	v.SetDefault("listenaddress", ":8080")
	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("store.path", "trickle.db")
	v.SetDefault("signalingurl", "ws://localhost:8080/ws")
	v.SetDefault("iceservers", []string{"stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"})
	v.SetDefault("timeout", 30*time.Second)
}

// Load reads configFilePath if it exists, then overlays TRICKLE_* environment
// variables (TRICKLE_STORE_BACKEND for store.backend). A missing file is not
// an error.
func Load(configFilePath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("trickle")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFilePath != "" {
		v.SetConfigFile(configFilePath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", configFilePath, err)
			}
			log.Info().Str("configFilePath", configFilePath).Msg("No config file found")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	if len(c.ICEServers) == 0 {
		errs = append(errs, errors.New("at least one ICE server must be configured"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	return errors.Join(errs...)
}
