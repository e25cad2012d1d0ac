package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/colinrozzi/chat-state/pkg/events"
	"github.com/colinrozzi/chat-state/pkg/logging"
)

// Config is the full service configuration: defaults, then an optional YAML
// file, then CHATSTATE_* environment variables, strongest last.
type Config struct {
	Server       ServerSettings       `mapstructure:"server"`
	Logging      logging.Settings     `mapstructure:"logging"`
	Storage      StorageSettings      `mapstructure:"storage"`
	Redis        events.RedisSettings `mapstructure:"redis"`
	Collaborator CollaboratorSettings `mapstructure:"collaborator"`
	// Catalog points at a models.yaml overriding the embedded catalog.
	Catalog string `mapstructure:"catalog"`
}

// CollaboratorSettings point at the model-access endpoint. The key usually
// arrives through CHATSTATE_COLLABORATOR_API_KEY rather than the file.
type CollaboratorSettings struct {
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
}

type ServerSettings struct {
	Addr               string `mapstructure:"addr"`
	ShutdownTimeoutSec int    `mapstructure:"shutdown_timeout_sec"`
	MaxBodyBytes       int64  `mapstructure:"max_body_bytes"`
}

// StorageSettings select the snapshot backend. "bolt" and "sqlite" need a
// path; "memory" keeps snapshots for the process lifetime only.
type StorageSettings struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8221")
	v.SetDefault("server.shutdown_timeout_sec", 30)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("storage.backend", "bolt")
	v.SetDefault("storage.path", "chat-state.db")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.group", "chat-state")
	v.SetDefault("redis.consumer", "chat-state-1")
	v.SetDefault("collaborator.endpoint", "https://api.anthropic.com/v1/messages")
	v.SetDefault("collaborator.api_key", "")
}

// Load reads the configuration. An explicit path must exist; otherwise the
// usual locations are searched and a missing file just means defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("chat-state")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/chat-state")
		v.AddConfigPath("/etc/chat-state")
	}

	v.SetEnvPrefix("CHATSTATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "config: read")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "bolt", "sqlite":
		if c.Storage.Path == "" {
			return errors.Errorf("config: storage backend %s needs storage.path", c.Storage.Backend)
		}
	default:
		return errors.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Server.Addr == "" {
		return errors.New("config: server.addr is empty")
	}
	return nil
}
