package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Redacted wraps a secret-bearing setting so formatted output never leaks
// it. Use Value to reach the raw string.
type Redacted string

func (Redacted) String() string { return "(redacted)" }

func (r Redacted) Value() string { return string(r) }

type Config struct {
	Provider ProviderConfig `mapstructure:"provider"`
	Log      LogConfig      `mapstructure:"log"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

type ProviderConfig struct {
	Name       string `mapstructure:"name"`
	Default    bool   `mapstructure:"default"`
	InitStage  int    `mapstructure:"init_stage"`
	Serializer string `mapstructure:"serializer"`
}

type LogConfig struct {
	Backend        string   `mapstructure:"backend"`
	Dir            string   `mapstructure:"dir"`
	ClientSettings Redacted `mapstructure:"client_settings"`
	Credentials    Redacted `mapstructure:"credentials"`
}

type SnapshotConfig struct {
	Policy string `mapstructure:"policy"`
	EveryK int    `mapstructure:"every_k"`
}

type NotifyConfig struct {
	Cluster  string        `mapstructure:"cluster"`
	Queues   int           `mapstructure:"queues"`
	Socket   SocketConfig  `mapstructure:"socket"`
	Kafka    AdapterConfig `mapstructure:"kafka"`
	RabbitMQ AdapterConfig `mapstructure:"rabbitmq"`
}

type SocketConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Address   string   `mapstructure:"address"`
	Peers     []string `mapstructure:"peers"`
	AuthToken Redacted `mapstructure:"auth_token"`
}

type AdapterConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("logview")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider.serializer", "json")
	v.SetDefault("provider.init_stage", 10)
	v.SetDefault("log.backend", "memory")
	v.SetDefault("snapshot.policy", "none")
	v.SetDefault("notify.queues", 8)
}

func (c Config) Validate() error {
	if c.Provider.Name == "" {
		return fmt.Errorf("provider.name is required")
	}
	if c.Provider.Serializer != "json" {
		return fmt.Errorf("unknown provider.serializer %q", c.Provider.Serializer)
	}
	switch c.Log.Backend {
	case "memory":
	case "sqlite":
		if c.Log.Dir == "" {
			return fmt.Errorf("log.dir is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown log.backend %q", c.Log.Backend)
	}
	switch c.Snapshot.Policy {
	case "none":
	case "every":
		if c.Snapshot.EveryK < 1 {
			return fmt.Errorf("snapshot.every_k must be >= 1")
		}
	default:
		return fmt.Errorf("unknown snapshot.policy %q", c.Snapshot.Policy)
	}
	if c.Notify.Queues < 1 {
		return fmt.Errorf("notify.queues must be >= 1")
	}
	anyNotify := c.Notify.Socket.Enabled || c.Notify.Kafka.Enabled || c.Notify.RabbitMQ.Enabled
	if anyNotify && c.Notify.Cluster == "" {
		return fmt.Errorf("notify.cluster is required when a notification transport is enabled")
	}
	if c.Notify.Socket.Enabled && c.Notify.Socket.Address == "" {
		return fmt.Errorf("notify.socket.address is required")
	}
	return nil
}
