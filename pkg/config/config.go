package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/meftunca/voxlink/pkg/common"
)

// TrackEncoding selects how track payloads are serialized inside the base64 string.
type TrackEncoding string

const (
	TrackEncodingMsgPack TrackEncoding = "msgpack"
	TrackEncodingCBOR    TrackEncoding = "cbor"
)

// JSONLibrary selects the JSON implementation used on the control connection.
type JSONLibrary string

const (
	JSONLibraryStandard JSONLibrary = "standard"
	JSONLibrarySonic    JSONLibrary = "sonic"
)

// AssignmentStoreType selects where the controller mirrors guild->node bindings.
type AssignmentStoreType string

const (
	AssignmentStoreMemory AssignmentStoreType = "memory"
	AssignmentStoreRedis  AssignmentStoreType = "redis"
)

// ServerConfig holds worker node settings
type ServerConfig struct {
	Host          string        `mapstructure:"host" yaml:"host" json:"host"`
	Port          int           `mapstructure:"port" yaml:"port" json:"port"`
	Password      string        `mapstructure:"password" yaml:"password" json:"-"`
	UserID        string        `mapstructure:"user_id" yaml:"user_id" json:"user_id"`
	StatsInterval time.Duration `mapstructure:"stats_interval" yaml:"stats_interval" json:"stats_interval"`
	SyncTimeout   time.Duration `mapstructure:"sync_timeout" yaml:"sync_timeout" json:"sync_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
	ReadLimit     int64         `mapstructure:"read_limit" yaml:"read_limit" json:"read_limit"`
	CommandBuffer int           `mapstructure:"command_buffer" yaml:"command_buffer" json:"command_buffer"`
	EnableDeflate bool          `mapstructure:"enable_deflate" yaml:"enable_deflate" json:"enable_deflate"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace" json:"shutdown_grace"`
}

// NodeConfig describes one worker node the controller connects to
type NodeConfig struct {
	Name     string `mapstructure:"name" yaml:"name" json:"name"`
	URI      string `mapstructure:"uri" yaml:"uri" json:"uri"`
	Password string `mapstructure:"password" yaml:"password" json:"-"`
}

// AdminConfig holds the controller admin API settings
type AdminConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Host      string `mapstructure:"host" yaml:"host" json:"host"`
	Port      int    `mapstructure:"port" yaml:"port" json:"port"`
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret" json:"-"`
}

// ControllerConfig holds controller settings
type ControllerConfig struct {
	NumShards        int           `mapstructure:"num_shards" yaml:"num_shards" json:"num_shards"`
	UserID           string        `mapstructure:"user_id" yaml:"user_id" json:"user_id"`
	Nodes            []NodeConfig  `mapstructure:"nodes" yaml:"nodes" json:"nodes"`
	ReconnectInitial time.Duration `mapstructure:"reconnect_initial" yaml:"reconnect_initial" json:"reconnect_initial"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max" yaml:"reconnect_max" json:"reconnect_max"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" json:"dial_timeout"`
	Admin            AdminConfig   `mapstructure:"admin" yaml:"admin" json:"admin"`
}

// RedisConfig holds Redis-specific settings
type RedisConfig struct {
	Addresses []string      `mapstructure:"addresses" yaml:"addresses" json:"addresses"`
	Password  string        `mapstructure:"password" yaml:"password" json:"-"`
	DB        int           `mapstructure:"db" yaml:"db" json:"db"`
	KeyPrefix string        `mapstructure:"key_prefix" yaml:"key_prefix" json:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
}

// AssignmentsConfig holds assignment store settings
type AssignmentsConfig struct {
	Type  AssignmentStoreType `mapstructure:"type" yaml:"type" json:"type"`
	Redis RedisConfig         `mapstructure:"redis" yaml:"redis" json:"redis"`
}

// TrackConfig holds track payload settings
type TrackConfig struct {
	Encoding TrackEncoding `mapstructure:"encoding" yaml:"encoding" json:"encoding"`
}

// JSONConfig holds JSON-specific settings
type JSONConfig struct {
	Library    JSONLibrary `mapstructure:"library" yaml:"library" json:"library"`
	EscapeHTML bool        `mapstructure:"escape_html" yaml:"escape_html" json:"escape_html"`
}

// SerializationConfig holds serialization settings
type SerializationConfig struct {
	JSON JSONConfig `mapstructure:"json" yaml:"json" json:"json"`
}

// MonitoringConfig holds monitoring and metrics settings
type MonitoringConfig struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	MetricsPath     string `mapstructure:"metrics_path" yaml:"metrics_path" json:"metrics_path"`
	HealthCheckPath string `mapstructure:"health_check_path" yaml:"health_check_path" json:"health_check_path"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"`
	Output string `mapstructure:"output" yaml:"output" json:"output"`
}

// Options converts the section into logger options.
func (l LoggingConfig) Options() common.LogOptions {
	return common.LogOptions{Level: l.Level, Format: l.Format, Output: l.Output}
}

// Config represents the main configuration structure
type Config struct {
	Server        ServerConfig        `mapstructure:"server" yaml:"server" json:"server"`
	Controller    ControllerConfig    `mapstructure:"controller" yaml:"controller" json:"controller"`
	Assignments   AssignmentsConfig   `mapstructure:"assignments" yaml:"assignments" json:"assignments"`
	Track         TrackConfig         `mapstructure:"track" yaml:"track" json:"track"`
	Serialization SerializationConfig `mapstructure:"serialization" yaml:"serialization" json:"serialization"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring" yaml:"monitoring" json:"monitoring"`
	Logging       LoggingConfig       `mapstructure:"logging" yaml:"logging" json:"logging"`
}

// DefaultConfig returns a configuration with every default filled in
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          2333,
			Password:      "youshallnotpass",
			StatsInterval: time.Minute,
			SyncTimeout:   5 * time.Second,
			WriteTimeout:  10 * time.Second,
			ReadLimit:     1 << 20,
			CommandBuffer: 256,
			EnableDeflate: false,
			ShutdownGrace: 10 * time.Second,
		},
		Controller: ControllerConfig{
			NumShards:        1,
			ReconnectInitial: time.Second,
			ReconnectMax:     30 * time.Second,
			DialTimeout:      10 * time.Second,
			Admin: AdminConfig{
				Enabled: true,
				Host:    "0.0.0.0",
				Port:    8090,
			},
		},
		Assignments: AssignmentsConfig{
			Type: AssignmentStoreMemory,
			Redis: RedisConfig{
				Addresses: []string{"localhost:6379"},
				KeyPrefix: "voxlink:assignment:",
				TTL:       24 * time.Hour,
				Timeout:   time.Second,
			},
		},
		Track: TrackConfig{
			Encoding: TrackEncodingMsgPack,
		},
		Serialization: SerializationConfig{
			JSON: JSONConfig{
				Library:    JSONLibraryStandard,
				EscapeHTML: false,
			},
		},
		Monitoring: MonitoringConfig{
			Enabled:         true,
			MetricsPath:     "/metrics",
			HealthCheckPath: "/health",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// LoadConfig loads configuration from file and environment
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	config := DefaultConfig()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/voxlink")
	}

	v.SetEnvPrefix("VOXLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// AutomaticEnv only applies to keys viper already knows, so the scalar
// settings operators override most often are bound explicitly.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"server.host",
		"server.port",
		"server.password",
		"server.user_id",
		"server.stats_interval",
		"server.sync_timeout",
		"controller.num_shards",
		"controller.user_id",
		"controller.admin.port",
		"controller.admin.jwt_secret",
		"assignments.type",
		"track.encoding",
		"serialization.json.library",
		"logging.level",
		"logging.format",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Password == "" {
		return fmt.Errorf("server password must not be empty")
	}
	if c.Server.StatsInterval <= 0 {
		return fmt.Errorf("stats interval must be greater than 0")
	}
	if c.Server.SyncTimeout <= 0 {
		return fmt.Errorf("sync timeout must be greater than 0")
	}
	if c.Server.CommandBuffer <= 0 {
		return fmt.Errorf("command buffer must be greater than 0")
	}

	if c.Controller.NumShards < 1 {
		return fmt.Errorf("controller num_shards must be at least 1")
	}
	seen := make(map[string]bool, len(c.Controller.Nodes))
	for i, n := range c.Controller.Nodes {
		if n.Name == "" || n.URI == "" {
			return fmt.Errorf("controller node %d needs a name and uri", i)
		}
		if seen[n.Name] {
			return fmt.Errorf("duplicate controller node name: %s", n.Name)
		}
		seen[n.Name] = true
	}
	if c.Controller.Admin.Enabled && (c.Controller.Admin.Port <= 0 || c.Controller.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", c.Controller.Admin.Port)
	}

	switch c.Assignments.Type {
	case AssignmentStoreMemory:
	case AssignmentStoreRedis:
		if len(c.Assignments.Redis.Addresses) == 0 {
			return fmt.Errorf("redis assignment store needs at least one address")
		}
	default:
		return fmt.Errorf("invalid assignment store type: %s", c.Assignments.Type)
	}

	switch c.Track.Encoding {
	case TrackEncodingMsgPack, TrackEncodingCBOR:
	default:
		return fmt.Errorf("invalid track encoding: %s", c.Track.Encoding)
	}

	switch c.Serialization.JSON.Library {
	case JSONLibraryStandard, JSONLibrarySonic:
	default:
		return fmt.Errorf("invalid json library: %s", c.Serialization.JSON.Library)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}
