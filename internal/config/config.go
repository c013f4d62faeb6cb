// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig      `mapstructure:"server"`
	Logging LoggingConfig     `mapstructure:"logging"`
	Serial  SerialConfig      `mapstructure:"serial"`
	Pool    PoolConfig        `mapstructure:"pool"`
	MQTT    MQTTConfig        `mapstructure:"mqtt"`
	Redis   RedisConfig       `mapstructure:"redis"`
	Metrics MetricsConfig     `mapstructure:"metrics"`
	Devices []DeviceProvision `mapstructure:"devices"`
	App     AppConfig         `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// SerialConfig represents the line settings used for every device port
type SerialConfig struct {
	BaudRate     int           `mapstructure:"baud_rate"`
	DataBits     int           `mapstructure:"data_bits"`
	StopBits     int           `mapstructure:"stop_bits"`
	Parity       string        `mapstructure:"parity"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	ReadInterval time.Duration `mapstructure:"read_interval"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// PoolConfig sizes the device pool and the continuous reader
type PoolConfig struct {
	Capacity     int           `mapstructure:"capacity"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxFrame     int           `mapstructure:"max_frame"`
}

// MQTTConfig represents the optional measurement publisher
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            int           `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// RedisConfig represents the optional Redis measurement stream
type RedisConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Addr        string `mapstructure:"addr"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	PoolSize    int    `mapstructure:"pool_size"`
	Channel     string `mapstructure:"channel"`
	HistorySize int64  `mapstructure:"history_size"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DeviceProvision describes a device set up at startup. Zero values leave
// the device defaults untouched.
type DeviceProvision struct {
	Name          string `mapstructure:"name"`
	Port          string `mapstructure:"port"`
	Address       *int   `mapstructure:"address"`
	Range         int    `mapstructure:"range"`
	Resolution    int    `mapstructure:"resolution"`
	Frequency     int    `mapstructure:"frequency"`
	StartPosition string `mapstructure:"start_position"`
	AutoConnect   bool   `mapstructure:"auto_connect"`
	Continuous    bool   `mapstructure:"continuous"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from config.yaml and LRM_SERVICE_* environment
// variables. A missing config file is not an error.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile loads configuration from the given file, or searches the default
// locations when path is empty.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/lrm-service")
	}

	// Environment variable support
	v.SetEnvPrefix("LRM_SERVICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8084")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Serial line defaults
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "none")
	v.SetDefault("serial.read_timeout", "1s")
	v.SetDefault("serial.read_interval", "50ms")
	v.SetDefault("serial.write_timeout", "1s")

	// Pool defaults
	v.SetDefault("pool.capacity", 16)
	v.SetDefault("pool.poll_interval", "10ms")
	v.SetDefault("pool.max_frame", 64)

	// MQTT defaults
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "lrm-service")
	v.SetDefault("mqtt.topic_prefix", "lrm")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.connect_timeout", "10s")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.channel", "lrm:measurements")
	v.SetDefault("redis.history_size", 1000)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// App defaults
	v.SetDefault("app.name", "lrm-service")
	v.SetDefault("app.version", "1.0.1")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}

	validEnvs := []string{"development", "staging", "production", "test"}
	if !slices.Contains(validEnvs, config.App.Environment) {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !slices.Contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	validParity := []string{"none", "odd", "even", "mark", "space"}
	if !slices.Contains(validParity, config.Serial.Parity) {
		return fmt.Errorf("serial.parity must be one of: %v", validParity)
	}
	if config.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial.baud_rate must be positive")
	}
	if config.Serial.ReadTimeout <= 0 || config.Serial.ReadInterval <= 0 || config.Serial.WriteTimeout <= 0 {
		return fmt.Errorf("serial timeouts must be positive")
	}

	if config.Pool.Capacity <= 0 {
		return fmt.Errorf("pool.capacity must be positive")
	}
	if config.Pool.MaxFrame < 16 {
		return fmt.Errorf("pool.max_frame must be at least 16")
	}

	if config.MQTT.Enabled {
		if config.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if config.MQTT.QoS < 0 || config.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}
	if config.Redis.Enabled && config.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	names := make(map[string]bool, len(config.Devices))
	for i, d := range config.Devices {
		if d.Name == "" {
			return fmt.Errorf("devices[%d].name is required", i)
		}
		if names[d.Name] {
			return fmt.Errorf("devices[%d].name %q is duplicated", i, d.Name)
		}
		names[d.Name] = true
		if d.AutoConnect && d.Port == "" {
			return fmt.Errorf("devices[%d].port is required for auto_connect", i)
		}
		if d.Continuous && !d.AutoConnect {
			return fmt.Errorf("devices[%d].continuous requires auto_connect", i)
		}
		switch d.StartPosition {
		case "", "tail", "top":
		default:
			return fmt.Errorf("devices[%d].start_position must be tail or top", i)
		}
	}
	if len(config.Devices) > config.Pool.Capacity {
		return fmt.Errorf("%d provisioned devices exceed pool.capacity %d", len(config.Devices), config.Pool.Capacity)
	}

	return nil
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.IsDevelopment()
}
