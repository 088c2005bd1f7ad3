package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix shared by every environment override.
const EnvPrefix = "BOARDFLEET_"

// Config is the root configuration for both the fleet supervisor and the
// board host. Each binary reads only the sections it needs.
type Config struct {
	Supervisor   SupervisorConfig `yaml:"supervisor"`
	Services     []ServiceConfig  `yaml:"services"`
	RegistryFile string           `yaml:"registry_file"`
	API          APIConfig        `yaml:"api"`
	Database     DatabaseConfig   `yaml:"database"`
	MQTT         MQTTConfig       `yaml:"mqtt"`
	InfluxDB     InfluxDBConfig   `yaml:"influxdb"`
	Logging      LoggingConfig    `yaml:"logging"`
	Host         HostConfig       `yaml:"host"`
	WebSocket    WebSocketConfig  `yaml:"websocket"`
	Lease        LeaseConfig      `yaml:"lease"`
	Watchdog     WatchdogConfig   `yaml:"watchdog"`
}

// SupervisorConfig controls the reconciliation loop and lifecycle timing.
type SupervisorConfig struct {
	HealthInterval time.Duration `yaml:"health_interval"`
	StopGrace      time.Duration `yaml:"stop_grace"`
	RestartSettle  time.Duration `yaml:"restart_settle"`

	// Autostart starts every registered service when the loop begins.
	Autostart bool `yaml:"autostart"`

	// WatchProcess, when set, makes the supervisor exit once no process
	// with this name is running.
	WatchProcess string `yaml:"watch_process"`
}

// ServiceConfig is an inline service descriptor.
type ServiceConfig struct {
	ID   string            `yaml:"id"`
	Path string            `yaml:"path"`
	URL  string            `yaml:"url"`
	Args []string          `yaml:"args"`
	Env  map[string]string `yaml:"env"`
}

// APIConfig contains control API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig holds HTTP timeouts in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig lists the origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig contains SQLite settings for the lifecycle audit store.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig holds reconnect delays in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// HostConfig contains board host settings.
type HostConfig struct {
	// WatcherProcess is the process name the host watchdog looks for.
	WatcherProcess string `yaml:"watcher_process"`

	// Suffix overrides the generated interception suffix.
	Suffix string `yaml:"suffix"`

	// ReconnectInterval is how often a disconnected host retries the board.
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`

	// EventBuffer bounds the queue of events waiting for delivery.
	EventBuffer int `yaml:"event_buffer"`

	// Simulation tunes the simulated board used when no vendor SDK is linked.
	Simulation SimulationConfig `yaml:"simulation"`
}

// WebSocketConfig contains settings for the host event hub.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// SimulationConfig tunes sdk.Simulated progress timing.
type SimulationConfig struct {
	StepInterval time.Duration `yaml:"step_interval"`
	StepPercent  int           `yaml:"step_percent"`
}

// LeaseConfig controls the supervisor-issued liveness lease.
type LeaseConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Secret        string        `yaml:"secret"`
	TTL           time.Duration `yaml:"ttl"`
	RenewInterval time.Duration `yaml:"renew_interval"`
}

// WatchdogConfig controls orphan detection.
type WatchdogConfig struct {
	Interval time.Duration `yaml:"interval"`

	// MaxCheckErrors is how many consecutive check errors count as a lapse.
	MaxCheckErrors int `yaml:"max_check_errors"`
}

// Load reads configuration from a YAML file and applies environment
// variable overrides.
//
// The loading order is:
//  1. Default values
//  2. YAML file values
//  3. A .env file next to the config, or BOARDFLEET_ENV_FILE
//  4. Environment variables (BOARDFLEET_SECTION_KEY)
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// FromEnv returns the defaults with environment overrides applied. It is
// used by the board host when no config file is given.
func FromEnv() (*Config, error) {
	cfg := defaultConfig()
	if err := loadDotEnv(""); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads a dotenv file without overriding variables already set.
// BOARDFLEET_ENV_FILE takes precedence over fallback. A missing file is not
// an error.
func loadDotEnv(fallback string) error {
	path := os.Getenv(EnvPrefix + "ENV_FILE")
	if path == "" {
		path = fallback
	}
	if path == "" {
		return nil
	}

	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Supervisor: SupervisorConfig{
			HealthInterval: 3 * time.Second,
			StopGrace:      5 * time.Second,
			RestartSettle:  time.Second,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/boardfleet.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "boardfleet",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Host: HostConfig{
			WatcherProcess:    "fleetsupervisor",
			ReconnectInterval: 2 * time.Second,
			EventBuffer:       256,
			Simulation: SimulationConfig{
				StepInterval: 100 * time.Millisecond,
				StepPercent:  10,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Lease: LeaseConfig{
			TTL:           15 * time.Second,
			RenewInterval: 5 * time.Second,
		},
		Watchdog: WatchdogConfig{
			Interval:       3 * time.Second,
			MaxCheckErrors: 3,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString("REGISTRY_FILE", &cfg.RegistryFile)
	setString("DATABASE_PATH", &cfg.Database.Path)

	setBool("MQTT_ENABLED", &cfg.MQTT.Enabled)
	setString("MQTT_HOST", &cfg.MQTT.Broker.Host)
	setInt("MQTT_PORT", &cfg.MQTT.Broker.Port)
	setString("MQTT_USERNAME", &cfg.MQTT.Auth.Username)
	setString("MQTT_PASSWORD", &cfg.MQTT.Auth.Password)

	setString("API_HOST", &cfg.API.Host)
	setInt("API_PORT", &cfg.API.Port)

	setBool("INFLUXDB_ENABLED", &cfg.InfluxDB.Enabled)
	setString("INFLUXDB_URL", &cfg.InfluxDB.URL)
	setString("INFLUXDB_TOKEN", &cfg.InfluxDB.Token)

	setString("LOG_LEVEL", &cfg.Logging.Level)
	setString("HOST_WATCHER_PROCESS", &cfg.Host.WatcherProcess)
	setString("HOST_SUFFIX", &cfg.Host.Suffix)

	setBool("LEASE_ENABLED", &cfg.Lease.Enabled)
	setString("LEASE_SECRET", &cfg.Lease.Secret)
}

// minLeaseSecretLength guards against trivially forgeable HS256 keys.
const minLeaseSecretLength = 32

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Supervisor.HealthInterval <= 0 {
		errs = append(errs, "supervisor.health_interval must be positive")
	}
	if c.Supervisor.StopGrace < 0 {
		errs = append(errs, "supervisor.stop_grace must not be negative")
	}
	if c.Supervisor.RestartSettle < 0 {
		errs = append(errs, "supervisor.restart_settle must not be negative")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PongTimeout <= 0 {
		errs = append(errs, "websocket.ping_interval and websocket.pong_timeout must be positive")
	}

	if c.Watchdog.Interval <= 0 {
		errs = append(errs, "watchdog.interval must be positive")
	}

	if c.Lease.Enabled {
		if c.Lease.TTL <= 0 {
			errs = append(errs, "lease.ttl must be positive")
		}
		if c.Lease.RenewInterval <= 0 || c.Lease.RenewInterval >= c.Lease.TTL {
			errs = append(errs, "lease.renew_interval must be positive and shorter than lease.ttl")
		}
	}
	if c.Lease.Secret != "" && len(c.Lease.Secret) < minLeaseSecretLength {
		errs = append(errs, "lease.secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
