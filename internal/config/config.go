package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultBaseURL is the origin of the Lykyn cloud service.
const DefaultBaseURL = "https://lykyn.app"

// Config is the root configuration for lykyn-sync. Values are loaded from
// YAML and may be overridden by LYKYN_* environment variables.
type Config struct {
	Service     ServiceConfig     `yaml:"service"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Realtime    RealtimeConfig    `yaml:"realtime"`
	API         APIConfig         `yaml:"api"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServiceConfig struct {
	BaseURL   string `yaml:"base_url"`
	UserAgent string `yaml:"user_agent"`
}

type CredentialsConfig struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

// RealtimeConfig controls the push channel. Delays are in seconds.
type RealtimeConfig struct {
	Enabled      bool     `yaml:"enabled"`
	InitialDelay int      `yaml:"initial_delay"`
	MaxDelay     int      `yaml:"max_delay"`
	Transports   []string `yaml:"transports"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

type InfluxDBConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the YAML file at path on top of the defaults, applies
// environment overrides and validates the result. An empty path skips the
// file and uses defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when nothing else is supplied.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			BaseURL:   DefaultBaseURL,
			UserAgent: "lykyn-sync",
		},
		Realtime: RealtimeConfig{
			Enabled:      true,
			InitialDelay: 5,
			MaxDelay:     60,
			Transports:   []string{"websocket", "polling"},
		},
		API: APIConfig{
			Enabled: true,
			Addr:    ":8080",
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "lykyn-sync",
			TopicPrefix: "lykyn",
			QoS:         1,
		},
		InfluxDB: InfluxDBConfig{
			URL:    "http://localhost:8086",
			Bucket: "lykyn",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LYKYN_BASE_URL"); v != "" {
		cfg.Service.BaseURL = v
	}
	if v := os.Getenv("LYKYN_EMAIL"); v != "" {
		cfg.Credentials.Email = v
	}
	if v := os.Getenv("LYKYN_PASSWORD"); v != "" {
		cfg.Credentials.Password = v
	}
	if v := os.Getenv("LYKYN_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("LYKYN_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("LYKYN_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("LYKYN_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("LYKYN_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("LYKYN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LYKYN_REALTIME"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Realtime.Enabled = enabled
		}
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []string

	u, err := url.Parse(c.Service.BaseURL)
	switch {
	case c.Service.BaseURL == "":
		errs = append(errs, "service.base_url is required")
	case err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https"):
		errs = append(errs, "service.base_url must be an absolute http(s) URL")
	}

	if c.Realtime.InitialDelay < 1 {
		errs = append(errs, "realtime.initial_delay must be at least 1 second")
	}
	if c.Realtime.MaxDelay < c.Realtime.InitialDelay {
		errs = append(errs, "realtime.max_delay must not be lower than realtime.initial_delay")
	}
	if len(c.Realtime.Transports) == 0 {
		errs = append(errs, "realtime.transports must list at least one transport")
	}
	for _, t := range c.Realtime.Transports {
		if t != "websocket" && t != "polling" {
			errs = append(errs, fmt.Sprintf("realtime.transports: unknown transport %q", t))
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, "mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url, influxdb.org and influxdb.bucket are required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// RequireCredentials is checked by commands that log in.
func (c *Config) RequireCredentials() error {
	if c.Credentials.Email == "" || c.Credentials.Password == "" {
		return errors.New("credentials.email and credentials.password are required (set LYKYN_EMAIL and LYKYN_PASSWORD)")
	}
	return nil
}

func (r RealtimeConfig) InitialBackoff() time.Duration {
	return time.Duration(r.InitialDelay) * time.Second
}

func (r RealtimeConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxDelay) * time.Second
}
