package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
service:
  base_url: "https://example.test"
credentials:
  email: "grower@example.test"
  password: "secret"
realtime:
  initial_delay: 2
  max_delay: 30
  transports: ["polling"]
mqtt:
  enabled: true
  broker: "tcp://broker:1883"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Service.BaseURL != "https://example.test" {
		t.Errorf("Service.BaseURL = %q, want %q", cfg.Service.BaseURL, "https://example.test")
	}
	if cfg.Credentials.Email != "grower@example.test" {
		t.Errorf("Credentials.Email = %q", cfg.Credentials.Email)
	}
	if got := cfg.Realtime.InitialBackoff(); got != 2*time.Second {
		t.Errorf("InitialBackoff() = %v, want 2s", got)
	}
	if got := cfg.Realtime.MaxBackoff(); got != 30*time.Second {
		t.Errorf("MaxBackoff() = %v, want 30s", got)
	}
	if len(cfg.Realtime.Transports) != 1 || cfg.Realtime.Transports[0] != "polling" {
		t.Errorf("Realtime.Transports = %v, want [polling]", cfg.Realtime.Transports)
	}
	// untouched sections keep their defaults
	if cfg.MQTT.TopicPrefix != "lykyn" {
		t.Errorf("MQTT.TopicPrefix = %q, want default %q", cfg.MQTT.TopicPrefix, "lykyn")
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.BaseURL != DefaultBaseURL {
		t.Errorf("Service.BaseURL = %q, want %q", cfg.Service.BaseURL, DefaultBaseURL)
	}
	if cfg.Realtime.InitialDelay != 5 || cfg.Realtime.MaxDelay != 60 {
		t.Errorf("realtime delays = %d/%d, want 5/60", cfg.Realtime.InitialDelay, cfg.Realtime.MaxDelay)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid: [yaml: content")
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LYKYN_EMAIL", "env@example.test")
	t.Setenv("LYKYN_PASSWORD", "env-secret")
	t.Setenv("LYKYN_BASE_URL", "http://127.0.0.1:9999")
	t.Setenv("LYKYN_REALTIME", "false")

	path := writeConfig(t, `
credentials:
  email: "file@example.test"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Credentials.Email != "env@example.test" {
		t.Errorf("Credentials.Email = %q, want env override", cfg.Credentials.Email)
	}
	if cfg.Credentials.Password != "env-secret" {
		t.Errorf("Credentials.Password not overridden")
	}
	if cfg.Service.BaseURL != "http://127.0.0.1:9999" {
		t.Errorf("Service.BaseURL = %q", cfg.Service.BaseURL)
	}
	if cfg.Realtime.Enabled {
		t.Error("Realtime.Enabled = true, want false from LYKYN_REALTIME")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "relative base url",
			mutate:  func(c *Config) { c.Service.BaseURL = "lykyn.app" },
			wantErr: "service.base_url",
		},
		{
			name:    "max delay below initial",
			mutate:  func(c *Config) { c.Realtime.MaxDelay = 1 },
			wantErr: "realtime.max_delay",
		},
		{
			name:    "unknown transport",
			mutate:  func(c *Config) { c.Realtime.Transports = []string{"carrier-pigeon"} },
			wantErr: "unknown transport",
		},
		{
			name: "bad mqtt qos",
			mutate: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.QoS = 3
			},
			wantErr: "mqtt.qos",
		},
		{
			name:    "influx without org",
			mutate:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: "influxdb",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRequireCredentials(t *testing.T) {
	cfg := Default()
	if err := cfg.RequireCredentials(); err == nil {
		t.Error("RequireCredentials() expected error without credentials")
	}
	cfg.Credentials = CredentialsConfig{Email: "a@b.c", Password: "x"}
	if err := cfg.RequireCredentials(); err != nil {
		t.Errorf("RequireCredentials() error = %v", err)
	}
}
