package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Cache.PDFTTL != 6*time.Hour || cfg.Agent.Dedup.TTL != 6*time.Hour {
		t.Fatalf("unexpected ttl defaults %v %v", cfg.Cache.PDFTTL, cfg.Agent.Dedup.TTL)
	}
	if cfg.Agent.Stability.WindowSize != 10 || cfg.Agent.Stability.StdMax != 5 {
		t.Fatalf("unexpected stability defaults %+v", cfg.Agent.Stability)
	}
	if cfg.Agent.Print.DownloadTimeout != 15*time.Second {
		t.Fatalf("unexpected download timeout %v", cfg.Agent.Print.DownloadTimeout)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
mqtt:
  host: broker.local
  base_topic: plant
agent:
  machine_id: weigh7
  stability:
    window_size: 5
    min_duration: 2s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.MQTT.Host != "broker.local" || cfg.MQTT.BaseTopic != "plant" {
		t.Fatalf("file values not applied: %+v %+v", cfg.Server, cfg.MQTT)
	}
	if cfg.Agent.MachineID != "weigh7" || cfg.Agent.Stability.WindowSize != 5 || cfg.Agent.Stability.MinDuration != 2*time.Second {
		t.Fatalf("agent values not applied: %+v", cfg.Agent)
	}
	if cfg.Agent.Stability.Hysteresis != 0.5 {
		t.Fatalf("expected untouched default to survive, got %v", cfg.Agent.Stability.Hysteresis)
	}
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	path := writeConfig(t, "mqtt:\n  host: from-file\n")
	t.Setenv("WEIGH_MQTT_HOST", "from-env")
	t.Setenv("WEIGH_MACHINE_ID", "weigh9")
	t.Setenv("WEIGH_PORT", "not-a-number")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MQTT.Host != "from-env" || cfg.Agent.MachineID != "weigh9" {
		t.Fatalf("env overrides not applied: %s %s", cfg.MQTT.Host, cfg.Agent.MachineID)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected invalid port env to be ignored, got %d", cfg.Server.Port)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "server: [")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server port"},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, "invalid database driver"},
		{"postgres needs dsn", func(c *Config) { c.Database.Driver = "postgres" }, "dsn"},
		{"qos", func(c *Config) { c.MQTT.QoS = 3 }, "qos"},
		{"window", func(c *Config) { c.Agent.Stability.WindowSize = 0 }, "window size"},
		{"backend", func(c *Config) { c.Agent.Print.Backend = "cups" }, "invalid print backend"},
		{"raw needs address", func(c *Config) { c.Agent.Print.Backend = "raw" }, "raw printer address"},
		{"parity", func(c *Config) { c.Agent.Serial.Parity = "weird" }, "parity"},
		{"prune interval", func(c *Config) { c.Agent.Dedup.PruneInterval = 0 }, "prune interval"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaults()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestMQTTBroker(t *testing.T) {
	c := MQTTConfig{Host: "10.0.0.2", Port: 1883}
	if got := c.Broker(); got != "tcp://10.0.0.2:1883" {
		t.Fatalf("unexpected broker url %q", got)
	}
}
