package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Renderer RendererConfig `yaml:"renderer"`
	Cache    CacheConfig    `yaml:"cache"`
	Auth     AuthConfig     `yaml:"auth"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
	Agent    AgentConfig    `yaml:"agent"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port          int           `yaml:"port"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	PublicBaseURL string        `yaml:"public_base_url"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type MQTTConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	BaseTopic      string        `yaml:"base_topic"`
	ClientID       string        `yaml:"client_id"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	MaxInFlight    int           `yaml:"max_in_flight"`
}

// Broker returns the tcp:// URL paho expects.
func (m MQTTConfig) Broker() string {
	return fmt.Sprintf("tcp://%s:%d", m.Host, m.Port)
}

type RendererConfig struct {
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout"`
	Validate bool          `yaml:"validate"`
}

type CacheConfig struct {
	PDFTTL        time.Duration `yaml:"pdf_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPrefix   string        `yaml:"redis_prefix"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type WebhookTarget struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type WebhooksConfig struct {
	Targets    []WebhookTarget `yaml:"targets"`
	RetryCount int             `yaml:"retry_count"`
	RetryDelay time.Duration   `yaml:"retry_delay"`
	Timeout    time.Duration   `yaml:"timeout"`
	QueueSize  int             `yaml:"queue_size"`
}

type AgentConfig struct {
	MachineID string          `yaml:"machine_id"`
	Unit      string          `yaml:"unit"`
	DataDir   string          `yaml:"data_dir"`
	Serial    SerialConfig    `yaml:"serial"`
	Stability StabilityConfig `yaml:"stability"`
	Print     PrintConfig     `yaml:"print"`
	Dedup     DedupConfig     `yaml:"dedup"`
}

type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	Parity   string `yaml:"parity"`
	StopBits int    `yaml:"stop_bits"`
}

type StabilityConfig struct {
	WindowSize  int           `yaml:"window_size"`
	StdMax      float64       `yaml:"std_max"`
	MinDuration time.Duration `yaml:"min_duration"`
	Hysteresis  float64       `yaml:"hysteresis"`
}

type PrintConfig struct {
	PrinterName     string        `yaml:"printer_name"`
	CopiesDefault   int           `yaml:"copies_default"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	Backend         string        `yaml:"backend"`
	Command         []string      `yaml:"command"`
	RawAddress      string        `yaml:"raw_address"`
}

type DedupConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          8080,
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			PublicBaseURL: "http://localhost:8080/api",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "./data/weighprint.db",
		},
		MQTT: MQTTConfig{
			Host:           "127.0.0.1",
			Port:           1883,
			BaseTopic:      "weigh",
			QoS:            1,
			ConnectTimeout: 10 * time.Second,
			PublishTimeout: 5 * time.Second,
		},
		Renderer: RendererConfig{
			URL:      "http://gotenberg:3000",
			Timeout:  30 * time.Second,
			Validate: true,
		},
		Cache: CacheConfig{
			PDFTTL:        6 * time.Hour,
			SweepInterval: 10 * time.Minute,
			RedisPrefix:   "weighprint:pdf:",
		},
		Webhooks: WebhooksConfig{
			RetryCount: 3,
			RetryDelay: 5 * time.Second,
			Timeout:    10 * time.Second,
			QueueSize:  100,
		},
		Agent: AgentConfig{
			MachineID: "weigh1",
			Unit:      "kg",
			DataDir:   "./data",
			Serial: SerialConfig{
				Port:     "/dev/ttyUSB0",
				BaudRate: 9600,
				DataBits: 8,
				Parity:   "none",
				StopBits: 1,
			},
			Stability: StabilityConfig{
				WindowSize:  10,
				StdMax:      5,
				MinDuration: time.Second,
				Hysteresis:  0.5,
			},
			Print: PrintConfig{
				CopiesDefault:   1,
				DownloadTimeout: 15 * time.Second,
				Backend:         "command",
				Command:         []string{"lp", "-d", "{printer}", "-n", "{copies}", "{file}"},
			},
			Dedup: DedupConfig{
				TTL:           6 * time.Hour,
				PruneInterval: 10 * time.Minute,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configPath over the defaults. A missing file is not an error.
// Environment overrides are applied after the file.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("WEIGH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("WEIGH_PUBLIC_BASE_URL"); v != "" {
		c.Server.PublicBaseURL = v
	}
	if v := os.Getenv("WEIGH_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("WEIGH_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("WEIGH_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("WEIGH_MQTT_HOST"); v != "" {
		c.MQTT.Host = v
	}
	if v := os.Getenv("WEIGH_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.MQTT.Port = port
		}
	}
	if v := os.Getenv("WEIGH_MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("WEIGH_MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("WEIGH_MQTT_BASE_TOPIC"); v != "" {
		c.MQTT.BaseTopic = v
	}
	if v := os.Getenv("WEIGH_RENDERER_URL"); v != "" {
		c.Renderer.URL = v
	}
	if v := os.Getenv("WEIGH_REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
	if v := os.Getenv("WEIGH_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("WEIGH_MACHINE_ID"); v != "" {
		c.Agent.MachineID = v
	}
	if v := os.Getenv("WEIGH_SERIAL_PORT"); v != "" {
		c.Agent.Serial.Port = v
	}
	if v := os.Getenv("WEIGH_BAUD_RATE"); v != "" {
		if baud, err := strconv.Atoi(v); err == nil {
			c.Agent.Serial.BaudRate = baud
		}
	}
	if v := os.Getenv("WEIGH_PRINTER_NAME"); v != "" {
		c.Agent.Print.PrinterName = v
	}
	if v := os.Getenv("WEIGH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database dsn is required for postgres")
		}
	default:
		return fmt.Errorf("invalid database driver: %s (valid: sqlite, postgres)", c.Database.Driver)
	}

	if c.MQTT.Host == "" {
		return fmt.Errorf("mqtt host is required")
	}

	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt port must be between 1 and 65535, got %d", c.MQTT.Port)
	}

	if c.MQTT.BaseTopic == "" {
		return fmt.Errorf("mqtt base topic is required")
	}

	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}

	if c.MQTT.MaxInFlight < 0 {
		return fmt.Errorf("mqtt max in flight must be non-negative")
	}

	if c.Cache.PDFTTL <= 0 {
		return fmt.Errorf("pdf cache ttl must be positive")
	}

	if c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("cache sweep interval must be positive")
	}

	if c.Agent.Stability.WindowSize < 1 {
		return fmt.Errorf("stability window size must be at least 1")
	}

	if c.Agent.Stability.StdMax < 0 {
		return fmt.Errorf("stability std max must be non-negative")
	}

	if c.Agent.Stability.MinDuration < 0 {
		return fmt.Errorf("stability min duration must be non-negative")
	}

	if c.Agent.Stability.Hysteresis < 0 {
		return fmt.Errorf("stability hysteresis must be non-negative")
	}

	if c.Agent.Dedup.TTL <= 0 {
		return fmt.Errorf("dedup ttl must be positive")
	}

	if c.Agent.Dedup.PruneInterval <= 0 {
		return fmt.Errorf("dedup prune interval must be positive")
	}

	if c.Agent.Print.DownloadTimeout <= 0 {
		return fmt.Errorf("download timeout must be positive")
	}

	if c.Agent.Print.CopiesDefault < 1 {
		return fmt.Errorf("default copies must be at least 1")
	}

	validBackends := map[string]bool{
		"command": true,
		"raw":     true,
	}

	if !validBackends[c.Agent.Print.Backend] {
		return fmt.Errorf("invalid print backend: %s (valid: command, raw)", c.Agent.Print.Backend)
	}

	if c.Agent.Print.Backend == "command" && len(c.Agent.Print.Command) == 0 {
		return fmt.Errorf("print command is required for the command backend")
	}

	if c.Agent.Print.Backend == "raw" && c.Agent.Print.RawAddress == "" {
		return fmt.Errorf("raw printer address is required for the raw backend")
	}

	validParity := map[string]bool{
		"none":  true,
		"odd":   true,
		"even":  true,
		"mark":  true,
		"space": true,
	}

	if !validParity[c.Agent.Serial.Parity] {
		return fmt.Errorf("invalid serial parity: %s (valid: none, odd, even, mark, space)", c.Agent.Serial.Parity)
	}

	if c.Agent.Serial.StopBits != 1 && c.Agent.Serial.StopBits != 2 {
		return fmt.Errorf("serial stop bits must be 1 or 2, got %d", c.Agent.Serial.StopBits)
	}

	for i, t := range c.Webhooks.Targets {
		if t.URL == "" {
			return fmt.Errorf("webhook %d: url is required", i)
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":  true,
		"text":  true,
		"plain": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text, plain)", c.Logging.Format)
	}

	return nil
}
