package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all relay process configuration, sourced from the
// environment with optional .env file and CLI overrides.
type Config struct {
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./stagewire.db"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"0"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	// APIKey protects the admin HTTP surface and the controller WS leg.
	APIKey string `env:"API_KEY,required"`

	// TokenSecret signs venue bearer tokens. Rotating it invalidates
	// every issued agent token.
	TokenSecret string `env:"TOKEN_SECRET,required"`

	// Telegram operator surface. Empty token disables the adapter.
	TelegramToken string `env:"TELEGRAM_BOT_TOKEN"`
	AdminChatID   int64  `env:"TELEGRAM_ADMIN_CHAT_ID"`

	// MQTT bridge. Empty broker URL disables the bridge.
	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"stagewire-relay"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"stagewire"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`

	// Preview frame archive. Frames are always kept in memory; when a
	// bucket is configured the newest frame per venue is mirrored to S3.
	FrameS3Bucket   string        `env:"FRAME_S3_BUCKET"`
	FrameS3Region   string        `env:"FRAME_S3_REGION" envDefault:"us-east-1"`
	FrameS3Endpoint string        `env:"FRAME_S3_ENDPOINT"`
	FrameS3Prefix   string        `env:"FRAME_S3_PREFIX" envDefault:"previews"`
	FrameS3Access   string        `env:"FRAME_S3_ACCESS_KEY"`
	FrameS3Secret   string        `env:"FRAME_S3_SECRET_KEY"`
	FrameS3Interval time.Duration `env:"FRAME_S3_MIN_INTERVAL" envDefault:"10s"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile      string
	HTTPAddr     string
	LogLevel     string
	DatabasePath string
}

// Load reads configuration from .env file, environment variables, and CLI
// overrides. Priority: CLI flags > environment variables > .env file >
// struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabasePath != "" {
		cfg.DatabasePath = overrides.DatabasePath
	}

	return cfg, nil
}

// MQTTEnabled reports whether the MQTT bridge should start.
func (c *Config) MQTTEnabled() bool { return c.MQTTBrokerURL != "" }

// FrameS3Enabled reports whether preview frames should be mirrored to S3.
func (c *Config) FrameS3Enabled() bool { return c.FrameS3Bucket != "" }

// TelegramEnabled reports whether the Telegram adapter should start.
func (c *Config) TelegramEnabled() bool { return c.TelegramToken != "" }
