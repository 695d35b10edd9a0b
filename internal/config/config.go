package config

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all agent configuration, loaded from YAML with env overrides
type Config struct {
	Env string `yaml:"env" env:"FIXLINK_ENV" env-default:"production"`

	Log struct {
		Level  string `yaml:"level" env:"FIXLINK_LOG_LEVEL" env-default:"info"`
		Format string `yaml:"format" env:"FIXLINK_LOG_FORMAT" env-default:"json"`
	} `yaml:"log"`

	Backend struct {
		BaseURL string `yaml:"base_url" env:"FIXLINK_BACKEND_URL" env-default:"https://api.fixlink.app"`
		// HTTP timeout in seconds for REST calls
		Timeout int `yaml:"timeout" env:"FIXLINK_BACKEND_TIMEOUT" env-default:"30"`
	} `yaml:"backend"`

	Realtime struct {
		BaseURL string `yaml:"base_url" env:"FIXLINK_REALTIME_URL" env-default:"wss://rt.fixlink.app"`
		// Fixed delay in seconds before a reconnect attempt
		ReconnectDelay int `yaml:"reconnect_delay" env:"FIXLINK_RECONNECT_DELAY" env-default:"3"`
		// Bound on the buffered outbound queue per channel
		SendQueueSize int `yaml:"send_queue_size" env-default:"64"`
	} `yaml:"realtime"`

	Session struct {
		// Minutes of inactivity before the expiry warning
		WarningAfter float64 `yaml:"warning_after" env-default:"19.5"`
		// Minutes of inactivity before forced logout
		LogoutAfter float64 `yaml:"logout_after" env-default:"20"`
	} `yaml:"session"`

	Tracking struct {
		// Seconds between outbound GPS samples while sharing
		SampleInterval int `yaml:"sample_interval" env-default:"10"`
		// Meters below which a position delta is treated as GPS jitter
		MovementEpsilonM float64 `yaml:"movement_epsilon_m" env-default:"5"`
		// ETA heuristic: minutes of travel per kilometer
		MinutesPerKm float64 `yaml:"minutes_per_km" env-default:"5"`
	} `yaml:"tracking"`

	Chat struct {
		// Seconds a typing indicator stays alive without a fresh signal
		TypingTTL int `yaml:"typing_ttl" env-default:"3"`
		// Seconds between outbox retry passes
		OutboxInterval int `yaml:"outbox_interval" env-default:"30"`
	} `yaml:"chat"`

	Bridge struct {
		Enabled bool `yaml:"enabled" env-default:"true"`
		Port    int  `yaml:"port" env:"FIXLINK_BRIDGE_PORT" env-default:"9321"`
		// Seconds a bridge-delivered position fix stays usable
		PositionTTL int `yaml:"position_ttl" env-default:"30"`
	} `yaml:"bridge"`

	StoragePath string `yaml:"storage_path" env:"FIXLINK_STORAGE_PATH" env-default:"fixlink.db"`
}

// LoadConfig reads configuration from the given YAML file, falling back to
// environment variables and defaults when the file is absent.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		// Still usable from env/defaults alone
		if envErr := cleanenv.ReadEnv(&cfg); envErr != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if cfg.Session.WarningAfter >= cfg.Session.LogoutAfter {
		return nil, fmt.Errorf("session warning_after (%.1f) must be below logout_after (%.1f)",
			cfg.Session.WarningAfter, cfg.Session.LogoutAfter)
	}

	return &cfg, nil
}
