// Package config loads the relay's runtime configuration from the
// environment, the way adred-codev-ws_poc's config layer does.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every environment-tunable setting the relay needs at boot.
type Config struct {
	ListenAddr string `env:"RELAY_LISTEN_ADDR" envDefault:":7777"`

	// SuperMemberKey, if set, is a hex-encoded private key; main.go decodes
	// it and every room gets a super-member provisioned with that key.
	SuperMemberKey string `env:"SUPER_MEMBER_KEY"`

	MaxRooms          int `env:"RELAY_MAX_ROOMS" envDefault:"4096"`
	MaxMembersPerRoom int `env:"RELAY_MAX_MEMBERS_PER_ROOM" envDefault:"64"`

	AckTimeout       time.Duration `env:"RELAY_ACK_TIMEOUT" envDefault:"500ms"`
	RetransmitLimit  int           `env:"RELAY_RETRANSMIT_LIMIT" envDefault:"20"`
	MaxFrameInterval time.Duration `env:"RELAY_MAX_FRAME_INTERVAL" envDefault:"10s"`

	MetricsAddr string `env:"RELAY_METRICS_ADDR" envDefault:":9090"`
	ProbeAddr   string `env:"RELAY_PROBE_ADDR" envDefault:":8080"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads an optional .env file and then the process environment,
// applying defaults for anything unset.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Println("config: no .env file found, using environment variables only")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MaxRooms < 1 {
		return fmt.Errorf("RELAY_MAX_ROOMS must be > 0, got %d", c.MaxRooms)
	}
	if c.MaxMembersPerRoom < 1 {
		return fmt.Errorf("RELAY_MAX_MEMBERS_PER_ROOM must be > 0, got %d", c.MaxMembersPerRoom)
	}
	if c.RetransmitLimit < 1 {
		return fmt.Errorf("RELAY_RETRANSMIT_LIMIT must be > 0, got %d", c.RetransmitLimit)
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("RELAY_ACK_TIMEOUT must be > 0, got %s", c.AckTimeout)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json, pretty (got %s)", c.LogFormat)
	}
	return nil
}

// Log emits the loaded configuration at info level, omitting the secret key.
func (c *Config) Log(logger zerolog.Logger) {
	logger.Info().
		Str("listen_addr", c.ListenAddr).
		Int("max_rooms", c.MaxRooms).
		Int("max_members_per_room", c.MaxMembersPerRoom).
		Dur("ack_timeout", c.AckTimeout).
		Int("retransmit_limit", c.RetransmitLimit).
		Dur("max_frame_interval", c.MaxFrameInterval).
		Str("metrics_addr", c.MetricsAddr).
		Str("probe_addr", c.ProbeAddr).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
