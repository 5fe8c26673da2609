// Package config loads server configuration from a YAML file with sane
// single-node defaults.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/livedesk/handoff/pkg/generation"
	"github.com/livedesk/handoff/pkg/persistence/chatstore"
	"github.com/livedesk/handoff/pkg/redisstream"
	"github.com/livedesk/handoff/pkg/transport"
)

type Config struct {
	// Addr is the HTTP listen address.
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`

	Transport  transport.Settings   `yaml:"transport"`
	Redis      redisstream.Settings `yaml:"redis"`
	Store      chatstore.Settings   `yaml:"store"`
	Generation generation.Settings  `yaml:"generation"`

	// IdleTimeout drops per-session fanout state after this long without
	// an attached client.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// SendFailTimeout bounds how long an optimistic message may wait for
	// confirmation before it is surfaced as failed.
	SendFailTimeout time.Duration `yaml:"send_fail_timeout"`
}

func Default() Config {
	return Config{
		Addr:            ":8088",
		LogLevel:        "info",
		Redis:           redisstream.DefaultSettings(),
		Generation:      generation.Settings{BaseURL: "http://localhost:8090", Timeout: 60 * time.Second},
		IdleTimeout:     5 * time.Minute,
		SendFailTimeout: 10 * time.Second,
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "config: read file")
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrap(err, "config: parse yaml")
	}
	return cfg, nil
}
