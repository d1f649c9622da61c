package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Store drivers accepted by the client.
const (
	StorePebble = "pebble"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Client holds forumctl settings.
type Client struct {
	Server         string        `yaml:"server"`
	SenderID       string        `yaml:"sender_id"`
	Transports     []string      `yaml:"transports"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	HistoryTimeout time.Duration `yaml:"history_timeout"`
	JoinTimeout    time.Duration `yaml:"join_timeout"`
	LogLevel       string        `yaml:"log_level"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	Store          ClientStore   `yaml:"store"`
}

// ClientStore selects the local cache backend.
type ClientStore struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// DefaultClient returns the settings used when no file is present.
func DefaultClient() Client {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return Client{
		Server:         "http://localhost:8083",
		Transports:     []string{"websocket", "polling"},
		FlushInterval:  60 * time.Second,
		HistoryTimeout: 10 * time.Second,
		JoinTimeout:    5 * time.Second,
		LogLevel:       "info",
		Store: ClientStore{
			Driver:      StorePebble,
			Path:        filepath.Join(dir, "forumctl", "store"),
			RedisAddr:   "localhost:6379",
			RedisPrefix: "forumctl:",
		},
	}
}

// LoadClient reads path over the defaults, then applies FORUMCTL_*
// environment overrides. A missing file is not an error.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Client{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Client{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	overrideString(&cfg.Server, "FORUMCTL_SERVER")
	overrideString(&cfg.SenderID, "FORUMCTL_SENDER_ID")
	overrideString(&cfg.LogLevel, "FORUMCTL_LOG_LEVEL")
	overrideString(&cfg.Store.Driver, "FORUMCTL_STORE_DRIVER")
	overrideString(&cfg.Store.Path, "FORUMCTL_STORE_PATH")
	overrideString(&cfg.Store.RedisAddr, "FORUMCTL_REDIS_ADDR")
	if v, ok := os.LookupEnv("FORUMCTL_TRANSPORTS"); ok && v != "" {
		cfg.Transports = strings.Split(v, ",")
	}
	if v, ok := os.LookupEnv("FORUMCTL_FLUSH_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Client{}, fmt.Errorf("FORUMCTL_FLUSH_INTERVAL: %w", err)
		}
		cfg.FlushInterval = d
	}
	return cfg, nil
}

// Validate checks the settings are usable.
func (c Client) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Server, validation.Required),
		validation.Field(&c.SenderID, validation.Required),
		validation.Field(&c.Transports, validation.Required, validation.Each(validation.In("websocket", "polling"))),
		validation.Field(&c.FlushInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.HistoryTimeout, validation.Required),
		validation.Field(&c.JoinTimeout, validation.Required),
		validation.Field(&c.Store),
	)
}

// Validate checks the store section.
func (s ClientStore) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Driver, validation.Required, validation.In(StorePebble, StoreRedis, StoreMemory)),
		validation.Field(&s.Path, validation.When(s.Driver == StorePebble, validation.Required)),
		validation.Field(&s.RedisAddr, validation.When(s.Driver == StoreRedis, validation.Required)),
	)
}

func overrideString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}
