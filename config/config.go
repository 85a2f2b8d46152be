// Package config loads xmsgd settings from a YAML file and the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/trickstertwo/xlog"
	"gopkg.in/yaml.v3"

	"github.com/trickstertwo/xmsg"
	"github.com/trickstertwo/xmsg/loader"
	"github.com/trickstertwo/xmsg/store"
	"github.com/trickstertwo/xmsg/store/badgerstore"
	"github.com/trickstertwo/xmsg/store/redisstore"
)

// Environment overrides.
const (
	EnvBrokerURL   = "XMSG_BROKER_URL"
	EnvStoreDriver = "XMSG_STORE_DRIVER"
	EnvStorePath   = "XMSG_STORE_PATH"
	EnvRedisAddr   = "XMSG_REDIS_ADDR"
	EnvLogLevel    = "XMSG_LOG_LEVEL"
)

// Store drivers.
const (
	DriverBadger = "badger"
	DriverRedis  = "redis"
)

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrUnknownStoreDriver       = errors.New("unknown store driver")
)

type Config struct {
	Broker xmsg.Config   `yaml:"broker"`
	Store  StoreConfig   `yaml:"store"`
	Loader loader.Config `yaml:"loader"`
	Log    LogConfig     `yaml:"log"`
}

type StoreConfig struct {
	Driver string            `yaml:"driver"`
	Badger BadgerConfig      `yaml:"badger"`
	Redis  redisstore.Config `yaml:"redis"`
}

type BadgerConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

type LogConfig struct {
	// Level "debug" enables debug output; anything else keeps the backend default.
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// Defaults returns a Config for a local broker and an on-disk Badger store.
func Defaults() Config {
	return Config{
		Broker: xmsg.Defaults(),
		Store: StoreConfig{
			Driver: DriverBadger,
			Badger: BadgerConfig{Path: "data/xmsg"},
			Redis:  redisstore.Defaults(),
		},
		Loader: loader.Defaults(),
		Log:    LogConfig{Level: "info", Console: true},
	}
}

// Load reads path over Defaults() and then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigFileUnreadable, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigFileUnmarshallable, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from lookup (os.LookupEnv in production).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvBrokerURL); ok && v != "" {
		c.Broker.URL = v
	}
	if v, ok := lookup(EnvStoreDriver); ok && v != "" {
		c.Store.Driver = strings.ToLower(v)
	}
	if v, ok := lookup(EnvStorePath); ok && v != "" {
		c.Store.Badger.Path = v
	}
	if v, ok := lookup(EnvRedisAddr); ok && v != "" {
		c.Store.Redis.Addr = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = strings.ToLower(v)
	}
}

func (c Config) Validate() error {
	if err := c.Broker.Validate(); err != nil {
		return err
	}
	switch c.Store.Driver {
	case DriverBadger:
		return c.Store.badgerConfig(nil).Validate()
	case DriverRedis:
		return c.Store.Redis.Validate()
	default:
		return fmt.Errorf("config: %w %q", ErrUnknownStoreDriver, c.Store.Driver)
	}
}

func (s StoreConfig) badgerConfig(lg *xlog.Logger) badgerstore.Config {
	return badgerstore.Config{Path: s.Badger.Path, InMemory: s.Badger.InMemory, Logger: lg}
}

// Open opens the configured store.
func (s StoreConfig) Open(ctx context.Context, lg *xlog.Logger) (store.Store, error) {
	switch s.Driver {
	case DriverBadger:
		return badgerstore.Open(s.badgerConfig(lg))
	case DriverRedis:
		return redisstore.Open(ctx, s.Redis)
	default:
		return nil, fmt.Errorf("config: %w %q", ErrUnknownStoreDriver, s.Driver)
	}
}
