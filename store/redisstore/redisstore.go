// Package redisstore is a networked store.Store on Redis.
//
// Messages live in a hash keyed by the hex identifier. A sorted set with a
// constant score holds the same hex identifiers so that lexicographic range
// queries return identifier order.
package redisstore

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xmsg/message"
	"github.com/trickstertwo/xmsg/snowflake"
	"github.com/trickstertwo/xmsg/store"
)

// Config for the Redis store.
type Config struct {
	Addr          string `yaml:"addr"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	TLS           bool   `yaml:"tls"`
	TLSServerName string `yaml:"tls_server_name"`

	// KeyPrefix namespaces every key (default: "xmsg").
	KeyPrefix string `yaml:"key_prefix"`
}

// Defaults returns a Config pointing at a local Redis.
func Defaults() Config {
	return Config{
		Addr:      "127.0.0.1:6379",
		KeyPrefix: "xmsg",
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.KeyPrefix == "" {
		return fmt.Errorf("config: key_prefix required")
	}
	return nil
}

// Store is a Redis-backed store.Store.
type Store struct {
	client   *redis.Client
	hashKey  string
	orderKey string
}

var _ store.Store = (*Store)(nil)

// Open connects to Redis and verifies the connection with PING.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return New(client, cfg.KeyPrefix), nil
}

// New wraps an existing client.
func New(client *redis.Client, keyPrefix string) *Store {
	return &Store{
		client:   client,
		hashKey:  keyPrefix + ":messages",
		orderKey: keyPrefix + ":messages:order",
	}
}

func field(id snowflake.ID) string { return hex.EncodeToString(id[:]) }

func (s *Store) Insert(ctx context.Context, m *message.Message) (*message.Message, error) {
	val, err := m.MarshalProto()
	if err != nil {
		return nil, err
	}
	f := field(m.ID)

	created, err := s.client.HSetNX(ctx, s.hashKey, f, val).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: insert %s: %w", m.ID, err)
	}
	if !created {
		return nil, fmt.Errorf("redisstore: insert %s: %w", m.ID, store.ErrConflict)
	}
	if err := s.client.ZAdd(ctx, s.orderKey, redis.Z{Score: 0, Member: f}).Err(); err != nil {
		// keep the hash and index consistent
		_ = s.client.HDel(ctx, s.hashKey, f).Err()
		return nil, fmt.Errorf("redisstore: index %s: %w", m.ID, err)
	}
	return decodeStored(val)
}

func (s *Store) FetchAll(ctx context.Context) ([]*message.Message, error) {
	fields, err := s.client.ZRevRangeByLex(ctx, s.orderKey, &redis.ZRangeBy{Min: "-", Max: "+"}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: fetch all: %w", err)
	}
	return s.fetch(ctx, fields)
}

func (s *Store) FetchByKeys(ctx context.Context, ids []snowflake.ID) ([]*message.Message, error) {
	fields := make([]string, len(ids))
	for i, id := range ids {
		fields[i] = field(id)
	}
	return s.fetch(ctx, fields)
}

func (s *Store) fetch(ctx context.Context, fields []string) ([]*message.Message, error) {
	if len(fields) == 0 {
		return []*message.Message{}, nil
	}
	vals, err := s.client.HMGet(ctx, s.hashKey, fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: fetch: %w", err)
	}
	out := make([]*message.Message, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // missing field
		}
		m, err := decodeStored([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("redisstore: decode %s: %w", fields[i], err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) Close() error { return s.client.Close() }

func decodeStored(val []byte) (*message.Message, error) {
	m := new(message.Message)
	if err := m.UnmarshalProto(val); err != nil {
		return nil, err
	}
	return m, nil
}

func ping(ctx context.Context, c *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
