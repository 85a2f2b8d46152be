// Package chat is the application service over the messaging core: it
// persists messages, announces them on the broker and serves lookups through
// per-request batched loaders.
package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xmsg"
	"github.com/trickstertwo/xmsg/loader"
	"github.com/trickstertwo/xmsg/message"
	"github.com/trickstertwo/xmsg/snowflake"
	"github.com/trickstertwo/xmsg/store"
)

var ErrNoBroker = errors.New("chat: no broker client configured")

// Service sends, lists and streams chat messages.
type Service struct {
	client    *xmsg.Client
	store     store.Store
	ids       *snowflake.Generator
	clock     xclock.Clock
	logger    *xlog.Logger
	loaderCfg loader.Config
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *xlog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(c xclock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithGenerator replaces the identifier generator.
func WithGenerator(g *snowflake.Generator) Option {
	return func(s *Service) { s.ids = g }
}

func WithLoaderConfig(cfg loader.Config) Option {
	return func(s *Service) { s.loaderCfg = cfg }
}

// NewService returns a Service. client may be nil, in which case Send only
// persists and Listen fails with ErrNoBroker.
func NewService(client *xmsg.Client, st store.Store, opts ...Option) *Service {
	s := &Service{
		client:    client,
		store:     st,
		loaderCfg: loader.Defaults(),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.clock == nil {
		s.clock = xclock.Default()
	}
	if s.logger == nil {
		s.logger = xlog.Default()
	}
	if s.ids == nil {
		s.ids = snowflake.NewGenerator(nil, s.clock)
	}
	return s
}

// Send stores a new message and then publishes it. Publishing is best
// effort: a failure is logged and the stored message is still returned.
func (s *Service) Send(ctx context.Context, body string) (*message.Message, error) {
	m := message.New(body, s.clock.Now(), s.ids)

	stored, err := s.store.Insert(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("chat: send: %w", err)
	}

	if s.client != nil {
		if err := s.client.Publish(ctx, stored, message.Exchange, message.RoutingKey); err != nil {
			s.logger.Warn().
				Str("id", stored.Token()).
				Err(err).
				Msg("chat: publish failed; message stored")
		}
	}
	return stored, nil
}

// List returns every message, newest first.
func (s *Service) List(ctx context.Context) ([]*message.Message, error) {
	msgs, err := s.store.FetchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("chat: list: %w", err)
	}
	return msgs, nil
}

// Get looks up one message by its public token in a fresh request scope.
func (s *Service) Get(ctx context.Context, token string) (*message.Message, error) {
	return s.NewRequestScope().Get(ctx, token)
}

// Listen subscribes to newly sent messages.
func (s *Service) Listen(ctx context.Context) (*xmsg.Stream[*message.Message], error) {
	if s.client == nil {
		return nil, ErrNoBroker
	}
	return xmsg.Subscribe[message.Message](ctx, s.client, message.Exchange, message.RoutingKey)
}

// NewRequestScope returns a Scope whose loader cache lives as long as the
// Scope. Use one per inbound request.
func (s *Service) NewRequestScope() *Scope {
	return &Scope{
		svc:    s,
		loader: loader.New(s.store, s.loaderCfg, s.logger),
	}
}

// Scope batches and memoizes lookups for one logical request.
type Scope struct {
	svc    *Service
	loader *loader.Loader
}

// Get resolves token to a message. An unparsable token fails with
// snowflake.ErrInvalidToken; an unknown one with store.ErrNotFound.
func (sc *Scope) Get(ctx context.Context, token string) (*message.Message, error) {
	id, err := snowflake.ParseToken(token)
	if err != nil {
		return nil, err
	}
	m, err := sc.loader.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("chat: get %s: %w", token, err)
	}
	if m == nil {
		return nil, fmt.Errorf("chat: get %s: %w", token, store.ErrNotFound)
	}
	return m, nil
}

// List returns every message, newest first, and primes the scope's loader
// with them.
func (sc *Scope) List(ctx context.Context) ([]*message.Message, error) {
	msgs, err := sc.svc.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		sc.loader.Prime(ctx, m)
	}
	return msgs, nil
}

// Loader exposes the scope's loader for callers resolving many ids.
func (sc *Scope) Loader() *loader.Loader { return sc.loader }
