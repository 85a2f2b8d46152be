package xmsg

import (
	"context"
	"errors"
	"sync"
)

var (
	defaultClient   *Client
	defaultClientMu sync.Mutex

	ErrNoDefaultClient = errors.New("xmsg: default client not set")
)

// New constructs a Client via the Builder and returns a close func for convenience.
func New(ctx context.Context, init func(b *ClientBuilder)) (*Client, func() error, error) {
	b := NewClientBuilder()
	if init != nil {
		init(b)
	}
	c, err := b.Build(ctx)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return c.Close(context.Background()) }
	return c, closeFn, nil
}

// Default returns the process-wide Client installed with SetDefault.
func Default() (*Client, error) {
	defaultClientMu.Lock()
	defer defaultClientMu.Unlock()
	if defaultClient == nil {
		return nil, ErrNoDefaultClient
	}
	return defaultClient, nil
}

// SetDefault replaces the process-wide default Client.
func SetDefault(c *Client) {
	if c == nil {
		panic("xmsg: SetDefault called with nil Client")
	}
	defaultClientMu.Lock()
	defaultClient = c
	defaultClientMu.Unlock()
}

// Publish is the Facade using the default client.
func Publish(ctx context.Context, payload Encoder, exchange Exchange, routingKey string) error {
	c, err := Default()
	if err != nil {
		return err
	}
	return c.Publish(ctx, payload, exchange, routingKey)
}
