// Package store defines the persistence contract the chat service needs:
// insert-returning, newest-first listing and bulk keyed fetch.
package store

import (
	"context"
	"errors"

	"github.com/trickstertwo/xmsg/message"
	"github.com/trickstertwo/xmsg/snowflake"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned by Insert when the identifier already exists.
	ErrConflict = errors.New("store: identifier already exists")
)

// Store persists messages keyed by identifier.
type Store interface {
	// Insert stores m and returns the stored row.
	Insert(ctx context.Context, m *message.Message) (*message.Message, error)
	// FetchAll returns every message, newest identifier first.
	FetchAll(ctx context.Context) ([]*message.Message, error)
	// FetchByKeys returns the messages whose identifiers are in ids. Unknown
	// identifiers are omitted; result order is unspecified.
	FetchByKeys(ctx context.Context, ids []snowflake.ID) ([]*message.Message, error)
	Close() error
}
