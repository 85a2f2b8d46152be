// Package badgerstore is an embedded store.Store on Badger.
package badgerstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xmsg/message"
	"github.com/trickstertwo/xmsg/snowflake"
	"github.com/trickstertwo/xmsg/store"
)

var keyPrefix = []byte("msg/")

// Config selects the database location.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	Logger   *xlog.Logger
}

// Validate checks Config before opening.
func (c Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return fmt.Errorf("config: path required unless in_memory")
	}
	return nil
}

// Store is a Badger-backed store.Store. Keys are the identifier bytes under
// a fixed prefix, so key order is identifier order.
type Store struct {
	db *badger.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lg := cfg.Logger
	if lg == nil {
		lg = xlog.Default()
	}

	opts := badger.DefaultOptions(cfg.Path).WithLogger(logAdapter{lg})
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(logAdapter{lg})
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}
	return &Store{db: db}, nil
}

func key(id snowflake.ID) []byte {
	k := make([]byte, 0, len(keyPrefix)+snowflake.Size)
	k = append(k, keyPrefix...)
	return append(k, id[:]...)
}

func (s *Store) Insert(ctx context.Context, m *message.Message) (*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, err := m.MarshalProto()
	if err != nil {
		return nil, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		k := key(m.ID)
		if _, err := txn.Get(k); err == nil {
			return store.ErrConflict
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(k, val)
	})
	if errors.Is(err, badger.ErrConflict) {
		err = store.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("badgerstore: insert %s: %w", m.ID, err)
	}

	return decodeStored(val)
}

func (s *Store) FetchAll(ctx context.Context) ([]*message.Message, error) {
	var out []*message.Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, keyPrefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(keyPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			m, err := decodeStored(val)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badgerstore: fetch all: %w", err)
	}
	return out, nil
}

func (s *Store) FetchByKeys(ctx context.Context, ids []snowflake.ID) ([]*message.Message, error) {
	out := make([]*message.Message, 0, len(ids))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			item, err := txn.Get(key(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			m, err := decodeStored(val)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badgerstore: fetch by keys: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error { return s.db.Close() }

func decodeStored(val []byte) (*message.Message, error) {
	m := new(message.Message)
	if err := m.UnmarshalProto(val); err != nil {
		return nil, err
	}
	return m, nil
}

// logAdapter routes Badger's printf-style logging to xlog.
type logAdapter struct{ l *xlog.Logger }

func (a logAdapter) Errorf(format string, args ...any) {
	a.l.Error().Str("component", "badger").Msg(fmt.Sprintf(format, args...))
}

func (a logAdapter) Warningf(format string, args ...any) {
	a.l.Warn().Str("component", "badger").Msg(fmt.Sprintf(format, args...))
}

func (a logAdapter) Infof(format string, args ...any) {
	a.l.Debug().Str("component", "badger").Msg(fmt.Sprintf(format, args...))
}

func (a logAdapter) Debugf(format string, args ...any) {
	a.l.Debug().Str("component", "badger").Msg(fmt.Sprintf(format, args...))
}
