// Package loader coalesces point lookups of messages into batched store
// fetches and memoizes the results, absences included, for the lifetime of
// one Loader.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xmsg/message"
	"github.com/trickstertwo/xmsg/snowflake"
)

// ErrBatchFetch marks a failed batch; match with errors.Is.
var ErrBatchFetch = errors.New("loader: batch fetch failed")

// BatchFetchError is delivered to every caller whose key was in a batch
// whose store fetch failed. Failed keys are not cached.
type BatchFetchError struct {
	Keys int
	Err  error
}

func (e *BatchFetchError) Error() string {
	return fmt.Sprintf("loader: batch fetch of %d keys: %v", e.Keys, e.Err)
}

func (e *BatchFetchError) Unwrap() []error { return []error{ErrBatchFetch, e.Err} }

// Fetcher is the bulk keyed fetch a Loader batches into.
type Fetcher interface {
	FetchByKeys(ctx context.Context, ids []snowflake.ID) ([]*message.Message, error)
}

// Config tunes batching.
type Config struct {
	// Wait is how long the first Load in a batch waits for others (default: 2ms).
	Wait time.Duration `yaml:"wait"`
	// MaxBatch caps keys per fetch; zero means unbounded.
	MaxBatch int `yaml:"max_batch"`
	// TTL bounds cache entries; zero keeps them for the Loader's lifetime.
	TTL time.Duration `yaml:"ttl"`
}

// Defaults returns the batching defaults.
func Defaults() Config {
	return Config{Wait: 2 * time.Millisecond}
}

// Stats counts store round trips.
type Stats struct {
	Batches uint64
	Keys    uint64
	Failed  uint64
}

// Loader is the Batched Lookup Cache for messages. It is safe for concurrent
// use; create one per logical request.
type Loader struct {
	dl     *dataloader.Loader[snowflake.ID, *message.Message]
	cache  *Cache[snowflake.ID, *message.Message]
	fetch  Fetcher
	logger *xlog.Logger

	batches atomic.Uint64
	keys    atomic.Uint64
	failed  atomic.Uint64
}

// New returns a Loader over f.
func New(f Fetcher, cfg Config, logger *xlog.Logger) *Loader {
	if logger == nil {
		logger = xlog.Default()
	}
	if cfg.Wait <= 0 {
		cfg.Wait = Defaults().Wait
	}

	l := &Loader{
		cache:  NewCache[snowflake.ID, *message.Message](cfg.TTL),
		fetch:  f,
		logger: logger,
	}
	opts := []dataloader.Option[snowflake.ID, *message.Message]{
		dataloader.WithCache[snowflake.ID, *message.Message](l.cache),
		dataloader.WithWait[snowflake.ID, *message.Message](cfg.Wait),
	}
	if cfg.MaxBatch > 0 {
		opts = append(opts, dataloader.WithBatchCapacity[snowflake.ID, *message.Message](cfg.MaxBatch))
	}
	l.dl = dataloader.NewBatchedLoader(l.batch, opts...)
	return l
}

// Load returns the message with id, or (nil, nil) when the store has none.
// Concurrent loads of the same id share one fetch. Load returns ctx.Err()
// as soon as ctx ends; the shared fetch carries on for the other callers.
func (l *Loader) Load(ctx context.Context, id snowflake.ID) (*message.Message, error) {
	m, err := await(ctx, l.dl.Load(ctx, id))
	if err != nil {
		if ctx.Err() == nil {
			l.dl.Clear(ctx, id)
		}
		return nil, err
	}
	return m, nil
}

// LoadMany loads ids in one batch. The result is index-aligned with ids.
func (l *Loader) LoadMany(ctx context.Context, ids []snowflake.ID) ([]*message.Message, error) {
	out := make([]*message.Message, len(ids))
	thunks := make([]dataloader.Thunk[*message.Message], len(ids))
	for i, id := range ids {
		thunks[i] = l.dl.Load(ctx, id)
	}
	var errs []error
	for i, th := range thunks {
		m, err := await(ctx, th)
		if err != nil {
			if ctx.Err() != nil {
				return out, err
			}
			l.dl.Clear(ctx, ids[i])
			errs = append(errs, err)
			continue
		}
		out[i] = m
	}
	if len(errs) > 0 {
		return out, errs[0]
	}
	return out, nil
}

// await resolves th unless ctx ends first.
func await(ctx context.Context, th dataloader.Thunk[*message.Message]) (*message.Message, error) {
	type result struct {
		m   *message.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := th()
		done <- result{m, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.m, r.err
	}
}

// Prime seeds the cache with a message known to exist.
func (l *Loader) Prime(ctx context.Context, m *message.Message) {
	l.dl.Prime(ctx, m.ID, m)
}

// Clear forgets id so the next Load fetches it again.
func (l *Loader) Clear(ctx context.Context, id snowflake.ID) {
	l.dl.Clear(ctx, id)
}

func (l *Loader) Stats() Stats {
	return Stats{Batches: l.batches.Load(), Keys: l.keys.Load(), Failed: l.failed.Load()}
}

func (l *Loader) batch(ctx context.Context, keys []snowflake.ID) []*dataloader.Result[*message.Message] {
	l.batches.Add(1)
	l.keys.Add(uint64(len(keys)))

	// ctx belongs to whichever Load opened the batch; one caller giving up
	// must not fail the others.
	results := make([]*dataloader.Result[*message.Message], len(keys))
	rows, err := l.fetch.FetchByKeys(context.WithoutCancel(ctx), keys)
	if err != nil {
		l.failed.Add(1)
		l.logger.Warn().
			Str("component", "loader").
			Float64("keys", float64(len(keys))).
			Err(err).
			Msg("batch fetch failed")

		berr := &BatchFetchError{Keys: len(keys), Err: err}
		for i := range results {
			results[i] = &dataloader.Result[*message.Message]{Error: berr}
		}
		return results
	}

	byID := make(map[snowflake.ID]*message.Message, len(rows))
	for _, m := range rows {
		byID[m.ID] = m
	}
	for i, k := range keys {
		results[i] = &dataloader.Result[*message.Message]{Data: byID[k]}
	}
	return results
}
