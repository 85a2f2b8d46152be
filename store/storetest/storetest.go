// Package storetest is a conformance suite for store.Store implementations.
package storetest

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xmsg/message"
	"github.com/trickstertwo/xmsg/snowflake"
	"github.com/trickstertwo/xmsg/store"
)

// Run exercises a fresh, empty store returned by open for every subtest.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("InsertReturnsStoredRow", func(t *testing.T) { testInsert(t, open(t)) })
	t.Run("InsertDuplicateConflicts", func(t *testing.T) { testConflict(t, open(t)) })
	t.Run("FetchAllNewestFirst", func(t *testing.T) { testFetchAllOrder(t, open(t)) })
	t.Run("FetchAllEmpty", func(t *testing.T) { testFetchAllEmpty(t, open(t)) })
	t.Run("FetchByKeysSkipsUnknown", func(t *testing.T) { testFetchByKeys(t, open(t)) })
	t.Run("ConcurrentInserts", func(t *testing.T) { testConcurrentInserts(t, open(t)) })
}

func gen(salt uint32) *snowflake.Generator {
	return snowflake.NewGenerator(snowflake.EntropyFunc(func() uint32 { return salt }), nil)
}

func testInsert(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := message.New("hello", time.UnixMilli(1_700_000_000_000).Add(500*time.Microsecond), gen(7))

	got, err := s.Insert(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, "hello", got.Body)
	assert.Equal(t, time.UnixMilli(1_700_000_000_000).UTC(), got.Timestamp)
}

func testConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := message.New("first", time.UnixMilli(42), gen(1))
	_, err := s.Insert(ctx, m)
	require.NoError(t, err)

	dup := *m
	dup.Body = "second"
	_, err = s.Insert(ctx, &dup)
	require.ErrorIs(t, err, store.ErrConflict)

	all, err := s.FetchAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "first", all[0].Body)
}

func testFetchAllOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.UnixMilli(1_600_000_000_000)
	// insert out of order, with salts that would invert order within a millisecond
	for _, i := range []int{3, 0, 4, 1, 2} {
		m := message.New("m", base.Add(time.Duration(i)*time.Millisecond), gen(uint32(1000-i)))
		_, err := s.Insert(ctx, m)
		require.NoError(t, err)
	}

	all, err := s.FetchAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.Equal(t, 1, all[i-1].ID.Compare(all[i].ID), "position %d", i)
	}
	assert.Equal(t, base.Add(4*time.Millisecond).UTC(), all[0].Timestamp)
}

func testFetchAllEmpty(t *testing.T, s store.Store) {
	all, err := s.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testFetchByKeys(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := message.New("a", time.UnixMilli(10), gen(1))
	b := message.New("b", time.UnixMilli(20), gen(2))
	for _, m := range []*message.Message{a, b} {
		_, err := s.Insert(ctx, m)
		require.NoError(t, err)
	}
	unknown := gen(3).Generate(time.UnixMilli(30))

	got, err := s.FetchByKeys(ctx, []snowflake.ID{b.ID, unknown, a.ID})
	require.NoError(t, err)
	require.Len(t, got, 2)

	bodies := []string{got[0].Body, got[1].Body}
	sort.Strings(bodies)
	assert.Equal(t, []string{"a", "b"}, bodies)

	none, err := s.FetchByKeys(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testConcurrentInserts(t *testing.T, s store.Store) {
	ctx := context.Background()
	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Insert(ctx, message.New("c", time.UnixMilli(int64(1000+i)), gen(uint32(i))))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := s.FetchAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, n)
}
