package badgerstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xmsg/message"
	"github.com/trickstertwo/xmsg/snowflake"
	"github.com/trickstertwo/xmsg/store"
	"github.com/trickstertwo/xmsg/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(Config{InMemory: true})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	m := message.New("durable", time.UnixMilli(1234), snowflake.NewGenerator(nil, nil))

	s, err := Open(Config{Path: dir})
	require.NoError(t, err)
	_, err = s.Insert(ctx, m)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: dir})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.FetchByKeys(ctx, []snowflake.ID{m.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "durable", got[0].Body)
}

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.NoError(t, Config{InMemory: true}.Validate())
	assert.NoError(t, Config{Path: "/tmp/x"}.Validate())
}
