package xmsg_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xmsg"
)

func TestDialerRegistry(t *testing.T) {
	called := false
	dial := func(context.Context, string) (xmsg.Connection, error) {
		called = true
		return nil, errBoom
	}
	require.NoError(t, xmsg.RegisterDialer("Fake-Test", dial))

	d, err := xmsg.DialerFor("FAKE-TEST://somewhere")
	require.NoError(t, err)
	_, err = d(context.Background(), "fake-test://somewhere")
	assert.ErrorIs(t, err, errBoom)
	assert.True(t, called)

	_, err = xmsg.DialerFor("unregistered://x")
	assert.ErrorIs(t, err, xmsg.ErrNoDialer)

	_, err = xmsg.DialerFor("://bad")
	assert.Error(t, err)

	assert.Error(t, xmsg.RegisterDialer("", dial))
	assert.Error(t, xmsg.RegisterDialer("nil-dialer", nil))
}

func TestMemoryDialerIsRegistered(t *testing.T) {
	_, err := xmsg.DialerFor("memory://anything")
	assert.NoError(t, err)
}
