package xmsg_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xmsg"
	"github.com/trickstertwo/xmsg/message"
)

type panicky struct{}

func (*panicky) UnmarshalProto([]byte) error { panic("corrupt state") }

func TestEncodeDecode(t *testing.T) {
	m := newMessage("codec")
	data, err := xmsg.Encode(m)
	require.NoError(t, err)

	got, err := xmsg.Decode[message.Message](data)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, "codec", got.Body)
}

func TestEncode_WrapsErrors(t *testing.T) {
	_, err := xmsg.Encode(nil)
	assert.ErrorIs(t, err, xmsg.ErrNilPayload)

	_, err = xmsg.Encode(failingPayload{err: errBoom})
	var ee *xmsg.EncodeError
	require.ErrorAs(t, err, &ee)
	assert.ErrorIs(t, err, errBoom)
}

func TestDecode_WrapsErrors(t *testing.T) {
	_, err := xmsg.Decode[message.Message]([]byte{0x0a, 0x03, 0x01})
	var de *xmsg.DecodeError
	assert.ErrorAs(t, err, &de)

	v, err := xmsg.Decode[panicky]([]byte{})
	assert.Nil(t, v)
	assert.ErrorAs(t, err, &de)
}

func TestEncode_RecoversFromPanickingEncoder(t *testing.T) {
	payload := encoderFunc(func() ([]byte, error) { panic("broken encoder") })

	data, err := xmsg.Encode(payload)
	assert.Nil(t, data)
	var ee *xmsg.EncodeError
	require.ErrorAs(t, err, &ee)
	assert.Contains(t, err.Error(), "broken encoder")
}

func TestEncode_TypedNilMessage(t *testing.T) {
	var m *message.Message
	_, err := xmsg.Encode(m)
	assert.ErrorIs(t, err, xmsg.ErrNilPayload)
}
