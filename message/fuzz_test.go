package message

import (
	"errors"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/trickstertwo/xmsg"
	"github.com/trickstertwo/xmsg/snowflake"
)

func FuzzUnmarshalProto(f *testing.F) {
	for _, m := range []*Message{
		New("hello", time.UnixMilli(1_712_345_678_901), zeroSalt()),
		New("", time.UnixMilli(0), zeroSalt()),
		New("ünïcödé 🚀", time.UnixMilli(1<<44-1), maxSalt()),
	} {
		data, err := m.MarshalProto()
		if err != nil {
			f.Fatal(err)
		}
		f.Add(data)
		f.Add(data[:len(data)/2])
	}
	unknown := protowire.AppendTag(nil, fieldID, protowire.BytesType)
	unknown = protowire.AppendBytes(unknown, make([]byte, snowflake.Size))
	unknown = protowire.AppendTag(unknown, 9, protowire.Fixed64Type)
	unknown = protowire.AppendFixed64(unknown, 7)
	f.Add(unknown)
	f.Add([]byte{})
	f.Add([]byte{0xff, 0xff, 0xff})

	f.Fuzz(func(t *testing.T, data []byte) {
		var m Message
		if err := m.UnmarshalProto(data); err != nil {
			var de *xmsg.DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("error is %T, want *xmsg.DecodeError: %v", err, err)
			}
			return
		}
		again, err := m.MarshalProto()
		if err != nil {
			t.Fatalf("decoded message does not re-encode: %v", err)
		}
		var back Message
		if err := back.UnmarshalProto(again); err != nil {
			t.Fatalf("re-encoded message does not decode: %v", err)
		}
		if back.ID != m.ID || back.Body != m.Body || !back.Timestamp.Equal(m.Timestamp) {
			t.Fatalf("re-encode changed the message: %+v != %+v", back, m)
		}
	})
}
