// Package message defines the chat Message and its protobuf wire format.
//
// Wire layout (proto3):
//
//	message Message {
//	  bytes  id        = 1;
//	  uint64 timestamp = 2; // milliseconds since the Unix epoch
//	  string body      = 3;
//	}
package message

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/trickstertwo/xmsg"
	"github.com/trickstertwo/xmsg/snowflake"
)

const (
	fieldID        protowire.Number = 1
	fieldTimestamp protowire.Number = 2
	fieldBody      protowire.Number = 3
)

// Routing used for chat traffic.
const (
	Exchange   xmsg.Exchange = xmsg.Messages
	RoutingKey               = "message"
)

var (
	ErrInvalidBody      = errors.New("message: body is not valid UTF-8")
	ErrInvalidTimestamp = errors.New("message: timestamp before the Unix epoch")
	ErrMissingID        = errors.New("message: missing id")
)

// Message is a chat message. Timestamp carries millisecond precision.
type Message struct {
	ID        snowflake.ID
	Timestamp time.Time
	Body      string
}

var _ xmsg.Transmissible = (*Message)(nil)

// New builds a Message stamped with now (floored to the millisecond) and an
// identifier minted from the same instant.
func New(body string, now time.Time, gen *snowflake.Generator) *Message {
	ts := now.Truncate(time.Millisecond).UTC()
	return &Message{
		ID:        gen.Generate(ts),
		Timestamp: ts,
		Body:      body,
	}
}

// Token is the public URL-safe form of the message identifier.
func (m *Message) Token() string { return m.ID.Token() }

// MarshalProto encodes m. Sub-millisecond precision is dropped.
func (m *Message) MarshalProto() ([]byte, error) {
	if m == nil {
		return nil, &xmsg.EncodeError{Err: xmsg.ErrNilPayload}
	}
	if !utf8.ValidString(m.Body) {
		return nil, &xmsg.EncodeError{Err: ErrInvalidBody}
	}
	ms := m.Timestamp.UnixMilli()
	if ms < 0 {
		return nil, &xmsg.EncodeError{Err: ErrInvalidTimestamp}
	}

	b := make([]byte, 0, 2+snowflake.Size+1+protowire.SizeVarint(uint64(ms))+1+protowire.SizeVarint(uint64(len(m.Body)))+len(m.Body))
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, m.ID[:])
	if ms != 0 {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ms))
	}
	if m.Body != "" {
		b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
		b = protowire.AppendString(b, m.Body)
	}
	return b, nil
}

// UnmarshalProto decodes data into m. Unknown fields are skipped.
func (m *Message) UnmarshalProto(data []byte) error {
	var (
		out   Message
		hasID bool
	)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return &xmsg.DecodeError{Err: protowire.ParseError(n)}
		}
		data = data[n:]

		switch {
		case num == fieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return &xmsg.DecodeError{Err: fmt.Errorf("id: %w", protowire.ParseError(n))}
			}
			id, err := snowflake.FromBytes(v)
			if err != nil {
				return &xmsg.DecodeError{Err: err}
			}
			out.ID, hasID = id, true
			data = data[n:]
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return &xmsg.DecodeError{Err: fmt.Errorf("timestamp: %w", protowire.ParseError(n))}
			}
			if v > 1<<62 {
				return &xmsg.DecodeError{Err: fmt.Errorf("timestamp %d out of range", v)}
			}
			out.Timestamp = time.UnixMilli(int64(v)).UTC()
			data = data[n:]
		case num == fieldBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return &xmsg.DecodeError{Err: fmt.Errorf("body: %w", protowire.ParseError(n))}
			}
			if !utf8.Valid(v) {
				return &xmsg.DecodeError{Err: ErrInvalidBody}
			}
			out.Body = string(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return &xmsg.DecodeError{Err: protowire.ParseError(n)}
			}
			data = data[n:]
		}
	}
	if !hasID {
		return &xmsg.DecodeError{Err: ErrMissingID}
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.UnixMilli(0).UTC()
	}
	*m = out
	return nil
}
