package xmsg

import "errors"

// ContentType labels protobuf payloads on the wire.
const ContentType = "application/x-protobuf"

// Encode marshals v, guaranteeing that any failure surfaces as *EncodeError.
// A panicking encoder, such as a typed nil pointer, is reported as an error.
func Encode(v Encoder) (data []byte, err error) {
	if v == nil {
		return nil, &EncodeError{Err: ErrNilPayload}
	}
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = &EncodeError{Err: panicError(r)}
		}
	}()

	data, err = v.MarshalProto()
	if err != nil {
		var ee *EncodeError
		if errors.As(err, &ee) {
			return nil, err
		}
		return nil, &EncodeError{Err: err}
	}
	return data, nil
}

// Decode builds a fresh T from data. PT is inferred as *T.
// Any failure surfaces as *DecodeError, and a panicking decoder is reported
// as an error rather than crashing the caller.
func Decode[T any, PT interface {
	*T
	Decoder
}](data []byte) (v PT, err error) {
	defer func() {
		if r := recover(); r != nil {
			v = nil
			err = &DecodeError{Err: panicError(r)}
		}
	}()

	v = PT(new(T))
	if err := v.UnmarshalProto(data); err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, &DecodeError{Err: err}
	}
	return v, nil
}
