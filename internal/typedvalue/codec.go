package typedvalue

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Uint64Codec stores a uint64 as 8 big-endian bytes, so that bbolt/mem
// key-value byte comparisons for the value itself (if ever range-scanned)
// stay numerically ordered too.
type Uint64Codec struct{}

func (Uint64Codec) Marshal(v uint64) ([]byte, error) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b, nil
}

func (Uint64Codec) Unmarshal(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errors.Errorf("typedvalue: bad uint64 encoding, want 8 bytes got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// BytesCodec stores raw bytes verbatim.
type BytesCodec struct{}

func (BytesCodec) Marshal(v []byte) ([]byte, error) { return v, nil }
func (BytesCodec) Unmarshal(b []byte) ([]byte, error) {
	return append([]byte(nil), b...), nil
}

// MsgpackCodec[T] marshals any value via msgpack, for compound structs
// (envelopes, configurations, etc).
type MsgpackCodec[T any] struct{}

func (MsgpackCodec[T]) Marshal(v T) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errors.WithMessage(err, "typedvalue: msgpack marshal")
	}
	return b, nil
}

func (MsgpackCodec[T]) Unmarshal(b []byte) (T, error) {
	var v T
	if err := msgpack.Unmarshal(b, &v); err != nil {
		return v, errors.WithMessage(err, "typedvalue: msgpack unmarshal")
	}
	return v, nil
}
