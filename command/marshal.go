package command

import (
	"github.com/hashicorp/go-msgpack/v2/codec"
)

// msgpack is the handle used for all entry and batch encoding. The same
// codec underlies the consensus transport, so the node has a single wire
// format end to end.
var msgpack = &codec.MsgpackHandle{}

// MarshalEntry encodes a single entry.
func MarshalEntry(e *Entry) ([]byte, error) {
	var b []byte
	enc := codec.NewEncoderBytes(&b, msgpack)
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	return b, nil
}

// UnmarshalEntry decodes a single entry.
func UnmarshalEntry(data []byte, e *Entry) error {
	dec := codec.NewDecoderBytes(data, msgpack)
	return dec.Decode(e)
}

// MarshalBatch encodes a batch for proposal to the consensus log.
func MarshalBatch(b *Batch) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, msgpack)
	if err := enc.Encode(b); err != nil {
		return nil, err
	}
	return buf, nil
}

// UnmarshalBatch decodes a batch delivered by the consensus log.
func UnmarshalBatch(data []byte, b *Batch) error {
	dec := codec.NewDecoderBytes(data, msgpack)
	return dec.Decode(b)
}

// MarshalRow encodes a row's column values for storage.
func MarshalRow(values map[string]string) ([]byte, error) {
	var b []byte
	enc := codec.NewEncoderBytes(&b, msgpack)
	if err := enc.Encode(values); err != nil {
		return nil, err
	}
	return b, nil
}

// UnmarshalRow decodes a stored row back into its column values.
func UnmarshalRow(data []byte) (map[string]string, error) {
	values := make(map[string]string)
	dec := codec.NewDecoderBytes(data, msgpack)
	if err := dec.Decode(&values); err != nil {
		return nil, err
	}
	return values, nil
}
