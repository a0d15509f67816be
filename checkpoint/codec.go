package checkpoint

import (
	"encoding/binary"
	"errors"
	"math/big"
)

// EncodedSize is the on-disk size of a checkpoint: a 64-bit reference
// point followed by a 192-bit value, both big-endian.
const EncodedSize = 8 + ValueBits/8

var ErrBadEncoding = errors.New("checkpoint: bad encoding length")

func Encode(cp Checkpoint) ([]byte, error) {
	if err := checkValue(cp.Value); err != nil {
		return nil, err
	}
	buf := make([]byte, EncodedSize)
	binary.BigEndian.PutUint64(buf[:8], cp.At)
	cp.Value.FillBytes(buf[8:])
	return buf, nil
}

func Decode(data []byte) (Checkpoint, error) {
	if len(data) != EncodedSize {
		return Checkpoint{}, ErrBadEncoding
	}
	return Checkpoint{
		At:    binary.BigEndian.Uint64(data[:8]),
		Value: new(big.Int).SetBytes(data[8:]),
	}, nil
}
