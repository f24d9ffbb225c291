package broker

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sneh-joshi/poplog/internal/types"
)

// ErrInvalidReceipt is returned when a receipt handle cannot be decoded.
var ErrInvalidReceipt = errors.New("broker: invalid receipt handle")

const receiptVersion = 1

// Receipt identifies one lease: the message and the Pop serial that leased
// it. It is handed to consumers as an opaque URL-safe string.
type Receipt struct {
	Queue  types.QueueID
	Offset int64
	Token  uint64
}

// String encodes r as
// [ver 1][topic len 2][topic][queue 4][offset 8][token 8], base64url without
// padding.
func (r Receipt) String() string {
	buf := make([]byte, 0, 23+len(r.Queue.Topic))
	buf = append(buf, receiptVersion)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.Queue.Topic)))
	buf = append(buf, r.Queue.Topic...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.Queue.Index))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.Offset))
	buf = binary.BigEndian.AppendUint64(buf, r.Token)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// ParseReceipt is the inverse of Receipt.String.
func ParseReceipt(s string) (Receipt, error) {
	buf, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", ErrInvalidReceipt, err)
	}
	if len(buf) < 3 || buf[0] != receiptVersion {
		return Receipt{}, fmt.Errorf("%w: bad header", ErrInvalidReceipt)
	}
	n := int(binary.BigEndian.Uint16(buf[1:3]))
	buf = buf[3:]
	if len(buf) != n+20 || n == 0 {
		return Receipt{}, fmt.Errorf("%w: bad length", ErrInvalidReceipt)
	}
	r := Receipt{
		Queue: types.QueueID{
			Topic: string(buf[:n]),
			Index: int32(binary.BigEndian.Uint32(buf[n:])),
		},
		Offset: int64(binary.BigEndian.Uint64(buf[n+4:])),
		Token:  binary.BigEndian.Uint64(buf[n+12:]),
	}
	if r.Queue.Index < 0 || r.Offset < 0 || r.Token == 0 {
		return Receipt{}, fmt.Errorf("%w: out of range", ErrInvalidReceipt)
	}
	return r, nil
}
