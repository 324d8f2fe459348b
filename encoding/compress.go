package encoding

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Payload frame markers. The first byte of every framed payload says how the
// rest is stored.
const (
	frameRaw  byte = 0x00
	frameZstd byte = 0x01
)

var (
	encoderPool = sync.Pool{
		New: func() any {
			enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			if err != nil {
				panic(fmt.Sprintf("zstd encoder: %v", err))
			}
			return enc
		},
	}
	decoderPool = sync.Pool{
		New: func() any {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				panic(fmt.Sprintf("zstd decoder: %v", err))
			}
			return dec
		},
	}
)

// ErrEmptyFrame is returned when decompressing a zero-length payload
var ErrEmptyFrame = errors.New("empty payload frame")

// Compress frames data, compressing it with zstd when it is at least
// threshold bytes long. A threshold <= 0 always compresses.
func Compress(data []byte, threshold int) []byte {
	if threshold > 0 && len(data) < threshold {
		out := make([]byte, 0, len(data)+1)
		out = append(out, frameRaw)
		return append(out, data...)
	}

	enc := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(enc)

	out := make([]byte, 1, len(data)/2+1)
	out[0] = frameZstd
	return enc.EncodeAll(data, out)
}

// Decompress reverses Compress
func Decompress(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}

	switch frame[0] {
	case frameRaw:
		out := make([]byte, len(frame)-1)
		copy(out, frame[1:])
		return out, nil
	case frameZstd:
		dec := decoderPool.Get().(*zstd.Decoder)
		defer decoderPool.Put(dec)
		out, err := dec.DecodeAll(frame[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown payload frame marker 0x%02x", frame[0])
	}
}
