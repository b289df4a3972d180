package protocol

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// zstd 编解码器创建代价高，按进程复用。EncodeAll / DecodeAll 无状态，单并发即可。
var (
	encoderPool = sync.Pool{New: func() any {
		enc, _ := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedFastest),
			zstd.WithEncoderConcurrency(1),
		)
		return enc
	}}
	decoderPool = sync.Pool{New: func() any {
		dec, _ := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(MaxPayload),
		)
		return dec
	}}
)

func compress(dst, src []byte) []byte {
	enc := encoderPool.Get().(*zstd.Encoder)
	dst = enc.EncodeAll(src, dst)
	encoderPool.Put(enc)
	return dst
}

func decompress(src []byte) ([]byte, error) {
	dec := decoderPool.Get().(*zstd.Decoder)
	out, err := dec.DecodeAll(src, nil)
	decoderPool.Put(dec)
	return out, err
}
