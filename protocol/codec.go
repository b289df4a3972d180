package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrCorruptBatch = errors.New("protocol: corrupt batch")

// Message 是一条应用消息
type Message struct {
	API     uint16
	Payload []byte
}

// Encoder 编码单条帧与批量帧。零值可用（从不压缩单条帧）。
type Encoder struct {
	// 单条消息长度 >= CompressThreshold 时压缩，0 表示不压缩
	CompressThreshold int
}

// AppendSingle 把一条消息编码为一帧追加到 dst
func (e *Encoder) AppendSingle(dst []byte, api uint16, payload []byte) ([]byte, error) {
	body, compressed := payload, false
	if e.CompressThreshold > 0 && len(payload) >= e.CompressThreshold {
		body, compressed = compress(nil, payload), true
	}
	dst, err := AppendHeader(dst, Header{Len: len(body), Compressed: compressed})
	if err != nil {
		return dst, err
	}
	dst = binary.BigEndian.AppendUint16(dst, api)
	return append(dst, body...), nil
}

// AppendBatch 把多条消息编码为一个批量帧（总是压缩）追加到 dst。
// 压缩前的镜像：uvarint 条数，然后每条 api(2B) + uvarint 长度 + 内容。
func (e *Encoder) AppendBatch(dst []byte, msgs []Message) ([]byte, error) {
	size := binary.MaxVarintLen64
	for _, m := range msgs {
		size += APILen + binary.MaxVarintLen64 + len(m.Payload)
	}
	pre := make([]byte, 0, size)
	pre = binary.AppendUvarint(pre, uint64(len(msgs)))
	for _, m := range msgs {
		pre = binary.BigEndian.AppendUint16(pre, m.API)
		pre = binary.AppendUvarint(pre, uint64(len(m.Payload)))
		pre = append(pre, m.Payload...)
	}
	body := compress(nil, pre)
	dst, err := AppendHeader(dst, Header{Len: len(body), Batched: true})
	if err != nil {
		return dst, err
	}
	return append(dst, body...), nil
}

// Parser 从字节流中切分并解码帧
type Parser struct {
	// 帧体长度上限，0 表示 MaxPayload
	MaxPayload int
}

func (p *Parser) limit() int {
	if p.MaxPayload > 0 {
		return p.MaxPayload
	}
	return MaxPayload
}

// Parse 从 buf 中解码尽可能多的完整帧，每条消息回调一次 fn，返回已消费的字节数。
// 不完整的尾帧不消费也不报错。fn 返回错误时立即停止。
// 传给 fn 的 Payload 可能引用 buf，需要保留时自行复制。
func (p *Parser) Parse(buf []byte, fn func(Message) error) (int, error) {
	consumed := 0
	for {
		rest := buf[consumed:]
		h, n, err := ParseHeader(rest)
		if errors.Is(err, ErrShortHeader) {
			return consumed, nil
		}
		if err != nil {
			return consumed, err
		}
		if h.Len > p.limit() {
			return consumed, fmt.Errorf("%w: %d", ErrFrameTooLarge, h.Len)
		}
		if len(rest) < h.FrameLen() {
			return consumed, nil
		}
		if err := decodeBody(h, rest[n:h.FrameLen()], fn); err != nil {
			return consumed, err
		}
		consumed += h.FrameLen()
	}
}

// DecodeFrame 解码一个完整帧（含帧头）
func DecodeFrame(frame []byte, fn func(Message) error) error {
	h, n, err := ParseHeader(frame)
	if err != nil {
		return err
	}
	if len(frame) != h.FrameLen() {
		return fmt.Errorf("protocol: frame length %d, header says %d", len(frame), h.FrameLen())
	}
	return decodeBody(h, frame[n:], fn)
}

// decodeBody 的 body 对非批量帧以 api 开头
func decodeBody(h Header, body []byte, fn func(Message) error) error {
	if !h.Batched {
		m := Message{API: binary.BigEndian.Uint16(body), Payload: body[APILen:]}
		if h.Compressed {
			out, err := decompress(m.Payload)
			if err != nil {
				return err
			}
			m.Payload = out
		}
		return fn(m)
	}

	pre, err := decompress(body)
	if err != nil {
		return err
	}
	count, n := binary.Uvarint(pre)
	if n <= 0 {
		return ErrCorruptBatch
	}
	pre = pre[n:]
	for range count {
		if len(pre) < APILen {
			return ErrCorruptBatch
		}
		api := binary.BigEndian.Uint16(pre)
		ln, n := binary.Uvarint(pre[APILen:])
		if n <= 0 || uint64(len(pre)-APILen-n) < ln {
			return ErrCorruptBatch
		}
		start := APILen + n
		// 解压结果归本次调用独占，直接切片
		if err := fn(Message{API: api, Payload: pre[start : start+int(ln) : start+int(ln)]}); err != nil {
			return err
		}
		pre = pre[start+int(ln):]
	}
	return nil
}
