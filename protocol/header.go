package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// 帧头（大端）：
//
//	短头 2B：bit15 Compressed | bit14 Batched | bit13 Ext=0 | bit12..0 长度
//	长头 4B：bit31 Compressed | bit30 Batched | bit29 Ext=1 | bit28..0 长度
//
// Batched 隐含 Compressed。非批量帧头后紧跟 2B api，长度不含 api。
const (
	ShortHeaderLen = 2
	LongHeaderLen  = 4
	APILen         = 2

	shortMaxLen = 1<<13 - 1
	// MaxPayload 是帧体长度上限（压缩后）
	MaxPayload = 1<<29 - 1

	flagExt16 = 1 << 13
)

var (
	ErrShortHeader   = errors.New("protocol: header too short")
	ErrFrameTooLarge = errors.New("protocol: frame too large")
)

// Header 是解码后的帧头
type Header struct {
	Len        int
	Compressed bool
	Batched    bool
}

// Size 返回编码后的帧头字节数
func (h Header) Size() int {
	if h.Len > shortMaxLen {
		return LongHeaderLen
	}
	return ShortHeaderLen
}

// FrameLen 返回整帧长度（帧头 + api + 帧体）
func (h Header) FrameLen() int {
	n := h.Size() + h.Len
	if !h.Batched {
		n += APILen
	}
	return n
}

// AppendHeader 把 h 编码追加到 dst
func AppendHeader(dst []byte, h Header) ([]byte, error) {
	if h.Len < 0 || h.Len > MaxPayload {
		return dst, fmt.Errorf("%w: %d", ErrFrameTooLarge, h.Len)
	}
	compressed := h.Compressed || h.Batched
	if h.Len <= shortMaxLen {
		v := uint16(h.Len)
		if compressed {
			v |= 1 << 15
		}
		if h.Batched {
			v |= 1 << 14
		}
		return binary.BigEndian.AppendUint16(dst, v), nil
	}
	v := uint32(h.Len) | 1<<29
	if compressed {
		v |= 1 << 31
	}
	if h.Batched {
		v |= 1 << 30
	}
	return binary.BigEndian.AppendUint32(dst, v), nil
}

// HeaderSize 只看首两字节即可确定帧头长度
func HeaderSize(b []byte) (int, error) {
	if len(b) < ShortHeaderLen {
		return 0, ErrShortHeader
	}
	if binary.BigEndian.Uint16(b)&flagExt16 != 0 {
		return LongHeaderLen, nil
	}
	return ShortHeaderLen, nil
}

// ParseHeader 解码帧头，返回帧头与其字节数
func ParseHeader(b []byte) (Header, int, error) {
	n, err := HeaderSize(b)
	if err != nil {
		return Header{}, 0, err
	}
	if len(b) < n {
		return Header{}, 0, ErrShortHeader
	}
	if n == ShortHeaderLen {
		v := binary.BigEndian.Uint16(b)
		return Header{
			Len:        int(v & shortMaxLen),
			Compressed: v&(1<<15) != 0,
			Batched:    v&(1<<14) != 0,
		}, n, nil
	}
	v := binary.BigEndian.Uint32(b)
	return Header{
		Len:        int(v & MaxPayload),
		Compressed: v&(1<<31) != 0,
		Batched:    v&(1<<30) != 0,
	}, n, nil
}
