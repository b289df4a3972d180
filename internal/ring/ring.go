package ring

import (
	"errors"
)

var ErrTooLarge = errors.New("ring: write too large")

// Buffer 是定长环形字节缓冲，读写指针单调递增，按 mask 回绕。
// 不加锁：只在驱动 loop 的 goroutine 中使用。
type Buffer struct {
	buf      []byte
	mask     int
	readPos  int
	writePos int
	scratch  []byte
}

// New 返回容量为 2 的幂次的环形缓冲。若 capacity 非 2 的幂则向上取整。
func New(capacity int) *Buffer {
	capPow2 := 1
	for capPow2 < capacity {
		capPow2 <<= 1
	}
	return &Buffer{buf: make([]byte, capPow2), mask: capPow2 - 1}
}

func (b *Buffer) Cap() int { return len(b.buf) }

func (b *Buffer) Len() int { return b.writePos - b.readPos }

func (b *Buffer) Free() int { return b.Cap() - b.Len() }

// Write 整体写入 p；剩余空间不足时不写入并返回 ErrTooLarge。
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) > b.Free() {
		return 0, ErrTooLarge
	}
	n := len(p)
	start := b.writePos & b.mask
	if l := copy(b.buf[start:], p); l < n {
		copy(b.buf, p[l:])
	}
	b.writePos += n
	return n, nil
}

// Peek 返回最多 n 字节的连续视图，不前进读指针。
// 跨越回绕点时数据被拷到内部 scratch，下一次 Peek 前有效。
func (b *Buffer) Peek(n int) []byte {
	if ln := b.Len(); n > ln {
		n = ln
	}
	if n <= 0 {
		return nil
	}
	start := b.readPos & b.mask
	if start+n <= len(b.buf) {
		return b.buf[start : start+n]
	}
	if cap(b.scratch) < n {
		b.scratch = make([]byte, n)
	}
	out := b.scratch[:n]
	l := copy(out, b.buf[start:])
	copy(out[l:], b.buf)
	return out
}

// Discard 前进读指针，返回实际丢弃的字节数。
func (b *Buffer) Discard(n int) int {
	if ln := b.Len(); n > ln {
		n = ln
	}
	if n < 0 {
		n = 0
	}
	b.readPos += n
	if b.readPos == b.writePos {
		// 清空时归零，让下一段数据尽量连续
		b.readPos, b.writePos = 0, 0
	}
	return n
}

func (b *Buffer) Reset() {
	b.readPos, b.writePos = 0, 0
}
