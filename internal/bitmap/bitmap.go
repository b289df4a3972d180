package bitmap

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfRange   = errors.New("bitmap: index out of range")
	ErrInvalidRange = errors.New("bitmap: start greater than stop")
)

// Bitmap 是按字节存储的位图；第 i 位位于 b[i>>3] 的 0x80>>(i&7)。
// growable 为 true 时，越过上界的下标会先把位图扩到 i+1 位再操作。
type Bitmap struct {
	b        []byte
	nbits    int
	growable bool
}

func New(nbits int, growable bool) *Bitmap {
	if nbits < 0 {
		nbits = 0
	}
	return &Bitmap{b: make([]byte, (nbits+7)>>3), nbits: nbits, growable: growable}
}

func (m *Bitmap) Len() int { return m.nbits }

func (m *Bitmap) check(i int) error {
	if i < 0 || (i >= m.nbits && !m.growable) {
		return fmt.Errorf("%w: %d (nbits=%d)", ErrOutOfRange, i, m.nbits)
	}
	if i >= m.nbits {
		m.grow(i + 1)
	}
	return nil
}

// grow 扩展到 nbits 位，新位为 0
func (m *Bitmap) grow(nbits int) {
	need := (nbits + 7) >> 3
	switch {
	case need <= len(m.b):
	case need <= cap(m.b):
		// cap 区域从未写过，仍为 0
		m.b = m.b[:need]
	default:
		nb := make([]byte, need, need+need/2)
		copy(nb, m.b)
		m.b = nb
	}
	m.nbits = nbits
}

func (m *Bitmap) Set(i int) error {
	if err := m.check(i); err != nil {
		return err
	}
	m.b[i>>3] |= 0x80 >> (i & 7)
	return nil
}

func (m *Bitmap) Clear(i int) error {
	if err := m.check(i); err != nil {
		return err
	}
	m.b[i>>3] &^= 0x80 >> (i & 7)
	return nil
}

func (m *Bitmap) IsSet(i int) (bool, error) {
	if err := m.check(i); err != nil {
		return false, err
	}
	return m.b[i>>3]&(0x80>>(i&7)) != 0, nil
}

// SetRange 置位 [start, stop]（闭区间）
func (m *Bitmap) SetRange(start, stop int) error {
	return m.fill(start, stop, true)
}

// ClearRange 清除 [start, stop]（闭区间）
func (m *Bitmap) ClearRange(start, stop int) error {
	return m.fill(start, stop, false)
}

func (m *Bitmap) fill(start, stop int, v bool) error {
	if start > stop {
		return fmt.Errorf("%w: %d > %d", ErrInvalidRange, start, stop)
	}
	if err := m.check(start); err != nil {
		return err
	}
	if err := m.check(stop); err != nil {
		return err
	}
	for i := start; i <= stop; i++ {
		if v {
			m.b[i>>3] |= 0x80 >> (i & 7)
		} else {
			m.b[i>>3] &^= 0x80 >> (i & 7)
		}
	}
	return nil
}

func (m *Bitmap) Zero() {
	clear(m.b)
}

// FindFirstClear 返回最小的未置位下标并将其置位。
// 全满时：可增长则扩一位并返回新的最高位，否则返回 (-1, false)。
func (m *Bitmap) FindFirstClear() (int, bool) {
	for x, v := range m.b {
		if v == 0xff {
			continue
		}
		for y := 0; y < 8; y++ {
			i := x<<3 | y
			if i >= m.nbits {
				break
			}
			if v&(0x80>>y) == 0 {
				m.b[x] |= 0x80 >> y
				return i, true
			}
		}
	}
	if !m.growable {
		return -1, false
	}
	i := m.nbits
	m.grow(i + 1)
	m.b[i>>3] |= 0x80 >> (i & 7)
	return i, true
}
