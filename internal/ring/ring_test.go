package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RoundsUpToPowerOfTwo(t *testing.T) {
	assert.Equal(t, 16, New(10).Cap())
	assert.Equal(t, 16, New(16).Cap())
	assert.Equal(t, 1, New(0).Cap())
}

func TestBuffer_WritePeekDiscard(t *testing.T) {
	b := New(8)
	n, err := b.Write([]byte("abcde"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, b.Len())
	assert.Equal(t, 3, b.Free())

	assert.Equal(t, []byte("abc"), b.Peek(3))
	assert.Equal(t, []byte("abcde"), b.Peek(100))
	assert.Equal(t, 2, b.Discard(2))
	assert.Equal(t, []byte("cde"), b.Peek(3))

	_, err = b.Write([]byte("123456"))
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Equal(t, 3, b.Len(), "rejected write leaves buffer untouched")
}

func TestBuffer_Wraparound(t *testing.T) {
	b := New(8)
	_, err := b.Write([]byte("012345"))
	require.NoError(t, err)
	b.Discard(5)
	// 写指针在 6，写 6 字节会回绕
	_, err = b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 7, b.Len())
	assert.Equal(t, []byte("5abcdef"), b.Peek(7))
	b.Discard(3)
	assert.Equal(t, []byte("cdef"), b.Peek(10))
}

func TestBuffer_DiscardAllResets(t *testing.T) {
	b := New(4)
	_, _ = b.Write([]byte("xyz"))
	assert.Equal(t, 3, b.Discard(10))
	assert.Equal(t, 0, b.Len())
	_, err := b.Write([]byte("wxyz"))
	require.NoError(t, err)
	assert.Equal(t, []byte("wxyz"), b.Peek(4))
	assert.Nil(t, New(4).Peek(1))
	b.Reset()
	assert.Equal(t, 4, b.Free())
}
