package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitmap_SetIsSet(t *testing.T) {
	m := New(100, false)
	for _, i := range []int{0, 10, 50, 99} {
		require.NoError(t, m.Set(i))
		ok, err := m.IsSet(i)
		require.NoError(t, err)
		assert.True(t, ok, "bit %d", i)
	}
	ok, err := m.IsSet(11)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, i := range []int{100, 101, -1} {
		_, err := m.IsSet(i)
		assert.ErrorIs(t, err, ErrOutOfRange, "isset %d", i)
		assert.ErrorIs(t, m.Set(i), ErrOutOfRange, "set %d", i)
		assert.ErrorIs(t, m.Clear(i), ErrOutOfRange, "clear %d", i)
	}
	assert.Equal(t, 100, m.Len())
}

func TestBitmap_Clear(t *testing.T) {
	m := New(100, false)
	for _, i := range []int{14, 75} {
		require.NoError(t, m.Set(i))
		require.NoError(t, m.Clear(i))
		ok, err := m.IsSet(i)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	// 清除未置位的位不报错
	require.NoError(t, m.Clear(89))
	ok, _ := m.IsSet(89)
	assert.False(t, ok)
}

func TestBitmap_Ranges(t *testing.T) {
	m := New(24, false)
	require.NoError(t, m.SetRange(3, 17))
	for i := 0; i < 24; i++ {
		ok, err := m.IsSet(i)
		require.NoError(t, err)
		assert.Equal(t, i >= 3 && i <= 17, ok, "bit %d", i)
	}
	require.NoError(t, m.ClearRange(5, 6))
	ok, _ := m.IsSet(5)
	assert.False(t, ok)
	ok, _ = m.IsSet(7)
	assert.True(t, ok)

	assert.ErrorIs(t, m.SetRange(9, 2), ErrInvalidRange)
	assert.ErrorIs(t, m.SetRange(0, 24), ErrOutOfRange)
	assert.ErrorIs(t, m.ClearRange(-1, 2), ErrOutOfRange)
}

func TestBitmap_Zero(t *testing.T) {
	m := New(20, false)
	require.NoError(t, m.SetRange(0, 19))
	m.Zero()
	for i := 0; i < 20; i++ {
		ok, _ := m.IsSet(i)
		assert.False(t, ok)
	}
	i, ok := m.FindFirstClear()
	assert.True(t, ok)
	assert.Equal(t, 0, i)
}

func TestBitmap_FindFirstClear_Fixed(t *testing.T) {
	m := New(8, false)
	for want := 0; want < 8; want++ {
		i, ok := m.FindFirstClear()
		require.True(t, ok)
		assert.Equal(t, want, i)
		set, err := m.IsSet(i)
		require.NoError(t, err)
		assert.True(t, set)
	}
	i, ok := m.FindFirstClear()
	assert.False(t, ok)
	assert.Equal(t, -1, i)
}

func TestBitmap_FindFirstClear_Smallest(t *testing.T) {
	m := New(16, false)
	require.NoError(t, m.SetRange(0, 15))
	require.NoError(t, m.Clear(12))
	require.NoError(t, m.Clear(4))
	i, ok := m.FindFirstClear()
	require.True(t, ok)
	assert.Equal(t, 4, i)
	i, ok = m.FindFirstClear()
	require.True(t, ok)
	assert.Equal(t, 12, i)
}

func TestBitmap_Growable(t *testing.T) {
	m := New(0, true)
	for want := 0; want < 20; want++ {
		i, ok := m.FindFirstClear()
		require.True(t, ok)
		assert.Equal(t, want, i)
		assert.Equal(t, want+1, m.Len(), "grows by exactly one bit")
	}

	require.NoError(t, m.Set(40))
	assert.Equal(t, 41, m.Len())
	for i := 20; i < 40; i++ {
		ok, err := m.IsSet(i)
		require.NoError(t, err)
		assert.False(t, ok, "new bits are zero-filled: %d", i)
	}
	ok, err := m.IsSet(100)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 101, m.Len())

	assert.ErrorIs(t, m.Set(-1), ErrOutOfRange)

	require.NoError(t, m.Clear(7))
	i, found := m.FindFirstClear()
	require.True(t, found)
	assert.Equal(t, 7, i)
}
