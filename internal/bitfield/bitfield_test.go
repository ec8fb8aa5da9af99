package bitfield

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	bf := New(10)
	require.False(t, bf.Get(3))
	bf.Set(3)
	require.True(t, bf.Get(3))
}

func TestLiteralLayout(t *testing.T) {
	bf := FromBytes([]byte{0x80, 0x00, 0x01}, 24)
	require.True(t, bf.Get(0))
	require.False(t, bf.Get(1))
	require.False(t, bf.Get(7))
	require.False(t, bf.Get(8))
	require.True(t, bf.Get(23))
}

func TestCeilSizing(t *testing.T) {
	bf := New(9)
	require.Equal(t, 2, len(bf.Bytes()))
	bf = New(8)
	require.Equal(t, 1, len(bf.Bytes()))
	bf = New(1)
	require.Equal(t, 1, len(bf.Bytes()))
}

func TestOutOfRangeIsSafe(t *testing.T) {
	bf := New(4)
	require.False(t, bf.Get(100))
	bf.Set(100) // must not panic
	require.False(t, bf.Get(-1))
}

func TestAllAndCount(t *testing.T) {
	bf := New(4)
	require.False(t, bf.All())
	for i := 0; i < 4; i++ {
		bf.Set(i)
	}
	require.True(t, bf.All())
	require.Equal(t, 4, bf.Count())
}

func TestBitfieldMessageLayoutFourPieces(t *testing.T) {
	bf := FromBytes([]byte{0xF0}, 4)
	require.True(t, bf.Get(0))
	require.True(t, bf.Get(1))
	require.True(t, bf.Get(2))
	require.True(t, bf.Get(3))
}
