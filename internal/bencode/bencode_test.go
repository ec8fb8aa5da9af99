package bencode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeString(t *testing.T) {
	e, err := Decode([]byte("5:doggy"))
	require.NoError(t, err)
	require.Equal(t, KindString, e.Kind)
	require.Equal(t, "doggy", e.String())
}

func TestDecodeInt(t *testing.T) {
	cases := map[string]int64{
		"i232e": 232,
		"i-1e":  -1,
		"i0e":   0,
	}
	for in, want := range cases {
		e, err := Decode([]byte(in))
		require.NoError(t, err)
		require.Equal(t, KindInt, e.Kind)
		require.Equal(t, want, e.Int)
	}
}

func TestDecodeList(t *testing.T) {
	e, err := Decode([]byte("li232e5:doggye"))
	require.NoError(t, err)
	require.Equal(t, KindList, e.Kind)
	require.Len(t, e.List, 2)
	require.Equal(t, int64(232), e.List[0].Int)
	require.Equal(t, "doggy", e.List[1].String())
}

func TestDecodeDict(t *testing.T) {
	input := "d3:cow3:moo4:spam4:eggse"
	e, err := Decode([]byte(input))
	require.NoError(t, err)
	require.Equal(t, KindDict, e.Kind)
	require.Equal(t, "moo", e.Dict["cow"].String())
	require.Equal(t, "eggs", e.Dict["spam"].String())
	require.Equal(t, input, string(Encode(e)))
}

func TestDecodeTruncated(t *testing.T) {
	_, err := Decode([]byte("5:dog"))
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeBadNumber(t *testing.T) {
	_, err := Decode([]byte("i1x2e"))
	require.ErrorIs(t, err, ErrBadNumber)
}

func TestDecodeBadKey(t *testing.T) {
	_, err := Decode([]byte("di1ei2ee"))
	require.ErrorIs(t, err, ErrBadKey)
}

func TestDecodeTrailing(t *testing.T) {
	_, err := Decode([]byte("i1ei2e"))
	require.ErrorIs(t, err, ErrTrailing)
}

func TestByteRangeRoundTrip(t *testing.T) {
	input := []byte("d4:infod6:lengthi10e4:name5:helloee")
	root, err := Decode(input)
	require.NoError(t, err)
	info := root.Dict["info"]
	require.Equal(t, "d6:lengthi10e4:name5:helloe", string(input[info.Start:info.End]))
	require.Equal(t, string(input[info.Start:info.End]), string(Encode(info)))
}

func TestEncodeDecodeIdentityOnEntryTree(t *testing.T) {
	e := NewDict(map[string]*Entry{
		"a": NewInt(1),
		"b": NewList([]*Entry{NewString([]byte("x")), NewInt(-5)}),
	})
	out := Encode(e)
	decoded, err := Decode(out)
	require.NoError(t, err)
	require.Equal(t, int64(1), decoded.Dict["a"].Int)
	require.Equal(t, "x", decoded.Dict["b"].List[0].String())
	require.Equal(t, int64(-5), decoded.Dict["b"].List[1].Int)
}

func TestDecodePrefixLeavesTrailingBytes(t *testing.T) {
	e, n, err := DecodePrefix([]byte("i5e garbage"))
	require.NoError(t, err)
	require.Equal(t, int64(5), e.Int)
	require.Equal(t, 3, n)
}
