package peerwire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := Message{ID: Piece, Payload: []byte{1, 2, 3, 4}}
	require.NoError(t, WriteMessage(&buf, msg))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

func TestReadMessageKeepAlive(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0})
	got, err := ReadMessage(buf)
	require.NoError(t, err)
	require.Equal(t, byte(KeepAlive), got.ID)
	require.Empty(t, got.Payload)
}

func TestRequestPayloadLayout(t *testing.T) {
	payload := requestPayload(1, 16384, 16384)
	require.Len(t, payload, 12)
	require.Equal(t, []byte{0, 0, 0, 1}, payload[0:4])
	require.Equal(t, []byte{0, 0, 0x40, 0}, payload[4:8])
	require.Equal(t, []byte{0, 0, 0x40, 0}, payload[8:12])
}

func TestParseHavePayload(t *testing.T) {
	piece, err := parseHavePayload([]byte{0, 0, 0, 7})
	require.NoError(t, err)
	require.Equal(t, uint32(7), piece)

	_, err = parseHavePayload([]byte{0, 0, 7})
	require.Error(t, err)
}

func TestParsePiecePayload(t *testing.T) {
	payload := append([]byte{0, 0, 0, 2, 0, 0, 0x40, 0}, []byte("blockdata")...)
	index, begin, block, err := parsePiecePayload(payload)
	require.NoError(t, err)
	require.Equal(t, uint32(2), index)
	require.Equal(t, uint32(16384), begin)
	require.Equal(t, []byte("blockdata"), block)
}
