package peerwire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandshakeSerializeRoundTrip(t *testing.T) {
	h := Handshake{InfoHash: [20]byte{1, 2, 3}, PeerID: [20]byte{9, 9, 9}}
	buf := h.Serialize()

	require.Equal(t, byte(19), buf[0])
	require.Equal(t, "BitTorrent protocol", string(buf[1:20]))
	require.Equal(t, make([]byte, 8), buf[20:28])
	require.Equal(t, h.InfoHash[:], buf[28:48])
	require.Equal(t, h.PeerID[:], buf[48:68])

	got, err := ReadHandshake(bytes.NewReader(buf))
	require.NoError(t, err)
	require.Equal(t, h.InfoHash, got.InfoHash)
	require.Equal(t, h.PeerID, got.PeerID)
}

func TestReadHandshakeTruncated(t *testing.T) {
	_, err := ReadHandshake(bytes.NewReader([]byte{19}))
	require.Error(t, err)
}
