package httptracker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mrigger/leech/internal/bencode"
)

func TestPercentEncodeUnreservedPassThrough(t *testing.T) {
	got := percentEncode([]byte("Az09-._~!'()*"))
	require.Equal(t, "Az09-._~!'()*", got)
}

func TestPercentEncodeEscapesBinary(t *testing.T) {
	got := percentEncode([]byte{0x00, 0xff, ' '})
	require.Equal(t, "%00%ff%20", got)
}

func TestDecodePeersCompact(t *testing.T) {
	raw := []byte{127, 0, 0, 1, 0x1a, 0xe1, 10, 0, 0, 2, 0x1a, 0xe2}
	e := bencode.NewString(raw)
	peers, err := decodePeers(e)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	require.Equal(t, "127.0.0.1", peers[0].IP.String())
	require.Equal(t, uint16(0x1ae1), peers[0].Port)
	require.Equal(t, "10.0.0.2", peers[1].IP.String())
	require.Equal(t, uint16(0x1ae2), peers[1].Port)
}

func TestDecodePeersRejectsBadLength(t *testing.T) {
	e := bencode.NewString([]byte{1, 2, 3})
	_, err := decodePeers(e)
	require.Error(t, err)
}

// Exercises the "failure reason" lookup announce applies to a decoded
// response body; announce itself is not called here.
func TestAnnounceParsesFailureReason(t *testing.T) {
	buf := []byte("d14:failure reason22:torrent not registerede")
	root, err := bencode.Decode(buf)
	require.NoError(t, err)
	failure, err := root.OptField("failure reason")
	require.NoError(t, err)
	require.NotNil(t, failure)
	require.Equal(t, "torrent not registered", failure.String())
}
