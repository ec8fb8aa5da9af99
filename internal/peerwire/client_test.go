package peerwire

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakePeer services one end of a net.Pipe as a minimal remote peer: reads
// the handshake, replies with one, then sends a bitfield followed by a
// single piece's worth of data in 16 KiB blocks as requests arrive.
func fakePeer(t *testing.T, conn net.Conn, infoHash [20]byte, pieceData []byte) {
	t.Helper()
	remote, err := ReadHandshake(conn)
	require.NoError(t, err)
	require.Equal(t, infoHash, remote.InfoHash)

	_, err = conn.Write(Handshake{InfoHash: infoHash, PeerID: [20]byte{9}}.Serialize())
	require.NoError(t, err)

	require.NoError(t, WriteMessage(conn, Message{ID: Bitfield, Payload: []byte{0x80}}))
	require.NoError(t, WriteMessage(conn, Message{ID: Unchoke}))

	// Drain the resulting interested+unchoke the client sends in reply
	// to our bitfield, then serve piece requests until satisfied.
	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			return
		}
		switch msg.ID {
		case Interested, Unchoke:
			continue
		case Request:
			index, begin, length, err := decodeRequest(msg.Payload)
			require.NoError(t, err)
			block := pieceData[begin : begin+length]
			payload := append(append([]byte{}, beU32(index)...), append(beU32(begin), block...)...)
			if err := WriteMessage(conn, Message{ID: Piece, Payload: payload}); err != nil {
				return
			}
		default:
			return
		}
	}
}

func decodeRequest(payload []byte) (index, begin, length uint32, err error) {
	if len(payload) != 12 {
		return 0, 0, 0, errShortRequest
	}
	index = beToU32(payload[0:4])
	begin = beToU32(payload[4:8])
	length = beToU32(payload[8:12])
	return
}

var errShortRequest = errShort("short request payload")

type errShort string

func (e errShort) Error() string { return string(e) }

func beU32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func beToU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func TestClientRunDownloadsOnePiece(t *testing.T) {
	infoHash := [20]byte{1, 2, 3, 4, 5}
	pieceData := repeatByte('X', 20000) // spans two 16 KiB blocks

	clientConn, peerConn := net.Pipe()
	defer clientConn.Close()
	defer peerConn.Close()

	go fakePeer(t, peerConn, infoHash, pieceData)

	c := New(infoHash, [20]byte{7}, 4, int64(len(pieceData)))
	c.conn = clientConn

	// Run only drives the steady-state loop; the handshake exchange that
	// Dial would normally perform happens here so the fake peer's own
	// handshake reply doesn't get fed into the message decoder.
	_, err := clientConn.Write(Handshake{InfoHash: infoHash, PeerID: c.peerID}.Serialize())
	require.NoError(t, err)
	_, err = ReadHandshake(clientConn)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in := make(chan Control)
	out := make(chan Event, 8)

	done := make(chan struct{})
	go func() {
		c.Run(ctx, in, out)
		close(done)
	}()

	var gotNeed bool
	for !gotNeed {
		select {
		case ev := <-out:
			if ev.Kind == Need {
				gotNeed = true
			} else if ev.Kind == CloseEvent {
				t.Fatalf("peer closed before becoming ready: %s", ev.Reason)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for Need")
		}
	}

	select {
	case in <- Control{Kind: Want, Piece: 0, Size: int64(len(pieceData))}:
	case <-time.After(time.Second):
		t.Fatal("timed out sending Want")
	}

	select {
	case ev := <-out:
		require.Equal(t, Commit, ev.Kind)
		require.Equal(t, 0, ev.Piece)
		require.Equal(t, pieceData, ev.Data)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Commit")
	}

	cancel()
	<-done
}

func repeatByte(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
