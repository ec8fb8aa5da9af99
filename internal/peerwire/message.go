package peerwire

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"
)

// Message IDs per the peer-wire protocol (BEP 3). KeepAlive has no wire id
// of its own -- a zero-length frame -- and is modeled internally as 255.
const (
	Choke         byte = 0
	Unchoke       byte = 1
	Interested    byte = 2
	NotInterested byte = 3
	Have          byte = 4
	Bitfield      byte = 5
	Request       byte = 6
	Piece         byte = 7
	Cancel        byte = 8
	KeepAlive     byte = 255
)

// MaxRequestSize is the largest block size requested per BEP 3 convention;
// real peers commonly refuse larger values.
const MaxRequestSize = 16384

// Message is one decoded peer-wire frame.
type Message struct {
	ID      byte
	Payload []byte
}

// ReadMessage reads one length-prefixed frame from r, translating a
// zero-length frame into the synthetic KeepAlive id.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{ID: KeepAlive}, nil
	}
	idBuf := make([]byte, length)
	if _, err := io.ReadFull(r, idBuf); err != nil {
		return Message{}, err
	}
	return Message{ID: idBuf[0], Payload: idBuf[1:]}, nil
}

// WriteMessage writes one length-prefixed frame to w.
func WriteMessage(w io.Writer, msg Message) error {
	buf := make([]byte, 4+1+len(msg.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(msg.Payload)))
	buf[4] = msg.ID
	copy(buf[5:], msg.Payload)
	_, err := w.Write(buf)
	return err
}

func requestPayload(index, begin, length uint32) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], index)
	binary.BigEndian.PutUint32(buf[4:8], begin)
	binary.BigEndian.PutUint32(buf[8:12], length)
	return buf
}

func parseHavePayload(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, errors.New("peerwire: have payload must be 4 bytes")
	}
	return binary.BigEndian.Uint32(payload), nil
}

func parsePiecePayload(payload []byte) (index uint32, begin uint32, block []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, errors.New("peerwire: piece payload too short")
	}
	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	return index, begin, payload[8:], nil
}

// deadlineSetter is satisfied by net.Conn; kept as an interface so tests can
// fake the socket without a real one.
type deadlineSetter interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

func setReadDeadline(conn deadlineSetter, d time.Duration) error {
	return conn.SetReadDeadline(time.Now().Add(d))
}

func setWriteDeadline(conn deadlineSetter, d time.Duration) error {
	return conn.SetWriteDeadline(time.Now().Add(d))
}
