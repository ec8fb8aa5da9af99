// Package peerwire implements the per-peer side of the BitTorrent
// peer-wire protocol: handshake, steady-state message dispatch, and
// single-piece request pipelining under the dispatcher's control.
package peerwire

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/mrigger/leech/internal/bitfield"
)

const socketTimeout = 500 * time.Millisecond

// ControlKind identifies which variant a Control message carries.
type ControlKind int

const (
	// Want assigns a piece for the client to fetch.
	Want ControlKind = iota
	// CloseControl asks the client to shut down.
	CloseControl
)

// Control is a dispatcher-to-client message.
type Control struct {
	Kind ControlKind
	Piece int
	// Size is the true byte length of Piece, which the dispatcher supplies
	// from metainfo.PieceSize since the final piece is typically shorter
	// than the torrent's nominal piece length. Only meaningful for Want.
	Size   int64
	Reason string
}

// EventKind identifies which variant an Event carries.
type EventKind int

const (
	// Need reports the peer is unchoked and idle, along with a snapshot
	// of what it has, so the dispatcher can assign it a piece.
	Need EventKind = iota
	// Commit reports a fully assembled, not-yet-verified piece.
	Commit
	// CloseEvent reports the client has given up and exited.
	CloseEvent
)

// Event is a client-to-dispatcher message.
type Event struct {
	Kind   EventKind
	Have   *bitfield.Bitfield
	Piece  int
	Data   []byte
	Reason string
}

// Client runs one peer's connection lifecycle: dial, handshake, then a
// single select loop that interleaves incoming wire messages, dispatcher
// control messages, and outbound request pipelining.
type Client struct {
	conn     net.Conn
	infoHash [20]byte
	peerID   [20]byte
	numPieces int
	pieceLength int64
}

// New constructs a Client for a not-yet-connected peer.
func New(infoHash, peerID [20]byte, numPieces int, pieceLength int64) *Client {
	return &Client{infoHash: infoHash, peerID: peerID, numPieces: numPieces, pieceLength: pieceLength}
}

// Dial connects to addr and performs the BitTorrent handshake, verifying
// the remote's info_hash matches ours. The peer's announced peer_id is
// recorded but not checked, per protocol convention.
func (c *Client) Dial(ctx context.Context, addr string) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrap(err, "peerwire: dialing peer")
	}

	if err := setWriteDeadline(conn, socketTimeout); err != nil {
		conn.Close()
		return err
	}
	if _, err := conn.Write(Handshake{InfoHash: c.infoHash, PeerID: c.peerID}.Serialize()); err != nil {
		conn.Close()
		return errors.Wrap(err, "peerwire: sending handshake")
	}

	if err := setReadDeadline(conn, socketTimeout); err != nil {
		conn.Close()
		return err
	}
	remote, err := ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return err
	}
	if remote.InfoHash != c.infoHash {
		conn.Close()
		return errors.New("peerwire: peer handshake info_hash mismatch")
	}

	c.conn = conn
	return nil
}

// Close closes the underlying connection; safe to call more than once.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// state holds the mutable peer-wire state machine fields, kept apart from
// the Client's fixed connection parameters and passed explicitly to the
// helpers Run calls.
type state struct {
	have *bitfield.Bitfield

	amChoked      bool
	amInterested  bool
	amNeeding     bool
	amAcquiring   bool
	acquiring     int
	acquireSize   int64
	acquireStep   int64
	waitingPiece  bool
	acquireBuffer []byte
}

func newState(numPieces int, pieceLength int64) *state {
	return &state{
		have:          bitfield.New(numPieces),
		amChoked:      true,
		acquireBuffer: make([]byte, pieceLength),
	}
}

// Run drives the steady-state loop until ctx is canceled, in reads from
// the dispatcher, or a protocol/IO error occurs. It always sends a final
// CloseEvent to out before returning (unless ctx is already done), mirroring
// the source's ClientState::Close-on-every-exit-path discipline.
func (c *Client) Run(ctx context.Context, in <-chan Control, out chan<- Event) {
	defer c.Close()

	st := newState(c.numPieces, c.pieceLength)

	msgCh := make(chan Message)
	errCh := make(chan error, 1)
	go c.readLoop(ctx, msgCh, errCh)

	for {
		c.maybeRequest(st)

		var needOut chan<- Event
		var needEvent Event
		if !st.amChoked && !st.amNeeding && !st.amAcquiring {
			needOut = out
			needEvent = Event{Kind: Need, Have: st.have.Clone()}
		}

		select {
		case <-ctx.Done():
			return

		case needOut <- needEvent:
			st.amNeeding = true

		case ctrl := <-in:
			switch ctrl.Kind {
			case Want:
				st.acquiring = ctrl.Piece
				st.acquireSize = ctrl.Size
				st.amAcquiring = true
				st.amNeeding = false
				st.acquireStep = 0
			case CloseControl:
				sendClose(ctx, out, ctrl.Reason)
				return
			default:
				sendClose(ctx, out, "ctrl error")
				return
			}

		case msg, ok := <-msgCh:
			if !ok {
				continue
			}
			closeReason, fatal := c.handleMessage(st, msg)
			if fatal {
				sendClose(ctx, out, closeReason)
				return
			}
			if st.amAcquiring && st.acquireStep >= st.acquireSize {
				data := append([]byte{}, st.acquireBuffer[:st.acquireSize]...)
				select {
				case out <- Event{Kind: Commit, Piece: st.acquiring, Data: data}:
				case <-ctx.Done():
					return
				}
				st.amAcquiring = false
			}

		case err := <-errCh:
			if err != nil {
				sendClose(ctx, out, err.Error())
			}
			return
		}
	}
}

func sendClose(ctx context.Context, out chan<- Event, reason string) {
	select {
	case out <- Event{Kind: CloseEvent, Reason: reason}:
	case <-ctx.Done():
	}
}

// readLoop continuously decodes frames off the connection, forwarding
// transient timeouts as no-ops (mirroring the source's WouldBlock/TimedOut
// tolerance) and terminating on any other error.
func (c *Client) readLoop(ctx context.Context, out chan<- Message, errOut chan<- error) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := setReadDeadline(c.conn, socketTimeout); err != nil {
			errOut <- err
			return
		}
		msg, err := ReadMessage(c.conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			errOut <- errors.Wrap(err, "peerwire: reading message")
			return
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// handleMessage applies one wire message to st, returning (reason, true) if
// the connection must be closed.
func (c *Client) handleMessage(st *state, msg Message) (string, bool) {
	switch msg.ID {
	case Choke:
		st.amChoked = true
		st.waitingPiece = false
	case Unchoke:
		st.amChoked = false
	case Interested:
		st.amInterested = true
	case NotInterested:
		st.amInterested = false
	case Have:
		piece, err := parseHavePayload(msg.Payload)
		if err != nil {
			return err.Error(), true
		}
		st.have.Set(int(piece))
	case Bitfield:
		st.have = bitfield.FromBytes(msg.Payload, c.numPieces)
		c.sendControl(Interested)
		c.sendControl(Unchoke)
	case Request:
		// No seeding support; requests from the remote are ignored.
	case Piece:
		index, begin, block, err := parsePiecePayload(msg.Payload)
		if err != nil {
			return err.Error(), true
		}
		if int(index) == st.acquiring {
			end := int64(begin) + int64(len(block))
			if end > int64(len(st.acquireBuffer)) {
				return "peerwire: piece payload exceeds piece length", true
			}
			copy(st.acquireBuffer[begin:end], block)
			st.acquireStep = end
			st.waitingPiece = false
		}
	case Cancel:
		// Logged only in the source; no seeding state to cancel here.
	case KeepAlive:
		// no-op
	default:
		return "peerwire: unhandled message id", true
	}
	return "", false
}

func (c *Client) sendControl(id byte) {
	if err := setWriteDeadline(c.conn, socketTimeout); err != nil {
		return
	}
	_ = WriteMessage(c.conn, Message{ID: id})
}

// maybeRequest implements the pipelining step: request the next block (at
// most 16 KiB) of the piece being acquired. It sends nothing once the full
// piece has been assembled; Run emits the Commit after the last block.
func (c *Client) maybeRequest(st *state) {
	if st.amChoked || !st.amAcquiring || st.waitingPiece {
		return
	}
	if st.acquireStep >= st.acquireSize {
		return
	}
	length := int64(MaxRequestSize)
	if st.acquireStep+length > st.acquireSize {
		length = st.acquireSize - st.acquireStep
	}
	if err := setWriteDeadline(c.conn, socketTimeout); err != nil {
		return
	}
	req := Message{ID: Request, Payload: requestPayload(uint32(st.acquiring), uint32(st.acquireStep), uint32(length))}
	_ = WriteMessage(c.conn, req)
	st.waitingPiece = true
}
