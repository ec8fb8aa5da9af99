// Package udptracker implements the BEP 15 UDP tracker protocol.
package udptracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/mrigger/leech/internal/tracker"
)

const (
	protocolMagic = 0x41727101980

	actionConnect  = 0
	actionAnnounce = 1

	connectRequestSize  = 16
	connectResponseSize = 16
	announceRequestSize = 98
	// 20 bytes of header plus up to 200 compact peer entries; UDP
	// datagrams from real trackers are well under this.
	announceResponseBufSize = 20 + 6*200

	numWant = 50

	eventNone = 0

	socketTimeout = 15 * time.Second
)

// Tracker announces to a single UDP tracker endpoint.
type Tracker struct {
	addr       *net.UDPAddr
	sourcePort uint16
	req        tracker.AnnounceRequest
}

// New parses a udp:// announce URL and returns a Tracker bound to the
// local sourcePort (0 lets the OS choose).
func New(announceURL string, sourcePort uint16, req tracker.AnnounceRequest) (*Tracker, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, errors.Wrap(err, "udptracker: parsing announce url")
	}
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, errors.Wrap(err, "udptracker: resolving tracker address")
	}
	return &Tracker{addr: addr, sourcePort: sourcePort, req: req}, nil
}

// Run implements tracker.Tracker. It connects once, then announces in a
// loop, sleeping the server-reported interval (in seconds, per BEP 15)
// between announces.
func (t *Tracker) Run(ctx context.Context, out chan<- tracker.Event) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(t.sourcePort)})
	if err != nil {
		sendClose(ctx, out, errors.Wrap(err, "udptracker: binding socket").Error())
		return
	}
	defer conn.Close()

	connID, err := t.connect(ctx, conn)
	if err != nil {
		sendClose(ctx, out, err.Error())
		return
	}
	select {
	case out <- tracker.Event{Kind: tracker.EventConnected, ConnectionID: connID}:
	case <-ctx.Done():
		return
	}

	for {
		resp, err := t.announce(ctx, conn, connID)
		if err != nil {
			sendClose(ctx, out, err.Error())
			return
		}
		select {
		case out <- tracker.Event{Kind: tracker.EventAnnounced, Peers: resp.peers}:
		case <-ctx.Done():
			return
		}

		select {
		case <-time.After(time.Duration(resp.interval) * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

func sendClose(ctx context.Context, out chan<- tracker.Event, reason string) {
	select {
	case out <- tracker.Event{Kind: tracker.EventClose, Reason: reason}:
	case <-ctx.Done():
	}
}

func randomTransactionID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (t *Tracker) connect(ctx context.Context, conn *net.UDPConn) (uint64, error) {
	txID, err := randomTransactionID()
	if err != nil {
		return 0, errors.Wrap(err, "udptracker: generating transaction id")
	}

	req := make([]byte, connectRequestSize)
	binary.BigEndian.PutUint64(req[0:8], protocolMagic)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	if err := t.roundTrip(ctx, conn, req); err != nil {
		return 0, err
	}

	buf := make([]byte, connectResponseSize)
	n, err := t.readResponse(ctx, conn, buf)
	if err != nil {
		return 0, err
	}
	if n < connectResponseSize {
		return 0, errors.New("udptracker: truncated connect response")
	}
	action := binary.BigEndian.Uint32(buf[0:4])
	gotTxID := binary.BigEndian.Uint32(buf[4:8])
	if action != actionConnect {
		return 0, errors.New("udptracker: bad action in connect response")
	}
	if gotTxID != txID {
		return 0, errors.New("udptracker: transaction id mismatch in connect response")
	}
	return binary.BigEndian.Uint64(buf[8:16]), nil
}

type announceResult struct {
	interval uint32
	peers    []tracker.PeerAddr
}

func (t *Tracker) announce(ctx context.Context, conn *net.UDPConn, connID uint64) (announceResult, error) {
	txID, err := randomTransactionID()
	if err != nil {
		return announceResult{}, errors.Wrap(err, "udptracker: generating transaction id")
	}

	req := make([]byte, announceRequestSize)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], txID)
	copy(req[16:36], t.req.InfoHash[:])
	copy(req[36:56], t.req.PeerID[:])
	binary.BigEndian.PutUint64(req[56:64], uint64(t.req.Downloaded))
	binary.BigEndian.PutUint64(req[64:72], uint64(t.req.Left))
	binary.BigEndian.PutUint64(req[72:80], uint64(t.req.Uploaded))
	binary.BigEndian.PutUint32(req[80:84], eventNone)
	binary.BigEndian.PutUint32(req[84:88], 0) // ip, 0 = tracker's view
	binary.BigEndian.PutUint32(req[88:92], 0) // key
	binary.BigEndian.PutUint32(req[92:96], numWant)
	binary.BigEndian.PutUint16(req[96:98], t.req.Port)

	if err := t.roundTrip(ctx, conn, req); err != nil {
		return announceResult{}, err
	}

	buf := make([]byte, announceResponseBufSize)
	n, err := t.readResponse(ctx, conn, buf)
	if err != nil {
		return announceResult{}, err
	}
	if n < 20 {
		return announceResult{}, errors.New("udptracker: truncated announce response")
	}
	buf = buf[:n]
	action := binary.BigEndian.Uint32(buf[0:4])
	gotTxID := binary.BigEndian.Uint32(buf[4:8])
	if action != actionAnnounce {
		return announceResult{}, errors.New("udptracker: bad action in announce response")
	}
	if gotTxID != txID {
		return announceResult{}, errors.New("udptracker: transaction id mismatch in announce response")
	}
	interval := binary.BigEndian.Uint32(buf[8:12])
	// leechers at [12:16], seeders at [16:20] are not surfaced upward.

	peersBuf := buf[20:]
	numPeers := len(peersBuf) / 6
	peers := make([]tracker.PeerAddr, 0, numPeers)
	for i := 0; i < numPeers; i++ {
		entry := peersBuf[i*6 : i*6+6]
		ip := net.IPv4(entry[0], entry[1], entry[2], entry[3])
		port := binary.BigEndian.Uint16(entry[4:6])
		peers = append(peers, tracker.PeerAddr{IP: ip, Port: port})
	}

	return announceResult{interval: interval, peers: peers}, nil
}

func (t *Tracker) roundTrip(ctx context.Context, conn *net.UDPConn, req []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(socketTimeout)); err != nil {
		return errors.Wrap(err, "udptracker: setting write deadline")
	}
	if _, err := conn.WriteToUDP(req, t.addr); err != nil {
		return errors.Wrap(err, "udptracker: sending request")
	}
	return nil
}

func (t *Tracker) readResponse(ctx context.Context, conn *net.UDPConn, buf []byte) (int, error) {
	if err := conn.SetReadDeadline(time.Now().Add(socketTimeout)); err != nil {
		return 0, errors.Wrap(err, "udptracker: setting read deadline")
	}
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return 0, errors.Wrap(err, "udptracker: reading response")
	}
	return n, nil
}
