// Package httptracker implements the BEP 3 HTTP tracker protocol.
package httptracker

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/mrigger/leech/internal/bencode"
	"github.com/mrigger/leech/internal/tracker"
)

const (
	numWant      = 50
	requestTimeout = 30 * time.Second
	// fallback interval if a response omits one, to avoid hammering a
	// misbehaving tracker.
	defaultInterval = 1800
)

// Tracker announces to a single HTTP(S) tracker endpoint.
type Tracker struct {
	announceURL string
	req         tracker.AnnounceRequest
	client      *http.Client
	announced   bool
}

// New builds a Tracker for the given http(s):// announce URL.
func New(announceURL string, req tracker.AnnounceRequest) *Tracker {
	return &Tracker{
		announceURL: announceURL,
		req:         req,
		client:      &http.Client{Timeout: requestTimeout},
	}
}

// Run implements tracker.Tracker.
func (t *Tracker) Run(ctx context.Context, out chan<- tracker.Event) {
	for {
		resp, err := t.announce(ctx)
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

type announceResult struct {
	interval int64
	peers    []tracker.PeerAddr
}

func (t *Tracker) announce(ctx context.Context) (announceResult, error) {
	u := t.announceURL
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	u += sep +
		"info_hash=" + percentEncode(t.req.InfoHash[:]) +
		"&peer_id=" + percentEncode(t.req.PeerID[:]) +
		"&port=" + strconv.Itoa(int(t.req.Port)) +
		"&uploaded=" + strconv.FormatInt(t.req.Uploaded, 10) +
		"&downloaded=" + strconv.FormatInt(t.req.Downloaded, 10) +
		"&left=" + strconv.FormatInt(t.req.Left, 10) +
		"&compact=1" +
		"&numwant=" + strconv.Itoa(numWant)
	if !t.announced {
		u += "&event=started"
	}
	t.announced = true

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return announceResult{}, errors.Wrap(err, "httptracker: building request")
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return announceResult{}, errors.Wrap(err, "httptracker: sending request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return announceResult{}, errors.Wrap(err, "httptracker: reading response body")
	}
	if resp.StatusCode != http.StatusOK {
		return announceResult{}, errors.Errorf("httptracker: tracker returned status %d", resp.StatusCode)
	}

	root, err := bencode.Decode(body)
	if err != nil {
		return announceResult{}, errors.Wrap(err, "httptracker: decoding response")
	}

	if failure, err := root.OptField("failure reason"); err == nil && failure != nil {
		return announceResult{}, errors.Errorf("httptracker: tracker failure: %s", failure.String())
	}

	interval := int64(defaultInterval)
	if ivEntry, err := root.OptField("interval"); err == nil && ivEntry != nil {
		iv, err := ivEntry.Int64()
		if err != nil {
			return announceResult{}, errors.Wrap(err, "httptracker: decoding interval")
		}
		interval = iv
	}

	peersEntry, err := root.Field("peers")
	if err != nil {
		return announceResult{}, errors.Wrap(err, "httptracker: missing peers field")
	}

	peers, err := decodePeers(peersEntry)
	if err != nil {
		return announceResult{}, err
	}

	return announceResult{interval: interval, peers: peers}, nil
}

// decodePeers supports the compact binary form (a single string of 6-byte
// entries) that compact=1 requests. The non-compact list-of-dicts form is
// not decoded: a peers value of that shape is rejected with an error.
func decodePeers(e *bencode.Entry) ([]tracker.PeerAddr, error) {
	raw, err := e.Bytes()
	if err != nil {
		return nil, errors.Wrap(err, "httptracker: peers field is not compact binary")
	}
	if len(raw)%6 != 0 {
		return nil, errors.Errorf("httptracker: peers field length %d is not a multiple of 6", len(raw))
	}
	n := len(raw) / 6
	peers := make([]tracker.PeerAddr, 0, n)
	for i := 0; i < n; i++ {
		entry := raw[i*6 : i*6+6]
		ip := net.IPv4(entry[0], entry[1], entry[2], entry[3])
		port := binary.BigEndian.Uint16(entry[4:6])
		peers = append(peers, tracker.PeerAddr{IP: ip, Port: port})
	}
	return peers, nil
}

// percentEncode applies the narrow escaping trackers expect for
// info_hash/peer_id: unreserved characters pass through unescaped,
// everything else becomes a lowercase %HH triplet. net/url's QueryEscape
// escapes spaces as "+" and is case-inconsistent with what trackers
// commonly expect for raw 20-byte hashes, so this is hand-rolled per
// BEP 3's description of the convention.
func percentEncode(b []byte) string {
	const hex = "0123456789abcdef"
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	for _, c := range b {
		if isUnreserved(c) {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(hex[c>>4])
		sb.WriteByte(hex[c&0x0f])
	}
	return sb.String()
}

func isUnreserved(c byte) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	}
	switch c {
	case '-', '.', '_', '~', '!', '\'', '(', ')', '*':
		return true
	}
	return false
}
