// Package peerid generates the 20-byte peer id this client presents to
// trackers and peers during the BitTorrent handshake.
package peerid

import (
	"crypto/rand"

	"github.com/pkg/errors"
)

// Prefix is the two-byte client identifier embedded at the start of every
// generated peer id, matching the convention used by the reference
// implementation this client's protocol behavior is modeled on.
var Prefix = [2]byte{'r', 'T'}

// Generate returns a new random 20-byte peer id: Prefix followed by 18
// cryptographically random bytes.
func Generate() ([20]byte, error) {
	var id [20]byte
	id[0], id[1] = Prefix[0], Prefix[1]
	if _, err := rand.Read(id[2:]); err != nil {
		return id, errors.Wrap(err, "peerid: generating random suffix")
	}
	return id, nil
}
