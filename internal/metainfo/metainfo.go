// Package metainfo derives a TorrentMeta from the decoded root Entry of a
// .torrent file, including the SHA-1 info_hash computed over the literal
// source bytes of the info sub-dictionary.
package metainfo

import (
	"crypto/sha1"
	"os"

	"github.com/pkg/errors"

	"github.com/mrigger/leech/internal/bencode"
)

// FileEntry is one file within the torrent, in declared order. Start is
// this file's offset within the concatenated piece stream (the sum of the
// lengths of every file declared before it).
type FileEntry struct {
	Path   string
	Length int64
	Start  int64
}

// TorrentMeta is everything the rest of the client needs to know about a
// torrent, derived once from the parsed .torrent bencode tree.
type TorrentMeta struct {
	Name        string
	Announce    string
	PieceLength int64
	Pieces      [][20]byte
	Files       []FileEntry
	InfoHash    [20]byte

	// TotalLength is the sum of all Files' lengths, i.e. the exact byte
	// size of the concatenated piece stream.
	TotalLength int64
}

// Load reads and parses the .torrent file at path.
func Load(path string) (*TorrentMeta, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "metainfo: reading torrent file")
	}
	return Parse(buf)
}

// Parse derives a TorrentMeta from the raw bytes of a .torrent file.
func Parse(buf []byte) (*TorrentMeta, error) {
	root, err := bencode.Decode(buf)
	if err != nil {
		return nil, errors.Wrap(err, "metainfo: decoding bencode")
	}
	if root.Kind != bencode.KindDict {
		return nil, errors.New("metainfo: root entry is not a dictionary")
	}

	announceEntry, err := root.Field("announce")
	if err != nil {
		return nil, errors.Wrap(err, "metainfo")
	}
	infoEntry, err := root.Field("info")
	if err != nil {
		return nil, errors.Wrap(err, "metainfo")
	}
	if infoEntry.Kind != bencode.KindDict {
		return nil, errors.New("metainfo: info is not a dictionary")
	}

	nameEntry, err := infoEntry.Field("name")
	if err != nil {
		return nil, errors.Wrap(err, "metainfo")
	}
	pieceLenEntry, err := infoEntry.Field("piece length")
	if err != nil {
		return nil, errors.Wrap(err, "metainfo")
	}
	piecesEntry, err := infoEntry.Field("pieces")
	if err != nil {
		return nil, errors.Wrap(err, "metainfo")
	}

	pieceLength, err := pieceLenEntry.Int64()
	if err != nil || pieceLength <= 0 {
		return nil, errors.New("metainfo: piece length must be a positive integer")
	}

	piecesBytes, err := piecesEntry.Bytes()
	if err != nil {
		return nil, errors.Wrap(err, "metainfo")
	}
	if len(piecesBytes)%20 != 0 {
		return nil, errors.New("metainfo: pieces string length is not a multiple of 20")
	}
	numPieces := len(piecesBytes) / 20
	pieces := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(pieces[i][:], piecesBytes[i*20:(i+1)*20])
	}

	files, total, err := parseFiles(infoEntry, nameEntry.String())
	if err != nil {
		return nil, err
	}

	infoHash := sha1.Sum(buf[infoEntry.Start:infoEntry.End])

	return &TorrentMeta{
		Name:        nameEntry.String(),
		Announce:    announceEntry.String(),
		PieceLength: pieceLength,
		Pieces:      pieces,
		Files:       files,
		InfoHash:    infoHash,
		TotalLength: total,
	}, nil
}

func parseFiles(info *bencode.Entry, name string) ([]FileEntry, int64, error) {
	filesEntry, err := info.OptField("files")
	if err != nil {
		return nil, 0, errors.Wrap(err, "metainfo")
	}
	if filesEntry == nil {
		lengthEntry, err := info.Field("length")
		if err != nil {
			return nil, 0, errors.Wrap(err, "metainfo: single-file torrent missing length")
		}
		length, err := lengthEntry.Int64()
		if err != nil || length < 0 {
			return nil, 0, errors.New("metainfo: invalid length")
		}
		return []FileEntry{{Path: name, Length: length, Start: 0}}, length, nil
	}

	if filesEntry.Kind != bencode.KindList {
		return nil, 0, errors.New("metainfo: files is not a list")
	}
	files := make([]FileEntry, 0, len(filesEntry.List))
	var cum int64
	for _, fe := range filesEntry.List {
		pathEntry, err := fe.Field("path")
		if err != nil {
			return nil, 0, errors.Wrap(err, "metainfo")
		}
		lengthEntry, err := fe.Field("length")
		if err != nil {
			return nil, 0, errors.Wrap(err, "metainfo")
		}
		length, err := lengthEntry.Int64()
		if err != nil || length < 0 {
			return nil, 0, errors.New("metainfo: invalid file length")
		}
		var path string
		if pathEntry.Kind == bencode.KindList {
			// BEP 3 path is a list of path components; joined with "/".
			parts := make([]string, len(pathEntry.List))
			for i, p := range pathEntry.List {
				parts[i] = p.String()
			}
			path = joinPath(parts)
		} else {
			path = pathEntry.String()
		}
		files = append(files, FileEntry{Path: path, Length: length, Start: cum})
		cum += length
	}
	return files, cum, nil
}

func joinPath(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}

// NumPieces returns the number of pieces in the torrent.
func (m *TorrentMeta) NumPieces() int { return len(m.Pieces) }

// PieceSize returns the true byte length of piece i: PieceLength for every
// piece except the last, whose length is whatever remains of TotalLength.
// This avoids writing past the end of the declared files for a torrent
// whose length is not an exact multiple of the piece length.
func (m *TorrentMeta) PieceSize(i int) int64 {
	if i < 0 || i >= len(m.Pieces) {
		return 0
	}
	if i < len(m.Pieces)-1 {
		return m.PieceLength
	}
	last := m.TotalLength - m.PieceLength*int64(len(m.Pieces)-1)
	if last < 0 {
		last = 0
	}
	return last
}

// Multi reports whether the torrent declares more than one file.
func (m *TorrentMeta) Multi() bool { return len(m.Files) > 1 }
