// Package bencode decodes and encodes the bencode format used by .torrent
// files and tracker HTTP responses (BEP 3). Unlike a struct-tag based
// decoder, it keeps every decoded value's exact source byte range so
// callers can recover the literal bytes of a sub-value -- required to
// compute a torrent's info_hash over the info dictionary's original bytes.
package bencode

import (
	"bytes"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// Kind identifies which of the four bencode value shapes an Entry holds.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindList
	KindDict
)

// Sentinel errors, classified per the taxonomy in the spec's error design:
// all of these are Parse errors.
var (
	ErrTruncated = errors.New("bencode: truncated input")
	ErrBadNumber = errors.New("bencode: malformed integer or length")
	ErrBadKey    = errors.New("bencode: dictionary key is not a byte string")
	ErrTrailing  = errors.New("bencode: trailing bytes after top-level value")
)

// Entry is a decoded bencode value together with the half-open byte range
// [Start, End) in the source buffer it was parsed from.
type Entry struct {
	Kind Kind

	Str  []byte
	Int  int64
	List []*Entry
	Dict map[string]*Entry
	// Keys preserves dictionary key insertion order as seen on the wire;
	// re-encoding always emits sorted order regardless of Keys.
	Keys []string

	Start int
	End   int
}

// IsString reports whether e holds a byte string.
func (e *Entry) IsString() bool { return e.Kind == KindString }

// String returns the byte string value as a Go string. Panics if e is not
// a string entry; callers that accept untrusted input should check Kind
// or use the Field/Bytes helpers that return errors instead.
func (e *Entry) String() string {
	if e.Kind != KindString {
		panic("bencode: Entry.String called on non-string entry")
	}
	return string(e.Str)
}

// Field looks up a key in a dictionary entry, returning a Parse-class
// error if e is not a dictionary or the key is absent.
func (e *Entry) Field(key string) (*Entry, error) {
	if e.Kind != KindDict {
		return nil, errors.Errorf("bencode: Field(%q) called on non-dict entry", key)
	}
	v, ok := e.Dict[key]
	if !ok {
		return nil, errors.Errorf("bencode: missing required field %q", key)
	}
	return v, nil
}

// OptField is like Field but returns (nil, nil) instead of an error when
// the key is absent.
func (e *Entry) OptField(key string) (*Entry, error) {
	if e.Kind != KindDict {
		return nil, errors.Errorf("bencode: OptField(%q) called on non-dict entry", key)
	}
	v, ok := e.Dict[key]
	if !ok {
		return nil, nil
	}
	return v, nil
}

// Int64 returns the integer value, or an error if e is not an integer.
func (e *Entry) Int64() (int64, error) {
	if e.Kind != KindInt {
		return 0, errors.New("bencode: Int64 called on non-integer entry")
	}
	return e.Int, nil
}

// Bytes returns the raw byte string value, or an error if e is not a
// string.
func (e *Entry) Bytes() ([]byte, error) {
	if e.Kind != KindString {
		return nil, errors.New("bencode: Bytes called on non-string entry")
	}
	return e.Str, nil
}

// decoder parses a bencode buffer with a mutable cursor, recording byte
// ranges as it goes. It never copies the input: decoded byte strings
// (Entry.Str) are sub-slices of buf, while dictionary keys are converted to
// Go strings.
type decoder struct {
	buf []byte
	pos int
}

// Decode parses the single top-level bencode value in buf and returns it.
// An error is returned if buf contains trailing data after the value.
func Decode(buf []byte) (*Entry, error) {
	d := &decoder{buf: buf}
	e, err := d.decodeValue()
	if err != nil {
		return nil, err
	}
	if d.pos != len(d.buf) {
		return nil, ErrTrailing
	}
	return e, nil
}

// DecodePrefix parses one bencode value starting at buf[0] and returns it
// along with the number of bytes consumed, tolerating trailing data, for a
// caller that wants to know where the value ended inside a larger buffer.
func DecodePrefix(buf []byte) (*Entry, int, error) {
	d := &decoder{buf: buf}
	e, err := d.decodeValue()
	if err != nil {
		return nil, 0, err
	}
	return e, d.pos, nil
}

func (d *decoder) peek() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, ErrTruncated
	}
	return d.buf[d.pos], nil
}

func (d *decoder) decodeValue() (*Entry, error) {
	start := d.pos
	c, err := d.peek()
	if err != nil {
		return nil, err
	}
	var e *Entry
	switch {
	case c == 'i':
		e, err = d.decodeInt()
	case c == 'l':
		e, err = d.decodeList()
	case c == 'd':
		e, err = d.decodeDict()
	case c >= '0' && c <= '9':
		e, err = d.decodeString()
	default:
		return nil, ErrBadNumber
	}
	if err != nil {
		return nil, err
	}
	e.Start = start
	e.End = d.pos
	return e, nil
}

func (d *decoder) decodeInt() (*Entry, error) {
	d.pos++ // consume 'i'
	digitsStart := d.pos
	for {
		c, err := d.peek()
		if err != nil {
			return nil, err
		}
		if c == 'e' {
			break
		}
		if c != '-' && (c < '0' || c > '9') {
			return nil, ErrBadNumber
		}
		d.pos++
	}
	numStr := string(d.buf[digitsStart:d.pos])
	if numStr == "" || numStr == "-" {
		return nil, ErrBadNumber
	}
	v, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return nil, ErrBadNumber
	}
	d.pos++ // consume 'e'
	return &Entry{Kind: KindInt, Int: v}, nil
}

func (d *decoder) decodeString() (*Entry, error) {
	lenStart := d.pos
	for {
		c, err := d.peek()
		if err != nil {
			return nil, err
		}
		if c == ':' {
			break
		}
		if c < '0' || c > '9' {
			return nil, ErrBadNumber
		}
		d.pos++
	}
	n, err := strconv.ParseInt(string(d.buf[lenStart:d.pos]), 10, 64)
	if err != nil || n < 0 {
		return nil, ErrBadNumber
	}
	d.pos++ // consume ':'
	if d.pos+int(n) > len(d.buf) {
		return nil, ErrTruncated
	}
	s := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return &Entry{Kind: KindString, Str: s}, nil
}

func (d *decoder) decodeList() (*Entry, error) {
	d.pos++ // consume 'l'
	var items []*Entry
	for {
		c, err := d.peek()
		if err != nil {
			return nil, err
		}
		if c == 'e' {
			d.pos++
			break
		}
		item, err := d.decodeValue()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return &Entry{Kind: KindList, List: items}, nil
}

func (d *decoder) decodeDict() (*Entry, error) {
	d.pos++ // consume 'd'
	dict := make(map[string]*Entry)
	var keys []string
	for {
		c, err := d.peek()
		if err != nil {
			return nil, err
		}
		if c == 'e' {
			d.pos++
			break
		}
		if c < '0' || c > '9' {
			return nil, ErrBadKey
		}
		keyEntry, err := d.decodeString()
		if err != nil {
			return nil, err
		}
		key := string(keyEntry.Str)
		val, err := d.decodeValue()
		if err != nil {
			return nil, err
		}
		if _, dup := dict[key]; dup {
			return nil, errors.Errorf("bencode: duplicate dictionary key %q", key)
		}
		dict[key] = val
		keys = append(keys, key)
	}
	return &Entry{Kind: KindDict, Dict: dict, Keys: keys}, nil
}

// Encode serializes e back to bencode, with dictionary keys in sorted
// byte order as required for canonical re-encoding.
func Encode(e *Entry) []byte {
	var buf bytes.Buffer
	encodeInto(&buf, e)
	return buf.Bytes()
}

func encodeInto(buf *bytes.Buffer, e *Entry) {
	switch e.Kind {
	case KindString:
		buf.WriteString(strconv.Itoa(len(e.Str)))
		buf.WriteByte(':')
		buf.Write(e.Str)
	case KindInt:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(e.Int, 10))
		buf.WriteByte('e')
	case KindList:
		buf.WriteByte('l')
		for _, item := range e.List {
			encodeInto(buf, item)
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		keys := make([]string, 0, len(e.Dict))
		for k := range e.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			encodeInto(buf, &Entry{Kind: KindString, Str: []byte(k)})
			encodeInto(buf, e.Dict[k])
		}
		buf.WriteByte('e')
	}
}

// NewString builds a string Entry, useful for hand-assembling values to
// encode (e.g. tracker requests that embed bencode).
func NewString(s []byte) *Entry { return &Entry{Kind: KindString, Str: s} }

// NewInt builds an integer Entry.
func NewInt(v int64) *Entry { return &Entry{Kind: KindInt, Int: v} }

// NewList builds a list Entry.
func NewList(items []*Entry) *Entry { return &Entry{Kind: KindList, List: items} }

// NewDict builds a dictionary Entry from a plain map.
func NewDict(m map[string]*Entry) *Entry {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return &Entry{Kind: KindDict, Dict: m, Keys: keys}
}
