// Package bencode implements the narrow slice of bencoding BTRequestStream
// needs: a flat list of byte strings and integers, never dictionaries and
// never nested lists — every frame is an `l <tag> <int> <bytes>
// <bytes-or-nothing> e`-shaped list. This is not a general bencode library,
// just the minimal codec this wire format actually uses.
package bencode

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformed is returned for any input that does not parse as a flat
// bencoded list of integers and byte strings.
var ErrMalformed = errors.New("bencode: malformed input")

// Item is one element of a decoded list: either an Int or a byte string, as
// reported by IsInt. A byte-string item may have a nil String (Bytes(nil)).
type Item struct {
	Int    int64
	String []byte
	isInt  bool
}

// Integer wraps an int64 into a list Item.
func Integer(v int64) Item { return Item{Int: v, isInt: true} }

// Bytes wraps a byte string into a list Item. The slice is retained, not
// copied; callers that need independent ownership must copy first.
func Bytes(b []byte) Item { return Item{String: b} }

// IsInt reports whether the item holds an integer rather than a string.
func (it Item) IsInt() bool { return it.isInt }

// EncodeList serializes items as a bencoded list: `l` followed by each
// item's encoding, followed by `e`.
func EncodeList(items []Item) []byte {
	out := make([]byte, 0, 32)
	out = append(out, 'l')

	for _, it := range items {
		if it.isInt {
			out = append(out, 'i')
			out = strconv.AppendInt(out, it.Int, 10)
			out = append(out, 'e')
			continue
		}

		out = strconv.AppendInt(out, int64(len(it.String)), 10)
		out = append(out, ':')
		out = append(out, it.String...)
	}

	out = append(out, 'e')

	return out
}

// DecodeList parses a single bencoded list from buf, which must contain
// exactly one list and nothing else (BTRequestStream always decodes a
// length-delimited body in full). Byte-string items reference buf directly.
func DecodeList(buf []byte) ([]Item, error) {
	if len(buf) < 2 || buf[0] != 'l' {
		return nil, ErrMalformed
	}

	items := make([]Item, 0, 4)
	pos := 1

	for {
		if pos >= len(buf) {
			return nil, ErrMalformed
		}

		if buf[pos] == 'e' {
			pos++
			break
		}

		if buf[pos] == 'i' {
			end := indexByte(buf, pos+1, 'e')
			if end < 0 {
				return nil, ErrMalformed
			}

			n, err := strconv.ParseInt(string(buf[pos+1:end]), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: integer: %v", ErrMalformed, err)
			}

			items = append(items, Integer(n))
			pos = end + 1

			continue
		}

		colon := indexByte(buf, pos, ':')
		if colon < 0 {
			return nil, ErrMalformed
		}

		n, err := strconv.ParseInt(string(buf[pos:colon]), 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: string length: %v", ErrMalformed, err)
		}

		start := colon + 1
		stop := start + int(n)
		if stop > len(buf) || stop < start {
			return nil, ErrMalformed
		}

		items = append(items, Bytes(buf[start:stop]))
		pos = stop
	}

	if pos != len(buf) {
		return nil, ErrMalformed
	}

	return items, nil
}

func indexByte(buf []byte, from int, b byte) int {
	for i := from; i < len(buf); i++ {
		if buf[i] == b {
			return i
		}
	}

	return -1
}
