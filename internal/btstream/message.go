// Package btstream implements BTRequestStream: a request/response protocol
// framed as length-prefixed bencoded lists over a single QUIC stream,
// correlating responses by request id and enforcing per-request timeouts
// via a Ticker-driven sweep.
package btstream

import (
	"fmt"
	"weak"

	"github.com/mpretty-cyro/oxen-libquic/internal/bencode"
)

// Kind identifies which of the three frame shapes a Message carries.
type Kind byte

const (
	KindCommand  Kind = 'C'
	KindResponse Kind = 'R'
	KindError    Kind = 'E'
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Message is a parsed frame. Endpoint and Body are views into an owned
// backing buffer; copying or moving a Message must call Rebase against the
// copy's own buffer.
type Message struct {
	Kind  Kind
	ReqID int64

	Endpoint []byte
	Body     []byte

	buf []byte

	endpointOff, endpointLen int
	bodyOff, bodyLen         int

	// stream is a weak back-reference: a handler may stash a Message well
	// past the dispatch call that delivered it, and that must not keep the
	// owning BTRequestStream (and its conn, handlers, pending requests)
	// alive after the caller has otherwise let it go.
	stream weak.Pointer[BTRequestStream]
}

// Rebase recomputes Endpoint and Body against buf, which must hold the same
// bytes (at the same offsets) as the buffer the Message was parsed from.
// Required whenever a Message outlives its original backing buffer.
func (m *Message) Rebase(buf []byte) {
	m.buf = buf
	m.Endpoint = sliceAt(buf, m.endpointOff, m.endpointLen)
	m.Body = sliceAt(buf, m.bodyOff, m.bodyLen)
}

func sliceAt(buf []byte, off, n int) []byte {
	if n == 0 {
		return buf[:0]
	}

	if off < 0 || off+n > len(buf) {
		return nil
	}

	return buf[off : off+n]
}

// Respond sends a Response (isError=false) or Error (isError=true) frame
// back to the peer that issued this Message, using ReqID for correlation.
// Only meaningful for a Message delivered to an endpoint handler; it is a
// no-op returning an error if the owning stream has since closed or been
// collected.
func (m *Message) Respond(body []byte, isError bool) error {
	s := m.stream.Value()
	if s == nil {
		return fmt.Errorf("btstream: message has no owning stream to respond on")
	}

	if isError {
		return s.sendFrame(encodeError(m.ReqID, body))
	}

	return s.sendFrame(encodeResponse(m.ReqID, body))
}

// parseMessage decodes a single frame body (already stripped of its
// decimal-length prefix) into a Message that owns a private copy of body.
func parseMessage(body []byte) (*Message, error) {
	own := append([]byte(nil), body...)

	items, err := bencode.DecodeList(own)
	if err != nil {
		return nil, err
	}

	if len(items) < 3 || items[0].IsInt() || len(items[0].String) != 1 {
		return nil, fmt.Errorf("%w: missing or malformed frame tag", bencode.ErrMalformed)
	}

	kind := Kind(items[0].String[0])
	if kind != KindCommand && kind != KindResponse && kind != KindError {
		return nil, fmt.Errorf("%w: unknown frame tag %q", bencode.ErrMalformed, items[0].String)
	}

	if !items[1].IsInt() {
		return nil, fmt.Errorf("%w: missing req_id", bencode.ErrMalformed)
	}

	m := &Message{Kind: kind, ReqID: items[1].Int}

	switch kind {
	case KindCommand:
		if len(items) != 4 || items[2].IsInt() || items[3].IsInt() {
			return nil, fmt.Errorf("%w: malformed command frame", bencode.ErrMalformed)
		}

		m.endpointOff, m.endpointLen = offsetIn(own, items[2].String), len(items[2].String)
		m.bodyOff, m.bodyLen = offsetIn(own, items[3].String), len(items[3].String)

	default: // Response, Error
		if len(items) != 3 || items[2].IsInt() {
			return nil, fmt.Errorf("%w: malformed response/error frame", bencode.ErrMalformed)
		}

		m.bodyOff, m.bodyLen = offsetIn(own, items[2].String), len(items[2].String)
	}

	m.Rebase(own)

	return m, nil
}

// offsetIn returns the start offset of sub within base, both slices of the
// same underlying array — true here because every sub-slice handed back by
// bencode.DecodeList(own) shares own's backing array.
func offsetIn(base, sub []byte) int {
	return cap(base) - cap(sub)
}

func encodeCommand(reqID int64, endpoint, body []byte) []byte {
	return bencode.EncodeList([]bencode.Item{
		bencode.Bytes([]byte{byte(KindCommand)}),
		bencode.Integer(reqID),
		bencode.Bytes(endpoint),
		bencode.Bytes(body),
	})
}

func encodeResponse(reqID int64, body []byte) []byte {
	return bencode.EncodeList([]bencode.Item{
		bencode.Bytes([]byte{byte(KindResponse)}),
		bencode.Integer(reqID),
		bencode.Bytes(body),
	})
}

func encodeError(reqID int64, body []byte) []byte {
	return bencode.EncodeList([]bencode.Item{
		bencode.Bytes([]byte{byte(KindError)}),
		bencode.Integer(reqID),
		bencode.Bytes(body),
	})
}
