// Package wire implements the BitTorrent peer wire protocol vocabulary
// named in spec.md §6: message IDs, payload encode/decode, and the
// length-prefixed frame reader/writer. This package turns bytes into
// *Message values and back; it does not build internal/scheduler.Event
// values from them.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/kdriss/burrow/internal/errs"
)

// MessageID identifies a peer wire message (spec.md §6).
type MessageID uint8

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
)

// MaxBlockLength is the largest block we will ever request or serve
// (spec.md §6: "We never send a REQUEST for more than 16 KiB; we serve
// REQUESTs up to 16 KiB and reject larger").
const MaxBlockLength = 16 * 1024

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Message is a single length-prefixed peer protocol frame. A nil *Message
// denotes a keep-alive.
type Message struct {
	ID      MessageID
	Payload []byte
}

// IsKeepAlive reports whether m is a keep-alive frame.
func IsKeepAlive(m *Message) bool { return m == nil }

func MessageChoke() *Message         { return &Message{ID: Choke} }
func MessageUnchoke() *Message       { return &Message{ID: Unchoke} }
func MessageInterested() *Message    { return &Message{ID: Interested} }
func MessageNotInterested() *Message { return &Message{ID: NotInterested} }

func MessageHave(index uint32) *Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, index)
	return &Message{ID: Have, Payload: p}
}

func MessageBitfield(bits []byte) *Message {
	return &Message{ID: Bitfield, Payload: append([]byte(nil), bits...)}
}

func MessageRequest(index, begin, length uint32) *Message {
	p := make([]byte, 12)
	binary.BigEndian.PutUint32(p[0:4], index)
	binary.BigEndian.PutUint32(p[4:8], begin)
	binary.BigEndian.PutUint32(p[8:12], length)
	return &Message{ID: Request, Payload: p}
}

func MessagePiece(index, begin uint32, block []byte) *Message {
	p := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(p[0:4], index)
	binary.BigEndian.PutUint32(p[4:8], begin)
	copy(p[8:], block)
	return &Message{ID: Piece, Payload: p}
}

func MessageCancel(index, begin, length uint32) *Message {
	p := make([]byte, 12)
	binary.BigEndian.PutUint32(p[0:4], index)
	binary.BigEndian.PutUint32(p[4:8], begin)
	binary.BigEndian.PutUint32(p[8:12], length)
	return &Message{ID: Cancel, Payload: p}
}

// ParseHave decodes a Have payload.
func (m *Message) ParseHave() (index uint32, ok bool) {
	if m == nil || m.ID != Have || len(m.Payload) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.Payload), true
}

// ParseRequest decodes a Request or Cancel payload.
func (m *Message) ParseRequest() (index, begin, length uint32, ok bool) {
	if m == nil || (m.ID != Request && m.ID != Cancel) || len(m.Payload) != 12 {
		return 0, 0, 0, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		binary.BigEndian.Uint32(m.Payload[8:12]),
		true
}

// ParsePiece decodes a Piece payload into its header fields and block data.
// The returned slice aliases m.Payload.
func (m *Message) ParsePiece() (index, begin uint32, block []byte, ok bool) {
	if m == nil || m.ID != Piece || len(m.Payload) < 8 {
		return 0, 0, nil, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		m.Payload[8:],
		true
}

// Validate rejects malformed or oversize messages per spec.md §6/§7.
func (m *Message) Validate() error {
	if m == nil {
		return nil
	}

	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		if len(m.Payload) != 0 {
			return errs.New(errs.Protocol, "unexpected payload on flag message")
		}
	case Have:
		if len(m.Payload) != 4 {
			return errs.New(errs.Protocol, "malformed have message")
		}
	case Request, Cancel:
		if len(m.Payload) != 12 {
			return errs.New(errs.Protocol, "malformed request/cancel message")
		}
		_, _, length, _ := m.ParseRequest()
		if length > MaxBlockLength {
			return errs.New(errs.Protocol, "request exceeds maximum block length")
		}
	case Piece:
		if len(m.Payload) < 8 {
			return errs.New(errs.Protocol, "malformed piece message")
		}
		if len(m.Payload)-8 > MaxBlockLength {
			return errs.New(errs.Protocol, "piece block exceeds maximum block length")
		}
	default:
		return errs.New(errs.Protocol, "unknown message id")
	}

	return nil
}

// ReadMessage reads one frame from r, normalizing keep-alive to nil.
func ReadMessage(r io.Reader) (*Message, error) {
	var lp [4]byte
	if _, err := io.ReadFull(r, lp[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lp[:])
	if length == 0 {
		return nil, nil
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	m := &Message{ID: MessageID(buf[0]), Payload: buf[1:]}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// WriteMessage writes m to w. A nil m writes a keep-alive frame.
func WriteMessage(w io.Writer, m *Message) error {
	if m == nil {
		_, err := w.Write([]byte{0, 0, 0, 0})
		return err
	}

	length := 1 + len(m.Payload)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)

	_, err := w.Write(buf)
	return err
}
