package coap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
)

// Version is the protocol version carried in every message header.
const Version = 1

// MaxTokenLength is the longest token the header can carry.
const MaxTokenLength = 8

// payloadMarker separates the option list from the payload.
const payloadMarker = 0xFF

// Codec errors.
var (
	// ErrBufferTooSmall indicates an append step would overflow the
	// fixed transmit buffer.
	ErrBufferTooSmall = errors.New("coap: buffer too small")

	// ErrTokenTooLong indicates a token over MaxTokenLength bytes.
	ErrTokenTooLong = errors.New("coap: token too long")

	// ErrOptionOrder indicates options appended out of ascending number
	// order, which the delta encoding cannot express.
	ErrOptionOrder = errors.New("coap: option out of order")

	// ErrMalformed indicates an inbound datagram that does not parse.
	ErrMalformed = errors.New("coap: malformed message")
)

// Type is the message type.
type Type uint8

const (
	// Confirmable messages expect an acknowledgement.
	Confirmable Type = 0
	// NonConfirmable messages are best effort.
	NonConfirmable Type = 1
	// Acknowledgement acknowledges a confirmable message.
	Acknowledgement Type = 2
	// Reset rejects a message.
	Reset Type = 3
)

// String returns the type name.
func (t Type) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	default:
		return "UNKNOWN"
	}
}

// Code is the method or response code, packed as class (3 bits) and
// detail (5 bits).
type Code uint8

const (
	// CodeEmpty is the empty message code, used for pings.
	CodeEmpty Code = 0x00
	// CodeGET is the GET request method.
	CodeGET Code = 0x01
	// CodePOST is the POST request method.
	CodePOST Code = 0x02
	// CodePUT is the PUT request method. Data sends always use PUT.
	CodePUT Code = 0x03
	// CodeDELETE is the DELETE request method.
	CodeDELETE Code = 0x04

	// CodeCreated is response 2.01.
	CodeCreated Code = 0x41
	// CodeChanged is response 2.04.
	CodeChanged Code = 0x44
	// CodeContent is response 2.05.
	CodeContent Code = 0x45
)

// Class returns the code class (request = 0, success = 2, ...).
func (c Code) Class() uint8 { return uint8(c) >> 5 }

// Detail returns the code detail.
func (c Code) Detail() uint8 { return uint8(c) & 0x1F }

// String returns the dotted code form, e.g. "2.05".
func (c Code) String() string {
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// Option numbers used by this layer.
const (
	// OptionURIPath addresses the resource (one path segment per option).
	OptionURIPath = 11
)

// Option is one decoded message option.
type Option struct {
	// Number is the option number.
	Number uint16
	// Value is the raw option value.
	Value []byte
}

// Message is one parsed datagram.
//
// Token, option values and Payload are views into the receive buffer the
// datagram was parsed from; they are valid only until the buffer is reused.
type Message struct {
	// Type is the message type.
	Type Type
	// Code is the method or response code.
	Code Code
	// MessageID is the header message ID.
	MessageID uint16
	// Token is the correlation token, 0 to 8 bytes.
	Token []byte
	// Options are the decoded options, in wire order.
	Options []Option
	// Payload is the bytes after the payload marker, nil if absent.
	Payload []byte
}

// messageID is the message-ID counter, seeded randomly so restarts don't
// replay recent IDs.
var messageID atomic.Uint32

func init() {
	messageID.Store(rand.Uint32())
}

// NextMessageID returns the next header message ID.
func NextMessageID() uint16 {
	return uint16(messageID.Add(1))
}

// Builder packs one message into a fixed-capacity buffer. Append steps fail
// with ErrBufferTooSmall instead of growing the buffer; the caller sizes
// the buffer via configuration.
type Builder struct {
	buf     []byte
	off     int
	lastOpt uint16
	marked  bool
}

// NewBuilder starts a message in buf with the 4-byte header and token.
func NewBuilder(buf []byte, typ Type, code Code, id uint16, token []byte) (*Builder, error) {
	if len(token) > MaxTokenLength {
		return nil, ErrTokenTooLong
	}
	if len(buf) < 4+len(token) {
		return nil, ErrBufferTooSmall
	}

	buf[0] = Version<<6 | uint8(typ)<<4 | uint8(len(token))
	buf[1] = uint8(code)
	binary.BigEndian.PutUint16(buf[2:4], id)
	copy(buf[4:], token)

	return &Builder{buf: buf, off: 4 + len(token)}, nil
}

// AppendOption appends one option. Options must be appended in ascending
// number order.
func (b *Builder) AppendOption(number uint16, value []byte) error {
	if b.marked {
		return ErrOptionOrder
	}
	if number < b.lastOpt {
		return ErrOptionOrder
	}

	delta := int(number - b.lastOpt)
	need := 1 + extLen(delta) + extLen(len(value)) + len(value)
	if b.off+need > len(b.buf) {
		return ErrBufferTooSmall
	}

	b.buf[b.off] = nibble(delta)<<4 | nibble(len(value))
	b.off++
	b.off += putExt(b.buf[b.off:], delta)
	b.off += putExt(b.buf[b.off:], len(value))
	copy(b.buf[b.off:], value)
	b.off += len(value)

	b.lastOpt = number
	return nil
}

// AppendPayloadMarker appends the 0xFF marker separating options from
// payload.
func (b *Builder) AppendPayloadMarker() error {
	if b.off+1 > len(b.buf) {
		return ErrBufferTooSmall
	}
	b.buf[b.off] = payloadMarker
	b.off++
	b.marked = true
	return nil
}

// AppendPayload appends the payload bytes. The marker must have been
// appended first.
func (b *Builder) AppendPayload(payload []byte) error {
	if !b.marked {
		return fmt.Errorf("coap: payload appended before marker")
	}
	if b.off+len(payload) > len(b.buf) {
		return ErrBufferTooSmall
	}
	copy(b.buf[b.off:], payload)
	b.off += len(payload)
	return nil
}

// Bytes returns the encoded message view within the buffer.
func (b *Builder) Bytes() []byte {
	return b.buf[:b.off]
}

// Len returns the encoded length so far.
func (b *Builder) Len() int {
	return b.off
}

// nibble maps an option delta/length to its header nibble.
func nibble(v int) uint8 {
	switch {
	case v < 13:
		return uint8(v)
	case v < 269:
		return 13
	default:
		return 14
	}
}

// extLen returns the extended field size for an option delta/length.
func extLen(v int) int {
	switch {
	case v < 13:
		return 0
	case v < 269:
		return 1
	default:
		return 2
	}
}

// putExt writes the extended delta/length field and returns its size.
func putExt(dst []byte, v int) int {
	switch {
	case v < 13:
		return 0
	case v < 269:
		dst[0] = uint8(v - 13)
		return 1
	default:
		binary.BigEndian.PutUint16(dst[:2], uint16(v-269))
		return 2
	}
}

// Parse decodes one datagram. Returned token, option and payload slices are
// views into data.
func Parse(data []byte) (*Message, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: short header", ErrMalformed)
	}
	if data[0]>>6 != Version {
		return nil, fmt.Errorf("%w: version %d", ErrMalformed, data[0]>>6)
	}

	tokenLen := int(data[0] & 0x0F)
	if tokenLen > MaxTokenLength {
		return nil, fmt.Errorf("%w: token length %d", ErrMalformed, tokenLen)
	}
	if len(data) < 4+tokenLen {
		return nil, fmt.Errorf("%w: truncated token", ErrMalformed)
	}

	msg := &Message{
		Type:      Type(data[0] >> 4 & 0x03),
		Code:      Code(data[1]),
		MessageID: binary.BigEndian.Uint16(data[2:4]),
		Token:     data[4 : 4+tokenLen],
	}

	off := 4 + tokenLen
	var number uint16

	for off < len(data) {
		if data[off] == payloadMarker {
			off++
			if off == len(data) {
				return nil, fmt.Errorf("%w: marker without payload", ErrMalformed)
			}
			msg.Payload = data[off:]
			return msg, nil
		}

		deltaN := int(data[off] >> 4)
		lengthN := int(data[off] & 0x0F)
		off++
		if deltaN == 15 || lengthN == 15 {
			return nil, fmt.Errorf("%w: reserved option nibble", ErrMalformed)
		}

		delta, n, err := readExt(data[off:], deltaN)
		if err != nil {
			return nil, err
		}
		off += n

		length, n, err := readExt(data[off:], lengthN)
		if err != nil {
			return nil, err
		}
		off += n

		if off+length > len(data) {
			return nil, fmt.Errorf("%w: truncated option", ErrMalformed)
		}

		number += uint16(delta)
		msg.Options = append(msg.Options, Option{
			Number: number,
			Value:  data[off : off+length],
		})
		off += length
	}

	return msg, nil
}

// readExt decodes an extended delta/length field.
func readExt(data []byte, n int) (int, int, error) {
	switch n {
	case 13:
		if len(data) < 1 {
			return 0, 0, fmt.Errorf("%w: truncated extended field", ErrMalformed)
		}
		return int(data[0]) + 13, 1, nil
	case 14:
		if len(data) < 2 {
			return 0, 0, fmt.Errorf("%w: truncated extended field", ErrMalformed)
		}
		return int(binary.BigEndian.Uint16(data[:2])) + 269, 2, nil
	default:
		return n, 0, nil
	}
}

// URIPath returns the concatenated URI-Path option segments of the message,
// joined with '/'.
func (m *Message) URIPath() string {
	var path []byte
	for _, opt := range m.Options {
		if opt.Number != OptionURIPath {
			continue
		}
		if len(path) > 0 {
			path = append(path, '/')
		}
		path = append(path, opt.Value...)
	}
	return string(path)
}
