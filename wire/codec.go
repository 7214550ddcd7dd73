package wire

import (
	"encoding/base64"
	"errors"
	"strings"
)

// recordSeparator delimits packets inside a concatenated polling
// payload, per the Engine.IO v4 wire protocol.
const recordSeparator = '\x1e'

var typeCode = map[Type]byte{
	Open:    '0',
	Close:   '1',
	Ping:    '2',
	Pong:    '3',
	Message: '4',
	Upgrade: '5',
	Noop:    '6',
}

var codeType = map[byte]Type{
	'0': Open,
	'1': Close,
	'2': Ping,
	'3': Pong,
	'4': Message,
	'5': Upgrade,
	'6': Noop,
}

// ErrParse is returned by DecodePacket/DecodePayload on malformed wire
// bytes, and by EncodePacket for an unknown packet type.
// Callers map it to the distinguished Error packet type and treat the
// session as unrecoverable.
var ErrParse = errors.New("wire: parse error")

// Codec is the external packet-codec collaborator: a pure function pair
// translating between wire bytes and Packet values. Transports consume
// it through this interface and never assume a particular wire format.
type Codec interface {
	EncodePacket(p *Packet, supportsBinary bool) (string, error)
	DecodePacket(data string) (*Packet, error)
	EncodePayload(packets []*Packet, supportsBinary bool) (string, error)
	DecodePayload(data string) ([]*Packet, error)
}

// DefaultCodec implements the Engine.IO v4 text/base64 packet codec.
type DefaultCodec struct{}

// NewCodec returns the default wire codec.
func NewCodec() Codec { return DefaultCodec{} }

// EncodePacket renders p in its text wire form: the type digit followed
// by Data. A Binary packet's Data holds raw bytes; it is written as 'b'
// followed by the standard base64 of those bytes, whatever supportsBinary
// says.
func (DefaultCodec) EncodePacket(p *Packet, supportsBinary bool) (string, error) {
	code, ok := typeCode[p.Type]
	if !ok {
		return "", ErrParse
	}
	if p.Binary {
		if supportsBinary {
			// Caller is expected to send this as a raw binary WS frame;
			// for payload/text contexts we still need a textual form.
			return "b" + base64.StdEncoding.EncodeToString([]byte(p.Data)), nil
		}
		return "b" + base64.StdEncoding.EncodeToString([]byte(p.Data)), nil
	}
	var b strings.Builder
	b.WriteByte(code)
	b.WriteString(p.Data)
	return b.String(), nil
}

func (DefaultCodec) DecodePacket(data string) (*Packet, error) {
	if len(data) == 0 {
		return nil, ErrParse
	}
	if data[0] == 'b' {
		raw, err := base64.StdEncoding.DecodeString(data[1:])
		if err != nil {
			return nil, ErrParse
		}
		return &Packet{Type: Message, Data: string(raw), Binary: true}, nil
	}
	t, ok := codeType[data[0]]
	if !ok {
		return nil, ErrParse
	}
	return &Packet{Type: t, Data: data[1:]}, nil
}

func (c DefaultCodec) EncodePayload(packets []*Packet, supportsBinary bool) (string, error) {
	encoded := make([]string, 0, len(packets))
	for _, p := range packets {
		e, err := c.EncodePacket(p, supportsBinary)
		if err != nil {
			return "", err
		}
		encoded = append(encoded, e)
	}
	return strings.Join(encoded, string(recordSeparator)), nil
}

func (c DefaultCodec) DecodePayload(data string) ([]*Packet, error) {
	if data == "" {
		return nil, nil
	}
	parts := strings.Split(data, string(recordSeparator))
	packets := make([]*Packet, 0, len(parts))
	for _, part := range parts {
		p, err := c.DecodePacket(part)
		if err != nil {
			return nil, err
		}
		packets = append(packets, p)
	}
	return packets, nil
}
