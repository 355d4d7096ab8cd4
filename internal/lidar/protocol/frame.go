// Package protocol implements the framed command protocol the sensors
// speak on their command, push and log planes: a fixed 24-byte header with
// a CRC-16 over the header prefix and a CRC-32 over the payload, plus the
// key/length/value parameter encoding most commands carry.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// SOF is the start-of-frame marker.
	SOF = 0xAA
	// Version is the protocol version written into outgoing frames.
	Version = 0

	// HeaderSize is the fixed header length including both CRC fields.
	HeaderSize = 24
	// MaxPayloadSize bounds the payload of a single command frame.
	MaxPayloadSize = 1400

	offLength   = 2
	offSeq      = 4
	offCmdID    = 8
	offCmdType  = 10
	offSender   = 11
	offCRC16    = 18
	offCRC32    = 20
)

// CmdType distinguishes requests from their acknowledgements.
type CmdType uint8

const (
	// CmdTypeCmd is a request that requires an ack from the receiver.
	CmdTypeCmd CmdType = 0
	// CmdTypeAck acknowledges a request, echoing its sequence number.
	CmdTypeAck CmdType = 1
)

// SenderType records which side of the link produced a frame.
type SenderType uint8

const (
	// SenderHost marks frames produced by this SDK.
	SenderHost SenderType = 0
	// SenderDevice marks frames produced by a sensor.
	SenderDevice SenderType = 1
)

// Parse rejection reasons. Ingress logs these and drops the datagram.
var (
	ErrTruncated      = errors.New("protocol: datagram shorter than header")
	ErrBadSOF         = errors.New("protocol: bad start-of-frame byte")
	ErrBadLength      = errors.New("protocol: declared length exceeds datagram")
	ErrHeaderCRC      = errors.New("protocol: header crc16 mismatch")
	ErrPayloadCRC     = errors.New("protocol: payload crc32 mismatch")
	ErrPayloadTooBig  = fmt.Errorf("protocol: payload exceeds %d bytes", MaxPayloadSize)
)

// Packet is the logical content of one command frame.
type Packet struct {
	Version uint8
	Seq     uint32
	CmdID   CommandID
	CmdType CmdType
	Sender  SenderType
	// Payload references the caller's buffer on parse; callers that retain
	// it past the datagram's lifetime must copy.
	Payload []byte
}

// Marshal frames the packet: header fields, CRC-16 over the header prefix,
// payload, CRC-32 over the payload. All outgoing frames are produced here.
func (p *Packet) Marshal() ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, ErrPayloadTooBig
	}
	buf := make([]byte, HeaderSize+len(p.Payload))
	buf[0] = SOF
	buf[1] = p.Version
	binary.LittleEndian.PutUint16(buf[offLength:], uint16(len(buf)))
	binary.LittleEndian.PutUint32(buf[offSeq:], p.Seq)
	binary.LittleEndian.PutUint16(buf[offCmdID:], uint16(p.CmdID))
	buf[offCmdType] = byte(p.CmdType)
	buf[offSender] = byte(p.Sender)
	binary.LittleEndian.PutUint16(buf[offCRC16:], CRC16(buf[:offCRC16]))
	copy(buf[HeaderSize:], p.Payload)
	binary.LittleEndian.PutUint32(buf[offCRC32:], CRC32(p.Payload))
	return buf, nil
}

// Parse validates a received datagram and returns its logical packet. The
// returned payload is a view into buf. Any validation failure rejects the
// whole datagram with no partial state.
func Parse(buf []byte) (Packet, error) {
	if len(buf) < HeaderSize {
		return Packet{}, ErrTruncated
	}
	if buf[0] != SOF {
		return Packet{}, ErrBadSOF
	}
	length := int(binary.LittleEndian.Uint16(buf[offLength:]))
	if length < HeaderSize || length > len(buf) {
		return Packet{}, ErrBadLength
	}
	if CRC16(buf[:offCRC16]) != binary.LittleEndian.Uint16(buf[offCRC16:]) {
		return Packet{}, ErrHeaderCRC
	}
	payload := buf[HeaderSize:length]
	if CRC32(payload) != binary.LittleEndian.Uint32(buf[offCRC32:]) {
		return Packet{}, ErrPayloadCRC
	}
	return Packet{
		Version: buf[1],
		Seq:     binary.LittleEndian.Uint32(buf[offSeq:]),
		CmdID:   CommandID(binary.LittleEndian.Uint16(buf[offCmdID:])),
		CmdType: CmdType(buf[offCmdType]),
		Sender:  SenderType(buf[offSender]),
		Payload: payload,
	}, nil
}
