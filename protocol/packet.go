package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Packet sizes. The header layout is packed with no implicit padding:
//
//	version   u16
//	type      u8
//	flags     u8
//	sequence  u32
//	timestamp u32
//	length    u16
//	checksum  u16
const (
	HeaderSize     = 16
	checksumOffset = 14 // checksum is the last header field

	MaxPacketSize  = 2048
	MaxPayloadSize = MaxPacketSize - HeaderSize
)

var (
	ErrShortBuffer     = errors.New("buffer too short for packet")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
	ErrTruncated       = errors.New("datagram shorter than payload length")
	ErrBadChecksum     = errors.New("checksum mismatch")
)

// Packet is a single protocol datagram. It is a short-lived value type:
// built by the sender, encoded into a wire buffer, and decoded back into a
// value on the receiver. Sequence is meaningful only for AUDIO_DATA.
type Packet struct {
	Version     uint16
	Type        Type
	Flags       Flags
	Sequence    uint32
	TimestampUS uint32 // sender send time, low 32 bits of microseconds
	Payload     []byte
}

// NewPacket returns a packet of the given type stamped with the current
// send time.
func NewPacket(t Type) Packet {
	return Packet{
		Version:     Version,
		Type:        t,
		TimestampUS: uint32(NowUS()),
	}
}

// TotalSize returns the encoded size of the packet in bytes.
func (p *Packet) TotalSize() int {
	return HeaderSize + len(p.Payload)
}

// putHeader writes the header into b sans checksum. b must hold at least
// HeaderSize bytes.
func (p *Packet) putHeader(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], p.Version)
	b[2] = byte(p.Type)
	b[3] = byte(p.Flags)
	binary.LittleEndian.PutUint32(b[4:8], p.Sequence)
	binary.LittleEndian.PutUint32(b[8:12], p.TimestampUS)
	binary.LittleEndian.PutUint16(b[12:14], uint16(len(p.Payload)))
}

// Checksum computes the header+payload checksum: all bytes of the encoded
// header up to the checksum field plus all payload bytes are summed as
// unsigned 32-bit additions, then the high half is folded into the low half
// once.
func (p *Packet) Checksum() uint16 {
	var hdr [checksumOffset]byte
	p.putHeader(hdr[:])

	var sum uint32
	for _, b := range hdr {
		sum += uint32(b)
	}
	for _, b := range p.Payload {
		sum += uint32(b)
	}

	return uint16((sum & 0xFFFF) + (sum >> 16))
}

// Encode serializes the packet into b, populating the checksum field, and
// returns the number of bytes written. It fails if the payload exceeds
// MaxPayloadSize or b cannot hold the whole packet.
func (p *Packet) Encode(b []byte) (int, error) {
	if len(p.Payload) > MaxPayloadSize {
		return 0, ErrPayloadTooLarge
	}
	if len(b) < p.TotalSize() {
		return 0, ErrShortBuffer
	}

	p.putHeader(b)
	binary.LittleEndian.PutUint16(b[checksumOffset:HeaderSize], p.Checksum())
	copy(b[HeaderSize:], p.Payload)

	return p.TotalSize(), nil
}

// Decode parses a single datagram into a packet. The payload is copied out
// of b, so the caller may reuse the buffer. Decoding fails if the buffer is
// shorter than the header, if the payload length field exceeds
// MaxPayloadSize or overruns the datagram, or if the checksum does not
// verify.
func Decode(b []byte) (Packet, error) {
	if len(b) < HeaderSize {
		return Packet{}, ErrShortBuffer
	}

	p := Packet{
		Version:     binary.LittleEndian.Uint16(b[0:2]),
		Type:        Type(b[2]),
		Flags:       Flags(b[3]),
		Sequence:    binary.LittleEndian.Uint32(b[4:8]),
		TimestampUS: binary.LittleEndian.Uint32(b[8:12]),
	}

	length := binary.LittleEndian.Uint16(b[12:14])
	if int(length) > MaxPayloadSize {
		return Packet{}, ErrPayloadTooLarge
	}
	if len(b) < HeaderSize+int(length) {
		return Packet{}, ErrTruncated
	}

	if length > 0 {
		p.Payload = make([]byte, length)
		copy(p.Payload, b[HeaderSize:HeaderSize+int(length)])
	}

	if binary.LittleEndian.Uint16(b[checksumOffset:HeaderSize]) != p.Checksum() {
		return Packet{}, ErrBadChecksum
	}

	return p, nil
}
