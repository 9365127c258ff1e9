package protocol

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Payload sizes on the wire. All typed payloads are packed little-endian
// with fixed layouts.
const (
	DiscoverPayloadSize    = 43 // name[32] + id[8] + caps u16 + battery u8
	PairPayloadSize        = 56 // id[8] + pubkey[32] + nonce[16]
	AudioHeaderSize        = 8  // stream ts u32 + count u16 + encoding u8 + reserved u8
	BatteryPayloadSize     = 12
	DiagnosticsPayloadSize = 26
)

var ErrShortPayload = errors.New("payload too short")

// DiscoverPayload is carried by DISCOVER_RESPONSE.
type DiscoverPayload struct {
	Name         string // truncated to 31 bytes on the wire
	DeviceID     DeviceID
	Capabilities uint16
	BatteryLevel uint8 // 0-100
}

// Marshal appends the wire form of d to b.
func (d *DiscoverPayload) Marshal(b []byte) []byte {
	var name [32]byte
	copy(name[:31], d.Name)

	b = append(b, name[:]...)
	b = append(b, d.DeviceID[:]...)
	b = binary.LittleEndian.AppendUint16(b, d.Capabilities)
	b = append(b, d.BatteryLevel)
	return b
}

// Unmarshal parses the wire form of d from b.
func (d *DiscoverPayload) Unmarshal(b []byte) error {
	if len(b) < DiscoverPayloadSize {
		return ErrShortPayload
	}

	name := b[:32]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	d.Name = string(name)

	copy(d.DeviceID[:], b[32:40])
	d.Capabilities = binary.LittleEndian.Uint16(b[40:42])
	d.BatteryLevel = b[42]
	return nil
}

// PairPayload is carried by both PAIR_REQUEST and PAIR_RESPONSE; the
// protocol is symmetric.
type PairPayload struct {
	DeviceID  DeviceID
	PublicKey [32]byte
	Nonce     [16]byte
}

func (p *PairPayload) Marshal(b []byte) []byte {
	b = append(b, p.DeviceID[:]...)
	b = append(b, p.PublicKey[:]...)
	b = append(b, p.Nonce[:]...)
	return b
}

func (p *PairPayload) Unmarshal(b []byte) error {
	if len(b) < PairPayloadSize {
		return ErrShortPayload
	}

	copy(p.DeviceID[:], b[0:8])
	copy(p.PublicKey[:], b[8:40])
	copy(p.Nonce[:], b[40:56])
	return nil
}

// Audio encodings.
const (
	EncodingPCM16 uint8 = 0
)

// AudioPayload is carried by AUDIO_DATA: a fixed header followed by raw
// samples.
type AudioPayload struct {
	StreamTimestamp uint32 // microseconds since stream start
	SampleCount     uint16
	Encoding        uint8
	Data            []byte
}

func (a *AudioPayload) Marshal(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, a.StreamTimestamp)
	b = binary.LittleEndian.AppendUint16(b, a.SampleCount)
	b = append(b, a.Encoding, 0)
	b = append(b, a.Data...)
	return b
}

func (a *AudioPayload) Unmarshal(b []byte) error {
	if len(b) < AudioHeaderSize {
		return ErrShortPayload
	}

	a.StreamTimestamp = binary.LittleEndian.Uint32(b[0:4])
	a.SampleCount = binary.LittleEndian.Uint16(b[4:6])
	a.Encoding = b[6]

	a.Data = make([]byte, len(b)-AudioHeaderSize)
	copy(a.Data, b[AudioHeaderSize:])
	return nil
}

// BatteryPayload is carried by BATTERY_STATUS.
type BatteryPayload struct {
	Level         uint8 // 0-100
	Charging      bool
	VoltageMV     uint16
	CurrentMA     int16
	TemperatureDC uint16 // 0.1 degC units
	TimeRemaining uint32 // seconds
}

func (p *BatteryPayload) Marshal(b []byte) []byte {
	var charging byte
	if p.Charging {
		charging = 1
	}

	b = append(b, p.Level, charging)
	b = binary.LittleEndian.AppendUint16(b, p.VoltageMV)
	b = binary.LittleEndian.AppendUint16(b, uint16(p.CurrentMA))
	b = binary.LittleEndian.AppendUint16(b, p.TemperatureDC)
	b = binary.LittleEndian.AppendUint32(b, p.TimeRemaining)
	return b
}

func (p *BatteryPayload) Unmarshal(b []byte) error {
	if len(b) < BatteryPayloadSize {
		return ErrShortPayload
	}

	p.Level = b[0]
	p.Charging = b[1] != 0
	p.VoltageMV = binary.LittleEndian.Uint16(b[2:4])
	p.CurrentMA = int16(binary.LittleEndian.Uint16(b[4:6]))
	p.TemperatureDC = binary.LittleEndian.Uint16(b[6:8])
	p.TimeRemaining = binary.LittleEndian.Uint32(b[8:12])
	return nil
}

// DiagnosticsPayload is carried by DIAGNOSTICS.
type DiagnosticsPayload struct {
	PacketsSent          uint32
	PacketsReceived      uint32
	PacketsLost          uint32
	PacketsRetransmitted uint32
	CRCErrors            uint32
	RSSI                 int8  // dBm
	LinkQuality          uint8 // 0-100
	AvgLatencyUS         uint16
	MaxLatencyUS         uint16
}

func (p *DiagnosticsPayload) Marshal(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, p.PacketsSent)
	b = binary.LittleEndian.AppendUint32(b, p.PacketsReceived)
	b = binary.LittleEndian.AppendUint32(b, p.PacketsLost)
	b = binary.LittleEndian.AppendUint32(b, p.PacketsRetransmitted)
	b = binary.LittleEndian.AppendUint32(b, p.CRCErrors)
	b = append(b, byte(p.RSSI), p.LinkQuality)
	b = binary.LittleEndian.AppendUint16(b, p.AvgLatencyUS)
	b = binary.LittleEndian.AppendUint16(b, p.MaxLatencyUS)
	return b
}

func (p *DiagnosticsPayload) Unmarshal(b []byte) error {
	if len(b) < DiagnosticsPayloadSize {
		return ErrShortPayload
	}

	p.PacketsSent = binary.LittleEndian.Uint32(b[0:4])
	p.PacketsReceived = binary.LittleEndian.Uint32(b[4:8])
	p.PacketsLost = binary.LittleEndian.Uint32(b[8:12])
	p.PacketsRetransmitted = binary.LittleEndian.Uint32(b[12:16])
	p.CRCErrors = binary.LittleEndian.Uint32(b[16:20])
	p.RSSI = int8(b[20])
	p.LinkQuality = b[21]
	p.AvgLatencyUS = binary.LittleEndian.Uint16(b[22:24])
	p.MaxLatencyUS = binary.LittleEndian.Uint16(b[24:26])
	return nil
}
