// Package protocol implements the framed datagram protocol spoken between a
// wireless audio accessory and its host: the packed little-endian packet
// layout, the additive folded checksum, and the typed payloads carried by
// each packet kind.
package protocol

import "time"

// Version is the protocol version carried in every packet header.
const Version uint16 = 0x0100

// Type is the packet type code.
type Type uint8

const (
	// Connection management.
	DiscoverRequest  Type = 0x01
	DiscoverResponse Type = 0x02
	PairRequest      Type = 0x10
	PairResponse     Type = 0x11
	ConnectRequest   Type = 0x12
	ConnectResponse  Type = 0x13
	Disconnect       Type = 0x14
	Keepalive        Type = 0x15

	// Audio streaming.
	AudioData       Type = 0x20
	AudioAck        Type = 0x21
	AudioRetransmit Type = 0x22

	// Telemetry.
	BatteryStatus Type = 0x30
	Diagnostics   Type = 0x31

	// Security. Reserved: decoded but never originated.
	KeyExchange     Type = 0x40
	EncryptedPacket Type = 0x41
)

func (t Type) String() string {
	switch t {
	case DiscoverRequest:
		return "DISCOVER_REQUEST"
	case DiscoverResponse:
		return "DISCOVER_RESPONSE"
	case PairRequest:
		return "PAIR_REQUEST"
	case PairResponse:
		return "PAIR_RESPONSE"
	case ConnectRequest:
		return "CONNECT_REQUEST"
	case ConnectResponse:
		return "CONNECT_RESPONSE"
	case Disconnect:
		return "DISCONNECT"
	case Keepalive:
		return "KEEPALIVE"
	case AudioData:
		return "AUDIO_DATA"
	case AudioAck:
		return "AUDIO_ACK"
	case AudioRetransmit:
		return "AUDIO_RETRANSMIT"
	case BatteryStatus:
		return "BATTERY_STATUS"
	case Diagnostics:
		return "DIAGNOSTICS"
	case KeyExchange:
		return "KEY_EXCHANGE"
	case EncryptedPacket:
		return "ENCRYPTED_PACKET"
	default:
		return "UNKNOWN"
	}
}

// Flags is the packet header flag bitset.
type Flags uint8

const (
	FlagEncrypted   Flags = 0x01
	FlagPriority    Flags = 0x02
	FlagAckRequired Flags = 0x04
	FlagRetransmit  Flags = 0x08
)

// Has returns true if all bits in other are set in f.
func (f Flags) Has(other Flags) bool {
	return f&other == other
}

// ConnectionState is the accessory connection state.
type ConnectionState uint8

const (
	StateIdle          ConnectionState = 0
	StateDiscovering   ConnectionState = 1
	StatePairing       ConnectionState = 2
	StateConnected     ConnectionState = 3
	StateStreaming     ConnectionState = 4
	StateDisconnecting ConnectionState = 5
	StateError         ConnectionState = 0xFF
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateDiscovering:
		return "DISCOVERING"
	case StatePairing:
		return "PAIRING"
	case StateConnected:
		return "CONNECTED"
	case StateStreaming:
		return "STREAMING"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Audio configuration.
const (
	AudioSampleRate       = 48000 // Hz
	AudioPacketDurationMS = 10
	AudioPacketDuration   = AudioPacketDurationMS * time.Millisecond
	AudioSamplesPerPacket = AudioSampleRate * AudioPacketDurationMS / 1000 // 480
	AudioBytesPerSample   = 2                                              // 16-bit PCM
	AudioPacketBytes      = AudioSamplesPerPacket * AudioBytesPerSample    // 960
)

// Latency constraints, informational.
const (
	TargetLatency = 30 * time.Millisecond
	MaxLatency    = 50 * time.Millisecond
)

// Jitter buffer bounds, in packets.
const (
	MinJitterBufferPackets     = 2
	MaxJitterBufferPackets     = 4
	DefaultJitterBufferPackets = 3
)

// Timing.
const (
	KeepaliveInterval  = 1000 * time.Millisecond
	ConnectionTimeout  = 5000 * time.Millisecond
	ReconnectBaseDelay = 100 * time.Millisecond
	ReconnectMaxDelay  = 5000 * time.Millisecond
)

// DeviceID is the 8-byte unique accessory identifier exchanged during
// discovery and pairing.
type DeviceID [8]byte

func (id DeviceID) String() string {
	const hexdigits = "0123456789ABCDEF"

	var s [len(id)*2 + len(id) - 1]byte
	for i, b := range id {
		if i > 0 {
			s[i*3-1] = ':'
		}
		s[i*3] = hexdigits[b>>4]
		s[i*3+1] = hexdigits[b&0xF]
	}
	return string(s[:])
}

var epoch = time.Now()

// NowUS returns a monotonic microsecond timestamp. The zero point is
// process-local; timestamps are only ever compared within one peer.
func NowUS() uint64 {
	return uint64(time.Since(epoch) / time.Microsecond)
}
