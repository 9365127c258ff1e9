package protocol

import (
	"bytes"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"pgregory.net/rapid"
)

func mustEncode(t *testing.T, p Packet) []byte {
	t.Helper()

	buf := make([]byte, MaxPacketSize)
	n, err := p.Encode(buf)
	if err != nil {
		t.Fatal("failed to encode:", err)
	}
	return buf[:n]
}

func TestChecksumKnownValue(t *testing.T) {
	// A packet with every header byte zero except version sums to the
	// version bytes alone.
	p := Packet{Version: 0x0100, Type: 0}
	if got := p.Checksum(); got != 0x0001 {
		t.Fatalf("got checksum %#04x, want 0x0001", got)
	}

	p.Payload = []byte{0xFF, 0x01}
	// version byte 0x01 + length byte 0x02 + payload 0xFF + 0x01.
	if got := p.Checksum(); got != 0x0103 {
		t.Fatalf("unexpected checksum %#04x", got)
	}
}

func TestChecksumFolding(t *testing.T) {
	// Enough 0xFF payload bytes to push the 32-bit sum past 16 bits; the
	// high half must fold into the low half exactly once.
	p := Packet{Version: Version, Type: AudioData}
	p.Payload = bytes.Repeat([]byte{0xFF}, 1024)

	var sum uint32
	var hdr [checksumOffset]byte
	p.putHeader(hdr[:])
	for _, b := range hdr {
		sum += uint32(b)
	}
	for _, b := range p.Payload {
		sum += uint32(b)
	}

	want := uint16((sum & 0xFFFF) + (sum >> 16))
	if got := p.Checksum(); got != want {
		t.Fatalf("got %#04x, want %#04x", got, want)
	}
}

func TestRoundTrip(t *testing.T) {
	audio := AudioPayload{
		StreamTimestamp: 123456,
		SampleCount:     AudioSamplesPerPacket,
		Encoding:        EncodingPCM16,
		Data:            bytes.Repeat([]byte{0x55, 0xAA}, AudioSamplesPerPacket),
	}

	p := NewPacket(AudioData)
	p.Sequence = 42
	p.Flags = FlagAckRequired
	p.Payload = audio.Marshal(nil)

	wire := mustEncode(t, p)

	got, err := Decode(wire)
	if err != nil {
		t.Fatal("failed to decode:", err)
	}

	if got.Type != AudioData || got.Sequence != 42 || !got.Flags.Has(FlagAckRequired) {
		t.Fatal("header fields lost:\n" + spew.Sdump(got))
	}

	if !bytes.Equal(got.Payload, p.Payload) {
		t.Fatal("payload mismatch")
	}

	if got.TotalSize() > len(wire) {
		t.Fatal("decoded size exceeds datagram size")
	}

	// Re-encoding the decoded packet must reproduce the wire bytes.
	rewire := mustEncode(t, got)
	if !bytes.Equal(wire, rewire) {
		t.Fatal("re-encode diverged from original bytes")
	}
}

func TestPayloadBounds(t *testing.T) {
	empty := Packet{Version: Version, Type: Keepalive}
	wire := mustEncode(t, empty)
	if len(wire) != HeaderSize {
		t.Fatal("empty payload should encode to a bare header")
	}
	if _, err := Decode(wire); err != nil {
		t.Fatal("empty payload failed to round-trip:", err)
	}

	full := Packet{Version: Version, Type: AudioData}
	full.Payload = make([]byte, MaxPayloadSize)
	wire = mustEncode(t, full)
	if len(wire) != MaxPacketSize {
		t.Fatal("full payload should encode to MaxPacketSize")
	}
	if _, err := Decode(wire); err != nil {
		t.Fatal("full payload failed to round-trip:", err)
	}

	over := Packet{Version: Version, Type: AudioData}
	over.Payload = make([]byte, MaxPayloadSize+1)
	if _, err := over.Encode(make([]byte, MaxPacketSize+1)); err != ErrPayloadTooLarge {
		t.Fatal("oversize payload encoded:", err)
	}
}

func TestDecodeRejections(t *testing.T) {
	p := Packet{Version: Version, Type: AudioData, Sequence: 7}
	p.Payload = []byte("some pcm")
	wire := mustEncode(t, p)

	if _, err := Decode(wire[:HeaderSize-1]); err != ErrShortBuffer {
		t.Fatal("short buffer accepted:", err)
	}

	// Truncated payload: header claims more bytes than delivered.
	if _, err := Decode(wire[:len(wire)-1]); err != ErrTruncated {
		t.Fatal("truncated datagram accepted:", err)
	}
}

func TestBitFlipFailsDecode(t *testing.T) {
	p := Packet{Version: Version, Type: AudioData, Sequence: 99}
	p.Payload = []byte{1, 2, 3, 4, 5}
	wire := mustEncode(t, p)

	for i := 0; i < len(wire)*8; i++ {
		flipped := append([]byte(nil), wire...)
		flipped[i/8] ^= 1 << (i % 8)

		if _, err := Decode(flipped); err == nil {
			t.Fatalf("bit flip at %d decoded successfully", i)
		}
	}
}

func TestRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := Packet{
			Version:     rapid.Uint16().Draw(t, "version"),
			Type:        Type(rapid.Uint8().Draw(t, "type")),
			Flags:       Flags(rapid.Uint8().Draw(t, "flags")),
			Sequence:    rapid.Uint32().Draw(t, "sequence"),
			TimestampUS: rapid.Uint32().Draw(t, "timestamp"),
			Payload:     rapid.SliceOfN(rapid.Byte(), 0, MaxPayloadSize).Draw(t, "payload"),
		}

		buf := make([]byte, MaxPacketSize)
		n, err := p.Encode(buf)
		if err != nil {
			t.Fatal("encode failed:", err)
		}

		got, err := Decode(buf[:n])
		if err != nil {
			t.Fatal("decode failed:", err)
		}

		if got.Version != p.Version || got.Type != p.Type || got.Flags != p.Flags ||
			got.Sequence != p.Sequence || got.TimestampUS != p.TimestampUS ||
			!bytes.Equal(got.Payload, p.Payload) {
			t.Fatal("round trip lost data:\n" + spew.Sdump(p, got))
		}
	})
}
