package udp

import (
	"fmt"
	"testing"
	"time"

	"github.com/diamondburned/audiosim/protocol"
)

// pair starts an accessory-side transport on an ephemeral port and a
// host-side transport aimed at it.
func pair(t *testing.T) (acc, host *Transport) {
	t.Helper()

	acc = NewTransport(Config{ListenAddr: "127.0.0.1:0"})
	if err := acc.Start(); err != nil {
		t.Fatal("failed to start accessory transport:", err)
	}
	t.Cleanup(acc.Stop)

	host = NewTransport(Config{PeerAddr: acc.LocalAddr().String()})
	if err := host.Start(); err != nil {
		t.Fatal("failed to start host transport:", err)
	}
	t.Cleanup(host.Stop)

	return acc, host
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("timed out waiting for " + what)
}

func TestRoundTrip(t *testing.T) {
	acc, host := pair(t)

	received := make(chan protocol.Packet, 16)
	acc.SetPacketCallback(func(p protocol.Packet) { received <- p })

	echoed := make(chan protocol.Packet, 16)
	host.SetPacketCallback(func(p protocol.Packet) { echoed <- p })

	// Host speaks first so the accessory can learn its address.
	req := protocol.NewPacket(protocol.DiscoverRequest)
	if !host.Send(req) {
		t.Fatal("host send rejected")
	}

	select {
	case p := <-received:
		if p.Type != protocol.DiscoverRequest {
			t.Fatal("unexpected packet type:", p.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("accessory never received the request")
	}

	// Accessory replies to the learned address.
	resp := protocol.NewPacket(protocol.DiscoverResponse)
	payload := protocol.DiscoverPayload{Name: "AudioSim-TEST", BatteryLevel: 85}
	resp.Payload = payload.Marshal(nil)

	if !acc.Send(resp) {
		t.Fatal("accessory send rejected")
	}

	select {
	case p := <-echoed:
		if p.Type != protocol.DiscoverResponse {
			t.Fatal("unexpected packet type:", p.Type)
		}

		var got protocol.DiscoverPayload
		if err := got.Unmarshal(p.Payload); err != nil {
			t.Fatal("failed to parse discover payload:", err)
		}
		if got.Name != "AudioSim-TEST" || got.BatteryLevel != 85 {
			t.Fatalf("payload mangled in transit: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("host never received the response")
	}
}

func TestAccessoryDropsUntilPeerKnown(t *testing.T) {
	acc := NewTransport(Config{ListenAddr: "127.0.0.1:0"})
	if err := acc.Start(); err != nil {
		t.Fatal("failed to start transport:", err)
	}
	t.Cleanup(acc.Stop)

	// No host has spoken yet; the packet is accepted into the queue but
	// the worker discards it for lack of an address.
	if !acc.Send(protocol.NewPacket(protocol.Keepalive)) {
		t.Fatal("send rejected while running")
	}

	time.Sleep(50 * time.Millisecond)

	if sent := acc.Stats().PacketsSent; sent != 0 {
		t.Fatal("sent packets without a peer:", sent)
	}
}

func TestQueueOverflowPolicy(t *testing.T) {
	q := newSendQueue(4)
	q.open()

	audio := func(seq uint32) protocol.Packet {
		p := protocol.NewPacket(protocol.AudioData)
		p.Sequence = seq
		return p
	}

	for seq := uint32(0); seq < 4; seq++ {
		if !q.push(audio(seq)) {
			t.Fatal("push rejected below capacity")
		}
	}

	// Audio overflow evicts the oldest queued audio packet.
	if !q.push(audio(4)) {
		t.Fatal("audio push rejected at capacity")
	}

	p, _ := q.pop()
	if p.Sequence != 1 {
		t.Fatal("expected sequence 0 to be evicted, head is", p.Sequence)
	}

	// Refill with control traffic only; control overflow drops the new
	// packet once no audio remains to evict.
	q.mu.Lock()
	q.queue = q.queue[:0]
	q.mu.Unlock()

	for i := 0; i < 4; i++ {
		if !q.push(protocol.NewPacket(protocol.Keepalive)) {
			t.Fatal("control push rejected below capacity")
		}
	}

	if q.push(protocol.NewPacket(protocol.Keepalive)) {
		t.Fatal("control push accepted over capacity with no audio to evict")
	}
}

func TestStopJoinsWorkers(t *testing.T) {
	acc, host := pair(t)

	for i := 0; i < 32; i++ {
		p := protocol.NewPacket(protocol.AudioData)
		p.Sequence = uint32(i)
		p.Payload = []byte(fmt.Sprintf("frame %d", i))
		host.Send(p)
	}

	done := make(chan struct{})
	go func() {
		host.Stop()
		acc.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not join workers")
	}

	if host.Send(protocol.NewPacket(protocol.Keepalive)) {
		t.Fatal("send accepted after Stop")
	}
}

func TestCorruptDatagramDropped(t *testing.T) {
	acc, host := pair(t)

	got := make(chan protocol.Packet, 1)
	acc.SetPacketCallback(func(p protocol.Packet) { got <- p })

	// Host learns nothing here; write a garbage datagram straight at the
	// accessory socket.
	if !host.Send(protocol.NewPacket(protocol.Keepalive)) {
		t.Fatal("send rejected")
	}
	<-got

	garbage := make([]byte, 64)
	for i := range garbage {
		garbage[i] = byte(i * 7)
	}
	if _, err := host.conn.WriteToUDP(garbage, host.currentPeer()); err != nil {
		t.Fatal("failed to write garbage:", err)
	}

	waitFor(t, "decode error counter", func() bool {
		return acc.Stats().DecodeErrors >= 1
	})

	select {
	case p := <-got:
		t.Fatal("garbage datagram dispatched as", p.Type)
	default:
	}
}
