package accessory

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/diamondburned/audiosim/crypto/cryptotest"
	"github.com/diamondburned/audiosim/internal/backoff"
	"github.com/diamondburned/audiosim/protocol"
)

type recordingSender struct {
	mu      sync.Mutex
	packets []protocol.Packet
}

func (r *recordingSender) Send(p protocol.Packet) bool {
	r.mu.Lock()
	r.packets = append(r.packets, p)
	r.mu.Unlock()
	return true
}

func (r *recordingSender) typed(t protocol.Type) []protocol.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []protocol.Packet
	for _, p := range r.packets {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

type transitionLog struct {
	mu    sync.Mutex
	pairs [][2]protocol.ConnectionState
}

func (l *transitionLog) record(old, new protocol.ConnectionState) {
	l.mu.Lock()
	l.pairs = append(l.pairs, [2]protocol.ConnectionState{old, new})
	l.mu.Unlock()
}

func (l *transitionLog) snapshot() [][2]protocol.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][2]protocol.ConnectionState(nil), l.pairs...)
}

func newTestFSM(t *testing.T) (*FSM, *recordingSender, *transitionLog) {
	t.Helper()

	sender := &recordingSender{}
	log := &transitionLog{}

	f := NewFSM(sender, cryptotest.NewSimulated(7))
	f.OnStateChange = log.record
	f.KeepaliveInterval = 10 * time.Millisecond
	f.ConnectionTimeout = 40 * time.Millisecond
	f.DisconnectQuiesce = 20 * time.Millisecond
	f.reconnect = backoff.New(5*time.Millisecond, 20*time.Millisecond)

	return f, sender, log
}

func waitState(t *testing.T, f *FSM, want protocol.ConnectionState) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}

	t.Fatalf("state stuck at %v, want %v", f.State(), want)
}

func TestHandshake(t *testing.T) {
	f, sender, log := newTestFSM(t)
	f.Start()
	t.Cleanup(f.Stop)

	f.HandlePacket(protocol.NewPacket(protocol.DiscoverRequest))

	if f.State() != protocol.StateDiscovering {
		t.Fatal("discover did not enter DISCOVERING:", f.State())
	}

	resps := sender.typed(protocol.DiscoverResponse)
	if len(resps) != 1 {
		t.Fatal("expected one discover response, got", len(resps))
	}

	var discover protocol.DiscoverPayload
	if err := discover.Unmarshal(resps[0].Payload); err != nil {
		t.Fatal("bad discover payload:", err)
	}
	if !strings.HasPrefix(discover.Name, "AudioSim-") {
		t.Fatal("unexpected device name:", discover.Name)
	}
	if discover.DeviceID != f.DeviceID() {
		t.Fatal("discover payload carries wrong device id")
	}
	if discover.BatteryLevel != 85 {
		t.Fatal("unexpected battery level:", discover.BatteryLevel)
	}

	f.HandlePacket(protocol.NewPacket(protocol.PairRequest))

	if f.State() != protocol.StatePairing {
		t.Fatal("pair did not enter PAIRING:", f.State())
	}

	pairs := sender.typed(protocol.PairResponse)
	if len(pairs) != 1 {
		t.Fatal("expected one pair response, got", len(pairs))
	}

	var pair protocol.PairPayload
	if err := pair.Unmarshal(pairs[0].Payload); err != nil {
		t.Fatal("bad pair payload:", err)
	}
	if pair.DeviceID != f.DeviceID() {
		t.Fatal("pair payload carries wrong device id")
	}
	if pair.PublicKey == ([32]byte{}) {
		t.Fatal("pair payload has zero public key")
	}
	if pair.Nonce == ([16]byte{}) {
		t.Fatal("pair payload has zero nonce")
	}

	f.HandlePacket(protocol.NewPacket(protocol.ConnectRequest))

	if f.State() != protocol.StateConnected {
		t.Fatal("connect did not enter CONNECTED:", f.State())
	}
	if len(sender.typed(protocol.ConnectResponse)) != 1 {
		t.Fatal("missing connect response")
	}

	want := [][2]protocol.ConnectionState{
		{protocol.StateIdle, protocol.StateDiscovering},
		{protocol.StateDiscovering, protocol.StatePairing},
		{protocol.StatePairing, protocol.StateConnected},
	}

	got := log.snapshot()
	if len(got) != len(want) {
		t.Fatalf("got %d transitions, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestKeepaliveEcho(t *testing.T) {
	f, sender, _ := newTestFSM(t)
	f.Start()
	t.Cleanup(f.Stop)

	f.HandlePacket(protocol.NewPacket(protocol.ConnectRequest))
	f.HandlePacket(protocol.NewPacket(protocol.Keepalive))

	if len(sender.typed(protocol.Keepalive)) != 1 {
		t.Fatal("keepalive was not echoed")
	}
}

func TestDisconnectQuiesce(t *testing.T) {
	f, _, _ := newTestFSM(t)
	f.Start()
	t.Cleanup(f.Stop)

	f.HandlePacket(protocol.NewPacket(protocol.ConnectRequest))
	f.HandlePacket(protocol.NewPacket(protocol.Disconnect))

	if f.State() != protocol.StateDisconnecting {
		t.Fatal("disconnect did not enter DISCONNECTING:", f.State())
	}

	waitState(t, f, protocol.StateIdle)
}

func TestKeepaliveTimeout(t *testing.T) {
	f, _, log := newTestFSM(t)
	f.Start()
	t.Cleanup(f.Stop)

	f.HandlePacket(protocol.NewPacket(protocol.ConnectRequest))
	f.EnterStreaming()

	// No keepalives arrive; the watcher must declare loss and fall back
	// to IDLE through ERROR.
	waitState(t, f, protocol.StateIdle)

	var sawError bool
	for _, tr := range log.snapshot() {
		if tr[0] == protocol.StateStreaming && tr[1] == protocol.StateError {
			sawError = true
		}
		if tr[0] == tr[1] {
			t.Fatal("observed self-transition:", tr)
		}
	}
	if !sawError {
		t.Fatal("loss did not pass through ERROR:", log.snapshot())
	}

	if f.reconnect.Attempts() != 1 {
		t.Fatal("expected one reconnect attempt, got", f.reconnect.Attempts())
	}

	// A successful reconnect resets the backoff counter.
	f.HandlePacket(protocol.NewPacket(protocol.ConnectRequest))
	if f.reconnect.Attempts() != 0 {
		t.Fatal("connect did not reset backoff")
	}
}
