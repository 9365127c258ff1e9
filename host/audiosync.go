// Package host implements the host-side peer: device discovery and
// pairing, connection keepalive, the jitter-buffered audio playout path,
// and telemetry processing.
package host

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/diamondburned/audiosim/internal/lazytime"
	"github.com/diamondburned/audiosim/protocol"
)

// Debug is the package-wide debug logger. It does nothing by default.
var Debug = func(v ...interface{}) {}

// AudioPacket is one jitter-buffer entry: a decoded audio frame with its
// host arrival time. The Data slice is owned by the buffer until playout
// hands it to the sink.
type AudioPacket struct {
	Sequence        uint32
	StreamTimestamp uint32 // microseconds since accessory stream start
	ReceivedUS      uint64 // host monotonic arrival time
	SampleCount     uint16
	Data            []byte
}

// SyncStats is a snapshot of the playout statistics.
type SyncStats struct {
	PacketsReceived uint64
	PacketsPlayed   uint64
	PacketsDropped  uint64
	PacketsLate     uint64 // reserved
	BufferUnderruns uint64

	CurrentLatencyMS uint32
	AvgLatencyMS     uint32
	MaxLatencyMS     uint32

	TargetSize int
}

// Consecutive playout losses tolerated before the buffer grows.
const lossGrowThreshold = 3

// AudioSync is the sequence-keyed jitter buffer. Ingest inserts decoded
// audio frames keyed by sequence; a sync worker drains them in strictly
// ascending order, waiting out short gaps and advancing past hard losses.
// The target fill level adapts upward under sustained loss.
type AudioSync struct {
	// PlayFunc is the audio sink, called from the sync worker for every
	// played frame. It must be non-blocking or bounded.
	PlayFunc func(AudioPacket)

	// Timing knobs. NewAudioSync sets them to the playout defaults;
	// tests shrink them.
	StartupWait    time.Duration // max wait for initial fill
	LossGrace      time.Duration // arrival silence before a gap is a loss
	Poll           time.Duration // recheck interval for a pending gap
	PacketDuration time.Duration // playout pace per packet

	mu      sync.Mutex
	buffer  map[uint32]AudioPacket
	started bool
	nextSeq uint32

	notify chan struct{}

	targetSize atomic.Int32

	streamStartUS atomic.Uint64
	lastArrivalUS atomic.Uint64
	losses        int

	statsMu sync.Mutex
	stats   SyncStats

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewAudioSync creates a jitter buffer with the default target size.
func NewAudioSync() *AudioSync {
	s := &AudioSync{
		PlayFunc:       func(AudioPacket) {},
		StartupWait:    100 * time.Millisecond,
		LossGrace:      100 * time.Millisecond,
		Poll:           5 * time.Millisecond,
		PacketDuration: protocol.AudioPacketDuration,

		buffer: make(map[uint32]AudioPacket),
		notify: make(chan struct{}, 1),
	}
	s.targetSize.Store(protocol.DefaultJitterBufferPackets)

	return s
}

// TargetSize returns the current target fill level in packets.
func (s *AudioSync) TargetSize() int {
	return int(s.targetSize.Load())
}

// SetTargetSize clamps packets into the allowed range and applies it.
func (s *AudioSync) SetTargetSize(packets int) {
	if packets < protocol.MinJitterBufferPackets {
		packets = protocol.MinJitterBufferPackets
	}
	if packets > protocol.MaxJitterBufferPackets {
		packets = protocol.MaxJitterBufferPackets
	}

	s.targetSize.Store(int32(packets))
	Debug("jitter buffer target set to", packets, "packets")
}

// Start launches the sync worker and opens a new playout epoch.
func (s *AudioSync) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}

	Debug("audio sync starting, target", s.TargetSize(), "packets")

	s.mu.Lock()
	s.buffer = make(map[uint32]AudioPacket)
	s.started = false
	s.nextSeq = 0
	s.mu.Unlock()

	now := protocol.NowUS()
	s.streamStartUS.Store(now)
	s.lastArrivalUS.Store(now)
	s.losses = 0
	s.stop = make(chan struct{})

	s.wg.Add(1)
	go s.syncLoop()
}

// Stop halts the sync worker, joins it and discards buffered audio.
func (s *AudioSync) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	close(s.stop)
	s.wg.Wait()

	s.mu.Lock()
	s.buffer = make(map[uint32]AudioPacket)
	s.mu.Unlock()

	Debug("audio sync stopped")
}

// OnAudioPacket ingests one AUDIO_DATA packet. Duplicate sequences replace
// the prior entry. The call is cheap and never blocks on playout.
func (s *AudioSync) OnAudioPacket(p protocol.Packet) {
	if !s.running.Load() {
		return
	}

	arrival := protocol.NowUS()

	var audio protocol.AudioPayload
	if err := audio.Unmarshal(p.Payload); err != nil {
		return
	}

	entry := AudioPacket{
		Sequence:        p.Sequence,
		StreamTimestamp: audio.StreamTimestamp,
		ReceivedUS:      arrival,
		SampleCount:     audio.SampleCount,
		Data:            audio.Data,
	}

	s.mu.Lock()
	s.buffer[entry.Sequence] = entry
	s.mu.Unlock()

	s.recordArrival(entry, arrival)
	s.lastArrivalUS.Store(arrival)

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *AudioSync) recordArrival(entry AudioPacket, arrivalUS uint64) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	s.stats.PacketsReceived++

	// Observed latency: how far behind the stream clock this frame
	// arrived. Clock offset can make early frames appear negative; those
	// clamp to zero.
	elapsed := arrivalUS - s.streamStartUS.Load()
	var latencyUS uint64
	if elapsed > uint64(entry.StreamTimestamp) {
		latencyUS = elapsed - uint64(entry.StreamTimestamp)
	}

	s.stats.CurrentLatencyMS = uint32(latencyUS / 1000)
	if s.stats.CurrentLatencyMS > s.stats.MaxLatencyMS {
		s.stats.MaxLatencyMS = s.stats.CurrentLatencyMS
	}

	n := s.stats.PacketsReceived
	s.stats.AvgLatencyMS = uint32((uint64(s.stats.AvgLatencyMS)*(n-1) +
		uint64(s.stats.CurrentLatencyMS)) / n)
}

// Stats returns a snapshot of the playout statistics.
func (s *AudioSync) Stats() SyncStats {
	s.statsMu.Lock()
	stats := s.stats
	s.statsMu.Unlock()

	stats.TargetSize = s.TargetSize()
	return stats
}

func (s *AudioSync) syncLoop() {
	defer s.wg.Done()

	var timer lazytime.Timer
	defer timer.Stop()

	// Each declared loss opens a fresh grace window. Measuring silence
	// from the last arrival alone would flush every pending sequence the
	// moment one window expired.
	var lastLossUS uint64

	for s.running.Load() {
		if !s.chooseEpoch(&timer) {
			return
		}

		s.mu.Lock()
		entry, ok := s.buffer[s.nextSeq]
		if ok {
			delete(s.buffer, s.nextSeq)
			s.nextSeq++
			s.mu.Unlock()

			s.play(entry)
			s.losses = 0

			// Consume at stream rate. Draining faster would collapse the
			// buffer's fill and with it the jitter headroom it exists to
			// provide.
			timer.Reset(s.PacketDuration)
			select {
			case <-s.stop:
				return
			case <-timer.C:
			}
			continue
		}
		seq := s.nextSeq
		s.mu.Unlock()

		progress := s.lastArrivalUS.Load()
		if lastLossUS > progress {
			progress = lastLossUS
		}

		sinceProgress := time.Duration(protocol.NowUS()-progress) * time.Microsecond
		if sinceProgress > s.LossGrace {
			// The stream has moved on without this sequence: declare it
			// lost and keep the cadence.
			s.mu.Lock()
			s.nextSeq++
			s.mu.Unlock()

			lastLossUS = protocol.NowUS()
			s.handleLoss(seq)
			continue
		}

		// Not yet due; give the network a moment.
		timer.Reset(s.Poll)
		select {
		case <-s.stop:
			return
		case <-s.notify:
		case <-timer.C:
		}
	}
}

// chooseEpoch blocks during the startup phase until the buffer reaches the
// target fill or the startup wait elapses with packets available, then
// pins the playout epoch to the smallest buffered sequence. It reports
// false when the worker should exit.
func (s *AudioSync) chooseEpoch(timer *lazytime.Timer) bool {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	for {
		deadline := time.Now().Add(s.StartupWait)

		for {
			s.mu.Lock()
			filled := len(s.buffer) >= s.TargetSize()
			if (filled || time.Now().After(deadline)) && len(s.buffer) > 0 {
				s.started = true
				s.nextSeq = s.minSequenceLocked()
				s.mu.Unlock()

				Debug("playback epoch at sequence", s.nextSeq)
				return true
			}
			s.mu.Unlock()

			if time.Now().After(deadline) {
				break
			}

			timer.Reset(time.Until(deadline))
			select {
			case <-s.stop:
				return false
			case <-s.notify:
			case <-timer.C:
			}
		}
	}
}

func (s *AudioSync) minSequenceLocked() uint32 {
	first := true
	var min uint32
	for seq := range s.buffer {
		if first || seq < min {
			min = seq
			first = false
		}
	}
	return min
}

func (s *AudioSync) play(entry AudioPacket) {
	s.PlayFunc(entry)

	s.statsMu.Lock()
	s.stats.PacketsPlayed++
	played := s.stats.PacketsPlayed
	latency := s.stats.CurrentLatencyMS
	s.statsMu.Unlock()

	if played%100 == 0 {
		Debug("played", played, "packets, latency", latency, "ms")
	}
}

func (s *AudioSync) handleLoss(seq uint32) {
	s.statsMu.Lock()
	s.stats.PacketsDropped++
	dropped := s.stats.PacketsDropped
	s.statsMu.Unlock()

	Debug("packet", seq, "lost (total", dropped, ")")

	s.losses++
	if s.losses >= lossGrowThreshold {
		s.growBuffer()
		s.losses = 0
	}
}

// growBuffer widens the target fill by one packet of added latency. At
// the ceiling the adjustment is a no-op; losses keep counting.
func (s *AudioSync) growBuffer() {
	size := s.targetSize.Load()
	if size >= protocol.MaxJitterBufferPackets {
		return
	}

	s.targetSize.Store(size + 1)

	s.statsMu.Lock()
	s.stats.BufferUnderruns++
	s.statsMu.Unlock()

	Debug("jitter buffer grown to", size+1, "packets")
}
