package udp

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/diamondburned/audiosim/protocol"
)

// sendQueue is the bounded FIFO between Send callers and the send worker.
// Overflow drops the oldest queued AUDIO_DATA packet to admit new audio;
// control packets are dropped on the floor when no audio can be evicted.
// Audio tolerates losing stale frames, control traffic is periodic and
// retried by its senders.
type sendQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []protocol.Packet
	cap    int
	closed bool

	drops atomic.Uint64
}

func newSendQueue(cap int) *sendQueue {
	q := &sendQueue{cap: cap}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// open re-arms a queue that was previously closed by Stop.
func (q *sendQueue) open() {
	q.mu.Lock()
	q.closed = false
	q.queue = q.queue[:0]
	q.mu.Unlock()
}

// push enqueues p, applying the overflow policy. It reports whether p was
// admitted.
func (q *sendQueue) push(p protocol.Packet) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if len(q.queue) >= q.cap {
		if !q.evictOldestAudio() {
			q.drops.Inc()
			return false
		}
	}

	q.queue = append(q.queue, p)
	q.cond.Signal()
	return true
}

// evictOldestAudio removes the oldest queued AUDIO_DATA packet. It reports
// whether a slot was freed.
func (q *sendQueue) evictOldestAudio() bool {
	for i, p := range q.queue {
		if p.Type == protocol.AudioData {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			q.drops.Inc()
			return true
		}
	}
	return false
}

// pop blocks until a packet is available or the queue is closed. The false
// return tells the send worker to exit.
func (q *sendQueue) pop() (protocol.Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.queue) == 0 && !q.closed {
		q.cond.Wait()
	}

	if len(q.queue) == 0 {
		return protocol.Packet{}, false
	}

	p := q.queue[0]
	q.queue = q.queue[1:]
	return p, true
}

// close wakes all waiters; pending packets are still drained by pop.
func (q *sendQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *sendQueue) dropped() uint64 {
	return q.drops.Load()
}
