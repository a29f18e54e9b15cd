package transport

import (
	"sync"
	"time"

	"github.com/callzhang/hypo/internal/wire"
)

// QueueCap and DropBatch bound the send queue: cap 100; on overflow the
// oldest entries are dropped, up to DropBatch at a time, never more than
// the excess over cap.
const (
	QueueCap  = 100
	DropBatch = 10
)

// QueuedMessage is one outbound envelope awaiting delivery.
type QueuedMessage struct {
	ID         string
	Envelope   wire.SyncEnvelope
	Bytes      []byte
	QueuedAt   time.Time
	RetryCount int
}

// sendQueue is a bounded FIFO that, on overflow, drops the oldest entries
// (at most DropBatch per push, never more than the excess over cap) instead
// of blocking the producer or rejecting the newest item.
type sendQueue struct {
	mu       sync.Mutex
	items    []*QueuedMessage
	cap      int
	dropped  uint64
	notifyCh chan struct{}
}

func newSendQueue(cap int) *sendQueue {
	return &sendQueue{cap: cap, notifyCh: make(chan struct{}, 1)}
}

func (q *sendQueue) push(m *QueuedMessage) {
	q.mu.Lock()
	q.items = append(q.items, m)
	if len(q.items) > q.cap {
		excess := len(q.items) - q.cap
		drop := DropBatch
		if drop > excess {
			drop = excess
		}
		q.items = q.items[drop:]
		q.dropped += uint64(drop)
	}
	q.mu.Unlock()
	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

// pop removes and returns the oldest item, or nil if empty.
func (q *sendQueue) pop() *QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m
}

// requeueFront puts m back at the head of the queue, used on transient
// send failures so retry ordering is preserved.
func (q *sendQueue) requeueFront(m *QueuedMessage) {
	q.mu.Lock()
	q.items = append([]*QueuedMessage{m}, q.items...)
	q.mu.Unlock()
	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

func (q *sendQueue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
