package socketserver

import "sync"

// outQueue is the bounded per-subscriber outbound queue. Overflow drops the
// OLDEST frame: a stale pre-authorization envelope is worth less than the
// newest one, and the client resynchronizes via interaction-sync-request
// after detecting a sequence gap.
type outQueue struct {
	mu      sync.Mutex
	max     int
	frames  [][]byte
	notify  chan struct{}
	dropped uint64
}

func newOutQueue(max int) *outQueue {
	return &outQueue{
		max:    max,
		notify: make(chan struct{}, 1),
	}
}

// push appends a frame, dropping the oldest when full. Reports whether a
// frame was dropped.
func (q *outQueue) push(frame []byte) bool {
	q.mu.Lock()
	droppedOldest := false
	if len(q.frames) >= q.max {
		q.frames = q.frames[1:]
		q.dropped++
		droppedOldest = true
	}
	q.frames = append(q.frames, frame)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return droppedOldest
}

// pop removes and returns the oldest frame in FIFO order.
func (q *outQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	q.frames = q.frames[1:]
	return frame, true
}

func (q *outQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *outQueue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
