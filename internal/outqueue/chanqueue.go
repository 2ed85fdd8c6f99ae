package outqueue

import "sync"

// ChanConfig configures NewChanQueue. The zero value is usable.
type ChanConfig struct {
	// BufferSize bounds how many unread messages ChanQueue holds before
	// OutputMsgstrNowait starts dropping the oldest entry to admit the
	// newest. Defaults to 256, if 0 or ChanConfig is nil.
	BufferSize int
}

// ChanQueue is an in-process Queue backed by a buffered channel, the
// in-memory reference implementation used by agent-side tests and by
// any deployment that wires the agent straight to the same process's
// receive loop rather than a socket (see WireConn for the external
// case). A full buffer makes room by dropping its oldest message,
// consistent with §7's "drop-on-overflow" policy for the warnings FIFO
// and the "must not block" requirement on the out-queue (§4.4, §4.5).
type ChanQueue struct {
	mu     sync.Mutex
	ch     chan message
	closed bool
}

type message struct {
	code int
	msg  string
}

// NewChanQueue returns a ChanQueue configured by cfg (nil for defaults).
func NewChanQueue(cfg *ChanConfig) *ChanQueue {
	size := 256
	if cfg != nil && cfg.BufferSize != 0 {
		size = cfg.BufferSize
	}
	return &ChanQueue{ch: make(chan message, size)}
}

// OutputMsgstrNowait enqueues (code, msg), dropping the oldest buffered
// message if the buffer is full rather than blocking the caller.
func (q *ChanQueue) OutputMsgstrNowait(code int, msg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	m := message{code: code, msg: msg}
	select {
	case q.ch <- m:
		return nil
	default:
	}
	// Buffer full: drop the oldest, then retry once.
	select {
	case <-q.ch:
	default:
	}
	select {
	case q.ch <- m:
	default:
	}
	return nil
}

// Recv blocks until a message is available or the queue is closed, in
// which case ok is false. Intended for tests and in-process consumers.
func (q *ChanQueue) Recv() (code int, msg string, ok bool) {
	m, ok := <-q.ch
	return m.code, m.msg, ok
}

// Close stops further sends and unblocks any pending Recv.
func (q *ChanQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.ch)
	return nil
}
