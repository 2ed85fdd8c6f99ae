// Package outqueue implements §6's out-queue protocol: a single method,
// output_msgstr_nowait(code, msg), that both A4 (lock monitor) and A5
// (trace profiler) use to stream text back to the controller without
// blocking the caller on delivery.
package outqueue

import "errors"

// Message codes, per §6: 0 is a data payload, 1 is the stream
// terminator (msg is ignored for a terminator).
const (
	CodeData       = 0
	CodeTerminator = 1
)

// ErrClosed is returned by OutputMsgstrNowait once the queue has been
// closed.
var ErrClosed = errors.New("outqueue: closed")

// Queue is the out-queue object the controller supplies to the agent.
// Implementations must never block the calling thread for long, since
// callers may be holding the big lock (§4.4's reporter, §4.5's drain).
type Queue interface {
	// OutputMsgstrNowait enqueues one message. It must not block
	// indefinitely; a full or unavailable transport should drop the
	// message rather than stall the caller.
	OutputMsgstrNowait(code int, msg string) error

	// Close releases the queue's resources. Further sends fail with
	// ErrClosed.
	Close() error
}
