package outqueue

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/bpppps/pyflightprofiler-go/internal/logx"
)

// WireConn is the out-of-process Queue: it frames each message as an
// 8-byte header (big-endian int32 code, big-endian uint32 payload
// length) followed by a protobuf-marshaled wrapperspb.StringValue
// carrying msg, and writes frames over conn from a dedicated goroutine
// so OutputMsgstrNowait never blocks on network I/O (§4.4, §4.5 both
// require the out-queue push to be non-blocking).
//
// google.golang.org/grpc is deliberately not used here — see DESIGN.md.
type WireConn struct {
	buffered *ChanQueue
	conn     net.Conn
	wg       sync.WaitGroup
}

// NewWireConn starts draining messages to conn in the background. cfg
// configures the internal buffer (nil for defaults).
func NewWireConn(conn net.Conn, cfg *ChanConfig) *WireConn {
	w := &WireConn{buffered: NewChanQueue(cfg), conn: conn}
	w.wg.Add(1)
	go w.drain()
	return w
}

func (w *WireConn) drain() {
	defer w.wg.Done()
	for {
		code, msg, ok := w.buffered.Recv()
		if !ok {
			return
		}
		if err := WriteFrame(w.conn, code, msg); err != nil {
			logx.L().Error().Err(err).Msg("outqueue: failed to write frame, dropping remaining messages")
			return
		}
	}
}

// OutputMsgstrNowait buffers (code, msg) for the drain goroutine.
func (w *WireConn) OutputMsgstrNowait(code int, msg string) error {
	return w.buffered.OutputMsgstrNowait(code, msg)
}

// Close stops accepting new messages, waits for the drain goroutine to
// flush whatever was already buffered, then closes the connection.
func (w *WireConn) Close() error {
	berr := w.buffered.Close()
	w.wg.Wait()
	cerr := w.conn.Close()
	if berr != nil {
		return berr
	}
	return cerr
}

// WriteFrame writes one (code, msg) frame to w in the format WireConn
// uses. Exported so tests (and any alternative transport) can drive the
// exact wire format without going through the buffering layer.
func WriteFrame(w io.Writer, code int, msg string) error {
	payload, err := proto.Marshal(wrapperspb.String(msg))
	if err != nil {
		return fmt.Errorf("outqueue: marshal payload: %w", err)
	}
	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(int32(code)))
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("outqueue: write header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("outqueue: write payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame. Used by tests to
// verify the wire format round-trips; the controller's real receive
// loop is out of scope (§1).
func ReadFrame(r io.Reader) (code int, msg string, err error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, "", fmt.Errorf("outqueue: read header: %w", err)
	}
	code = int(int32(binary.BigEndian.Uint32(header[0:4])))
	n := binary.BigEndian.Uint32(header[4:8])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, "", fmt.Errorf("outqueue: read payload: %w", err)
	}
	var sv wrapperspb.StringValue
	if err := proto.Unmarshal(payload, &sv); err != nil {
		return 0, "", fmt.Errorf("outqueue: unmarshal payload: %w", err)
	}
	return code, sv.GetValue(), nil
}
