//go:build linux

package lockmonitor

import (
	"time"

	"github.com/bpppps/pyflightprofiler-go/internal/ring"
)

// WarningKind distinguishes the two threshold predicates the monitor
// evaluates on every release-leave. Both kinds are always stamped
// distinctly, never collapsed to one value in either emission path.
type WarningKind int

const (
	AcquireTooSlow WarningKind = iota
	HoldTooLong
)

func (k WarningKind) String() string {
	switch k {
	case AcquireTooSlow:
		return "acquire-too-slow"
	case HoldTooLong:
		return "hold-too-long"
	default:
		return "unknown"
	}
}

// Warning is one lock-warning record (§3): lives on a bounded FIFO of at
// most warningFIFOCap entries, oldest dropped on overflow (§8 invariant
// 3).
type Warning struct {
	Kind           WarningKind
	CostNS         int64
	IntervalStart  int64
	IntervalEnd    int64
	ThreadID       int64
	ThreadName     string
	WallClockLabel string
}

// warningFIFOCap is the hard cap named in §3/§4.4/§8 invariant 3.
const warningFIFOCap = 50

func newWarningFIFO() *ring.Buffer[Warning] {
	return ring.New[Warning](warningFIFOCap)
}

// wallClockLayout mirrors time_util.cpp's strftime_with_millisec:
// "%Y-%m-%d %H:%M:%S" plus a millisecond suffix, local time.
const wallClockLayout = "2006-01-02 15:04:05.000"

// formatWallClock renders ns (a UnixNano timestamp) as a human-readable
// label. Callers always pass the acquire-success timestamp, regardless
// of warning kind.
func formatWallClock(ns int64) string {
	return time.Unix(0, ns).Local().Format(wallClockLayout)
}
