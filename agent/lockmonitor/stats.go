//go:build linux

package lockmonitor

// ThreadStats is the per-thread lock-statistics record (§3): every
// timestamp is nanoseconds since an arbitrary epoch, produced by the
// monitor's clock (see timeNow in monitor.go), so callers comparing
// values across records only ever compare values from the same clock.
type ThreadStats struct {
	AcquireEnterNS   int64
	AcquireSuccessNS int64
	ReleaseEnterNS   int64

	LastAcquireCostNS int64
	AcquireCostSumNS  int64
	AcquireCount      int64

	ReleaseCostSumNS int64
	ReleaseCount     int64

	HoldSumNS int64
}

// eligible reports whether the record has seen at least one full
// acquire and one full release, the predicate the stats reporter uses
// to decide whether a thread belongs in a report (§4.4 step 3, §8
// invariant 6).
func (s *ThreadStats) eligible() bool {
	return s.AcquireCount > 0 && s.ReleaseCount > 0
}
