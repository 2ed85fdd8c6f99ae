//go:build linux

package lockmonitor

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bpppps/pyflightprofiler-go/internal/logx"
	"github.com/bpppps/pyflightprofiler-go/internal/outqueue"
)

// sliceInterval is the sleep granularity the reporter wakes at to check
// for Stop, independent of the (usually much longer) report interval.
const sliceInterval = 500 * time.Millisecond

// getpid is a function var so tests can fake liveness without relying
// on the test process's real thread table.
var getpid = os.Getpid

// tgkillProbe reports whether tid is still alive in the calling
// process, per §3 supplemented feature 4: ESRCH means the thread
// exited without an orderly release and its stats record is stale.
var tgkillProbe = func(pid, tid int) error {
	return unix.Tgkill(pid, tid, 0)
}

func (m *Monitor) reportLoop() {
	defer close(m.doneCh)

	interval := m.cfg.StatsInterval
	var elapsed time.Duration
	ticker := time.NewTicker(sliceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			m.sendTerminator()
			return
		case <-ticker.C:
			elapsed += sliceInterval
			if elapsed < interval {
				continue
			}
			elapsed = 0
			m.evictDeadThreads()
			// §5: reports are emitted in fixed order, warnings then
			// stats, every interval.
			m.reportWarnings()
			m.reportStats()
		}
	}
}

func (m *Monitor) evictDeadThreads() {
	pid := getpid()
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	for tid := range m.stats {
		if err := tgkillProbe(pid, int(tid)); err == unix.ESRCH {
			delete(m.stats, tid)
		}
	}
}

func (m *Monitor) reportWarnings() {
	m.warnMu.Lock()
	pending := m.warnings.Slice()
	m.warnings.Clear()
	m.warnMu.Unlock()

	if len(pending) == 0 {
		return
	}
	var b strings.Builder
	for _, w := range pending {
		fmt.Fprintf(&b, "warning kind=%s thread=%d(%s) cost_ns=%d interval=[%d,%d] at=%s\n",
			w.Kind, w.ThreadID, w.ThreadName, w.CostNS, w.IntervalStart, w.IntervalEnd, w.WallClockLabel)
	}
	if err := m.queue.OutputMsgstrNowait(outqueue.CodeData, b.String()); err != nil {
		logWarnDeliveryFailure(err)
	}
}

func (m *Monitor) reportStats() {
	m.statsMu.Lock()
	type row struct {
		tid int64
		ts  ThreadStats
	}
	var rows []row
	for tid, ts := range m.stats {
		if !ts.eligible() {
			continue
		}
		rows = append(rows, row{tid: tid, ts: *ts})
		if len(rows) >= m.cfg.MaxStatsThreads {
			break
		}
	}
	m.statsMu.Unlock()

	if len(rows) == 0 {
		return
	}
	var b strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&b, "stats thread=%d acquires=%d avg_acquire_ns=%d holds=%d avg_hold_ns=%d\n",
			r.tid, r.ts.AcquireCount, safeDiv(r.ts.AcquireCostSumNS, r.ts.AcquireCount),
			r.ts.ReleaseCount, safeDiv(r.ts.HoldSumNS, r.ts.ReleaseCount))
	}
	if err := m.queue.OutputMsgstrNowait(outqueue.CodeData, b.String()); err != nil {
		logWarnDeliveryFailure(err)
	}
}

func (m *Monitor) sendTerminator() {
	_ = m.queue.OutputMsgstrNowait(outqueue.CodeTerminator, "")
}

func safeDiv(sum, count int64) int64 {
	if count == 0 {
		return 0
	}
	return sum / count
}

func logWarnDeliveryFailure(err error) {
	logx.L().Warn().Err(err).Msg("lockmonitor: report delivery failed")
}
