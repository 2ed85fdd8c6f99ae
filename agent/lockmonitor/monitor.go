//go:build linux

// Package lockmonitor implements A4 LockMonitor: consumes agent/hook
// callbacks on the big lock's acquire/release entry points, maintains
// per-thread statistics and a bounded warning FIFO, and runs a reporter
// thread that periodically pushes text through the out-queue without
// ever holding the runtime lock at the same time as the stats or
// warnings locks (§4.4, §5).
package lockmonitor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bpppps/pyflightprofiler-go/agent/hook"
	"github.com/bpppps/pyflightprofiler-go/internal/logx"
	"github.com/bpppps/pyflightprofiler-go/internal/outqueue"
	"github.com/bpppps/pyflightprofiler-go/internal/ring"
	"github.com/bpppps/pyflightprofiler-go/internal/runtimehost"
)

// Config tunes the monitor. The zero value is valid; unset fields take
// the documented defaults (§6).
type Config struct {
	// AcquireWarnThreshold defaults to 10ms if zero.
	AcquireWarnThreshold time.Duration
	// HoldWarnThreshold defaults to 10ms if zero.
	HoldWarnThreshold time.Duration
	// StatsInterval defaults to 5s if zero or negative; clamped to a
	// 1s floor otherwise.
	StatsInterval time.Duration
	// MaxStatsThreads defaults to 500 if zero; capped at 1000.
	MaxStatsThreads int
}

func (c Config) normalize() Config {
	out := c
	if out.AcquireWarnThreshold <= 0 {
		out.AcquireWarnThreshold = 10 * time.Millisecond
	}
	if out.HoldWarnThreshold <= 0 {
		out.HoldWarnThreshold = 10 * time.Millisecond
	}
	if out.StatsInterval <= 0 {
		out.StatsInterval = 5 * time.Second
	}
	if out.StatsInterval < time.Second {
		out.StatsInterval = time.Second
	}
	if out.MaxStatsThreads <= 0 {
		out.MaxStatsThreads = 500
	}
	if out.MaxStatsThreads > 1000 {
		out.MaxStatsThreads = 1000
	}
	return out
}

// timeNow is the monitor's clock, overridable in tests the way
// catrate's Limiter overrides timeNow/timeNewTicker.
var timeNow = func() int64 { return time.Now().UnixNano() }

// Monitor is A4. Construct with New, then Start to install hooks and
// launch the reporter; Stop tears both down.
//
// Three locks exist here (statsMu, warnMu, and whatever guards queue)
// and §4.4/§5 require none of them ever be held while the runtime's
// big lock is held. Pre/Post callbacks below only ever touch statsMu;
// the reporter only ever touches statsMu and warnMu one at a time, and
// takes the runtime lock (via Host.Lock) only to read Host.Threads(),
// never while statsMu or warnMu is held.
type Monitor struct {
	cfg    Config
	host   runtimehost.Host
	queue  outqueue.Queue
	engine *hook.Engine

	acquireAddr, releaseAddr uintptr

	statsMu sync.Mutex
	stats   map[int64]*ThreadStats

	warnMu   sync.Mutex
	warnings *ring.Buffer[Warning]

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New builds a Monitor that will hook acquireAddr/releaseAddr through
// engine once Start is called.
func New(host runtimehost.Host, queue outqueue.Queue, engine *hook.Engine, acquireAddr, releaseAddr uintptr, cfg Config) *Monitor {
	return &Monitor{
		cfg:         cfg.normalize(),
		host:        host,
		queue:       queue,
		engine:      engine,
		acquireAddr: acquireAddr,
		releaseAddr: releaseAddr,
		stats:       make(map[int64]*ThreadStats),
		warnings:    newWarningFIFO(),
	}
}

// Start installs the acquire/release hook points and launches the
// reporter goroutine. Calling Start twice without an intervening Stop
// returns the Engine's ErrAlreadyInstalled.
func (m *Monitor) Start() error {
	acquire := hook.Point{Addr: m.acquireAddr, Pre: m.onAcquireEnter, Post: m.onAcquireLeave}
	release := hook.Point{Addr: m.releaseAddr, Pre: m.onReleaseEnter, Post: m.onReleaseLeave}
	if err := m.engine.Install(acquire, release); err != nil {
		return err
	}
	m.running.Store(true)
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.reportLoop()
	return nil
}

// Stop tears the monitor down in the order §5 specifies: clear the
// running flag, signal the reporter to send its sentinel and exit,
// wait for it, then uninstall the hooks and drop accumulated state.
func (m *Monitor) Stop() error {
	if !m.running.CompareAndSwap(true, false) {
		return nil
	}
	close(m.stopCh)
	<-m.doneCh

	if err := m.engine.Uninstall(); err != nil {
		logx.L().Warn().Err(err).Msg("lockmonitor: uninstall on stop")
	}

	m.statsMu.Lock()
	m.stats = make(map[int64]*ThreadStats)
	m.statsMu.Unlock()

	m.warnMu.Lock()
	m.warnings.Clear()
	m.warnMu.Unlock()

	return nil
}

func (m *Monitor) threadStats(tid int64) *ThreadStats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	ts, ok := m.stats[tid]
	if !ok {
		ts = &ThreadStats{}
		m.stats[tid] = ts
	}
	return ts
}

// onAcquireEnter fires as the calling thread is about to attempt the
// acquire; the cookie carries the thread id forward to the leave side
// since goja's event loop is single-threaded and the tracked "thread"
// is really the Host's CurrentThreadID.
func (m *Monitor) onAcquireEnter() hook.Cookie {
	tid := m.host.CurrentThreadID()
	now := timeNow()
	ts := m.threadStats(tid)
	m.statsMu.Lock()
	ts.AcquireEnterNS = now
	m.statsMu.Unlock()
	return tid
}

func (m *Monitor) onAcquireLeave(c hook.Cookie) {
	tid, ok := c.(int64)
	if !ok {
		return
	}
	now := timeNow()
	ts := m.threadStats(tid)

	m.statsMu.Lock()
	enterNS := ts.AcquireEnterNS
	cost := now - enterNS
	ts.AcquireSuccessNS = now
	ts.LastAcquireCostNS = cost
	ts.AcquireCostSumNS += cost
	ts.AcquireCount++
	m.statsMu.Unlock()

	if cost >= m.cfg.AcquireWarnThreshold.Nanoseconds() {
		m.pushWarning(Warning{
			Kind:           AcquireTooSlow,
			CostNS:         cost,
			IntervalStart:  enterNS,
			IntervalEnd:    now,
			ThreadID:       tid,
			ThreadName:     m.threadName(tid),
			WallClockLabel: formatWallClock(now),
		})
	}
}

func (m *Monitor) onReleaseEnter() hook.Cookie {
	tid := m.host.CurrentThreadID()
	now := timeNow()
	ts := m.threadStats(tid)
	m.statsMu.Lock()
	ts.ReleaseEnterNS = now
	holdStart := ts.AcquireSuccessNS
	m.statsMu.Unlock()
	return [2]int64{tid, holdStart}
}

func (m *Monitor) onReleaseLeave(c hook.Cookie) {
	pair, ok := c.([2]int64)
	if !ok {
		return
	}
	tid, holdStart := pair[0], pair[1]
	now := timeNow()
	ts := m.threadStats(tid)

	m.statsMu.Lock()
	cost := now - ts.ReleaseEnterNS
	ts.ReleaseCostSumNS += cost
	ts.ReleaseCount++
	hold := now - holdStart
	ts.HoldSumNS += hold
	m.statsMu.Unlock()

	if hold >= m.cfg.HoldWarnThreshold.Nanoseconds() {
		m.pushWarning(Warning{
			Kind:           HoldTooLong,
			CostNS:         hold,
			IntervalStart:  holdStart,
			IntervalEnd:    now,
			ThreadID:       tid,
			ThreadName:     m.threadName(tid),
			WallClockLabel: formatWallClock(holdStart),
		})
	}
}

func (m *Monitor) threadName(tid int64) string {
	if name, ok := m.host.ThreadName(tid); ok {
		return name
	}
	return fmt.Sprintf("thread-%d", tid)
}

func (m *Monitor) pushWarning(w Warning) {
	m.warnMu.Lock()
	m.warnings.Push(w)
	m.warnMu.Unlock()
}
