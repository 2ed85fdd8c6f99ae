package traceprofiler

import (
	"sync"
	"time"

	"github.com/bpppps/pyflightprofiler-go/internal/logx"
	"github.com/bpppps/pyflightprofiler-go/internal/outqueue"
	"github.com/bpppps/pyflightprofiler-go/internal/runtimehost"
)

// Variant selects one of the four callback shapes §4.5 describes: the
// async/sync axis and the cost-threshold/depth-limit axis are
// independent, but callers pick a fixed combination at construction.
type Variant int

const (
	SyncCost Variant = iota
	SyncDepth
	AsyncCost
	AsyncDepth
)

func (v Variant) async() bool {
	return v == AsyncCost || v == AsyncDepth
}

func (v Variant) depthLimited() bool {
	return v == SyncDepth || v == AsyncDepth
}

// Sink delivers a finished send buffer to the controller side. The
// default pushes one formatted line per non-nil entry through queue,
// mirroring the "target callable with the out-queue as first argument"
// phrasing in §4.5.
type Sink func(queue outqueue.Queue, entries []*DisplayPayload) error

func defaultSink(queue outqueue.Queue, entries []*DisplayPayload) error {
	for _, e := range entries {
		if e == nil {
			continue
		}
		if err := queue.OutputMsgstrNowait(outqueue.CodeData, e.Encode()); err != nil {
			return err
		}
	}
	return queue.OutputMsgstrNowait(outqueue.CodeTerminator, "")
}

// Config configures a Profiler. The zero value is not usable: Variant
// must be set and exactly one of CostThreshold/DepthLimit must be
// meaningful for the chosen variant.
type Config struct {
	Variant       Variant
	CostThreshold time.Duration
	DepthLimit    int
	Queue         outqueue.Queue
	Sink          Sink // defaults to defaultSink if nil
}

func (c Config) sink() Sink {
	if c.Sink != nil {
		return c.Sink
	}
	return defaultSink
}

// timeNow is the profiler's clock, overridable in tests.
var timeNow = func() int64 { return time.Now().UnixNano() }

// Profiler is A5. Attach installs it as the host's trace callback;
// Detach removes it, finalizes any still-open async frames, and
// flushes the send buffer through the configured Sink.
type Profiler struct {
	cfg Config

	mu   sync.Mutex
	root *node
	top  *node
	sfSz int
	buf  *SendBuffer
}

// New constructs a Profiler in the given configuration.
func New(cfg Config) *Profiler {
	root := newRoot()
	return &Profiler{
		cfg:  cfg,
		root: root,
		top:  root,
		buf:  newSendBuffer(),
	}
}

// Attach installs the profiler's event handler as host's sole trace
// callback (§6 set_trace_profile).
func (p *Profiler) Attach(host runtimehost.Host) {
	host.SetTraceCallback(p.OnEvent)
}

// Detach removes the trace callback, finalizes any unemitted async
// frames still open on the spine, and flushes the send buffer through
// the Sink (§4.5 "on stop").
func (p *Profiler) Detach(host runtimehost.Host) error {
	host.ClearTraceCallback()

	p.mu.Lock()
	// Walk the right spine (each level's most recently active child) from
	// the root down: an async frame with no newer sibling stays an
	// unemitted last-child forever unless stop finalizes it here, which is
	// the scenario this loop exists for (§4.5 "on stop").
	for cur := p.root; ; {
		last := cur.lastChild()
		if last == nil {
			break
		}
		if last.frameID != nil && !last.emitted {
			p.emitAsyncIfQualifies(last)
		}
		cur = last
	}
	entries := p.buf.Entries()
	p.buf.reset()
	p.mu.Unlock()

	if err := p.cfg.sink()(p.cfg.Queue, entries); err != nil {
		logx.L().Warn().Err(err).Msg("traceprofiler: sink delivery failed")
		return err
	}
	return nil
}

// OnEvent is the runtimehost.TraceCallback this profiler installs.
func (p *Profiler) OnEvent(kind runtimehost.EventKind, act runtimehost.Activation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := timeNow()
	switch kind {
	case runtimehost.EventCall, runtimehost.EventNativeCall:
		p.onEnter(now, act)
	case runtimehost.EventReturn, runtimehost.EventNativeReturn, runtimehost.EventException:
		p.onExit(now, act)
	}
}

func (p *Profiler) onEnter(now int64, act runtimehost.Activation) {
	if !p.cfg.Variant.async() || !act.Async {
		p.finishUnclosedAsyncChild(p.top)
		p.pushSync(now, act)
		return
	}

	last := p.top.lastChild()
	if last != nil && last.frameID != nil && last.frameID == act.ID {
		p.resumeAsync(now, last)
		return
	}

	p.finishUnclosedAsyncChild(p.top)
	p.pushAsync(now, act)
}

func (p *Profiler) pushSync(now int64, act runtimehost.Activation) {
	n := &node{
		parent: p.top,
		offset: p.sfSz,
		depth:  p.top.depth + 1,
		start:  now,
		name:   act.Name,
		origin: act.Origin,
		line:   act.Line,
	}
	p.sfSz++
	p.top = n
}

func (p *Profiler) pushAsync(now int64, act runtimehost.Activation) {
	n := &node{
		parent:  p.top,
		offset:  p.sfSz,
		depth:   p.top.depth + 1,
		frameID: act.ID,
		name:    act.Name,
		origin:  act.Origin,
		line:    act.Line,
	}
	n.spans = append(n.spans, span{Enter: now})
	p.top.children = append(p.top.children, n)
	p.sfSz++
	p.top = n
}

func (p *Profiler) resumeAsync(now int64, n *node) {
	n.spans = append(n.spans, span{Enter: now})
	if len(n.children) == 0 {
		if gap, ok := n.lastGap(); ok && gap >= p.cfg.CostThreshold.Nanoseconds() {
			p.buf.Set(p.sfSz, awaitPayload(now-gap, gap, n.offset))
			p.sfSz++
		}
	}
	p.top = n
}

// finishUnclosedAsyncChild emits-or-discards parent's last child if it
// is an async frame that hasn't finished yet, so a new sibling pushed
// under parent doesn't leave it dangling forever (§4.5 "finish any
// still-open async grandchild").
func (p *Profiler) finishUnclosedAsyncChild(parent *node) {
	last := parent.lastChild()
	if last == nil || last.frameID == nil || last.emitted {
		return
	}
	p.emitAsyncIfQualifies(last)
}

func (p *Profiler) emitAsyncIfQualifies(n *node) {
	n.emitted = true
	qualifies := false
	if p.cfg.Variant.depthLimited() {
		qualifies = n.depth < p.cfg.DepthLimit
	} else {
		qualifies = n.totalWallClock() >= p.cfg.CostThreshold.Nanoseconds()
	}
	if !qualifies {
		return
	}
	var parentOffset int
	if n.parent != nil {
		parentOffset = n.parent.offset
	}
	p.buf.Set(n.offset, &DisplayPayload{
		Name:         n.name,
		Origin:       n.origin,
		Line:         n.line,
		Start:        n.spans[0].Enter,
		Cost:         n.totalWallClock(),
		ParentOffset: parentOffset,
	})
}

func (p *Profiler) onExit(now int64, act runtimehost.Activation) {
	if !p.cfg.Variant.async() || !act.Async {
		p.popSync(now)
		return
	}

	// Async activation: mark the leave, move top up, leave the node in
	// place for a possible resumption.
	if len(p.top.spans) > 0 {
		p.top.spans[len(p.top.spans)-1].Leave = now
	}
	if p.top.parent != nil {
		p.top = p.top.parent
	}
}

func (p *Profiler) popSync(now int64) {
	popped := p.top
	if popped.parent == nil {
		return // sentinel root, nothing to pop
	}
	p.top = popped.parent
	cost := now - popped.start

	qualifies := false
	if p.cfg.Variant.depthLimited() {
		qualifies = popped.depth < p.cfg.DepthLimit
	} else {
		qualifies = cost >= p.cfg.CostThreshold.Nanoseconds()
	}
	if !qualifies {
		p.sfSz--
		return
	}
	p.buf.Set(popped.offset, &DisplayPayload{
		Name:         popped.name,
		Origin:       popped.origin,
		Line:         popped.line,
		Start:        popped.start,
		Cost:         cost,
		ParentOffset: popped.parent.offset,
	})
}
