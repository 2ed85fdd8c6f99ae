// Package hook implements A3 HookEngine: installs pre/post callbacks on
// two in-process code addresses, atomically across both, so every
// invocation on any thread fires the matching callback pair.
//
// The splicing mechanism itself is left abstract by design: a real
// deployment would use a dynamic code-splicing library to redirect the
// two addresses into trampolines that call Engine.FirePre/FirePost. This
// package provides the bookkeeping and cookie-passing contract; nothing
// here depends on how the two addresses are actually intercepted.
package hook

import (
	"errors"
	"sync"
)

var (
	// ErrAlreadyInstalled is returned by Install when an installation is
	// already active.
	ErrAlreadyInstalled = errors.New("hook: already installed")
	// ErrNotInstalled is returned by Uninstall when nothing is installed.
	ErrNotInstalled = errors.New("hook: not installed")
	// ErrSameAddress is returned by Install when both points name the
	// same address, which would make Pre/Post firing ambiguous.
	ErrSameAddress = errors.New("hook: both hook points share an address")
)

// Cookie is the opaque, per-invocation value a Pre callback returns and
// its matching Post callback receives — e.g. an acquire-enter
// timestamp the corresponding acquire-leave needs.
type Cookie any

// PreFunc runs before the hooked function executes, returning a cookie
// that the corresponding PostFunc receives.
type PreFunc func() Cookie

// PostFunc runs after the hooked function executes.
type PostFunc func(c Cookie)

// Point is one hook location: the in-process address to intercept plus
// its callback pair.
type Point struct {
	Addr uintptr
	Pre  PreFunc
	Post PostFunc
}

// Engine manages one atomic two-address installation.
type Engine struct {
	mu        sync.Mutex
	installed bool
	points    map[uintptr]Point
}

// New returns an uninstalled Engine.
func New() *Engine {
	return &Engine{}
}

// Install atomically installs both hook points. If either address
// collides with the other, or an installation is already active, no
// change is made and an error is returned.
func (e *Engine) Install(a, b Point) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.installed {
		return ErrAlreadyInstalled
	}
	if a.Addr == b.Addr {
		return ErrSameAddress
	}
	e.points = map[uintptr]Point{a.Addr: a, b.Addr: b}
	e.installed = true
	return nil
}

// Uninstall atomically removes both hook points.
func (e *Engine) Uninstall() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.installed {
		return ErrNotInstalled
	}
	e.points = nil
	e.installed = false
	return nil
}

// Installed reports whether an installation is currently active.
func (e *Engine) Installed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.installed
}

// FirePre invokes addr's Pre callback, if installed, returning its
// cookie. ok is false if addr is not a currently installed hook point.
func (e *Engine) FirePre(addr uintptr) (cookie Cookie, ok bool) {
	e.mu.Lock()
	p, found := e.points[addr]
	e.mu.Unlock()
	if !found || p.Pre == nil {
		return nil, false
	}
	return p.Pre(), true
}

// FirePost invokes addr's Post callback with cookie, if installed.
func (e *Engine) FirePost(addr uintptr, cookie Cookie) (ok bool) {
	e.mu.Lock()
	p, found := e.points[addr]
	e.mu.Unlock()
	if !found || p.Post == nil {
		return false
	}
	p.Post(cookie)
	return true
}
