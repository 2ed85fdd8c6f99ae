// Package symres implements A2 SymbolResolver: a single global that
// translates an offline symbol address (looked up by the controller in
// a static symbol table) into a live in-process address, using the base
// offset A1 publishes once at bootstrap (§4.7).
package symres

import "sync/atomic"

var offset atomic.Uint64

// SetOffset publishes the base-address offset. Per §4.7, it is called
// exactly once, before any call to Resolve.
func SetOffset(o uint64) {
	offset.Store(o)
}

// Resolve translates an offline address into the live in-process
// address: offset + addr.
func Resolve(addr uint64) uint64 {
	return offset.Load() + addr
}
