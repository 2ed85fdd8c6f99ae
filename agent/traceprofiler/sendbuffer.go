package traceprofiler

import (
	"strconv"
	"strings"
)

// DisplayPayload is one emitted activation, addressable by the offset
// it occupies in a SendBuffer. ParentOffset lets an upstream consumer
// reconstruct the call tree without re-deriving parent chains.
//
// Name/Origin/Line form the header triple §6's display payload grammar
// calls `<header>`; Encode renders the full byte string a consumer
// parses, not a human-readable summary.
type DisplayPayload struct {
	Name         string
	Origin       string
	Line         int
	Start        int64
	Cost         int64
	ParentOffset int

	isAwait bool
}

// Encode renders the payload exactly as §6's display payload grammar
// specifies: `<name>\0<origin>\0<linenum>\x01<start-ns>\x01<cost-ns>\x01<parent-offset>`.
// A finished-async frame uses the identical formula, its header triple
// captured at first entry. The `[await]` context-switch frame is a
// distinct fixed literal (see awaitPayload), not this same grammar with
// empty fields substituted in.
func (p *DisplayPayload) Encode() string {
	var b strings.Builder
	if p.isAwait {
		b.WriteString("[await]")
		b.WriteByte(0)
		b.WriteByte(0)
		b.WriteByte(1)
		b.WriteString("0")
	} else {
		b.WriteString(p.Name)
		b.WriteByte(0)
		b.WriteString(p.Origin)
		b.WriteByte(0)
		b.WriteString(strconv.Itoa(p.Line))
	}
	b.WriteByte(1)
	b.WriteString(strconv.FormatInt(p.Start, 10))
	b.WriteByte(1)
	b.WriteString(strconv.FormatInt(p.Cost, 10))
	b.WriteByte(1)
	b.WriteString(strconv.Itoa(p.ParentOffset))
	return b.String()
}

// awaitPayload builds the synthetic "[await]" context-switch payload
// §6 specifies verbatim as `[await]\0\0\x010\x01<start-ns>\x01<cost-ns>\x01<parent-offset>`:
// a "0" placeholder sits between the empty header and the numeric
// fields, separated by \x01 on both sides rather than folded into the
// name/origin/linenum triple like a normal frame's header.
func awaitPayload(start, cost int64, parentOffset int) *DisplayPayload {
	return &DisplayPayload{Name: "[await]", Start: start, Cost: cost, ParentOffset: parentOffset, isAwait: true}
}

// SendBuffer is a sparse, append-only, offset-indexed buffer: entries
// below the high-water mark that were never emitted stay nil, so an
// upstream reassembler can distinguish "discarded" from "not yet seen"
// (§4.5 ordering guarantee).
type SendBuffer struct {
	entries []*DisplayPayload
}

func newSendBuffer() *SendBuffer {
	return &SendBuffer{}
}

func (b *SendBuffer) growTo(n int) {
	for len(b.entries) < n {
		b.entries = append(b.entries, nil)
	}
}

// Set stores payload at offset, padding with nil placeholders as
// needed so offsets always index directly into entries.
func (b *SendBuffer) Set(offset int, payload *DisplayPayload) {
	b.growTo(offset + 1)
	b.entries[offset] = payload
}

// Entries returns the buffer's backing slice, oldest offset first,
// with nils for omitted frames.
func (b *SendBuffer) Entries() []*DisplayPayload {
	return b.entries
}

func (b *SendBuffer) reset() {
	b.entries = nil
}
