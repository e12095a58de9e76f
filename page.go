// SPDX-License-Identifier: MIT

package qptrie

import (
	"github.com/bits-and-blooms/bitset"
)

// pageSize is the number of nodes per page. The spec leaves this an
// implementation choice ("a power of two, e.g. 4096"); 4096 nodes at 24
// bytes each keeps a page at a cache- and allocator-friendly 96KiB.
const pageSize = 4096

// pageUsage tracks one page's occupancy, mirroring spec §3's per-page
// counters.
type pageUsage struct {
	used int // bump pointer: nodes allocated in this page
	free int // nodes in this page that are garbage
}

func (u pageUsage) live() int { return u.used - u.free }

// pages is the page-based bump allocator: a dynamically grown table of
// fixed-size node pages, the arena the trie's twig-vectors live in.
//
// The teacher ([gaissmai/bart]'s pool.go) wraps a sync.Pool of *node
// values with atomic live/total counters; that pattern doesn't fit here
// because twig-vectors must be *contiguous* (a vector is addressed as a
// single qpRef into one page, not a slice of individually pooled nodes).
// What carries over is the teacher's instinct to track allocator
// occupancy with simple counters for diagnostics.
//
// freeSlots resolves spec §9's open question ("replace the [linear] scan
// with a free-list of empty page slots") using the teacher's own
// dependency, github.com/bits-and-blooms/bitset: a set bit marks a page
// table index whose base[i] is nil (available for a fresh page).
//
// pages itself carries no copy-on-write machinery: the trie's writer
// operations (see trie.go) never mutate an already-allocated twig-vector in
// place, only bump-allocate fresh ones and mark the old as garbage, so a
// root value captured before a write stays valid against this same *pages
// for as long as something keeps it reachable. COW is a property of how
// trie.go calls this allocator, not of the allocator itself.
type pages struct {
	base      [][]node
	usage     []pageUsage
	freeSlots *bitset.BitSet
	bump      int

	// pinned counts outstanding Snapshots whose root was captured while
	// this was the trie's live page table (see cow.go). Compact refuses
	// to release any page out of a pinned table, since a pinned Snapshot
	// may still address any of them; it leaves the whole table alone
	// instead of tracking which individual pages a frozen root still
	// reaches.
	pinned int
}

func newPages() *pages {
	p := &pages{freeSlots: bitset.New(0)}
	p.allocationReset()
	return p
}

// alloc reserves size contiguous nodes and returns a reference to them.
// Fast path: if the current page has strictly more than size nodes of
// remaining room, bump-allocate in place. We choose strict '>' (spec §9's
// open comparator question) so the bump pointer can never be made to equal
// pageSize via an off-by-one and then be read back as a valid offset into
// a full page.
func (p *pages) alloc(size int) qpRef {
	u := &p.usage[p.bump]
	if pageSize > u.used+size {
		ref := makeRef(p.bump, u.used)
		u.used += size
		return ref
	}
	return p.allocSlow(size)
}

func (p *pages) allocSlow(size int) qpRef {
	idx, ok := p.findFreeSlot()
	if !ok {
		idx = p.grow()
	}
	p.base[idx] = make([]node, pageSize)
	p.usage[idx] = pageUsage{used: size}
	p.freeSlots.Clear(uint(idx))
	p.bump = idx
	return makeRef(idx, 0)
}

// findFreeSlot scans for a page table index with no backing page, starting
// from bump (matching the spec's "scanning from bump to end, then from 0
// to bump" order) using the free-slot bitset instead of a linear scan over
// base.
func (p *pages) findFreeSlot() (int, bool) {
	n := uint(len(p.base))
	if next, ok := p.freeSlots.NextSet(uint(p.bump)); ok && next < n {
		return int(next), true
	}
	if next, ok := p.freeSlots.NextSet(0); ok && next < n {
		return int(next), true
	}
	return 0, false
}

// grow enlarges the page table by 3/2*old+1 (spec §4.3) and returns the
// index of the first newly available slot.
func (p *pages) grow() int {
	old := len(p.base)
	newLen := old*3/2 + 1

	base := make([][]node, newLen)
	copy(base, p.base)
	usage := make([]pageUsage, newLen)
	copy(usage, p.usage)

	p.base = base
	p.usage = usage
	for i := old; i < newLen; i++ {
		p.freeSlots.Set(uint(i))
	}
	return old
}

// landfill retires size twigs at ref to garbage: the source page's free
// counter advances and the caller's garbage total should advance with it
// (tracked by the [Trie], which owns the single global counter).
func (p *pages) landfill(ref qpRef, size int) {
	p.usage[ref.page()].free += size
}

// allocationReset points bump at a freshly allocated, empty page, readying
// the allocator for a fresh run of bump allocations. Used both at trie
// initialization and at the start of every compaction.
func (p *pages) allocationReset() {
	idx, ok := p.findFreeSlot()
	if !ok {
		idx = p.grow()
	}
	p.base[idx] = make([]node, pageSize)
	p.usage[idx] = pageUsage{}
	p.freeSlots.Clear(uint(idx))
	p.bump = idx
}

// twig returns the twig-vector backing ref, sized n.
func (p *pages) twig(ref qpRef, n int) []node {
	return p.base[ref.page()][ref.offset() : ref.offset()+n]
}

// release frees page idx back to the table. Callers must ensure no
// pinned [Snapshot] can still read this page (see pin/unpin); under Go's
// garbage collector this is then just dropping our reference, so the
// spec's separate "deferred release list" (needed in a
// manually-memory-managed implementation) collapses into this
// unconditional nil.
func (p *pages) release(idx int) (freedGarbage int) {
	freedGarbage = p.usage[idx].free
	p.base[idx] = nil
	p.usage[idx] = pageUsage{}
	p.freeSlots.Set(uint(idx))
	return freedGarbage
}

// pin marks this page table as referenced by an outstanding [Snapshot],
// taken while it was the trie's live table. Compact will not release any
// of its pages while pinned > 0.
func (p *pages) pin() { p.pinned++ }

// unpin undoes one pin, called when a [Snapshot] is done with its
// reference. It panics if called more times than pin, mirroring the
// package's convention of asserting on programmer error rather than
// silently underflowing a counter.
func (p *pages) unpin() {
	if p.pinned == 0 {
		panic("qptrie: pages.unpin called without a matching pin")
	}
	p.pinned--
}
