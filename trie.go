// SPDX-License-Identifier: MIT

package qptrie

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/rs/zerolog"
)

// Config supplies a [Trie]'s policy knobs. The zero Config is valid and
// uses the package defaults (see [DefaultMaxGarbage], [DefaultMinUsage]);
// Comparator is the only field most embedders need to set.
type Config struct {
	// Comparator orders and compares [Name] values. Defaults to
	// [CaseInsensitiveComparator]{}.
	Comparator Comparator

	// MaxGarbage is the number of garbage twigs that triggers an automatic
	// [Trie.Compact]. Defaults to [DefaultMaxGarbage].
	MaxGarbage int64

	// MinUsage is the bump-page occupancy, in nodes, that triggers an
	// automatic compaction once any garbage exists, so the allocator
	// reclaims space instead of growing the page table. Defaults to
	// [DefaultMinUsage].
	MinUsage int

	// Logger receives structured diagnostics (compaction runs, COW
	// transactions). The zero value is [zerolog.Nop], i.e. silent.
	Logger zerolog.Logger
}

// DefaultMaxGarbage is the garbage-twig threshold Config.MaxGarbage uses
// when left at zero: 2^20, matching the spec's MAX_GARBAGE.
const DefaultMaxGarbage = 1 << 20

// DefaultMinUsage is the bump-page occupancy Config.MinUsage uses when
// left at zero: one sixteenth of a page reserved as slack, matching the
// spec's MIN_USAGE = PAGE_SIZE - PAGE_SIZE/16.
const DefaultMinUsage = pageSize - pageSize/16

// Trie is an ordered, bit-packed qp-trie mapping [Name] keys to
// caller-owned values of type V.
//
// A Trie is not safe for concurrent use by multiple goroutines performing
// writes; concurrent readers are safe with at most one concurrent writer
// only while that writer is inside a [Trie.CowStart]/[Trie.CowFinish]
// transaction (see cow.go). The zero Trie is not usable; construct one
// with [New].
type Trie[V any] struct {
	root  node
	pages *pages

	count   int64
	garbage int64

	cmp        Comparator
	maxGarbage int64
	minUsage   int
	log        zerolog.Logger

	welford          welford
	durationWelford  welford
	reclaimedWelford welford
	gcStats          GCStats

	cow *cowState
}

// New constructs an empty Trie.
func New[V any](cfg Config) *Trie[V] {
	cmp := cfg.Comparator
	if cmp == nil {
		cmp = CaseInsensitiveComparator{}
	}
	maxGarbage := cfg.MaxGarbage
	if maxGarbage == 0 {
		maxGarbage = DefaultMaxGarbage
	}
	minUsage := cfg.MinUsage
	if minUsage == 0 {
		minUsage = DefaultMinUsage
	}
	return &Trie[V]{
		pages:      newPages(),
		cmp:        cmp,
		maxGarbage: maxGarbage,
		minUsage:   minUsage,
		log:        cfg.Logger,
	}
}

// Destroy releases the trie's allocated pages. t must not be used again
// afterward. Go's garbage collector reclaims this memory on its own once t
// becomes unreachable; Destroy exists so an embedder that wants
// deterministic, immediate reclamation (spec §6's destroy(trie)) has a way
// to ask for it, not because Go needs an explicit free.
func (t *Trie[V]) Destroy() {
	if t.cow != nil {
		panic("qptrie: Destroy called during an open CowStart transaction")
	}
	t.root = node{}
	t.pages = nil
	t.count = 0
	t.garbage = 0
}

// Count returns the number of names currently stored.
func (t *Trie[V]) Count() int64 { return t.count }

// GCStats returns a snapshot of the collector's lifetime statistics.
func (t *Trie[V]) GCStats() GCStats { return t.gcStats }

// Get looks up name, returning its value and true, or (nil, false) if the
// trie holds no such name.
func (t *Trie[V]) Get(name Name) (*V, bool) {
	if t.isEmpty() {
		return nil, false
	}
	key := nameToKey(name)
	n := t.descend(key)
	if n == nil || !t.cmp.Equal(n.leafName(), name) {
		return nil, false
	}
	return (*V)(n.value), true
}

// FindLE returns the greatest stored name less than or equal to name: its
// own name, its value, whether it was an exact match, and whether any such
// name exists at all. It returns (nil, nil, false, false) when name is
// strictly less than everything stored.
func (t *Trie[V]) FindLE(name Name) (result Name, value *V, exact bool, ok bool) {
	if t.isEmpty() {
		return nil, nil, false, false
	}
	key := nameToKey(name)
	leaf, stack := t.locate(key)
	if leaf != nil {
		ln := leaf.leafName()
		if t.cmp.Equal(ln, name) {
			return ln, (*V)(leaf.value), true, true
		}
		if t.cmp.Less(ln, name) {
			return ln, (*V)(leaf.value), false, true
		}
	}
	pred := t.predecessorFrom(stack)
	if pred == nil {
		return nil, nil, false, false
	}
	return pred.leafName(), (*V)(pred.value), false, true
}

// Add inserts name with value, and reports the ordered neighbors name now
// has in the trie (nil when there is no such neighbor).
//
// name must not already be in the trie: per spec §4.5/§4.7, a duplicate key
// is a programmer error, not an update path, and Add panics if name is
// already present (mirroring the teacher's panic-on-programmer-error
// convention). An embedder that wants update-or-insert semantics calls
// [Trie.Del] first.
//
// nameOffset is the byte offset of the [Name] field within *value, e.g.
// unsafe.Offsetof(value.Name) for a record struct embedding its own name;
// the trie uses it to recover a leaf's Name on lookup without storing a
// second copy alongside the value pointer. That field's static type must
// be the [Name] interface itself, not whatever concrete type implements
// it — the trie reinterprets the bytes at the offset directly as a Name,
// which is only valid if they are already laid out as one.
//
// Add never mutates an already-allocated twig-vector in place: every
// branch on the path from the root to the touched leaf is rebuilt into a
// freshly bump-allocated vector, and the old ones are retired as garbage.
// This is the same path-copying [gaissmai/bart]'s tablepersist.go uses for
// InsertPersist (clone the spine, share every untouched sibling subtree by
// value), applied uniformly rather than only during a [Trie.CowStart]
// transaction; the constant cost is higher but it is the only mutation
// path to get right, and a root value captured at any point in time stays
// valid for as long as something keeps it reachable (see cow.go).
func (t *Trie[V]) Add(name Name, value *V, nameOffset uintptr) (prev, next Name) {
	key := nameToKey(name)
	newLeafNode := newLeaf(unsafe.Pointer(value), uint32(nameOffset))

	if t.isEmpty() {
		t.root = newLeafNode
		t.count++
		return nil, nil
	}

	probe := t.anyLeaf(key)
	existingName := probe.leafName()
	if t.cmp.Equal(existingName, name) {
		panic("qptrie: add called with a name already present")
	}
	offset, newBit, oldBit := firstDiff(key, nameToKey(existingName))

	var insert func(n node) node
	insert = func(n node) node {
		if n.isBranch() && n.keyOffset() > offset {
			return spliceBranch(t, n, newLeafNode, offset, newBit, oldBit)
		}
		if !n.isBranch() {
			return spliceBranch(t, n, newLeafNode, offset, newBit, oldBit)
		}
		if n.keyOffset() == offset {
			return t.withInsertedTwig(n, newBit, newLeafNode)
		}
		b := n.twigBit(key)
		max := n.twigMax()
		old := t.pages.twig(n.twigRef(), max)
		pos := n.twigPos(b)
		child := insert(old[pos])
		return t.withReplacedTwig(n, pos, child)
	}

	t.root = insert(t.root)
	t.count++
	prev, next = t.neighbors(key)
	t.maybeCompact()
	return prev, next
}

// spliceBranch builds the two-twig branch that replaces oldSubtree when a
// new leaf's key first diverges from it at offset.
func spliceBranch[V any](t *Trie[V], oldSubtree node, newLeafNode node, offset int, newBit, oldBit Shift) node {
	bitmap := uint64(1)<<newBit | uint64(1)<<oldBit
	ref := t.pages.alloc(2)
	twigs := t.pages.twig(ref, 2)
	if newBit < oldBit {
		twigs[0], twigs[1] = newLeafNode, oldSubtree
	} else {
		twigs[0], twigs[1] = oldSubtree, newLeafNode
	}
	return newBranch(bitmap, offset, ref)
}

// withInsertedTwig returns a copy of branch n with leaf inserted at bit's
// position, retiring n's old twig-vector as garbage.
func (t *Trie[V]) withInsertedTwig(n node, bit Shift, leaf node) node {
	oldMax := n.twigMax()
	old := t.pages.twig(n.twigRef(), oldMax)
	ref := t.pages.alloc(oldMax + 1)
	twigs := t.pages.twig(ref, oldMax+1)
	pos := n.twigPos(bit)
	copy(twigs[:pos], old[:pos])
	twigs[pos] = leaf
	copy(twigs[pos+1:], old[pos:])
	if oldMax > 0 {
		t.pages.landfill(n.twigRef(), oldMax)
		t.garbage += int64(oldMax)
	}
	bitmap := n.bitmap() | uint64(1)<<bit
	return newBranch(bitmap, n.keyOffset(), ref)
}

// withReplacedTwig returns a copy of branch n with the twig at pos replaced
// by child, retiring n's old twig-vector as garbage.
func (t *Trie[V]) withReplacedTwig(n node, pos int, child node) node {
	max := n.twigMax()
	old := t.pages.twig(n.twigRef(), max)
	ref := t.pages.alloc(max)
	twigs := t.pages.twig(ref, max)
	copy(twigs, old)
	twigs[pos] = child
	t.pages.landfill(n.twigRef(), max)
	t.garbage += int64(max)
	return newBranch(n.bitmap(), n.keyOffset(), ref)
}

// withRemovedTwig returns a copy of branch n with the twig at pos (whose
// bit is bit) removed, retiring n's old twig-vector as garbage.
func (t *Trie[V]) withRemovedTwig(n node, bit Shift, pos int) node {
	oldMax := n.twigMax()
	old := t.pages.twig(n.twigRef(), oldMax)
	ref := t.pages.alloc(oldMax - 1)
	twigs := t.pages.twig(ref, oldMax-1)
	copy(twigs[:pos], old[:pos])
	copy(twigs[pos:], old[pos+1:])
	t.pages.landfill(n.twigRef(), oldMax)
	t.garbage += int64(oldMax)
	bitmap := n.bitmap() &^ (uint64(1) << bit)
	return newBranch(bitmap, n.keyOffset(), ref)
}

// Del removes name, returning its value and true, or (nil, false) if the
// trie held no such name. Like Add, Del only ever rebuilds the spine from
// the touched leaf to the root; it never mutates an existing twig-vector.
func (t *Trie[V]) Del(name Name) (*V, bool) {
	if t.isEmpty() {
		return nil, false
	}
	key := nameToKey(name)

	if !t.root.isBranch() {
		if !t.cmp.Equal(t.root.leafName(), name) {
			return nil, false
		}
		v := (*V)(t.root.value)
		t.root = node{}
		t.count--
		return v, true
	}

	var removedValue *V
	var found bool

	var del func(n node) node
	del = func(n node) node {
		b := n.twigBit(key)
		if !n.hasTwig(b) {
			return n
		}
		max := n.twigMax()
		pos := n.twigPos(b)
		old := t.pages.twig(n.twigRef(), max)
		child := old[pos]

		if child.isBranch() {
			newChild := del(child)
			if !found {
				return n
			}
			return t.withReplacedTwig(n, pos, newChild)
		}

		if !t.cmp.Equal(child.leafName(), name) {
			return n
		}
		removedValue = (*V)(child.value)
		found = true

		if max == 2 {
			var survivor node
			if pos == 0 {
				survivor = old[1]
			} else {
				survivor = old[0]
			}
			t.pages.landfill(n.twigRef(), max)
			t.garbage += int64(max)
			return survivor
		}
		return t.withRemovedTwig(n, b, pos)
	}

	newRoot := del(t.root)
	if !found {
		return nil, false
	}
	t.root = newRoot
	t.count--
	t.maybeCompact()
	return removedValue, true
}

// ForEach visits every stored name in ascending order, calling fn with
// each name and value. Traversal stops early if fn returns false.
//
// Implemented with an explicit stack rather than recursion (the spec's own
// recursive sketch) to keep a ForEach over a deep trie from costing a
// goroutine stack frame per level; see SPEC_FULL.md.
func (t *Trie[V]) ForEach(fn func(name Name, value *V) bool) {
	if t.isEmpty() {
		return
	}
	type frame struct {
		twigs []node
		idx   int
	}
	var stack []frame
	n := &t.root
	for {
		for n.isBranch() {
			twigs := t.pages.twig(n.twigRef(), n.twigMax())
			stack = append(stack, frame{twigs, 1})
			n = &twigs[0]
		}
		if !fn(n.leafName(), (*V)(n.value)) {
			return
		}
		for {
			if len(stack) == 0 {
				return
			}
			top := &stack[len(stack)-1]
			if top.idx < len(top.twigs) {
				n = &top.twigs[top.idx]
				top.idx++
				break
			}
			stack = stack[:len(stack)-1]
		}
	}
}

// MemStats reports the allocator's current occupancy.
func (t *Trie[V]) MemStats() MemStats {
	m := MemStats{Pages: len(t.pages.base), NodesPerPage: pageSize, Count: t.count}
	for _, u := range t.pages.usage {
		if u.used > 0 {
			m.PagesInUse++
		}
		m.NodesLive += int64(u.live())
		m.NodesGarbage += int64(u.free)
	}
	return m
}

// WriteMemStats writes a short human-readable allocator report to w,
// analogous to the spec's print_memstats, and returns the number of bytes
// written. It is meant for ops diagnostics, not machine parsing; use
// [Trie.MemStats] or [Trie.GCStats] for that.
func (t *Trie[V]) WriteMemStats(w io.Writer) (int64, error) {
	m := t.MemStats()
	n, err := fmt.Fprintf(w,
		"qptrie: %d names, %d/%d pages in use, %d live nodes, %d garbage nodes, %d gc runs (avg %v)\n",
		m.Count, m.PagesInUse, m.Pages, m.NodesLive, m.NodesGarbage, t.gcStats.Runs, t.gcStats.DurationMean)
	return int64(n), err
}

func (t *Trie[V]) isEmpty() bool {
	return !t.root.isBranch() && t.root.isZero()
}

// descend follows key to its leaf, stopping early (returning nil) the
// moment a branch lacks the twig key needs next.
func (t *Trie[V]) descend(key Key) *node {
	n := &t.root
	for n.isBranch() {
		b := n.twigBit(key)
		if !n.hasTwig(b) {
			return nil
		}
		twigs := t.pages.twig(n.twigRef(), n.twigMax())
		n = &twigs[n.twigPos(b)]
	}
	return n
}

// anyLeaf follows key down to some leaf, picking an arbitrary existing
// twig whenever key's own bit is absent. Every leaf reachable this way
// shares key's shifts for every offset below the shallowest branch where
// the walk had to improvise, which is exactly the leaf Add needs to diff
// a new key against to find where the trie must branch.
func (t *Trie[V]) anyLeaf(key Key) *node {
	n := &t.root
	for n.isBranch() {
		b := n.twigBit(key)
		twigs := t.pages.twig(n.twigRef(), n.twigMax())
		if n.hasTwig(b) {
			n = &twigs[n.twigPos(b)]
		} else {
			n = &twigs[0]
		}
	}
	return n
}

type pathFrame struct {
	twigs []node
	idx   int
}

// locate descends key as far as the trie allows, recording at each branch
// the twig-vector and the index key's bit occupies (or would occupy). It
// returns the leaf reached, or nil if a branch along the way lacked key's
// next bit.
func (t *Trie[V]) locate(key Key) (*node, []pathFrame) {
	var stack []pathFrame
	n := &t.root
	for n.isBranch() {
		b := n.twigBit(key)
		twigs := t.pages.twig(n.twigRef(), n.twigMax())
		pos := n.twigPos(b)
		stack = append(stack, pathFrame{twigs, pos})
		if !n.hasTwig(b) {
			return nil, stack
		}
		n = &twigs[pos]
	}
	return n, stack
}

// predecessorFrom finds the rightmost leaf of the nearest sibling subtree
// before the path locate recorded, walking the stack outward (innermost
// frame first) until a frame has a sibling to its left.
func (t *Trie[V]) predecessorFrom(stack []pathFrame) *node {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].idx > 0 {
			return t.rightmostLeaf(&stack[i].twigs[stack[i].idx-1])
		}
	}
	return nil
}

// successorFrom is predecessorFrom's mirror: the leftmost leaf of the
// nearest sibling subtree after the path.
func (t *Trie[V]) successorFrom(stack []pathFrame) *node {
	for i := len(stack) - 1; i >= 0; i-- {
		f := stack[i]
		if f.idx+1 < len(f.twigs) {
			return t.leftmostLeaf(&f.twigs[f.idx+1])
		}
	}
	return nil
}

func (t *Trie[V]) rightmostLeaf(n *node) *node {
	for n.isBranch() {
		twigs := t.pages.twig(n.twigRef(), n.twigMax())
		n = &twigs[len(twigs)-1]
	}
	return n
}

func (t *Trie[V]) leftmostLeaf(n *node) *node {
	for n.isBranch() {
		twigs := t.pages.twig(n.twigRef(), n.twigMax())
		n = &twigs[0]
	}
	return n
}

// neighbors reports the ordered predecessor and successor of key's
// position in the trie, excluding key's own leaf (if any) from
// consideration; used to report Add's result neighbors.
func (t *Trie[V]) neighbors(key Key) (prev, next Name) {
	_, stack := t.locate(key)
	if p := t.predecessorFrom(stack); p != nil {
		prev = p.leafName()
	}
	if n := t.successorFrom(stack); n != nil {
		next = n.leafName()
	}
	return prev, next
}

// firstDiff returns the offset of the first shift at which a and b
// differ, along with each key's Shift there. It panics if a and b are
// identical, which Add never allows (callers only invoke it after
// confirming the two source names compare unequal).
func firstDiff(a, b Key) (offset int, shiftA, shiftB Shift) {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sa, sb := a.at(i), b.at(i)
		if sa != sb {
			return i, sa, sb
		}
	}
	panic("qptrie: distinct names produced identical keys")
}
