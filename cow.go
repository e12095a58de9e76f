// SPDX-License-Identifier: MIT

package qptrie

// cowState marks a [Trie] as having an open copy-on-write transaction.
// Its only job is to exist or not: [Trie.Compact] refuses to run while one
// is open, since compaction rewrites the page table a live [Snapshot]
// still addresses by page index.
type cowState struct{}

// CowStart opens a copy-on-write transaction and returns a [Snapshot]
// frozen at the trie's current state. The live Trie remains fully usable
// for further reads and writes; because Add and Del never mutate an
// already-allocated twig-vector in place (see trie.go), every write from
// here on only adds pages the snapshot's root never references, so the
// snapshot stays valid for as long as the caller keeps it.
//
// CowStart pins the trie's current page table (see page.go's pin/unpin) so
// that a later [Trie.Compact] — whether run automatically by
// [Trie.CowFinish] or called manually, possibly long after this
// transaction has already finished — cannot release pages the returned
// Snapshot might still read out from under it. The caller must call
// [Snapshot.Release] once done with it to undo the pin; per spec §5, "a
// reader that began before cow_finish continues to see the old state
// until it releases its reference."
//
// Exactly one transaction may be open at a time; CowStart panics if one
// already is, and [Trie.Compact] panics if called before [Trie.CowFinish]
// closes it — mirroring the teacher's own defensive panics for programmer
// errors ("logic error, wrong node type").
func (t *Trie[V]) CowStart() *Snapshot[V] {
	if t.cow != nil {
		panic("qptrie: CowStart called while a transaction is already open")
	}
	t.cow = &cowState{}
	t.pages.pin()
	t.log.Debug().Int64("count", t.count).Msg("qptrie: cow transaction opened")
	return &Snapshot[V]{root: t.root, pages: t.pages, cmp: t.cmp}
}

// CowFinish closes the transaction opened by [Trie.CowStart]. Any garbage
// that accumulated while compaction was blocked is reconsidered
// immediately afterward; if the [Snapshot] CowStart returned is still
// pinning the page table it was taken against, that reconsideration copies
// live data into a fresh table but leaves the pinned one untouched (see
// [Trie.Compact]).
func (t *Trie[V]) CowFinish() {
	if t.cow == nil {
		panic("qptrie: CowFinish called with no open transaction")
	}
	t.cow = nil
	t.log.Debug().Int64("garbage", t.garbage).Msg("qptrie: cow transaction closed")
	t.maybeCompact()
}

// Snapshot is a read-only view of a [Trie] frozen at the moment
// [Trie.CowStart] was called. It supports the same read operations as
// Trie and is safe for concurrent use by multiple goroutines (nothing it
// reads ever changes). It remains valid after the transaction that
// created it closes, and across any number of later [Trie.Compact] runs
// on the live trie, for as long as the caller holds it — but the caller
// must call [Snapshot.Release] exactly once when done, so the page table
// it pinned can eventually be reclaimed.
type Snapshot[V any] struct {
	root     node
	pages    *pages
	cmp      Comparator
	released bool
}

// Release undoes the pin [Trie.CowStart] placed on s's page table,
// allowing a future [Trie.Compact] to reclaim it once no other Snapshot
// still pins it. s must not be used again afterward. Calling Release more
// than once panics.
func (s *Snapshot[V]) Release() {
	if s.released {
		panic("qptrie: Snapshot.Release called more than once")
	}
	s.released = true
	s.pages.unpin()
}

func (s *Snapshot[V]) isEmpty() bool { return !s.root.isBranch() && s.root.isZero() }

// Get looks up name in the snapshot, with the same semantics as
// [Trie.Get].
func (s *Snapshot[V]) Get(name Name) (*V, bool) {
	if s.isEmpty() {
		return nil, false
	}
	key := nameToKey(name)
	n := &s.root
	for n.isBranch() {
		b := n.twigBit(key)
		if !n.hasTwig(b) {
			return nil, false
		}
		twigs := s.pages.twig(n.twigRef(), n.twigMax())
		n = &twigs[n.twigPos(b)]
	}
	if !s.cmp.Equal(n.leafName(), name) {
		return nil, false
	}
	return (*V)(n.value), true
}

// FindLE reports the greatest name in the snapshot less than or equal to
// name, with the same semantics as [Trie.FindLE].
func (s *Snapshot[V]) FindLE(name Name) (result Name, value *V, exact bool, ok bool) {
	if s.isEmpty() {
		return nil, nil, false, false
	}
	key := nameToKey(name)

	type frame struct {
		twigs []node
		idx   int
	}
	var stack []frame
	n := &s.root
	for n.isBranch() {
		b := n.twigBit(key)
		twigs := s.pages.twig(n.twigRef(), n.twigMax())
		pos := n.twigPos(b)
		stack = append(stack, frame{twigs, pos})
		if !n.hasTwig(b) {
			n = nil
			break
		}
		n = &twigs[pos]
	}

	if n != nil {
		ln := n.leafName()
		if s.cmp.Equal(ln, name) {
			return ln, (*V)(n.value), true, true
		}
		if s.cmp.Less(ln, name) {
			return ln, (*V)(n.value), false, true
		}
	}

	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].idx > 0 {
			pred := &stack[i].twigs[stack[i].idx-1]
			for pred.isBranch() {
				t := s.pages.twig(pred.twigRef(), pred.twigMax())
				pred = &t[len(t)-1]
			}
			return pred.leafName(), (*V)(pred.value), false, true
		}
	}
	return nil, nil, false, false
}

// ForEach visits every name in the snapshot in ascending order, with the
// same semantics as [Trie.ForEach].
func (s *Snapshot[V]) ForEach(fn func(name Name, value *V) bool) {
	if s.isEmpty() {
		return
	}
	type frame struct {
		twigs []node
		idx   int
	}
	var stack []frame
	n := &s.root
	for {
		for n.isBranch() {
			twigs := s.pages.twig(n.twigRef(), n.twigMax())
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
