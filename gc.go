// SPDX-License-Identifier: MIT

package qptrie

import "time"

// Compact runs the copying collector: every live node is copied into a
// freshly allocated page set in traversal order (so a twig-vector and its
// children end up contiguous), and every old page is then released. This
// mirrors the spec's §4.4 recursive copying collector; the traversal order
// the spec gets from a pointer-stack is just ordinary Go recursion here.
//
// Compact is the trie's only place where GC pauses the world: callers
// running it concurrently with a [Trie.CowStart] transaction get a panic,
// since compaction and COW both want exclusive control of the page table.
// If the current page table is pinned by an outstanding [Snapshot] (one
// taken by an earlier, already-finished transaction that hasn't called
// [Snapshot.Release] yet), Compact still copies the live trie forward into
// a fresh table but leaves every old page in place rather than releasing
// any of them out from under that Snapshot.
func (t *Trie[V]) Compact() {
	if t.cow != nil {
		panic("qptrie: Compact called during an open CowStart transaction")
	}
	start := time.Now()

	src := t.pages
	dst := newPages()
	var moved int64

	var copyNode func(n *node) node
	copyNode = func(n *node) node {
		moved++
		if !n.isBranch() {
			return *n
		}
		max := n.twigMax()
		oldTwigs := src.twig(n.twigRef(), max)
		ref := dst.alloc(max)
		newTwigs := dst.twig(ref, max)
		for i := 0; i < max; i++ {
			newTwigs[i] = copyNode(&oldTwigs[i])
		}
		return newBranch(n.bitmap(), n.keyOffset(), ref)
	}

	if t.root.isBranch() || !t.root.isZero() {
		t.root = copyNode(&t.root)
	}

	var reclaimed int64
	if src.pinned == 0 {
		for i, base := range src.base {
			if base != nil {
				src.release(i)
				reclaimed++
			}
		}
	}

	t.pages = dst
	t.garbage = 0
	t.welford.add(float64(moved))
	t.durationWelford.add(float64(time.Since(start)))
	t.reclaimedWelford.add(float64(reclaimed))
	t.gcStats.Runs++
	t.gcStats.PagesReclaimed += reclaimed
	t.gcStats.LiveNodesMean = t.welford.mean
	t.gcStats.LiveNodesStdev = t.welford.stddev()
	t.gcStats.DurationMean = time.Duration(t.durationWelford.mean)
	t.gcStats.DurationStdev = time.Duration(t.durationWelford.stddev())
	t.gcStats.PagesReclaimedMean = t.reclaimedWelford.mean
	t.gcStats.PagesReclaimedStdev = t.reclaimedWelford.stddev()

	t.log.Debug().
		Int64("nodes_moved", moved).
		Int64("pages_reclaimed", reclaimed).
		Int("pinned_pages_left", src.pinned).
		Dur("duration", time.Since(start)).
		Int64("total_runs", t.gcStats.Runs).
		Msg("qptrie: compaction complete")
}

// maybeCompact triggers a [Trie.Compact] once accumulated garbage crosses
// MaxGarbage, or once the current bump page is nearly full (MinUsage) and
// there is garbage worth reclaiming instead of growing the page table
// further. Both thresholds come from spec §3/§9; see [Config].
func (t *Trie[V]) maybeCompact() {
	if t.cow != nil {
		// a COW writer owns its own page set; compaction happens, if at
		// all, when the transaction finishes (see cow.go).
		return
	}
	if t.garbage >= t.maxGarbage {
		t.Compact()
		return
	}
	if t.garbage > 0 && t.pages.usage[t.pages.bump].used >= t.minUsage {
		t.Compact()
	}
}
