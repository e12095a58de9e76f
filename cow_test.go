// SPDX-License-Identifier: MIT

package qptrie

import (
	"testing"
	"unsafe"
)

func TestCowStartPanicsWhenAlreadyOpen(t *testing.T) {
	t.Parallel()
	tr := newRecordTrie()
	tr.CowStart()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on nested CowStart")
		}
	}()
	tr.CowStart()
}

func TestCowFinishPanicsWithNoOpenTransaction(t *testing.T) {
	t.Parallel()
	tr := newRecordTrie()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic calling CowFinish with no open transaction")
		}
	}()
	tr.CowFinish()
}

func TestCowFinishAllowsReopening(t *testing.T) {
	t.Parallel()
	tr := newRecordTrie()
	tr.CowStart()
	tr.CowFinish()
	// should not panic
	tr.CowStart()
	tr.CowFinish()
}

func TestSnapshotSeesStateAtCowStart(t *testing.T) {
	t.Parallel()
	tr := newRecordTrie()
	addRecord(t, tr, "a.com", "a")
	addRecord(t, tr, "b.com", "b")

	snap := tr.CowStart()

	// Mutate the live trie after the snapshot was taken: add, update, and
	// delete. The snapshot must keep reading exactly what existed at
	// CowStart, proving Add/Del's path-copying never touches old pages.
	addRecord(t, tr, "c.com", "c")
	tr.Del(mustName("a.com"))
	tr.Del(mustName("b.com"))
	r := &record{Name: mustName("b.com"), Data: "b-updated"}
	tr.Add(mustName("b.com"), r, unsafe.Offsetof(r.Name))

	if _, ok := snap.Get(mustName("c.com")); ok {
		t.Error("snapshot should not see a name added after CowStart")
	}
	v, ok := snap.Get(mustName("a.com"))
	if !ok || v.Data != "a" {
		t.Errorf("snapshot Get(a.com) = (%v, %v), want (a, true); deletion after CowStart must not affect it", v, ok)
	}
	v, ok = snap.Get(mustName("b.com"))
	if !ok || v.Data != "b" {
		t.Errorf("snapshot Get(b.com) = (%v, %v), want (b, true); update after CowStart must not affect it", v, ok)
	}

	// The live trie, meanwhile, reflects all the post-snapshot writes.
	if _, ok := tr.Get(mustName("a.com")); ok {
		t.Error("live trie should no longer have a.com")
	}
	liveB, ok := tr.Get(mustName("b.com"))
	if !ok || liveB.Data != "b-updated" {
		t.Errorf("live trie Get(b.com) = (%v, %v), want (b-updated, true)", liveB, ok)
	}
	if _, ok := tr.Get(mustName("c.com")); !ok {
		t.Error("live trie should have c.com")
	}

	tr.CowFinish()
	snap.Release()
}

// TestSnapshotSurvivesCompactUntilReleased guards against a Snapshot's
// page table being released out from under it by a Compact that runs
// after the transaction that created it has already finished: CowFinish
// triggers an automatic Compact via maybeCompact once garbage crosses
// MaxGarbage, and a later manual Compact must behave the same way. Either
// one releasing pages the still-outstanding snap needs would have it read
// through a nil page slice.
func TestSnapshotSurvivesCompactUntilReleased(t *testing.T) {
	t.Parallel()
	tr := New[record](Config{MaxGarbage: 1})
	addRecord(t, tr, "a.com", "a")
	addRecord(t, tr, "b.com", "b")

	snap := tr.CowStart()

	// Churn enough garbage during the transaction that CowFinish's
	// maybeCompact has something to reclaim.
	tr.Del(mustName("a.com"))
	addRecord(t, tr, "a.com", "a-again")
	tr.CowFinish()

	if tr.GCStats().Runs == 0 {
		t.Fatal("expected CowFinish to have triggered an automatic Compact")
	}
	v, ok := snap.Get(mustName("a.com"))
	if !ok || v.Data != "a" {
		t.Fatalf("snap.Get(a.com) after CowFinish's Compact = (%v, %v), want (a, true)", v, ok)
	}

	// A later, explicit Compact on the live trie (which by now operates on
	// the fresh table CowFinish's Compact produced, not snap's pinned one)
	// must not disturb snap either.
	tr.Compact()
	v, ok = snap.Get(mustName("a.com"))
	if !ok || v.Data != "a" {
		t.Fatalf("snap.Get(a.com) after a second Compact = (%v, %v), want (a, true)", v, ok)
	}
	v, ok = snap.Get(mustName("b.com"))
	if !ok || v.Data != "b" {
		t.Fatalf("snap.Get(b.com) after Compact = (%v, %v), want (b, true)", v, ok)
	}

	snap.Release()

	// Once released, the live trie's own compaction is unaffected.
	addRecord(t, tr, "c.com", "c")
	tr.Compact()
	if _, ok := tr.Get(mustName("a.com")); !ok {
		t.Error("live trie lost a.com after post-release compaction")
	}
}

func TestSnapshotReleaseCalledTwicePanics(t *testing.T) {
	t.Parallel()
	tr := newRecordTrie()
	addRecord(t, tr, "a.com", "a")
	snap := tr.CowStart()
	tr.CowFinish()
	snap.Release()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic calling Release a second time")
		}
	}()
	snap.Release()
}

func TestSnapshotFindLEMatchesTrieSemantics(t *testing.T) {
	t.Parallel()
	tr := newRecordTrie()
	addRecord(t, tr, "a.com", "a")
	addRecord(t, tr, "c.com", "c")
	snap := tr.CowStart()
	defer tr.CowFinish()
	defer snap.Release()

	name, v, exact, ok := snap.FindLE(mustName("b.com"))
	if !ok || exact {
		t.Fatalf("FindLE(b.com) ok=%v exact=%v, want true,false", ok, exact)
	}
	if name.(testName).String() != "a.com" || v.Data != "a" {
		t.Errorf("FindLE(b.com) = (%v, %v), want (a.com, a)", name, v)
	}

	if _, _, _, ok := snap.FindLE(mustName("0.com")); ok {
		t.Error("FindLE below everything stored should report no match")
	}
}

func TestSnapshotForEachVisitsFrozenSet(t *testing.T) {
	t.Parallel()
	tr := newRecordTrie()
	names := []string{"a.com", "b.com", "c.com"}
	for _, n := range names {
		addRecord(t, tr, n, n)
	}
	snap := tr.CowStart()
	addRecord(t, tr, "d.com", "d")

	var got []string
	snap.ForEach(func(name Name, value *record) bool {
		got = append(got, name.(testName).String())
		return true
	})
	if len(got) != len(names) {
		t.Fatalf("snapshot ForEach visited %d names, want %d (saw %v)", len(got), len(names), got)
	}
	for i := 1; i < len(got); i++ {
		if !(CaseInsensitiveComparator{}).Less(mustName(got[i-1]), mustName(got[i])) {
			t.Fatalf("snapshot ForEach order broken at %d: %q then %q", i, got[i-1], got[i])
		}
	}

	tr.CowFinish()
	snap.Release()
}
