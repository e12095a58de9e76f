// SPDX-License-Identifier: MIT

package qptrie

import "testing"

func TestCompactPanicsDuringOpenCow(t *testing.T) {
	t.Parallel()
	tr := newRecordTrie()
	addRecord(t, tr, "example.com", "v1")
	tr.CowStart()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic calling Compact during an open COW transaction")
		}
	}()
	tr.Compact()
}

func TestCompactPreservesContents(t *testing.T) {
	t.Parallel()
	tr := newRecordTrie()
	names := []string{"a.com", "b.com", "c.com", "a.example.com", "b.example.com"}
	for _, n := range names {
		addRecord(t, tr, n, n)
	}
	// churn some garbage before compacting: an explicit delete-then-reinsert
	// simulates an "update" without violating Add's no-duplicate precondition.
	tr.Del(mustName("a.com"))
	addRecord(t, tr, "a.com", "a-updated")
	tr.Del(mustName("b.com"))

	tr.Compact()

	if tr.Count() != int64(len(names)-1) {
		t.Fatalf("Count() after Compact = %d, want %d", tr.Count(), len(names)-1)
	}
	v, ok := tr.Get(mustName("a.com"))
	if !ok || v.Data != "a-updated" {
		t.Fatalf("Get(a.com) after Compact = (%v, %v), want (a-updated, true)", v, ok)
	}
	if _, ok := tr.Get(mustName("b.com")); ok {
		t.Error("b.com should remain deleted after Compact")
	}
	for _, n := range []string{"c.com", "a.example.com", "b.example.com"} {
		if _, ok := tr.Get(mustName(n)); !ok {
			t.Errorf("Get(%q) missed after Compact", n)
		}
	}
}

func TestCompactResetsGarbageAndUpdatesStats(t *testing.T) {
	t.Parallel()
	tr := newRecordTrie()
	for _, n := range []string{"a.com", "b.com", "c.com"} {
		addRecord(t, tr, n, n)
	}
	tr.Del(mustName("a.com"))
	addRecord(t, tr, "a.com", "a-updated")
	if tr.garbage == 0 {
		t.Fatal("expected some garbage to have accumulated from the update")
	}

	statsBefore := tr.GCStats()
	tr.Compact()
	statsAfter := tr.GCStats()

	if tr.garbage != 0 {
		t.Errorf("garbage after Compact = %d, want 0", tr.garbage)
	}
	if statsAfter.Runs != statsBefore.Runs+1 {
		t.Errorf("GCStats.Runs = %d, want %d", statsAfter.Runs, statsBefore.Runs+1)
	}
}

func TestCompactOnEmptyTrie(t *testing.T) {
	t.Parallel()
	tr := newRecordTrie()
	tr.Compact() // must not panic on an empty trie
	if tr.Count() != 0 {
		t.Errorf("Count() = %d, want 0", tr.Count())
	}
}

func TestMaybeCompactTriggersAtMaxGarbage(t *testing.T) {
	t.Parallel()
	tr := New[record](Config{MaxGarbage: 3})
	for _, n := range []string{"a.com", "b.com", "c.com", "d.com"} {
		addRecord(t, tr, n, n)
	}
	runsBefore := tr.GCStats().Runs
	// Each delete-then-reinsert on an established branch retires at least one
	// twig-vector as garbage; a handful of these should cross MaxGarbage=3 and
	// trigger an automatic Compact.
	for i := 0; i < 5; i++ {
		tr.Del(mustName("a.com"))
		addRecord(t, tr, "a.com", "a-updated")
	}
	if tr.GCStats().Runs <= runsBefore {
		t.Error("expected maybeCompact to have triggered at least one Compact run")
	}
	v, ok := tr.Get(mustName("a.com"))
	if !ok || v.Data != "a-updated" {
		t.Fatalf("Get(a.com) = (%v, %v), want (a-updated, true) after automatic compaction", v, ok)
	}
}

func TestMaybeCompactSkippedDuringOpenCow(t *testing.T) {
	t.Parallel()
	tr := New[record](Config{MaxGarbage: 1})
	addRecord(t, tr, "a.com", "a")
	addRecord(t, tr, "b.com", "b")
	tr.CowStart()
	// would trigger Compact outside a COW transaction: collapsing the
	// two-twig root branch on delete landfills its twig-vector as garbage.
	tr.Del(mustName("a.com"))
	addRecord(t, tr, "a.com", "a-updated")
	if tr.cow == nil {
		t.Fatal("expected COW transaction to still be open")
	}
	// Compact must not have run while cow != nil; garbage should still be
	// present rather than reset to zero.
	if tr.garbage == 0 {
		t.Error("garbage should still be pending: Compact must not run during an open COW transaction")
	}
	tr.CowFinish()
}
