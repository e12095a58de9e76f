// SPDX-License-Identifier: MIT

package qptrie

// Name is an externally owned, immutable domain name. The trie never
// normalizes a Name; equality is decided by the [Comparator] supplied to
// [New], while the trie's own order is the order of the keys nameToKey
// derives from each name (see key.go), which [CaseInsensitiveComparator]
// matches.
//
// Labels are iterated root-first-skipped, rightmost label to leftmost, so
// that "www.example.com" yields the labels "com", "example", "www" in that
// order. This matches the byte order a qp-trie descent needs: names that
// share a suffix (the common case for sibling subdomains) diverge as late
// as possible in the key.
type Name interface {
	// LabelLen returns the number of labels in the name, not counting the
	// root label.
	LabelLen() int

	// ByteLen returns the number of bytes in label i, where i counts from
	// 0 (rightmost, e.g. the TLD) to LabelLen()-1 (leftmost).
	ByteLen(i int) int

	// ByteAt returns byte j (0-indexed) of label i, using the same label
	// indexing as ByteLen.
	ByteAt(i, j int) byte

	// Equal reports whether the receiver names the same domain as other,
	// under whatever folding the embedder considers canonical.
	Equal(other Name) bool
}

// Comparator supplies the total order the trie maintains over names. Two
// different Comparators must not be mixed across operations on the same
// [Trie].
type Comparator interface {
	// Less reports whether a sorts strictly before b.
	Less(a, b Name) bool

	// Equal reports whether a and b name the same domain.
	Equal(a, b Name) bool
}

// CaseInsensitiveComparator orders and compares names the way DNS usually
// does: labels are compared byte-for-byte with ASCII case folded, bytes
// ranked in the trie's key order rather than raw ASCII (see compareNames). This is
// the only comparator this package provides, and the one [New] defaults to.
//
// A case-sensitive comparator is not offered: the shift translation table
// in key.go folds 'A'-'Z' onto 'a'-'z' unconditionally, so two names
// differing only in case already encode to the identical [Key] and collide
// on the same trie slot. A comparator that told them apart would disagree
// with the structure actually being searched. An embedder that must keep
// differently-cased names distinct needs its own case-preserving encoding
// ahead of the trie (e.g. escaping case into the label bytes), which is
// outside this package's scope.
type CaseInsensitiveComparator struct{}

func (CaseInsensitiveComparator) Equal(a, b Name) bool {
	return compareNames(a, b) == 0
}

func (CaseInsensitiveComparator) Less(a, b Name) bool {
	return compareNames(a, b) < 0
}

// compareNames compares two names label-by-label, rightmost label first,
// matching the order [Name.LabelLen]/[Name.ByteLen]/[Name.ByteAt] expose.
// Bytes are ordered by [compareByteRank], the same shiftTable-derived order
// nameToKey encodes into shifts, rather than raw ASCII — two escaped bytes
// (or a common byte and an escaped one) do not necessarily compare the same
// way under ASCII and under the trie's key encoding, so only the shared
// shiftTable order keeps Comparator and the key codec provably consistent.
// This is the invariant §4.1 of the spec relies on ("name_to_key(A) <
// name_to_key(B) iff A precedes B").
func compareNames(a, b Name) int {
	na, nb := a.LabelLen(), b.LabelLen()
	n := na
	if nb < n {
		n = nb
	}
	for i := 0; i < n; i++ {
		la, lb := a.ByteLen(i), b.ByteLen(i)
		lm := la
		if lb < lm {
			lm = lb
		}
		for j := 0; j < lm; j++ {
			if c := compareByteRank(a.ByteAt(i, j), b.ByteAt(i, j)); c != 0 {
				return c
			}
		}
		if la != lb {
			if la < lb {
				return -1
			}
			return 1
		}
	}
	if na != nb {
		if na < nb {
			return -1
		}
		return 1
	}
	return 0
}
