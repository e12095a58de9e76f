// SPDX-License-Identifier: MIT

package qptrie

// Shift is a small integer identifying a bit position in a branch node's
// twig bitmap (spec: node A[2..48), 46 usable bits). Every element of a
// [Key] is a Shift.
type Shift = uint8

const (
	// shiftBranch tags a node as a branch; it is never a valid element of
	// a Key.
	shiftBranch Shift = 0

	// shiftNoByte marks "no more bytes at this offset": one emitted after
	// every label, and doubled after the last label so that end-of-name
	// is distinguishable from end-of-label.
	shiftNoByte Shift = 1

	// firstCommonShift is the first shift value assigned to the common
	// hostname character set.
	firstCommonShift Shift = 2

	// numCommon is the number of single-shift "common" hostname bytes:
	// 'a'-'z', '0'-'9', '-', '_', '*' (spec: "39 common hostname
	// characters").
	numCommon = 26 + 10 + 3

	// shiftEscape marks a byte outside the common set. It is followed by
	// two digit shifts (see digitShift) encoding the byte's rank among
	// the rare bytes in base-46, most-significant digit first.
	shiftEscape Shift = firstCommonShift + numCommon // 41

	// digitBase is the number of distinct digit values available to encode
	// an escaped byte's rank (same [2,47] alphabet the common bytes use,
	// reused because digits occupy a different key offset than any
	// common-byte shift they might be compared against).
	digitBase = 46
)

// digitShift maps a base-46 digit (0..45) to a valid Shift.
func digitShift(d int) Shift {
	return firstCommonShift + Shift(d)
}

// shiftEntry is the translation table entry for one raw byte: either a
// single common shift (len==1) or an escape followed by two digits
// (len==3).
type shiftEntry struct {
	shifts [3]Shift
	length int
}

var shiftTable [256]shiftEntry

// commonBytes lists the 39 single-shift hostname characters in the order
// they receive ascending shift values. The order only needs to be a fixed,
// consistent total order — it does not need to match ASCII order — but
// ascending ASCII order keeps FindLE's predecessor results intuitive for
// embedders.
var commonBytes = func() []byte {
	var b []byte
	b = append(b, '*', '-')
	for c := byte('0'); c <= '9'; c++ {
		b = append(b, c)
	}
	b = append(b, '_')
	for c := byte('a'); c <= 'z'; c++ {
		b = append(b, c)
	}
	return b
}()

func init() {
	isCommon := [256]bool{}
	for i, c := range commonBytes {
		isCommon[c] = true
		shiftTable[c] = shiftEntry{shifts: [3]Shift{firstCommonShift + Shift(i)}, length: 1}
	}

	// Uppercase folds onto the same shift as its lowercase counterpart
	// (spec §4.1: "the translation table encodes a canonical folding").
	for c := byte('A'); c <= 'Z'; c++ {
		shiftTable[c] = shiftTable[c-'A'+'a']
		isCommon[c] = true
	}

	rank := 0
	for i := 0; i < 256; i++ {
		b := byte(i)
		if isCommon[b] {
			continue
		}
		hi := rank / digitBase
		lo := rank % digitBase
		shiftTable[b] = shiftEntry{
			shifts: [3]Shift{shiftEscape, digitShift(hi), digitShift(lo)},
			length: 3,
		}
		rank++
	}
}

// Key is the ordered sequence of shifts a [Name] is translated into for
// trie descent. Unlike the spec's fixed 512-shift stack buffer (a C memory-
// layout concern), Key is a plain growable slice: Go has no stack-allocated
// variable-length arrays, and a slice removes the need for a hard cap. A
// name built entirely from escaped bytes can, in the rare worst case,
// produce more than 511 shifts (each escaped byte costs 3 shifts instead of
// the common-case 1); nameToKey still refuses anything beyond maxKeyLen as
// a sanity bound, far above what any real DNS name produces.
type Key []Shift

const maxKeyLen = 2048

// nameToKey converts name into its Key, walking labels root-first-skipped,
// rightmost to leftmost, byte by byte, through the shift translation table.
// One shiftNoByte is emitted after every label; after the last label, a
// second shiftNoByte terminates the key, so "a.b" and "a.b." (handled
// identically here since Name never carries a trailing root label) and
// "a" vs "a.b" are distinguishable at the right offset.
func nameToKey(n Name) Key {
	key := make(Key, 0, 64)
	labels := n.LabelLen()
	for i := 0; i < labels; i++ {
		blen := n.ByteLen(i)
		for j := 0; j < blen; j++ {
			e := shiftTable[n.ByteAt(i, j)]
			key = append(key, e.shifts[:e.length]...)
			if len(key) > maxKeyLen {
				panic("qptrie: name produces an unreasonably long key")
			}
		}
		key = append(key, shiftNoByte)
	}
	key = append(key, shiftNoByte)
	return key
}

// at returns key[offset], or shiftNoByte if offset is at or past the end of
// key — matching spec §4.2's twig_bit "else SHIFT_NOBYTE" rule so that a
// key which has run out of bytes still compares correctly against a key
// still mid-label.
func (k Key) at(offset int) Shift {
	if offset >= len(k) {
		return shiftNoByte
	}
	return k[offset]
}

// compareByteRank orders two raw bytes the same way nameToKey orders them:
// by their shiftTable encoding, not by raw ASCII value. This matters
// because every escaped byte encodes to shiftEscape followed by two
// digits, and shiftEscape is numerically greater than every common-byte
// shift — so all escaped bytes sort after all common bytes regardless of
// their ASCII value. A comparator that instead compared raw bytes would
// disagree with the trie's actual key order for any pair of names that
// differ at an escaped byte. Folding of 'A'-'Z' onto 'a'-'z' falls out of
// this for free, since shiftTable already folds them to the same entry.
func compareByteRank(a, b byte) int {
	ea, eb := shiftTable[a], shiftTable[b]
	for i := 0; i < 3; i++ {
		var sa, sb Shift
		if i < ea.length {
			sa = ea.shifts[i]
		}
		if i < eb.length {
			sb = eb.shifts[i]
		}
		if sa != sb {
			if sa < sb {
				return -1
			}
			return 1
		}
	}
	return 0
}
