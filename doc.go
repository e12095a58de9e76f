// SPDX-License-Identifier: MIT

// Package qptrie implements a DNS-specific qp-trie: an ordered associative
// container keyed by domain names, intended to be embedded as the primary
// name-lookup structure in an authoritative DNS server.
//
// A qptrie maps a domain name to an opaque value (the caller's per-name
// record bundle) and supports exact lookup ([Trie.Get]), ordered
// predecessor lookup ([Trie.FindLE]), ordered traversal ([Trie.ForEach]),
// insertion with ordered-neighbor reporting ([Trie.Add]), and deletion
// ([Trie.Del]).
//
// The trie is a bit-packed, page-allocated structure: every node packs a
// tag, a 46-bit child bitmap, and a 16-bit key offset into a single word (a
// leaf instead carries a value pointer and a name offset; see node.go for
// why the two aren't overlaid the way the original C design does it),
// nodes are bump-allocated out of fixed-size pages, and a copying collector
// ([Trie.Compact]) compacts live nodes and reclaims empty pages. A
// copy-on-write mode ([Trie.CowStart] / [Trie.CowFinish]) lets a writer
// keep mutating the trie while a [Snapshot] keeps traversing the version
// that existed when the transaction opened.
//
// Domain names and values are owned by the caller; a [Trie][V] only
// indexes pointers to them (see [Name] and [Trie.Add]'s nameOffset
// parameter for the ownership contract). Locking beyond the COW hand-off,
// DNS wire parsing, and persistence are out of scope — they belong to the
// embedding server.
package qptrie
