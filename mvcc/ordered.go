// Package mvcc implements a multi-version, in-memory key/value store with a
// three-tier write hierarchy (Storage -> Block -> Transaction) and
// persistent, lock-free read snapshots.
package mvcc

import (
	"iter"

	"github.com/google/btree"
)

// LessFunc reports whether a sorts strictly before b. K need not satisfy
// Go's ordered constraint — callers supply their own comparator, mirroring
// the comparator threaded through google/btree's generic tree.
type LessFunc[K any] func(a, b K) bool

// btreeDegree is the branching factor passed to every btree.NewG call in
// this package. 32 matches the default most callers of google/btree reach
// for; there is nothing workload-specific about it here.
const btreeDegree = 32

// entry is a single key/value slot stored inside an ordered map. val is a
// pointer so that get_mut-style in-place mutation is possible without
// re-inserting into the tree. Block.GetMut copies a Base Map value into a
// fresh pointer before placing it in the Block's overrides.
type entry[K any, V any] struct {
	key K
	val *V
}

func entryLess[K any, V any](less LessFunc[K]) btree.LessFunc[entry[K, V]] {
	return func(a, b entry[K, V]) bool { return less(a.key, b.key) }
}

// newEntryTree returns an empty persistent ordered map of K -> *V.
func newEntryTree[K any, V any](less LessFunc[K]) *btree.BTreeG[entry[K, V]] {
	return btree.NewG(btreeDegree, entryLess[K, V](less))
}

// newKeyTree returns an empty persistent ordered set of K, used for
// tombstone sets.
func newKeyTree[K any](less LessFunc[K]) *btree.BTreeG[K] {
	return btree.NewG(btreeDegree, btree.LessFunc[K](less))
}

// boundKind classifies one endpoint of a Range query.
type boundKind uint8

const (
	boundUnbounded boundKind = iota
	boundIncluded
	boundExcluded
)

// Bound is one endpoint (lower or upper) of a Range query, mirroring Rust's
// std::ops::Bound since Go has no equivalent in the standard library.
type Bound[K any] struct {
	kind boundKind
	key  K
}

// Unbounded returns a Bound with no limit.
func Unbounded[K any]() Bound[K] { return Bound[K]{kind: boundUnbounded} }

// Included returns a Bound that includes k itself.
func Included[K any](k K) Bound[K] { return Bound[K]{kind: boundIncluded, key: k} }

// Excluded returns a Bound that stops short of k itself.
func Excluded[K any](k K) Bound[K] { return Bound[K]{kind: boundExcluded, key: k} }

// entriesInRange walks t in ascending key order between lo and hi,
// honoring inclusive/exclusive/unbounded endpoints on both sides. It is the
// O source (or the B source, before tombstone filtering) feeding mergeLayer.
func entriesInRange[K any, V any](t *btree.BTreeG[entry[K, V]], less LessFunc[K], lo, hi Bound[K]) iter.Seq[entry[K, V]] {
	return func(yield func(entry[K, V]) bool) {
		pastHi := func(k K) bool {
			switch hi.kind {
			case boundIncluded:
				return less(hi.key, k)
			case boundExcluded:
				return !less(k, hi.key)
			default:
				return false
			}
		}
		visit := func(e entry[K, V]) bool {
			if pastHi(e.key) {
				return false
			}
			return yield(e)
		}
		switch lo.kind {
		case boundUnbounded:
			t.Ascend(func(e entry[K, V]) bool { return visit(e) })
		case boundIncluded:
			t.AscendGreaterOrEqual(entry[K, V]{key: lo.key}, func(e entry[K, V]) bool { return visit(e) })
		case boundExcluded:
			first := true
			t.AscendGreaterOrEqual(entry[K, V]{key: lo.key}, func(e entry[K, V]) bool {
				if first {
					first = false
					if !less(lo.key, e.key) && !less(e.key, lo.key) {
						return true // e.key == lo.key, skip it
					}
				}
				return visit(e)
			})
		}
	}
}

// keysAscending walks a key-only set (tombstones) in ascending order with
// no bounds. Per the merge algorithm tombstones always scan from the
// beginning regardless of the requested range — they are expected to stay
// small, so re-scanning them in full is cheap and keeps the range variant of
// the algorithm identical to the unranged one.
func keysAscending[K any](t *btree.BTreeG[K], less LessFunc[K]) iter.Seq[K] {
	return func(yield func(K) bool) {
		t.Ascend(func(k K) bool { return yield(k) })
	}
}

// lookup resolves a single key against an (overrides, tombstones, base)
// triple, the shape shared by View.Get and Block.Get.
func lookup[K any, V any](overrides *btree.BTreeG[entry[K, V]], tombstones *btree.BTreeG[K], base *btree.BTreeG[entry[K, V]], k K) (V, bool) {
	if _, tomb := tombstones.Get(k); tomb {
		var zero V
		return zero, false
	}
	if e, ok := overrides.Get(entry[K, V]{key: k}); ok {
		return *e.val, true
	}
	if e, ok := base.Get(entry[K, V]{key: k}); ok {
		return *e.val, true
	}
	var zero V
	return zero, false
}

// layeredEntries composes one (overrides, tombstones) layer over an
// already-produced base sequence, with overrides restricted to lo..hi. Used
// by View and Block (base = the Storage's Base Map). Transaction does not
// call it: its writes live in the Block's own trees, so it reads through
// Block.Iter/Block.Range.
func layeredEntries[K any, V any](less LessFunc[K], overrides *btree.BTreeG[entry[K, V]], tombstones *btree.BTreeG[K], lo, hi Bound[K], base iter.Seq[entry[K, V]]) iter.Seq[entry[K, V]] {
	o := entriesInRange(overrides, less, lo, hi)
	t := keysAscending(tombstones, less)
	return mergeLayer(less, o, t, base)
}

// toSeq2 adapts an entry sequence to the public (K, V) iterator shape.
func toSeq2[K any, V any](s iter.Seq[entry[K, V]]) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for e := range s {
			if !yield(e.key, *e.val) {
				return
			}
		}
	}
}

// mergeLayer fuses an overrides map, a tombstone set, and an underlying base
// sequence into one ascending, deduplicated sequence: overrides win ties
// over base, and tombstoned keys are dropped from base entirely. This is
// the single merge primitive shared by View and Block (and so, through
// Block, by Transaction).
func mergeLayer[K any, V any](less LessFunc[K], overrides iter.Seq[entry[K, V]], tombstones iter.Seq[K], base iter.Seq[entry[K, V]]) iter.Seq[entry[K, V]] {
	return func(yield func(entry[K, V]) bool) {
		nextTomb, stopTomb := iter.Pull(tombstones)
		defer stopTomb()
		tomb, tombOK := nextTomb()

		filteredBase := func(yield func(entry[K, V]) bool) {
			for e := range base {
				for tombOK && less(tomb, e.key) {
					tomb, tombOK = nextTomb()
				}
				if tombOK && !less(tomb, e.key) && !less(e.key, tomb) {
					tomb, tombOK = nextTomb()
					continue
				}
				if !yield(e) {
					return
				}
			}
		}

		nextOverride, stopOverride := iter.Pull(overrides)
		defer stopOverride()
		nextBase, stopBase := iter.Pull(iter.Seq[entry[K, V]](filteredBase))
		defer stopBase()

		o, oOK := nextOverride()
		b, bOK := nextBase()
		for oOK || bOK {
			switch {
			case oOK && bOK && less(b.key, o.key):
				if !yield(b) {
					return
				}
				b, bOK = nextBase()
			case oOK && bOK && less(o.key, b.key):
				if !yield(o) {
					return
				}
				o, oOK = nextOverride()
			case oOK && bOK:
				// equal keys: override wins, base duplicate dropped
				if !yield(o) {
					return
				}
				o, oOK = nextOverride()
				b, bOK = nextBase()
			case oOK:
				if !yield(o) {
					return
				}
				o, oOK = nextOverride()
			default:
				if !yield(b) {
					return
				}
				b, bOK = nextBase()
			}
		}
	}
}
