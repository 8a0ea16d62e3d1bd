package mvcc

import (
	"iter"
	"sync/atomic"
	"time"

	"github.com/google/btree"
)

// Block is the exclusive write handle obtained from Storage.OpenBlock. It
// accumulates inserts and removes into a private (overrides, tombstones)
// pair — the in-progress Staging Buffer for this block — until Commit
// publishes it or Discard throws it away.
type Block[K any, V any] struct {
	storage *Storage[K, V]

	overrides  *btree.BTreeG[entry[K, V]]
	tombstones *btree.BTreeG[K]

	done   atomic.Bool
	txOpen atomic.Bool
}

func (b *Block[K, V]) checkOpen() {
	if b.done.Load() {
		panic(errBlockClosed)
	}
}

// Get consults the Block's own overrides/tombstones first, falling through
// to the Base Map.
func (b *Block[K, V]) Get(k K) (V, bool) {
	b.checkOpen()
	return lookup(b.overrides, b.tombstones, b.storage.base.Load(), k)
}

// GetMut returns a pointer to the value for k, lazily copying it out of the
// Base Map into this Block's overrides on first access so the caller can
// mutate it in place. Returns false if the key is absent (including
// tombstoned).
func (b *Block[K, V]) GetMut(k K) (*V, bool) {
	b.checkOpen()
	if _, tomb := b.tombstones.Get(k); tomb {
		return nil, false
	}
	if e, ok := b.overrides.Get(entry[K, V]{key: k}); ok {
		return e.val, true
	}
	base := b.storage.base.Load()
	e, ok := base.Get(entry[K, V]{key: k})
	if !ok {
		return nil, false
	}
	cloned := *e.val
	ptr := &cloned
	b.overrides.ReplaceOrInsert(entry[K, V]{key: k, val: ptr})
	return ptr, true
}

// Insert adds or overwrites k in the Staging Buffer, clearing any tombstone
// for it.
func (b *Block[K, V]) Insert(k K, v V) {
	b.checkOpen()
	val := v
	b.overrides.ReplaceOrInsert(entry[K, V]{key: k, val: &val})
	b.tombstones.Delete(k)
}

// Remove marks k as deleted in the Staging Buffer, clearing any override
// for it.
func (b *Block[K, V]) Remove(k K) {
	b.checkOpen()
	b.overrides.Delete(entry[K, V]{key: k})
	b.tombstones.ReplaceOrInsert(k)
}

// Len reports the number of entries visible from this Block.
func (b *Block[K, V]) Len() int {
	b.checkOpen()
	n := 0
	for range b.Iter() {
		n++
	}
	return n
}

// Iter yields every (key, value) pair visible from this Block in ascending
// key order, fusing its own overrides/tombstones with the Base Map.
func (b *Block[K, V]) Iter() iter.Seq2[K, V] {
	b.checkOpen()
	return toSeq2(b.entriesSeq(Unbounded[K](), Unbounded[K]()))
}

// Range yields entries in ascending key order between lo and hi, each
// bound being inclusive, exclusive or unbounded as constructed.
func (b *Block[K, V]) Range(lo, hi Bound[K]) iter.Seq2[K, V] {
	b.checkOpen()
	return toSeq2(b.entriesSeq(lo, hi))
}

func (b *Block[K, V]) entriesSeq(lo, hi Bound[K]) iter.Seq[entry[K, V]] {
	baseEntries := entriesInRange(b.storage.base.Load(), b.storage.less, lo, hi)
	return layeredEntries(b.storage.less, b.overrides, b.tombstones, lo, hi, baseEntries)
}

// Transaction opens a nested scope over this Block. At most one
// Transaction may be live on a Block at a time; opening a
// second without resolving the first is a programmer error.
func (b *Block[K, V]) Transaction() *Transaction[K, V] {
	b.checkOpen()
	if !b.txOpen.CompareAndSwap(false, true) {
		panic(errTxAlreadyOpen)
	}
	return &Transaction[K, V]{
		block: b,
		undo:  newEntryTree[K, txUndoEntry[V]](b.storage.less),
	}
}

func (b *Block[K, V]) checkNoOpenTransaction() {
	if b.txOpen.Load() {
		panic(misuseError("mvcc: Block.Commit called with an unresolved Transaction still open"))
	}
}

// Commit publishes this Block's accumulated writes as the new Staging
// Buffer, computes the Rollback Log needed to undo them, and releases the
// writer lock. Any Transaction opened on this Block must already be
// resolved (Apply or Discard) or Commit panics.
func (b *Block[K, V]) Commit() {
	b.checkNoOpenTransaction()
	if !b.done.CompareAndSwap(false, true) {
		panic(errBlockAlreadyDone)
	}
	defer b.storage.writer.Unlock()

	start := time.Now()
	base := b.storage.base.Load()
	rb := newRollbackLog[K, V](b.storage.less)
	// Overrides and tombstones are disjoint by construction (invariant I1),
	// so every key touched by this block appears exactly once across the
	// two walks below, and each gets exactly one rollback entry captured
	// against the Base Map as it stood before this block — the "first
	// prior value" rule from the design notes falls out for free.
	b.overrides.Ascend(func(e entry[K, V]) bool {
		captureRollback(rb, base, e.key)
		return true
	})
	b.tombstones.Ascend(func(k K) bool {
		captureRollback(rb, base, k)
		return true
	})
	b.storage.rollback.Store(rb)
	b.storage.staging.Store(&stagingBuffer[K, V]{overrides: b.overrides, tombstones: b.tombstones})

	if b.storage.metrics != nil {
		b.storage.metrics.blocksCommitted.Inc()
		b.storage.metrics.commitLatency.Observe(time.Since(start).Seconds())
	}
	b.storage.logger.Debug().
		Int("overrides", b.overrides.Len()).
		Int("tombstones", b.tombstones.Len()).
		Msg("block committed")
}

func captureRollback[K any, V any](rb *rollbackLog[K, V], base *btree.BTreeG[entry[K, V]], k K) {
	if old, ok := base.Get(entry[K, V]{key: k}); ok {
		rb.entries.ReplaceOrInsert(entry[K, rollbackValue[V]]{key: k, val: &rollbackValue[V]{value: old.val, present: true}})
	} else {
		rb.entries.ReplaceOrInsert(entry[K, rollbackValue[V]]{key: k, val: &rollbackValue[V]{present: false}})
	}
}

// Discard releases the writer lock without publishing this Block's writes.
// The previously committed block (already sitting in the Staging Buffer)
// is unaffected. Idempotent: calling Discard after Commit, or twice, is a
// silent no-op, matching the `defer block.Discard()` release idiom.
func (b *Block[K, V]) Discard() {
	if !b.done.CompareAndSwap(false, true) {
		return
	}
	b.storage.writer.Unlock()
	if b.storage.metrics != nil {
		b.storage.metrics.blocksDiscarded.Inc()
	}
	b.storage.logger.Debug().Msg("block discarded")
}
