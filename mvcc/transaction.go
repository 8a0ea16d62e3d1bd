package mvcc

import (
	"iter"
	"sync/atomic"

	"github.com/google/btree"
)

type txPriorKind uint8

const (
	txWasNeither txPriorKind = iota
	txWasOverride
	txWasTombstoned
)

// txUndoEntry records what a key's state was in the enclosing Block's
// Staging Buffer the first time a Transaction touched it, so Discard can
// restore exactly that state.
type txUndoEntry[V any] struct {
	kind  txPriorKind
	value *V
}

// Transaction is a nested, RAII-scoped diff over a Block. Writes mutate the
// Block's Staging Buffer in place for read-through consistency, while a
// private undo log records the first prior state per key so Discard can
// reverse every change made during the Transaction's lifetime.
type Transaction[K any, V any] struct {
	block *Block[K, V]
	undo  *btree.BTreeG[entry[K, txUndoEntry[V]]]

	resolved atomic.Bool
}

func (tx *Transaction[K, V]) checkOpen() {
	if tx.resolved.Load() {
		panic(errTxClosed)
	}
}

// recordUndo captures the Block's pre-Transaction state for k, the first
// time k is touched during this Transaction's lifetime.
func (tx *Transaction[K, V]) recordUndo(k K) {
	if _, exists := tx.undo.Get(entry[K, txUndoEntry[V]]{key: k}); exists {
		return
	}
	var u txUndoEntry[V]
	if _, tombstoned := tx.block.tombstones.Get(k); tombstoned {
		u = txUndoEntry[V]{kind: txWasTombstoned}
	} else if e, ok := tx.block.overrides.Get(entry[K, V]{key: k}); ok {
		// Copy the value: GetMut hands out e.val itself, so keeping the
		// pointer would let in-place writes leak past Discard.
		prior := *e.val
		u = txUndoEntry[V]{kind: txWasOverride, value: &prior}
	} else {
		u = txUndoEntry[V]{kind: txWasNeither}
	}
	tx.undo.ReplaceOrInsert(entry[K, txUndoEntry[V]]{key: k, val: &u})
}

// Get reads through to the enclosing Block.
func (tx *Transaction[K, V]) Get(k K) (V, bool) {
	tx.checkOpen()
	return tx.block.Get(k)
}

// GetMut returns a mutable pointer to k's value, recording the Block's
// pre-Transaction state for k before delegating to Block.GetMut.
func (tx *Transaction[K, V]) GetMut(k K) (*V, bool) {
	tx.checkOpen()
	tx.recordUndo(k)
	return tx.block.GetMut(k)
}

// Insert writes k=v into the enclosing Block's Staging Buffer.
func (tx *Transaction[K, V]) Insert(k K, v V) {
	tx.checkOpen()
	tx.recordUndo(k)
	tx.block.Insert(k, v)
}

// Remove tombstones k in the enclosing Block's Staging Buffer.
func (tx *Transaction[K, V]) Remove(k K) {
	tx.checkOpen()
	tx.recordUndo(k)
	tx.block.Remove(k)
}

// Len reports the number of entries visible through this Transaction.
func (tx *Transaction[K, V]) Len() int {
	tx.checkOpen()
	return tx.block.Len()
}

// Iter reads through to the enclosing Block.
func (tx *Transaction[K, V]) Iter() iter.Seq2[K, V] {
	tx.checkOpen()
	return tx.block.Iter()
}

// Range reads through to the enclosing Block.
func (tx *Transaction[K, V]) Range(lo, hi Bound[K]) iter.Seq2[K, V] {
	tx.checkOpen()
	return tx.block.Range(lo, hi)
}

// Apply marks the Transaction resolved so its undo log is never replayed,
// making its writes permanent (from the enclosing Block's point of view)
// and any subsequent Discard a no-op. Calling Apply twice panics — a Transaction can be resolved
// exactly once.
func (tx *Transaction[K, V]) Apply() {
	tx.checkOpen()
	tx.resolved.Store(true)
	tx.block.txOpen.Store(false)
	if tx.block.storage.metrics != nil {
		tx.block.storage.metrics.txApplied.Inc()
	}
	tx.block.storage.logger.Debug().Msg("transaction applied")
}

// Discard reverses every change this Transaction made to the enclosing
// Block. Idempotent: a no-op if the Transaction was already applied or
// already discarded, matching the `defer tx.Discard()` release idiom.
func (tx *Transaction[K, V]) Discard() {
	if !tx.resolved.CompareAndSwap(false, true) {
		return
	}
	tx.undo.Ascend(func(e entry[K, txUndoEntry[V]]) bool {
		switch e.val.kind {
		case txWasOverride:
			tx.block.overrides.ReplaceOrInsert(entry[K, V]{key: e.key, val: e.val.value})
			tx.block.tombstones.Delete(e.key)
		case txWasTombstoned:
			tx.block.overrides.Delete(entry[K, V]{key: e.key})
			tx.block.tombstones.ReplaceOrInsert(e.key)
		case txWasNeither:
			tx.block.overrides.Delete(entry[K, V]{key: e.key})
			tx.block.tombstones.Delete(e.key)
		}
		return true
	})
	tx.block.txOpen.Store(false)
	if tx.block.storage.metrics != nil {
		tx.block.storage.metrics.txDiscarded.Inc()
	}
	tx.block.storage.logger.Debug().Int("undone", tx.undo.Len()).Msg("transaction discarded")
}
