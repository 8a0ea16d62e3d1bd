package mvcc

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Cell is the scalar specialization of Storage: a single versioned value
// sharing the same Block/Transaction/View protocol and one-block revert
// semantics as the K/V variant, minus the Base-Map/Staging-Buffer split —
// a scalar's "newest committed block" and "everything before it" are the
// same slot, so there is nothing to merge lazily at the next open.
type Cell[V any] struct {
	current  atomic.Pointer[V]
	rollback atomic.Pointer[V] // nil: nothing to undo

	writer sync.Mutex

	logger     zerolog.Logger
	metrics    *storageMetrics
	instanceID string
}

// NewCell constructs a Cell holding initial.
func NewCell[V any](initial V, opts ...Option) *Cell[V] {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	c := &Cell[V]{
		logger:     cfg.logger.With().Str("component", "mvcc.Cell").Str("instance", cfg.instanceID).Logger(),
		metrics:    cfg.metrics,
		instanceID: cfg.instanceID,
	}
	v := initial
	c.current.Store(&v)
	return c
}

// CellView is an immutable snapshot of a Cell's value at View time.
type CellView[V any] struct {
	value *V
}

// View snapshots the Cell's current value.
func (c *Cell[V]) View() *CellView[V] {
	return &CellView[V]{value: c.current.Load()}
}

// Get returns the snapshotted value.
func (v *CellView[V]) Get() V { return *v.value }

// CellBlock is the exclusive write handle for a Cell.
type CellBlock[V any] struct {
	cell *Cell[V]

	value    *V
	priorVal *V
	touched  bool

	done   atomic.Bool
	txOpen atomic.Bool
}

// OpenBlock acquires the exclusive write handle over the Cell. If revert is
// true, the Rollback Log (the value before the previously committed block)
// is restored onto the current value first, and the Rollback Log is
// emptied; a no-op if nothing has been committed yet.
func (c *Cell[V]) OpenBlock(revert bool) *CellBlock[V] {
	c.writer.Lock()
	if revert {
		if rb := c.rollback.Load(); rb != nil {
			c.current.Store(rb)
		}
		c.rollback.Store(nil)
		if c.metrics != nil {
			c.metrics.blocksReverted.Inc()
		}
		c.logger.Debug().Msg("cell block reverted")
	}
	working := *c.current.Load()
	return &CellBlock[V]{cell: c, value: &working}
}

func (b *CellBlock[V]) checkOpen() {
	if b.done.Load() {
		panic(errBlockClosed)
	}
}

// Get returns the Block's working value without marking it as touched.
func (b *CellBlock[V]) Get() V {
	b.checkOpen()
	return *b.value
}

// GetMut returns a pointer to the Block's working value, lazily capturing
// the pre-Block value into the rollback candidate on first call — exactly
// mirroring the open question in the design notes: calling GetMut without
// actually mutating through it still makes the eventual commit behave as
// if a write occurred.
func (b *CellBlock[V]) GetMut() *V {
	b.checkOpen()
	if !b.touched {
		old := *b.value
		b.priorVal = &old
		b.touched = true
	}
	return b.value
}

// Transaction opens a nested scope over this Block.
func (b *CellBlock[V]) Transaction() *CellTransaction[V] {
	b.checkOpen()
	if !b.txOpen.CompareAndSwap(false, true) {
		panic(errTxAlreadyOpen)
	}
	return &CellTransaction[V]{block: b}
}

func (b *CellBlock[V]) checkNoOpenTransaction() {
	if b.txOpen.Load() {
		panic(misuseError("mvcc: CellBlock.Commit called with an unresolved Transaction still open"))
	}
}

// Commit publishes the Block's working value as the Cell's current value
// and records the Rollback Log needed to undo it, if GetMut was ever
// called during this Block's lifetime; otherwise the Rollback Log becomes
// empty, since nothing changed.
func (b *CellBlock[V]) Commit() {
	b.checkNoOpenTransaction()
	if !b.done.CompareAndSwap(false, true) {
		panic(errBlockAlreadyDone)
	}
	defer b.cell.writer.Unlock()

	if b.touched {
		b.cell.rollback.Store(b.priorVal)
		b.cell.current.Store(b.value)
	} else {
		b.cell.rollback.Store(nil)
	}
	if b.cell.metrics != nil {
		b.cell.metrics.blocksCommitted.Inc()
	}
	b.cell.logger.Debug().Bool("touched", b.touched).Msg("cell block committed")
}

// Discard releases the writer lock without publishing the working value.
// Idempotent, matching Block.Discard.
func (b *CellBlock[V]) Discard() {
	if !b.done.CompareAndSwap(false, true) {
		return
	}
	b.cell.writer.Unlock()
	if b.cell.metrics != nil {
		b.cell.metrics.blocksDiscarded.Inc()
	}
}

// CellTransaction is a nested, RAII-scoped diff over a CellBlock.
type CellTransaction[V any] struct {
	block *CellBlock[V]

	prior   *V
	touched bool

	resolved atomic.Bool
}

func (tx *CellTransaction[V]) checkOpen() {
	if tx.resolved.Load() {
		panic(errTxClosed)
	}
}

// Get reads through to the enclosing Block.
func (tx *CellTransaction[V]) Get() V {
	tx.checkOpen()
	return tx.block.Get()
}

// GetMut returns a mutable pointer to the enclosing Block's working value,
// capturing it for revert-on-discard the first time it is called.
func (tx *CellTransaction[V]) GetMut() *V {
	tx.checkOpen()
	if !tx.touched {
		old := tx.block.Get()
		tx.prior = &old
		tx.touched = true
	}
	return tx.block.GetMut()
}

// Apply makes this Transaction's writes permanent from the enclosing
// Block's point of view; any subsequent Discard becomes a no-op.
func (tx *CellTransaction[V]) Apply() {
	tx.checkOpen()
	tx.resolved.Store(true)
	tx.block.txOpen.Store(false)
	if tx.block.cell.metrics != nil {
		tx.block.cell.metrics.txApplied.Inc()
	}
	tx.block.cell.logger.Debug().Msg("cell transaction applied")
}

// Discard reverts the enclosing Block's working value to what it was
// before this Transaction began, if GetMut was ever called. Idempotent.
func (tx *CellTransaction[V]) Discard() {
	if !tx.resolved.CompareAndSwap(false, true) {
		return
	}
	if tx.touched {
		*tx.block.value = *tx.prior
	}
	tx.block.txOpen.Store(false)
	if tx.block.cell.metrics != nil {
		tx.block.cell.metrics.txDiscarded.Inc()
	}
	tx.block.cell.logger.Debug().Bool("touched", tx.touched).Msg("cell transaction discarded")
}
