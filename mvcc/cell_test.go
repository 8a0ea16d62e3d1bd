package mvcc_test

import (
	"testing"

	"github.com/erigara/mvcc/mvcc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCellViews_S5 mirrors scenario S5: a scalar Cell starting at 0, three
// commits setting 1, 2, 3 in turn, with a View taken between each commit
// that must keep reporting what was visible when it was taken.
func TestCellViews_S5(t *testing.T) {
	c := mvcc.NewCell[int](0)

	v0 := c.View()

	b1 := c.OpenBlock(false)
	*b1.GetMut() = 1
	b1.Commit()
	v1 := c.View()

	b2 := c.OpenBlock(false)
	*b2.GetMut() = 2
	b2.Commit()
	v2 := c.View()

	b3 := c.OpenBlock(false)
	*b3.GetMut() = 3
	b3.Commit()
	v3 := c.View()

	assert.Equal(t, 0, v0.Get())
	assert.Equal(t, 1, v1.Get())
	assert.Equal(t, 2, v2.Get())
	assert.Equal(t, 3, v3.Get())
}

// TestCellRevertUndoesLastBlock exercises the Cell analog of S4: revert
// undoes exactly the last committed block, and a block that never called
// GetMut leaves the Rollback Log empty rather than stale.
func TestCellRevertUndoesLastBlock(t *testing.T) {
	c := mvcc.NewCell[int](0)

	b1 := c.OpenBlock(false)
	*b1.GetMut() = 1
	b1.Commit()

	b2 := c.OpenBlock(false)
	*b2.GetMut() = 2
	b2.Commit()

	require.Equal(t, 2, c.View().Get())

	r1 := c.OpenBlock(true)
	r1.Commit()
	assert.Equal(t, 1, c.View().Get())

	r2 := c.OpenBlock(true)
	r2.Commit()
	assert.Equal(t, 1, c.View().Get(), "second consecutive revert must be a no-op")
}

// TestCellUntouchedBlockCommitIsNoOp confirms that committing a Block which
// never called GetMut leaves the current value untouched and empties the
// Rollback Log.
func TestCellUntouchedBlockCommitIsNoOp(t *testing.T) {
	c := mvcc.NewCell[int](7)

	b1 := c.OpenBlock(false)
	*b1.GetMut() = 8
	b1.Commit()

	b2 := c.OpenBlock(false)
	b2.Commit() // no GetMut call at all

	assert.Equal(t, 8, c.View().Get())

	r := c.OpenBlock(true)
	r.Commit()
	assert.Equal(t, 8, c.View().Get(), "an untouched block's commit clears the Rollback Log, so the following revert is a no-op")
}

// TestCellTransactionDiscardReverts confirms CellTransaction.Discard
// restores the Block's working value to what it was before the
// Transaction began.
func TestCellTransactionDiscardReverts(t *testing.T) {
	c := mvcc.NewCell[int](0)

	b := c.OpenBlock(false)
	*b.GetMut() = 1
	b.Commit()

	b2 := c.OpenBlock(false)
	tx := b2.Transaction()
	*tx.GetMut() = 99
	tx.Discard()

	assert.Equal(t, 1, b2.Get(), "discarded transaction must leave the block's working value untouched")
	b2.Commit()
	assert.Equal(t, 1, c.View().Get())
}
