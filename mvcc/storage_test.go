package mvcc_test

import (
	"testing"

	"github.com/erigara/mvcc/mvcc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lessInt(a, b int) bool { return a < b }

func newTestStorage(t *testing.T) *mvcc.Storage[int, int] {
	t.Helper()
	return mvcc.NewStorage[int, int](lessInt)
}

// TestViewSnapshots_S1 mirrors scenario S1: three blocks committed in turn,
// with a View taken after each, must each keep seeing exactly what was
// visible at the moment they were taken regardless of later commits.
func TestViewSnapshots_S1(t *testing.T) {
	s := newTestStorage(t)

	v0 := s.View()

	b1 := s.OpenBlock(false)
	b1.Insert(0, 0)
	b1.Insert(1, 0)
	b1.Insert(2, 0)
	b1.Commit()
	v1 := s.View()

	b2 := s.OpenBlock(false)
	b2.Insert(0, 1)
	b2.Insert(1, 1)
	b2.Insert(3, 1)
	b2.Commit()
	v2 := s.View()

	b3 := s.OpenBlock(false)
	b3.Insert(1, 2)
	b3.Insert(4, 2)
	b3.Commit()
	v3 := s.View()

	assert.Equal(t, 0, v0.Len())

	want1 := map[int]int{0: 0, 1: 0, 2: 0}
	assert.Equal(t, want1, collect(v1))

	want2 := map[int]int{0: 1, 1: 1, 2: 0, 3: 1}
	assert.Equal(t, want2, collect(v2))

	want3 := map[int]int{0: 1, 1: 2, 2: 0, 3: 1, 4: 2}
	assert.Equal(t, want3, collect(v3))
}

func collect(v *mvcc.View[int, int]) map[int]int {
	out := make(map[int]int)
	for k, val := range v.Iter() {
		out[k] = val
	}
	return out
}

// TestIterAndRange_S2 mirrors scenario S2's ordered iteration and
// closed/open range queries over the V3 snapshot from S1.
func TestIterAndRange_S2(t *testing.T) {
	s := newTestStorage(t)

	b1 := s.OpenBlock(false)
	b1.Insert(0, 0)
	b1.Insert(1, 0)
	b1.Insert(2, 0)
	b1.Commit()

	b2 := s.OpenBlock(false)
	b2.Insert(0, 1)
	b2.Insert(1, 1)
	b2.Insert(3, 1)
	b2.Commit()

	b3 := s.OpenBlock(false)
	b3.Insert(1, 2)
	b3.Insert(4, 2)
	b3.Commit()

	v3 := s.View()

	type kv struct{ k, v int }
	var iterGot []kv
	for k, v := range v3.Iter() {
		iterGot = append(iterGot, kv{k, v})
	}
	assert.Equal(t, []kv{{0, 1}, {1, 2}, {2, 0}, {3, 1}, {4, 2}}, iterGot)

	var incGot []kv
	for k, v := range v3.Range(mvcc.Included(1), mvcc.Included(3)) {
		incGot = append(incGot, kv{k, v})
	}
	assert.Equal(t, []kv{{1, 2}, {2, 0}, {3, 1}}, incGot)

	var excGot []kv
	for k, v := range v3.Range(mvcc.Excluded(1), mvcc.Excluded(3)) {
		excGot = append(excGot, kv{k, v})
	}
	assert.Equal(t, []kv{{2, 0}}, excGot)
}

// TestTransactionApplyAndDiscard_S3 mirrors scenario S3: an applied
// Transaction's writes stick, a discarded one's do not, and the enclosing
// Block/Storage see exactly the applied subset after commit.
func TestTransactionApplyAndDiscard_S3(t *testing.T) {
	s := newTestStorage(t)

	block := s.OpenBlock(false)

	t1 := block.Transaction()
	t1.Insert(0, 0)
	t1.Apply()

	t2 := block.Transaction()
	t2.Insert(0, 1)
	t2.Insert(1, 1)
	t2.Discard()

	t3 := block.Transaction()
	v, ok := t3.Get(0)
	assert.True(t, ok)
	assert.Equal(t, 0, v)
	_, ok = t3.Get(1)
	assert.False(t, ok)
	t3.Apply()

	block.Commit()

	view := s.View()
	v, ok = view.Get(0)
	assert.True(t, ok)
	assert.Equal(t, 0, v)
	_, ok = view.Get(1)
	assert.False(t, ok)
}

// TestRevertUndoesOnlyLastBlock_S4 is the scenario that drove the decision
// (see DESIGN.md) to compute the Rollback Log at Block.Commit time rather
// than at the following OpenBlock(false): a revert must undo exactly the
// most recently committed block, and a second consecutive revert must be a
// no-op rather than undoing an earlier block too.
func TestRevertUndoesOnlyLastBlock_S4(t *testing.T) {
	s := newTestStorage(t)

	b1 := s.OpenBlock(false)
	b1.Insert(0, 0)
	b1.Commit()

	b2 := s.OpenBlock(false)
	b2.Insert(0, 1)
	b2.Commit()

	v1 := s.View()
	val, ok := v1.Get(0)
	require.True(t, ok)
	assert.Equal(t, 1, val)

	r1 := s.OpenBlock(true)
	r1.Commit()

	v2 := s.View()
	val, ok = v2.Get(0)
	require.True(t, ok)
	assert.Equal(t, 0, val)

	r2 := s.OpenBlock(true)
	r2.Commit()

	v3 := s.View()
	val, ok = v3.Get(0)
	require.True(t, ok)
	assert.Equal(t, 0, val, "second consecutive revert must be a no-op")
}

// TestGetMutMutatesInPlace exercises the lazy clone-on-first-access path
// through GetMut: a write through the returned pointer is visible after
// commit.
func TestGetMutMutatesInPlace(t *testing.T) {
	s := newTestStorage(t)

	b1 := s.OpenBlock(false)
	b1.Insert(5, 10)
	b1.Commit()

	b2 := s.OpenBlock(false)
	ptr, ok := b2.GetMut(5)
	require.True(t, ok)
	*ptr = 20
	b2.Commit()

	v := s.View()
	got, ok := v.Get(5)
	require.True(t, ok)
	assert.Equal(t, 20, got)
}

// TestDiscardDropsBlockWrites confirms a discarded Block never reaches the
// Base Map or Staging Buffer, and does not disturb the previously
// committed block's Rollback Log.
func TestDiscardDropsBlockWrites(t *testing.T) {
	s := newTestStorage(t)

	b1 := s.OpenBlock(false)
	b1.Insert(1, 1)
	b1.Commit()

	b2 := s.OpenBlock(false)
	b2.Insert(1, 99)
	b2.Discard()

	v := s.View()
	got, ok := v.Get(1)
	require.True(t, ok)
	assert.Equal(t, 1, got)

	r := s.OpenBlock(true)
	r.Commit()

	v2 := s.View()
	_, ok = v2.Get(1)
	assert.False(t, ok, "revert after a discarded block should undo the last *committed* block, which had no prior value")
}

func BenchmarkStorage_ReadWrite(b *testing.B) {
	s := mvcc.NewStorage[int, int](lessInt)
	block := s.OpenBlock(false)
	block.Insert(0, 0)
	block.Commit()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if i%10 == 0 {
			blk := s.OpenBlock(false)
			blk.Insert(0, i)
			blk.Commit()
		} else {
			v := s.View()
			_, _ = v.Get(0)
		}
	}
}
