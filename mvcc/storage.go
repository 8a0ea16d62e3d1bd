package mvcc

import (
	"iter"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/rs/zerolog"
)

// stagingBuffer is the (overrides, tombstones) pair representing the
// most-recently committed block, held in Storage's scalar slot so a commit
// can publish it to Views with a single pointer swap (see
// Block.Commit and the design rationale in SPEC_FULL.md).
type stagingBuffer[K any, V any] struct {
	overrides  *btree.BTreeG[entry[K, V]]
	tombstones *btree.BTreeG[K]
}

func newStagingBuffer[K any, V any](less LessFunc[K]) *stagingBuffer[K, V] {
	return &stagingBuffer[K, V]{
		overrides:  newEntryTree[K, V](less),
		tombstones: newKeyTree[K](less),
	}
}

func (s *stagingBuffer[K, V]) isEmpty() bool {
	return s.overrides.Len() == 0 && s.tombstones.Len() == 0
}

// rollbackValue is either a prior value (present=true) or a tombstone
// marker recording that the key was absent from the Base Map before the
// block whose inverse this entry belongs to.
type rollbackValue[V any] struct {
	value   *V
	present bool
}

// rollbackLog is the inverse diff of the most-recently committed block,
// sufficient to undo it on the next block open (invariant I4).
type rollbackLog[K any, V any] struct {
	entries *btree.BTreeG[entry[K, rollbackValue[V]]]
}

func newRollbackLog[K any, V any](less LessFunc[K]) *rollbackLog[K, V] {
	return &rollbackLog[K, V]{entries: newEntryTree[K, rollbackValue[V]](less)}
}

func (r *rollbackLog[K, V]) isEmpty() bool { return r.entries.Len() == 0 }

// Storage is the top-level coordinator for the K/V variant: it owns the
// Base Map, the Staging Buffer slot, and the Rollback Log slot, and vends
// Views and Blocks while enforcing the single-writer invariant (I5).
type Storage[K any, V any] struct {
	less LessFunc[K]

	base     atomic.Pointer[btree.BTreeG[entry[K, V]]]
	staging  atomic.Pointer[stagingBuffer[K, V]]
	rollback atomic.Pointer[rollbackLog[K, V]]

	writer sync.Mutex

	logger     zerolog.Logger
	metrics    *storageMetrics
	instanceID string
}

// NewStorage constructs an empty Storage. less must be a strict weak
// ordering over K; it is the only way this package learns how to compare
// keys, mirroring the comparator google/btree itself requires.
func NewStorage[K any, V any](less LessFunc[K], opts ...Option) *Storage[K, V] {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Storage[K, V]{
		less:       less,
		logger:     cfg.logger.With().Str("component", "mvcc.Storage").Str("instance", cfg.instanceID).Logger(),
		metrics:    cfg.metrics,
		instanceID: cfg.instanceID,
	}
	s.base.Store(newEntryTree[K, V](less))
	s.staging.Store(newStagingBuffer[K, V](less))
	s.rollback.Store(newRollbackLog[K, V](less))
	s.logger.Debug().Msg("storage created")
	return s
}

// View is an immutable point-in-time read snapshot over the Base Map and
// Staging Buffer as they existed when View was called.
type View[K any, V any] struct {
	less    LessFunc[K]
	base    *btree.BTreeG[entry[K, V]]
	staging *stagingBuffer[K, V]
}

// View acquires a read handle to the Base Map and the current Staging
// Buffer. Because both are immutable, persistent generations, the pair is
// pinned for the View's lifetime regardless of later commits.
func (s *Storage[K, V]) View() *View[K, V] {
	staging := s.staging.Load()
	base := s.base.Load()
	return &View[K, V]{less: s.less, base: base, staging: staging}
}

// Get returns the value for k as of this View, or false if absent.
func (v *View[K, V]) Get(k K) (V, bool) {
	return lookup(v.staging.overrides, v.staging.tombstones, v.base, k)
}

// Len reports the number of entries visible in this View.
func (v *View[K, V]) Len() int {
	n := 0
	for range v.Iter() {
		n++
	}
	return n
}

// Iter yields every (key, value) pair in ascending key order.
func (v *View[K, V]) Iter() iter.Seq2[K, V] {
	return toSeq2(v.entriesSeq(Unbounded[K](), Unbounded[K]()))
}

// Range yields entries in ascending key order between lo and hi, each
// bound being inclusive, exclusive or unbounded as constructed.
func (v *View[K, V]) Range(lo, hi Bound[K]) iter.Seq2[K, V] {
	return toSeq2(v.entriesSeq(lo, hi))
}

func (v *View[K, V]) entriesSeq(lo, hi Bound[K]) iter.Seq[entry[K, V]] {
	return layeredEntries(v.less, v.staging.overrides, v.staging.tombstones, lo, hi, entriesInRange(v.base, v.less, lo, hi))
}

// OpenBlock acquires the exclusive write handle. The current Staging
// Buffer is read then cleared; if revert is false, its contents are merged
// into the Base Map (see 4.1); if revert is true, the Staging Buffer is
// discarded and the Rollback Log is applied to the Base Map instead,
// undoing the previously committed block. OpenBlock never fails; it blocks
// until any other live Block is committed or discarded.
func (s *Storage[K, V]) OpenBlock(revert bool) *Block[K, V] {
	s.writer.Lock()

	pending := s.staging.Swap(newStagingBuffer[K, V](s.less))

	switch {
	case revert:
		s.applyRollback()
	case !pending.isEmpty():
		s.mergeIntoBase(pending)
	}

	if s.metrics != nil {
		if revert {
			s.metrics.blocksReverted.Inc()
		}
		s.metrics.baseMapLen.Set(float64(s.base.Load().Len()))
	}
	if revert {
		s.logger.Debug().Msg("block reverted")
	}

	return &Block[K, V]{
		storage:    s,
		overrides:  newEntryTree[K, V](s.less),
		tombstones: newKeyTree[K](s.less),
	}
}

// mergeIntoBase folds the previous Staging Buffer into the Base Map,
// cloning it first so that any View already pinning the prior generation is
// unaffected (persistent snapshot property). The Rollback Log for this
// block was already computed and published at Block.Commit time against
// this same (unchanged since) Base Map, so it needs no recomputation here
// — see DESIGN.md for why that placement, rather than this one, is the
// only one that keeps the log from going stale across a revert that
// follows a commit with no intervening non-revert open.
func (s *Storage[K, V]) mergeIntoBase(pending *stagingBuffer[K, V]) {
	newBase := s.base.Load().Clone()
	pending.overrides.Ascend(func(e entry[K, V]) bool {
		newBase.ReplaceOrInsert(e)
		return true
	})
	pending.tombstones.Ascend(func(k K) bool {
		newBase.Delete(entry[K, V]{key: k})
		return true
	})
	s.base.Store(newBase)
}

// applyRollback undoes the most-recently committed block by replaying the
// Rollback Log onto the Base Map, then empties the Rollback Log. A no-op if
// no block has ever been committed, matching the spec's documented
// behavior for revert-before-any-commit.
func (s *Storage[K, V]) applyRollback() {
	rb := s.rollback.Load()
	if !rb.isEmpty() {
		newBase := s.base.Load().Clone()
		rb.entries.Ascend(func(e entry[K, rollbackValue[V]]) bool {
			if e.val.present {
				newBase.ReplaceOrInsert(entry[K, V]{key: e.key, val: e.val.value})
			} else {
				newBase.Delete(entry[K, V]{key: e.key})
			}
			return true
		})
		s.base.Store(newBase)
	}
	s.rollback.Store(newRollbackLog[K, V](s.less))
}
