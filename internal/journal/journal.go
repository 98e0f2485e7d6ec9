package journal

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-snapfs/internal/buffer"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// ErrAborted is returned once the journal has been aborted. Further updates
// are refused so a partially applied transaction can never reach the device.
var ErrAborted = errors.New("journal: aborted")

// Journal batches buffer updates into transactions. All handles started
// before a commit belong to the same running transaction and share its
// transaction identifier; Commit writes the transaction's dirty set back and
// advances the sequence.
//
// The journal also owns the COW dedup side-table: the transaction identifier
// during which each block was last preserved. Validity is checked by
// comparing against the running transaction, so advancing the sequence
// implicitly invalidates every entry.
type Journal struct {
	mu       sync.Mutex
	quiesced *sync.Cond

	cache    *buffer.Cache
	sequence types.XidT
	running  int
	frozen   bool
	aborted  error

	dirty   map[types.BlockNum]*buffer.Buffer
	cowXids map[types.BlockNum]types.XidT

	log *logrus.Entry
}

// Handle is one transaction participant. A handle is used by a single
// goroutine, so its fields need no locking.
type Handle struct {
	journal *Journal
	xid     types.XidT
	credits int
	cowing  bool
	stopped bool
}

// NewJournal creates a journal over the given buffer cache
func NewJournal(cache *buffer.Cache) *Journal {
	j := &Journal{
		cache:    cache,
		sequence: 1,
		dirty:    make(map[types.BlockNum]*buffer.Buffer),
		cowXids:  make(map[types.BlockNum]types.XidT),
		log:      logrus.WithField("subsystem", "journal"),
	}
	j.quiesced = sync.NewCond(&j.mu)
	return j
}

// Sequence returns the identifier of the running transaction.
func (j *Journal) Sequence() types.XidT {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sequence
}

// Begin starts a handle on the running transaction with a credit budget of
// roughly the number of buffers the caller expects to dirty.
func (j *Journal) Begin(credits int) (*Handle, error) {
	if credits <= 0 {
		credits = 1
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	for j.frozen && j.aborted == nil {
		j.quiesced.Wait()
	}
	if j.aborted != nil {
		return nil, j.aborted
	}
	j.running++
	return &Handle{journal: j, xid: j.sequence, credits: credits}, nil
}

// Stop ends a handle's participation in the running transaction.
func (h *Handle) Stop() {
	if h.stopped {
		return
	}
	h.stopped = true
	j := h.journal
	j.mu.Lock()
	j.running--
	j.mu.Unlock()
	j.quiesced.Broadcast()
}

// TransactionID returns the identifier of the handle's transaction.
func (h *Handle) TransactionID() types.XidT {
	return h.xid
}

// HasCredits reports whether the handle has at least n buffer credits left.
func (h *Handle) HasCredits(n int) bool {
	return h.credits >= n
}

// Extend adds n buffer credits to the handle.
func (h *Handle) Extend(n int) {
	h.credits += n
}

// IsCowing reports whether the handle is inside a COW or move operation.
// The engine must not be re-entered on behalf of its own writes.
func (h *Handle) IsCowing() bool {
	return h.cowing
}

// BeginCow sets the recursion guard for the duration of a COW operation.
func (h *Handle) BeginCow() {
	h.cowing = true
}

// EndCow clears the recursion guard.
func (h *Handle) EndCow() {
	h.cowing = false
}

// GetWriteAccess prepares a buffer for modification within the transaction:
// the buffer must hold valid contents before it is changed in place.
func (h *Handle) GetWriteAccess(buf *buffer.Buffer) error {
	if h.journal.Aborted() != nil {
		return h.journal.Aborted()
	}
	if err := h.journal.cache.ReadBuffer(buf); err != nil {
		return fmt.Errorf("journal write access: %w", err)
	}
	return nil
}

// GetCreateAccess prepares a freshly allocated buffer for its first write.
// The on-device contents are irrelevant, so no read is performed.
func (h *Handle) GetCreateAccess(buf *buffer.Buffer) error {
	if h.journal.Aborted() != nil {
		return h.journal.Aborted()
	}
	buf.SetUptodate()
	return nil
}

// MarkDirty attaches a modified buffer to the running transaction. The
// buffer is pinned until commit. Exhausting the credit budget is logged as a
// consistency warning; the heuristic budget is a lower bound, not a hard
// limit.
func (h *Handle) MarkDirty(buf *buffer.Buffer) error {
	j := h.journal
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.aborted != nil {
		return j.aborted
	}
	buf.MarkDirty()
	if _, ok := j.dirty[buf.BlockNum()]; ok {
		return nil
	}
	h.credits--
	if h.credits < 0 {
		j.log.WithField("block", buf.BlockNum()).
			Warn("buffer credits exhausted for running transaction")
	}
	buf.Pin()
	j.dirty[buf.BlockNum()] = buf
	return nil
}

// Commit writes the running transaction's dirty set back to the device and
// starts the next transaction. Commit waits for all handles to stop first.
func (j *Journal) Commit() error {
	j.mu.Lock()
	for j.running > 0 && j.aborted == nil {
		j.quiesced.Wait()
	}
	if j.aborted != nil {
		j.mu.Unlock()
		return j.aborted
	}
	dirty := j.dirty
	j.dirty = make(map[types.BlockNum]*buffer.Buffer)
	j.cowXids = make(map[types.BlockNum]types.XidT)
	j.sequence++
	j.mu.Unlock()

	// Every buffer is unpinned even when one write fails, otherwise the
	// rest of the dirty set stays pinned in an aborted journal forever.
	var werr error
	for _, buf := range dirty {
		if werr == nil {
			werr = j.cache.WriteBuffer(buf)
		}
		buf.Release()
	}
	if werr != nil {
		j.Abort(werr)
		return fmt.Errorf("journal commit: %w", werr)
	}
	if err := j.cache.Device().Sync(); err != nil {
		j.Abort(err)
		return fmt.Errorf("journal commit: %w", err)
	}
	return nil
}

// Abort marks the journal failed. Every later Begin, MarkDirty and Commit
// returns the abort error.
func (j *Journal) Abort(reason error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.aborted != nil {
		return
	}
	if reason == nil {
		reason = ErrAborted
	}
	j.aborted = fmt.Errorf("%w: %v", ErrAborted, reason)
	j.log.WithError(reason).Error("journal aborted")
	j.quiesced.Broadcast()
}

// Aborted returns the abort error, or nil if the journal is healthy.
func (j *Journal) Aborted() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.aborted
}

// TestCowed reports whether a block was already preserved during the
// handle's transaction.
func (j *Journal) TestCowed(h *Handle, block types.BlockNum) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cowXids[block] == h.xid
}

// MarkCowed records that a block was preserved during the handle's
// transaction. Entries from earlier transactions are simply overwritten.
func (j *Journal) MarkCowed(h *Handle, block types.BlockNum) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cowXids[block] = h.xid
}

// Quiesce blocks new handles, waits for running handles to stop, runs fn,
// and unfreezes. Snapshot take swaps the active snapshot under this barrier
// so the active-snapshot pointer never changes inside a transaction.
func (j *Journal) Quiesce(fn func() error) error {
	j.mu.Lock()
	for j.frozen && j.aborted == nil {
		j.quiesced.Wait()
	}
	if j.aborted != nil {
		j.mu.Unlock()
		return j.aborted
	}
	j.frozen = true
	for j.running > 0 {
		j.quiesced.Wait()
	}
	j.mu.Unlock()

	err := fn()

	j.mu.Lock()
	j.frozen = false
	j.mu.Unlock()
	j.quiesced.Broadcast()
	return err
}
