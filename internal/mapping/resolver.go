package mapping

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-snapfs/internal/allocator"
	"github.com/deploymenttheory/go-snapfs/internal/buffer"
	"github.com/deploymenttheory/go-snapfs/internal/journal"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// Resolver maps per-inode logical block offsets to physical blocks and
// allocates on demand. For snapshot files the logical offset of a preserved
// block equals the physical address of the block it preserves, so "is block
// N already preserved" is exactly "is offset N mapped".
//
// The resolver mutex guards only the maps. Allocation runs outside it:
// the allocator's bitmap-access hook re-enters the snapshot engine, which
// probes the resolver again, so holding the mutex across an allocation
// would deadlock. Allocation races are settled by re-checking the map and
// returning the winner's block.
type Resolver struct {
	mu      sync.Mutex
	maps    map[uint64]map[types.Lblk]types.BlockNum
	alloc   *allocator.Allocator
	cache   *buffer.Cache
	pending *buffer.PendingTracker
	log     *logrus.Entry
}

// NewResolver creates a resolver backed by the given allocator and cache
func NewResolver(cache *buffer.Cache, alloc *allocator.Allocator, pending *buffer.PendingTracker) *Resolver {
	return &Resolver{
		maps:    make(map[uint64]map[types.Lblk]types.BlockNum),
		alloc:   alloc,
		cache:   cache,
		pending: pending,
		log:     logrus.WithField("subsystem", "mapping"),
	}
}

func (r *Resolver) inodeMap(ino uint64) map[types.Lblk]types.BlockNum {
	m, ok := r.maps[ino]
	if !ok {
		m = make(map[types.Lblk]types.BlockNum)
		r.maps[ino] = m
	}
	return m
}

// mappedRun measures the logically contiguous mapped run starting at lblk.
func mappedRun(m map[types.Lblk]types.BlockNum, lblk types.Lblk, maxBlocks int) (types.BlockNum, int) {
	first, ok := m[lblk]
	if !ok {
		return 0, 0
	}
	count := 1
	for count < maxBlocks {
		if _, ok := m[lblk+types.Lblk(count)]; !ok {
			break
		}
		count++
	}
	return first, count
}

// MapBlocks resolves or establishes the mapping for up to maxBlocks blocks
// of inode starting at logical offset lblk.
//
// Already-mapped blocks always win: the returned extent has New == false
// and covers the existing run, regardless of mode. Otherwise Read reports a
// hole, the allocating modes map a new block, and Move reassigns ownership
// of the physical blocks the offsets stand for (positional identity)
// without touching the allocator.
//
// For COW modes the newly allocated block is marked pending before its
// mapping becomes visible; the caller ends the pending operation once the
// block's contents are valid.
func (r *Resolver) MapBlocks(h *journal.Handle, inode *types.Inode, lblk types.Lblk, maxBlocks int, mode types.SnapmapMode) (types.MappedExtent, error) {
	if maxBlocks < 1 {
		maxBlocks = 1
	}

	r.mu.Lock()
	m := r.inodeMap(inode.Ino)
	phys, count := mappedRun(m, lblk, maxBlocks)
	if count > 0 || !mode.IsWrite() {
		r.mu.Unlock()
		return types.MappedExtent{Physical: phys, Count: count}, nil
	}
	if mode.IsMove() {
		defer r.mu.Unlock()
		return r.moveLocked(m, inode, lblk, maxBlocks), nil
	}
	r.mu.Unlock()

	return r.allocate(h, inode, lblk, mode)
}

// moveLocked reassigns ownership of the unmapped run starting at lblk. The
// physical blocks keep their addresses; only the mapping and the block
// charge change hands.
func (r *Resolver) moveLocked(m map[types.Lblk]types.BlockNum, inode *types.Inode, lblk types.Lblk, maxBlocks int) types.MappedExtent {
	count := 0
	for count < maxBlocks {
		l := lblk + types.Lblk(count)
		if _, ok := m[l]; ok {
			break
		}
		m[l] = types.SnapshotBlock(l)
		count++
	}
	inode.ChargeBlocks(int64(count))
	r.log.WithFields(logrus.Fields{
		"ino":   inode.Ino,
		"lblk":  lblk,
		"count": count,
	}).Debug("moved block ownership into snapshot mapping")
	return types.MappedExtent{Physical: types.SnapshotBlock(lblk), Count: count, New: true}
}

// allocate maps one new block for lblk, allocating near the block the
// offset preserves so backup copies stay close to their originals.
func (r *Resolver) allocate(h *journal.Handle, inode *types.Inode, lblk types.Lblk, mode types.SnapmapMode) (types.MappedExtent, error) {
	goal := types.SnapshotBlock(lblk)
	phys, got, err := r.alloc.AllocateNear(h, goal, 1)
	if err != nil {
		return types.MappedExtent{}, fmt.Errorf("failed to allocate block for inode %d offset %d: %w",
			inode.Ino, lblk, err)
	}
	if got != 1 {
		return types.MappedExtent{}, fmt.Errorf("allocator returned %d blocks for a single-block request", got)
	}

	// For COW allocations the block must read as pending from the moment
	// its mapping is visible until its contents are valid.
	var pbuf *buffer.Buffer
	if mode.IsCow() {
		pbuf = r.cache.GetBlock(phys)
		r.pending.Begin(pbuf)
		pbuf.Release()
	}

	r.mu.Lock()
	m := r.inodeMap(inode.Ino)
	if winner, count := mappedRun(m, lblk, 1); count > 0 {
		// Another task mapped this offset while we were allocating; give
		// our block back and hand out the winner's.
		r.mu.Unlock()
		if pbuf != nil {
			r.pending.End(pbuf)
		}
		if ferr := r.alloc.Free(h, phys, 1); ferr != nil {
			r.log.WithError(ferr).WithField("block", phys).
				Warn("failed to free block lost to a mapping race")
		}
		return types.MappedExtent{Physical: winner, Count: count}, nil
	}
	m[lblk] = phys
	r.mu.Unlock()

	inode.ChargeBlocks(1)
	r.log.WithFields(logrus.Fields{
		"ino":  inode.Ino,
		"lblk": lblk,
		"phys": phys,
		"mode": fmt.Sprintf("%#x", uint32(mode)),
	}).Debug("mapped new block")
	return types.MappedExtent{Physical: phys, Count: 1, New: true}, nil
}

// Resolve looks up a single mapping without side effects.
func (r *Resolver) Resolve(inode *types.Inode, lblk types.Lblk) (types.BlockNum, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	phys, ok := r.inodeMap(inode.Ino)[lblk]
	return phys, ok
}

// SetMapping installs an explicit mapping, replacing any existing one.
func (r *Resolver) SetMapping(inode *types.Inode, lblk types.Lblk, phys types.BlockNum) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.inodeMap(inode.Ino)
	if _, ok := m[lblk]; !ok {
		inode.ChargeBlocks(1)
	}
	m[lblk] = phys
}

// ClearMapping removes up to count mappings starting at lblk, leaving a
// hole, and returns how many were removed. Block charges are the caller's
// concern: on move-on-write the charge has already transferred to the
// snapshot.
func (r *Resolver) ClearMapping(inode *types.Inode, lblk types.Lblk, count int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.inodeMap(inode.Ino)
	removed := 0
	for i := 0; i < count; i++ {
		l := lblk + types.Lblk(i)
		if _, ok := m[l]; ok {
			delete(m, l)
			removed++
		}
	}
	return removed
}

// MappedBlocks returns the number of mappings an inode holds.
func (r *Resolver) MappedBlocks(inode *types.Inode) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inodeMap(inode.Ino))
}

// Verify checks an inode's mapping table for consistency: every physical
// address must lie below blocksCount and the inode's block charge must
// equal the number of mappings.
func (r *Resolver) Verify(inode *types.Inode, blocksCount uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.inodeMap(inode.Ino)
	for lblk, phys := range m {
		if uint64(phys) >= blocksCount {
			return fmt.Errorf("inode %d maps logical block %d to %d, beyond the last filesystem block %d",
				inode.Ino, lblk, phys, blocksCount-1)
		}
	}
	if charged := inode.Blocks(); charged != int64(len(m)) {
		return fmt.Errorf("inode %d charges %d blocks but holds %d mappings",
			inode.Ino, charged, len(m))
	}
	return nil
}
