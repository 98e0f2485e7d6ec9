package snapshot

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-snapfs/internal/allocator"
	"github.com/deploymenttheory/go-snapfs/internal/buffer"
	"github.com/deploymenttheory/go-snapfs/internal/device"
	"github.com/deploymenttheory/go-snapfs/internal/journal"
	"github.com/deploymenttheory/go-snapfs/internal/mapping"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

type engineFixture struct {
	engine   *Engine
	journal  *journal.Journal
	cache    *buffer.Cache
	alloc    *allocator.Allocator
	resolver *mapping.Resolver
	dev      *device.MemoryDevice
}

// newEngineFixture wires an engine over an in-memory device with block 0
// and the group 0 bitmap reserved, the way a formatted filesystem starts.
func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	dev := device.NewMemoryDevice(1024, types.DefaultBlockSize)
	cache := buffer.NewCache(dev)
	j := journal.NewJournal(cache)
	alloc := allocator.NewAllocator(cache, 1024)
	alloc.SetFreeBlocksCount(1024)
	pending := buffer.NewPendingTracker()
	resolver := mapping.NewResolver(cache, alloc, pending)
	engine := NewEngine(j, cache, alloc, resolver, pending)
	alloc.BitmapAccess = engine.GetBitmapAccess

	f := &engineFixture{
		engine:   engine,
		journal:  j,
		cache:    cache,
		alloc:    alloc,
		resolver: resolver,
		dev:      dev,
	}
	f.withHandle(t, func(h *journal.Handle) {
		require.NoError(t, alloc.MarkAllocated(h, 0, 2))
	})
	return f
}

// withHandle runs fn inside a fresh committed transaction.
func (f *engineFixture) withHandle(t *testing.T, fn func(h *journal.Handle)) {
	t.Helper()
	h, err := f.journal.Begin(16)
	require.NoError(t, err)
	fn(h)
	h.Stop()
	require.NoError(t, f.journal.Commit())
}

// fillBlock marks a block allocated and gives it recognizable contents.
func (f *engineFixture) fillBlock(t *testing.T, block types.BlockNum, fill byte) {
	t.Helper()
	f.withHandle(t, func(h *journal.Handle) {
		require.NoError(t, f.alloc.MarkAllocated(h, block, 1))
	})
	data := bytes.Repeat([]byte{fill}, types.DefaultBlockSize)
	require.NoError(t, f.dev.WriteBlock(block, data))
}

// freezeCowBitmap forces the COW bitmap of the group holding block to be
// frozen up front. The first access after a take lazily allocates the
// bitmap block and charges it to the snapshot file, so assertions about
// free-count and charge deltas take their baselines after this.
func (f *engineFixture) freezeCowBitmap(t *testing.T, block types.BlockNum) {
	t.Helper()
	f.withHandle(t, func(h *journal.Handle) {
		_, err := f.engine.TestAndCow(h, nil, block, nil, false)
		require.NoError(t, err)
	})
}

func (f *engineFixture) take(t *testing.T, name string) *Snapshot {
	t.Helper()
	inode := &types.Inode{Ino: 1000 + uint64(f.engine.LastGeneration()), Mode: types.ModeRegular}
	snap, err := f.engine.Take(inode, name)
	require.NoError(t, err)
	return snap
}

func TestTake(t *testing.T) {
	f := newEngineFixture(t)

	t.Run("first snapshot becomes active", func(t *testing.T) {
		snap := f.take(t, "first")
		assert.True(t, snap.IsActive())
		assert.True(t, snap.OnList())
		assert.Equal(t, uint32(1), snap.Generation)
		assert.Equal(t, uint64(1024), snap.SizeBlocks)
		assert.Equal(t, snap, f.engine.ActiveSnapshot())
		assert.True(t, snap.Inode.HasFlag(types.InodeFlagSnapfile))
	})

	t.Run("a new snapshot deactivates the previous one", func(t *testing.T) {
		first := f.engine.ActiveSnapshot()
		second := f.take(t, "second")
		assert.False(t, first.IsActive())
		assert.True(t, first.OnList())
		assert.True(t, second.IsActive())
		assert.Equal(t, uint32(2), second.Generation)
		assert.Len(t, f.engine.Snapshots(), 2)
	})

	t.Run("rejects non-file storage", func(t *testing.T) {
		_, err := f.engine.Take(&types.Inode{Mode: types.ModeDirectory}, "bad")
		assert.Error(t, err)
	})
}

func TestLoad(t *testing.T) {
	f := newEngineFixture(t)
	mk := func(gen uint32) *Snapshot {
		return &Snapshot{
			Inode:      &types.Inode{Ino: uint64(gen), Mode: types.ModeRegular, Flags: types.InodeFlagSnapfile},
			Generation: gen,
			SizeBlocks: 1024,
		}
	}

	t.Run("restores list, active pointer and generation counter", func(t *testing.T) {
		require.NoError(t, f.engine.Load([]*Snapshot{mk(3), mk(7)}, 7))
		assert.Len(t, f.engine.Snapshots(), 2)
		require.NotNil(t, f.engine.ActiveSnapshot())
		assert.Equal(t, uint32(7), f.engine.ActiveSnapshot().Generation)
		assert.True(t, f.engine.ActiveSnapshot().IsActive())
		assert.Equal(t, uint32(7), f.engine.LastGeneration())
	})

	t.Run("zero means no snapshot resumes COW", func(t *testing.T) {
		require.NoError(t, f.engine.Load([]*Snapshot{mk(3)}, 0))
		assert.Nil(t, f.engine.ActiveSnapshot())
	})

	t.Run("rejects an active generation missing from the list", func(t *testing.T) {
		err := f.engine.Load([]*Snapshot{mk(3)}, 9)
		assert.Error(t, err)
	})

	t.Run("rejects a duplicated active generation", func(t *testing.T) {
		err := f.engine.Load([]*Snapshot{mk(7), mk(7)}, 7)
		assert.Error(t, err)
	})
}

func TestTestAndCow(t *testing.T) {
	t.Run("no active snapshot means no work and no I/O", func(t *testing.T) {
		f := newEngineFixture(t)
		before := f.dev.Stats()
		f.withHandle(t, func(h *journal.Handle) {
			buf := f.cache.GetBlock(50)
			defer buf.Release()
			needed, err := f.engine.TestAndCow(h, nil, 50, buf, true)
			require.NoError(t, err)
			assert.False(t, needed)
			after := f.dev.Stats()
			assert.Equal(t, before.Writes, after.Writes)
			assert.Equal(t, before.Reads, after.Reads)
		})
	})

	t.Run("preserves the pre-image of an in-use block", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fillBlock(t, 50, 0xAA)
		snap := f.take(t, "snap")

		f.withHandle(t, func(h *journal.Handle) {
			buf, err := f.cache.ReadBlock(50)
			require.NoError(t, err)
			defer buf.Release()

			needed, err := f.engine.TestAndCow(h, nil, 50, buf, true)
			require.NoError(t, err)
			assert.False(t, needed, "cow=true must leave nothing to do")

			backup, ok := f.resolver.Resolve(snap.Inode, types.SnapshotLblk(50))
			require.True(t, ok, "snapshot must hold a preserved copy at offset 50")
			assert.NotEqual(t, types.BlockNum(50), backup)

			bbuf, err := f.cache.ReadBlock(backup)
			require.NoError(t, err)
			defer bbuf.Release()
			assert.Equal(t, byte(0xAA), bbuf.Data()[0])
			assert.Equal(t, byte(0xAA), bbuf.Data()[types.DefaultBlockSize-1])
		})
	})

	t.Run("repeat calls in one transaction are deduplicated", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fillBlock(t, 50, 0xAA)
		f.take(t, "snap")

		f.withHandle(t, func(h *journal.Handle) {
			buf, err := f.cache.ReadBlock(50)
			require.NoError(t, err)
			defer buf.Release()

			_, err = f.engine.TestAndCow(h, nil, 50, buf, true)
			require.NoError(t, err)

			before := f.dev.Stats()
			needed, err := f.engine.TestAndCow(h, nil, 50, buf, true)
			require.NoError(t, err)
			assert.False(t, needed)
			after := f.dev.Stats()
			assert.Equal(t, before.Reads, after.Reads, "dedup hit must do no I/O")
			assert.Equal(t, before.Writes, after.Writes)
		})
	})

	t.Run("a later transaction finds the block already preserved", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fillBlock(t, 50, 0xAA)
		snap := f.take(t, "snap")

		f.withHandle(t, func(h *journal.Handle) {
			buf, err := f.cache.ReadBlock(50)
			require.NoError(t, err)
			defer buf.Release()
			_, err = f.engine.TestAndCow(h, nil, 50, buf, true)
			require.NoError(t, err)
		})
		charged := snap.Inode.Blocks()

		f.withHandle(t, func(h *journal.Handle) {
			buf, err := f.cache.ReadBlock(50)
			require.NoError(t, err)
			defer buf.Release()
			needed, err := f.engine.TestAndCow(h, nil, 50, buf, true)
			require.NoError(t, err)
			assert.False(t, needed)
		})
		assert.Equal(t, charged, snap.Inode.Blocks(), "no second copy may be made")
	})

	t.Run("a free block needs no preservation", func(t *testing.T) {
		f := newEngineFixture(t)
		f.take(t, "snap")
		f.withHandle(t, func(h *journal.Handle) {
			buf := f.cache.GetBlock(600)
			defer buf.Release()
			needed, err := f.engine.TestAndCow(h, nil, 600, buf, false)
			require.NoError(t, err)
			assert.False(t, needed)
		})
	})

	t.Run("check-only reports needed without copying", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fillBlock(t, 50, 0xAA)
		snap := f.take(t, "snap")
		f.withHandle(t, func(h *journal.Handle) {
			needed, err := f.engine.TestAndCow(h, nil, 50, nil, false)
			require.NoError(t, err)
			assert.True(t, needed)
			_, ok := f.resolver.Resolve(snap.Inode, types.SnapshotLblk(50))
			assert.False(t, ok, "check-only must not preserve anything")
		})
	})

	t.Run("writes to the active snapshot file are refused", func(t *testing.T) {
		f := newEngineFixture(t)
		snap := f.take(t, "snap")
		f.withHandle(t, func(h *journal.Handle) {
			buf := f.cache.GetBlock(50)
			defer buf.Release()
			_, err := f.engine.TestAndCow(h, snap.Inode, 50, buf, true)
			assert.ErrorIs(t, err, ErrPermission)
		})
	})

	t.Run("excluded file blocks are recorded, not copied", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fillBlock(t, 50, 0xAA)
		snap := f.take(t, "snap")
		excluded := &types.Inode{Ino: 9, Mode: types.ModeRegular, Flags: types.InodeFlagNoCow}

		f.withHandle(t, func(h *journal.Handle) {
			buf, err := f.cache.ReadBlock(50)
			require.NoError(t, err)
			defer buf.Release()
			_, err = f.engine.TestAndCow(h, excluded, 50, buf, true)
			require.NoError(t, err)

			_, ok := f.resolver.Resolve(snap.Inode, types.SnapshotLblk(50))
			assert.False(t, ok, "excluded blocks must never be copied")
			assert.True(t, f.engine.BlocksExcluded(50, 1))
		})
	})
}

func TestCowBitmapFreeze(t *testing.T) {
	t.Run("the frozen bitmap survives later live-bitmap changes", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fillBlock(t, 60, 0xBB)
		f.take(t, "snap")

		// Freeing the block rewrites the live bitmap; the bitmap-access
		// hook freezes the COW bitmap first.
		f.withHandle(t, func(h *journal.Handle) {
			require.NoError(t, f.alloc.Free(h, 60, 1))
		})

		f.withHandle(t, func(h *journal.Handle) {
			needed, err := f.engine.TestAndCow(h, nil, 60, nil, false)
			require.NoError(t, err)
			assert.True(t, needed, "the snapshot's view must still hold block 60 in use")
		})
	})

	t.Run("the frozen bitmap is rebuilt identically after cache loss", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fillBlock(t, 60, 0xBB)
		f.take(t, "snap")
		f.withHandle(t, func(h *journal.Handle) {
			needed, err := f.engine.TestAndCow(h, nil, 60, nil, false)
			require.NoError(t, err)
			require.True(t, needed)
		})

		// Simulate a crash: drop every clean buffer and the per-group
		// address cache. The durable copy on the device must answer.
		f.cache.InvalidateAll()
		f.alloc.ResetCowBitmapCache()

		f.withHandle(t, func(h *journal.Handle) {
			needed, err := f.engine.TestAndCow(h, nil, 60, nil, false)
			require.NoError(t, err)
			assert.True(t, needed)
		})
	})

	t.Run("blocks past the snapshot size are never in use", func(t *testing.T) {
		f := newEngineFixture(t)
		snap := f.take(t, "snap")
		snap.SizeBlocks = 500

		f.withHandle(t, func(h *journal.Handle) {
			needed, err := f.engine.TestAndCow(h, nil, 700, nil, false)
			require.NoError(t, err)
			assert.False(t, needed)
		})
	})
}

func TestTestAndMove(t *testing.T) {
	t.Run("moves ownership without copying or allocating", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fillBlock(t, 200, 0xCC)
		f.fillBlock(t, 201, 0xCC)
		snap := f.take(t, "snap")
		f.freezeCowBitmap(t, 200)

		owner := &types.Inode{Ino: 5, Mode: types.ModeRegular}
		owner.ChargeBlocks(2)
		charged := snap.Inode.Blocks()

		f.withHandle(t, func(h *journal.Handle) {
			free := f.alloc.FreeBlocksCount()
			moved, needed, err := f.engine.TestAndMove(h, owner, 200, 2, true)
			require.NoError(t, err)
			assert.True(t, needed)
			assert.Equal(t, 2, moved)
			assert.Equal(t, free, f.alloc.FreeBlocksCount(), "a move must not change the free count")

			phys, ok := f.resolver.Resolve(snap.Inode, types.SnapshotLblk(200))
			require.True(t, ok)
			assert.Equal(t, types.BlockNum(200), phys, "the snapshot owns the block at its own address")
			assert.Equal(t, int64(0), owner.Blocks(), "the owner is credited for the moved blocks")
			assert.Equal(t, charged+2, snap.Inode.Blocks())
		})

		// The preserved contents are the original device blocks.
		data, err := f.dev.ReadBlock(200)
		require.NoError(t, err)
		assert.Equal(t, byte(0xCC), data[0])
	})

	t.Run("free blocks need no move", func(t *testing.T) {
		f := newEngineFixture(t)
		f.take(t, "snap")
		owner := &types.Inode{Ino: 5, Mode: types.ModeRegular}
		f.withHandle(t, func(h *journal.Handle) {
			count, needed, err := f.engine.TestAndMove(h, owner, 600, 4, true)
			require.NoError(t, err)
			assert.False(t, needed)
			assert.GreaterOrEqual(t, count, 1)
		})
	})

	t.Run("the answer narrows to a uniform run", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fillBlock(t, 300, 0xDD)
		f.fillBlock(t, 301, 0xDD)
		f.take(t, "snap")
		owner := &types.Inode{Ino: 5, Mode: types.ModeRegular}

		f.withHandle(t, func(h *journal.Handle) {
			count, needed, err := f.engine.TestAndMove(h, owner, 300, 8, false)
			require.NoError(t, err)
			assert.True(t, needed)
			assert.Equal(t, 2, count, "the run must stop where the bitmap answer changes")
		})
	})

	t.Run("already-moved blocks are reported, not moved twice", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fillBlock(t, 200, 0xCC)
		snap := f.take(t, "snap")
		f.freezeCowBitmap(t, 200)
		owner := &types.Inode{Ino: 5, Mode: types.ModeRegular}
		owner.ChargeBlocks(1)
		charged := snap.Inode.Blocks()

		f.withHandle(t, func(h *journal.Handle) {
			_, _, err := f.engine.TestAndMove(h, owner, 200, 1, true)
			require.NoError(t, err)

			count, needed, err := f.engine.TestAndMove(h, owner, 200, 1, true)
			require.NoError(t, err)
			assert.False(t, needed)
			assert.Equal(t, 1, count)
			assert.Equal(t, charged+1, snap.Inode.Blocks(), "the block changed hands once")
		})
	})

	t.Run("excluded owners never feed the snapshot", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fillBlock(t, 200, 0xCC)
		snap := f.take(t, "snap")
		owner := &types.Inode{Ino: 5, Mode: types.ModeRegular, Flags: types.InodeFlagNoCow}

		f.withHandle(t, func(h *journal.Handle) {
			count, needed, err := f.engine.TestAndMove(h, owner, 200, 1, true)
			require.NoError(t, err)
			assert.False(t, needed)
			assert.Equal(t, 1, count)
			_, ok := f.resolver.Resolve(snap.Inode, types.SnapshotLblk(200))
			assert.False(t, ok)
			assert.True(t, f.engine.BlocksExcluded(200, 1))
		})
	})
}

func TestHooks(t *testing.T) {
	t.Run("create access rejects blocks the snapshot still uses", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fillBlock(t, 50, 0xAA)
		f.take(t, "snap")
		f.withHandle(t, func(h *journal.Handle) {
			buf := f.cache.GetBlock(50)
			defer buf.Release()
			err := f.engine.GetCreateAccess(h, buf)
			assert.ErrorIs(t, err, ErrIO)
		})
	})

	t.Run("create access passes for genuinely new blocks", func(t *testing.T) {
		f := newEngineFixture(t)
		f.take(t, "snap")
		f.withHandle(t, func(h *journal.Handle) {
			buf := f.cache.GetBlock(800)
			defer buf.Release()
			assert.NoError(t, f.engine.GetCreateAccess(h, buf))
		})
	})

	t.Run("delete access reports how many blocks changed hands", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fillBlock(t, 200, 0xCC)
		snap := f.take(t, "snap")
		owner := &types.Inode{Ino: 5, Mode: types.ModeRegular}
		owner.ChargeBlocks(1)

		f.withHandle(t, func(h *journal.Handle) {
			moved, err := f.engine.GetDeleteAccess(h, owner, 200, 1)
			require.NoError(t, err)
			assert.Equal(t, 1, moved)
			_, ok := f.resolver.Resolve(snap.Inode, types.SnapshotLblk(200))
			assert.True(t, ok)
		})
	})

	t.Run("delete access lets free blocks go", func(t *testing.T) {
		f := newEngineFixture(t)
		f.take(t, "snap")
		owner := &types.Inode{Ino: 5, Mode: types.ModeRegular}
		f.withHandle(t, func(h *journal.Handle) {
			moved, err := f.engine.GetDeleteAccess(h, owner, 600, 1)
			require.NoError(t, err)
			assert.Equal(t, 0, moved)
		})
	})
}
