package journal

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-snapfs/internal/buffer"
	"github.com/deploymenttheory/go-snapfs/internal/device"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

// faultDevice fails every write after the first writesLeft, for exercising
// mid-commit error paths.
type faultDevice struct {
	*device.MemoryDevice
	writesLeft int
}

func (d *faultDevice) WriteBlock(address types.BlockNum, data []byte) error {
	if d.writesLeft <= 0 {
		return errors.New("write fault")
	}
	d.writesLeft--
	return d.MemoryDevice.WriteBlock(address, data)
}

func newTestJournal(t *testing.T) (*Journal, *buffer.Cache, *device.MemoryDevice) {
	t.Helper()
	dev := device.NewMemoryDevice(1024, 512)
	cache := buffer.NewCache(dev)
	return NewJournal(cache), cache, dev
}

func TestJournalTransaction(t *testing.T) {
	t.Run("handles share the running transaction identifier", func(t *testing.T) {
		j, _, _ := newTestJournal(t)
		h1, err := j.Begin(1)
		require.NoError(t, err)
		h2, err := j.Begin(1)
		require.NoError(t, err)

		assert.Equal(t, h1.TransactionID(), h2.TransactionID())
		h1.Stop()
		h2.Stop()
	})

	t.Run("commit writes dirty buffers back and advances the sequence", func(t *testing.T) {
		j, cache, dev := newTestJournal(t)
		before := j.Sequence()

		h, err := j.Begin(2)
		require.NoError(t, err)
		buf := cache.GetBlock(5)
		buf.Lock()
		buf.Data()[0] = 0x5A
		buf.Unlock()
		require.NoError(t, h.MarkDirty(buf))
		buf.Release()
		h.Stop()

		require.NoError(t, j.Commit())
		assert.Equal(t, before+1, j.Sequence())

		data, err := dev.ReadBlock(5)
		require.NoError(t, err)
		assert.Equal(t, byte(0x5A), data[0])
	})

	t.Run("commit waits for running handles", func(t *testing.T) {
		j, cache, _ := newTestJournal(t)
		h, err := j.Begin(1)
		require.NoError(t, err)
		buf := cache.GetBlock(3)
		require.NoError(t, h.MarkDirty(buf))
		buf.Release()

		committed := make(chan error, 1)
		go func() { committed <- j.Commit() }()

		select {
		case <-committed:
			t.Fatal("commit finished while a handle was still running")
		case <-time.After(20 * time.Millisecond):
		}

		h.Stop()
		select {
		case err := <-committed:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("commit never finished")
		}
	})

	t.Run("marking the same buffer twice consumes one credit", func(t *testing.T) {
		j, cache, _ := newTestJournal(t)
		h, err := j.Begin(1)
		require.NoError(t, err)
		defer h.Stop()

		buf := cache.GetBlock(8)
		defer buf.Release()
		require.NoError(t, h.MarkDirty(buf))
		require.NoError(t, h.MarkDirty(buf))
		assert.True(t, h.HasCredits(0))
		assert.False(t, h.HasCredits(1))
	})
}

func TestCommitWriteFailure(t *testing.T) {
	t.Run("a failed write-back unpins the whole dirty set", func(t *testing.T) {
		dev := &faultDevice{MemoryDevice: device.NewMemoryDevice(1024, 512), writesLeft: 1}
		cache := buffer.NewCache(dev)
		j := NewJournal(cache)

		h, err := j.Begin(4)
		require.NoError(t, err)
		var bufs []*buffer.Buffer
		for _, block := range []types.BlockNum{3, 4, 5} {
			buf := cache.GetBlock(block)
			require.NoError(t, h.MarkDirty(buf))
			bufs = append(bufs, buf)
		}
		h.Stop()

		require.Error(t, j.Commit())
		assert.ErrorIs(t, j.Aborted(), ErrAborted)
		for _, buf := range bufs {
			assert.Equal(t, int32(1), buf.Pins(),
				"only the caller's pin may remain on block %d", buf.BlockNum())
			buf.Release()
		}
	})
}

func TestJournalDedup(t *testing.T) {
	t.Run("preservation is remembered within a transaction", func(t *testing.T) {
		j, _, _ := newTestJournal(t)
		h, err := j.Begin(1)
		require.NoError(t, err)
		defer h.Stop()

		assert.False(t, j.TestCowed(h, 42))
		j.MarkCowed(h, 42)
		assert.True(t, j.TestCowed(h, 42))
	})

	t.Run("commit invalidates every entry", func(t *testing.T) {
		j, _, _ := newTestJournal(t)
		h, err := j.Begin(1)
		require.NoError(t, err)
		j.MarkCowed(h, 42)
		h.Stop()
		require.NoError(t, j.Commit())

		h2, err := j.Begin(1)
		require.NoError(t, err)
		defer h2.Stop()
		assert.False(t, j.TestCowed(h2, 42), "dedup entry must not survive the transaction")
	})
}

func TestJournalAbort(t *testing.T) {
	t.Run("abort is sticky", func(t *testing.T) {
		j, cache, _ := newTestJournal(t)
		cause := errors.New("device unplugged")
		j.Abort(cause)

		_, err := j.Begin(1)
		assert.ErrorIs(t, err, ErrAborted)

		assert.ErrorIs(t, j.Commit(), ErrAborted)

		buf := cache.GetBlock(1)
		defer buf.Release()
		h := &Handle{journal: j, credits: 1}
		assert.ErrorIs(t, h.MarkDirty(buf), ErrAborted)
	})

	t.Run("first abort reason wins", func(t *testing.T) {
		j, _, _ := newTestJournal(t)
		j.Abort(errors.New("first"))
		j.Abort(errors.New("second"))
		assert.Contains(t, j.Aborted().Error(), "first")
	})
}

func TestJournalQuiesce(t *testing.T) {
	t.Run("waits for running handles before running fn", func(t *testing.T) {
		j, _, _ := newTestJournal(t)
		h, err := j.Begin(1)
		require.NoError(t, err)

		entered := make(chan struct{})
		go func() {
			j.Quiesce(func() error {
				close(entered)
				return nil
			})
		}()

		select {
		case <-entered:
			t.Fatal("quiesce ran with a handle still open")
		case <-time.After(20 * time.Millisecond):
		}

		h.Stop()
		select {
		case <-entered:
		case <-time.After(time.Second):
			t.Fatal("quiesce never ran")
		}
	})

	t.Run("blocks new handles until fn returns", func(t *testing.T) {
		j, _, _ := newTestJournal(t)

		inFn := make(chan struct{})
		release := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.Quiesce(func() error {
				close(inFn)
				<-release
				return nil
			})
		}()
		<-inFn

		began := make(chan struct{})
		go func() {
			h, err := j.Begin(1)
			if err == nil {
				h.Stop()
			}
			close(began)
		}()

		select {
		case <-began:
			t.Fatal("Begin succeeded while quiesced")
		case <-time.After(20 * time.Millisecond):
		}

		close(release)
		wg.Wait()
		select {
		case <-began:
		case <-time.After(time.Second):
			t.Fatal("Begin never unblocked")
		}
	})
}
