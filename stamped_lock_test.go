package qsync

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestStampedLock_WriteBasic(t *testing.T) {
	var sl StampedLock
	var a int

	s := sl.WriteLock()
	if s == 0 {
		t.Fatalf("WriteLock returned zero stamp")
	}
	if !sl.IsWriteLocked() {
		t.Fatalf("IsWriteLocked = false while held")
	}
	if sl.TryWriteLock() != 0 {
		t.Fatalf("TryWriteLock succeeded while write-locked")
	}
	if sl.TryReadLock() != 0 {
		t.Fatalf("TryReadLock succeeded while write-locked")
	}
	a = 1
	sl.UnlockWrite(s)
	_ = a
	if sl.IsWriteLocked() {
		t.Fatalf("IsWriteLocked = true after unlock")
	}
}

func TestStampedLock_UnlockWriteStale(t *testing.T) {
	var sl StampedLock
	s := sl.WriteLock()
	sl.UnlockWrite(s)

	defer func() {
		if recover() == nil {
			t.Errorf("UnlockWrite with stale stamp did not panic")
		}
	}()
	sl.UnlockWrite(s)
}

func TestStampedLock_VersionAdvances(t *testing.T) {
	var sl StampedLock
	prev := sl.TryOptimisticRead()
	for range 10 {
		s := sl.WriteLock()
		sl.UnlockWrite(s)
		cur := sl.TryOptimisticRead()
		if cur == prev && cur != 0 {
			t.Fatalf("version did not advance after write cycle")
		}
		prev = cur
	}
}

func TestStampedLock_ReadShared(t *testing.T) {
	var sl StampedLock

	s1 := sl.ReadLock()
	s2 := sl.TryReadLock()
	if s1 == 0 || s2 == 0 {
		t.Fatalf("concurrent read stamps: %d, %d", s1, s2)
	}
	if !sl.IsReadLocked() {
		t.Fatalf("IsReadLocked = false with two readers")
	}
	if n := sl.ReadLockCount(); n != 2 {
		t.Fatalf("ReadLockCount = %d, want 2", n)
	}
	if sl.TryWriteLock() != 0 {
		t.Fatalf("TryWriteLock succeeded while read-locked")
	}
	sl.UnlockRead(s1)
	sl.UnlockRead(s2)
	if sl.IsReadLocked() {
		t.Fatalf("IsReadLocked = true after all reads released")
	}
}

func TestStampedLock_UnlockReadUnheld(t *testing.T) {
	var sl StampedLock
	s := sl.ReadLock()
	sl.UnlockRead(s)

	defer func() {
		if recover() == nil {
			t.Errorf("UnlockRead with no read hold did not panic")
		}
	}()
	sl.UnlockRead(s)
}

func TestStampedLock_Unlock(t *testing.T) {
	var sl StampedLock

	s := sl.WriteLock()
	sl.Unlock(s)
	s = sl.ReadLock()
	sl.Unlock(s)

	defer func() {
		if recover() == nil {
			t.Errorf("Unlock with stale stamp did not panic")
		}
	}()
	sl.Unlock(s)
}

func TestStampedLock_OptimisticRead(t *testing.T) {
	var sl StampedLock
	var a, b int

	// Quiescent: an optimistic read over untouched data validates.
	s := sl.TryOptimisticRead()
	if s != 0 {
		x, y := a, b
		if !sl.Validate(s) {
			t.Fatalf("Validate failed with no writer activity")
		}
		_, _ = x, y
	}

	// A write between acquire and validate must invalidate the stamp.
	s = sl.TryOptimisticRead()
	ws := sl.WriteLock()
	a, b = 1, 2
	sl.UnlockWrite(ws)
	if s != 0 && sl.Validate(s) {
		t.Fatalf("Validate succeeded across an interleaved write")
	}

	// While write-locked, no optimistic stamp is available.
	ws = sl.WriteLock()
	if sl.TryOptimisticRead() != 0 {
		t.Fatalf("TryOptimisticRead returned a stamp while write-locked")
	}
	sl.UnlockWrite(ws)
}

// pt is the classic moving-point workload: readers must never observe
// a state where the two coordinates disagree.
func TestStampedLock_OptimisticReadStress(t *testing.T) {
	var sl StampedLock
	var x, y int64

	const loops = 5000
	readerN := runtime.GOMAXPROCS(0)
	var wg sync.WaitGroup
	wg.Add(readerN + 1)

	go func() {
		defer wg.Done()
		for i := range int64(loops) {
			s := sl.WriteLock()
			x, y = i, -i
			sl.UnlockWrite(s)
		}
	}()

	for range readerN {
		go func() {
			defer wg.Done()
			for range loops {
				var cx, cy int64
				s := sl.TryOptimisticRead()
				if s != 0 {
					cx, cy = x, y
				}
				if s == 0 || !sl.Validate(s) {
					s = sl.ReadLock()
					cx, cy = x, y
					sl.UnlockRead(s)
				}
				if cx != -cy {
					t.Errorf("torn read: x=%d y=%d", cx, cy)
					return
				}
			}
		}()
	}

	wg.Wait()
}

func TestStampedLock_ReadersAndWriters(t *testing.T) {
	var sl StampedLock
	var readers int32
	var writers int32

	const loops = 1000
	readerN := runtime.GOMAXPROCS(0)
	writerN := 2

	var wg sync.WaitGroup
	wg.Add(readerN + writerN)

	for range readerN {
		go func() {
			defer wg.Done()
			for range loops {
				s := sl.ReadLock()
				n := atomic.AddInt32(&readers, 1)
				if atomic.LoadInt32(&writers) != 0 {
					t.Errorf("reader observed active writer")
					sl.UnlockRead(s)
					return
				}
				if n <= 0 {
					t.Errorf("invalid reader count")
					sl.UnlockRead(s)
					return
				}
				atomic.AddInt32(&readers, -1)
				sl.UnlockRead(s)
			}
		}()
	}

	for range writerN {
		go func() {
			defer wg.Done()
			for range loops {
				s := sl.WriteLock()
				if atomic.AddInt32(&writers, 1) != 1 {
					t.Errorf("multiple writers active")
					sl.UnlockWrite(s)
					return
				}
				if atomic.LoadInt32(&readers) != 0 {
					t.Errorf("writer observed active readers")
					sl.UnlockWrite(s)
					return
				}
				atomic.AddInt32(&writers, -1)
				sl.UnlockWrite(s)
			}
		}()
	}

	wg.Wait()
}

func TestStampedLock_TryWriteLockFor(t *testing.T) {
	var sl StampedLock

	s := sl.TryWriteLockFor(10 * time.Millisecond)
	if s == 0 {
		t.Fatalf("TryWriteLockFor failed on a free lock")
	}

	done := make(chan uint64)
	go func() {
		done <- sl.TryWriteLockFor(20 * time.Millisecond)
	}()
	if got := <-done; got != 0 {
		t.Fatalf("TryWriteLockFor succeeded against a held write lock")
	}
	sl.UnlockWrite(s)

	// The timed-out waiter must not poison the queue for later
	// acquisitions.
	s = sl.WriteLock()
	sl.UnlockWrite(s)
	s = sl.ReadLock()
	sl.UnlockRead(s)
}

func TestStampedLock_TryReadLockFor(t *testing.T) {
	var sl StampedLock

	ws := sl.WriteLock()
	done := make(chan uint64)
	go func() {
		done <- sl.TryReadLockFor(20 * time.Millisecond)
	}()
	if got := <-done; got != 0 {
		t.Fatalf("TryReadLockFor succeeded against a held write lock")
	}
	sl.UnlockWrite(ws)

	s := sl.TryReadLockFor(10 * time.Millisecond)
	if s == 0 {
		t.Fatalf("TryReadLockFor failed on a free lock")
	}
	sl.UnlockRead(s)
}

func TestStampedLock_Ctx(t *testing.T) {
	var sl StampedLock

	ws := sl.WriteLock()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 2)
	go func() {
		_, err := sl.WriteLockCtx(ctx)
		errc <- err
	}()
	go func() {
		_, err := sl.ReadLockCtx(ctx)
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	for range 2 {
		if err := <-errc; err != context.Canceled {
			t.Fatalf("ctx acquisition error = %v, want context.Canceled", err)
		}
	}

	sl.UnlockWrite(ws)
	ws = sl.WriteLock()
	sl.UnlockWrite(ws)
}

func TestStampedLock_CtxPreCancelled(t *testing.T) {
	var sl StampedLock
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A cancelled context fails fast even when the lock is free.
	if s, err := sl.WriteLockCtx(ctx); err != context.Canceled {
		t.Fatalf("WriteLockCtx with cancelled ctx = (%d, %v)", s, err)
	}
	if s, err := sl.ReadLockCtx(ctx); err != context.Canceled {
		t.Fatalf("ReadLockCtx with cancelled ctx = (%d, %v)", s, err)
	}

	// The lock itself is untouched.
	s := sl.TryWriteLock()
	if s == 0 {
		t.Fatalf("TryWriteLock failed after cancelled attempts")
	}
	sl.UnlockWrite(s)
}

func TestStampedLock_ConvertToWrite(t *testing.T) {
	var sl StampedLock

	// Optimistic stamp upgrades when nothing intervened.
	s := sl.TryOptimisticRead()
	if s != 0 {
		ws := sl.TryConvertToWriteLock(s)
		if ws == 0 {
			t.Fatalf("optimistic->write conversion failed on free lock")
		}
		sl.UnlockWrite(ws)
	}

	// Sole reader upgrades.
	rs := sl.ReadLock()
	ws := sl.TryConvertToWriteLock(rs)
	if ws == 0 {
		t.Fatalf("sole reader failed to upgrade")
	}
	if !sl.IsWriteLocked() || sl.IsReadLocked() {
		t.Fatalf("state after upgrade: write=%v read=%v",
			sl.IsWriteLocked(), sl.IsReadLocked())
	}

	// A write stamp converts to itself.
	if sl.TryConvertToWriteLock(ws) != ws {
		t.Fatalf("write->write conversion changed the stamp")
	}
	sl.UnlockWrite(ws)

	// With a second reader present the upgrade must fail.
	r1 := sl.ReadLock()
	r2 := sl.ReadLock()
	if sl.TryConvertToWriteLock(r1) != 0 {
		t.Fatalf("upgrade succeeded with another reader present")
	}
	sl.UnlockRead(r1)
	sl.UnlockRead(r2)
}

func TestStampedLock_ConvertToRead(t *testing.T) {
	var sl StampedLock

	// Downgrade: write -> read keeps exclusion against writers only.
	ws := sl.WriteLock()
	rs := sl.TryConvertToReadLock(ws)
	if rs == 0 {
		t.Fatalf("write->read downgrade failed")
	}
	if sl.IsWriteLocked() || !sl.IsReadLocked() {
		t.Fatalf("state after downgrade: write=%v read=%v",
			sl.IsWriteLocked(), sl.IsReadLocked())
	}
	if sl.TryReadLock() == 0 {
		t.Fatalf("second reader blocked after downgrade")
	}
	if !sl.TryUnlockRead() {
		t.Fatalf("TryUnlockRead failed")
	}
	sl.UnlockRead(rs)

	// A read stamp converts to itself.
	rs = sl.ReadLock()
	if sl.TryConvertToReadLock(rs) != rs {
		t.Fatalf("read->read conversion changed the stamp")
	}
	sl.UnlockRead(rs)

	// An optimistic stamp acquires a fresh read lock.
	s := sl.TryOptimisticRead()
	if s != 0 {
		rs = sl.TryConvertToReadLock(s)
		if rs == 0 || !sl.IsReadLocked() {
			t.Fatalf("optimistic->read conversion failed")
		}
		sl.UnlockRead(rs)
	}
}

func TestStampedLock_ConvertToOptimisticRead(t *testing.T) {
	var sl StampedLock

	ws := sl.WriteLock()
	os := sl.TryConvertToOptimisticRead(ws)
	if os == 0 {
		t.Fatalf("write->optimistic conversion failed")
	}
	if sl.IsWriteLocked() {
		t.Fatalf("write lock still held after conversion")
	}
	if !sl.Validate(os) {
		t.Fatalf("converted stamp invalid on quiescent lock")
	}

	rs := sl.ReadLock()
	os = sl.TryConvertToOptimisticRead(rs)
	if os == 0 {
		t.Fatalf("read->optimistic conversion failed")
	}
	if sl.IsReadLocked() {
		t.Fatalf("read lock still held after conversion")
	}

	if sl.TryConvertToOptimisticRead(rs) != 0 {
		t.Fatalf("stale stamp converted")
	}
}

func TestStampedLock_TryUnlock(t *testing.T) {
	var sl StampedLock

	if sl.TryUnlockWrite() {
		t.Fatalf("TryUnlockWrite succeeded on free lock")
	}
	if sl.TryUnlockRead() {
		t.Fatalf("TryUnlockRead succeeded on free lock")
	}

	s := sl.WriteLock()
	if !sl.TryUnlockWrite() {
		t.Fatalf("TryUnlockWrite failed while write-locked")
	}
	_ = s

	s = sl.ReadLock()
	if !sl.TryUnlockRead() {
		t.Fatalf("TryUnlockRead failed while read-locked")
	}
	_ = s
}

func TestStampedLock_ReaderOverflow(t *testing.T) {
	var sl StampedLock

	const n = 200 // past the 126 in-word reader limit
	stamps := make([]uint64, 0, n)
	for range n {
		s := sl.TryReadLock()
		if s == 0 {
			t.Fatalf("TryReadLock failed at hold %d", len(stamps))
		}
		stamps = append(stamps, s)
	}
	if got := sl.ReadLockCount(); got != n {
		t.Fatalf("ReadLockCount = %d, want %d", got, n)
	}
	for i := len(stamps) - 1; i >= 0; i-- {
		sl.UnlockRead(stamps[i])
	}
	if sl.IsReadLocked() {
		t.Fatalf("still read-locked after releasing all holds")
	}

	// Fully drained, writers proceed again.
	s := sl.TryWriteLock()
	if s == 0 {
		t.Fatalf("TryWriteLock failed after overflow drain")
	}
	sl.UnlockWrite(s)
}

func TestStampedLock_WriterNotStarved(t *testing.T) {
	var sl StampedLock
	var stop atomic.Bool

	readerN := max(2, runtime.GOMAXPROCS(0))
	var wg sync.WaitGroup
	wg.Add(readerN)
	for range readerN {
		go func() {
			defer wg.Done()
			for !stop.Load() {
				s := sl.ReadLock()
				sl.UnlockRead(s)
			}
		}()
	}

	// A writer arriving under constant read churn must get through.
	got := sl.TryWriteLockFor(5 * time.Second)
	if got == 0 {
		t.Errorf("writer starved by reader churn")
	} else {
		sl.UnlockWrite(got)
	}
	stop.Store(true)
	wg.Wait()
}

func TestStampedLock_CtxGroup(t *testing.T) {
	var sl StampedLock
	var counter int64

	g, ctx := errgroup.WithContext(context.Background())
	const loops = 500
	for range runtime.GOMAXPROCS(0) {
		g.Go(func() error {
			for range loops {
				s, err := sl.WriteLockCtx(ctx)
				if err != nil {
					return err
				}
				counter++
				sl.UnlockWrite(s)
			}
			return nil
		})
		g.Go(func() error {
			for range loops {
				s, err := sl.ReadLockCtx(ctx)
				if err != nil {
					return err
				}
				if counter < 0 {
					sl.UnlockRead(s)
					return nil
				}
				sl.UnlockRead(s)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("group error: %v", err)
	}
	if want := int64(runtime.GOMAXPROCS(0) * loops); counter != want {
		t.Fatalf("counter = %d, want %d", counter, want)
	}
}

func TestStampedLock_Reset(t *testing.T) {
	var sl StampedLock

	s := sl.WriteLock()
	sl.Reset()
	if sl.IsWriteLocked() || sl.IsReadLocked() {
		t.Fatalf("lock held after Reset")
	}
	// The old stamp is dead.
	if sl.Validate(s) {
		t.Fatalf("pre-Reset stamp validated")
	}
	ws := sl.TryWriteLock()
	if ws == 0 {
		t.Fatalf("TryWriteLock failed after Reset")
	}
	sl.UnlockWrite(ws)
}
