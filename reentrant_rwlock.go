package qsync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/llxisdsh/pb"
	"github.com/petermattis/goid"
)

// ReentrantRWLock is a reader-writer lock whose holds are counted per
// goroutine: the same goroutine may acquire either side repeatedly and
// must release it the same number of times. A goroutine holding the
// write lock may also take the read lock (the downgrade pattern:
// Lock, RLock, Unlock leaves a pure read hold).
//
// State layout (32-bit): high 16 bits shared hold count, low 16 bits
// exclusive hold count. Exceeding 65535 holds on either side is an
// unrecoverable programming error and panics.
//
// Two admission policies exist:
//   - non-fair (default): writers may barge; readers defer when the
//     longest-queued waiter wants write access, which keeps reader
//     throughput high without starving writers.
//   - fair: any acquisition queues behind already-waiting goroutines.
//
// Read-side bookkeeping: the first reader and the most recent reader
// each get a dedicated slot; everyone else goes through a concurrent
// per-goroutine table.
//
// Because holds are keyed by goroutine identity, a hold must be
// released on the goroutine that acquired it and must not outlive it.
//
// Use NewReentrantRWLock or NewFairReentrantRWLock; the zero value is
// not usable.
type ReentrantRWLock struct {
	_ noCopy
	s rwSync
}

// NewReentrantRWLock returns a non-fair reentrant reader-writer lock.
func NewReentrantRWLock() *ReentrantRWLock {
	l := &ReentrantRWLock{}
	l.s.policy = &l.s
	return l
}

// NewFairReentrantRWLock returns a reentrant reader-writer lock with
// strict FIFO admission.
func NewFairReentrantRWLock() *ReentrantRWLock {
	l := &ReentrantRWLock{}
	l.s.fair = true
	l.s.policy = &l.s
	return l
}

const (
	rwSharedShift = 16
	rwSharedUnit  = uint32(1) << rwSharedShift
	rwMaxCount    = uint32(1)<<rwSharedShift - 1
	rwExclMask    = uint32(1)<<rwSharedShift - 1
)

func rwSharedCount(c uint32) uint32 { return c >> rwSharedShift }
func rwExclCount(c uint32) uint32   { return c & rwExclMask }

// holdCounter tracks one goroutine's read holds. count is only
// mutated by the owning goroutine.
type holdCounter struct {
	gid   int64
	count int32
}

// rwSync is the syncPolicy driving the queuedSync for both facets.
type rwSync struct {
	queuedSync
	fair bool

	// owner is the goroutine id holding exclusive mode, 0 when free.
	// Only mutated under the exclusive bits' mutual exclusion.
	owner atomic.Int64

	// firstReader/firstReaderHolds form the single-slot fast path for
	// the common one-reader case; firstReaderHolds is only touched by
	// that goroutine.
	firstReader      atomic.Int64
	firstReaderHolds int32

	// cachedHolds remembers the counter of the last reader to acquire,
	// saving a table lookup for bursty repeat readers.
	cachedHolds atomic.Pointer[holdCounter]

	// readHolds is the general per-goroutine fallback table.
	readHolds pb.MapOf[int64, *holdCounter]
}

// holdsFor returns the calling goroutine's counter, creating it in the
// fallback table when absent.
func (s *rwSync) holdsFor(gid int64) *holdCounter {
	hc, _ := s.readHolds.ProcessEntry(gid,
		func(e *pb.EntryOf[int64, *holdCounter]) (*pb.EntryOf[int64, *holdCounter], *holdCounter, bool) {
			if e != nil {
				return e, e.Value, true
			}
			hc := &holdCounter{gid: gid}
			return &pb.EntryOf[int64, *holdCounter]{Value: hc}, hc, false
		})
	return hc
}

func (s *rwSync) writerShouldBlock() bool {
	return s.fair && s.hasQueuedPredecessors()
}

func (s *rwSync) readerShouldBlock() bool {
	if s.fair {
		return s.hasQueuedPredecessors()
	}
	return s.apparentlyFirstQueuedIsExclusive()
}

func (s *rwSync) isHeldExclusively() bool {
	return s.owner.Load() == goid.Get()
}

func (s *rwSync) tryAcquire(n uint32) bool {
	me := goid.Get()
	c := s.state.Load()
	if c != 0 {
		w := rwExclCount(c)
		// Non-zero state with zero write count means readers hold it.
		if w == 0 || s.owner.Load() != me {
			return false
		}
		if w+n > rwMaxCount {
			panic("qsync: maximum write hold count exceeded")
		}
		// Reentrant: we already exclude every other mutator.
		s.state.Store(c + n)
		return true
	}
	if s.writerShouldBlock() || !s.state.CompareAndSwap(c, c+n) {
		return false
	}
	s.owner.Store(me)
	return true
}

func (s *rwSync) tryRelease(n uint32) bool {
	if !s.isHeldExclusively() {
		panic("qsync: Unlock of unheld write lock")
	}
	c := s.state.Load() - n
	free := rwExclCount(c) == 0
	if free {
		s.owner.Store(0)
	}
	s.state.Store(c)
	return free
}

func (s *rwSync) tryAcquireShared(uint32) int {
	me := goid.Get()
	c := s.state.Load()
	if rwExclCount(c) != 0 && s.owner.Load() != me {
		return -1
	}
	r := rwSharedCount(c)
	if !s.readerShouldBlock() && r < rwMaxCount &&
		s.state.CompareAndSwap(c, c+rwSharedUnit) {
		s.noteReadAcquire(me, r, nil)
		return 1
	}
	return s.fullTryAcquireShared(me)
}

// fullTryAcquireShared is the retry path: it re-validates the
// should-block decision against reentrancy, because a goroutine that
// already holds a read lock must never be made to queue behind new
// arrivals (that would deadlock against itself).
func (s *rwSync) fullTryAcquireShared(me int64) int {
	var rh *holdCounter
	for {
		c := s.state.Load()
		if rwExclCount(c) != 0 {
			if s.owner.Load() != me {
				return -1
			}
			// else we hold the write lock; blocking here would deadlock
		} else if s.readerShouldBlock() && s.firstReader.Load() != me {
			if rh == nil {
				rh = s.cachedHolds.Load()
				if rh == nil || rh.gid != me {
					if hc, ok := s.readHolds.Load(me); ok {
						rh = hc
					} else {
						rh = &holdCounter{gid: me}
					}
				}
			}
			if rh.count == 0 {
				return -1
			}
		}
		if rwSharedCount(c) == rwMaxCount {
			panic("qsync: maximum read hold count exceeded")
		}
		if s.state.CompareAndSwap(c, c+rwSharedUnit) {
			s.noteReadAcquire(me, rwSharedCount(c), rh)
			return 1
		}
	}
}

// noteReadAcquire records one read hold for goroutine me. prevShared
// is the shared count before our increment; rh is a counter already
// resolved by the caller, or nil.
func (s *rwSync) noteReadAcquire(me int64, prevShared uint32, rh *holdCounter) {
	if prevShared == 0 {
		s.firstReader.Store(me)
		s.firstReaderHolds = 1
	} else if s.firstReader.Load() == me {
		s.firstReaderHolds++
	} else {
		if rh == nil || rh.gid != me {
			rh = s.cachedHolds.Load()
		}
		if rh == nil || rh.gid != me {
			rh = s.holdsFor(me)
		} else if rh.count == 0 {
			s.readHolds.Store(me, rh)
		}
		rh.count++
		s.cachedHolds.Store(rh)
	}
}

func (s *rwSync) tryReleaseShared(uint32) bool {
	me := goid.Get()
	if s.firstReader.Load() == me {
		if s.firstReaderHolds == 1 {
			s.firstReader.Store(0)
		} else {
			s.firstReaderHolds--
		}
	} else {
		rh := s.cachedHolds.Load()
		if rh == nil || rh.gid != me {
			hc, ok := s.readHolds.Load(me)
			if !ok {
				panic("qsync: RUnlock of unheld read lock")
			}
			rh = hc
		}
		if rh.count <= 1 {
			s.readHolds.Delete(me)
			if rh.count <= 0 {
				panic("qsync: RUnlock of unheld read lock")
			}
		}
		rh.count--
	}
	for {
		c := s.state.Load()
		if rwSharedCount(c) == 0 {
			panic("qsync: RUnlock of unheld read lock")
		}
		nc := c - rwSharedUnit
		if s.state.CompareAndSwap(c, nc) {
			// A zero state lets a queued writer (or anyone) in.
			return nc == 0
		}
	}
}

// tryWriteBarge is the unconditional non-blocking write attempt; it
// barges even under the fair policy, matching TryLock semantics.
func (s *rwSync) tryWriteBarge() bool {
	me := goid.Get()
	c := s.state.Load()
	if c != 0 {
		w := rwExclCount(c)
		if w == 0 || s.owner.Load() != me {
			return false
		}
		if w == rwMaxCount {
			panic("qsync: maximum write hold count exceeded")
		}
	}
	if !s.state.CompareAndSwap(c, c+1) {
		return false
	}
	s.owner.Store(me)
	return true
}

// tryReadBarge is the unconditional non-blocking read attempt.
func (s *rwSync) tryReadBarge() bool {
	me := goid.Get()
	for {
		c := s.state.Load()
		if rwExclCount(c) != 0 && s.owner.Load() != me {
			return false
		}
		r := rwSharedCount(c)
		if r == rwMaxCount {
			panic("qsync: maximum read hold count exceeded")
		}
		if s.state.CompareAndSwap(c, c+rwSharedUnit) {
			s.noteReadAcquire(me, r, nil)
			return true
		}
	}
}

// Lock acquires the write lock, blocking until available.
func (l *ReentrantRWLock) Lock() {
	l.s.acquire(1)
}

// LockCtx acquires the write lock unless ctx is cancelled first.
func (l *ReentrantRWLock) LockCtx(ctx context.Context) error {
	return l.s.acquireCtx(1, ctx)
}

// TryLock attempts the write lock without blocking or queueing; it
// barges regardless of fairness.
func (l *ReentrantRWLock) TryLock() bool {
	return l.s.tryWriteBarge()
}

// TryLockFor acquires the write lock, honoring the admission policy,
// giving up after timeout.
func (l *ReentrantRWLock) TryLockFor(timeout time.Duration) bool {
	return l.s.tryAcquireFor(1, timeout)
}

// Unlock releases one write hold; the last hold releases the lock and
// wakes the next waiter. It panics if the caller does not hold it.
func (l *ReentrantRWLock) Unlock() {
	l.s.release(1)
}

// RLock acquires the read lock, blocking until available.
func (l *ReentrantRWLock) RLock() {
	l.s.acquireShared(1)
}

// RLockCtx acquires the read lock unless ctx is cancelled first.
func (l *ReentrantRWLock) RLockCtx(ctx context.Context) error {
	return l.s.acquireSharedCtx(1, ctx)
}

// TryRLock attempts the read lock without blocking or queueing.
func (l *ReentrantRWLock) TryRLock() bool {
	return l.s.tryReadBarge()
}

// TryRLockFor acquires the read lock, honoring the admission policy,
// giving up after timeout.
func (l *ReentrantRWLock) TryRLockFor(timeout time.Duration) bool {
	return l.s.tryAcquireSharedFor(1, timeout)
}

// RUnlock releases one read hold of the calling goroutine. It panics
// if the caller holds none.
func (l *ReentrantRWLock) RUnlock() {
	l.s.releaseShared(1)
}

// IsFair reports whether admission is strict FIFO.
func (l *ReentrantRWLock) IsFair() bool {
	return l.s.fair
}

// ReadLockCount returns the total number of read holds across all
// goroutines.
func (l *ReentrantRWLock) ReadLockCount() int {
	return int(rwSharedCount(l.s.state.Load()))
}

// ReadHoldCount returns the calling goroutine's read holds.
func (l *ReentrantRWLock) ReadHoldCount() int {
	s := &l.s
	me := goid.Get()
	if s.firstReader.Load() == me {
		return int(s.firstReaderHolds)
	}
	if rh := s.cachedHolds.Load(); rh != nil && rh.gid == me {
		return int(rh.count)
	}
	if hc, ok := s.readHolds.Load(me); ok {
		return int(hc.count)
	}
	return 0
}

// WriteHoldCount returns the calling goroutine's write holds.
func (l *ReentrantRWLock) WriteHoldCount() int {
	s := &l.s
	if s.owner.Load() != goid.Get() {
		return 0
	}
	return int(rwExclCount(s.state.Load()))
}

// IsWriteLocked reports whether any goroutine holds the write lock.
func (l *ReentrantRWLock) IsWriteLocked() bool {
	return rwExclCount(l.s.state.Load()) != 0
}

// IsWriteLockedByCaller reports whether the calling goroutine holds
// the write lock.
func (l *ReentrantRWLock) IsWriteLockedByCaller() bool {
	return l.s.isHeldExclusively()
}

// HasQueuedWaiters reports whether any goroutine is queued for either
// side. The answer can be stale by the time it is used.
func (l *ReentrantRWLock) HasQueuedWaiters() bool {
	return l.s.hasQueuedWaiters()
}

// QueueLength estimates how many goroutines are queued.
func (l *ReentrantRWLock) QueueLength() int {
	return l.s.queueLength()
}

// ReadLocker returns a sync.Locker view of the read side.
func (l *ReentrantRWLock) ReadLocker() sync.Locker {
	return (*reentrantRLocker)(l)
}

// WriteLocker returns a sync.Locker view of the write side.
func (l *ReentrantRWLock) WriteLocker() sync.Locker {
	return (*reentrantWLocker)(l)
}

type reentrantRLocker ReentrantRWLock

func (r *reentrantRLocker) Lock()   { (*ReentrantRWLock)(r).RLock() }
func (r *reentrantRLocker) Unlock() { (*ReentrantRWLock)(r).RUnlock() }

type reentrantWLocker ReentrantRWLock

func (w *reentrantWLocker) Lock()   { (*ReentrantRWLock)(w).Lock() }
func (w *reentrantWLocker) Unlock() { (*ReentrantRWLock)(w).Unlock() }
