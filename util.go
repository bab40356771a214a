package qsync

import (
	"context"
	"time"
	_ "unsafe" // for linkname
)

// noCopy may be added to structs which must not be copied
// after the first use.
//
// See https://golang.org/issues/8005#issuecomment-190753527
// for details.
//
// Note that it must not be embedded, due to the Lock and Unlock methods.
type noCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

func trySpin(spins *int) bool {
	if runtime_canSpin(*spins) {
		*spins++
		runtime_doSpin()
		return true
	}
	return false
}

func delay(spins *int) {
	if trySpin(spins) {
		return
	}
	*spins = 0
	// time.Sleep with non-zero duration (≈Millisecond level) works
	// effectively as backoff under high concurrency.
	// The 500µs duration is derived from Facebook/folly's implementation:
	// https://github.com/facebook/folly/blob/main/folly/synchronization/detail/Sleeper.h
	time.Sleep(500 * time.Microsecond)
}

// parkOn blocks until a permit arrives on signal, ctx is cancelled, or
// the deadline passes. A zero deadline means none; a nil ctx never
// cancels. Spurious returns are fine: every caller rechecks its
// condition in a loop, so parkOn never needs to say why it returned.
func parkOn(signal <-chan struct{}, ctx context.Context, deadline time.Time) {
	var done <-chan struct{}
	if ctx != nil {
		done = ctx.Done()
	}
	if deadline.IsZero() {
		select {
		case <-signal:
		case <-done:
		}
		return
	}
	d := time.Until(deadline)
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	select {
	case <-signal:
	case <-done:
	case <-t.C:
	}
	t.Stop()
}

// procyield burns one short spin iteration (PAUSE on amd64).
//
//go:nosplit
func procyield() {
	runtime_doSpin()
}

// nolint:all
//
//go:linkname runtime_canSpin sync.runtime_canSpin
//goland:noinspection ALL
func runtime_canSpin(i int) bool

// nolint:all
//
//go:linkname runtime_doSpin sync.runtime_doSpin
//goland:noinspection ALL
func runtime_doSpin()
