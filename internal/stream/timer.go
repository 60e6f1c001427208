package stream

import (
	"context"
	"time"
)

// The deferred-stop timer gives the client a grace period after a detection
// to restart recognition without paying a full teardown/arm cycle. One
// worker per stream sleeps until armed, then waits out the grace period
// unless cancelled; an uncancelled expiry commits an internal stop, but only
// while pendingStop is still set — the flag, not the timer, is the source of
// truth, so post/cancel are idempotent and a restart always wins the race.

// timerWorker is the per-stream deferred-stop goroutine. It exits when the
// stream closes.
func (s *Stream) timerWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.exit:
			return
		case <-s.timerStart:
		}

		t := time.NewTimer(s.stopDelay)
		select {
		case <-s.exit:
			t.Stop()
			return
		case <-s.timerCancel:
			t.Stop()
		case <-t.C:
			// The stream lock is never held across this wait; the commit
			// takes it fresh.
			s.internalStopRecognition()
		}
	}
}

// postDelayedStop arms the deferred stop. Idempotent; called with the
// stream lock held.
func (s *Stream) postDelayedStop() {
	s.pendingStop = true
	s.metrics.RecordDeferredStop(context.Background(), "armed")
	// Drop any stale cancel signal before arming, then wake the worker.
	select {
	case <-s.timerCancel:
	default:
	}
	select {
	case s.timerStart <- struct{}{}:
	default:
	}
}

// cancelDelayedStop clears a pending deferred stop. Idempotent; called with
// the stream lock held.
func (s *Stream) cancelDelayedStop() {
	if s.pendingStop {
		s.metrics.RecordDeferredStop(context.Background(), "cancelled")
	}
	s.pendingStop = false
	select {
	case s.timerCancel <- struct{}{}:
	default:
	}
}
