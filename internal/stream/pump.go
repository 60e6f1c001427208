package stream

import (
	"context"
	"log/slog"
)

// The external-event pump decouples device hot-plug, charging, and
// pause/resume producers from the stream's (possibly long) state-handler
// critical sections. Producers enqueue under a small queue lock and return;
// the pump drains in FIFO order under the stream lock. Synchronous client
// events never go through the queue — merging the two paths would let a
// notifier that already holds resource-manager locks deadlock against a
// state handler calling back into the manager.

// postEvent enqueues an external event and wakes the pump. Safe to call
// with or without the stream lock held.
func (s *Stream) postEvent(ev event) {
	s.evMu.Lock()
	s.pending = append(s.pending, ev)
	s.evMu.Unlock()

	select {
	case s.evNotify <- struct{}{}:
	default:
	}
}

// pumpWorker drains queued external events until the stream closes.
func (s *Stream) pumpWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.exit:
			return
		case <-s.evNotify:
		}
		s.drainPendingEvents()
	}
}

// drainPendingEvents dispatches every queued event to the current state in
// FIFO order, holding the stream lock across the whole drain so the batch
// is applied without interleaving.
func (s *Stream) drainPendingEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		s.evMu.Lock()
		if len(s.pending) == 0 {
			s.evMu.Unlock()
			return
		}
		ev := s.pending[0]
		s.pending = s.pending[1:]
		s.evMu.Unlock()

		switch ev.(type) {
		case evDeviceConnected, evDeviceDisconnected, evChargingState, evPause, evResume:
			if err := s.processEvent(context.Background(), ev); err != nil {
				slog.Error("stream: external event failed", "event", ev.name(), "err", err)
			}
		default:
			slog.Error("stream: unsupported pending event", "event", ev.name())
		}
	}
}
