package roommanager

import (
	"context"
	"time"

	"github.com/dukepan/roomsync/room"
	"github.com/dukepan/roomsync/roomerrors"
)

// runReaper fires every m.checkInterval, destroying and evicting consumer
// rooms that have sat idle past m.idleTimeout. Producer rooms and rooms
// with at least one registered callback are never touched (invariants 2
// and 3). Grounded on the teacher's evictColdRooms ticker loop
// (internal/rooms/manager.go), generalized from a fixed "last typing
// event" cutoff to the spec's idleSince/callbacks rule.
func (m *Manager) runReaper(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapOnce(ctx)
		}
	}
}

// reapOnce asks each room to atomically re-check the eviction criteria
// against its own live state and destroy itself in the same step, via
// room.Room.ReapIfIdle. A cheap Status() pre-filter skips the common case
// (producer rooms, rooms with active callbacks) without a second round
// trip for the ReapIfIdle command, but
// the actual decide-and-destroy always happens inside the room's own
// goroutine so a Join racing in between a stale snapshot and teardown
// cannot be silently wiped out (invariant 3).
func (m *Manager) reapOnce(ctx context.Context) {
	m.mu.Lock()
	snapshot := make(map[string]*room.Room, len(m.rooms))
	for name, r := range m.rooms {
		snapshot[name] = r
	}
	m.mu.Unlock()

	for name, r := range snapshot {
		st, err := r.Status(ctx)
		if err != nil {
			m.logger.Warn(ctx, "reaper status check failed for room %s: %v (%v)", name, err, roomerrors.ErrReaperIteration)
			if m.metrics != nil {
				m.metrics.ReaperErrorsTotal.Inc()
			}
			continue
		}
		if st.EnablePublish || !st.Initialized || st.CallbackCount > 0 || !st.HasIdleSince {
			continue
		}

		wasReaped, err := r.ReapIfIdle(ctx, m.idleTimeout)
		if err != nil {
			m.logger.Warn(ctx, "reaper failed to evaluate room %s: %v (%v)", name, err, roomerrors.ErrReaperIteration)
			if m.metrics != nil {
				m.metrics.ReaperErrorsTotal.Inc()
			}
			continue
		}
		if !wasReaped {
			continue
		}

		// Removed from the map immediately, not batched until the sweep
		// finishes, so CreateRoom/GetRoom can't hand out this now-destroyed
		// Room for the rest of the iteration.
		m.evict(name, r)
		if m.metrics != nil {
			m.metrics.RoomsReapedTotal.Inc()
			m.metrics.RoomsActive.Dec()
		}
	}
}
