// Package roommanager implements the Room Manager (spec.md component C4):
// singleton room lookup per process, the stateless publish path, and the
// idle reaper. It is the only package that wires roomstore directly into
// room.Room instances, since it both satisfies room.Publisher and holds
// the authoritative room map.
//
// Grounded on the teacher's internal/rooms/manager.go (Manager struct,
// room map, Start/Stop lifecycle) and internal/persistence/sync.go
// (channel-name-keyed dispatch, generalized here into the stateless
// publish write path).
package roommanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dukepan/roomsync/internal/metrics"
	"github.com/dukepan/roomsync/internal/obslog"
	"github.com/dukepan/roomsync/room"
	"github.com/dukepan/roomsync/roomerrors"
	"github.com/dukepan/roomsync/roomkey"
	"github.com/dukepan/roomsync/roomstore"
	"github.com/dukepan/roomsync/roomwire"
)

// Manager owns the process-wide room map, the store client pair, and the
// idle reaper. It satisfies room.Publisher so every Room can delegate its
// producer-path writes back through here.
type Manager struct {
	prefix        string
	store         roomstore.Store
	logger        *obslog.Logger
	metrics       *metrics.Registry
	idleTimeout   time.Duration
	checkInterval time.Duration

	mu    sync.Mutex
	rooms map[string]*room.Room

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Manager. store is expected to already be connected;
// the Manager does not own dialing (spec.md's Store Client Pair connects
// once at process startup, not per manager instance).
func New(prefix string, store roomstore.Store, logger *obslog.Logger, metricsReg *metrics.Registry, idleTimeout, checkInterval time.Duration) *Manager {
	return &Manager{
		prefix:        prefix,
		store:         store,
		logger:        logger,
		metrics:       metricsReg,
		idleTimeout:   idleTimeout,
		checkInterval: checkInterval,
		rooms:         make(map[string]*room.Room),
	}
}

// Publish is the stateless producer path (spec.md 4.4). It is exercised
// both by room.Room.Publish (via the room.Publisher interface) and
// directly by callers that only know a room's name.
func (m *Manager) Publish(ctx context.Context, name string, data map[string]interface{}, opts room.PublishOptions) error {
	if data == nil {
		m.logger.Warn(ctx, "publish to room %s ignored: %v", name, roomerrors.ErrInvalidPublishPayload)
		return nil
	}

	keys := roomkey.Build(m.prefix, name)

	if opts.EnableFullData {
		fields, err := roomwire.EncodeHashFields(data)
		if err != nil {
			return fmt.Errorf("roommanager: encode hash fields for room %s: %w", name, err)
		}
		if len(fields) > 0 {
			if err := m.store.HSet(ctx, keys.Hash, fields); err != nil {
				return fmt.Errorf("roommanager: hset room %s: %w", name, err)
			}
		}
	}

	if opts.HistoryLength > 0 {
		payload, err := roomwire.EncodePayload(data)
		if err != nil {
			return fmt.Errorf("roommanager: encode history payload for room %s: %w", name, err)
		}
		if err := m.store.LPush(ctx, keys.List, payload); err != nil {
			return fmt.Errorf("roommanager: lpush room %s: %w", name, err)
		}
		if err := m.store.LTrim(ctx, keys.List, 0, int64(opts.HistoryLength-1)); err != nil {
			return fmt.Errorf("roommanager: ltrim room %s: %w", name, err)
		}
	}

	payload, err := roomwire.EncodePayload(data)
	if err != nil {
		return fmt.Errorf("roommanager: encode channel payload for room %s: %w", name, err)
	}
	if err := m.store.Publish(ctx, keys.Channel, payload); err != nil {
		return fmt.Errorf("roommanager: publish room %s: %w", name, err)
	}

	if m.metrics != nil {
		m.metrics.PublishTotal.Inc()
	}
	return nil
}

// CreateRoom looks up or creates the Room for name. A pattern name
// requesting EnablePublish is rejected outright. If a Room already
// exists and the caller asks for EnablePublish, the existing Room is
// upgraded in place rather than replaced (covers a producer acquiring a
// room an earlier consumer already created).
func (m *Manager) CreateRoom(ctx context.Context, name string, opts room.Options) (*room.Room, error) {
	if roomkey.IsPattern(name) && opts.EnablePublish {
		return nil, roomerrors.ErrPatternNotAllowedForProducer
	}

	m.mu.Lock()
	existing, ok := m.rooms[name]
	if ok {
		m.mu.Unlock()
		if opts.EnablePublish {
			if err := existing.SetProducer(ctx); err != nil {
				if err != roomerrors.ErrRoomDestroyed {
					return nil, err
				}
				m.evict(name, existing)
				return m.CreateRoom(ctx, name, opts)
			}
		} else if _, err := existing.Status(ctx); err == roomerrors.ErrRoomDestroyed {
			m.evict(name, existing)
			return m.CreateRoom(ctx, name, opts)
		}
		return existing, nil
	}

	r := room.New(name, m.prefix, opts, m.store, m, m.logger, m.metrics)
	m.rooms[name] = r
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RoomsActive.Inc()
	}
	return r, nil
}

// evict removes r from the room map, but only if it is still the entry
// registered under name. The reaper destroys a Room on its own goroutine
// before removing it from the map, so CreateRoom/GetRoom can observe a
// destroyed Room there; evict clears that stale entry so the caller's
// retry creates a fresh one instead of handing the dead Room out again.
// The identity check guards against a concurrent evict (or a fresh
// CreateRoom) having already replaced the entry with a newer Room.
func (m *Manager) evict(name string, r *room.Room) {
	m.mu.Lock()
	if current, ok := m.rooms[name]; ok && current == r {
		delete(m.rooms, name)
	}
	m.mu.Unlock()
}

// GetRoom returns the existing Room for name, or creates one with opts
// (without forcing EnablePublish) if none exists yet.
func (m *Manager) GetRoom(ctx context.Context, name string, opts room.Options) (*room.Room, error) {
	return m.CreateRoom(ctx, name, opts)
}

// RoomNames returns a snapshot of every room name currently held, for
// introspection/debugging (not part of the core data path).
func (m *Manager) RoomNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.rooms))
	for name := range m.rooms {
		names = append(names, name)
	}
	return names
}

// Start schedules the idle reaper. The store connection itself is
// established by the caller before constructing the Manager.
func (m *Manager) Start(ctx context.Context) {
	reaperCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.runReaper(reaperCtx)
}

// Stop cancels the reaper, destroys every room (releasing subscriptions),
// and disconnects the store. Best-effort: teardown errors are logged, not
// returned.
func (m *Manager) Stop(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}

	m.mu.Lock()
	rooms := make([]*room.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.rooms = make(map[string]*room.Room)
	m.mu.Unlock()

	for _, r := range rooms {
		if err := r.Destroy(ctx); err != nil {
			m.logger.Warn(ctx, "error destroying room %s during stop: %v", r.Name(), err)
		}
	}

	if err := m.store.Close(); err != nil {
		m.logger.Warn(ctx, "error closing store during stop: %v", err)
	}
}
