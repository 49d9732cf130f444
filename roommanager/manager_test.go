package roommanager_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dukepan/roomsync/internal/obslog"
	"github.com/dukepan/roomsync/internal/teststore"
	"github.com/dukepan/roomsync/room"
	"github.com/dukepan/roomsync/roomerrors"
	"github.com/dukepan/roomsync/roommanager"
)

func newManager(store *teststore.FakeStore, idleTimeout, checkInterval time.Duration) *roommanager.Manager {
	return roommanager.New("room", store, obslog.New("error"), nil, idleTimeout, checkInterval)
}

// S5: createRoom with a wildcard name requesting EnablePublish is rejected.
func TestCreateRoom_PatternRejectsProducer(t *testing.T) {
	store := teststore.New()
	mgr := newManager(store, time.Minute, time.Minute)
	ctx := context.Background()

	_, err := mgr.CreateRoom(ctx, "x*", room.Options{EnablePublish: true})
	if err != roomerrors.ErrPatternNotAllowedForProducer {
		t.Fatalf("err = %v, want ErrPatternNotAllowedForProducer", err)
	}
}

// A consumer room later acquired by a producer is upgraded in place
// rather than replaced.
func TestCreateRoom_UpgradesExistingRoomToProducer(t *testing.T) {
	store := teststore.New()
	mgr := newManager(store, time.Minute, time.Minute)
	ctx := context.Background()

	consumerRoom, err := mgr.GetRoom(ctx, "shared", room.Options{EnableFullData: true})
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}

	producerRoom, err := mgr.CreateRoom(ctx, "shared", room.Options{EnableFullData: true, EnablePublish: true})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if producerRoom != consumerRoom {
		t.Fatalf("expected the same Room instance to be upgraded, got a different one")
	}

	st, err := producerRoom.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.EnablePublish {
		t.Errorf("room was not upgraded to a producer")
	}
}

// S4: a consumer room that is joined then left is reaped after the idle
// timeout elapses; a producer room under the same sequence is never
// reaped.
func TestReaper_EvictsIdleConsumerRoomsNotProducers(t *testing.T) {
	store := teststore.New()
	mgr := newManager(store, 200*time.Millisecond, 50*time.Millisecond)
	ctx := context.Background()

	consumer, err := mgr.GetRoom(ctx, "temp", room.Options{EnableFullData: true})
	if err != nil {
		t.Fatalf("GetRoom consumer: %v", err)
	}
	producer, err := mgr.CreateRoom(ctx, "perm", room.Options{EnableFullData: true, EnablePublish: true})
	if err != nil {
		t.Fatalf("CreateRoom producer: %v", err)
	}

	noop := func(map[string]interface{}, map[string]interface{}, interface{}) {}
	if err := consumer.Join(ctx, "u1", noop, nil); err != nil {
		t.Fatalf("Join consumer: %v", err)
	}
	if err := producer.Join(ctx, "u1", noop, nil); err != nil {
		t.Fatalf("Join producer: %v", err)
	}
	if err := consumer.Leave(ctx, "u1"); err != nil {
		t.Fatalf("Leave consumer: %v", err)
	}
	if err := producer.Leave(ctx, "u1"); err != nil {
		t.Fatalf("Leave producer: %v", err)
	}

	mgr.Start(ctx)
	defer mgr.Stop(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		names := mgr.RoomNames()
		if !contains(names, "temp") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	names := mgr.RoomNames()
	if contains(names, "temp") {
		t.Errorf("expected idle consumer room to be reaped, still present: %v", names)
	}
	if !contains(names, "perm") {
		t.Errorf("expected producer room to survive reaping, missing: %v", names)
	}
}

// S7 (via the manager): 100 concurrent GetRoom+Join calls on a fresh room
// name still produce exactly one store fetch.
func TestManager_ConcurrentGetRoomJoinIsSingleFlight(t *testing.T) {
	store := teststore.New()
	mgr := newManager(store, time.Minute, time.Minute)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			r, err := mgr.GetRoom(ctx, "fanout", room.Options{EnableFullData: true})
			if err != nil {
				t.Errorf("GetRoom %d: %v", i, err)
				return
			}
			noop := func(map[string]interface{}, map[string]interface{}, interface{}) {}
			if err := r.Join(ctx, fmt.Sprintf("u%d", i), noop, nil); err != nil {
				t.Errorf("Join %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if got := store.HGetAllCalls(); got != 1 {
		t.Errorf("HGetAll calls = %d, want 1", got)
	}
	if got := len(mgr.RoomNames()); got != 1 {
		t.Errorf("room count = %d, want 1", got)
	}
}

// Manager.Publish writes the hash, capped history, and channel message
// for a bare name with no Room instance involved.
func TestManager_PublishWritesStoreDirectly(t *testing.T) {
	store := teststore.New()
	mgr := newManager(store, time.Minute, time.Minute)
	ctx := context.Background()

	err := mgr.Publish(ctx, "direct", map[string]interface{}{"a": 1}, room.PublishOptions{EnableFullData: true, HistoryLength: 1})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	hash, err := store.HGetAll(ctx, "room:direct:hash")
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if hash["a"] != "1" {
		t.Errorf("hash = %#v", hash)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
