package room

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dukepan/roomsync/internal/obslog"
	"github.com/dukepan/roomsync/internal/teststore"
	"github.com/dukepan/roomsync/roomerrors"
	"github.com/dukepan/roomsync/roomkey"
	"github.com/dukepan/roomsync/roomstore"
	"github.com/dukepan/roomsync/roomwire"
)

const testPrefix = "room"

// fakePublisher reproduces just enough of the manager's stateless publish
// path (spec.md 4.4) to drive Room tests without importing roommanager,
// which itself imports room.
type fakePublisher struct {
	store roomstore.Store
}

func (p *fakePublisher) Publish(ctx context.Context, name string, data map[string]interface{}, opts PublishOptions) error {
	if data == nil {
		return nil
	}
	keys := roomkey.Build(testPrefix, name)

	if opts.EnableFullData {
		fields, err := roomwire.EncodeHashFields(data)
		if err != nil {
			return err
		}
		if len(fields) > 0 {
			if err := p.store.HSet(ctx, keys.Hash, fields); err != nil {
				return err
			}
		}
	}
	if opts.HistoryLength > 0 {
		payload, err := roomwire.EncodePayload(data)
		if err != nil {
			return err
		}
		if err := p.store.LPush(ctx, keys.List, payload); err != nil {
			return err
		}
		if err := p.store.LTrim(ctx, keys.List, 0, int64(opts.HistoryLength-1)); err != nil {
			return err
		}
	}
	payload, err := roomwire.EncodePayload(data)
	if err != nil {
		return err
	}
	return p.store.Publish(ctx, keys.Channel, payload)
}

func testLogger() *obslog.Logger { return obslog.New("error") }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// S1: publish writes the stringified hash and the exact history payload.
func TestS1_PublishWritesHashAndHistory(t *testing.T) {
	store := teststore.New()
	pub := &fakePublisher{store: store}
	r := New("r", testPrefix, Options{EnableFullData: true, HistoryLength: 10, EnablePublish: true}, store, pub, testLogger(), nil)
	ctx := context.Background()

	if err := r.Publish(ctx, map[string]interface{}{"user": "a", "score": 100}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	keys := roomkey.Build(testPrefix, "r")
	hash, err := store.HGetAll(ctx, keys.Hash)
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if hash["user"] != "a" || hash["score"] != "100" {
		t.Errorf("hash = %#v, want user=a score=100", hash)
	}

	history, err := store.LRange(ctx, keys.List, 0, -1)
	if err != nil {
		t.Fatalf("LRange: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	decoded, err := roomwire.DecodePayload(history[0])
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if decoded["user"] != "a" {
		t.Errorf("history[0] = %#v", decoded)
	}
}

// S2: join delivers an initial callback with newData=nil, then a publish
// delivers a second callback carrying the merged snapshot.
func TestS2_JoinThenPublishDispatchesTwice(t *testing.T) {
	store := teststore.New()
	pub := &fakePublisher{store: store}
	r := New("g", testPrefix, Options{EnableFullData: true, EnablePublish: true}, store, pub, testLogger(), nil)
	ctx := context.Background()

	if err := store.HSet(ctx, roomkey.Build(testPrefix, "g").Hash, map[string]string{"state": "waiting"}); err != nil {
		t.Fatalf("seed HSet: %v", err)
	}

	var mu sync.Mutex
	var calls []map[string]interface{}
	onData := func(fullData map[string]interface{}, newData map[string]interface{}, extra interface{}) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, map[string]interface{}{"full": fullData, "new": newData})
	}

	if err := r.Join(ctx, "u1", onData, nil); err != nil {
		t.Fatalf("Join: %v", err)
	}

	mu.Lock()
	if len(calls) != 1 {
		mu.Unlock()
		t.Fatalf("expected 1 call after join, got %d", len(calls))
	}
	if nd, _ := calls[0]["new"].(map[string]interface{}); nd != nil {
		t.Errorf("initial dispatch newData = %#v, want nil", calls[0]["new"])
	}
	if calls[0]["full"].(map[string]interface{})["state"] != "waiting" {
		t.Errorf("initial fullData = %#v", calls[0]["full"])
	}
	mu.Unlock()

	if err := r.Publish(ctx, map[string]interface{}{"state": "playing"}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	newData := calls[1]["new"].(map[string]interface{})
	if newData["state"] != "playing" {
		t.Errorf("second dispatch newData = %#v", newData)
	}
	full := calls[1]["full"].(map[string]interface{})
	if full["state"] != "playing" {
		t.Errorf("second dispatch fullData = %#v", full)
	}
}

// S3: a pattern room aggregates snapshots across matching literal rooms
// and still receives targeted updates afterward.
func TestS3_PatternRoomAggregatesAndReceivesUpdates(t *testing.T) {
	store := teststore.New()
	pub := &fakePublisher{store: store}

	roomA := New("p:a", testPrefix, Options{EnableFullData: true, EnablePublish: true}, store, pub, testLogger(), nil)
	roomB := New("p:b", testPrefix, Options{EnableFullData: true, EnablePublish: true}, store, pub, testLogger(), nil)
	ctx := context.Background()

	if err := roomA.Publish(ctx, map[string]interface{}{"val1": 100}, nil); err != nil {
		t.Fatalf("publish a: %v", err)
	}
	if err := roomB.Publish(ctx, map[string]interface{}{"val2": 200}, nil); err != nil {
		t.Fatalf("publish b: %v", err)
	}

	pattern := New("p:*", testPrefix, Options{EnableFullData: true}, store, pub, testLogger(), nil)

	var mu sync.Mutex
	var calls []map[string]interface{}
	onData := func(fullData map[string]interface{}, newData map[string]interface{}, extra interface{}) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, map[string]interface{}{"full": fullData, "new": newData})
	}

	if err := pattern.Join(ctx, "consumer", onData, nil); err != nil {
		t.Fatalf("Join: %v", err)
	}

	mu.Lock()
	if len(calls) != 1 {
		mu.Unlock()
		t.Fatalf("expected 1 initial call, got %d", len(calls))
	}
	full := calls[0]["full"].(map[string]interface{})
	if full["val1"] != "100" || full["val2"] != "200" {
		t.Errorf("aggregated fullData = %#v", full)
	}
	mu.Unlock()

	if err := roomA.Publish(ctx, map[string]interface{}{"val1": 111}, nil); err != nil {
		t.Fatalf("second publish a: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	newData := calls[1]["new"].(map[string]interface{})
	if fmt.Sprint(newData["val1"]) != "111" {
		t.Errorf("second dispatch newData = %#v", newData)
	}
}

// S6: a failed fetch propagates to the caller and clears the
// initialization state so a later call retries successfully.
func TestS6_InitializationRetriesAfterFailure(t *testing.T) {
	store := teststore.New()
	pub := &fakePublisher{store: store}
	r := New("retry", testPrefix, Options{EnableFullData: true, EnablePublish: true}, store, pub, testLogger(), nil)
	ctx := context.Background()

	store.FailHGetAllOnce()

	if _, err := r.GetFullData(ctx); err == nil {
		t.Fatalf("expected first GetFullData to fail")
	}

	if err := r.Publish(ctx, map[string]interface{}{"state": "ready"}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	full, err := r.GetFullData(ctx)
	if err != nil {
		t.Fatalf("second GetFullData: %v", err)
	}
	if full["state"] != "ready" {
		t.Errorf("fullData = %#v, want state=ready", full)
	}
}

// Invariant 4: idleSince != nil iff the room is initialized and has zero
// callbacks. A room whose first touch is GetFullData (no Join involved)
// must still end up with idleSince set, or the reaper's HasIdleSince guard
// would leak it forever.
func TestInvariant4_IdleSinceSetAfterInitWithoutJoin(t *testing.T) {
	store := teststore.New()
	pub := &fakePublisher{store: store}
	r := New("untouched", testPrefix, Options{EnableFullData: true}, store, pub, testLogger(), nil)
	ctx := context.Background()

	if _, err := r.GetFullData(ctx); err != nil {
		t.Fatalf("GetFullData: %v", err)
	}

	st, err := r.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Initialized {
		t.Fatalf("expected room to be initialized")
	}
	if st.CallbackCount != 0 {
		t.Fatalf("expected no callbacks, got %d", st.CallbackCount)
	}
	if !st.HasIdleSince {
		t.Errorf("expected idleSince to be set for an initialized, callback-less room")
	}
}

// S7: N concurrent joins on a fresh room trigger exactly one fetch and
// every caller receives an initial dispatch.
func TestS7_ConcurrentJoinsAreSingleFlight(t *testing.T) {
	store := teststore.New()
	pub := &fakePublisher{store: store}
	r := New("hot", testPrefix, Options{EnableFullData: true}, store, pub, testLogger(), nil)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	var dispatched int32Counter
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			onData := func(fullData map[string]interface{}, newData map[string]interface{}, extra interface{}) {
				if newData == nil {
					dispatched.inc()
				}
			}
			if err := r.Join(ctx, fmt.Sprintf("u%d", i), onData, nil); err != nil {
				t.Errorf("Join %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if got := store.HGetAllCalls(); got != 1 {
		t.Errorf("HGetAll calls = %d, want 1", got)
	}
	if got := dispatched.get(); got != n {
		t.Errorf("dispatched = %d, want %d", got, n)
	}
}

type int32Counter struct {
	mu sync.Mutex
	v  int
}

func (c *int32Counter) inc() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v++
}

func (c *int32Counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

// Destroy is idempotent (invariant 8) and leaves callbacks inert.
func TestDestroy_Idempotent(t *testing.T) {
	store := teststore.New()
	pub := &fakePublisher{store: store}
	r := New("bye", testPrefix, Options{EnableFullData: true}, store, pub, testLogger(), nil)
	ctx := context.Background()

	if err := r.Join(ctx, "u1", func(map[string]interface{}, map[string]interface{}, interface{}) {}, nil); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := r.Destroy(ctx); err != nil {
		t.Fatalf("first Destroy: %v", err)
	}
	if err := r.Destroy(ctx); err != nil {
		t.Fatalf("second Destroy should be a no-op, got: %v", err)
	}
}

// ReapIfIdle refuses to evict a room whose idle state has already changed
// (a Join registered a callback) by the time the eviction check runs,
// even though the caller decided to call it based on an earlier,
// now-stale observation. This is invariant 3's protection against the
// Status-then-Destroy race: the check and the teardown must happen as
// one atomic step on the room's own goroutine.
func TestReapIfIdle_RefusesWhenCallbackRegisteredSinceSnapshot(t *testing.T) {
	store := teststore.New()
	pub := &fakePublisher{store: store}
	r := New("racey", testPrefix, Options{EnableFullData: true}, store, pub, testLogger(), nil)
	ctx := context.Background()

	// Initialize with no callbacks so idleSince gets set (invariant 4).
	if _, err := r.GetFullData(ctx); err != nil {
		t.Fatalf("GetFullData: %v", err)
	}

	// A Join races in after whatever snapshot a caller might have taken,
	// but before ReapIfIdle is actually invoked.
	if err := r.Join(ctx, "late", func(map[string]interface{}, map[string]interface{}, interface{}) {}, nil); err != nil {
		t.Fatalf("Join: %v", err)
	}

	reaped, err := r.ReapIfIdle(ctx, 0)
	if err != nil {
		t.Fatalf("ReapIfIdle: %v", err)
	}
	if reaped {
		t.Fatalf("room with a live callback must never be reaped")
	}

	st, err := r.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.CallbackCount != 1 {
		t.Errorf("callback was dropped by the reap attempt: count = %d", st.CallbackCount)
	}
}

// ReapIfIdle does evict a genuinely idle room once idleSince is past the
// timeout and no callbacks remain.
func TestReapIfIdle_EvictsGenuinelyIdleRoom(t *testing.T) {
	store := teststore.New()
	pub := &fakePublisher{store: store}
	r := New("drained", testPrefix, Options{EnableFullData: true}, store, pub, testLogger(), nil)
	ctx := context.Background()

	noop := func(map[string]interface{}, map[string]interface{}, interface{}) {}
	if err := r.Join(ctx, "u1", noop, nil); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := r.Leave(ctx, "u1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	reaped, err := r.ReapIfIdle(ctx, 0)
	if err != nil {
		t.Fatalf("ReapIfIdle: %v", err)
	}
	if !reaped {
		t.Fatalf("expected idle callback-less room to be reaped")
	}
}

// Publish on a non-producer room fails with NotAProducer.
func TestPublish_NonProducerFails(t *testing.T) {
	store := teststore.New()
	pub := &fakePublisher{store: store}
	r := New("consumer-only", testPrefix, Options{EnableFullData: true}, store, pub, testLogger(), nil)

	err := r.Publish(context.Background(), map[string]interface{}{"a": 1}, nil)
	if err != roomerrors.ErrNotAProducer {
		t.Errorf("err = %v, want ErrNotAProducer", err)
	}
}

// History is capped at historyLength, newest first (invariant 2 / property 6 FIFO).
func TestHistory_CappedNewestFirst(t *testing.T) {
	store := teststore.New()
	pub := &fakePublisher{store: store}
	r := New("capped", testPrefix, Options{EnableFullData: false, HistoryLength: 2, EnablePublish: true}, store, pub, testLogger(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := r.Publish(ctx, map[string]interface{}{"seq": i}, nil); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	waitFor(t, time.Second, func() bool {
		hist, err := r.GetHistoryData(ctx)
		return err == nil && len(hist) == 2
	})

	hist, err := r.GetHistoryData(ctx)
	if err != nil {
		t.Fatalf("GetHistoryData: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if fmt.Sprint(hist[0]["seq"]) != "2" || fmt.Sprint(hist[1]["seq"]) != "1" {
		t.Errorf("history = %#v, want newest-first [2,1]", hist)
	}
}
