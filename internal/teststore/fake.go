// Package teststore provides an in-process fake of roomstore.Store so
// room and roommanager tests can exercise the full init/merge/dispatch
// state machine without a live Redis.
package teststore

import (
	"context"
	"errors"
	"path"
	"sync"

	"github.com/dukepan/roomsync/roomstore"
)

var errFakeStoreFetch = errors.New("teststore: simulated fetch failure")

type subEntry struct {
	id      int
	handler roomstore.MessageHandler
}

// FakeStore is a minimal, goroutine-safe in-memory Store. Pub/sub delivery
// is asynchronous (each matching handler runs on its own goroutine) to
// mirror a real Redis connection's behavior.
type FakeStore struct {
	mu     sync.Mutex
	hash   map[string]map[string]string
	list   map[string][]string
	subs   map[string][]subEntry
	psubs  map[string][]subEntry
	nextID int

	hGetAllCalls int
	lRangeCalls  int
	scanCalls    int

	failHGetAllOnce bool
}

// New returns an empty FakeStore.
func New() *FakeStore {
	return &FakeStore{
		hash:  make(map[string]map[string]string),
		list:  make(map[string][]string),
		subs:  make(map[string][]subEntry),
		psubs: make(map[string][]subEntry),
	}
}

// HGetAllCalls returns how many times HGetAll has been invoked, for
// asserting the single-flight property (S7): N concurrent joins should
// yield exactly one fetch.
func (f *FakeStore) HGetAllCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hGetAllCalls
}

// ScanCalls returns how many times Scan has been invoked.
func (f *FakeStore) ScanCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanCalls
}

// FailHGetAllOnce arranges for the next HGetAll call to fail, then succeed
// on every subsequent call. Used to exercise S6's initialization retry.
func (f *FakeStore) FailHGetAllOnce() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failHGetAllOnce = true
}

func (f *FakeStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hash[key]
	if !ok {
		h = make(map[string]string)
		f.hash[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (f *FakeStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	f.hGetAllCalls++
	fail := f.failHGetAllOnce
	f.failHGetAllOnce = false
	h := f.hash[key]
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	f.mu.Unlock()

	if fail {
		return nil, errFakeStoreFetch
	}
	return out, nil
}

func (f *FakeStore) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.hash, k)
		delete(f.list, k)
	}
	return nil
}

func (f *FakeStore) LPush(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.list[key] = append([]string{value}, f.list[key]...)
	return nil
}

func (f *FakeStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.list[key]
	if start < 0 {
		start = 0
	}
	if stop < start-1 {
		f.list[key] = nil
		return nil
	}
	if int(stop)+1 < len(items) {
		items = items[:stop+1]
	}
	if int(start) < len(items) {
		items = items[start:]
	} else {
		items = nil
	}
	f.list[key] = items
	return nil
}

func (f *FakeStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lRangeCalls++
	items := f.list[key]
	if stop < 0 || int(stop) >= len(items) {
		stop = int64(len(items)) - 1
	}
	if start > stop || len(items) == 0 {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, items[start:stop+1])
	return out, nil
}

func (f *FakeStore) Publish(ctx context.Context, channel, payload string) error {
	f.mu.Lock()
	var handlers []roomstore.MessageHandler
	for _, e := range f.subs[channel] {
		handlers = append(handlers, e.handler)
	}
	for pattern, entries := range f.psubs {
		if ok, _ := path.Match(pattern, channel); ok {
			for _, e := range entries {
				handlers = append(handlers, e.handler)
			}
		}
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h := h
		go h(channel, payload)
	}
	return nil
}

func (f *FakeStore) Scan(ctx context.Context, pattern string, batchSize int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanCalls++

	seen := map[string]struct{}{}
	var out []string
	for k := range f.hash {
		if ok, _ := path.Match(pattern, k); ok {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	for k := range f.list {
		if ok, _ := path.Match(pattern, k); ok {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	return out, nil
}

func (f *FakeStore) Subscribe(ctx context.Context, channel string, handler roomstore.MessageHandler) (roomstore.Subscription, error) {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.subs[channel] = append(f.subs[channel], subEntry{id: id, handler: handler})
	f.mu.Unlock()
	return &fakeSubscription{store: f, key: channel, id: id}, nil
}

func (f *FakeStore) PSubscribe(ctx context.Context, pattern string, handler roomstore.MessageHandler) (roomstore.Subscription, error) {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.psubs[pattern] = append(f.psubs[pattern], subEntry{id: id, handler: handler})
	f.mu.Unlock()
	return &fakeSubscription{store: f, key: pattern, id: id, pattern: true}, nil
}

func (f *FakeStore) Close() error { return nil }

type fakeSubscription struct {
	store   *FakeStore
	key     string
	id      int
	pattern bool
}

func (s *fakeSubscription) Close() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	m := s.store.subs
	if s.pattern {
		m = s.store.psubs
	}
	entries := m[s.key]
	for i, e := range entries {
		if e.id == s.id {
			m[s.key] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	return nil
}
