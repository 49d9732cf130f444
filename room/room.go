// Package room implements the Room state machine (spec.md component C3):
// the per-name lazy-initialized snapshot cache, history buffer, callback
// registry, and merge/dispatch logic. Each Room runs as a single goroutine
// draining a command channel, which is what gives the single-flight
// initialization guarantee (S7) for free: concurrent callers simply queue
// behind whichever one triggers the fetch.
//
// The actor shape is lifted from the teacher's handleRoom event loop
// (internal/rooms/manager.go), generalized from a fixed register/
// unregister/broadcast channel set to an open command type.
package room

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dukepan/roomsync/internal/metrics"
	"github.com/dukepan/roomsync/internal/obslog"
	"github.com/dukepan/roomsync/roomerrors"
	"github.com/dukepan/roomsync/roomkey"
	"github.com/dukepan/roomsync/roomstore"
	"github.com/dukepan/roomsync/roomwire"
)

// patternScanBatchSize is the SCAN COUNT hint used when aggregating a
// pattern room's snapshot.
const patternScanBatchSize = 100

// OnData is the callback contract exposed to hosting code. newData is nil
// for the synthetic initial delivery that follows Join, and carries the
// most recently received publish payload otherwise.
type OnData func(fullData map[string]interface{}, newData map[string]interface{}, extraData interface{})

// Options configures a Room. Every field is immutable after the Room's
// first use except EnablePublish, which may be upgraded from false to
// true by a later producer acquisition.
type Options struct {
	EnableFullData bool
	HistoryLength  int
	EnablePublish  bool
	CleanOnStartUp bool
}

// PublishOptions is the subset of Options that governs a single stateless
// publish: which storage structures get written.
type PublishOptions struct {
	EnableFullData bool
	HistoryLength  int
}

// PublishOverride narrows PublishOptions to only the fields a caller
// supplied, so Room.Publish can merge it onto the room's own options.
type PublishOverride struct {
	EnableFullData *bool
	HistoryLength  *int
}

// Publisher is the stateless producer path (spec.md's Manager.publish):
// validate, write the snapshot hash and history list, and publish to the
// channel. Room depends on this interface rather than roommanager
// directly, since roommanager holds *Room values and an import back from
// room to roommanager would cycle.
type Publisher interface {
	Publish(ctx context.Context, name string, data map[string]interface{}, opts PublishOptions) error
}

// RoomStatus is the reaper-visible snapshot of a Room's lifecycle state.
type RoomStatus struct {
	EnablePublish bool
	Initialized   bool
	CallbackCount int
	IdleSince     time.Time
	HasIdleSince  bool
}

type callbackEntry struct {
	onData    OnData
	extraData interface{}
}

// Room is a per-name state machine. All exported methods are safe for
// concurrent use; they communicate with the single internal goroutine via
// cmds.
type Room struct {
	name   string
	prefix string
	keys   roomkey.Keys

	store     roomstore.Store
	publisher Publisher
	logger    *obslog.Logger
	metrics   *metrics.Registry

	cmds chan interface{}
	done chan struct{}
}

// New constructs a Room and starts its command loop. The Room does not
// fetch or subscribe until the first operation that requires it. metricsReg
// may be nil (tests construct Rooms without a registry).
func New(name, prefix string, opts Options, store roomstore.Store, publisher Publisher, logger *obslog.Logger, metricsReg *metrics.Registry) *Room {
	r := &Room{
		name:      name,
		prefix:    prefix,
		keys:      roomkey.Build(prefix, name),
		store:     store,
		publisher: publisher,
		logger:    logger,
		metrics:   metricsReg,
		cmds:      make(chan interface{}, 8),
		done:      make(chan struct{}),
	}
	state := &roomState{opts: opts, callbacks: map[string]callbackEntry{}}
	go r.run(state)
	return r
}

// Name returns the room's name.
func (r *Room) Name() string { return r.name }

type roomState struct {
	opts Options

	initialized  bool
	cleaned      bool
	fullData     map[string]interface{}
	historyData  []map[string]interface{}
	callbacks    map[string]callbackEntry
	idleSince    *time.Time
	subscription roomstore.Subscription
}

type joinCmd struct {
	userID    string
	onData    OnData
	extraData interface{}
	reply     chan error
}

type leaveCmd struct {
	userID string
}

type publishCmd struct {
	data     map[string]interface{}
	override *PublishOverride
	reply    chan error
}

type getFullDataCmd struct {
	reply chan fullDataResult
}

type getHistoryDataCmd struct {
	reply chan historyDataResult
}

type destroyCmd struct {
	reply chan struct{}
}

type reapCmd struct {
	idleTimeout time.Duration
	reply       chan bool
}

type incomingCmd struct {
	channel string
	payload string
}

type setProducerCmd struct {
	done chan struct{}
}

type statusCmd struct {
	reply chan RoomStatus
}

type fullDataResult struct {
	data map[string]interface{}
	err  error
}

type historyDataResult struct {
	data []map[string]interface{}
	err  error
}

func (r *Room) run(st *roomState) {
	defer close(r.done)
	for c := range r.cmds {
		switch cmd := c.(type) {
		case *joinCmd:
			r.handleJoin(st, cmd)
		case *leaveCmd:
			r.handleLeave(st, cmd)
		case *publishCmd:
			r.handlePublish(st, cmd)
		case *getFullDataCmd:
			r.handleGetFullData(st, cmd)
		case *getHistoryDataCmd:
			r.handleGetHistoryData(st, cmd)
		case *incomingCmd:
			r.handleIncoming(st, cmd)
		case *setProducerCmd:
			st.opts.EnablePublish = true
			close(cmd.done)
		case *statusCmd:
			cmd.reply <- r.statusOf(st)
		case *reapCmd:
			if r.handleReap(st, cmd) {
				return
			}
		case *destroyCmd:
			r.handleDestroy(st, cmd)
			return
		}
	}
}

// Join registers (userId, onData, extraData), ensures the room is
// initialized, and synchronously delivers one initial callback with
// newData = nil. If initialization fails, the error propagates and the
// callback stays registered so a later call retries (spec.md 4.3, open
// question on retroactive delivery: not implemented — the earlier
// registrant is not notified of a later caller's successful init).
func (r *Room) Join(ctx context.Context, userID string, onData OnData, extraData interface{}) error {
	reply := make(chan error, 1)
	if err := r.send(ctx, &joinCmd{userID: userID, onData: onData, extraData: extraData, reply: reply}); err != nil {
		return err
	}
	return r.recv(ctx, reply)
}

// Leave removes userId's registration.
func (r *Room) Leave(ctx context.Context, userID string) error {
	return r.send(ctx, &leaveCmd{userID: userID})
}

// Publish delegates to the Publisher after applying any per-call override
// and the room's clean-on-startup rule. Only valid on a producer room.
func (r *Room) Publish(ctx context.Context, data map[string]interface{}, override *PublishOverride) error {
	reply := make(chan error, 1)
	if err := r.send(ctx, &publishCmd{data: data, override: override, reply: reply}); err != nil {
		return err
	}
	return r.recv(ctx, reply)
}

// GetFullData ensures initialization and returns a deep copy of the
// current snapshot.
func (r *Room) GetFullData(ctx context.Context) (map[string]interface{}, error) {
	reply := make(chan fullDataResult, 1)
	if err := r.send(ctx, &getFullDataCmd{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetHistoryData ensures initialization and returns a deep copy of the
// current history buffer, newest first.
func (r *Room) GetHistoryData(ctx context.Context) ([]map[string]interface{}, error) {
	reply := make(chan historyDataResult, 1)
	if err := r.send(ctx, &getHistoryDataCmd{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetProducer upgrades the room to enablePublish = true. Used by the
// manager when a producer acquires a room an earlier consumer created.
func (r *Room) SetProducer(ctx context.Context) error {
	done := make(chan struct{})
	if err := r.send(ctx, &setProducerCmd{done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return roomerrors.ErrRoomDestroyed
	}
}

// Status returns the reaper-visible lifecycle snapshot.
func (r *Room) Status(ctx context.Context) (RoomStatus, error) {
	reply := make(chan RoomStatus, 1)
	if err := r.send(ctx, &statusCmd{reply: reply}); err != nil {
		return RoomStatus{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return RoomStatus{}, ctx.Err()
	}
}

// ReapIfIdle atomically checks the reaper's eviction criteria (not a
// producer, initialized, no callbacks, idle past idleTimeout) against the
// Room's current state and, only if they still hold, destroys it in the
// same step. Deciding and acting in one command posted to the Room's
// single goroutine closes the gap a separate Status-then-Destroy call
// pair would leave open: a Join landing between the two calls would
// otherwise register a callback on a room already condemned to
// destruction, violating invariant 3. Returns whether the Room was
// reaped.
func (r *Room) ReapIfIdle(ctx context.Context, idleTimeout time.Duration) (bool, error) {
	reply := make(chan bool, 1)
	if err := r.send(ctx, &reapCmd{idleTimeout: idleTimeout, reply: reply}); err != nil {
		if err == roomerrors.ErrRoomDestroyed {
			return false, nil
		}
		return false, err
	}
	select {
	case reaped := <-reply:
		return reaped, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Destroy unsubscribes (if initialized), clears callbacks, and resets
// initialized = false. Idempotent: calling it on an already-destroyed
// Room is a no-op.
func (r *Room) Destroy(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case r.cmds <- &destroyCmd{reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return nil
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return nil
	}
}

// send delivers a command to the actor, short-circuiting with
// ErrRoomDestroyed if the Room has already shut down.
func (r *Room) send(ctx context.Context, cmd interface{}) error {
	select {
	case <-r.done:
		return roomerrors.ErrRoomDestroyed
	default:
	}
	select {
	case r.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return roomerrors.ErrRoomDestroyed
	}
}

func (r *Room) recv(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) statusOf(st *roomState) RoomStatus {
	rs := RoomStatus{
		EnablePublish: st.opts.EnablePublish,
		Initialized:   st.initialized,
		CallbackCount: len(st.callbacks),
	}
	if st.idleSince != nil {
		rs.HasIdleSince = true
		rs.IdleSince = *st.idleSince
	}
	return rs
}

func (r *Room) handleJoin(st *roomState, cmd *joinCmd) {
	st.idleSince = nil
	st.callbacks[cmd.userID] = callbackEntry{onData: cmd.onData, extraData: cmd.extraData}

	if err := r.ensureInitialized(context.Background(), st); err != nil {
		cmd.reply <- err
		return
	}
	r.invokeCallback(st, cmd.userID, cmd.onData, cmd.extraData, nil)
	cmd.reply <- nil
}

func (r *Room) handleLeave(st *roomState, cmd *leaveCmd) {
	delete(st.callbacks, cmd.userID)
	if len(st.callbacks) == 0 && st.initialized {
		now := time.Now()
		st.idleSince = &now
	}
}

func (r *Room) handlePublish(st *roomState, cmd *publishCmd) {
	if !st.opts.EnablePublish {
		cmd.reply <- roomerrors.ErrNotAProducer
		return
	}

	ctx := context.Background()
	if st.opts.CleanOnStartUp && !st.cleaned {
		if err := r.store.Del(ctx, r.keys.Hash, r.keys.List); err != nil {
			r.logger.Warn(ctx, "clean-on-startup delete failed for room %s: %v", r.name, err)
		}
		st.cleaned = true
	}

	effective := PublishOptions{EnableFullData: st.opts.EnableFullData, HistoryLength: st.opts.HistoryLength}
	if cmd.override != nil {
		if cmd.override.EnableFullData != nil {
			effective.EnableFullData = *cmd.override.EnableFullData
		}
		if cmd.override.HistoryLength != nil {
			effective.HistoryLength = *cmd.override.HistoryLength
		}
	}
	cmd.reply <- r.publisher.Publish(ctx, r.name, cmd.data, effective)
}

func (r *Room) handleGetFullData(st *roomState, cmd *getFullDataCmd) {
	if err := r.ensureInitialized(context.Background(), st); err != nil {
		cmd.reply <- fullDataResult{err: err}
		return
	}
	cmd.reply <- fullDataResult{data: roomwire.DeepCopyFields(st.fullData)}
}

func (r *Room) handleGetHistoryData(st *roomState, cmd *getHistoryDataCmd) {
	if err := r.ensureInitialized(context.Background(), st); err != nil {
		cmd.reply <- historyDataResult{err: err}
		return
	}
	cmd.reply <- historyDataResult{data: copyHistory(st.historyData)}
}

func (r *Room) handleIncoming(st *roomState, cmd *incomingCmd) {
	ctx := context.Background()
	payload, err := roomwire.DecodePayload(cmd.payload)
	if err != nil {
		r.logger.Warn(ctx, "malformed pub/sub message on room %s: %v (%v)", r.name, err, roomerrors.ErrMessageDecode)
		return
	}

	if st.opts.EnableFullData {
		if st.fullData == nil {
			st.fullData = map[string]interface{}{}
		}
		for k, v := range payload {
			if v == nil {
				continue
			}
			st.fullData[k] = v
		}
	}

	if st.opts.HistoryLength > 0 {
		st.historyData = append([]map[string]interface{}{payload}, st.historyData...)
		st.historyData = capHistory(st.historyData, st.opts.HistoryLength)
	}

	for userID, entry := range st.callbacks {
		r.invokeCallback(st, userID, entry.onData, entry.extraData, payload)
	}
}

func (r *Room) handleDestroy(st *roomState, cmd *destroyCmd) {
	r.teardown(st)
	close(cmd.reply)
}

// handleReap re-checks the reaper's eviction criteria against the Room's
// live state (not the possibly-stale snapshot the caller based its
// decision on) and only tears down the Room if they still hold. This
// runs on the Room's own goroutine, so no Join/Leave/Publish can land
// between the check and the teardown.
func (r *Room) handleReap(st *roomState, cmd *reapCmd) bool {
	eligible := !st.opts.EnablePublish &&
		st.initialized &&
		len(st.callbacks) == 0 &&
		st.idleSince != nil &&
		time.Since(*st.idleSince) > cmd.idleTimeout
	if !eligible {
		cmd.reply <- false
		return false
	}
	r.teardown(st)
	cmd.reply <- true
	return true
}

func (r *Room) teardown(st *roomState) {
	if st.subscription != nil {
		if err := st.subscription.Close(); err != nil {
			r.logger.Warn(context.Background(), "error unsubscribing room %s: %v", r.name, err)
		}
		st.subscription = nil
	}
	st.callbacks = map[string]callbackEntry{}
	st.initialized = false
}

// invokeCallback recovers from a panicking onData so a misbehaving
// callback cannot halt delivery to the rest of the registry or to future
// messages.
func (r *Room) invokeCallback(st *roomState, userID string, onData OnData, extraData interface{}, newData map[string]interface{}) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error(context.Background(), "callback panicked for user %s in room %s: %v (%v)", userID, r.name, rec, roomerrors.ErrCallbackPanicked)
		}
	}()
	if r.metrics != nil {
		r.metrics.CallbackDispatch.Inc()
	}
	full := roomwire.DeepCopyFields(st.fullData)
	var nd map[string]interface{}
	if newData != nil {
		nd = roomwire.DeepCopyFields(newData)
	}
	onData(full, nd, extraData)
}

// ensureInitialized is the single-flight guard. Because every call runs
// on the Room's single goroutine, "single-flight" requires no extra
// bookkeeping: a second concurrent Join simply waits in r.cmds behind the
// first one's fetch+subscribe.
func (r *Room) ensureInitialized(ctx context.Context, st *roomState) error {
	if st.initialized {
		return nil
	}
	if err := r.fetchSnapshot(ctx, st); err != nil {
		return err
	}
	if err := r.subscribe(ctx, st); err != nil {
		return err
	}
	st.initialized = true
	if len(st.callbacks) == 0 {
		now := time.Now()
		st.idleSince = &now
	}
	return nil
}

func (r *Room) fetchSnapshot(ctx context.Context, st *roomState) error {
	if roomkey.IsPattern(r.name) {
		return r.fetchPatternSnapshot(ctx, st)
	}
	return r.fetchLiteralSnapshot(ctx, st)
}

func (r *Room) fetchLiteralSnapshot(ctx context.Context, st *roomState) error {
	var (
		hash    map[string]string
		history []string
	)

	g, gctx := errgroup.WithContext(ctx)
	if st.opts.EnableFullData {
		g.Go(func() error {
			h, err := r.store.HGetAll(gctx, r.keys.Hash)
			if err != nil {
				return err
			}
			hash = h
			return nil
		})
	}
	if st.opts.HistoryLength > 0 {
		g.Go(func() error {
			items, err := r.store.LRange(gctx, r.keys.List, 0, -1)
			if err != nil {
				return err
			}
			history = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if st.opts.EnableFullData {
		st.fullData = roomwire.DecodeSnapshotFields(hash)
	} else {
		st.fullData = map[string]interface{}{}
	}
	st.historyData = r.decodeHistory(ctx, history, st.opts.HistoryLength)
	return nil
}

func (r *Room) fetchPatternSnapshot(ctx context.Context, st *roomState) error {
	merged := map[string]interface{}{}
	if st.opts.EnableFullData {
		hashKeys, err := r.store.Scan(ctx, r.keys.Hash, patternScanBatchSize)
		if err != nil {
			return err
		}
		for _, key := range hashKeys {
			h, err := r.store.HGetAll(ctx, key)
			if err != nil {
				r.logger.Warn(ctx, "scan fetch failed for hash key %s in pattern room %s: %v (%v)", key, r.name, err, roomerrors.ErrScanFetch)
				continue
			}
			for k, v := range roomwire.DecodeSnapshotFields(h) {
				merged[k] = v
			}
		}
	}
	st.fullData = merged

	var hist []map[string]interface{}
	if st.opts.HistoryLength > 0 {
		listKeys, err := r.store.Scan(ctx, r.keys.List, patternScanBatchSize)
		if err != nil {
			return err
		}
		for _, key := range listKeys {
			items, err := r.store.LRange(ctx, key, 0, -1)
			if err != nil {
				r.logger.Warn(ctx, "scan fetch failed for list key %s in pattern room %s: %v (%v)", key, r.name, err, roomerrors.ErrScanFetch)
				continue
			}
			hist = append(hist, r.decodeHistory(ctx, items, 0)...)
		}
		hist = sortHistoryIfTimestamped(hist)
		hist = capHistory(hist, st.opts.HistoryLength)
	}
	st.historyData = hist
	return nil
}

func (r *Room) decodeHistory(ctx context.Context, raw []string, limit int) []map[string]interface{} {
	items := make([]map[string]interface{}, 0, len(raw))
	for _, s := range raw {
		item, err := roomwire.DecodePayload(s)
		if err != nil {
			r.logger.Warn(ctx, "dropping malformed history item in room %s: %v (%v)", r.name, err, roomerrors.ErrMessageDecode)
			continue
		}
		items = append(items, item)
	}
	if limit > 0 {
		items = capHistory(items, limit)
	}
	return items
}

func (r *Room) subscribe(ctx context.Context, st *roomState) error {
	handler := func(channel, payload string) {
		select {
		case r.cmds <- &incomingCmd{channel: channel, payload: payload}:
		case <-r.done:
		}
	}

	var (
		sub roomstore.Subscription
		err error
	)
	if roomkey.IsPattern(r.name) {
		sub, err = r.store.PSubscribe(ctx, r.keys.Channel, handler)
	} else {
		sub, err = r.store.Subscribe(ctx, r.keys.Channel, handler)
	}
	if err != nil {
		return err
	}
	st.subscription = sub
	return nil
}

// sortHistoryIfTimestamped preserves the spec's deliberately narrow
// heuristic: sort descending by timestamp only when the first element
// carries one. Mixed payloads where a later element has a timestamp but
// the first doesn't are left in aggregation order.
func sortHistoryIfTimestamped(hist []map[string]interface{}) []map[string]interface{} {
	if len(hist) == 0 {
		return hist
	}
	if _, ok := hist[0]["timestamp"]; !ok {
		return hist
	}
	sort.SliceStable(hist, func(i, j int) bool {
		return compareTimestamps(hist[i]["timestamp"], hist[j]["timestamp"]) > 0
	})
	return hist
}

func compareTimestamps(a, b interface{}) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as := fmt.Sprint(a)
	bs := fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func capHistory(hist []map[string]interface{}, limit int) []map[string]interface{} {
	if limit <= 0 || len(hist) <= limit {
		return hist
	}
	return hist[:limit]
}

func copyHistory(hist []map[string]interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, len(hist))
	for i, item := range hist {
		out[i] = roomwire.DeepCopyFields(item)
	}
	return out
}
