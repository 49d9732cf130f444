// Package roomerrors defines the sentinel error taxonomy surfaced by the
// room-sync core. Errors that the spec calls for logging-and-silently-dropping
// (InvalidPublishPayload, CallbackException, ReaperIterationError,
// MessageDecodeError, ScanFetchError) are not returned to callers; they are
// still named here so logging call sites have a consistent error to wrap.
package roomerrors

import "errors"

var (
	// ErrNotAProducer is returned by Room.Publish when the room's
	// EnablePublish option is false.
	ErrNotAProducer = errors.New("roomsync: room is not a producer")

	// ErrPatternNotAllowedForProducer is returned by CreateRoom when the
	// room name is a pattern and EnablePublish was requested.
	ErrPatternNotAllowedForProducer = errors.New("roomsync: pattern room names cannot be producers")

	// ErrRoomDestroyed is returned by operations attempted on a Room after
	// Destroy has completed.
	ErrRoomDestroyed = errors.New("roomsync: room is destroyed")

	// ErrInvalidPublishPayload marks a Manager.Publish call whose data is
	// not a non-nil map. Manager.Publish logs this and returns nil rather
	// than surfacing it, per the spec's no-op-on-invalid-payload rule.
	ErrInvalidPublishPayload = errors.New("roomsync: publish payload must be a non-nil map")

	// ErrCallbackPanicked marks a recovered panic from a user onData
	// callback. Logged only; never returned to a caller.
	ErrCallbackPanicked = errors.New("roomsync: callback panicked")

	// ErrReaperIteration marks a store error encountered while the idle
	// reaper inspected or destroyed a room. Logged only.
	ErrReaperIteration = errors.New("roomsync: reaper iteration failed")

	// ErrMessageDecode marks a pub/sub payload that failed JSON decoding.
	// Logged and dropped.
	ErrMessageDecode = errors.New("roomsync: malformed pub/sub message")

	// ErrScanFetch marks a store error while aggregating one key during
	// pattern-room snapshot fetch. Logged; the key is skipped.
	ErrScanFetch = errors.New("roomsync: scan fetch failed for key")
)
