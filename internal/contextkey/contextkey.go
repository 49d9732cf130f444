// Package contextkey defines the context.Value keys shared across
// roomsync's logging and observability helpers.
package contextkey

// Key is the type used for all roomsync context values, to avoid
// collisions with keys defined by other packages.
type Key string

const (
	// KeyRoomName carries the room name a log line or span pertains to.
	KeyRoomName Key = "room_name"

	// KeyRole carries "producer" or "consumer" for the room in context.
	KeyRole Key = "role"

	// KeyRequestID carries a per-connection/request identifier, set by
	// the demo gateway's request-id middleware.
	KeyRequestID Key = "request_id"
)
