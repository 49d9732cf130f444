// Package roomstore is the Store Client Pair (spec.md component C2): the
// narrow set of hash/list/pub-sub/scan primitives the Room and Room Manager
// need from a Redis-compatible store, plus the instrumentation the teacher
// wraps every store call with.
package roomstore

import "context"

// MessageHandler receives a decoded pub/sub delivery. channel is the
// concrete channel the message arrived on (useful for PSubscribe, where it
// differs from the subscribed pattern).
type MessageHandler func(channel, payload string)

// Subscription represents one active SUBSCRIBE or PSUBSCRIBE. Closing it
// issues the matching UNSUBSCRIBE/PUNSUBSCRIBE and stops delivery.
type Subscription interface {
	Close() error
}

// Store is the set of primitives a Redis-compatible store must expose.
// Command operations and subscribe operations are kept as separate method
// families (not separate Go interfaces) because a single RedisStore value
// owns both a command connection and a subscribe connection internally,
// mirroring the spec's Store Client Pair.
type Store interface {
	// HSet writes fields into the hash at key. A nil or empty fields map
	// is a no-op (callers are expected to have already filtered it).
	HSet(ctx context.Context, key string, fields map[string]string) error

	// HGetAll returns the full hash at key. A missing key yields an empty,
	// non-nil map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Del removes the given keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// LPush prepends value to the list at key.
	LPush(ctx context.Context, key, value string) error

	// LTrim trims the list at key to the inclusive [start, stop] range.
	LTrim(ctx context.Context, key string, start, stop int64) error

	// LRange returns the inclusive [start, stop] range of the list at key.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Publish delivers payload to channel.
	Publish(ctx context.Context, channel, payload string) error

	// Scan enumerates all keys matching pattern using a cursor-based scan
	// with the given per-iteration batch size, accumulating every match
	// before returning.
	Scan(ctx context.Context, pattern string, batchSize int64) ([]string, error)

	// Subscribe delivers every message published to channel to handler
	// until the returned Subscription is closed.
	Subscribe(ctx context.Context, channel string, handler MessageHandler) (Subscription, error)

	// PSubscribe delivers every message published to a channel matching
	// pattern to handler until the returned Subscription is closed.
	PSubscribe(ctx context.Context, pattern string, handler MessageHandler) (Subscription, error)

	// Close disconnects both the command and subscribe connections.
	Close() error
}
