// Package roomsvc is the thin Service Facade (spec.md component C5): it
// forces producer intent onto CreateRoom, forwards consumer intent
// unchanged on GetRoom, and normalizes the userId identifiers a host
// framework hands in (string or integer) to the string keys room.Room
// uses internally.
package roomsvc

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dukepan/roomsync/room"
	"github.com/dukepan/roomsync/roommanager"
)

// Service is the entry point a host process is expected to depend on
// instead of reaching into roommanager directly.
type Service struct {
	manager *roommanager.Manager
}

// New wraps an already-started Manager.
func New(manager *roommanager.Manager) *Service {
	return &Service{manager: manager}
}

// CreateRoom acquires name with producer intent: EnablePublish is always
// forced to true regardless of what the caller passed in opts.
func (s *Service) CreateRoom(ctx context.Context, name string, opts room.Options) (*room.Room, error) {
	opts.EnablePublish = true
	return s.manager.CreateRoom(ctx, name, opts)
}

// GetRoom acquires name with consumer intent: opts are forwarded as-is.
func (s *Service) GetRoom(ctx context.Context, name string, opts room.Options) (*room.Room, error) {
	return s.manager.GetRoom(ctx, name, opts)
}

// Publish forwards to the manager's stateless publish path.
func (s *Service) Publish(ctx context.Context, name string, data map[string]interface{}, opts room.PublishOptions) error {
	return s.manager.Publish(ctx, name, data, opts)
}

// NormalizeUserID coerces the string-or-integer userId a host framework
// may hand in into the string key the callback registry uses.
func NormalizeUserID(userID interface{}) string {
	switch v := userID.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatInt(int64(v), 10)
	default:
		return fmt.Sprint(v)
	}
}
