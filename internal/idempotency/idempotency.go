// Package idempotency implements the dispatcher's at-most-once send guard:
// a persistent marker keyed by out_id with a configured TTL.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/nexus-gateway/conversant/internal/streaming"
)

const keyPrefix = "sent:"

// Store records delivered(out_id) with a TTL.
type Store struct {
	client *streaming.Client
	ttl    time.Duration
}

// New constructs a Store backed by client, marking sends for ttl.
func New(client *streaming.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func sentKey(outID string) string {
	return keyPrefix + outID
}

// WasSent reports whether out_id has already been marked delivered.
func (s *Store) WasSent(ctx context.Context, outID string) (bool, error) {
	_, ok, err := s.client.Get(ctx, sentKey(outID))
	if err != nil {
		return false, fmt.Errorf("idempotency: was_sent %s: %w", outID, err)
	}
	return ok, nil
}

// MarkSent records out_id as delivered, starting the TTL window. Dispatcher
// must call this only after a successful send, and only after a prior
// WasSent check returned false.
func (s *Store) MarkSent(ctx context.Context, outID string) error {
	if _, err := s.client.SetNX(ctx, sentKey(outID), "1", s.ttl); err != nil {
		return fmt.Errorf("idempotency: mark_sent %s: %w", outID, err)
	}
	return nil
}
