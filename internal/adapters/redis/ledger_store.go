// Package redis persists the invoiced-quantity ledger. Losing this data only
// degrades reconciliation until the next authoritative refetch; it is never a
// source of truth.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	// LedgerKeyPrefix is the prefix for invoiced-quantity keys in Redis
	LedgerKeyPrefix = "invoiced:"
)

// LedgerStore implements core.LedgerStore using Redis
type LedgerStore struct {
	client *redis.Client
}

// NewLedgerStore creates a new Redis ledger store
func NewLedgerStore(client *redis.Client) *LedgerStore {
	return &LedgerStore{client: client}
}

// Load retrieves the invoiced-quantity map for an operation. A missing key is
// not an error: the operation simply has no recorded settlements yet.
func (s *LedgerStore) Load(ctx context.Context, operationID string) (map[string]int, error) {
	key := LedgerKeyPrefix + operationID
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoiced quantities: %w", err)
	}

	var invoiced map[string]int
	if err := json.Unmarshal([]byte(val), &invoiced); err != nil {
		return nil, fmt.Errorf("failed to unmarshal invoiced quantities: %w", err)
	}
	return invoiced, nil
}

// Save stores the invoiced-quantity map for an operation. The entry lives for
// the operation's lifetime and is deleted when it reaches a terminal state,
// so no TTL is set.
func (s *LedgerStore) Save(ctx context.Context, operationID string, invoiced map[string]int) error {
	key := LedgerKeyPrefix + operationID
	data, err := json.Marshal(invoiced)
	if err != nil {
		return fmt.Errorf("failed to marshal invoiced quantities: %w", err)
	}

	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set invoiced quantities: %w", err)
	}
	return nil
}

// Delete removes the persisted map once the operation completes or cancels.
func (s *LedgerStore) Delete(ctx context.Context, operationID string) error {
	key := LedgerKeyPrefix + operationID
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete invoiced quantities: %w", err)
	}
	return nil
}
