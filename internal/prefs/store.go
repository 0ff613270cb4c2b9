// Package prefs persists small client preferences (presence choice, last sync point,
// pending invites) across restarts.
package prefs

import (
	"context"
	"encoding/json"
	"fmt"
)

// Keys written by the sync core.
const (
	KeyPreferredStatus = "preferredStatus"
	KeyLastSyncAt      = "lastSyncAt"
	KeyPendingInvites  = "pendingInvites"
)

// Store is a string key/value store.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
}

// GetJSON decodes the JSON value under key into v. It reports false when the key is absent.
func GetJSON(ctx context.Context, store Store, key string, v any) (bool, error) {
	raw, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v as JSON and stores it under key.
func SetJSON(ctx context.Context, store Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return store.Set(ctx, key, string(raw))
}
