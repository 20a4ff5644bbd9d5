// Package device owns the per-installation identifier attached to locally queued mutations.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/wordbank/internal/localstore"
	"github.com/google/uuid"
)

var errMissingStore = errors.New("device: record store required")

// RecordStore is the slice of the local store the identity needs.
type RecordStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
}

// Identity returns the same device id for the life of the installation.
type Identity struct {
	store  RecordStore
	newID  func() (uuid.UUID, error)
	mu     sync.Mutex
	cached string
}

// NewIdentity constructs an Identity backed by store.
func NewIdentity(store RecordStore) (*Identity, error) {
	if store == nil {
		return nil, errMissingStore
	}
	return &Identity{store: store, newID: uuid.NewV7}, nil
}

// GetOrCreate loads the persisted id, minting and persisting a UUIDv7 on first use.
func (i *Identity) GetOrCreate(ctx context.Context) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.cached != "" {
		return i.cached, nil
	}

	stored, ok, err := i.store.Get(ctx, localstore.KeyDeviceID)
	if err != nil {
		return "", fmt.Errorf("device: load id: %w", err)
	}
	if ok && strings.TrimSpace(stored) != "" {
		i.cached = strings.TrimSpace(stored)
		return i.cached, nil
	}

	value, err := i.newID()
	if err != nil {
		return "", fmt.Errorf("device: generate id: %w", err)
	}
	id := value.String()
	if err := i.store.Put(ctx, localstore.KeyDeviceID, id); err != nil {
		return "", fmt.Errorf("device: persist id: %w", err)
	}
	i.cached = id
	return id, nil
}
