// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// LocalStore persists whole collections, one blob per kind. It has no network awareness.
// GetAll returns *StorageCorruptError when the stored blob cannot be decoded.
// PutAll replaces the entire collection in a single write.
type LocalStore interface {
	GetAll(ctx context.Context, kind Kind) ([]Entity, error)
	PutAll(ctx context.Context, kind Kind, entities []Entity) error
}

// EncodeCollection serializes a collection into its persisted blob form
func EncodeCollection(entities []Entity) ([]byte, error) {
	if entities == nil {
		entities = []Entity{}
	}
	return json.Marshal(entities)
}

// DecodeCollection parses a persisted blob, reporting corruption as *StorageCorruptError
func DecodeCollection(kind Kind, blob []byte) ([]Entity, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var entities []Entity
	if err := json.Unmarshal(blob, &entities); err != nil {
		return nil, &StorageCorruptError{Kind: kind, Err: err}
	}
	return entities, nil
}

// MemoryStore is a LocalStore keeping serialized blobs in memory
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[Kind][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[Kind][]byte)}
}

func (s *MemoryStore) GetAll(_ context.Context, kind Kind) ([]Entity, error) {
	s.mu.Lock()
	blob := s.blobs[kind]
	s.mu.Unlock()
	return DecodeCollection(kind, blob)
}

func (s *MemoryStore) PutAll(_ context.Context, kind Kind, entities []Entity) error {
	blob, err := EncodeCollection(entities)
	if err != nil {
		return fmt.Errorf("failed to encode %s collection: %w", kind, err)
	}
	s.mu.Lock()
	s.blobs[kind] = blob
	s.mu.Unlock()
	return nil
}

// SetRaw stores an arbitrary blob for kind, bypassing encoding
func (s *MemoryStore) SetRaw(kind Kind, blob []byte) {
	s.mu.Lock()
	s.blobs[kind] = append([]byte(nil), blob...)
	s.mu.Unlock()
}

// collections serializes read-modify-write cycles per kind on top of a LocalStore
type collections struct {
	store  LocalStore
	logger *slog.Logger
	locks  map[Kind]*sync.Mutex
}

func newCollections(store LocalStore, logger *slog.Logger) *collections {
	locks := make(map[Kind]*sync.Mutex, len(Kinds))
	for _, k := range Kinds {
		locks[k] = &sync.Mutex{}
	}
	return &collections{store: store, logger: logger, locks: locks}
}

func (c *collections) lock(kind Kind) (func(), error) {
	mu, ok := c.locks[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	mu.Lock()
	return mu.Unlock, nil
}

// load reads a collection, failing open to an empty collection on corruption. Caller holds the lock.
func (c *collections) load(ctx context.Context, kind Kind) ([]Entity, error) {
	entities, err := c.store.GetAll(ctx, kind)
	if err != nil {
		var corrupt *StorageCorruptError
		if errors.As(err, &corrupt) {
			c.logger.Warn("local collection is corrupt, starting from empty", "kind", kind, "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load %s collection: %w", kind, err)
	}
	return entities, nil
}

// snapshot returns a copy of the collection
func (c *collections) snapshot(ctx context.Context, kind Kind) ([]Entity, error) {
	unlock, err := c.lock(kind)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return c.load(ctx, kind)
}

// find returns a copy of the first entity matched by id
func (c *collections) find(ctx context.Context, kind Kind, id string) (*Entity, error) {
	entities, err := c.snapshot(ctx, kind)
	if err != nil {
		return nil, err
	}
	if i := indexOf(entities, id); i >= 0 {
		e := entities[i].Clone()
		return &e, nil
	}
	return nil, nil
}

// update runs fn over the collection under the kind lock and persists the result
// when fn reports a change.
func (c *collections) update(ctx context.Context, kind Kind, fn func([]Entity) ([]Entity, bool, error)) error {
	unlock, err := c.lock(kind)
	if err != nil {
		return err
	}
	defer unlock()

	entities, err := c.load(ctx, kind)
	if err != nil {
		return err
	}
	next, changed, err := fn(entities)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := c.store.PutAll(ctx, kind, next); err != nil {
		return fmt.Errorf("failed to persist %s collection: %w", kind, err)
	}
	return nil
}

// indexOf finds an entity by effective, local or remote ID; local ID matches win
// over remote matches so migrations always target the device's own record.
func indexOf(entities []Entity, id string) int {
	if id == "" {
		return -1
	}
	for i := range entities {
		if entities[i].ID == id || entities[i].LocalID == id {
			return i
		}
	}
	for i := range entities {
		if entities[i].Matches(id) {
			return i
		}
	}
	return -1
}

// dedupe drops later entities whose effective ID was already seen
func dedupe(entities []Entity) []Entity {
	seen := make(map[string]struct{}, len(entities))
	out := entities[:0]
	for _, e := range entities {
		if _, ok := seen[e.ID]; ok {
			continue
		}
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	return out
}
