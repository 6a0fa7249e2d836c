// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package cache allows third parties to implement external storage for caching token data
so that sign-ins survive process restarts and are shared between local applications.

The data stored and extracted will represent the entire cache of one client. This data is
considered opaque and there are no guarantees to implementers on the format being passed.

Implementations either satisfy ExportReplace directly or implement the simpler Store
and are adapted with NewAccessor. Stores that can exclude other processes also implement
Locker; the client then holds the lock for each load, mutate and save cycle.
*/
package cache

import (
	"context"
	"fmt"
	"sync"
)

// Marshaler marshals data from an internal cache to bytes that can be stored.
type Marshaler interface {
	Marshal() ([]byte, error)
}

// Unmarshaler unmarshals data from a storage medium into the internal cache, overwriting it.
type Unmarshaler interface {
	Unmarshal([]byte) error
}

// Serializer can serialize the cache to binary or from binary into the cache.
type Serializer interface {
	Marshaler
	Unmarshaler
}

// ReplaceHints are suggestions for loading the cache.
type ReplaceHints struct {
	// PartitionKey is a suggested key for partitioning the cache.
	PartitionKey string
}

// ExportHints are suggestions for storing data.
type ExportHints struct {
	// PartitionKey is a suggested key for partitioning the cache.
	PartitionKey string
}

// ExportReplace exports and replaces in-memory cache data. It's called before every read
// of the cache and after every mutation.
type ExportReplace interface {
	// Replace replaces the cache with what is in external storage. Implementors should
	// honor Context cancellations and return context.Canceled or context.DeadlineExceeded
	// in those cases.
	Replace(ctx context.Context, cache Unmarshaler, hints ReplaceHints) error
	// Export writes the binary representation of the cache (cache.Marshal()) to external
	// storage. This is considered opaque. Context cancellations should be honored as in
	// Replace.
	Export(ctx context.Context, cache Marshaler, hints ExportHints) error
}

// Store persists opaque blobs by key.
type Store interface {
	// Load returns the blob stored under key. A missing key is not an error: Load
	// returns nil, nil.
	Load(ctx context.Context, key string) ([]byte, error)
	// Save replaces the blob stored under key.
	Save(ctx context.Context, key string, data []byte) error
}

// Locker is implemented by stores that can exclude other processes from a key.
type Locker interface {
	// Lock blocks until key is held by the caller or ctx is done. The returned function
	// releases the lock.
	Lock(ctx context.Context, key string) (unlock func() error, err error)
}

// Accessor adapts a Store to ExportReplace.
type Accessor struct {
	store Store
}

// NewAccessor adapts store. The Accessor is a Locker; locking is a no-op unless store
// is a Locker too.
func NewAccessor(store Store) *Accessor {
	return &Accessor{store: store}
}

// Replace implements ExportReplace.
func (a *Accessor) Replace(ctx context.Context, cache Unmarshaler, hints ReplaceHints) error {
	data, err := a.store.Load(ctx, hints.PartitionKey)
	if err != nil {
		return fmt.Errorf("couldn't load the token cache: %w", err)
	}
	if err := cache.Unmarshal(data); err != nil {
		return fmt.Errorf("stored token cache is corrupt: %w", err)
	}
	return nil
}

// Export implements ExportReplace.
func (a *Accessor) Export(ctx context.Context, cache Marshaler, hints ExportHints) error {
	data, err := cache.Marshal()
	if err != nil {
		return err
	}
	if err := a.store.Save(ctx, hints.PartitionKey, data); err != nil {
		return fmt.Errorf("couldn't save the token cache: %w", err)
	}
	return nil
}

// Lock implements Locker.
func (a *Accessor) Lock(ctx context.Context, key string) (func() error, error) {
	if l, ok := a.store.(Locker); ok {
		return l.Lock(ctx, key)
	}
	return func() error { return nil }, ctx.Err()
}

// Memory is a Store that keeps blobs in process memory. It's useful to share one cache
// between clients and in tests.
type Memory struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewMemory is the constructor for Memory.
func NewMemory() *Memory {
	return &Memory{blobs: map[string][]byte{}}
}

// Load implements Store.
func (m *Memory) Load(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), b...), nil
}

// Save implements Store.
func (m *Memory) Save(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), data...)
	return nil
}
