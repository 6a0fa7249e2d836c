// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package keyring stores the token cache in the operating system's credential store:
// the macOS Keychain, the Windows Credential Manager or the Secret Service on Linux.
//
// Credential stores cap the size of one secret (2560 bytes on Windows, about 3000 bytes
// on macOS) while a token cache easily exceeds that. A blob is therefore written as
// numbered chunk entries plus a manifest entry, filed under the cache key, that holds
// the chunk count.
package keyring

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/zalando/go-keyring"
)

// DefaultService is the keyring service entries are filed under.
const DefaultService = "microsoft-authentication-signin"

const (
	// chunkSize is the length of one encoded chunk. macOS encodes secrets once more before
	// passing them to the security tool, so this leaves room below both platforms' limits.
	chunkSize      = 2000
	manifestPrefix = "chunks:"
)

// system is the OS credential store.
type system struct{}

func (system) Set(service, user, password string) error { return keyring.Set(service, user, password) }
func (system) Get(service, user string) (string, error) { return keyring.Get(service, user) }
func (system) Delete(service, user string) error        { return keyring.Delete(service, user) }
func (system) DeleteAll(service string) error           { return keyring.DeleteAll(service) }

// Store is a cache.Store backed by the OS keyring.
type Store struct {
	service string
	ring    keyring.Keyring
}

// New returns a Store filing entries under service, DefaultService when empty.
func New(service string) *Store {
	if service == "" {
		service = DefaultService
	}
	return &Store{service: service, ring: system{}}
}

func chunkKey(key string, i int) string {
	return key + "." + strconv.Itoa(i)
}

// chunks returns the chunk count the manifest of key records. A value without the
// manifest prefix is a blob written whole by an earlier version, it has no chunks.
func chunks(manifest string) (int, bool, error) {
	v, ok := strings.CutPrefix(manifest, manifestPrefix)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false, fmt.Errorf("invalid chunk manifest %q", manifest)
	}
	return n, true, nil
}

func (s *Store) get(key string) (string, bool, error) {
	v, err := s.ring.Get(s.service, key)
	switch {
	case errors.Is(err, keyring.ErrNotFound):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("couldn't read %s/%s from the keyring: %w", s.service, key, err)
	}
	return v, true, nil
}

// Load implements cache.Store.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	manifest, found, err := s.get(key)
	if err != nil || !found {
		return nil, err
	}
	n, chunked, err := chunks(manifest)
	if err != nil {
		return nil, fmt.Errorf("keyring entry %s/%s isn't a token cache: %w", s.service, key, err)
	}
	encoded := manifest
	if chunked {
		var sb strings.Builder
		for i := 0; i < n; i++ {
			v, found, err := s.get(chunkKey(key, i))
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, fmt.Errorf("keyring entry %s/%s is missing chunk %d of %d", s.service, key, i, n)
			}
			sb.WriteString(v)
		}
		encoded = sb.String()
	}
	b, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("keyring entry %s/%s isn't a token cache: %w", s.service, key, err)
	}
	return b, nil
}

// Save implements cache.Store. The chunks are written before the manifest that points
// at them, chunks left over from a longer earlier blob are removed afterwards.
func (s *Store) Save(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	old := 0
	if manifest, found, err := s.get(key); err != nil {
		return err
	} else if found {
		// an unreadable manifest is overwritten below
		old, _, _ = chunks(manifest)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	n := 0
	for ; len(encoded) > 0 || n == 0; n++ {
		part := encoded[:min(chunkSize, len(encoded))]
		encoded = encoded[len(part):]
		if err := s.ring.Set(s.service, chunkKey(key, n), part); err != nil {
			return fmt.Errorf("couldn't write %s/%s to the keyring: %w", s.service, chunkKey(key, n), err)
		}
	}
	if err := s.ring.Set(s.service, key, manifestPrefix+strconv.Itoa(n)); err != nil {
		return fmt.Errorf("couldn't write %s/%s to the keyring: %w", s.service, key, err)
	}
	return s.deleteChunks(key, n, old)
}

// deleteChunks removes the chunks numbered from to to-1.
func (s *Store) deleteChunks(key string, from, to int) error {
	for i := from; i < to; i++ {
		if err := s.delete(chunkKey(key, i)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) delete(key string) error {
	if err := s.ring.Delete(s.service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("couldn't delete %s/%s from the keyring: %w", s.service, key, err)
	}
	return nil
}

// Delete removes the entries of key. Deleting a missing entry isn't an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	manifest, found, err := s.get(key)
	if err != nil || !found {
		return err
	}
	n, _, _ := chunks(manifest)
	if err := s.delete(key); err != nil {
		return err
	}
	return s.deleteChunks(key, 0, n)
}
