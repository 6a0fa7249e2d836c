// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package file stores the token cache in files readable only by the current user. Each
// key is a file in a directory; a sibling ".lock" file excludes other processes.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danjacques/gofslock/fslock"
)

// lockRetry is how long Lock waits before trying again to take a held lock.
const lockRetry = 50 * time.Millisecond

// Store is a cache.Store and cache.Locker backed by files in a directory.
type Store struct {
	dir string
}

// New creates the directory if needed and returns a Store writing to it.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("file store needs a directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("couldn't create the token cache directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Path returns the file holding key.
func (s *Store) Path(key string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, key)
	if name == "" {
		name = "default"
	}
	return filepath.Join(s.dir, name+".json")
}

// Load implements cache.Store.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return b, err
}

// Save implements cache.Store. The file is replaced atomically so that readers never
// see a partial write.
func (s *Store) Save(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.Path(key)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Lock implements cache.Locker. It polls the lock file until it's free or ctx is done.
func (s *Store) Lock(ctx context.Context, key string) (func() error, error) {
	blocker := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetry):
			return nil
		}
	}
	h, err := fslock.LockBlocking(s.Path(key)+".lock", blocker)
	if err != nil {
		return nil, fmt.Errorf("couldn't lock the token cache: %w", err)
	}
	return h.Unlock, nil
}
