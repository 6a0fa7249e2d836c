// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package sealed encrypts token cache blobs before they reach another cache.Store.

Blobs are sealed with XChaCha20-Poly1305. The store key is bound to each blob as additional
data, so a blob copied to another key fails to open. The sealing key can be kept in the OS
keyring with KeyringKey:

	key, err := sealed.KeyringKey("my-app", "cache-key")
	...
	files, err := file.New(dir)
	...
	s, err := sealed.New(files, key)
*/
package sealed

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/cache"
)

// KeySize is the length of a sealing key in bytes.
const KeySize = chacha20poly1305.KeySize

// ErrTampered is returned by Load when a blob fails authentication.
var ErrTampered = errors.New("token cache blob failed authentication")

// Store seals blobs written to an underlying cache.Store.
type Store struct {
	inner cache.Store
	key   []byte
}

// New returns a Store that seals blobs with key before writing them to inner. If inner is a
// cache.Locker, so is the returned Store.
func New(inner cache.Store, key []byte) (cache.Store, error) {
	if inner == nil {
		return nil, errors.New("sealed store needs an inner store")
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("sealing key must be %d bytes, got %d", KeySize, len(key))
	}
	s := &Store{inner: inner, key: append([]byte(nil), key...)}
	if l, ok := inner.(cache.Locker); ok {
		return &lockingStore{Store: s, locker: l}, nil
	}
	return s, nil
}

// Load implements cache.Store.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.inner.Load(ctx, key)
	if err != nil || len(sealed) == 0 {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrTampered
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, ErrTampered
	}
	return plain, nil
}

// Save implements cache.Store.
func (s *Store) Save(ctx context.Context, key string, data []byte) error {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(data)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	return s.inner.Save(ctx, key, aead.Seal(nonce, nonce, data, []byte(key)))
}

type lockingStore struct {
	*Store
	locker cache.Locker
}

func (l *lockingStore) Lock(ctx context.Context, key string) (func() error, error) {
	return l.locker.Lock(ctx, key)
}

// NewKey returns a random sealing key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// KeyringKey returns the sealing key stored in the OS keyring under service and name,
// creating and storing a new key when none exists.
func KeyringKey(service, name string) ([]byte, error) {
	v, err := keyring.Get(service, name)
	switch {
	case err == nil:
		key, err := base64.StdEncoding.DecodeString(v)
		if err != nil || len(key) != KeySize {
			return nil, fmt.Errorf("keyring entry %s/%s isn't a sealing key", service, name)
		}
		return key, nil
	case !errors.Is(err, keyring.ErrNotFound):
		return nil, fmt.Errorf("couldn't read the sealing key: %w", err)
	}
	key, err := NewKey()
	if err != nil {
		return nil, err
	}
	if err := keyring.Set(service, name, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("couldn't store the sealing key: %w", err)
	}
	return key, nil
}
