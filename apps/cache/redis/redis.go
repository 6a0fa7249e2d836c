// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package redis stores the token cache in Redis so that several hosts can share sign-ins.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix  = "signin"
	defaultLockTTL = 30 * time.Second
	lockRetry      = 50 * time.Millisecond
)

// releaseScript deletes the lock only if it's still held by the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Store is a cache.Store and cache.Locker backed by Redis.
type Store struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	lockTTL time.Duration
}

// Option is an optional argument to New.
type Option func(s *Store)

// WithPrefix namespaces the keys written by the Store. Keys are "<prefix>:<key>".
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithTTL expires blobs that aren't written for ttl. The default is no expiry.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithLockTTL bounds how long a lock survives a holder that never releases it.
func WithLockTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.lockTTL = ttl
	}
}

// New returns a Store using client.
func New(client redis.UniversalClient, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis store needs a client")
	}
	s := &Store{client: client, prefix: defaultPrefix, lockTTL: defaultLockTTL}
	for _, o := range opts {
		o(s)
	}
	if s.lockTTL <= 0 {
		return nil, fmt.Errorf("lock TTL must be positive, got %s", s.lockTTL)
	}
	return s, nil
}

// Dial connects to the server at url, such as "redis://localhost:6379/0", and checks the
// connection.
func Dial(ctx context.Context, url string, opts ...Option) (*Store, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return New(client, opts...)
}

func (s *Store) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

// Load implements cache.Store.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}

// Save implements cache.Store.
func (s *Store) Save(ctx context.Context, key string, data []byte) error {
	return s.client.Set(ctx, s.key(key), data, s.ttl).Err()
}

// Lock implements cache.Locker. The lock expires after the lock TTL even if it's never
// released.
func (s *Store) Lock(ctx context.Context, key string) (func() error, error) {
	lockKey := s.key(key) + ":lock"
	token := uuid.NewString()
	for {
		ok, err := s.client.SetNX(ctx, lockKey, token, s.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("couldn't lock the token cache: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetry):
		}
	}
	return func() error {
		// the caller's context may be done by the time the lock is released
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return releaseScript.Run(ctx, s.client, []string{lockKey}, token).Err()
	}, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
