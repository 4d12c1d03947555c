/*
Copyright 2023 Avi Zimmerman <avi.zimmerman@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package noncecache records single-use nonces so that replayed proofs can
// be rejected. Entries are stored in badger under a namespaced hash of the
// nonce and expire after a TTL.
package noncecache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/zeebo/blake3"

	"github.com/webmeshproj/peerlink/pkg/context"
	"github.com/webmeshproj/peerlink/pkg/logging"
)

// DefaultTTL is how long a nonce is remembered when no TTL is given.
const DefaultTTL = 24 * time.Hour

// ErrEmptyNonce is returned when an empty nonce is checked.
var ErrEmptyNonce = errors.New("nonce is empty")

// ErrClosed is returned after the cache is closed.
var ErrClosed = errors.New("nonce cache is closed")

// Options are options for opening a cache.
type Options struct {
	// InMemory keeps the cache in memory only.
	InMemory bool
	// DiskPath is the badger directory when not in memory.
	DiskPath string
	// TTL is how long nonces are remembered. Defaults to DefaultTTL.
	TTL time.Duration
	// Logger receives badger logs. Nil silences them.
	Logger *slog.Logger
}

// Cache is a persistent first-seen-wins nonce set.
type Cache struct {
	db  *badger.DB
	ttl time.Duration
}

// New opens a cache with the given options.
func New(opts Options) (*Cache, error) {
	var badgeropts badger.Options
	if opts.InMemory {
		badgeropts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.DiskPath == "" {
			return nil, errors.New("nonce cache: disk path is required")
		}
		badgeropts = badger.DefaultOptions(opts.DiskPath)
	}
	if opts.Logger != nil {
		badgeropts.Logger = logging.NewBadgerAdapter(opts.Logger.With("component", "nonce-cache"))
	} else {
		badgeropts.Logger = logging.NewBadgerAdapter(logging.Discard())
	}
	db, err := badger.Open(badgeropts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{db: db, ttl: ttl}, nil
}

// NewInMemory opens an in-memory cache.
func NewInMemory() (*Cache, error) {
	return New(Options{InMemory: true})
}

// Key returns the storage key of a nonce in the given namespace.
func Key(namespace, nonce string) []byte {
	sum := blake3.Sum256([]byte(nonce))
	return []byte(namespace + "/" + hex.EncodeToString(sum[:]))
}

// CheckAndStore records the nonce in the namespace. It returns true the
// first time a nonce is seen and false for every later occurrence.
func (c *Cache) CheckAndStore(ctx context.Context, namespace, nonce string) (bool, error) {
	if nonce == "" {
		return false, ErrEmptyNonce
	}
	if c.db.IsClosed() {
		return false, ErrClosed
	}
	key := Key(namespace, nonce)
	for {
		fresh, err := c.checkAndStore(key)
		if errors.Is(err, badger.ErrConflict) {
			// A concurrent writer raced us on the same key; retrying
			// will observe its write.
			context.LoggerFrom(ctx).Debug("Nonce cache transaction conflict, retrying")
			continue
		}
		return fresh, err
	}
}

func (c *Cache) checkAndStore(key []byte) (bool, error) {
	fresh := false
	err := c.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("badger get: %w", err)
		}
		e := badger.NewEntry(key, []byte{1}).WithTTL(c.ttl)
		if err := txn.SetEntry(e); err != nil {
			return fmt.Errorf("badger put: %w", err)
		}
		fresh = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return fresh, nil
}

// Seen reports whether the nonce was already recorded, without storing it.
func (c *Cache) Seen(namespace, nonce string) (bool, error) {
	var seen bool
	err := c.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(Key(namespace, nonce))
		if err == nil {
			seen = true
			return nil
		}
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("badger get: %w", err)
	})
	return seen, err
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}
