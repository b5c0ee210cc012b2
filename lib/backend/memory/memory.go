/*
 * Citadel
 * Copyright (C) 2025  Citadel Security, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package memory implements the backend contract on an in-memory btree.
// It is the reference backend: tests run against it, and its
// CompareAndSwap is the serialization primitive the services rely on
// for counter updates and chain appends.
package memory

import (
	"bytes"
	"context"
	"log/slog"
	"sync"

	"github.com/google/btree"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/citadelsec/citadel"
	"github.com/citadelsec/citadel/lib/backend"
	logutils "github.com/citadelsec/citadel/lib/utils/log"
)

// Config holds memory backend configuration.
type Config struct {
	// Clock is the clock used for expiry, defaults to the real clock.
	Clock clockwork.Clock
	// BTreeDegree is the btree degree, defaults to 8.
	BTreeDegree int
	// Logger is the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets default config values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.BTreeDegree <= 0 {
		c.BTreeDegree = 8
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(citadel.ComponentKey, citadel.ComponentBackend)
	}
	return nil
}

// New creates a new memory backend.
func New(cfg Config) (*Memory, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Memory{
		cfg: cfg,
		tree: btree.NewG(cfg.BTreeDegree, func(a, b *btreeItem) bool {
			return bytes.Compare(a.Key, b.Key) < 0
		}),
	}, nil
}

// Memory is an in-memory ordered key-value store with per-item TTLs.
type Memory struct {
	cfg    Config
	mu     sync.Mutex
	tree   *btree.BTreeG[*btreeItem]
	nextID int64
	closed bool
}

type btreeItem struct {
	backend.Item
}

// Close closes the backend.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.tree.Clear(false)
	return nil
}

// Clock returns the clock used by this backend.
func (m *Memory) Clock() clockwork.Clock {
	return m.cfg.Clock
}

// Create creates an item if it does not exist.
func (m *Memory) Create(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	if len(i.Key) == 0 {
		return nil, trace.BadParameter("missing parameter key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getLocked(i.Key) != nil {
		return nil, trace.AlreadyExists("key %q already exists", string(i.Key))
	}
	m.putLocked(i)
	return m.leaseOf(i), nil
}

// Put puts an item, creating or replacing as needed.
func (m *Memory) Put(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	if len(i.Key) == 0 {
		return nil, trace.BadParameter("missing parameter key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(i)
	return m.leaseOf(i), nil
}

// Update updates an existing item, returns NotFound if it is missing.
func (m *Memory) Update(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	if len(i.Key) == 0 {
		return nil, trace.BadParameter("missing parameter key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getLocked(i.Key) == nil {
		return nil, trace.NotFound("key %q is not found", string(i.Key))
	}
	m.putLocked(i)
	return m.leaseOf(i), nil
}

// CompareAndSwap replaces the item only if its stored value matches the
// expected value byte for byte.
func (m *Memory) CompareAndSwap(ctx context.Context, expected backend.Item, replaceWith backend.Item) (*backend.Lease, error) {
	if len(expected.Key) == 0 {
		return nil, trace.BadParameter("missing parameter Key")
	}
	if !bytes.Equal(expected.Key, replaceWith.Key) {
		return nil, trace.BadParameter("expected and replaceWith keys should match")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.getLocked(expected.Key)
	if existing == nil {
		return nil, trace.CompareFailed("key %q is not found", string(expected.Key))
	}
	if !bytes.Equal(existing.Value, expected.Value) {
		return nil, trace.CompareFailed("current value does not match expected for %q", string(expected.Key))
	}
	m.putLocked(replaceWith)
	return m.leaseOf(replaceWith), nil
}

// Get returns a single item or a NotFound error.
func (m *Memory) Get(ctx context.Context, key []byte) (*backend.Item, error) {
	if len(key) == 0 {
		return nil, trace.BadParameter("missing parameter key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.getLocked(key)
	if item == nil {
		return nil, trace.NotFound("key %q is not found", string(key))
	}
	out := item.Item
	return &out, nil
}

// GetRange returns items with keys in [startKey, endKey), ordered by
// key. A non-zero limit caps the result.
func (m *Memory) GetRange(ctx context.Context, startKey, endKey []byte, limit int) (*backend.GetResult, error) {
	if len(startKey) == 0 {
		return nil, trace.BadParameter("missing parameter startKey")
	}
	if len(endKey) == 0 {
		return nil, trace.BadParameter("missing parameter endKey")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeExpiredLocked()
	var res backend.GetResult
	m.tree.AscendRange(&btreeItem{Item: backend.Item{Key: startKey}}, &btreeItem{Item: backend.Item{Key: endKey}}, func(item *btreeItem) bool {
		res.Items = append(res.Items, item.Item)
		return limit == backend.NoLimit || len(res.Items) < limit
	})
	return &res, nil
}

// Delete deletes an item by key.
func (m *Memory) Delete(ctx context.Context, key []byte) error {
	if len(key) == 0 {
		return trace.BadParameter("missing parameter key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getLocked(key) == nil {
		return trace.NotFound("key %q is not found", string(key))
	}
	m.tree.Delete(&btreeItem{Item: backend.Item{Key: key}})
	return nil
}

// DeleteRange deletes all items with keys in [startKey, endKey).
func (m *Memory) DeleteRange(ctx context.Context, startKey, endKey []byte) error {
	if len(startKey) == 0 {
		return trace.BadParameter("missing parameter startKey")
	}
	if len(endKey) == 0 {
		return trace.BadParameter("missing parameter endKey")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var doomed []*btreeItem
	m.tree.AscendRange(&btreeItem{Item: backend.Item{Key: startKey}}, &btreeItem{Item: backend.Item{Key: endKey}}, func(item *btreeItem) bool {
		doomed = append(doomed, item)
		return true
	})
	for _, item := range doomed {
		m.tree.Delete(item)
	}
	return nil
}

// getLocked returns a live item or nil, reaping it if expired.
func (m *Memory) getLocked(key []byte) *btreeItem {
	item, found := m.tree.Get(&btreeItem{Item: backend.Item{Key: key}})
	if !found {
		return nil
	}
	if m.expiredLocked(item) {
		m.tree.Delete(item)
		return nil
	}
	return item
}

func (m *Memory) putLocked(i backend.Item) {
	m.nextID++
	i.ID = m.nextID
	m.tree.ReplaceOrInsert(&btreeItem{Item: i})
}

// expiredLocked treats the deadline itself as live: an item stored with
// a TTL is still served at exactly Expires and refused any time after.
func (m *Memory) expiredLocked(item *btreeItem) bool {
	if item.Expires.IsZero() {
		return false
	}
	return m.cfg.Clock.Now().UTC().After(item.Expires)
}

// removeExpiredLocked sweeps the whole tree. The store is small enough
// that a full scan on range reads keeps TTL semantics exact without a
// timer goroutine.
func (m *Memory) removeExpiredLocked() {
	var doomed []*btreeItem
	now := m.cfg.Clock.Now().UTC()
	m.tree.Ascend(func(item *btreeItem) bool {
		if !item.Expires.IsZero() && now.After(item.Expires) {
			doomed = append(doomed, item)
		}
		return true
	})
	for _, item := range doomed {
		m.tree.Delete(item)
	}
	if len(doomed) > 0 {
		m.cfg.Logger.Debug("reaped expired items", "count", len(doomed))
	}
}

func (m *Memory) leaseOf(i backend.Item) *backend.Lease {
	lease := &backend.Lease{Key: i.Key}
	if !i.Expires.IsZero() {
		lease.ID = i.ID
	}
	return lease
}
