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

// Package backend provides the storage abstraction the Citadel services
// persist through. The contract is a flat ordered key-value space with
// per-item TTLs and a CompareAndSwap primitive; everything above it
// (tenant scoping, aggregates, chains) is built by lib/services/local.
package backend

import (
	"context"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// Backend is the storage contract. Implementations must be safe for
// concurrent use and must provide at least read-committed visibility;
// CompareAndSwap must be strictly serializable per key.
type Backend interface {
	// Create creates item if it does not exist
	Create(ctx context.Context, i Item) (*Lease, error)

	// Put puts value into backend (creates if it does not
	// exist, updates it otherwise)
	Put(ctx context.Context, i Item) (*Lease, error)

	// CompareAndSwap compares item with existing item
	// and replaces it with replaceWith item
	CompareAndSwap(ctx context.Context, expected Item, replaceWith Item) (*Lease, error)

	// Update updates value in the backend, returns NotFound error
	// if item does not exist
	Update(ctx context.Context, i Item) (*Lease, error)

	// Get returns a single item or not found error
	Get(ctx context.Context, key []byte) (*Item, error)

	// GetRange returns query range
	GetRange(ctx context.Context, startKey []byte, endKey []byte, limit int) (*GetResult, error)

	// Delete deletes item by key, returns NotFound error
	// if item does not exist
	Delete(ctx context.Context, key []byte) error

	// DeleteRange deletes range of items with keys between startKey and endKey
	DeleteRange(ctx context.Context, startKey, endKey []byte) error

	// Close closes backend and all associated resources
	Close() error

	// Clock returns clock used by this backend
	Clock() clockwork.Clock
}

// Lease represents a lease on the item that can be used
// to extend item's TTL.
type Lease struct {
	// Key is the key the lease belongs to
	Key []byte
	// ID is a lease ID, zero for items without TTL
	ID int64
}

// IsEmpty returns true if the lease is empty value.
func (l *Lease) IsEmpty() bool {
	return l.ID == 0 && len(l.Key) == 0
}

// Item is a key value item.
type Item struct {
	// Key is a key of the key value item
	Key []byte
	// Value is a value of the key value item
	Value []byte
	// Expires is an optional record expiry time
	Expires time.Time
	// ID is a record ID, newer records have newer ids
	ID int64
}

// GetResult provides the result of a GetRange request.
type GetResult struct {
	// Items returns a list of items
	Items []Item
}

// NoLimit specifies no limits.
const NoLimit = 0

// Separator is used as a separator between key parts.
const Separator = '/'

// Key joins parts into a backend key.
func Key(parts ...string) []byte {
	return []byte(strings.Join(append([]string{""}, parts...), string(Separator)))
}

// ExactKey is like Key, except a Separator is appended to the result
// path. This is to ensure range matching of a path will only match
// child paths and not other paths that have the resulting path as a
// prefix.
func ExactKey(parts ...string) []byte {
	return append(Key(parts...), Separator)
}

// noEnd is the maximum possible end of a range.
var noEnd = []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// RangeEnd returns end of the range for given key.
func RangeEnd(key []byte) []byte {
	end := make([]byte, len(key))
	copy(end, key)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i] = end[i] + 1
			end = end[:i+1]
			return end
		}
	}
	// next key does not exist (e.g., 0xffff)
	return noEnd
}

// Expiry converts a TTL to an absolute expiry, a zero TTL means no
// expiry.
func Expiry(clock clockwork.Clock, ttl time.Duration) time.Time {
	if ttl == 0 {
		return time.Time{}
	}
	return clock.Now().UTC().Add(ttl)
}

// TTL returns the TTL of an absolute expiry, clipped to at least a
// second.
func TTL(clock clockwork.Clock, expires time.Time) time.Duration {
	ttl := expires.Sub(clock.Now())
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}
