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

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/citadelsec/citadel/lib/backend"
)

func newBackend(t *testing.T, clock clockwork.Clock) *Memory {
	t.Helper()
	bk, err := New(Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })
	return bk
}

func TestCreateGetDelete(t *testing.T) {
	ctx := context.Background()
	bk := newBackend(t, clockwork.NewFakeClock())

	key := backend.Key("tenants", "acme")
	_, err := bk.Create(ctx, backend.Item{Key: key, Value: []byte("v1")})
	require.NoError(t, err)

	_, err = bk.Create(ctx, backend.Item{Key: key, Value: []byte("v2")})
	require.True(t, trace.IsAlreadyExists(err))

	item, err := bk.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), item.Value)

	require.NoError(t, bk.Delete(ctx, key))
	_, err = bk.Get(ctx, key)
	require.True(t, trace.IsNotFound(err))
	err = bk.Delete(ctx, key)
	require.True(t, trace.IsNotFound(err))
}

func TestUpdateRequiresExisting(t *testing.T) {
	ctx := context.Background()
	bk := newBackend(t, clockwork.NewFakeClock())

	key := backend.Key("users", "alice")
	_, err := bk.Update(ctx, backend.Item{Key: key, Value: []byte("v1")})
	require.True(t, trace.IsNotFound(err))

	_, err = bk.Put(ctx, backend.Item{Key: key, Value: []byte("v1")})
	require.NoError(t, err)
	_, err = bk.Update(ctx, backend.Item{Key: key, Value: []byte("v2")})
	require.NoError(t, err)

	item, err := bk.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), item.Value)
}

func TestCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	bk := newBackend(t, clockwork.NewFakeClock())

	key := backend.Key("counters", "c1")
	_, err := bk.Put(ctx, backend.Item{Key: key, Value: []byte("1")})
	require.NoError(t, err)

	_, err = bk.CompareAndSwap(ctx,
		backend.Item{Key: key, Value: []byte("1")},
		backend.Item{Key: key, Value: []byte("2")})
	require.NoError(t, err)

	// Stale expected value must fail.
	_, err = bk.CompareAndSwap(ctx,
		backend.Item{Key: key, Value: []byte("1")},
		backend.Item{Key: key, Value: []byte("3")})
	require.True(t, trace.IsCompareFailed(err))

	// Missing key also reports CompareFailed, not NotFound.
	_, err = bk.CompareAndSwap(ctx,
		backend.Item{Key: backend.Key("counters", "nope"), Value: []byte("1")},
		backend.Item{Key: backend.Key("counters", "nope"), Value: []byte("2")})
	require.True(t, trace.IsCompareFailed(err))

	item, err := bk.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("2"), item.Value)
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	bk := newBackend(t, clock)

	key := backend.Key("challenges", "t1", "u1")
	_, err := bk.Put(ctx, backend.Item{
		Key:     key,
		Value:   []byte("pending"),
		Expires: clock.Now().Add(5 * time.Minute),
	})
	require.NoError(t, err)

	// The item is still served at exactly the deadline and refused one
	// millisecond past it.
	clock.Advance(5 * time.Minute)
	_, err = bk.Get(ctx, key)
	require.NoError(t, err)

	clock.Advance(time.Millisecond)
	_, err = bk.Get(ctx, key)
	require.True(t, trace.IsNotFound(err))
}

func TestGetRange(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	bk := newBackend(t, clock)

	for _, name := range []string{"a", "b", "c"} {
		_, err := bk.Put(ctx, backend.Item{
			Key:   backend.Key("users", "t1", name),
			Value: []byte(name),
		})
		require.NoError(t, err)
	}
	_, err := bk.Put(ctx, backend.Item{
		Key:   backend.Key("users", "t2", "d"),
		Value: []byte("d"),
	})
	require.NoError(t, err)

	start := backend.ExactKey("users", "t1")
	result, err := bk.GetRange(ctx, start, backend.RangeEnd(start), backend.NoLimit)
	require.NoError(t, err)
	require.Len(t, result.Items, 3)
	require.Equal(t, []byte("a"), result.Items[0].Value)
	require.Equal(t, []byte("c"), result.Items[2].Value)

	limited, err := bk.GetRange(ctx, start, backend.RangeEnd(start), 2)
	require.NoError(t, err)
	require.Len(t, limited.Items, 2)
}

func TestGetRangeSkipsExpired(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	bk := newBackend(t, clock)

	start := backend.ExactKey("sessions", "t1")
	_, err := bk.Put(ctx, backend.Item{
		Key:     backend.Key("sessions", "t1", "s1"),
		Value:   []byte("short"),
		Expires: clock.Now().Add(time.Minute),
	})
	require.NoError(t, err)
	_, err = bk.Put(ctx, backend.Item{
		Key:   backend.Key("sessions", "t1", "s2"),
		Value: []byte("forever"),
	})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	result, err := bk.GetRange(ctx, start, backend.RangeEnd(start), backend.NoLimit)
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	require.Equal(t, []byte("forever"), result.Items[0].Value)
}

func TestDeleteRange(t *testing.T) {
	ctx := context.Background()
	bk := newBackend(t, clockwork.NewFakeClock())

	for _, name := range []string{"a", "b"} {
		_, err := bk.Put(ctx, backend.Item{Key: backend.Key("p", "t1", name), Value: []byte(name)})
		require.NoError(t, err)
	}
	_, err := bk.Put(ctx, backend.Item{Key: backend.Key("p", "t2", "c"), Value: []byte("c")})
	require.NoError(t, err)

	start := backend.ExactKey("p", "t1")
	require.NoError(t, bk.DeleteRange(ctx, start, backend.RangeEnd(start)))

	_, err = bk.Get(ctx, backend.Key("p", "t1", "a"))
	require.True(t, trace.IsNotFound(err))
	_, err = bk.Get(ctx, backend.Key("p", "t2", "c"))
	require.NoError(t, err)
}
