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

package local

import (
	"context"
	"testing"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/citadelsec/citadel/api/types"
)

func TestCredentialServiceGlobalHashIndex(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	svc := NewCredentialService(newLocalBackend(t, clock))

	cred, err := types.NewCredential("acme", "u1", []byte("cred-id"), []byte("cose-key"), clock.Now().UTC())
	require.NoError(t, err)
	created, err := svc.CreateCredential(ctx, cred)
	require.NoError(t, err)

	// The same authenticator credential id cannot register again, not
	// even in another tenant.
	dup, err := types.NewCredential("globex", "u9", []byte("cred-id"), []byte("other-key"), clock.Now().UTC())
	require.NoError(t, err)
	_, err = svc.CreateCredential(ctx, dup)
	require.True(t, trace.IsAlreadyExists(err))

	resolved, err := svc.GetCredentialByIDHash(ctx, types.CredentialIDHash([]byte("cred-id")))
	require.NoError(t, err)
	require.Equal(t, created.ID, resolved.ID)

	_, err = svc.GetCredentialByIDHash(ctx, types.CredentialIDHash([]byte("unknown")))
	require.True(t, trace.IsNotFound(err))
}

func TestCredentialServiceUpdateVersionGuard(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	svc := NewCredentialService(newLocalBackend(t, clock))

	cred, err := types.NewCredential("acme", "u1", []byte("cred-id"), []byte("cose-key"), clock.Now().UTC())
	require.NoError(t, err)
	created, err := svc.CreateCredential(ctx, cred)
	require.NoError(t, err)

	// Two assertions race; the second loses its counter update.
	first := *created
	first.SignCount = 10
	updated, err := svc.UpdateCredential(ctx, &first)
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Version)

	second := *created
	second.SignCount = 11
	_, err = svc.UpdateCredential(ctx, &second)
	require.True(t, trace.IsCompareFailed(err))

	got, err := svc.GetCredential(ctx, "acme", created.ID)
	require.NoError(t, err)
	require.Equal(t, uint32(10), got.SignCount)
}

func TestCredentialServiceListUserCredentials(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	svc := NewCredentialService(newLocalBackend(t, clock))

	for _, id := range []string{"cred-a", "cred-b"} {
		cred, err := types.NewCredential("acme", "u1", []byte(id), []byte("cose-key"), clock.Now().UTC())
		require.NoError(t, err)
		_, err = svc.CreateCredential(ctx, cred)
		require.NoError(t, err)
	}
	other, err := types.NewCredential("acme", "u2", []byte("cred-c"), []byte("cose-key"), clock.Now().UTC())
	require.NoError(t, err)
	_, err = svc.CreateCredential(ctx, other)
	require.NoError(t, err)

	creds, err := svc.ListUserCredentials(ctx, "acme", "u1")
	require.NoError(t, err)
	require.Len(t, creds, 2)

	creds, err = svc.ListUserCredentials(ctx, "acme", "u3")
	require.NoError(t, err)
	require.Empty(t, creds)
}
