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

package types

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewCredential(t *testing.T) {
	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	cred, err := NewCredential("acme", "u1", []byte("cred-id"), []byte("cose-key"), now)
	require.NoError(t, err)
	require.Equal(t, CredentialStatusActive, cred.Status)
	require.Equal(t, CredentialIDHash([]byte("cred-id")), cred.CredentialIDHash)
	require.Equal(t, "public-key", cred.CredentialType)
	require.NoError(t, cred.CheckIntegrity())
}

func TestCredentialIntegrity(t *testing.T) {
	now := time.Now().UTC()
	cred, err := NewCredential("acme", "u1", []byte("cred-id"), []byte("cose-key"), now)
	require.NoError(t, err)

	tampered := *cred
	tampered.CredentialID = []byte("other-id")
	require.Error(t, tampered.CheckIntegrity())

	// Credential ids over 1023 bytes are out of range.
	_, err = NewCredential("acme", "u1", bytes.Repeat([]byte{0x01}, 1024), []byte("cose-key"), now)
	require.Error(t, err)
	_, err = NewCredential("acme", "u1", bytes.Repeat([]byte{0x01}, 1023), []byte("cose-key"), now)
	require.NoError(t, err)
}

func TestCredentialIsUsable(t *testing.T) {
	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	cred, err := NewCredential("acme", "u1", []byte("cred-id"), []byte("cose-key"), now)
	require.NoError(t, err)
	require.True(t, cred.IsUsable(now))

	quarantined := *cred
	quarantined.Flags.Quarantined = true
	require.False(t, quarantined.IsUsable(now))

	suspicious := *cred
	suspicious.Status = CredentialStatusSuspicious
	require.False(t, suspicious.IsUsable(now))

	expiry := now.Add(time.Hour)
	expiring := *cred
	expiring.ExpiresAt = &expiry
	require.True(t, expiring.IsUsable(now))
	require.False(t, expiring.IsUsable(expiry))
}

func TestCredentialRevokeTerminalOnce(t *testing.T) {
	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	cred, err := NewCredential("acme", "u1", []byte("cred-id"), []byte("cose-key"), now)
	require.NoError(t, err)

	require.Error(t, cred.Revoke(now, CredentialStatusActive))

	require.NoError(t, cred.Revoke(now, CredentialStatusCompromised))
	require.Equal(t, CredentialStatusCompromised, cred.Status)
	require.NotNil(t, cred.RevokedAt)

	err = cred.Revoke(now, CredentialStatusRevoked)
	require.Error(t, err)
	require.Equal(t, CredentialStatusCompromised, cred.Status)
}

func TestCredentialWithoutSecrets(t *testing.T) {
	now := time.Now().UTC()
	cred, err := NewCredential("acme", "u1", []byte("cred-id"), []byte("cose-key"), now)
	require.NoError(t, err)
	cred.AttestationObject = []byte("attestation")

	public := cred.WithoutSecrets()
	require.Nil(t, public.PublicKeyCOSE)
	require.Nil(t, public.AttestationObject)
	require.NotNil(t, cred.PublicKeyCOSE)
	require.NotNil(t, cred.AttestationObject)
}
