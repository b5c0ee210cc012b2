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
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/citadelsec/citadel/lib/services"
)

func testChallenge(sessionData string) *services.WebauthnChallenge {
	return &services.WebauthnChallenge{
		TenantID:    "acme",
		UserID:      "u1",
		Purpose:     services.ChallengePurposeLogin,
		SessionData: []byte(sessionData),
	}
}

func TestChallengeServiceSingleUse(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	svc := NewChallengeService(newLocalBackend(t, clock))

	require.NoError(t, svc.UpsertChallenge(ctx, testChallenge(`{"challenge":"abc"}`), time.Minute))

	challenge, err := svc.ConsumeChallenge(ctx, "acme", "u1", services.ChallengePurposeLogin)
	require.NoError(t, err)
	require.JSONEq(t, `{"challenge":"abc"}`, string(challenge.SessionData))

	_, err = svc.ConsumeChallenge(ctx, "acme", "u1", services.ChallengePurposeLogin)
	require.True(t, trace.IsNotFound(err))
}

func TestChallengeServiceExpiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	svc := NewChallengeService(newLocalBackend(t, clock))

	require.NoError(t, svc.UpsertChallenge(ctx, testChallenge(`{}`), time.Minute))
	clock.Advance(2 * time.Minute)

	_, err := svc.ConsumeChallenge(ctx, "acme", "u1", services.ChallengePurposeLogin)
	require.True(t, trace.IsNotFound(err))
}

func TestChallengeServiceExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	svc := NewChallengeService(newLocalBackend(t, clock))

	// Accepted at exactly the TTL, refused one millisecond later.
	require.NoError(t, svc.UpsertChallenge(ctx, testChallenge(`{"challenge":"edge"}`), time.Minute))
	clock.Advance(time.Minute)
	challenge, err := svc.ConsumeChallenge(ctx, "acme", "u1", services.ChallengePurposeLogin)
	require.NoError(t, err)
	require.JSONEq(t, `{"challenge":"edge"}`, string(challenge.SessionData))

	require.NoError(t, svc.UpsertChallenge(ctx, testChallenge(`{"challenge":"late"}`), time.Minute))
	clock.Advance(time.Minute + time.Millisecond)
	_, err = svc.ConsumeChallenge(ctx, "acme", "u1", services.ChallengePurposeLogin)
	require.True(t, trace.IsNotFound(err))
}

func TestChallengeServiceReplacesPending(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	svc := NewChallengeService(newLocalBackend(t, clock))

	require.NoError(t, svc.UpsertChallenge(ctx, testChallenge(`{"challenge":"old"}`), time.Minute))
	require.NoError(t, svc.UpsertChallenge(ctx, testChallenge(`{"challenge":"new"}`), time.Minute))

	challenge, err := svc.ConsumeChallenge(ctx, "acme", "u1", services.ChallengePurposeLogin)
	require.NoError(t, err)
	require.JSONEq(t, `{"challenge":"new"}`, string(challenge.SessionData))
}

func TestChallengeServicePurposesAreIndependent(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	svc := NewChallengeService(newLocalBackend(t, clock))

	registration := testChallenge(`{"challenge":"reg"}`)
	registration.Purpose = services.ChallengePurposeRegistration
	require.NoError(t, svc.UpsertChallenge(ctx, registration, time.Minute))
	require.NoError(t, svc.UpsertChallenge(ctx, testChallenge(`{"challenge":"login"}`), time.Minute))

	got, err := svc.ConsumeChallenge(ctx, "acme", "u1", services.ChallengePurposeRegistration)
	require.NoError(t, err)
	require.JSONEq(t, `{"challenge":"reg"}`, string(got.SessionData))
	got, err = svc.ConsumeChallenge(ctx, "acme", "u1", services.ChallengePurposeLogin)
	require.NoError(t, err)
	require.JSONEq(t, `{"challenge":"login"}`, string(got.SessionData))
}

func TestChallengeServiceValidation(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	svc := NewChallengeService(newLocalBackend(t, clock))

	missing := testChallenge(`{}`)
	missing.TenantID = ""
	require.True(t, trace.IsBadParameter(svc.UpsertChallenge(ctx, missing, time.Minute)))

	badPurpose := testChallenge(`{}`)
	badPurpose.Purpose = "attestation"
	require.True(t, trace.IsBadParameter(svc.UpsertChallenge(ctx, badPurpose, time.Minute)))

	empty := testChallenge("")
	require.True(t, trace.IsBadParameter(svc.UpsertChallenge(ctx, empty, time.Minute)))

	require.True(t, trace.IsBadParameter(svc.UpsertChallenge(ctx, testChallenge(`{}`), 0)))
}
