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
	"encoding/json"
	"time"

	"github.com/gravitational/trace"

	"github.com/citadelsec/citadel/lib/backend"
	"github.com/citadelsec/citadel/lib/services"
)

const challengesPrefix = "webauthn_challenges"

// ChallengeService stores single-use WebAuthn ceremony state under a
// TTL. Expiry is enforced by the backend item TTL, consumption by the
// read-then-delete in ConsumeChallenge.
type ChallengeService struct {
	backend.Backend
}

// NewChallengeService returns a new challenge service instance.
func NewChallengeService(bk backend.Backend) *ChallengeService {
	return &ChallengeService{Backend: bk}
}

// UpsertChallenge stores a challenge, replacing any pending one for the
// same (tenant, user, purpose).
func (s *ChallengeService) UpsertChallenge(ctx context.Context, challenge *services.WebauthnChallenge, ttl time.Duration) error {
	switch {
	case challenge.TenantID == "" || challenge.UserID == "":
		return trace.BadParameter("challenge missing tenant or user id")
	case challenge.Purpose != services.ChallengePurposeRegistration &&
		challenge.Purpose != services.ChallengePurposeLogin:
		return trace.BadParameter("unknown challenge purpose %q", challenge.Purpose)
	case len(challenge.SessionData) == 0:
		return trace.BadParameter("challenge missing session data")
	case ttl <= 0:
		return trace.BadParameter("challenge ttl must be positive")
	}
	value, err := json.Marshal(challenge)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.Put(ctx, backend.Item{
		Key:     backend.Key(challengesPrefix, challenge.TenantID, challenge.UserID, challenge.Purpose),
		Value:   value,
		Expires: backend.Expiry(s.Clock(), ttl),
	})
	return trace.Wrap(err)
}

// ConsumeChallenge returns the pending challenge and deletes it in the
// same call. Expired challenges are indistinguishable from absent ones.
func (s *ChallengeService) ConsumeChallenge(ctx context.Context, tenantID, userID, purpose string) (*services.WebauthnChallenge, error) {
	if tenantID == "" || userID == "" || purpose == "" {
		return nil, trace.BadParameter("missing tenant, user id or purpose")
	}
	key := backend.Key(challengesPrefix, tenantID, userID, purpose)
	item, err := s.Get(ctx, key)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("no pending %s challenge", purpose)
		}
		return nil, trace.Wrap(err)
	}
	if err := s.Delete(ctx, key); err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	var challenge services.WebauthnChallenge
	if err := json.Unmarshal(item.Value, &challenge); err != nil {
		return nil, trace.BadParameter("%s", err)
	}
	return &challenge, nil
}
