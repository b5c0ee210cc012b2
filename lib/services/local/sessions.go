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
	"time"

	"github.com/gravitational/trace"

	"github.com/citadelsec/citadel/api/types"
	"github.com/citadelsec/citadel/lib/backend"
	"github.com/citadelsec/citadel/lib/services"
)

const (
	sessionsPrefix         = "sessions"
	sessionsByTokenPrefix  = "sessions_by_token"
	sessionsByRTokenPrefix = "sessions_by_refresh"
	rotatedRefreshPrefix   = "sessions_refresh_rotated"
	userSessionsPrefix     = "user_sessions"
)

// SessionService manages session records in the backend.
type SessionService struct {
	backend.Backend
}

// NewSessionService returns a new session service instance.
func NewSessionService(bk backend.Backend) *SessionService {
	return &SessionService{Backend: bk}
}

// CreateSession stores a new session and its token indexes.
func (s *SessionService) CreateSession(ctx context.Context, sess *types.Session) (*types.Session, error) {
	if sess.TenantID == "" || sess.UserID == "" {
		return nil, trace.BadParameter("session missing tenant or user id")
	}
	if sess.TokenHash == "" || sess.RefreshTokenHash == "" {
		return nil, trace.BadParameter("session missing token hashes")
	}
	sess.Version = 1
	value, err := services.MarshalSession(sess)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	item := backend.Item{Key: backend.Key(sessionsPrefix, sess.TenantID, sess.ID), Value: value}
	if _, err := s.Create(ctx, item); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.putIndexes(ctx, sess); err != nil {
		return nil, trace.Wrap(err)
	}
	userKey := backend.Key(userSessionsPrefix, sess.TenantID, sess.UserID, sess.ID)
	if _, err := s.Put(ctx, backend.Item{Key: userKey, Value: []byte(sess.ID)}); err != nil {
		return nil, trace.Wrap(err)
	}
	return sess, nil
}

// GetSession returns a session by id.
func (s *SessionService) GetSession(ctx context.Context, tenantID, sessionID string) (*types.Session, error) {
	if tenantID == "" || sessionID == "" {
		return nil, trace.BadParameter("missing tenant or session id")
	}
	item, err := s.Get(ctx, backend.Key(sessionsPrefix, tenantID, sessionID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("session %q not found", sessionID)
		}
		return nil, trace.Wrap(err)
	}
	return services.UnmarshalSession(item.Value)
}

// GetSessionByTokenHash resolves the tenant-scoped token index.
func (s *SessionService) GetSessionByTokenHash(ctx context.Context, tenantID, tokenHash string) (*types.Session, error) {
	return s.getByIndex(ctx, tenantID, sessionsByTokenPrefix, tokenHash)
}

// GetSessionByRefreshTokenHash resolves the refresh-token index.
func (s *SessionService) GetSessionByRefreshTokenHash(ctx context.Context, tenantID, refreshTokenHash string) (*types.Session, error) {
	return s.getByIndex(ctx, tenantID, sessionsByRTokenPrefix, refreshTokenHash)
}

func (s *SessionService) getByIndex(ctx context.Context, tenantID, prefix, hash string) (*types.Session, error) {
	if tenantID == "" || hash == "" {
		return nil, trace.BadParameter("missing tenant id or token hash")
	}
	item, err := s.Get(ctx, backend.Key(prefix, tenantID, hash))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("session not found")
		}
		return nil, trace.Wrap(err)
	}
	return s.GetSession(ctx, tenantID, string(item.Value))
}

// UpdateSession replaces a session guarded by its Version. Token
// rotation moves the index slots; the stale refresh index is removed so
// a reused token is detectable as NotFound.
func (s *SessionService) UpdateSession(ctx context.Context, sess *types.Session) (*types.Session, error) {
	key := backend.Key(sessionsPrefix, sess.TenantID, sess.ID)
	existingItem, err := s.Get(ctx, key)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("session %q not found", sess.ID)
		}
		return nil, trace.Wrap(err)
	}
	existing, err := services.UnmarshalSession(existingItem.Value)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if existing.Version != sess.Version {
		return nil, trace.CompareFailed("session %q was concurrently modified", sess.ID)
	}
	updated := *sess
	updated.Version = existing.Version + 1
	value, err := services.MarshalSession(&updated)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.CompareAndSwap(ctx, *existingItem, backend.Item{Key: key, Value: value}); err != nil {
		if trace.IsCompareFailed(err) {
			return nil, trace.CompareFailed("session %q was concurrently modified", sess.ID)
		}
		return nil, trace.Wrap(err)
	}
	if existing.TokenHash != updated.TokenHash {
		_ = s.Delete(ctx, backend.Key(sessionsByTokenPrefix, updated.TenantID, existing.TokenHash))
	}
	if existing.RefreshTokenHash != updated.RefreshTokenHash {
		_ = s.Delete(ctx, backend.Key(sessionsByRTokenPrefix, updated.TenantID, existing.RefreshTokenHash))
	}
	if err := s.putIndexes(ctx, &updated); err != nil {
		return nil, trace.Wrap(err)
	}
	return &updated, nil
}

// ListUserSessions returns all sessions of the user, any status.
func (s *SessionService) ListUserSessions(ctx context.Context, tenantID, userID string) ([]*types.Session, error) {
	if tenantID == "" || userID == "" {
		return nil, trace.BadParameter("missing tenant or user id")
	}
	startKey := backend.ExactKey(userSessionsPrefix, tenantID, userID)
	result, err := s.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*types.Session, 0, len(result.Items))
	for _, item := range result.Items {
		sess, err := s.GetSession(ctx, tenantID, string(item.Value))
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			return nil, trace.Wrap(err)
		}
		out = append(out, sess)
	}
	return out, nil
}

// DeleteSession removes a session and its indexes.
func (s *SessionService) DeleteSession(ctx context.Context, tenantID, sessionID string) error {
	sess, err := s.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return trace.Wrap(err)
	}
	_ = s.Delete(ctx, backend.Key(sessionsByTokenPrefix, tenantID, sess.TokenHash))
	_ = s.Delete(ctx, backend.Key(sessionsByRTokenPrefix, tenantID, sess.RefreshTokenHash))
	_ = s.Delete(ctx, backend.Key(userSessionsPrefix, tenantID, sess.UserID, sessionID))
	return trace.Wrap(s.Delete(ctx, backend.Key(sessionsPrefix, tenantID, sessionID)))
}

// MarkRefreshTokenRotated tombstones a rotated refresh token under a
// TTL so reuse stays detectable for the tombstone lifetime.
func (s *SessionService) MarkRefreshTokenRotated(ctx context.Context, tenantID, refreshTokenHash, sessionID string, ttl time.Duration) error {
	if tenantID == "" || refreshTokenHash == "" || sessionID == "" {
		return trace.BadParameter("missing tenant id, token hash or session id")
	}
	_, err := s.Put(ctx, backend.Item{
		Key:     backend.Key(rotatedRefreshPrefix, tenantID, refreshTokenHash),
		Value:   []byte(sessionID),
		Expires: backend.Expiry(s.Clock(), ttl),
	})
	return trace.Wrap(err)
}

// GetRotatedRefreshSession returns the session a rotated refresh token
// belonged to.
func (s *SessionService) GetRotatedRefreshSession(ctx context.Context, tenantID, refreshTokenHash string) (string, error) {
	if tenantID == "" || refreshTokenHash == "" {
		return "", trace.BadParameter("missing tenant id or token hash")
	}
	item, err := s.Get(ctx, backend.Key(rotatedRefreshPrefix, tenantID, refreshTokenHash))
	if err != nil {
		if trace.IsNotFound(err) {
			return "", trace.NotFound("refresh token not found")
		}
		return "", trace.Wrap(err)
	}
	return string(item.Value), nil
}

func (s *SessionService) putIndexes(ctx context.Context, sess *types.Session) error {
	if _, err := s.Put(ctx, backend.Item{
		Key:   backend.Key(sessionsByTokenPrefix, sess.TenantID, sess.TokenHash),
		Value: []byte(sess.ID),
	}); err != nil {
		return trace.Wrap(err)
	}
	_, err := s.Put(ctx, backend.Item{
		Key:   backend.Key(sessionsByRTokenPrefix, sess.TenantID, sess.RefreshTokenHash),
		Value: []byte(sess.ID),
	})
	return trace.Wrap(err)
}
