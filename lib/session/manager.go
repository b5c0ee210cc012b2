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

// Package session implements the session manager: token minting,
// validation, rotation, extension, revocation and the concurrent
// session cap. Raw tokens leave the manager exactly once; storage only
// ever sees their SHA-256 hashes.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/citadelsec/citadel"
	"github.com/citadelsec/citadel/api/types"
	"github.com/citadelsec/citadel/lib/defaults"
	"github.com/citadelsec/citadel/lib/events"
	"github.com/citadelsec/citadel/lib/services"
	"github.com/citadelsec/citadel/lib/utils"
	logutils "github.com/citadelsec/citadel/lib/utils/log"
)

var (
	sessionsMinted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "citadel_sessions_minted_total",
		Help: "Number of sessions minted.",
	})
	sessionsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "citadel_sessions_evicted_total",
		Help: "Number of sessions evicted by the concurrency cap.",
	})
	refreshReuses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "citadel_session_refresh_reuse_total",
		Help: "Number of rotated refresh tokens presented again.",
	})
)

func init() {
	prometheus.MustRegister(sessionsMinted, sessionsEvicted, refreshReuses)
}

// ManagerConfig configures the session manager.
type ManagerConfig struct {
	// Sessions is the session persistence contract.
	Sessions services.Sessions
	// AuditLog records lifecycle events; nil disables audit emission.
	AuditLog *events.AuditLog
	// Clock is the manager clock.
	Clock clockwork.Clock
	// Logger is the package logger.
	Logger *slog.Logger
	// SessionTTL is the minted session lifetime, defaults to
	// defaults.SessionTTL.
	SessionTTL time.Duration
	// MaxConcurrent caps active sessions per user, defaults to
	// defaults.MaxConcurrentSessions.
	MaxConcurrent int
	// RenewalThreshold is how close to expiry a validated session gets
	// flagged for renewal, defaults to defaults.SessionRenewalThreshold.
	RenewalThreshold time.Duration
}

// CheckAndSetDefaults checks and sets default config values.
func (c *ManagerConfig) CheckAndSetDefaults() error {
	if c.Sessions == nil {
		return trace.BadParameter("missing parameter Sessions")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(citadel.ComponentKey, citadel.ComponentSession)
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = defaults.SessionTTL
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = defaults.MaxConcurrentSessions
	}
	if c.RenewalThreshold == 0 {
		c.RenewalThreshold = defaults.SessionRenewalThreshold
	}
	return nil
}

// Manager is the session manager.
type Manager struct {
	cfg ManagerConfig
}

// NewManager creates a new session manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{cfg: cfg}, nil
}

// MintedSession carries the stored session plus the raw tokens. The
// tokens exist only in this return value.
type MintedSession struct {
	Session      *types.Session
	Token        string
	RefreshToken string
}

// Mint creates a session for an authenticated principal. When the user
// already holds MaxConcurrent active sessions the least recently active
// one is terminated first.
func (m *Manager) Mint(ctx context.Context, principal types.Principal, sessType types.SessionType, reqCtx types.RequestContext) (*MintedSession, error) {
	if principal.TenantID == "" || principal.UserID == "" {
		return nil, trace.BadParameter("principal missing tenant or user id")
	}
	now := m.cfg.Clock.Now().UTC()
	if err := m.evictIfNeeded(ctx, principal.TenantID, principal.UserID, now); err != nil {
		return nil, trace.Wrap(err)
	}
	token, err := utils.CryptoRandomToken(defaults.SessionTokenBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	refreshToken, err := utils.CryptoRandomToken(defaults.SessionTokenBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sess := &types.Session{
		ID:                uuid.NewString(),
		TenantID:          principal.TenantID,
		UserID:            principal.UserID,
		CredentialID:      principal.CredentialID,
		TokenHash:         utils.SHA256Hex([]byte(token)),
		RefreshTokenHash:  utils.SHA256Hex([]byte(refreshToken)),
		Status:            types.SessionStatusActive,
		Type:              sessType,
		ExpiresAt:         now.Add(m.cfg.SessionTTL),
		LastActivityAt:    now,
		IP:                reqCtx.IP,
		UserAgent:         reqCtx.UserAgent,
		DeviceFingerprint: reqCtx.DeviceFingerprint,
		Location:          reqCtx.Location,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if _, err := m.cfg.Sessions.CreateSession(ctx, sess); err != nil {
		return nil, trace.Wrap(err)
	}
	sessionsMinted.Inc()
	m.audit(ctx, sess, events.SessionCreateEvent, types.SeverityInfo, true, nil)
	return &MintedSession{Session: sess, Token: token, RefreshToken: refreshToken}, nil
}

func (m *Manager) evictIfNeeded(ctx context.Context, tenantID, userID string, now time.Time) error {
	sessions, err := m.cfg.Sessions.ListUserSessions(ctx, tenantID, userID)
	if err != nil {
		return trace.Wrap(err)
	}
	var active []*types.Session
	for _, sess := range sessions {
		if sess.IsActive(now) {
			active = append(active, sess)
		}
	}
	if len(active) < m.cfg.MaxConcurrent {
		return nil
	}
	victim := active[0]
	for _, sess := range active[1:] {
		if sess.LastActivityAt.Before(victim.LastActivityAt) {
			victim = sess
		}
	}
	if err := victim.SetStatus(types.SessionStatusTerminated, "evicted by concurrent session cap", now); err != nil {
		return trace.Wrap(err)
	}
	if _, err := m.cfg.Sessions.UpdateSession(ctx, victim); err != nil {
		return trace.Wrap(err)
	}
	sessionsEvicted.Inc()
	m.audit(ctx, victim, events.SessionEvictEvent, types.SeverityLow, true, nil)
	return nil
}

// Validate checks a raw session token and touches activity tracking.
// Any failure is AccessDenied; callers cannot distinguish a missing
// session from a dead one.
func (m *Manager) Validate(ctx context.Context, tenantID, token string) (*types.Session, error) {
	if tenantID == "" || token == "" {
		return nil, trace.AccessDenied("invalid session token")
	}
	now := m.cfg.Clock.Now().UTC()
	sess, err := m.cfg.Sessions.GetSessionByTokenHash(ctx, tenantID, utils.SHA256Hex([]byte(token)))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.AccessDenied("invalid session token")
		}
		return nil, trace.Wrap(err)
	}
	if sess.Status == types.SessionStatusActive && !now.Before(sess.ExpiresAt) {
		// Expire lazily on first read past the deadline.
		if err := sess.SetStatus(types.SessionStatusExpired, "expired", now); err == nil {
			if _, err := m.cfg.Sessions.UpdateSession(ctx, sess); err != nil {
				m.cfg.Logger.WarnContext(ctx, "failed to persist session expiry", "error", err)
			}
			m.audit(ctx, sess, events.SessionExpireEvent, types.SeverityInfo, true, nil)
		}
		return nil, trace.AccessDenied("session expired")
	}
	if !sess.IsActive(now) {
		return nil, trace.AccessDenied("session is not active")
	}
	if sess.NeedsRenewal(now, m.cfg.RenewalThreshold) {
		m.cfg.Logger.DebugContext(ctx, "session approaching expiry, renewal recommended",
			"session", sess.ID,
			"expires_at", sess.ExpiresAt,
		)
	}
	sess.LastActivityAt = now
	sess.ActivityCount++
	sess.UpdatedAt = now
	updated, err := m.cfg.Sessions.UpdateSession(ctx, sess)
	if err != nil {
		if trace.IsCompareFailed(err) {
			// Lost an activity-touch race; the session itself is valid.
			return sess, nil
		}
		return nil, trace.Wrap(err)
	}
	return updated, nil
}

// Refresh rotates both tokens. Presenting a rotated refresh token again
// is treated as theft: the session is revoked and a critical event
// recorded.
func (m *Manager) Refresh(ctx context.Context, tenantID, refreshToken string) (*MintedSession, error) {
	if tenantID == "" || refreshToken == "" {
		return nil, trace.AccessDenied("invalid refresh token")
	}
	now := m.cfg.Clock.Now().UTC()
	hash := utils.SHA256Hex([]byte(refreshToken))
	sess, err := m.cfg.Sessions.GetSessionByRefreshTokenHash(ctx, tenantID, hash)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.Wrap(m.handleRefreshReuse(ctx, tenantID, hash, now))
		}
		return nil, trace.Wrap(err)
	}
	if !sess.IsActive(now) {
		return nil, trace.AccessDenied("session is not active")
	}
	newToken, err := utils.CryptoRandomToken(defaults.SessionTokenBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	newRefreshToken, err := utils.CryptoRandomToken(defaults.SessionTokenBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	oldRefreshHash := sess.RefreshTokenHash
	sess.TokenHash = utils.SHA256Hex([]byte(newToken))
	sess.RefreshTokenHash = utils.SHA256Hex([]byte(newRefreshToken))
	sess.ExpiresAt = sess.ExpiresAt.Add(defaults.SessionRefreshWindow)
	sess.LastActivityAt = now
	sess.UpdatedAt = now
	updated, err := m.cfg.Sessions.UpdateSession(ctx, sess)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := m.cfg.Sessions.MarkRefreshTokenRotated(ctx, tenantID, oldRefreshHash, sess.ID, m.cfg.SessionTTL); err != nil {
		m.cfg.Logger.WarnContext(ctx, "failed to tombstone rotated refresh token", "error", err)
	}
	m.audit(ctx, updated, events.SessionRefreshEvent, types.SeverityInfo, true, nil)
	return &MintedSession{Session: updated, Token: newToken, RefreshToken: newRefreshToken}, nil
}

// handleRefreshReuse revokes the session a rotated token belonged to.
func (m *Manager) handleRefreshReuse(ctx context.Context, tenantID, hash string, now time.Time) error {
	sessionID, err := m.cfg.Sessions.GetRotatedRefreshSession(ctx, tenantID, hash)
	if err != nil {
		return trace.AccessDenied("invalid refresh token")
	}
	refreshReuses.Inc()
	sess, err := m.cfg.Sessions.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return trace.AccessDenied("invalid refresh token")
	}
	if !sess.Status.IsTerminal() {
		if err := sess.SetStatus(types.SessionStatusRevoked, "rotated refresh token reused", now); err == nil {
			if _, err := m.cfg.Sessions.UpdateSession(ctx, sess); err != nil {
				m.cfg.Logger.ErrorContext(ctx, "failed to revoke session after token reuse", "error", err)
			}
		}
	}
	m.audit(ctx, sess, events.SessionRefreshReuseEvent, types.SeverityCritical, false, map[string]interface{}{
		"reason": "rotated refresh token presented again",
	})
	return trace.AccessDenied("invalid refresh token")
}

// Extend pushes the expiry of an active session forward, capped at
// defaults.MaxSessionExtension per call.
func (m *Manager) Extend(ctx context.Context, tenantID, sessionID string, delta time.Duration) (*types.Session, error) {
	if delta <= 0 {
		return nil, trace.BadParameter("extension must be positive")
	}
	if delta > defaults.MaxSessionExtension {
		return nil, trace.BadParameter("extension exceeds maximum of %v", defaults.MaxSessionExtension)
	}
	sess, err := m.cfg.Sessions.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := m.cfg.Clock.Now().UTC()
	if err := sess.Extend(now, delta); err != nil {
		return nil, trace.Wrap(err)
	}
	return m.cfg.Sessions.UpdateSession(ctx, sess)
}

// Revoke terminates a session. Revoking a terminal session is a
// CompareFailed error.
func (m *Manager) Revoke(ctx context.Context, tenantID, sessionID, reason string) error {
	sess, err := m.cfg.Sessions.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return trace.Wrap(err)
	}
	now := m.cfg.Clock.Now().UTC()
	if err := sess.SetStatus(types.SessionStatusRevoked, reason, now); err != nil {
		return trace.Wrap(err)
	}
	if _, err := m.cfg.Sessions.UpdateSession(ctx, sess); err != nil {
		return trace.Wrap(err)
	}
	m.audit(ctx, sess, events.SessionRevokeEvent, types.SeverityLow, true, map[string]interface{}{
		"reason": reason,
	})
	return nil
}

// RevokeUserSessions revokes every live session of a user and returns
// how many were revoked.
func (m *Manager) RevokeUserSessions(ctx context.Context, tenantID, userID, reason string) (int, error) {
	sessions, err := m.cfg.Sessions.ListUserSessions(ctx, tenantID, userID)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	now := m.cfg.Clock.Now().UTC()
	revoked := 0
	for _, sess := range sessions {
		if sess.Status.IsTerminal() {
			continue
		}
		if err := sess.SetStatus(types.SessionStatusRevoked, reason, now); err != nil {
			continue
		}
		if _, err := m.cfg.Sessions.UpdateSession(ctx, sess); err != nil {
			return revoked, trace.Wrap(err)
		}
		m.audit(ctx, sess, events.SessionRevokeEvent, types.SeverityLow, true, map[string]interface{}{
			"reason": reason,
		})
		revoked++
	}
	return revoked, nil
}

// RevokeCredentialSessions revokes every live session of the user that
// was minted with the given credential.
func (m *Manager) RevokeCredentialSessions(ctx context.Context, tenantID, userID, credentialID, reason string) (int, error) {
	sessions, err := m.cfg.Sessions.ListUserSessions(ctx, tenantID, userID)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	now := m.cfg.Clock.Now().UTC()
	revoked := 0
	for _, sess := range sessions {
		if sess.CredentialID != credentialID || sess.Status.IsTerminal() {
			continue
		}
		if err := sess.SetStatus(types.SessionStatusRevoked, reason, now); err != nil {
			continue
		}
		if _, err := m.cfg.Sessions.UpdateSession(ctx, sess); err != nil {
			return revoked, trace.Wrap(err)
		}
		m.audit(ctx, sess, events.SessionRevokeEvent, types.SeverityLow, true, map[string]interface{}{
			"reason": reason,
		})
		revoked++
	}
	return revoked, nil
}

// UpdateRiskScore records a new risk score on the session and
// recomputes its security flags.
func (m *Manager) UpdateRiskScore(ctx context.Context, tenantID, sessionID string, score float64) (*types.Session, error) {
	sess, err := m.cfg.Sessions.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sess.UpdateRiskScore(score, m.cfg.Clock.Now().UTC())
	return m.cfg.Sessions.UpdateSession(ctx, sess)
}

func (m *Manager) audit(ctx context.Context, sess *types.Session, eventType string, severity types.EventSeverity, success bool, metadata map[string]interface{}) {
	if m.cfg.AuditLog == nil {
		return
	}
	if _, err := m.cfg.AuditLog.EmitAuditEvent(ctx, &types.AuditEvent{
		TenantID:     sess.TenantID,
		UserID:       sess.UserID,
		Type:         eventType,
		Severity:     severity,
		ResourceType: "session",
		ResourceID:   sess.ID,
		IP:           sess.IP,
		UserAgent:    sess.UserAgent,
		RiskScore:    sess.RiskScore,
		Success:      success,
		Metadata:     metadata,
	}); err != nil {
		m.cfg.Logger.WarnContext(ctx, "failed to emit session audit event",
			"error", err,
			"event_type", eventType,
		)
	}
}
