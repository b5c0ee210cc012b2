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
	"time"

	"github.com/gravitational/trace"
)

// SessionStatus is the session lifecycle state. Status is the single
// source of truth; use IsActive to derive liveness.
type SessionStatus string

const (
	SessionStatusActive     SessionStatus = "active"
	SessionStatusExpired    SessionStatus = "expired"
	SessionStatusRevoked    SessionStatus = "revoked"
	SessionStatusTerminated SessionStatus = "terminated"
)

// IsTerminal reports whether the status forbids further transitions.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusExpired, SessionStatusRevoked, SessionStatusTerminated:
		return true
	}
	return false
}

// SessionType is the client surface that created the session.
type SessionType string

const (
	SessionTypeWeb     SessionType = "web"
	SessionTypeMobile  SessionType = "mobile"
	SessionTypeAPI     SessionType = "api"
	SessionTypeDesktop SessionType = "desktop"
)

// GeoLocation is a coarse geographic triple attached to sessions and
// audit events.
type GeoLocation struct {
	Country string `json:"country,omitempty"`
	Region  string `json:"region,omitempty"`
	City    string `json:"city,omitempty"`
}

// Risk score thresholds for the derived session flags.
const (
	// SessionHighRiskScore marks a session high-risk.
	SessionHighRiskScore = 70.0
	// SessionRequireMFAScore forces a step-up before sensitive
	// operations.
	SessionRequireMFAScore = 50.0
)

// SessionFlags are security markers recomputed when the risk score
// changes.
type SessionFlags struct {
	// IsHighRisk is set when the session risk score reaches
	// SessionHighRiskScore.
	IsHighRisk bool `json:"is_high_risk,omitempty"`
	// RequiresMFA is set when the session risk score reaches
	// SessionRequireMFAScore.
	RequiresMFA bool `json:"requires_mfa,omitempty"`
	// MFACompleted records a completed step-up.
	MFACompleted bool `json:"mfa_completed,omitempty"`
}

// Session is a minted authentication session. Raw tokens are returned
// exactly once at mint/refresh time and only their SHA-256 hashes are
// persisted.
type Session struct {
	// ID is the unique session identifier.
	ID string `json:"id"`
	// TenantID scopes the session.
	TenantID string `json:"tenant_id"`
	// UserID is the authenticated user.
	UserID string `json:"user_id"`
	// CredentialID is the credential that authenticated the session, if
	// any.
	CredentialID string `json:"credential_id,omitempty"`
	// TokenHash is hex(SHA-256(session token)), the only lookup index.
	TokenHash string `json:"token_hash"`
	// RefreshTokenHash is hex(SHA-256(refresh token)).
	RefreshTokenHash string `json:"refresh_token_hash"`
	// Status is the lifecycle state.
	Status SessionStatus `json:"status"`
	// Type is the client surface.
	Type SessionType `json:"type"`
	// ExpiresAt is the hard expiry.
	ExpiresAt time.Time `json:"expires_at"`
	// LastActivityAt is touched on every successful validation.
	LastActivityAt time.Time `json:"last_activity_at"`
	// IP is the client address observed at creation.
	IP string `json:"ip,omitempty"`
	// UserAgent is the client user agent.
	UserAgent string `json:"user_agent,omitempty"`
	// DeviceFingerprint identifies the client device.
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	// Location is the coarse client location.
	Location GeoLocation `json:"location,omitempty"`
	// RiskScore is the session risk estimate in [0,100].
	RiskScore float64 `json:"risk_score"`
	// ActivityCount counts successful validations.
	ActivityCount uint64 `json:"activity_count"`
	// Flags carries security markers.
	Flags SessionFlags `json:"flags,omitempty"`
	// TerminatedAt is set on the terminal transition.
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`
	// TerminationReason records why the session ended.
	TerminationReason string `json:"termination_reason,omitempty"`
	// CreatedAt is the mint time.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is the last mutation time.
	UpdatedAt time.Time `json:"updated_at"`
	// Version is the optimistic concurrency revision.
	Version int64 `json:"version"`
}

// IsActive derives liveness from Status and the expiry clock.
func (s *Session) IsActive(now time.Time) bool {
	return s.Status == SessionStatusActive && now.Before(s.ExpiresAt)
}

// Duration is (terminated_at or now) - created_at.
func (s *Session) Duration(now time.Time) time.Duration {
	end := now
	if s.TerminatedAt != nil {
		end = *s.TerminatedAt
	}
	return end.Sub(s.CreatedAt)
}

// NeedsRenewal reports whether the expiry falls within the renewal
// threshold.
func (s *Session) NeedsRenewal(now time.Time, threshold time.Duration) bool {
	return s.Status == SessionStatusActive && s.ExpiresAt.Sub(now) <= threshold
}

// SetStatus performs a lifecycle transition. Exactly one terminal
// transition is allowed per session.
func (s *Session) SetStatus(status SessionStatus, reason string, now time.Time) error {
	if s.Status.IsTerminal() {
		return trace.CompareFailed("session %v already in terminal status %q", s.ID, s.Status)
	}
	t := now.UTC()
	s.Status = status
	s.UpdatedAt = t
	if status.IsTerminal() {
		s.TerminatedAt = &t
		s.TerminationReason = reason
	}
	return nil
}

// Extend pushes the expiry forward. Only active sessions can be
// extended.
func (s *Session) Extend(now time.Time, delta time.Duration) error {
	if !s.IsActive(now) {
		return trace.CompareFailed("cannot extend session %v in status %q", s.ID, s.Status)
	}
	s.ExpiresAt = s.ExpiresAt.Add(delta)
	s.UpdatedAt = now.UTC()
	return nil
}

// UpdateRiskScore records a new risk score and recomputes the derived
// security flags.
func (s *Session) UpdateRiskScore(score float64, now time.Time) {
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	s.RiskScore = score
	s.Flags.IsHighRisk = score >= SessionHighRiskScore
	s.Flags.RequiresMFA = score >= SessionRequireMFAScore
	s.UpdatedAt = now.UTC()
}
