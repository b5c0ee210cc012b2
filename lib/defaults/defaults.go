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

// Package defaults holds the tunable constants of the Citadel core.
package defaults

import "time"

const (
	// MaxLoginAttempts sets the max. number of allowed failed login
	// attempts before a user account is locked for AccountLockInterval.
	MaxLoginAttempts = 5

	// AccountLockInterval defines the time interval during which a user
	// account stays locked after MaxLoginAttempts.
	AccountLockInterval = 30 * time.Minute

	// SessionTTL is the default lifetime of a freshly minted session.
	SessionTTL = 12 * time.Hour

	// SessionRefreshWindow is the extension granted on refresh.
	SessionRefreshWindow = 1 * time.Hour

	// SessionRenewalThreshold is how close to expiry a session reports
	// NeedsRenewal.
	SessionRenewalThreshold = 10 * time.Minute

	// MaxConcurrentSessions is the per-user active-session cap; minting
	// one more evicts the least-recently-active session.
	MaxConcurrentSessions = 5

	// SessionTokenBytes is the entropy of session and refresh tokens.
	SessionTokenBytes = 64

	// MaxSessionExtension bounds a single Extend call.
	MaxSessionExtension = 24 * time.Hour

	// WebauthnChallengeTTL is the hard WebAuthn challenge lifetime.
	// Challenges are single-use and refused past the TTL.
	WebauthnChallengeTTL = 5 * time.Minute

	// WebauthnChallengeBytes is the challenge entropy.
	WebauthnChallengeBytes = 32

	// AnomalyScorerTimeout bounds calls to the pluggable anomaly
	// scorer; past it the anomaly factor is treated as absent.
	AnomalyScorerTimeout = 2 * time.Second

	// MetadataLookupTimeout bounds attestation metadata lookups.
	MetadataLookupTimeout = 2 * time.Second

	// TrustHistoryLimit bounds the per-context trust-score history.
	TrustHistoryLimit = 50

	// RecentScoresLimit is the K of volatility detection: the baseline
	// band crossings are counted over the last K assessments.
	RecentScoresLimit = 10

	// TrendBand is the half-width of the baseline band used by trend
	// and volatility detection.
	TrendBand = 5.0

	// AutoFlagViolations is the security-violation count that flags a
	// risk profile automatically.
	AutoFlagViolations = 3

	// SignificantTrustDelta and SignificantTrustFloor define a
	// significant trust degradation: delta >= 0.2 landing below 0.4.
	SignificantTrustDelta = 0.2
	SignificantTrustFloor = 0.4
)

// Audit retention periods per event family.
const (
	RetentionLoginSuccess = 90 * 24 * time.Hour
	RetentionLoginFailed  = 365 * 24 * time.Hour
	RetentionSecurity     = 2555 * 24 * time.Hour
	RetentionDefault      = 365 * 24 * time.Hour
)

// Default risk factor weights of the fixed six-factor schema.
var RiskWeights = map[string]float64{
	"deviceRisk":     0.25,
	"locationRisk":   0.20,
	"behavioralRisk": 0.25,
	"temporalRisk":   0.15,
	"velocityRisk":   0.10,
	"anomalyRisk":    0.05,
}

const (
	// VelocityWindow is the sliding window of velocity-risk counting.
	VelocityWindow = 5 * time.Minute

	// VelocityThreshold is the attempt count within VelocityWindow that
	// maxes out the velocity factor.
	VelocityThreshold = 10
)
