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
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
)

// RiskLevel is the categorical band of a risk score.
type RiskLevel string

const (
	RiskLevelVeryLow  RiskLevel = "very_low"
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelVeryHigh RiskLevel = "very_high"
	RiskLevelCritical RiskLevel = "critical"
)

// RiskLevelForScore maps a score in [0,100] to its band. The level is a
// pure function of the score.
func RiskLevelForScore(score float64) RiskLevel {
	switch {
	case score < 20:
		return RiskLevelVeryLow
	case score < 40:
		return RiskLevelLow
	case score < 60:
		return RiskLevelMedium
	case score < 75:
		return RiskLevelHigh
	case score < 90:
		return RiskLevelVeryHigh
	default:
		return RiskLevelCritical
	}
}

// SeverityForScore derives an event severity from a risk score using the
// same thresholds as RiskLevelForScore.
func SeverityForScore(score float64) EventSeverity {
	switch RiskLevelForScore(score) {
	case RiskLevelVeryLow:
		return SeverityInfo
	case RiskLevelLow:
		return SeverityLow
	case RiskLevelMedium:
		return SeverityMedium
	case RiskLevelHigh, RiskLevelVeryHigh:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// RiskTrend describes the movement of a profile score against its
// baseline.
type RiskTrend string

const (
	RiskTrendDecreasing RiskTrend = "decreasing"
	RiskTrendStable     RiskTrend = "stable"
	RiskTrendIncreasing RiskTrend = "increasing"
	RiskTrendVolatile   RiskTrend = "volatile"
)

// Risk factor names of the fixed six-factor schema.
const (
	FactorDevice     = "deviceRisk"
	FactorLocation   = "locationRisk"
	FactorBehavioral = "behavioralRisk"
	FactorTemporal   = "temporalRisk"
	FactorVelocity   = "velocityRisk"
	FactorAnomaly    = "anomalyRisk"
)

// Recommendation is a prioritized mitigation suggestion.
type Recommendation string

const (
	RecommendImmediateVerification  Recommendation = "require_immediate_verification"
	RecommendBlockSuspicious        Recommendation = "block_suspicious_activities"
	RecommendEscalateToSecurityTeam Recommendation = "escalate_to_security_team"
	RecommendStepUpAuthentication   Recommendation = "require_step_up_authentication"
	RecommendIncreaseMonitoring     Recommendation = "increase_monitoring"
	RecommendLimitSensitiveOps      Recommendation = "limit_sensitive_operations"
	RecommendMonitorBehaviorChanges Recommendation = "monitor_behavior_changes"
	RecommendInvestigateAnomalies   Recommendation = "investigate_anomalous_patterns"
	RecommendReviewRecentActivities Recommendation = "review_recent_activities"
	RecommendEstablishDeviceTrust   Recommendation = "establish_device_trust"
)

// BehaviorPatterns is the learned per-user activity baseline.
type BehaviorPatterns struct {
	// ActiveHourStart/End bound the user's historical active window, in
	// UTC hours of day.
	ActiveHourStart int `json:"active_hour_start"`
	ActiveHourEnd   int `json:"active_hour_end"`
	// TypicalUserAgents are user agents seen during normal activity.
	TypicalUserAgents []string `json:"typical_user_agents,omitempty"`
	// TypicalCountries are countries seen during normal activity.
	TypicalCountries []string `json:"typical_countries,omitempty"`
	// LastCountry is the country of the latest assessment regardless of
	// its risk level, used for travel-consistency checks.
	LastCountry string `json:"last_country,omitempty"`
}

// RiskProfile is the durable per-(tenant,user) risk state.
type RiskProfile struct {
	// TenantID and UserID form the unique profile key.
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	// BaselineScore anchors trend detection; first assessment sets it.
	BaselineScore float64 `json:"baseline_score"`
	// CurrentScore is the latest composite in [0,100].
	CurrentScore float64 `json:"current_score"`
	// PeakScore is the lifetime maximum; PeakScore >= CurrentScore.
	PeakScore float64 `json:"peak_score"`
	// Level is derived from CurrentScore.
	Level RiskLevel `json:"level"`
	// Trend compares CurrentScore against the baseline band.
	Trend RiskTrend `json:"trend"`
	// Confidence of the latest assessment, in [0,1].
	Confidence float64 `json:"confidence"`
	// TrustedDevices are known device fingerprints.
	TrustedDevices []string `json:"trusted_devices,omitempty"`
	// TrustedLocations are known country codes.
	TrustedLocations []string `json:"trusted_locations,omitempty"`
	// SuspiciousIPs accumulate addresses tied to confirmed events.
	SuspiciousIPs []string `json:"suspicious_ips,omitempty"`
	// Behavior is the learned activity baseline.
	Behavior BehaviorPatterns `json:"behavior,omitempty"`
	// LastFactors are the factor scores of the latest assessment.
	LastFactors map[string]float64 `json:"last_factors,omitempty"`
	// Features is the ML feature vector handed to the anomaly scorer.
	Features []float64 `json:"features,omitempty"`
	// ThreatIndicators count confirmed events per risk factor.
	ThreatIndicators map[string]int `json:"threat_indicators,omitempty"`
	// FalsePositiveIndicators count reviewed false positives per risk
	// factor; matching factors damp the confidence of later assessments.
	FalsePositiveIndicators map[string]int `json:"false_positive_indicators,omitempty"`
	// RecentScores is a bounded ring of the last assessments, used for
	// volatility detection.
	RecentScores []float64 `json:"recent_scores,omitempty"`
	// AssessmentCount counts all assessments.
	AssessmentCount int `json:"assessment_count"`
	// HighRiskCount counts assessments at level high or above.
	HighRiskCount int `json:"high_risk_count"`
	// SecurityViolations counts confirmed violations.
	SecurityViolations int `json:"security_violations"`
	// LastHighRiskAt stamps the latest high-risk assessment.
	LastHighRiskAt *time.Time `json:"last_high_risk_at,omitempty"`
	// Flagged profiles require operator review. Flagged implies
	// RequiresMonitoring.
	Flagged    bool       `json:"flagged"`
	FlagReason string     `json:"flag_reason,omitempty"`
	FlaggedAt  *time.Time `json:"flagged_at,omitempty"`
	// RequiresMonitoring is derived on every update.
	RequiresMonitoring bool `json:"requires_monitoring"`
	// CreatedAt / UpdatedAt bound the profile lifetime.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Version is the optimistic concurrency revision.
	Version int64 `json:"version"`
}

// CheckAndSetDefaults validates profile invariants.
func (p *RiskProfile) CheckAndSetDefaults() error {
	if p.TenantID == "" {
		return trace.BadParameter("risk profile missing tenant id")
	}
	if p.UserID == "" {
		return trace.BadParameter("risk profile missing user id")
	}
	if p.CurrentScore < 0 || p.CurrentScore > 100 {
		return trace.BadParameter("risk profile score %v out of range", p.CurrentScore)
	}
	if p.Level == "" {
		p.Level = RiskLevelForScore(p.CurrentScore)
	}
	if p.Trend == "" {
		p.Trend = RiskTrendStable
	}
	return nil
}

// IsHighRisk reports whether the current level is high or above.
func (p *RiskProfile) IsHighRisk() bool {
	switch p.Level {
	case RiskLevelHigh, RiskLevelVeryHigh, RiskLevelCritical:
		return true
	}
	return false
}

// RecomputeMonitoring derives the monitoring flag: flagged, high-risk,
// deteriorating or volatile profiles and any confirmed violation keep
// the user under watch.
func (p *RiskProfile) RecomputeMonitoring() {
	p.RequiresMonitoring = p.Flagged || p.IsHighRisk() ||
		p.Trend == RiskTrendIncreasing || p.Trend == RiskTrendVolatile ||
		p.SecurityViolations > 0
}

// RiskEventStatus is the risk-event lifecycle state. Transitions form a
// DAG rooted at detected.
type RiskEventStatus string

const (
	RiskEventDetected      RiskEventStatus = "detected"
	RiskEventAnalyzing     RiskEventStatus = "analyzing"
	RiskEventConfirmed     RiskEventStatus = "confirmed"
	RiskEventFalsePositive RiskEventStatus = "false_positive"
	RiskEventMitigated     RiskEventStatus = "mitigated"
	RiskEventResolved      RiskEventStatus = "resolved"
)

var riskEventTransitions = map[RiskEventStatus][]RiskEventStatus{
	RiskEventDetected:      {RiskEventAnalyzing},
	RiskEventAnalyzing:     {RiskEventConfirmed, RiskEventFalsePositive, RiskEventMitigated},
	RiskEventConfirmed:     {RiskEventResolved},
	RiskEventFalsePositive: {RiskEventResolved},
	RiskEventMitigated:     {RiskEventResolved},
}

// CanTransition reports whether the DAG permits moving to the target
// status.
func (s RiskEventStatus) CanTransition(to RiskEventStatus) bool {
	for _, next := range riskEventTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// RuleTrace records one detection rule that fired during an assessment.
type RuleTrace struct {
	Rule    string  `json:"rule"`
	Factor  string  `json:"factor"`
	Score   float64 `json:"score"`
	Details string  `json:"details,omitempty"`
}

// RiskEvent is one append-only record per risk assessment.
type RiskEvent struct {
	// ID is the unique event identifier.
	ID string `json:"id"`
	// TenantID and UserID scope the event.
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	// Type names the assessment trigger.
	Type string `json:"type"`
	// Severity is a pure function of Score (SeverityForScore).
	Severity EventSeverity `json:"severity"`
	// Status is the lifecycle state.
	Status RiskEventStatus `json:"status"`
	// Score and Confidence of the assessment.
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	// Factors are the per-factor scores.
	Factors map[string]float64 `json:"factors,omitempty"`
	// Request context.
	IP                string      `json:"ip,omitempty"`
	UserAgent         string      `json:"user_agent,omitempty"`
	DeviceFingerprint string      `json:"device_fingerprint,omitempty"`
	SessionID         string      `json:"session_id,omitempty"`
	CredentialID      string      `json:"credential_id,omitempty"`
	Location          GeoLocation `json:"location,omitempty"`
	// MLAnalysis is the opaque anomaly-scorer output, if any.
	MLAnalysis json.RawMessage `json:"ml_analysis,omitempty"`
	// RuleTraces record the detection rules that fired.
	RuleTraces []RuleTrace `json:"rule_traces,omitempty"`
	// CreatedAt / UpdatedAt timestamps.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetStatus moves the event along the lifecycle DAG.
func (e *RiskEvent) SetStatus(to RiskEventStatus, now time.Time) error {
	if !e.Status.CanTransition(to) {
		return trace.CompareFailed("risk event %v cannot transition %q -> %q", e.ID, e.Status, to)
	}
	e.Status = to
	e.UpdatedAt = now.UTC()
	return nil
}
