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

// Package risk implements the adaptive risk engine: a weighted
// six-factor composite score per assessment, durable per-user profiles
// with trend and volatility detection, and an append-only risk event
// trail with a reviewed lifecycle.
package risk

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

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
	assessments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "citadel_risk_assessments_total",
		Help: "Number of risk assessments, by resulting level.",
	}, []string{"level"})
	scorerTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "citadel_risk_scorer_timeouts_total",
		Help: "Number of anomaly scorer calls that missed their budget.",
	})
)

func init() {
	prometheus.MustRegister(assessments, scorerTimeouts)
}

// AnomalyScorer is the pluggable ML collaborator. Implementations score
// a feature vector on [0,100]; the engine enforces the call budget and
// degrades to rule-only scoring when the scorer misses it.
type AnomalyScorer interface {
	// Score returns an anomaly score in [0,100] plus an opaque analysis
	// payload stored on the risk event.
	Score(ctx context.Context, features []float64) (float64, json.RawMessage, error)
}

// EngineConfig configures the risk engine.
type EngineConfig struct {
	// Profiles is the risk persistence contract.
	Profiles services.RiskProfiles
	// AuditLog records assessments; nil disables audit emission.
	AuditLog *events.AuditLog
	// Scorer is the optional anomaly scorer.
	Scorer AnomalyScorer
	// ScorerTimeout bounds scorer calls, defaults to
	// defaults.AnomalyScorerTimeout.
	ScorerTimeout time.Duration
	// Weights are the factor weights, defaults to defaults.RiskWeights.
	// They must sum to 1 over the full factor set.
	Weights map[string]float64
	// Clock is the engine clock.
	Clock clockwork.Clock
	// Logger is the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets default config values.
func (c *EngineConfig) CheckAndSetDefaults() error {
	if c.Profiles == nil {
		return trace.BadParameter("missing parameter Profiles")
	}
	if c.ScorerTimeout == 0 {
		c.ScorerTimeout = defaults.AnomalyScorerTimeout
	}
	if c.Weights == nil {
		c.Weights = defaults.RiskWeights
	}
	var sum float64
	for _, w := range c.Weights {
		if w < 0 {
			return trace.BadParameter("negative factor weight")
		}
		sum += w
	}
	if sum < 0.999 || sum > 1.001 {
		return trace.BadParameter("factor weights sum to %v, want 1", sum)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(citadel.ComponentKey, citadel.ComponentRisk)
	}
	return nil
}

// Engine scores authentication requests and maintains risk profiles.
type Engine struct {
	cfg EngineConfig
}

// NewEngine creates a new risk engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{cfg: cfg}, nil
}

// Assessment is the result of one risk evaluation.
type Assessment struct {
	// Event is the appended risk event.
	Event *types.RiskEvent
	// Profile is the updated profile.
	Profile *types.RiskProfile
	// Recommendations are the prioritized mitigations.
	Recommendations []types.Recommendation
}

// Assess evaluates one request against the user's profile, appends a
// risk event and updates the profile. Factor scores live on [0,100];
// a factor with no signal is dropped and the remaining weights are
// renormalized, so a degraded anomaly scorer can never mask rule risk.
func (e *Engine) Assess(ctx context.Context, tenantID, userID string, reqCtx types.RequestContext) (*Assessment, error) {
	if tenantID == "" || userID == "" {
		return nil, trace.BadParameter("missing tenant or user id")
	}
	now := e.cfg.Clock.Now().UTC()
	profile, err := e.cfg.Profiles.GetRiskProfile(ctx, tenantID, userID)
	if err != nil {
		if !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
		profile = &types.RiskProfile{
			TenantID:  tenantID,
			UserID:    userID,
			Trend:     types.RiskTrendStable,
			CreatedAt: now,
		}
	}

	factors, traces := e.ruleFactors(ctx, profile, reqCtx, now)
	mlAnalysis := e.anomalyFactor(ctx, profile, factors)

	score, confidence := composite(factors, e.cfg.Weights)
	confidence = dampConfidence(confidence, factors, profile.FalsePositiveIndicators)
	level := types.RiskLevelForScore(score)

	eventID, err := utils.CryptoRandomHex(16)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	event := &types.RiskEvent{
		ID:                eventID,
		TenantID:          tenantID,
		UserID:            userID,
		Type:              "authentication_assessment",
		Severity:          types.SeverityForScore(score),
		Status:            types.RiskEventDetected,
		Score:             score,
		Confidence:        confidence,
		Factors:           factors,
		IP:                reqCtx.IP,
		UserAgent:         reqCtx.UserAgent,
		DeviceFingerprint: reqCtx.DeviceFingerprint,
		SessionID:         reqCtx.SessionID,
		CredentialID:      reqCtx.CredentialID,
		Location:          reqCtx.Location,
		MLAnalysis:        mlAnalysis,
		RuleTraces:        traces,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if _, err := e.cfg.Profiles.CreateRiskEvent(ctx, event); err != nil {
		return nil, trace.Wrap(err)
	}

	e.applyAssessment(profile, event, reqCtx, now)
	updated, err := e.cfg.Profiles.UpsertRiskProfile(ctx, profile)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	assessments.WithLabelValues(string(level)).Inc()
	e.emitAudit(ctx, event, updated)

	return &Assessment{
		Event:           event,
		Profile:         updated,
		Recommendations: Recommendations(updated, event),
	}, nil
}

// ruleFactors computes the five rule-based factors. A factor with no
// signal at all is omitted from the map so neutral placeholders cannot
// dilute the factors that do carry signal.
func (e *Engine) ruleFactors(ctx context.Context, profile *types.RiskProfile, reqCtx types.RequestContext, now time.Time) (map[string]float64, []types.RuleTrace) {
	factors := make(map[string]float64, 6)
	var traces []types.RuleTrace
	addTrace := func(rule, factor string, score float64, details string) {
		traces = append(traces, types.RuleTrace{Rule: rule, Factor: factor, Score: score, Details: details})
	}

	// Device: trusted fingerprints score low, unknown ones high,
	// jailbroken devices add a flat penalty. An unidentified intact
	// device carries no signal.
	if reqCtx.DeviceFingerprint != "" || reqCtx.Jailbroken {
		device := 50.0
		switch {
		case reqCtx.DeviceFingerprint == "":
			addTrace("device_unidentified", types.FactorDevice, device, "no device fingerprint")
		case contains(profile.TrustedDevices, reqCtx.DeviceFingerprint):
			device = 10
			addTrace("device_trusted", types.FactorDevice, device, "")
		default:
			device = 60
			addTrace("device_unknown", types.FactorDevice, device, "fingerprint not in trusted set")
		}
		if reqCtx.Jailbroken {
			device = clamp(device + 30)
			addTrace("device_jailbroken", types.FactorDevice, device, "integrity chain broken")
		}
		factors[types.FactorDevice] = device
	}

	// Location: suspicious IPs dominate. A country outside the trusted
	// and typical sets scores as travel-inconsistent when the profile
	// has seen a different country before, as plain new-country
	// otherwise.
	knownCountries := len(profile.TrustedLocations) > 0 ||
		len(profile.Behavior.TypicalCountries) > 0 ||
		profile.Behavior.LastCountry != ""
	switch {
	case reqCtx.IP != "" && contains(profile.SuspiciousIPs, reqCtx.IP):
		factors[types.FactorLocation] = 90
		addTrace("location_suspicious_ip", types.FactorLocation, 90, "address tied to confirmed events")
	case reqCtx.Location.Country == "":
		// No signal.
	case contains(profile.TrustedLocations, reqCtx.Location.Country) ||
		contains(profile.Behavior.TypicalCountries, reqCtx.Location.Country):
		factors[types.FactorLocation] = 10
		addTrace("location_known", types.FactorLocation, 10, "")
	case knownCountries && reqCtx.Location.Country != profile.Behavior.LastCountry:
		factors[types.FactorLocation] = 80
		addTrace("location_impossible_travel", types.FactorLocation, 80,
			"activity from "+reqCtx.Location.Country+" inconsistent with prior locations")
	default:
		factors[types.FactorLocation] = 60
		addTrace("location_new_country", types.FactorLocation, 60, "first activity from "+reqCtx.Location.Country)
	}

	// Behavior: user agent against the learned set; silent until a
	// baseline exists.
	if len(profile.Behavior.TypicalUserAgents) > 0 {
		behavioral := 50.0
		if reqCtx.UserAgent != "" && contains(profile.Behavior.TypicalUserAgents, reqCtx.UserAgent) {
			behavioral = 10
			addTrace("behavior_typical", types.FactorBehavioral, behavioral, "")
		} else {
			addTrace("behavior_atypical", types.FactorBehavioral, behavioral, "user agent outside learned set")
		}
		factors[types.FactorBehavioral] = behavioral
	}

	// Temporal: activity outside the learned active window scores high;
	// silent until a window is learned.
	if profile.Behavior.ActiveHourStart != 0 || profile.Behavior.ActiveHourEnd != 0 {
		temporal := 60.0
		if hourWithin(now.Hour(), profile.Behavior.ActiveHourStart, profile.Behavior.ActiveHourEnd) {
			temporal = 10
			addTrace("temporal_active_window", types.FactorTemporal, temporal, "")
		} else {
			addTrace("temporal_off_hours", types.FactorTemporal, temporal, "outside learned active window")
		}
		factors[types.FactorTemporal] = temporal
	}

	// Velocity: attempts inside the sliding window against the
	// threshold, counted per user and per source address so one address
	// rotating through users still trips it.
	cutoff := now.Add(-defaults.VelocityWindow)
	count := 0
	recent, err := e.cfg.Profiles.ListRiskEvents(ctx, profile.TenantID, profile.UserID, defaults.VelocityThreshold*2)
	if err != nil {
		e.cfg.Logger.WarnContext(ctx, "velocity factor unavailable", "error", err)
	} else {
		for _, ev := range recent {
			if ev.CreatedAt.After(cutoff) {
				count++
			}
		}
	}
	if reqCtx.IP != "" {
		ipCount, err := e.cfg.Profiles.CountRecentEventsByIP(ctx, profile.TenantID, reqCtx.IP, cutoff)
		if err != nil {
			e.cfg.Logger.WarnContext(ctx, "address velocity unavailable", "error", err)
		} else if ipCount > count {
			count = ipCount
		}
	}
	if count > 0 {
		velocity := clamp(float64(count) / float64(defaults.VelocityThreshold) * 100)
		factors[types.FactorVelocity] = velocity
		addTrace("velocity_window", types.FactorVelocity, velocity, "")
	}

	return factors, traces
}

// anomalyFactor runs the scorer under its budget and folds the result
// into factors; on timeout or error the factor stays absent.
func (e *Engine) anomalyFactor(ctx context.Context, profile *types.RiskProfile, factors map[string]float64) json.RawMessage {
	if e.cfg.Scorer == nil {
		return nil
	}
	scorerCtx, cancel := context.WithTimeout(ctx, e.cfg.ScorerTimeout)
	defer cancel()
	score, analysis, err := e.cfg.Scorer.Score(scorerCtx, profile.Features)
	if err != nil {
		scorerTimeouts.Inc()
		e.cfg.Logger.WarnContext(ctx, "anomaly scorer degraded, continuing rule-only",
			"error", err,
			"user", profile.UserID,
		)
		return nil
	}
	factors[types.FactorAnomaly] = clamp(score)
	return analysis
}

// composite folds present factors into a weighted score. Weights of
// absent factors are redistributed proportionally; confidence reflects
// how much of the schema produced signal.
func composite(factors map[string]float64, weights map[string]float64) (score, confidence float64) {
	var weightSum float64
	for name := range factors {
		weightSum += weights[name]
	}
	if weightSum == 0 {
		return 0, 0
	}
	for name, value := range factors {
		score += value * (weights[name] / weightSum)
	}
	return clamp(score), weightSum
}

// dampConfidence lowers confidence when the high factors of this
// assessment match combinations previously reviewed as false positives.
func dampConfidence(confidence float64, factors map[string]float64, falsePositives map[string]int) float64 {
	if len(falsePositives) == 0 {
		return confidence
	}
	damp := 0.0
	for name, value := range factors {
		if value >= 60 {
			damp += 0.1 * float64(falsePositives[name])
		}
	}
	if damp > 0.5 {
		damp = 0.5
	}
	return confidence * (1 - damp)
}

// applyAssessment folds the assessment into the durable profile.
func (e *Engine) applyAssessment(profile *types.RiskProfile, event *types.RiskEvent, reqCtx types.RequestContext, now time.Time) {
	if profile.AssessmentCount == 0 {
		profile.BaselineScore = event.Score
	}
	profile.CurrentScore = event.Score
	if event.Score > profile.PeakScore {
		profile.PeakScore = event.Score
	}
	profile.Level = types.RiskLevelForScore(event.Score)
	profile.Confidence = event.Confidence
	profile.LastFactors = event.Factors
	profile.AssessmentCount++

	profile.RecentScores = append(profile.RecentScores, event.Score)
	if len(profile.RecentScores) > defaults.RecentScoresLimit {
		profile.RecentScores = profile.RecentScores[len(profile.RecentScores)-defaults.RecentScoresLimit:]
	}
	profile.Trend = detectTrend(profile.BaselineScore, profile.RecentScores)

	if profile.IsHighRisk() {
		profile.HighRiskCount++
		t := now
		profile.LastHighRiskAt = &t
	}

	// Learning: low-risk assessments grow the trusted sets and the
	// behavior baseline.
	if profile.Level == types.RiskLevelVeryLow || profile.Level == types.RiskLevelLow {
		if reqCtx.DeviceFingerprint != "" && !contains(profile.TrustedDevices, reqCtx.DeviceFingerprint) {
			profile.TrustedDevices = append(profile.TrustedDevices, reqCtx.DeviceFingerprint)
		}
		if reqCtx.Location.Country != "" && !contains(profile.TrustedLocations, reqCtx.Location.Country) {
			profile.TrustedLocations = append(profile.TrustedLocations, reqCtx.Location.Country)
		}
		if reqCtx.UserAgent != "" && !contains(profile.Behavior.TypicalUserAgents, reqCtx.UserAgent) {
			profile.Behavior.TypicalUserAgents = append(profile.Behavior.TypicalUserAgents, reqCtx.UserAgent)
		}
		if reqCtx.Location.Country != "" && !contains(profile.Behavior.TypicalCountries, reqCtx.Location.Country) {
			profile.Behavior.TypicalCountries = append(profile.Behavior.TypicalCountries, reqCtx.Location.Country)
		}
	}

	if reqCtx.Location.Country != "" {
		profile.Behavior.LastCountry = reqCtx.Location.Country
	}

	if profile.SecurityViolations >= defaults.AutoFlagViolations && !profile.Flagged {
		profile.Flagged = true
		profile.FlagReason = "security violation threshold reached"
		t := now
		profile.FlaggedAt = &t
	}
	profile.RecomputeMonitoring()
	profile.UpdatedAt = now
}

// detectTrend compares recent scores against the baseline band. Three
// or more band crossings over the retained window mean volatile;
// otherwise the latest score against the band decides.
func detectTrend(baseline float64, recentScores []float64) types.RiskTrend {
	if len(recentScores) == 0 {
		return types.RiskTrendStable
	}
	crossings := 0
	prevRegion := 0
	for i, score := range recentScores {
		region := bandRegion(baseline, score)
		if i > 0 && region != prevRegion {
			crossings++
		}
		prevRegion = region
	}
	if crossings >= 3 {
		return types.RiskTrendVolatile
	}
	switch bandRegion(baseline, recentScores[len(recentScores)-1]) {
	case 1:
		return types.RiskTrendIncreasing
	case -1:
		return types.RiskTrendDecreasing
	default:
		return types.RiskTrendStable
	}
}

// bandRegion places a score relative to the baseline band: -1 below,
// 0 inside, 1 above.
func bandRegion(baseline, score float64) int {
	switch {
	case score > baseline+defaults.TrendBand:
		return 1
	case score < baseline-defaults.TrendBand:
		return -1
	default:
		return 0
	}
}

// UpdateEventStatus moves a risk event along its lifecycle. Confirming
// an event counts a security violation, records the source address as
// suspicious and may flag the profile. Reviewing one as a false
// positive records its high factors on the profile so later assessments
// with the same factor mix carry less confidence.
func (e *Engine) UpdateEventStatus(ctx context.Context, tenantID, userID, eventID string, to types.RiskEventStatus) (*types.RiskEvent, error) {
	event, err := e.cfg.Profiles.GetRiskEvent(ctx, tenantID, userID, eventID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := e.cfg.Clock.Now().UTC()
	from := event.Status
	if err := event.SetStatus(to, now); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := e.cfg.Profiles.UpdateRiskEvent(ctx, event); err != nil {
		return nil, trace.Wrap(err)
	}

	if to == types.RiskEventConfirmed {
		profile, err := e.cfg.Profiles.GetRiskProfile(ctx, tenantID, userID)
		if err == nil {
			profile.SecurityViolations++
			if event.IP != "" && !contains(profile.SuspiciousIPs, event.IP) {
				profile.SuspiciousIPs = append(profile.SuspiciousIPs, event.IP)
			}
			if event.Factors != nil {
				if profile.ThreatIndicators == nil {
					profile.ThreatIndicators = make(map[string]int)
				}
				for factor, value := range event.Factors {
					if value >= 60 {
						profile.ThreatIndicators[factor]++
					}
				}
			}
			if profile.SecurityViolations >= defaults.AutoFlagViolations && !profile.Flagged {
				profile.Flagged = true
				profile.FlagReason = "security violation threshold reached"
				t := now
				profile.FlaggedAt = &t
				e.emitFlagAudit(ctx, profile)
			}
			profile.RecomputeMonitoring()
			profile.UpdatedAt = now
			if _, err := e.cfg.Profiles.UpsertRiskProfile(ctx, profile); err != nil {
				e.cfg.Logger.WarnContext(ctx, "failed to update profile after confirmation", "error", err)
			}
		}
	}

	if to == types.RiskEventFalsePositive {
		profile, err := e.cfg.Profiles.GetRiskProfile(ctx, tenantID, userID)
		if err == nil {
			if profile.FalsePositiveIndicators == nil {
				profile.FalsePositiveIndicators = make(map[string]int)
			}
			for factor, value := range event.Factors {
				if value >= 60 {
					profile.FalsePositiveIndicators[factor]++
				}
			}
			profile.UpdatedAt = now
			if _, err := e.cfg.Profiles.UpsertRiskProfile(ctx, profile); err != nil {
				e.cfg.Logger.WarnContext(ctx, "failed to update profile after review", "error", err)
			}
		}
	}

	if e.cfg.AuditLog != nil {
		if _, err := e.cfg.AuditLog.EmitAuditEvent(ctx, &types.AuditEvent{
			TenantID:     tenantID,
			UserID:       userID,
			Type:         events.RiskStatusChangeEvent,
			Severity:     event.Severity,
			Action:       "transition",
			ResourceType: "risk_event",
			ResourceID:   event.ID,
			Success:      true,
			Metadata: map[string]interface{}{
				"from": string(from),
				"to":   string(to),
			},
		}); err != nil {
			e.cfg.Logger.WarnContext(ctx, "failed to audit risk status change", "error", err)
		}
	}
	return event, nil
}

func (e *Engine) emitAudit(ctx context.Context, event *types.RiskEvent, profile *types.RiskProfile) {
	if e.cfg.AuditLog == nil {
		return
	}
	if _, err := e.cfg.AuditLog.EmitAuditEvent(ctx, &types.AuditEvent{
		TenantID:     event.TenantID,
		UserID:       event.UserID,
		Type:         events.RiskAssessmentEvent,
		Severity:     event.Severity,
		Action:       "assess",
		ResourceType: "risk_event",
		ResourceID:   event.ID,
		IP:           event.IP,
		UserAgent:    event.UserAgent,
		Location:     event.Location,
		RiskScore:    event.Score,
		Success:      true,
		Metadata: map[string]interface{}{
			"level": string(profile.Level),
			"trend": string(profile.Trend),
		},
	}); err != nil {
		e.cfg.Logger.WarnContext(ctx, "failed to audit risk assessment", "error", err)
	}
}

func (e *Engine) emitFlagAudit(ctx context.Context, profile *types.RiskProfile) {
	if e.cfg.AuditLog == nil {
		return
	}
	if _, err := e.cfg.AuditLog.EmitAuditEvent(ctx, &types.AuditEvent{
		TenantID:     profile.TenantID,
		UserID:       profile.UserID,
		Type:         events.RiskProfileFlagEvent,
		Severity:     types.SeverityHigh,
		Action:       "flag",
		ResourceType: "risk_profile",
		ResourceID:   profile.UserID,
		Success:      true,
		Metadata: map[string]interface{}{
			"reason": profile.FlagReason,
		},
	}); err != nil {
		e.cfg.Logger.WarnContext(ctx, "failed to audit profile flag", "error", err)
	}
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// hourWithin handles active windows that wrap midnight.
func hourWithin(hour, start, end int) bool {
	if start <= end {
		return hour >= start && hour <= end
	}
	return hour >= start || hour <= end
}
