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

package risk

import (
	"github.com/citadelsec/citadel/api/types"
)

// Recommendations derives prioritized mitigations from the updated
// profile and the triggering event. Order matters: callers surface the
// head of the list first.
func Recommendations(profile *types.RiskProfile, event *types.RiskEvent) []types.Recommendation {
	var out []types.Recommendation
	add := func(r types.Recommendation) {
		for _, existing := range out {
			if existing == r {
				return
			}
		}
		out = append(out, r)
	}

	switch profile.Level {
	case types.RiskLevelCritical:
		add(types.RecommendImmediateVerification)
		add(types.RecommendBlockSuspicious)
		add(types.RecommendEscalateToSecurityTeam)
	case types.RiskLevelVeryHigh, types.RiskLevelHigh:
		add(types.RecommendStepUpAuthentication)
		add(types.RecommendIncreaseMonitoring)
		add(types.RecommendLimitSensitiveOps)
	case types.RiskLevelMedium:
		add(types.RecommendIncreaseMonitoring)
		add(types.RecommendReviewRecentActivities)
	}

	switch profile.Trend {
	case types.RiskTrendIncreasing:
		add(types.RecommendMonitorBehaviorChanges)
	case types.RiskTrendVolatile:
		add(types.RecommendInvestigateAnomalies)
	}

	if event != nil && event.Factors != nil {
		if event.Factors[types.FactorDevice] >= 60 {
			add(types.RecommendEstablishDeviceTrust)
		}
		if event.Factors[types.FactorAnomaly] >= 60 {
			add(types.RecommendInvestigateAnomalies)
		}
	}

	if profile.Flagged {
		add(types.RecommendEscalateToSecurityTeam)
	}
	return out
}
