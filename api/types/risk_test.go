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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRiskLevelForScore(t *testing.T) {
	tests := []struct {
		score float64
		want  RiskLevel
	}{
		{score: 0, want: RiskLevelVeryLow},
		{score: 19.999, want: RiskLevelVeryLow},
		{score: 20, want: RiskLevelLow},
		{score: 39.999, want: RiskLevelLow},
		{score: 40, want: RiskLevelMedium},
		{score: 59.999, want: RiskLevelMedium},
		{score: 60, want: RiskLevelHigh},
		{score: 74.999, want: RiskLevelHigh},
		{score: 75, want: RiskLevelVeryHigh},
		{score: 89.999, want: RiskLevelVeryHigh},
		{score: 90, want: RiskLevelCritical},
		{score: 100, want: RiskLevelCritical},
	}
	for _, test := range tests {
		require.Equal(t, test.want, RiskLevelForScore(test.score), "score %v", test.score)
	}
}

func TestSeverityForScore(t *testing.T) {
	require.Equal(t, SeverityInfo, SeverityForScore(10))
	require.Equal(t, SeverityLow, SeverityForScore(25))
	require.Equal(t, SeverityMedium, SeverityForScore(50))
	require.Equal(t, SeverityHigh, SeverityForScore(65))
	require.Equal(t, SeverityHigh, SeverityForScore(80))
	require.Equal(t, SeverityCritical, SeverityForScore(95))
}

func TestRiskEventTransitions(t *testing.T) {
	require.True(t, RiskEventDetected.CanTransition(RiskEventAnalyzing))
	require.False(t, RiskEventDetected.CanTransition(RiskEventConfirmed))
	require.True(t, RiskEventAnalyzing.CanTransition(RiskEventConfirmed))
	require.True(t, RiskEventAnalyzing.CanTransition(RiskEventFalsePositive))
	require.True(t, RiskEventConfirmed.CanTransition(RiskEventResolved))
	require.False(t, RiskEventResolved.CanTransition(RiskEventDetected))
	require.False(t, RiskEventConfirmed.CanTransition(RiskEventAnalyzing))
}

func TestRiskEventSetStatus(t *testing.T) {
	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	event := &RiskEvent{ID: "e1", Status: RiskEventDetected}

	require.NoError(t, event.SetStatus(RiskEventAnalyzing, now))
	require.Equal(t, RiskEventAnalyzing, event.Status)

	err := event.SetStatus(RiskEventDetected, now)
	require.Error(t, err)
	require.Equal(t, RiskEventAnalyzing, event.Status)
}

func TestRiskProfileIsHighRisk(t *testing.T) {
	p := &RiskProfile{Level: RiskLevelMedium}
	require.False(t, p.IsHighRisk())
	p.Level = RiskLevelHigh
	require.True(t, p.IsHighRisk())
	p.Level = RiskLevelCritical
	require.True(t, p.IsHighRisk())
}

func TestRiskProfileCheckAndSetDefaults(t *testing.T) {
	p := &RiskProfile{TenantID: "t1", UserID: "u1", CurrentScore: 45}
	require.NoError(t, p.CheckAndSetDefaults())
	require.Equal(t, RiskLevelMedium, p.Level)
	require.Equal(t, RiskTrendStable, p.Trend)

	bad := &RiskProfile{TenantID: "t1", UserID: "u1", CurrentScore: 101}
	require.Error(t, bad.CheckAndSetDefaults())
}
