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

package identity

import (
	"context"
	"fmt"
	"testing"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/citadelsec/citadel/api/types"
	"github.com/citadelsec/citadel/lib/backend/memory"
	"github.com/citadelsec/citadel/lib/defaults"
	"github.com/citadelsec/citadel/lib/events"
	"github.com/citadelsec/citadel/lib/services/local"
	logutils "github.com/citadelsec/citadel/lib/utils/log"
)

type servicePack struct {
	clock   *clockwork.FakeClock
	service *Service
	log     *events.AuditLog
}

func newServicePack(t *testing.T) *servicePack {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })
	log, err := events.NewAuditLog(events.AuditLogConfig{Backend: bk, Clock: clock})
	require.NoError(t, err)
	service, err := NewService(ServiceConfig{
		Graph:    local.NewIdentityGraphService(bk),
		AuditLog: log,
		Clock:    clock,
		Logger:   logutils.DiscardLogger(),
	})
	require.NoError(t, err)
	return &servicePack{clock: clock, service: service, log: log}
}

type staticEvaluator struct {
	score float64
	err   error
}

func (e *staticEvaluator) Evaluate(ctx context.Context, ictx *types.IdentityContext, attrs []*types.ContextAttribute) (float64, error) {
	if e.err != nil {
		return 0, e.err
	}
	return e.score, nil
}

type recordingReverifier struct {
	keys []string
}

func (r *recordingReverifier) ScheduleReverification(ctx context.Context, attr *types.ContextAttribute) error {
	r.keys = append(r.keys, attr.Key)
	return nil
}

func newCollaboratorPack(t *testing.T, evaluator TrustEvaluator, reverifier Reverifier) *servicePack {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })
	service, err := NewService(ServiceConfig{
		Graph:      local.NewIdentityGraphService(bk),
		Evaluator:  evaluator,
		Reverifier: reverifier,
		Clock:      clock,
		Logger:     logutils.DiscardLogger(),
	})
	require.NoError(t, err)
	return &servicePack{clock: clock, service: service}
}

func TestCreateAndResolveIdentity(t *testing.T) {
	ctx := context.Background()
	p := newServicePack(t)

	created, err := p.service.CreateIdentity(ctx, "acme", "p1", "email", "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, types.IdentityStatusActive, created.Status)

	resolved, err := p.service.ResolveIdentity(ctx, "acme", "email", "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, created.ID, resolved.ID)

	_, err = p.service.ResolveIdentity(ctx, "globex", "email", "alice@example.com")
	require.True(t, trace.IsNotFound(err))

	found, err := p.log.SearchEvents(ctx, "acme", events.EventFilter{Types: []string{events.IdentityCreateEvent}})
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestListPersonIdentities(t *testing.T) {
	ctx := context.Background()
	p := newServicePack(t)

	_, err := p.service.CreateIdentity(ctx, "acme", "p1", "email", "alice@example.com")
	require.NoError(t, err)
	_, err = p.service.CreateIdentity(ctx, "acme", "p1", "phone", "+46701234567")
	require.NoError(t, err)
	_, err = p.service.CreateIdentity(ctx, "acme", "p2", "email", "bob@example.com")
	require.NoError(t, err)

	identities, err := p.service.ListPersonIdentities(ctx, "acme", "p1")
	require.NoError(t, err)
	require.Len(t, identities, 2)
}

func TestDeleteIdentityCascades(t *testing.T) {
	ctx := context.Background()
	p := newServicePack(t)

	identity, err := p.service.CreateIdentity(ctx, "acme", "p1", "email", "alice@example.com")
	require.NoError(t, err)
	ictx, err := p.service.AddContext(ctx, "acme", identity.ID, "customer", "")
	require.NoError(t, err)

	require.NoError(t, p.service.DeleteIdentity(ctx, "acme", identity.ID))

	// Records survive the delete with deleted status.
	got, err := p.service.GetContext(ctx, "acme", identity.ID, ictx.ID)
	require.NoError(t, err)
	require.Equal(t, types.IdentityStatusDeleted, got.Status)

	err = p.service.DeleteIdentity(ctx, "acme", identity.ID)
	require.True(t, trace.IsCompareFailed(err))

	// No new contexts on a deleted identity.
	_, err = p.service.AddContext(ctx, "acme", identity.ID, "employee", "")
	require.True(t, trace.IsCompareFailed(err))
}

func TestAddContextSeedsTrust(t *testing.T) {
	ctx := context.Background()
	p := newServicePack(t)

	identity, err := p.service.CreateIdentity(ctx, "acme", "p1", "email", "alice@example.com")
	require.NoError(t, err)
	ictx, err := p.service.AddContext(ctx, "acme", identity.ID, "customer", "")
	require.NoError(t, err)

	require.Equal(t, types.VerificationLevelNone, ictx.VerificationLevel)
	require.Equal(t, initialTrustScore, ictx.TrustScore)
	require.Len(t, ictx.TrustHistory, 1)
}

func TestRaiseVerificationLevelMonotone(t *testing.T) {
	ctx := context.Background()
	p := newServicePack(t)

	identity, err := p.service.CreateIdentity(ctx, "acme", "p1", "email", "alice@example.com")
	require.NoError(t, err)
	ictx, err := p.service.AddContext(ctx, "acme", identity.ID, "customer", "")
	require.NoError(t, err)

	raised, err := p.service.RaiseVerificationLevel(ctx, "acme", identity.ID, ictx.ID, types.VerificationLevelStandard, "document-check")
	require.NoError(t, err)
	require.Equal(t, types.VerificationLevelStandard, raised.VerificationLevel)

	_, err = p.service.RaiseVerificationLevel(ctx, "acme", identity.ID, ictx.ID, types.VerificationLevelBasic, "email-round-trip")
	require.Error(t, err)

	got, err := p.service.GetContext(ctx, "acme", identity.ID, ictx.ID)
	require.NoError(t, err)
	require.Equal(t, types.VerificationLevelStandard, got.VerificationLevel)

	found, err := p.log.SearchEvents(ctx, "acme", events.EventFilter{Types: []string{events.IdentityVerificationEvent}})
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestUpdateTrustScoreDegradationAudited(t *testing.T) {
	ctx := context.Background()
	p := newServicePack(t)

	identity, err := p.service.CreateIdentity(ctx, "acme", "p1", "email", "alice@example.com")
	require.NoError(t, err)
	ictx, err := p.service.AddContext(ctx, "acme", identity.ID, "customer", "")
	require.NoError(t, err)

	_, err = p.service.UpdateTrustScore(ctx, "acme", identity.ID, ictx.ID, 1.5, "bogus")
	require.True(t, trace.IsBadParameter(err))

	// A small move inside the healthy range stays quiet.
	updated, err := p.service.UpdateTrustScore(ctx, "acme", identity.ID, ictx.ID, 0.45, "minor dispute")
	require.NoError(t, err)
	require.Equal(t, 0.45, updated.TrustScore)
	found, err := p.log.SearchEvents(ctx, "acme", events.EventFilter{Types: []string{events.IdentityTrustChangeEvent}})
	require.NoError(t, err)
	require.Empty(t, found)

	// A drop of at least the significant delta landing under the floor
	// is audited at high severity.
	_, err = p.service.UpdateTrustScore(ctx, "acme", identity.ID, ictx.ID, 0.1, "chargeback fraud confirmed")
	require.NoError(t, err)
	found, err = p.log.SearchEvents(ctx, "acme", events.EventFilter{Types: []string{events.IdentityTrustChangeEvent}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, types.SeverityHigh, found[0].Severity)
}

func TestTrustHistoryIsBounded(t *testing.T) {
	ctx := context.Background()
	p := newServicePack(t)

	identity, err := p.service.CreateIdentity(ctx, "acme", "p1", "email", "alice@example.com")
	require.NoError(t, err)
	ictx, err := p.service.AddContext(ctx, "acme", identity.ID, "customer", "")
	require.NoError(t, err)

	var last *types.IdentityContext
	for i := 0; i < defaults.TrustHistoryLimit+10; i++ {
		last, err = p.service.UpdateTrustScore(ctx, "acme", identity.ID, ictx.ID, 0.5, fmt.Sprintf("routine review %v", i))
		require.NoError(t, err)
	}
	require.Len(t, last.TrustHistory, defaults.TrustHistoryLimit)
	// Oldest entries fell off; the newest survives.
	require.Equal(t, fmt.Sprintf("routine review %v", defaults.TrustHistoryLimit+9), last.TrustHistory[len(last.TrustHistory)-1].Reason)
}

func TestSetAttributeDemotesVerified(t *testing.T) {
	ctx := context.Background()
	p := newServicePack(t)

	identity, err := p.service.CreateIdentity(ctx, "acme", "p1", "email", "alice@example.com")
	require.NoError(t, err)
	ictx, err := p.service.AddContext(ctx, "acme", identity.ID, "customer", "")
	require.NoError(t, err)

	attr, err := p.service.SetAttribute(ctx, "acme", ictx.ID, "national_id", "199001011234", types.SensitivityCritical)
	require.NoError(t, err)
	require.Equal(t, types.VerificationPending, attr.VerificationStatus)

	verified, err := p.service.VerifyAttribute(ctx, "acme", identity.ID, ictx.ID, "national_id", "population-registry", "matched", map[string]string{"ref": "PR-42"})
	require.NoError(t, err)
	require.Equal(t, types.VerificationVerified, verified.VerificationStatus)
	require.NotNil(t, verified.VerifiedAt)

	// Changing the value sends it back to pending.
	changed, err := p.service.SetAttribute(ctx, "acme", ictx.ID, "national_id", "199001015678", "")
	require.NoError(t, err)
	require.Equal(t, types.VerificationPending, changed.VerificationStatus)
	require.Empty(t, changed.VerificationSource)
	require.Nil(t, changed.VerifiedAt)
	// Sensitivity survives the rewrite.
	require.Equal(t, types.SensitivityCritical, changed.Sensitivity)
}

func TestVerifyAttributeRequiresSource(t *testing.T) {
	ctx := context.Background()
	p := newServicePack(t)

	identity, err := p.service.CreateIdentity(ctx, "acme", "p1", "email", "alice@example.com")
	require.NoError(t, err)
	ictx, err := p.service.AddContext(ctx, "acme", identity.ID, "customer", "")
	require.NoError(t, err)
	_, err = p.service.SetAttribute(ctx, "acme", ictx.ID, "email", "alice@example.com", types.SensitivityLow)
	require.NoError(t, err)

	_, err = p.service.VerifyAttribute(ctx, "acme", identity.ID, ictx.ID, "email", "", "", nil)
	require.True(t, trace.IsBadParameter(err))
}

func TestAddContextCopiesAttributes(t *testing.T) {
	ctx := context.Background()
	p := newServicePack(t)

	identity, err := p.service.CreateIdentity(ctx, "acme", "p1", "email", "alice@example.com")
	require.NoError(t, err)
	customer, err := p.service.AddContext(ctx, "acme", identity.ID, "customer", "")
	require.NoError(t, err)

	_, err = p.service.SetAttribute(ctx, "acme", customer.ID, "email", "alice@example.com", types.SensitivityLow)
	require.NoError(t, err)
	_, err = p.service.VerifyAttribute(ctx, "acme", identity.ID, customer.ID, "email", "email-round-trip", "", nil)
	require.NoError(t, err)
	_, err = p.service.SetAttribute(ctx, "acme", customer.ID, "national_id", "199001011234", types.SensitivityCritical)
	require.NoError(t, err)
	_, err = p.service.VerifyAttribute(ctx, "acme", identity.ID, customer.ID, "national_id", "population-registry", "matched", nil)
	require.NoError(t, err)

	employee, err := p.service.AddContext(ctx, "acme", identity.ID, "employee", customer.ID)
	require.NoError(t, err)

	// Low-sensitivity verification carries over.
	attrs, err := p.service.SearchAttributes(ctx, "acme", identity.ID, AttributeFilter{Key: "email"})
	require.NoError(t, err)
	require.Len(t, attrs, 2)
	for _, attr := range attrs {
		require.Equal(t, types.VerificationVerified, attr.VerificationStatus)
		require.Equal(t, "alice@example.com", attr.Value)
	}

	// Elevated-sensitivity verification does not: the copy returns to
	// pending with its evidence stripped.
	copied, err := p.service.GetContext(ctx, "acme", identity.ID, employee.ID)
	require.NoError(t, err)
	require.Equal(t, "employee", copied.ContextType)
	pending, err := p.service.SearchAttributes(ctx, "acme", identity.ID, AttributeFilter{
		Key:    "national_id",
		Status: types.VerificationPending,
	})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, employee.ID, pending[0].ContextID)
	require.Equal(t, "199001011234", pending[0].Value)
	require.Empty(t, pending[0].VerificationSource)
	require.Nil(t, pending[0].VerifiedAt)
}

func TestVerifyAttributeRecomputesTrust(t *testing.T) {
	ctx := context.Background()
	p := newCollaboratorPack(t, &staticEvaluator{score: 0.9}, nil)

	identity, err := p.service.CreateIdentity(ctx, "acme", "p1", "email", "alice@example.com")
	require.NoError(t, err)
	ictx, err := p.service.AddContext(ctx, "acme", identity.ID, "customer", "")
	require.NoError(t, err)
	_, err = p.service.SetAttribute(ctx, "acme", ictx.ID, "email", "alice@example.com", types.SensitivityLow)
	require.NoError(t, err)

	_, err = p.service.VerifyAttribute(ctx, "acme", identity.ID, ictx.ID, "email", "email-round-trip", "", nil)
	require.NoError(t, err)

	got, err := p.service.GetContext(ctx, "acme", identity.ID, ictx.ID)
	require.NoError(t, err)
	require.Equal(t, 0.9, got.TrustScore)
	require.Equal(t, "attribute verified: email", got.TrustHistory[len(got.TrustHistory)-1].Reason)
}

func TestVerifyAttributeSurvivesEvaluatorFailure(t *testing.T) {
	ctx := context.Background()
	p := newCollaboratorPack(t, &staticEvaluator{err: trace.ConnectionProblem(nil, "evaluator offline")}, nil)

	identity, err := p.service.CreateIdentity(ctx, "acme", "p1", "email", "alice@example.com")
	require.NoError(t, err)
	ictx, err := p.service.AddContext(ctx, "acme", identity.ID, "customer", "")
	require.NoError(t, err)
	_, err = p.service.SetAttribute(ctx, "acme", ictx.ID, "email", "alice@example.com", types.SensitivityLow)
	require.NoError(t, err)

	verified, err := p.service.VerifyAttribute(ctx, "acme", identity.ID, ictx.ID, "email", "email-round-trip", "", nil)
	require.NoError(t, err)
	require.Equal(t, types.VerificationVerified, verified.VerificationStatus)

	// Trust stays where it was.
	got, err := p.service.GetContext(ctx, "acme", identity.ID, ictx.ID)
	require.NoError(t, err)
	require.Equal(t, initialTrustScore, got.TrustScore)
}

func TestElevatedDemotionSchedulesReverification(t *testing.T) {
	ctx := context.Background()
	reverifier := &recordingReverifier{}
	p := newCollaboratorPack(t, nil, reverifier)

	identity, err := p.service.CreateIdentity(ctx, "acme", "p1", "email", "alice@example.com")
	require.NoError(t, err)
	ictx, err := p.service.AddContext(ctx, "acme", identity.ID, "customer", "")
	require.NoError(t, err)

	_, err = p.service.SetAttribute(ctx, "acme", ictx.ID, "salary", "52000", types.SensitivityMedium)
	require.NoError(t, err)
	_, err = p.service.VerifyAttribute(ctx, "acme", identity.ID, ictx.ID, "salary", "payroll-export", "", nil)
	require.NoError(t, err)
	require.Empty(t, reverifier.keys)

	// Raising a verified attribute into elevated sensitivity demotes it
	// and queues re-verification.
	raised, err := p.service.SetAttribute(ctx, "acme", ictx.ID, "salary", "52000", types.SensitivityHigh)
	require.NoError(t, err)
	require.Equal(t, types.VerificationPending, raised.VerificationStatus)
	require.Equal(t, []string{"salary"}, reverifier.keys)

	// So does changing the value of a verified elevated attribute.
	_, err = p.service.VerifyAttribute(ctx, "acme", identity.ID, ictx.ID, "salary", "payroll-export", "", nil)
	require.NoError(t, err)
	_, err = p.service.SetAttribute(ctx, "acme", ictx.ID, "salary", "61000", "")
	require.NoError(t, err)
	require.Equal(t, []string{"salary", "salary"}, reverifier.keys)
}

func TestSearchAttributes(t *testing.T) {
	ctx := context.Background()
	p := newServicePack(t)

	identity, err := p.service.CreateIdentity(ctx, "acme", "p1", "email", "alice@example.com")
	require.NoError(t, err)
	customer, err := p.service.AddContext(ctx, "acme", identity.ID, "customer", "")
	require.NoError(t, err)
	employee, err := p.service.AddContext(ctx, "acme", identity.ID, "employee", "")
	require.NoError(t, err)

	_, err = p.service.SetAttribute(ctx, "acme", customer.ID, "email", "alice@example.com", types.SensitivityLow)
	require.NoError(t, err)
	_, err = p.service.SetAttribute(ctx, "acme", customer.ID, "national_id", "199001011234", types.SensitivityCritical)
	require.NoError(t, err)
	_, err = p.service.SetAttribute(ctx, "acme", employee.ID, "badge", "B-117", types.SensitivityMedium)
	require.NoError(t, err)
	_, err = p.service.VerifyAttribute(ctx, "acme", identity.ID, employee.ID, "badge", "hr-registry", "", nil)
	require.NoError(t, err)

	all, err := p.service.SearchAttributes(ctx, "acme", identity.ID, AttributeFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	verified, err := p.service.SearchAttributes(ctx, "acme", identity.ID, AttributeFilter{Status: types.VerificationVerified})
	require.NoError(t, err)
	require.Len(t, verified, 1)
	require.Equal(t, "badge", verified[0].Key)

	critical, err := p.service.SearchAttributes(ctx, "acme", identity.ID, AttributeFilter{Sensitivity: types.SensitivityCritical})
	require.NoError(t, err)
	require.Len(t, critical, 1)
	require.Equal(t, "national_id", critical[0].Key)
}

func TestFailAttributeVerification(t *testing.T) {
	ctx := context.Background()
	p := newServicePack(t)

	identity, err := p.service.CreateIdentity(ctx, "acme", "p1", "email", "alice@example.com")
	require.NoError(t, err)
	ictx, err := p.service.AddContext(ctx, "acme", identity.ID, "customer", "")
	require.NoError(t, err)
	_, err = p.service.SetAttribute(ctx, "acme", ictx.ID, "address", "Storgatan 1", types.SensitivityMedium)
	require.NoError(t, err)

	failed, err := p.service.FailAttributeVerification(ctx, "acme", ictx.ID, "address", "postal-lookup", "no such street")
	require.NoError(t, err)
	require.Equal(t, types.VerificationFailed, failed.VerificationStatus)
	require.Nil(t, failed.VerifiedAt)
}
