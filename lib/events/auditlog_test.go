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

package events

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/citadelsec/citadel/api/types"
	"github.com/citadelsec/citadel/lib/backend"
	"github.com/citadelsec/citadel/lib/backend/memory"
	"github.com/citadelsec/citadel/lib/defaults"
)

type captureNotifier struct {
	events []*types.AuditEvent
}

func (n *captureNotifier) Notify(ctx context.Context, event *types.AuditEvent) error {
	n.events = append(n.events, event)
	return nil
}

func newAuditLog(t *testing.T, clock clockwork.Clock, notifier Notifier) (*AuditLog, *memory.Memory) {
	t.Helper()
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })
	log, err := NewAuditLog(AuditLogConfig{
		Backend:  bk,
		Clock:    clock,
		Notifier: notifier,
	})
	require.NoError(t, err)
	return log, bk
}

func emit(t *testing.T, log *AuditLog, tenantID, eventType string, severity types.EventSeverity) *types.AuditEvent {
	t.Helper()
	event, err := log.EmitAuditEvent(context.Background(), &types.AuditEvent{
		TenantID: tenantID,
		UserID:   "user-1",
		Type:     eventType,
		Severity: severity,
		Success:  true,
	})
	require.NoError(t, err)
	return event
}

func TestEmitAssignsSequenceAndHashes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log, _ := newAuditLog(t, clock, nil)

	first := emit(t, log, "acme", LoginSuccessEvent, types.SeverityInfo)
	second := emit(t, log, "acme", LoginFailedEvent, types.SeverityMedium)

	require.Equal(t, int64(1), first.SequenceNumber)
	require.Equal(t, int64(2), second.SequenceNumber)
	require.NotEmpty(t, first.EventHash)
	require.NotEmpty(t, first.ChainHash)
	require.NotEqual(t, first.ChainHash, second.ChainHash)
	require.Equal(t, types.CategoryAuthentication, first.Category)
	require.Equal(t, clock.Now().UTC().Add(defaults.RetentionLoginSuccess), first.RetentionUntil)
}

func TestChainsAreIndependentPerTenant(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log, _ := newAuditLog(t, clock, nil)

	a := emit(t, log, "acme", LoginSuccessEvent, types.SeverityInfo)
	b := emit(t, log, "globex", LoginSuccessEvent, types.SeverityInfo)

	require.Equal(t, int64(1), a.SequenceNumber)
	require.Equal(t, int64(1), b.SequenceNumber)
	require.NotEqual(t, a.ChainHash, b.ChainHash)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	log, bk := newAuditLog(t, clock, nil)

	for i := 0; i < 5; i++ {
		emit(t, log, "acme", LoginSuccessEvent, types.SeverityInfo)
	}
	result, err := log.VerifyChain(ctx, "acme", 0, 0)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Equal(t, int64(5), result.CheckedEvents)

	// Rewrite event 3 in place.
	key := eventKey("acme", 3)
	item, err := bk.Get(ctx, key)
	require.NoError(t, err)
	var event types.AuditEvent
	require.NoError(t, json.Unmarshal(item.Value, &event))
	event.Success = false
	value, err := json.Marshal(&event)
	require.NoError(t, err)
	_, err = bk.Put(ctx, backend.Item{Key: key, Value: value})
	require.NoError(t, err)

	result, err = log.VerifyChain(ctx, "acme", 0, 0)
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Equal(t, int64(3), result.FirstBreakSequence)
	require.Equal(t, "event hash mismatch", result.Reason)

	// The break itself lands on the chain as a critical event.
	found, err := log.SearchEvents(ctx, "acme", EventFilter{Types: []string{ChainTamperEvent}})
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestVerifyChainDetectsDeletion(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	log, bk := newAuditLog(t, clock, nil)

	for i := 0; i < 4; i++ {
		emit(t, log, "acme", LoginSuccessEvent, types.SeverityInfo)
	}
	require.NoError(t, bk.Delete(ctx, eventKey("acme", 2)))

	result, err := log.VerifyChain(ctx, "acme", 0, 0)
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Equal(t, int64(3), result.FirstBreakSequence)
	require.Equal(t, "sequence gap", result.Reason)
}

func TestCriticalEventsNotify(t *testing.T) {
	clock := clockwork.NewFakeClock()
	notifier := &captureNotifier{}
	log, _ := newAuditLog(t, clock, notifier)

	emit(t, log, "acme", LoginSuccessEvent, types.SeverityInfo)
	require.Empty(t, notifier.events)

	emit(t, log, "acme", SessionRefreshReuseEvent, types.SeverityCritical)
	require.Len(t, notifier.events, 1)
	require.Equal(t, SessionRefreshReuseEvent, notifier.events[0].Type)
}

func TestSearchEventsRedactsSensitive(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	log, _ := newAuditLog(t, clock, nil)

	_, err := log.EmitAuditEvent(ctx, &types.AuditEvent{
		TenantID:  "acme",
		UserID:    "user-1",
		Type:      CredentialCounterRollbackEvent,
		Severity:  types.SeverityCritical,
		Sensitive: true,
		Metadata:  map[string]interface{}{"stored_count": 9},
	})
	require.NoError(t, err)

	found, err := log.SearchEvents(ctx, "acme", EventFilter{})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Empty(t, found[0].Metadata)
}

func TestSearchEventsBySequenceRange(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	log, _ := newAuditLog(t, clock, nil)

	for i := 0; i < 5; i++ {
		emit(t, log, "acme", LoginSuccessEvent, types.SeverityInfo)
	}

	found, err := log.SearchEvents(ctx, "acme", EventFilter{FromSequence: 2, ToSequence: 4})
	require.NoError(t, err)
	require.Len(t, found, 3)
	require.Equal(t, int64(2), found[0].SequenceNumber)
	require.Equal(t, int64(4), found[2].SequenceNumber)
}

func TestSearchEventsByComplianceFramework(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	log, _ := newAuditLog(t, clock, nil)

	_, err := log.EmitAuditEvent(ctx, &types.AuditEvent{
		TenantID:       "acme",
		UserID:         "user-1",
		Type:           IdentityVerificationEvent,
		ComplianceTags: []string{"GDPR", "PSD2"},
		Success:        true,
	})
	require.NoError(t, err)
	emit(t, log, "acme", LoginSuccessEvent, types.SeverityInfo)

	found, err := log.SearchEvents(ctx, "acme", EventFilter{ComplianceFramework: "GDPR"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, IdentityVerificationEvent, found[0].Type)

	found, err = log.SearchEvents(ctx, "acme", EventFilter{ComplianceFramework: "HIPAA"})
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestGetAuditEvent(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	log, _ := newAuditLog(t, clock, nil)

	sensitive, err := log.EmitAuditEvent(ctx, &types.AuditEvent{
		TenantID:  "acme",
		UserID:    "user-1",
		Type:      CredentialCounterRollbackEvent,
		Severity:  types.SeverityCritical,
		Sensitive: true,
		Metadata:  map[string]interface{}{"stored_count": 9},
	})
	require.NoError(t, err)

	got, err := log.GetAuditEvent(ctx, "acme", sensitive.ID)
	require.NoError(t, err)
	require.Equal(t, sensitive.ID, got.ID)
	require.Equal(t, sensitive.SequenceNumber, got.SequenceNumber)
	require.Empty(t, got.Metadata)

	_, err = log.GetAuditEvent(ctx, "acme", "no-such-event")
	require.True(t, trace.IsNotFound(err))
}

func TestVerifyChainRange(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	log, bk := newAuditLog(t, clock, nil)

	for i := 0; i < 5; i++ {
		emit(t, log, "acme", LoginSuccessEvent, types.SeverityInfo)
	}

	// Rewrite event 2 in place.
	key := eventKey("acme", 2)
	item, err := bk.Get(ctx, key)
	require.NoError(t, err)
	var event types.AuditEvent
	require.NoError(t, json.Unmarshal(item.Value, &event))
	event.Success = false
	value, err := json.Marshal(&event)
	require.NoError(t, err)
	_, err = bk.Put(ctx, backend.Item{Key: key, Value: value})
	require.NoError(t, err)

	// A range past the tampered event verifies clean.
	result, err := log.VerifyChain(ctx, "acme", 3, 5)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Equal(t, int64(3), result.CheckedEvents)

	// A range covering it finds the break.
	result, err = log.VerifyChain(ctx, "acme", 1, 3)
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Equal(t, int64(2), result.FirstBreakSequence)
	require.Equal(t, "event hash mismatch", result.Reason)

	_, err = log.VerifyChain(ctx, "acme", 4, 2)
	require.True(t, trace.IsBadParameter(err))
	_, err = log.VerifyChain(ctx, "acme", -1, 0)
	require.True(t, trace.IsBadParameter(err))
}

func TestPurgeExpiredKeepsChainVerifiable(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	log, _ := newAuditLog(t, clock, nil)

	// Two short-retention events followed by a long-retention one.
	emit(t, log, "acme", LoginSuccessEvent, types.SeverityInfo)
	emit(t, log, "acme", LoginSuccessEvent, types.SeverityInfo)
	emit(t, log, "acme", CredentialCounterRollbackEvent, types.SeverityCritical)

	clock.Advance(defaults.RetentionLoginSuccess + time.Hour)
	purged, err := log.PurgeExpired(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, 2, purged)

	// The surviving suffix anchors at its first event.
	result, err := log.VerifyChain(ctx, "acme", 0, 0)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Equal(t, int64(1), result.CheckedEvents)

	// Appends continue on the same head.
	next := emit(t, log, "acme", LoginSuccessEvent, types.SeverityInfo)
	require.Equal(t, int64(4), next.SequenceNumber)
	result, err = log.VerifyChain(ctx, "acme", 0, 0)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Equal(t, int64(2), result.CheckedEvents)
}

// faultyBackend injects transient write failures on keys under the
// given prefixes, then behaves normally.
type faultyBackend struct {
	backend.Backend
	failCreates  int
	createPrefix []byte
	failSwaps    int
	swapPrefix   []byte
}

func (b *faultyBackend) Create(ctx context.Context, item backend.Item) (*backend.Lease, error) {
	if b.failCreates > 0 && bytes.HasPrefix(item.Key, b.createPrefix) {
		b.failCreates--
		return nil, trace.ConnectionProblem(nil, "backend unavailable")
	}
	return b.Backend.Create(ctx, item)
}

func (b *faultyBackend) CompareAndSwap(ctx context.Context, expected, replaceWith backend.Item) (*backend.Lease, error) {
	if b.failSwaps > 0 && bytes.HasPrefix(replaceWith.Key, b.swapPrefix) {
		b.failSwaps--
		return nil, trace.ConnectionProblem(nil, "backend unavailable")
	}
	return b.Backend.CompareAndSwap(ctx, expected, replaceWith)
}

func TestEmitTransientEventWriteFailureLeavesNoGap(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })
	faulty := &faultyBackend{Backend: bk, createPrefix: backend.ExactKey(auditEventsPrefix)}
	log, err := NewAuditLog(AuditLogConfig{Backend: faulty, Clock: clock})
	require.NoError(t, err)

	first := emit(t, log, "acme", LoginSuccessEvent, types.SeverityInfo)
	require.Equal(t, int64(1), first.SequenceNumber)

	// A transient storage failure surfaces as an error and writes
	// nothing: the failed emission must not burn a sequence number.
	faulty.failCreates = 1
	_, err = log.EmitAuditEvent(ctx, &types.AuditEvent{
		TenantID: "acme",
		UserID:   "user-1",
		Type:     LoginFailedEvent,
		Severity: types.SeverityMedium,
	})
	require.Error(t, err)

	next := emit(t, log, "acme", LoginSuccessEvent, types.SeverityInfo)
	require.Equal(t, int64(2), next.SequenceNumber)

	result, err := log.VerifyChain(ctx, "acme", 0, 0)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Equal(t, int64(2), result.CheckedEvents)
}

func TestEmitRecoversWhenHeadSwapFails(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })
	faulty := &faultyBackend{Backend: bk, swapPrefix: backend.ExactKey(auditHeadsPrefix)}
	log, err := NewAuditLog(AuditLogConfig{Backend: faulty, Clock: clock})
	require.NoError(t, err)

	first := emit(t, log, "acme", LoginSuccessEvent, types.SeverityInfo)
	require.Equal(t, int64(1), first.SequenceNumber)

	// The event record lands but the head swap dies: the emission is
	// reported failed while the head lags one step behind.
	faulty.failSwaps = 1
	_, err = log.EmitAuditEvent(ctx, &types.AuditEvent{
		TenantID: "acme",
		UserID:   "user-1",
		Type:     LoginFailedEvent,
		Severity: types.SeverityMedium,
	})
	require.Error(t, err)

	// The next append catches the head up and continues on top of the
	// orphaned event; the chain stays gapless and verifiable.
	next := emit(t, log, "acme", LoginSuccessEvent, types.SeverityInfo)
	require.Equal(t, int64(3), next.SequenceNumber)

	result, err := log.VerifyChain(ctx, "acme", 0, 0)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Equal(t, int64(3), result.CheckedEvents)
}

func TestPurgeStopsAtFirstLiveEvent(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	log, _ := newAuditLog(t, clock, nil)

	// Long retention first, then short: the expired event has a live
	// predecessor and must be kept.
	emit(t, log, "acme", CredentialCounterRollbackEvent, types.SeverityCritical)
	emit(t, log, "acme", LoginSuccessEvent, types.SeverityInfo)

	clock.Advance(defaults.RetentionLoginSuccess + time.Hour)
	purged, err := log.PurgeExpired(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, 0, purged)

	result, err := log.VerifyChain(ctx, "acme", 0, 0)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Equal(t, int64(2), result.CheckedEvents)
}
