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
	"context"
	"time"

	"github.com/gravitational/trace"

	"github.com/citadelsec/citadel/api/types"
	"github.com/citadelsec/citadel/lib/utils"
)

// ChainVerification is the outcome of a full chain walk.
type ChainVerification struct {
	// Valid is true when every link recomputes.
	Valid bool `json:"valid"`
	// CheckedEvents is the number of events walked.
	CheckedEvents int64 `json:"checked_events"`
	// FirstBreakSequence is the sequence number of the first event whose
	// hash or link failed to recompute; zero when Valid.
	FirstBreakSequence int64 `json:"first_break_sequence,omitempty"`
	// Reason describes the first break.
	Reason string `json:"reason,omitempty"`
}

// VerifyChain recomputes event hashes and chain links over the
// tenant's chain and reports the first break. fromSeq and toSeq bound
// the verified range inclusively; zero means unbounded, so (0, 0)
// walks the whole chain from genesis. A break emits a critical
// audit.chain.tamper event and returns the first broken sequence.
func (l *AuditLog) VerifyChain(ctx context.Context, tenantID string, fromSeq, toSeq int64) (*ChainVerification, error) {
	if tenantID == "" {
		return nil, trace.BadParameter("missing tenant id")
	}
	if fromSeq < 0 || toSeq < 0 {
		return nil, trace.BadParameter("sequence bounds cannot be negative")
	}
	if toSeq > 0 && fromSeq > toSeq {
		return nil, trace.BadParameter("fromSeq %v is past toSeq %v", fromSeq, toSeq)
	}
	events, err := l.rawEvents(ctx, tenantID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	result := &ChainVerification{Valid: true}
	prevChainHash := genesisHash(tenantID)
	var prevSequence int64
	for i, event := range events {
		// Retention purging removes whole chain prefixes; the first
		// surviving event anchors verification when it is not sequence 1.
		if i == 0 && event.SequenceNumber > 1 {
			prevSequence = event.SequenceNumber - 1
			prevChainHash = ""
		}
		if toSeq > 0 && event.SequenceNumber > toSeq {
			break
		}
		if event.SequenceNumber < fromSeq {
			// Events before the range anchor the links of the ones
			// inside it but are not themselves verified.
			prevChainHash = event.ChainHash
			prevSequence = event.SequenceNumber
			continue
		}
		result.CheckedEvents++
		if event.SequenceNumber != prevSequence+1 {
			result.Valid = false
			result.FirstBreakSequence = event.SequenceNumber
			result.Reason = "sequence gap"
			break
		}
		eventHash, err := utils.HashCanonical(hashProjection{
			ID:             event.ID,
			TenantID:       event.TenantID,
			UserID:         event.UserID,
			Type:           event.Type,
			Action:         event.Action,
			ResourceType:   event.ResourceType,
			ResourceID:     event.ResourceID,
			Success:        event.Success,
			Metadata:       event.Metadata,
			SequenceNumber: event.SequenceNumber,
			Timestamp:      event.Timestamp.Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if eventHash != event.EventHash {
			result.Valid = false
			result.FirstBreakSequence = event.SequenceNumber
			result.Reason = "event hash mismatch"
			break
		}
		if prevChainHash != "" {
			chainHash := utils.SHA256Hex([]byte(prevChainHash + eventHash))
			if chainHash != event.ChainHash {
				result.Valid = false
				result.FirstBreakSequence = event.SequenceNumber
				result.Reason = "chain link mismatch"
				break
			}
		}
		prevChainHash = event.ChainHash
		prevSequence = event.SequenceNumber
	}
	if !result.Valid {
		auditChainBreaks.Inc()
		l.cfg.Logger.ErrorContext(ctx, "audit chain verification failed",
			"tenant", tenantID,
			"first_break_sequence", result.FirstBreakSequence,
			"reason", result.Reason,
		)
		if _, err := l.EmitAuditEvent(ctx, &types.AuditEvent{
			TenantID: tenantID,
			Type:     ChainTamperEvent,
			Severity: types.SeverityCritical,
			Success:  false,
			Metadata: map[string]interface{}{
				"first_break_sequence": result.FirstBreakSequence,
				"reason":               result.Reason,
			},
		}); err != nil {
			l.cfg.Logger.ErrorContext(ctx, "failed to record chain tamper event", "error", err)
		}
	}
	return result, nil
}

// PurgeExpired removes events whose retention period has elapsed.
// Purging removes only whole prefixes of the chain: an expired event
// with a live predecessor is kept so the remaining chain still links to
// an existing record.
func (l *AuditLog) PurgeExpired(ctx context.Context, tenantID string) (int, error) {
	if tenantID == "" {
		return 0, trace.BadParameter("missing tenant id")
	}
	events, err := l.rawEvents(ctx, tenantID)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	now := l.cfg.Clock.Now().UTC()
	purged := 0
	for _, event := range events {
		if now.Before(event.RetentionUntil) {
			break
		}
		if err := l.cfg.Backend.Delete(ctx, eventKey(tenantID, event.SequenceNumber)); err != nil {
			return purged, trace.Wrap(err)
		}
		purged++
	}
	return purged, nil
}
