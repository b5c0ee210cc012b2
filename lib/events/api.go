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

// Package events implements the tamper-evident audit log: an event
// catalog with severities and retention periods, and a per-tenant
// SHA-256 hash chain over appended events.
package events

import (
	"context"
	"time"

	"github.com/citadelsec/citadel/api/types"
	"github.com/citadelsec/citadel/lib/defaults"
)

// Audit event types.
const (
	// UserCreateEvent is emitted when a user account is created.
	UserCreateEvent = "user.create"
	// UserUpdateEvent is emitted when a user account is updated.
	UserUpdateEvent = "user.update"
	// UserDeleteEvent is emitted when a user account is soft-deleted.
	UserDeleteEvent = "user.delete"
	// UserLockEvent is emitted when a lockout engages.
	UserLockEvent = "user.lock"
	// UserUnlockEvent is emitted when a lockout is lifted.
	UserUnlockEvent = "user.unlock"

	// LoginSuccessEvent is emitted on a successful authentication.
	LoginSuccessEvent = "user.login"
	// LoginFailedEvent is emitted on a failed authentication attempt.
	LoginFailedEvent = "user.login.failed"

	// CredentialRegisterEvent is emitted when a credential is registered.
	CredentialRegisterEvent = "credential.register"
	// CredentialRevokeEvent is emitted when a credential is revoked.
	CredentialRevokeEvent = "credential.revoke"
	// CredentialCounterRollbackEvent is emitted when an assertion reports
	// a non-increasing signature counter.
	CredentialCounterRollbackEvent = "credential.counter.rollback"
	// CredentialCloneWarningEvent is emitted on a soft counter anomaly.
	CredentialCloneWarningEvent = "credential.clone.warning"

	// SessionCreateEvent is emitted when a session is minted.
	SessionCreateEvent = "session.create"
	// SessionRefreshEvent is emitted when session tokens rotate.
	SessionRefreshEvent = "session.refresh"
	// SessionRefreshReuseEvent is emitted when a rotated refresh token is
	// presented again.
	SessionRefreshReuseEvent = "session.refresh.reuse"
	// SessionRevokeEvent is emitted when a session is revoked.
	SessionRevokeEvent = "session.revoke"
	// SessionExpireEvent is emitted when a session expires on read.
	SessionExpireEvent = "session.expire"
	// SessionEvictEvent is emitted when the concurrency cap evicts a
	// session.
	SessionEvictEvent = "session.evict"

	// RiskAssessmentEvent is emitted per risk assessment.
	RiskAssessmentEvent = "risk.assessment"
	// RiskStatusChangeEvent is emitted when a risk event changes status.
	RiskStatusChangeEvent = "risk.status.change"
	// RiskProfileFlagEvent is emitted when a profile is flagged.
	RiskProfileFlagEvent = "risk.profile.flag"

	// IdentityCreateEvent is emitted when a graph identity is created.
	IdentityCreateEvent = "identity.create"
	// IdentityVerificationEvent is emitted when a context verification
	// level changes.
	IdentityVerificationEvent = "identity.verification"
	// IdentityTrustChangeEvent is emitted on a significant trust-score
	// degradation.
	IdentityTrustChangeEvent = "identity.trust.change"
	// AttributeVerifyEvent is emitted when an attribute is verified.
	AttributeVerifyEvent = "identity.attribute.verify"

	// ChainTamperEvent is emitted when chain verification finds a break.
	ChainTamperEvent = "audit.chain.tamper"
)

// eventCategories maps event types to their category. Unlisted types
// fall back to the system category.
var eventCategories = map[string]types.EventCategory{
	UserCreateEvent:                types.CategoryAdministrative,
	UserUpdateEvent:                types.CategoryAdministrative,
	UserDeleteEvent:                types.CategoryAdministrative,
	UserLockEvent:                  types.CategorySecurity,
	UserUnlockEvent:                types.CategoryAdministrative,
	LoginSuccessEvent:              types.CategoryAuthentication,
	LoginFailedEvent:               types.CategoryAuthentication,
	CredentialRegisterEvent:        types.CategoryCredential,
	CredentialRevokeEvent:          types.CategoryCredential,
	CredentialCounterRollbackEvent: types.CategorySecurity,
	CredentialCloneWarningEvent:    types.CategorySecurity,
	SessionCreateEvent:             types.CategoryAuthentication,
	SessionRefreshEvent:            types.CategoryAuthentication,
	SessionRefreshReuseEvent:       types.CategorySecurity,
	SessionRevokeEvent:             types.CategoryAuthentication,
	SessionExpireEvent:             types.CategoryAuthentication,
	SessionEvictEvent:              types.CategoryAuthentication,
	RiskAssessmentEvent:            types.CategorySecurity,
	RiskStatusChangeEvent:          types.CategorySecurity,
	RiskProfileFlagEvent:           types.CategorySecurity,
	IdentityCreateEvent:            types.CategoryAdministrative,
	IdentityVerificationEvent:      types.CategoryCompliance,
	IdentityTrustChangeEvent:       types.CategorySecurity,
	AttributeVerifyEvent:           types.CategoryCompliance,
	ChainTamperEvent:               types.CategorySecurity,
}

// CategoryForType returns the category of an event type.
func CategoryForType(eventType string) types.EventCategory {
	if category, ok := eventCategories[eventType]; ok {
		return category
	}
	return types.CategorySystem
}

// RetentionForType returns how long an event of this type must be kept.
// Security-category events keep the seven-year period, failed logins a
// year, successful logins ninety days, everything else a year.
func RetentionForType(eventType string) time.Duration {
	switch eventType {
	case LoginSuccessEvent:
		return defaults.RetentionLoginSuccess
	case LoginFailedEvent:
		return defaults.RetentionLoginFailed
	}
	if CategoryForType(eventType) == types.CategorySecurity {
		return defaults.RetentionSecurity
	}
	return defaults.RetentionDefault
}

// Notifier delivers critical audit events to an external channel. The
// default implementation logs them; delivery transports are out of
// scope for the core.
type Notifier interface {
	// Notify delivers one event. Failures are logged, never propagated
	// into the emit path.
	Notify(ctx context.Context, event *types.AuditEvent) error
}

// EventFilter narrows audit queries. Zero fields match everything.
type EventFilter struct {
	// From and To bound the event timestamp, inclusive from, exclusive
	// to.
	From time.Time
	To   time.Time
	// FromSequence and ToSequence bound the sequence number
	// inclusively; zero means unbounded.
	FromSequence int64
	ToSequence   int64
	// Types restricts to the listed event types.
	Types []string
	// UserID restricts to one user.
	UserID string
	// Category restricts to one category.
	Category types.EventCategory
	// ComplianceFramework restricts to events tagged for one framework.
	ComplianceFramework string
	// Limit caps the result count, zero means no cap.
	Limit int
}

func (f *EventFilter) matches(event *types.AuditEvent) bool {
	if !f.From.IsZero() && event.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !event.Timestamp.Before(f.To) {
		return false
	}
	if f.FromSequence > 0 && event.SequenceNumber < f.FromSequence {
		return false
	}
	if f.ToSequence > 0 && event.SequenceNumber > f.ToSequence {
		return false
	}
	if f.UserID != "" && event.UserID != f.UserID {
		return false
	}
	if f.ComplianceFramework != "" {
		found := false
		for _, tag := range event.ComplianceTags {
			if tag == f.ComplianceFramework {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Category != "" && event.Category != f.Category {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == event.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
