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

// EventSeverity ranks audit and risk events.
type EventSeverity string

const (
	SeverityCritical EventSeverity = "critical"
	SeverityHigh     EventSeverity = "high"
	SeverityMedium   EventSeverity = "medium"
	SeverityLow      EventSeverity = "low"
	SeverityInfo     EventSeverity = "info"
)

// EventCategory groups audit event types.
type EventCategory string

const (
	CategoryAuthentication EventCategory = "authentication"
	CategoryCredential     EventCategory = "credential"
	CategorySecurity       EventCategory = "security"
	CategoryCompliance     EventCategory = "compliance"
	CategoryAdministrative EventCategory = "administrative"
	CategorySystem         EventCategory = "system"
)

// ComplianceFrameworks that may tag an audit event.
var ComplianceFrameworks = []string{
	"PCI_DSS", "GDPR", "LGPD", "HIPAA", "PSD2", "SOC2", "ISO27001",
}

// ValidComplianceFramework reports whether the tag belongs to the closed
// set.
func ValidComplianceFramework(name string) bool {
	for _, f := range ComplianceFrameworks {
		if f == name {
			return true
		}
	}
	return false
}

// AuditEvent is one append-only entry in a tenant's audit chain.
//
// EventHash covers a canonical projection of the event; ChainHash is
// SHA-256(previous chain hash || event hash) and SequenceNumber comes
// from the per-tenant chain head, never from a clock.
type AuditEvent struct {
	// ID is the unique event identifier.
	ID string `json:"id"`
	// TenantID scopes the event and its chain.
	TenantID string `json:"tenant_id"`
	// UserID is the acting or affected user, if any.
	UserID string `json:"user_id,omitempty"`
	// Type is an event type from the lib/events catalog.
	Type string `json:"type"`
	// Severity ranks the event.
	Severity EventSeverity `json:"severity"`
	// Category groups the event; derived from Type when absent.
	Category EventCategory `json:"category"`
	// Action is the verb performed ("create", "verify", "revoke").
	Action string `json:"action,omitempty"`
	// ResourceType and ResourceID name the object acted upon.
	ResourceType string `json:"resource_type,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`
	// IP and UserAgent describe the originating client.
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	// Location is the coarse client location.
	Location GeoLocation `json:"location,omitempty"`
	// RiskScore is the risk estimate attached to the request.
	RiskScore float64 `json:"risk_score,omitempty"`
	// Success records the outcome of the audited operation.
	Success bool `json:"success"`
	// ErrorCode and ErrorMessage are set on failures.
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	// BeforeState and AfterState are optional state snapshots.
	BeforeState json.RawMessage `json:"before_state,omitempty"`
	AfterState  json.RawMessage `json:"after_state,omitempty"`
	// ComplianceTags lists the frameworks the event is relevant to.
	ComplianceTags []string `json:"compliance_tags,omitempty"`
	// ComplianceContext carries framework-specific annotations.
	ComplianceContext map[string]string `json:"compliance_context,omitempty"`
	// Metadata is free-form event payload, part of the hashed
	// projection.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	// EventHash is hex(SHA-256(canonical projection)).
	EventHash string `json:"event_hash"`
	// ChainHash is hex(SHA-256(previous chain hash || event hash)).
	ChainHash string `json:"chain_hash"`
	// SequenceNumber is the per-tenant position, starting at 1.
	SequenceNumber int64 `json:"sequence_number"`
	// Sensitive events redact payloads in public projections.
	Sensitive bool `json:"sensitive,omitempty"`
	// RetentionUntil is derived from the event type.
	RetentionUntil time.Time `json:"retention_until"`
	// Timestamp is the event time.
	Timestamp time.Time `json:"timestamp"`
}

// CheckAndSetDefaults validates the parts the caller must supply before
// the audit logger computes hashes and sequence.
func (e *AuditEvent) CheckAndSetDefaults() error {
	if e.TenantID == "" {
		return trace.BadParameter("audit event missing tenant id")
	}
	if e.Type == "" {
		return trace.BadParameter("audit event missing type")
	}
	for _, tag := range e.ComplianceTags {
		if !ValidComplianceFramework(tag) {
			return trace.BadParameter("unknown compliance framework %q", tag)
		}
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	return nil
}

// Redacted returns the public projection: sensitive events lose their
// metadata and state snapshots.
func (e *AuditEvent) Redacted() *AuditEvent {
	if !e.Sensitive {
		return e
	}
	out := *e
	out.Metadata = nil
	out.BeforeState = nil
	out.AfterState = nil
	return &out
}
