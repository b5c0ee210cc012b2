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
	"time"

	"github.com/gravitational/trace"
)

// VerificationLevel is the ordinal evidence ladder of a context. It is
// monotone: regressions are refused.
type VerificationLevel int

const (
	VerificationLevelNone VerificationLevel = iota
	VerificationLevelBasic
	VerificationLevelStandard
	VerificationLevelEnhanced
	VerificationLevelComplete
)

var verificationLevelNames = map[VerificationLevel]string{
	VerificationLevelNone:     "none",
	VerificationLevelBasic:    "basic",
	VerificationLevelStandard: "standard",
	VerificationLevelEnhanced: "enhanced",
	VerificationLevelComplete: "complete",
}

// String returns the wire name of the level.
func (l VerificationLevel) String() string {
	if name, ok := verificationLevelNames[l]; ok {
		return name
	}
	return "unknown"
}

// ParseVerificationLevel parses a wire name.
func ParseVerificationLevel(name string) (VerificationLevel, error) {
	for level, n := range verificationLevelNames {
		if n == name {
			return level, nil
		}
	}
	return VerificationLevelNone, trace.BadParameter("unknown verification level %q", name)
}

// VerificationStatus is the per-attribute verification state.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationFailed   VerificationStatus = "failed"
	VerificationExpired  VerificationStatus = "expired"
)

// AttributeSensitivity classifies attribute values. Sensitivity high or
// above triggers automatic re-verification on change.
type AttributeSensitivity string

const (
	SensitivityLow      AttributeSensitivity = "low"
	SensitivityMedium   AttributeSensitivity = "medium"
	SensitivityHigh     AttributeSensitivity = "high"
	SensitivityCritical AttributeSensitivity = "critical"
)

// IsElevated reports whether the sensitivity is high or critical.
func (s AttributeSensitivity) IsElevated() bool {
	return s == SensitivityHigh || s == SensitivityCritical
}

// IdentityStatus is the graph-entity lifecycle state. Deleted entities
// are retained until retention expiry.
type IdentityStatus string

const (
	IdentityStatusActive   IdentityStatus = "active"
	IdentityStatusInactive IdentityStatus = "inactive"
	IdentityStatusDeleted  IdentityStatus = "deleted"
)

// Identity binds a master person to one primary key, e.g. an e-mail,
// national id or mobile number. (tenant, primary-key-type,
// primary-key-value) is unique.
type Identity struct {
	// ID is the unique identity identifier.
	ID string `json:"id"`
	// TenantID scopes the identity.
	TenantID string `json:"tenant_id"`
	// PersonID is the master person this identity belongs to.
	PersonID string `json:"person_id"`
	// PrimaryKeyType names the key kind ("email", "national_id",
	// "mobile").
	PrimaryKeyType string `json:"primary_key_type"`
	// PrimaryKeyValue is the key value.
	PrimaryKeyValue string `json:"primary_key_value"`
	// Status is the lifecycle state.
	Status IdentityStatus `json:"status"`
	// CreatedAt / UpdatedAt timestamps.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Version is the optimistic concurrency revision.
	Version int64 `json:"version"`
}

// CheckAndSetDefaults validates the identity.
func (i *Identity) CheckAndSetDefaults() error {
	switch {
	case i.TenantID == "":
		return trace.BadParameter("identity missing tenant id")
	case i.PersonID == "":
		return trace.BadParameter("identity missing person id")
	case i.PrimaryKeyType == "":
		return trace.BadParameter("identity missing primary key type")
	case i.PrimaryKeyValue == "":
		return trace.BadParameter("identity missing primary key value")
	}
	if i.Status == "" {
		i.Status = IdentityStatusActive
	}
	return nil
}

// TrustScoreEntry is one point in a context's bounded trust history.
type TrustScoreEntry struct {
	Score  float64   `json:"score"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// IdentityContext is a role-specific view of an identity ("citizen",
// "patient", "customer") carrying a verification level and a trust
// score in [0,1].
type IdentityContext struct {
	// ID is the unique context identifier.
	ID string `json:"id"`
	// TenantID scopes the context.
	TenantID string `json:"tenant_id"`
	// IdentityID is the owning identity.
	IdentityID string `json:"identity_id"`
	// ContextType names the role-specific view.
	ContextType string `json:"context_type"`
	// VerificationLevel is monotone non-decreasing.
	VerificationLevel VerificationLevel `json:"verification_level"`
	// TrustScore is the context trust estimate in [0,1].
	TrustScore float64 `json:"trust_score"`
	// TrustHistory is a bounded record of trust-score updates.
	TrustHistory []TrustScoreEntry `json:"trust_history,omitempty"`
	// Status is the lifecycle state.
	Status IdentityStatus `json:"status"`
	// CreatedAt / UpdatedAt timestamps.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Version is the optimistic concurrency revision.
	Version int64 `json:"version"`
}

// RaiseVerificationLevel moves the level up the ladder. Regression is
// refused with a CompareFailed error.
func (c *IdentityContext) RaiseVerificationLevel(to VerificationLevel, now time.Time) error {
	if to < c.VerificationLevel {
		return trace.CompareFailed(
			"verification level regression %q -> %q refused for context %v",
			c.VerificationLevel, to, c.ID)
	}
	c.VerificationLevel = to
	c.UpdatedAt = now.UTC()
	return nil
}

// ContextAttribute is a key/value datum attached to a context. The key
// is stable, the value mutable; mutating a verified value demotes it to
// pending.
type ContextAttribute struct {
	// ID is the unique attribute identifier.
	ID string `json:"id"`
	// TenantID scopes the attribute.
	TenantID string `json:"tenant_id"`
	// ContextID is the owning context.
	ContextID string `json:"context_id"`
	// Key is the stable attribute name.
	Key string `json:"key"`
	// Value is the mutable attribute value.
	Value string `json:"value"`
	// Sensitivity classifies the value.
	Sensitivity AttributeSensitivity `json:"sensitivity"`
	// VerificationStatus is the verification state. Verified requires a
	// non-empty VerificationSource.
	VerificationStatus VerificationStatus `json:"verification_status"`
	// VerificationSource names who verified the value.
	VerificationSource string `json:"verification_source,omitempty"`
	// VerificationNotes are free-form reviewer notes.
	VerificationNotes string `json:"verification_notes,omitempty"`
	// Evidence carries verification evidence metadata.
	Evidence map[string]string `json:"evidence,omitempty"`
	// VerifiedAt stamps the last successful verification.
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	// CreatedAt / UpdatedAt timestamps.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Version is the optimistic concurrency revision.
	Version int64 `json:"version"`
}

// CheckAndSetDefaults validates the attribute. A verified status without
// a source is an invariant violation.
func (a *ContextAttribute) CheckAndSetDefaults() error {
	switch {
	case a.TenantID == "":
		return trace.BadParameter("attribute missing tenant id")
	case a.ContextID == "":
		return trace.BadParameter("attribute missing context id")
	case a.Key == "":
		return trace.BadParameter("attribute missing key")
	}
	if a.Sensitivity == "" {
		a.Sensitivity = SensitivityLow
	}
	if a.VerificationStatus == "" {
		a.VerificationStatus = VerificationPending
	}
	if a.VerificationStatus == VerificationVerified && a.VerificationSource == "" {
		return trace.BadParameter("verified attribute %q requires a verification source", a.Key)
	}
	return nil
}

// SetValue mutates the attribute value. A verified attribute returns to
// pending; callers schedule re-verification for elevated sensitivity.
func (a *ContextAttribute) SetValue(value string, now time.Time) {
	a.Value = value
	if a.VerificationStatus == VerificationVerified {
		a.VerificationStatus = VerificationPending
		a.VerificationSource = ""
		a.VerifiedAt = nil
	}
	a.UpdatedAt = now.UTC()
}
