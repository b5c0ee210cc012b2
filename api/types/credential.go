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
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// DeviceType classifies the authenticator attachment.
type DeviceType string

const (
	// DeviceTypePlatform is a built-in authenticator (Touch ID, Windows
	// Hello).
	DeviceTypePlatform DeviceType = "platform"
	// DeviceTypeCrossPlatform is a roaming authenticator (security key).
	DeviceTypeCrossPlatform DeviceType = "cross-platform"
	// DeviceTypeUnknown is used when the attachment was not reported.
	DeviceTypeUnknown DeviceType = "unknown"
)

// AttestationType records how the authenticator attested itself at
// registration.
type AttestationType string

const (
	AttestationTypeNone       AttestationType = "none"
	AttestationTypeIndirect   AttestationType = "indirect"
	AttestationTypeDirect     AttestationType = "direct"
	AttestationTypeEnterprise AttestationType = "enterprise"
)

// CredentialStatus is the credential lifecycle state.
type CredentialStatus string

const (
	CredentialStatusActive   CredentialStatus = "active"
	CredentialStatusInactive CredentialStatus = "inactive"
	CredentialStatusRevoked  CredentialStatus = "revoked"
	// CredentialStatusSuspicious is entered on a signature-counter
	// rollback. The credential is unusable until an operator review.
	CredentialStatusSuspicious  CredentialStatus = "suspicious"
	CredentialStatusCompromised CredentialStatus = "compromised"
	CredentialStatusExpired     CredentialStatus = "expired"
)

// CredentialFlags carries security markers computed by the core.
type CredentialFlags struct {
	// UserVerified is true if UV was asserted during registration.
	UserVerified bool `json:"user_verified,omitempty"`
	// Quarantined is set when an integrity self-check failed.
	Quarantined bool `json:"quarantined,omitempty"`
	// CloneWarning is set when the authenticator reported a counter
	// anomaly short of a hard rollback.
	CloneWarning bool `json:"clone_warning,omitempty"`
}

// Credential is one WebAuthn authenticator bound to a user.
//
// The COSE public key is stored as CBOR bytes and is never included in
// public projections; use WithoutSecrets before returning a credential
// from a read API.
type Credential struct {
	// ID is the unique row identifier.
	ID string `json:"id"`
	// TenantID scopes the credential.
	TenantID string `json:"tenant_id"`
	// UserID is the owning user.
	UserID string `json:"user_id"`
	// CredentialID is the authenticator-chosen opaque id, globally
	// unique across tenants.
	CredentialID []byte `json:"credential_id"`
	// CredentialIDHash is hex(SHA-256(CredentialID)), the lookup index.
	CredentialIDHash string `json:"credential_id_hash"`
	// PublicKeyCOSE is the CBOR-serialized COSE_Key.
	PublicKeyCOSE []byte `json:"public_key_cose,omitempty"`
	// SignCount is the authenticator signature counter. It never
	// decreases across accepted assertions.
	SignCount uint32 `json:"sign_count"`
	// DeviceType is the authenticator attachment.
	DeviceType DeviceType `json:"device_type"`
	// CredentialType is the WebAuthn credential type ("public-key").
	CredentialType string `json:"credential_type"`
	// AttestationType records the registration attestation conveyance.
	AttestationType AttestationType `json:"attestation_type"`
	// Status is the lifecycle state.
	Status CredentialStatus `json:"status"`
	// Transports lists the transports the authenticator reported.
	Transports []string `json:"transports,omitempty"`
	// BackupEligible is the BE flag captured at registration.
	BackupEligible bool `json:"backup_eligible"`
	// BackupState is the BS flag from the latest ceremony.
	BackupState bool `json:"backup_state"`
	// Nickname is the user-assigned device name.
	Nickname string `json:"nickname,omitempty"`
	// AAGUID identifies the authenticator model.
	AAGUID []byte `json:"aaguid,omitempty"`
	// UsageCount counts accepted assertions.
	UsageCount uint64 `json:"usage_count"`
	// RiskScore is the per-credential risk estimate in [0,100].
	RiskScore float64 `json:"risk_score"`
	// LastUsedAt is the time of the last accepted assertion.
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	// ExpiresAt optionally bounds the credential lifetime.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	// Flags carries computed security markers.
	Flags CredentialFlags `json:"flags,omitempty"`
	// AttestationObject is the raw registration attestation (sensitive).
	AttestationObject []byte `json:"attestation_object,omitempty"`
	// CreatedAt is the registration time.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is the last mutation time.
	UpdatedAt time.Time `json:"updated_at"`
	// RevokedAt is set on revocation or compromise.
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	// Version is the optimistic concurrency revision.
	Version int64 `json:"version"`
}

// NewCredential creates an active credential for a freshly verified
// registration ceremony.
func NewCredential(tenantID, userID string, credentialID, publicKeyCOSE []byte, now time.Time) (*Credential, error) {
	c := &Credential{
		ID:               uuid.NewString(),
		TenantID:         tenantID,
		UserID:           userID,
		CredentialID:     credentialID,
		CredentialIDHash: CredentialIDHash(credentialID),
		PublicKeyCOSE:    publicKeyCOSE,
		CredentialType:   "public-key",
		DeviceType:       DeviceTypeUnknown,
		AttestationType:  AttestationTypeNone,
		Status:           CredentialStatusActive,
		CreatedAt:        now.UTC(),
		UpdatedAt:        now.UTC(),
		Version:          1,
	}
	if err := c.CheckIntegrity(); err != nil {
		return nil, trace.Wrap(err)
	}
	return c, nil
}

// CredentialIDHash returns hex(SHA-256(id)), the credential lookup key.
func CredentialIDHash(id []byte) string {
	sum := sha256.Sum256(id)
	return hex.EncodeToString(sum[:])
}

// CheckIntegrity runs the credential self-check. A violation means the
// record must be quarantined, not used.
func (c *Credential) CheckIntegrity() error {
	switch {
	case c.TenantID == "":
		return trace.BadParameter("credential missing tenant id")
	case c.UserID == "":
		return trace.BadParameter("credential missing user id")
	case len(c.CredentialID) == 0 || len(c.CredentialID) > 1023:
		// WebAuthn L3 caps credential ids at 1023 bytes.
		return trace.BadParameter("credential id length %v out of range", len(c.CredentialID))
	case c.CredentialIDHash != CredentialIDHash(c.CredentialID):
		return trace.BadParameter("credential id hash mismatch")
	case len(c.PublicKeyCOSE) == 0:
		return trace.BadParameter("credential missing COSE public key")
	}
	if c.ExpiresAt != nil && !c.ExpiresAt.After(c.CreatedAt) {
		return trace.BadParameter("credential expires_at precedes created_at")
	}
	return nil
}

// IsUsable reports whether the credential may take part in an assertion
// at the given time. Revoked, compromised, suspicious, expired and
// quarantined credentials are never valid.
func (c *Credential) IsUsable(now time.Time) bool {
	if c.Flags.Quarantined {
		return false
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return false
	}
	return c.Status == CredentialStatusActive
}

// WithoutSecrets returns a copy safe for read APIs: the public key and
// the attestation blob are stripped.
func (c *Credential) WithoutSecrets() *Credential {
	out := *c
	out.PublicKeyCOSE = nil
	out.AttestationObject = nil
	return &out
}

// Revoke is a terminal transition. Revoking an already terminal
// credential is a no-op error.
func (c *Credential) Revoke(now time.Time, status CredentialStatus) error {
	switch status {
	case CredentialStatusRevoked, CredentialStatusCompromised, CredentialStatusExpired:
	default:
		return trace.BadParameter("status %q is not terminal", status)
	}
	switch c.Status {
	case CredentialStatusRevoked, CredentialStatusCompromised, CredentialStatusExpired:
		return trace.CompareFailed("credential already in terminal status %q", c.Status)
	}
	t := now.UTC()
	c.Status = status
	c.RevokedAt = &t
	c.UpdatedAt = t
	return nil
}
