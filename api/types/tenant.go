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

// TenantPolicy carries per-tenant security policy knobs.
type TenantPolicy struct {
	// EnterpriseAttestationAllowed permits enterprise attestation
	// conveyance during registration.
	EnterpriseAttestationAllowed bool `json:"enterprise_attestation_allowed"`
	// StrictCounterPolicy escalates a counter rollback from suspicious
	// to compromised.
	StrictCounterPolicy bool `json:"strict_counter_policy"`
	// RequireUserVerification demands the UV flag on every ceremony.
	RequireUserVerification bool `json:"require_user_verification"`
}

// Tenant is the isolation boundary. Every other entity carries its id.
type Tenant struct {
	// ID is the unique tenant identifier.
	ID string `json:"id"`
	// Name is the human-readable tenant name.
	Name string `json:"name"`
	// Policy holds the tenant's security policy.
	Policy TenantPolicy `json:"policy"`
	// CreatedAt / UpdatedAt timestamps.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckAndSetDefaults validates the tenant.
func (t *Tenant) CheckAndSetDefaults() error {
	if t.ID == "" {
		return trace.BadParameter("tenant missing id")
	}
	if t.Name == "" {
		t.Name = t.ID
	}
	return nil
}

// Principal is the verified (tenant, user, credential) triple produced
// by a successful authentication.
type Principal struct {
	TenantID     string `json:"tenant_id"`
	UserID       string `json:"user_id"`
	CredentialID string `json:"credential_id"`
}

// RequestContext describes the client side of a security-relevant
// request. It is passed explicitly; the core never reads ambient state.
type RequestContext struct {
	// IP is the client address.
	IP string `json:"ip,omitempty"`
	// UserAgent is the client user agent.
	UserAgent string `json:"user_agent,omitempty"`
	// DeviceFingerprint identifies the client device.
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	// AAGUID is the authenticator model, when known.
	AAGUID []byte `json:"aaguid,omitempty"`
	// Jailbroken marks devices that self-reported a broken integrity
	// chain.
	Jailbroken bool `json:"jailbroken,omitempty"`
	// Location is the coarse client location.
	Location GeoLocation `json:"location,omitempty"`
	// SessionID and CredentialID tie the request to existing state.
	SessionID    string `json:"session_id,omitempty"`
	CredentialID string `json:"credential_id,omitempty"`
}
