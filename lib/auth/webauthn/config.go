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

// Package webauthn implements the WebAuthn Level 3 registration and
// authentication ceremonies: challenge issuance, response verification,
// signature-counter anti-replay and attestation policy.
package webauthn

import (
	"github.com/go-webauthn/webauthn/protocol"
	wan "github.com/go-webauthn/webauthn/webauthn"
	"github.com/gravitational/trace"

	"github.com/citadelsec/citadel/lib/defaults"
)

// defaultDisplayName is the relying party name shown by authenticators.
const defaultDisplayName = "Citadel"

// Config is the relying-party configuration shared by both ceremonies.
type Config struct {
	// RPID is the relying party id, e.g. "example.com".
	RPID string
	// RPOrigins are the web origins allowed to answer ceremonies.
	RPOrigins []string
	// RPDisplayName defaults to defaultDisplayName.
	RPDisplayName string
	// AttestationPreference is the conveyance requested at registration.
	AttestationPreference protocol.ConveyancePreference
}

// CheckAndSetDefaults checks and sets default config values.
func (c *Config) CheckAndSetDefaults() error {
	if c.RPID == "" {
		return trace.BadParameter("missing parameter RPID")
	}
	if len(c.RPOrigins) == 0 {
		return trace.BadParameter("missing parameter RPOrigins")
	}
	if c.RPDisplayName == "" {
		c.RPDisplayName = defaultDisplayName
	}
	if c.AttestationPreference == "" {
		c.AttestationPreference = protocol.PreferNoAttestation
	}
	return nil
}

// webAuthnParams groups the parameters necessary for the creation of
// wan.WebAuthn instances.
type webAuthnParams struct {
	cfg                     *Config
	requireUserVerification bool
}

func newWebAuthn(p webAuthnParams) (*wan.WebAuthn, error) {
	// Default to "discouraged", otherwise some browsers may do needless
	// PIN prompts.
	userVerification := protocol.VerificationDiscouraged
	if p.requireUserVerification {
		userVerification = protocol.VerificationRequired
	}
	timeoutConfig := wan.TimeoutConfig{
		Enforce:    true,
		Timeout:    defaults.WebauthnChallengeTTL,
		TimeoutUVD: defaults.WebauthnChallengeTTL,
	}
	return wan.New(&wan.Config{
		RPID:                  p.cfg.RPID,
		RPOrigins:             p.cfg.RPOrigins,
		RPDisplayName:         p.cfg.RPDisplayName,
		AttestationPreference: p.cfg.AttestationPreference,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			UserVerification: userVerification,
		},
		Timeouts: wan.TimeoutsConfig{
			Login:        timeoutConfig,
			Registration: timeoutConfig,
		},
	})
}
