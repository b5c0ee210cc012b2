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

package webauthn

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-webauthn/webauthn/protocol"
	wan "github.com/go-webauthn/webauthn/webauthn"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/citadelsec/citadel"
	"github.com/citadelsec/citadel/api/types"
	"github.com/citadelsec/citadel/lib/defaults"
	"github.com/citadelsec/citadel/lib/services"
	logutils "github.com/citadelsec/citadel/lib/utils/log"
)

// RegistrationFlow represents the WebAuthn registration ceremony.
//
// Registration consists of:
//
//  1. Client requests a CredentialCreation (containing a challenge and
//     various settings that may constrain allowed authenticators).
//  2. Server runs Begin(), generates a credential creation.
//  3. Client validates the credential creation, performs a user
//     presence test and replies with a CredentialCreationResponse.
//  4. Server runs Finish().
//  5. If all server-side checks are successful, the credential is
//     stored and may now be used to login.
type RegistrationFlow struct {
	// Webauthn is the relying-party configuration.
	Webauthn *Config
	// Credentials is the credential store.
	Credentials services.Credentials
	// Challenges stores ceremony state between Begin and Finish.
	Challenges services.Challenges
	// Metadata resolves AAGUIDs, optional.
	Metadata *MetadataService
	// Clock stamps created credentials.
	Clock clockwork.Clock
	// Logger is the package logger, set by CheckAndSetDefaults.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets default flow values.
func (f *RegistrationFlow) CheckAndSetDefaults() error {
	switch {
	case f.Webauthn == nil:
		return trace.BadParameter("missing parameter Webauthn")
	case f.Credentials == nil:
		return trace.BadParameter("missing parameter Credentials")
	case f.Challenges == nil:
		return trace.BadParameter("missing parameter Challenges")
	}
	if err := f.Webauthn.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if f.Clock == nil {
		f.Clock = clockwork.NewRealClock()
	}
	if f.Logger == nil {
		f.Logger = logutils.NewPackageLogger(citadel.ComponentKey, citadel.ComponentWebAuthn)
	}
	return nil
}

// Begin is the first step of the registration ceremony. The
// CredentialCreation created is relayed back to the client, who in turn
// performs a user presence check and signs the challenge contained
// within it. The challenge is stored single-use under
// defaults.WebauthnChallengeTTL.
func (f *RegistrationFlow) Begin(ctx context.Context, user *types.User, policy types.TenantPolicy) (*protocol.CredentialCreation, error) {
	if err := f.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if user == nil || user.ID == "" {
		return nil, trace.BadParameter("user required")
	}

	// Exclude known credentials from the ceremony.
	existing, err := f.Credentials.ListUserCredentials(ctx, user.TenantID, user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var exclusions []protocol.CredentialDescriptor
	for _, cred := range existing {
		if cred.Status == types.CredentialStatusRevoked {
			continue
		}
		exclusions = append(exclusions, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: cred.CredentialID,
		})
	}

	web, err := newWebAuthn(webAuthnParams{
		cfg:                     f.Webauthn,
		requireUserVerification: policy.RequireUserVerification,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	u := &webUser{user: user, credentials: existing, idOnly: true}
	cc, sessionData, err := web.BeginRegistration(u, wan.WithExclusions(exclusions))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	sd, err := json.Marshal(sessionData)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := f.Challenges.UpsertChallenge(ctx, &services.WebauthnChallenge{
		TenantID:    user.TenantID,
		UserID:      user.ID,
		Purpose:     services.ChallengePurposeRegistration,
		SessionData: sd,
		CreatedAt:   f.Clock.Now().UTC(),
	}, defaults.WebauthnChallengeTTL); err != nil {
		return nil, trace.Wrap(err)
	}
	return cc, nil
}

// Finish is the second and last step of the registration ceremony. If
// successful, the new credential is stored and returned without
// secrets.
func (f *RegistrationFlow) Finish(ctx context.Context, user *types.User, policy types.TenantPolicy, responseBody []byte, nickname string) (*types.Credential, error) {
	if err := f.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if user == nil || user.ID == "" {
		return nil, trace.BadParameter("user required")
	}
	if len(responseBody) == 0 {
		return nil, trace.BadParameter("registration response required")
	}

	parsedResp, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(responseBody))
	if err != nil {
		return nil, trace.BadParameter("failed to parse registration response: %v", err)
	}
	if err := verifyAttestationPolicy(parsedResp, policy); err != nil {
		return nil, trace.Wrap(err)
	}

	challenge, err := f.Challenges.ConsumeChallenge(ctx, user.TenantID, user.ID, services.ChallengePurposeRegistration)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.AccessDenied("registration challenge expired or not found")
		}
		return nil, trace.Wrap(err)
	}
	var sessionData wan.SessionData
	if err := json.Unmarshal(challenge.SessionData, &sessionData); err != nil {
		return nil, trace.Wrap(err)
	}

	web, err := newWebAuthn(webAuthnParams{
		cfg:                     f.Webauthn,
		requireUserVerification: policy.RequireUserVerification,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	existing, err := f.Credentials.ListUserCredentials(ctx, user.TenantID, user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	u := &webUser{user: user, credentials: existing}
	webCred, err := web.CreateCredential(u, sessionData, parsedResp)
	if err != nil {
		return nil, trace.AccessDenied("registration verification failed: %v", err)
	}
	if policy.RequireUserVerification && !webCred.Flags.UserVerified {
		return nil, trace.AccessDenied("user verification required by tenant policy")
	}
	if attestationType(webCred.AttestationType) == types.AttestationTypeEnterprise && !policy.EnterpriseAttestationAllowed {
		return nil, trace.AccessDenied("enterprise attestation not allowed by tenant policy")
	}

	// The public key must be a decodable COSE_Key; reject garbage before
	// it reaches storage.
	var cose map[int]interface{}
	if err := cbor.Unmarshal(webCred.PublicKey, &cose); err != nil {
		return nil, trace.BadParameter("credential public key is not valid COSE: %v", err)
	}

	now := f.Clock.Now().UTC()
	cred, err := types.NewCredential(user.TenantID, user.ID, webCred.ID, webCred.PublicKey, now)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cred.SignCount = webCred.Authenticator.SignCount
	cred.AttestationType = attestationType(webCred.AttestationType)
	cred.AAGUID = webCred.Authenticator.AAGUID
	cred.BackupEligible = webCred.Flags.BackupEligible
	cred.BackupState = webCred.Flags.BackupState
	cred.Flags.UserVerified = webCred.Flags.UserVerified
	cred.Nickname = nickname
	cred.AttestationObject = parsedResp.Raw.AttestationResponse.AttestationObject
	for _, transport := range webCred.Transport {
		cred.Transports = append(cred.Transports, string(transport))
	}
	if attachment := parsedResp.AuthenticatorAttachment; attachment != "" {
		switch attachment {
		case protocol.Platform:
			cred.DeviceType = types.DeviceTypePlatform
		case protocol.CrossPlatform:
			cred.DeviceType = types.DeviceTypeCrossPlatform
		}
	}
	if f.Metadata != nil {
		if stmt, err := f.Metadata.Lookup(ctx, cred.AAGUID); err == nil && nickname == "" {
			cred.Nickname = stmt.Description
		}
	}

	created, err := f.Credentials.CreateCredential(ctx, cred)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	f.Logger.InfoContext(ctx, "registered webauthn credential",
		"tenant", user.TenantID,
		"user", user.ID,
		"credential", created.ID,
		"attestation", string(created.AttestationType),
	)
	return created.WithoutSecrets(), nil
}

// verifyAttestationPolicy gates attestation conveyance per tenant.
func verifyAttestationPolicy(parsedResp *protocol.ParsedCredentialCreationData, policy types.TenantPolicy) error {
	format := parsedResp.Response.AttestationObject.Format
	switch format {
	case "none", "packed", "tpm", "android-key", "android-safetynet", "fido-u2f", "apple":
	default:
		return trace.BadParameter("attestation format %q not allowed", format)
	}
	return nil
}

func attestationType(name string) types.AttestationType {
	switch types.AttestationType(name) {
	case types.AttestationTypeIndirect:
		return types.AttestationTypeIndirect
	case types.AttestationTypeDirect:
		return types.AttestationTypeDirect
	case types.AttestationTypeEnterprise:
		return types.AttestationTypeEnterprise
	default:
		return types.AttestationTypeNone
	}
}
