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

	"github.com/go-webauthn/webauthn/protocol"
	wan "github.com/go-webauthn/webauthn/webauthn"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/citadelsec/citadel"
	"github.com/citadelsec/citadel/api/types"
	"github.com/citadelsec/citadel/lib/defaults"
	"github.com/citadelsec/citadel/lib/events"
	"github.com/citadelsec/citadel/lib/services"
	logutils "github.com/citadelsec/citadel/lib/utils/log"
)

// LoginFlow represents the WebAuthn authentication ceremony.
//
// Authentication mirrors registration: Begin issues a CredentialAssertion
// challenge, the client signs it with a registered authenticator and
// Finish verifies the assertion. Finish additionally enforces the
// signature-counter anti-replay check before any credential state is
// updated.
type LoginFlow struct {
	// Webauthn is the relying-party configuration.
	Webauthn *Config
	// Credentials is the credential store.
	Credentials services.Credentials
	// Challenges stores ceremony state between Begin and Finish.
	Challenges services.Challenges
	// AuditLog receives counter rollback and clone warning events.
	AuditLog *events.AuditLog
	// Clock stamps credential usage.
	Clock clockwork.Clock
	// Logger is the package logger, set by CheckAndSetDefaults.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets default flow values.
func (f *LoginFlow) CheckAndSetDefaults() error {
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

// Begin is the first step of the authentication ceremony. The assertion
// allow-list contains only usable credentials; a user without any is
// refused up front.
func (f *LoginFlow) Begin(ctx context.Context, user *types.User, policy types.TenantPolicy) (*protocol.CredentialAssertion, error) {
	if err := f.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if user == nil || user.ID == "" {
		return nil, trace.BadParameter("user required")
	}

	usable, err := f.usableCredentials(ctx, user)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(usable) == 0 {
		return nil, trace.NotFound("user %q has no usable webauthn credentials", user.ID)
	}

	web, err := newWebAuthn(webAuthnParams{
		cfg:                     f.Webauthn,
		requireUserVerification: policy.RequireUserVerification,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	u := &webUser{user: user, credentials: usable, idOnly: true}
	assertion, sessionData, err := web.BeginLogin(u)
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
		Purpose:     services.ChallengePurposeLogin,
		SessionData: sd,
		CreatedAt:   f.Clock.Now().UTC(),
	}, defaults.WebauthnChallengeTTL); err != nil {
		return nil, trace.Wrap(err)
	}
	return assertion, nil
}

// Finish is the second and last step of the authentication ceremony. On
// success it records the assertion against the credential (counter,
// usage, backup state) and returns the updated credential without
// secrets. All verification failures surface as AccessDenied.
func (f *LoginFlow) Finish(ctx context.Context, user *types.User, policy types.TenantPolicy, responseBody []byte) (*types.Credential, error) {
	if err := f.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if user == nil || user.ID == "" {
		return nil, trace.BadParameter("user required")
	}
	if len(responseBody) == 0 {
		return nil, trace.BadParameter("authentication response required")
	}

	parsedResp, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(responseBody))
	if err != nil {
		return nil, trace.BadParameter("failed to parse authentication response: %v", err)
	}

	challenge, err := f.Challenges.ConsumeChallenge(ctx, user.TenantID, user.ID, services.ChallengePurposeLogin)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.AccessDenied("authentication challenge expired or not found")
		}
		return nil, trace.Wrap(err)
	}
	var sessionData wan.SessionData
	if err := json.Unmarshal(challenge.SessionData, &sessionData); err != nil {
		return nil, trace.Wrap(err)
	}

	usable, err := f.usableCredentials(ctx, user)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	asserted := findCredential(usable, parsedResp.RawID)
	if asserted == nil {
		return nil, trace.AccessDenied("unknown or unusable credential asserted")
	}

	web, err := newWebAuthn(webAuthnParams{
		cfg:                     f.Webauthn,
		requireUserVerification: policy.RequireUserVerification,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	u := &webUser{user: user, credentials: usable}
	webCred, err := web.ValidateLogin(u, sessionData, parsedResp)
	if err != nil {
		return nil, trace.AccessDenied("authentication verification failed: %v", err)
	}
	if policy.RequireUserVerification && !webCred.Flags.UserVerified {
		return nil, trace.AccessDenied("user verification required by tenant policy")
	}

	newCount := webCred.Authenticator.SignCount
	if rollback := counterRollback(asserted.SignCount, newCount); rollback {
		return nil, trace.Wrap(f.handleCounterRollback(ctx, user, asserted, policy, newCount))
	}

	now := f.Clock.Now().UTC()
	asserted.SignCount = newCount
	asserted.UsageCount++
	asserted.LastUsedAt = &now
	asserted.BackupState = webCred.Flags.BackupState
	asserted.Flags.UserVerified = asserted.Flags.UserVerified || webCred.Flags.UserVerified
	if webCred.Authenticator.CloneWarning && !asserted.Flags.CloneWarning {
		asserted.Flags.CloneWarning = true
		f.auditCredential(ctx, user, asserted, events.CredentialCloneWarningEvent, types.SeverityHigh, map[string]interface{}{
			"sign_count": newCount,
		})
	}
	asserted.UpdatedAt = now
	updated, err := f.Credentials.UpdateCredential(ctx, asserted)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return updated.WithoutSecrets(), nil
}

// counterRollback reports whether the new signature counter violates the
// monotonicity requirement. Counters stuck at zero are authenticators
// that do not implement counting and are exempt.
func counterRollback(stored, observed uint32) bool {
	if stored == 0 && observed == 0 {
		return false
	}
	return observed <= stored
}

// handleCounterRollback marks the credential per tenant policy and
// always refuses the assertion. Under StrictCounterPolicy the credential
// is terminally compromised; otherwise it is suspicious pending review.
func (f *LoginFlow) handleCounterRollback(ctx context.Context, user *types.User, cred *types.Credential, policy types.TenantPolicy, observed uint32) error {
	now := f.Clock.Now().UTC()
	stored := cred.SignCount
	if policy.StrictCounterPolicy {
		if err := cred.Revoke(now, types.CredentialStatusCompromised); err != nil {
			return trace.Wrap(err)
		}
	} else {
		cred.Status = types.CredentialStatusSuspicious
		cred.UpdatedAt = now
	}
	cred.Flags.CloneWarning = true
	if _, err := f.Credentials.UpdateCredential(ctx, cred); err != nil {
		return trace.Wrap(err)
	}
	f.auditCredential(ctx, user, cred, events.CredentialCounterRollbackEvent, types.SeverityCritical, map[string]interface{}{
		"stored_count":   stored,
		"observed_count": observed,
		"strict_policy":  policy.StrictCounterPolicy,
		"status":         string(cred.Status),
	})
	f.Logger.WarnContext(ctx, "signature counter rollback detected",
		"tenant", user.TenantID,
		"user", user.ID,
		"credential", cred.ID,
		"stored_count", stored,
		"observed_count", observed,
	)
	return trace.AccessDenied("credential signature counter rollback detected")
}

func (f *LoginFlow) usableCredentials(ctx context.Context, user *types.User) ([]*types.Credential, error) {
	all, err := f.Credentials.ListUserCredentials(ctx, user.TenantID, user.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := f.Clock.Now()
	out := all[:0]
	for _, cred := range all {
		if cred.IsUsable(now) {
			out = append(out, cred)
		}
	}
	return out, nil
}

func findCredential(creds []*types.Credential, credentialID []byte) *types.Credential {
	for _, cred := range creds {
		if bytes.Equal(cred.CredentialID, credentialID) {
			return cred
		}
	}
	return nil
}

func (f *LoginFlow) auditCredential(ctx context.Context, user *types.User, cred *types.Credential, eventType string, severity types.EventSeverity, metadata map[string]interface{}) {
	if f.AuditLog == nil {
		return
	}
	if _, err := f.AuditLog.EmitAuditEvent(ctx, &types.AuditEvent{
		TenantID:     user.TenantID,
		UserID:       user.ID,
		Type:         eventType,
		Severity:     severity,
		ResourceType: "credential",
		ResourceID:   cred.ID,
		Success:      false,
		Metadata:     metadata,
	}); err != nil {
		f.Logger.WarnContext(ctx, "failed to emit credential audit event",
			"error", err,
			"event_type", eventType,
		)
	}
}
