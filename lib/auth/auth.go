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

// Package auth implements the Citadel authentication server: user
// lifecycle, failed-login lockout, WebAuthn ceremony orchestration and
// the password fallback. The server composes the persistence contracts,
// the risk engine and the session manager; it holds no state of its own.
package auth

import (
	"context"
	"log/slog"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"

	"github.com/citadelsec/citadel"
	"github.com/citadelsec/citadel/api/types"
	wanlib "github.com/citadelsec/citadel/lib/auth/webauthn"
	"github.com/citadelsec/citadel/lib/defaults"
	"github.com/citadelsec/citadel/lib/events"
	"github.com/citadelsec/citadel/lib/risk"
	"github.com/citadelsec/citadel/lib/services"
	"github.com/citadelsec/citadel/lib/session"
	logutils "github.com/citadelsec/citadel/lib/utils/log"
)

// fakePasswordHash is compared against when the user does not exist, so
// the lookup miss is not observable through response timing.
var fakePasswordHash = []byte(`$2a$10$Yy.e6BmS2SrGbBDsyDLVMuQxlztDglYb7RjgwyUUX4kXWcQ2T3acO`)

// ServerConfig collects the dependencies of a Server.
type ServerConfig struct {
	// Tenants resolves tenant policy.
	Tenants services.Tenants
	// Users is the user store.
	Users services.Users
	// Credentials is the credential store.
	Credentials services.Credentials
	// Challenges stores ceremony state.
	Challenges services.Challenges
	// Sessions mints and revokes sessions.
	Sessions *session.Manager
	// Risk assesses logins; nil disables risk assessment.
	Risk *risk.Engine
	// Webauthn is the relying-party configuration.
	Webauthn *wanlib.Config
	// Metadata enriches registrations with authenticator metadata,
	// optional.
	Metadata *wanlib.MetadataService
	// AuditLog records authentication events.
	AuditLog *events.AuditLog
	// Clock is the server clock.
	Clock clockwork.Clock
	// Logger is the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets default config values.
func (c *ServerConfig) CheckAndSetDefaults() error {
	switch {
	case c.Tenants == nil:
		return trace.BadParameter("missing parameter Tenants")
	case c.Users == nil:
		return trace.BadParameter("missing parameter Users")
	case c.Credentials == nil:
		return trace.BadParameter("missing parameter Credentials")
	case c.Challenges == nil:
		return trace.BadParameter("missing parameter Challenges")
	case c.Sessions == nil:
		return trace.BadParameter("missing parameter Sessions")
	case c.Webauthn == nil:
		return trace.BadParameter("missing parameter Webauthn")
	}
	if err := c.Webauthn.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(citadel.ComponentKey, citadel.ComponentAuth)
	}
	return nil
}

// Server is the authentication server.
type Server struct {
	cfg ServerConfig
}

// NewServer creates an authentication server from the given config.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{cfg: cfg}, nil
}

// CreateUser creates an active user in the tenant and audits the
// creation.
func (s *Server) CreateUser(ctx context.Context, tenantID, email, username, displayName string) (*types.User, error) {
	if _, err := s.cfg.Tenants.GetTenant(ctx, tenantID); err != nil {
		return nil, trace.Wrap(err)
	}
	user, err := types.NewUser(tenantID, email, username, s.cfg.Clock.Now())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	user.DisplayName = displayName
	created, err := s.cfg.Users.CreateUser(ctx, user)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.audit(ctx, created, events.UserCreateEvent, types.SeverityInfo, true, nil)
	return created, nil
}

// GetUser returns a user by id.
func (s *Server) GetUser(ctx context.Context, tenantID, userID string) (*types.User, error) {
	user, err := s.cfg.Users.GetUser(ctx, tenantID, userID)
	return user, trace.Wrap(err)
}

// UpdateUser replaces a user guarded by its Version and audits the
// change. Soft-deleted users are immutable.
func (s *Server) UpdateUser(ctx context.Context, user *types.User) (*types.User, error) {
	if user.IsDeleted() {
		return nil, trace.BadParameter("cannot update a deleted user")
	}
	user.UpdatedAt = s.cfg.Clock.Now().UTC()
	updated, err := s.cfg.Users.UpdateUser(ctx, user)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.audit(ctx, updated, events.UserUpdateEvent, types.SeverityInfo, true, nil)
	return updated, nil
}

// DeleteUser soft-deletes the account: identifiers are tombstoned so
// their uniqueness slots free up, live sessions are revoked and usable
// credentials are revoked. The row itself is retained.
func (s *Server) DeleteUser(ctx context.Context, tenantID, userID string) error {
	user, err := s.cfg.Users.GetUser(ctx, tenantID, userID)
	if err != nil {
		return trace.Wrap(err)
	}
	if user.IsDeleted() {
		return trace.CompareFailed("user %v is already deleted", userID)
	}
	now := s.cfg.Clock.Now().UTC()
	user.SoftDelete(now)
	if _, err := s.cfg.Users.UpdateUser(ctx, user); err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.cfg.Sessions.RevokeUserSessions(ctx, tenantID, userID, "user deleted"); err != nil {
		s.cfg.Logger.WarnContext(ctx, "failed to revoke sessions of deleted user", "user", userID, "error", err)
	}
	creds, err := s.cfg.Credentials.ListUserCredentials(ctx, tenantID, userID)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, cred := range creds {
		if err := cred.Revoke(now, types.CredentialStatusRevoked); err != nil {
			continue
		}
		if _, err := s.cfg.Credentials.UpdateCredential(ctx, cred); err != nil {
			return trace.Wrap(err)
		}
	}
	s.audit(ctx, user, events.UserDeleteEvent, types.SeverityMedium, true, nil)
	return nil
}

// UnlockUser clears a failed-login lockout ahead of its expiry.
func (s *Server) UnlockUser(ctx context.Context, tenantID, userID string) error {
	user, err := s.cfg.Users.GetUser(ctx, tenantID, userID)
	if err != nil {
		return trace.Wrap(err)
	}
	user.ResetLock()
	user.UpdatedAt = s.cfg.Clock.Now().UTC()
	if _, err := s.cfg.Users.UpdateUser(ctx, user); err != nil {
		return trace.Wrap(err)
	}
	s.audit(ctx, user, events.UserUnlockEvent, types.SeverityInfo, true, nil)
	return nil
}

// SetPassword stores the bcrypt hash of the fallback password.
func (s *Server) SetPassword(ctx context.Context, tenantID, userID, password string) error {
	if len(password) < 8 {
		return trace.BadParameter("password must be at least 8 characters")
	}
	if _, err := s.cfg.Users.GetUser(ctx, tenantID, userID); err != nil {
		return trace.Wrap(err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.cfg.Users.UpsertPasswordHash(ctx, tenantID, userID, hash))
}

// BeginRegistration starts a WebAuthn registration ceremony for the
// user.
func (s *Server) BeginRegistration(ctx context.Context, tenantID, userID string) (*protocol.CredentialCreation, error) {
	tenant, user, err := s.activeUser(ctx, tenantID, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	flow := s.registrationFlow()
	cc, err := flow.Begin(ctx, user, tenant.Policy)
	return cc, trace.Wrap(err)
}

// FinishRegistration completes a registration ceremony and stores the
// new credential.
func (s *Server) FinishRegistration(ctx context.Context, tenantID, userID string, responseBody []byte, nickname string) (*types.Credential, error) {
	tenant, user, err := s.activeUser(ctx, tenantID, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	flow := s.registrationFlow()
	cred, err := flow.Finish(ctx, user, tenant.Policy, responseBody, nickname)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.audit(ctx, user, events.CredentialRegisterEvent, types.SeverityInfo, true, map[string]interface{}{
		"credential_id":    cred.ID,
		"device_type":      string(cred.DeviceType),
		"attestation_type": string(cred.AttestationType),
	})
	return cred, nil
}

// BeginLogin starts a WebAuthn authentication ceremony. Locked and
// inactive accounts are refused before a challenge is issued.
func (s *Server) BeginLogin(ctx context.Context, tenantID, username string) (*protocol.CredentialAssertion, error) {
	tenant, user, err := s.loginUser(ctx, tenantID, username)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	flow := s.loginFlow()
	assertion, err := flow.Begin(ctx, user, tenant.Policy)
	return assertion, trace.Wrap(err)
}

// LoginResult is the outcome of a successful authentication.
type LoginResult struct {
	// User is the authenticated account.
	User *types.User
	// Credential is the asserted credential, nil for password logins.
	Credential *types.Credential
	// Session carries the minted session and its raw tokens.
	Session *session.MintedSession
	// Assessment is the login risk assessment, nil when the risk engine
	// is not configured.
	Assessment *risk.Assessment
}

// FinishLogin completes a WebAuthn authentication ceremony. On success
// the lockout state resets, the login is risk-assessed and a session is
// minted. Any ceremony failure counts toward the lockout.
func (s *Server) FinishLogin(ctx context.Context, tenantID, username string, responseBody []byte, reqCtx types.RequestContext) (*LoginResult, error) {
	tenant, user, err := s.loginUser(ctx, tenantID, username)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	flow := s.loginFlow()
	cred, err := flow.Finish(ctx, user, tenant.Policy, responseBody)
	if err != nil {
		if trace.IsAccessDenied(err) {
			s.recordFailedLogin(ctx, user, reqCtx, "webauthn assertion rejected")
			return nil, trace.AccessDenied("invalid credentials")
		}
		return nil, trace.Wrap(err)
	}
	reqCtx.CredentialID = cred.ID
	reqCtx.AAGUID = cred.AAGUID
	result, err := s.loginSucceeded(ctx, user, cred, types.SessionTypeWeb, reqCtx)
	return result, trace.Wrap(err)
}

// PasswordLogin authenticates with the fallback password. The error is
// uniform for unknown users, wrong passwords and locked accounts so
// none of those states leak.
func (s *Server) PasswordLogin(ctx context.Context, tenantID, username, password string, reqCtx types.RequestContext) (*LoginResult, error) {
	user, err := s.cfg.Users.GetUserByUsername(ctx, tenantID, types.NormalizeUsername(username))
	if err != nil {
		if trace.IsNotFound(err) {
			// Burn the same bcrypt cost as the real path.
			_ = bcrypt.CompareHashAndPassword(fakePasswordHash, []byte(password))
			return nil, trace.AccessDenied("invalid credentials")
		}
		return nil, trace.Wrap(err)
	}
	now := s.cfg.Clock.Now()
	if !user.Active || user.IsDeleted() || user.IsLocked(now) {
		_ = bcrypt.CompareHashAndPassword(fakePasswordHash, []byte(password))
		return nil, trace.AccessDenied("invalid credentials")
	}
	hash, err := s.cfg.Users.GetPasswordHash(ctx, tenantID, user.ID)
	if err != nil {
		if trace.IsNotFound(err) {
			_ = bcrypt.CompareHashAndPassword(fakePasswordHash, []byte(password))
			return nil, trace.AccessDenied("invalid credentials")
		}
		return nil, trace.Wrap(err)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		s.recordFailedLogin(ctx, user, reqCtx, "password mismatch")
		return nil, trace.AccessDenied("invalid credentials")
	}
	result, err := s.loginSucceeded(ctx, user, nil, types.SessionTypeWeb, reqCtx)
	return result, trace.Wrap(err)
}

// RevokeCredential revokes a credential and every session minted with
// it.
func (s *Server) RevokeCredential(ctx context.Context, tenantID, credentialID, reason string) error {
	cred, err := s.cfg.Credentials.GetCredential(ctx, tenantID, credentialID)
	if err != nil {
		return trace.Wrap(err)
	}
	now := s.cfg.Clock.Now()
	if err := cred.Revoke(now, types.CredentialStatusRevoked); err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.cfg.Credentials.UpdateCredential(ctx, cred); err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.cfg.Sessions.RevokeCredentialSessions(ctx, tenantID, cred.UserID, cred.ID, "credential revoked"); err != nil {
		return trace.Wrap(err)
	}
	if s.cfg.AuditLog != nil {
		if _, err := s.cfg.AuditLog.EmitAuditEvent(ctx, &types.AuditEvent{
			TenantID:     tenantID,
			UserID:       cred.UserID,
			Type:         events.CredentialRevokeEvent,
			Severity:     types.SeverityMedium,
			ResourceType: "credential",
			ResourceID:   cred.ID,
			Success:      true,
			Metadata:     map[string]interface{}{"reason": reason},
		}); err != nil {
			s.cfg.Logger.WarnContext(ctx, "failed to emit credential revoke event", "error", err)
		}
	}
	return nil
}

func (s *Server) registrationFlow() *wanlib.RegistrationFlow {
	return &wanlib.RegistrationFlow{
		Webauthn:    s.cfg.Webauthn,
		Credentials: s.cfg.Credentials,
		Challenges:  s.cfg.Challenges,
		Metadata:    s.cfg.Metadata,
		Clock:       s.cfg.Clock,
		Logger:      s.cfg.Logger,
	}
}

func (s *Server) loginFlow() *wanlib.LoginFlow {
	return &wanlib.LoginFlow{
		Webauthn:    s.cfg.Webauthn,
		Credentials: s.cfg.Credentials,
		Challenges:  s.cfg.Challenges,
		AuditLog:    s.cfg.AuditLog,
		Clock:       s.cfg.Clock,
		Logger:      s.cfg.Logger,
	}
}

// activeUser loads the tenant and an active, non-deleted user.
func (s *Server) activeUser(ctx context.Context, tenantID, userID string) (*types.Tenant, *types.User, error) {
	tenant, err := s.cfg.Tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	user, err := s.cfg.Users.GetUser(ctx, tenantID, userID)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if !user.Active || user.IsDeleted() {
		return nil, nil, trace.AccessDenied("account is not active")
	}
	return tenant, user, nil
}

// loginUser resolves a login-capable user by username. Lockout state is
// checked here so no challenge is ever issued to a locked account.
func (s *Server) loginUser(ctx context.Context, tenantID, username string) (*types.Tenant, *types.User, error) {
	tenant, err := s.cfg.Tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	user, err := s.cfg.Users.GetUserByUsername(ctx, tenantID, types.NormalizeUsername(username))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, nil, trace.AccessDenied("invalid credentials")
		}
		return nil, nil, trace.Wrap(err)
	}
	if !user.Active || user.IsDeleted() {
		return nil, nil, trace.AccessDenied("invalid credentials")
	}
	if user.IsLocked(s.cfg.Clock.Now()) {
		return nil, nil, trace.AccessDenied("account is locked")
	}
	return tenant, user, nil
}

// recordFailedLogin advances the failed-attempt counter and engages the
// lockout on the threshold attempt.
func (s *Server) recordFailedLogin(ctx context.Context, user *types.User, reqCtx types.RequestContext, reason string) {
	now := s.cfg.Clock.Now().UTC()
	user.FailedAttempts++
	locked := false
	if user.FailedAttempts >= defaults.MaxLoginAttempts {
		user.Lock(now.Add(defaults.AccountLockInterval))
		locked = true
	}
	user.UpdatedAt = now
	if _, err := s.cfg.Users.UpdateUser(ctx, user); err != nil {
		s.cfg.Logger.WarnContext(ctx, "failed to persist failed-login state", "user", user.ID, "error", err)
	}
	s.auditLogin(ctx, user, events.LoginFailedEvent, types.SeverityMedium, false, reqCtx, map[string]interface{}{
		"reason":          reason,
		"failed_attempts": user.FailedAttempts,
	})
	if locked {
		s.audit(ctx, user, events.UserLockEvent, types.SeverityHigh, true, map[string]interface{}{
			"locked_until":    user.LockedUntil,
			"failed_attempts": user.FailedAttempts,
		})
	}
}

// loginSucceeded resets the lockout, assesses risk and mints a session.
func (s *Server) loginSucceeded(ctx context.Context, user *types.User, cred *types.Credential, sessType types.SessionType, reqCtx types.RequestContext) (*LoginResult, error) {
	now := s.cfg.Clock.Now().UTC()
	if user.FailedAttempts > 0 || user.Locked {
		user.ResetLock()
		user.UpdatedAt = now
		if _, err := s.cfg.Users.UpdateUser(ctx, user); err != nil {
			s.cfg.Logger.WarnContext(ctx, "failed to reset lockout state", "user", user.ID, "error", err)
		}
	}

	var assessment *risk.Assessment
	if s.cfg.Risk != nil {
		var err error
		assessment, err = s.cfg.Risk.Assess(ctx, user.TenantID, user.ID, reqCtx)
		if err != nil {
			// Risk assessment never blocks an already verified login.
			s.cfg.Logger.WarnContext(ctx, "login risk assessment failed", "user", user.ID, "error", err)
			assessment = nil
		}
	}

	principal := types.Principal{TenantID: user.TenantID, UserID: user.ID}
	if cred != nil {
		principal.CredentialID = cred.ID
	}
	minted, err := s.cfg.Sessions.Mint(ctx, principal, sessType, reqCtx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if assessment != nil {
		updated, err := s.cfg.Sessions.UpdateRiskScore(ctx, user.TenantID, minted.Session.ID, assessment.Event.Score)
		if err != nil {
			s.cfg.Logger.WarnContext(ctx, "failed to stamp session risk score", "session", minted.Session.ID, "error", err)
		} else {
			minted.Session = updated
		}
	}

	metadata := map[string]interface{}{
		"session_id": minted.Session.ID,
	}
	if cred != nil {
		metadata["credential_id"] = cred.ID
	} else {
		metadata["method"] = "password"
	}
	if assessment != nil {
		metadata["risk_score"] = assessment.Event.Score
		metadata["risk_level"] = string(types.RiskLevelForScore(assessment.Event.Score))
	}
	s.auditLogin(ctx, user, events.LoginSuccessEvent, types.SeverityInfo, true, reqCtx, metadata)

	return &LoginResult{
		User:       user,
		Credential: cred,
		Session:    minted,
		Assessment: assessment,
	}, nil
}

func (s *Server) audit(ctx context.Context, user *types.User, eventType string, severity types.EventSeverity, success bool, metadata map[string]interface{}) {
	if s.cfg.AuditLog == nil {
		return
	}
	if _, err := s.cfg.AuditLog.EmitAuditEvent(ctx, &types.AuditEvent{
		TenantID:     user.TenantID,
		UserID:       user.ID,
		Type:         eventType,
		Severity:     severity,
		ResourceType: "user",
		ResourceID:   user.ID,
		Success:      success,
		Metadata:     metadata,
	}); err != nil {
		s.cfg.Logger.WarnContext(ctx, "failed to emit user audit event", "error", err, "event_type", eventType)
	}
}

func (s *Server) auditLogin(ctx context.Context, user *types.User, eventType string, severity types.EventSeverity, success bool, reqCtx types.RequestContext, metadata map[string]interface{}) {
	if s.cfg.AuditLog == nil {
		return
	}
	if _, err := s.cfg.AuditLog.EmitAuditEvent(ctx, &types.AuditEvent{
		TenantID:     user.TenantID,
		UserID:       user.ID,
		Type:         eventType,
		Severity:     severity,
		ResourceType: "user",
		ResourceID:   user.ID,
		IP:           reqCtx.IP,
		UserAgent:    reqCtx.UserAgent,
		Success:      success,
		Metadata:     metadata,
	}); err != nil {
		s.cfg.Logger.WarnContext(ctx, "failed to emit login audit event", "error", err, "event_type", eventType)
	}
}
