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

// Package services defines the persistence contracts of the Citadel
// core. The contracts are the only persistence surface the engines see;
// lib/services/local implements them over lib/backend and alternative
// engines can be substituted without touching domain logic.
//
// Every method is tenant-scoped: implementations must make cross-tenant
// reads impossible by construction.
package services

import (
	"context"
	"time"

	"github.com/citadelsec/citadel/api/types"
)

// Tenants manages tenant records and their policies.
type Tenants interface {
	// UpsertTenant creates or replaces a tenant.
	UpsertTenant(ctx context.Context, tenant *types.Tenant) error
	// GetTenant returns a tenant by id.
	GetTenant(ctx context.Context, tenantID string) (*types.Tenant, error)
}

// Users manages tenant-scoped user accounts.
type Users interface {
	// CreateUser creates a user; email and username must be free within
	// the tenant.
	CreateUser(ctx context.Context, user *types.User) (*types.User, error)
	// GetUser returns a user by id.
	GetUser(ctx context.Context, tenantID, userID string) (*types.User, error)
	// GetUserByEmail resolves the tenant-scoped email index.
	GetUserByEmail(ctx context.Context, tenantID, email string) (*types.User, error)
	// GetUserByUsername resolves the tenant-scoped username index.
	GetUserByUsername(ctx context.Context, tenantID, username string) (*types.User, error)
	// UpdateUser replaces a user guarded by its Version; a stale version
	// yields a CompareFailed error.
	UpdateUser(ctx context.Context, user *types.User) (*types.User, error)
	// ListUsers returns every user of the tenant.
	ListUsers(ctx context.Context, tenantID string) ([]*types.User, error)

	// UpsertPasswordHash stores the bcrypt hash of the fallback password.
	UpsertPasswordHash(ctx context.Context, tenantID, userID string, hash []byte) error
	// GetPasswordHash returns the stored bcrypt hash.
	GetPasswordHash(ctx context.Context, tenantID, userID string) ([]byte, error)
}

// Credentials manages WebAuthn credential records.
type Credentials interface {
	// CreateCredential stores a new credential. The credential id must be
	// globally unique; a duplicate yields an AlreadyExists error.
	CreateCredential(ctx context.Context, cred *types.Credential) (*types.Credential, error)
	// GetCredential returns a credential by row id.
	GetCredential(ctx context.Context, tenantID, credentialID string) (*types.Credential, error)
	// GetCredentialByIDHash resolves the global credential-id-hash index.
	GetCredentialByIDHash(ctx context.Context, idHash string) (*types.Credential, error)
	// UpdateCredential replaces a credential guarded by its Version.
	UpdateCredential(ctx context.Context, cred *types.Credential) (*types.Credential, error)
	// ListUserCredentials returns the user's credentials.
	ListUserCredentials(ctx context.Context, tenantID, userID string) ([]*types.Credential, error)
}

// Sessions manages minted sessions.
type Sessions interface {
	// CreateSession stores a new session.
	CreateSession(ctx context.Context, sess *types.Session) (*types.Session, error)
	// GetSession returns a session by id.
	GetSession(ctx context.Context, tenantID, sessionID string) (*types.Session, error)
	// GetSessionByTokenHash resolves the tenant-scoped token index.
	GetSessionByTokenHash(ctx context.Context, tenantID, tokenHash string) (*types.Session, error)
	// GetSessionByRefreshTokenHash resolves the refresh-token index.
	GetSessionByRefreshTokenHash(ctx context.Context, tenantID, refreshTokenHash string) (*types.Session, error)
	// UpdateSession replaces a session guarded by its Version.
	UpdateSession(ctx context.Context, sess *types.Session) (*types.Session, error)
	// ListUserSessions returns all sessions of the user, any status.
	ListUserSessions(ctx context.Context, tenantID, userID string) ([]*types.Session, error)
	// DeleteSession removes a session record.
	DeleteSession(ctx context.Context, tenantID, sessionID string) error

	// MarkRefreshTokenRotated tombstones a rotated refresh token so its
	// reuse is detectable after the live index moved on.
	MarkRefreshTokenRotated(ctx context.Context, tenantID, refreshTokenHash, sessionID string, ttl time.Duration) error
	// GetRotatedRefreshSession returns the session id a rotated refresh
	// token belonged to, or NotFound.
	GetRotatedRefreshSession(ctx context.Context, tenantID, refreshTokenHash string) (string, error)
}

// RiskProfiles manages risk profiles and their append-only events.
type RiskProfiles interface {
	// GetRiskProfile returns the profile of (tenant, user).
	GetRiskProfile(ctx context.Context, tenantID, userID string) (*types.RiskProfile, error)
	// UpsertRiskProfile creates or replaces a profile guarded by its
	// Version.
	UpsertRiskProfile(ctx context.Context, profile *types.RiskProfile) (*types.RiskProfile, error)
	// CreateRiskEvent appends a risk event.
	CreateRiskEvent(ctx context.Context, event *types.RiskEvent) (*types.RiskEvent, error)
	// GetRiskEvent returns a risk event by id.
	GetRiskEvent(ctx context.Context, tenantID, userID, eventID string) (*types.RiskEvent, error)
	// UpdateRiskEvent replaces a risk event.
	UpdateRiskEvent(ctx context.Context, event *types.RiskEvent) (*types.RiskEvent, error)
	// ListRiskEvents returns the user's risk events, newest first.
	ListRiskEvents(ctx context.Context, tenantID, userID string, limit int) ([]*types.RiskEvent, error)
	// CountRecentEventsByIP counts risk events recorded from one source
	// address since the given time, across every user of the tenant.
	CountRecentEventsByIP(ctx context.Context, tenantID, ip string, since time.Time) (int, error)
}

// IdentityGraph manages identities, contexts and attributes.
type IdentityGraph interface {
	// CreateIdentity stores a new identity; the (tenant, key type, key
	// value) triple must be free.
	CreateIdentity(ctx context.Context, identity *types.Identity) (*types.Identity, error)
	// GetIdentity returns an identity by id.
	GetIdentity(ctx context.Context, tenantID, identityID string) (*types.Identity, error)
	// GetIdentityByPrimaryKey resolves the primary-key index.
	GetIdentityByPrimaryKey(ctx context.Context, tenantID, keyType, keyValue string) (*types.Identity, error)
	// UpdateIdentity replaces an identity guarded by its Version.
	UpdateIdentity(ctx context.Context, identity *types.Identity) (*types.Identity, error)
	// ListPersonIdentities returns all identities of a person.
	ListPersonIdentities(ctx context.Context, tenantID, personID string) ([]*types.Identity, error)

	// CreateContext stores a new identity context; (identity, context
	// type) must be free.
	CreateContext(ctx context.Context, ictx *types.IdentityContext) (*types.IdentityContext, error)
	// GetContext returns a context by id.
	GetContext(ctx context.Context, tenantID, identityID, contextID string) (*types.IdentityContext, error)
	// UpdateContext replaces a context guarded by its Version.
	UpdateContext(ctx context.Context, ictx *types.IdentityContext) (*types.IdentityContext, error)
	// ListContexts returns all contexts of an identity.
	ListContexts(ctx context.Context, tenantID, identityID string) ([]*types.IdentityContext, error)

	// UpsertAttribute creates or replaces an attribute keyed by (context,
	// key), guarded by its Version when it already exists.
	UpsertAttribute(ctx context.Context, attr *types.ContextAttribute) (*types.ContextAttribute, error)
	// GetAttribute returns an attribute by its stable key.
	GetAttribute(ctx context.Context, tenantID, contextID, key string) (*types.ContextAttribute, error)
	// ListAttributes returns all attributes of a context.
	ListAttributes(ctx context.Context, tenantID, contextID string) ([]*types.ContextAttribute, error)
	// DeleteAttribute removes an attribute.
	DeleteAttribute(ctx context.Context, tenantID, contextID, key string) error
}

// WebauthnChallenge is stored ceremony state between begin and finish.
// Challenges live under a TTL and are consumed exactly once.
type WebauthnChallenge struct {
	// TenantID, UserID and Purpose form the storage key.
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	// Purpose is "registration" or "login".
	Purpose string `json:"purpose"`
	// SessionData is the serialized webauthn session data.
	SessionData []byte `json:"session_data"`
	// CreatedAt stamps challenge creation.
	CreatedAt time.Time `json:"created_at"`
}

// Challenge purposes.
const (
	ChallengePurposeRegistration = "registration"
	ChallengePurposeLogin        = "login"
)

// Challenges stores single-use WebAuthn ceremony state.
type Challenges interface {
	// UpsertChallenge stores a challenge under the given TTL, replacing
	// any pending one for the same (tenant, user, purpose).
	UpsertChallenge(ctx context.Context, challenge *WebauthnChallenge, ttl time.Duration) error
	// ConsumeChallenge returns the pending challenge and deletes it in
	// the same call; an expired or absent challenge yields NotFound.
	ConsumeChallenge(ctx context.Context, tenantID, userID, purpose string) (*WebauthnChallenge, error)
}
