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

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/citadelsec/citadel/api/types"
	wanlib "github.com/citadelsec/citadel/lib/auth/webauthn"
	"github.com/citadelsec/citadel/lib/backend/memory"
	"github.com/citadelsec/citadel/lib/defaults"
	"github.com/citadelsec/citadel/lib/events"
	"github.com/citadelsec/citadel/lib/risk"
	"github.com/citadelsec/citadel/lib/services"
	"github.com/citadelsec/citadel/lib/services/local"
	"github.com/citadelsec/citadel/lib/session"
)

type authPack struct {
	clock       *clockwork.FakeClock
	server      *Server
	users       services.Users
	credentials services.Credentials
	sessions    *session.Manager
	log         *events.AuditLog
}

func newAuthPack(t *testing.T) *authPack {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })

	log, err := events.NewAuditLog(events.AuditLogConfig{Backend: bk, Clock: clock})
	require.NoError(t, err)
	sessions, err := session.NewManager(session.ManagerConfig{
		Sessions: local.NewSessionService(bk),
		AuditLog: log,
		Clock:    clock,
	})
	require.NoError(t, err)
	engine, err := risk.NewEngine(risk.EngineConfig{
		Profiles: local.NewRiskService(bk),
		AuditLog: log,
		Clock:    clock,
	})
	require.NoError(t, err)

	tenants := local.NewTenantService(bk)
	require.NoError(t, tenants.UpsertTenant(ctx, &types.Tenant{ID: "acme", Name: "Acme Corp"}))

	users := local.NewUserService(bk)
	credentials := local.NewCredentialService(bk)
	server, err := NewServer(ServerConfig{
		Tenants:     tenants,
		Users:       users,
		Credentials: credentials,
		Challenges:  local.NewChallengeService(bk),
		Sessions:    sessions,
		Risk:        engine,
		Webauthn: &wanlib.Config{
			RPID:      "example.com",
			RPOrigins: []string{"https://example.com"},
		},
		AuditLog: log,
		Clock:    clock,
	})
	require.NoError(t, err)
	return &authPack{
		clock:       clock,
		server:      server,
		users:       users,
		credentials: credentials,
		sessions:    sessions,
		log:         log,
	}
}

func (p *authPack) createUser(t *testing.T, email, username string) *types.User {
	t.Helper()
	user, err := p.server.CreateUser(context.Background(), "acme", email, username, "")
	require.NoError(t, err)
	return user
}

func TestCreateUserUnknownTenant(t *testing.T) {
	p := newAuthPack(t)
	_, err := p.server.CreateUser(context.Background(), "globex", "alice@example.com", "alice", "Alice")
	require.True(t, trace.IsNotFound(err))
}

func TestCreateUserDuplicateIdentifiers(t *testing.T) {
	ctx := context.Background()
	p := newAuthPack(t)
	p.createUser(t, "alice@example.com", "alice")

	_, err := p.server.CreateUser(ctx, "acme", "alice@example.com", "alice2", "")
	require.True(t, trace.IsAlreadyExists(err))
	_, err = p.server.CreateUser(ctx, "acme", "alice2@example.com", "alice", "")
	require.True(t, trace.IsAlreadyExists(err))
}

func TestPasswordLoginHappyPath(t *testing.T) {
	ctx := context.Background()
	p := newAuthPack(t)
	user := p.createUser(t, "alice@example.com", "alice")

	require.True(t, trace.IsBadParameter(p.server.SetPassword(ctx, "acme", user.ID, "short")))
	require.NoError(t, p.server.SetPassword(ctx, "acme", user.ID, "correct horse battery"))

	result, err := p.server.PasswordLogin(ctx, "acme", "alice", "correct horse battery", types.RequestContext{IP: "203.0.113.7"})
	require.NoError(t, err)
	require.Equal(t, user.ID, result.User.ID)
	require.Nil(t, result.Credential)
	require.NotNil(t, result.Assessment)
	require.Equal(t, result.Assessment.Event.Score, result.Session.Session.RiskScore)

	sess, err := p.sessions.Validate(ctx, "acme", result.Session.Token)
	require.NoError(t, err)
	require.Equal(t, user.ID, sess.UserID)

	found, err := p.log.SearchEvents(ctx, "acme", events.EventFilter{Types: []string{events.LoginSuccessEvent}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "password", found[0].Metadata["method"])
}

func TestPasswordLoginUniformErrors(t *testing.T) {
	ctx := context.Background()
	p := newAuthPack(t)
	user := p.createUser(t, "alice@example.com", "alice")
	require.NoError(t, p.server.SetPassword(ctx, "acme", user.ID, "correct horse battery"))

	// Unknown user, wrong password and a deleted account all produce
	// the same denial.
	for _, tc := range []struct {
		desc     string
		username string
		password string
		prepare  func()
	}{
		{desc: "unknown user", username: "nobody", password: "whatever123"},
		{desc: "wrong password", username: "alice", password: "incorrect staple"},
		{desc: "no password set", username: "bob", password: "whatever123", prepare: func() {
			p.createUser(t, "bob@example.com", "bob")
		}},
	} {
		if tc.prepare != nil {
			tc.prepare()
		}
		_, err := p.server.PasswordLogin(ctx, "acme", tc.username, tc.password, types.RequestContext{})
		require.True(t, trace.IsAccessDenied(err), tc.desc)
		require.ErrorContains(t, err, "invalid credentials", tc.desc)
	}
}

func TestLockoutEngagesOnThreshold(t *testing.T) {
	ctx := context.Background()
	p := newAuthPack(t)
	user := p.createUser(t, "alice@example.com", "alice")
	require.NoError(t, p.server.SetPassword(ctx, "acme", user.ID, "correct horse battery"))

	for i := 0; i < defaults.MaxLoginAttempts; i++ {
		_, err := p.server.PasswordLogin(ctx, "acme", "alice", "wrong password", types.RequestContext{})
		require.True(t, trace.IsAccessDenied(err))
	}

	locked, err := p.users.GetUser(ctx, "acme", user.ID)
	require.NoError(t, err)
	require.True(t, locked.IsLocked(p.clock.Now()))
	require.Equal(t, defaults.MaxLoginAttempts, locked.FailedAttempts)

	// The right password no longer helps, and the denial does not
	// reveal the lock.
	_, err = p.server.PasswordLogin(ctx, "acme", "alice", "correct horse battery", types.RequestContext{})
	require.True(t, trace.IsAccessDenied(err))
	require.ErrorContains(t, err, "invalid credentials")

	failures, err := p.log.SearchEvents(ctx, "acme", events.EventFilter{Types: []string{events.LoginFailedEvent}})
	require.NoError(t, err)
	require.Len(t, failures, defaults.MaxLoginAttempts)
	locks, err := p.log.SearchEvents(ctx, "acme", events.EventFilter{Types: []string{events.UserLockEvent}})
	require.NoError(t, err)
	require.Len(t, locks, 1)

	// The lock expires on its own.
	p.clock.Advance(defaults.AccountLockInterval + time.Minute)
	result, err := p.server.PasswordLogin(ctx, "acme", "alice", "correct horse battery", types.RequestContext{})
	require.NoError(t, err)
	require.NotNil(t, result.Session)

	reset, err := p.users.GetUser(ctx, "acme", user.ID)
	require.NoError(t, err)
	require.Zero(t, reset.FailedAttempts)
	require.False(t, reset.Locked)
}

func TestUnlockUserClearsLockoutEarly(t *testing.T) {
	ctx := context.Background()
	p := newAuthPack(t)
	user := p.createUser(t, "alice@example.com", "alice")
	require.NoError(t, p.server.SetPassword(ctx, "acme", user.ID, "correct horse battery"))

	for i := 0; i < defaults.MaxLoginAttempts; i++ {
		_, err := p.server.PasswordLogin(ctx, "acme", "alice", "wrong password", types.RequestContext{})
		require.True(t, trace.IsAccessDenied(err))
	}
	require.NoError(t, p.server.UnlockUser(ctx, "acme", user.ID))

	result, err := p.server.PasswordLogin(ctx, "acme", "alice", "correct horse battery", types.RequestContext{})
	require.NoError(t, err)
	require.NotNil(t, result.Session)
}

func TestBeginLoginRefusesLockedAccount(t *testing.T) {
	ctx := context.Background()
	p := newAuthPack(t)
	user := p.createUser(t, "alice@example.com", "alice")
	require.NoError(t, p.server.SetPassword(ctx, "acme", user.ID, "correct horse battery"))
	for i := 0; i < defaults.MaxLoginAttempts; i++ {
		_, err := p.server.PasswordLogin(ctx, "acme", "alice", "wrong password", types.RequestContext{})
		require.True(t, trace.IsAccessDenied(err))
	}

	// No challenge is ever issued to a locked account.
	_, err := p.server.BeginLogin(ctx, "acme", "alice")
	require.True(t, trace.IsAccessDenied(err))
	require.ErrorContains(t, err, "account is locked")

	_, err = p.server.BeginLogin(ctx, "acme", "nobody")
	require.True(t, trace.IsAccessDenied(err))
	require.ErrorContains(t, err, "invalid credentials")
}

func TestDeleteUserCascades(t *testing.T) {
	ctx := context.Background()
	p := newAuthPack(t)
	user := p.createUser(t, "alice@example.com", "alice")
	require.NoError(t, p.server.SetPassword(ctx, "acme", user.ID, "correct horse battery"))

	result, err := p.server.PasswordLogin(ctx, "acme", "alice", "correct horse battery", types.RequestContext{})
	require.NoError(t, err)

	cred, err := types.NewCredential("acme", user.ID, []byte("cred-id"), []byte("cose-key"), p.clock.Now().UTC())
	require.NoError(t, err)
	created, err := p.credentials.CreateCredential(ctx, cred)
	require.NoError(t, err)

	require.NoError(t, p.server.DeleteUser(ctx, "acme", user.ID))

	// Sessions die with the account.
	_, err = p.sessions.Validate(ctx, "acme", result.Session.Token)
	require.True(t, trace.IsAccessDenied(err))
	// Credentials are revoked, not erased.
	revoked, err := p.credentials.GetCredential(ctx, "acme", created.ID)
	require.NoError(t, err)
	require.Equal(t, types.CredentialStatusRevoked, revoked.Status)
	// Identifier slots free up for reuse.
	_, err = p.users.GetUserByUsername(ctx, "acme", "alice")
	require.True(t, trace.IsNotFound(err))
	p.createUser(t, "alice@example.com", "alice")

	// The tombstone survives and refuses further mutation.
	deleted, err := p.users.GetUser(ctx, "acme", user.ID)
	require.NoError(t, err)
	require.True(t, deleted.IsDeleted())
	err = p.server.DeleteUser(ctx, "acme", user.ID)
	require.True(t, trace.IsCompareFailed(err))
	_, err = p.server.UpdateUser(ctx, deleted)
	require.True(t, trace.IsBadParameter(err))
}

func TestBeginLoginRequiresCredentials(t *testing.T) {
	ctx := context.Background()
	p := newAuthPack(t)
	p.createUser(t, "alice@example.com", "alice")

	// A user with no registered credentials cannot start an assertion
	// ceremony.
	_, err := p.server.BeginLogin(ctx, "acme", "alice")
	require.Error(t, err)
}
