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

package services

import (
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/citadelsec/citadel/api/types"
)

// MarshalUser marshals a user to its storage representation.
func MarshalUser(user *types.User) ([]byte, error) {
	if err := user.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	data, err := json.Marshal(user)
	return data, trace.Wrap(err)
}

// UnmarshalUser unmarshals a user from its storage representation.
func UnmarshalUser(data []byte) (*types.User, error) {
	if len(data) == 0 {
		return nil, trace.BadParameter("missing user data")
	}
	var user types.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, trace.BadParameter("%s", err)
	}
	return &user, nil
}

// MarshalCredential marshals a credential to its storage representation.
func MarshalCredential(cred *types.Credential) ([]byte, error) {
	if err := cred.CheckIntegrity(); err != nil {
		return nil, trace.Wrap(err)
	}
	data, err := json.Marshal(cred)
	return data, trace.Wrap(err)
}

// UnmarshalCredential unmarshals a credential from its storage
// representation.
func UnmarshalCredential(data []byte) (*types.Credential, error) {
	if len(data) == 0 {
		return nil, trace.BadParameter("missing credential data")
	}
	var cred types.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, trace.BadParameter("%s", err)
	}
	return &cred, nil
}

// MarshalSession marshals a session to its storage representation.
func MarshalSession(sess *types.Session) ([]byte, error) {
	data, err := json.Marshal(sess)
	return data, trace.Wrap(err)
}

// UnmarshalSession unmarshals a session from its storage representation.
func UnmarshalSession(data []byte) (*types.Session, error) {
	if len(data) == 0 {
		return nil, trace.BadParameter("missing session data")
	}
	var sess types.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, trace.BadParameter("%s", err)
	}
	return &sess, nil
}

// MarshalRiskProfile marshals a risk profile.
func MarshalRiskProfile(profile *types.RiskProfile) ([]byte, error) {
	if err := profile.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	data, err := json.Marshal(profile)
	return data, trace.Wrap(err)
}

// UnmarshalRiskProfile unmarshals a risk profile.
func UnmarshalRiskProfile(data []byte) (*types.RiskProfile, error) {
	if len(data) == 0 {
		return nil, trace.BadParameter("missing risk profile data")
	}
	var profile types.RiskProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, trace.BadParameter("%s", err)
	}
	return &profile, nil
}

// MarshalRiskEvent marshals a risk event.
func MarshalRiskEvent(event *types.RiskEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	return data, trace.Wrap(err)
}

// UnmarshalRiskEvent unmarshals a risk event.
func UnmarshalRiskEvent(data []byte) (*types.RiskEvent, error) {
	if len(data) == 0 {
		return nil, trace.BadParameter("missing risk event data")
	}
	var event types.RiskEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, trace.BadParameter("%s", err)
	}
	return &event, nil
}

// MarshalIdentity marshals a graph identity.
func MarshalIdentity(identity *types.Identity) ([]byte, error) {
	if err := identity.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	data, err := json.Marshal(identity)
	return data, trace.Wrap(err)
}

// UnmarshalIdentity unmarshals a graph identity.
func UnmarshalIdentity(data []byte) (*types.Identity, error) {
	if len(data) == 0 {
		return nil, trace.BadParameter("missing identity data")
	}
	var identity types.Identity
	if err := json.Unmarshal(data, &identity); err != nil {
		return nil, trace.BadParameter("%s", err)
	}
	return &identity, nil
}

// MarshalIdentityContext marshals an identity context.
func MarshalIdentityContext(ictx *types.IdentityContext) ([]byte, error) {
	data, err := json.Marshal(ictx)
	return data, trace.Wrap(err)
}

// UnmarshalIdentityContext unmarshals an identity context.
func UnmarshalIdentityContext(data []byte) (*types.IdentityContext, error) {
	if len(data) == 0 {
		return nil, trace.BadParameter("missing identity context data")
	}
	var ictx types.IdentityContext
	if err := json.Unmarshal(data, &ictx); err != nil {
		return nil, trace.BadParameter("%s", err)
	}
	return &ictx, nil
}

// MarshalContextAttribute marshals a context attribute.
func MarshalContextAttribute(attr *types.ContextAttribute) ([]byte, error) {
	if err := attr.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	data, err := json.Marshal(attr)
	return data, trace.Wrap(err)
}

// UnmarshalContextAttribute unmarshals a context attribute.
func UnmarshalContextAttribute(data []byte) (*types.ContextAttribute, error) {
	if len(data) == 0 {
		return nil, trace.BadParameter("missing context attribute data")
	}
	var attr types.ContextAttribute
	if err := json.Unmarshal(data, &attr); err != nil {
		return nil, trace.BadParameter("%s", err)
	}
	return &attr, nil
}

// MarshalTenant marshals a tenant.
func MarshalTenant(tenant *types.Tenant) ([]byte, error) {
	if err := tenant.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	data, err := json.Marshal(tenant)
	return data, trace.Wrap(err)
}

// UnmarshalTenant unmarshals a tenant.
func UnmarshalTenant(data []byte) (*types.Tenant, error) {
	if len(data) == 0 {
		return nil, trace.BadParameter("missing tenant data")
	}
	var tenant types.Tenant
	if err := json.Unmarshal(data, &tenant); err != nil {
		return nil, trace.BadParameter("%s", err)
	}
	return &tenant, nil
}

// MarshalAuditEvent marshals an audit event.
func MarshalAuditEvent(event *types.AuditEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	return data, trace.Wrap(err)
}

// UnmarshalAuditEvent unmarshals an audit event.
func UnmarshalAuditEvent(data []byte) (*types.AuditEvent, error) {
	if len(data) == 0 {
		return nil, trace.BadParameter("missing audit event data")
	}
	var event types.AuditEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, trace.BadParameter("%s", err)
	}
	return &event, nil
}
