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

package local

import (
	"context"
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/citadelsec/citadel/api/types"
	"github.com/citadelsec/citadel/lib/backend"
	"github.com/citadelsec/citadel/lib/services"
)

const (
	credentialsPrefix     = "credentials"
	credentialsHashPrefix = "credentials_by_hash"
	userCredentialsPrefix = "user_credentials"
)

// credentialRef locates a credential from the global id-hash index.
type credentialRef struct {
	TenantID     string `json:"tenant_id"`
	CredentialID string `json:"credential_id"`
}

// CredentialService manages WebAuthn credentials in the backend.
type CredentialService struct {
	backend.Backend
}

// NewCredentialService returns a new credential service instance.
func NewCredentialService(bk backend.Backend) *CredentialService {
	return &CredentialService{Backend: bk}
}

// CreateCredential stores a new credential. The global id-hash index
// slot is claimed first, which enforces cross-tenant uniqueness of
// authenticator credential ids.
func (s *CredentialService) CreateCredential(ctx context.Context, cred *types.Credential) (*types.Credential, error) {
	if err := cred.CheckIntegrity(); err != nil {
		return nil, trace.Wrap(err)
	}
	cred.Version = 1
	value, err := services.MarshalCredential(cred)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ref, err := json.Marshal(credentialRef{TenantID: cred.TenantID, CredentialID: cred.ID})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	hashKey := backend.Key(credentialsHashPrefix, cred.CredentialIDHash)
	if _, err := s.Create(ctx, backend.Item{Key: hashKey, Value: ref}); err != nil {
		if trace.IsAlreadyExists(err) {
			return nil, trace.AlreadyExists("credential id already registered")
		}
		return nil, trace.Wrap(err)
	}
	item := backend.Item{
		Key:   backend.Key(credentialsPrefix, cred.TenantID, cred.ID),
		Value: value,
	}
	if _, err := s.Create(ctx, item); err != nil {
		_ = s.Delete(ctx, hashKey)
		return nil, trace.Wrap(err)
	}
	userKey := backend.Key(userCredentialsPrefix, cred.TenantID, cred.UserID, cred.ID)
	if _, err := s.Put(ctx, backend.Item{Key: userKey, Value: []byte(cred.ID)}); err != nil {
		return nil, trace.Wrap(err)
	}
	return cred, nil
}

// GetCredential returns a credential by row id.
func (s *CredentialService) GetCredential(ctx context.Context, tenantID, credentialID string) (*types.Credential, error) {
	if tenantID == "" || credentialID == "" {
		return nil, trace.BadParameter("missing tenant or credential id")
	}
	item, err := s.Get(ctx, backend.Key(credentialsPrefix, tenantID, credentialID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("credential %q not found", credentialID)
		}
		return nil, trace.Wrap(err)
	}
	return services.UnmarshalCredential(item.Value)
}

// GetCredentialByIDHash resolves the global credential-id-hash index.
func (s *CredentialService) GetCredentialByIDHash(ctx context.Context, idHash string) (*types.Credential, error) {
	if idHash == "" {
		return nil, trace.BadParameter("missing credential id hash")
	}
	item, err := s.Get(ctx, backend.Key(credentialsHashPrefix, idHash))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("credential not found")
		}
		return nil, trace.Wrap(err)
	}
	var ref credentialRef
	if err := json.Unmarshal(item.Value, &ref); err != nil {
		return nil, trace.BadParameter("%s", err)
	}
	return s.GetCredential(ctx, ref.TenantID, ref.CredentialID)
}

// UpdateCredential replaces a credential guarded by its Version. Sign
// counter updates go through here, so the CAS refuses lost updates from
// concurrent assertions.
func (s *CredentialService) UpdateCredential(ctx context.Context, cred *types.Credential) (*types.Credential, error) {
	if err := cred.CheckIntegrity(); err != nil {
		return nil, trace.Wrap(err)
	}
	key := backend.Key(credentialsPrefix, cred.TenantID, cred.ID)
	existingItem, err := s.Get(ctx, key)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("credential %q not found", cred.ID)
		}
		return nil, trace.Wrap(err)
	}
	existing, err := services.UnmarshalCredential(existingItem.Value)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if existing.Version != cred.Version {
		return nil, trace.CompareFailed("credential %q was concurrently modified", cred.ID)
	}
	updated := *cred
	updated.Version = existing.Version + 1
	value, err := services.MarshalCredential(&updated)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.CompareAndSwap(ctx, *existingItem, backend.Item{Key: key, Value: value}); err != nil {
		if trace.IsCompareFailed(err) {
			return nil, trace.CompareFailed("credential %q was concurrently modified", cred.ID)
		}
		return nil, trace.Wrap(err)
	}
	return &updated, nil
}

// ListUserCredentials returns the user's credentials.
func (s *CredentialService) ListUserCredentials(ctx context.Context, tenantID, userID string) ([]*types.Credential, error) {
	if tenantID == "" || userID == "" {
		return nil, trace.BadParameter("missing tenant or user id")
	}
	startKey := backend.ExactKey(userCredentialsPrefix, tenantID, userID)
	result, err := s.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*types.Credential, 0, len(result.Items))
	for _, item := range result.Items {
		cred, err := s.GetCredential(ctx, tenantID, string(item.Value))
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			return nil, trace.Wrap(err)
		}
		out = append(out, cred)
	}
	return out, nil
}
