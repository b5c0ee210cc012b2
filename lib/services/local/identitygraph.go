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

	"github.com/gravitational/trace"

	"github.com/citadelsec/citadel/api/types"
	"github.com/citadelsec/citadel/lib/backend"
	"github.com/citadelsec/citadel/lib/services"
)

const (
	identitiesPrefix       = "graph_identities"
	identitiesByKeyPrefix  = "graph_identities_by_key"
	personIdentitiesPrefix = "graph_person_identities"
	contextsPrefix         = "graph_contexts"
	attributesPrefix       = "graph_attributes"
)

// IdentityGraphService manages the identity graph in the backend.
type IdentityGraphService struct {
	backend.Backend
}

// NewIdentityGraphService returns a new identity graph service instance.
func NewIdentityGraphService(bk backend.Backend) *IdentityGraphService {
	return &IdentityGraphService{Backend: bk}
}

// CreateIdentity stores a new identity. The primary-key index slot is
// claimed first so (tenant, key type, key value) stays unique.
func (s *IdentityGraphService) CreateIdentity(ctx context.Context, identity *types.Identity) (*types.Identity, error) {
	if err := identity.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	identity.Version = 1
	value, err := services.MarshalIdentity(identity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	keyIdx := backend.Key(identitiesByKeyPrefix, identity.TenantID, identity.PrimaryKeyType, identity.PrimaryKeyValue)
	if _, err := s.Create(ctx, backend.Item{Key: keyIdx, Value: []byte(identity.ID)}); err != nil {
		if trace.IsAlreadyExists(err) {
			return nil, trace.AlreadyExists("identity with %s %q already exists",
				identity.PrimaryKeyType, identity.PrimaryKeyValue)
		}
		return nil, trace.Wrap(err)
	}
	item := backend.Item{
		Key:   backend.Key(identitiesPrefix, identity.TenantID, identity.ID),
		Value: value,
	}
	if _, err := s.Create(ctx, item); err != nil {
		_ = s.Delete(ctx, keyIdx)
		return nil, trace.Wrap(err)
	}
	personKey := backend.Key(personIdentitiesPrefix, identity.TenantID, identity.PersonID, identity.ID)
	if _, err := s.Put(ctx, backend.Item{Key: personKey, Value: []byte(identity.ID)}); err != nil {
		return nil, trace.Wrap(err)
	}
	return identity, nil
}

// GetIdentity returns an identity by id.
func (s *IdentityGraphService) GetIdentity(ctx context.Context, tenantID, identityID string) (*types.Identity, error) {
	if tenantID == "" || identityID == "" {
		return nil, trace.BadParameter("missing tenant or identity id")
	}
	item, err := s.Get(ctx, backend.Key(identitiesPrefix, tenantID, identityID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("identity %q not found", identityID)
		}
		return nil, trace.Wrap(err)
	}
	return services.UnmarshalIdentity(item.Value)
}

// GetIdentityByPrimaryKey resolves the primary-key index.
func (s *IdentityGraphService) GetIdentityByPrimaryKey(ctx context.Context, tenantID, keyType, keyValue string) (*types.Identity, error) {
	if tenantID == "" || keyType == "" || keyValue == "" {
		return nil, trace.BadParameter("missing tenant id or primary key")
	}
	item, err := s.Get(ctx, backend.Key(identitiesByKeyPrefix, tenantID, keyType, keyValue))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("identity with %s %q not found", keyType, keyValue)
		}
		return nil, trace.Wrap(err)
	}
	return s.GetIdentity(ctx, tenantID, string(item.Value))
}

// UpdateIdentity replaces an identity guarded by its Version.
func (s *IdentityGraphService) UpdateIdentity(ctx context.Context, identity *types.Identity) (*types.Identity, error) {
	if err := identity.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	key := backend.Key(identitiesPrefix, identity.TenantID, identity.ID)
	existingItem, err := s.Get(ctx, key)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("identity %q not found", identity.ID)
		}
		return nil, trace.Wrap(err)
	}
	existing, err := services.UnmarshalIdentity(existingItem.Value)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if existing.Version != identity.Version {
		return nil, trace.CompareFailed("identity %q was concurrently modified", identity.ID)
	}
	if existing.PrimaryKeyType != identity.PrimaryKeyType || existing.PrimaryKeyValue != identity.PrimaryKeyValue {
		return nil, trace.BadParameter("identity primary key is immutable")
	}
	updated := *identity
	updated.Version = existing.Version + 1
	value, err := services.MarshalIdentity(&updated)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.CompareAndSwap(ctx, *existingItem, backend.Item{Key: key, Value: value}); err != nil {
		if trace.IsCompareFailed(err) {
			return nil, trace.CompareFailed("identity %q was concurrently modified", identity.ID)
		}
		return nil, trace.Wrap(err)
	}
	return &updated, nil
}

// ListPersonIdentities returns all identities of a person.
func (s *IdentityGraphService) ListPersonIdentities(ctx context.Context, tenantID, personID string) ([]*types.Identity, error) {
	if tenantID == "" || personID == "" {
		return nil, trace.BadParameter("missing tenant or person id")
	}
	startKey := backend.ExactKey(personIdentitiesPrefix, tenantID, personID)
	result, err := s.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*types.Identity, 0, len(result.Items))
	for _, item := range result.Items {
		identity, err := s.GetIdentity(ctx, tenantID, string(item.Value))
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			return nil, trace.Wrap(err)
		}
		out = append(out, identity)
	}
	return out, nil
}

// CreateContext stores a new identity context. One context per
// (identity, context type) is enforced by scanning existing contexts.
func (s *IdentityGraphService) CreateContext(ctx context.Context, ictx *types.IdentityContext) (*types.IdentityContext, error) {
	if ictx.TenantID == "" || ictx.IdentityID == "" || ictx.ContextType == "" {
		return nil, trace.BadParameter("context missing tenant, identity id or type")
	}
	existing, err := s.ListContexts(ctx, ictx.TenantID, ictx.IdentityID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, other := range existing {
		if other.ContextType == ictx.ContextType {
			return nil, trace.AlreadyExists("context %q already exists for identity %q",
				ictx.ContextType, ictx.IdentityID)
		}
	}
	ictx.Version = 1
	value, err := services.MarshalIdentityContext(ictx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	item := backend.Item{
		Key:   backend.Key(contextsPrefix, ictx.TenantID, ictx.IdentityID, ictx.ID),
		Value: value,
	}
	if _, err := s.Create(ctx, item); err != nil {
		return nil, trace.Wrap(err)
	}
	return ictx, nil
}

// GetContext returns a context by id.
func (s *IdentityGraphService) GetContext(ctx context.Context, tenantID, identityID, contextID string) (*types.IdentityContext, error) {
	if tenantID == "" || identityID == "" || contextID == "" {
		return nil, trace.BadParameter("missing tenant, identity or context id")
	}
	item, err := s.Get(ctx, backend.Key(contextsPrefix, tenantID, identityID, contextID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("context %q not found", contextID)
		}
		return nil, trace.Wrap(err)
	}
	return services.UnmarshalIdentityContext(item.Value)
}

// UpdateContext replaces a context guarded by its Version.
func (s *IdentityGraphService) UpdateContext(ctx context.Context, ictx *types.IdentityContext) (*types.IdentityContext, error) {
	key := backend.Key(contextsPrefix, ictx.TenantID, ictx.IdentityID, ictx.ID)
	existingItem, err := s.Get(ctx, key)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("context %q not found", ictx.ID)
		}
		return nil, trace.Wrap(err)
	}
	existing, err := services.UnmarshalIdentityContext(existingItem.Value)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if existing.Version != ictx.Version {
		return nil, trace.CompareFailed("context %q was concurrently modified", ictx.ID)
	}
	updated := *ictx
	updated.Version = existing.Version + 1
	value, err := services.MarshalIdentityContext(&updated)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.CompareAndSwap(ctx, *existingItem, backend.Item{Key: key, Value: value}); err != nil {
		if trace.IsCompareFailed(err) {
			return nil, trace.CompareFailed("context %q was concurrently modified", ictx.ID)
		}
		return nil, trace.Wrap(err)
	}
	return &updated, nil
}

// ListContexts returns all contexts of an identity.
func (s *IdentityGraphService) ListContexts(ctx context.Context, tenantID, identityID string) ([]*types.IdentityContext, error) {
	if tenantID == "" || identityID == "" {
		return nil, trace.BadParameter("missing tenant or identity id")
	}
	startKey := backend.ExactKey(contextsPrefix, tenantID, identityID)
	result, err := s.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*types.IdentityContext, 0, len(result.Items))
	for _, item := range result.Items {
		ictx, err := services.UnmarshalIdentityContext(item.Value)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, ictx)
	}
	return out, nil
}

// UpsertAttribute creates or replaces an attribute keyed by (context,
// key). Existing attributes are guarded by their Version.
func (s *IdentityGraphService) UpsertAttribute(ctx context.Context, attr *types.ContextAttribute) (*types.ContextAttribute, error) {
	if err := attr.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	key := backend.Key(attributesPrefix, attr.TenantID, attr.ContextID, attr.Key)
	existingItem, err := s.Get(ctx, key)
	if err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	updated := *attr
	if existingItem == nil {
		updated.Version = 1
		value, err := services.MarshalContextAttribute(&updated)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if _, err := s.Create(ctx, backend.Item{Key: key, Value: value}); err != nil {
			return nil, trace.Wrap(err)
		}
		return &updated, nil
	}
	existing, err := services.UnmarshalContextAttribute(existingItem.Value)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if existing.Version != attr.Version {
		return nil, trace.CompareFailed("attribute %q was concurrently modified", attr.Key)
	}
	updated.Version = existing.Version + 1
	value, err := services.MarshalContextAttribute(&updated)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.CompareAndSwap(ctx, *existingItem, backend.Item{Key: key, Value: value}); err != nil {
		if trace.IsCompareFailed(err) {
			return nil, trace.CompareFailed("attribute %q was concurrently modified", attr.Key)
		}
		return nil, trace.Wrap(err)
	}
	return &updated, nil
}

// GetAttribute returns an attribute by its stable key.
func (s *IdentityGraphService) GetAttribute(ctx context.Context, tenantID, contextID, key string) (*types.ContextAttribute, error) {
	if tenantID == "" || contextID == "" || key == "" {
		return nil, trace.BadParameter("missing tenant, context id or key")
	}
	item, err := s.Get(ctx, backend.Key(attributesPrefix, tenantID, contextID, key))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("attribute %q not found", key)
		}
		return nil, trace.Wrap(err)
	}
	return services.UnmarshalContextAttribute(item.Value)
}

// ListAttributes returns all attributes of a context.
func (s *IdentityGraphService) ListAttributes(ctx context.Context, tenantID, contextID string) ([]*types.ContextAttribute, error) {
	if tenantID == "" || contextID == "" {
		return nil, trace.BadParameter("missing tenant or context id")
	}
	startKey := backend.ExactKey(attributesPrefix, tenantID, contextID)
	result, err := s.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*types.ContextAttribute, 0, len(result.Items))
	for _, item := range result.Items {
		attr, err := services.UnmarshalContextAttribute(item.Value)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, attr)
	}
	return out, nil
}

// DeleteAttribute removes an attribute.
func (s *IdentityGraphService) DeleteAttribute(ctx context.Context, tenantID, contextID, key string) error {
	if tenantID == "" || contextID == "" || key == "" {
		return trace.BadParameter("missing tenant, context id or key")
	}
	err := s.Delete(ctx, backend.Key(attributesPrefix, tenantID, contextID, key))
	if trace.IsNotFound(err) {
		return trace.NotFound("attribute %q not found", key)
	}
	return trace.Wrap(err)
}
