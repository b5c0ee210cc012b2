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

// Package local implements the services contracts over lib/backend.
// Every key embeds the tenant id right after the prefix, so a range
// read can never cross a tenant boundary.
package local

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/citadelsec/citadel/api/types"
	"github.com/citadelsec/citadel/lib/backend"
	"github.com/citadelsec/citadel/lib/services"
)

const (
	usersPrefix        = "users"
	usersByEmailPrefix = "users_by_email"
	usersByNamePrefix  = "users_by_name"
	passwordsPrefix    = "passwords"
	tenantsPrefix      = "tenants"
)

// UserService manages user accounts in the backend.
type UserService struct {
	backend.Backend
}

// NewUserService returns a new user service instance.
func NewUserService(bk backend.Backend) *UserService {
	return &UserService{Backend: bk}
}

// CreateUser creates a user. The email and username index slots are
// claimed first so a duplicate fails before the primary record exists.
func (s *UserService) CreateUser(ctx context.Context, user *types.User) (*types.User, error) {
	if err := user.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	user.Version = 1
	value, err := services.MarshalUser(user)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	emailKey := backend.Key(usersByEmailPrefix, user.TenantID, user.Email)
	if _, err := s.Create(ctx, backend.Item{Key: emailKey, Value: []byte(user.ID)}); err != nil {
		if trace.IsAlreadyExists(err) {
			return nil, trace.AlreadyExists("user with email %q already exists", user.Email)
		}
		return nil, trace.Wrap(err)
	}
	nameKey := backend.Key(usersByNamePrefix, user.TenantID, user.Username)
	if _, err := s.Create(ctx, backend.Item{Key: nameKey, Value: []byte(user.ID)}); err != nil {
		_ = s.Delete(ctx, emailKey)
		if trace.IsAlreadyExists(err) {
			return nil, trace.AlreadyExists("user with username %q already exists", user.Username)
		}
		return nil, trace.Wrap(err)
	}
	item := backend.Item{Key: backend.Key(usersPrefix, user.TenantID, user.ID), Value: value}
	if _, err := s.Create(ctx, item); err != nil {
		_ = s.Delete(ctx, emailKey)
		_ = s.Delete(ctx, nameKey)
		return nil, trace.Wrap(err)
	}
	return user, nil
}

// GetUser returns a user by id.
func (s *UserService) GetUser(ctx context.Context, tenantID, userID string) (*types.User, error) {
	if tenantID == "" || userID == "" {
		return nil, trace.BadParameter("missing tenant or user id")
	}
	item, err := s.Get(ctx, backend.Key(usersPrefix, tenantID, userID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("user %q not found", userID)
		}
		return nil, trace.Wrap(err)
	}
	return services.UnmarshalUser(item.Value)
}

// GetUserByEmail resolves the tenant-scoped email index.
func (s *UserService) GetUserByEmail(ctx context.Context, tenantID, email string) (*types.User, error) {
	email = types.NormalizeEmail(email)
	item, err := s.Get(ctx, backend.Key(usersByEmailPrefix, tenantID, email))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("user with email %q not found", email)
		}
		return nil, trace.Wrap(err)
	}
	return s.GetUser(ctx, tenantID, string(item.Value))
}

// GetUserByUsername resolves the tenant-scoped username index.
func (s *UserService) GetUserByUsername(ctx context.Context, tenantID, username string) (*types.User, error) {
	username = types.NormalizeUsername(username)
	item, err := s.Get(ctx, backend.Key(usersByNamePrefix, tenantID, username))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("user %q not found", username)
		}
		return nil, trace.Wrap(err)
	}
	return s.GetUser(ctx, tenantID, string(item.Value))
}

// UpdateUser replaces a user guarded by its Version. Identifier changes
// move the index slots.
func (s *UserService) UpdateUser(ctx context.Context, user *types.User) (*types.User, error) {
	if err := user.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	key := backend.Key(usersPrefix, user.TenantID, user.ID)
	existingItem, err := s.Get(ctx, key)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("user %q not found", user.ID)
		}
		return nil, trace.Wrap(err)
	}
	existing, err := services.UnmarshalUser(existingItem.Value)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if existing.Version != user.Version {
		return nil, trace.CompareFailed("user %q was concurrently modified", user.ID)
	}
	updated := *user
	updated.Version = existing.Version + 1
	value, err := services.MarshalUser(&updated)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.CompareAndSwap(ctx, *existingItem, backend.Item{Key: key, Value: value}); err != nil {
		if trace.IsCompareFailed(err) {
			return nil, trace.CompareFailed("user %q was concurrently modified", user.ID)
		}
		return nil, trace.Wrap(err)
	}
	if existing.Email != updated.Email {
		_ = s.Delete(ctx, backend.Key(usersByEmailPrefix, updated.TenantID, existing.Email))
		if _, err := s.Put(ctx, backend.Item{
			Key:   backend.Key(usersByEmailPrefix, updated.TenantID, updated.Email),
			Value: []byte(updated.ID),
		}); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if existing.Username != updated.Username {
		_ = s.Delete(ctx, backend.Key(usersByNamePrefix, updated.TenantID, existing.Username))
		if _, err := s.Put(ctx, backend.Item{
			Key:   backend.Key(usersByNamePrefix, updated.TenantID, updated.Username),
			Value: []byte(updated.ID),
		}); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return &updated, nil
}

// ListUsers returns every user of the tenant.
func (s *UserService) ListUsers(ctx context.Context, tenantID string) ([]*types.User, error) {
	if tenantID == "" {
		return nil, trace.BadParameter("missing tenant id")
	}
	startKey := backend.ExactKey(usersPrefix, tenantID)
	result, err := s.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*types.User, 0, len(result.Items))
	for _, item := range result.Items {
		user, err := services.UnmarshalUser(item.Value)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, user)
	}
	return out, nil
}

// UpsertPasswordHash stores the bcrypt hash of the fallback password.
func (s *UserService) UpsertPasswordHash(ctx context.Context, tenantID, userID string, hash []byte) error {
	if tenantID == "" || userID == "" {
		return trace.BadParameter("missing tenant or user id")
	}
	if len(hash) == 0 {
		return trace.BadParameter("missing password hash")
	}
	_, err := s.Put(ctx, backend.Item{
		Key:   backend.Key(passwordsPrefix, tenantID, userID),
		Value: hash,
	})
	return trace.Wrap(err)
}

// GetPasswordHash returns the stored bcrypt hash.
func (s *UserService) GetPasswordHash(ctx context.Context, tenantID, userID string) ([]byte, error) {
	item, err := s.Get(ctx, backend.Key(passwordsPrefix, tenantID, userID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("user %q has no password set", userID)
		}
		return nil, trace.Wrap(err)
	}
	return item.Value, nil
}

// TenantService manages tenant records in the backend.
type TenantService struct {
	backend.Backend
}

// NewTenantService returns a new tenant service instance.
func NewTenantService(bk backend.Backend) *TenantService {
	return &TenantService{Backend: bk}
}

// UpsertTenant creates or replaces a tenant.
func (s *TenantService) UpsertTenant(ctx context.Context, tenant *types.Tenant) error {
	value, err := services.MarshalTenant(tenant)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.Put(ctx, backend.Item{
		Key:   backend.Key(tenantsPrefix, tenant.ID),
		Value: value,
	})
	return trace.Wrap(err)
}

// GetTenant returns a tenant by id.
func (s *TenantService) GetTenant(ctx context.Context, tenantID string) (*types.Tenant, error) {
	if tenantID == "" {
		return nil, trace.BadParameter("missing tenant id")
	}
	item, err := s.Get(ctx, backend.Key(tenantsPrefix, tenantID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("tenant %q not found", tenantID)
		}
		return nil, trace.Wrap(err)
	}
	return services.UnmarshalTenant(item.Value)
}
